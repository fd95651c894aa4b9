// Package pipeline implements the claim pipeline orchestrator: the
// type-specific state transitions and follow-up enqueues that run
// inside complete(job) (spec §4.3).
package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/r3e-network/lattice/internal/audit"
	dbpkg "github.com/r3e-network/lattice/internal/db"
	"github.com/r3e-network/lattice/internal/domainmodel"
	kerrors "github.com/r3e-network/lattice/internal/errors"
	"github.com/r3e-network/lattice/internal/jobqueue"
)

// Thresholds bundles the orchestrator's tunable parameters (spec §4.3),
// normally sourced from config.Config.
type Thresholds struct {
	NeighborTopK                 int
	NeighborMinCosine             float64
	FrictionThreshold             float64
	ReviewThreshold               float64
	MinComparisonsForIntegration int
}

// DefaultThresholds mirrors the spec's stated defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		NeighborTopK:                  5,
		NeighborMinCosine:             0.3,
		FrictionThreshold:             0.2,
		ReviewThreshold:               0.2,
		MinComparisonsForIntegration:  1,
	}
}

// Orchestrator is the claim pipeline component.
type Orchestrator struct {
	db         *sqlx.DB
	audit      *audit.Sink
	jobs       *jobqueue.Queue
	thresholds Thresholds
}

// New constructs an Orchestrator.
func New(db *sqlx.DB, sink *audit.Sink, jobs *jobqueue.Queue, thresholds Thresholds) *Orchestrator {
	return &Orchestrator{db: db, audit: sink, jobs: jobs, thresholds: thresholds}
}

// DistillClaimsResult is a finished DISTILL_CLAIMS job's payload.
type DistillClaimsResult struct {
	EntryID string             `json:"entry_id"`
	Claims  []domainmodel.Claim `json:"claims"`
}

// EmbedClaimsResult is a finished EMBED_CLAIMS job's payload.
type EmbedClaimsResult struct {
	EntryID   string    `json:"entry_id"`
	Embedding []float64 `json:"embedding"`
}

// CompareClaimsResult is a finished COMPARE_CLAIMS job's payload.
type CompareClaimsResult struct {
	EntryID            string                       `json:"entry_id"`
	CompareAgainstID   string                       `json:"compare_against_id"`
	Entropy            float64                      `json:"entropy"`
	Friction           float64                      `json:"friction"`
	Contradictions     []domainmodel.Contradiction  `json:"contradictions"`
	DiscountFactor     *float64                     `json:"discount_factor,omitempty"`
}

// ClassifyTopicResult is a finished CLASSIFY_TOPIC job's payload.
type ClassifyTopicResult struct {
	EntryID string `json:"entry_id"`
	Topic   string `json:"topic"`
}

type distillPayload struct {
	EntryID       string             `json:"entry_id"`
	ContextClaims []domainmodel.Claim `json:"context_claims,omitempty"`
}

type embedPayload struct {
	EntryID string              `json:"entry_id"`
	Claims  []domainmodel.Claim `json:"claims"`
}

type comparePayload struct {
	ClaimsA          []domainmodel.Claim `json:"claims_a"`
	ClaimsB          []domainmodel.Claim `json:"claims_b"`
	CompareAgainstID string              `json:"compare_against_id"`
	DiscountFactor   *float64            `json:"discount_factor,omitempty"`
}

// Complete applies job's type-specific transition and enqueues follow-up
// work, then marks job completed — all inside one serializable
// transaction (spec §4.3 ordering guarantee).
func (o *Orchestrator) Complete(ctx context.Context, jobID, workerID string, resultJSON []byte) error {
	return dbpkg.WithSerializableTx(ctx, o.db, func(tx *sqlx.Tx) error {
		job, err := jobqueue.GetTx(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.Status != domainmodel.JobInProgress {
			return kerrors.Conflict("job is not in_progress").WithDetails("job_id", jobID)
		}

		switch job.Type {
		case domainmodel.JobDistillClaims:
			var result DistillClaimsResult
			if err := json.Unmarshal(resultJSON, &result); err != nil {
				return fmt.Errorf("decode distill result: %w", err)
			}
			var input distillPayload
			_ = json.Unmarshal(job.Payload, &input)
			if err := o.applyDistillClaims(ctx, tx, job.NotebookID, input, result); err != nil {
				return err
			}
		case domainmodel.JobEmbedClaims:
			var result EmbedClaimsResult
			if err := json.Unmarshal(resultJSON, &result); err != nil {
				return fmt.Errorf("decode embed result: %w", err)
			}
			if err := o.applyEmbedClaims(ctx, tx, job.NotebookID, result); err != nil {
				return err
			}
		case domainmodel.JobCompareClaims:
			var result CompareClaimsResult
			if err := json.Unmarshal(resultJSON, &result); err != nil {
				return fmt.Errorf("decode compare result: %w", err)
			}
			if err := o.applyCompareClaims(ctx, tx, job.NotebookID, result); err != nil {
				return err
			}
		case domainmodel.JobClassifyTopic:
			var result ClassifyTopicResult
			if err := json.Unmarshal(resultJSON, &result); err != nil {
				return fmt.Errorf("decode classify result: %w", err)
			}
			if err := o.applyClassifyTopic(ctx, tx, result); err != nil {
				return err
			}
		default:
			return kerrors.Internal("unknown job type", fmt.Errorf("%s", job.Type)).WithDetails("job_id", jobID)
		}

		return o.jobs.MarkCompleted(ctx, tx, jobID)
	})
}

// applyDistillClaims implements the DISTILL_CLAIMS branch of spec §4.3,
// including the fragment-chaining logic. input is the job's own payload
// (carrying any context_claims accumulated from earlier fragments);
// result is the worker's output for this fragment.
func (o *Orchestrator) applyDistillClaims(ctx context.Context, tx *sqlx.Tx, notebookID string, input distillPayload, result DistillClaimsResult) error {
	entry, err := lockEntry(ctx, tx, result.EntryID)
	if err != nil {
		return err
	}

	if entry.FragmentOf != nil {
		nextFragment, err := nextFragmentOf(ctx, tx, *entry.FragmentOf, *entry.FragmentIndex)
		if err != nil {
			return err
		}
		accumulated := append(append([]domainmodel.Claim{}, input.ContextClaims...), result.Claims...)
		if nextFragment != "" {
			_, err := o.jobs.EnqueueTx(ctx, tx, notebookID, domainmodel.JobDistillClaims, distillPayload{
				EntryID:       nextFragment,
				ContextClaims: accumulated,
			})
			return err
		}
		// Last fragment: roll up into the artifact.
		_, err = o.jobs.EnqueueTx(ctx, tx, notebookID, domainmodel.JobDistillClaims, distillPayload{
			EntryID:       *entry.FragmentOf,
			ContextClaims: accumulated,
		})
		return err
	}

	if err := writeClaimsOnce(ctx, tx, entry.ID, result.Claims); err != nil {
		return err
	}
	_, err = o.jobs.EnqueueTx(ctx, tx, notebookID, domainmodel.JobEmbedClaims, embedPayload{
		EntryID: entry.ID,
		Claims:  result.Claims,
	})
	return err
}

func nextFragmentOf(ctx context.Context, tx *sqlx.Tx, artifactID string, currentIndex int) (string, error) {
	var id string
	err := tx.GetContext(ctx, &id, `
		SELECT id FROM entries WHERE fragment_of = $1 AND fragment_index = $2
	`, artifactID, currentIndex+1)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup next fragment: %w", err)
	}
	return id, nil
}

// writeClaimsOnce performs the at-most-once pending->distilled transition
// (spec §3, testable property 3).
func writeClaimsOnce(ctx context.Context, tx *sqlx.Tx, entryID string, claims []domainmodel.Claim) error {
	raw, err := json.Marshal(claims)
	if err != nil {
		return fmt.Errorf("marshal claims: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE entries SET claims = $1, claim_status = 'distilled'
		WHERE id = $2 AND claim_status = 'pending'
	`, raw, entryID)
	if err != nil {
		return fmt.Errorf("write claims: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("write claims rows affected: %w", err)
	}
	if n == 0 {
		return kerrors.Conflict("claims have already been distilled").WithDetails("entry_id", entryID)
	}
	return nil
}

// applyEmbedClaims implements the EMBED_CLAIMS branch: store the
// embedding, then scan for neighbors and enqueue COMPARE_CLAIMS jobs.
func (o *Orchestrator) applyEmbedClaims(ctx context.Context, tx *sqlx.Tx, notebookID string, result EmbedClaimsResult) error {
	_, err := tx.ExecContext(ctx, `UPDATE entries SET embedding = $1 WHERE id = $2`, pq.Array(result.Embedding), result.EntryID)
	if err != nil {
		return fmt.Errorf("store embedding: %w", err)
	}

	entryClaims, err := claimsOf(ctx, tx, result.EntryID)
	if err != nil {
		return err
	}

	neighbors, err := o.findNeighbors(ctx, tx, notebookID, result.EntryID, result.Embedding)
	if err != nil {
		return err
	}

	for _, n := range neighbors {
		_, err := o.jobs.EnqueueTx(ctx, tx, notebookID, domainmodel.JobCompareClaims, comparePayload{
			ClaimsA:          n.claims,
			ClaimsB:          entryClaims,
			CompareAgainstID: n.id,
			DiscountFactor:   n.discountFactor,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// applyClassifyTopic implements the CLASSIFY_TOPIC branch: the worker
// infers a slash-delimited topic hierarchy from the entry's content; the
// orchestrator only records it.
func (o *Orchestrator) applyClassifyTopic(ctx context.Context, tx *sqlx.Tx, result ClassifyTopicResult) error {
	_, err := tx.ExecContext(ctx, `UPDATE entries SET topic = $1 WHERE id = $2`, result.Topic, result.EntryID)
	if err != nil {
		return fmt.Errorf("store classified topic: %w", err)
	}
	return nil
}

type neighbor struct {
	id             string
	claims         []domainmodel.Claim
	embedding      []float64
	discountFactor *float64
	cosine         float64
}

// findNeighbors scans same-notebook entries plus mirrored entries of
// subscriptions at scope >= claims, returning the top-K above the
// minimum cosine threshold, nearest first (spec §4.3).
func (o *Orchestrator) findNeighbors(ctx context.Context, tx *sqlx.Tx, notebookID, excludeEntryID string, target []float64) ([]neighbor, error) {
	var local []struct {
		ID        string          `db:"id"`
		Claims    []byte          `db:"claims"`
		Embedding pq.Float64Array `db:"embedding"`
	}
	err := tx.SelectContext(ctx, &local, `
		SELECT id, claims, embedding FROM entries
		WHERE notebook_id = $1 AND id != $2 AND embedding IS NOT NULL AND review_status = 'approved'
	`, notebookID, excludeEntryID)
	if err != nil {
		return nil, fmt.Errorf("scan local neighbors: %w", err)
	}

	var mirrored []struct {
		ID             string          `db:"id"`
		Claims         []byte          `db:"claims"`
		Embedding      pq.Float64Array `db:"embedding"`
		DiscountFactor float64         `db:"discount_factor"`
	}
	err = tx.SelectContext(ctx, &mirrored, `
		SELECT m.id, m.claims, m.embedding, s.discount_factor
		FROM mirrored_entries m
		JOIN notebook_subscriptions s ON s.id = m.subscription_id
		WHERE m.subscriber_notebook = $1 AND m.embedding IS NOT NULL AND m.tombstoned = false
		  AND s.scope IN ('claims', 'entries')
	`, notebookID)
	if err != nil {
		return nil, fmt.Errorf("scan mirrored neighbors: %w", err)
	}

	candidates := make([]neighbor, 0, len(local)+len(mirrored))
	for _, row := range local {
		var claims []domainmodel.Claim
		_ = json.Unmarshal(row.Claims, &claims)
		candidates = append(candidates, neighbor{id: row.ID, claims: claims, embedding: []float64(row.Embedding)})
	}
	for _, row := range mirrored {
		var claims []domainmodel.Claim
		_ = json.Unmarshal(row.Claims, &claims)
		df := row.DiscountFactor
		candidates = append(candidates, neighbor{id: row.ID, claims: claims, embedding: []float64(row.Embedding), discountFactor: &df})
	}

	scored := candidates[:0]
	for _, c := range candidates {
		cos := cosineSimilarity(target, c.embedding)
		if cos < o.thresholds.NeighborMinCosine {
			continue
		}
		c.cosine = cos
		scored = append(scored, c)
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].cosine > scored[j].cosine })

	k := o.thresholds.NeighborTopK
	if k <= 0 {
		k = DefaultThresholds().NeighborTopK
	}
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// applyCompareClaims implements the COMPARE_CLAIMS branch: append the
// comparison record, discount it if it came from a mirrored neighbor,
// and recompute max_friction/integration_status/needs_review.
func (o *Orchestrator) applyCompareClaims(ctx context.Context, tx *sqlx.Tx, notebookID string, result CompareClaimsResult) error {
	entropy, friction := result.Entropy, result.Friction
	if result.DiscountFactor != nil {
		entropy *= *result.DiscountFactor
		friction *= *result.DiscountFactor
	}

	comparisons, err := comparisonsOf(ctx, tx, result.EntryID)
	if err != nil {
		return err
	}
	comparisons = append(comparisons, domainmodel.Comparison{
		ID:             uuid.NewString(),
		AgainstEntryID: result.CompareAgainstID,
		Entropy:        entropy,
		Friction:       friction,
		Contradictions: result.Contradictions,
		Timestamp:      time.Now().UTC(),
		DiscountFactor: result.DiscountFactor,
	})

	maxFriction := 0.0
	for _, c := range comparisons {
		if c.Friction > maxFriction {
			maxFriction = c.Friction
		}
	}

	status := domainmodel.IntegrationProbation
	if len(comparisons) >= o.thresholds.MinComparisonsForIntegration {
		if maxFriction >= o.thresholds.FrictionThreshold {
			status = domainmodel.IntegrationContested
		} else {
			status = domainmodel.IntegrationIntegrated
		}
	}
	needsReview := maxFriction >= o.thresholds.ReviewThreshold

	raw, err := json.Marshal(comparisons)
	if err != nil {
		return fmt.Errorf("marshal comparisons: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE entries SET comparisons = $1, max_friction = $2, integration_status = $3, needs_review = $4
		WHERE id = $5
	`, raw, maxFriction, string(status), needsReview, result.EntryID)
	if err != nil {
		return fmt.Errorf("update comparison state: %w", err)
	}
	return nil
}

type entryRef struct {
	ID            string
	FragmentOf    *string
	FragmentIndex *int
}

func lockEntry(ctx context.Context, tx *sqlx.Tx, entryID string) (*entryRef, error) {
	var row struct {
		ID            string         `db:"id"`
		FragmentOf    sql.NullString `db:"fragment_of"`
		FragmentIndex sql.NullInt64  `db:"fragment_index"`
	}
	err := tx.GetContext(ctx, &row, `SELECT id, fragment_of, fragment_index FROM entries WHERE id = $1 FOR UPDATE`, entryID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kerrors.NotFound("entry", entryID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock entry: %w", err)
	}
	ref := &entryRef{ID: row.ID}
	if row.FragmentOf.Valid {
		v := row.FragmentOf.String
		ref.FragmentOf = &v
	}
	if row.FragmentIndex.Valid {
		v := int(row.FragmentIndex.Int64)
		ref.FragmentIndex = &v
	}
	return ref, nil
}

func claimsOf(ctx context.Context, tx *sqlx.Tx, entryID string) ([]domainmodel.Claim, error) {
	var raw []byte
	if err := tx.GetContext(ctx, &raw, `SELECT claims FROM entries WHERE id = $1`, entryID); err != nil {
		return nil, fmt.Errorf("load claims: %w", err)
	}
	var claims []domainmodel.Claim
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &claims); err != nil {
			return nil, fmt.Errorf("decode claims: %w", err)
		}
	}
	return claims, nil
}

func comparisonsOf(ctx context.Context, tx *sqlx.Tx, entryID string) ([]domainmodel.Comparison, error) {
	var raw []byte
	if err := tx.GetContext(ctx, &raw, `SELECT comparisons FROM entries WHERE id = $1`, entryID); err != nil {
		return nil, fmt.Errorf("load comparisons: %w", err)
	}
	var comparisons []domainmodel.Comparison
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &comparisons); err != nil {
			return nil, fmt.Errorf("decode comparisons: %w", err)
		}
	}
	return comparisons, nil
}
