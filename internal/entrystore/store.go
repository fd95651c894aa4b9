// Package entrystore implements the immutable, sequence-numbered entry
// store with its cyclic reference graph and revision chains (spec §4.1).
package entrystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/r3e-network/lattice/internal/audit"
	dbpkg "github.com/r3e-network/lattice/internal/db"
	"github.com/r3e-network/lattice/internal/domainmodel"
	kerrors "github.com/r3e-network/lattice/internal/errors"
)

// DefaultReferenceDepthBound is the traversal depth bound spec §4.1 requires
// for any operation over the (intentionally cyclic) reference graph.
const DefaultReferenceDepthBound = 64

// Draft is the caller-supplied shape of a new entry, prior to sequence
// assignment. ReviewStatus is set by the review gate (spec §4.6) before
// InsertEntry is called; the entry store itself does not decide it.
type Draft struct {
	AuthorID      string
	Content       []byte
	MIMEType      string
	Topic         *string
	References    []string
	RevisionOf    *string
	FragmentOf    *string
	FragmentIndex *int
	ReviewStatus  domainmodel.ReviewStatus
	Classification *domainmodel.ClassificationLevel // optional asserted classification, validated against the notebook's
}

// Store is the entry store component.
type Store struct {
	db    *sqlx.DB
	audit *audit.Sink

	// OnInserted, if set, runs inside the same transaction as the entry
	// insert, immediately after the row is written. The review gate
	// (spec §4.6) wires this to record the entry_reviews submission row
	// atomically with the entry it gates, without entrystore importing
	// the review package.
	OnInserted func(ctx context.Context, tx *sqlx.Tx, entry *domainmodel.Entry) error
}

// New constructs a Store.
func New(db *sqlx.DB, sink *audit.Sink) *Store {
	return &Store{db: db, audit: sink}
}

// InsertEntry performs the full transactional insert described in spec
// §4.1: sequence increment, reference/revision/fragment validation, row
// insert, and audit emission, all inside one serializable transaction.
func (s *Store) InsertEntry(ctx context.Context, notebookID string, draft Draft) (*domainmodel.Entry, error) {
	if strings.TrimSpace(draft.AuthorID) == "" {
		return nil, kerrors.InvalidInput("author_id", "required")
	}
	if draft.ReviewStatus == "" {
		draft.ReviewStatus = domainmodel.ReviewApproved
	}

	var entry *domainmodel.Entry
	err := dbpkg.WithSerializableTx(ctx, s.db, func(tx *sqlx.Tx) error {
		nb, err := lockNotebook(ctx, tx, notebookID)
		if err != nil {
			return err
		}

		if draft.Classification != nil && *draft.Classification > nb.Classification {
			return kerrors.InvalidInput("classification", "exceeds notebook classification").WithDetails("reason", "ClassificationViolation")
		}

		if nb.MaxEntries > 0 {
			var count int
			if err := tx.GetContext(ctx, &count, `SELECT count(*) FROM entries WHERE notebook_id = $1`, notebookID); err != nil {
				return fmt.Errorf("count entries: %w", err)
			}
			if count >= nb.MaxEntries {
				return kerrors.QuotaExceeded(notebookID)
			}
		}

		if err := validateSameNotebook(ctx, tx, notebookID, draft.References); err != nil {
			return err
		}
		if draft.RevisionOf != nil {
			if err := requireSameNotebook(ctx, tx, notebookID, *draft.RevisionOf); err != nil {
				return err
			}
		}
		if draft.FragmentOf != nil {
			if err := requireSameNotebook(ctx, tx, notebookID, *draft.FragmentOf); err != nil {
				return err
			}
		}

		var newSequence int64
		if err := tx.GetContext(ctx, &newSequence, `
			UPDATE notebooks SET current_sequence = current_sequence + 1
			WHERE id = $1
			RETURNING current_sequence
		`, notebookID); err != nil {
			return fmt.Errorf("increment sequence: %w", err)
		}

		e := &domainmodel.Entry{
			ID:                uuid.NewString(),
			NotebookID:        notebookID,
			AuthorID:          draft.AuthorID,
			Content:           draft.Content,
			MIMEType:          draft.MIMEType,
			Topic:             draft.Topic,
			References:        draft.References,
			RevisionOf:        draft.RevisionOf,
			FragmentOf:        draft.FragmentOf,
			FragmentIndex:     draft.FragmentIndex,
			Sequence:          newSequence,
			CreatedAt:         time.Now().UTC(),
			ReviewStatus:      draft.ReviewStatus,
			IntegrationStatus: domainmodel.IntegrationProbation,
			ClaimStatus:       domainmodel.ClaimPending,
			Claims:            []domainmodel.Claim{},
			Comparisons:       []domainmodel.Comparison{},
		}

		claimsJSON, _ := json.Marshal(e.Claims)
		comparisonsJSON, _ := json.Marshal(e.Comparisons)

		_, err = tx.ExecContext(ctx, `
			INSERT INTO entries (
				id, notebook_id, author_id, content, mime_type, topic, references_list,
				revision_of, fragment_of, fragment_index, sequence, created_at,
				review_status, integration_status, claims, claim_status,
				embedding, comparisons, max_friction, needs_review
			) VALUES (
				$1,$2,$3,$4,$5,$6,$7,
				$8,$9,$10,$11,$12,
				$13,$14,$15,$16,
				NULL,$17,0,false
			)
		`, e.ID, e.NotebookID, e.AuthorID, e.Content, e.MIMEType, e.Topic, pq.Array(e.References),
			e.RevisionOf, e.FragmentOf, e.FragmentIndex, e.Sequence, e.CreatedAt,
			string(e.ReviewStatus), string(e.IntegrationStatus), claimsJSON, string(e.ClaimStatus),
			comparisonsJSON)
		if err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}

		if s.OnInserted != nil {
			if err := s.OnInserted(ctx, tx, e); err != nil {
				return err
			}
		}

		s.audit.Record(ctx, "entry.insert", "entry", &draft.AuthorID, &notebookID, map[string]interface{}{
			"entry_id": e.ID,
			"sequence": e.Sequence,
		})

		entry = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

type notebookRow struct {
	ID             string
	Classification domainmodel.ClassificationLevel
	MaxEntries     int
}

func lockNotebook(ctx context.Context, tx *sqlx.Tx, notebookID string) (*notebookRow, error) {
	var row struct {
		ID             string `db:"id"`
		Classification int    `db:"classification"`
		MaxEntries     int    `db:"max_entries"`
	}
	err := tx.GetContext(ctx, &row, `SELECT id, classification, max_entries FROM notebooks WHERE id = $1 FOR UPDATE`, notebookID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kerrors.NotFound("notebook", notebookID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock notebook: %w", err)
	}
	return &notebookRow{ID: row.ID, Classification: domainmodel.ClassificationLevel(row.Classification), MaxEntries: row.MaxEntries}, nil
}

func validateSameNotebook(ctx context.Context, tx *sqlx.Tx, notebookID string, ids []string) error {
	for _, id := range ids {
		if err := requireSameNotebook(ctx, tx, notebookID, id); err != nil {
			return err
		}
	}
	return nil
}

func requireSameNotebook(ctx context.Context, tx *sqlx.Tx, notebookID, entryID string) error {
	var owner string
	err := tx.GetContext(ctx, &owner, `SELECT notebook_id FROM entries WHERE id = $1`, entryID)
	if errors.Is(err, sql.ErrNoRows) {
		return kerrors.InvalidInput("reference", "target entry does not exist").WithDetails("reason", "InvalidReference").WithDetails("entry_id", entryID)
	}
	if err != nil {
		return fmt.Errorf("lookup reference target: %w", err)
	}
	if owner != notebookID {
		return kerrors.InvalidInput("reference", "target entry belongs to a different notebook").WithDetails("reason", "InvalidReference").WithDetails("entry_id", entryID)
	}
	return nil
}
