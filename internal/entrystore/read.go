package entrystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/r3e-network/lattice/internal/domainmodel"
	kerrors "github.com/r3e-network/lattice/internal/errors"
)

type entryRow struct {
	ID                string         `db:"id"`
	NotebookID        string         `db:"notebook_id"`
	AuthorID          string         `db:"author_id"`
	Content           []byte         `db:"content"`
	MIMEType          string         `db:"mime_type"`
	Topic             sql.NullString `db:"topic"`
	References        pq.StringArray `db:"references_list"`
	RevisionOf        sql.NullString `db:"revision_of"`
	FragmentOf        sql.NullString `db:"fragment_of"`
	FragmentIndex     sql.NullInt64  `db:"fragment_index"`
	Sequence          int64          `db:"sequence"`
	CreatedAt         sql.NullTime   `db:"created_at"`
	ReviewStatus      string         `db:"review_status"`
	IntegrationStatus string         `db:"integration_status"`
	Claims            []byte         `db:"claims"`
	ClaimStatus       string         `db:"claim_status"`
	Embedding         pq.Float64Array `db:"embedding"`
	Comparisons       []byte         `db:"comparisons"`
	MaxFriction       float64        `db:"max_friction"`
	NeedsReview       bool           `db:"needs_review"`
}

const selectEntryColumns = `
	id, notebook_id, author_id, content, mime_type, topic, references_list,
	revision_of, fragment_of, fragment_index, sequence, created_at,
	review_status, integration_status, claims, claim_status,
	embedding, comparisons, max_friction, needs_review
`

func (r entryRow) toDomain() (*domainmodel.Entry, error) {
	e := &domainmodel.Entry{
		ID:                r.ID,
		NotebookID:        r.NotebookID,
		AuthorID:          r.AuthorID,
		Content:           r.Content,
		MIMEType:          r.MIMEType,
		References:        []string(r.References),
		Sequence:          r.Sequence,
		ReviewStatus:      domainmodel.ReviewStatus(r.ReviewStatus),
		IntegrationStatus: domainmodel.IntegrationStatus(r.IntegrationStatus),
		ClaimStatus:       domainmodel.ClaimStatus(r.ClaimStatus),
		MaxFriction:       r.MaxFriction,
		NeedsReview:       r.NeedsReview,
	}
	if r.Topic.Valid {
		topic := r.Topic.String
		e.Topic = &topic
	}
	if r.RevisionOf.Valid {
		v := r.RevisionOf.String
		e.RevisionOf = &v
	}
	if r.FragmentOf.Valid {
		v := r.FragmentOf.String
		e.FragmentOf = &v
	}
	if r.FragmentIndex.Valid {
		v := int(r.FragmentIndex.Int64)
		e.FragmentIndex = &v
	}
	if r.CreatedAt.Valid {
		e.CreatedAt = r.CreatedAt.Time
	}
	if len(r.Embedding) > 0 {
		e.Embedding = []float64(r.Embedding)
	}
	if len(r.Claims) > 0 {
		if err := json.Unmarshal(r.Claims, &e.Claims); err != nil {
			return nil, fmt.Errorf("decode claims: %w", err)
		}
	}
	if len(r.Comparisons) > 0 {
		if err := json.Unmarshal(r.Comparisons, &e.Comparisons); err != nil {
			return nil, fmt.Errorf("decode comparisons: %w", err)
		}
	}
	return e, nil
}

// GetEntry fetches a single entry by id, scoped to notebookID.
func (s *Store) GetEntry(ctx context.Context, id, notebookID string) (*domainmodel.Entry, error) {
	var row entryRow
	err := s.db.GetContext(ctx, &row, `SELECT `+selectEntryColumns+` FROM entries WHERE id = $1 AND notebook_id = $2`, id, notebookID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kerrors.NotFound("entry", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return row.toDomain()
}

// ListRevisions returns every entry whose revision_of points at id, oldest
// first.
func (s *Store) ListRevisions(ctx context.Context, id string) ([]*domainmodel.Entry, error) {
	var rows []entryRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+selectEntryColumns+` FROM entries WHERE revision_of = $1 ORDER BY sequence ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	return toDomainSlice(rows)
}

// ReferencesOf returns the direct reference list of entry id.
func (s *Store) ReferencesOf(ctx context.Context, id, notebookID string) ([]string, error) {
	entry, err := s.GetEntry(ctx, id, notebookID)
	if err != nil {
		return nil, err
	}
	return entry.References, nil
}

// Referencing returns every entry in the same notebook that directly
// references id.
func (s *Store) Referencing(ctx context.Context, id, notebookID string) ([]*domainmodel.Entry, error) {
	var rows []entryRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+selectEntryColumns+` FROM entries WHERE notebook_id = $1 AND $2 = ANY(references_list)`, notebookID, id)
	if err != nil {
		return nil, fmt.Errorf("referencing: %w", err)
	}
	return toDomainSlice(rows)
}

// TransitiveReferences performs a bounded-depth, cycle-safe breadth-first
// walk of the (intentionally cyclic) reference graph starting at id, per
// spec §4.1: "Any traversal operation... must carry a visited set and a
// depth bound (default 64). Never recurse blindly."
func (s *Store) TransitiveReferences(ctx context.Context, id, notebookID string, depthBound int) ([]string, error) {
	if depthBound <= 0 {
		depthBound = DefaultReferenceDepthBound
	}
	visited := map[string]struct{}{id: {}}
	frontier := []string{id}
	var order []string

	for depth := 0; depth < depthBound && len(frontier) > 0; depth++ {
		var next []string
		for _, current := range frontier {
			refs, err := s.ReferencesOf(ctx, current, notebookID)
			if err != nil {
				if kerrors.CodeOf(err) == kerrors.CodeNotFound {
					continue
				}
				return nil, err
			}
			for _, r := range refs {
				if _, seen := visited[r]; seen {
					continue
				}
				visited[r] = struct{}{}
				order = append(order, r)
				next = append(next, r)
			}
		}
		frontier = next
	}
	return order, nil
}

// Filter narrows a Browse call (spec §4.1).
type Filter struct {
	Query             *string
	TopicPrefix       *string
	ClaimsStatus      *domainmodel.ClaimStatus
	IntegrationStatus *domainmodel.IntegrationStatus
	Author            *string
	SequenceMin       *int64
	SequenceMax       *int64
	FragmentOf        *string
	HasFrictionAbove  *float64
	NeedsReview       *bool
	Limit             int
	Offset            int
	AuthorVisibleOnly bool // keeps only review_status=approved entries, plus the requesting author's own
	RequestingAuthor  string
}

// Browse lists entries of a notebook matching filter, always ordered by
// sequence descending; Filter has no ordering option.
func (s *Store) Browse(ctx context.Context, notebookID string, f Filter) ([]*domainmodel.Entry, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	clauses := []string{"notebook_id = $1"}
	args := []interface{}{notebookID}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.AuthorVisibleOnly {
		clauses = append(clauses, "(review_status = 'approved' OR author_id = "+arg(f.RequestingAuthor)+")")
	}
	if f.Query != nil && *f.Query != "" {
		pattern := "%" + *f.Query + "%"
		clauses = append(clauses, "(content ILIKE "+arg(pattern)+" OR topic ILIKE "+arg(pattern)+")")
	}
	if f.TopicPrefix != nil {
		clauses = append(clauses, "topic LIKE "+arg(*f.TopicPrefix+"%"))
	}
	if f.ClaimsStatus != nil {
		clauses = append(clauses, "claim_status = "+arg(string(*f.ClaimsStatus)))
	}
	if f.IntegrationStatus != nil {
		clauses = append(clauses, "integration_status = "+arg(string(*f.IntegrationStatus)))
	}
	if f.Author != nil {
		clauses = append(clauses, "author_id = "+arg(*f.Author))
	}
	if f.SequenceMin != nil {
		clauses = append(clauses, "sequence >= "+arg(*f.SequenceMin))
	}
	if f.SequenceMax != nil {
		clauses = append(clauses, "sequence <= "+arg(*f.SequenceMax))
	}
	if f.FragmentOf != nil {
		clauses = append(clauses, "fragment_of = "+arg(*f.FragmentOf))
	}
	if f.HasFrictionAbove != nil {
		clauses = append(clauses, "max_friction > "+arg(*f.HasFrictionAbove))
	}
	if f.NeedsReview != nil {
		clauses = append(clauses, "needs_review = "+arg(*f.NeedsReview))
	}

	query := "SELECT " + selectEntryColumns + " FROM entries WHERE " + strings.Join(clauses, " AND ") +
		" ORDER BY sequence DESC LIMIT " + arg(limit) + " OFFSET " + arg(f.Offset)

	var rows []entryRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("browse entries: %w", err)
	}
	return toDomainSlice(rows)
}

// Observe returns entries inserted after sinceSequence, bounded by limit
// (default/max per spec §4.1), author-visible only (pending entries
// excluded).
func (s *Store) Observe(ctx context.Context, notebookID string, sinceSequence int64, limit int) ([]*domainmodel.Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	var rows []entryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+selectEntryColumns+` FROM entries
		WHERE notebook_id = $1 AND sequence > $2 AND review_status = 'approved'
		ORDER BY sequence ASC
		LIMIT $3
	`, notebookID, sinceSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("observe entries: %w", err)
	}
	return toDomainSlice(rows)
}

func toDomainSlice(rows []entryRow) ([]*domainmodel.Entry, error) {
	out := make([]*domainmodel.Entry, 0, len(rows))
	for _, row := range rows {
		e, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
