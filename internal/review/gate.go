// Package review implements the content review gate: quarantine of
// external contributions and the admin approve/reject workflow
// (spec §4.6).
package review

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/r3e-network/lattice/internal/audit"
	dbpkg "github.com/r3e-network/lattice/internal/db"
	"github.com/r3e-network/lattice/internal/domainmodel"
	kerrors "github.com/r3e-network/lattice/internal/errors"
	"github.com/r3e-network/lattice/internal/jobqueue"
)

// Gate is the review gate component.
type Gate struct {
	db    *sqlx.DB
	audit *audit.Sink
	jobs  *jobqueue.Queue
}

// New constructs a Gate.
func New(db *sqlx.DB, sink *audit.Sink, jobs *jobqueue.Queue) *Gate {
	return &Gate{db: db, audit: sink, jobs: jobs}
}

// PendingReview is one quarantined entry awaiting an admin decision.
type PendingReview struct {
	EntryID     string
	NotebookID  string
	SubmittedBy string
	CreatedAt   time.Time
}

// DecideReviewStatus chooses whether a freshly-written entry is
// auto-approved or quarantined: the author is approved if they are a
// member (any role) of the notebook's owning group, or hold
// read_write/admin tier directly; otherwise the entry is quarantined
// pending an admin decision (spec §4.6).
func DecideReviewStatus(ctx context.Context, tx *sqlx.Tx, notebookID, authorID string, owningGroupID *string) (domainmodel.ReviewStatus, error) {
	if owningGroupID == nil {
		return domainmodel.ReviewApproved, nil
	}
	var role string
	err := tx.GetContext(ctx, &role, `SELECT role FROM group_memberships WHERE group_id = $1 AND principal_id = $2`, *owningGroupID, authorID)
	if err == nil {
		return domainmodel.ReviewApproved, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("check group membership: %w", err)
	}

	var tier string
	err = tx.GetContext(ctx, &tier, `SELECT tier FROM notebook_access WHERE notebook_id = $1 AND principal_id = $2`, notebookID, authorID)
	if err == nil && (tier == domainmodel.TierReadWrite.String() || tier == domainmodel.TierAdmin.String()) {
		return domainmodel.ReviewApproved, nil
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("check direct grant: %w", err)
	}
	return domainmodel.ReviewPending, nil
}

// RecordSubmission inserts the entry_reviews row tracking a freshly
// written entry's review status, within the same transaction as the
// entry insert.
func RecordSubmission(ctx context.Context, tx *sqlx.Tx, entryID, notebookID, authorID string, status domainmodel.ReviewStatus) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO entry_reviews (entry_id, notebook_id, submitted_by, status)
		VALUES ($1, $2, $3, $4)
	`, entryID, notebookID, authorID, string(status))
	if err != nil {
		return fmt.Errorf("record review submission: %w", err)
	}
	return nil
}

// ListPending returns quarantined entries of notebookID awaiting a
// decision, oldest first.
func (g *Gate) ListPending(ctx context.Context, notebookID string) ([]PendingReview, error) {
	var rows []struct {
		EntryID     string    `db:"entry_id"`
		NotebookID  string    `db:"notebook_id"`
		SubmittedBy string    `db:"submitted_by"`
		CreatedAt   time.Time `db:"created_at"`
	}
	err := g.db.SelectContext(ctx, &rows, `
		SELECT entry_id, notebook_id, submitted_by, created_at
		FROM entry_reviews
		WHERE notebook_id = $1 AND status = 'pending'
		ORDER BY created_at ASC
	`, notebookID)
	if err != nil {
		return nil, fmt.Errorf("list pending reviews: %w", err)
	}
	out := make([]PendingReview, 0, len(rows))
	for _, r := range rows {
		out = append(out, PendingReview{EntryID: r.EntryID, NotebookID: r.NotebookID, SubmittedBy: r.SubmittedBy, CreatedAt: r.CreatedAt})
	}
	return out, nil
}

// Approve transitions a quarantined entry to approved and enqueues its
// initial DISTILL_CLAIMS job, atomically.
func (g *Gate) Approve(ctx context.Context, entryID, decidedBy string) error {
	return dbpkg.WithSerializableTx(ctx, g.db, func(tx *sqlx.Tx) error {
		notebookID, err := transitionReview(ctx, tx, entryID, decidedBy, domainmodel.ReviewApproved)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE entries SET review_status = 'approved' WHERE id = $1`, entryID)
		if err != nil {
			return fmt.Errorf("approve entry: %w", err)
		}
		if _, err := g.jobs.EnqueueTx(ctx, tx, notebookID, domainmodel.JobDistillClaims, map[string]interface{}{
			"entry_id": entryID,
		}); err != nil {
			return err
		}
		g.audit.Record(ctx, "review.approve", "entry", &decidedBy, &notebookID, map[string]interface{}{"entry_id": entryID})
		return nil
	})
}

// Reject transitions a quarantined entry to rejected. No reason is ever
// surfaced to the submitter (spec §4.6 information-flow prevention);
// this function itself does not return one either.
func (g *Gate) Reject(ctx context.Context, entryID, decidedBy string) error {
	return dbpkg.WithSerializableTx(ctx, g.db, func(tx *sqlx.Tx) error {
		notebookID, err := transitionReview(ctx, tx, entryID, decidedBy, domainmodel.ReviewRejected)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE entries SET review_status = 'rejected' WHERE id = $1`, entryID)
		if err != nil {
			return fmt.Errorf("reject entry: %w", err)
		}
		g.audit.Record(ctx, "review.reject", "entry", &decidedBy, &notebookID, map[string]interface{}{"entry_id": entryID})
		return nil
	})
}

func transitionReview(ctx context.Context, tx *sqlx.Tx, entryID, decidedBy string, to domainmodel.ReviewStatus) (string, error) {
	var row struct {
		NotebookID string `db:"notebook_id"`
		Status     string `db:"status"`
	}
	err := tx.GetContext(ctx, &row, `SELECT notebook_id, status FROM entry_reviews WHERE entry_id = $1 FOR UPDATE`, entryID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", kerrors.NotFound("entry_review", entryID)
	}
	if err != nil {
		return "", fmt.Errorf("lock review: %w", err)
	}
	if domainmodel.ReviewStatus(row.Status) != domainmodel.ReviewPending {
		return "", kerrors.Conflict("review has already been decided").WithDetails("entry_id", entryID)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE entry_reviews SET status = $1, decided_by = $2, decided_at = now() WHERE entry_id = $3
	`, string(to), decidedBy, entryID)
	if err != nil {
		return "", fmt.Errorf("transition review: %w", err)
	}
	return row.NotebookID, nil
}
