package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	dbpkg "github.com/r3e-network/lattice/internal/db"
	"github.com/r3e-network/lattice/internal/domainmodel"
	"github.com/r3e-network/lattice/internal/review"
)

// decideReviewStatus looks up notebookID's owning group and applies the
// review gate's auto-approve rule (spec §4.6) in a throwaway read-only
// transaction; the decision itself does not need to share the entry
// insert's transaction, only the entry_reviews row recorded by
// recordReviewSubmission does.
func (k *Kernel) decideReviewStatus(ctx context.Context, notebookID, authorID string) (domainmodel.ReviewStatus, error) {
	var status domainmodel.ReviewStatus
	err := dbpkg.WithSerializableTx(ctx, k.db, func(tx *sqlx.Tx) error {
		owningGroupID, err := loadOwningGroup(ctx, tx, notebookID)
		if err != nil {
			return err
		}
		status, err = review.DecideReviewStatus(ctx, tx, notebookID, authorID, owningGroupID)
		return err
	})
	return status, err
}

// recordReviewSubmission is wired as entrystore.Store.OnInserted: it runs
// inside the same transaction as the entry insert, recording the
// entry_reviews row the review gate tracks (spec §4.6), without
// entrystore importing the review package.
func (k *Kernel) recordReviewSubmission(ctx context.Context, tx *sqlx.Tx, entry *domainmodel.Entry) error {
	return review.RecordSubmission(ctx, tx, entry.ID, entry.NotebookID, entry.AuthorID, entry.ReviewStatus)
}

// Run starts every background loop: the audit sink's flush goroutine, the
// subscription syncer's cron tick, the job-lease reclamation sweep, and
// the clearance-cache janitor. It returns once all are started; callers
// should call Shutdown on the way out.
func (k *Kernel) Run(ctx context.Context) error {
	go func() {
		if err := k.audit.Run(ctx); err != nil {
			k.logger.WithError(err).Error("audit sink stopped")
		}
	}()

	if err := k.syncer.Start(ctx); err != nil {
		return err
	}

	go k.reclaimLoop(ctx)
	go k.cache.Janitor(k.stopCh, k.cfg.ClearanceCacheTTL)

	return nil
}

// Shutdown stops every background loop started by Run, in reverse order.
func (k *Kernel) Shutdown() {
	close(k.stopCh)
	k.syncer.Stop()
	k.audit.Stop()
	if err := k.coord.Close(); err != nil {
		k.logger.WithError(err).Error("close coordination lock")
	}
}

// reclaimLoop periodically steals back job leases that timed out, one
// notebook at a time (spec §4.2 "a lease may be stolen back after
// timeout").
func (k *Kernel) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(k.cfg.JobLeaseTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-k.stopCh:
			return
		case <-ticker.C:
			acquired, err := k.coord.TryAcquire(ctx, "lattice:reclaim-sweep", k.cfg.JobLeaseTimeout)
			if err != nil {
				k.logger.WithError(err).Error("acquire reclaim sweep lock")
				continue
			}
			if !acquired {
				continue
			}
			if err := k.reclaimAllNotebooks(ctx); err != nil {
				k.logger.WithError(err).Error("reclaim timed out jobs")
			}
			if err := k.coord.Release(ctx, "lattice:reclaim-sweep"); err != nil {
				k.logger.WithError(err).Error("release reclaim sweep lock")
			}
		}
	}
}

func (k *Kernel) reclaimAllNotebooks(ctx context.Context) error {
	var notebookIDs []string
	err := k.db.SelectContext(ctx, &notebookIDs, `
		SELECT DISTINCT notebook_id FROM jobs WHERE status = 'in_progress'
	`)
	if err != nil {
		return fmt.Errorf("list notebooks with in-progress jobs: %w", err)
	}
	for _, id := range notebookIDs {
		if err := k.jobs.ReclaimTimedOut(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
