package kernel

import (
	"context"

	"github.com/r3e-network/lattice/internal/domainmodel"
	"github.com/r3e-network/lattice/internal/review"
)

// ListPendingReviews lists quarantined entries of notebookID awaiting an
// admin decision, requiring admin tier.
func (k *Kernel) ListPendingReviews(ctx context.Context, actor, notebookID string) ([]review.PendingReview, error) {
	decision, err := k.access.Resolve(ctx, actor, notebookID, domainmodel.TierAdmin)
	if err != nil {
		return nil, err
	}
	if !decision.Ok {
		return nil, decision.Opaque(notebookID)
	}
	return k.reviews.ListPending(ctx, notebookID)
}

// ApproveReview approves a quarantined entry, requiring admin tier on its
// notebook.
func (k *Kernel) ApproveReview(ctx context.Context, actor, notebookID, entryID string) error {
	decision, err := k.access.Resolve(ctx, actor, notebookID, domainmodel.TierAdmin)
	if err != nil {
		return err
	}
	if !decision.Ok {
		return decision.Opaque(notebookID)
	}
	return k.reviews.Approve(ctx, entryID, actor)
}

// RejectReview rejects a quarantined entry, requiring admin tier on its
// notebook.
func (k *Kernel) RejectReview(ctx context.Context, actor, notebookID, entryID string) error {
	decision, err := k.access.Resolve(ctx, actor, notebookID, domainmodel.TierAdmin)
	if err != nil {
		return err
	}
	if !decision.Ok {
		return decision.Opaque(notebookID)
	}
	return k.reviews.Reject(ctx, entryID, actor)
}
