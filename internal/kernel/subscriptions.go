package kernel

import (
	"context"
	"time"

	"github.com/r3e-network/lattice/internal/domainmodel"
)

// CreateSubscription creates a subscription mirroring sourceNotebook's
// changes into subscriberNotebook, subject to the lattice and acyclicity
// checks of spec §4.5.
func (k *Kernel) CreateSubscription(ctx context.Context, actor, subscriberNotebook, sourceNotebook string, scope domainmodel.SubscriptionScope, topicFilter *string, discountFactor float64, pollInterval time.Duration) (*domainmodel.Subscription, error) {
	return k.subs.Create(ctx, subscriberNotebook, sourceNotebook, scope, topicFilter, discountFactor, pollInterval, actor)
}

// ListSubscriptions lists every subscription subscriberNotebook holds.
func (k *Kernel) ListSubscriptions(ctx context.Context, subscriberNotebook string) ([]*domainmodel.Subscription, error) {
	return k.subs.List(ctx, subscriberNotebook)
}

// GetSubscription fetches one subscription by id.
func (k *Kernel) GetSubscription(ctx context.Context, subscriptionID string) (*domainmodel.Subscription, error) {
	return k.subs.Get(ctx, subscriptionID)
}

// DeleteSubscription removes a subscription.
func (k *Kernel) DeleteSubscription(ctx context.Context, actor, subscriptionID string) error {
	return k.subs.Delete(ctx, subscriptionID, actor)
}

// TriggerSync forces an out-of-band sync of subscriptionID instead of
// waiting for the next scheduled tick, by clearing its poll interval
// back to the default so the syncer's next tick (at most 5s away) picks
// it up immediately.
func (k *Kernel) TriggerSync(ctx context.Context, subscriptionID string) error {
	_, err := k.db.ExecContext(ctx, `
		UPDATE notebook_subscriptions
		SET last_sync_at = to_timestamp(0), poll_interval_seconds = 5
		WHERE id = $1 AND sync_status != 'syncing'
	`, subscriptionID)
	return err
}
