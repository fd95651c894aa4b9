// Package subscription implements the subscription engine: create-time
// lattice and acyclicity validation, and the background sync loop that
// mirrors changes from a source notebook up into a subscriber notebook
// (spec §4.5).
package subscription

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/r3e-network/lattice/internal/access"
	"github.com/r3e-network/lattice/internal/audit"
	dbpkg "github.com/r3e-network/lattice/internal/db"
	"github.com/r3e-network/lattice/internal/domainmodel"
	kerrors "github.com/r3e-network/lattice/internal/errors"
)

// DefaultTraversalDepthBound bounds the subscription-digraph acyclicity
// walk, matching the bound used for the group DAG and reference graph.
const DefaultTraversalDepthBound = 64

// DefaultPollInterval, DefaultMaxBackoff mirror the spec's stated
// defaults. A running Engine takes its max backoff from config; the poll
// interval of a subscription created without one is always
// DefaultPollInterval (config's SubscriptionPollInterval is not read here).
const (
	DefaultPollInterval = 5 * time.Second
	DefaultMaxBackoff   = time.Hour
)

// Engine is the subscription component: creation, lookup, and the
// background sync loop.
type Engine struct {
	db         *sqlx.DB
	audit      *audit.Sink
	access     *access.Kernel
	syncCap    int
	maxBackoff time.Duration
}

// New constructs an Engine.
func New(db *sqlx.DB, sink *audit.Sink, accessKernel *access.Kernel, syncCap int, maxBackoff time.Duration) *Engine {
	if syncCap <= 0 {
		syncCap = 10
	}
	if maxBackoff <= 0 {
		maxBackoff = DefaultMaxBackoff
	}
	return &Engine{db: db, audit: sink, access: accessKernel, syncCap: syncCap, maxBackoff: maxBackoff}
}

// ChangeSource answers "what changed in this notebook since sequence X",
// the one thing the sync loop needs from the entry store. It is an
// interface (rather than a direct entrystore import) so the engine does
// not depend on entrystore's full surface, and so tests can fake it.
type ChangeSource interface {
	Observe(ctx context.Context, notebookID string, sinceSequence int64, limit int) ([]*domainmodel.Entry, error)
}

// Create validates and inserts a new subscription (spec §4.5 create-time
// checks a-e).
func (e *Engine) Create(ctx context.Context, subscriberNotebook, sourceNotebook string, scope domainmodel.SubscriptionScope, topicFilter *string, discountFactor float64, pollInterval time.Duration, actor string) (*domainmodel.Subscription, error) {
	if subscriberNotebook == sourceNotebook {
		return nil, kerrors.InvalidInput("source_notebook", "cannot subscribe a notebook to itself").WithDetails("reason", "SelfSubscription")
	}
	if discountFactor <= 0 || discountFactor > 1 {
		return nil, kerrors.InvalidInput("discount_factor", "must be in (0, 1]")
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	decision, err := e.access.Resolve(ctx, actor, subscriberNotebook, domainmodel.TierAdmin)
	if err != nil {
		return nil, err
	}
	if !decision.Ok {
		return nil, decision.Opaque(subscriberNotebook)
	}

	var sub *domainmodel.Subscription
	err = dbpkg.WithSerializableTx(ctx, e.db, func(tx *sqlx.Tx) error {
		subscriberLabel, err := labelOf(ctx, tx, subscriberNotebook)
		if err != nil {
			return err
		}
		sourceLabel, err := labelOf(ctx, tx, sourceNotebook)
		if err != nil {
			return err
		}
		if !subscriberLabel.Dominates(sourceLabel) {
			return kerrors.InsufficientClearance().WithDetails("source_level", sourceLabel.Level.String()).WithDetails("subscriber_level", subscriberLabel.Level.String())
		}

		var exists bool
		if err := tx.GetContext(ctx, &exists, `
			SELECT EXISTS(SELECT 1 FROM notebook_subscriptions WHERE subscriber_notebook = $1 AND source_notebook = $2)
		`, subscriberNotebook, sourceNotebook); err != nil {
			return fmt.Errorf("check existing subscription: %w", err)
		}
		if exists {
			return kerrors.Conflict("a subscription from this source already exists").WithDetails("reason", "DuplicateSubscription")
		}

		// Acyclicity: the new edge subscriberNotebook <- sourceNotebook must
		// not close a cycle, i.e. sourceNotebook must not already (transitively)
		// subscribe to subscriberNotebook.
		reaches, err := reachable(ctx, tx, sourceNotebook, subscriberNotebook, DefaultTraversalDepthBound)
		if err != nil {
			return err
		}
		if reaches {
			return kerrors.Conflict("subscription would introduce a cycle").WithDetails("reason", "SubscriptionCycle")
		}

		s := &domainmodel.Subscription{
			ID:                 uuid.NewString(),
			SubscriberNotebook: subscriberNotebook,
			SourceNotebook:     sourceNotebook,
			Scope:              scope,
			TopicFilter:        topicFilter,
			DiscountFactor:     discountFactor,
			PollInterval:       pollInterval,
			SyncStatus:         domainmodel.SyncIdle,
			LastSyncAt:         time.Unix(0, 0).UTC(),
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO notebook_subscriptions (
				id, subscriber_notebook, source_notebook, scope, topic_filter,
				discount_factor, poll_interval_seconds, watermark_sequence, sync_status
			) VALUES ($1,$2,$3,$4,$5,$6,$7,0,'idle')
		`, s.ID, s.SubscriberNotebook, s.SourceNotebook, string(s.Scope), s.TopicFilter,
			s.DiscountFactor, int(pollInterval.Seconds()))
		if err != nil {
			return fmt.Errorf("insert subscription: %w", err)
		}

		e.audit.Record(ctx, "subscription.create", "subscription", &actor, &subscriberNotebook, map[string]interface{}{
			"subscription_id": s.ID, "source_notebook": sourceNotebook, "scope": string(scope),
		})
		sub = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Delete removes a subscription and its mirrored entries (cascaded by
// the schema's ON DELETE CASCADE).
func (e *Engine) Delete(ctx context.Context, subscriptionID, actor string) error {
	var subscriberNotebook string
	err := e.db.GetContext(ctx, &subscriberNotebook, `SELECT subscriber_notebook FROM notebook_subscriptions WHERE id = $1`, subscriptionID)
	if errors.Is(err, sql.ErrNoRows) {
		return kerrors.NotFound("subscription", subscriptionID)
	}
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}
	decision, err := e.access.Resolve(ctx, actor, subscriberNotebook, domainmodel.TierAdmin)
	if err != nil {
		return err
	}
	if !decision.Ok {
		return decision.Opaque(subscriberNotebook)
	}
	if _, err := e.db.ExecContext(ctx, `DELETE FROM notebook_subscriptions WHERE id = $1`, subscriptionID); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	e.audit.Record(ctx, "subscription.delete", "subscription", &actor, &subscriberNotebook, map[string]interface{}{
		"subscription_id": subscriptionID,
	})
	return nil
}

// List returns every subscription belonging to subscriberNotebook.
func (e *Engine) List(ctx context.Context, subscriberNotebook string) ([]*domainmodel.Subscription, error) {
	var rows []subscriptionRow
	err := e.db.SelectContext(ctx, &rows, `
		SELECT id, subscriber_notebook, source_notebook, scope, topic_filter, discount_factor,
		       poll_interval_seconds, watermark_sequence, sync_status, last_error, last_sync_at, mirrored_count
		FROM notebook_subscriptions WHERE subscriber_notebook = $1
	`, subscriberNotebook)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	out := make([]*domainmodel.Subscription, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// Get fetches one subscription by id.
func (e *Engine) Get(ctx context.Context, subscriptionID string) (*domainmodel.Subscription, error) {
	var r subscriptionRow
	err := e.db.GetContext(ctx, &r, `
		SELECT id, subscriber_notebook, source_notebook, scope, topic_filter, discount_factor,
		       poll_interval_seconds, watermark_sequence, sync_status, last_error, last_sync_at, mirrored_count
		FROM notebook_subscriptions WHERE id = $1
	`, subscriptionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kerrors.NotFound("subscription", subscriptionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return r.toDomain(), nil
}

type subscriptionRow struct {
	ID                string         `db:"id"`
	SubscriberNotebook string        `db:"subscriber_notebook"`
	SourceNotebook    string         `db:"source_notebook"`
	Scope             string         `db:"scope"`
	TopicFilter       sql.NullString `db:"topic_filter"`
	DiscountFactor    float64        `db:"discount_factor"`
	PollIntervalSecs  int            `db:"poll_interval_seconds"`
	WatermarkSequence int64          `db:"watermark_sequence"`
	SyncStatus        string         `db:"sync_status"`
	LastError         sql.NullString `db:"last_error"`
	LastSyncAt        time.Time      `db:"last_sync_at"`
	MirroredCount     int64          `db:"mirrored_count"`
}

func (r subscriptionRow) toDomain() *domainmodel.Subscription {
	s := &domainmodel.Subscription{
		ID:                 r.ID,
		SubscriberNotebook: r.SubscriberNotebook,
		SourceNotebook:     r.SourceNotebook,
		Scope:              domainmodel.SubscriptionScope(r.Scope),
		DiscountFactor:     r.DiscountFactor,
		PollInterval:       time.Duration(r.PollIntervalSecs) * time.Second,
		WatermarkSequence:  r.WatermarkSequence,
		SyncStatus:         domainmodel.SyncStatus(r.SyncStatus),
		LastSyncAt:         r.LastSyncAt,
		MirroredCount:      r.MirroredCount,
	}
	if r.TopicFilter.Valid {
		v := r.TopicFilter.String
		s.TopicFilter = &v
	}
	if r.LastError.Valid {
		v := r.LastError.String
		s.LastError = &v
	}
	return s
}

func labelOf(ctx context.Context, tx *sqlx.Tx, notebookID string) (domainmodel.Label, error) {
	var row struct {
		Classification int            `db:"classification"`
		Compartments   pq.StringArray `db:"compartments"`
	}
	err := tx.GetContext(ctx, &row, `SELECT classification, compartments FROM notebooks WHERE id = $1 FOR UPDATE`, notebookID)
	if errors.Is(err, sql.ErrNoRows) {
		return domainmodel.Label{}, kerrors.NotFound("notebook", notebookID)
	}
	if err != nil {
		return domainmodel.Label{}, fmt.Errorf("load notebook label: %w", err)
	}
	return domainmodel.NewLabel(domainmodel.ClassificationLevel(row.Classification), []string(row.Compartments)), nil
}

// reachable reports whether target is reachable from start by walking
// the subscription digraph's source->subscriber edges (i.e. "start feeds
// into X, which feeds into ..."), depth-bounded and cycle-safe. Used at
// create time: if sourceNotebook can already reach subscriberNotebook
// through existing subscriptions, the proposed new edge would close a
// cycle.
func reachable(ctx context.Context, tx *sqlx.Tx, start, target string, depthBound int) (bool, error) {
	if start == target {
		return true, nil
	}
	visited := map[string]struct{}{start: {}}
	frontier := []string{start}

	for depth := 0; depth < depthBound && len(frontier) > 0; depth++ {
		var next []string
		query, args, err := sqlx.In(`SELECT subscriber_notebook FROM notebook_subscriptions WHERE source_notebook IN (?)`, frontier)
		if err != nil {
			return false, fmt.Errorf("build subscription reachability query: %w", err)
		}
		query = tx.Rebind(query)
		if err := tx.SelectContext(ctx, &next, query, args...); err != nil {
			return false, fmt.Errorf("walk subscription edges: %w", err)
		}

		var frontierNext []string
		for _, n := range next {
			if n == target {
				return true, nil
			}
			if _, seen := visited[n]; seen {
				continue
			}
			visited[n] = struct{}{}
			frontierNext = append(frontierNext, n)
		}
		frontier = frontierNext
	}
	return false, nil
}
