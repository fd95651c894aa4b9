package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	dbpkg "github.com/r3e-network/lattice/internal/db"
	"github.com/r3e-network/lattice/internal/domainmodel"
	"github.com/r3e-network/lattice/internal/logging"
)

// Syncer runs the process-wide background sync loop described in spec
// §4.5: every tick it picks up due subscriptions and advances each one's
// watermark under a bounded worker pool.
type Syncer struct {
	engine   *Engine
	source   ChangeSource
	logger   *logging.Logger
	sem      *semaphore.Weighted
	cron     *cron.Cron
	pageSize int
}

// NewSyncer constructs a Syncer. source is normally an *entrystore.Store.
func NewSyncer(engine *Engine, source ChangeSource, logger *logging.Logger) *Syncer {
	return &Syncer{
		engine:   engine,
		source:   source,
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(engine.syncCap)),
		cron:     cron.New(cron.WithSeconds()),
		pageSize: 500,
	}
}

// Start registers the periodic tick (a fixed 5 s, spec §4.5) and
// starts the cron scheduler's own goroutine. Stop with Stop().
func (s *Syncer) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc("@every 5s", func() { s.tick(ctx) })
	if err != nil {
		return fmt.Errorf("schedule subscription sync: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight tick's jobs to
// finish being scheduled (not necessarily completed).
func (s *Syncer) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
}

// tick runs one scheduling pass: find due subscriptions and dispatch each
// under the bounded semaphore. It returns once every one has been
// dispatched; it does not wait for their syncs to finish.
func (s *Syncer) tick(ctx context.Context) {
	due, err := s.dueSubscriptions(ctx)
	if err != nil {
		s.logger.WithError(err).Error("list due subscriptions")
		return
	}

	for _, sub := range due {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		go func(sub *domainmodel.Subscription) {
			defer s.sem.Release(1)
			iterCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
			defer cancel()
			if err := s.syncOne(iterCtx, sub); err != nil {
				s.logger.WithError(err).WithField("subscription_id", sub.ID).Error("sync subscription")
			}
		}(sub)
	}
}

func (s *Syncer) dueSubscriptions(ctx context.Context) ([]*domainmodel.Subscription, error) {
	var rows []subscriptionRow
	err := s.engine.db.SelectContext(ctx, &rows, `
		SELECT id, subscriber_notebook, source_notebook, scope, topic_filter, discount_factor,
		       poll_interval_seconds, watermark_sequence, sync_status, last_error, last_sync_at, mirrored_count
		FROM notebook_subscriptions
		WHERE sync_status != 'suspended'
		  AND last_sync_at + (poll_interval_seconds * interval '1 second') < now()
		ORDER BY last_sync_at ASC
		LIMIT $1
	`, s.engine.syncCap)
	if err != nil {
		return nil, fmt.Errorf("query due subscriptions: %w", err)
	}
	out := make([]*domainmodel.Subscription, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// syncOne performs one sync iteration for sub (spec §4.5 steps a-e).
func (s *Syncer) syncOne(ctx context.Context, sub *domainmodel.Subscription) error {
	if err := s.markSyncing(ctx, sub.ID); err != nil {
		return err
	}

	changes, err := s.source.Observe(ctx, sub.SourceNotebook, sub.WatermarkSequence, s.pageSize)
	if err != nil {
		s.recordFailure(ctx, sub, err)
		return err
	}

	highWatermark := sub.WatermarkSequence
	mirroredDelta := int64(0)
	err = dbpkg.WithSerializableTx(ctx, s.engine.db, func(tx *sqlx.Tx) error {
		for _, change := range changes {
			if change.Sequence > highWatermark {
				highWatermark = change.Sequence
			}
			if !matchesTopic(sub.TopicFilter, change.Topic) {
				continue
			}
			if err := upsertMirror(ctx, tx, sub, change); err != nil {
				return err
			}
			mirroredDelta++
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE notebook_subscriptions
			SET watermark_sequence = $1, sync_status = 'idle', last_error = NULL,
			    last_sync_at = now(), poll_interval_seconds = $2,
			    mirrored_count = mirrored_count + $3
			WHERE id = $4
		`, highWatermark, int(sub.PollInterval.Seconds()), mirroredDelta, sub.ID)
		if err != nil {
			return fmt.Errorf("advance watermark: %w", err)
		}
		return nil
	})
	if err != nil {
		s.recordFailure(ctx, sub, err)
		return err
	}
	return nil
}

// matchesTopic applies the optional topic_filter as a prefix predicate
// (spec §9 open question, resolved: prefix match only, no per-topic
// routing beyond that).
func matchesTopic(filter *string, topic *string) bool {
	if filter == nil || *filter == "" {
		return true
	}
	if topic == nil {
		return false
	}
	return strings.HasPrefix(*topic, *filter)
}

func upsertMirror(ctx context.Context, tx *sqlx.Tx, sub *domainmodel.Subscription, change *domainmodel.Entry) error {
	var claimsJSON []byte
	var embedding pq.Float64Array
	var content []byte

	if sub.Scope == domainmodel.ScopeClaims || sub.Scope == domainmodel.ScopeEntries {
		raw, err := json.Marshal(change.Claims)
		if err != nil {
			return fmt.Errorf("marshal mirrored claims: %w", err)
		}
		claimsJSON = raw
		embedding = pq.Float64Array(change.Embedding)
	}
	if sub.Scope == domainmodel.ScopeEntries {
		content = change.Content
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO mirrored_entries (
			id, subscriber_notebook, source_notebook, source_entry_id, subscription_id,
			topic, claims, embedding, content, tombstoned, source_sequence
		) VALUES ($1,$2,$3,$4,$5,$6,COALESCE($7, '[]'),$8,$9,false,$10)
		ON CONFLICT (subscription_id, source_entry_id) DO UPDATE SET
			topic = EXCLUDED.topic,
			claims = EXCLUDED.claims,
			embedding = EXCLUDED.embedding,
			content = EXCLUDED.content,
			source_sequence = EXCLUDED.source_sequence
	`, uuid.NewString(), sub.SubscriberNotebook, sub.SourceNotebook, change.ID, sub.ID,
		change.Topic, claimsJSON, embedding, content, change.Sequence)
	if err != nil {
		return fmt.Errorf("upsert mirrored entry: %w", err)
	}
	return nil
}

func (s *Syncer) markSyncing(ctx context.Context, subscriptionID string) error {
	_, err := s.engine.db.ExecContext(ctx, `UPDATE notebook_subscriptions SET sync_status = 'syncing' WHERE id = $1`, subscriptionID)
	if err != nil {
		return fmt.Errorf("mark syncing: %w", err)
	}
	return nil
}

// recordFailure applies exponential backoff on poll_interval (capped,
// spec §4.5 step e) and stores the error text.
func (s *Syncer) recordFailure(ctx context.Context, sub *domainmodel.Subscription, syncErr error) {
	next := sub.PollInterval * 2
	if next > s.engine.maxBackoff {
		next = s.engine.maxBackoff
	}
	if next <= 0 {
		next = DefaultPollInterval
	}
	errText := syncErr.Error()
	_, err := s.engine.db.ExecContext(ctx, `
		UPDATE notebook_subscriptions
		SET sync_status = 'error', last_error = $1, poll_interval_seconds = $2, last_sync_at = now()
		WHERE id = $3
	`, errText, int(next.Seconds()), sub.ID)
	if err != nil {
		s.logger.WithError(err).WithField("subscription_id", sub.ID).Error("record subscription failure")
	}
}
