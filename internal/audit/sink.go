// Package audit implements the durable, back-pressured audit event sink
// (spec §4.8). Writers block rather than drop events; a single consumer
// batches them into Postgres and falls back to a local overflow file when
// the store is unreachable.
package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/r3e-network/lattice/internal/domainmodel"
	"github.com/r3e-network/lattice/internal/logging"
)

// QueueDepth is the Prometheus gauge the system overview requires be
// monitored alongside the audit sink's back-pressure contract.
var QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "lattice",
	Subsystem: "audit",
	Name:      "queue_depth",
	Help:      "Number of audit events currently buffered in the sink channel.",
})

func init() {
	prometheus.MustRegister(QueueDepth)
}

// Config controls the sink's batching cadence and overflow path.
type Config struct {
	ChannelCapacity int
	BatchSize       int
	FlushInterval   time.Duration
	OverflowPath    string
}

// DefaultConfig returns the spec's documented defaults (§4.8).
func DefaultConfig() Config {
	return Config{
		ChannelCapacity: 10000,
		BatchSize:       100,
		FlushInterval:   time.Second,
		OverflowPath:    "audit-overflow.jsonl",
	}
}

// Sink is the append-only, back-pressured audit event writer.
type Sink struct {
	db     *sqlx.DB
	logger *logging.Logger
	cfg    Config

	events chan domainmodel.AuditEvent

	overflowMu sync.Mutex

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Sink. Call Run in a goroutine to start the consumer,
// and Record to emit events.
func New(db *sqlx.DB, logger *logging.Logger, cfg Config) *Sink {
	if cfg.ChannelCapacity <= 0 {
		cfg.ChannelCapacity = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.OverflowPath == "" {
		cfg.OverflowPath = "audit-overflow.jsonl"
	}
	return &Sink{
		db:     db,
		logger: logger,
		cfg:    cfg,
		events: make(chan domainmodel.AuditEvent, cfg.ChannelCapacity),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Record enqueues an audit event, blocking if the channel is full. This is
// the back-pressure contract: no audit event is silently lost (spec §4.8,
// testable property 7).
func (s *Sink) Record(ctx context.Context, action, resource string, actor, notebookID *string, detail map[string]interface{}) {
	ev := domainmodel.AuditEvent{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		Actor:      actor,
		Action:     action,
		Resource:   resource,
		Detail:     detail,
		NotebookID: notebookID,
	}
	select {
	case s.events <- ev:
		QueueDepth.Set(float64(len(s.events)))
	case <-ctx.Done():
		// Even on cancellation we do not drop: block without a context to
		// honor the no-loss contract, logging that we're past the caller's
		// deadline.
		s.logger.WithContext(ctx).Warn("audit record exceeded caller deadline, still enqueuing")
		s.events <- ev
		QueueDepth.Set(float64(len(s.events)))
	}
}

// Run starts the batching consumer loop. It returns when ctx is canceled,
// after a final flush.
func (s *Sink) Run(ctx context.Context) error {
	s.replayOverflow(ctx)

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	defer close(s.doneCh)

	batch := make([]domainmodel.AuditEvent, 0, s.cfg.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.insertBatch(ctx, batch); err != nil {
			s.logger.WithContext(ctx).WithError(err).Error("audit batch insert failed, writing overflow")
			s.writeOverflow(batch)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return ctx.Err()
		case <-s.stopCh:
			flush()
			return nil
		case ev := <-s.events:
			QueueDepth.Set(float64(len(s.events)))
			batch = append(batch, ev)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Stop signals the consumer loop to flush and exit, and waits for it to
// finish.
func (s *Sink) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

func (s *Sink) insertBatch(ctx context.Context, batch []domainmodel.AuditEvent) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, ev := range batch {
		detail, err := json.Marshal(ev.Detail)
		if err != nil {
			detail = []byte("{}")
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO audit_log (id, timestamp, actor, action, resource, detail, ip, ua, notebook_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, ev.ID, ev.Timestamp, ev.Actor, ev.Action, ev.Resource, detail, ev.IP, ev.UA, ev.NotebookID)
		if err != nil {
			return fmt.Errorf("insert audit event %s: %w", ev.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Sink) writeOverflow(batch []domainmodel.AuditEvent) {
	s.overflowMu.Lock()
	defer s.overflowMu.Unlock()

	f, err := os.OpenFile(s.cfg.OverflowPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.logger.WithError(err).Error("failed to open audit overflow file")
		return
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, ev := range batch {
		line, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	w.Flush()
}

// replayOverflow re-inserts any events left behind by a previous crash or
// outage, then truncates the overflow file. Called once at Run startup.
func (s *Sink) replayOverflow(ctx context.Context) {
	s.overflowMu.Lock()
	defer s.overflowMu.Unlock()

	data, err := os.ReadFile(s.cfg.OverflowPath)
	if err != nil {
		return // no overflow file, nothing to replay
	}
	if len(data) == 0 {
		return
	}

	var batch []domainmodel.AuditEvent
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var ev domainmodel.AuditEvent
		if err := dec.Decode(&ev); err != nil {
			break
		}
		batch = append(batch, ev)
	}

	if len(batch) == 0 {
		return
	}
	if err := s.insertBatch(ctx, batch); err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("failed to replay audit overflow, leaving file in place")
		return
	}
	_ = os.Remove(s.cfg.OverflowPath)
}
