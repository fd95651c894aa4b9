// Package kernel wires every component (audit sink, entry store,
// organization/group service, access control kernel, job queue, claim
// pipeline orchestrator, review gate, agent registry, subscription
// engine) into the single command surface described in spec §6. It is
// the one package allowed to depend on all the others.
package kernel

import (
	"github.com/jmoiron/sqlx"

	"github.com/r3e-network/lattice/internal/access"
	"github.com/r3e-network/lattice/internal/agents"
	"github.com/r3e-network/lattice/internal/audit"
	"github.com/r3e-network/lattice/internal/config"
	"github.com/r3e-network/lattice/internal/distlock"
	"github.com/r3e-network/lattice/internal/entrystore"
	"github.com/r3e-network/lattice/internal/jobqueue"
	"github.com/r3e-network/lattice/internal/logging"
	"github.com/r3e-network/lattice/internal/orgs"
	"github.com/r3e-network/lattice/internal/pipeline"
	"github.com/r3e-network/lattice/internal/ratelimit"
	"github.com/r3e-network/lattice/internal/review"
	"github.com/r3e-network/lattice/internal/subscription"
	"github.com/r3e-network/lattice/internal/workerauth"
)

// Kernel composes every component over one database handle and exposes
// the transport-agnostic command surface of spec §6.
type Kernel struct {
	db     *sqlx.DB
	cfg    config.Config
	logger *logging.Logger

	audit    *audit.Sink
	entries  *entrystore.Store
	jobs     *jobqueue.Queue
	pipe     *pipeline.Orchestrator
	access   *access.Kernel
	cache    *access.ClearanceCache
	orgs     *orgs.Service
	reviews  *review.Gate
	agents   *agents.Service
	subs     *subscription.Engine
	syncer   *subscription.Syncer
	embedder Embedder

	writeLimiter *ratelimit.Limiter
	workerAuth   *workerauth.Issuer
	coord        *distlock.Lock

	stopCh chan struct{}
}

// New wires every component against db. The returned Kernel owns a
// background audit-sink goroutine and a subscription syncer; call Run to
// start them and Shutdown to stop them.
func New(cfg config.Config, db *sqlx.DB, logger *logging.Logger) *Kernel {
	sink := audit.New(db, logger, audit.Config{
		ChannelCapacity: cfg.AuditChannelCapacity,
		BatchSize:       cfg.AuditBatchSize,
		FlushInterval:   cfg.AuditFlushInterval,
		OverflowPath:    cfg.AuditOverflowPath,
	})

	cache := access.NewClearanceCache(cfg.ClearanceCacheTTL)
	accessKernel := access.New(db, sink, cache, logger)

	entries := entrystore.New(db, sink)
	jobs := jobqueue.New(db, sink, cfg.JobLeaseTimeout, cfg.JobMaxRetries)
	thresholds := pipeline.Thresholds{
		NeighborTopK:                  cfg.NeighborTopK,
		NeighborMinCosine:             cfg.NeighborMinCosine,
		FrictionThreshold:             cfg.FrictionThreshold,
		ReviewThreshold:               cfg.ReviewThreshold,
		MinComparisonsForIntegration:  cfg.MinComparisonsForIntegration,
	}
	orchestrator := pipeline.New(db, sink, jobs, thresholds)

	orgSvc := orgs.New(db, sink)
	reviewGate := review.New(db, sink, jobs)
	agentSvc := agents.New(db, sink)
	subEngine := subscription.New(db, sink, accessKernel, cfg.SubscriptionSyncCap, cfg.SubscriptionMaxBackoff)
	syncer := subscription.NewSyncer(subEngine, entries, logger)

	k := &Kernel{
		db:      db,
		cfg:     cfg,
		logger:  logger,
		audit:   sink,
		entries: entries,
		jobs:    jobs,
		pipe:    orchestrator,
		access:  accessKernel,
		cache:   cache,
		orgs:    orgSvc,
		reviews: reviewGate,
		agents:  agentSvc,
		subs:    subEngine,
		syncer:  syncer,
		writeLimiter: ratelimit.New(ratelimit.Config{
			RequestsPerSecond: cfg.WriteRateLimitPerSecond,
			Burst:             cfg.WriteRateLimitBurst,
		}),
		workerAuth: workerauth.New(cfg.WorkerTokenSecret),
		coord:      distlock.New(cfg.RedisAddr),
		stopCh:     make(chan struct{}),
	}
	entries.OnInserted = k.recordReviewSubmission
	return k
}
