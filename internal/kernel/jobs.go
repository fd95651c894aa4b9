package kernel

import (
	"context"

	"github.com/r3e-network/lattice/internal/domainmodel"
	kerrors "github.com/r3e-network/lattice/internal/errors"
	"github.com/r3e-network/lattice/internal/jobqueue"
)

// ClaimNextJob claims the oldest pending job of notebookID (optionally
// filtered by jobType, optionally scoped to agentID's label ceiling; spec
// §4.2's single atomic claim operation). Callers that trust their own
// process boundary (in-process workers, tests) may pass workerID directly.
func (k *Kernel) ClaimNextJob(ctx context.Context, notebookID string, jobType *domainmodel.JobType, workerID string, agentID *string) (*domainmodel.Job, error) {
	return k.jobs.ClaimNext(ctx, notebookID, jobType, workerID, agentID)
}

// ClaimNextJobWithToken is ClaimNextJob for workers reached over an
// untrusted channel: the claim token (minted by the external
// identity-and-JWT issuance service, spec §1) must assert the same
// worker_id the caller claims, so one worker cannot steal another's lease
// by naming its ID. A no-op passthrough to ClaimNextJob when no worker
// token secret is configured.
func (k *Kernel) ClaimNextJobWithToken(ctx context.Context, notebookID string, jobType *domainmodel.JobType, workerID, claimToken string, agentID *string) (*domainmodel.Job, error) {
	if k.workerAuth.Enabled() {
		asserted, err := k.workerAuth.Validate(claimToken)
		if err != nil {
			return nil, kerrors.Unauthenticated("invalid claim token")
		}
		if asserted != workerID {
			return nil, kerrors.Unauthenticated("claim token does not match worker_id")
		}
	}
	return k.jobs.ClaimNext(ctx, notebookID, jobType, workerID, agentID)
}

// IssueWorkerToken mints a claim token asserting workerID for use with
// ClaimNextJobWithToken. Returns an error if no worker token secret is
// configured.
func (k *Kernel) IssueWorkerToken(workerID string) (string, error) {
	return k.workerAuth.Issue(workerID, k.cfg.WorkerTokenTTL)
}

// CompleteJob runs the claim pipeline orchestrator's type-specific
// completion logic, then marks the job completed.
func (k *Kernel) CompleteJob(ctx context.Context, jobID, workerID string, resultJSON []byte) error {
	return k.pipe.Complete(ctx, jobID, workerID, resultJSON)
}

// FailJob records a worker-reported failure (retried or terminally
// failed per the job's retry bound).
func (k *Kernel) FailJob(ctx context.Context, jobID, workerID, errText string) error {
	return k.jobs.Fail(ctx, jobID, workerID, errText)
}

// JobStats returns aggregate job counts by status for notebookID.
func (k *Kernel) JobStats(ctx context.Context, notebookID string) (jobqueue.Stats, error) {
	return k.jobs.JobStats(ctx, notebookID)
}

// RetryFailedJobs resets every failed job of notebookID back to pending
// with its retry counter cleared.
func (k *Kernel) RetryFailedJobs(ctx context.Context, notebookID string) (int, error) {
	return k.jobs.RetryFailed(ctx, notebookID)
}
