package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/lattice/internal/audit"
	"github.com/r3e-network/lattice/internal/domainmodel"
	"github.com/r3e-network/lattice/internal/jobqueue"
	"github.com/r3e-network/lattice/internal/logging"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, sqlmock.Sqlmock, func()) {
	t.Helper()
	rawDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := sqlx.NewDb(rawDB, "postgres")
	sink := audit.New(db, logging.New("pipeline-test", "error", "text"), audit.Config{
		ChannelCapacity: 100, BatchSize: 100, FlushInterval: time.Hour,
		OverflowPath: t.TempDir() + "/overflow.jsonl",
	})
	jobs := jobqueue.New(db, sink, time.Minute, 3)
	return New(db, sink, jobs, DefaultThresholds()), mock, func() { db.Close() }
}

func jobCols() []string {
	return []string{
		"id", "notebook_id", "type", "payload", "status", "worker_id", "agent_id",
		"claimed_at", "lease_seconds", "retry_count", "max_retries", "last_error", "created_at",
	}
}

func TestCosineSimilarityIdenticalVectors(t *testing.T) {
	require.InDelta(t, 1.0, cosineSimilarity([]float64{1, 0, 0}, []float64{1, 0, 0}), 1e-9)
	require.InDelta(t, 0.0, cosineSimilarity([]float64{1, 0, 0}, []float64{0, 1, 0}), 1e-9)
}

// TestCompleteDistillClaimsChainsToNextFragment exercises the middle of
// S2: completing fragment 0 (which has a sibling fragment 1) enqueues a
// DISTILL_CLAIMS job for fragment 1 carrying the accumulated claims, and
// does not write claims on the fragment itself yet.
func TestCompleteDistillClaimsChainsToNextFragment(t *testing.T) {
	o, mock, cleanup := newTestOrchestrator(t)
	defer cleanup()

	jobPayload, _ := json.Marshal(distillPayload{EntryID: "frag-0"})

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, notebook_id, type, payload").
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows(jobCols()).AddRow(
			"job-1", "nb-1", "DISTILL_CLAIMS", jobPayload, "in_progress", "worker-1", nil,
			time.Now(), 300, 0, 3, nil, time.Now(),
		))
	mock.ExpectQuery("SELECT id, fragment_of, fragment_index FROM entries").
		WithArgs("frag-0").
		WillReturnRows(sqlmock.NewRows([]string{"id", "fragment_of", "fragment_index"}).AddRow("frag-0", "artifact-1", 0))
	mock.ExpectQuery("SELECT id FROM entries WHERE fragment_of").
		WithArgs("artifact-1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("frag-1"))
	mock.ExpectExec("INSERT INTO jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE jobs SET status = 'completed'").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	resultJSON, _ := json.Marshal(DistillClaimsResult{
		EntryID: "frag-0",
		Claims:  []domainmodel.Claim{{Text: "claim one", Confidence: 0.9}},
	})
	err := o.Complete(context.Background(), "job-1", "worker-1", resultJSON)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestCompleteDistillClaimsTopLevelEnqueuesEmbed covers the non-fragment
// branch: writing claims once and enqueuing EMBED_CLAIMS.
func TestCompleteDistillClaimsTopLevelEnqueuesEmbed(t *testing.T) {
	o, mock, cleanup := newTestOrchestrator(t)
	defer cleanup()

	jobPayload, _ := json.Marshal(distillPayload{EntryID: "entry-1"})

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, notebook_id, type, payload").
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows(jobCols()).AddRow(
			"job-1", "nb-1", "DISTILL_CLAIMS", jobPayload, "in_progress", "worker-1", nil,
			time.Now(), 300, 0, 3, nil, time.Now(),
		))
	mock.ExpectQuery("SELECT id, fragment_of, fragment_index FROM entries").
		WithArgs("entry-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "fragment_of", "fragment_index"}).AddRow("entry-1", nil, nil))
	mock.ExpectExec("UPDATE entries SET claims = \\$1, claim_status = 'distilled'").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE jobs SET status = 'completed'").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	resultJSON, _ := json.Marshal(DistillClaimsResult{
		EntryID: "entry-1",
		Claims:  []domainmodel.Claim{{Text: "claim one", Confidence: 0.9}},
	})
	err := o.Complete(context.Background(), "job-1", "worker-1", resultJSON)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteCompareClaimsAppliesDiscountAndRecomputesStatus(t *testing.T) {
	o, mock, cleanup := newTestOrchestrator(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, notebook_id, type, payload").
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows(jobCols()).AddRow(
			"job-1", "nb-1", "COMPARE_CLAIMS", []byte(`{}`), "in_progress", "worker-1", nil,
			time.Now(), 300, 0, 3, nil, time.Now(),
		))
	mock.ExpectQuery("SELECT comparisons FROM entries").
		WithArgs("entry-1").
		WillReturnRows(sqlmock.NewRows([]string{"comparisons"}).AddRow([]byte(`[]`)))
	// friction 0.6 discounted by 0.5 is 0.3, at or above both 0.2 thresholds.
	mock.ExpectExec("UPDATE entries SET comparisons").
		WithArgs(sqlmock.AnyArg(), 0.3, "contested", true, "entry-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE jobs SET status = 'completed'").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	discount := 0.5
	resultJSON, _ := json.Marshal(CompareClaimsResult{
		EntryID:          "entry-1",
		CompareAgainstID: "neighbor-1",
		Entropy:          0.8,
		Friction:         0.6,
		DiscountFactor:   &discount,
	})
	err := o.Complete(context.Background(), "job-1", "worker-1", resultJSON)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteClassifyTopicStoresTopic(t *testing.T) {
	o, mock, cleanup := newTestOrchestrator(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, notebook_id, type, payload").
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows(jobCols()).AddRow(
			"job-1", "nb-1", "CLASSIFY_TOPIC", []byte(`{}`), "in_progress", "worker-1", nil,
			time.Now(), 300, 0, 3, nil, time.Now(),
		))
	mock.ExpectExec("UPDATE entries SET topic").
		WithArgs("research/biology", "entry-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE jobs SET status = 'completed'").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	resultJSON, _ := json.Marshal(ClassifyTopicResult{EntryID: "entry-1", Topic: "research/biology"})
	err := o.Complete(context.Background(), "job-1", "worker-1", resultJSON)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
