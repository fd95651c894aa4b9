package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/lattice/internal/config"
	"github.com/r3e-network/lattice/internal/domainmodel"
	"github.com/r3e-network/lattice/internal/entrystore"
	kerrors "github.com/r3e-network/lattice/internal/errors"
	"github.com/r3e-network/lattice/internal/logging"
	"github.com/r3e-network/lattice/internal/ratelimit"
	"github.com/r3e-network/lattice/internal/workerauth"
)

func newTestKernel(t *testing.T) (*Kernel, sqlmock.Sqlmock, func()) {
	t.Helper()
	rawDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := sqlx.NewDb(rawDB, "postgres")
	cfg := config.Config{
		LogLevel: "error", LogFormat: "text",
		JobLeaseTimeout: time.Minute, JobMaxRetries: 3,
		NeighborTopK: 5, NeighborMinCosine: 0.3, FrictionThreshold: 0.2, ReviewThreshold: 0.2, MinComparisonsForIntegration: 1,
		ClearanceCacheTTL:        time.Minute,
		SubscriptionPollInterval: 5 * time.Second, SubscriptionSyncCap: 10, SubscriptionMaxBackoff: time.Hour,
		AuditChannelCapacity: 100, AuditBatchSize: 100, AuditFlushInterval: time.Hour, AuditOverflowPath: t.TempDir() + "/overflow.jsonl",
		MaxEntriesPerNotebook: 0, ObserveDefaultLimit: 1000, ObserveMaxLimit: 1000,
	}
	logger := logging.New("kernel-test", "error", "text")
	k := New(cfg, db, logger)
	return k, mock, func() { db.Close() }
}

func notebookCols() []string {
	return []string{"id", "name", "owner_id", "classification", "compartments", "owning_group_id", "current_sequence"}
}

func TestCreateNotebookInsertsRow(t *testing.T) {
	k, mock, cleanup := newTestKernel(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO notebooks").WillReturnResult(sqlmock.NewResult(0, 1))

	nb, err := k.CreateNotebook(context.Background(), "owner-1", "N", domainmodel.ClassificationLevel(1), []string{"ALPHA"})
	require.NoError(t, err)
	require.Equal(t, "owner-1", nb.OwnerID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateNotebookRejectsEmptyName(t *testing.T) {
	k, _, cleanup := newTestKernel(t)
	defer cleanup()

	_, err := k.CreateNotebook(context.Background(), "owner-1", "  ", domainmodel.ClassificationLevel(0), nil)
	require.Error(t, err)
	require.Equal(t, kerrors.CodeInvalidInput, kerrors.CodeOf(err))
}

func TestShareAccessRequiresAdminTier(t *testing.T) {
	k, mock, cleanup := newTestKernel(t)
	defer cleanup()

	mock.ExpectQuery("SELECT id, name, owner_id").
		WithArgs("nb-1").
		WillReturnRows(sqlmock.NewRows(notebookCols()).AddRow("nb-1", "N", "someone-else", 0, "{}", nil, 0))
	mock.ExpectQuery("SELECT tier FROM notebook_access").
		WithArgs("nb-1", "stranger").
		WillReturnRows(sqlmock.NewRows([]string{"tier"}).AddRow("read"))

	err := k.ShareAccess(context.Background(), "stranger", "nb-1", "bob", domainmodel.TierRead)
	require.Error(t, err)
}

func TestWriteEntriesRejectsOversizedBatch(t *testing.T) {
	k, _, cleanup := newTestKernel(t)
	defer cleanup()

	drafts := make([]entrystore.Draft, MaxBatchSize+1)
	_, err := k.WriteEntries(context.Background(), "author-1", "nb-1", drafts)
	require.Error(t, err)
	require.Equal(t, kerrors.CodeInvalidInput, kerrors.CodeOf(err))
}

func TestClaimNextJobWithTokenRejectsMismatchedWorkerID(t *testing.T) {
	k, _, cleanup := newTestKernel(t)
	defer cleanup()
	k.cfg.WorkerTokenSecret = "test-secret"
	k.workerAuth = workerauth.New(k.cfg.WorkerTokenSecret)

	token, err := k.IssueWorkerToken("worker-1")
	require.NoError(t, err)

	_, err = k.ClaimNextJobWithToken(context.Background(), "nb-1", nil, "worker-2", token, nil)
	require.Error(t, err)
	require.Equal(t, kerrors.CodeUnauthenticated, kerrors.CodeOf(err))
}

func TestClaimNextJobWithTokenPassthroughWhenUnconfigured(t *testing.T) {
	k, mock, cleanup := newTestKernel(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT").WillReturnError(sqlmock.ErrCancelled)
	mock.ExpectRollback()

	_, err := k.ClaimNextJobWithToken(context.Background(), "nb-1", nil, "worker-1", "", nil)
	require.Error(t, err)
}

func TestWriteEntriesRejectsRateLimitedActor(t *testing.T) {
	k, _, cleanup := newTestKernel(t)
	defer cleanup()
	k.writeLimiter = ratelimit.New(ratelimit.Config{RequestsPerSecond: 1, Burst: 1})
	require.True(t, k.writeLimiter.Allow("author-1"))

	_, err := k.WriteEntries(context.Background(), "author-1", "nb-1", []entrystore.Draft{{AuthorID: "author-1"}})
	require.Error(t, err)
	require.Equal(t, kerrors.CodeRateLimited, kerrors.CodeOf(err))
}

// TestWriteEntriesFragmentsLargeContent exercises the fragmentation chain
// (S2): a draft whose content exceeds the configured threshold is split
// at its paragraph boundary into an artifact entry plus ordered fragment
// entries, with the initial DISTILL_CLAIMS job enqueued only for
// fragment 0.
func TestWriteEntriesFragmentsLargeContent(t *testing.T) {
	k, mock, cleanup := newTestKernel(t)
	defer cleanup()
	k.cfg.FragmentThreshold = 10

	mock.ExpectQuery("SELECT id, name, owner_id").
		WithArgs("nb-1").
		WillReturnRows(sqlmock.NewRows(notebookCols()).AddRow("nb-1", "N", "owner-1", 0, "{}", nil, 0))

	// Artifact insert.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, classification, max_entries FROM notebooks").
		WithArgs("nb-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "classification", "max_entries"}).AddRow("nb-1", 0, 0))
	mock.ExpectQuery("UPDATE notebooks SET current_sequence").
		WithArgs("nb-1").
		WillReturnRows(sqlmock.NewRows([]string{"current_sequence"}).AddRow(1))
	mock.ExpectExec("INSERT INTO entries").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO entry_reviews").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// CLASSIFY_TOPIC enqueued for the untopiced artifact.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// Fragment 0 insert.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, classification, max_entries FROM notebooks").
		WithArgs("nb-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "classification", "max_entries"}).AddRow("nb-1", 0, 0))
	mock.ExpectQuery("SELECT notebook_id FROM entries").
		WillReturnRows(sqlmock.NewRows([]string{"notebook_id"}).AddRow("nb-1"))
	mock.ExpectQuery("UPDATE notebooks SET current_sequence").
		WithArgs("nb-1").
		WillReturnRows(sqlmock.NewRows([]string{"current_sequence"}).AddRow(2))
	mock.ExpectExec("INSERT INTO entries").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO entry_reviews").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// DISTILL_CLAIMS enqueued for fragment 0 only.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// Fragment 1 insert, no further enqueue.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, classification, max_entries FROM notebooks").
		WithArgs("nb-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "classification", "max_entries"}).AddRow("nb-1", 0, 0))
	mock.ExpectQuery("SELECT notebook_id FROM entries").
		WillReturnRows(sqlmock.NewRows([]string{"notebook_id"}).AddRow("nb-1"))
	mock.ExpectQuery("UPDATE notebooks SET current_sequence").
		WithArgs("nb-1").
		WillReturnRows(sqlmock.NewRows([]string{"current_sequence"}).AddRow(3))
	mock.ExpectExec("INSERT INTO entries").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO entry_reviews").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	entries, err := k.WriteEntries(context.Background(), "owner-1", "nb-1", []entrystore.Draft{{
		AuthorID:     "owner-1",
		Content:      []byte("0123456789\n\nabcdefghij"),
		MIMEType:     "text/plain",
		ReviewStatus: domainmodel.ReviewApproved,
	}})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Nil(t, entries[0].FragmentOf)
	require.Equal(t, "0123456789\n\nabcdefghij", string(entries[0].Content))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSplitIntoFragmentsBreaksOnParagraphBoundaries(t *testing.T) {
	chunks := splitIntoFragments([]byte("0123456789\n\nabcdefghij"), 10)
	require.Len(t, chunks, 2)
	require.Equal(t, "0123456789", string(chunks[0]))
	require.Equal(t, "abcdefghij", string(chunks[1]))
}

func TestSplitIntoFragmentsHardSplitsOversizedParagraph(t *testing.T) {
	chunks := splitIntoFragments([]byte("01234567890123456789"), 10)
	require.Len(t, chunks, 2)
	require.Equal(t, "0123456789", string(chunks[0]))
	require.Equal(t, "0123456789", string(chunks[1]))
}

func TestNormalizeContentConvertsHTMLToMarkdown(t *testing.T) {
	draft := entrystore.Draft{MIMEType: htmlMIMEType, Content: []byte("<h1>Title</h1><p>Body text.</p>")}
	err := normalizeContent(&draft)
	require.NoError(t, err)
	require.Equal(t, markdownMIMEType, draft.MIMEType)
	require.Contains(t, string(draft.Content), "Title")
	require.Contains(t, string(draft.Content), "Body text.")
}

func TestNormalizeContentPassesThroughPlainText(t *testing.T) {
	draft := entrystore.Draft{MIMEType: "text/plain", Content: []byte("already plain")}
	err := normalizeContent(&draft)
	require.NoError(t, err)
	require.Equal(t, "text/plain", draft.MIMEType)
	require.Equal(t, "already plain", string(draft.Content))
}

func TestSemanticSearchFailsClosedWithoutEmbedder(t *testing.T) {
	k, mock, cleanup := newTestKernel(t)
	defer cleanup()

	mock.ExpectQuery("SELECT id, name, owner_id").
		WithArgs("nb-1").
		WillReturnRows(sqlmock.NewRows(notebookCols()).AddRow("nb-1", "N", "owner-1", 0, "{}", nil, 0))

	_, err := k.SemanticSearch(context.Background(), "owner-1", "nb-1", "query", 5)
	require.Error(t, err)
	require.Equal(t, kerrors.CodeUpstreamUnavailable, kerrors.CodeOf(err))
}
