package entrystore

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/lattice/internal/audit"
	kerrors "github.com/r3e-network/lattice/internal/errors"
	"github.com/r3e-network/lattice/internal/logging"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	rawDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := sqlx.NewDb(rawDB, "postgres")
	sink := audit.New(db, logging.New("entrystore-test", "error", "text"), audit.Config{
		ChannelCapacity: 100,
		BatchSize:       100,
		FlushInterval:   time.Hour,
		OverflowPath:    t.TempDir() + "/overflow.jsonl",
	})
	return New(db, sink), mock, func() { db.Close() }
}

func TestInsertEntryAssignsMonotonicSequence(t *testing.T) {
	store, mock, cleanup := newTestStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, classification, max_entries FROM notebooks").
		WithArgs("nb-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "classification", "max_entries"}).AddRow("nb-1", 0, 0))
	mock.ExpectQuery("UPDATE notebooks SET current_sequence").
		WithArgs("nb-1").
		WillReturnRows(sqlmock.NewRows([]string{"current_sequence"}).AddRow(1))
	mock.ExpectExec("INSERT INTO entries").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	entry, err := store.InsertEntry(context.Background(), "nb-1", Draft{
		AuthorID: "author-1",
		Content:  []byte("hello"),
		MIMEType: "text/plain",
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), entry.Sequence)
	require.Equal(t, "approved", string(entry.ReviewStatus))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertEntryRejectsMissingAuthor(t *testing.T) {
	store, _, cleanup := newTestStore(t)
	defer cleanup()

	_, err := store.InsertEntry(context.Background(), "nb-1", Draft{Content: []byte("x")})
	require.Error(t, err)
}

func TestInsertEntryRejectsCrossNotebookReference(t *testing.T) {
	store, mock, cleanup := newTestStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, classification, max_entries FROM notebooks").
		WithArgs("nb-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "classification", "max_entries"}).AddRow("nb-1", 0, 0))
	mock.ExpectQuery("SELECT notebook_id FROM entries").
		WithArgs("entry-foreign").
		WillReturnRows(sqlmock.NewRows([]string{"notebook_id"}).AddRow("nb-2"))
	mock.ExpectRollback()

	_, err := store.InsertEntry(context.Background(), "nb-1", Draft{
		AuthorID:   "author-1",
		Content:    []byte("x"),
		References: []string{"entry-foreign"},
	})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertEntryRejectsAtQuota(t *testing.T) {
	store, mock, cleanup := newTestStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, classification, max_entries FROM notebooks").
		WithArgs("nb-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "classification", "max_entries"}).AddRow("nb-1", 0, 1))
	mock.ExpectQuery("SELECT count\\(\\*\\) FROM entries").
		WithArgs("nb-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	_, err := store.InsertEntry(context.Background(), "nb-1", Draft{
		AuthorID: "author-1",
		Content:  []byte("x"),
	})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetEntryNotFound(t *testing.T) {
	store, mock, cleanup := newTestStore(t)
	defer cleanup()

	cols := []string{
		"id", "notebook_id", "author_id", "content", "mime_type", "topic", "references_list",
		"revision_of", "fragment_of", "fragment_index", "sequence", "created_at",
		"review_status", "integration_status", "claims", "claim_status",
		"embedding", "comparisons", "max_friction", "needs_review",
	}
	mock.ExpectQuery("SELECT (.|\\n)*FROM entries WHERE id = \\$1 AND notebook_id = \\$2").
		WithArgs("missing", "nb-1").
		WillReturnRows(sqlmock.NewRows(cols))

	_, err := store.GetEntry(context.Background(), "missing", "nb-1")
	require.Error(t, err)
	require.Equal(t, kerrors.CodeNotFound, kerrors.CodeOf(err))
}

func TestTransitiveReferencesRespectsDepthBoundAndCycles(t *testing.T) {
	store, mock, cleanup := newTestStore(t)
	defer cleanup()

	cols := []string{
		"id", "notebook_id", "author_id", "content", "mime_type", "topic", "references_list",
		"revision_of", "fragment_of", "fragment_index", "sequence", "created_at",
		"review_status", "integration_status", "claims", "claim_status",
		"embedding", "comparisons", "max_friction", "needs_review",
	}

	// entry "a" references "b"; "b" references "a" back, forming a cycle
	// that TransitiveReferences must not loop on forever.
	mock.ExpectQuery("SELECT (.|\\n)*FROM entries WHERE id = \\$1 AND notebook_id = \\$2").
		WithArgs("a", "nb-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"a", "nb-1", "author-1", []byte("a"), "text/plain", nil, pqArray("b"),
			nil, nil, nil, int64(1), time.Now(), "approved", "probation", []byte("[]"), "pending",
			nil, []byte("[]"), 0.0, false,
		))
	mock.ExpectQuery("SELECT (.|\\n)*FROM entries WHERE id = \\$1 AND notebook_id = \\$2").
		WithArgs("b", "nb-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"b", "nb-1", "author-1", []byte("b"), "text/plain", nil, pqArray("a"),
			nil, nil, nil, int64(2), time.Now(), "approved", "probation", []byte("[]"), "pending",
			nil, []byte("[]"), 0.0, false,
		))

	refs, err := store.TransitiveReferences(context.Background(), "a", "nb-1", 8)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"b"}, refs)
}

func pqArray(vals ...string) interface{} {
	return "{" + join(vals) + "}"
}

func join(vals []string) string {
	out := ""
	for i, v := range vals {
		if i > 0 {
			out += ","
		}
		out += v
	}
	return out
}
