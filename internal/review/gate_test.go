package review

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/lattice/internal/audit"
	"github.com/r3e-network/lattice/internal/domainmodel"
	kerrors "github.com/r3e-network/lattice/internal/errors"
	"github.com/r3e-network/lattice/internal/jobqueue"
	"github.com/r3e-network/lattice/internal/logging"
)

func newTestGate(t *testing.T) (*Gate, sqlmock.Sqlmock, func()) {
	t.Helper()
	rawDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := sqlx.NewDb(rawDB, "postgres")
	sink := audit.New(db, logging.New("review-test", "error", "text"), audit.Config{
		ChannelCapacity: 100, BatchSize: 100, FlushInterval: time.Hour,
		OverflowPath: t.TempDir() + "/overflow.jsonl",
	})
	jobs := jobqueue.New(db, sink, time.Minute, 3)
	return New(db, sink, jobs), mock, func() { db.Close() }
}

func TestDecideReviewStatusApprovesWithoutOwningGroup(t *testing.T) {
	rawDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := sqlx.NewDb(rawDB, "postgres")
	defer db.Close()
	mock.ExpectBegin()
	tx, err := db.Beginx()
	require.NoError(t, err)

	status, err := DecideReviewStatus(context.Background(), tx, "nb-1", "author-1", nil)
	require.NoError(t, err)
	require.Equal(t, domainmodel.ReviewApproved, status)
}

func TestDecideReviewStatusApprovesGroupMember(t *testing.T) {
	rawDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := sqlx.NewDb(rawDB, "postgres")
	defer db.Close()
	mock.ExpectBegin()
	tx, err := db.Beginx()
	require.NoError(t, err)

	groupID := "group-1"
	mock.ExpectQuery("SELECT role FROM group_memberships").
		WithArgs(groupID, "author-1").
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("member"))

	status, err := DecideReviewStatus(context.Background(), tx, "nb-1", "author-1", &groupID)
	require.NoError(t, err)
	require.Equal(t, domainmodel.ReviewApproved, status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDecideReviewStatusQuarantinesOutsider(t *testing.T) {
	rawDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := sqlx.NewDb(rawDB, "postgres")
	defer db.Close()
	mock.ExpectBegin()
	tx, err := db.Beginx()
	require.NoError(t, err)

	groupID := "group-1"
	mock.ExpectQuery("SELECT role FROM group_memberships").
		WithArgs(groupID, "outsider").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT tier FROM notebook_access").
		WithArgs("nb-1", "outsider").
		WillReturnError(sql.ErrNoRows)

	status, err := DecideReviewStatus(context.Background(), tx, "nb-1", "outsider", &groupID)
	require.NoError(t, err)
	require.Equal(t, domainmodel.ReviewPending, status)
}

func TestApproveEnqueuesDistillJob(t *testing.T) {
	g, mock, cleanup := newTestGate(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT notebook_id, status FROM entry_reviews").
		WithArgs("entry-1").
		WillReturnRows(sqlmock.NewRows([]string{"notebook_id", "status"}).AddRow("nb-1", "pending"))
	mock.ExpectExec("UPDATE entry_reviews").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE entries SET review_status = 'approved'").
		WithArgs("entry-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := g.Approve(context.Background(), "entry-1", "admin-1")
	require.NoError(t, err)
}

func TestApproveRejectsAlreadyDecided(t *testing.T) {
	g, mock, cleanup := newTestGate(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT notebook_id, status FROM entry_reviews").
		WithArgs("entry-1").
		WillReturnRows(sqlmock.NewRows([]string{"notebook_id", "status"}).AddRow("nb-1", "approved"))
	mock.ExpectRollback()

	err := g.Approve(context.Background(), "entry-1", "admin-1")
	require.Error(t, err)
	require.Equal(t, kerrors.CodeConflict, kerrors.CodeOf(err))
}

func TestRejectNotFound(t *testing.T) {
	g, mock, cleanup := newTestGate(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT notebook_id, status FROM entry_reviews").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := g.Reject(context.Background(), "missing", "admin-1")
	require.Error(t, err)
	require.Equal(t, kerrors.CodeNotFound, kerrors.CodeOf(err))
}
