package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/lattice/internal/access"
	"github.com/r3e-network/lattice/internal/audit"
	"github.com/r3e-network/lattice/internal/domainmodel"
	kerrors "github.com/r3e-network/lattice/internal/errors"
	"github.com/r3e-network/lattice/internal/logging"
)

func newTestEngine(t *testing.T) (*Engine, sqlmock.Sqlmock, func()) {
	t.Helper()
	rawDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := sqlx.NewDb(rawDB, "postgres")
	sink := audit.New(db, logging.New("subscription-test", "error", "text"), audit.Config{
		ChannelCapacity: 100, BatchSize: 100, FlushInterval: time.Hour,
		OverflowPath: t.TempDir() + "/overflow.jsonl",
	})
	accessKernel := access.New(db, sink, access.NewClearanceCache(access.DefaultClearanceCacheTTL), logging.New("subscription-test", "error", "text"))
	return New(db, sink, accessKernel, 10, time.Hour), mock, func() { db.Close() }
}

func notebookCols() []string {
	return []string{"id", "name", "owner_id", "classification", "compartments", "owning_group_id", "current_sequence"}
}

// expectAdminResolve mocks access.Kernel.Resolve granting owner-override
// admin access on subscriberNotebook (caller is the notebook's owner).
func expectAdminResolve(mock sqlmock.Sqlmock, subscriberNotebook, actor string) {
	mock.ExpectQuery("SELECT id, name, owner_id").
		WithArgs(subscriberNotebook).
		WillReturnRows(sqlmock.NewRows(notebookCols()).
			AddRow(subscriberNotebook, "N", actor, 0, "{}", nil, 0))
}

// TestCreateSubscriptionLatticeEnforcementRejectsUpwardFlow exercises S5: a lower-labeled
// subscriber may not subscribe to a higher-labeled source.
func TestCreateSubscriptionLatticeEnforcementRejectsUpwardFlow(t *testing.T) {
	e, mock, cleanup := newTestEngine(t)
	defer cleanup()

	// S (INTERNAL) subscribing to T (SECRET, {ALPHA}) must fail: S does not dominate T.
	expectAdminResolve(mock, "notebook-S", "owner-1")
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT classification, compartments FROM notebooks").
		WithArgs("notebook-S").
		WillReturnRows(sqlmock.NewRows([]string{"classification", "compartments"}).AddRow(1, "{}"))
	mock.ExpectQuery("SELECT classification, compartments FROM notebooks").
		WithArgs("notebook-T").
		WillReturnRows(sqlmock.NewRows([]string{"classification", "compartments"}).AddRow(3, "{ALPHA}"))
	mock.ExpectRollback()

	_, err := e.Create(context.Background(), "notebook-S", "notebook-T", domainmodel.ScopeClaims, nil, 1.0, 0, "owner-1")
	require.Error(t, err)
	require.Equal(t, kerrors.CodeInsufficientClearance, kerrors.CodeOf(err))
}

// TestCreateSubscriptionLatticeEnforcementAllowsDownwardFlow exercises
// the S5 success case: T (SECRET,{ALPHA}) subscribing to S (INTERNAL)
// succeeds because T dominates S.
func TestCreateSubscriptionLatticeEnforcementAllowsDownwardFlow(t *testing.T) {
	e, mock, cleanup := newTestEngine(t)
	defer cleanup()

	expectAdminResolve(mock, "notebook-T", "owner-1")
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT classification, compartments FROM notebooks").
		WithArgs("notebook-T").
		WillReturnRows(sqlmock.NewRows([]string{"classification", "compartments"}).AddRow(3, "{ALPHA}"))
	mock.ExpectQuery("SELECT classification, compartments FROM notebooks").
		WithArgs("notebook-S").
		WillReturnRows(sqlmock.NewRows([]string{"classification", "compartments"}).AddRow(1, "{}"))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("notebook-T", "notebook-S").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("SELECT subscriber_notebook FROM notebook_subscriptions").
		WithArgs("notebook-S").
		WillReturnRows(sqlmock.NewRows([]string{"subscriber_notebook"}))
	mock.ExpectExec("INSERT INTO notebook_subscriptions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	sub, err := e.Create(context.Background(), "notebook-T", "notebook-S", domainmodel.ScopeClaims, nil, 1.0, 0, "owner-1")
	require.NoError(t, err)
	require.Equal(t, "notebook-T", sub.SubscriberNotebook)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestCreateSubscriptionLatticeEnforcementMissingCompartment exercises
// the third S5 case: T at SECRET,{ALPHA} subscribing to U at
// INTERNAL,{ALPHA,BRAVO} fails because T lacks BRAVO.
func TestCreateSubscriptionLatticeEnforcementMissingCompartment(t *testing.T) {
	e, mock, cleanup := newTestEngine(t)
	defer cleanup()

	expectAdminResolve(mock, "notebook-T", "owner-1")
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT classification, compartments FROM notebooks").
		WithArgs("notebook-T").
		WillReturnRows(sqlmock.NewRows([]string{"classification", "compartments"}).AddRow(3, "{ALPHA}"))
	mock.ExpectQuery("SELECT classification, compartments FROM notebooks").
		WithArgs("notebook-U").
		WillReturnRows(sqlmock.NewRows([]string{"classification", "compartments"}).AddRow(1, "{ALPHA,BRAVO}"))
	mock.ExpectRollback()

	_, err := e.Create(context.Background(), "notebook-T", "notebook-U", domainmodel.ScopeClaims, nil, 1.0, 0, "owner-1")
	require.Error(t, err)
	require.Equal(t, kerrors.CodeInsufficientClearance, kerrors.CodeOf(err))
}

func TestCreateSubscriptionRejectsSelfSubscription(t *testing.T) {
	e, _, cleanup := newTestEngine(t)
	defer cleanup()

	_, err := e.Create(context.Background(), "nb-1", "nb-1", domainmodel.ScopeCatalog, nil, 1.0, 0, "owner-1")
	require.Error(t, err)
	require.Equal(t, kerrors.CodeInvalidInput, kerrors.CodeOf(err))
}

func TestMatchesTopicPrefixPredicate(t *testing.T) {
	filter := "research/"
	topic := "research/physics"
	require.True(t, matchesTopic(&filter, &topic))

	other := "news/world"
	require.False(t, matchesTopic(&filter, &other))

	require.True(t, matchesTopic(nil, &topic))
}
