package sqlxrepos_test

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Haizard/mult-tenant-school-sub002/core"
	"github.com/Haizard/mult-tenant-school-sub002/core/library"
	cachesvc "github.com/Haizard/mult-tenant-school-sub002/services/cache"
	emailsvc "github.com/Haizard/mult-tenant-school-sub002/services/email"
	"github.com/Haizard/mult-tenant-school-sub002/storage/database"
	sqlxrepos "github.com/Haizard/mult-tenant-school-sub002/storage/database/sqlx"
	testutil "github.com/Haizard/mult-tenant-school-sub002/tests"
)

const tenant = "school-1"

// prepareDB connects to the postgres configured for the TEST env, or skips.
func prepareDB(t *testing.T) *sql.DB {
	if os.Getenv("PG_TESTS") == "" {
		t.Skip("set PG_TESTS=1 to run against postgres")
	}

	conf := core.NewConfig()
	require.NoError(t, database.CreateIfNotExist(conf))
	db, err := database.Open(conf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.Migrate(db))

	_, err = db.Exec("TRUNCATE fines, reservations, circulations, library_users, books, users")
	require.NoError(t, err)
	return db
}

func setup(t *testing.T) (*library.Service, *sqlxrepos.Storage, *emailsvc.ConsoleServiceMock) {
	db := prepareDB(t)
	conf := testutil.Config()
	logger := testutil.Logger(conf)
	store := sqlxrepos.NewStorage(db)
	mailer := emailsvc.NewConsoleServiceMock(conf, logger)
	svc := library.NewService(database.NewTransactor(db), store, cachesvc.NewMemoryCache(), mailer, logger, conf)
	return svc, store, mailer
}

func TestRepository_books(t *testing.T) {
	_, store, _ := setup(t)
	ctx := context.Background()
	repo := store.Tenant(tenant)

	mine := testutil.CreateBook(t, repo, "Mine Boy", "Peter Abrahams", 2, "Fiction")
	testutil.CreateBook(t, repo, "Things Fall Apart", "Chinua Achebe", 1, "fiction")
	testutil.CreateBook(t, store.Tenant("school-2"), "Mine Boy", "Peter Abrahams", 1)

	got, err := repo.GetBook(ctx, mine.ID)
	require.NoError(t, err)
	assert.Equal(t, mine.Title, got.Title)
	assert.Equal(t, tenant, got.TenantID)

	_, err = store.Tenant("school-2").GetBook(ctx, mine.ID)
	assert.ErrorIs(t, err, library.ErrBookNotFound)

	books, total, err := repo.QueryBooks(ctx, library.BookFilter{Search: "mine", Page: 1, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, books, 1)

	testutil.CreateBook(t, repo, "50% Off", "Anon", 1)
	testutil.CreateBook(t, repo, "500 Days", "Anon", 1)
	books, total, err = repo.QueryBooks(ctx, library.BookFilter{Search: "50%", Page: 1, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, books, 1)
	assert.Equal(t, "50% Off", books[0].Title)

	books, total, err = repo.QueryBooks(ctx, library.BookFilter{Category: "FICTION", Page: 1, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, books, 1)
	assert.Equal(t, "Mine Boy", books[0].Title)

	dup := mine
	dup.ID = "9c7c1d1e-1111-4b7a-9a57-0d1f3e7e1a01"
	dup.ISBN = "9780435905521"
	_, err = repo.CreateBook(ctx, dup)
	require.NoError(t, err)
	dup.ID = "9c7c1d1e-1111-4b7a-9a57-0d1f3e7e1a02"
	_, err = repo.CreateBook(ctx, dup)
	assert.ErrorIs(t, err, library.ErrBookExists)
}

func TestService_circulationOnPostgres(t *testing.T) {
	svc, store, mailer := setup(t)
	ctx := testutil.TenantContext(tenant)
	repo := store.Tenant(tenant)

	book := testutil.CreateBook(t, repo, "Mine Boy", "Peter Abrahams", 1)
	awe := testutil.CreateUser(t, repo, "Awe", "awe@test.cd", library.UserTypeStudent)
	bob := testutil.CreateUser(t, repo, "Bob", "bob@test.cd", library.UserTypeStudent)

	circ, err := svc.Issue(ctx, library.IssueBook{BookID: book.ID, UserID: awe.ID, UserType: awe.UserType})
	require.NoError(t, err)

	_, err = svc.Issue(ctx, library.IssueBook{BookID: book.ID, UserID: bob.ID, UserType: bob.UserType})
	assert.ErrorIs(t, err, library.ErrNoCopiesAvailable)

	res, err := svc.Reserve(ctx, library.NewReservation{BookID: book.ID, UserID: bob.ID, UserType: bob.UserType})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Priority)

	_, err = svc.Renew(ctx, circ.ID, library.RenewBook{})
	assert.ErrorIs(t, err, library.ErrBookReserved)

	returned, err := svc.Return(ctx, circ.ID, library.ReturnBook{})
	require.NoError(t, err)
	assert.Equal(t, library.StatusReturned, returned.Status)

	got, err := repo.GetBook(context.Background(), book.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AvailableCopies)

	lu, err := svc.GetLibraryUser(ctx, awe.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, lu.CurrentBorrowed)
	assert.Equal(t, 1, lu.TotalBorrowed)

	sent := mailer.SentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "bob@test.cd", sent[0].To[0].Address)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalBooks)
	assert.Equal(t, 1, stats.ActiveReservations)
	require.Len(t, stats.PopularBooks, 1)
	assert.Equal(t, 1, stats.PopularBooks[0].Circulations)
}

func TestRepository_overdueFilter(t *testing.T) {
	svc, store, _ := setup(t)
	ctx := testutil.TenantContext(tenant)
	repo := store.Tenant(tenant)

	book := testutil.CreateBook(t, repo, "Mine Boy", "Peter Abrahams", 2)
	awe := testutil.CreateUser(t, repo, "Awe", "awe@test.cd", library.UserTypeStudent)

	circ, err := svc.Issue(ctx, library.IssueBook{BookID: book.ID, UserID: awe.ID, UserType: awe.UserType})
	require.NoError(t, err)
	circ.DueDate = time.Now().UTC().Add(-47 * time.Hour)
	_, err = repo.UpdateCirculation(ctx, circ)
	require.NoError(t, err)

	loans, err := svc.OverdueLoans(ctx)
	require.NoError(t, err)
	require.Len(t, loans, 1)
	assert.Equal(t, 2, loans[0].DaysOverdue)
}
