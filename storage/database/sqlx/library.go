package sqlxrepos

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/Haizard/mult-tenant-school-sub002/core"
	"github.com/Haizard/mult-tenant-school-sub002/core/library"
)

const (
	tblBooks        = "books"
	tblUsers        = "users"
	tblLibraryUsers = "library_users"
	tblCirculations = "circulations"
	tblReservations = "reservations"
	tblFines        = "fines"

	colTenantID = "tenant_id"
)

var (
	dialect = goqu.Dialect("postgres")

	// unique & check constraints mapped to the domain errors they enforce
	constraintErrs = map[string]error{
		"books_tenant_isbn_uniq":        library.ErrBookExists,
		"books_tenant_barcode_uniq":     library.ErrBookExists,
		"users_tenant_email_uniq":       library.ErrEmailExists,
		"circulations_active_loan_uniq": library.ErrAlreadyBorrowed,
		"reservations_active_uniq":      library.ErrAlreadyReserved,
		"books_copies_check":            library.ErrNoCopiesAvailable,
		"circulations_renewals_check":   library.ErrRenewalLimitReached,
	}
)

// likeEscaper escapes LIKE wildcards with postgres' default escape character.
var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

// containsPattern matches s literally anywhere in a LIKE/ILIKE operand.
func containsPattern(s string) string {
	return "%" + likeEscaper.Replace(s) + "%"
}

// Storage hands out tenant-scoped postgres repositories sharing one connection pool.
type Storage struct {
	db core.DBExecutor
}

var _ library.Storage = (*Storage)(nil)

func NewStorage(db core.DBExecutor) *Storage {
	return &Storage{db: db}
}

func (s *Storage) Tenant(tenantID string) library.Repository {
	return &libraryRepository{exec: s.db, tenantID: tenantID}
}

type libraryRepository struct {
	exec     core.DBExecutor
	tenantID string
}

var _ library.Repository = (*libraryRepository)(nil) // interface compliance check

func (repo *libraryRepository) TenantID() string {
	return repo.tenantID
}

func (repo *libraryRepository) getExec(svcExec []core.DBExecutor) core.DBExecutor {
	if len(svcExec) > 0 && svcExec[0] != nil {
		return svcExec[0]
	}
	return repo.exec
}

// scoped starts a select on table, filtered by the repository's tenant.
func (repo *libraryRepository) scoped(table string) *goqu.SelectDataset {
	return dialect.From(table).Prepared(true).Where(goqu.C(colTenantID).Eq(repo.tenantID))
}

// trapErr maps "no rows" to notFound and constraint violations to their domain errors.
func trapErr(err error, notFound error, msg string) error {
	if err == nil {
		return nil
	}
	cause := errors.Cause(err)
	if cause == sql.ErrNoRows && notFound != nil {
		return notFound
	}
	if pqErr, ok := cause.(*pq.Error); ok {
		if domainErr, ok := constraintErrs[pqErr.Constraint]; ok {
			return domainErr
		}
	}
	return errors.Wrap(err, msg)
}

// selectAll runs the query and scans every row into dest (a pointer to a slice).
func selectAll(ctx context.Context, exec core.DBExecutor, ds interface {
	ToSQL() (string, []interface{}, error)
}, dest interface{}) error {
	query, args, err := ds.ToSQL()
	if err != nil {
		return errors.Wrap(err, "building query")
	}
	rows, err := exec.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	return sqlx.StructScan(rows, dest)
}

// selectOne is selectAll for a single row; sql.ErrNoRows when there is none.
func selectOne[T any](ctx context.Context, exec core.DBExecutor, ds interface {
	ToSQL() (string, []interface{}, error)
}) (T, error) {
	var items []T
	if err := selectAll(ctx, exec, ds, &items); err != nil {
		var zero T
		return zero, err
	}
	if len(items) == 0 {
		var zero T
		return zero, sql.ErrNoRows
	}
	return items[0], nil
}

func scanInt(ctx context.Context, exec core.DBExecutor, ds *goqu.SelectDataset) (int, error) {
	query, args, err := ds.ToSQL()
	if err != nil {
		return 0, errors.Wrap(err, "building query")
	}
	var n int
	err = exec.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

func page(ds *goqu.SelectDataset, pageNum, limit int) *goqu.SelectDataset {
	if limit <= 0 {
		return ds
	}
	offset := core.Pagination{Page: pageNum, Limit: limit}.Offset()
	return ds.Limit(uint(limit)).Offset(uint(offset))
}

// Books

func (repo *libraryRepository) CreateBook(ctx context.Context, book library.Book, exec ...core.DBExecutor) (library.Book, error) {
	book.TenantID = repo.tenantID
	ds := dialect.Insert(tblBooks).Prepared(true).Rows(book).Returning(goqu.Star())
	book, err := selectOne[library.Book](ctx, repo.getExec(exec), ds)
	return book, trapErr(err, nil, "inserting book")
}

func (repo *libraryRepository) getBook(ctx context.Context, id string, lock bool, exec []core.DBExecutor) (library.Book, error) {
	ds := repo.scoped(tblBooks).Where(goqu.C("id").Eq(id))
	if lock {
		ds = ds.ForUpdate(exp.Wait)
	}
	book, err := selectOne[library.Book](ctx, repo.getExec(exec), ds)
	return book, trapErr(err, library.ErrBookNotFound, "selecting book")
}

func (repo *libraryRepository) GetBook(ctx context.Context, id string, exec ...core.DBExecutor) (library.Book, error) {
	return repo.getBook(ctx, id, false, exec)
}

func (repo *libraryRepository) LockBook(ctx context.Context, id string, exec ...core.DBExecutor) (library.Book, error) {
	return repo.getBook(ctx, id, true, exec)
}

func (repo *libraryRepository) UpdateBook(ctx context.Context, book library.Book, exec ...core.DBExecutor) (library.Book, error) {
	ds := dialect.Update(tblBooks).Prepared(true).
		Set(goqu.Record{
			"isbn":             book.ISBN,
			"barcode":          book.Barcode,
			"title":            book.Title,
			"author":           book.Author,
			"publisher":        book.Publisher,
			"category":         book.Category,
			"total_copies":     book.TotalCopies,
			"available_copies": book.AvailableCopies,
			"condition":        book.Condition,
			"status":           book.Status,
			"updated_at":       book.UpdatedAt,
		}).
		Where(goqu.C(colTenantID).Eq(repo.tenantID), goqu.C("id").Eq(book.ID)).
		Returning(goqu.Star())
	book, err := selectOne[library.Book](ctx, repo.getExec(exec), ds)
	return book, trapErr(err, library.ErrBookNotFound, "updating book")
}

func (repo *libraryRepository) QueryBooks(ctx context.Context, filter library.BookFilter, exec ...core.DBExecutor) ([]library.Book, int, error) {
	ds := repo.scoped(tblBooks)
	if filter.Search != "" {
		pattern := containsPattern(filter.Search)
		ds = ds.Where(goqu.Or(
			goqu.C("title").ILike(pattern),
			goqu.C("author").ILike(pattern),
			goqu.C("isbn").ILike(pattern),
			goqu.C("barcode").ILike(pattern),
		))
	}
	if filter.Category != "" {
		ds = ds.Where(goqu.Func("LOWER", goqu.C("category")).Eq(goqu.Func("LOWER", filter.Category)))
	}
	if filter.Status != "" {
		ds = ds.Where(goqu.C("status").Eq(goqu.Func("UPPER", filter.Status)))
	}

	total, err := scanInt(ctx, repo.getExec(exec), ds.Select(goqu.COUNT(goqu.Star())))
	if err != nil {
		return nil, 0, errors.Wrap(err, "counting books")
	}

	var books []library.Book
	ds = page(ds.Order(goqu.C("title").Asc(), goqu.C("id").Asc()), filter.Page, filter.Limit)
	if err = selectAll(ctx, repo.getExec(exec), ds, &books); err != nil {
		return nil, 0, errors.Wrap(err, "selecting books")
	}
	return books, total, nil
}

// Users

func (repo *libraryRepository) CreateUser(ctx context.Context, usr library.User, exec ...core.DBExecutor) (library.User, error) {
	usr.TenantID = repo.tenantID
	ds := dialect.Insert(tblUsers).Prepared(true).Rows(usr).Returning(goqu.Star())
	usr, err := selectOne[library.User](ctx, repo.getExec(exec), ds)
	return usr, trapErr(err, nil, "inserting user")
}

func (repo *libraryRepository) GetUser(ctx context.Context, id string, exec ...core.DBExecutor) (library.User, error) {
	ds := repo.scoped(tblUsers).Where(goqu.C("id").Eq(id), goqu.C("is_active").IsTrue())
	usr, err := selectOne[library.User](ctx, repo.getExec(exec), ds)
	return usr, trapErr(err, library.ErrUserNotFound, "selecting user")
}

func (repo *libraryRepository) AdjustLibraryUser(
	ctx context.Context,
	userID, userType string,
	delta int,
	exec ...core.DBExecutor,
) (library.LibraryUser, error) {
	total := 0
	if delta > 0 {
		total = delta
	}
	current := delta
	if current < 0 {
		current = 0
	}
	tstamp := core.NowFunc().UTC()

	ds := dialect.Insert(tblLibraryUsers).Prepared(true).
		Rows(goqu.Record{
			colTenantID:        repo.tenantID,
			"user_id":          userID,
			"user_type":        userType,
			"current_borrowed": current,
			"total_borrowed":   total,
			"updated_at":       tstamp,
		}).
		OnConflict(goqu.DoUpdate("tenant_id, user_id", goqu.Record{
			"current_borrowed": goqu.L("GREATEST(?.current_borrowed + ?, 0)", goqu.T(tblLibraryUsers), delta),
			"total_borrowed":   goqu.L("?.total_borrowed + ?", goqu.T(tblLibraryUsers), total),
			"updated_at":       tstamp,
		})).
		Returning(goqu.Star())
	lu, err := selectOne[library.LibraryUser](ctx, repo.getExec(exec), ds)
	return lu, trapErr(err, nil, "upserting library user")
}

func (repo *libraryRepository) GetLibraryUser(ctx context.Context, userID string, exec ...core.DBExecutor) (library.LibraryUser, error) {
	ds := repo.scoped(tblLibraryUsers).Where(goqu.C("user_id").Eq(userID))
	lu, err := selectOne[library.LibraryUser](ctx, repo.getExec(exec), ds)
	return lu, trapErr(err, library.ErrUserNotFound, "selecting library user")
}

// Circulations

func (repo *libraryRepository) CreateCirculation(ctx context.Context, circ library.Circulation, exec ...core.DBExecutor) (library.Circulation, error) {
	circ.TenantID = repo.tenantID
	ds := dialect.Insert(tblCirculations).Prepared(true).Rows(circ).Returning(goqu.Star())
	circ, err := selectOne[library.Circulation](ctx, repo.getExec(exec), ds)
	return circ, trapErr(err, nil, "inserting circulation")
}

func (repo *libraryRepository) getCirculation(ctx context.Context, id string, lock bool, exec []core.DBExecutor) (library.Circulation, error) {
	ds := repo.scoped(tblCirculations).Where(goqu.C("id").Eq(id))
	if lock {
		ds = ds.ForUpdate(exp.Wait)
	}
	circ, err := selectOne[library.Circulation](ctx, repo.getExec(exec), ds)
	return circ, trapErr(err, library.ErrCirculationNotFound, "selecting circulation")
}

func (repo *libraryRepository) GetCirculation(ctx context.Context, id string, exec ...core.DBExecutor) (library.Circulation, error) {
	return repo.getCirculation(ctx, id, false, exec)
}

func (repo *libraryRepository) LockCirculation(ctx context.Context, id string, exec ...core.DBExecutor) (library.Circulation, error) {
	return repo.getCirculation(ctx, id, true, exec)
}

func (repo *libraryRepository) UpdateCirculation(ctx context.Context, circ library.Circulation, exec ...core.DBExecutor) (library.Circulation, error) {
	ds := dialect.Update(tblCirculations).Prepared(true).
		Set(goqu.Record{
			"due_date":      circ.DueDate,
			"return_date":   circ.ReturnDate,
			"renewal_count": circ.RenewalCount,
			"status":        circ.Status,
			"fine_amount":   circ.FineAmount,
			"notes":         circ.Notes,
			"updated_at":    circ.UpdatedAt,
		}).
		Where(goqu.C(colTenantID).Eq(repo.tenantID), goqu.C("id").Eq(circ.ID)).
		Returning(goqu.Star())
	circ, err := selectOne[library.Circulation](ctx, repo.getExec(exec), ds)
	return circ, trapErr(err, library.ErrCirculationNotFound, "updating circulation")
}

func (repo *libraryRepository) HasBorrowed(ctx context.Context, bookID, userID string, exec ...core.DBExecutor) (bool, error) {
	ds := repo.scoped(tblCirculations).
		Select(goqu.COUNT(goqu.Star())).
		Where(goqu.Ex{"book_id": bookID, "user_id": userID, "status": library.StatusBorrowed})
	n, err := scanInt(ctx, repo.getExec(exec), ds)
	return n > 0, trapErr(err, nil, "counting borrowed circulations")
}

func (repo *libraryRepository) QueryCirculations(
	ctx context.Context,
	filter library.CirculationFilter,
	now time.Time,
	exec ...core.DBExecutor,
) ([]library.Circulation, int, error) {
	ds := repo.scoped(tblCirculations)
	if filter.Status != "" {
		ds = ds.Where(goqu.C("status").Eq(goqu.Func("UPPER", filter.Status)))
	}
	if filter.UserID != "" {
		ds = ds.Where(goqu.C("user_id").Eq(filter.UserID))
	}
	if filter.BookID != "" {
		ds = ds.Where(goqu.C("book_id").Eq(filter.BookID))
	}
	order := []exp.OrderedExpression{goqu.C("borrow_date").Desc()}
	if filter.Overdue {
		ds = ds.Where(goqu.C("status").Eq(library.StatusBorrowed), goqu.C("due_date").Lt(now))
		order = []exp.OrderedExpression{goqu.C("due_date").Asc()}
	}

	total, err := scanInt(ctx, repo.getExec(exec), ds.Select(goqu.COUNT(goqu.Star())))
	if err != nil {
		return nil, 0, errors.Wrap(err, "counting circulations")
	}

	var circs []library.Circulation
	ds = page(ds.Order(append(order, goqu.C("id").Asc())...), filter.Page, filter.Limit)
	if err = selectAll(ctx, repo.getExec(exec), ds, &circs); err != nil {
		return nil, 0, errors.Wrap(err, "selecting circulations")
	}
	return circs, total, nil
}

// Reservations

func (repo *libraryRepository) activeReservations(bookID string) *goqu.SelectDataset {
	return repo.scoped(tblReservations).Where(goqu.Ex{"book_id": bookID, "status": library.ReservationActive})
}

func (repo *libraryRepository) CreateReservation(ctx context.Context, res library.Reservation, exec ...core.DBExecutor) (library.Reservation, error) {
	res.TenantID = repo.tenantID
	ds := dialect.Insert(tblReservations).Prepared(true).Rows(res).Returning(goqu.Star())
	res, err := selectOne[library.Reservation](ctx, repo.getExec(exec), ds)
	return res, trapErr(err, nil, "inserting reservation")
}

func (repo *libraryRepository) LockReservation(ctx context.Context, id string, exec ...core.DBExecutor) (library.Reservation, error) {
	ds := repo.scoped(tblReservations).Where(goqu.C("id").Eq(id)).ForUpdate(exp.Wait)
	res, err := selectOne[library.Reservation](ctx, repo.getExec(exec), ds)
	return res, trapErr(err, library.ErrReservationNotFound, "selecting reservation")
}

func (repo *libraryRepository) UpdateReservation(ctx context.Context, res library.Reservation, exec ...core.DBExecutor) (library.Reservation, error) {
	ds := dialect.Update(tblReservations).Prepared(true).
		Set(goqu.Record{
			"status":      res.Status,
			"priority":    res.Priority,
			"expiry_date": res.ExpiryDate,
			"notes":       res.Notes,
			"updated_at":  res.UpdatedAt,
		}).
		Where(goqu.C(colTenantID).Eq(repo.tenantID), goqu.C("id").Eq(res.ID)).
		Returning(goqu.Star())
	res, err := selectOne[library.Reservation](ctx, repo.getExec(exec), ds)
	return res, trapErr(err, library.ErrReservationNotFound, "updating reservation")
}

func (repo *libraryRepository) HasActiveReservation(ctx context.Context, bookID, userID string, exec ...core.DBExecutor) (bool, error) {
	ds := repo.activeReservations(bookID).Select(goqu.COUNT(goqu.Star())).Where(goqu.C("user_id").Eq(userID))
	n, err := scanInt(ctx, repo.getExec(exec), ds)
	return n > 0, trapErr(err, nil, "counting user reservations")
}

func (repo *libraryRepository) CountActiveReservations(ctx context.Context, bookID string, exec ...core.DBExecutor) (int, error) {
	n, err := scanInt(ctx, repo.getExec(exec), repo.activeReservations(bookID).Select(goqu.COUNT(goqu.Star())))
	return n, trapErr(err, nil, "counting reservations")
}

func (repo *libraryRepository) MaxActivePriority(ctx context.Context, bookID string, exec ...core.DBExecutor) (int, error) {
	ds := repo.activeReservations(bookID).Select(goqu.COALESCE(goqu.MAX("priority"), 0))
	n, err := scanInt(ctx, repo.getExec(exec), ds)
	return n, trapErr(err, nil, "selecting max priority")
}

func (repo *libraryRepository) NextReservation(ctx context.Context, bookID string, exec ...core.DBExecutor) (library.Reservation, error) {
	ds := repo.activeReservations(bookID).Order(goqu.C("priority").Asc()).Limit(1)
	res, err := selectOne[library.Reservation](ctx, repo.getExec(exec), ds)
	return res, trapErr(err, library.ErrReservationNotFound, "selecting next reservation")
}

// Fines

func (repo *libraryRepository) CreateFine(ctx context.Context, fine library.Fine, exec ...core.DBExecutor) (library.Fine, error) {
	fine.TenantID = repo.tenantID
	ds := dialect.Insert(tblFines).Prepared(true).Rows(fine).Returning(goqu.Star())
	fine, err := selectOne[library.Fine](ctx, repo.getExec(exec), ds)
	return fine, trapErr(err, nil, "inserting fine")
}

func (repo *libraryRepository) QueryFines(ctx context.Context, circulationID string, exec ...core.DBExecutor) ([]library.Fine, error) {
	ds := repo.scoped(tblFines).Order(goqu.C("created_at").Asc())
	if circulationID != "" {
		ds = ds.Where(goqu.C("circulation_id").Eq(circulationID))
	}
	var fines []library.Fine
	if err := selectAll(ctx, repo.getExec(exec), ds, &fines); err != nil {
		return nil, errors.Wrap(err, "selecting fines")
	}
	return fines, nil
}

// Stats

func (repo *libraryRepository) Stats(ctx context.Context, now time.Time, popular int, exec ...core.DBExecutor) (library.Stats, error) {
	var stats library.Stats
	db := repo.getExec(exec)

	bookQuery, args, err := repo.scoped(tblBooks).Select(
		goqu.COUNT(goqu.Star()),
		goqu.COALESCE(goqu.SUM("total_copies"), 0),
		goqu.COALESCE(goqu.SUM("available_copies"), 0),
	).ToSQL()
	if err != nil {
		return stats, errors.Wrap(err, "building books stats query")
	}
	if err = db.QueryRowContext(ctx, bookQuery, args...).Scan(&stats.TotalBooks, &stats.TotalCopies, &stats.AvailableBooks); err != nil {
		return stats, errors.Wrap(err, "selecting books stats")
	}

	borrowed := repo.scoped(tblCirculations).Where(goqu.C("status").Eq(library.StatusBorrowed))
	if stats.BorrowedBooks, err = scanInt(ctx, db, borrowed.Select(goqu.COUNT(goqu.Star()))); err != nil {
		return stats, errors.Wrap(err, "counting borrowed books")
	}
	overdue := borrowed.Where(goqu.C("due_date").Lt(now)).Select(goqu.COUNT(goqu.Star()))
	if stats.OverdueBooks, err = scanInt(ctx, db, overdue); err != nil {
		return stats, errors.Wrap(err, "counting overdue books")
	}
	reserved := repo.scoped(tblReservations).Where(goqu.C("status").Eq(library.ReservationActive)).Select(goqu.COUNT(goqu.Star()))
	if stats.ActiveReservations, err = scanInt(ctx, db, reserved); err != nil {
		return stats, errors.Wrap(err, "counting reservations")
	}

	fineQuery, args, err := repo.scoped(tblFines).
		Where(goqu.C("status").Eq(library.FineUnpaid)).
		Select(goqu.COUNT(goqu.Star()), goqu.COALESCE(goqu.SUM("amount"), 0)).
		ToSQL()
	if err != nil {
		return stats, errors.Wrap(err, "building fines stats query")
	}
	if err = db.QueryRowContext(ctx, fineQuery, args...).Scan(&stats.UnpaidFines, &stats.UnpaidFinesAmount); err != nil {
		return stats, errors.Wrap(err, "selecting fines stats")
	}

	stats.PopularBooks = []library.PopularBook{}
	if popular <= 0 {
		return stats, nil
	}
	popularDs := dialect.From(goqu.T(tblCirculations).As("c")).Prepared(true).
		InnerJoin(goqu.T(tblBooks).As("b"), goqu.On(goqu.I("b.id").Eq(goqu.I("c.book_id")))).
		Where(goqu.I("c.tenant_id").Eq(repo.tenantID)).
		Select(
			goqu.I("b.id").As("book_id"),
			goqu.I("b.title").As("title"),
			goqu.I("b.author").As("author"),
			goqu.COUNT(goqu.I("c.id")).As("circulations"),
		).
		GroupBy(goqu.I("b.id"), goqu.I("b.title"), goqu.I("b.author")).
		Order(goqu.I("circulations").Desc(), goqu.I("b.title").Asc()).
		Limit(uint(popular))
	if err = selectAll(ctx, db, popularDs, &stats.PopularBooks); err != nil {
		return stats, errors.Wrap(err, "selecting popular books")
	}
	return stats, nil
}
