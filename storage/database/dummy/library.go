package dummydb

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/Haizard/mult-tenant-school-sub002/core"
	"github.com/Haizard/mult-tenant-school-sub002/core/library"
)

type libraryRepository struct {
	db       *DB
	tenantID string
}

var _ library.Repository = (*libraryRepository)(nil) // interface compliance check

func (repo *libraryRepository) TenantID() string {
	return repo.tenantID
}

func (repo *libraryRepository) libraryUserKey(userID string) string {
	return repo.tenantID + "/" + userID
}

// write locks the tables for one write and returns the unlock func.
// A write made outside a unit of work first waits for the running unit, so that unit's
// rollback cannot erase it.
func (repo *libraryRepository) write(exec []core.DBExecutor) func() {
	inUnit := len(exec) > 0 && repo.db.isUnit(exec[0])
	if !inUnit {
		repo.db.txMu.Lock()
	}
	repo.db.mu.Lock()
	return func() {
		repo.db.mu.Unlock()
		if !inUnit {
			repo.db.txMu.Unlock()
		}
	}
}

func paginate[T any](items []T, page, limit int) []T {
	if limit <= 0 {
		return items
	}
	start := (page - 1) * limit
	if start < 0 {
		start = 0
	}
	if start >= len(items) {
		return []T{}
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

// Books

func (repo *libraryRepository) CreateBook(_ context.Context, book library.Book, exec ...core.DBExecutor) (library.Book, error) {
	defer repo.write(exec)()

	for _, b := range repo.db.t.books {
		if b.TenantID != repo.tenantID {
			continue
		}
		if (book.ISBN != "" && b.ISBN == book.ISBN) || (book.Barcode != "" && b.Barcode == book.Barcode) {
			return library.Book{}, library.ErrBookExists
		}
	}
	book.TenantID = repo.tenantID
	repo.db.t.books[book.ID] = book
	return book, nil
}

func (repo *libraryRepository) GetBook(_ context.Context, id string, _ ...core.DBExecutor) (library.Book, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	if book, ok := repo.db.t.books[id]; ok && book.TenantID == repo.tenantID {
		return book, nil
	}
	return library.Book{}, library.ErrBookNotFound
}

// LockBook is GetBook: units of work are already serialized.
func (repo *libraryRepository) LockBook(ctx context.Context, id string, exec ...core.DBExecutor) (library.Book, error) {
	return repo.GetBook(ctx, id, exec...)
}

func (repo *libraryRepository) UpdateBook(_ context.Context, book library.Book, exec ...core.DBExecutor) (library.Book, error) {
	defer repo.write(exec)()

	if b, ok := repo.db.t.books[book.ID]; !ok || b.TenantID != repo.tenantID {
		return library.Book{}, library.ErrBookNotFound
	}
	book.TenantID = repo.tenantID
	repo.db.t.books[book.ID] = book
	return book, nil
}

func (repo *libraryRepository) QueryBooks(_ context.Context, filter library.BookFilter, _ ...core.DBExecutor) ([]library.Book, int, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	search := strings.ToLower(filter.Search)
	books := make([]library.Book, 0)
	for _, b := range repo.db.t.books {
		if b.TenantID != repo.tenantID {
			continue
		}
		if search != "" && !lo.SomeBy([]string{b.Title, b.Author, b.ISBN, b.Barcode}, func(s string) bool {
			return strings.Contains(strings.ToLower(s), search)
		}) {
			continue
		}
		if filter.Category != "" && !strings.EqualFold(b.Category, filter.Category) {
			continue
		}
		if filter.Status != "" && !strings.EqualFold(b.Status, filter.Status) {
			continue
		}
		books = append(books, b)
	}
	sort.Slice(books, func(i, j int) bool {
		if books[i].Title == books[j].Title {
			return books[i].ID < books[j].ID
		}
		return books[i].Title < books[j].Title
	})
	return paginate(books, filter.Page, filter.Limit), len(books), nil
}

// Users

func (repo *libraryRepository) CreateUser(_ context.Context, usr library.User, exec ...core.DBExecutor) (library.User, error) {
	defer repo.write(exec)()

	for _, u := range repo.db.t.users {
		if u.TenantID == repo.tenantID && usr.Email != "" && u.Email == usr.Email {
			return library.User{}, library.ErrEmailExists
		}
	}
	usr.TenantID = repo.tenantID
	repo.db.t.users[usr.ID] = usr
	return usr, nil
}

func (repo *libraryRepository) GetUser(_ context.Context, id string, _ ...core.DBExecutor) (library.User, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	if usr, ok := repo.db.t.users[id]; ok && usr.TenantID == repo.tenantID && usr.IsActive {
		return usr, nil
	}
	return library.User{}, library.ErrUserNotFound
}

func (repo *libraryRepository) AdjustLibraryUser(_ context.Context, userID, userType string, delta int, exec ...core.DBExecutor) (library.LibraryUser, error) {
	defer repo.write(exec)()

	key := repo.libraryUserKey(userID)
	lu, ok := repo.db.t.libraryUsers[key]
	if !ok {
		lu = library.LibraryUser{TenantID: repo.tenantID, UserID: userID, UserType: userType}
	}
	lu.CurrentBorrowed += delta
	if lu.CurrentBorrowed < 0 {
		lu.CurrentBorrowed = 0
	}
	if delta > 0 {
		lu.TotalBorrowed += delta
	}
	lu.UpdatedAt = core.NowFunc().UTC()
	repo.db.t.libraryUsers[key] = lu
	return lu, nil
}

func (repo *libraryRepository) GetLibraryUser(_ context.Context, userID string, _ ...core.DBExecutor) (library.LibraryUser, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	if lu, ok := repo.db.t.libraryUsers[repo.libraryUserKey(userID)]; ok {
		return lu, nil
	}
	return library.LibraryUser{}, library.ErrUserNotFound
}

// Circulations

func (repo *libraryRepository) CreateCirculation(_ context.Context, circ library.Circulation, exec ...core.DBExecutor) (library.Circulation, error) {
	defer repo.write(exec)()

	for _, c := range repo.db.t.circulations {
		if c.TenantID == repo.tenantID && c.BookID == circ.BookID && c.UserID == circ.UserID && c.Status == library.StatusBorrowed {
			return library.Circulation{}, library.ErrAlreadyBorrowed
		}
	}
	circ.TenantID = repo.tenantID
	repo.db.t.circulations[circ.ID] = circ
	return circ, nil
}

func (repo *libraryRepository) GetCirculation(_ context.Context, id string, _ ...core.DBExecutor) (library.Circulation, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	if circ, ok := repo.db.t.circulations[id]; ok && circ.TenantID == repo.tenantID {
		return circ, nil
	}
	return library.Circulation{}, library.ErrCirculationNotFound
}

func (repo *libraryRepository) LockCirculation(ctx context.Context, id string, exec ...core.DBExecutor) (library.Circulation, error) {
	return repo.GetCirculation(ctx, id, exec...)
}

func (repo *libraryRepository) UpdateCirculation(_ context.Context, circ library.Circulation, exec ...core.DBExecutor) (library.Circulation, error) {
	defer repo.write(exec)()

	if c, ok := repo.db.t.circulations[circ.ID]; !ok || c.TenantID != repo.tenantID {
		return library.Circulation{}, library.ErrCirculationNotFound
	}
	circ.TenantID = repo.tenantID
	repo.db.t.circulations[circ.ID] = circ
	return circ, nil
}

func (repo *libraryRepository) HasBorrowed(_ context.Context, bookID, userID string, _ ...core.DBExecutor) (bool, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	for _, c := range repo.db.t.circulations {
		if c.TenantID == repo.tenantID && c.BookID == bookID && c.UserID == userID && c.Status == library.StatusBorrowed {
			return true, nil
		}
	}
	return false, nil
}

func (repo *libraryRepository) QueryCirculations(
	_ context.Context,
	filter library.CirculationFilter,
	now time.Time,
	_ ...core.DBExecutor,
) ([]library.Circulation, int, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	circs := make([]library.Circulation, 0)
	for _, c := range repo.db.t.circulations {
		switch {
		case c.TenantID != repo.tenantID:
		case filter.Status != "" && !strings.EqualFold(c.Status, filter.Status):
		case filter.UserID != "" && c.UserID != filter.UserID:
		case filter.BookID != "" && c.BookID != filter.BookID:
		case filter.Overdue && !c.IsOverdue(now):
		default:
			circs = append(circs, c)
		}
	}
	if filter.Overdue {
		sort.Slice(circs, func(i, j int) bool { return circs[i].DueDate.Before(circs[j].DueDate) })
	} else {
		sort.Slice(circs, func(i, j int) bool { return circs[i].BorrowDate.After(circs[j].BorrowDate) })
	}
	return paginate(circs, filter.Page, filter.Limit), len(circs), nil
}

// Reservations

func (repo *libraryRepository) CreateReservation(_ context.Context, res library.Reservation, exec ...core.DBExecutor) (library.Reservation, error) {
	defer repo.write(exec)()

	for _, r := range repo.db.t.reservations {
		if r.TenantID == repo.tenantID && r.BookID == res.BookID && r.UserID == res.UserID && r.Status == library.ReservationActive {
			return library.Reservation{}, library.ErrAlreadyReserved
		}
	}
	res.TenantID = repo.tenantID
	repo.db.t.reservations[res.ID] = res
	return res, nil
}

func (repo *libraryRepository) LockReservation(_ context.Context, id string, _ ...core.DBExecutor) (library.Reservation, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	if res, ok := repo.db.t.reservations[id]; ok && res.TenantID == repo.tenantID {
		return res, nil
	}
	return library.Reservation{}, library.ErrReservationNotFound
}

func (repo *libraryRepository) UpdateReservation(_ context.Context, res library.Reservation, exec ...core.DBExecutor) (library.Reservation, error) {
	defer repo.write(exec)()

	if r, ok := repo.db.t.reservations[res.ID]; !ok || r.TenantID != repo.tenantID {
		return library.Reservation{}, library.ErrReservationNotFound
	}
	res.TenantID = repo.tenantID
	repo.db.t.reservations[res.ID] = res
	return res, nil
}

func (repo *libraryRepository) activeReservations(bookID string) []library.Reservation {
	active := lo.Filter(lo.Values(repo.db.t.reservations), func(r library.Reservation, _ int) bool {
		return r.TenantID == repo.tenantID && r.BookID == bookID && r.Status == library.ReservationActive
	})
	sort.Slice(active, func(i, j int) bool { return active[i].Priority < active[j].Priority })
	return active
}

func (repo *libraryRepository) HasActiveReservation(_ context.Context, bookID, userID string, _ ...core.DBExecutor) (bool, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	return lo.ContainsBy(repo.activeReservations(bookID), func(r library.Reservation) bool {
		return r.UserID == userID
	}), nil
}

func (repo *libraryRepository) CountActiveReservations(_ context.Context, bookID string, _ ...core.DBExecutor) (int, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()
	return len(repo.activeReservations(bookID)), nil
}

func (repo *libraryRepository) MaxActivePriority(_ context.Context, bookID string, _ ...core.DBExecutor) (int, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	active := repo.activeReservations(bookID)
	if len(active) == 0 {
		return 0, nil
	}
	return active[len(active)-1].Priority, nil
}

func (repo *libraryRepository) NextReservation(_ context.Context, bookID string, _ ...core.DBExecutor) (library.Reservation, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	active := repo.activeReservations(bookID)
	if len(active) == 0 {
		return library.Reservation{}, library.ErrReservationNotFound
	}
	return active[0], nil
}

// Fines

func (repo *libraryRepository) CreateFine(_ context.Context, fine library.Fine, exec ...core.DBExecutor) (library.Fine, error) {
	defer repo.write(exec)()

	fine.TenantID = repo.tenantID
	repo.db.t.fines[fine.ID] = fine
	return fine, nil
}

func (repo *libraryRepository) QueryFines(_ context.Context, circulationID string, _ ...core.DBExecutor) ([]library.Fine, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	fines := lo.Filter(lo.Values(repo.db.t.fines), func(f library.Fine, _ int) bool {
		return f.TenantID == repo.tenantID && (circulationID == "" || f.CirculationID == circulationID)
	})
	sort.Slice(fines, func(i, j int) bool { return fines[i].CreatedAt.Before(fines[j].CreatedAt) })
	return fines, nil
}

// Stats

func (repo *libraryRepository) Stats(_ context.Context, now time.Time, popular int, _ ...core.DBExecutor) (library.Stats, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	var stats library.Stats
	for _, b := range repo.db.t.books {
		if b.TenantID == repo.tenantID {
			stats.TotalBooks++
			stats.TotalCopies += b.TotalCopies
			stats.AvailableBooks += b.AvailableCopies
		}
	}

	counts := make(map[string]int)
	for _, c := range repo.db.t.circulations {
		if c.TenantID != repo.tenantID {
			continue
		}
		counts[c.BookID]++
		if c.Status == library.StatusBorrowed {
			stats.BorrowedBooks++
			if c.IsOverdue(now) {
				stats.OverdueBooks++
			}
		}
	}
	for _, r := range repo.db.t.reservations {
		if r.TenantID == repo.tenantID && r.Status == library.ReservationActive {
			stats.ActiveReservations++
		}
	}
	for _, f := range repo.db.t.fines {
		if f.TenantID == repo.tenantID && f.Status == library.FineUnpaid {
			stats.UnpaidFines++
			stats.UnpaidFinesAmount += f.Amount
		}
	}

	stats.PopularBooks = make([]library.PopularBook, 0, len(counts))
	for bookID, n := range counts {
		b := repo.db.t.books[bookID]
		stats.PopularBooks = append(stats.PopularBooks, library.PopularBook{BookID: bookID, Title: b.Title, Author: b.Author, Circulations: n})
	}
	sort.Slice(stats.PopularBooks, func(i, j int) bool {
		pi, pj := stats.PopularBooks[i], stats.PopularBooks[j]
		if pi.Circulations == pj.Circulations {
			return pi.Title < pj.Title
		}
		return pi.Circulations > pj.Circulations
	})
	if popular < 0 {
		popular = 0
	}
	if len(stats.PopularBooks) > popular {
		stats.PopularBooks = stats.PopularBooks[:popular]
	}
	return stats, nil
}
