package library

import (
	"context"
	"fmt"
	"net/mail"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/Haizard/mult-tenant-school-sub002/core"
)

var (
	// errors
	ErrBookNotFound        = core.NewNotFoundError("book not found")
	ErrUserNotFound        = core.NewNotFoundError("user not found")
	ErrCirculationNotFound = core.NewNotFoundError("circulation record not found or already returned")
	ErrReservationNotFound = core.NewNotFoundError("reservation not found or already cancelled")
	ErrNoCopiesAvailable   = core.NewRuleError("no copies available for this book")
	ErrAlreadyBorrowed     = core.NewConflictError("user already has this book borrowed")
	ErrAlreadyReserved     = core.NewConflictError("user already has an active reservation for this book")
	ErrBookExists          = core.NewConflictError("a book with this isbn or barcode already exists")
	ErrEmailExists         = core.NewConflictError("a user with this email already exists")
	ErrRenewalLimitReached = core.NewRuleError("maximum renewals reached")
	ErrBookReserved        = core.NewRuleError("cannot renew: this book has active reservations")
	ErrBookAvailable       = core.NewRuleError("book is available, issue it directly instead of reserving")

	errNoTenant       = errors.New("no tenant in context")
	errInvalidDueDate = errors.New("due date must be in the future")
)

type (
	// Storage hands out repositories bound to one tenant.
	Storage interface {
		Tenant(tenantID string) Repository
	}

	// Repository reads & writes the library tables of a single tenant.
	// Every method filters by that tenant; the optional exec runs the call inside a unit of work.
	// Lock* methods hold a write lock on the row until the unit of work ends.
	Repository interface {
		TenantID() string

		CreateBook(ctx context.Context, book Book, exec ...core.DBExecutor) (Book, error)
		GetBook(ctx context.Context, id string, exec ...core.DBExecutor) (Book, error)
		LockBook(ctx context.Context, id string, exec ...core.DBExecutor) (Book, error)
		UpdateBook(ctx context.Context, book Book, exec ...core.DBExecutor) (Book, error)
		QueryBooks(ctx context.Context, filter BookFilter, exec ...core.DBExecutor) ([]Book, int, error)

		CreateUser(ctx context.Context, usr User, exec ...core.DBExecutor) (User, error)
		GetUser(ctx context.Context, id string, exec ...core.DBExecutor) (User, error)
		// AdjustLibraryUser upserts the user's aggregate, adding delta to currentBorrowed (never below 0).
		// A positive delta also counts toward totalBorrowed.
		AdjustLibraryUser(ctx context.Context, userID, userType string, delta int, exec ...core.DBExecutor) (LibraryUser, error)
		GetLibraryUser(ctx context.Context, userID string, exec ...core.DBExecutor) (LibraryUser, error)

		CreateCirculation(ctx context.Context, circ Circulation, exec ...core.DBExecutor) (Circulation, error)
		GetCirculation(ctx context.Context, id string, exec ...core.DBExecutor) (Circulation, error)
		LockCirculation(ctx context.Context, id string, exec ...core.DBExecutor) (Circulation, error)
		UpdateCirculation(ctx context.Context, circ Circulation, exec ...core.DBExecutor) (Circulation, error)
		HasBorrowed(ctx context.Context, bookID, userID string, exec ...core.DBExecutor) (bool, error)
		QueryCirculations(ctx context.Context, filter CirculationFilter, now time.Time, exec ...core.DBExecutor) ([]Circulation, int, error)

		CreateReservation(ctx context.Context, res Reservation, exec ...core.DBExecutor) (Reservation, error)
		LockReservation(ctx context.Context, id string, exec ...core.DBExecutor) (Reservation, error)
		UpdateReservation(ctx context.Context, res Reservation, exec ...core.DBExecutor) (Reservation, error)
		HasActiveReservation(ctx context.Context, bookID, userID string, exec ...core.DBExecutor) (bool, error)
		CountActiveReservations(ctx context.Context, bookID string, exec ...core.DBExecutor) (int, error)
		MaxActivePriority(ctx context.Context, bookID string, exec ...core.DBExecutor) (int, error)
		// NextReservation returns the ACTIVE reservation with the lowest priority for the book.
		NextReservation(ctx context.Context, bookID string, exec ...core.DBExecutor) (Reservation, error)

		CreateFine(ctx context.Context, fine Fine, exec ...core.DBExecutor) (Fine, error)
		QueryFines(ctx context.Context, circulationID string, exec ...core.DBExecutor) ([]Fine, error)

		Stats(ctx context.Context, now time.Time, popular int, exec ...core.DBExecutor) (Stats, error)
	}

	Service struct {
		tx      core.Transactor
		store   Storage
		cache   core.Cache
		mailSvc core.EmailService
		logger  core.Logger
		conf    *core.Config
	}
)

func NewService(
	tx core.Transactor,
	store Storage,
	cache core.Cache,
	mailSvc core.EmailService,
	logger core.Logger,
	conf *core.Config,
) *Service {
	return &Service{
		tx:      tx,
		store:   store,
		cache:   cache,
		mailSvc: mailSvc,
		logger:  logger,
		conf:    conf,
	}
}

func (svc *Service) repo(ctx context.Context) (Repository, error) {
	tenantID, ok := core.TenantFromContext(ctx)
	if !ok {
		return nil, errNoTenant
	}
	return svc.store.Tenant(tenantID), nil
}

// atomically runs fn in one unit of work, retrying it when it loses a race against a concurrent one.
func (svc *Service) atomically(ctx context.Context, fn func(exec core.DBExecutor) error) error {
	return core.RetryWithBackoff(
		ctx,
		func() error { return svc.tx.WithinTx(ctx, fn) },
		core.WithMaxAttempts(svc.conf.Library.TxRetryAttempts),
		core.WithBaseDelay(svc.conf.Library.TxRetryBaseDelay),
	)
}

func now() time.Time {
	return core.NowFunc().UTC()
}

func newID() string {
	return uuid.New().String()
}

func appendNotes(notes, more string) string {
	switch {
	case more == "":
		return notes
	case notes == "":
		return more
	default:
		return notes + "\n" + more
	}
}

// Catalog

func (svc *Service) CreateBook(ctx context.Context, nb NewBook) (Book, error) {
	repo, err := svc.repo(ctx)
	if err != nil {
		return Book{}, err
	}

	tstamp := now()
	book, err := repo.CreateBook(ctx, Book{
		ID:              newID(),
		ISBN:            nb.ISBN,
		Barcode:         nb.Barcode,
		Title:           nb.Title,
		Author:          nb.Author,
		Publisher:       nb.Publisher,
		Category:        nb.Category,
		TotalCopies:     nb.TotalCopies,
		AvailableCopies: nb.TotalCopies,
		Condition:       nb.Condition,
		Status:          BookStatusActive,
		CreatedAt:       tstamp,
		UpdatedAt:       tstamp,
	})
	if err != nil {
		return Book{}, errors.Wrap(err, "creating book")
	}
	svc.invalidateStats(ctx, repo.TenantID())
	return book, nil
}

func (svc *Service) GetBook(ctx context.Context, id string) (Book, error) {
	repo, err := svc.repo(ctx)
	if err != nil {
		return Book{}, err
	}
	return repo.GetBook(ctx, id)
}

func (svc *Service) ListBooks(ctx context.Context, filter BookFilter) (BookList, error) {
	repo, err := svc.repo(ctx)
	if err != nil {
		return BookList{}, err
	}
	filter.Clean(svc.conf.Library)

	books, total, err := repo.QueryBooks(ctx, filter)
	if err != nil {
		return BookList{}, errors.Wrap(err, "querying books")
	}
	if books == nil {
		books = []Book{}
	}
	return BookList{Books: books, Pagination: core.NewPagination(filter.Page, filter.Limit, total)}, nil
}

// Circulation

// Issue lends a copy of a book to a user.
func (svc *Service) Issue(ctx context.Context, ib IssueBook) (Circulation, error) {
	repo, err := svc.repo(ctx)
	if err != nil {
		return Circulation{}, err
	}

	tstamp := now()
	dueDate := tstamp.Add(svc.conf.Library.LoanPeriod)
	if ib.DueDate != nil {
		dueDate = ib.DueDate.UTC()
	}

	var circ Circulation
	err = svc.atomically(ctx, func(exec core.DBExecutor) error {
		book, err := repo.LockBook(ctx, ib.BookID, exec)
		if err != nil {
			return err
		}
		if book.AvailableCopies <= 0 {
			return ErrNoCopiesAvailable
		}
		if _, err = repo.GetUser(ctx, ib.UserID, exec); err != nil {
			return err
		}
		borrowed, err := repo.HasBorrowed(ctx, book.ID, ib.UserID, exec)
		if err != nil {
			return err
		}
		if borrowed {
			return ErrAlreadyBorrowed
		}

		circ, err = repo.CreateCirculation(ctx, Circulation{
			ID:          newID(),
			BookID:      book.ID,
			UserID:      ib.UserID,
			UserType:    ib.UserType,
			BorrowDate:  tstamp,
			DueDate:     dueDate,
			MaxRenewals: svc.conf.Library.MaxRenewals,
			Status:      StatusBorrowed,
			Notes:       ib.Notes,
			CreatedAt:   tstamp,
			UpdatedAt:   tstamp,
		}, exec)
		if err != nil {
			return errors.Wrap(err, "creating circulation")
		}

		book.AvailableCopies--
		book.UpdatedAt = tstamp
		if _, err = repo.UpdateBook(ctx, book, exec); err != nil {
			return errors.Wrap(err, "updating book copies")
		}
		if _, err = repo.AdjustLibraryUser(ctx, ib.UserID, ib.UserType, 1, exec); err != nil {
			return errors.Wrap(err, "updating library user")
		}
		return nil
	})
	if err != nil {
		return Circulation{}, err
	}

	svc.invalidateStats(ctx, repo.TenantID())
	return circ, nil
}

// Return closes a loan, puts the copy back on the shelf and records any fine.
func (svc *Service) Return(ctx context.Context, circulationID string, rb ReturnBook) (Circulation, error) {
	repo, err := svc.repo(ctx)
	if err != nil {
		return Circulation{}, err
	}

	tstamp := now()
	var circ Circulation
	var book Book
	err = svc.atomically(ctx, func(exec core.DBExecutor) error {
		var err error
		circ, err = repo.LockCirculation(ctx, circulationID, exec)
		if err != nil {
			return err
		}
		if circ.Status != StatusBorrowed {
			return ErrCirculationNotFound
		}
		book, err = repo.LockBook(ctx, circ.BookID, exec)
		if err != nil {
			return err
		}

		overdue := circ.DueDate.Before(tstamp)
		circ.ReturnDate = &tstamp
		circ.Status = StatusReturned
		circ.FineAmount = rb.FineAmount
		circ.Notes = appendNotes(circ.Notes, rb.Notes)
		circ.UpdatedAt = tstamp
		if circ, err = repo.UpdateCirculation(ctx, circ, exec); err != nil {
			return errors.Wrap(err, "updating circulation")
		}

		if book.AvailableCopies < book.TotalCopies {
			book.AvailableCopies++
		}
		if rb.Condition != "" {
			book.Condition = rb.Condition
		}
		book.UpdatedAt = tstamp
		if book, err = repo.UpdateBook(ctx, book, exec); err != nil {
			return errors.Wrap(err, "updating book copies")
		}
		if _, err = repo.AdjustLibraryUser(ctx, circ.UserID, circ.UserType, -1, exec); err != nil {
			return errors.Wrap(err, "updating library user")
		}

		if rb.FineAmount > 0 {
			fine := Fine{
				ID:            newID(),
				CirculationID: circ.ID,
				UserID:        circ.UserID,
				Amount:        rb.FineAmount,
				FineType:      FineOther,
				Status:        FineUnpaid,
				Reason:        rb.Notes,
				CreatedAt:     tstamp,
			}
			if overdue {
				fine.FineType = FineOverdue
				if fine.Reason == "" {
					fine.Reason = fmt.Sprintf("returned %d day(s) late", daysBetween(circ.DueDate, tstamp))
				}
			}
			if _, err = repo.CreateFine(ctx, fine, exec); err != nil {
				return errors.Wrap(err, "creating fine")
			}
		}
		return nil
	})
	if err != nil {
		return Circulation{}, err
	}

	svc.invalidateStats(ctx, repo.TenantID())
	svc.notifyNextInQueue(ctx, repo, book)
	return circ, nil
}

// Renew pushes the due date of a loan, unless someone is waiting for the book.
func (svc *Service) Renew(ctx context.Context, circulationID string, rb RenewBook) (Circulation, error) {
	repo, err := svc.repo(ctx)
	if err != nil {
		return Circulation{}, err
	}

	tstamp := now()
	var circ Circulation
	err = svc.atomically(ctx, func(exec core.DBExecutor) error {
		var err error
		circ, err = repo.LockCirculation(ctx, circulationID, exec)
		if err != nil {
			return err
		}
		if circ.Status != StatusBorrowed {
			return ErrCirculationNotFound
		}
		if circ.RenewalCount >= circ.MaxRenewals {
			return ErrRenewalLimitReached
		}
		// serializes with reservations made on the same book
		if _, err = repo.LockBook(ctx, circ.BookID, exec); err != nil {
			return err
		}
		waiting, err := repo.CountActiveReservations(ctx, circ.BookID, exec)
		if err != nil {
			return err
		}
		if waiting > 0 {
			return ErrBookReserved
		}

		dueDate := circ.DueDate.Add(svc.conf.Library.LoanPeriod)
		if rb.NewDueDate != nil {
			if !rb.NewDueDate.After(circ.DueDate) {
				msg := "new due date must be after the current due date"
				return core.NewValidationError(errors.New(msg), core.FieldError{Field: "newDueDate", Error: msg})
			}
			dueDate = rb.NewDueDate.UTC()
		}

		circ.DueDate = dueDate
		circ.RenewalCount++
		circ.Notes = appendNotes(circ.Notes, rb.Notes)
		circ.UpdatedAt = tstamp
		circ, err = repo.UpdateCirculation(ctx, circ, exec)
		return errors.Wrap(err, "updating circulation")
	})
	if err != nil {
		return Circulation{}, err
	}

	svc.invalidateStats(ctx, repo.TenantID())
	return circ, nil
}

func (svc *Service) GetCirculation(ctx context.Context, id string) (Circulation, error) {
	repo, err := svc.repo(ctx)
	if err != nil {
		return Circulation{}, err
	}
	return repo.GetCirculation(ctx, id)
}

func (svc *Service) ListCirculations(ctx context.Context, filter CirculationFilter) (CirculationList, error) {
	repo, err := svc.repo(ctx)
	if err != nil {
		return CirculationList{}, err
	}
	filter.Clean(svc.conf.Library)

	circs, total, err := repo.QueryCirculations(ctx, filter, now())
	if err != nil {
		return CirculationList{}, errors.Wrap(err, "querying circulations")
	}
	if circs == nil {
		circs = []Circulation{}
	}
	return CirculationList{Circulations: circs, Pagination: core.NewPagination(filter.Page, filter.Limit, total)}, nil
}

func (svc *Service) GetLibraryUser(ctx context.Context, userID string) (LibraryUser, error) {
	repo, err := svc.repo(ctx)
	if err != nil {
		return LibraryUser{}, err
	}
	return repo.GetLibraryUser(ctx, userID)
}

func (svc *Service) CirculationFines(ctx context.Context, circulationID string) ([]Fine, error) {
	repo, err := svc.repo(ctx)
	if err != nil {
		return nil, err
	}
	return repo.QueryFines(ctx, circulationID)
}

// Reservations

// Reserve queues a user for a book that has no copy left.
func (svc *Service) Reserve(ctx context.Context, nr NewReservation) (Reservation, error) {
	repo, err := svc.repo(ctx)
	if err != nil {
		return Reservation{}, err
	}

	tstamp := now()
	var res Reservation
	err = svc.atomically(ctx, func(exec core.DBExecutor) error {
		book, err := repo.LockBook(ctx, nr.BookID, exec)
		if err != nil {
			return err
		}
		if book.AvailableCopies > 0 {
			return ErrBookAvailable
		}
		if _, err = repo.GetUser(ctx, nr.UserID, exec); err != nil {
			return err
		}
		reserved, err := repo.HasActiveReservation(ctx, book.ID, nr.UserID, exec)
		if err != nil {
			return err
		}
		if reserved {
			return ErrAlreadyReserved
		}
		maxPriority, err := repo.MaxActivePriority(ctx, book.ID, exec)
		if err != nil {
			return err
		}

		res, err = repo.CreateReservation(ctx, Reservation{
			ID:              newID(),
			BookID:          book.ID,
			UserID:          nr.UserID,
			UserType:        nr.UserType,
			ReservationDate: tstamp,
			ExpiryDate:      tstamp.Add(svc.conf.Library.ReservationExpiry),
			Status:          ReservationActive,
			Priority:        maxPriority + 1,
			Notes:           nr.Notes,
			CreatedAt:       tstamp,
			UpdatedAt:       tstamp,
		}, exec)
		return errors.Wrap(err, "creating reservation")
	})
	if err != nil {
		return Reservation{}, err
	}

	svc.invalidateStats(ctx, repo.TenantID())
	return res, nil
}

// Cancel cancels an active reservation. Only staff may cancel reservations of other users.
func (svc *Service) Cancel(ctx context.Context, reservationID string, actor Actor) (Reservation, error) {
	repo, err := svc.repo(ctx)
	if err != nil {
		return Reservation{}, err
	}

	var res Reservation
	err = svc.atomically(ctx, func(exec core.DBExecutor) error {
		var err error
		res, err = repo.LockReservation(ctx, reservationID, exec)
		if err != nil {
			return err
		}
		if res.Status != ReservationActive || !(actor.Staff || res.UserID == actor.UserID) {
			return ErrReservationNotFound
		}
		res.Status = ReservationCancelled
		res.UpdatedAt = now()
		res, err = repo.UpdateReservation(ctx, res, exec)
		return errors.Wrap(err, "cancelling reservation")
	})
	if err != nil {
		return Reservation{}, err
	}

	svc.invalidateStats(ctx, repo.TenantID())
	return res, nil
}

// Stats

func statsCacheKey(tenantID string) string {
	return "library:stats:" + tenantID
}

// Stats returns the tenant's circulation figures, served from cache when fresh.
func (svc *Service) Stats(ctx context.Context) (Stats, error) {
	repo, err := svc.repo(ctx)
	if err != nil {
		return Stats{}, err
	}

	key := statsCacheKey(repo.TenantID())
	var stats Stats
	if found, err := svc.cache.Get(ctx, key, &stats); err != nil {
		svc.logger.Warn(fmt.Sprintf("reading stats cache: %v", err), err)
	} else if found {
		return stats, nil
	}

	stats, err = repo.Stats(ctx, now(), svc.conf.Library.PopularBooks)
	if err != nil {
		return Stats{}, errors.Wrap(err, "computing stats")
	}
	if stats.PopularBooks == nil {
		stats.PopularBooks = []PopularBook{}
	}
	if err = svc.cache.Set(ctx, key, stats, svc.conf.Cache.StatsTTL); err != nil {
		svc.logger.Warn(fmt.Sprintf("writing stats cache: %v", err), err)
	}
	return stats, nil
}

func (svc *Service) invalidateStats(ctx context.Context, tenantID string) {
	if err := svc.cache.Delete(ctx, statsCacheKey(tenantID)); err != nil {
		svc.logger.Warn(fmt.Sprintf("invalidating stats cache: %v", err), err)
	}
}

// Notifications

type (
	bookAvailableData struct {
		Name       string
		BookTitle  string
		Priority   int
		ExpiryDate string
	}

	overdueNoticeData struct {
		Name        string
		BookTitle   string
		DueDate     string
		DaysOverdue int
	}
)

// notifyNextInQueue tells the first user waiting for the book that a copy is back.
// The reservation itself stays ACTIVE; lending the copy is up to the librarian.
func (svc *Service) notifyNextInQueue(ctx context.Context, repo Repository, book Book) {
	res, err := repo.NextReservation(ctx, book.ID)
	if err != nil {
		if errors.Cause(err) != ErrReservationNotFound {
			svc.logger.Error(fmt.Sprintf("finding next reservation: %v", err), err)
		}
		return
	}
	usr, err := repo.GetUser(ctx, res.UserID)
	if err != nil {
		svc.logger.Error(fmt.Sprintf("finding reserving user: %v", err), err)
		return
	}
	if usr.Email == "" {
		return
	}

	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:           []mail.Address{{Name: usr.Name, Address: usr.Email}},
		Subject:      "A book you reserved is available",
		TemplateName: "book_available",
		TemplateData: bookAvailableData{
			Name:       usr.Name,
			BookTitle:  book.Title,
			Priority:   res.Priority,
			ExpiryDate: res.ExpiryDate.Format("02 Jan 2006"),
		},
	})
}

// OverdueLoans lists every borrowed book of the tenant past its due date, most overdue first.
func (svc *Service) OverdueLoans(ctx context.Context) ([]OverdueLoan, error) {
	repo, err := svc.repo(ctx)
	if err != nil {
		return nil, err
	}

	tstamp := now()
	circs, _, err := repo.QueryCirculations(ctx, CirculationFilter{Status: StatusBorrowed, Overdue: true}, tstamp)
	if err != nil {
		return nil, errors.Wrap(err, "querying overdue circulations")
	}

	books := make(map[string]Book)
	users := make(map[string]User)
	loans := make([]OverdueLoan, 0, len(circs))
	for _, circ := range circs {
		book, ok := books[circ.BookID]
		if !ok {
			if book, err = repo.GetBook(ctx, circ.BookID); err != nil {
				return nil, errors.Wrap(err, "finding overdue book")
			}
			books[circ.BookID] = book
		}
		usr, ok := users[circ.UserID]
		if !ok {
			if usr, err = repo.GetUser(ctx, circ.UserID); err != nil {
				return nil, errors.Wrap(err, "finding overdue borrower")
			}
			users[circ.UserID] = usr
		}
		loans = append(loans, OverdueLoan{
			Circulation: circ,
			Book:        book,
			User:        usr,
			DaysOverdue: daysBetween(circ.DueDate, tstamp),
		})
	}
	return loans, nil
}

// SendOverdueNotices emails each borrower of the loans; it returns the number of notices sent.
func (svc *Service) SendOverdueNotices(loans []OverdueLoan) int {
	reachable := lo.Filter(loans, func(l OverdueLoan, _ int) bool { return l.User.Email != "" })
	messages := lo.Map(reachable, func(l OverdueLoan, _ int) *core.EmailMessage {
		return &core.EmailMessage{
			To:           []mail.Address{{Name: l.User.Name, Address: l.User.Email}},
			Subject:      fmt.Sprintf("Overdue: %s", l.Book.Title),
			TemplateName: "overdue_notice",
			TemplateData: overdueNoticeData{
				Name:        l.User.Name,
				BookTitle:   l.Book.Title,
				DueDate:     l.Circulation.DueDate.Format("02 Jan 2006"),
				DaysOverdue: l.DaysOverdue,
			},
		}
	})
	svc.mailSvc.SendMessages(messages...)
	return len(messages)
}

// CreateUser registers a tenant member able to borrow books.
func (svc *Service) CreateUser(ctx context.Context, name, email, userType string) (User, error) {
	repo, err := svc.repo(ctx)
	if err != nil {
		return User{}, err
	}
	usr, err := repo.CreateUser(ctx, User{
		ID:        newID(),
		Name:      core.CleanString(name),
		Email:     core.CleanString(email, true /* lower */),
		UserType:  userType,
		IsActive:  true,
		CreatedAt: now(),
	})
	return usr, errors.Wrap(err, "creating user")
}

// GetUser returns the tenant member with the given ID.
func (svc *Service) GetUser(ctx context.Context, id string) (User, error) {
	repo, err := svc.repo(ctx)
	if err != nil {
		return User{}, err
	}
	return repo.GetUser(ctx, id)
}
