package library

import (
	"math"
	"time"

	"github.com/Haizard/mult-tenant-school-sub002/core"
)

// Circulation statuses
const (
	StatusBorrowed = "BORROWED"
	StatusReturned = "RETURNED"
)

// Reservation statuses
const (
	ReservationActive    = "ACTIVE"
	ReservationCancelled = "CANCELLED"
	ReservationFulfilled = "FULFILLED"
)

// Fines
const (
	FineOverdue = "OVERDUE"
	FineOther   = "OTHER"

	FineUnpaid = "UNPAID"
	FinePaid   = "PAID"
)

// Borrower types
const (
	UserTypeStudent = "STUDENT"
	UserTypeTeacher = "TEACHER"
	UserTypeStaff   = "STAFF"
)

// Book statuses & conditions
const (
	BookStatusActive   = "ACTIVE"
	BookStatusInactive = "INACTIVE"
	BookStatusLost     = "LOST"

	ConditionNew     = "NEW"
	ConditionGood    = "GOOD"
	ConditionFair    = "FAIR"
	ConditionPoor    = "POOR"
	ConditionDamaged = "DAMAGED"
)

type (
	Book struct {
		ID              string    `json:"id" db:"id"`
		TenantID        string    `json:"tenantId" db:"tenant_id"`
		ISBN            string    `json:"isbn" db:"isbn"`
		Barcode         string    `json:"barcode" db:"barcode"`
		Title           string    `json:"title" db:"title"`
		Author          string    `json:"author" db:"author"`
		Publisher       string    `json:"publisher" db:"publisher"`
		Category        string    `json:"category" db:"category"`
		TotalCopies     int       `json:"totalCopies" db:"total_copies"`
		AvailableCopies int       `json:"availableCopies" db:"available_copies"`
		Condition       string    `json:"condition" db:"condition"`
		Status          string    `json:"status" db:"status"`
		CreatedAt       time.Time `json:"createdAt" db:"created_at"`
		UpdatedAt       time.Time `json:"updatedAt" db:"updated_at"`
	}

	// Circulation is one borrow-to-return lifecycle of a book by a borrower.
	Circulation struct {
		ID           string     `json:"id" db:"id"`
		TenantID     string     `json:"tenantId" db:"tenant_id"`
		BookID       string     `json:"bookId" db:"book_id"`
		UserID       string     `json:"userId" db:"user_id"`
		UserType     string     `json:"userType" db:"user_type"`
		BorrowDate   time.Time  `json:"borrowDate" db:"borrow_date"`
		DueDate      time.Time  `json:"dueDate" db:"due_date"`
		ReturnDate   *time.Time `json:"returnDate" db:"return_date"`
		RenewalCount int        `json:"renewalCount" db:"renewal_count"`
		MaxRenewals  int        `json:"maxRenewals" db:"max_renewals"`
		Status       string     `json:"status" db:"status"`
		FineAmount   float64    `json:"fineAmount" db:"fine_amount"`
		Notes        string     `json:"notes" db:"notes"`
		CreatedAt    time.Time  `json:"createdAt" db:"created_at"`
		UpdatedAt    time.Time  `json:"updatedAt" db:"updated_at"`
	}

	// Reservation is a queued claim on a book with no copy left.
	Reservation struct {
		ID              string    `json:"id" db:"id"`
		TenantID        string    `json:"tenantId" db:"tenant_id"`
		BookID          string    `json:"bookId" db:"book_id"`
		UserID          string    `json:"userId" db:"user_id"`
		UserType        string    `json:"userType" db:"user_type"`
		ReservationDate time.Time `json:"reservationDate" db:"reservation_date"`
		ExpiryDate      time.Time `json:"expiryDate" db:"expiry_date"`
		Status          string    `json:"status" db:"status"`
		Priority        int       `json:"priority" db:"priority"`
		Notes           string    `json:"notes" db:"notes"`
		CreatedAt       time.Time `json:"createdAt" db:"created_at"`
		UpdatedAt       time.Time `json:"updatedAt" db:"updated_at"`
	}

	Fine struct {
		ID            string    `json:"id" db:"id"`
		TenantID      string    `json:"tenantId" db:"tenant_id"`
		CirculationID string    `json:"circulationId" db:"circulation_id"`
		UserID        string    `json:"userId" db:"user_id"`
		Amount        float64   `json:"amount" db:"amount"`
		FineType      string    `json:"fineType" db:"fine_type"`
		Status        string    `json:"status" db:"status"`
		Reason        string    `json:"reason" db:"reason"`
		CreatedAt     time.Time `json:"createdAt" db:"created_at"`
	}

	// LibraryUser aggregates the borrowing activity of one user.
	LibraryUser struct {
		TenantID        string    `json:"tenantId" db:"tenant_id"`
		UserID          string    `json:"userId" db:"user_id"`
		UserType        string    `json:"userType" db:"user_type"`
		CurrentBorrowed int       `json:"currentBorrowed" db:"current_borrowed"`
		TotalBorrowed   int       `json:"totalBorrowed" db:"total_borrowed"`
		UpdatedAt       time.Time `json:"updatedAt" db:"updated_at"`
	}

	// User is a tenant member who may borrow books.
	User struct {
		ID        string    `json:"id" db:"id"`
		TenantID  string    `json:"tenantId" db:"tenant_id"`
		Name      string    `json:"name" db:"name"`
		Email     string    `json:"email" db:"email"`
		UserType  string    `json:"userType" db:"user_type"`
		IsActive  bool      `json:"isActive" db:"is_active"`
		CreatedAt time.Time `json:"createdAt" db:"created_at"`
	}

	PopularBook struct {
		BookID       string `json:"bookId" db:"book_id"`
		Title        string `json:"title" db:"title"`
		Author       string `json:"author" db:"author"`
		Circulations int    `json:"circulations" db:"circulations"`
	}

	Stats struct {
		TotalBooks         int           `json:"totalBooks"`
		TotalCopies        int           `json:"totalCopies"`
		AvailableBooks     int           `json:"availableBooks"`
		BorrowedBooks      int           `json:"borrowedBooks"`
		OverdueBooks       int           `json:"overdueBooks"`
		ActiveReservations int           `json:"activeReservations"`
		UnpaidFines        int           `json:"unpaidFines"`
		UnpaidFinesAmount  float64       `json:"unpaidFinesAmount"`
		PopularBooks       []PopularBook `json:"popularBooks"`
	}

	// OverdueLoan is a borrowed book past its due date, with the data needed to chase it.
	OverdueLoan struct {
		Circulation Circulation `json:"circulation"`
		Book        Book        `json:"book"`
		User        User        `json:"user"`
		DaysOverdue int         `json:"daysOverdue"`
	}

	BookList struct {
		Books      []Book          `json:"books"`
		Pagination core.Pagination `json:"pagination"`
	}

	CirculationList struct {
		Circulations []Circulation  `json:"circulations"`
		Pagination   core.Pagination `json:"pagination"`
	}
)

// IsOverdue reports whether the book is still out past its due date.
func (c Circulation) IsOverdue(now time.Time) bool {
	return c.Status == StatusBorrowed && c.DueDate.Before(now)
}

func daysBetween(from, to time.Time) int {
	return int(math.Ceil(to.Sub(from).Hours() / 24))
}

type BookFilter struct {
	Search   string `query:"search"`
	Category string `query:"category"`
	Status   string `query:"status"`
	Page     int    `query:"page"`
	Limit    int    `query:"limit"`
}

// Clean normalizes the filter and bounds its paging.
func (f *BookFilter) Clean(conf core.LibraryConfig) {
	f.Search = core.CleanString(f.Search)
	f.Category = core.CleanString(f.Category)
	f.Status = core.CleanString(f.Status)
	f.Page, f.Limit = cleanPaging(f.Page, f.Limit, conf)
}

type CirculationFilter struct {
	Status  string `query:"status"`
	UserID  string `query:"userId"`
	BookID  string `query:"bookId"`
	Overdue bool   `query:"overdue"`
	Page    int    `query:"page"`
	Limit   int    `query:"limit"` // 0 = no limit
}

func (f *CirculationFilter) Clean(conf core.LibraryConfig) {
	f.Status = core.CleanString(f.Status)
	f.UserID = core.CleanString(f.UserID)
	f.BookID = core.CleanString(f.BookID)
	f.Page, f.Limit = cleanPaging(f.Page, f.Limit, conf)
}

func cleanPaging(page, limit int, conf core.LibraryConfig) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = conf.DefaultPageSize
	}
	if limit > conf.MaxPageSize {
		limit = conf.MaxPageSize
	}
	return page, limit
}
