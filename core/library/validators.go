package library

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Haizard/mult-tenant-school-sub002/core"
)

type (
	NewBook struct {
		ISBN        string `json:"isbn" validate:"omitempty,isbn"`
		Barcode     string `json:"barcode" validate:"omitempty,barcode,max=64"`
		Title       string `json:"title" validate:"required,max=255"`
		Author      string `json:"author" validate:"required,max=255"`
		Publisher   string `json:"publisher" validate:"max=255"`
		Category    string `json:"category" validate:"max=100"`
		TotalCopies int    `json:"totalCopies" validate:"gte=0"`
		Condition   string `json:"condition" validate:"omitempty,oneof=NEW GOOD FAIR POOR DAMAGED"`
	}

	IssueBook struct {
		BookID   string     `json:"bookId" validate:"required,uuid"`
		UserID   string     `json:"userId" validate:"required,uuid"`
		UserType string     `json:"userType" validate:"required,oneof=STUDENT TEACHER STAFF"`
		DueDate  *time.Time `json:"dueDate"`
		Notes    string     `json:"notes" validate:"max=1000"`
	}

	ReturnBook struct {
		Condition  string  `json:"condition" validate:"omitempty,oneof=NEW GOOD FAIR POOR DAMAGED"`
		Notes      string  `json:"notes" validate:"max=1000"`
		FineAmount float64 `json:"fineAmount" validate:"gte=0"`
	}

	RenewBook struct {
		NewDueDate *time.Time `json:"newDueDate"`
		Notes      string     `json:"notes" validate:"max=1000"`
	}

	NewReservation struct {
		BookID   string `json:"bookId" validate:"required,uuid"`
		UserID   string `json:"userId" validate:"required,uuid"`
		UserType string `json:"userType" validate:"required,oneof=STUDENT TEACHER STAFF"`
		Notes    string `json:"notes" validate:"max=1000"`
	}

	// Actor is the authenticated user performing an operation.
	Actor struct {
		UserID string
		Staff  bool
	}
)

func (nb *NewBook) Validate(validate *validator.Validate) error {
	nb.ISBN = core.CleanString(nb.ISBN)
	nb.Barcode = core.CleanString(nb.Barcode)
	nb.Title = core.CleanString(nb.Title)
	nb.Author = core.CleanString(nb.Author)
	nb.Publisher = core.CleanString(nb.Publisher)
	nb.Category = core.CleanString(nb.Category)
	if nb.Condition == "" {
		nb.Condition = ConditionGood
	}
	return validate.Struct(nb)
}

func (ib *IssueBook) Validate(validate *validator.Validate) error {
	ib.BookID = core.CleanString(ib.BookID, true /* lower */)
	ib.UserID = core.CleanString(ib.UserID, true /* lower */)
	ib.UserType = core.CleanString(ib.UserType)
	ib.Notes = core.CleanString(ib.Notes)
	if err := validate.Struct(ib); err != nil {
		return err
	}
	if ib.DueDate != nil && !ib.DueDate.After(core.NowFunc()) {
		return core.NewValidationError(errInvalidDueDate, core.FieldError{Field: "dueDate", Error: errInvalidDueDate.Error()})
	}
	return nil
}

func (rb *ReturnBook) Validate(validate *validator.Validate) error {
	rb.Notes = core.CleanString(rb.Notes)
	return validate.Struct(rb)
}

func (rb *RenewBook) Validate(validate *validator.Validate) error {
	rb.Notes = core.CleanString(rb.Notes)
	return validate.Struct(rb)
}

func (nr *NewReservation) Validate(validate *validator.Validate) error {
	nr.BookID = core.CleanString(nr.BookID, true /* lower */)
	nr.UserID = core.CleanString(nr.UserID, true /* lower */)
	nr.UserType = core.CleanString(nr.UserType)
	nr.Notes = core.CleanString(nr.Notes)
	return validate.Struct(nr)
}
