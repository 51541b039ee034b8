package core

import "github.com/pkg/errors"

// ErrTxConflict is returned when a unit of work lost a race against another one (serialization failure, deadlock).
// Operations failing with it can safely be retried.
var ErrTxConflict = errors.New("transaction conflict")

// FieldError is used to indicate an error with a specific struct field.
type FieldError struct {
	Field string
	Error string
}

type ValidationError struct {
	Err    error
	Fields []FieldError
}

func NewValidationError(err error, flds ...FieldError) error {
	return &ValidationError{err, flds}
}

func (err ValidationError) Error() string {
	if err.Err == nil {
		return ""
	}
	return err.Err.Error()
}

// NotFoundError reports a tenant resource that does not exist (or is not visible to the caller).
type NotFoundError struct {
	message string
}

func NewNotFoundError(msg string) error {
	return &NotFoundError{message: msg}
}

func (e NotFoundError) Error() string {
	return e.message
}

// ConflictError reports a uniqueness violation, eg. a second active loan of the same book.
type ConflictError struct {
	message string
}

func NewConflictError(msg string) error {
	return &ConflictError{message: msg}
}

func (e ConflictError) Error() string {
	return e.message
}

// RuleError reports a business rule violation, eg. no copies left to issue.
type RuleError struct {
	message string
}

func NewRuleError(msg string) error {
	return &RuleError{message: msg}
}

func (e RuleError) Error() string {
	return e.message
}

type shutdown struct {
	message string
}

func NewShutdownError(msg string) error {
	return &shutdown{message: msg}
}

func (s shutdown) Error() string {
	return s.message
}

func IsShutdown(err error) bool {
	_, ok := errors.Cause(err).(*shutdown)
	return ok
}
