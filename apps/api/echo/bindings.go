package echoapi

import (
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/Haizard/mult-tenant-school-sub002/core"
	"github.com/Haizard/mult-tenant-school-sub002/core/library"
)

var errInvalidQuery = errors.New("invalid query parameters")

type queryParams struct {
	ctx    echo.Context
	fields []core.FieldError
}

func (q *queryParams) str(name string) string {
	return q.ctx.QueryParam(name)
}

func (q *queryParams) int(name string) int {
	val := q.ctx.QueryParam(name)
	if val == "" {
		return 0
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		q.fields = append(q.fields, core.FieldError{Field: name, Error: "must be a number"})
	}
	return n
}

func (q *queryParams) id(name string) string {
	val := q.ctx.QueryParam(name)
	if val == "" {
		return ""
	}
	id, err := uuid.Parse(val)
	if err != nil {
		q.fields = append(q.fields, core.FieldError{Field: name, Error: "must be a valid ID"})
		return ""
	}
	return id.String()
}

func (q *queryParams) bool(name string) bool {
	val := q.ctx.QueryParam(name)
	if val == "" {
		return false
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		q.fields = append(q.fields, core.FieldError{Field: name, Error: "must be a boolean"})
	}
	return b
}

func (q *queryParams) err() error {
	if len(q.fields) == 0 {
		return nil
	}
	return core.NewValidationError(errInvalidQuery, q.fields...)
}

func bindBookFilter(ctx echo.Context) (library.BookFilter, error) {
	q := queryParams{ctx: ctx}
	filter := library.BookFilter{
		Search:   q.str("search"),
		Category: q.str("category"),
		Status:   q.str("status"),
		Page:     q.int("page"),
		Limit:    q.int("limit"),
	}
	return filter, q.err()
}

func bindCirculationFilter(ctx echo.Context) (library.CirculationFilter, error) {
	q := queryParams{ctx: ctx}
	filter := library.CirculationFilter{
		Status:  q.str("status"),
		UserID:  q.id("userId"),
		BookID:  q.id("bookId"),
		Overdue: q.bool("overdue"),
		Page:    q.int("page"),
		Limit:   q.int("limit"),
	}
	return filter, q.err()
}

// pathID returns the `:id` path param, or notFound when it cannot identify any record.
func pathID(ctx echo.Context, notFound error) (string, error) {
	id, err := uuid.Parse(ctx.Param("id"))
	if err != nil {
		return "", notFound
	}
	return id.String(), nil
}
