package echoapi

import (
	"net/http"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/Haizard/mult-tenant-school-sub002/core/library"
)

type libraryApi struct {
	svc        *library.Service
	validate   *validator.Validate
	translator ut.Translator
}

func registerLibraryAPI(
	g *echo.Group,
	jwt echo.MiddlewareFunc,
	svc *library.Service,
	validate *validator.Validate,
	translator ut.Translator,
) {
	api := libraryApi{
		svc:        svc,
		validate:   validate,
		translator: translator,
	}

	lg := g.Group("/library", jwt, tenantMiddleware)

	lg.GET("/books", api.queryBooks)
	lg.POST("/books", api.createBook, staffMiddleware)
	lg.GET("/books/:id", api.retrieveBook)

	cg := lg.Group("/circulations", staffMiddleware)
	cg.GET("", api.queryCirculations)
	cg.POST("/issue", api.issue)
	cg.PUT("/:id/return", api.returnBook)
	cg.PUT("/:id/renew", api.renew)

	rg := lg.Group("/reservations")
	rg.POST("", api.reserve)
	rg.PUT("/:id/cancel", api.cancel)

	lg.GET("/stats", api.stats)
}

// Catalog

func (api *libraryApi) queryBooks(ctx echo.Context) error {
	filter, err := bindBookFilter(ctx)
	if err != nil {
		return err
	}
	books, err := api.svc.ListBooks(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "querying books")
	}
	return respond(ctx, http.StatusOK, books)
}

func (api *libraryApi) createBook(ctx echo.Context) error {
	var data library.NewBook
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewBook")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	book, err := api.svc.CreateBook(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "creating book")
	}
	return respond(ctx, http.StatusCreated, book, "Book created successfully")
}

func (api *libraryApi) retrieveBook(ctx echo.Context) error {
	id, err := pathID(ctx, library.ErrBookNotFound)
	if err != nil {
		return err
	}
	book, err := api.svc.GetBook(ctx.Request().Context(), id)
	if err != nil {
		return errors.Wrap(err, "getting book")
	}
	return respond(ctx, http.StatusOK, book)
}

// Circulation

func (api *libraryApi) queryCirculations(ctx echo.Context) error {
	filter, err := bindCirculationFilter(ctx)
	if err != nil {
		return err
	}
	circs, err := api.svc.ListCirculations(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "querying circulations")
	}
	return respond(ctx, http.StatusOK, circs)
}

func (api *libraryApi) issue(ctx echo.Context) error {
	var data library.IssueBook
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to IssueBook")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	circ, err := api.svc.Issue(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "issuing book")
	}
	return respond(ctx, http.StatusCreated, circ, "Book issued successfully")
}

func (api *libraryApi) returnBook(ctx echo.Context) error {
	id, err := pathID(ctx, library.ErrCirculationNotFound)
	if err != nil {
		return err
	}
	var data library.ReturnBook
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ReturnBook")
	}
	if err = data.Validate(api.validate); err != nil {
		return err
	}

	circ, err := api.svc.Return(ctx.Request().Context(), id, data)
	if err != nil {
		return errors.Wrap(err, "returning book")
	}
	return respond(ctx, http.StatusOK, circ, "Book returned successfully")
}

func (api *libraryApi) renew(ctx echo.Context) error {
	id, err := pathID(ctx, library.ErrCirculationNotFound)
	if err != nil {
		return err
	}
	var data library.RenewBook
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to RenewBook")
	}
	if err = data.Validate(api.validate); err != nil {
		return err
	}

	circ, err := api.svc.Renew(ctx.Request().Context(), id, data)
	if err != nil {
		return errors.Wrap(err, "renewing book")
	}
	return respond(ctx, http.StatusOK, circ, "Book renewed successfully")
}

// Reservations

func (api *libraryApi) reserve(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}
	var data library.NewReservation
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewReservation")
	}
	if err = data.Validate(api.validate); err != nil {
		return err
	}
	// borrowers may only reserve for themselves
	if data.UserID != claims.Subject && !claims.IsStaff() {
		return errHttpForbidden
	}

	res, err := api.svc.Reserve(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "reserving book")
	}
	return respond(ctx, http.StatusCreated, res, "Book reserved successfully")
}

func (api *libraryApi) cancel(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}
	id, err := pathID(ctx, library.ErrReservationNotFound)
	if err != nil {
		return err
	}

	actor := library.Actor{UserID: claims.Subject, Staff: claims.IsStaff()}
	res, err := api.svc.Cancel(ctx.Request().Context(), id, actor)
	if err != nil {
		return errors.Wrap(err, "cancelling reservation")
	}
	return respond(ctx, http.StatusOK, res, "Reservation cancelled successfully")
}

func (api *libraryApi) stats(ctx echo.Context) error {
	stats, err := api.svc.Stats(ctx.Request().Context())
	if err != nil {
		return errors.Wrap(err, "getting library stats")
	}
	return respond(ctx, http.StatusOK, stats)
}
