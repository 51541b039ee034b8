package echoapi

import (
	"net/http"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/Haizard/mult-tenant-school-sub002/core"
)

const msgValidationFailed = "validation failed"

var (
	errUnauthorized  = echo.NewHTTPError(http.StatusUnauthorized, "user not authenticated")
	errHttpForbidden = echo.NewHTTPError(http.StatusForbidden, "permission denied")
)

// newAppHTTPErrorHandler returns a custom echo.HTTPErrorHandler that knows how to handle our errors.
// signalShutdown is called in order to gracefully shutdown the Server whenever a core.shutdown error is caught.
func newAppHTTPErrorHandler(logger core.Logger, translator ut.Translator, signalShutdown func()) echo.HTTPErrorHandler {
	return func(err error, ctx echo.Context) {
		code := http.StatusInternalServerError
		res := response{Message: http.StatusText(http.StatusInternalServerError)}

		cause := errors.Cause(err)
		if cause == core.ErrTxConflict {
			code = http.StatusConflict
			res.Message = "the request conflicted with a concurrent one, please retry"
		} else {
			switch origErr := cause.(type) {
			case *echo.HTTPError:
				if origErr == middleware.ErrJWTMissing {
					code = http.StatusUnauthorized
					res.Message = origErr.Message
					break
				}
				if origErr.Internal != nil {
					if herr, ok := origErr.Internal.(*echo.HTTPError); ok {
						origErr = herr
					}
				}
				code = origErr.Code
				res.Message = origErr.Message
			case validator.ValidationErrors:
				code = http.StatusBadRequest
				res.Message = msgValidationFailed
				res.Error = core.TranslateValidationErrors(origErr, translator)
			case *core.ValidationError:
				code = http.StatusBadRequest
				res.Message = origErr.Error()
				if origErr.Fields != nil {
					fldErrs := make(map[string]string, len(origErr.Fields))
					for _, fErr := range origErr.Fields {
						fldErrs[fErr.Field] = fErr.Error
					}
					res.Error = fldErrs
				}
				if res.Message == "" {
					res.Message = msgValidationFailed
				}
			case *core.NotFoundError:
				code = http.StatusNotFound
				res.Message = origErr.Error()
			case *core.ConflictError:
				code = http.StatusConflict
				res.Message = origErr.Error()
			case *core.RuleError:
				code = http.StatusBadRequest
				res.Message = origErr.Error()
			default: // any other error is a server error
				msg := http.StatusText(http.StatusInternalServerError)
				args := []interface{}{errors.Wrap(err, msg)}
				if claims, cErr := getContextClaims(ctx); cErr == nil {
					args = append(args, claims.Principal())
				}
				logger.Error(msg, args...)

				if ctx.Echo().Debug {
					res.Message = err.Error()
				}

				// shutting down...
				if core.IsShutdown(err) {
					signalShutdown()
				}
			}
		}

		// Send response
		if !ctx.Response().Committed {
			if ctx.Request().Method == http.MethodHead { // Issue #608
				err = ctx.NoContent(code)
			} else {
				err = ctx.JSON(code, res)
			}
			if err != nil {
				ctx.Echo().Logger.Error(err)
			}
		}
	}
}
