package echoapi

import "github.com/labstack/echo/v4"

// response is the envelope of every API reply.
type response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message interface{} `json:"message,omitempty"`
	Error   interface{} `json:"error,omitempty"`
}

func respond(ctx echo.Context, code int, data interface{}, message ...string) error {
	res := response{Success: true, Data: data}
	if len(message) > 0 {
		res.Message = message[0]
	}
	return ctx.JSON(code, res)
}
