package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// RequestIDHeader is the header carrying the request id, both inbound
// (a caller-supplied correlation id) and outbound (echoed back).
const RequestIDHeader = "X-Request-ID"

// RequestID assigns every request a correlation id, reusing one supplied by
// the caller via RequestIDHeader and otherwise minting a new UUID. The id is
// stashed in the echo context under "request_id" for Logger/Audit/Recovery
// to pick up, and echoed on the response header.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(RequestIDHeader)
			if rid == "" {
				rid = uuid.NewString()
			}
			c.Set("request_id", rid)
			c.Response().Header().Set(RequestIDHeader, rid)
			return next(c)
		}
	}
}
