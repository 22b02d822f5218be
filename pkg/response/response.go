package response

import (
	"context"
	"net/http"

	"github.com/cloudwego/hertz/pkg/app"

	"github.com/mbeoliero/chatsync/pkg/errcode"
)

// Response is the envelope of every API reply
type Response struct {
	Code int         `json:"code"`
	Msg  string      `json:"msg"`
	Data interface{} `json:"data,omitempty"`
}

// Success replies with data and code 0
func Success(ctx context.Context, c *app.RequestContext, data interface{}) {
	c.JSON(http.StatusOK, Response{Code: errcode.ErrSuccess.Code, Msg: errcode.ErrSuccess.Msg, Data: data})
}

// Error replies with the business error carried by err. Errors without a code are
// reported as internal errors and their text is not exposed.
func Error(ctx context.Context, c *app.RequestContext, err error) {
	e, ok := errcode.As(err)
	if !ok {
		e = errcode.ErrInternalServer
	}
	ErrorWithCode(ctx, c, e)
}

// ErrorWithCode replies with e
func ErrorWithCode(ctx context.Context, c *app.RequestContext, e *errcode.Error) {
	c.JSON(StatusOf(e), Response{Code: e.Code, Msg: e.Msg})
}

// StatusOf maps a business error to its HTTP status. Credential problems are 401,
// permission denials 403; everything else travels as 200 with a non-zero code.
func StatusOf(e *errcode.Error) int {
	switch {
	case e == nil:
		return http.StatusOK
	case e.Is(errcode.ErrUnauthorized), e.Is(errcode.ErrTokenInvalid), e.Is(errcode.ErrTokenExpired),
		e.Is(errcode.ErrTokenMissing), e.Is(errcode.ErrTokenMismatch):
		return http.StatusUnauthorized
	case errcode.IsPermissionDenial(e):
		return http.StatusForbidden
	default:
		return http.StatusOK
	}
}
