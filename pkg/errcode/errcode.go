package errcode

import (
	"errors"
	"fmt"
)

// Error represents a business error
type Error struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("errcode: %d, msg: %s", e.Code, e.Msg)
}

// New creates a new error with code and message
func New(code int, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Wrap wraps an error with additional context
func (e *Error) Wrap(err error) *Error {
	if err == nil {
		return e
	}
	return &Error{
		Code: e.Code,
		Msg:  fmt.Sprintf("%s: %v", e.Msg, err),
	}
}

// Is reports whether target carries the same code, so wrapped copies still match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// As extracts a business error from err, if any
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsPermissionDenial reports whether err is a rejection that must be shown to the user
// before any optimistic state is created.
func IsPermissionDenial(err error) bool {
	e, ok := As(err)
	if !ok {
		return false
	}
	switch e.Code {
	case ErrForbidden.Code, ErrNoPermission.Code, ErrChannelArchived.Code, ErrNotChannelMember.Code,
		ErrPostingDenied.Code, ErrNotMessageAuthor.Code, ErrDeleteDenied.Code, ErrEditWindowExpired.Code:
		return true
	}
	return false
}

// Common error codes
var (
	// Success
	ErrSuccess = New(0, "success")

	// Common errors (1xxx)
	ErrInvalidParam    = New(1001, "invalid parameter")
	ErrInternalServer  = New(1002, "internal server error")
	ErrUnauthorized    = New(1003, "unauthorized")
	ErrForbidden       = New(1004, "forbidden")
	ErrNotFound        = New(1005, "not found")
	ErrTooManyRequests = New(1006, "too many requests")
	ErrNoPermission    = New(1007, "no permission to access this resource")

	// Auth errors (2xxx)
	ErrTokenInvalid  = New(2001, "token invalid")
	ErrTokenExpired  = New(2002, "token expired")
	ErrTokenMissing  = New(2003, "token missing")
	ErrTokenMismatch = New(2004, "token user mismatch")

	// Channel errors (3xxx)
	ErrChannelNotFound     = New(3001, "channel not found")
	ErrChannelArchived     = New(3002, "channel is archived")
	ErrNotChannelMember    = New(3003, "not a channel member")
	ErrPostingDenied       = New(3004, "no posting permission in this channel")
	ErrCannotRemoveCreator = New(3005, "cannot remove the channel creator")
	ErrCannotJoinArchived  = New(3006, "cannot join an archived channel")
	ErrNotWorkspaceAdmin   = New(3007, "not a workspace admin")

	// Message errors (4xxx)
	ErrMessageNotFound    = New(4001, "message not found")
	ErrMessageEmpty       = New(4002, "message cannot be empty")
	ErrSendFailed         = New(4003, "failed to send message")
	ErrNotMessageAuthor   = New(4004, "not your message")
	ErrEditWindowExpired  = New(4005, "can only edit messages within the edit window")
	ErrDeleteDenied       = New(4006, "not authorized to delete this message")
	ErrAlreadySent        = New(4007, "message already sent")
	ErrUploadFailed       = New(4008, "attachment upload failed")
	ErrEnvelopeNotFound   = New(4009, "pending message not found")
	ErrEnvelopeNotRetried = New(4010, "message is not in error state")

	// Notification errors (5xxx)
	ErrNotificationNotFound = New(5001, "notification not found")

	// WebSocket errors (6xxx)
	ErrConnOverLimit   = New(6001, "connection over max limit")
	ErrConnClosed      = New(6002, "connection closed")
	ErrInvalidProtocol = New(6003, "invalid protocol")
	ErrPushFailed      = New(6004, "push message failed")
	ErrSessionClosed   = New(6005, "session closed")
)
