package gateway

import (
	"errors"

	"github.com/mbeoliero/chatsync/pkg/errcode"
)

// Gateway errors. Those sent back to clients carry an errcode.
var (
	ErrConnClosed       = errcode.ErrConnClosed
	ErrWriteChannelFull = errcode.ErrPushFailed
	ErrUserIdMismatch   = errcode.ErrTokenMismatch
	ErrPanic            = errors.New("panic in read loop")
)
