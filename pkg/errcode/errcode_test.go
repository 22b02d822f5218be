package errcode

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapKeepsCode(t *testing.T) {
	wrapped := ErrSendFailed.Wrap(errors.New("connection reset"))
	assert.Equal(t, ErrSendFailed.Code, wrapped.Code)
	assert.Contains(t, wrapped.Msg, "connection reset")
	assert.True(t, errors.Is(wrapped, ErrSendFailed))
	assert.Same(t, ErrSendFailed, ErrSendFailed.Wrap(nil))
}

func TestAsThroughFmtWrap(t *testing.T) {
	err := fmt.Errorf("send: %w", ErrPostingDenied)
	e, ok := As(err)
	assert.True(t, ok)
	assert.Equal(t, ErrPostingDenied.Code, e.Code)

	_, ok = As(errors.New("plain"))
	assert.False(t, ok)
}

func TestIsPermissionDenial(t *testing.T) {
	assert.True(t, IsPermissionDenial(ErrPostingDenied))
	assert.True(t, IsPermissionDenial(ErrChannelArchived.Wrap(errors.New("x"))))
	assert.False(t, IsPermissionDenial(ErrSendFailed))
	assert.False(t, IsPermissionDenial(errors.New("boom")))
}
