package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/chatsync/internal/upload"
)

// FileHandler serves attachments kept by the single-node file store
type FileHandler struct {
	storage *upload.LocalStorage
}

// NewFileHandler creates a new FileHandler
func NewFileHandler(storage *upload.LocalStorage) *FileHandler {
	return &FileHandler{storage: storage}
}

// GetFile writes the bytes of a stored attachment. Files are addressed by content
// hash, so responses never change.
func (h *FileHandler) GetFile(ctx context.Context, c *app.RequestContext) {
	f, data, err := h.storage.Get(c.Param("hash"))
	if errors.Is(err, upload.ErrNotStaged) {
		c.String(http.StatusNotFound, http.StatusText(http.StatusNotFound))
		return
	}
	if err != nil {
		log.CtxError(ctx, "read file failed: hash=%s, error=%v", c.Param("hash"), err)
		c.String(http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}
	contentType := f.Type
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Cache-Control", "public, max-age=31536000, immutable")
	c.Data(http.StatusOK, contentType, data)
}
