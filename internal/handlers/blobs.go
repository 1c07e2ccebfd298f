package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/retrieval"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/storage"
)

// SignedStore is a blob store that can check its own signed URLs.
type SignedStore interface {
	storage.ReaderWithMetadata
	VerifySignature(key, expires, sig string) error
}

// BlobHandler serves objects of a filesystem store through the URLs its
// SignedURL mints.
type BlobHandler struct {
	store SignedStore
}

func NewBlobHandler(store SignedStore) *BlobHandler {
	return &BlobHandler{store: store}
}

// Serve handles GET /blobs/*key?expires&sig.
func (h *BlobHandler) Serve(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	if err := h.store.VerifySignature(key, c.Query("expires"), c.Query("sig")); err != nil {
		respondError(c, retrieval.NewError(retrieval.CodeUnauthorized, "signed URL is invalid or expired"))
		return
	}

	ctx := c.Request.Context()
	meta, err := h.store.GetMetadata(ctx, key)
	if err != nil {
		respondError(c, blobError(err))
		return
	}
	rc, err := h.store.GetReader(ctx, key)
	if err != nil {
		respondError(c, blobError(err))
		return
	}
	defer rc.Close()

	c.Header("Cache-Control", "private, max-age=300")
	c.DataFromReader(http.StatusOK, meta.Size, meta.ContentType, rc, nil)
}

func blobError(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return retrieval.NewError(retrieval.CodeNotFound, "object not found")
	}
	return err
}
