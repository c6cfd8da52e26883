package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/unsgate/unsgate/pkg/broker"
	"github.com/unsgate/unsgate/pkg/store"
)

// abortWithError maps domain errors onto the HTTP error conventions:
// 400 validation, 403 policy, 404 missing, 409 conflict, 429 rate cap,
// 503 backend down, 500 otherwise.
func abortWithError(c *gin.Context, err error) {
	var validErr *store.ValidationError
	switch {
	case errors.As(err, &validErr):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": validErr.Error()})
	case errors.Is(err, store.ErrNotFound), errors.Is(err, broker.ErrUnknownBroker):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrConflict):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrNotAllowed), errors.Is(err, broker.ErrNotAllowed):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrRateLimited):
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, broker.ErrUnavailable):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		slog.Error("Unexpected handler error", "path", c.FullPath(), "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
