package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/elephant-data/oversight/pkg/store"
)

// respondError maps store error kinds onto HTTP statuses. Anything
// unclassified is a 500; the body never carries internals beyond the
// error string.
func (s *Server) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case store.IsKind(err, store.KindValidation):
		status = http.StatusBadRequest
	case store.IsKind(err, store.KindNotFound):
		status = http.StatusNotFound
	case store.IsKind(err, store.KindConditionFailed),
		store.IsKind(err, store.KindTransactionConflict):
		status = http.StatusConflict
	case store.IsKind(err, store.KindThrottled):
		status = http.StatusTooManyRequests
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
