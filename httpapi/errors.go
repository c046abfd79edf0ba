package httpapi

import (
	"errors"
	"net/http"

	"flux_backend/core"
	"flux_backend/db"
	"flux_backend/sdruntime"
	"flux_backend/shutdown"

	"github.com/gin-gonic/gin"
)

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, sdruntime.ErrQueueTimeout), errors.Is(err, sdruntime.ErrSlotClosed),
		errors.Is(err, shutdown.ErrTrackerClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	}

	switch core.ErrorKind(err) {
	case core.KindInvalidParameter, core.KindCapacityExceeded:
		return http.StatusBadRequest
	case core.KindMissingResource:
		return http.StatusNotFound
	case core.KindContentRejected:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// failureBody is the JSON rendered for every failed request.
type failureBody struct {
	ID        string `json:"id,omitempty"`
	Status    string `json:"status"`
	Error     string `json:"error"`
	ErrorKind string `json:"error_kind"`
}

func kindFor(err error) string {
	if errors.Is(err, db.ErrNotFound) {
		return core.KindMissingResource
	}
	return core.ErrorKind(err)
}

func abortWithError(c *gin.Context, id string, err error) {
	c.AbortWithStatusJSON(statusFor(err), failureBody{
		ID:        id,
		Status:    "failed",
		Error:     err.Error(),
		ErrorKind: kindFor(err),
	})
}
