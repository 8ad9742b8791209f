package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crypto_settlement/errs"
)

func statusOf(err error) int {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrInvalidRequest), errors.Is(err, errs.ErrReferralCycle):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrInvalidState), errors.Is(err, errs.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, errs.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errs.ErrExternalUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps the error taxonomy onto HTTP statuses. Unclassified errors are
// attached to the context for the request logger and hidden from the caller.
func writeError(c *gin.Context, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}
