package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/RentLedger/internal/identity"
	"github.com/jmerrifield20/RentLedger/internal/ledger"
	"github.com/jmerrifield20/RentLedger/internal/rentals"
)

// writeError maps domain errors to HTTP responses. Unexpected errors are
// logged and reported without detail.
func writeError(c *gin.Context, logger *zap.Logger, op string, err error) {
	var verr *ledger.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": verr.Error(), "field": verr.Field})
	case errors.Is(err, ledger.ErrValidation), errors.Is(err, rentals.ErrInvalid):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrDenied), errors.Is(err, rentals.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant of this rental"})
	case errors.Is(err, ledger.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
	case errors.Is(err, rentals.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, rentals.ErrDuplicateParticipant), errors.Is(err, rentals.ErrAlreadyClosed):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrConflictOrTimeout):
		logger.Warn(op+": retryable failure", zap.Error(err))
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger busy, retry"})
	default:
		logger.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// callerID returns the authenticated caller or aborts with 401.
func callerID(c *gin.Context) (uuid.UUID, bool) {
	id, ok := identity.UserIDFromCtx(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
	}
	return id, ok
}

// uuidParam parses a path parameter or responds 400.
func uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a UUID"})
		return uuid.Nil, false
	}
	return id, true
}
