package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/RentLedger/internal/reputation"
)

// ReputationHandler serves a caller's own reputation signals.
type ReputationHandler struct {
	recorder *reputation.Recorder
	logger   *zap.Logger
}

// NewReputationHandler creates a new ReputationHandler.
func NewReputationHandler(recorder *reputation.Recorder, logger *zap.Logger) *ReputationHandler {
	return &ReputationHandler{recorder: recorder, logger: logger}
}

// Register mounts the reputation routes on an authenticated router group.
func (h *ReputationHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/users/me/reputation", h.Mine)
}

// Mine handles GET /users/me/reputation.
func (h *ReputationHandler) Mine(c *gin.Context) {
	caller, ok := callerID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	summary, err := h.recorder.Summary(c.Request.Context(), caller, limit)
	if err != nil {
		writeError(c, h.logger, "reputation summary", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}
