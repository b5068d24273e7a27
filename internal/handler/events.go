package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/RentLedger/internal/ledger"
	"github.com/jmerrifield20/RentLedger/internal/notify"
)

// EventHandler exposes a rental's ledger over HTTP.
type EventHandler struct {
	ledger *ledger.Service
	hub    *notify.Hub // nil = no live stream
	logger *zap.Logger
}

// NewEventHandler creates a new EventHandler.
func NewEventHandler(svc *ledger.Service, hub *notify.Hub, logger *zap.Logger) *EventHandler {
	return &EventHandler{ledger: svc, hub: hub, logger: logger}
}

// Register mounts the ledger routes on an authenticated router group.
func (h *EventHandler) Register(rg *gin.RouterGroup) {
	r := rg.Group("/rentals/:id")
	{
		r.POST("/events", h.Append)
		r.GET("/events", h.List)
		r.GET("/events/stream", h.Stream)
		r.GET("/verify", h.Verify)
		r.GET("/tip", h.Tip)
	}
	rg.GET("/events/:id", h.Get)
}

type appendRequest struct {
	EventType string          `json:"event_type" binding:"required"`
	ActorType string          `json:"actor_type" binding:"required"`
	Payload   json.RawMessage `json:"payload"`
}

// Append handles POST /rentals/:id/events: records an event as the caller.
func (h *EventHandler) Append(c *gin.Context) {
	caller, ok := callerID(c)
	if !ok {
		return
	}
	rentalID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	var req appendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ev, err := h.ledger.Append(c.Request.Context(), ledger.AppendRequest{
		RentalID:  rentalID,
		Type:      ledger.EventType(req.EventType),
		Payload:   req.Payload,
		ActorID:   caller,
		ActorType: ledger.ActorType(req.ActorType),
	})
	if err != nil {
		writeError(c, h.logger, "append event", err)
		return
	}
	c.JSON(http.StatusCreated, ev)
}

// List handles GET /rentals/:id/events: the timeline, most recent first.
func (h *EventHandler) List(c *gin.Context) {
	caller, ok := callerID(c)
	if !ok {
		return
	}
	rentalID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	result, err := h.ledger.ListEvents(c.Request.Context(), rentalID, caller, ledger.ListOptions{
		Page:     page,
		PageSize: limit,
		Type:     ledger.EventType(c.Query("type")),
	})
	if err != nil {
		writeError(c, h.logger, "list events", err)
		return
	}
	if result.Events == nil {
		result.Events = []*ledger.Event{}
	}
	c.JSON(http.StatusOK, result)
}

// Get handles GET /events/:id: a single event.
func (h *EventHandler) Get(c *gin.Context) {
	caller, ok := callerID(c)
	if !ok {
		return
	}
	eventID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	ev, err := h.ledger.GetEvent(c.Request.Context(), eventID, caller)
	if err != nil {
		writeError(c, h.logger, "get event", err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

// Verify handles GET /rentals/:id/verify: walks the full chain and reports
// integrity. Breaks are data, so the status is 200 either way.
func (h *EventHandler) Verify(c *gin.Context) {
	caller, ok := callerID(c)
	if !ok {
		return
	}
	rentalID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	report, err := h.ledger.VerifyChain(c.Request.Context(), rentalID, caller)
	if err != nil {
		writeError(c, h.logger, "verify chain", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Tip handles GET /rentals/:id/tip: the current chain head.
func (h *EventHandler) Tip(c *gin.Context) {
	caller, ok := callerID(c)
	if !ok {
		return
	}
	rentalID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	tip, err := h.ledger.Tip(c.Request.Context(), rentalID, caller)
	if err != nil {
		writeError(c, h.logger, "chain tip", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"rental_id": rentalID,
		"tip":       tip.Hash,
		"length":    tip.Seq,
	})
}

// Stream handles GET /rentals/:id/events/stream: a websocket feed of newly
// appended events.
func (h *EventHandler) Stream(c *gin.Context) {
	if h.hub == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "live stream disabled"})
		return
	}
	caller, ok := callerID(c)
	if !ok {
		return
	}
	rentalID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	if err := h.ledger.Authorize(c.Request.Context(), rentalID, caller); err != nil {
		writeError(c, h.logger, "stream events", err)
		return
	}
	if err := h.hub.ServeWS(c.Writer, c.Request, rentalID, caller); err != nil {
		h.logger.Debug("stream: upgrade failed", zap.Error(err))
	}
}
