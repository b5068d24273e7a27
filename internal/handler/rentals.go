package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/RentLedger/internal/rentals"
)

// RentalHandler exposes rental and roster management over HTTP.
type RentalHandler struct {
	svc    *rentals.Service
	logger *zap.Logger
}

// NewRentalHandler creates a new RentalHandler.
func NewRentalHandler(svc *rentals.Service, logger *zap.Logger) *RentalHandler {
	return &RentalHandler{svc: svc, logger: logger}
}

// Register mounts the rental routes on an authenticated router group.
func (h *RentalHandler) Register(rg *gin.RouterGroup) {
	r := rg.Group("/rentals")
	{
		r.POST("", h.Create)
		r.GET("", h.List)
		r.GET("/:id", h.Get)
		r.POST("/:id/close", h.Close)
		r.POST("/:id/participants", h.AddParticipant)
		r.DELETE("/:id/participants/:userId", h.RemoveParticipant)
	}
}

type createRentalRequest struct {
	PropertyAddress string                     `json:"property_address" binding:"required"`
	PropertyUnit    string                     `json:"property_unit"`
	StartDate       string                     `json:"start_date"` // YYYY-MM-DD
	Participants    []rentals.ParticipantInput `json:"participants"`
}

// Create handles POST /rentals: opens a rental with the caller as BROKER.
func (h *RentalHandler) Create(c *gin.Context) {
	caller, ok := callerID(c)
	if !ok {
		return
	}
	var req createRentalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var start time.Time
	if req.StartDate != "" {
		var err error
		if start, err = time.Parse("2006-01-02", req.StartDate); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "start_date must be YYYY-MM-DD"})
			return
		}
	}

	rental, err := h.svc.Create(c.Request.Context(), caller, rentals.CreateRequest{
		PropertyAddress: req.PropertyAddress,
		PropertyUnit:    req.PropertyUnit,
		StartDate:       start,
		Participants:    req.Participants,
	})
	if err != nil {
		writeError(c, h.logger, "create rental", err)
		return
	}
	c.JSON(http.StatusCreated, rental)
}

// List handles GET /rentals: rentals the caller takes part in.
func (h *RentalHandler) List(c *gin.Context) {
	caller, ok := callerID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}

	list, err := h.svc.ListForUser(c.Request.Context(), caller, limit, offset)
	if err != nil {
		writeError(c, h.logger, "list rentals", err)
		return
	}
	if list == nil {
		list = []*rentals.Rental{}
	}
	c.JSON(http.StatusOK, gin.H{"rentals": list, "count": len(list)})
}

// Get handles GET /rentals/:id.
func (h *RentalHandler) Get(c *gin.Context) {
	caller, ok := callerID(c)
	if !ok {
		return
	}
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	rental, err := h.svc.Get(c.Request.Context(), id, caller)
	if err != nil {
		writeError(c, h.logger, "get rental", err)
		return
	}
	c.JSON(http.StatusOK, rental)
}

// Close handles POST /rentals/:id/close.
func (h *RentalHandler) Close(c *gin.Context) {
	caller, ok := callerID(c)
	if !ok {
		return
	}
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	rental, err := h.svc.Close(c.Request.Context(), id, caller)
	if err != nil {
		writeError(c, h.logger, "close rental", err)
		return
	}
	c.JSON(http.StatusOK, rental)
}

// AddParticipant handles POST /rentals/:id/participants.
func (h *RentalHandler) AddParticipant(c *gin.Context) {
	caller, ok := callerID(c)
	if !ok {
		return
	}
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	var in rentals.ParticipantInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := h.svc.AddParticipant(c.Request.Context(), id, caller, in)
	if err != nil {
		writeError(c, h.logger, "add participant", err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

// RemoveParticipant handles DELETE /rentals/:id/participants/:userId. The
// participant row is kept with left_at set.
func (h *RentalHandler) RemoveParticipant(c *gin.Context) {
	caller, ok := callerID(c)
	if !ok {
		return
	}
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	userID, err := uuid.Parse(c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId must be a UUID"})
		return
	}
	if err := h.svc.RemoveParticipant(c.Request.Context(), id, caller, userID); err != nil {
		writeError(c, h.logger, "remove participant", err)
		return
	}
	c.Status(http.StatusNoContent)
}
