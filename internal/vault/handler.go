package vault

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/vigilant/internal/logging"
)

// Handler serves the registry endpoints.
type Handler struct {
	registry Registry
	now      func() time.Time
}

// NewHandler creates a registry handler.
func NewHandler(registry Registry) *Handler {
	return &Handler{registry: registry, now: time.Now}
}

// RegisterRoutes sets up the registry routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/vault/sync", h.Sync)
	r.GET("/vault/stats", h.Stats)
	r.POST("/vault/submit", h.Submit)
}

// Sync handles GET /vault/sync?since=<unix_ms>
func (h *Handler) Sync(c *gin.Context) {
	since := int64(0)
	if s := c.Query("since"); s != "" {
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_since",
				"message": "since must be a non-negative unix timestamp in milliseconds",
			})
			return
		}
		since = parsed
	}

	ctx := c.Request.Context()
	hashes, err := h.registry.HashesSince(ctx, since)
	if err != nil {
		logging.L(ctx).Error("vault sync failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
		return
	}
	if err := h.registry.RecordSync(ctx, since, len(hashes)); err != nil {
		logging.L(ctx).Warn("failed to record vault sync", "error", err)
	}

	c.JSON(http.StatusOK, SyncResponse{
		Hashes:    hashes,
		Timestamp: h.now().UnixMilli(),
		Count:     len(hashes),
	})
}

// Stats handles GET /vault/stats
func (h *Handler) Stats(c *gin.Context) {
	ctx := c.Request.Context()
	st, err := h.registry.Stats(ctx)
	if err != nil {
		logging.L(ctx).Error("vault stats failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
		return
	}
	c.JSON(http.StatusOK, st)
}

// Submit handles POST /vault/submit
func (h *Handler) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	t, err := h.registry.Submit(c.Request.Context(), Threat{
		Hash:       req.Hash,
		Source:     req.Source,
		Confidence: req.Confidence,
		ThreatType: req.ThreatType,
	})
	if err != nil {
		if errors.Is(err, ErrInvalidHash) || errors.Is(err, ErrInvalidConfidence) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"threat": t})
}
