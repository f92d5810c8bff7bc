package download

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/vigilant/internal/validation"
)

// Handler exposes the interceptor over HTTP for browser integrations.
type Handler struct {
	interceptor *Interceptor
}

// NewHandler creates a download handler.
func NewHandler(i *Interceptor) *Handler {
	return &Handler{interceptor: i}
}

// RegisterRoutes sets up the download routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/downloads", h.Intercept)
	r.GET("/downloads/:id", h.Get)
	r.POST("/downloads/:id/decision", h.Decide)
}

// Intercept handles POST /v1/downloads
func (h *Handler) Intercept(c *gin.Context) {
	var ev Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("id", ev.ID),
		validation.Required("filename", ev.Filename),
		validation.MaxLength("filename", ev.Filename, validation.MaxFilenameLength),
		validation.MaxLength("url", ev.URL, validation.MaxURLLength),
		validation.HTTPURL("url", ev.URL),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	ev.Filename = validation.SanitizeString(ev.Filename, validation.MaxFilenameLength)

	d, err := h.interceptor.Intercept(c.Request.Context(), ev)
	switch {
	case errors.Is(err, ErrInvalid):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	case errors.Is(err, ErrDuplicate):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "duplicate_download",
			"message": err.Error(),
		})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	status := http.StatusOK
	if d.Paused() {
		status = http.StatusAccepted
	}
	c.JSON(status, d.Snapshot())
}

// Get handles GET /v1/downloads/:id
func (h *Handler) Get(c *gin.Context) {
	d, ok := h.interceptor.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Download not found",
		})
		return
	}
	c.JSON(http.StatusOK, d.Snapshot())
}

type decisionRequest struct {
	Block *bool `json:"block" binding:"required"`
}

// Decide handles POST /v1/downloads/:id/decision
func (h *Handler) Decide(c *gin.Context) {
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "block is required",
		})
		return
	}

	applied, err := h.interceptor.Decide(c.Request.Context(), c.Param("id"), *req.Block)
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Download not found",
		})
		return
	}

	resp := gin.H{"applied": applied}
	if d, ok := h.interceptor.Get(c.Param("id")); ok {
		resp["download"] = d.Snapshot()
	}
	c.JSON(http.StatusOK, resp)
}
