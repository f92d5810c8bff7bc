package classifier

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes the guarded classifier over HTTP.
type Handler struct {
	guard *Guard
}

// NewHandler creates a classifier handler.
func NewHandler(guard *Guard) *Handler {
	return &Handler{guard: guard}
}

// RegisterRoutes sets up the classifier route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/classify", h.Classify)
}

type classifyRequest struct {
	Features []float64 `json:"features" binding:"required"`
}

// Classify handles POST /v1/classify. Model problems are reported in the
// body with failedOpen=true, never as an HTTP error.
func (h *Handler) Classify(c *gin.Context) {
	var req classifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, h.guard.Classify(c.Request.Context(), req.Features))
}
