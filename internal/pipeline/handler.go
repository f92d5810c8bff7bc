package pipeline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/vigilant/internal/ledger"
	"github.com/mbd888/vigilant/internal/logging"
	"github.com/mbd888/vigilant/internal/pagination"
	"github.com/mbd888/vigilant/internal/scan"
	"github.com/mbd888/vigilant/internal/store"
)

const maxMessageBytes = 1 << 20

// Auditor verifies and exports the stored chain.
type Auditor interface {
	VerifyStored(ctx context.Context) (ledger.Verification, error)
	Export(ctx context.Context, w io.Writer) error
}

// Handler exposes the pipeline over HTTP.
type Handler struct {
	pipeline *Pipeline
	auditor  Auditor
}

// NewHandler creates a pipeline handler.
func NewHandler(p *Pipeline, auditor Auditor) *Handler {
	return &Handler{pipeline: p, auditor: auditor}
}

// RegisterRoutes sets up the message and ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/messages", h.Message)
	r.GET("/state", h.State)
	r.GET("/history", h.History)
	r.GET("/ledger", h.ExportLedger)
	r.POST("/ledger/verify", h.VerifyLedger)
}

// Message handles POST /v1/messages
func (h *Handler) Message(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxMessageBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "failed to read body",
		})
		return
	}

	req, err := Decode(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_message",
			"message": err.Error(),
		})
		return
	}

	resp, err := h.pipeline.Dispatch(c.Request.Context(), req)
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// State handles GET /v1/state?tabId=<n>
func (h *Handler) State(c *gin.Context) {
	var tabID *int
	if s := c.Query("tabId"); s != "" {
		id, err := strconv.Atoi(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_tab_id",
				"message": "tabId must be an integer",
			})
			return
		}
		tabID = &id
	}

	resp, err := h.pipeline.Dispatch(c.Request.Context(), GetStateRequest{TabID: tabID})
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// History handles GET /v1/history?limit=<n>&cursor=<c>
func (h *Handler) History(c *gin.Context) {
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": err.Error(),
		})
		return
	}

	history, err := h.pipeline.History(c.Request.Context())
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	page := pagination.Paginate(history, cursor, pagination.ParseLimit(c.Query("limit")),
		func(e scan.HistoryEntry) (time.Time, string) { return e.Timestamp, e.URL })
	if page.Items == nil {
		page.Items = []scan.HistoryEntry{}
	}
	c.JSON(http.StatusOK, page)
}

// ExportLedger handles GET /v1/ledger
func (h *Handler) ExportLedger(c *gin.Context) {
	c.Header("Content-Type", "application/json")
	c.Status(http.StatusOK)
	if err := h.auditor.Export(c.Request.Context(), c.Writer); err != nil {
		logging.L(c.Request.Context()).Error("ledger export failed", "error", err)
		if !c.Writer.Written() {
			writeDispatchError(c, err)
		}
	}
}

// VerifyLedger handles POST /v1/ledger/verify
func (h *Handler) VerifyLedger(c *gin.Context) {
	v, err := h.auditor.VerifyStored(c.Request.Context())
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func writeDispatchError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrUnavailable) || errors.Is(err, store.ErrConflict) {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":     "storage_unavailable",
			"message":   "state store is unavailable, retry later",
			"retryable": true,
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": err.Error(),
	})
}
