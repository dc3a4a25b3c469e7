package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/call-advice-service/internal/advice"
	"github.com/PratikDhanave/call-advice-service/internal/auth"
	"github.com/PratikDhanave/call-advice-service/internal/models"
	"github.com/PratikDhanave/call-advice-service/internal/store"
	"github.com/PratikDhanave/call-advice-service/internal/transcript"
)

const (
	defaultTranscriptLimit = 200
	maxTranscriptLimit     = 1000
)

// CallStore is the storage the call API reads and writes.
type CallStore interface {
	GetSummary(ctx context.Context, callID string) (*models.CallSession, error)
	GetRecentTranscript(ctx context.Context, callID string, limit int) ([]models.TranscriptChunk, error)
	SetMuted(ctx context.Context, callID string, muted bool) error
}

// Refresher forces an advice run.
type Refresher interface {
	Refresh(callID string) advice.Disposition
}

type muteRequest struct {
	Muted *bool `json:"muted"`
}

// RegisterCallRoutes registers the tenant-scoped call API.
//
// GET  /calls/:id                  session summary with current advice
// GET  /calls/:id/transcript       ?limit=N newest chunks plus merged turns
// POST /calls/:id/mute             {"muted": bool}
// POST /calls/:id/advice/refresh   forces an advice run, 202
//
// Requires X-API-Key. Calls of another tenant are reported as 404.
func RegisterCallRoutes(r gin.IRoutes, st CallStore, refresher Refresher, merge transcript.Options) {
	r.GET("/calls/:id", func(c *gin.Context) {
		sum, ok := loadOwnedCall(c, st)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, sum)
	})

	r.GET("/calls/:id/transcript", func(c *gin.Context) {
		limit := defaultTranscriptLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = min(n, maxTranscriptLimit)
		}

		sum, ok := loadOwnedCall(c, st)
		if !ok {
			return
		}
		chunks, err := st.GetRecentTranscript(c.Request.Context(), sum.CallID, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "db query failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"call_id": sum.CallID,
			"chunks":  chunks,
			"turns":   merge.Turns(chunks),
		})
	})

	r.POST("/calls/:id/mute", func(c *gin.Context) {
		var req muteRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.Muted == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "muted (bool) required"})
			return
		}

		sum, ok := loadOwnedCall(c, st)
		if !ok {
			return
		}
		if err := st.SetMuted(c.Request.Context(), sum.CallID, *req.Muted); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "call not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "db update failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"call_id": sum.CallID, "assistant_muted": *req.Muted})
	})

	r.POST("/calls/:id/advice/refresh", func(c *gin.Context) {
		sum, ok := loadOwnedCall(c, st)
		if !ok {
			return
		}
		if sum.AssistantMuted {
			c.JSON(http.StatusConflict, gin.H{"error": "assistant is muted for this call"})
			return
		}
		d := refresher.Refresh(sum.CallID)
		c.JSON(http.StatusAccepted, gin.H{"call_id": sum.CallID, "disposition": d})
	})
}

// loadOwnedCall fetches the call named in the path and checks it belongs to
// the caller's tenant. It writes the error response itself.
func loadOwnedCall(c *gin.Context, st CallStore) (*models.CallSession, bool) {
	tenantID := auth.TenantID(c)
	if tenantID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return nil, false
	}

	sum, err := st.GetSummary(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db query failed"})
		return nil, false
	}
	if sum == nil || sum.TenantSlug != tenantID {
		c.JSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return nil, false
	}
	return sum, true
}
