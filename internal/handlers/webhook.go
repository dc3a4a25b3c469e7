package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/call-advice-service/internal/ingest"
	"github.com/PratikDhanave/call-advice-service/internal/models"
	"github.com/PratikDhanave/call-advice-service/internal/observe"
	"github.com/PratikDhanave/call-advice-service/internal/webhook"
)

// Ingestor records a normalized event.
type Ingestor interface {
	Handle(ctx context.Context, ev webhook.NormalizedEvent) (ingest.Result, error)
}

// Webhook kinds, also used as the metrics label.
const (
	kindCombined      = "combined"
	kindStatus        = "status"
	kindTranscription = "transcription"
)

// RegisterWebhookRoutes registers the provider callback endpoints.
//
// POST /webhooks/:slug               status and transcript fields
// POST /webhooks/:slug/status        status fields only
// POST /webhooks/:slug/transcription transcript fields only
//
// The signature middleware must run first; it parses the form.
// - 200 {ok:true} once the event is recorded, and for events that carry
//   nothing usable (no retry storms over junk)
// - 500 {ok:false} when storage failed, so the provider retries
func RegisterWebhookRoutes(r gin.IRoutes, in Ingestor, m *observe.Metrics, now func() time.Time) {
	r.POST("/webhooks/:slug", webhookHandler(kindCombined, in, m, now))
	r.POST("/webhooks/:slug/status", webhookHandler(kindStatus, in, m, now))
	r.POST("/webhooks/:slug/transcription", webhookHandler(kindTranscription, in, m, now))
}

func webhookHandler(kind string, in Ingestor, m *observe.Metrics, now func() time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		log := observe.Logger(ctx)

		ev := webhook.Normalize(c.Param("slug"), c.Request.PostForm, now())
		switch kind {
		case kindStatus:
			ev.Transcript = nil
		case kindTranscription:
			ev.Status = ""
		}

		res, err := in.Handle(ctx, ev)
		if err != nil {
			log.Error("webhook event not recorded", "kind", kind, "call_id", ev.CallID, "err", err)
			m.RecordWebhook(ctx, kind, "error")
			c.JSON(http.StatusInternalServerError, models.WebhookAck{Error: "storage unavailable"})
			return
		}

		outcome := "accepted"
		if res.Ignored {
			outcome = "ignored"
			log.Debug("webhook without call id ignored", "kind", kind)
		}
		m.RecordWebhook(ctx, kind, outcome)
		c.JSON(http.StatusOK, models.WebhookAck{OK: true})
	}
}
