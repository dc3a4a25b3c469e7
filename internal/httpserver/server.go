package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/PratikDhanave/call-advice-service/internal/auth"
	"github.com/PratikDhanave/call-advice-service/internal/config"
	"github.com/PratikDhanave/call-advice-service/internal/handlers"
	"github.com/PratikDhanave/call-advice-service/internal/ingest"
	"github.com/PratikDhanave/call-advice-service/internal/observe"
	"github.com/PratikDhanave/call-advice-service/internal/store"
)

// Deps are the collaborators the router serves.
type Deps struct {
	Store    store.Store
	Pipeline *ingest.Pipeline
	Metrics  *observe.Metrics

	// MetricsHandler serves /metrics. Nil serves the prometheus default
	// registry.
	MetricsHandler http.Handler

	// Now overrides the clock used for events without a timestamp.
	Now func() time.Time
}

// NewRouter wires public endpoints, provider webhooks and authenticated APIs.
// Public: /health, /ready, /metrics
// Signed: /webhooks/:slug[/status|/transcription]
// Authenticated: /calls/...
func NewRouter(cfg config.Config, d Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.MetricsHandler == nil {
		d.MetricsHandler = promhttp.Handler()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observe.Middleware(d.Metrics))

	// Liveness: confirms the process is running.
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Readiness: confirms the storage dependency is reachable.
	r.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if err := d.Store.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	// Prometheus scrape endpoint fed by the OTel exporter bridge.
	r.GET("/metrics", gin.WrapH(d.MetricsHandler))

	// Provider callbacks authenticate by signature, not API key.
	if cfg.Webhook.SkipSignature {
		slog.Warn("WEBHOOK SIGNATURE VERIFICATION DISABLED: any client can post provider callbacks",
			"env", "WEBHOOK_SKIP_SIGNATURE")
	}
	hooks := r.Group("/")
	hooks.Use(auth.SignatureMiddleware(auth.Verifier{
		Secret:        cfg.Webhook.AuthToken,
		PublicBaseURL: cfg.Server.PublicBaseURL,
		Skip:          cfg.Webhook.SkipSignature,
	}))
	handlers.RegisterWebhookRoutes(hooks, d.Pipeline, d.Metrics, d.Now)

	// Auth group enforces tenant context via X-API-Key.
	authGroup := r.Group("/")
	authGroup.Use(auth.APIKeyMiddleware(cfg.APIKeys))
	handlers.RegisterCallRoutes(authGroup, d.Store, d.Pipeline, cfg.Merge)

	return r
}
