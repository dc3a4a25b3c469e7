package auth

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/call-advice-service/internal/models"
)

// SignatureMiddleware rejects provider webhooks whose signature does not
// verify. It parses the form body so handlers can read c.Request.PostForm.
//
// Missing secret → 500, bad or absent signature → 401. Verification is only
// bypassed when v.Skip is set.
func SignatureMiddleware(v Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := c.Request.ParseForm(); err != nil {
			slog.Warn("webhook body unparseable", "path", c.Request.URL.Path, "err", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.WebhookAck{Error: "invalid signature"})
			return
		}

		err := v.Check(RequestURL(c.Request), c.Request.Header, c.Request.PostForm)
		switch {
		case err == nil:
			c.Next()
		case errors.Is(err, ErrNotConfigured):
			slog.Error("webhook rejected: no provider auth token configured")
			c.AbortWithStatusJSON(http.StatusInternalServerError, models.WebhookAck{Error: "webhook secret not configured"})
		default:
			slog.Warn("webhook signature rejected", "path", c.Request.URL.Path, "err", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.WebhookAck{Error: "invalid signature"})
		}
	}
}
