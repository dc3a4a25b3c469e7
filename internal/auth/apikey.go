package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// tenantCtxKey is the Gin context key used to store the authenticated tenant slug.
const tenantCtxKey = "tenant_slug"

// APIKeyMiddleware guards the call read API by mapping X-API-Key → tenant slug.
// Keys are compared in constant time so a probe cannot learn key prefixes.
func APIKeyMiddleware(keys map[string]string) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := strings.TrimSpace(c.GetHeader("X-API-Key"))
		tenant, ok := lookupKey(keys, apiKey)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(tenantCtxKey, tenant)
		c.Next()
	}
}

// TenantID returns the authenticated tenant slug from the request context.
func TenantID(c *gin.Context) string {
	v, _ := c.Get(tenantCtxKey)
	s, _ := v.(string)
	return s
}

func lookupKey(keys map[string]string, apiKey string) (string, bool) {
	if apiKey == "" {
		return "", false
	}
	tenant, found := "", false
	for k, t := range keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(apiKey)) == 1 {
			tenant, found = t, true
		}
	}
	return tenant, found
}
