// README: Firebase ID token authentication for every /api route.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"driverline/internal/infra"
)

const (
	ctxUID   = "auth.uid"
	ctxRole  = "auth.role"
	ctxPhone = "auth.phone"
	ctxName  = "auth.name"
)

// Auth verifies the bearer token and stores caller identity on the context.
// Browsers cannot set headers on WebSocket upgrades, so an access_token query
// parameter is accepted on upgrade requests.
func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token, err := verifier.VerifyIDToken(c.Request.Context(), raw)
		if err != nil || token == nil || token.UID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ctxUID, token.UID)
		if role, ok := token.Claims["role"].(string); ok {
			c.Set(ctxRole, role)
		}
		c.Set(ctxPhone, token.PhoneNumber())
		c.Set(ctxName, token.DisplayName())
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if h != "" {
		const prefix = "Bearer "
		if !strings.HasPrefix(h, prefix) {
			return ""
		}
		return strings.TrimSpace(strings.TrimPrefix(h, prefix))
	}
	if strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
		return c.Query("access_token")
	}
	return ""
}

func CallerUID(c *gin.Context) string {
	return c.GetString(ctxUID)
}

func CallerRole(c *gin.Context) string {
	return c.GetString(ctxRole)
}

// CallerPhone is the phone number the caller signed in with, if any.
func CallerPhone(c *gin.Context) string {
	return c.GetString(ctxPhone)
}

func CallerName(c *gin.Context) string {
	return c.GetString(ctxName)
}
