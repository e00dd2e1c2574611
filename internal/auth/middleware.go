package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const authorizationHeader = "Authorization"
const bearerPrefix = "Bearer "

// QueryTokenParam carries the access token for clients that cannot set
// headers, such as browser WebSocket connections.
const QueryTokenParam = "access_token"

type options struct {
	allowQuery bool
	now        func() time.Time
}

type Option func(*options)

// AllowQueryToken accepts ?access_token= when no Authorization header is sent.
func AllowQueryToken() Option {
	return func(o *options) { o.allowQuery = true }
}

func WithNow(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func bearerToken(c *gin.Context, allowQuery bool) string {
	raw := strings.TrimSpace(c.GetHeader(authorizationHeader))
	if strings.HasPrefix(raw, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(raw, bearerPrefix))
	}
	if raw == "" && allowQuery {
		return strings.TrimSpace(c.Query(QueryTokenParam))
	}
	return ""
}

// RequireAccessToken verifies an access token and injects identity into request context.
// It does not perform role checks; those belong to internal/rbac.
func RequireAccessToken(m *Manager, opts ...Option) gin.HandlerFunc {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}

	return func(c *gin.Context) {
		tok := bearerToken(c, o.allowQuery)
		if tok == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Unauthorized", "message": "missing bearer token"})
			return
		}

		claims, err := m.Verify(tok, TokenTypeAccess, o.now())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Unauthorized", "message": "invalid token"})
			return
		}

		ctx := WithIdentity(c.Request.Context(), claims.UserID, claims.Role)
		c.Request = c.Request.WithContext(ctx)

		c.Set("user_id", claims.UserID)
		c.Set("role", claims.Role)

		c.Next()
	}
}
