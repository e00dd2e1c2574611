package rbac

import (
	"net/http"

	"crm-dialer/internal/auth"

	"github.com/gin-gonic/gin"
)

// RequireAnyRole allows access if the caller has any of the provided roles.
// admin bypasses all checks.
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = struct{}{}
	}

	return func(c *gin.Context) {
		role, err := auth.Role(c.Request.Context())
		if err != nil || role == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Unauthorized", "message": "role required"})
			return
		}

		if IsAdmin(role) {
			c.Next()
			return
		}

		if _, ok := allowedSet[role]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"success": false, "error": "Forbidden", "message": "forbidden"})
			return
		}
		c.Next()
	}
}

// CanActFor reports whether the caller may act on behalf of userID.
// Agents may only act for themselves.
func CanActFor(c *gin.Context, userID string) bool {
	role, _ := auth.Role(c.Request.Context())
	if IsAdmin(role) || role == RoleSupervisor {
		return true
	}
	self, err := auth.UserID(c.Request.Context())
	return err == nil && self == userID
}
