package rbac

import (
	"net/http"

	"contact-center/internal/auth"

	"github.com/gin-gonic/gin"
)

// RequireAnyRole allows access if the caller has any of the provided roles.
// Rules:
// - admin bypasses all checks
// - service is a hidden role, and will be denied unless explicitly allowed
// - supervisors must be scoped to at least one team
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = struct{}{}
	}

	return func(c *gin.Context) {
		id, err := auth.IdentityFrom(c.Request.Context())
		if err != nil || id.Role == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
			return
		}

		if IsAdmin(id.Role) {
			c.Next()
			return
		}

		if _, ok := allowedSet[id.Role]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		if id.Role == RoleSupervisor && len(id.Teams) == 0 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "supervisor has no teams"})
			return
		}
		c.Next()
	}
}

// CanAccessTeam reports whether the caller may act on teamID's queue.
// Only supervisors are team-scoped; an empty teamID means every team.
func CanAccessTeam(c *gin.Context, teamID string) bool {
	id, err := auth.IdentityFrom(c.Request.Context())
	if err != nil {
		return false
	}
	if id.Role != RoleSupervisor {
		return true
	}
	return teamID != "" && id.HasTeam(teamID)
}
