package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"contact-center/internal/auth"

	"github.com/gin-gonic/gin"
)

func serve(id auth.Identity, handlers ...gin.HandlerFunc) int {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	chain := append([]gin.HandlerFunc{func(c *gin.Context) {
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), id))
		c.Next()
	}}, handlers...)
	chain = append(chain, func(c *gin.Context) { c.Status(200) })
	r.GET("/x", chain...)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w.Code
}

func TestRequireAnyRole_AdminBypasses(t *testing.T) {
	if code := serve(auth.Identity{UserID: "u", Role: RoleAdmin}, RequireAnyRole(RoleSupervisor)); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_HiddenRoleDeniedUnlessAllowed(t *testing.T) {
	if code := serve(auth.Identity{UserID: "svc", Role: RoleService}, RequireAnyRole(RoleSupervisor)); code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
	if code := serve(auth.Identity{UserID: "svc", Role: RoleService}, RequireAnyRole(RoleSupervisor, RoleService)); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_SupervisorNeedsTeams(t *testing.T) {
	if code := serve(auth.Identity{UserID: "u", Role: RoleSupervisor}, RequireAnyRole(RoleSupervisor)); code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
	if code := serve(auth.Identity{UserID: "u", Role: RoleSupervisor, Teams: []string{"billing"}}, RequireAnyRole(RoleSupervisor)); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_MissingIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", RequireAnyRole(RoleSupervisor), func(c *gin.Context) { c.Status(200) })
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Code != 401 {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestCanAccessTeam(t *testing.T) {
	check := func(id auth.Identity, team string) int {
		return serve(id, func(c *gin.Context) {
			if !CanAccessTeam(c, team) {
				c.AbortWithStatus(403)
			}
		})
	}
	sup := auth.Identity{UserID: "u", Role: RoleSupervisor, Teams: []string{"billing"}}
	if code := check(sup, "billing"); code != 200 {
		t.Fatalf("expected own team allowed, got %d", code)
	}
	if code := check(sup, "sales"); code != 403 {
		t.Fatalf("expected other team denied, got %d", code)
	}
	if code := check(auth.Identity{UserID: "svc", Role: RoleService}, "sales"); code != 200 {
		t.Fatalf("expected service unscoped, got %d", code)
	}
}

func TestCanAccessTeam_SupervisorCannotListAllTeams(t *testing.T) {
	code := serve(auth.Identity{UserID: "u", Role: RoleSupervisor, Teams: []string{"billing"}}, func(c *gin.Context) {
		if !CanAccessTeam(c, "") {
			c.AbortWithStatus(403)
		}
	})
	if code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
}
