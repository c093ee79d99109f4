package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	// RoleSupervisor manages the queues of the teams listed in its token.
	RoleSupervisor = "supervisor"
	RoleAdmin      = "admin"
	// RoleService is used by trusted backends (CRM, dialers). Hidden: it is
	// only admitted where a route names it explicitly.
	RoleService = "service"
)

func IsAdmin(role string) bool { return role == RoleAdmin }

func IsHiddenRole(role string) bool { return role == RoleService }
