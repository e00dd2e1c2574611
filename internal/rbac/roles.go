package rbac

// Role names. Keep these stable; they are carried in access tokens.
const (
	RoleAdmin      = "admin"
	RoleSupervisor = "supervisor"
	RoleAgent      = "agent"
)

func IsAdmin(role string) bool { return role == RoleAdmin }

// Operators may act on any agent's calls and sessions.
var Operators = []string{RoleAdmin, RoleSupervisor}
