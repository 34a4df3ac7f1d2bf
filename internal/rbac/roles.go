package rbac

// Role names. Keep these stable; the booking backend issues them.
const (
	RoleLinguist   = "linguist"
	RoleSupervisor = "supervisor"
	RoleAdmin      = "admin"
)

func IsAdmin(role string) bool { return role == RoleAdmin }

// CanObserve reports whether role may read desk sessions owned by someone else.
func CanObserve(role string) bool {
	return role == RoleSupervisor || role == RoleAdmin
}

// CanAccessSession allows the owner full access and observers read access.
func CanAccessSession(role, userID, ownerID string, write bool) bool {
	if userID != "" && userID == ownerID {
		return true
	}
	if write {
		return false
	}
	return CanObserve(role)
}
