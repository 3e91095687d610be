package domain

// Role is the console role of a caller.
type Role string

const (
	RoleGestionnaire Role = "gestionnaire"
	RoleSuperviseur  Role = "superviseur"
	RoleDirection    Role = "direction"
	RoleAdmin        Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleGestionnaire, RoleSuperviseur, RoleDirection, RoleAdmin:
		return true
	}
	return false
}

// Actor is the authenticated caller of an operation, as asserted by the
// upstream identity provider.
type Actor struct {
	ID   string `json:"id"`
	Team string `json:"team,omitempty"`
	Role Role   `json:"role,omitempty"`
}

// SystemActor is used for automated actions such as background retries.
var SystemActor = Actor{ID: "system", Role: RoleAdmin}
