package users

import "time"

// RoleType represents a user's role as reported by the Stride backend.
type RoleType string

const (
	RoleUser  RoleType = "user"  // Regular account
	RoleAdmin RoleType = "admin" // Can manage other accounts and workspace settings
)

// User is the profile record returned by the backend. Beyond Role, the
// auth core treats the profile fields as opaque data for the host UI.
type User struct {
	ID          string    `json:"id,omitempty"`           // Unique identifier for the user
	Email       string    `json:"email,omitempty"`        // User's email address
	DisplayName string    `json:"display_name,omitempty"` // Name shown in the UI
	Role        RoleType  `json:"role,omitempty"`         // Account role, see RoleType
	AvatarURL   string    `json:"avatar_url,omitempty"`   // Optional profile image
	Timezone    string    `json:"timezone,omitempty"`     // IANA timezone name
	DateJoined  time.Time `json:"date_joined,omitempty"`  // When the account was created
	LastLogin   time.Time `json:"last_login,omitempty"`   // Last successful login
}

// Hierarchy is a total order over roles. A role satisfies a requirement when
// its rank is equal to or above the required role's rank. Roles missing from
// the hierarchy rank below every known role.
type Hierarchy map[RoleType]int

// DefaultHierarchy orders the roles the Stride backend issues today.
func DefaultHierarchy() Hierarchy {
	return Hierarchy{
		RoleUser:  0,
		RoleAdmin: 1,
	}
}

// Satisfies reports whether role meets or exceeds required.
func (h Hierarchy) Satisfies(role, required RoleType) bool {
	roleRank, ok := h[role]
	if !ok {
		return false
	}
	requiredRank, ok := h[required]
	if !ok {
		return false
	}
	return roleRank >= requiredRank
}

// HasRole reports whether the user's role satisfies required under h.
// An empty required role is satisfied by any authenticated user.
func (u *User) HasRole(h Hierarchy, required RoleType) bool {
	if required == "" {
		return true
	}
	return h.Satisfies(u.Role, required)
}
