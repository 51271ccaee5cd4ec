package model

import "time"

// Role is a user's role in the care organisation
type Role string

const (
	RoleCaregiver   Role = "caregiver"
	RoleCoordinator Role = "coordinator"
	RoleAdmin       Role = "admin"
	RoleFamily      Role = "family"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	switch r {
	case RoleCaregiver, RoleCoordinator, RoleAdmin, RoleFamily:
		return true
	}
	return false
}

// User is the account that may activate devices. The core only reads it.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"` // never expose password hash
	FirstName    string    `json:"firstName"`
	LastName     string    `json:"lastName"`
	Role         Role      `json:"role"`
	ZoneID       *string   `json:"zoneId,omitempty"`
	IsActive     bool      `json:"isActive"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
