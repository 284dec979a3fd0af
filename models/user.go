package models

import (
	"strings"

	"gorm.io/gorm"
)

// User roles
const (
	RoleTenant   = "tenant"
	RoleLandlord = "landlord"
	RoleManager  = "manager"
	RoleAdmin    = "admin"
)

// User represents an account in the system
type User struct {
	gorm.Model

	Username  string `gorm:"uniqueIndex;not null" json:"username"`
	Email     string `gorm:"uniqueIndex;not null" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Role      string `gorm:"default:'tenant';index" json:"role"` // tenant, landlord, manager, admin

	// Account status. No column default: gorm skips zero-valued fields that
	// carry one, which would silently activate rows created with
	// IsActive=false. Creation paths set the flag explicitly.
	IsActive bool `json:"is_active"`

	// Relations
	Leases []Lease `gorm:"foreignKey:UserID" json:"leases,omitempty"`
}

// FullName returns the user's display name, falling back to the username
// when no profile name is set.
func (u *User) FullName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Username
	}
	return name
}
