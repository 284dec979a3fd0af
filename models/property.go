package models

import "gorm.io/gorm"

// Lease statuses
const (
	LeaseStatusPending = "pending"
	LeaseStatusActive  = "active"
	LeaseStatusEnded   = "ended"
)

// Property represents a managed building or complex
type Property struct {
	gorm.Model
	Name    string `gorm:"not null" json:"name"`
	Address string `json:"address"`

	Units []Unit `gorm:"foreignKey:PropertyID" json:"units,omitempty"`
}

// Unit represents a rentable unit within a property
type Unit struct {
	gorm.Model
	PropertyID uint   `gorm:"not null;index" json:"property_id"`
	Name       string `gorm:"not null" json:"name"`

	Property Property `json:"-"`
}

// Lease ties a user to a unit for a period of time
type Lease struct {
	gorm.Model
	UserID uint   `gorm:"not null;index" json:"user_id"`
	UnitID uint   `gorm:"not null;index" json:"unit_id"`
	Status string `gorm:"default:'active';index" json:"status"` // pending, active, ended

	Unit Unit `json:"-"`
}
