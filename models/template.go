package models

import "gorm.io/gorm"

// MessageTemplate stores a reusable message body with {{placeholder}} merge fields
type MessageTemplate struct {
	gorm.Model
	Name      string `gorm:"not null" json:"name"`
	Body      string `gorm:"not null" json:"body"`
	CreatorID uint   `gorm:"index" json:"creator_id"`
}
