package models

import "gorm.io/gorm"

// Message is a delivered 1:1 in-app message. Bulk sends produce one row per
// recipient through the transport; threading and read state live elsewhere.
type Message struct {
	gorm.Model
	MessageID   string `gorm:"uniqueIndex;not null" json:"message_id"`
	SenderID    uint   `gorm:"not null;index" json:"sender_id"`
	RecipientID uint   `gorm:"not null;index" json:"recipient_id"`
	Body        string `gorm:"not null" json:"body"`
}
