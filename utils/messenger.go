package utils

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	"rentnest/models"
)

// MessageService is the 1:1 transport used to deliver rendered bulk content.
// It either succeeds synchronously, returning the delivered message id, or
// fails with an error.
type MessageService interface {
	SendMessage(content string, recipientID, senderID uint) (string, error)
}

// Messenger delivers by persisting an in-app message row.
type Messenger struct {
	DB *gorm.DB
}

func NewMessenger(db *gorm.DB) *Messenger {
	return &Messenger{DB: db}
}

func (m *Messenger) SendMessage(content string, recipientID, senderID uint) (string, error) {
	msg := models.Message{
		MessageID:   uuid.New().String(),
		SenderID:    senderID,
		RecipientID: recipientID,
		Body:        content,
	}

	if err := m.DB.Create(&msg).Error; err != nil {
		return "", err
	}

	return msg.MessageID, nil
}
