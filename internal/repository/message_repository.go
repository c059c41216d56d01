package repository

import (
	"fmt"

	"gorm.io/gorm"

	"docchat/internal/model"
)

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

func (r *MessageRepository) Create(message *model.Message) error {
	if err := r.db.Create(message).Error; err != nil {
		return fmt.Errorf("create message failed: %w", err)
	}
	return nil
}

func (r *MessageRepository) CreateBatch(messages []model.Message) error {
	if len(messages) == 0 {
		return nil
	}
	if err := r.db.Create(&messages).Error; err != nil {
		return fmt.Errorf("create messages batch failed: %w", err)
	}
	return nil
}

// ListBySessionID returns messages oldest first. A non-positive limit
// returns the whole conversation; otherwise the latest limit messages.
// Messages retried through the queue get a later id than their reply, so
// creation time orders first.
func (r *MessageRepository) ListBySessionID(sessionID string, limit int) ([]model.Message, error) {
	var messages []model.Message
	q := r.db.Where("session_id = ?", sessionID).Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("list messages failed: %w", err)
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (r *MessageRepository) DeleteBySessionID(sessionID string) error {
	if err := r.db.Where("session_id = ?", sessionID).Delete(&model.Message{}).Error; err != nil {
		return fmt.Errorf("delete messages by session failed: %w", err)
	}
	return nil
}
