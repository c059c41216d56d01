package model

import "time"

// Session is the persisted form of a chat session. The live conversation
// state is held by session.Store; this row lets a restarted process restore it.
type Session struct {
	ID           string    `gorm:"primaryKey;size:64" json:"id"`
	UserID       uint      `gorm:"not null;index" json:"user_id"`
	Title        string    `gorm:"size:128;not null" json:"title"`
	Persona      string    `gorm:"size:64;not null" json:"persona"`
	Language     string    `gorm:"size:64;not null" json:"language"`
	UseRAG       bool      `gorm:"not null;default:false" json:"use_rag"`
	DocumentName string    `gorm:"size:256" json:"document_name,omitempty"`
	DocumentHash string    `gorm:"size:64" json:"document_hash,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
