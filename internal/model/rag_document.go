package model

import "time"

// RAGDocument is the document currently attached to a session. There is at
// most one per session; replacing it replaces its chunks in the same transaction.
type RAGDocument struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	SessionID   string    `gorm:"size:64;not null;uniqueIndex" json:"session_id"`
	Name        string    `gorm:"size:256;not null" json:"name"`
	Fingerprint string    `gorm:"size:64;not null" json:"fingerprint"`
	ChunkCount  int       `gorm:"not null" json:"chunk_count"`
	CreatedAt   time.Time `json:"created_at"`
}
