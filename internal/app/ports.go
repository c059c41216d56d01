package app

import (
	"context"
	"time"

	"docchat/internal/model"
)

// The interfaces below are the storage capabilities the services use. Each
// is satisfied by the matching type in internal/repository, internal/cache
// or internal/platform/rabbitmq.

type UserRepository interface {
	Create(user *model.User) error
	GetByID(id uint) (*model.User, error)
	GetByUsername(username string) (*model.User, error)
	GetByEmail(email string) (*model.User, error)
}

type SessionRepository interface {
	Save(session *model.Session) error
	Touch(sessionID string, at time.Time) error
	ListByUserID(userID uint) ([]model.Session, error)
	GetByIDAndUserID(sessionID string, userID uint) (*model.Session, error)
	DeleteByIDAndUserID(sessionID string, userID uint) error
}

type MessageRepository interface {
	CreateBatch(messages []model.Message) error
	ListBySessionID(sessionID string, limit int) ([]model.Message, error)
	DeleteBySessionID(sessionID string) error
}

type DocumentRepository interface {
	GetBySessionID(sessionID string) (*model.RAGDocument, error)
	ReplaceForSession(doc *model.RAGDocument, chunks []model.RAGChunk) error
	DeleteBySessionID(sessionID string) error
}

type ChunkRepository interface {
	ListByDocumentID(documentID uint) ([]model.RAGChunk, error)
}

type MessagePublisher interface {
	Publish(ctx context.Context, msgs ...model.Message) error
}

type HistoryCache interface {
	GetHistory(ctx context.Context, sessionID string) ([]model.Message, bool, error)
	SetHistory(ctx context.Context, sessionID string, messages []model.Message) error
	Invalidate(ctx context.Context, sessionID string) error
	DeleteHistory(ctx context.Context, sessionID string) error
}

// Persistence groups the optional backing stores. A nil Sessions keeps the
// services purely in memory; Publisher and History are optional on top of it.
type Persistence struct {
	Sessions  SessionRepository
	Messages  MessageRepository
	Documents DocumentRepository
	Chunks    ChunkRepository
	Publisher MessagePublisher
	History   HistoryCache
}

func (p Persistence) enabled() bool {
	return p.Sessions != nil && p.Messages != nil && p.Documents != nil && p.Chunks != nil
}
