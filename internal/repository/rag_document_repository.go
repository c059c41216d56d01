package repository

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"docchat/internal/model"
)

const chunkInsertBatch = 100

type RAGDocumentRepository struct {
	db *gorm.DB
}

func NewRAGDocumentRepository(db *gorm.DB) *RAGDocumentRepository {
	return &RAGDocumentRepository{db: db}
}

func (r *RAGDocumentRepository) GetBySessionID(sessionID string) (*model.RAGDocument, error) {
	var doc model.RAGDocument
	if err := r.db.Where("session_id = ?", sessionID).First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get rag document failed: %w", err)
	}
	return &doc, nil
}

// ReplaceForSession swaps the session's document and chunks in one
// transaction. On error the previous document is left in place.
func (r *RAGDocumentRepository) ReplaceForSession(doc *model.RAGDocument, chunks []model.RAGChunk) error {
	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := deleteSessionDocument(tx, doc.SessionID); err != nil {
			return err
		}
		if err := tx.Create(doc).Error; err != nil {
			return fmt.Errorf("create rag document failed: %w", err)
		}
		if len(chunks) == 0 {
			return nil
		}
		for i := range chunks {
			chunks[i].DocumentID = doc.ID
		}
		if err := tx.CreateInBatches(&chunks, chunkInsertBatch).Error; err != nil {
			return fmt.Errorf("create rag chunks batch failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace rag document failed: %w", err)
	}
	return nil
}

func (r *RAGDocumentRepository) DeleteBySessionID(sessionID string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		return deleteSessionDocument(tx, sessionID)
	})
}

func deleteSessionDocument(tx *gorm.DB, sessionID string) error {
	var ids []uint
	if err := tx.Model(&model.RAGDocument{}).Where("session_id = ?", sessionID).Pluck("id", &ids).Error; err != nil {
		return fmt.Errorf("list rag document ids by session failed: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	if err := tx.Where("document_id IN ?", ids).Delete(&model.RAGChunk{}).Error; err != nil {
		return fmt.Errorf("delete rag chunks by document failed: %w", err)
	}
	if err := tx.Where("id IN ?", ids).Delete(&model.RAGDocument{}).Error; err != nil {
		return fmt.Errorf("delete rag documents by session failed: %w", err)
	}
	return nil
}
