package repository

import (
	"fmt"

	"gorm.io/gorm"

	"docchat/internal/model"
)

type RAGChunkRepository struct {
	db *gorm.DB
}

func NewRAGChunkRepository(db *gorm.DB) *RAGChunkRepository {
	return &RAGChunkRepository{db: db}
}

// ListByDocumentID returns the document's chunks in document order.
func (r *RAGChunkRepository) ListByDocumentID(documentID uint) ([]model.RAGChunk, error) {
	var chunks []model.RAGChunk
	if err := r.db.Where("document_id = ?", documentID).Order("position ASC").Find(&chunks).Error; err != nil {
		return nil, fmt.Errorf("list rag chunks by document failed: %w", err)
	}
	return chunks, nil
}
