package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"docchat/internal/document"
	"docchat/internal/metrics"
	"docchat/internal/model"
	"docchat/internal/rag"
	"docchat/internal/session"
)

var ErrNoDocument = errors.New("session has no document")

type DocumentOptions struct {
	ChunkSize            int
	ChunkOverlap         int
	EmbeddingBatchSize   int
	EmbeddingConcurrency int
	Metrics              *metrics.Metrics
	Logger               *zap.Logger
}

// DocumentService attaches uploaded files to sessions as retrieval indexes.
type DocumentService struct {
	chats   *ChatService
	chunker *rag.Chunker
	builder rag.Builder
	metrics *metrics.Metrics
	logger  *zap.Logger
}

type AttachInput struct {
	UserID    uint
	SessionID string
	Filename  string
	Data      []byte
}

type AttachResult struct {
	Filename    string `json:"filename"`
	Fingerprint string `json:"fingerprint"`
	Chunks      int    `json:"chunks"`
	// Skipped is set when the same file was already attached.
	Skipped bool `json:"skipped"`
}

func NewDocumentService(chats *ChatService, embedder rag.Embedder, opts DocumentOptions) *DocumentService {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocumentService{
		chats:   chats,
		chunker: rag.NewChunker(opts.ChunkSize, opts.ChunkOverlap),
		builder: rag.Builder{
			Embedder:    embedder,
			BatchSize:   opts.EmbeddingBatchSize,
			Concurrency: opts.EmbeddingConcurrency,
		},
		metrics: opts.Metrics,
		logger:  logger.Named("document"),
	}
}

// Attach extracts, chunks and embeds the file and makes it the session's
// document, enabling retrieval. Re-uploading the attached file is a no-op.
// On any failure the previous document stays in place.
func (s *DocumentService) Attach(ctx context.Context, in AttachInput) (*AttachResult, error) {
	filename := strings.TrimSpace(in.Filename)
	if filename == "" || len(in.Data) == 0 {
		return nil, ErrInvalidInput
	}
	if !document.IsSupported(filename) {
		return nil, fmt.Errorf("%w: %s", document.ErrUnsupportedType, filename)
	}
	sess, err := s.chats.load(ctx, in.UserID, in.SessionID)
	if err != nil {
		return nil, err
	}

	fingerprint := document.Fingerprint(in.Data)
	if cur := sess.Document(); cur != nil && cur.Fingerprint == fingerprint {
		s.metrics.ObserveIngest(metrics.IngestDuplicate, cur.Chunks)
		return &AttachResult{Filename: cur.Filename, Fingerprint: fingerprint, Chunks: cur.Chunks, Skipped: true}, nil
	}

	doc, err := s.ingest(ctx, filename, fingerprint, in.Data)
	if err != nil {
		s.metrics.ObserveIngest(metrics.IngestError, 0)
		return nil, err
	}
	if err := s.persist(sess.ID(), doc); err != nil {
		s.metrics.ObserveIngest(metrics.IngestError, 0)
		return nil, err
	}

	sess.SetDocument(doc)
	sess.UpdateSettings(func(st *session.Settings) { st.UseRAG = true })
	if err := s.chats.save(sess); err != nil {
		s.logger.Error("save session failed", zap.String("session_id", sess.ID()), zap.Error(err))
	}

	s.metrics.ObserveIngest(metrics.IngestOK, doc.Chunks)
	s.logger.Info("document attached",
		zap.String("session_id", sess.ID()),
		zap.String("filename", filename),
		zap.Int("chunks", doc.Chunks),
	)
	return &AttachResult{Filename: filename, Fingerprint: fingerprint, Chunks: doc.Chunks}, nil
}

// Detach removes the session's document and turns retrieval off.
func (s *DocumentService) Detach(ctx context.Context, userID uint, sessionID string) error {
	sess, err := s.chats.load(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	if sess.Document() == nil {
		return ErrNoDocument
	}
	if s.chats.persist.enabled() {
		if err := s.chats.persist.Documents.DeleteBySessionID(sess.ID()); err != nil {
			return err
		}
	}
	sess.ClearDocument()
	sess.UpdateSettings(func(st *session.Settings) { st.UseRAG = false })
	return s.chats.save(sess)
}

func (s *DocumentService) ingest(ctx context.Context, filename, fingerprint string, data []byte) (*session.Document, error) {
	text, err := document.Extract(data, filename)
	if err != nil {
		return nil, err
	}
	chunks, err := s.chunker.Split(text)
	if err != nil {
		return nil, err
	}
	ix, err := s.builder.Build(ctx, chunks)
	if err != nil {
		return nil, err
	}
	return &session.Document{
		Index:       ix,
		Filename:    filename,
		Fingerprint: fingerprint,
		Chunks:      ix.Len(),
	}, nil
}

func (s *DocumentService) persist(sessionID string, doc *session.Document) error {
	if !s.chats.persist.enabled() {
		return nil
	}
	chunks := doc.Index.Chunks()
	vectors := doc.Index.Vectors()
	rows := make([]model.RAGChunk, len(chunks))
	for i, c := range chunks {
		rows[i] = model.RAGChunk{Position: c.Position, Content: c.Text}
		rows[i].SetEmbedding(vectors[i])
	}
	return s.chats.persist.Documents.ReplaceForSession(&model.RAGDocument{
		SessionID:   sessionID,
		Name:        doc.Filename,
		Fingerprint: doc.Fingerprint,
		ChunkCount:  len(rows),
	}, rows)
}
