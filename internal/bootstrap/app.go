package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"docchat/internal/ai"
	"docchat/internal/app"
	"docchat/internal/cache"
	"docchat/internal/config"
	"docchat/internal/conversation"
	"docchat/internal/metrics"
	mysqlClient "docchat/internal/platform/mysql"
	rabbitmqClient "docchat/internal/platform/rabbitmq"
	redisClient "docchat/internal/platform/redis"
	"docchat/internal/repository"
	"docchat/internal/session"
	"docchat/internal/worker"
)

// App holds every long-lived dependency of the server. Platform fields are
// nil when the matching config section is disabled.
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	MySQL         *gorm.DB
	Redis         *redis.Client
	MQConn        *amqp.Connection
	Publisher     *rabbitmqClient.MessagePublisher
	MessageWorker *worker.MessagePersistWorker

	LLM       *ai.Client
	Sessions  *session.Store
	Auth      *app.AuthService
	Chat      *app.ChatService
	Documents *app.DocumentService

	StartedAt time.Time
}

func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		Config:    cfg,
		Logger:    logger,
		Registry:  prometheus.NewRegistry(),
		StartedAt: time.Now(),
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	if err := a.connect(ctx); err != nil {
		return nil, err
	}

	prompts, err := NewPromptBuilder(cfg.Chat)
	if err != nil {
		return nil, err
	}
	a.LLM = NewLLM(cfg.LLM)
	a.Sessions = NewSessionStore(cfg.Chat)

	var persist app.Persistence
	if a.MySQL != nil {
		persist = app.Persistence{
			Sessions:  repository.NewSessionRepository(a.MySQL),
			Messages:  repository.NewMessageRepository(a.MySQL),
			Documents: repository.NewRAGDocumentRepository(a.MySQL),
			Chunks:    repository.NewRAGChunkRepository(a.MySQL),
		}
		if a.Redis != nil {
			persist.History = cache.NewHistoryCache(
				a.Redis,
				time.Duration(cfg.Redis.HistoryTTLSeconds)*time.Second,
				time.Duration(cfg.Redis.HistoryDirtyTTLSeconds)*time.Second,
			)
		}
		if a.Publisher != nil {
			persist.Publisher = a.Publisher
		}
		a.Auth = app.NewAuthService(
			repository.NewUserRepository(a.MySQL),
			cfg.Auth.JWTSecret,
			time.Duration(cfg.Auth.JWTExpireMinute)*time.Minute,
		)
	}

	a.Chat, err = app.NewChatService(a.Sessions, a.LLM, a.LLM, app.ChatOptions{
		Personas:    cfg.Chat.Personas,
		Languages:   cfg.Chat.Languages,
		MaxTokens:   cfg.LLM.MaxTokens,
		TopK:        cfg.RAG.TopK,
		Prompts:     prompts,
		Persistence: persist,
		Metrics:     a.Metrics,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	a.Documents = app.NewDocumentService(a.Chat, a.LLM, app.DocumentOptions{
		ChunkSize:            cfg.RAG.ChunkSize,
		ChunkOverlap:         cfg.RAG.ChunkOverlap,
		EmbeddingBatchSize:   cfg.RAG.EmbeddingBatchSize,
		EmbeddingConcurrency: cfg.RAG.EmbeddingConcurrency,
		Metrics:              a.Metrics,
		Logger:               logger,
	})
	return a, nil
}

// connect opens the enabled platforms. The message queue is only used
// together with MySQL, which its worker writes to.
func (a *App) connect(ctx context.Context) error {
	cfg := a.Config
	if cfg.MySQL.Enabled {
		db, err := mysqlClient.New(ctx, cfg.MySQLDSN(), !cfg.IsProduction())
		if err != nil {
			return err
		}
		a.MySQL = db
	} else {
		a.Logger.Warn("mysql disabled, sessions are kept in memory only")
	}

	if cfg.Redis.Enabled && a.MySQL != nil {
		client, err := redisClient.New(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		a.Redis = client
	}

	if cfg.RabbitMQ.Enabled && a.MySQL != nil {
		conn, err := rabbitmqClient.New(ctx, cfg.RabbitMQ.URL)
		if err != nil {
			return err
		}
		a.MQConn = conn
		a.Publisher = rabbitmqClient.NewMessagePublisher(conn, cfg.RabbitMQ.MessagePersistQueue)
		a.MessageWorker = worker.NewMessagePersistWorker(
			conn,
			repository.NewMessageRepository(a.MySQL),
			cfg.RabbitMQ.MessagePersistQueue,
			a.Logger,
		)
		if err := a.MessageWorker.Start(ctx); err != nil {
			return fmt.Errorf("start message worker failed: %w", err)
		}
	}
	return nil
}

func (a *App) Close() error {
	var errs []error
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.MessageWorker != nil {
		a.MessageWorker.Close()
	}
	if a.Publisher != nil {
		errs = append(errs, a.Publisher.Close())
	}
	if a.MQConn != nil && !a.MQConn.IsClosed() {
		errs = append(errs, a.MQConn.Close())
	}
	if a.MySQL != nil {
		if sqlDB, err := a.MySQL.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}

// NewLLM builds the model and embedding client from config.
func NewLLM(cfg config.LLMConfig) *ai.Client {
	return ai.NewClient(ai.Config{
		BaseURL:           cfg.BaseURL,
		APIKey:            cfg.APIKey,
		Model:             cfg.Model,
		EmbeddingModel:    cfg.EmbeddingModel,
		Tokenizer:         cfg.Tokenizer,
		RequestsPerMinute: cfg.RequestsPerMinute,
		Timeout:           time.Duration(cfg.TimeoutSeconds) * time.Second,
	})
}

// NewPromptBuilder uses the configured template file, or the built-in
// template when none is set.
func NewPromptBuilder(cfg config.ChatConfig) (*conversation.PromptBuilder, error) {
	if cfg.SystemPromptFile == "" {
		return conversation.NewPromptBuilder(conversation.DefaultSystemTemplate)
	}
	data, err := os.ReadFile(cfg.SystemPromptFile)
	if err != nil {
		return nil, fmt.Errorf("read system prompt file failed: %w", err)
	}
	return conversation.NewPromptBuilder(string(data))
}

func NewSessionStore(cfg config.ChatConfig) *session.Store {
	return session.NewStore(time.Duration(cfg.SessionTTLMinutes)*time.Minute, session.Settings{
		Title:    app.DefaultTitle,
		Persona:  cfg.DefaultPersona,
		Language: cfg.DefaultLanguage,
	})
}
