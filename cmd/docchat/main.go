package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"docchat/internal/bootstrap"
	"docchat/internal/config"
	"docchat/internal/conversation"
	"docchat/internal/pkg/logger"
	"docchat/internal/rag"
)

var (
	persona  string
	language string
	verbose  bool

	rootCmd = &cobra.Command{
		Use:           "docchat",
		Short:         "Chat with an LLM, optionally grounded in a document",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Start a plain conversation",
		Args:  cobra.NoArgs,
		RunE:  runChat,
	}

	ragCmd = &cobra.Command{
		Use:   "rag",
		Short: "Index a document and ask questions about it",
		Args:  cobra.NoArgs,
		RunE:  runRAG,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&persona, "persona", "", "assistant persona (default from config)")
	rootCmd.PersistentFlags().StringVar(&language, "language", "", "reply language (default from config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log debug output to stderr")

	ragCmd.Flags().String("file", "", "path to a pdf, txt, docx or csv file")
	_ = ragCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(chatCmd, ragCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

// cliEnv is what both commands share. Sessions live in memory only.
type cliEnv struct {
	cfg    *config.Config
	log    *zap.Logger
	engine *conversation.Engine
	embed  rag.Embedder
}

func setup() (*cliEnv, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	if cfg.LLM.APIKey == "" {
		return nil, errors.New("no API key: set LLM_API_KEY or GOOGLE_API_KEY or add one to the secrets file")
	}
	logCfg := cfg.Log
	logCfg.Level = "warn"
	if verbose {
		logCfg.Level = "debug"
	}
	log, err := logger.New(logCfg, false)
	if err != nil {
		return nil, err
	}

	if persona == "" {
		persona = cfg.Chat.DefaultPersona
	}
	if language == "" {
		language = cfg.Chat.DefaultLanguage
	}
	if len(cfg.Chat.Personas) > 0 && !slices.Contains(cfg.Chat.Personas, persona) {
		return nil, fmt.Errorf("unknown persona %q, choose one of %v", persona, cfg.Chat.Personas)
	}
	if len(cfg.Chat.Languages) > 0 && !slices.Contains(cfg.Chat.Languages, language) {
		return nil, fmt.Errorf("unknown language %q, choose one of %v", language, cfg.Chat.Languages)
	}

	prompts, err := bootstrap.NewPromptBuilder(cfg.Chat)
	if err != nil {
		return nil, err
	}
	llm := bootstrap.NewLLM(cfg.LLM)
	engine, err := conversation.NewEngine(bootstrap.NewSessionStore(cfg.Chat), llm, conversation.Options{
		MaxTokens: cfg.LLM.MaxTokens,
		TopK:      cfg.RAG.TopK,
		Prompts:   prompts,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}
	return &cliEnv{cfg: cfg, log: log, engine: engine, embed: llm}, nil
}
