package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/Echoxiawan/KBaseCase/internal/config"
	"github.com/Echoxiawan/KBaseCase/internal/embeddings"
	"github.com/Echoxiawan/KBaseCase/internal/generation"
	"github.com/Echoxiawan/KBaseCase/internal/knowledge"
	"github.com/Echoxiawan/KBaseCase/internal/llm"
	"github.com/Echoxiawan/KBaseCase/internal/logging"
	"github.com/Echoxiawan/KBaseCase/internal/telemetry"
	"go.uber.org/zap"
)

// app holds the long-lived dependencies shared by every pipeline run.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	encoders  *embeddings.Shared
	kb        knowledge.Store
	pipeline  *generation.Service
}

// appOptions tune startup for the command being run.
type appOptions struct {
	// logToStderr keeps stdout free for command output.
	logToStderr bool
	// skipLLM is set by commands that never call the model.
	skipLLM bool
}

// newApp initialises dependencies in order:
//  1. Loads and validates configuration
//  2. Initializes telemetry and the logger
//  3. Builds the shared embedding ladder
//  4. Connects the knowledge base (optional unless knowledge.required)
//  5. Creates the LLM client and the generation service
func newApp(ctx context.Context, opts appOptions) (_ *app, err error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, cfg.Telemetry, version)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a := &app{cfg: cfg, telemetry: tel}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	a.logger, err = initLogger(cfg, tel, opts.logToStderr)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	zl := a.logger.Underlying()

	a.encoders = embeddings.NewShared(embeddings.LadderFromConfig(cfg.Embeddings.Strategies, zl))

	a.kb, err = initKnowledge(ctx, cfg.Knowledge, a.encoders, zl)
	if err != nil {
		return nil, err
	}

	if opts.skipLLM {
		return a, nil
	}
	completer, err := llm.New(cfg.LLM, zl)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize llm client: %w", err)
	}

	var retriever knowledge.Retriever
	if a.kb != nil {
		retriever = a.kb
	}
	a.pipeline = generation.NewService(cfg.Pipeline, a.encoders, completer, retriever, a.logger,
		generation.WithKnowledgeRequired(cfg.Knowledge.Required))

	a.logger.Info(ctx, "kbasecase initialized",
		zap.String("llm_model", cfg.LLM.Model),
		zap.String("knowledge_provider", cfg.Knowledge.Provider),
		zap.Bool("knowledge_ready", a.kb != nil),
		zap.Int("max_total_tokens", cfg.Pipeline.MaxTotalTokens),
		zap.Bool("telemetry", tel.Enabled()))
	return a, nil
}

func initLogger(cfg *config.Config, tel *telemetry.Telemetry, stderr bool) (*logging.Logger, error) {
	lcfg, err := logging.FromAppConfig(cfg.Logging)
	if err != nil {
		return nil, err
	}
	if stderr {
		lcfg.Output.Stdout, lcfg.Output.Stderr = false, true
	}
	lcfg.Fields = map[string]string{"service": "kbasecase", "version": version}
	return logging.NewLogger(lcfg, tel.LoggerProvider())
}

// initKnowledge builds the configured knowledge base. A missing or
// incomplete configuration is a warning unless the base is required.
func initKnowledge(ctx context.Context, cfg config.KnowledgeConfig, encoders *embeddings.Shared, logger *zap.Logger) (knowledge.Store, error) {
	var encoder embeddings.Provider
	if cfg.Provider == "local" || cfg.Provider == "qdrant" {
		var err error
		encoder, err = encoders.Get(ctx)
		if err != nil {
			return nil, fmt.Errorf("knowledge base needs an embedding backend: %w", err)
		}
	}

	store, err := knowledge.New(cfg, encoder, logger)
	switch {
	case err == nil:
		return store, nil
	case errors.Is(err, knowledge.ErrNotConfigured) && !cfg.Required:
		logger.Warn("knowledge base disabled", zap.Error(err))
		return nil, nil
	default:
		return nil, fmt.Errorf("failed to initialize knowledge base: %w", err)
	}
}

// Close releases resources in reverse order of creation.
func (a *app) Close(ctx context.Context) {
	if a.kb != nil {
		if err := a.kb.Close(); err != nil && a.logger != nil {
			a.logger.Warn(ctx, "closing knowledge base", zap.Error(err))
		}
	}
	if a.encoders != nil {
		if err := a.encoders.Close(); err != nil && a.logger != nil {
			a.logger.Warn(ctx, "closing embedding backend", zap.Error(err))
		}
	}
	if a.telemetry != nil {
		_ = a.telemetry.Shutdown(ctx)
	}
	if a.logger != nil {
		_ = a.logger.Sync() // Best-effort sync on shutdown
	}
}
