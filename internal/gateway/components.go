// ABOUTME: Builders for the gateway's pluggable components
// ABOUTME: Picks the task store, outbound transport, LLM client and lead exporter from config

package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/2389/stagehand/internal/config"
	"github.com/2389/stagehand/internal/export"
	"github.com/2389/stagehand/internal/llm"
	"github.com/2389/stagehand/internal/scheduler"
	"github.com/2389/stagehand/internal/store"
	"github.com/2389/stagehand/internal/transport"
	"github.com/2389/stagehand/internal/transport/matrix"
)

// databasePath resolves the SQLite file. STAGEHAND_DB_PATH overrides the config.
func databasePath(cfg *config.Config) string {
	if envPath := os.Getenv("STAGEHAND_DB_PATH"); envPath != "" {
		return envPath
	}
	return cfg.Database.Path
}

// initStore opens the conversation store.
func initStore(dbPath string) (*store.SQLiteStore, error) {
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initTaskStore builds the scheduler backend named in config.
func initTaskStore(cfg *config.Config, dbPath string) (scheduler.TaskStore, error) {
	switch cfg.Scheduler.Backend {
	case config.BackendMemory:
		return scheduler.NewMemoryTaskStore(), nil
	case config.BackendRedis:
		r := cfg.Scheduler.Redis
		ts, err := scheduler.NewRedisTaskStore(scheduler.RedisOptions{
			Addr:     r.Addr,
			Password: r.Password,
			DB:       r.DB,
			Prefix:   r.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("initializing redis task store: %w", err)
		}
		return ts, nil
	default:
		ts, err := scheduler.NewSQLTaskStore(dbPath)
		if err != nil {
			return nil, fmt.Errorf("initializing task store: %w", err)
		}
		return ts, nil
	}
}

// initSender returns the Matrix bridge when enabled, otherwise a sender
// that only logs.
func initSender(cfg *config.Config, logger *slog.Logger) (transport.Sender, *matrix.Bridge, error) {
	if !cfg.Matrix.Enabled {
		logger.Warn("matrix disabled, outbound messages are only logged")
		return transport.NewLogSender(logger), nil, nil
	}
	bridge, err := matrix.New(matrix.Config{
		Homeserver:   cfg.Matrix.Homeserver,
		UserID:       cfg.Matrix.UserID,
		AccessToken:  cfg.Matrix.AccessToken,
		AllowedRooms: cfg.Matrix.AllowedRooms,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	return bridge, bridge, nil
}

// llmDeps groups the optional model-backed collaborators. Fields stay nil
// interfaces when no API key is configured.
type llmDeps struct {
	generator  llm.Generator
	classifier llm.Classifier
	extractor  llm.Extractor
}

func initLLM(cfg *config.Config, logger *slog.Logger) (llmDeps, error) {
	client, err := llm.NewClient(llm.Config{
		APIKey:    cfg.LLM.APIKey,
		Model:     cfg.LLM.Model,
		MaxTokens: cfg.LLM.MaxTokens,
		System:    cfg.LLM.System,
		Timeout:   cfg.LLM.Timeout,
		Logger:    logger,
	})
	if errors.Is(err, llm.ErrNoAPIKey) {
		logger.Warn("no llm api key, using fixed texts and rule-based escape detection")
		return llmDeps{}, nil
	}
	if err != nil {
		return llmDeps{}, fmt.Errorf("initializing llm client: %w", err)
	}
	return llmDeps{generator: client, classifier: client, extractor: client}, nil
}

// exporter is a lead exporter that may hold a connection.
type exporter interface {
	export.Exporter
	Close() error
}

type logExporter struct{ *export.LogExporter }

func (logExporter) Close() error { return nil }

func initExporter(cfg *config.Config, logger *slog.Logger) (exporter, error) {
	if cfg.Export.Driver == "" {
		logger.Warn("no export driver configured, leads are only logged")
		return logExporter{export.NewLogExporter(logger)}, nil
	}
	exp, err := export.Open(cfg.Export.Driver, cfg.Export.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing exporter: %w", err)
	}
	return exp, nil
}
