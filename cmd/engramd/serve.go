package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hikarudo/engram/common/retry"
	"github.com/hikarudo/engram/internal/classify"
	"github.com/hikarudo/engram/internal/config"
	"github.com/hikarudo/engram/internal/engine"
	"github.com/hikarudo/engram/internal/mcp"
	"github.com/hikarudo/engram/internal/memory"
	"github.com/hikarudo/engram/internal/observability"
	"github.com/hikarudo/engram/internal/trigger"
)

var autoExecute bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the memory engine and its API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		observability.Setup(cfg.LogLevel, cfg.LogFormat)
		logger := slog.Default()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		db, err := memory.OpenDB(cfg.DatabasePath)
		if err != nil {
			return err
		}
		defer db.Close()

		remote, err := openRemote(ctx, cfg, logger)
		if err != nil {
			return err
		}

		store, err := memory.NewStore(db, remote, openEmbedder(cfg),
			storeConfig(cfg), outboxConfig(cfg), logger)
		if err != nil {
			remote.Close()
			return err
		}
		defer store.Close()

		rules, err := cfg.TriggerRules()
		if err != nil {
			return err
		}
		var external classify.Classifier
		if cfg.Classifier.Enabled {
			external = classify.NewOpenAI(classify.Config{
				APIKey:  cfg.Classifier.APIKey,
				BaseURL: cfg.Classifier.BaseURL,
				Model:   cfg.Classifier.Model,
			})
		}

		coord := engine.New(engine.Config{
			DefaultProject:       cfg.Store.DefaultProject,
			BufferCapacity:       cfg.Buffer.Capacity,
			MinSubstantiveLength: cfg.Buffer.MinSubstantiveLength,
			GlobalPerMinute:      cfg.Triggers.GlobalPerMinute,
			AutoExecute:          autoExecute,
			Classifier: trigger.ClassifierConfig{
				AutoSaveThreshold: cfg.Triggers.AutoSaveThreshold,
				SemanticThreshold: cfg.Triggers.SemanticThreshold,
			},
		},
			trigger.NewEngine(rules, cfg.Buffer.MinSubstantiveLength),
			trigger.NewScorer(trigger.DefaultScoreWeights, cfg.Triggers.ImportanceVocabulary),
			store, external, logger)
		defer coord.Close()

		go store.Outbox().Run(ctx)

		srv := mcp.NewServer(coord, logger)
		logger.Info("engramd starting",
			"backend", cfg.Store.Backend, "rules", len(rules), "auto_execute", autoExecute)
		if cfg.Server.Socket != "" {
			err = srv.ServeUnix(ctx, cfg.Server.Socket)
		} else {
			err = srv.ServeStdio(ctx)
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	serveCmd.Flags().BoolVar(&autoExecute, "auto-execute", true,
		"execute save decisions against the store instead of only reporting them")
}

func loadConfig() (config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// openRemote selects the vector backend. The pgvector connect is retried
// so a database that comes up alongside the daemon does not kill it.
func openRemote(ctx context.Context, cfg config.Config, logger *slog.Logger) (memory.RemoteStore, error) {
	switch cfg.Store.Backend {
	case "", "memory":
		return memory.NewInMemoryRemote(), nil
	case "chromem":
		if cfg.Store.Path == "" {
			return memory.NewChromemRemoteInMemory(logger), nil
		}
		return memory.NewChromemRemote(cfg.Store.Path, logger)
	case "pgvector":
		var remote *memory.PgvectorRemote
		err := retry.Do(ctx, retry.Config{
			MaxAttempts: 5,
			BaseDelay:   time.Second,
			MaxDelay:    15 * time.Second,
		}, func() error {
			var connErr error
			remote, connErr = memory.NewPgvectorRemote(ctx, cfg.Store.DSN, cfg.Store.Dimensions)
			return connErr
		})
		if err != nil {
			return nil, fmt.Errorf("connect to pgvector: %w", err)
		}
		return remote, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func openEmbedder(cfg config.Config) memory.Embedder {
	switch cfg.Embedding.Provider {
	case "openai":
		return memory.NewOpenAIEmbedder(memory.OpenAIEmbedderConfig{
			APIKey:  cfg.Embedding.APIKey,
			BaseURL: cfg.Embedding.BaseURL,
			Model:   cfg.Embedding.Model,
		})
	case "mock":
		return memory.NewMockEmbedder(cfg.Store.Dimensions)
	default:
		return memory.NoopEmbedder{}
	}
}

func storeConfig(cfg config.Config) memory.StoreConfig {
	return memory.StoreConfig{
		MaxContentLength: cfg.Store.MaxContentLength,
		SearchLimit:      cfg.Store.SearchLimit,
		SearchThreshold:  cfg.Store.SearchThreshold,
		CacheSize:        cfg.Store.CacheSize,
		CacheTTL:         secs(cfg.Store.CacheTTLSeconds),
	}
}

func outboxConfig(cfg config.Config) memory.OutboxConfig {
	return memory.OutboxConfig{
		MaxAttempts:    cfg.Outbox.MaxAttempts,
		BatchSize:      cfg.Outbox.BatchSize,
		BaseDelay:      secs(cfg.Outbox.BaseDelaySeconds),
		MaxDelay:       secs(cfg.Outbox.MaxDelaySeconds),
		DrainInterval:  secs(cfg.Outbox.DrainIntervalSecs),
		AttemptTimeout: secs(cfg.Outbox.AttemptTimeoutSecs),
	}
}

func secs(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
