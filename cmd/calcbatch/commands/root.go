package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"batch-calc-engine/internal/calculator"
	"batch-calc-engine/internal/config"
	"batch-calc-engine/internal/database"
	"batch-calc-engine/internal/engine"
	"batch-calc-engine/internal/export"
	"batch-calc-engine/internal/logger"
)

const cliExecutable = "calcbatch"

// NewCommand constructs the top-level calcbatch CLI command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           cliExecutable,
		Short:         "Batch calculation job engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.AddCommand(newServeCommand(), newRunCommand())
	return cmd
}

// openStore opens the job store selected by cfg.StoreDriver.
func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (database.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		db, err := database.NewSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		log.Info().Str("path", cfg.SQLitePath).Msg("store: sqlite ready")
		return db, nil
	case config.DriverPostgres:
		db, err := database.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		log.Info().Msg("store: postgres ready")
		return db, nil
	default:
		log.Info().Msg("store: in-memory")
		return database.NewMemoryStore(), nil
	}
}

func newController(store database.Store, cfg *config.Config, log zerolog.Logger) *engine.Controller {
	return engine.New(store, calculator.NewDefaultRegistry(), export.NewDefaultRegistry(), log, engine.Options{
		MaxRunningJobs:  cfg.MaxRunningJobs,
		DefaultPoolSize: cfg.DefaultPoolSize,
		MaxPoolSize:     cfg.MaxPoolSize,
		EventBuffer:     cfg.EventBuffer,
	})
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logger.New(cfg.AppEnv), nil
}
