package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/jmcleod/coditime/internal/config"
	"github.com/jmcleod/coditime/storage"
	"github.com/jmcleod/coditime/storage/memory"
	"github.com/jmcleod/coditime/storage/postgres"
	"github.com/jmcleod/coditime/storage/sqlite"
)

// errConfigCreated stops a command after a default configuration file was
// written in place of a missing one.
var errConfigCreated = errors.New("default configuration written")

// loadConfig reads the configuration file. A missing file is replaced by
// the defaults and errConfigCreated is returned so the operator can review
// it before the first start.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if errors.Is(err, os.ErrNotExist) {
		if err := config.WriteDefault(configPath); err != nil {
			return nil, err
		}
		fmt.Fprintf(os.Stderr, "No configuration found; wrote defaults to %s. Review it and start again.\n", configPath)
		return nil, errConfigCreated
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := sqlite.Open(cfg.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite database: %w", err)
		}
		return s, nil
	case "postgres":
		s, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		return s, nil
	case "memory":
		logger.Warn("using in-memory database, all accounts are lost on restart")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
