package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/warp/stock-ledger/api"
	"github.com/warp/stock-ledger/cache"
	"github.com/warp/stock-ledger/config"
	"github.com/warp/stock-ledger/stock"
	stockstore "github.com/warp/stock-ledger/stock/store"
	"github.com/warp/stock-ledger/store/postgres"
	"github.com/warp/stock-ledger/store/sqlite"
)

// openBackend opens the configured store. The returned func releases it.
func openBackend(ctx context.Context, cfg config.StoreConfig, logger zerolog.Logger) (api.Backend, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory:
		logger.Warn().Msg("using in-memory store, data is lost on exit")
		return stockstore.NewMemory(), func() {}, nil

	case config.DriverSQLite:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("sqlite store ready")
		return s, closer(s.Close, logger), nil

	case config.DriverPostgres:
		s, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		logger.Info().Msg("postgres store ready")
		return s, closer(s.Close, logger), nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// openCache returns Redis when an address is configured, the in-process
// cache otherwise.
func openCache(ctx context.Context, cfg config.CacheConfig, logger zerolog.Logger) (stock.BalanceCache, func(), error) {
	if cfg.RedisAddr == "" {
		return cache.NewMemory(), func() {}, nil
	}
	c, err := cache.Dial(ctx, cfg.RedisAddr)
	if err != nil {
		return nil, nil, err
	}
	logger.Info().Str("addr", cfg.RedisAddr).Msg("redis balance cache ready")
	return c, closer(c.Close, logger), nil
}

func closer(fn func() error, logger zerolog.Logger) func() {
	return func() {
		if err := fn(); err != nil {
			logger.Error().Err(err).Msg("close failed")
		}
	}
}
