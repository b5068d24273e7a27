package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jmerrifield20/RentLedger/internal/config"
	"github.com/jmerrifield20/RentLedger/internal/database"
	"github.com/jmerrifield20/RentLedger/internal/ledger"
	"github.com/jmerrifield20/RentLedger/internal/rentals"
	"github.com/jmerrifield20/RentLedger/internal/reputation"
)

// storage groups the repositories backed by one configured driver.
type storage struct {
	events     ledger.Store
	rentals    rentals.Repository
	reputation reputation.Repository
	ping       func(ctx context.Context) error
	close      func()
}

func openStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*storage, error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		if cfg.Database.AutoMigrate {
			if err := database.MigratePostgres(cfg.Database.URL); err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		pool, err := database.Connect(ctx, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		store := ledger.NewPostgresStore(pool, logger)
		store.SetLockTimeout(cfg.Ledger.AppendTimeout)
		logger.Info("connected to postgres")
		return &storage{
			events:     store,
			rentals:    rentals.NewPostgresRepository(pool),
			reputation: reputation.NewPostgresRepository(pool),
			ping:       pool.Ping,
			close:      pool.Close,
		}, nil

	case config.DriverSQLite:
		db, err := database.OpenSQLite(cfg.Database.SQLitePath)
		if err != nil {
			return nil, err
		}
		if cfg.Database.AutoMigrate {
			if err := database.MigrateSQLite(db); err != nil {
				db.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		logger.Info("opened sqlite database", zap.String("path", cfg.Database.SQLitePath))
		return &storage{
			events:     ledger.NewSQLiteStore(db, logger),
			rentals:    rentals.NewSQLiteRepository(db),
			reputation: reputation.NewSQLiteRepository(db),
			ping:       db.PingContext,
			close:      func() { db.Close() },
		}, nil

	default:
		logger.Warn("using in-memory storage; data is lost on restart")
		return &storage{
			events:     ledger.NewMemoryStore(),
			rentals:    rentals.NewMemoryRepository(),
			reputation: reputation.NewMemoryRepository(),
			ping:       func(context.Context) error { return nil },
			close:      func() {},
		}, nil
	}
}
