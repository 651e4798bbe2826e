package transcript

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/deskd/deskd/internal/common/config"
	"github.com/deskd/deskd/internal/common/logger"
	"github.com/deskd/deskd/internal/db"
	"github.com/deskd/deskd/internal/db/dialect"
)

// Provide creates the transcript store selected by storage.driver.
func Provide(cfg *config.Config, log *logger.Logger) (Store, func() error, error) {
	switch cfg.Storage.Driver {
	case "sqlite", "":
		writer, err := db.OpenSQLite(cfg.Storage.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		reader, err := db.OpenSQLiteReader(cfg.Storage.Path)
		if err != nil {
			_ = writer.Close()
			return nil, nil, fmt.Errorf("failed to open sqlite read pool: %w", err)
		}
		pool := db.NewPool(
			sqlx.NewDb(writer, dialect.SQLite3),
			sqlx.NewDb(reader, dialect.SQLite3),
		)
		store, err := NewSQLStore(pool)
		if err != nil {
			_ = pool.Close()
			return nil, nil, err
		}
		if log != nil {
			log.Info("Transcript store initialized",
				zap.String("driver", "sqlite"),
				zap.String("path", cfg.Storage.Path))
		}
		return store, store.Close, nil

	case "postgres":
		pg := cfg.Storage.Postgres
		conn, err := db.OpenPostgres(pg.DSN(), pg.MaxConns, pg.MinConns)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres database: %w", err)
		}
		sqlxDB := sqlx.NewDb(conn, dialect.PGX)
		pool := db.NewPool(sqlxDB, sqlxDB)
		store, err := NewSQLStore(pool)
		if err != nil {
			_ = pool.Close()
			return nil, nil, err
		}
		if log != nil {
			log.Info("Transcript store initialized",
				zap.String("driver", "postgres"),
				zap.String("host", pg.Host))
		}
		return store, store.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported storage driver: %s", cfg.Storage.Driver)
	}
}
