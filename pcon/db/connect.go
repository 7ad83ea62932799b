// Package db opens the embedded libsql database used for transcript
// archives and applies its goose migrations.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	_ "github.com/tursodatabase/go-libsql"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Open connects to the libsql file at path, creating its directory when
// missing, and verifies the connection.
func Open(ctx context.Context, path string, logger zerolog.Logger) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create database directory %s: %w", dir, err)
	}

	dsn := "file:" + path
	logger.Debug().Str("dsn", dsn).Msg("connecting to embedded libsql")

	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open libsql connection: %w", err)
	}
	if err := ping(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func ping(ctx context.Context, db *sql.DB) error {
	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("basic connectivity test failed: %w", err)
	}
	if result != 1 {
		return fmt.Errorf("basic connectivity test failed: unexpected result %d", result)
	}
	return nil
}

// Migrate applies every pending embedded migration and returns how many ran.
func Migrate(ctx context.Context, db *sql.DB) (int, error) {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return 0, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectTurso, db, fsys)
	if err != nil {
		return 0, fmt.Errorf("failed to create goose provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return len(results), fmt.Errorf("failed to run goose migrations: %w", err)
	}
	return len(results), nil
}

// OpenAndMigrate opens path and brings its schema up to date.
func OpenAndMigrate(ctx context.Context, path string, logger zerolog.Logger) (*sql.DB, error) {
	db, err := Open(ctx, path, logger)
	if err != nil {
		return nil, err
	}
	applied, err := Migrate(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	if applied > 0 {
		logger.Info().Str("path", path).Int("applied", applied).Msg("transcript schema migrated")
	}
	return db, nil
}
