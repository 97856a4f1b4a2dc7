package main

import (
	"CDPLedger/internal/config"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/persistence"
	"CDPLedger/migrations"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"

	_ "github.com/lib/pq"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down>")
		fmt.Println("  up   - apply all pending migrations")
		fmt.Println("  down - roll back the last migration")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  CDP_POSTGRES_DSN    - Postgres connection string")
		fmt.Println("  CDP_MIGRATIONS_DIR  - read migrations from disk instead of the embedded set")
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	var files fs.FS = migrations.FS
	if dir := os.Getenv("CDP_MIGRATIONS_DIR"); dir != "" {
		files = os.DirFS(dir)
	}
	migrator, err := persistence.NewMigrator(db, files, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("load migrations")
	}

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up' or 'down')\n", os.Args[1])
		os.Exit(1)
	}
}
