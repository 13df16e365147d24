package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"

	"RewardPool/internal/config"
	"RewardPool/internal/observability"
	"RewardPool/internal/persistence"

	_ "github.com/lib/pq"
)

func main() {
	configPath := flag.String("config", "rewardpool.yaml", "path to the YAML config file")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: migrate [-config file] <up|down|status>")
		fmt.Fprintln(os.Stderr, "  up     - apply all pending migrations")
		fmt.Fprintln(os.Stderr, "  down   - roll back the last migration")
		fmt.Fprintln(os.Stderr, "  status - list pending migrations")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Environment overrides: RP_POSTGRES_DSN, RP_MIGRATIONS_DIR")
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, logger)

	switch flag.Arg(0) {
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

	case "status":
		pending, err := migrator.Pending(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate status")
		}
		if len(pending) == 0 {
			logger.Info().Msg("schema is up to date")
			return
		}
		for _, name := range pending {
			logger.Info().Str("migration", name).Msg("pending")
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
		flag.Usage()
		os.Exit(1)
	}
}
