package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/fedrun/config"
	"github.com/BaSui01/fedrun/internal/migration"
)

// runMigrate handles `fedrun migrate <subcommand> [args] [flags]`.
func runMigrate(args []string) error {
	if len(args) < 1 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printMigrateUsage()
		return nil
	}
	sub := args[0]
	rest := args[1:]

	// positional arguments (steps N, goto V, force V) come before the flags
	var positional []string
	for len(rest) > 0 && !isFlag(rest[0]) {
		positional = append(positional, rest[0])
		rest = rest[1:]
	}

	fs := flag.NewFlagSet("migrate "+sub, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")
	verbose := fs.Bool("verbose", false, "Log migration steps")
	fs.Parse(rest)

	logger := zap.NewNop()
	if *verbose {
		logger = initLogger(config.LogConfig{Level: "debug", Format: "console"})
		defer logger.Sync()
	}

	migrator, err := createMigrator(*configPath, *dbType, *dbURL, logger)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer migrator.Close()

	cli := migration.NewCLI(migrator)
	cli.SetOutput(os.Stdout)
	return cli.Run(context.Background(), sub, positional)
}

// isFlag reports whether arg is a flag rather than a (possibly negative)
// number or other positional argument.
func isFlag(arg string) bool {
	if !strings.HasPrefix(arg, "-") {
		return false
	}
	_, err := strconv.Atoi(arg)
	return err != nil
}

// createMigrator prefers an explicit --db-type/--db-url pair over the
// database section of the config.
func createMigrator(configPath, dbType, dbURL string, logger *zap.Logger) (*migration.DefaultMigrator, error) {
	if dbType != "" && dbURL != "" {
		return migration.NewMigratorFromURL(dbType, dbURL, logger)
	}

	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if dbType != "" {
		cfg.Database.Driver = dbType
	}
	return migration.NewMigratorFromDatabaseConfig(cfg.Database, logger)
}

func printMigrateUsage() {
	fmt.Println(`Database Migration Commands

Usage:
  fedrun migrate <subcommand> [args] [options]

Subcommands:
  up          Apply all pending migrations
  down        Roll back the last migration
  down-all    Roll back every migration
  steps <n>   Apply n migrations (negative rolls back)
  goto <v>    Migrate to a specific version
  force <v>   Force the recorded version (use with caution)
  version     Show the current version
  status      Show every migration and whether it is applied
  info        Show version, dirty flag and pending count

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    postgres, mysql or sqlite (default: from config)
  --db-url <url>      Connection URL (default: from config)
  --verbose           Log migration steps

Examples:
  fedrun migrate up --config /etc/fedrun/central.yaml
  fedrun migrate goto 1
  fedrun migrate status --db-type sqlite --db-url sqlite3://fedrun.db`)
}
