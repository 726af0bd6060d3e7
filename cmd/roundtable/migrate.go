package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/BaSui01/roundtable/config"
	"github.com/BaSui01/roundtable/internal/migration"
)

// =============================================================================
// Database Migration Commands
// =============================================================================

// runMigrate handles the migrate command and its subcommands
func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateUsage()
		os.Exit(1)
	}

	sub, rest := args[0], args[1:]
	ctx := context.Background()

	switch sub {
	case "up":
		withMigrator("migrate up", rest, func(cli *migration.CLI) error { return cli.RunUp(ctx) })
	case "down":
		withMigrator("migrate down", rest, func(cli *migration.CLI) error { return cli.RunDown(ctx) })
	case "status":
		withMigrator("migrate status", rest, func(cli *migration.CLI) error { return cli.RunStatus(ctx) })
	case "version":
		withMigrator("migrate version", rest, func(cli *migration.CLI) error { return cli.RunVersion(ctx) })
	case "steps":
		n := mustParseInt(sub, rest)
		withMigrator("migrate steps", rest[1:], func(cli *migration.CLI) error { return cli.RunSteps(ctx, n) })
	case "goto":
		n := mustParseInt(sub, rest)
		if n < 0 {
			fmt.Fprintf(os.Stderr, "Invalid version number: %d\n", n)
			os.Exit(1)
		}
		withMigrator("migrate goto", rest[1:], func(cli *migration.CLI) error { return cli.RunGoto(ctx, uint(n)) })
	case "force":
		n := mustParseInt(sub, rest)
		withMigrator("migrate force", rest[1:], func(cli *migration.CLI) error { return cli.RunForce(ctx, n) })
	case "help", "-h", "--help":
		printMigrateUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", sub)
		printMigrateUsage()
		os.Exit(1)
	}
}

// printMigrateUsage prints the usage information for migrate command
func printMigrateUsage() {
	fmt.Println(`Database Migration Commands

Usage:
  roundtable migrate <subcommand> [options]

Subcommands:
  up          Apply all pending migrations
  down        Rollback the last migration
  steps <n>   Apply (n > 0) or rollback (n < 0) n migrations
  status      Show migration status
  version     Show current migration version
  goto <v>    Migrate to a specific version
  force <v>   Force set migration version (use with caution)
  help        Show this help message

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Examples:
  roundtable migrate up
  roundtable migrate up --config /etc/roundtable/config.yaml
  roundtable migrate steps -1
  roundtable migrate goto 1
  roundtable migrate force 0`)
}

func mustParseInt(sub string, args []string) int {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: roundtable migrate %s <number>\n", sub)
		os.Exit(1)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid number: %s\n", args[0])
		os.Exit(1)
	}
	return n
}

// withMigrator builds a migrator from the flags in args, runs fn and exits
// non-zero on failure.
func withMigrator(name string, args []string, fn func(*migration.CLI) error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	migrator, err := createMigrator(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	if err := fn(migration.NewCLI(migrator)); err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", name, err)
		os.Exit(1)
	}
}

// createMigrator creates a migrator from command line flags
func createMigrator(fs *flag.FlagSet, args []string) (*migration.DefaultMigrator, error) {
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *dbType != "" && *dbURL != "" {
		t, err := migration.ParseDatabaseType(*dbType)
		if err != nil {
			return nil, err
		}
		return migration.NewMigrator(&migration.Config{DatabaseType: t, DatabaseURL: *dbURL})
	}

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if *dbType != "" {
		cfg.Database.Driver = *dbType
	}
	if cfg.Database.InMemory() {
		return nil, fmt.Errorf("database driver %q has no schema to migrate", cfg.Database.Driver)
	}
	return migration.NewMigratorFromConfig(cfg.Database)
}
