package main

import (
	"errors"
	"flag"
	"fmt"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/logger"
)

func main() {
	var migrationDir string
	flag.StringVar(&migrationDir, "path", "", "Path to migration files (default MIGRATIONS_PATH)")
	flag.Parse()

	// Load config
	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	if migrationDir == "" {
		migrationDir = cfg.MigrationsPath
	}
	if cfg.DatabaseURL == "" {
		log.Fatal().Msg("DATABASE_URL is not set")
	}

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		return
	}

	m, err := migrate.New("file://"+migrationDir, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Migration failed to initialize")
	}
	defer m.Close()

	switch command := args[0]; command {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatal().Err(err).Msg("Up failed")
		}
		log.Info().Msg("Migrated up successfully")
	case "down":
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatal().Err(err).Msg("Down failed")
		}
		log.Info().Msg("Migrated down successfully")
	case "version":
		version, dirty, err := m.Version()
		if err != nil {
			log.Fatal().Err(err).Msg("Version failed")
		}
		log.Info().Uint("version", version).Bool("dirty", dirty).Msg("Current migration")
	case "force":
		if len(args) < 2 {
			log.Fatal().Msg("force requires version argument")
		}
		v, err := strconv.Atoi(args[1])
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid version")
		}
		if err := m.Force(v); err != nil {
			log.Fatal().Err(err).Msg("Force failed")
		}
		log.Info().Int("version", v).Msg("Forced version")
	default:
		printUsage()
	}
}

func printUsage() {
	fmt.Println("Usage: migrate [flags] <command>")
	fmt.Println("Commands: up, down, version, force <version>")
	fmt.Println("Flags:")
	flag.PrintDefaults()
}
