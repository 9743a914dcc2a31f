package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/joho/godotenv"

	"github.com/example/botauth/internal/config"
	"github.com/example/botauth/internal/store"
)

func main() {
	var (
		command = flag.String("command", "up", "Migration command: up, down, version, force")
		steps   = flag.Int("steps", 0, "Number of migration steps (for up/down)")
		version = flag.Uint("version", 0, "Target version (for force command)")
	)
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.New()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	if cfg.DBAdapter != "postgres" {
		log.Fatalf("Migrations only work with PostgreSQL. Current adapter: %s", cfg.DBAdapter)
	}

	m, err := store.NewMigrator(cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("Migrator error: %v", err)
	}
	defer m.Close()

	switch *command {
	case "up":
		if err := run(m, true, *steps); err != nil {
			log.Fatalf("Migration up failed: %v", err)
		}
		fmt.Println("✓ Migrations applied successfully")
	case "down":
		if err := run(m, false, *steps); err != nil {
			log.Fatalf("Migration down failed: %v", err)
		}
		fmt.Println("✓ Migrations rolled back successfully")
	case "version":
		v, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Println("No migrations applied")
			return
		}
		if err != nil {
			log.Fatalf("Failed to get version: %v", err)
		}
		if dirty {
			fmt.Printf("⚠ Database is in a dirty state (version %d)\n", v)
			os.Exit(1)
		}
		fmt.Printf("Current migration version: %d\n", v)
	case "force":
		if *version == 0 {
			log.Fatal("Version required for force command (use -version flag)")
		}
		if err := m.Force(int(*version)); err != nil {
			log.Fatalf("Force migration failed: %v", err)
		}
		fmt.Printf("✓ Forced database to version %d\n", *version)
	default:
		log.Fatalf("Unknown command: %s (supported: up, down, version, force)", *command)
	}
}

func run(m *migrate.Migrate, up bool, steps int) error {
	var err error
	switch {
	case steps > 0 && up:
		err = m.Steps(steps)
	case steps > 0:
		err = m.Steps(-steps)
	case up:
		err = m.Up()
	default:
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}
