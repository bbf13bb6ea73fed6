package main

import (
	"database/sql"
	"errors"
	"flag"
	"log"
	"os"

	"github.com/pressly/goose/v3"
	"github.com/unitedefi/resolver-backend/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var (
	flags = flag.NewFlagSet("migrate", flag.ContinueOnError)
	dir   = flags.String("dir", "sql", "directory with migration files")
)

func parseCommand(argv []string) (string, error) {
	if err := flags.Parse(argv); err != nil {
		return "", err
	}
	if flags.NArg() < 1 {
		return "", errors.New("missing command")
	}
	return flags.Arg(0), nil
}

func main() {
	command, err := parseCommand(os.Args[1:])
	if err != nil {
		log.Fatal("Usage: migrate COMMAND\n\nCommands:\n  up\n  down\n  status")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if !cfg.ArchiveEnabled() {
		log.Fatal("RSV_POSTGRES_DSN is not set; nothing to migrate")
	}

	db, err := sql.Open("pgx", cfg.Database.PostgresDSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		log.Fatalf("Failed to set dialect: %v", err)
	}

	switch command {
	case "up":
		if err := goose.Up(db, *dir); err != nil {
			log.Fatalf("Migration up failed: %v", err)
		}
	case "down":
		if err := goose.Down(db, *dir); err != nil {
			log.Fatalf("Migration down failed: %v", err)
		}
	case "status":
		if err := goose.Status(db, *dir); err != nil {
			log.Fatalf("Migration status failed: %v", err)
		}
	default:
		log.Fatalf("Unknown command: %s", command)
	}
}
