package main

import (
	"database/sql"
	"flag"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"peerback/internal/store"
	"peerback/internal/util/logger/sl"
	"peerback/pkg/migrator"
)

func main() {
	var (
		dataDir   = flag.String("data-dir", "", "data directory holding index.db")
		direction = flag.String("direction", "up", "migration direction: up or down")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stdout, nil))

	if *dataDir == "" {
		log.Error("data-dir is required")
		os.Exit(1)
	}

	db, err := sql.Open("sqlite", filepath.Join(*dataDir, "index.db"))
	if err != nil {
		log.Error("failed to open index db", sl.Err(err))
		os.Exit(1)
	}
	defer db.Close()

	m := migrator.NewMigrator(db, migrator.Config{
		Source: store.Migrations(),
		Dir:    "migrations",
	}, log)

	if err := m.RunMigrations(migrator.MigrationDirection(*direction)); err != nil {
		log.Error("migration failed", sl.Err(err))
		os.Exit(1)
	}

	version, dirty, err := m.GetMigrationVersion()
	if err != nil {
		log.Error("failed to read schema version", sl.Err(err))
		os.Exit(1)
	}
	log.Info("schema version", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
}
