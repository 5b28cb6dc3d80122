package archiver

import (
	"database/sql"
	"embed"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/webgrid-go/webgrid/errors"
	"github.com/webgrid-go/webgrid/logger"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	sqliteJournalMode    = "WAL"
	sqliteBusyTimeoutMS  = 5000
)

// OpenDB opens the archiver's SQLite database at path, applying the grid's
// standard pragmas, and runs every pending migration. path may be ":memory:"
// for tests.
func OpenDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "archiver: create database directory %s", dir)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "archiver: open database at %s", path)
	}

	if _, err := db.Exec("PRAGMA journal_mode = " + sqliteJournalMode); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "archiver: enable %s journal mode", sqliteJournalMode)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "archiver: enable foreign keys")
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "archiver: set busy timeout to %dms", sqliteBusyTimeoutMS)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "archiver: run migrations")
	}

	logger.Infow("archiver: database opened", "path", path)
	return db, nil
}

// Migrate applies every pending migration under migrations/, tracked by a
// schema_migrations table keyed on the file's numeric prefix.
func Migrate(db *sql.DB) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return errors.Wrap(err, "archiver: read migrations")
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, filename := range files {
		version := strings.SplitN(filename, "_", 2)[0]

		var exists bool
		err := db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", version).Scan(&exists)
		if err != nil {
			if version != "000" {
				return errors.Newf("archiver: schema_migrations table missing but migration is not 000: %s", filename)
			}
		} else if exists {
			continue
		}

		body, err := migrations.ReadFile(filepath.Join("migrations", filename))
		if err != nil {
			return errors.Wrapf(err, "archiver: read migration %s", filename)
		}

		tx, err := db.Begin()
		if err != nil {
			return errors.Wrapf(err, "archiver: begin tx for %s", filename)
		}
		if _, err := tx.Exec(string(body)); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "archiver: execute migration %s", filename)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "archiver: record migration %s", filename)
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "archiver: commit migration %s", filename)
		}

		logger.Infow("archiver: applied migration", "migration", filename)
	}

	return nil
}
