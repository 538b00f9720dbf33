// Package store holds the SQLite-backed durability plane: lifelog events,
// device sessions, bindings, operations, thought traces, telemetry samples,
// digital tasks with their push queue, and observability samples.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Tuning captures the pragmas applied to every store connection. The
// defaults favor a write-heavy single-process runtime.
type Tuning struct {
	BusyTimeoutMs          int
	JournalMode            string
	Synchronous            string
	TempStore              string
	WALAutocheckpointPages int
}

func DefaultTuning() Tuning {
	return Tuning{
		BusyTimeoutMs:          5000,
		JournalMode:            "WAL",
		Synchronous:            "NORMAL",
		TempStore:              "MEMORY",
		WALAutocheckpointPages: 1000,
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }

// open creates the parent directory, opens the database, and applies the
// tuning pragmas. The connection pool is capped at one writer; SQLite
// serializes writes anyway and a single conn keeps user_version coherent.
func open(path string, tuning Tuning, log zerolog.Logger) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", max(0, tuning.BusyTimeoutMs)),
		fmt.Sprintf("PRAGMA journal_mode = %s", normalizePragma(tuning.JournalMode, "WAL")),
		fmt.Sprintf("PRAGMA synchronous = %s", normalizePragma(tuning.Synchronous, "NORMAL")),
		fmt.Sprintf("PRAGMA temp_store = %s", normalizePragma(tuning.TempStore, "MEMORY")),
	}
	if normalizePragma(tuning.JournalMode, "WAL") == "WAL" {
		pragmas = append(pragmas,
			fmt.Sprintf("PRAGMA wal_autocheckpoint = %d", max(0, tuning.WALAutocheckpointPages)))
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	log.Debug().Str("path", path).Msg("sqlite opened")
	return db, nil
}

var validJournalModes = map[string]bool{
	"DELETE": true, "TRUNCATE": true, "PERSIST": true,
	"MEMORY": true, "WAL": true, "OFF": true,
	"NORMAL": true, "FULL": true, "EXTRA": true,
	"DEFAULT": true, "FILE": true,
}

func normalizePragma(value, fallback string) string {
	if validJournalModes[value] {
		return value
	}
	return fallback
}

// migration is one forward-only schema step keyed by its target user_version.
type migration struct {
	version int
	apply   func(tx *sql.Tx) error
}

// migrate runs all migrations above the current user_version, in order.
func migrate(db *sql.DB, migrations []migration) error {
	var current int
	if err := db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if err := m.apply(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
			tx.Rollback()
			return fmt.Errorf("bump user_version to %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		current = m.version
	}
	return nil
}

// columnExists checks table_info for a named column; used by additive
// migrations on databases created by earlier versions.
func columnExists(tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
