package store

import (
	"database/sql"
	"sync"

	"github.com/rs/zerolog"
)

// ObservabilitySample is one persisted runtime snapshot.
type ObservabilitySample struct {
	ID        int64          `json:"id"`
	TS        int64          `json:"ts"`
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload"`
	CreatedAt int64          `json:"created_at_ms"`
}

// trimEvery bounds how often the FIFO trim runs relative to inserts.
const trimEvery = 32

// ObservabilityStore keeps a bounded FIFO of runtime snapshots so history
// queries survive restarts. Oldest samples are dropped past maxSamples.
type ObservabilityStore struct {
	db         *sql.DB
	mu         sync.Mutex
	maxSamples int
	sinceTrim  int
	log        zerolog.Logger
}

func NewObservabilityStore(path string, maxSamples int, log zerolog.Logger) (*ObservabilityStore, error) {
	db, err := open(path, DefaultTuning(), log)
	if err != nil {
		return nil, err
	}
	s := &ObservabilityStore{
		db:         db,
		maxSamples: max(1, maxSamples),
		log:        log.With().Str("component", "observability_store").Logger(),
	}
	if err := migrate(db, observabilityMigrations()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *ObservabilityStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func observabilityMigrations() []migration {
	return []migration{
		{version: 1, apply: func(tx *sql.Tx) error {
			stmts := []string{
				`CREATE TABLE IF NOT EXISTS runtime_observability_samples (
				  id INTEGER PRIMARY KEY AUTOINCREMENT,
				  ts INTEGER NOT NULL,
				  kind TEXT NOT NULL,
				  payload_json TEXT NOT NULL,
				  created_at_ms INTEGER NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_runtime_obs_ts
				 ON runtime_observability_samples(ts DESC, id DESC)`,
				`CREATE INDEX IF NOT EXISTS idx_runtime_obs_kind_ts
				 ON runtime_observability_samples(kind, ts DESC)`,
			}
			for _, stmt := range stmts {
				if _, err := tx.Exec(stmt); err != nil {
					return err
				}
			}
			return nil
		}},
	}
}

// AddSample appends one snapshot and trims the FIFO periodically.
func (s *ObservabilityStore) AddSample(kind string, ts int64, payload map[string]any) (int64, error) {
	if ts <= 0 {
		ts = nowMs()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`
		INSERT INTO runtime_observability_samples(ts, kind, payload_json, created_at_ms)
		VALUES (?, ?, ?, ?)`,
		ts, kind, encodeJSON(payload, "{}"), nowMs())
	if err != nil {
		return 0, err
	}
	id, _ := res.LastInsertId()
	s.sinceTrim++
	if s.sinceTrim >= trimEvery {
		s.sinceTrim = 0
		if err := s.trimLocked(); err != nil {
			s.log.Warn().Err(err).Msg("observability trim failed")
		}
	}
	return id, nil
}

// trimLocked keeps the newest maxSamples rows by (ts, id).
func (s *ObservabilityStore) trimLocked() error {
	_, err := s.db.Exec(`
		DELETE FROM runtime_observability_samples WHERE id NOT IN (
		  SELECT id FROM runtime_observability_samples
		  ORDER BY ts DESC, id DESC LIMIT ?)`, s.maxSamples)
	return err
}

// ListSamples returns snapshots in the window, newest-first.
func (s *ObservabilityStore) ListSamples(kind string, sinceTS int64, limit int) ([]ObservabilitySample, error) {
	where := "WHERE ts >= ?"
	args := []any{sinceTS}
	if kind != "" {
		where += " AND kind = ?"
		args = append(args, kind)
	}
	args = append(args, max(1, limit))

	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`
		SELECT id, ts, kind, payload_json, created_at_ms
		FROM runtime_observability_samples `+where+`
		ORDER BY ts DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ObservabilitySample
	for rows.Next() {
		var sm ObservabilitySample
		var payloadJSON string
		if err := rows.Scan(&sm.ID, &sm.TS, &sm.Kind, &payloadJSON, &sm.CreatedAt); err != nil {
			return nil, err
		}
		sm.Payload = decodeMap(payloadJSON)
		out = append(out, sm)
	}
	return out, rows.Err()
}

// Count returns the number of stored samples.
func (s *ObservabilityStore) Count() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM runtime_observability_samples").Scan(&n)
	return n, err
}
