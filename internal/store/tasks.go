package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Task is the persisted digital task row.
type Task struct {
	TaskID         string           `json:"task_id"`
	SessionID      string           `json:"session_id"`
	Goal           string           `json:"goal"`
	Status         string           `json:"status"`
	Steps          []map[string]any `json:"steps"`
	Result         map[string]any   `json:"result"`
	Error          string           `json:"error"`
	TimeoutSeconds int              `json:"timeout_seconds"`
	DeviceID       string           `json:"device_id"`
	PushContext    *PushContext     `json:"push_context,omitempty"`
	CreatedAt      int64            `json:"created_at"`
	UpdatedAt      int64            `json:"updated_at"`
}

// PushContext describes where and how task status updates are delivered.
type PushContext struct {
	DeviceID          string `json:"device_id"`
	SessionID         string `json:"session_id"`
	Notify            bool   `json:"notify"`
	Speak             bool   `json:"speak"`
	InterruptPrevious bool   `json:"interrupt_previous"`
}

// PushUpdate is one durable status push queue entry.
type PushUpdate struct {
	ID          int64          `json:"id"`
	TaskID      string         `json:"task_id"`
	DeviceID    string         `json:"device_id"`
	SessionID   string         `json:"session_id"`
	Payload     map[string]any `json:"payload"`
	Status      string         `json:"status"`
	Attempts    int            `json:"attempts"`
	NextRetryAt int64          `json:"next_retry_at"`
	LastError   string         `json:"last_error"`
}

// TaskStats summarizes terminal and live task counts.
type TaskStats struct {
	Total          int            `json:"total"`
	Success        int            `json:"success"`
	Failed         int            `json:"failed"`
	Timeout        int            `json:"timeout"`
	Canceled       int            `json:"canceled"`
	Pending        int            `json:"pending"`
	Running        int            `json:"running"`
	SuccessRate    float64        `json:"success_rate"`
	AvgDurationMs  float64        `json:"avg_duration_ms"`
	AvgStepCount   float64        `json:"avg_step_count"`
	CountsByStatus map[string]int `json:"counts_by_status"`
}

// TaskStore persists digital tasks and their push queue in one SQLite file.
type TaskStore struct {
	db  *sql.DB
	mu  sync.Mutex
	log zerolog.Logger
}

func NewTaskStore(path string, log zerolog.Logger) (*TaskStore, error) {
	db, err := open(path, DefaultTuning(), log)
	if err != nil {
		return nil, err
	}
	s := &TaskStore{db: db, log: log.With().Str("component", "task_store").Logger()}
	if err := migrate(db, taskMigrations()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *TaskStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func taskMigrations() []migration {
	return []migration{
		{version: 1, apply: func(tx *sql.Tx) error {
			stmts := []string{
				`CREATE TABLE IF NOT EXISTS digital_tasks (
				  id INTEGER PRIMARY KEY AUTOINCREMENT,
				  task_id TEXT NOT NULL UNIQUE,
				  session_id TEXT NOT NULL,
				  goal TEXT NOT NULL,
				  status TEXT NOT NULL,
				  steps_json TEXT NOT NULL,
				  result_json TEXT NOT NULL,
				  error TEXT NOT NULL,
				  created_at INTEGER NOT NULL,
				  updated_at INTEGER NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS digital_task_push_queue (
				  id INTEGER PRIMARY KEY AUTOINCREMENT,
				  task_id TEXT NOT NULL,
				  device_id TEXT NOT NULL,
				  session_id TEXT NOT NULL,
				  payload_json TEXT NOT NULL,
				  status TEXT NOT NULL,
				  attempts INTEGER NOT NULL,
				  next_retry_at INTEGER NOT NULL,
				  last_error TEXT NOT NULL,
				  created_at INTEGER NOT NULL,
				  updated_at INTEGER NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_digital_tasks_session_created
				 ON digital_tasks(session_id, created_at)`,
				`CREATE INDEX IF NOT EXISTS idx_digital_tasks_status_updated
				 ON digital_tasks(status, updated_at)`,
				`CREATE INDEX IF NOT EXISTS idx_digital_task_push_queue_lookup
				 ON digital_task_push_queue(device_id, status, next_retry_at)`,
			}
			for _, stmt := range stmts {
				if _, err := tx.Exec(stmt); err != nil {
					return err
				}
			}
			return nil
		}},
		{version: 2, apply: func(tx *sql.Tx) error {
			ok, err := columnExists(tx, "digital_tasks", "timeout_seconds")
			if err != nil || ok {
				return err
			}
			_, err = tx.Exec(
				"ALTER TABLE digital_tasks ADD COLUMN timeout_seconds INTEGER NOT NULL DEFAULT 120")
			return err
		}},
		{version: 3, apply: func(tx *sql.Tx) error {
			adds := map[string]string{
				"device_id":               "TEXT NOT NULL DEFAULT ''",
				"push_session_id":         "TEXT NOT NULL DEFAULT ''",
				"push_notify":             "INTEGER NOT NULL DEFAULT 0",
				"push_speak":              "INTEGER NOT NULL DEFAULT 1",
				"push_interrupt_previous": "INTEGER NOT NULL DEFAULT 0",
			}
			// Deterministic order keeps migration output stable across runs.
			cols := make([]string, 0, len(adds))
			for col := range adds {
				cols = append(cols, col)
			}
			sort.Strings(cols)
			for _, col := range cols {
				ok, err := columnExists(tx, "digital_tasks", col)
				if err != nil {
					return err
				}
				if ok {
					continue
				}
				if _, err := tx.Exec(fmt.Sprintf(
					"ALTER TABLE digital_tasks ADD COLUMN %s %s", col, adds[col])); err != nil {
					return err
				}
			}
			return nil
		}},
	}
}

const taskColumns = `task_id, session_id, goal, status, steps_json, result_json, error,
  timeout_seconds, device_id, push_session_id, push_notify, push_speak,
  push_interrupt_previous, created_at, updated_at`

// CreateTask inserts a new task row. TaskID uniqueness is enforced by the
// schema; callers treat a constraint error as a conflict.
func (s *TaskStore) CreateTask(task Task) error {
	now := nowMs()
	if task.Status == "" {
		task.Status = "pending"
	}
	if task.TimeoutSeconds < 1 {
		task.TimeoutSeconds = 1
	}
	pc := task.PushContext
	deviceID, pushSessionID := "", task.SessionID
	notify, speak, interrupt := 0, 1, 0
	if pc != nil {
		deviceID = strings.TrimSpace(pc.DeviceID)
		if strings.TrimSpace(pc.SessionID) != "" {
			pushSessionID = strings.TrimSpace(pc.SessionID)
		}
		notify = boolToInt(pc.Notify)
		speak = boolToInt(pc.Speak)
		interrupt = boolToInt(pc.InterruptPrevious)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO digital_tasks(`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.TaskID, task.SessionID, task.Goal, task.Status,
		encodeJSON(task.Steps, "[]"), encodeJSON(task.Result, "{}"), task.Error,
		task.TimeoutSeconds, deviceID, pushSessionID, notify, speak, interrupt,
		now, now)
	return err
}

// TaskUpdate carries the mutable fields of UpdateTaskIfStatus; nil fields
// are left untouched.
type TaskUpdate struct {
	Status *string
	Steps  []map[string]any
	Result map[string]any
	Error  *string
}

// UpdateTaskIfStatus applies upd when the current status is in expected
// (nil set means unconditional). Returns true when a row changed; the CAS
// semantics back every terminal task transition.
func (s *TaskStore) UpdateTaskIfStatus(taskID string, expected []string, upd TaskUpdate) (bool, error) {
	sets := []string{}
	args := []any{}
	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *upd.Status)
	}
	if upd.Steps != nil {
		sets = append(sets, "steps_json = ?")
		args = append(args, encodeJSON(upd.Steps, "[]"))
	}
	if upd.Result != nil {
		sets = append(sets, "result_json = ?")
		args = append(args, encodeJSON(upd.Result, "{}"))
	}
	if upd.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *upd.Error)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, nowMs())

	where := "task_id = ?"
	args = append(args, taskID)
	if len(expected) > 0 {
		sorted := append([]string(nil), expected...)
		sort.Strings(sorted)
		where += " AND status IN (" + placeholders(len(sorted)) + ")"
		for _, st := range sorted {
			args = append(args, st)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(
		"UPDATE digital_tasks SET "+strings.Join(sets, ", ")+" WHERE "+where, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *TaskStore) GetTask(taskID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRow(
		"SELECT "+taskColumns+" FROM digital_tasks WHERE task_id = ? LIMIT 1", taskID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return task, err
}

// ListTasks returns tasks newest-first with optional filters.
func (s *TaskStore) ListTasks(sessionID, status string, limit, offset int) ([]Task, error) {
	where := []string{}
	args := []any{}
	if sessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, sessionID)
	}
	if status != "" {
		where = append(where, "status = ?")
		args = append(args, status)
	}
	whereSQL := ""
	if len(where) > 0 {
		whereSQL = "WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, max(1, limit), max(0, offset))

	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(
		"SELECT "+taskColumns+" FROM digital_tasks "+whereSQL+
			" ORDER BY created_at DESC LIMIT ? OFFSET ?", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListUnfinishedTasks returns pending/running tasks oldest-first, for crash
// recovery.
func (s *TaskStore) ListUnfinishedTasks(limit int) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(
		"SELECT "+taskColumns+` FROM digital_tasks
		 WHERE status IN ('pending', 'running')
		 ORDER BY created_at ASC LIMIT ?`, max(1, limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *TaskStore) Stats(sessionID string) (TaskStats, error) {
	whereSQL := ""
	args := []any{}
	if sessionID != "" {
		whereSQL = "WHERE session_id = ?"
		args = append(args, sessionID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	counts := map[string]int{}
	rows, err := s.db.Query(
		"SELECT status, COUNT(*) FROM digital_tasks "+whereSQL+" GROUP BY status", args...)
	if err != nil {
		return TaskStats{}, err
	}
	for rows.Next() {
		var status string
		var cnt int
		if err := rows.Scan(&status, &cnt); err != nil {
			rows.Close()
			return TaskStats{}, err
		}
		counts[status] = cnt
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return TaskStats{}, err
	}

	terminal := "status IN ('success', 'failed', 'timeout', 'canceled')"
	durSQL := "SELECT COALESCE(AVG(updated_at - created_at), 0) FROM digital_tasks WHERE " + terminal
	durArgs := []any{}
	if sessionID != "" {
		durSQL += " AND session_id = ?"
		durArgs = append(durArgs, sessionID)
	}
	var avgMs float64
	if err := s.db.QueryRow(durSQL, durArgs...).Scan(&avgMs); err != nil {
		return TaskStats{}, err
	}

	stepSQL := "SELECT steps_json FROM digital_tasks WHERE " + terminal
	if sessionID != "" {
		stepSQL += " AND session_id = ?"
	}
	stepRows, err := s.db.Query(stepSQL, durArgs...)
	if err != nil {
		return TaskStats{}, err
	}
	defer stepRows.Close()
	stepTotal, stepTasks := 0, 0
	for stepRows.Next() {
		var raw string
		if err := stepRows.Scan(&raw); err != nil {
			return TaskStats{}, err
		}
		var steps []map[string]any
		if json.Unmarshal([]byte(raw), &steps) == nil {
			stepTotal += len(steps)
		}
		stepTasks++
	}
	if err := stepRows.Err(); err != nil {
		return TaskStats{}, err
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	stats := TaskStats{
		Total:          total,
		Success:        counts["success"],
		Failed:         counts["failed"],
		Timeout:        counts["timeout"],
		Canceled:       counts["canceled"],
		Pending:        counts["pending"],
		Running:        counts["running"],
		AvgDurationMs:  avgMs,
		CountsByStatus: counts,
	}
	if total > 0 {
		stats.SuccessRate = float64(counts["success"]) / float64(total)
	}
	if stepTasks > 0 {
		stats.AvgStepCount = float64(stepTotal) / float64(stepTasks)
	}
	return stats, nil
}

// EnqueuePushUpdate inserts a pending push row scheduled for immediate
// delivery.
func (s *TaskStore) EnqueuePushUpdate(taskID, deviceID, sessionID string, payload map[string]any) (int64, error) {
	now := nowMs()
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`
		INSERT INTO digital_task_push_queue(
		  task_id, device_id, session_id, payload_json, status,
		  attempts, next_retry_at, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', 0, ?, '', ?, ?)`,
		taskID, deviceID, sessionID, encodeJSON(payload, "{}"), now, now, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListPendingPushUpdates returns due pending entries for a device, oldest
// first.
func (s *TaskStore) ListPendingPushUpdates(deviceID string, limit int, nowMillis int64) ([]PushUpdate, error) {
	if nowMillis <= 0 {
		nowMillis = nowMs()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`
		SELECT id, task_id, device_id, session_id, payload_json, status, attempts, next_retry_at, last_error
		FROM digital_task_push_queue
		WHERE device_id = ? AND status = 'pending' AND next_retry_at <= ?
		ORDER BY created_at ASC LIMIT ?`,
		deviceID, nowMillis, max(1, limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPushUpdates(rows)
}

func (s *TaskStore) MarkPushUpdateSent(queueID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		"UPDATE digital_task_push_queue SET status = 'sent', updated_at = ? WHERE id = ?",
		nowMs(), queueID)
	return err
}

func (s *TaskStore) MarkPushUpdateRetry(queueID int64, pushErr string, retryDelayMs int64) error {
	now := nowMs()
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		UPDATE digital_task_push_queue
		SET attempts = attempts + 1, next_retry_at = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		now+max(0, retryDelayMs), pushErr, now, queueID)
	return err
}

// ListPushQueue returns all queue rows, optionally filtered, for operator
// inspection.
func (s *TaskStore) ListPushQueue(deviceID, status string) ([]PushUpdate, error) {
	where := []string{}
	args := []any{}
	if deviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, deviceID)
	}
	if status != "" {
		where = append(where, "status = ?")
		args = append(args, status)
	}
	whereSQL := ""
	if len(where) > 0 {
		whereSQL = "WHERE " + strings.Join(where, " AND ")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`
		SELECT id, task_id, device_id, session_id, payload_json, status, attempts, next_retry_at, last_error
		FROM digital_task_push_queue `+whereSQL+" ORDER BY id ASC", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPushUpdates(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t                            Task
		stepsJSON, resultJSON        string
		pushSessionID                string
		notify, speak, interruptPrev int
	)
	err := row.Scan(&t.TaskID, &t.SessionID, &t.Goal, &t.Status,
		&stepsJSON, &resultJSON, &t.Error, &t.TimeoutSeconds, &t.DeviceID,
		&pushSessionID, &notify, &speak, &interruptPrev, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Steps = decodeSteps(stepsJSON)
	t.Result = decodeMap(resultJSON)
	if t.DeviceID != "" {
		t.PushContext = &PushContext{
			DeviceID:          t.DeviceID,
			SessionID:         pushSessionID,
			Notify:            notify != 0,
			Speak:             speak != 0,
			InterruptPrevious: interruptPrev != 0,
		}
	}
	return &t, nil
}

func collectTasks(rows *sql.Rows) ([]Task, error) {
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func collectPushUpdates(rows *sql.Rows) ([]PushUpdate, error) {
	var out []PushUpdate
	for rows.Next() {
		var u PushUpdate
		var payloadJSON string
		if err := rows.Scan(&u.ID, &u.TaskID, &u.DeviceID, &u.SessionID,
			&payloadJSON, &u.Status, &u.Attempts, &u.NextRetryAt, &u.LastError); err != nil {
			return nil, err
		}
		u.Payload = decodeMap(payloadJSON)
		out = append(out, u)
	}
	return out, rows.Err()
}

func encodeJSON(v any, fallback string) string {
	if v == nil {
		return fallback
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fallback
	}
	return string(raw)
}

func decodeMap(raw string) map[string]any {
	out := map[string]any{}
	if json.Unmarshal([]byte(raw), &out) != nil {
		return map[string]any{}
	}
	return out
}

func decodeSteps(raw string) []map[string]any {
	var out []map[string]any
	if json.Unmarshal([]byte(raw), &out) != nil {
		return nil
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
