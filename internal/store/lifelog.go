package store

import (
	"crypto/subtle"
	"database/sql"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// LifelogEvent is one row in the runtime event log.
type LifelogEvent struct {
	ID         int64          `json:"id"`
	SessionID  string         `json:"session_id"`
	EventType  string         `json:"event_type"`
	TS         int64          `json:"ts"`
	Payload    map[string]any `json:"payload"`
	RiskLevel  string         `json:"risk_level"`
	Confidence float64        `json:"confidence"`
}

// DeviceSessionRecord is the persisted mirror of a runtime session.
type DeviceSessionRecord struct {
	DeviceID        string         `json:"device_id"`
	SessionID       string         `json:"session_id"`
	State           string         `json:"state"`
	CreatedAtMs     int64          `json:"created_at_ms"`
	LastSeenMs      int64          `json:"last_seen_ms"`
	ClosedAtMs      int64          `json:"closed_at_ms"`
	CloseReason     string         `json:"close_reason"`
	LastSeq         int64          `json:"last_seq"`
	LastOutboundSeq int64          `json:"last_outbound_seq"`
	Metadata        map[string]any `json:"metadata"`
	Telemetry       map[string]any `json:"telemetry"`
	UpdatedAtMs     int64          `json:"updated_at_ms"`
}

// DeviceBinding ties a device to a token and activation state.
type DeviceBinding struct {
	DeviceID      string         `json:"device_id"`
	DeviceToken   string         `json:"-"`
	Status        string         `json:"status"`
	UserID        string         `json:"user_id"`
	ActivatedAtMs int64          `json:"activated_at_ms"`
	RevokedAtMs   int64          `json:"revoked_at_ms"`
	RevokeReason  string         `json:"revoke_reason"`
	Metadata      map[string]any `json:"metadata"`
	CreatedAtMs   int64          `json:"created_at_ms"`
	UpdatedAtMs   int64          `json:"updated_at_ms"`
}

// Binding states.
const (
	BindingRegistered = "registered"
	BindingBound      = "bound"
	BindingActivated  = "activated"
	BindingRevoked    = "revoked"
)

// DeviceOperation is an operator-initiated command tracked to device ack.
type DeviceOperation struct {
	OperationID string         `json:"operation_id"`
	DeviceID    string         `json:"device_id"`
	SessionID   string         `json:"session_id"`
	OpType      string         `json:"op_type"`
	CommandType string         `json:"command_type"`
	Status      string         `json:"status"`
	Payload     map[string]any `json:"payload"`
	Result      map[string]any `json:"result"`
	Error       string         `json:"error"`
	CreatedAtMs int64          `json:"created_at_ms"`
	UpdatedAtMs int64          `json:"updated_at_ms"`
	AckedAtMs   int64          `json:"acked_at_ms"`
}

// Operation states.
const (
	OpQueued = "queued"
	OpSent   = "sent"
	OpAcked  = "acked"
	OpFailed = "failed"
)

// ThoughtTrace is one audit entry across pipeline stages.
type ThoughtTrace struct {
	ID          int64          `json:"id"`
	TraceID     string         `json:"trace_id"`
	SessionID   string         `json:"session_id"`
	Source      string         `json:"source"`
	Stage       string         `json:"stage"`
	Payload     map[string]any `json:"payload"`
	TS          int64          `json:"ts"`
	CreatedAtMs int64          `json:"created_at_ms"`
}

// TelemetrySample is one normalized telemetry snapshot.
type TelemetrySample struct {
	ID            int64          `json:"id"`
	DeviceID      string         `json:"device_id"`
	SessionID     string         `json:"session_id"`
	SchemaVersion string         `json:"schema_version"`
	Sample        map[string]any `json:"sample"`
	Raw           map[string]any `json:"raw"`
	TraceID       string         `json:"trace_id"`
	TS            int64          `json:"ts"`
	CreatedAtMs   int64          `json:"created_at_ms"`
}

// VerifyResult is the outcome of a device token check.
type VerifyResult struct {
	Success bool           `json:"success"`
	Reason  string         `json:"reason,omitempty"`
	Binding *DeviceBinding `json:"binding,omitempty"`
}

// LifelogStore persists events, device sessions, bindings, operations,
// thought traces, and telemetry samples in one SQLite file.
type LifelogStore struct {
	db  *sql.DB
	mu  sync.Mutex
	log zerolog.Logger
}

func NewLifelogStore(path string, log zerolog.Logger) (*LifelogStore, error) {
	db, err := open(path, DefaultTuning(), log)
	if err != nil {
		return nil, err
	}
	s := &LifelogStore{db: db, log: log.With().Str("component", "lifelog_store").Logger()}
	if err := migrate(db, lifelogMigrations()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *LifelogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func lifelogMigrations() []migration {
	exec := func(tx *sql.Tx, stmts ...string) error {
		for _, stmt := range stmts {
			if _, err := tx.Exec(stmt); err != nil {
				return err
			}
		}
		return nil
	}
	return []migration{
		{version: 1, apply: func(tx *sql.Tx) error {
			return exec(tx,
				`CREATE TABLE IF NOT EXISTS lifelog_events (
				  id INTEGER PRIMARY KEY AUTOINCREMENT,
				  session_id TEXT NOT NULL,
				  event_type TEXT NOT NULL,
				  ts INTEGER NOT NULL,
				  payload_json TEXT NOT NULL,
				  risk_level TEXT NOT NULL,
				  confidence REAL NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_lifelog_events_session_ts
				 ON lifelog_events(session_id, ts)`,
			)
		}},
		{version: 2, apply: func(tx *sql.Tx) error {
			return exec(tx,
				`CREATE TABLE IF NOT EXISTS device_sessions (
				  id INTEGER PRIMARY KEY AUTOINCREMENT,
				  device_id TEXT NOT NULL,
				  session_id TEXT NOT NULL,
				  state TEXT NOT NULL,
				  created_at_ms INTEGER NOT NULL,
				  last_seen_ms INTEGER NOT NULL,
				  closed_at_ms INTEGER NOT NULL,
				  close_reason TEXT NOT NULL,
				  last_seq INTEGER NOT NULL,
				  last_outbound_seq INTEGER NOT NULL,
				  metadata_json TEXT NOT NULL,
				  telemetry_json TEXT NOT NULL,
				  updated_at_ms INTEGER NOT NULL,
				  UNIQUE(device_id, session_id)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_device_sessions_device_updated
				 ON device_sessions(device_id, updated_at_ms DESC)`,
				`CREATE INDEX IF NOT EXISTS idx_device_sessions_state_updated
				 ON device_sessions(state, updated_at_ms DESC)`,
			)
		}},
		{version: 3, apply: func(tx *sql.Tx) error {
			return exec(tx,
				`CREATE TABLE IF NOT EXISTS device_bindings (
				  id INTEGER PRIMARY KEY AUTOINCREMENT,
				  device_id TEXT NOT NULL UNIQUE,
				  device_token TEXT NOT NULL,
				  status TEXT NOT NULL,
				  user_id TEXT NOT NULL,
				  activated_at_ms INTEGER NOT NULL,
				  revoked_at_ms INTEGER NOT NULL,
				  revoke_reason TEXT NOT NULL,
				  metadata_json TEXT NOT NULL,
				  created_at_ms INTEGER NOT NULL,
				  updated_at_ms INTEGER NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_device_bindings_status_updated
				 ON device_bindings(status, updated_at_ms DESC)`,
				`CREATE INDEX IF NOT EXISTS idx_device_bindings_user_updated
				 ON device_bindings(user_id, updated_at_ms DESC)`,
			)
		}},
		{version: 4, apply: func(tx *sql.Tx) error {
			return exec(tx,
				`CREATE TABLE IF NOT EXISTS device_operations (
				  id INTEGER PRIMARY KEY AUTOINCREMENT,
				  operation_id TEXT NOT NULL UNIQUE,
				  device_id TEXT NOT NULL,
				  session_id TEXT NOT NULL,
				  op_type TEXT NOT NULL,
				  command_type TEXT NOT NULL,
				  status TEXT NOT NULL,
				  payload_json TEXT NOT NULL,
				  result_json TEXT NOT NULL,
				  error TEXT NOT NULL,
				  created_at_ms INTEGER NOT NULL,
				  updated_at_ms INTEGER NOT NULL,
				  acked_at_ms INTEGER NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_device_ops_device_updated
				 ON device_operations(device_id, updated_at_ms DESC)`,
				`CREATE INDEX IF NOT EXISTS idx_device_ops_status_updated
				 ON device_operations(status, updated_at_ms DESC)`,
				`CREATE INDEX IF NOT EXISTS idx_device_ops_type_updated
				 ON device_operations(op_type, updated_at_ms DESC)`,
			)
		}},
		{version: 5, apply: func(tx *sql.Tx) error {
			return exec(tx,
				`CREATE TABLE IF NOT EXISTS thought_traces (
				  id INTEGER PRIMARY KEY AUTOINCREMENT,
				  trace_id TEXT NOT NULL,
				  session_id TEXT NOT NULL,
				  source TEXT NOT NULL,
				  stage TEXT NOT NULL,
				  payload_json TEXT NOT NULL,
				  ts INTEGER NOT NULL,
				  created_at_ms INTEGER NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_thought_traces_trace_ts
				 ON thought_traces(trace_id, ts ASC)`,
				`CREATE INDEX IF NOT EXISTS idx_thought_traces_session_ts
				 ON thought_traces(session_id, ts ASC)`,
			)
		}},
		{version: 6, apply: func(tx *sql.Tx) error {
			return exec(tx,
				`CREATE TABLE IF NOT EXISTS telemetry_samples (
				  id INTEGER PRIMARY KEY AUTOINCREMENT,
				  device_id TEXT NOT NULL,
				  session_id TEXT NOT NULL,
				  schema_version TEXT NOT NULL,
				  sample_json TEXT NOT NULL,
				  raw_json TEXT NOT NULL,
				  trace_id TEXT NOT NULL,
				  ts INTEGER NOT NULL,
				  created_at_ms INTEGER NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_telemetry_samples_device_ts
				 ON telemetry_samples(device_id, ts DESC)`,
				`CREATE INDEX IF NOT EXISTS idx_telemetry_samples_session_ts
				 ON telemetry_samples(session_id, ts DESC)`,
			)
		}},
	}
}

// AddEvent appends one lifelog event.
func (s *LifelogStore) AddEvent(ev LifelogEvent) (int64, error) {
	if ev.TS <= 0 {
		ev.TS = nowMs()
	}
	if ev.RiskLevel == "" {
		ev.RiskLevel = "none"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`
		INSERT INTO lifelog_events(session_id, event_type, ts, payload_json, risk_level, confidence)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.SessionID, ev.EventType, ev.TS, encodeJSON(ev.Payload, "{}"), ev.RiskLevel, ev.Confidence)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// TimelineQuery filters the event log.
type TimelineQuery struct {
	SessionID string
	EventType string
	RiskLevel string
	StartTS   int64
	EndTS     int64
	Limit     int
	Offset    int
}

// Timeline returns matching events newest-first.
func (s *LifelogStore) Timeline(q TimelineQuery) ([]LifelogEvent, error) {
	where := []string{}
	args := []any{}
	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, q.EventType)
	}
	if q.RiskLevel != "" {
		where = append(where, "risk_level = ?")
		args = append(args, q.RiskLevel)
	}
	if q.StartTS > 0 {
		where = append(where, "ts >= ?")
		args = append(args, q.StartTS)
	}
	if q.EndTS > 0 {
		where = append(where, "ts <= ?")
		args = append(args, q.EndTS)
	}
	whereSQL := ""
	if len(where) > 0 {
		whereSQL = "WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, max(1, q.Limit), max(0, q.Offset))

	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`
		SELECT id, session_id, event_type, ts, payload_json, risk_level, confidence
		FROM lifelog_events `+whereSQL+`
		ORDER BY ts DESC, id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LifelogEvent
	for rows.Next() {
		var ev LifelogEvent
		var payloadJSON string
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.EventType, &ev.TS,
			&payloadJSON, &ev.RiskLevel, &ev.Confidence); err != nil {
			return nil, err
		}
		ev.Payload = decodeMap(payloadJSON)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// UpsertDeviceSession writes or refreshes the persisted session mirror.
func (s *LifelogStore) UpsertDeviceSession(rec DeviceSessionRecord) error {
	if rec.UpdatedAtMs <= 0 {
		rec.UpdatedAtMs = nowMs()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO device_sessions(
		  device_id, session_id, state, created_at_ms, last_seen_ms, closed_at_ms,
		  close_reason, last_seq, last_outbound_seq, metadata_json, telemetry_json, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id, session_id) DO UPDATE SET
		  state = excluded.state,
		  last_seen_ms = excluded.last_seen_ms,
		  closed_at_ms = excluded.closed_at_ms,
		  close_reason = excluded.close_reason,
		  last_seq = excluded.last_seq,
		  last_outbound_seq = excluded.last_outbound_seq,
		  metadata_json = excluded.metadata_json,
		  telemetry_json = excluded.telemetry_json,
		  updated_at_ms = excluded.updated_at_ms`,
		rec.DeviceID, rec.SessionID, rec.State, rec.CreatedAtMs, rec.LastSeenMs,
		rec.ClosedAtMs, rec.CloseReason, rec.LastSeq, rec.LastOutboundSeq,
		encodeJSON(rec.Metadata, "{}"), encodeJSON(rec.Telemetry, "{}"), rec.UpdatedAtMs)
	return err
}

// CloseDeviceSession marks a persisted session closed.
func (s *LifelogStore) CloseDeviceSession(deviceID, sessionID, reason string, closedAtMs int64) error {
	if closedAtMs <= 0 {
		closedAtMs = nowMs()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		UPDATE device_sessions
		SET state = 'closed', close_reason = ?, closed_at_ms = ?, updated_at_ms = ?
		WHERE device_id = ? AND session_id = ?`,
		reason, closedAtMs, nowMs(), deviceID, sessionID)
	return err
}

// ListDeviceSessions returns persisted sessions newest-first.
func (s *LifelogStore) ListDeviceSessions(deviceID, state string, limit, offset int) ([]DeviceSessionRecord, error) {
	where := []string{}
	args := []any{}
	if deviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, deviceID)
	}
	if state != "" {
		where = append(where, "state = ?")
		args = append(args, state)
	}
	whereSQL := ""
	if len(where) > 0 {
		whereSQL = "WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, max(1, limit), max(0, offset))

	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`
		SELECT device_id, session_id, state, created_at_ms, last_seen_ms, closed_at_ms,
		       close_reason, last_seq, last_outbound_seq, metadata_json, telemetry_json, updated_at_ms
		FROM device_sessions `+whereSQL+`
		ORDER BY updated_at_ms DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DeviceSessionRecord
	for rows.Next() {
		var rec DeviceSessionRecord
		var metaJSON, teleJSON string
		if err := rows.Scan(&rec.DeviceID, &rec.SessionID, &rec.State, &rec.CreatedAtMs,
			&rec.LastSeenMs, &rec.ClosedAtMs, &rec.CloseReason, &rec.LastSeq,
			&rec.LastOutboundSeq, &metaJSON, &teleJSON, &rec.UpdatedAtMs); err != nil {
			return nil, err
		}
		rec.Metadata = decodeMap(metaJSON)
		rec.Telemetry = decodeMap(teleJSON)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpsertDeviceBinding creates or refreshes a binding row.
func (s *LifelogStore) UpsertDeviceBinding(b DeviceBinding) error {
	now := nowMs()
	if b.Status == "" {
		b.Status = BindingRegistered
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO device_bindings(
		  device_id, device_token, status, user_id, activated_at_ms, revoked_at_ms,
		  revoke_reason, metadata_json, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
		  device_token = CASE WHEN excluded.device_token != '' THEN excluded.device_token ELSE device_token END,
		  status = excluded.status,
		  user_id = CASE WHEN excluded.user_id != '' THEN excluded.user_id ELSE user_id END,
		  activated_at_ms = excluded.activated_at_ms,
		  revoked_at_ms = excluded.revoked_at_ms,
		  revoke_reason = excluded.revoke_reason,
		  metadata_json = excluded.metadata_json,
		  updated_at_ms = excluded.updated_at_ms`,
		b.DeviceID, b.DeviceToken, b.Status, b.UserID, b.ActivatedAtMs,
		b.RevokedAtMs, b.RevokeReason, encodeJSON(b.Metadata, "{}"), now, now)
	return err
}

// GetDeviceBinding returns the binding for one device, nil if absent.
func (s *LifelogStore) GetDeviceBinding(deviceID string) (*DeviceBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getBindingLocked(deviceID)
}

func (s *LifelogStore) getBindingLocked(deviceID string) (*DeviceBinding, error) {
	row := s.db.QueryRow(`
		SELECT device_id, device_token, status, user_id, activated_at_ms, revoked_at_ms,
		       revoke_reason, metadata_json, created_at_ms, updated_at_ms
		FROM device_bindings WHERE device_id = ? LIMIT 1`, deviceID)
	var b DeviceBinding
	var metaJSON string
	err := row.Scan(&b.DeviceID, &b.DeviceToken, &b.Status, &b.UserID, &b.ActivatedAtMs,
		&b.RevokedAtMs, &b.RevokeReason, &metaJSON, &b.CreatedAtMs, &b.UpdatedAtMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b.Metadata = decodeMap(metaJSON)
	return &b, nil
}

// ListDeviceBindings returns bindings newest-first with optional filters.
func (s *LifelogStore) ListDeviceBindings(status, userID string, limit, offset int) ([]DeviceBinding, error) {
	where := []string{}
	args := []any{}
	if status != "" {
		where = append(where, "status = ?")
		args = append(args, status)
	}
	if userID != "" {
		where = append(where, "user_id = ?")
		args = append(args, userID)
	}
	whereSQL := ""
	if len(where) > 0 {
		whereSQL = "WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, max(1, limit), max(0, offset))

	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`
		SELECT device_id, device_token, status, user_id, activated_at_ms, revoked_at_ms,
		       revoke_reason, metadata_json, created_at_ms, updated_at_ms
		FROM device_bindings `+whereSQL+`
		ORDER BY updated_at_ms DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DeviceBinding
	for rows.Next() {
		var b DeviceBinding
		var metaJSON string
		if err := rows.Scan(&b.DeviceID, &b.DeviceToken, &b.Status, &b.UserID,
			&b.ActivatedAtMs, &b.RevokedAtMs, &b.RevokeReason, &metaJSON,
			&b.CreatedAtMs, &b.UpdatedAtMs); err != nil {
			return nil, err
		}
		b.Metadata = decodeMap(metaJSON)
		out = append(out, b)
	}
	return out, rows.Err()
}

// VerifyDeviceBinding checks a device token against the stored binding.
// Token comparison is constant-time.
func (s *LifelogStore) VerifyDeviceBinding(deviceID, deviceToken string, requireActivated, allowUnbound bool) (VerifyResult, error) {
	s.mu.Lock()
	binding, err := s.getBindingLocked(deviceID)
	s.mu.Unlock()
	if err != nil {
		return VerifyResult{Success: false, Reason: "store_error"}, err
	}
	if binding == nil {
		if allowUnbound {
			return VerifyResult{Success: true, Reason: "unbound_allowed"}, nil
		}
		return VerifyResult{Success: false, Reason: "not_registered"}, nil
	}
	if binding.Status == BindingRevoked {
		return VerifyResult{Success: false, Reason: "revoked", Binding: binding}, nil
	}
	if subtle.ConstantTimeCompare([]byte(binding.DeviceToken), []byte(deviceToken)) != 1 {
		return VerifyResult{Success: false, Reason: "invalid_token", Binding: binding}, nil
	}
	if requireActivated && binding.Status != BindingActivated {
		return VerifyResult{Success: false, Reason: "not_activated", Binding: binding}, nil
	}
	return VerifyResult{Success: true, Binding: binding}, nil
}

// CreateDeviceOperation inserts a queued operation row.
func (s *LifelogStore) CreateDeviceOperation(op DeviceOperation) error {
	now := nowMs()
	if op.Status == "" {
		op.Status = OpQueued
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO device_operations(
		  operation_id, device_id, session_id, op_type, command_type, status,
		  payload_json, result_json, error, created_at_ms, updated_at_ms, acked_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.OperationID, op.DeviceID, op.SessionID, op.OpType, op.CommandType, op.Status,
		encodeJSON(op.Payload, "{}"), encodeJSON(op.Result, "{}"), op.Error, now, now, op.AckedAtMs)
	return err
}

// OperationUpdate carries the mutable fields of UpdateDeviceOperation.
type OperationUpdate struct {
	Status    string
	SessionID string
	Result    map[string]any
	Error     *string
	AckedAtMs int64
}

// UpdateDeviceOperation transitions an operation row. Returns false when the
// operation does not exist.
func (s *LifelogStore) UpdateDeviceOperation(operationID string, upd OperationUpdate) (bool, error) {
	sets := []string{}
	args := []any{}
	if upd.Status != "" {
		sets = append(sets, "status = ?")
		args = append(args, upd.Status)
	}
	if upd.SessionID != "" {
		sets = append(sets, "session_id = ?")
		args = append(args, upd.SessionID)
	}
	if upd.Result != nil {
		sets = append(sets, "result_json = ?")
		args = append(args, encodeJSON(upd.Result, "{}"))
	}
	if upd.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *upd.Error)
	}
	if upd.AckedAtMs > 0 {
		sets = append(sets, "acked_at_ms = ?")
		args = append(args, upd.AckedAtMs)
	}
	sets = append(sets, "updated_at_ms = ?")
	args = append(args, nowMs())
	args = append(args, operationID)

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(
		"UPDATE device_operations SET "+strings.Join(sets, ", ")+" WHERE operation_id = ?", args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetDeviceOperation returns one operation, nil if absent.
func (s *LifelogStore) GetDeviceOperation(operationID string) (*DeviceOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRow(`
		SELECT operation_id, device_id, session_id, op_type, command_type, status,
		       payload_json, result_json, error, created_at_ms, updated_at_ms, acked_at_ms
		FROM device_operations WHERE operation_id = ? LIMIT 1`, operationID)
	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return op, err
}

// ListDeviceOperations returns operations newest-first with optional filters.
func (s *LifelogStore) ListDeviceOperations(deviceID, status, opType string, limit, offset int) ([]DeviceOperation, error) {
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
	if opType != "" {
		where = append(where, "op_type = ?")
		args = append(args, opType)
	}
	whereSQL := ""
	if len(where) > 0 {
		whereSQL = "WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, max(1, limit), max(0, offset))

	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`
		SELECT operation_id, device_id, session_id, op_type, command_type, status,
		       payload_json, result_json, error, created_at_ms, updated_at_ms, acked_at_ms
		FROM device_operations `+whereSQL+`
		ORDER BY updated_at_ms DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DeviceOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *op)
	}
	return out, rows.Err()
}

func scanOperation(row rowScanner) (*DeviceOperation, error) {
	var op DeviceOperation
	var payloadJSON, resultJSON string
	err := row.Scan(&op.OperationID, &op.DeviceID, &op.SessionID, &op.OpType,
		&op.CommandType, &op.Status, &payloadJSON, &resultJSON, &op.Error,
		&op.CreatedAtMs, &op.UpdatedAtMs, &op.AckedAtMs)
	if err != nil {
		return nil, err
	}
	op.Payload = decodeMap(payloadJSON)
	op.Result = decodeMap(resultJSON)
	return &op, nil
}

// AddThoughtTrace appends one audit entry.
func (s *LifelogStore) AddThoughtTrace(tr ThoughtTrace) (int64, error) {
	if tr.TS <= 0 {
		tr.TS = nowMs()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`
		INSERT INTO thought_traces(trace_id, session_id, source, stage, payload_json, ts, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tr.TraceID, tr.SessionID, tr.Source, tr.Stage, encodeJSON(tr.Payload, "{}"), tr.TS, nowMs())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ThoughtTraceQuery filters the audit log.
type ThoughtTraceQuery struct {
	TraceID   string
	SessionID string
	Source    string
	Stage     string
	StartTS   int64
	EndTS     int64
	Ascending bool
	Limit     int
	Offset    int
}

// ListThoughtTraces returns matching entries; replay uses ascending order.
func (s *LifelogStore) ListThoughtTraces(q ThoughtTraceQuery) ([]ThoughtTrace, error) {
	where := []string{}
	args := []any{}
	if q.TraceID != "" {
		where = append(where, "trace_id = ?")
		args = append(args, q.TraceID)
	}
	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.Source != "" {
		where = append(where, "source = ?")
		args = append(args, q.Source)
	}
	if q.Stage != "" {
		where = append(where, "stage = ?")
		args = append(args, q.Stage)
	}
	if q.StartTS > 0 {
		where = append(where, "ts >= ?")
		args = append(args, q.StartTS)
	}
	if q.EndTS > 0 {
		where = append(where, "ts <= ?")
		args = append(args, q.EndTS)
	}
	whereSQL := ""
	if len(where) > 0 {
		whereSQL = "WHERE " + strings.Join(where, " AND ")
	}
	order := "ORDER BY ts DESC, id DESC"
	if q.Ascending {
		order = "ORDER BY ts ASC, id ASC"
	}
	args = append(args, max(1, q.Limit), max(0, q.Offset))

	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`
		SELECT id, trace_id, session_id, source, stage, payload_json, ts, created_at_ms
		FROM thought_traces `+whereSQL+" "+order+" LIMIT ? OFFSET ?", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ThoughtTrace
	for rows.Next() {
		var tr ThoughtTrace
		var payloadJSON string
		if err := rows.Scan(&tr.ID, &tr.TraceID, &tr.SessionID, &tr.Source, &tr.Stage,
			&payloadJSON, &tr.TS, &tr.CreatedAtMs); err != nil {
			return nil, err
		}
		tr.Payload = decodeMap(payloadJSON)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// AddTelemetrySample appends one normalized telemetry snapshot.
func (s *LifelogStore) AddTelemetrySample(sample TelemetrySample) (int64, error) {
	if sample.TS <= 0 {
		sample.TS = nowMs()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`
		INSERT INTO telemetry_samples(device_id, session_id, schema_version, sample_json,
		  raw_json, trace_id, ts, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sample.DeviceID, sample.SessionID, sample.SchemaVersion,
		encodeJSON(sample.Sample, "{}"), encodeJSON(sample.Raw, "{}"),
		sample.TraceID, sample.TS, nowMs())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// TelemetrySampleQuery filters telemetry samples.
type TelemetrySampleQuery struct {
	DeviceID  string
	SessionID string
	TraceID   string
	StartTS   int64
	EndTS     int64
	Limit     int
	Offset    int
}

// ListTelemetrySamples returns matching samples newest-first.
func (s *LifelogStore) ListTelemetrySamples(q TelemetrySampleQuery) ([]TelemetrySample, error) {
	where := []string{}
	args := []any{}
	if q.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, q.DeviceID)
	}
	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.TraceID != "" {
		where = append(where, "trace_id = ?")
		args = append(args, q.TraceID)
	}
	if q.StartTS > 0 {
		where = append(where, "ts >= ?")
		args = append(args, q.StartTS)
	}
	if q.EndTS > 0 {
		where = append(where, "ts <= ?")
		args = append(args, q.EndTS)
	}
	whereSQL := ""
	if len(where) > 0 {
		whereSQL = "WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, max(1, q.Limit), max(0, q.Offset))

	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`
		SELECT id, device_id, session_id, schema_version, sample_json, raw_json, trace_id, ts, created_at_ms
		FROM telemetry_samples `+whereSQL+`
		ORDER BY ts DESC, id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TelemetrySample
	for rows.Next() {
		var sm TelemetrySample
		var sampleJSON, rawJSON string
		if err := rows.Scan(&sm.ID, &sm.DeviceID, &sm.SessionID, &sm.SchemaVersion,
			&sampleJSON, &rawJSON, &sm.TraceID, &sm.TS, &sm.CreatedAtMs); err != nil {
			return nil, err
		}
		sm.Sample = decodeMap(sampleJSON)
		sm.Raw = decodeMap(rawJSON)
		out = append(out, sm)
	}
	return out, rows.Err()
}

// CleanupRetention deletes rows older than the cutoff per table. Zero or
// negative day counts skip that table. Returns deleted counts by table.
func (s *LifelogStore) CleanupRetention(eventDays, traceDays, telemetryDays int) (map[string]int64, error) {
	now := nowMs()
	deleted := map[string]int64{}
	targets := []struct {
		table string
		days  int
	}{
		{"lifelog_events", eventDays},
		{"thought_traces", traceDays},
		{"telemetry_samples", telemetryDays},
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, target := range targets {
		if target.days <= 0 {
			continue
		}
		cutoff := now - int64(target.days)*24*60*60*1000
		res, err := s.db.Exec("DELETE FROM "+target.table+" WHERE ts < ?", cutoff)
		if err != nil {
			return deleted, err
		}
		n, _ := res.RowsAffected()
		deleted[target.table] = n
	}
	return deleted, nil
}
