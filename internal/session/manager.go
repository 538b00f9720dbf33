// Package session tracks the runtime state of connected devices and
// performs inbound sequence de-duplication.
package session

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/iflabx/opencane-gateway/internal/store"
)

// State is the high-level runtime state of one device session.
type State string

const (
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateListening  State = "listening"
	StateThinking   State = "thinking"
	StateSpeaking   State = "speaking"
	StateClosed     State = "closed"
)

// Persister mirrors the lifelog store's session methods. Persistence is
// best-effort; failures never fail the in-memory operation.
type Persister interface {
	UpsertDeviceSession(rec store.DeviceSessionRecord) error
	CloseDeviceSession(deviceID, sessionID, reason string, closedAtMs int64) error
}

type sessionKey struct {
	deviceID  string
	sessionID string
}

type session struct {
	deviceID        string
	sessionID       string
	state           State
	createdAtMs     int64
	lastSeenMs      int64
	lastSeq         int64
	lastOutboundSeq int64
	closedAtMs      int64
	closeReason     string
	metadata        map[string]any
	telemetry       map[string]any
}

// Manager owns every live session. All methods are safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	byKey   map[sessionKey]*session
	latest  map[string]*session
	persist Persister
	log     zerolog.Logger

	// now is swappable in tests.
	now func() int64
}

func NewManager(persist Persister, log zerolog.Logger) *Manager {
	return &Manager{
		byKey:   map[sessionKey]*session{},
		latest:  map[string]*session{},
		persist: persist,
		log:     log.With().Str("component", "session").Logger(),
		now:     func() int64 { return time.Now().UnixMilli() },
	}
}

// GetOrCreate returns the matching session, or the latest open one for the
// device when sessionID is empty, allocating a fresh session otherwise.
func (m *Manager) GetOrCreate(deviceID, sessionID string) store.DeviceSessionRecord {
	m.mu.Lock()
	s, created := m.getOrCreateLocked(deviceID, sessionID)
	rec := snapshot(s)
	m.mu.Unlock()
	if created {
		m.persistUpsert(rec)
	}
	return rec
}

func (m *Manager) getOrCreateLocked(deviceID, sessionID string) (*session, bool) {
	if sessionID != "" {
		if s, ok := m.byKey[sessionKey{deviceID, sessionID}]; ok {
			return s, false
		}
	} else {
		if s, ok := m.latest[deviceID]; ok && s.state != StateClosed {
			return s, false
		}
		sessionID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	now := m.now()
	s := &session{
		deviceID:    deviceID,
		sessionID:   sessionID,
		state:       StateConnecting,
		createdAtMs: now,
		lastSeenMs:  now,
		lastSeq:     -1,
		metadata:    map[string]any{},
		telemetry:   map[string]any{},
	}
	m.byKey[sessionKey{deviceID, sessionID}] = s
	m.latest[deviceID] = s
	return s, true
}

// Get returns a snapshot of one session if it exists.
func (m *Manager) Get(deviceID, sessionID string) (store.DeviceSessionRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byKey[sessionKey{deviceID, sessionID}]
	if !ok {
		return store.DeviceSessionRecord{}, false
	}
	return snapshot(s), true
}

// GetLatest returns the most recent open session for a device.
func (m *Manager) GetLatest(deviceID string) (store.DeviceSessionRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.latest[deviceID]
	if !ok {
		return store.DeviceSessionRecord{}, false
	}
	return snapshot(s), true
}

// UpdateState transitions the session and refreshes last_seen_ms. Any state
// other than closed clears prior close bookkeeping.
func (m *Manager) UpdateState(deviceID, sessionID string, state State) store.DeviceSessionRecord {
	m.mu.Lock()
	s, _ := m.getOrCreateLocked(deviceID, sessionID)
	s.state = state
	if state != StateClosed {
		s.closedAtMs = 0
		s.closeReason = ""
	}
	s.lastSeenMs = m.now()
	rec := snapshot(s)
	m.mu.Unlock()
	m.persistUpsert(rec)
	return rec
}

// UpdateMetadata merges keys into the session metadata.
func (m *Manager) UpdateMetadata(deviceID, sessionID string, metadata map[string]any) store.DeviceSessionRecord {
	m.mu.Lock()
	s, _ := m.getOrCreateLocked(deviceID, sessionID)
	for k, v := range metadata {
		s.metadata[k] = v
	}
	s.lastSeenMs = m.now()
	rec := snapshot(s)
	m.mu.Unlock()
	m.persistUpsert(rec)
	return rec
}

// UpdateTelemetry merges keys into the session telemetry snapshot.
func (m *Manager) UpdateTelemetry(deviceID, sessionID string, telemetry map[string]any) store.DeviceSessionRecord {
	m.mu.Lock()
	s, _ := m.getOrCreateLocked(deviceID, sessionID)
	for k, v := range telemetry {
		s.telemetry[k] = v
	}
	s.lastSeenMs = m.now()
	rec := snapshot(s)
	m.mu.Unlock()
	m.persistUpsert(rec)
	return rec
}

// CheckAndCommitSeq reports whether seq is new for the session and commits
// it when it is. Negative sequences always pass and commit nothing.
func (m *Manager) CheckAndCommitSeq(deviceID, sessionID string, seq int64) bool {
	m.mu.Lock()
	s, _ := m.getOrCreateLocked(deviceID, sessionID)
	s.lastSeenMs = m.now()
	accepted := true
	switch {
	case seq < 0:
	case seq <= s.lastSeq:
		accepted = false
	default:
		s.lastSeq = seq
	}
	rec := snapshot(s)
	m.mu.Unlock()
	m.persistUpsert(rec)
	return accepted
}

// NextOutboundSeq allocates the next strictly increasing downlink sequence
// for a session, starting at 1.
func (m *Manager) NextOutboundSeq(deviceID, sessionID string) int64 {
	m.mu.Lock()
	s, _ := m.getOrCreateLocked(deviceID, sessionID)
	s.lastOutboundSeq = max(1, s.lastOutboundSeq+1)
	s.lastSeenMs = m.now()
	seq := s.lastOutboundSeq
	rec := snapshot(s)
	m.mu.Unlock()
	m.persistUpsert(rec)
	return seq
}

// Close marks the session closed and drops it from the latest-by-device
// index when it was the latest.
func (m *Manager) Close(deviceID, sessionID, reason string) {
	if reason == "" {
		reason = "closed"
	}
	m.mu.Lock()
	s, _ := m.getOrCreateLocked(deviceID, sessionID)
	s.state = StateClosed
	s.lastSeenMs = m.now()
	s.closedAtMs = s.lastSeenMs
	s.closeReason = reason
	rec := snapshot(s)
	if current, ok := m.latest[deviceID]; ok && current.sessionID == sessionID {
		delete(m.latest, deviceID)
	}
	m.mu.Unlock()
	m.persistClose(rec)
}

// Status returns the latest session snapshot for a device.
func (m *Manager) Status(deviceID string) (store.DeviceSessionRecord, bool) {
	return m.GetLatest(deviceID)
}

// AllStatus snapshots every tracked session, closed ones included.
func (m *Manager) AllStatus() []store.DeviceSessionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.DeviceSessionRecord, 0, len(m.byKey))
	for _, s := range m.byKey {
		out = append(out, snapshot(s))
	}
	return out
}

func snapshot(s *session) store.DeviceSessionRecord {
	metadata := make(map[string]any, len(s.metadata))
	for k, v := range s.metadata {
		metadata[k] = v
	}
	telemetry := make(map[string]any, len(s.telemetry))
	for k, v := range s.telemetry {
		telemetry[k] = v
	}
	return store.DeviceSessionRecord{
		DeviceID:        s.deviceID,
		SessionID:       s.sessionID,
		State:           string(s.state),
		CreatedAtMs:     s.createdAtMs,
		LastSeenMs:      s.lastSeenMs,
		ClosedAtMs:      s.closedAtMs,
		CloseReason:     s.closeReason,
		LastSeq:         s.lastSeq,
		LastOutboundSeq: s.lastOutboundSeq,
		Metadata:        metadata,
		Telemetry:       telemetry,
		UpdatedAtMs:     s.lastSeenMs,
	}
}

func (m *Manager) persistUpsert(rec store.DeviceSessionRecord) {
	if m.persist == nil {
		return
	}
	if err := m.persist.UpsertDeviceSession(rec); err != nil {
		m.log.Debug().Err(err).Str("device_id", rec.DeviceID).
			Str("session_id", rec.SessionID).Msg("session persistence failed")
	}
}

func (m *Manager) persistClose(rec store.DeviceSessionRecord) {
	if m.persist == nil {
		return
	}
	err := m.persist.CloseDeviceSession(rec.DeviceID, rec.SessionID, rec.CloseReason, rec.ClosedAtMs)
	if err == nil {
		return
	}
	m.log.Debug().Err(err).Str("device_id", rec.DeviceID).
		Str("session_id", rec.SessionID).Msg("session close persistence failed")
	m.persistUpsert(rec)
}
