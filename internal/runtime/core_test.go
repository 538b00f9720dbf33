package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/iflabx/opencane-gateway/internal/adapter"
	"github.com/iflabx/opencane-gateway/internal/protocol"
	"github.com/iflabx/opencane-gateway/internal/session"
	"github.com/iflabx/opencane-gateway/internal/store"
)

type nopPersister struct{}

func (nopPersister) UpsertDeviceSession(store.DeviceSessionRecord) error { return nil }

func (nopPersister) CloseDeviceSession(string, string, string, int64) error { return nil }

// fakeLifelog records every durable call the runtime makes.
type fakeLifelog struct {
	mu        sync.Mutex
	events    []store.LifelogEvent
	samples   []store.TelemetrySample
	ops       map[string]store.DeviceOperation
	updates   map[string][]store.OperationUpdate
	verify    store.VerifyResult
	verifyErr error
}

func newFakeLifelog() *fakeLifelog {
	return &fakeLifelog{
		ops:     map[string]store.DeviceOperation{},
		updates: map[string][]store.OperationUpdate{},
		verify:  store.VerifyResult{Success: true},
	}
}

func (f *fakeLifelog) AddEvent(ev store.LifelogEvent) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return int64(len(f.events)), nil
}

func (f *fakeLifelog) AddTelemetrySample(sample store.TelemetrySample) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, sample)
	return int64(len(f.samples)), nil
}

func (f *fakeLifelog) VerifyDeviceBinding(deviceID, token string, requireActivated, allowUnbound bool) (store.VerifyResult, error) {
	return f.verify, f.verifyErr
}

func (f *fakeLifelog) CreateDeviceOperation(op store.DeviceOperation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops[op.OperationID] = op
	return nil
}

func (f *fakeLifelog) UpdateDeviceOperation(operationID string, upd store.OperationUpdate) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates[operationID] = append(f.updates[operationID], upd)
	return true, nil
}

func (f *fakeLifelog) eventsOfType(eventType string) []store.LifelogEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.LifelogEvent
	for _, ev := range f.events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (f *fakeLifelog) lastUpdate(operationID string) (store.OperationUpdate, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ups := f.updates[operationID]
	if len(ups) == 0 {
		return store.OperationUpdate{}, false
	}
	return ups[len(ups)-1], true
}

type fakeAgent struct {
	mu       sync.Mutex
	reply    string
	err      error
	requests []AgentRequest
}

func (a *fakeAgent) ProcessDirect(ctx context.Context, req AgentRequest) (string, error) {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	a.mu.Unlock()
	return a.reply, a.err
}

type fakeTasks struct {
	mu         sync.Mutex
	execResult map[string]any
	executed   []map[string]any
	flushed    [][2]string
	stats      map[string]any
}

func (f *fakeTasks) Execute(ctx context.Context, payload map[string]any) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, payload)
	if f.execResult != nil {
		return f.execResult
	}
	return map[string]any{"success": true, "task": &store.Task{TaskID: "task-1"}}
}

func (f *fakeTasks) FlushPendingUpdates(ctx context.Context, deviceID, sessionID string, limit int) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed = append(f.flushed, [2]string{deviceID, sessionID})
	return map[string]any{"sent": 0, "retry": 0}
}

func (f *fakeTasks) Stats(payload map[string]any) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stats != nil {
		return f.stats
	}
	return map[string]any{}
}

type fakeVision struct {
	result map[string]any
	err    error
}

func (v *fakeVision) AnalyzePayload(ctx context.Context, payload map[string]any) (map[string]any, error) {
	return v.result, v.err
}

type fakeSynth struct {
	audio SynthesizedAudio
	err   error
}

func (s *fakeSynth) Synthesize(ctx context.Context, text string) (SynthesizedAudio, error) {
	return s.audio, s.err
}

type fakePolicyClient struct {
	raw map[string]any
	err error
}

func (p *fakePolicyClient) FetchDevicePolicy(ctx context.Context, deviceID string) (map[string]any, error) {
	return p.raw, p.err
}

type testEnv struct {
	core    *Core
	mock    *adapter.MockAdapter
	lifelog *fakeLifelog
	tasks   *fakeTasks
	agent   *fakeAgent
	clock   int64
}

func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()
	mock := adapter.NewMockAdapter(0xA1)
	lifelog := newFakeLifelog()
	agent := &fakeAgent{reply: "好的。"}
	tasks := &fakeTasks{}
	opts := Options{
		Adapter:  mock,
		Sessions: session.NewManager(nopPersister{}, zerolog.Nop()),
		Agent:    agent,
		Lifelog:  lifelog,
		Tasks:    tasks,
		Log:      zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	env := &testEnv{mock: mock, lifelog: lifelog, tasks: tasks, agent: agent, clock: 1_000_000}
	env.core = NewCore(opts)
	env.core.now = func() int64 { return env.clock }
	return env
}

func (e *testEnv) handle(env protocol.Envelope) {
	e.core.HandleEvent(context.Background(), env)
}

func (e *testEnv) wait() { e.core.inflight.Wait() }

func commandsOfType(cmds []protocol.Envelope, commandType string) []protocol.Envelope {
	var out []protocol.Envelope
	for _, cmd := range cmds {
		if cmd.Type == commandType {
			out = append(out, cmd)
		}
	}
	return out
}

func event(eventType string, seq int64, payload map[string]any) protocol.Envelope {
	return protocol.NewEvent(eventType, "cane-01", "sess-1", seq, payload)
}

func TestHelloFlow(t *testing.T) {
	e := newTestEnv(t, nil)
	e.handle(event(protocol.EventHello, 1, map[string]any{
		"capabilities": map[string]any{"fw": "1.4.0", "mic": true},
	}))
	e.wait()

	acks := commandsOfType(e.mock.PendingCommands(), protocol.CommandHelloAck)
	if len(acks) != 1 {
		t.Fatalf("hello_ack count = %d", len(acks))
	}
	payload := acks[0].Payload
	if payload["runtime"] != "opencane-gateway" || payload["session_id"] != "sess-1" {
		t.Errorf("hello_ack payload = %v", payload)
	}
	if payload["ack_seq"] != int64(1) {
		t.Errorf("ack_seq = %v", payload["ack_seq"])
	}

	rec, _ := e.core.sessions.Get("cane-01", "sess-1")
	if rec.State != string(session.StateReady) {
		t.Errorf("state = %q", rec.State)
	}
	if rec.Metadata["fw"] != "1.4.0" {
		t.Errorf("capabilities not merged: %v", rec.Metadata)
	}
	if len(e.lifelog.eventsOfType("hello")) != 1 {
		t.Error("hello lifelog event missing")
	}
	e.tasks.mu.Lock()
	flushed := len(e.tasks.flushed)
	e.tasks.mu.Unlock()
	if flushed != 1 {
		t.Errorf("push flush calls = %d", flushed)
	}
}

func TestSequenceGate(t *testing.T) {
	e := newTestEnv(t, nil)
	e.handle(event(protocol.EventHello, 1, nil))
	e.wait()
	e.mock.Reset()

	t.Run("duplicate_heartbeat_reacked", func(t *testing.T) {
		e.handle(event(protocol.EventHeartbeat, 2, nil))
		e.handle(event(protocol.EventHeartbeat, 2, nil))
		acks := commandsOfType(e.mock.PendingCommands(), protocol.CommandAck)
		if len(acks) != 2 {
			t.Errorf("ack count = %d, want 2", len(acks))
		}
	})

	t.Run("duplicate_hello_rerun", func(t *testing.T) {
		e.mock.Reset()
		e.handle(event(protocol.EventHello, 1, nil))
		e.wait()
		if n := len(commandsOfType(e.mock.PendingCommands(), protocol.CommandHelloAck)); n != 1 {
			t.Errorf("hello_ack on duplicate = %d", n)
		}
	})

	t.Run("duplicate_abort_dropped", func(t *testing.T) {
		e.mock.Reset()
		e.handle(event(protocol.EventAbort, 2, nil))
		if n := len(e.mock.PendingCommands()); n != 0 {
			t.Errorf("commands after dropped duplicate = %d", n)
		}
	})

	t.Run("stale_seq_audio_chunk_processed", func(t *testing.T) {
		e.mock.Reset()
		e.handle(event(protocol.EventListenStart, 3, nil))
		e.handle(event(protocol.EventAudioChunk, 4, map[string]any{"chunk_index": 1, "text": "hello"}))
		// Same seq again with new content still reaches the pipeline.
		e.handle(event(protocol.EventAudioChunk, 4, map[string]any{"chunk_index": 2, "text": "world"}))
		partials := commandsOfType(e.mock.PendingCommands(), protocol.CommandSTTPartial)
		if len(partials) == 0 {
			t.Fatal("no stt_partial emitted")
		}
		last := partials[len(partials)-1]
		if last.Payload["text"] != "hello world" {
			t.Errorf("partial = %v", last.Payload["text"])
		}
	})
}

func TestDeviceAuthGate(t *testing.T) {
	t.Run("hello_denied_on_invalid_token", func(t *testing.T) {
		e := newTestEnv(t, func(o *Options) { o.DeviceAuthEnabled = true })
		e.lifelog.verify = store.VerifyResult{Success: false, Reason: "invalid_token"}
		e.handle(event(protocol.EventHello, 1, map[string]any{"device_token": "Bearer nope"}))

		closes := commandsOfType(e.mock.PendingCommands(), protocol.CommandClose)
		if len(closes) != 1 || closes[0].Payload["reason"] != "invalid_token" {
			t.Fatalf("close commands = %v", closes)
		}
		rec, _ := e.core.sessions.Get("cane-01", "sess-1")
		if rec.State != string(session.StateClosed) {
			t.Errorf("state = %q", rec.State)
		}
		denied := e.lifelog.eventsOfType("device_auth_denied")
		if len(denied) != 1 || denied[0].RiskLevel != "P1" {
			t.Errorf("denied lifelog = %+v", denied)
		}
	})

	t.Run("hello_without_token_denied", func(t *testing.T) {
		e := newTestEnv(t, func(o *Options) { o.DeviceAuthEnabled = true })
		e.handle(event(protocol.EventHello, 1, nil))
		denied := e.lifelog.eventsOfType("device_auth_denied")
		if len(denied) != 1 || denied[0].Payload["reason"] != "missing_device_token" {
			t.Errorf("denied lifelog = %+v", denied)
		}
	})

	t.Run("verify_error_denied", func(t *testing.T) {
		e := newTestEnv(t, func(o *Options) { o.DeviceAuthEnabled = true })
		e.lifelog.verifyErr = errors.New("store down")
		e.handle(event(protocol.EventHello, 1, map[string]any{"token": "abc"}))
		denied := e.lifelog.eventsOfType("device_auth_denied")
		if len(denied) != 1 || denied[0].Payload["reason"] != "device_auth_error" {
			t.Errorf("denied lifelog = %+v", denied)
		}
	})

	t.Run("non_hello_before_hello_denied", func(t *testing.T) {
		e := newTestEnv(t, func(o *Options) { o.DeviceAuthEnabled = true })
		e.handle(event(protocol.EventHeartbeat, 1, nil))
		denied := e.lifelog.eventsOfType("device_auth_denied")
		if len(denied) != 1 || denied[0].Payload["reason"] != "unauthenticated_session" {
			t.Errorf("denied lifelog = %+v", denied)
		}
	})

	t.Run("authorized_session_carries_binding", func(t *testing.T) {
		e := newTestEnv(t, func(o *Options) { o.DeviceAuthEnabled = true })
		e.lifelog.verify = store.VerifyResult{
			Success: true,
			Binding: &store.DeviceBinding{Status: store.BindingActivated, UserID: "user-9"},
		}
		e.handle(event(protocol.EventHello, 1, map[string]any{"auth_token": "Bearer tok"}))
		e.wait()
		rec, _ := e.core.sessions.Get("cane-01", "sess-1")
		if rec.Metadata["auth_passed"] != true || rec.Metadata["binding_user_id"] != "user-9" {
			t.Errorf("metadata = %v", rec.Metadata)
		}
		// Subsequent events pass the gate.
		e.mock.Reset()
		e.handle(event(protocol.EventHeartbeat, 2, nil))
		if len(commandsOfType(e.mock.PendingCommands(), protocol.CommandAck)) != 1 {
			t.Error("heartbeat not acked after auth")
		}
	})
}

func TestExtractDeviceToken(t *testing.T) {
	cases := []struct {
		name    string
		payload map[string]any
		want    string
	}{
		{"device_token", map[string]any{"device_token": "abc"}, "abc"},
		{"auth_token_alias", map[string]any{"auth_token": "t2"}, "t2"},
		{"bare_token", map[string]any{"token": " t3 "}, "t3"},
		{"authorization_bearer", map[string]any{"authorization": "Bearer  t4"}, "t4"},
		{"empty", map[string]any{}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := extractDeviceToken(tc.payload); got != tc.want {
				t.Errorf("token = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestWatchdogClosesStaleSessions(t *testing.T) {
	e := newTestEnv(t, func(o *Options) { o.NoHeartbeatTimeout = 10 * time.Second })
	e.handle(event(protocol.EventHello, 1, nil))
	e.wait()

	// Sessions carry wall-clock last_seen; jump the runtime clock past the
	// timeout window.
	e.clock = time.Now().UnixMilli() + 60_000
	e.core.closeStaleSessions()

	rec, _ := e.core.sessions.Get("cane-01", "sess-1")
	if rec.State != string(session.StateClosed) || rec.CloseReason != "heartbeat_timeout" {
		t.Errorf("session after watchdog = %+v", rec)
	}
	closes := commandsOfType(e.mock.PendingCommands(), protocol.CommandClose)
	if len(closes) != 1 || closes[0].Payload["reason"] != "heartbeat_timeout" {
		t.Errorf("close commands = %v", closes)
	}
}

func TestTelemetryEvent(t *testing.T) {
	e := newTestEnv(t, nil)
	e.handle(event(protocol.EventHello, 1, nil))
	e.wait()
	e.mock.Reset()

	e.handle(event(protocol.EventTelemetry, 2, map[string]any{"battery": 76.0}))

	rec, _ := e.core.sessions.Get("cane-01", "sess-1")
	if rec.Telemetry["battery"] == nil {
		t.Errorf("telemetry not merged: %v", rec.Telemetry)
	}
	structured, ok := rec.Metadata["telemetry_structured"].(map[string]any)
	if !ok || structured["schema_version"] != "opencane.telemetry.v1" {
		t.Errorf("structured telemetry = %v", rec.Metadata["telemetry_structured"])
	}
	e.lifelog.mu.Lock()
	samples := len(e.lifelog.samples)
	e.lifelog.mu.Unlock()
	if samples != 1 {
		t.Errorf("persisted samples = %d", samples)
	}
	if len(commandsOfType(e.mock.PendingCommands(), protocol.CommandAck)) != 1 {
		t.Error("telemetry not acked")
	}
	if len(e.lifelog.eventsOfType("telemetry")) != 1 {
		t.Error("telemetry lifelog event missing")
	}
}

func TestToolResultMarksOperation(t *testing.T) {
	e := newTestEnv(t, nil)
	e.handle(event(protocol.EventHello, 1, nil))
	e.wait()
	resp := e.core.DispatchDeviceOperation(context.Background(), DispatchRequest{
		DeviceID: "cane-01",
		OpType:   "set_config",
		Payload:  map[string]any{"volume": 7},
	})
	opID, _ := resp["operation_id"].(string)
	if ok, _ := resp["success"].(bool); !ok || opID == "" {
		t.Fatalf("dispatch = %v", resp)
	}

	t.Run("success_acks", func(t *testing.T) {
		e.handle(event(protocol.EventToolResult, 2, map[string]any{
			"operation_id": opID,
			"tool_name":    "set_config",
			"success":      true,
			"result":       map[string]any{"applied": true},
		}))
		upd, ok := e.lifelog.lastUpdate(opID)
		if !ok || upd.Status != store.OpAcked || upd.AckedAtMs == 0 {
			t.Errorf("operation update = %+v, %v", upd, ok)
		}
		if len(e.lifelog.eventsOfType("tool_result")) != 1 {
			t.Error("tool_result lifelog event missing")
		}
	})

	t.Run("error_fails", func(t *testing.T) {
		e.handle(event(protocol.EventToolResult, 3, map[string]any{
			"operation_id": opID,
			"error":        "write rejected",
		}))
		upd, _ := e.lifelog.lastUpdate(opID)
		if upd.Status != store.OpFailed || upd.Error == nil || *upd.Error != "write rejected" {
			t.Errorf("operation update = %+v", upd)
		}
	})
}

func TestDeviceErrorEvent(t *testing.T) {
	e := newTestEnv(t, nil)
	e.handle(event(protocol.EventError, 1, map[string]any{"code": "E42"}))
	logged := e.lifelog.eventsOfType("device_error")
	if len(logged) != 1 || logged[0].RiskLevel != "P1" {
		t.Errorf("device_error lifelog = %+v", logged)
	}
}

func TestStartStop(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	if err := e.core.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	e.mock.InjectEvent(event(protocol.EventHello, 1, nil))
	if _, err := e.mock.NextCommand(2 * time.Second); err != nil {
		t.Fatalf("no command after injected hello: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := e.core.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	rec, _ := e.core.sessions.Get("cane-01", "sess-1")
	if rec.State != string(session.StateClosed) || rec.CloseReason != "runtime_stop" {
		t.Errorf("session after stop = %+v", rec)
	}
}
