// Package runtime is the transport-independent device orchestrator. It
// consumes canonical envelopes from one adapter, enforces the auth and
// sequence gates, drives the voice/vision/telemetry flows, and pushes
// commands back through the adapter.
package runtime

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/iflabx/opencane-gateway/internal/adapter"
	"github.com/iflabx/opencane-gateway/internal/audio"
	"github.com/iflabx/opencane-gateway/internal/metrics"
	"github.com/iflabx/opencane-gateway/internal/policy"
	"github.com/iflabx/opencane-gateway/internal/protocol"
	"github.com/iflabx/opencane-gateway/internal/session"
	"github.com/iflabx/opencane-gateway/internal/store"
	"github.com/iflabx/opencane-gateway/internal/telemetry"
)

// AgentRequest carries one finalized transcript to the conversational agent.
type AgentRequest struct {
	Transcript string
	SessionKey string
	Channel    string
	ChatID     string
	// AllowedTools nil means unrestricted.
	AllowedTools   []string
	BlockedTools   []string
	RuntimeContext map[string]any
}

// Agent produces the spoken reply for one voice turn.
type Agent interface {
	ProcessDirect(ctx context.Context, req AgentRequest) (string, error)
}

// Vision answers questions about a device-captured image.
type Vision interface {
	AnalyzePayload(ctx context.Context, payload map[string]any) (map[string]any, error)
}

// SynthesizedAudio is one server-side TTS result.
type SynthesizedAudio struct {
	Audio        []byte
	Encoding     string
	SampleRateHz int
}

// Synthesizer renders text to audio for the server_audio TTS mode.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (SynthesizedAudio, error)
}

// PolicyClient fetches the per-device tool policy from the control plane.
type PolicyClient interface {
	FetchDevicePolicy(ctx context.Context, deviceID string) (map[string]any, error)
}

// Lifelog is the durable side of the runtime: event log, device auth,
// telemetry samples, and operation tracking. *store.LifelogStore satisfies it.
type Lifelog interface {
	AddEvent(ev store.LifelogEvent) (int64, error)
	AddTelemetrySample(sample store.TelemetrySample) (int64, error)
	VerifyDeviceBinding(deviceID, token string, requireActivated, allowUnbound bool) (store.VerifyResult, error)
	CreateDeviceOperation(op store.DeviceOperation) error
	UpdateDeviceOperation(operationID string, upd store.OperationUpdate) (bool, error)
}

// TaskService is the digital-task surface the runtime drives.
// *digitaltask.Service satisfies it.
type TaskService interface {
	Execute(ctx context.Context, payload map[string]any) map[string]any
	FlushPendingUpdates(ctx context.Context, deviceID, sessionID string, limit int) map[string]any
	Stats(payload map[string]any) map[string]any
}

// Options configures a Core. Adapter and Sessions are required; every
// collaborator may be nil and the matching flow degrades to its fallback.
type Options struct {
	Adapter      adapter.Adapter
	Sessions     *session.Manager
	Audio        *audio.Pipeline
	Agent        Agent
	Vision       Vision
	Lifelog      Lifelog
	Tasks        TaskService
	Safety       *policy.SafetyPolicy
	Interaction  *policy.InteractionPolicy
	PolicyClient PolicyClient
	Synthesizer  Synthesizer

	TTSMode            string
	TTSAudioChunkBytes int
	NoHeartbeatTimeout time.Duration

	DeviceAuthEnabled       bool
	AllowUnboundDevices     bool
	RequireActivatedDevices bool

	Log zerolog.Logger
}

type sessionRef struct {
	deviceID  string
	sessionID string
}

type partialState struct {
	text string
	ts   int64
}

// runtimeStats are the process-local counters surfaced by RuntimeStatus and
// the observability endpoint. Prometheus keeps the exported series.
type runtimeStats struct {
	events          int64
	commands        int64
	duplicates      int64
	voiceTurns      int64
	voiceFailures   int64
	totalLatencyMs  int64
	sttLatencyMs    int64
	agentLatencyMs  int64
	safetyApplied   int64
	safetyDowngrade int64
	interApplied    int64
	interSuppressed int64
}

// Core orchestrates one adapter worth of device traffic.
type Core struct {
	adapter      adapter.Adapter
	sessions     *session.Manager
	audio        *audio.Pipeline
	agent        Agent
	vision       Vision
	lifelog      Lifelog
	tasks        TaskService
	safety       *policy.SafetyPolicy
	interaction  *policy.InteractionPolicy
	policyClient PolicyClient
	synth        Synthesizer

	ttsMode            string
	ttsAudioChunkBytes int
	noHeartbeatTimeout time.Duration

	deviceAuthEnabled       bool
	allowUnboundDevices     bool
	requireActivatedDevices bool

	log zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	loops   sync.WaitGroup
	// inflight tracks spawned per-event work (listen_stop, image, flushes).
	inflight sync.WaitGroup

	partialMu  sync.Mutex
	sttPartial map[sessionRef]partialState

	statsMu sync.Mutex
	stats   runtimeStats

	now              func() int64
	watchdogInterval time.Duration
}

func NewCore(opts Options) *Core {
	mode := strings.ToLower(strings.TrimSpace(opts.TTSMode))
	if mode == "" {
		mode = "device_text"
	}
	chunkBytes := opts.TTSAudioChunkBytes
	if chunkBytes < 256 {
		chunkBytes = 256
	}
	timeout := opts.NoHeartbeatTimeout
	if timeout < 10*time.Second {
		timeout = 10 * time.Second
	}
	pipe := opts.Audio
	if pipe == nil {
		pipe = audio.NewPipeline(audio.Options{Log: opts.Log})
	}
	return &Core{
		adapter:                 opts.Adapter,
		sessions:                opts.Sessions,
		audio:                   pipe,
		agent:                   opts.Agent,
		vision:                  opts.Vision,
		lifelog:                 opts.Lifelog,
		tasks:                   opts.Tasks,
		safety:                  opts.Safety,
		interaction:             opts.Interaction,
		policyClient:            opts.PolicyClient,
		synth:                   opts.Synthesizer,
		ttsMode:                 mode,
		ttsAudioChunkBytes:      chunkBytes,
		noHeartbeatTimeout:      timeout,
		deviceAuthEnabled:       opts.DeviceAuthEnabled,
		allowUnboundDevices:     opts.AllowUnboundDevices,
		requireActivatedDevices: opts.RequireActivatedDevices,
		log:                     opts.Log.With().Str("component", "runtime").Logger(),
		sttPartial:              map[sessionRef]partialState{},
		now:                     func() int64 { return time.Now().UnixMilli() },
		watchdogInterval:        2 * time.Second,
	}
}

// Start brings up the adapter and launches the event and watchdog loops.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	if err := c.adapter.Start(runCtx); err != nil {
		c.mu.Lock()
		c.running = false
		c.cancel = nil
		c.mu.Unlock()
		cancel()
		return err
	}
	c.loops.Add(2)
	go c.eventLoop(runCtx)
	go c.watchdogLoop(runCtx)
	c.log.Info().Str("adapter", c.adapter.Name()).Msg("device runtime started")
	return nil
}

// Stop closes open sessions, stops the adapter, and waits for loops and
// inflight work until ctx expires.
func (c *Core) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	for _, state := range c.sessions.AllStatus() {
		if state.State == string(session.StateClosed) {
			continue
		}
		if state.DeviceID == "" || state.SessionID == "" {
			continue
		}
		c.sessions.Close(state.DeviceID, state.SessionID, "runtime_stop")
	}
	err := c.adapter.Stop()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		c.loops.Wait()
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	c.partialMu.Lock()
	c.sttPartial = map[sessionRef]partialState{}
	c.partialMu.Unlock()
	c.log.Info().Msg("device runtime stopped")
	return err
}

func (c *Core) eventLoop(ctx context.Context) {
	defer c.loops.Done()
	events := c.adapter.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-events:
			if !ok {
				return
			}
			c.HandleEvent(ctx, env)
		}
	}
}

func (c *Core) watchdogLoop(ctx context.Context) {
	defer c.loops.Done()
	ticker := time.NewTicker(c.watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.closeStaleSessions()
		}
	}
}

func (c *Core) closeStaleSessions() {
	nowMs := c.now()
	timeoutMs := c.noHeartbeatTimeout.Milliseconds()
	for _, state := range c.sessions.AllStatus() {
		if state.State == string(session.StateClosed) {
			continue
		}
		if state.LastSeenMs == 0 || nowMs-state.LastSeenMs <= timeoutMs {
			continue
		}
		c.log.Info().
			Str("device_id", state.DeviceID).
			Str("session_id", state.SessionID).
			Msg("closing stale session")
		c.sessions.Close(state.DeviceID, state.SessionID, "heartbeat_timeout")
		if err := adapter.CloseSession(c.adapter, state.DeviceID, state.SessionID, "heartbeat_timeout"); err != nil {
			c.log.Debug().Err(err).Msg("stale session close command failed")
		}
	}
}

// HandleEvent runs one canonical envelope through the full gate-and-dispatch
// path. Long-running flows are spawned and tracked.
func (c *Core) HandleEvent(ctx context.Context, env protocol.Envelope) {
	trace := traceIDForEvent(env)
	metrics.DeviceEventsTotal.WithLabelValues(env.Type).Inc()
	c.bumpStats(func(s *runtimeStats) { s.events++ })
	c.log.Debug().
		Str("type", env.Type).
		Str("trace_id", trace).
		Str("device_id", env.DeviceID).
		Str("session_id", env.SessionID).
		Int64("seq", env.Seq).
		Msg("device event")

	rec := c.sessions.GetOrCreate(env.DeviceID, env.SessionID)
	deviceID, sessionID := rec.DeviceID, rec.SessionID
	if !c.authorize(ctx, rec, env, trace) {
		return
	}

	committed := true
	if env.Seq >= 0 {
		committed = c.sessions.CheckAndCommitSeq(deviceID, sessionID, env.Seq)
	}
	if !committed && env.Type != protocol.EventAudioChunk {
		metrics.DeviceEventsDuplicate.Inc()
		c.bumpStats(func(s *runtimeStats) { s.duplicates++ })
		switch env.Type {
		case protocol.EventHello:
			c.onHello(ctx, deviceID, sessionID, env, trace)
		case protocol.EventHeartbeat, protocol.EventListenStart, protocol.EventListenStop,
			protocol.EventTelemetry, protocol.EventToolResult:
			c.sendAck(deviceID, sessionID, env.Seq, trace)
		}
		c.log.Debug().
			Int64("seq", env.Seq).
			Str("device_id", deviceID).
			Str("session_id", sessionID).
			Msg("discard duplicate event")
		return
	}

	switch env.Type {
	case protocol.EventHello:
		c.onHello(ctx, deviceID, sessionID, env, trace)
		c.recordLifelog(sessionID, "hello", map[string]any{
			"trace_id":     trace,
			"capabilities": env.Payload["capabilities"],
		}, "P3", 0)
	case protocol.EventHeartbeat:
		c.sessions.UpdateState(deviceID, sessionID, session.StateReady)
		c.sendAck(deviceID, sessionID, env.Seq, trace)
	case protocol.EventListenStart:
		if rec.State == string(session.StateSpeaking) {
			c.sendTTSStop(deviceID, sessionID, true, "barge_in", trace)
			c.recordLifelog(sessionID, "voice_interrupt", map[string]any{
				"trace_id": trace,
				"reason":   "barge_in",
			}, "P3", 1.0)
		}
		c.sessions.UpdateState(deviceID, sessionID, session.StateListening)
		c.audio.StartCapture(deviceID, sessionID)
		c.clearPartial(deviceID, sessionID)
		c.sendAck(deviceID, sessionID, env.Seq, trace)
		c.recordLifelog(sessionID, "listen_start", map[string]any{
			"trace_id": trace,
			"seq":      env.Seq,
		}, "P3", 0)
	case protocol.EventAudioChunk:
		partial := c.audio.AppendChunk(deviceID, sessionID, env.Payload, env.Seq)
		c.maybeEmitSTTPartial(deviceID, sessionID, partial, trace)
	case protocol.EventListenStop:
		c.clearPartial(deviceID, sessionID)
		c.sessions.UpdateState(deviceID, sessionID, session.StateThinking)
		c.sendAck(deviceID, sessionID, env.Seq, trace)
		payload := env.Payload
		c.spawn(func() { c.processListenStop(ctx, deviceID, sessionID, payload, trace) })
	case protocol.EventAbort:
		c.audio.ResetCapture(deviceID, sessionID)
		c.clearPartial(deviceID, sessionID)
		c.sessions.UpdateState(deviceID, sessionID, session.StateReady)
		reason := env.PayloadString("reason")
		if reason == "" {
			reason = "device_abort"
		}
		c.sendTTSStop(deviceID, sessionID, true, reason, trace)
		c.recordLifelog(sessionID, "abort", map[string]any{
			"trace_id": trace,
			"reason":   env.Payload["reason"],
		}, "P3", 0)
	case protocol.EventImageReady:
		c.sessions.UpdateState(deviceID, sessionID, session.StateThinking)
		payload := env.Payload
		c.spawn(func() { c.processImageReady(ctx, deviceID, sessionID, payload, trace) })
	case protocol.EventTelemetry:
		c.handleTelemetry(deviceID, sessionID, env, trace)
	case protocol.EventToolResult:
		c.handleToolResult(deviceID, sessionID, env, trace)
	case protocol.EventError:
		c.log.Warn().
			Str("device_id", deviceID).
			Str("session_id", sessionID).
			Interface("payload", env.Payload).
			Msg("device reported error")
		c.recordLifelog(sessionID, "device_error", map[string]any{
			"trace_id": trace,
			"error":    env.Payload,
		}, "P1", 0)
	default:
		c.log.Debug().Str("type", env.Type).Msg("unsupported device event type")
	}
}

func (c *Core) authorize(ctx context.Context, rec store.DeviceSessionRecord, env protocol.Envelope, trace string) bool {
	if !c.deviceAuthEnabled {
		return true
	}
	if env.Type == protocol.EventHello {
		token := extractDeviceToken(env.Payload)
		if token == "" {
			return c.denyDevice(rec, trace, "missing_device_token", env.Type)
		}
		if c.lifelog == nil {
			return c.denyDevice(rec, trace, "device_auth_service_unavailable", env.Type)
		}
		result, err := c.lifelog.VerifyDeviceBinding(
			env.DeviceID, token, c.requireActivatedDevices, c.allowUnboundDevices)
		if err != nil {
			c.log.Warn().Err(err).Str("device_id", env.DeviceID).Msg("device auth verify failed")
			return c.denyDevice(rec, trace, "device_auth_error", env.Type)
		}
		if !result.Success {
			reason := result.Reason
			if reason == "" {
				reason = "device_auth_failed"
			}
			return c.denyDevice(rec, trace, reason, env.Type)
		}
		meta := map[string]any{
			"auth_passed": true,
			"auth_reason": firstNonEmpty(result.Reason, "ok"),
		}
		if result.Binding != nil {
			meta["binding_status"] = result.Binding.Status
			meta["binding_user_id"] = result.Binding.UserID
		}
		c.sessions.UpdateMetadata(rec.DeviceID, rec.SessionID, meta)
		return true
	}
	if passed, ok := rec.Metadata["auth_passed"].(bool); ok && passed {
		return true
	}
	return c.denyDevice(rec, trace, "unauthenticated_session", env.Type)
}

func (c *Core) denyDevice(rec store.DeviceSessionRecord, trace, reason, eventType string) bool {
	c.log.Warn().
		Str("device_id", rec.DeviceID).
		Str("session_id", rec.SessionID).
		Str("reason", reason).
		Msg("device auth denied")
	c.sessions.UpdateMetadata(rec.DeviceID, rec.SessionID, map[string]any{
		"auth_passed": false,
		"auth_reason": reason,
	})
	c.sendSessionCommand(rec.DeviceID, rec.SessionID, protocol.CommandClose,
		map[string]any{"reason": reason}, trace)
	c.sessions.Close(rec.DeviceID, rec.SessionID, reason)
	c.recordLifelog(rec.SessionID, "device_auth_denied", map[string]any{
		"trace_id":   trace,
		"reason":     reason,
		"event_type": eventType,
	}, "P1", 1.0)
	return false
}

func (c *Core) onHello(ctx context.Context, deviceID, sessionID string, env protocol.Envelope, trace string) {
	if caps, ok := env.Payload["capabilities"].(map[string]any); ok {
		c.sessions.UpdateMetadata(deviceID, sessionID, caps)
	}
	c.sessions.UpdateState(deviceID, sessionID, session.StateReady)
	c.sendSessionCommand(deviceID, sessionID, protocol.CommandHelloAck, map[string]any{
		"runtime":    "opencane-gateway",
		"protocol":   env.Version,
		"session_id": sessionID,
		"ack_seq":    env.Seq,
	}, trace)
	if c.tasks != nil {
		c.spawn(func() { c.flushTaskPushes(ctx, deviceID, sessionID, trace) })
	}
}

func (c *Core) handleTelemetry(deviceID, sessionID string, env protocol.Envelope, trace string) {
	raw := env.Payload
	if raw == nil {
		raw = map[string]any{}
	}
	c.sessions.UpdateTelemetry(deviceID, sessionID, raw)
	structured := telemetry.Normalize(raw, env.TS)
	if len(structured) > 0 {
		schema, _ := structured["schema_version"].(string)
		c.sessions.UpdateMetadata(deviceID, sessionID, map[string]any{
			"telemetry_structured":     structured,
			"telemetry_schema_version": schema,
		})
		if c.lifelog != nil {
			_, err := c.lifelog.AddTelemetrySample(store.TelemetrySample{
				DeviceID:      deviceID,
				SessionID:     sessionID,
				SchemaVersion: schema,
				Sample:        structured,
				Raw:           raw,
				TraceID:       trace,
				TS:            env.TS,
			})
			if err != nil {
				c.log.Debug().Err(err).Msg("telemetry sample persistence failed")
			}
		}
	}
	c.sendAck(deviceID, sessionID, env.Seq, trace)
	payload := map[string]any{"trace_id": trace, "telemetry": raw}
	if len(structured) > 0 {
		payload["telemetry_structured"] = structured
	}
	c.recordLifelog(sessionID, "telemetry", payload, "P3", 0)
}

func (c *Core) handleToolResult(deviceID, sessionID string, env protocol.Envelope, trace string) {
	c.sendAck(deviceID, sessionID, env.Seq, trace)
	operationID := env.PayloadString("operation_id", "operationId", "op_id")
	toolName := env.PayloadString("tool_name", "toolName", "name")
	errText := env.PayloadString("error")
	success := errText == ""
	if v, ok := toBoolValue(env.Payload["success"]); ok {
		success = v
	}
	result := env.Payload["result"]
	resultMap, _ := result.(map[string]any)
	if resultMap == nil && result != nil && result != "" {
		resultMap = map[string]any{"value": result}
	}

	risk := "P3"
	if !success && errText != "" {
		risk = "P2"
	}
	confidence := 0.9
	if !success {
		confidence = 0.7
	}
	c.recordLifelog(sessionID, "tool_result", map[string]any{
		"trace_id":     trace,
		"operation_id": operationID,
		"tool_name":    toolName,
		"success":      success,
		"result":       resultMap,
		"error":        errText,
		"accepted":     true,
	}, risk, confidence)

	if operationID == "" || c.lifelog == nil {
		return
	}
	status := store.OpAcked
	ackedAt := c.now()
	if !success {
		status = store.OpFailed
		ackedAt = 0
	}
	upd := store.OperationUpdate{
		Status:    status,
		SessionID: sessionID,
		Result:    resultMap,
		Error:     &errText,
		AckedAtMs: ackedAt,
	}
	if _, err := c.lifelog.UpdateDeviceOperation(operationID, upd); err != nil {
		c.log.Debug().Err(err).Str("operation_id", operationID).Msg("operation mark from tool_result failed")
	}
}

func (c *Core) sendSessionCommand(deviceID, sessionID, commandType string, payload map[string]any, trace string) protocol.Envelope {
	seq := c.sessions.NextOutboundSeq(deviceID, sessionID)
	cmd := protocol.NewCommand(commandType, deviceID, sessionID, seq, payload)
	metrics.CommandsSentTotal.WithLabelValues(commandType).Inc()
	c.bumpStats(func(s *runtimeStats) { s.commands++ })
	c.log.Debug().
		Str("type", commandType).
		Str("trace_id", trace).
		Str("device_id", deviceID).
		Str("session_id", sessionID).
		Int64("seq", seq).
		Msg("device command")
	if err := c.adapter.SendCommand(cmd); err != nil {
		c.log.Warn().Err(err).Str("type", commandType).Str("device_id", deviceID).Msg("send command failed")
	}
	return cmd
}

func (c *Core) sendAck(deviceID, sessionID string, ackSeq int64, trace string) {
	c.sendSessionCommand(deviceID, sessionID, protocol.CommandAck,
		map[string]any{"ack_seq": ackSeq}, trace)
}

func (c *Core) spawn(fn func()) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		fn()
	}()
}

func (c *Core) recordLifelog(sessionID, eventType string, payload map[string]any, riskLevel string, confidence float64) {
	if c.lifelog == nil {
		return
	}
	_, err := c.lifelog.AddEvent(store.LifelogEvent{
		SessionID:  sessionID,
		EventType:  eventType,
		Payload:    payload,
		RiskLevel:  riskLevel,
		Confidence: confidence,
	})
	if err != nil {
		c.log.Debug().Err(err).Str("event_type", eventType).Msg("lifelog record failed")
	}
}

func (c *Core) bumpStats(fn func(*runtimeStats)) {
	c.statsMu.Lock()
	fn(&c.stats)
	c.statsMu.Unlock()
}

func traceIDForEvent(env protocol.Envelope) string {
	if trace := env.PayloadString("trace_id", "traceId"); trace != "" {
		return trace
	}
	return env.MsgID
}

func extractDeviceToken(payload map[string]any) string {
	token := ""
	for _, key := range []string{"device_token", "deviceToken", "auth_token", "authToken", "token", "authorization"} {
		if v, ok := payload[key].(string); ok && strings.TrimSpace(v) != "" {
			token = strings.TrimSpace(v)
			break
		}
	}
	if len(token) >= 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	return token
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func toBoolValue(v any) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "true", "yes", "on":
			return true, true
		case "0", "false", "no", "off":
			return false, true
		}
	case float64:
		if val == 1 {
			return true, true
		}
		if val == 0 {
			return false, true
		}
	}
	return false, false
}
