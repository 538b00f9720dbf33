package runtime

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/iflabx/opencane-gateway/internal/adapter"
	"github.com/iflabx/opencane-gateway/internal/protocol"
	"github.com/iflabx/opencane-gateway/internal/session"
	"github.com/iflabx/opencane-gateway/internal/store"
)

// ErrNoOnlineSession reports that a push found no live session to target.
var ErrNoOnlineSession = errors.New("no online session for device")

var operationCommandTypes = map[string]string{
	"set_config": protocol.CommandSetConfig,
	"tool_call":  protocol.CommandToolCall,
	"ota_plan":   protocol.CommandOTAPlan,
}

// TaskUpdate is one digital-task status push toward a device.
type TaskUpdate struct {
	TaskID    string
	Status    string
	Message   string
	DeviceID  string
	SessionID string
	Speak     bool
	Extra     map[string]any
	TraceID   string
}

// PushTaskUpdate delivers a task_update command (and optionally speaks the
// message) to one online device session. Returns false when no session is
// available.
func (c *Core) PushTaskUpdate(ctx context.Context, upd TaskUpdate) bool {
	deviceID := strings.TrimSpace(upd.DeviceID)
	if deviceID == "" {
		return false
	}
	rec, ok := c.lookupSession(deviceID, upd.SessionID)
	if !ok {
		return false
	}
	trace := upd.TraceID
	if trace == "" {
		trace = "digital-task"
	}

	message := trimText(upd.Message)
	confidence := statusDefaultConfidence(upd.Status)
	risk := statusDefaultRisk(upd.Status)
	if v, ok := toFloatValue(upd.Extra["confidence"]); ok {
		confidence = v
	}
	if v, ok := upd.Extra["risk_level"].(string); ok && v != "" {
		risk = v
	}
	policyCtx := map[string]any{
		"task_id":  upd.TaskID,
		"status":   upd.Status,
		"event":    stringValue(upd.Extra["event"]),
		"priority": stringValue(upd.Extra["priority"]),
	}
	safe := message
	if message != "" {
		safe = c.applySafetyPolicy(rec.DeviceID, rec.SessionID, message, ttsOpts{
			trace: trace, source: "task_update", confidence: confidence, risk: risk,
			context: policyCtx,
		})
	}

	payload := map[string]any{
		"task_id": upd.TaskID,
		"status":  upd.Status,
		"message": safe,
	}
	if len(upd.Extra) > 0 {
		payload["extra"] = upd.Extra
	}
	c.sendSessionCommand(rec.DeviceID, rec.SessionID, protocol.CommandTaskUpdate, payload, trace)
	if upd.Speak && safe != "" {
		c.sendTTSText(ctx, rec.DeviceID, rec.SessionID, safe, ttsOpts{
			trace: trace, source: "task_update", confidence: confidence, risk: risk,
			context: policyCtx, applySafety: false,
		})
		c.sessions.UpdateState(rec.DeviceID, rec.SessionID, session.StateReady)
	}
	return true
}

// PushTaskUpdateFromPayload adapts the digital-task status callback payload.
// Returning an error makes the task service queue the update for replay.
func (c *Core) PushTaskUpdateFromPayload(ctx context.Context, payload map[string]any) error {
	extra, _ := payload["extra"].(map[string]any)
	speak := true
	if v, ok := toBoolValue(payload["speak"]); ok {
		speak = v
	}
	upd := TaskUpdate{
		TaskID:    stringValue(payload["task_id"]),
		Status:    stringValue(payload["status"]),
		Message:   stringValue(payload["message"]),
		DeviceID:  stringValue(payload["device_id"]),
		SessionID: stringValue(payload["session_id"]),
		Speak:     speak,
		Extra:     extra,
		TraceID:   stringValue(payload["trace_id"]),
	}
	if !c.PushTaskUpdate(ctx, upd) {
		return ErrNoOnlineSession
	}
	return nil
}

// DispatchRequest is an operator-initiated device command.
type DispatchRequest struct {
	DeviceID  string
	SessionID string
	OpType    string
	Payload   map[string]any
	TraceID   string
}

// DispatchDeviceOperation records a tracked operation and sends the matching
// command to the device's live session (queued, then sent).
func (c *Core) DispatchDeviceOperation(ctx context.Context, req DispatchRequest) map[string]any {
	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID == "" {
		return map[string]any{"success": false, "error": "device_id is required", "error_code": "bad_request"}
	}
	opType := strings.ToLower(strings.TrimSpace(req.OpType))
	commandType, ok := operationCommandTypes[opType]
	if !ok {
		return map[string]any{"success": false, "error": "unsupported op_type: " + req.OpType, "error_code": "bad_request"}
	}
	rec, found := c.lookupSession(deviceID, req.SessionID)
	if !found {
		return map[string]any{"success": false, "error": "device session not found", "error_code": "not_found"}
	}
	trace := req.TraceID
	if trace == "" {
		trace = "device-op"
	}
	body := map[string]any{}
	for k, v := range req.Payload {
		body[k] = v
	}

	operationID := uuid.NewString()
	if c.lifelog != nil {
		err := c.lifelog.CreateDeviceOperation(store.DeviceOperation{
			OperationID: operationID,
			DeviceID:    rec.DeviceID,
			SessionID:   rec.SessionID,
			OpType:      opType,
			CommandType: commandType,
			Status:      store.OpQueued,
			Payload:     body,
		})
		if err != nil {
			c.log.Warn().Err(err).Str("op_type", opType).Msg("operation persist failed")
			return map[string]any{"success": false, "error": "operation persist failed"}
		}
	}

	body["operation_id"] = operationID
	cmd := c.sendSessionCommand(rec.DeviceID, rec.SessionID, commandType, body, trace)
	if c.lifelog != nil {
		if _, err := c.lifelog.UpdateDeviceOperation(operationID, store.OperationUpdate{Status: store.OpSent}); err != nil {
			c.log.Debug().Err(err).Str("operation_id", operationID).Msg("operation sent mark failed")
		}
	}
	c.recordLifelog(rec.SessionID, "device_operation_dispatch", map[string]any{
		"trace_id":     trace,
		"operation_id": operationID,
		"op_type":      opType,
		"command_type": commandType,
		"seq":          cmd.Seq,
		"payload":      req.Payload,
	}, "P3", 1.0)
	return map[string]any{
		"success":      true,
		"device_id":    rec.DeviceID,
		"session_id":   rec.SessionID,
		"operation_id": operationID,
		"op_type":      opType,
		"command_type": commandType,
		"seq":          cmd.Seq,
	}
}

// Abort stops capture and speech on a device's latest session.
func (c *Core) Abort(deviceID, reason string) bool {
	rec, ok := c.sessions.GetLatest(deviceID)
	if !ok {
		return false
	}
	if reason == "" {
		reason = "manual_abort"
	}
	c.audio.ResetCapture(rec.DeviceID, rec.SessionID)
	c.clearPartial(rec.DeviceID, rec.SessionID)
	c.sessions.UpdateState(rec.DeviceID, rec.SessionID, session.StateReady)
	c.sendSessionCommand(rec.DeviceID, rec.SessionID, protocol.CommandTTSStop,
		map[string]any{"aborted": true, "reason": reason}, "manual-abort")
	return true
}

// DeviceStatus returns the latest session snapshot for one device.
func (c *Core) DeviceStatus(deviceID string) (store.DeviceSessionRecord, bool) {
	return c.sessions.Status(deviceID)
}

// RuntimeStatus is the full snapshot behind /v1/runtime/status.
func (c *Core) RuntimeStatus() map[string]any {
	taskStats := map[string]any{}
	if c.tasks != nil {
		taskStats = c.tasks.Stats(nil)
	}
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	stats := c.StatsSnapshot()
	out := map[string]any{
		"adapter":      c.adapter.Name(),
		"transport":    c.adapter.Transport(),
		"running":      running,
		"metrics":      stats,
		"digital_task": taskStats,
		"safety": map[string]any{
			"enabled":    c.safety != nil && c.safety.Enabled,
			"applied":    stats["safety_applied"],
			"downgraded": stats["safety_downgraded"],
		},
		"interaction": map[string]any{
			"enabled":    c.interaction != nil && c.interaction.Enabled,
			"applied":    stats["interaction_applied"],
			"suppressed": stats["interaction_suppressed"],
		},
		"devices": deviceStatusMaps(c.sessions.AllStatus()),
	}
	if statser, ok := c.adapter.(adapter.QueueStatser); ok {
		qs := statser.QueueStats()
		out["ingest_queue"] = map[string]any{
			"depth":         qs.Depth,
			"max_size":      qs.Capacity,
			"dropped_total": qs.Dropped,
		}
	}
	return out
}

// StatsSnapshot returns the process-local counters as a flat map.
func (c *Core) StatsSnapshot() map[string]any {
	c.statsMu.Lock()
	s := c.stats
	c.statsMu.Unlock()
	avg := func(sum int64) float64 {
		if s.voiceTurns == 0 {
			return 0
		}
		return float64(sum) / float64(s.voiceTurns)
	}
	return map[string]any{
		"events_total":            s.events,
		"commands_total":          s.commands,
		"duplicate_events":        s.duplicates,
		"voice_turn_total":        s.voiceTurns,
		"voice_turn_failed":       s.voiceFailures,
		"voice_turn_avg_ms":       avg(s.totalLatencyMs),
		"voice_turn_stt_avg_ms":   avg(s.sttLatencyMs),
		"voice_turn_agent_avg_ms": avg(s.agentLatencyMs),
		"safety_applied":          s.safetyApplied,
		"safety_downgraded":       s.safetyDowngrade,
		"interaction_applied":     s.interApplied,
		"interaction_suppressed":  s.interSuppressed,
	}
}

func deviceStatusMaps(records []store.DeviceSessionRecord) []map[string]any {
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, map[string]any{
			"device_id":         rec.DeviceID,
			"session_id":        rec.SessionID,
			"state":             rec.State,
			"last_seq":          rec.LastSeq,
			"last_outbound_seq": rec.LastOutboundSeq,
			"last_seen_ms":      rec.LastSeenMs,
			"created_at_ms":     rec.CreatedAtMs,
			"closed_at_ms":      rec.ClosedAtMs,
			"close_reason":      rec.CloseReason,
			"metadata":          rec.Metadata,
			"telemetry":         rec.Telemetry,
		})
	}
	return out
}

func (c *Core) lookupSession(deviceID, sessionID string) (store.DeviceSessionRecord, bool) {
	if strings.TrimSpace(sessionID) != "" {
		return c.sessions.Get(deviceID, sessionID)
	}
	return c.sessions.GetLatest(deviceID)
}

func (c *Core) routeDigitalTask(ctx context.Context, deviceID, sessionID, transcript, trace string) bool {
	if c.tasks == nil {
		return false
	}
	result := c.tasks.Execute(ctx, map[string]any{
		"session_id":         sessionID,
		"device_id":          deviceID,
		"goal":               transcript,
		"notify":             true,
		"speak":              true,
		"interrupt_previous": true,
		"source":             "voice_intent",
		"trace_id":           trace,
	})
	if ok, _ := toBoolValue(result["success"]); ok {
		taskID := ""
		if task, isMap := result["task"].(map[string]any); isMap {
			taskID = stringValue(task["task_id"])
		} else if task, isTask := result["task"].(*store.Task); isTask && task != nil {
			taskID = task.TaskID
		}
		c.log.Info().
			Str("device_id", deviceID).
			Str("session_id", sessionID).
			Str("task_id", taskID).
			Msg("digital task routed from voice")
		return true
	}
	errText := stringValue(result["error"])
	if errText == "" {
		errText = "数字任务创建失败"
	}
	c.sendTTSText(ctx, deviceID, sessionID, errText+"。", ttsOpts{
		trace: trace, source: "digital_task_route", confidence: 1.0, risk: "P2",
		applySafety: true,
	})
	return true
}

func (c *Core) flushTaskPushes(ctx context.Context, deviceID, sessionID, trace string) {
	if c.tasks == nil {
		return
	}
	result := c.tasks.FlushPendingUpdates(ctx, deviceID, sessionID, 20)
	c.log.Debug().
		Str("trace_id", trace).
		Str("device_id", deviceID).
		Str("session_id", sessionID).
		Interface("sent", result["sent"]).
		Interface("retry", result["retry"]).
		Msg("digital-task push flush")
}

// resolveToolPolicy fetches the control-plane tool policy. A nil allow list
// means unrestricted; failures degrade to unrestricted with a warning in
// the policy context.
func (c *Core) resolveToolPolicy(ctx context.Context, deviceID string) ([]string, []string, map[string]any) {
	if c.policyClient == nil {
		return nil, nil, map[string]any{"enabled": false, "source": "disabled"}
	}
	raw, err := c.policyClient.FetchDevicePolicy(ctx, deviceID)
	if err != nil {
		c.log.Debug().Err(err).Str("device_id", deviceID).Msg("device policy fetch failed")
		return nil, nil, map[string]any{"enabled": true, "source": "error", "warning": err.Error()}
	}
	if raw == nil {
		return nil, nil, map[string]any{
			"enabled": true, "source": "invalid_response",
			"warning": "device policy result is empty",
		}
	}
	source := stringValue(raw["source"])
	warning := stringValue(raw["warning"])
	if ok, _ := toBoolValue(raw["success"]); !ok {
		if warning == "" {
			warning = firstNonEmpty(stringValue(raw["error"]), "device policy fetch failed")
		}
		return nil, nil, map[string]any{
			"enabled": true, "source": firstNonEmpty(source, "failed"), "warning": warning,
		}
	}
	data, _ := raw["data"].(map[string]any)
	allowRaw := data["allow_tools"]
	if allowRaw == nil {
		allowRaw = data["allowed_tools"]
	}
	denyRaw := data["deny_tools"]
	if denyRaw == nil {
		denyRaw = data["blocked_tools"]
	}
	allow := normalizeToolList(allowRaw)
	deny := normalizeToolList(denyRaw)
	if allow != nil && len(deny) > 0 {
		denySet := map[string]bool{}
		for _, name := range deny {
			denySet[name] = true
		}
		filtered := []string{}
		for _, name := range allow {
			if !denySet[name] {
				filtered = append(filtered, name)
			}
		}
		allow = filtered
	}
	policyCtx := map[string]any{
		"enabled": true,
		"source":  firstNonEmpty(source, "unknown"),
		"warning": warning,
	}
	if allow != nil {
		policyCtx["allow_tools"] = allow
	} else {
		policyCtx["allow_tools"] = nil
	}
	policyCtx["deny_tools"] = deny
	return allow, deny, policyCtx
}

func (c *Core) buildRuntimeContext(deviceID, sessionID, trace, transcript string, policyCtx map[string]any) map[string]any {
	rec, _ := c.sessions.Get(deviceID, sessionID)
	out := map[string]any{
		"device_id":        deviceID,
		"session_id":       sessionID,
		"state":            rec.State,
		"trace_id":         trace,
		"transcript":       shorten(transcript, 280),
		"telemetry":        rec.Telemetry,
		"session_metadata": rec.Metadata,
		"tool_policy":      policyCtx,
	}
	if structured, ok := rec.Metadata["telemetry_structured"].(map[string]any); ok {
		out["telemetry_structured"] = structured
	}
	return out
}

func shouldRouteToDigitalTask(transcript string, payload map[string]any) bool {
	if strings.ToLower(strings.TrimSpace(stringValue(payload["intent"]))) == "digital_task" {
		return true
	}
	if v, ok := toBoolValue(payload["digital_task"]); ok && v {
		return true
	}
	text := strings.ToLower(strings.TrimSpace(transcript))
	if text == "" {
		return false
	}
	prefixes := []string{
		"帮我", "请帮我", "替我", "请替我", "帮我去", "帮我查",
		"帮我预约", "帮我挂号", "帮我订", "帮我买",
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(text, prefix) {
			return true
		}
	}
	keywords := []string{"help me", "book", "reserve", "register", "schedule", "order"}
	for _, word := range keywords {
		if strings.Contains(text, word) {
			return true
		}
	}
	return false
}

func statusDefaultConfidence(status string) float64 {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "success", "running", "pending":
		return 0.9
	case "failed", "timeout", "canceled":
		return 0.8
	default:
		return 0.75
	}
}

func statusDefaultRisk(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "failed", "timeout":
		return "P2"
	default:
		return "P3"
	}
}

func normalizeToolList(value any) []string {
	list, ok := value.([]any)
	if !ok {
		if strs, isStrs := value.([]string); isStrs {
			list = make([]any, len(strs))
			for i, s := range strs {
				list[i] = s
			}
		} else {
			return nil
		}
	}
	set := map[string]bool{}
	for _, item := range list {
		name := strings.TrimSpace(stringValue(item))
		if name != "" {
			set[name] = true
		}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func stringValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func toFloatValue(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	}
	return 0, false
}

func trimText(s string) string { return strings.TrimSpace(s) }

func firstPayloadString(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := payload[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// shorten truncates at rune boundaries with a trailing ellipsis.
func shorten(text string, maxChars int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	return strings.TrimRight(string(runes[:maxChars-3]), " ") + "..."
}

// shortenHard truncates at rune boundaries without an ellipsis.
func shortenHard(text string, maxChars int) string {
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	return string(runes[:maxChars])
}

func chunkRunes(text string, size int) []string {
	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}
	var out []string
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}

func chunkBytes(data []byte, size int) [][]byte {
	if len(data) <= size {
		return [][]byte{data}
	}
	var out [][]byte
	for i := 0; i < len(data); i += size {
		end := i + size
		if end > len(data) {
			end = len(data)
		}
		out = append(out, data[i:end])
	}
	return out
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
