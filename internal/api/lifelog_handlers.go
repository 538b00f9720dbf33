package api

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/iflabx/opencane-gateway/internal/runtime"
	"github.com/iflabx/opencane-gateway/internal/store"
)

// LifelogHandler serves the durable event log, thought traces, telemetry
// samples, and the vision entry points.
type LifelogHandler struct {
	lifelog *store.LifelogStore
	vision  runtime.Vision
}

// Query returns the event log for one session.
func (h *LifelogHandler) Query(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := QueryString(r, "session_id")
	if !ok {
		WriteError(w, http.StatusBadRequest, "session_id is required", "bad_request")
		return
	}
	page, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error(), "bad_request")
		return
	}
	q := store.TimelineQuery{SessionID: sessionID, Limit: page.Limit, Offset: page.Offset}
	q.EventType, _ = QueryString(r, "event_type")
	q.StartTS, _ = QueryInt64(r, "start_ts")
	q.EndTS, _ = QueryInt64(r, "end_ts")
	h.writeEvents(w, q)
}

// Timeline returns recent events across sessions with optional filters.
func (h *LifelogHandler) Timeline(w http.ResponseWriter, r *http.Request) {
	page, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error(), "bad_request")
		return
	}
	q := store.TimelineQuery{Limit: page.Limit, Offset: page.Offset}
	q.SessionID, _ = QueryString(r, "session_id")
	q.EventType, _ = QueryString(r, "event_type")
	q.RiskLevel, _ = QueryString(r, "risk_level")
	q.StartTS, _ = QueryInt64(r, "start_ts")
	q.EndTS, _ = QueryInt64(r, "end_ts")
	h.writeEvents(w, q)
}

func (h *LifelogHandler) writeEvents(w http.ResponseWriter, q store.TimelineQuery) {
	events, err := h.lifelog.Timeline(q)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error(), "internal")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"events":  events,
		"count":   len(events),
	})
}

func (h *LifelogHandler) AppendThoughtTrace(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TraceID   string         `json:"trace_id"`
		SessionID string         `json:"session_id"`
		Source    string         `json:"source"`
		Stage     string         `json:"stage"`
		Payload   map[string]any `json:"payload"`
		TS        int64          `json:"ts"`
	}
	if err := DecodeJSON(r, &body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body", "bad_request")
		return
	}
	if strings.TrimSpace(body.TraceID) == "" {
		WriteError(w, http.StatusBadRequest, "trace_id is required", "bad_request")
		return
	}
	id, err := h.lifelog.AddThoughtTrace(store.ThoughtTrace{
		TraceID:   body.TraceID,
		SessionID: body.SessionID,
		Source:    body.Source,
		Stage:     body.Stage,
		Payload:   body.Payload,
		TS:        body.TS,
	})
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error(), "internal")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
}

func (h *LifelogHandler) QueryThoughtTraces(w http.ResponseWriter, r *http.Request) {
	page, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error(), "bad_request")
		return
	}
	q := store.ThoughtTraceQuery{Limit: page.Limit, Offset: page.Offset}
	q.TraceID, _ = QueryString(r, "trace_id")
	q.SessionID, _ = QueryString(r, "session_id")
	q.Source, _ = QueryString(r, "source")
	q.Stage, _ = QueryString(r, "stage")
	q.StartTS, _ = QueryInt64(r, "start_ts")
	q.EndTS, _ = QueryInt64(r, "end_ts")
	q.Ascending, _ = QueryBool(r, "ascending")
	traces, err := h.lifelog.ListThoughtTraces(q)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error(), "internal")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"traces":  traces,
		"count":   len(traces),
	})
}

// ReplayThoughtTrace reconstructs one trace in stage order.
func (h *LifelogHandler) ReplayThoughtTrace(w http.ResponseWriter, r *http.Request) {
	traceID, ok := QueryString(r, "trace_id")
	if !ok {
		WriteError(w, http.StatusBadRequest, "trace_id is required", "bad_request")
		return
	}
	entries, err := h.lifelog.ListThoughtTraces(store.ThoughtTraceQuery{
		TraceID:   traceID,
		Ascending: true,
		Limit:     1000,
	})
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error(), "internal")
		return
	}
	if len(entries) == 0 {
		WriteError(w, http.StatusNotFound, "trace not found", "not_found")
		return
	}
	stages := make([]string, 0, len(entries))
	for _, entry := range entries {
		stages = append(stages, entry.Stage)
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"trace_id":   traceID,
		"count":      len(entries),
		"started_ts": entries[0].TS,
		"ended_ts":   entries[len(entries)-1].TS,
		"stages":     stages,
		"entries":    entries,
	})
}

func (h *LifelogHandler) TelemetrySamples(w http.ResponseWriter, r *http.Request) {
	page, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error(), "bad_request")
		return
	}
	q := store.TelemetrySampleQuery{Limit: page.Limit, Offset: page.Offset}
	q.DeviceID, _ = QueryString(r, "device_id")
	q.SessionID, _ = QueryString(r, "session_id")
	q.TraceID, _ = QueryString(r, "trace_id")
	q.StartTS, _ = QueryInt64(r, "start_ts")
	q.EndTS, _ = QueryInt64(r, "end_ts")
	samples, err := h.lifelog.ListTelemetrySamples(q)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error(), "internal")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"samples": samples,
		"count":   len(samples),
	})
}

// SafetyQuery lists safety policy decisions, optionally filtered by risk.
func (h *LifelogHandler) SafetyQuery(w http.ResponseWriter, r *http.Request) {
	page, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error(), "bad_request")
		return
	}
	q := store.TimelineQuery{EventType: "safety_policy", Limit: page.Limit, Offset: page.Offset}
	q.SessionID, _ = QueryString(r, "session_id")
	q.RiskLevel, _ = QueryString(r, "risk_level")
	q.StartTS, _ = QueryInt64(r, "start_ts")
	q.EndTS, _ = QueryInt64(r, "end_ts")
	h.writeEvents(w, q)
}

// SafetyStats aggregates recent safety decisions by outcome and risk tier.
func (h *LifelogHandler) SafetyStats(w http.ResponseWriter, r *http.Request) {
	q := store.TimelineQuery{EventType: "safety_policy", Limit: 1000}
	q.SessionID, _ = QueryString(r, "session_id")
	q.StartTS, _ = QueryInt64(r, "start_ts")
	q.EndTS, _ = QueryInt64(r, "end_ts")
	events, err := h.lifelog.Timeline(q)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error(), "internal")
		return
	}

	downgraded := 0
	byRisk := map[string]int{}
	byReason := map[string]int{}
	for _, ev := range events {
		byRisk[ev.RiskLevel]++
		if was, _ := ev.Payload["downgraded"].(bool); was {
			downgraded++
			if reason, _ := ev.Payload["reason"].(string); reason != "" {
				byReason[reason]++
			}
		}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"total":      len(events),
		"downgraded": downgraded,
		"by_risk":    byRisk,
		"by_reason":  byReason,
	})
}

func (h *LifelogHandler) DeviceSessions(w http.ResponseWriter, r *http.Request) {
	page, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error(), "bad_request")
		return
	}
	deviceID, _ := QueryString(r, "device_id")
	state, _ := QueryString(r, "state")
	sessions, err := h.lifelog.ListDeviceSessions(deviceID, state, page.Limit, page.Offset)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error(), "internal")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (h *LifelogHandler) RetentionCleanup(w http.ResponseWriter, r *http.Request) {
	body := struct {
		EventDays     int `json:"event_days"`
		TraceDays     int `json:"trace_days"`
		TelemetryDays int `json:"telemetry_days"`
	}{EventDays: 30, TraceDays: 14, TelemetryDays: 14}
	DecodeJSON(r, &body) // body is optional
	deleted, err := h.lifelog.CleanupRetention(body.EventDays, body.TraceDays, body.TelemetryDays)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error(), "internal")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"success": true, "deleted": deleted})
}

// VisionAnalyze forwards an analysis request to the VLM service.
func (h *LifelogHandler) VisionAnalyze(w http.ResponseWriter, r *http.Request) {
	if h.vision == nil {
		WriteError(w, http.StatusServiceUnavailable, "vision service is not configured", "")
		return
	}
	var payload map[string]any
	if err := DecodeJSON(r, &payload); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body", "bad_request")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), visionTimeout)
	defer cancel()
	result, err := h.vision.AnalyzePayload(ctx, payload)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			WriteError(w, http.StatusGatewayTimeout, "vision analysis timed out", "timeout")
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error(), "internal")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"success": true, "result": result})
}

// EnqueueImage runs an out-of-band image through the VLM and records the
// description as a lifelog event.
func (h *LifelogHandler) EnqueueImage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceID  string `json:"device_id"`
		SessionID string `json:"session_id"`
		ImageB64  string `json:"image_b64"`
		Question  string `json:"question"`
		TraceID   string `json:"trace_id"`
	}
	if err := DecodeJSON(r, &body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body", "bad_request")
		return
	}
	if body.ImageB64 == "" {
		WriteError(w, http.StatusBadRequest, "image_b64 is required", "bad_request")
		return
	}
	if _, err := base64.StdEncoding.DecodeString(body.ImageB64); err != nil {
		WriteError(w, http.StatusBadRequest, "image_b64 is not valid base64", "bad_request")
		return
	}
	if h.vision == nil {
		WriteError(w, http.StatusServiceUnavailable, "vision service is not configured", "")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), visionTimeout)
	defer cancel()
	result, err := h.vision.AnalyzePayload(ctx, map[string]any{
		"device_id":  body.DeviceID,
		"session_id": body.SessionID,
		"image_b64":  body.ImageB64,
		"question":   body.Question,
		"trace_id":   body.TraceID,
	})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			WriteError(w, http.StatusGatewayTimeout, "vision analysis timed out", "timeout")
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error(), "internal")
		return
	}

	risk, _ := result["risk"].(string)
	confidence, _ := result["confidence"].(float64)
	if _, err := h.lifelog.AddEvent(store.LifelogEvent{
		SessionID: body.SessionID,
		EventType: "image_note",
		TS:        time.Now().UnixMilli(),
		Payload: map[string]any{
			"device_id": body.DeviceID,
			"question":  body.Question,
			"result":    result,
			"trace_id":  body.TraceID,
		},
		RiskLevel:  risk,
		Confidence: confidence,
	}); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error(), "internal")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"success": true, "result": result})
}
