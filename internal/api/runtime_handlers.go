package api

import (
	"context"
	"net/http"
	"time"

	"github.com/iflabx/opencane-gateway/internal/observability"
	"github.com/iflabx/opencane-gateway/internal/protocol"
)

// RuntimeHandler serves the runtime snapshot and observability views.
type RuntimeHandler struct {
	rt  Runtime
	obs *ObservabilityRecorder
}

func (h *RuntimeHandler) Status(w http.ResponseWriter, r *http.Request) {
	status := h.rt.RuntimeStatus()
	status["success"] = true
	WriteJSON(w, http.StatusOK, status)
}

// Observability computes the health payload from the live runtime status and
// ingests a compact sample for the history endpoint.
func (h *RuntimeHandler) Observability(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UnixMilli()
	payload := observability.BuildPayload(h.rt.RuntimeStatus(), parseThresholds(r), now)
	if h.obs != nil {
		h.obs.Record(now, observability.SampleFromPayload(payload, now))
	}
	WriteJSON(w, http.StatusOK, payload)
}

func (h *RuntimeHandler) ObservabilityHistory(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UnixMilli()
	opts := observability.HistoryOptions{
		WindowSeconds: QueryIntAliased(r, 1800, "window_seconds", "windowSeconds"),
		BucketSeconds: QueryIntAliased(r, 60, "bucket_seconds", "bucketSeconds"),
		MaxPoints:     QueryIntAliased(r, 240, "max_points", "maxPoints"),
	}
	if raw, ok := QueryBool(r, "include_raw"); ok {
		opts.IncludeRaw = raw
	} else if raw, ok := QueryBool(r, "includeRaw"); ok {
		opts.IncludeRaw = raw
	}

	var samples []map[string]any
	source := "memory"
	if h.obs != nil {
		sinceTS := now - int64(opts.WindowSeconds)*1000
		samples, source = h.obs.Since(sinceTS, 10_000)
	}
	out := observability.BuildHistory(samples, now, opts)
	out["success"] = true
	out["source"] = source
	WriteJSON(w, http.StatusOK, out)
}

// InjectEvent feeds a canonical envelope into the orchestrator. Intended for
// integration testing against the mock adapter path.
func (h *RuntimeHandler) InjectEvent(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := DecodeJSON(r, &body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body", "bad_request")
		return
	}
	if nested, ok := body["event"].(map[string]any); ok {
		body = nested
	}
	env, err := protocol.FromMap(body, "", "")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error(), "bad_request")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), statusTimeout)
	defer cancel()
	h.rt.HandleEvent(ctx, env)

	WriteJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"msg_id":     env.MsgID,
		"event_type": env.Type,
		"device_id":  env.DeviceID,
		"session_id": env.SessionID,
	})
}

func parseThresholds(r *http.Request) observability.Thresholds {
	def := observability.DefaultThresholds()
	return observability.Thresholds{
		TaskFailureRateMax: QueryFloatAliased(r, def.TaskFailureRateMax,
			"task_failure_rate_max", "taskFailureRateMax"),
		SafetyDowngradeRateMax: QueryFloatAliased(r, def.SafetyDowngradeRateMax,
			"safety_downgrade_rate_max", "safetyDowngradeRateMax"),
		DeviceOfflineRateMax: QueryFloatAliased(r, def.DeviceOfflineRateMax,
			"device_offline_rate_max", "deviceOfflineRateMax"),
		IngestQueueUtilizationMax: QueryFloatAliased(r, def.IngestQueueUtilizationMax,
			"ingest_queue_utilization_max", "ingestQueueUtilizationMax"),
		MinTaskTotalForAlert: QueryIntAliased(r, def.MinTaskTotalForAlert,
			"min_task_total_for_alert", "minTaskTotalForAlert"),
		MinSafetyAppliedForAlert: QueryIntAliased(r, def.MinSafetyAppliedForAlert,
			"min_safety_applied_for_alert", "minSafetyAppliedForAlert"),
		MinDevicesTotalForAlert: QueryIntAliased(r, def.MinDevicesTotalForAlert,
			"min_devices_total_for_alert", "minDevicesTotalForAlert"),
		IngestRejectedActiveQueueDepthMin: QueryIntAliased(r, def.IngestRejectedActiveQueueDepthMin,
			"ingest_rejected_active_queue_depth_min", "ingestRejectedActiveQueueDepthMin"),
		IngestRejectedActiveUtilizationMin: QueryFloatAliased(r, def.IngestRejectedActiveUtilizationMin,
			"ingest_rejected_active_utilization_min", "ingestRejectedActiveUtilizationMin"),
	}
}
