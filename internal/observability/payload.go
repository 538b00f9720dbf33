// Package observability builds the health payloads served by
// /v1/runtime/observability and its history endpoint. The builders are pure:
// they read a runtime status snapshot or a slice of stored samples and
// produce JSON-ready maps.
package observability

import (
	"math"
	"sort"
	"strings"
)

// Thresholds gate when a metric produces an alert. The min-count fields keep
// rate alerts quiet until enough events have been observed.
type Thresholds struct {
	TaskFailureRateMax                 float64 `json:"task_failure_rate_max"`
	SafetyDowngradeRateMax             float64 `json:"safety_downgrade_rate_max"`
	DeviceOfflineRateMax               float64 `json:"device_offline_rate_max"`
	IngestQueueUtilizationMax          float64 `json:"ingest_queue_utilization_max"`
	MinTaskTotalForAlert               int     `json:"min_task_total_for_alert"`
	MinSafetyAppliedForAlert           int     `json:"min_safety_applied_for_alert"`
	MinDevicesTotalForAlert            int     `json:"min_devices_total_for_alert"`
	IngestRejectedActiveQueueDepthMin  int     `json:"ingest_rejected_active_queue_depth_min"`
	IngestRejectedActiveUtilizationMin float64 `json:"ingest_rejected_active_utilization_min"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		TaskFailureRateMax:                 0.3,
		SafetyDowngradeRateMax:             0.35,
		DeviceOfflineRateMax:               0.3,
		IngestQueueUtilizationMax:          0.85,
		MinTaskTotalForAlert:               10,
		MinSafetyAppliedForAlert:           10,
		MinDevicesTotalForAlert:            1,
		IngestRejectedActiveQueueDepthMin:  1,
		IngestRejectedActiveUtilizationMin: 0.2,
	}
}

var offlineStates = map[string]bool{
	"closed":       true,
	"offline":      true,
	"disconnected": true,
}

// BuildPayload computes the health snapshot from a runtime status map.
func BuildPayload(status map[string]any, th Thresholds, nowMs int64) map[string]any {
	digital := mapValue(status["digital_task"])
	safety := mapValue(status["safety"])
	runtimeMetrics := mapValue(status["metrics"])
	ingestQueue := mapValue(status["ingest_queue"])

	taskTotal := toInt(digital["total"])
	taskFailures := toInt(digital["failed"]) + toInt(digital["timeout"]) + toInt(digital["canceled"])
	if taskFailures < 0 {
		taskFailures = 0
	}
	taskFailureRate := ratio(taskFailures, taskTotal)

	safetyApplied := toInt(safety["applied"])
	safetyDowngraded := toInt(safety["downgraded"])
	safetyDowngradeRate := ratio(safetyDowngraded, safetyApplied)

	devicesTotal, devicesOffline := countDevices(status["devices"])
	deviceOfflineRate := ratio(devicesOffline, devicesTotal)

	ingestDepth := toInt(ingestQueue["depth"])
	ingestMaxSize := toInt(ingestQueue["max_size"])
	if ingestMaxSize < 1 {
		ingestMaxSize = 1
	}
	ingestUtilization := float64(ingestDepth) / float64(ingestMaxSize)
	ingestRejected := toInt(ingestQueue["rejected_total"])
	ingestDropped := toInt(ingestQueue["dropped_total"])

	voiceTotal := toInt(runtimeMetrics["voice_turn_total"])
	voiceFailed := toInt(runtimeMetrics["voice_turn_failed"])
	voiceFailureRate := ratio(voiceFailed, voiceTotal)
	voiceAvgMs := firstFloat(runtimeMetrics, "voice_turn_avg_latency_ms", "voice_turn_avg_ms")
	sttAvgMs := firstFloat(runtimeMetrics, "stt_avg_latency_ms", "voice_turn_stt_avg_ms")
	agentAvgMs := firstFloat(runtimeMetrics, "agent_avg_latency_ms", "voice_turn_agent_avg_ms")

	metrics := map[string]any{
		"task_total":                  taskTotal,
		"task_failures":               taskFailures,
		"task_failure_rate":           round4(taskFailureRate),
		"safety_applied":              safetyApplied,
		"safety_downgraded":           safetyDowngraded,
		"safety_downgrade_rate":       round4(safetyDowngradeRate),
		"devices_total":               devicesTotal,
		"devices_offline":             devicesOffline,
		"device_offline_rate":         round4(deviceOfflineRate),
		"ingest_queue_depth":          ingestDepth,
		"ingest_queue_max_size":       ingestMaxSize,
		"ingest_queue_utilization":    round4(ingestUtilization),
		"ingest_queue_rejected_total": ingestRejected,
		"ingest_queue_dropped_total":  ingestDropped,
		"voice_turn_total":            voiceTotal,
		"voice_turn_failed":           voiceFailed,
		"voice_turn_failure_rate":     round4(voiceFailureRate),
		"voice_turn_avg_latency_ms":   round2(voiceAvgMs),
		"stt_avg_latency_ms":          round2(sttAvgMs),
		"agent_avg_latency_ms":        round2(agentAvgMs),
	}
	thresholds := map[string]any{
		"task_failure_rate_max":                  th.TaskFailureRateMax,
		"safety_downgrade_rate_max":              th.SafetyDowngradeRateMax,
		"device_offline_rate_max":                th.DeviceOfflineRateMax,
		"ingest_queue_utilization_max":           th.IngestQueueUtilizationMax,
		"min_task_total_for_alert":               maxInt(0, th.MinTaskTotalForAlert),
		"min_safety_applied_for_alert":           maxInt(0, th.MinSafetyAppliedForAlert),
		"min_devices_total_for_alert":            maxInt(0, th.MinDevicesTotalForAlert),
		"ingest_rejected_active_queue_depth_min": maxInt(0, th.IngestRejectedActiveQueueDepthMin),
		"ingest_rejected_active_utilization_min": math.Max(0, th.IngestRejectedActiveUtilizationMin),
	}

	alerts := []map[string]any{}
	if taskTotal >= maxInt(0, th.MinTaskTotalForAlert) && taskFailureRate > th.TaskFailureRateMax {
		alerts = append(alerts, alert("task_failure_rate", round4(taskFailureRate), th.TaskFailureRateMax))
	}
	if safetyApplied >= maxInt(0, th.MinSafetyAppliedForAlert) && safetyDowngradeRate > th.SafetyDowngradeRateMax {
		alerts = append(alerts, alert("safety_downgrade_rate", round4(safetyDowngradeRate), th.SafetyDowngradeRateMax))
	}
	if devicesTotal >= maxInt(0, th.MinDevicesTotalForAlert) && deviceOfflineRate > th.DeviceOfflineRateMax {
		alerts = append(alerts, alert("device_offline_rate", round4(deviceOfflineRate), th.DeviceOfflineRateMax))
	}
	if ingestUtilization > th.IngestQueueUtilizationMax {
		alerts = append(alerts, alert("ingest_queue_utilization", round4(ingestUtilization), th.IngestQueueUtilizationMax))
	}
	queueActive := ingestDepth >= maxInt(0, th.IngestRejectedActiveQueueDepthMin) ||
		ingestUtilization >= math.Max(0, th.IngestRejectedActiveUtilizationMin)
	if ingestRejected > 0 && queueActive {
		alerts = append(alerts, alert("ingest_queue_rejected_total", float64(ingestRejected), 0))
	}
	if ingestDropped > 0 && queueActive {
		alerts = append(alerts, alert("ingest_queue_dropped_total", float64(ingestDropped), 0))
	}

	return map[string]any{
		"success":    true,
		"healthy":    len(alerts) == 0,
		"ts":         nowMs,
		"metrics":    metrics,
		"thresholds": thresholds,
		"alerts":     alerts,
	}
}

// SampleFromPayload reduces a full observability payload to the compact
// sample stored for history queries.
func SampleFromPayload(payload map[string]any, nowMs int64) map[string]any {
	metrics := mapValue(payload["metrics"])
	thresholds := mapValue(payload["thresholds"])
	ts := toInt64(payload["ts"])
	if ts <= 0 {
		ts = nowMs
	}
	healthy, _ := payload["healthy"].(bool)
	return map[string]any{
		"ts":      ts,
		"healthy": healthy,
		"metrics": map[string]any{
			"task_failure_rate":           round4(toFloat(metrics["task_failure_rate"])),
			"safety_downgrade_rate":       round4(toFloat(metrics["safety_downgrade_rate"])),
			"device_offline_rate":         round4(toFloat(metrics["device_offline_rate"])),
			"ingest_queue_utilization":    round4(toFloat(metrics["ingest_queue_utilization"])),
			"ingest_queue_depth":          toInt(metrics["ingest_queue_depth"]),
			"ingest_queue_max_size":       toInt(metrics["ingest_queue_max_size"]),
			"ingest_queue_rejected_total": toInt(metrics["ingest_queue_rejected_total"]),
			"ingest_queue_dropped_total":  toInt(metrics["ingest_queue_dropped_total"]),
			"voice_turn_total":            toInt(metrics["voice_turn_total"]),
			"voice_turn_failed":           toInt(metrics["voice_turn_failed"]),
			"voice_turn_failure_rate":     round4(toFloat(metrics["voice_turn_failure_rate"])),
			"voice_turn_avg_latency_ms":   round2(toFloat(metrics["voice_turn_avg_latency_ms"])),
			"stt_avg_latency_ms":          round2(toFloat(metrics["stt_avg_latency_ms"])),
			"agent_avg_latency_ms":        round2(toFloat(metrics["agent_avg_latency_ms"])),
		},
		"thresholds": map[string]any{
			"task_failure_rate_max":        round4(toFloat(thresholds["task_failure_rate_max"])),
			"safety_downgrade_rate_max":    round4(toFloat(thresholds["safety_downgrade_rate_max"])),
			"device_offline_rate_max":      round4(toFloat(thresholds["device_offline_rate_max"])),
			"ingest_queue_utilization_max": round4(toFloat(thresholds["ingest_queue_utilization_max"])),
		},
	}
}

// historyMetrics lists the per-bucket series and their rounding precision.
var historyMetrics = []struct {
	key    string
	digits int
}{
	{"task_failure_rate", 4},
	{"safety_downgrade_rate", 4},
	{"device_offline_rate", 4},
	{"ingest_queue_utilization", 4},
	{"voice_turn_failure_rate", 4},
	{"voice_turn_avg_latency_ms", 2},
	{"stt_avg_latency_ms", 2},
	{"agent_avg_latency_ms", 2},
}

type historyBucket struct {
	count   int
	healthy int
	sum     map[string]float64
	max     map[string]float64
}

// HistoryOptions shape the bucketed history view. Out-of-range values are
// clamped, not rejected.
type HistoryOptions struct {
	WindowSeconds int
	BucketSeconds int
	MaxPoints     int
	IncludeRaw    bool
}

// BuildHistory buckets stored samples into a windowed series with per-bucket
// avg/max and a first-to-last trend summary.
func BuildHistory(samples []map[string]any, nowMs int64, opts HistoryOptions) map[string]any {
	windowSeconds := clampInt(opts.WindowSeconds, 60, 24*60*60)
	bucketSeconds := clampInt(opts.BucketSeconds, 5, 60*60)
	maxPoints := clampInt(opts.MaxPoints, 1, 1000)

	windowMs := int64(windowSeconds) * 1000
	bucketMs := int64(bucketSeconds) * 1000
	totalBuckets := (windowMs + bucketMs - 1) / bucketMs
	if totalBuckets > int64(maxPoints) {
		bucketMs = (windowMs + int64(maxPoints) - 1) / int64(maxPoints)
		if bucketMs < 1000 {
			bucketMs = 1000
		}
	}
	effectiveBucketSeconds := int(math.Round(float64(bucketMs) / 1000.0))
	if effectiveBucketSeconds < 1 {
		effectiveBucketSeconds = 1
	}
	startTS := nowMs - windowMs

	window := make([]map[string]any, 0, len(samples))
	for _, sample := range samples {
		if toInt64(sample["ts"]) >= startTS {
			window = append(window, sample)
		}
	}
	sort.SliceStable(window, func(i, j int) bool {
		return toInt64(window[i]["ts"]) < toInt64(window[j]["ts"])
	})

	buckets := map[int64]*historyBucket{}
	for _, sample := range window {
		idx := (toInt64(sample["ts"]) - startTS) / bucketMs
		if idx < 0 {
			idx = 0
		}
		bucket, ok := buckets[idx]
		if !ok {
			bucket = &historyBucket{
				sum: map[string]float64{},
				max: map[string]float64{},
			}
			buckets[idx] = bucket
		}
		bucket.count++
		if healthy, _ := sample["healthy"].(bool); healthy {
			bucket.healthy++
		}
		metrics := mapValue(sample["metrics"])
		for _, series := range historyMetrics {
			v := toFloat(metrics[series.key])
			bucket.sum[series.key] += v
			if v > bucket.max[series.key] {
				bucket.max[series.key] = v
			}
		}
	}

	indexes := make([]int64, 0, len(buckets))
	for idx := range buckets {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	points := make([]map[string]any, 0, len(indexes))
	for _, idx := range indexes {
		bucket := buckets[idx]
		count := bucket.count
		if count < 1 {
			count = 1
		}
		tsEnd := startTS + (idx+1)*bucketMs - 1
		if tsEnd > nowMs {
			tsEnd = nowMs
		}
		point := map[string]any{
			"bucket_index":  idx,
			"ts_start":      startTS + idx*bucketMs,
			"ts_end":        tsEnd,
			"count":         bucket.count,
			"healthy_ratio": round4(float64(bucket.healthy) / float64(count)),
		}
		for _, series := range historyMetrics {
			avg := bucket.sum[series.key] / float64(count)
			point[series.key+"_avg"] = roundN(avg, series.digits)
			point[series.key+"_max"] = roundN(bucket.max[series.key], series.digits)
		}
		points = append(points, point)
	}

	healthyCount := 0
	for _, sample := range window {
		if healthy, _ := sample["healthy"].(bool); healthy {
			healthyCount++
		}
	}
	healthyRatio := 1.0
	if len(window) > 0 {
		healthyRatio = float64(healthyCount) / float64(len(window))
	}
	trend := map[string]any{}
	var earliestMetrics, latestMetrics map[string]any
	if len(window) > 0 {
		earliestMetrics = mapValue(window[0]["metrics"])
		latestMetrics = mapValue(window[len(window)-1]["metrics"])
	}
	for _, series := range historyMetrics {
		delta := toFloat(latestMetrics[series.key]) - toFloat(earliestMetrics[series.key])
		trend[series.key+"_delta"] = roundN(delta, series.digits)
	}

	out := map[string]any{
		"success":        true,
		"window_seconds": windowSeconds,
		"bucket_seconds": effectiveBucketSeconds,
		"max_points":     maxPoints,
		"start_ts":       startTS,
		"end_ts":         nowMs,
		"count":          len(points),
		"points":         points,
		"summary": map[string]any{
			"sample_count":  len(window),
			"point_count":   len(points),
			"healthy_ratio": round4(healthyRatio),
			"trend":         trend,
		},
	}
	if len(window) > 0 {
		out["latest"] = window[len(window)-1]
	}
	if opts.IncludeRaw {
		out["raw_samples"] = window
	}
	return out
}

func alert(metric string, value, threshold float64) map[string]any {
	return map[string]any{
		"metric":    metric,
		"value":     value,
		"threshold": threshold,
	}
}

func countDevices(value any) (total, offline int) {
	states := []string{}
	switch list := value.(type) {
	case []map[string]any:
		for _, item := range list {
			if s, ok := item["state"].(string); ok {
				states = append(states, s)
			} else {
				states = append(states, "")
			}
		}
	case []any:
		for _, item := range list {
			m := mapValue(item)
			if s, ok := m["state"].(string); ok {
				states = append(states, s)
			} else {
				states = append(states, "")
			}
		}
	default:
		return 0, 0
	}
	for _, state := range states {
		if offlineStates[strings.ToLower(strings.TrimSpace(state))] {
			offline++
		}
	}
	return len(states), offline
}

func mapValue(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func ratio(part, whole int) float64 {
	if whole <= 0 {
		return 0
	}
	return float64(part) / float64(whole)
}

func firstFloat(m map[string]any, keys ...string) float64 {
	for _, key := range keys {
		if _, ok := m[key]; ok {
			return toFloat(m[key])
		}
	}
	return 0
}

func toFloat(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case float32:
		return float64(val)
	case int:
		return float64(val)
	case int64:
		return float64(val)
	}
	return 0
}

func toInt(v any) int {
	switch val := v.(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		return int(val)
	case float32:
		return int(val)
	}
	return 0
}

func toInt64(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	}
	return 0
}

func roundN(v float64, digits int) float64 {
	scale := math.Pow(10, float64(digits))
	return math.Round(v*scale) / scale
}

func round4(v float64) float64 { return roundN(v, 4) }

func round2(v float64) float64 { return roundN(v, 2) }

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
