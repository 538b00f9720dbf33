// Package telemetry normalizes heterogeneous device telemetry payloads into
// one stable internal schema. Firmware variants report the same signal under
// different keys; the alias tables here fold them into canonical names.
package telemetry

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// SchemaVersion tags every normalized sample.
const SchemaVersion = "opencane.telemetry.v1"

// Normalize folds a raw telemetry payload into the canonical schema. It
// returns an empty map when no known signal could be extracted, so callers
// can skip persisting noise.
func Normalize(payload map[string]any, tsMs int64) map[string]any {
	if tsMs <= 0 {
		tsMs = time.Now().UnixMilli()
	}
	out := map[string]any{
		"schema_version": SchemaVersion,
		"ts_ms":          tsMs,
	}
	if payload == nil {
		payload = map[string]any{}
	}

	sections := []struct {
		name    string
		extract func(map[string]any) map[string]any
	}{
		{"battery", extractBattery},
		{"network", extractNetwork},
		{"location", extractLocation},
		{"motion", extractMotion},
		{"imu", extractIMU},
		{"system", extractSystem},
	}
	for _, section := range sections {
		if block := section.extract(payload); len(block) > 0 {
			out[section.name] = block
		}
	}
	if len(out) <= 2 {
		return map[string]any{}
	}
	return out
}

func extractBattery(data map[string]any) map[string]any {
	out := map[string]any{}
	if percent, ok := firstFloat(data, "battery_percent", "battery", "bat", "soc"); ok {
		out["percent"] = clamp(round2(percent), 0, 100)
	}
	if voltage, ok := firstInt(data, "battery_voltage_mv", "vbat_mv"); ok && voltage > 0 {
		out["voltage_mv"] = voltage
	}
	if charging, ok := firstBool(data, "charging", "is_charging", "charge"); ok {
		out["charging"] = charging
	}
	return out
}

func extractNetwork(data map[string]any) map[string]any {
	out := map[string]any{}
	if rssi, ok := firstFloat(data, "rssi", "rssi_dbm"); ok {
		out["rssi_dbm"] = round2(rssi)
	}
	if rsrp, ok := firstFloat(data, "rsrp", "rsrp_dbm"); ok {
		out["rsrp_dbm"] = round2(rsrp)
	}
	if rsrq, ok := firstFloat(data, "rsrq", "rsrq_db"); ok {
		out["rsrq_db"] = round2(rsrq)
	}
	if snr, ok := firstFloat(data, "snr", "snr_db"); ok {
		out["snr_db"] = round2(snr)
	}
	if level, ok := firstInt(data, "signal_level"); ok {
		out["signal_level"] = level
	}
	if netType := firstText(data, "network_type", "net_type", "rat"); netType != "" {
		out["network_type"] = netType
	}
	return out
}

func extractLocation(data map[string]any) map[string]any {
	out := map[string]any{}
	lat, latOK := firstFloat(data, "lat", "latitude")
	lon, lonOK := firstFloat(data, "lon", "lng", "longitude")
	if latOK && lonOK {
		out["lat"] = roundN(lat, 7)
		out["lon"] = roundN(lon, 7)
	}
	if accuracy, ok := firstFloat(data, "accuracy_m", "gps_accuracy", "location_accuracy"); ok && accuracy >= 0 {
		out["accuracy_m"] = round2(accuracy)
	}
	if altitude, ok := firstFloat(data, "altitude_m", "altitude"); ok {
		out["altitude_m"] = round2(altitude)
	}
	return out
}

func extractMotion(data map[string]any) map[string]any {
	out := map[string]any{}
	if heading, ok := firstFloat(data, "heading_deg", "heading", "yaw"); ok {
		out["heading_deg"] = round2(math.Mod(math.Mod(heading, 360)+360, 360))
	}
	if speed, ok := firstFloat(data, "speed_mps", "speed"); ok && speed >= 0 {
		out["speed_mps"] = round2(speed)
	}
	if moving, ok := firstBool(data, "moving", "is_moving"); ok {
		out["moving"] = moving
	}
	if steps, ok := firstInt(data, "step_count", "steps"); ok && steps >= 0 {
		out["step_count"] = steps
	}
	return out
}

func extractIMU(data map[string]any) map[string]any {
	out := map[string]any{}
	if accel := extractTriplet(data, "accel", "acc", "accelerometer"); len(accel) > 0 {
		out["accelerometer_mps2"] = accel
	}
	if gyro := extractTriplet(data, "gyro", "gyroscope"); len(gyro) > 0 {
		out["gyroscope_dps"] = gyro
	}
	if mag := extractTriplet(data, "mag", "magnetometer"); len(mag) > 0 {
		out["magnetometer_ut"] = mag
	}
	return out
}

func extractSystem(data map[string]any) map[string]any {
	out := map[string]any{}
	if temp, ok := firstFloat(data, "temperature_c", "temp_c", "cpu_temp"); ok {
		out["temperature_c"] = round2(temp)
	}
	if cpu, ok := firstFloat(data, "cpu_percent", "cpu_usage"); ok {
		out["cpu_percent"] = clamp(round2(cpu), 0, 100)
	}
	if mem, ok := firstFloat(data, "memory_percent", "mem_percent", "memory_usage"); ok {
		out["memory_percent"] = clamp(round2(mem), 0, 100)
	}
	return out
}

// extractTriplet resolves x/y/z axes for an IMU sensor. Axes may arrive as a
// nested object under any alias, nested under an imu/sensors block, or as
// flat "<alias>_x" keys. Flat keys win over nested objects.
func extractTriplet(data map[string]any, aliases ...string) map[string]any {
	var axisPayload map[string]any
	for _, alias := range aliases {
		if m, ok := data[alias].(map[string]any); ok {
			axisPayload = m
			break
		}
	}
	if axisPayload == nil {
		for _, blockKey := range []string{"imu", "sensors"} {
			block, ok := data[blockKey].(map[string]any)
			if !ok {
				continue
			}
			for _, alias := range aliases {
				if m, ok := block[alias].(map[string]any); ok {
					axisPayload = m
					break
				}
			}
			if axisPayload != nil {
				break
			}
		}
	}

	axis := func(suffix string) (float64, bool) {
		keys := make([]string, 0, len(aliases))
		for _, alias := range aliases {
			keys = append(keys, alias+"_"+suffix)
		}
		if v, ok := firstFloat(data, keys...); ok {
			return v, true
		}
		if axisPayload != nil {
			if v, ok := toFloat(axisPayload[suffix]); ok {
				return v, true
			}
		}
		return 0, false
	}

	x, xOK := axis("x")
	y, yOK := axis("y")
	z, zOK := axis("z")
	if !xOK && !yOK && !zOK {
		return nil
	}
	return map[string]any{
		"x": roundN(x, 4),
		"y": roundN(y, 4),
		"z": roundN(z, 4),
	}
}

func firstFloat(data map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		if v, ok := toFloat(deepGet(data, key)); ok {
			return v, true
		}
	}
	return 0, false
}

func firstInt(data map[string]any, keys ...string) (int64, bool) {
	for _, key := range keys {
		if v, ok := toInt(deepGet(data, key)); ok {
			return v, true
		}
	}
	return 0, false
}

func firstBool(data map[string]any, keys ...string) (bool, bool) {
	for _, key := range keys {
		if v, ok := toBool(deepGet(data, key)); ok {
			return v, true
		}
	}
	return false, false
}

func firstText(data map[string]any, keys ...string) string {
	for _, key := range keys {
		v := deepGet(data, key)
		if v == nil {
			continue
		}
		text := strings.TrimSpace(fmt.Sprintf("%v", v))
		if text != "" {
			return text
		}
	}
	return ""
}

// deepGet resolves a key, trying the literal key first and then dotted-path
// traversal into nested objects.
func deepGet(data map[string]any, key string) any {
	if v, ok := data[key]; ok {
		return v
	}
	if !strings.Contains(key, ".") {
		return nil
	}
	var cur any = data
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func toInt(v any) (int64, bool) {
	switch val := v.(type) {
	case int:
		return int64(val), true
	case int64:
		return val, true
	case float64:
		return int64(val), true
	case float32:
		return int64(val), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(strings.TrimSpace(val), 64)
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return n, true
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case string, int, int64, float64:
		text := strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", val)))
		switch text {
		case "1", "true", "yes", "on":
			return true, true
		case "0", "false", "no", "off":
			return false, true
		}
	}
	return false, false
}

func round2(v float64) float64 { return roundN(v, 2) }

func roundN(v float64, places int) float64 {
	scale := math.Pow10(places)
	return math.Round(v*scale) / scale
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
