// Package protocol defines the canonical message envelope shared by every
// southbound adapter and the device runtime.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const Version = "0.1"

// Inbound event types devices may send.
const (
	EventHello       = "hello"
	EventHeartbeat   = "heartbeat"
	EventListenStart = "listen_start"
	EventAudioChunk  = "audio_chunk"
	EventListenStop  = "listen_stop"
	EventAbort       = "abort"
	EventImageReady  = "image_ready"
	EventTelemetry   = "telemetry"
	EventToolResult  = "tool_result"
	EventError       = "error"
)

// Outbound command types the runtime may push.
const (
	CommandHelloAck   = "hello_ack"
	CommandSTTPartial = "stt_partial"
	CommandSTTFinal   = "stt_final"
	CommandTTSStart   = "tts_start"
	CommandTTSChunk   = "tts_chunk"
	CommandTTSStop    = "tts_stop"
	CommandTaskUpdate = "task_update"
	CommandToolCall   = "tool_call"
	CommandSetConfig  = "set_config"
	CommandOTAPlan    = "ota_plan"
	CommandClose      = "close"
	CommandAck        = "ack"
)

var eventTypes = map[string]bool{
	EventHello:       true,
	EventHeartbeat:   true,
	EventListenStart: true,
	EventAudioChunk:  true,
	EventListenStop:  true,
	EventAbort:       true,
	EventImageReady:  true,
	EventTelemetry:   true,
	EventToolResult:  true,
	EventError:       true,
}

var commandTypes = map[string]bool{
	CommandHelloAck:   true,
	CommandSTTPartial: true,
	CommandSTTFinal:   true,
	CommandTTSStart:   true,
	CommandTTSChunk:   true,
	CommandTTSStop:    true,
	CommandTaskUpdate: true,
	CommandToolCall:   true,
	CommandSetConfig:  true,
	CommandOTAPlan:    true,
	CommandClose:      true,
	CommandAck:        true,
}

// IsEventType reports whether t belongs to the closed inbound set.
func IsEventType(t string) bool { return eventTypes[t] }

// IsCommandType reports whether t belongs to the closed outbound set.
func IsCommandType(t string) bool { return commandTypes[t] }

// Envelope is the single message shape that crosses component boundaries.
// Envelopes are value types and treated as immutable after construction.
type Envelope struct {
	Version   string
	MsgID     string
	DeviceID  string
	SessionID string
	Seq       int64
	TS        int64
	Type      string
	Payload   map[string]any
}

// InvalidEnvelopeError reports a mapping that cannot become an envelope.
type InvalidEnvelopeError struct {
	Reason string
}

func (e *InvalidEnvelopeError) Error() string {
	return "invalid envelope: " + e.Reason
}

func nowMs() int64 { return time.Now().UnixMilli() }

// NewMsgID allocates an opaque unique message id.
func NewMsgID() string { return uuid.NewString() }

// SynthSessionID builds the default session id for a device that did not
// announce one: "{device_id}-{8hex}".
func SynthSessionID(deviceID string) string {
	return fmt.Sprintf("%s-%s", deviceID, uuid.NewString()[:8])
}

// NewEvent constructs an inbound event envelope.
func NewEvent(eventType, deviceID, sessionID string, seq int64, payload map[string]any) Envelope {
	if sessionID == "" {
		sessionID = SynthSessionID(deviceID)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return Envelope{
		Version:   Version,
		MsgID:     NewMsgID(),
		DeviceID:  deviceID,
		SessionID: sessionID,
		Seq:       seq,
		TS:        nowMs(),
		Type:      eventType,
		Payload:   payload,
	}
}

// NewCommand constructs an outbound command envelope.
func NewCommand(commandType, deviceID, sessionID string, seq int64, payload map[string]any) Envelope {
	return NewEvent(commandType, deviceID, sessionID, seq, payload)
}

// firstString walks alias keys in order and returns the first non-empty
// string rendering.
func firstString(data map[string]any, keys ...string) string {
	for _, key := range keys {
		v, ok := data[key]
		if !ok || v == nil {
			continue
		}
		switch s := v.(type) {
		case string:
			if s != "" {
				return s
			}
		default:
			text := fmt.Sprintf("%v", v)
			if text != "" {
				return text
			}
		}
	}
	return ""
}

// ToInt64 coerces the JSON-decoded forms of an integer. Returns def when the
// value cannot be read as a whole number.
func ToInt64(v any, def int64) int64 {
	switch n := v.(type) {
	case nil:
		return def
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return def
		}
		return i
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(n, 64)
			if ferr != nil {
				return def
			}
			return int64(f)
		}
		return i
	default:
		return def
	}
}

// FromMap builds an envelope from any JSON-shaped mapping. Alias keys are
// accepted, numeric fields default on parse failure, and non-object payloads
// are wrapped as {value: ...}. Construction fails only for an empty
// device_id or type.
func FromMap(data map[string]any, defaultDeviceID, defaultSessionID string) (Envelope, error) {
	if data == nil {
		data = map[string]any{}
	}
	deviceID := firstString(data, "device_id", "deviceId")
	if deviceID == "" {
		deviceID = defaultDeviceID
	}
	if deviceID == "" {
		return Envelope{}, &InvalidEnvelopeError{Reason: "missing device_id"}
	}
	msgType := firstString(data, "type")
	if msgType == "" {
		return Envelope{}, &InvalidEnvelopeError{Reason: "missing type"}
	}
	sessionID := firstString(data, "session_id", "sessionId")
	if sessionID == "" {
		sessionID = defaultSessionID
	}
	if sessionID == "" {
		sessionID = SynthSessionID(deviceID)
	}
	version := firstString(data, "v", "version")
	if version == "" {
		version = Version
	}
	msgID := firstString(data, "id", "msg_id")
	if msgID == "" {
		msgID = NewMsgID()
	}

	payload := map[string]any{}
	if raw, ok := data["payload"]; ok && raw != nil {
		if m, ok := raw.(map[string]any); ok {
			payload = m
		} else {
			payload = map[string]any{"value": raw}
		}
	}

	return Envelope{
		Version:   version,
		MsgID:     msgID,
		DeviceID:  deviceID,
		SessionID: sessionID,
		Seq:       ToInt64(data["seq"], 0),
		TS:        ToInt64(data["ts"], nowMs()),
		Type:      msgType,
		Payload:   payload,
	}, nil
}

// ParseJSON decodes raw JSON bytes into an envelope.
func ParseJSON(raw []byte, defaultDeviceID, defaultSessionID string) (Envelope, error) {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return Envelope{}, &InvalidEnvelopeError{Reason: "malformed json"}
	}
	return FromMap(data, defaultDeviceID, defaultSessionID)
}

// Map serializes the envelope back to its wire shape.
func (e Envelope) Map() map[string]any {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return map[string]any{
		"version":    e.Version,
		"msg_id":     e.MsgID,
		"device_id":  e.DeviceID,
		"session_id": e.SessionID,
		"seq":        e.Seq,
		"ts":         e.TS,
		"type":       e.Type,
		"payload":    payload,
	}
}

// JSON renders the envelope as a JSON object.
func (e Envelope) JSON() []byte {
	raw, err := json.Marshal(e.Map())
	if err != nil {
		return []byte("{}")
	}
	return raw
}

// PayloadString returns the first non-empty string under the given payload
// keys.
func (e Envelope) PayloadString(keys ...string) string {
	if e.Payload == nil {
		return ""
	}
	return firstString(e.Payload, keys...)
}

// PayloadInt returns the first payload value under keys readable as an
// integer, or def.
func (e Envelope) PayloadInt(keys ...string) (int64, bool) {
	for _, key := range keys {
		v, ok := e.Payload[key]
		if !ok || v == nil {
			continue
		}
		n := ToInt64(v, -1)
		if n >= 0 || fmt.Sprintf("%v", v) == strconv.FormatInt(n, 10) {
			return n, true
		}
	}
	return 0, false
}

// PayloadBool reads a tolerant boolean from the payload.
func (e Envelope) PayloadBool(key string) bool {
	v, ok := e.Payload[key]
	if !ok {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		switch b {
		case "1", "true", "yes", "on":
			return true
		}
	case float64:
		return b != 0
	case int:
		return b != 0
	}
	return false
}
