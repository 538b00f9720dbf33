package adapter

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/iflabx/opencane-gateway/internal/protocol"
)

// profileMapper is the compiled form of a DeviceProfile: alias tables keyed
// by normalized names, ready for per-message lookups.
type profileMapper struct {
	audioUpMode         string
	eventTypeAliases    map[string]string
	payloadAliases      map[string]string
	commandTypeAliases  map[string]string
	controlFieldAliases map[string][]string
	reservedControlKeys map[string]bool

	jsonAudioB64Keys      []string
	jsonAudioEncodingKeys []string
	jsonAudioSeqKeys      []string
	jsonAudioTSKeys       []string

	downlinkTypeKey    string
	downlinkPayloadKey string
}

func newProfileMapper(p DeviceProfile) *profileMapper {
	m := &profileMapper{
		audioUpMode:           NormalizeAudioMode(p.AudioUpMode),
		eventTypeAliases:      map[string]string{},
		payloadAliases:        map[string]string{},
		commandTypeAliases:    map[string]string{},
		controlFieldAliases:   map[string][]string{},
		reservedControlKeys:   map[string]bool{},
		jsonAudioB64Keys:      p.JSONAudioB64Keys,
		jsonAudioEncodingKeys: p.JSONAudioEncodingKeys,
		jsonAudioSeqKeys:      p.JSONAudioSeqKeys,
		jsonAudioTSKeys:       p.JSONAudioTSKeys,
		downlinkTypeKey:       p.DownlinkTypeKey,
		downlinkPayloadKey:    p.DownlinkPayloadKey,
	}
	if m.downlinkTypeKey == "" {
		m.downlinkTypeKey = "type"
	}
	if m.downlinkPayloadKey == "" {
		m.downlinkPayloadKey = "payload"
	}
	for alias, target := range p.EventTypeAliases {
		if strings.TrimSpace(alias) == "" || strings.TrimSpace(target) == "" {
			continue
		}
		m.eventTypeAliases[normalizeKey(alias)] = strings.ToLower(strings.TrimSpace(target))
	}
	for alias, target := range p.PayloadAliases {
		if strings.TrimSpace(alias) == "" || strings.TrimSpace(target) == "" {
			continue
		}
		m.payloadAliases[normalizeKey(alias)] = strings.TrimSpace(target)
	}
	for alias, target := range p.CommandTypeAliases {
		if strings.TrimSpace(alias) == "" || strings.TrimSpace(target) == "" {
			continue
		}
		m.commandTypeAliases[normalizeKey(alias)] = strings.TrimSpace(target)
	}
	for field, aliases := range p.ControlFieldAliases {
		m.controlFieldAliases[field] = aliases
		for _, alias := range aliases {
			m.reservedControlKeys[normalizeKey(alias)] = true
		}
	}
	return m
}

func (m *profileMapper) fieldAliases(field string) []string {
	if aliases, ok := m.controlFieldAliases[field]; ok {
		return aliases
	}
	return []string{field}
}

// normalizeControl rewrites a dialect payload into the canonical envelope
// key set. Messages without a payload object treat every non-reserved
// top-level key as payload.
func (m *profileMapper) normalizeControl(data map[string]any, deviceFromTopic string) map[string]any {
	eventType := m.normalizeEventType(extractFirst(data, m.fieldAliases("type")))
	deviceID := strings.TrimSpace(asString(extractFirst(data, m.fieldAliases("device_id"))))
	if deviceID == "" {
		deviceID = deviceFromTopic
	}
	sessionID := strings.TrimSpace(asString(extractFirst(data, m.fieldAliases("session_id"))))
	seq := protocol.ToInt64(extractFirst(data, m.fieldAliases("seq")), 0)
	ts := protocol.ToInt64(extractFirst(data, m.fieldAliases("ts")), 0)
	msgID := extractFirst(data, m.fieldAliases("msg_id"))
	version := extractFirst(data, m.fieldAliases("version"))

	var payload map[string]any
	switch raw := extractFirst(data, m.fieldAliases("payload")).(type) {
	case map[string]any:
		payload = make(map[string]any, len(raw))
		for k, v := range raw {
			payload[k] = v
		}
	case nil:
		payload = map[string]any{}
		for k, v := range data {
			if !m.reservedControlKeys[normalizeKey(k)] {
				payload[k] = v
			}
		}
	default:
		payload = map[string]any{"value": raw}
	}
	payload = m.applyPayloadAliases(payload)

	normalized := map[string]any{
		"device_id":  deviceID,
		"session_id": sessionID,
		"seq":        max(int64(0), seq),
		"type":       eventType,
		"payload":    payload,
	}
	if ts > 0 {
		normalized["ts"] = ts
	}
	if msgID != nil {
		normalized["msg_id"] = asString(msgID)
	}
	if version != nil {
		normalized["version"] = asString(version)
	}
	return normalized
}

// serializeCommand renders an outbound command in the profile's downlink
// dialect: remapped type name and renamed type/payload keys.
func (m *profileMapper) serializeCommand(cmd protocol.Envelope) []byte {
	data := cmd.Map()
	cmdType := asString(data["type"])
	if mapped, ok := m.commandTypeAliases[normalizeKey(cmdType)]; ok {
		data["type"] = mapped
	}
	if m.downlinkPayloadKey != "payload" {
		data[m.downlinkPayloadKey] = data["payload"]
		delete(data, "payload")
	}
	if m.downlinkTypeKey != "type" {
		data[m.downlinkTypeKey] = data["type"]
		delete(data, "type")
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return []byte("{}")
	}
	return raw
}

// parseAudioJSON handles devices that upload audio as base64 JSON instead
// of framed packets. Returns the resolved session id so the adapter can
// refresh its device-session map.
func (m *profileMapper) parseAudioJSON(payload []byte, deviceID, sessionID string) (protocol.Envelope, string, error) {
	var data map[string]any
	if err := json.Unmarshal(payload, &data); err != nil || data == nil {
		return protocol.Envelope{}, "", errors.New("audio json payload must be object")
	}

	source := data
	nested := false
	if inner, ok := extractFirst(data, m.fieldAliases("payload")).(map[string]any); ok {
		source = inner
		nested = true
	}
	b64 := extractFirst(source, m.jsonAudioB64Keys)
	if b64 == nil && nested {
		b64 = extractFirst(data, m.jsonAudioB64Keys)
	}
	if b64 == nil {
		return protocol.Envelope{}, "", errors.New("audio json payload missing base64 field")
	}

	seq := protocol.ToInt64(extractFirst(source, m.jsonAudioSeqKeys), 0)
	if seq <= 0 {
		seq = protocol.ToInt64(extractFirst(data, m.jsonAudioSeqKeys), 0)
	}
	if seq < 0 {
		seq = 0
	}
	ts := protocol.ToInt64(extractFirst(source, m.jsonAudioTSKeys), 0)
	if ts <= 0 {
		ts = protocol.ToInt64(extractFirst(data, m.jsonAudioTSKeys), 0)
	}
	if ts < 0 {
		ts = 0
	}
	encoding := strings.TrimSpace(asString(extractFirst(source, m.jsonAudioEncodingKeys)))
	if encoding == "" {
		encoding = "opus"
	}

	resolvedDevice := strings.TrimSpace(asString(extractFirst(source, m.fieldAliases("device_id"))))
	if resolvedDevice == "" {
		resolvedDevice = strings.TrimSpace(asString(extractFirst(data, m.fieldAliases("device_id"))))
	}
	if resolvedDevice == "" {
		resolvedDevice = deviceID
	}
	resolvedSession := strings.TrimSpace(asString(extractFirst(source, m.fieldAliases("session_id"))))
	if resolvedSession == "" {
		resolvedSession = strings.TrimSpace(asString(extractFirst(data, m.fieldAliases("session_id"))))
	}
	if resolvedSession == "" {
		resolvedSession = sessionID
	}

	env := protocol.NewEvent(
		protocol.EventAudioChunk, resolvedDevice, resolvedSession, seq,
		map[string]any{
			"audio_b64": asString(b64),
			"encoding":  encoding,
			"timestamp": ts,
		})
	return env, resolvedSession, nil
}

func (m *profileMapper) normalizeEventType(v any) string {
	raw := strings.ToLower(strings.TrimSpace(asString(v)))
	if raw == "" {
		return ""
	}
	if target, ok := m.eventTypeAliases[normalizeKey(raw)]; ok {
		return target
	}
	return raw
}

// applyPayloadAliases adds canonical keys for known dialect spellings
// without clobbering values already present under the canonical name.
func (m *profileMapper) applyPayloadAliases(payload map[string]any) map[string]any {
	if len(payload) == 0 {
		return payload
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	for key, value := range payload {
		target, ok := m.payloadAliases[normalizeKey(key)]
		if !ok {
			continue
		}
		if _, exists := out[target]; exists {
			continue
		}
		out[target] = value
	}
	return out
}

// extractFirst finds the first non-nil value under the alias keys, trying
// exact matches first and then normalized-key matches.
func extractFirst(data map[string]any, keys []string) any {
	if data == nil {
		return nil
	}
	for _, key := range keys {
		if v, ok := data[key]; ok && v != nil {
			return v
		}
	}
	index := make(map[string]string, len(data))
	for k := range data {
		index[normalizeKey(k)] = k
	}
	for _, key := range keys {
		if actual, ok := index[normalizeKey(key)]; ok {
			if v := data[actual]; v != nil {
				return v
			}
		}
	}
	return nil
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case json.Number:
		return s.String()
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return strings.Trim(string(raw), `"`)
	}
}
