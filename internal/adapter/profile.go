package adapter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Audio uplink modes.
const (
	AudioModeFramed  = "framed_packet"
	AudioModeJSONB64 = "json_b64"
)

// DeviceProfile describes transport defaults and the field mapping for one
// family of cellular modules.
type DeviceProfile struct {
	Name         string        `json:"name"`
	ModemModel   string        `json:"modem_model"`
	PacketMagic  byte          `json:"packet_magic"`
	AudioUpMode  string        `json:"audio_up_mode"`
	Keepalive    time.Duration `json:"-"`
	ReconnectMin time.Duration `json:"-"`
	ReconnectMax time.Duration `json:"-"`

	ControlFieldAliases map[string][]string `json:"control_field_aliases"`
	EventTypeAliases    map[string]string   `json:"event_type_aliases"`
	PayloadAliases      map[string]string   `json:"payload_aliases"`
	CommandTypeAliases  map[string]string   `json:"command_type_aliases"`

	JSONAudioB64Keys      []string `json:"json_audio_b64_keys"`
	JSONAudioEncodingKeys []string `json:"json_audio_encoding_keys"`
	JSONAudioSeqKeys      []string `json:"json_audio_seq_keys"`
	JSONAudioTSKeys       []string `json:"json_audio_ts_keys"`

	DownlinkTypeKey    string `json:"downlink_type_key"`
	DownlinkPayloadKey string `json:"downlink_payload_key"`
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// normalizeKey strips everything but lowercase alphanumerics so that
// "chunkIndex", "chunk_index", and "chunk-index" all collide.
func normalizeKey(name string) string {
	return nonAlnum.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "")
}

func normalizeName(name string) string {
	return strings.Trim(nonAlnum.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "_"), "_")
}

// NormalizeAudioMode folds spelling variants into the two supported modes.
func NormalizeAudioMode(mode string) string {
	switch normalizeName(mode) {
	case "json", "json_b64", "base64", "jsonbase64":
		return AudioModeJSONB64
	}
	return AudioModeFramed
}

func defaultControlFieldAliases() map[string][]string {
	return map[string][]string{
		"type":       {"type", "event", "evt", "cmd"},
		"device_id":  {"device_id", "deviceId", "dev_id", "devId", "imei"},
		"session_id": {"session_id", "sessionId", "sid"},
		"seq":        {"seq", "sequence", "msg_seq", "msgSeq", "index"},
		"ts":         {"ts", "timestamp", "time", "t"},
		"payload":    {"payload", "data", "body", "params"},
		"msg_id":     {"msg_id", "msgId", "message_id", "messageId", "id"},
		"version":    {"version", "v"},
	}
}

func defaultEventTypeAliases() map[string]string {
	return map[string]string{
		"boot":      "hello",
		"startup":   "hello",
		"hb":        "heartbeat",
		"ping":      "heartbeat",
		"mic_start": "listen_start",
		"start":     "listen_start",
		"mic_stop":  "listen_stop",
		"stop":      "listen_stop",
		"audio":     "audio_chunk",
		"chunk":     "audio_chunk",
		"img":       "image_ready",
		"image":     "image_ready",
		"sensor":    "telemetry",
		"metrics":   "telemetry",
	}
}

func defaultPayloadAliases() map[string]string {
	return map[string]string{
		"lastrecvseq": "last_recv_seq",
		"chunkindex":  "chunk_index",
		"audiobase64": "audio_b64",
		"imageurl":    "image_url",
	}
}

func baseProfile(name, modem string, keepalive, reconnectMax time.Duration) DeviceProfile {
	return DeviceProfile{
		Name:                  name,
		ModemModel:            modem,
		PacketMagic:           0xA1,
		AudioUpMode:           AudioModeFramed,
		Keepalive:             keepalive,
		ReconnectMin:          2 * time.Second,
		ReconnectMax:          reconnectMax,
		ControlFieldAliases:   defaultControlFieldAliases(),
		EventTypeAliases:      defaultEventTypeAliases(),
		PayloadAliases:        defaultPayloadAliases(),
		CommandTypeAliases:    map[string]string{},
		JSONAudioB64Keys:      []string{"audio_b64", "audioBase64", "audio", "data"},
		JSONAudioEncodingKeys: []string{"encoding", "codec", "format"},
		JSONAudioSeqKeys:      []string{"seq", "chunk_index", "chunkIndex", "index"},
		JSONAudioTSKeys:       []string{"ts", "timestamp", "time"},
		DownlinkTypeKey:       "type",
		DownlinkPayloadKey:    "payload",
	}
}

var builtinProfiles = map[string]DeviceProfile{
	"generic_v1":    baseProfile("generic_v1", "generic-cellular", 45*time.Second, 60*time.Second),
	"ec600mcnle_v1": baseProfile("ec600mcnle_v1", "EC600MCNLE", 45*time.Second, 60*time.Second),
	"a7670c_v1":     baseProfile("a7670c_v1", "A7670C", 50*time.Second, 75*time.Second),
	"sim7600g_h_v1": baseProfile("sim7600g_h_v1", "SIM7600G-H", 60*time.Second, 90*time.Second),
	"ec800m_v1":     baseProfile("ec800m_v1", "EC800M", 45*time.Second, 60*time.Second),
	"ml307r_dl_v1":  baseProfile("ml307r_dl_v1", "ML307R-DL", 45*time.Second, 60*time.Second),
}

var profileAliases = map[string]string{
	"generic":     "generic_v1",
	"genericmqtt": "generic_v1",
	"ec600":       "ec600mcnle_v1",
	"ec600mcnle":  "ec600mcnle_v1",
	"a7670":       "a7670c_v1",
	"a7670c":      "a7670c_v1",
	"sim7600":     "sim7600g_h_v1",
	"sim7600gh":   "sim7600g_h_v1",
	"sim7600g_h":  "sim7600g_h_v1",
	"ec800":       "ec800m_v1",
	"ec800m":      "ec800m_v1",
	"ml307":       "ml307r_dl_v1",
	"ml307rdl":    "ml307r_dl_v1",
	"ml307r_dl":   "ml307r_dl_v1",
}

// ResolveProfile looks a profile up by canonical name or alias.
func ResolveProfile(name string) (DeviceProfile, error) {
	if strings.TrimSpace(name) == "" {
		return builtinProfiles["generic_v1"], nil
	}
	if p, ok := builtinProfiles[normalizeName(name)]; ok {
		return p, nil
	}
	if canonical, ok := profileAliases[normalizeKey(name)]; ok {
		return builtinProfiles[canonical], nil
	}
	names := ListProfiles()
	return DeviceProfile{}, fmt.Errorf(
		"unsupported device profile %q, supported: %s", name, strings.Join(names, ", "))
}

// ListProfiles returns the built-in profile names in sorted order.
func ListProfiles() []string {
	names := make([]string, 0, len(builtinProfiles))
	for name := range builtinProfiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// profileOverrides is the JSON shape of a profile override file.
type profileOverrides struct {
	PacketMagic        *int              `json:"packet_magic"`
	AudioUpMode        string            `json:"audio_up_mode"`
	EventTypeAliases   map[string]string `json:"event_type_aliases"`
	PayloadAliases     map[string]string `json:"payload_aliases"`
	CommandTypeAliases map[string]string `json:"command_type_aliases"`
	DownlinkTypeKey    string            `json:"downlink_type_key"`
	DownlinkPayloadKey string            `json:"downlink_payload_key"`
}

// LoadProfileFile applies a JSON override file on top of a base profile.
// Alias maps are merged, scalars are replaced.
func LoadProfileFile(base DeviceProfile, path string) (DeviceProfile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return base, err
	}
	var ov profileOverrides
	if err := json.Unmarshal(raw, &ov); err != nil {
		return base, fmt.Errorf("parse profile file %s: %w", path, err)
	}

	merged := base
	merged.EventTypeAliases = mergeAliases(base.EventTypeAliases, ov.EventTypeAliases)
	merged.PayloadAliases = mergeAliases(base.PayloadAliases, ov.PayloadAliases)
	merged.CommandTypeAliases = mergeAliases(base.CommandTypeAliases, ov.CommandTypeAliases)
	if ov.PacketMagic != nil && *ov.PacketMagic > 0 {
		merged.PacketMagic = byte(*ov.PacketMagic & 0xFF)
	}
	if ov.AudioUpMode != "" {
		merged.AudioUpMode = NormalizeAudioMode(ov.AudioUpMode)
	}
	if ov.DownlinkTypeKey != "" {
		merged.DownlinkTypeKey = ov.DownlinkTypeKey
	}
	if ov.DownlinkPayloadKey != "" {
		merged.DownlinkPayloadKey = ov.DownlinkPayloadKey
	}
	return merged, nil
}

func mergeAliases(base, overrides map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		if strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
			out[k] = v
		}
	}
	return out
}

// WatchProfileFile reloads the profile whenever the override file changes
// and hands the merged result to apply. Editors often replace files, so
// Create and Rename fire a reload too. Returns a stop function.
func WatchProfileFile(base DeviceProfile, path string, log zerolog.Logger, apply func(DeviceProfile)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}
	target := filepath.Clean(path)
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				merged, err := LoadProfileFile(base, path)
				if err != nil {
					log.Warn().Err(err).Str("path", path).Msg("profile reload failed, keeping previous")
					continue
				}
				log.Info().Str("path", path).Str("profile", merged.Name).Msg("device profile reloaded")
				apply(merged)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("profile watcher error")
			}
		}
	}()
	return func() { watcher.Close() }, nil
}
