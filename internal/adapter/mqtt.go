package adapter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/iflabx/opencane-gateway/internal/config"
	"github.com/iflabx/opencane-gateway/internal/mqttclient"
	"github.com/iflabx/opencane-gateway/internal/protocol"
)

// publisher is the slice of the MQTT client the adapter needs. Tests swap in
// a fake.
type publisher interface {
	Publish(topic string, qos byte, payload []byte) error
	IsConnected() bool
}

// controlRecord is one buffered or remembered downlink control command.
type controlRecord struct {
	seq     int64
	topic   string
	payload []byte
	qos     byte
}

// controlRing is a fixed-size FIFO; pushing past capacity drops the oldest.
type controlRing struct {
	items []controlRecord
	cap   int
}

func newControlRing(capacity int) *controlRing {
	return &controlRing{cap: max(1, capacity)}
}

func (r *controlRing) push(rec controlRecord) {
	if len(r.items) >= r.cap {
		r.items = r.items[1:]
	}
	r.items = append(r.items, rec)
}

func (r *controlRing) pushFront(rec controlRecord) {
	r.items = append([]controlRecord{rec}, r.items...)
	if len(r.items) > r.cap {
		r.items = r.items[:r.cap]
	}
}

func (r *controlRing) popFront() (controlRecord, bool) {
	if len(r.items) == 0 {
		return controlRecord{}, false
	}
	rec := r.items[0]
	r.items = r.items[1:]
	return rec, true
}

func (r *controlRing) empty() bool { return len(r.items) == 0 }

// MQTTAdapter bridges an MQTT broker to canonical envelopes. With a nil
// mapper it speaks the canonical JSON wire shape directly (EC600 family);
// with a profile mapper it folds heterogeneous firmware dialects first.
type MQTTAdapter struct {
	name   string
	cfg    config.MQTTConfig
	log    zerolog.Logger
	queue  *eventQueue
	client *mqttclient.Client

	mu              sync.Mutex
	pub             publisher
	mapper          *profileMapper
	packetMagic     byte
	sessionByDevice map[string]string
	windowByDevice  map[string]*controlRing
	pendingByDevice map[string]*controlRing
	running         bool
	stopHeartbeat   context.CancelFunc
}

// NewEC600Adapter speaks the canonical envelope JSON over MQTT, the wire
// dialect of EC600-class modules.
func NewEC600Adapter(cfg config.MQTTConfig, packetMagic byte, log zerolog.Logger) *MQTTAdapter {
	return &MQTTAdapter{
		name:            "ec600",
		cfg:             cfg,
		log:             log.With().Str("component", "adapter").Str("adapter", "ec600").Logger(),
		queue:           newEventQueue(defaultQueueCapacity),
		packetMagic:     packetMagic,
		sessionByDevice: map[string]string{},
		windowByDevice:  map[string]*controlRing{},
		pendingByDevice: map[string]*controlRing{},
	}
}

// NewGenericAdapter maps profile-specific payload dialects to canonical
// envelopes before they reach the runtime.
func NewGenericAdapter(cfg config.MQTTConfig, profile DeviceProfile, log zerolog.Logger) *MQTTAdapter {
	a := &MQTTAdapter{
		name:            "generic_mqtt",
		cfg:             cfg,
		log:             log.With().Str("component", "adapter").Str("adapter", "generic_mqtt").Logger(),
		queue:           newEventQueue(defaultQueueCapacity),
		sessionByDevice: map[string]string{},
		windowByDevice:  map[string]*controlRing{},
		pendingByDevice: map[string]*controlRing{},
	}
	a.ApplyProfile(profile)
	return a
}

// ApplyProfile swaps the active profile mapper; used at startup and by the
// profile file watcher.
func (a *MQTTAdapter) ApplyProfile(profile DeviceProfile) {
	mapper := newProfileMapper(profile)
	a.mu.Lock()
	a.mapper = mapper
	a.packetMagic = profile.PacketMagic
	a.mu.Unlock()
}

func (a *MQTTAdapter) Name() string { return a.name }

func (a *MQTTAdapter) Transport() string { return "mqtt" }

func (a *MQTTAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = true
	a.mu.Unlock()

	client, err := mqttclient.Connect(mqttclient.Options{
		Host:         a.cfg.Host,
		Port:         a.cfg.Port,
		ClientID:     a.cfg.ClientID,
		Username:     a.cfg.Username,
		Password:     a.cfg.Password,
		Keepalive:    a.cfg.Keepalive,
		ReconnectMin: a.cfg.ReconnectMin,
		ReconnectMax: a.cfg.ReconnectMax,
		Subscriptions: []mqttclient.Subscription{
			{Topic: a.cfg.UpControlTopic, QoS: a.cfg.QoSControl},
			{Topic: a.cfg.UpAudioTopic, QoS: a.cfg.QoSAudio},
		},
		Log: a.log,
	})
	if err != nil {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
		return err
	}
	client.SetMessageHandler(a.handleMessage)

	a.mu.Lock()
	a.client = client
	a.pub = client
	a.mu.Unlock()

	hbCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.stopHeartbeat = cancel
	a.mu.Unlock()
	go a.heartbeatLoop(hbCtx)
	return nil
}

func (a *MQTTAdapter) Stop() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	client := a.client
	cancel := a.stopHeartbeat
	a.client = nil
	a.pub = nil
	a.stopHeartbeat = nil
	a.sessionByDevice = map[string]string{}
	a.windowByDevice = map[string]*controlRing{}
	a.pendingByDevice = map[string]*controlRing{}
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if client != nil {
		client.Close()
	}
	a.queue.close()
	return nil
}

func (a *MQTTAdapter) Events() <-chan protocol.Envelope { return a.queue.channel() }

func (a *MQTTAdapter) QueueStats() QueueStats { return a.queue.stats() }

// SendCommand publishes one command. JSON control rides the control topic;
// tts_chunk with audio becomes a framed packet on the audio topic. Control
// commands survive disconnects through the per-device pending ring and feed
// the replay window on success.
func (a *MQTTAdapter) SendCommand(cmd protocol.Envelope) error {
	a.mu.Lock()
	pub := a.pub
	mapper := a.mapper
	magic := a.packetMagic
	a.mu.Unlock()
	if pub == nil {
		return errors.New("mqtt adapter is not started")
	}

	topic := RenderTopic(a.cfg.DownControlTopic, cmd.DeviceID)
	var payload []byte
	if mapper != nil {
		payload = mapper.serializeCommand(cmd)
	} else {
		payload = cmd.JSON()
	}
	qos := a.cfg.QoSControl
	isControlJSON := true

	if cmd.Type == protocol.CommandTTSChunk {
		if b64 := cmd.PayloadString("audio_b64"); b64 != "" {
			audio, err := base64.StdEncoding.DecodeString(b64)
			if err != nil {
				a.log.Warn().Msg("invalid audio_b64 in tts_chunk payload, falling back to control JSON")
			} else {
				isControlJSON = false
				topic = RenderTopic(a.cfg.DownAudioTopic, cmd.DeviceID)
				qos = a.cfg.QoSAudio
				payload = BuildAudioFrame(magic, cmd.Seq, cmd.TS, audio)
			}
		}
	}

	if !pub.IsConnected() {
		if isControlJSON {
			a.bufferPending(cmd.DeviceID, controlRecord{cmd.Seq, topic, payload, qos})
		}
		a.log.Warn().Str("device_id", cmd.DeviceID).
			Msg("mqtt adapter is disconnected, control command buffered or dropped")
		return nil
	}

	if err := pub.Publish(topic, qos, payload); err != nil {
		a.log.Warn().Err(err).Str("topic", topic).Msg("mqtt publish failed")
		if isControlJSON {
			a.bufferPending(cmd.DeviceID, controlRecord{cmd.Seq, topic, payload, qos})
		}
		return nil
	}
	if isControlJSON {
		a.rememberWindow(cmd.DeviceID, controlRecord{cmd.Seq, topic, payload, qos})
	}
	return nil
}

func (a *MQTTAdapter) heartbeatLoop(ctx context.Context) {
	interval := a.cfg.HeartbeatInterval
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if a.cfg.HeartbeatTopic == "" {
			continue
		}
		a.mu.Lock()
		pub := a.pub
		a.mu.Unlock()
		if pub == nil || !pub.IsConnected() {
			continue
		}
		beat, _ := json.Marshal(map[string]any{
			"source":    "opencane-gateway",
			"ts":        time.Now().UnixMilli(),
			"connected": true,
		})
		if err := pub.Publish(a.cfg.HeartbeatTopic, 0, beat); err != nil {
			a.log.Debug().Err(err).Msg("heartbeat publish failed")
		}
	}
}

func (a *MQTTAdapter) handleMessage(topic string, payload []byte) {
	if env, ok := a.parseIncoming(topic, payload); ok {
		a.queue.push(env)
	}
}

func (a *MQTTAdapter) parseIncoming(topic string, payload []byte) (protocol.Envelope, bool) {
	deviceFromTopic := DeviceIDFromTopic(topic, a.cfg.UpControlTopic, a.cfg.UpAudioTopic)

	if TopicMatches(a.cfg.UpControlTopic, topic) {
		return a.parseControl(deviceFromTopic, payload)
	}
	if TopicMatches(a.cfg.UpAudioTopic, topic) {
		if deviceFromTopic == "" {
			return protocol.Envelope{}, false
		}
		sessionID := a.sessionFor(deviceFromTopic)
		env, err := a.parseAudio(payload, deviceFromTopic, sessionID)
		if err != nil {
			return protocol.NewEvent(
				protocol.EventError, deviceFromTopic, sessionID, 0,
				map[string]any{"error": "invalid audio packet"}), true
		}
		return env, true
	}
	return protocol.Envelope{}, false
}

func (a *MQTTAdapter) parseControl(deviceFromTopic string, payload []byte) (protocol.Envelope, bool) {
	var data map[string]any
	if err := json.Unmarshal(payload, &data); err != nil || data == nil {
		deviceID := deviceFromTopic
		if deviceID == "" {
			deviceID = "unknown"
		}
		return protocol.NewEvent(
			protocol.EventError, deviceID, a.sessionFor(deviceID), 0,
			map[string]any{"error": "invalid control payload"}), true
	}

	a.mu.Lock()
	mapper := a.mapper
	a.mu.Unlock()
	if mapper != nil {
		data = mapper.normalizeControl(data, deviceFromTopic)
	}

	deviceHint := deviceFromTopic
	if deviceHint == "" {
		deviceHint, _ = data["device_id"].(string)
	}
	var defaultSession string
	if deviceHint != "" {
		defaultSession = a.sessionFor(deviceHint)
	}
	env, err := protocol.FromMap(data, deviceHint, defaultSession)
	if err != nil {
		return protocol.Envelope{}, false
	}

	a.mu.Lock()
	if env.SessionID != "" {
		a.sessionByDevice[env.DeviceID] = env.SessionID
	}
	a.mu.Unlock()

	if env.Type == protocol.EventHello {
		if a.cfg.ReplayEnabled {
			if lastRecv, ok := lastRecvSeq(env.Payload); ok {
				a.replayWindow(env.DeviceID, lastRecv)
			}
		}
		a.flushPending(env.DeviceID)
	}
	return env, true
}

func (a *MQTTAdapter) parseAudio(payload []byte, deviceID, sessionID string) (protocol.Envelope, error) {
	a.mu.Lock()
	mapper := a.mapper
	magic := a.packetMagic
	a.mu.Unlock()
	if mapper != nil && mapper.audioUpMode == AudioModeJSONB64 {
		env, resolvedSession, err := mapper.parseAudioJSON(payload, deviceID, sessionID)
		if err != nil {
			return protocol.Envelope{}, err
		}
		if resolvedSession != "" {
			a.mu.Lock()
			a.sessionByDevice[env.DeviceID] = resolvedSession
			a.mu.Unlock()
		}
		return env, nil
	}
	return ParseAudioFrame(payload, magic, deviceID, sessionID)
}

// sessionFor returns the last known session for a device, or the implicit
// "{device_id}-default" used before any hello is seen.
func (a *MQTTAdapter) sessionFor(deviceID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if sid, ok := a.sessionByDevice[deviceID]; ok {
		return sid
	}
	return deviceID + "-default"
}

func lastRecvSeq(payload map[string]any) (int64, bool) {
	for _, key := range []string{"last_recv_seq", "lastRecvSeq"} {
		if v, ok := payload[key]; ok && v != nil {
			n := protocol.ToInt64(v, -1)
			if n < 0 {
				return 0, false
			}
			return n, true
		}
	}
	if resume, ok := payload["resume"].(map[string]any); ok {
		for _, key := range []string{"last_recv_seq", "lastRecvSeq"} {
			if v, ok := resume[key]; ok && v != nil {
				n := protocol.ToInt64(v, -1)
				if n < 0 {
					return 0, false
				}
				return n, true
			}
		}
	}
	return 0, false
}

func (a *MQTTAdapter) bufferPending(deviceID string, rec controlRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ring, ok := a.pendingByDevice[deviceID]
	if !ok {
		ring = newControlRing(a.cfg.OfflineControlBuffer)
		a.pendingByDevice[deviceID] = ring
	}
	ring.push(rec)
}

func (a *MQTTAdapter) rememberWindow(deviceID string, rec controlRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ring, ok := a.windowByDevice[deviceID]
	if !ok {
		ring = newControlRing(a.cfg.ControlReplayWindow)
		a.windowByDevice[deviceID] = ring
	}
	ring.push(rec)
}

// flushPending drains the offline buffer in order. A failed publish puts the
// command back at the head and aborts so ordering is preserved.
func (a *MQTTAdapter) flushPending(deviceID string) {
	a.mu.Lock()
	pub := a.pub
	ring := a.pendingByDevice[deviceID]
	a.mu.Unlock()
	if pub == nil || !pub.IsConnected() || ring == nil {
		return
	}
	for {
		a.mu.Lock()
		rec, ok := ring.popFront()
		a.mu.Unlock()
		if !ok {
			break
		}
		if err := pub.Publish(rec.topic, rec.qos, rec.payload); err != nil {
			a.log.Warn().Err(err).Str("topic", rec.topic).Msg("mqtt pending control flush failed")
			a.mu.Lock()
			ring.pushFront(rec)
			a.mu.Unlock()
			return
		}
		a.rememberWindow(deviceID, rec)
	}
	a.mu.Lock()
	if ring.empty() {
		delete(a.pendingByDevice, deviceID)
	}
	a.mu.Unlock()
}

// replayWindow republishes remembered commands with seq > lastRecvSeq, in
// original order, stopping at the first failure.
func (a *MQTTAdapter) replayWindow(deviceID string, lastRecvSeq int64) {
	a.mu.Lock()
	pub := a.pub
	ring := a.windowByDevice[deviceID]
	var records []controlRecord
	if ring != nil {
		records = append(records, ring.items...)
	}
	a.mu.Unlock()
	if pub == nil || !pub.IsConnected() || len(records) == 0 {
		return
	}
	replayed := 0
	for _, rec := range records {
		if rec.seq <= lastRecvSeq {
			continue
		}
		if err := pub.Publish(rec.topic, rec.qos, rec.payload); err != nil {
			a.log.Warn().Err(err).Str("topic", rec.topic).Msg("mqtt replay failed")
			break
		}
		replayed++
	}
	if replayed > 0 {
		a.log.Info().Str("device_id", deviceID).Int("count", replayed).
			Int64("last_recv_seq", lastRecvSeq).Msg("replayed control commands")
	}
}
