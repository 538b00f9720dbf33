package adapter

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/iflabx/opencane-gateway/internal/config"
	"github.com/iflabx/opencane-gateway/internal/protocol"
)

type pubMsg struct {
	topic   string
	qos     byte
	payload []byte
}

// fakePub captures publishes and can simulate disconnects and failures.
type fakePub struct {
	mu        sync.Mutex
	connected bool
	failNext  int
	msgs      []pubMsg
}

func (p *fakePub) Publish(topic string, qos byte, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext > 0 {
		p.failNext--
		return errors.New("simulated publish failure")
	}
	p.msgs = append(p.msgs, pubMsg{topic, qos, payload})
	return nil
}

func (p *fakePub) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePub) take() []pubMsg {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.msgs
	p.msgs = nil
	return out
}

func testMQTTConfig() config.MQTTConfig {
	return config.MQTTConfig{
		UpControlTopic:       "device/+/up/control",
		UpAudioTopic:         "device/+/up/audio",
		DownControlTopic:     "device/{device_id}/down/control",
		DownAudioTopic:       "device/{device_id}/down/audio",
		QoSControl:           1,
		QoSAudio:             0,
		OfflineControlBuffer: 3,
		ControlReplayWindow:  8,
		ReplayEnabled:        true,
	}
}

func newTestMQTTAdapter(t *testing.T) (*MQTTAdapter, *fakePub) {
	t.Helper()
	a := NewEC600Adapter(testMQTTConfig(), 0xA1, zerolog.Nop())
	pub := &fakePub{connected: true}
	a.mu.Lock()
	a.pub = pub
	a.mu.Unlock()
	t.Cleanup(func() { a.queue.close() })
	return a, pub
}

func nextEvent(t *testing.T, a *MQTTAdapter) protocol.Envelope {
	t.Helper()
	select {
	case env := <-a.Events():
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return protocol.Envelope{}
	}
}

func publishedSeqs(t *testing.T, msgs []pubMsg) []int64 {
	t.Helper()
	seqs := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		var data map[string]any
		if err := json.Unmarshal(m.payload, &data); err != nil {
			t.Fatalf("unmarshal published control: %v", err)
		}
		seqs = append(seqs, protocol.ToInt64(data["seq"], -1))
	}
	return seqs
}

func sendControl(t *testing.T, a *MQTTAdapter, seq int64) {
	t.Helper()
	cmd := protocol.NewCommand(protocol.CommandTaskUpdate, "cane-01", "sess-1", seq,
		map[string]any{"status": "running"})
	if err := a.SendCommand(cmd); err != nil {
		t.Fatalf("SendCommand(seq=%d): %v", seq, err)
	}
}

func helloPayload(lastRecvSeq int64) []byte {
	raw, _ := json.Marshal(map[string]any{
		"type":       "hello",
		"device_id":  "cane-01",
		"session_id": "sess-1",
		"seq":        1,
		"payload":    map[string]any{"last_recv_seq": lastRecvSeq},
	})
	return raw
}

func TestControlRing(t *testing.T) {
	ring := newControlRing(2)
	ring.push(controlRecord{seq: 1})
	ring.push(controlRecord{seq: 2})
	ring.push(controlRecord{seq: 3})

	rec, ok := ring.popFront()
	if !ok || rec.seq != 2 {
		t.Fatalf("popFront = %+v, %v; oldest should have been dropped", rec, ok)
	}
	ring.pushFront(controlRecord{seq: 2})
	rec, _ = ring.popFront()
	if rec.seq != 2 {
		t.Errorf("pushFront did not restore head, got seq %d", rec.seq)
	}
	rec, _ = ring.popFront()
	if rec.seq != 3 {
		t.Errorf("tail seq = %d", rec.seq)
	}
	if !ring.empty() {
		t.Error("ring should be empty")
	}
}

func TestOfflineBufferAndHelloFlush(t *testing.T) {
	a, pub := newTestMQTTAdapter(t)
	pub.mu.Lock()
	pub.connected = false
	pub.mu.Unlock()

	// Buffer capacity is 3, so seq 1 is dropped.
	for seq := int64(1); seq <= 4; seq++ {
		sendControl(t, a, seq)
	}
	if got := pub.take(); len(got) != 0 {
		t.Fatalf("published while disconnected: %d messages", len(got))
	}

	pub.mu.Lock()
	pub.connected = true
	pub.mu.Unlock()
	a.handleMessage("device/cane-01/up/control", helloPayload(0))

	env := nextEvent(t, a)
	if env.Type != protocol.EventHello {
		t.Fatalf("event type = %q", env.Type)
	}
	seqs := publishedSeqs(t, pub.take())
	if len(seqs) != 3 || seqs[0] != 2 || seqs[1] != 3 || seqs[2] != 4 {
		t.Errorf("flushed seqs = %v, want [2 3 4]", seqs)
	}

	// Buffer is drained; a second hello must not republish.
	a.handleMessage("device/cane-01/up/control", helloPayload(4))
	nextEvent(t, a)
	if got := pub.take(); len(got) != 0 {
		t.Errorf("second hello republished %d messages", len(got))
	}
}

func TestReplayWindowAfterHello(t *testing.T) {
	a, pub := newTestMQTTAdapter(t)

	for seq := int64(1); seq <= 5; seq++ {
		sendControl(t, a, seq)
	}
	pub.take()

	// Device reports it saw everything through seq 3.
	a.handleMessage("device/cane-01/up/control", helloPayload(3))
	nextEvent(t, a)

	seqs := publishedSeqs(t, pub.take())
	if len(seqs) != 2 || seqs[0] != 4 || seqs[1] != 5 {
		t.Errorf("replayed seqs = %v, want [4 5]", seqs)
	}

	t.Run("replay_disabled", func(t *testing.T) {
		a2, pub2 := newTestMQTTAdapter(t)
		a2.cfg.ReplayEnabled = false
		sendControl(t, a2, 1)
		pub2.take()
		a2.handleMessage("device/cane-01/up/control", helloPayload(0))
		nextEvent(t, a2)
		if got := pub2.take(); len(got) != 0 {
			t.Errorf("replay ran while disabled: %d messages", len(got))
		}
	})
}

func TestFlushFailureKeepsOrder(t *testing.T) {
	a, pub := newTestMQTTAdapter(t)
	pub.mu.Lock()
	pub.connected = false
	pub.mu.Unlock()
	sendControl(t, a, 1)
	sendControl(t, a, 2)

	pub.mu.Lock()
	pub.connected = true
	pub.failNext = 1
	pub.mu.Unlock()
	a.handleMessage("device/cane-01/up/control", helloPayload(0))
	nextEvent(t, a)
	if got := pub.take(); len(got) != 0 {
		t.Fatalf("flush continued past failure: %d messages", len(got))
	}

	// The failed command went back to the head; the next hello flushes both.
	a.handleMessage("device/cane-01/up/control", helloPayload(0))
	nextEvent(t, a)
	seqs := publishedSeqs(t, pub.take())
	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 2 {
		t.Errorf("flushed seqs = %v, want [1 2]", seqs)
	}
}

func TestSendCommandTTSChunkFramed(t *testing.T) {
	a, pub := newTestMQTTAdapter(t)
	cmd := protocol.NewCommand(protocol.CommandTTSChunk, "cane-01", "sess-1", 9,
		map[string]any{"audio_b64": "AQIDBA=="})
	if err := a.SendCommand(cmd); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	msgs := pub.take()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages", len(msgs))
	}
	if msgs[0].topic != "device/cane-01/down/audio" {
		t.Errorf("topic = %q", msgs[0].topic)
	}
	if len(msgs[0].payload) < frameHeaderLen || msgs[0].payload[0] != 0xA1 {
		t.Errorf("payload is not a framed packet: % x", msgs[0].payload[:min(8, len(msgs[0].payload))])
	}
	env, err := ParseAudioFrame(msgs[0].payload, 0xA1, "cane-01", "sess-1")
	if err != nil {
		t.Fatalf("ParseAudioFrame: %v", err)
	}
	if env.Seq != 9 {
		t.Errorf("frame seq = %d", env.Seq)
	}
}

func TestParseIncomingErrors(t *testing.T) {
	a, _ := newTestMQTTAdapter(t)

	t.Run("invalid_control_json", func(t *testing.T) {
		a.handleMessage("device/cane-01/up/control", []byte("{nope"))
		env := nextEvent(t, a)
		if env.Type != protocol.EventError {
			t.Fatalf("event type = %q", env.Type)
		}
		if env.PayloadString("error") != "invalid control payload" {
			t.Errorf("error = %q", env.PayloadString("error"))
		}
		if env.DeviceID != "cane-01" {
			t.Errorf("device = %q", env.DeviceID)
		}
	})

	t.Run("invalid_audio_packet", func(t *testing.T) {
		a.handleMessage("device/cane-01/up/audio", []byte{0xFF, 0x00})
		env := nextEvent(t, a)
		if env.Type != protocol.EventError {
			t.Fatalf("event type = %q", env.Type)
		}
		if env.PayloadString("error") != "invalid audio packet" {
			t.Errorf("error = %q", env.PayloadString("error"))
		}
	})

	t.Run("unknown_topic_ignored", func(t *testing.T) {
		if env, ok := a.parseIncoming("other/topic", []byte("{}")); ok {
			t.Errorf("unexpected envelope: %+v", env)
		}
	})
}

func TestSessionTracking(t *testing.T) {
	a, _ := newTestMQTTAdapter(t)
	if got := a.sessionFor("cane-01"); got != "cane-01-default" {
		t.Errorf("implicit session = %q", got)
	}
	a.handleMessage("device/cane-01/up/control", helloPayload(0))
	nextEvent(t, a)
	if got := a.sessionFor("cane-01"); got != "sess-1" {
		t.Errorf("tracked session = %q", got)
	}

	// Framed audio on the audio topic picks up the tracked session.
	frame := BuildAudioFrame(0xA1, 2, 1700, []byte{1, 2})
	a.handleMessage("device/cane-01/up/audio", frame)
	env := nextEvent(t, a)
	if env.SessionID != "sess-1" || env.DeviceID != "cane-01" {
		t.Errorf("audio identity = %s/%s", env.DeviceID, env.SessionID)
	}
}

func TestGenericAdapterAudioJSON(t *testing.T) {
	profile, err := ResolveProfile("generic_v1")
	if err != nil {
		t.Fatalf("ResolveProfile: %v", err)
	}
	profile.AudioUpMode = AudioModeJSONB64
	a := NewGenericAdapter(testMQTTConfig(), profile, zerolog.Nop())
	pub := &fakePub{connected: true}
	a.mu.Lock()
	a.pub = pub
	a.mu.Unlock()
	t.Cleanup(func() { a.queue.close() })

	a.handleMessage("device/cane-01/up/audio",
		[]byte(`{"audioBase64":"AQID","chunkIndex":4,"sessionId":"sess-7"}`))
	env := nextEvent(t, a)
	if env.Type != protocol.EventAudioChunk {
		t.Fatalf("event type = %q", env.Type)
	}
	if env.Seq != 4 {
		t.Errorf("seq = %d", env.Seq)
	}
	if got := a.sessionFor("cane-01"); got != "sess-7" {
		t.Errorf("tracked session = %q", got)
	}
}

func TestLastRecvSeq(t *testing.T) {
	cases := []struct {
		payload map[string]any
		want    int64
		ok      bool
	}{
		{map[string]any{"last_recv_seq": 5}, 5, true},
		{map[string]any{"lastRecvSeq": float64(7)}, 7, true},
		{map[string]any{"resume": map[string]any{"last_recv_seq": 2}}, 2, true},
		{map[string]any{"last_recv_seq": -1}, 0, false},
		{map[string]any{}, 0, false},
	}
	for i, tc := range cases {
		got, ok := lastRecvSeq(tc.payload)
		if got != tc.want || ok != tc.ok {
			t.Errorf("case %d: lastRecvSeq = (%d, %v), want (%d, %v)", i, got, ok, tc.want, tc.ok)
		}
	}
}
