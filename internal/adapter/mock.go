package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/iflabx/opencane-gateway/internal/protocol"
)

// MockAdapter is a queue-backed adapter fed by tests and the debug HTTP
// endpoint. Outbound commands are captured for inspection.
type MockAdapter struct {
	packetMagic byte
	queue       *eventQueue

	mu       sync.Mutex
	running  bool
	outbound []protocol.Envelope
	waiters  chan protocol.Envelope
}

func NewMockAdapter(packetMagic byte) *MockAdapter {
	return &MockAdapter{
		packetMagic: packetMagic,
		queue:       newEventQueue(defaultQueueCapacity),
		waiters:     make(chan protocol.Envelope, defaultQueueCapacity),
	}
}

func (a *MockAdapter) Name() string { return "mock" }

func (a *MockAdapter) Transport() string { return "in-memory" }

func (a *MockAdapter) Start(context.Context) error {
	a.mu.Lock()
	a.running = true
	a.mu.Unlock()
	return nil
}

func (a *MockAdapter) Stop() error {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
	a.queue.close()
	return nil
}

func (a *MockAdapter) Events() <-chan protocol.Envelope { return a.queue.channel() }

func (a *MockAdapter) QueueStats() QueueStats { return a.queue.stats() }

func (a *MockAdapter) SendCommand(cmd protocol.Envelope) error {
	a.mu.Lock()
	a.outbound = append(a.outbound, cmd)
	a.mu.Unlock()
	select {
	case a.waiters <- cmd:
	default:
	}
	return nil
}

// InjectEvent feeds a canonical envelope into the inbound stream.
func (a *MockAdapter) InjectEvent(env protocol.Envelope) {
	a.queue.push(env)
}

// IngestControl parses a raw control payload (JSON bytes or an already
// decoded object) into an envelope and enqueues it. Used by the debug API.
func (a *MockAdapter) IngestControl(raw any, defaultDeviceID, defaultSessionID string) (protocol.Envelope, error) {
	var env protocol.Envelope
	var err error
	switch data := raw.(type) {
	case map[string]any:
		env, err = protocol.FromMap(data, defaultDeviceID, defaultSessionID)
	case []byte:
		env, err = protocol.ParseJSON(data, defaultDeviceID, defaultSessionID)
	case string:
		env, err = protocol.ParseJSON([]byte(data), defaultDeviceID, defaultSessionID)
	default:
		encoded, merr := json.Marshal(raw)
		if merr != nil {
			return protocol.Envelope{}, errors.New("unsupported control payload")
		}
		env, err = protocol.ParseJSON(encoded, defaultDeviceID, defaultSessionID)
	}
	if err != nil {
		return protocol.Envelope{}, err
	}
	a.queue.push(env)
	return env, nil
}

// IngestAudioPacket parses a 16-byte framed packet and enqueues the audio
// event.
func (a *MockAdapter) IngestAudioPacket(packet []byte, deviceID, sessionID string) (protocol.Envelope, error) {
	env, err := ParseAudioFrame(packet, a.packetMagic, deviceID, sessionID)
	if err != nil {
		return protocol.Envelope{}, err
	}
	a.queue.push(env)
	return env, nil
}

// NextCommand waits for the next outbound command the runtime sends.
func (a *MockAdapter) NextCommand(timeout time.Duration) (protocol.Envelope, error) {
	select {
	case cmd := <-a.waiters:
		return cmd, nil
	case <-time.After(timeout):
		return protocol.Envelope{}, errors.New("timed out waiting for command")
	}
}

// PendingCommands returns a copy of every outbound command captured so far.
func (a *MockAdapter) PendingCommands() []protocol.Envelope {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]protocol.Envelope, len(a.outbound))
	copy(out, a.outbound)
	return out
}

// Reset clears captured outbound commands.
func (a *MockAdapter) Reset() {
	a.mu.Lock()
	a.outbound = nil
	a.mu.Unlock()
	for {
		select {
		case <-a.waiters:
		default:
			return
		}
	}
}
