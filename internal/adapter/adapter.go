// Package adapter hosts the southbound transports that turn device traffic
// into canonical envelopes: MQTT for cellular modules, WebSocket for
// lab/app devices, and an in-memory mock for tests and the debug API.
package adapter

import (
	"context"
	"sync"

	"github.com/iflabx/opencane-gateway/internal/metrics"
	"github.com/iflabx/opencane-gateway/internal/protocol"
)

// Adapter is the contract between a transport and the runtime.
type Adapter interface {
	Name() string
	Transport() string

	// Start brings up transport resources and begins ingesting traffic.
	Start(ctx context.Context) error
	// Stop tears down resources and closes the event stream.
	Stop() error

	// Events yields canonical envelopes from connected devices. The channel
	// closes after Stop.
	Events() <-chan protocol.Envelope

	// SendCommand delivers one canonical command to the target device.
	SendCommand(cmd protocol.Envelope) error
}

// QueueStats is a snapshot of the bounded inbound buffer.
type QueueStats struct {
	Depth    int   `json:"depth"`
	Capacity int   `json:"max_size"`
	Dropped  int64 `json:"dropped_total"`
}

// QueueStatser is implemented by adapters that expose their ingest buffer.
type QueueStatser interface {
	QueueStats() QueueStats
}

// Ack sends the explicit ACK command for a committed sequence.
func Ack(a Adapter, deviceID, sessionID string, seq int64) error {
	return a.SendCommand(protocol.NewCommand(
		protocol.CommandAck, deviceID, sessionID, seq,
		map[string]any{"ack_seq": seq}))
}

// CloseSession sends the close command with a reason.
func CloseSession(a Adapter, deviceID, sessionID, reason string) error {
	return a.SendCommand(protocol.NewCommand(
		protocol.CommandClose, deviceID, sessionID, 0,
		map[string]any{"reason": reason}))
}

// eventQueue is the bounded inbound buffer between transport callbacks and
// the runtime consumer. On overflow the OLDEST envelope is dropped so fresh
// device state wins over stale backlog.
type eventQueue struct {
	mu      sync.Mutex
	buf     []protocol.Envelope
	cap     int
	notify  chan struct{}
	out     chan protocol.Envelope
	closed  bool
	done    chan struct{}
	dropped int64
}

func newEventQueue(capacity int) *eventQueue {
	q := &eventQueue{
		cap:    max(1, capacity),
		notify: make(chan struct{}, 1),
		out:    make(chan protocol.Envelope),
		done:   make(chan struct{}),
	}
	go q.pump()
	return q
}

func (q *eventQueue) push(env protocol.Envelope) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if len(q.buf) >= q.cap {
		q.buf = q.buf[1:]
		q.dropped++
		metrics.IngestQueueDroppedTotal.Inc()
	}
	q.buf = append(q.buf, env)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.buf) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-q.notify:
				continue
			case <-q.done:
				continue
			}
		}
		env := q.buf[0]
		q.buf = q.buf[1:]
		q.mu.Unlock()
		select {
		case q.out <- env:
		case <-q.done:
			return
		}
	}
}

func (q *eventQueue) channel() <-chan protocol.Envelope { return q.out }

func (q *eventQueue) stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{Depth: len(q.buf), Capacity: q.cap, Dropped: q.dropped}
}

func (q *eventQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
}

// defaultQueueCapacity bounds the inbound buffer for all transports.
const defaultQueueCapacity = 1024
