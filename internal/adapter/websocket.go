package adapter

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/iflabx/opencane-gateway/internal/protocol"
)

// closeUnauthorized is sent when token auth fails at the handshake.
const closeUnauthorized = 4401

// WebSocketAdapter accepts raw WebSocket connections from lab rigs and app
// simulators. JSON text frames carry control envelopes; binary frames carry
// audio, framed or bare.
type WebSocketAdapter struct {
	host         string
	port         int
	requireToken bool
	token        string
	packetMagic  byte
	log          zerolog.Logger
	queue        *eventQueue
	upgrader     websocket.Upgrader
	server       *http.Server

	mu             sync.Mutex
	running        bool
	deviceSockets  map[string]*wsConn
	sessionSockets map[sessionKey]*wsConn
}

type sessionKey struct {
	deviceID  string
	sessionID string
}

// wsConn serializes writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeJSON(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func NewWebSocketAdapter(host string, port int, requireToken bool, token string, packetMagic byte, log zerolog.Logger) *WebSocketAdapter {
	return &WebSocketAdapter{
		host:         host,
		port:         port,
		requireToken: requireToken,
		token:        token,
		packetMagic:  packetMagic,
		log:          log.With().Str("component", "adapter").Str("adapter", "websocket").Logger(),
		queue:        newEventQueue(defaultQueueCapacity),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		deviceSockets:  map[string]*wsConn{},
		sessionSockets: map[sessionKey]*wsConn{},
	}
}

func (a *WebSocketAdapter) Name() string { return "websocket" }

func (a *WebSocketAdapter) Transport() string { return "ws" }

func (a *WebSocketAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = true
	a.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", a.host, a.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
		return err
	}
	a.server = &http.Server{
		Handler:     http.HandlerFunc(a.handleUpgrade),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		if err := a.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			a.log.Error().Err(err).Msg("websocket server stopped")
		}
	}()
	a.log.Info().Str("addr", "ws://"+addr).Msg("device websocket adapter listening")
	return nil
}

func (a *WebSocketAdapter) Stop() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	sockets := make([]*wsConn, 0, len(a.deviceSockets))
	for _, ws := range a.deviceSockets {
		sockets = append(sockets, ws)
	}
	a.deviceSockets = map[string]*wsConn{}
	a.sessionSockets = map[sessionKey]*wsConn{}
	server := a.server
	a.server = nil
	a.mu.Unlock()

	for _, ws := range sockets {
		ws.conn.Close()
	}
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}
	a.queue.close()
	return nil
}

func (a *WebSocketAdapter) Events() <-chan protocol.Envelope { return a.queue.channel() }

func (a *WebSocketAdapter) QueueStats() QueueStats { return a.queue.stats() }

// SendCommand routes to the session socket if present, falling back to the
// last socket seen for the device.
func (a *WebSocketAdapter) SendCommand(cmd protocol.Envelope) error {
	a.mu.Lock()
	ws := a.sessionSockets[sessionKey{cmd.DeviceID, cmd.SessionID}]
	if ws == nil {
		ws = a.deviceSockets[cmd.DeviceID]
	}
	a.mu.Unlock()
	if ws == nil {
		a.log.Warn().Str("device_id", cmd.DeviceID).Str("session_id", cmd.SessionID).
			Msg("websocket adapter cannot find socket for command")
		return nil
	}
	if err := ws.writeJSON(cmd.JSON()); err != nil {
		a.log.Warn().Err(err).Msg("websocket adapter failed to send command")
	}
	return nil
}

func (a *WebSocketAdapter) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	deviceID := firstQuery(query.Get("device_id"), query.Get("device-id"))
	sessionID := firstQuery(query.Get("session_id"), query.Get("session-id"))
	token := firstQuery(query.Get("token"), query.Get("authorization"))
	token = strings.TrimPrefix(token, "Bearer ")

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	if a.requireToken && a.token != "" && token != a.token {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeUnauthorized, "unauthorized"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	ws := &wsConn{conn: conn}
	a.register(deviceID, sessionID, ws)
	go a.readLoop(ws, deviceID, sessionID)
}

func (a *WebSocketAdapter) readLoop(ws *wsConn, deviceID, sessionID string) {
	// deviceID/sessionID rebind on hello, so the cleanup must read the
	// current values, not the ones at defer registration.
	defer func() { a.unregister(deviceID, sessionID, ws) }()
	for {
		msgType, payload, err := ws.conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			if deviceID == "" {
				continue
			}
			a.queue.push(a.parseBinaryAudio(payload, deviceID, sessionID))
		case websocket.TextMessage:
			env, err := protocol.ParseJSON(payload, deviceID, sessionID)
			if err != nil {
				a.log.Debug().Err(err).Msg("websocket control payload rejected")
				continue
			}
			// hello rebinds the socket to the announced identity.
			if env.Type == protocol.EventHello {
				a.unregister(deviceID, sessionID, ws)
				deviceID = env.DeviceID
				sessionID = env.SessionID
				a.register(deviceID, sessionID, ws)
			}
			a.queue.push(env)
		}
	}
}

// parseBinaryAudio accepts both framed packets and bare opus/pcm blobs.
func (a *WebSocketAdapter) parseBinaryAudio(packet []byte, deviceID, sessionID string) protocol.Envelope {
	if sessionID == "" {
		sessionID = deviceID + "-default"
	}
	if len(packet) >= frameHeaderLen && packet[0] == a.packetMagic {
		if env, err := ParseAudioFrame(packet, a.packetMagic, deviceID, sessionID); err == nil {
			return env
		}
	}
	return protocol.NewEvent(
		protocol.EventAudioChunk, deviceID, sessionID, 0,
		map[string]any{
			"audio_b64": base64.StdEncoding.EncodeToString(packet),
			"encoding":  "binary",
		})
}

func (a *WebSocketAdapter) register(deviceID, sessionID string, ws *wsConn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if deviceID != "" {
		a.deviceSockets[deviceID] = ws
	}
	if deviceID != "" && sessionID != "" {
		a.sessionSockets[sessionKey{deviceID, sessionID}] = ws
	}
}

func (a *WebSocketAdapter) unregister(deviceID, sessionID string, ws *wsConn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if deviceID != "" && a.deviceSockets[deviceID] == ws {
		delete(a.deviceSockets, deviceID)
	}
	if deviceID != "" && sessionID != "" {
		key := sessionKey{deviceID, sessionID}
		if a.sessionSockets[key] == ws {
			delete(a.sessionSockets, key)
		}
	}
}

func firstQuery(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
