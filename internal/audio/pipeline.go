// Package audio buffers per-session voice capture: ordered text pieces,
// jitter-tolerant audio chunk assembly, and a VAD prebuffer, with an
// external transcriber as the fallback at finalize time.
package audio

import (
	"context"
	"encoding/base64"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/iflabx/opencane-gateway/internal/protocol"
)

// TranscribeFunc turns raw concatenated audio into text.
type TranscribeFunc func(ctx context.Context, audio []byte) (string, error)

// Options tune one pipeline instance.
type Options struct {
	MaxBytes         int64
	EnableVAD        bool
	PrebufferChunks  int
	JitterWindow     int
	VADSilenceChunks int
	Transcribe       TranscribeFunc
	Log              zerolog.Logger
}

type captureKey struct {
	deviceID  string
	sessionID string
}

type prebufferedChunk struct {
	order int64
	data  []byte
}

// capture holds the buffers for one session's voice turn.
type capture struct {
	started         bool
	orderedAudio    map[int64][]byte
	orderedText     map[int64]string
	pendingAudio    map[int64][]byte
	prebuffer       []prebufferedChunk
	totalAudioBytes int64
	nextLocalOrder  int64
	nextExpected    int64
	hasNextExpected bool
	vadActive       bool
	silenceChunks   int
	speechChunks    int
}

func newCapture() *capture {
	return &capture{
		orderedAudio:   map[int64][]byte{},
		orderedText:    map[int64]string{},
		pendingAudio:   map[int64][]byte{},
		nextLocalOrder: 1,
	}
}

// Pipeline serializes chunk ingestion per process and keeps one capture per
// (device, session).
type Pipeline struct {
	maxBytes         int64
	enableVAD        bool
	prebufferChunks  int
	jitterWindow     int
	vadSilenceChunks int
	transcribe       TranscribeFunc
	log              zerolog.Logger

	mu       sync.Mutex
	captures map[captureKey]*capture
}

func NewPipeline(opts Options) *Pipeline {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 8 * 1024 * 1024
	}
	return &Pipeline{
		maxBytes:         opts.MaxBytes,
		enableVAD:        opts.EnableVAD,
		prebufferChunks:  max(0, opts.PrebufferChunks),
		jitterWindow:     max(1, opts.JitterWindow),
		vadSilenceChunks: max(1, opts.VADSilenceChunks),
		transcribe:       opts.Transcribe,
		log:              opts.Log.With().Str("component", "audio").Logger(),
		captures:         map[captureKey]*capture{},
	}
}

// StartCapture resets the buffers for a new voice turn.
func (p *Pipeline) StartCapture(deviceID, sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cap := newCapture()
	cap.started = true
	p.captures[captureKey{deviceID, sessionID}] = cap
}

// ResetCapture drops the session's buffers entirely.
func (p *Pipeline) ResetCapture(deviceID, sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.captures, captureKey{deviceID, sessionID})
}

// AppendChunk ingests one audio_chunk payload and returns the current
// composed text. eventSeq is the envelope sequence, used as the order when
// the payload carries no order key; pass a negative value when unknown.
func (p *Pipeline) AppendChunk(deviceID, sessionID string, payload map[string]any, eventSeq int64) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := captureKey{deviceID, sessionID}
	cap, ok := p.captures[key]
	if !ok {
		cap = newCapture()
		p.captures[key] = cap
	}
	cap.started = true

	order := resolveOrder(payload, eventSeq, cap)

	if piece := strings.TrimSpace(firstString(payload, "text", "transcript")); piece != "" {
		if existing, ok := cap.orderedText[order]; ok && existing != piece {
			order = nextFreeOrder(order, cap)
		}
		cap.orderedText[order] = piece
	}

	if b64 := firstString(payload, "audio_b64", "audio"); b64 != "" {
		chunk, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			p.log.Debug().Msg("invalid base64 audio payload ignored")
			chunk = nil
		}
		if len(chunk) > 0 && !audioOrderExists(cap, order) {
			p.appendAudioChunk(cap, order, chunk, resolveSpeechFlag(payload))
		}
	}
	return composeText(cap)
}

// PartialTranscript joins ordered text pieces, truncated to maxChars.
func (p *Pipeline) PartialTranscript(deviceID, sessionID string, maxChars int) string {
	p.mu.Lock()
	cap, ok := p.captures[captureKey{deviceID, sessionID}]
	var text string
	if ok {
		text = composeText(cap)
	}
	p.mu.Unlock()
	if !ok {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	cut := max(1, maxChars-3)
	return strings.TrimRight(string(runes[:cut]), " ") + "..."
}

// FinalizeCapture resolves the final transcript for a voice turn: explicit
// payload text wins, then buffered text pieces, then the external
// transcriber over the assembled audio.
func (p *Pipeline) FinalizeCapture(ctx context.Context, deviceID, sessionID string, payload map[string]any) string {
	if explicit := strings.TrimSpace(firstString(payload, "transcript", "text")); explicit != "" {
		p.ResetCapture(deviceID, sessionID)
		return explicit
	}

	p.mu.Lock()
	key := captureKey{deviceID, sessionID}
	cap, ok := p.captures[key]
	delete(p.captures, key)
	p.mu.Unlock()
	if !ok {
		return ""
	}

	p.flushPrebuffer(cap)
	p.flushPendingAudio(cap, true)

	if transcript := composeText(cap); transcript != "" {
		return transcript
	}

	orders := sortedOrders(cap.orderedAudio)
	var audio []byte
	for _, order := range orders {
		audio = append(audio, cap.orderedAudio[order]...)
	}
	if len(audio) == 0 || p.transcribe == nil {
		return ""
	}
	text, err := p.transcribe(ctx, audio)
	if err != nil {
		p.log.Warn().Err(err).Msg("audio transcription failed")
		return ""
	}
	return strings.TrimSpace(text)
}

func (p *Pipeline) appendAudioChunk(cap *capture, order int64, chunk []byte, speech *bool) {
	if cap.totalAudioBytes+int64(len(chunk)) > p.maxBytes {
		p.log.Info().Int64("order", order).Msg("audio buffer reached limit, dropping chunk")
		return
	}

	if !p.enableVAD {
		p.storePendingAudio(cap, order, chunk)
		p.flushPendingAudio(cap, false)
		return
	}

	// No VAD hint from the source counts as speech.
	isSpeech := speech == nil || *speech

	if isSpeech {
		cap.vadActive = true
		cap.silenceChunks = 0
		cap.speechChunks++
		p.flushPrebuffer(cap)
		p.storePendingAudio(cap, order, chunk)
		p.flushPendingAudio(cap, false)
		return
	}

	if cap.vadActive {
		cap.silenceChunks++
		p.storePendingAudio(cap, order, chunk)
		p.flushPendingAudio(cap, false)
		if cap.silenceChunks >= p.vadSilenceChunks {
			cap.vadActive = false
		}
		return
	}

	// Silence before any speech only feeds the prebuffer ring.
	p.storePrebufferAudio(cap, order, chunk)
}

func (p *Pipeline) storePendingAudio(cap *capture, order int64, chunk []byte) {
	if _, ok := cap.pendingAudio[order]; ok {
		return
	}
	if _, ok := cap.orderedAudio[order]; ok {
		return
	}
	cap.pendingAudio[order] = chunk
	cap.totalAudioBytes += int64(len(chunk))
	if !cap.hasNextExpected {
		cap.nextExpected = minOrder(cap.pendingAudio)
		cap.hasNextExpected = true
	}
}

func (p *Pipeline) storePrebufferAudio(cap *capture, order int64, chunk []byte) {
	if p.prebufferChunks <= 0 {
		return
	}
	for _, existing := range cap.prebuffer {
		if existing.order == order {
			return
		}
	}
	cap.prebuffer = append(cap.prebuffer, prebufferedChunk{order, chunk})
	cap.totalAudioBytes += int64(len(chunk))
	for len(cap.prebuffer) > p.prebufferChunks {
		dropped := cap.prebuffer[0]
		cap.prebuffer = cap.prebuffer[1:]
		cap.totalAudioBytes = max(0, cap.totalAudioBytes-int64(len(dropped.data)))
	}
}

func (p *Pipeline) flushPrebuffer(cap *capture) {
	if len(cap.prebuffer) == 0 {
		return
	}
	chunks := make([]prebufferedChunk, len(cap.prebuffer))
	copy(chunks, cap.prebuffer)
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].order < chunks[j].order })
	for _, pc := range chunks {
		if _, ok := cap.pendingAudio[pc.order]; ok {
			continue
		}
		if _, ok := cap.orderedAudio[pc.order]; ok {
			continue
		}
		cap.pendingAudio[pc.order] = pc.data
		if !cap.hasNextExpected {
			cap.nextExpected = pc.order
			cap.hasNextExpected = true
		}
	}
	cap.prebuffer = nil
}

// flushPendingAudio promotes contiguous chunks starting at the expected
// order; past the jitter window the smallest pending chunk is promoted even
// over a gap. force promotes everything.
func (p *Pipeline) flushPendingAudio(cap *capture, force bool) {
	if len(cap.pendingAudio) == 0 {
		return
	}
	if force {
		for _, order := range sortedOrders(cap.pendingAudio) {
			cap.orderedAudio[order] = cap.pendingAudio[order]
		}
		cap.pendingAudio = map[int64][]byte{}
		cap.hasNextExpected = false
		return
	}

	if !cap.hasNextExpected {
		cap.nextExpected = minOrder(cap.pendingAudio)
		cap.hasNextExpected = true
	}

	for {
		chunk, ok := cap.pendingAudio[cap.nextExpected]
		if !ok {
			break
		}
		cap.orderedAudio[cap.nextExpected] = chunk
		delete(cap.pendingAudio, cap.nextExpected)
		cap.nextExpected++
	}

	for len(cap.pendingAudio) > p.jitterWindow {
		order := minOrder(cap.pendingAudio)
		cap.orderedAudio[order] = cap.pendingAudio[order]
		delete(cap.pendingAudio, order)
		cap.nextExpected = max(cap.nextExpected, order+1)
		cap.hasNextExpected = true
	}
}

// resolveOrder searches the payload order keys, then the event seq, then a
// local monotonic counter.
func resolveOrder(payload map[string]any, eventSeq int64, cap *capture) int64 {
	for _, key := range []string{"chunk_index", "chunk_idx", "frame_index", "index", "order", "timestamp"} {
		v, ok := payload[key]
		if !ok || v == nil {
			continue
		}
		if n := protocol.ToInt64(v, -1); n >= 0 {
			cap.nextLocalOrder = max(cap.nextLocalOrder, n+1)
			return n
		}
	}
	if eventSeq >= 0 {
		cap.nextLocalOrder = max(cap.nextLocalOrder, eventSeq+1)
		return eventSeq
	}
	order := cap.nextLocalOrder
	cap.nextLocalOrder++
	return order
}

// nextFreeOrder shifts a colliding text piece to the next unused order.
func nextFreeOrder(order int64, cap *capture) int64 {
	next := max(order, cap.nextLocalOrder)
	for {
		if _, ok := cap.orderedText[next]; !ok {
			break
		}
		next++
	}
	cap.nextLocalOrder = max(cap.nextLocalOrder, next+1)
	return next
}

func composeText(cap *capture) string {
	orders := make([]int64, 0, len(cap.orderedText))
	for order := range cap.orderedText {
		orders = append(orders, order)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i] < orders[j] })
	parts := make([]string, 0, len(orders))
	for _, order := range orders {
		if piece := strings.TrimSpace(cap.orderedText[order]); piece != "" {
			parts = append(parts, piece)
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

func audioOrderExists(cap *capture, order int64) bool {
	if _, ok := cap.orderedAudio[order]; ok {
		return true
	}
	if _, ok := cap.pendingAudio[order]; ok {
		return true
	}
	for _, pc := range cap.prebuffer {
		if pc.order == order {
			return true
		}
	}
	return false
}

// resolveSpeechFlag reads the VAD hint; nil means the source gave none. A
// text-bearing chunk counts as speech.
func resolveSpeechFlag(payload map[string]any) *bool {
	for _, key := range []string{"is_speech", "speech", "vad_speech", "vad", "voice"} {
		if v, ok := payload[key]; ok {
			return toBool(v)
		}
	}
	if strings.TrimSpace(firstString(payload, "text", "transcript")) != "" {
		t := true
		return &t
	}
	return nil
}

func toBool(v any) *bool {
	switch b := v.(type) {
	case nil:
		return nil
	case bool:
		return &b
	case float64:
		if b == 1 {
			t := true
			return &t
		}
		if b == 0 {
			f := false
			return &f
		}
		return nil
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "1", "true", "yes", "on", "speech", "voice":
			t := true
			return &t
		case "0", "false", "no", "off", "silence", "noise":
			f := false
			return &f
		}
	}
	return nil
}

func firstString(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := payload[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func sortedOrders(chunks map[int64][]byte) []int64 {
	orders := make([]int64, 0, len(chunks))
	for order := range chunks {
		orders = append(orders, order)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i] < orders[j] })
	return orders
}

func minOrder(chunks map[int64][]byte) int64 {
	first := true
	var min int64
	for order := range chunks {
		if first || order < min {
			min = order
			first = false
		}
	}
	return min
}
