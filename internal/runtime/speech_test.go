package runtime

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/iflabx/opencane-gateway/internal/policy"
	"github.com/iflabx/opencane-gateway/internal/protocol"
	"github.com/iflabx/opencane-gateway/internal/session"
)

func (e *testEnv) startVoiceTurn(t *testing.T, chunks ...string) {
	t.Helper()
	e.handle(event(protocol.EventHello, 1, nil))
	e.wait()
	e.handle(event(protocol.EventListenStart, 2, nil))
	for i, text := range chunks {
		e.handle(event(protocol.EventAudioChunk, int64(3+i), map[string]any{
			"chunk_index": i + 1,
			"text":        text,
		}))
		e.clock += 2_000
	}
	e.mock.Reset()
}

func TestVoiceTurnAgentReply(t *testing.T) {
	e := newTestEnv(t, nil)
	e.agent.reply = "前方畅通，可以直行。"
	e.startVoiceTurn(t, "前方", "能走吗")

	e.handle(event(protocol.EventListenStop, 5, nil))
	e.wait()

	cmds := e.mock.PendingCommands()
	finals := commandsOfType(cmds, protocol.CommandSTTFinal)
	if len(finals) != 1 || finals[0].Payload["text"] != "前方 能走吗" {
		t.Fatalf("stt_final = %v", finals)
	}
	starts := commandsOfType(cmds, protocol.CommandTTSStart)
	if len(starts) != 1 || starts[0].Payload["text"] != "前方畅通，可以直行。" {
		t.Fatalf("tts_start = %v", starts)
	}
	if len(commandsOfType(cmds, protocol.CommandTTSChunk)) != 1 {
		t.Error("expected a single tts_chunk")
	}
	stops := commandsOfType(cmds, protocol.CommandTTSStop)
	if len(stops) != 1 || stops[0].Payload["aborted"] != false {
		t.Fatalf("tts_stop = %v", stops)
	}

	e.agent.mu.Lock()
	req := e.agent.requests[0]
	e.agent.mu.Unlock()
	if req.SessionKey != "hardware:cane-01:sess-1" || req.Channel != "hardware" {
		t.Errorf("agent request = %+v", req)
	}
	if req.Transcript != "前方 能走吗" {
		t.Errorf("transcript = %q", req.Transcript)
	}

	rec, _ := e.core.sessions.Get("cane-01", "sess-1")
	if rec.State != string(session.StateReady) {
		t.Errorf("state after turn = %q", rec.State)
	}
	turns := e.lifelog.eventsOfType("voice_turn")
	if len(turns) != 1 || turns[0].Payload["success"] != true {
		t.Errorf("voice_turn lifelog = %+v", turns)
	}
}

func TestVoiceTurnLongReplyChunked(t *testing.T) {
	e := newTestEnv(t, nil)
	e.agent.reply = strings.Repeat("a", 500)
	e.startVoiceTurn(t, "hello")

	e.handle(event(protocol.EventListenStop, 4, nil))
	e.wait()

	cmds := e.mock.PendingCommands()
	starts := commandsOfType(cmds, protocol.CommandTTSStart)
	if len(starts) != 1 {
		t.Fatalf("tts_start count = %d", len(starts))
	}
	if preview, _ := starts[0].Payload["text"].(string); len([]rune(preview)) != 80 {
		t.Errorf("preview length = %d", len([]rune(preview)))
	}
	chunks := commandsOfType(cmds, protocol.CommandTTSChunk)
	if len(chunks) != 3 {
		t.Fatalf("tts_chunk count = %d, want 3", len(chunks))
	}
	var rebuilt strings.Builder
	for _, ch := range chunks {
		rebuilt.WriteString(ch.Payload["text"].(string))
	}
	if rebuilt.String() != e.agent.reply {
		t.Error("chunks do not reassemble the reply")
	}
}

func TestVoiceTurnEmptyTranscriptApology(t *testing.T) {
	e := newTestEnv(t, nil)
	e.handle(event(protocol.EventHello, 1, nil))
	e.wait()
	e.handle(event(protocol.EventListenStart, 2, nil))
	e.mock.Reset()

	e.handle(event(protocol.EventListenStop, 3, nil))
	e.wait()

	starts := commandsOfType(e.mock.PendingCommands(), protocol.CommandTTSStart)
	if len(starts) != 1 || starts[0].Payload["text"] != apologyText {
		t.Fatalf("tts_start = %v", starts)
	}
	turns := e.lifelog.eventsOfType("voice_turn")
	if len(turns) != 1 || turns[0].Payload["success"] != false || turns[0].RiskLevel != "P2" {
		t.Errorf("voice_turn lifelog = %+v", turns)
	}
	e.agent.mu.Lock()
	calls := len(e.agent.requests)
	e.agent.mu.Unlock()
	if calls != 0 {
		t.Error("agent called on empty transcript")
	}
}

func TestVoiceTurnAgentErrorFallsBack(t *testing.T) {
	e := newTestEnv(t, nil)
	e.agent.reply = ""
	e.agent.err = errors.New("upstream timeout")
	e.startVoiceTurn(t, "what is ahead")

	e.handle(event(protocol.EventListenStop, 4, nil))
	e.wait()

	// Empty reply after an agent failure produces no speech, just a stop.
	cmds := e.mock.PendingCommands()
	if n := len(commandsOfType(cmds, protocol.CommandTTSStart)); n != 0 {
		t.Errorf("tts_start count = %d", n)
	}
	if n := len(commandsOfType(cmds, protocol.CommandTTSStop)); n != 1 {
		t.Errorf("tts_stop count = %d", n)
	}
	rec, _ := e.core.sessions.Get("cane-01", "sess-1")
	if rec.State != string(session.StateReady) {
		t.Errorf("state = %q", rec.State)
	}
}

func TestBargeIn(t *testing.T) {
	e := newTestEnv(t, nil)
	e.handle(event(protocol.EventHello, 1, nil))
	e.wait()
	e.core.sessions.UpdateState("cane-01", "sess-1", session.StateSpeaking)
	e.mock.Reset()

	e.handle(event(protocol.EventListenStart, 2, nil))

	stops := commandsOfType(e.mock.PendingCommands(), protocol.CommandTTSStop)
	if len(stops) != 1 {
		t.Fatalf("tts_stop count = %d", len(stops))
	}
	if stops[0].Payload["aborted"] != true || stops[0].Payload["reason"] != "barge_in" {
		t.Errorf("tts_stop payload = %v", stops[0].Payload)
	}
	if len(e.lifelog.eventsOfType("voice_interrupt")) != 1 {
		t.Error("voice_interrupt lifelog event missing")
	}
	rec, _ := e.core.sessions.Get("cane-01", "sess-1")
	if rec.State != string(session.StateListening) {
		t.Errorf("state = %q", rec.State)
	}
}

func TestSTTPartialThrottle(t *testing.T) {
	e := newTestEnv(t, nil)
	e.handle(event(protocol.EventHello, 1, nil))
	e.wait()
	e.handle(event(protocol.EventListenStart, 2, nil))
	e.mock.Reset()

	emit := func(text string) {
		e.core.maybeEmitSTTPartial("cane-01", "sess-1", text, "t")
	}
	emit("你好")
	emit("你好") // identical within window, suppressed
	e.clock += 100
	emit("你好吗") // grew by one rune within 250ms, suppressed
	e.clock += 300
	emit("你好吗今") // growth window elapsed, emitted
	e.clock += 2_000
	emit("你好吗今") // identical but window elapsed, emitted

	partials := commandsOfType(e.mock.PendingCommands(), protocol.CommandSTTPartial)
	if len(partials) != 3 {
		t.Fatalf("stt_partial count = %d, want 3", len(partials))
	}
	want := []string{"你好", "你好吗今", "你好吗今"}
	for i, p := range partials {
		if p.Payload["text"] != want[i] {
			t.Errorf("partial[%d] = %v, want %q", i, p.Payload["text"], want[i])
		}
	}
}

func TestDigitalTaskRouting(t *testing.T) {
	e := newTestEnv(t, nil)
	e.startVoiceTurn(t, "帮我预约明天的挂号")

	e.handle(event(protocol.EventListenStop, 4, nil))
	e.wait()

	e.tasks.mu.Lock()
	executed := e.tasks.executed
	e.tasks.mu.Unlock()
	if len(executed) != 1 {
		t.Fatalf("task executions = %d", len(executed))
	}
	payload := executed[0]
	if payload["goal"] != "帮我预约明天的挂号" || payload["device_id"] != "cane-01" {
		t.Errorf("execute payload = %v", payload)
	}
	if payload["source"] != "voice_intent" || payload["interrupt_previous"] != true {
		t.Errorf("execute payload = %v", payload)
	}
	e.agent.mu.Lock()
	agentCalls := len(e.agent.requests)
	e.agent.mu.Unlock()
	if agentCalls != 0 {
		t.Error("agent called for digital-task transcript")
	}
	turns := e.lifelog.eventsOfType("digital_task_turn")
	if len(turns) != 1 {
		t.Errorf("digital_task_turn lifelog = %+v", turns)
	}
}

func TestDigitalTaskFailureSpoken(t *testing.T) {
	e := newTestEnv(t, nil)
	e.tasks.execResult = map[string]any{"success": false, "error": "任务服务不可用"}
	e.startVoiceTurn(t, "帮我订一张火车票")

	e.handle(event(protocol.EventListenStop, 4, nil))
	e.wait()

	starts := commandsOfType(e.mock.PendingCommands(), protocol.CommandTTSStart)
	if len(starts) != 1 || starts[0].Payload["text"] != "任务服务不可用。" {
		t.Fatalf("tts_start = %v", starts)
	}
}

func TestSafetyDowngrade(t *testing.T) {
	e := newTestEnv(t, func(o *Options) { o.Safety = policy.NewSafetyPolicy() })
	e.agent.reply = "前面有楼梯，直行过去就行。"
	e.startVoiceTurn(t, "前面能走吗")

	e.handle(event(protocol.EventListenStop, 4, nil))
	e.wait()

	starts := commandsOfType(e.mock.PendingCommands(), protocol.CommandTTSStart)
	if len(starts) != 1 {
		t.Fatalf("tts_start count = %d", len(starts))
	}
	spoken, _ := starts[0].Payload["text"].(string)
	if spoken == e.agent.reply {
		t.Error("risky directional reply was not downgraded")
	}
	logged := e.lifelog.eventsOfType("safety_policy")
	if len(logged) != 1 || logged[0].Payload["downgraded"] != true {
		t.Errorf("safety_policy lifelog = %+v", logged)
	}
}

func TestInteractionPolicySilence(t *testing.T) {
	e := newTestEnv(t, func(o *Options) { o.Interaction = policy.NewInteractionPolicy() })
	e.handle(event(protocol.EventHello, 1, nil))
	e.wait()
	e.mock.Reset()

	ok := e.core.PushTaskUpdate(context.Background(), TaskUpdate{
		DeviceID:  "cane-01",
		SessionID: "sess-1",
		TaskID:    "task-7",
		Status:    "running",
		Message:   "任务进行中。",
		Extra:     map[string]any{"priority": "low"},
		Speak:     true,
	})
	if !ok {
		t.Fatal("push rejected")
	}

	cmds := e.mock.PendingCommands()
	if n := len(commandsOfType(cmds, protocol.CommandTaskUpdate)); n != 1 {
		t.Fatalf("task_update count = %d", n)
	}
	if n := len(commandsOfType(cmds, protocol.CommandTTSStart)); n != 0 {
		t.Errorf("tts_start count = %d, want silence", n)
	}
	stops := commandsOfType(cmds, protocol.CommandTTSStop)
	if len(stops) != 1 || stops[0].Payload["reason"] != "interaction_policy_silent" {
		t.Errorf("tts_stop = %v", stops)
	}
}

func TestServerAudioTTS(t *testing.T) {
	audio := []byte("fake-opus-bytes")
	e := newTestEnv(t, func(o *Options) {
		o.TTSMode = "server_audio"
		o.Synthesizer = &fakeSynth{audio: SynthesizedAudio{
			Audio:        audio,
			Encoding:     "opus",
			SampleRateHz: 16000,
		}}
	})
	e.agent.reply = "已为你规划路线。"
	e.startVoiceTurn(t, "去医院怎么走")

	e.handle(event(protocol.EventListenStop, 4, nil))
	e.wait()

	cmds := e.mock.PendingCommands()
	starts := commandsOfType(cmds, protocol.CommandTTSStart)
	if len(starts) != 1 || starts[0].Payload["mode"] != "server_audio" || starts[0].Payload["encoding"] != "opus" {
		t.Fatalf("tts_start = %v", starts)
	}
	chunks := commandsOfType(cmds, protocol.CommandTTSChunk)
	if len(chunks) != 1 {
		t.Fatalf("tts_chunk count = %d", len(chunks))
	}
	decoded, err := base64.StdEncoding.DecodeString(chunks[0].Payload["audio_b64"].(string))
	if err != nil || string(decoded) != string(audio) {
		t.Errorf("audio_b64 round trip failed: %v", err)
	}
	if chunks[0].Payload["sample_rate_hz"] != 16000 {
		t.Errorf("sample_rate_hz = %v", chunks[0].Payload["sample_rate_hz"])
	}
}

func TestServerAudioFallsBackToText(t *testing.T) {
	e := newTestEnv(t, func(o *Options) {
		o.TTSMode = "server_audio"
		o.Synthesizer = &fakeSynth{err: errors.New("synth down")}
	})
	e.agent.reply = "好的，我在。"
	e.startVoiceTurn(t, "hello")

	e.handle(event(protocol.EventListenStop, 4, nil))
	e.wait()

	starts := commandsOfType(e.mock.PendingCommands(), protocol.CommandTTSStart)
	if len(starts) != 1 {
		t.Fatalf("tts_start count = %d", len(starts))
	}
	if _, hasMode := starts[0].Payload["mode"]; hasMode {
		t.Errorf("expected device_text fallback, got %v", starts[0].Payload)
	}
}

func TestImageReady(t *testing.T) {
	t.Run("no_vision_service", func(t *testing.T) {
		e := newTestEnv(t, nil)
		e.handle(event(protocol.EventHello, 1, nil))
		e.wait()
		e.mock.Reset()

		e.handle(event(protocol.EventImageReady, 2, map[string]any{"image_b64": "aGk="}))
		e.wait()

		starts := commandsOfType(e.mock.PendingCommands(), protocol.CommandTTSStart)
		if len(starts) != 1 || starts[0].Payload["text"] != "Vision service is not available." {
			t.Fatalf("tts_start = %v", starts)
		}
		turns := e.lifelog.eventsOfType("image_turn")
		if len(turns) != 1 || turns[0].Payload["success"] != false {
			t.Errorf("image_turn lifelog = %+v", turns)
		}
	})

	t.Run("vision_result_spoken", func(t *testing.T) {
		e := newTestEnv(t, func(o *Options) {
			o.Vision = &fakeVision{result: map[string]any{
				"result":     "前方三米有台阶，建议靠右。",
				"confidence": 0.92,
				"risk_level": "P1",
				"success":    true,
			}}
		})
		e.handle(event(protocol.EventHello, 1, nil))
		e.wait()
		e.mock.Reset()

		e.handle(event(protocol.EventImageReady, 2, map[string]any{"image_b64": "aGk="}))
		e.wait()

		starts := commandsOfType(e.mock.PendingCommands(), protocol.CommandTTSStart)
		if len(starts) != 1 || starts[0].Payload["text"] != "前方三米有台阶，建议靠右。" {
			t.Fatalf("tts_start = %v", starts)
		}
		turns := e.lifelog.eventsOfType("image_turn")
		if len(turns) != 1 || turns[0].RiskLevel != "P1" {
			t.Errorf("image_turn lifelog = %+v", turns)
		}
	})
}
