package runtime

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/iflabx/opencane-gateway/internal/metrics"
	"github.com/iflabx/opencane-gateway/internal/policy"
	"github.com/iflabx/opencane-gateway/internal/protocol"
	"github.com/iflabx/opencane-gateway/internal/session"
)

// apologyText is spoken when a capture finalizes to an empty transcript.
const apologyText = "I could not understand the audio. Please try again."

// ttsOpts carries the provenance of one outbound utterance through the
// safety and interaction policies.
type ttsOpts struct {
	trace       string
	source      string
	confidence  float64
	risk        string
	context     map[string]any
	applySafety bool
}

func (c *Core) processListenStop(ctx context.Context, deviceID, sessionID string, payload map[string]any, trace string) {
	c.clearPartial(deviceID, sessionID)
	turnStarted := c.now()
	sttStarted := c.now()
	transcript := c.audio.FinalizeCapture(ctx, deviceID, sessionID, payload)
	sttLatency := maxInt64(0, c.now()-sttStarted)

	if transcript == "" {
		c.sendTTSText(ctx, deviceID, sessionID, apologyText, ttsOpts{
			trace: trace, source: "stt_error", confidence: 1.0, risk: "P2",
			context: map[string]any{"stage": "listen_stop"}, applySafety: true,
		})
		c.sessions.UpdateState(deviceID, sessionID, session.StateReady)
		total := maxInt64(0, c.now()-turnStarted)
		c.recordVoiceTurn(false, total, sttLatency, 0)
		c.recordLifelog(sessionID, "voice_turn", map[string]any{
			"trace_id":         trace,
			"transcript":       "",
			"response":         "",
			"success":          false,
			"stt_latency_ms":   sttLatency,
			"agent_latency_ms": int64(0),
			"total_latency_ms": total,
		}, "P2", 0)
		return
	}

	c.sendSessionCommand(deviceID, sessionID, protocol.CommandSTTFinal,
		map[string]any{"text": transcript}, trace)

	if shouldRouteToDigitalTask(transcript, payload) {
		if c.routeDigitalTask(ctx, deviceID, sessionID, transcript, trace) {
			c.sessions.UpdateState(deviceID, sessionID, session.StateReady)
			total := maxInt64(0, c.now()-turnStarted)
			c.recordVoiceTurn(true, total, sttLatency, 0)
			c.recordLifelog(sessionID, "digital_task_turn", map[string]any{
				"trace_id":         trace,
				"transcript":       transcript,
				"routed":           true,
				"stt_latency_ms":   sttLatency,
				"agent_latency_ms": int64(0),
				"total_latency_ms": total,
			}, "P3", 0.8)
			return
		}
	}

	allow, deny, policyCtx := c.resolveToolPolicy(ctx, deviceID)
	runtimeCtx := c.buildRuntimeContext(deviceID, sessionID, trace, transcript, policyCtx)
	agentStarted := c.now()
	response := ""
	if c.agent != nil {
		reply, err := c.agent.ProcessDirect(ctx, AgentRequest{
			Transcript:     transcript,
			SessionKey:     "hardware:" + deviceID + ":" + sessionID,
			Channel:        "hardware",
			ChatID:         deviceID,
			AllowedTools:   allow,
			BlockedTools:   deny,
			RuntimeContext: runtimeCtx,
		})
		if err != nil {
			c.log.Warn().Err(err).Str("device_id", deviceID).Msg("agent process failed")
		} else {
			response = reply
		}
	}
	agentLatency := maxInt64(0, c.now()-agentStarted)

	c.sendTTSText(ctx, deviceID, sessionID, response, ttsOpts{
		trace: trace, source: "agent_reply", confidence: 0.75, risk: "P3",
		context: map[string]any{"transcript": transcript}, applySafety: true,
	})
	c.sessions.UpdateState(deviceID, sessionID, session.StateReady)
	total := maxInt64(0, c.now()-turnStarted)
	c.recordVoiceTurn(true, total, sttLatency, agentLatency)
	c.recordLifelog(sessionID, "voice_turn", map[string]any{
		"trace_id":         trace,
		"transcript":       transcript,
		"response":         shorten(response, 1000),
		"success":          true,
		"stt_latency_ms":   sttLatency,
		"agent_latency_ms": agentLatency,
		"total_latency_ms": total,
	}, "P3", 0.7)
}

func (c *Core) processImageReady(ctx context.Context, deviceID, sessionID string, payload map[string]any, trace string) {
	question := firstPayloadString(payload, "question", "prompt")
	if c.vision == nil {
		c.sendTTSText(ctx, deviceID, sessionID, "Vision service is not available.", ttsOpts{
			trace: trace, source: "vision_reply", confidence: 1.0, risk: "P2",
			context: map[string]any{"reason": "vision unavailable"}, applySafety: true,
		})
		c.sessions.UpdateState(deviceID, sessionID, session.StateReady)
		c.recordLifelog(sessionID, "image_turn", map[string]any{
			"trace_id": trace,
			"success":  false,
			"reason":   "vision unavailable",
		}, "P2", 0)
		return
	}

	result, err := c.vision.AnalyzePayload(ctx, payload)
	if err != nil {
		c.log.Warn().Err(err).Str("device_id", deviceID).Msg("vision analyze failed")
		result = nil
	}
	answer := ""
	visionConfidence := 0.7
	visionRisk := "P2"
	visionSuccess := err == nil
	if result != nil {
		if text, ok := result["result"].(string); ok {
			answer = text
		}
		if conf, ok := toFloatValue(result["confidence"]); ok {
			visionConfidence = conf
		}
		if risk, ok := result["risk_level"].(string); ok && risk != "" {
			visionRisk = risk
		}
		if v, ok := toBoolValue(result["success"]); ok {
			visionSuccess = v
		}
	}
	if answer == "" {
		answer = "I could not analyze the image."
	}
	c.sendTTSText(ctx, deviceID, sessionID, answer, ttsOpts{
		trace: trace, source: "vision_reply", confidence: visionConfidence, risk: visionRisk,
		context: map[string]any{
			"question":       question,
			"vision_success": visionSuccess,
			"proactive_hint": "如需，我可以继续补充左右障碍与可通行方向。",
		},
		applySafety: true,
	})
	c.sessions.UpdateState(deviceID, sessionID, session.StateReady)
	c.recordLifelog(sessionID, "image_turn", map[string]any{
		"trace_id": trace,
		"question": question,
		"result":   shorten(answer, 1000),
		"success":  answer != "",
	}, visionRisk, visionConfidence)
}

// sendTTSText runs text through safety and interaction, then speaks it in
// the configured TTS mode. Empty output turns into a bare tts_stop.
func (c *Core) sendTTSText(ctx context.Context, deviceID, sessionID, text string, opts ttsOpts) {
	text = trimText(text)
	if text != "" && opts.applySafety {
		text = c.applySafetyPolicy(deviceID, sessionID, text, opts)
	}
	if text != "" {
		speakable, shouldSpeak := c.applyInteractionPolicy(deviceID, sessionID, text, opts)
		text = speakable
		if !shouldSpeak {
			c.sessions.UpdateState(deviceID, sessionID, session.StateReady)
			c.sendTTSStop(deviceID, sessionID, false, "interaction_policy_silent", opts.trace)
			return
		}
	}
	if text == "" {
		c.sendTTSStop(deviceID, sessionID, false, "", opts.trace)
		return
	}
	if c.ttsMode == "server_audio" {
		if c.sendTTSAudio(ctx, deviceID, sessionID, text, opts.trace) {
			return
		}
	}

	c.sessions.UpdateState(deviceID, sessionID, session.StateSpeaking)
	c.sendSessionCommand(deviceID, sessionID, protocol.CommandTTSStart,
		map[string]any{"text": shortenHard(text, 80)}, opts.trace)
	for _, chunk := range chunkRunes(text, 220) {
		c.sendSessionCommand(deviceID, sessionID, protocol.CommandTTSChunk,
			map[string]any{"text": chunk}, opts.trace)
	}
	c.sendTTSStop(deviceID, sessionID, false, "", opts.trace)
}

func (c *Core) sendTTSAudio(ctx context.Context, deviceID, sessionID, text, trace string) bool {
	if c.synth == nil {
		c.log.Warn().Msg("server_audio requested but no synthesizer configured")
		return false
	}
	audio, err := c.synth.Synthesize(ctx, text)
	if err != nil {
		c.log.Warn().Err(err).Msg("server_audio synthesize failed")
		return false
	}
	if len(audio.Audio) == 0 {
		return false
	}
	encoding := audio.Encoding
	if encoding == "" {
		encoding = "wav"
	}

	c.sessions.UpdateState(deviceID, sessionID, session.StateSpeaking)
	c.sendSessionCommand(deviceID, sessionID, protocol.CommandTTSStart, map[string]any{
		"text":     shortenHard(text, 80),
		"mode":     "server_audio",
		"encoding": encoding,
	}, trace)
	for _, chunk := range chunkBytes(audio.Audio, c.ttsAudioChunkBytes) {
		payload := map[string]any{
			"audio_b64": base64.StdEncoding.EncodeToString(chunk),
			"encoding":  encoding,
		}
		if audio.SampleRateHz > 0 {
			payload["sample_rate_hz"] = audio.SampleRateHz
		}
		c.sendSessionCommand(deviceID, sessionID, protocol.CommandTTSChunk, payload, trace)
	}
	c.sendTTSStop(deviceID, sessionID, false, "", trace)
	return true
}

func (c *Core) sendTTSStop(deviceID, sessionID string, aborted bool, reason, trace string) {
	payload := map[string]any{"aborted": aborted}
	if reason != "" {
		payload["reason"] = reason
	}
	c.sendSessionCommand(deviceID, sessionID, protocol.CommandTTSStop, payload, trace)
}

func (c *Core) applySafetyPolicy(deviceID, sessionID, text string, opts ttsOpts) string {
	if c.safety == nil {
		return text
	}
	conf := opts.confidence
	decision := c.safety.Evaluate(policy.SafetyInput{
		Text:       text,
		Source:     opts.source,
		Confidence: &conf,
		RiskLevel:  opts.risk,
		Context:    opts.context,
	})
	metrics.SafetyApplied.Inc()
	c.bumpStats(func(s *runtimeStats) { s.safetyApplied++ })
	if decision.Downgraded {
		metrics.SafetyDowngraded.Inc()
		c.bumpStats(func(s *runtimeStats) { s.safetyDowngrade++ })
	}
	out := trimText(decision.Text)
	if out == "" {
		out = text
	}
	c.recordLifelog(sessionID, "safety_policy", map[string]any{
		"trace_id":          opts.trace,
		"source":            opts.source,
		"reason":            decision.Reason,
		"flags":             decision.Flags,
		"policy_version":    decision.PolicyVersion,
		"rule_ids":          decision.RuleIDs,
		"evidence":          decision.Evidence,
		"input_text":        shorten(text, 300),
		"output_text":       shorten(out, 300),
		"input_risk_level":  opts.risk,
		"output_risk_level": decision.RiskLevel,
		"downgraded":        decision.Downgraded,
		"context":           opts.context,
	}, decision.RiskLevel, decision.Confidence)
	return out
}

func (c *Core) applyInteractionPolicy(deviceID, sessionID, text string, opts ttsOpts) (string, bool) {
	if c.interaction == nil {
		return text, true
	}
	conf := opts.confidence
	decision := c.interaction.Evaluate(policy.InteractionInput{
		Text:       text,
		Source:     opts.source,
		Confidence: &conf,
		RiskLevel:  opts.risk,
		Context:    opts.context,
		Speak:      true,
	})
	c.bumpStats(func(s *runtimeStats) { s.interApplied++ })
	if !decision.ShouldSpeak {
		c.bumpStats(func(s *runtimeStats) { s.interSuppressed++ })
	}
	out := trimText(decision.Text)
	if out == "" {
		out = text
	}
	c.recordLifelog(sessionID, "interaction_policy", map[string]any{
		"trace_id":       opts.trace,
		"source":         opts.source,
		"reason":         decision.Reason,
		"flags":          decision.Flags,
		"policy_version": decision.PolicyVersion,
		"input_text":     shorten(text, 300),
		"output_text":    shorten(out, 300),
		"should_speak":   decision.ShouldSpeak,
		"risk_level":     decision.RiskLevel,
		"context":        opts.context,
	}, decision.RiskLevel, decision.Confidence)
	return out, decision.ShouldSpeak
}

// maybeEmitSTTPartial throttles stt_partial commands: identical text within
// 1s and sub-3-char prefix growth within 250ms are suppressed.
func (c *Core) maybeEmitSTTPartial(deviceID, sessionID, partial, trace string) {
	text := trimText(partial)
	if text == "" {
		return
	}
	key := sessionRef{deviceID, sessionID}
	nowMs := c.now()

	c.partialMu.Lock()
	last, seen := c.sttPartial[key]
	if seen {
		if text == last.text && nowMs-last.ts < 1000 {
			c.partialMu.Unlock()
			return
		}
		growth := len([]rune(text)) - len([]rune(last.text))
		if growth >= 0 && growth < 3 && nowMs-last.ts < 250 &&
			strings.HasPrefix(text, last.text) {
			c.partialMu.Unlock()
			return
		}
	}
	c.sttPartial[key] = partialState{text: text, ts: nowMs}
	c.partialMu.Unlock()

	c.sendSessionCommand(deviceID, sessionID, protocol.CommandSTTPartial,
		map[string]any{"text": text}, trace)
}

func (c *Core) clearPartial(deviceID, sessionID string) {
	c.partialMu.Lock()
	delete(c.sttPartial, sessionRef{deviceID, sessionID})
	c.partialMu.Unlock()
}

func (c *Core) recordVoiceTurn(success bool, totalMs, sttMs, agentMs int64) {
	metrics.VoiceTurnTotal.Inc()
	if !success {
		metrics.VoiceTurnFailed.Inc()
	}
	metrics.VoiceTurnDuration.Observe(float64(totalMs) / 1000.0)
	c.bumpStats(func(s *runtimeStats) {
		s.voiceTurns++
		if !success {
			s.voiceFailures++
		}
		s.totalLatencyMs += totalMs
		s.sttLatencyMs += sttMs
		s.agentLatencyMs += agentMs
	})
}
