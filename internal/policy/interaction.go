package policy

import (
	"strings"
	"time"
)

// InteractionDecision is the interaction policy outcome for one outbound
// message.
type InteractionDecision struct {
	Text          string   `json:"text"`
	ShouldSpeak   bool     `json:"should_speak"`
	Source        string   `json:"source"`
	RiskLevel     string   `json:"risk_level"`
	Confidence    float64  `json:"confidence"`
	Reason        string   `json:"reason"`
	Flags         []string `json:"flags"`
	PolicyVersion string   `json:"policy_version"`
}

func (d InteractionDecision) Map() map[string]any {
	return map[string]any{
		"text":           d.Text,
		"should_speak":   d.ShouldSpeak,
		"source":         d.Source,
		"risk_level":     d.RiskLevel,
		"confidence":     d.Confidence,
		"reason":         d.Reason,
		"flags":          d.Flags,
		"policy_version": d.PolicyVersion,
	}
}

// InteractionPolicy shapes emotion tone, proactive hints, and silence
// windows for outbound messages. It never blocks high-risk guidance.
type InteractionPolicy struct {
	Enabled                         bool
	EmotionEnabled                  bool
	ProactiveEnabled                bool
	SilentEnabled                   bool
	LowConfidenceThreshold          float64
	HighRiskLevels                  map[string]bool
	ProactiveSources                map[string]bool
	SilentSources                   map[string]bool
	QuietHoursEnabled               bool
	QuietHoursStartHour             int
	QuietHoursEndHour               int
	SuppressLowPriorityInQuietHours bool

	// CurrentHour is replaceable for tests; defaults to the wall clock.
	CurrentHour func() int
}

func NewInteractionPolicy() *InteractionPolicy {
	return &InteractionPolicy{
		Enabled:                         true,
		EmotionEnabled:                  true,
		ProactiveEnabled:                true,
		SilentEnabled:                   true,
		LowConfidenceThreshold:          0.45,
		HighRiskLevels:                  map[string]bool{"P0": true, "P1": true},
		ProactiveSources:                map[string]bool{"vision_reply": true},
		SilentSources:                   map[string]bool{"task_update": true},
		QuietHoursEnabled:               false,
		QuietHoursStartHour:             23,
		QuietHoursEndHour:               7,
		SuppressLowPriorityInQuietHours: true,
		CurrentHour:                     func() int { return time.Now().Hour() },
	}
}

// InteractionInput carries one candidate message through evaluation.
type InteractionInput struct {
	Text       string
	Source     string
	Confidence *float64
	RiskLevel  string
	Context    map[string]any
	Speak      bool
}

// Evaluate applies silence rules first, then emotion prefixes, then
// proactive hint appending.
func (p *InteractionPolicy) Evaluate(in InteractionInput) InteractionDecision {
	out := strings.TrimSpace(in.Text)
	source := strings.TrimSpace(in.Source)
	if source == "" {
		source = "runtime"
	}
	sourceLower := strings.ToLower(source)
	conf := 1.0
	if in.Confidence != nil {
		conf = clampConfidence(*in.Confidence)
	}
	risk := normalizeRisk(in.RiskLevel, "P3")
	ctx := in.Context
	if ctx == nil {
		ctx = map[string]any{}
	}
	shouldSpeak := in.Speak
	reason := "ok"
	flags := []string{}

	if !p.Enabled {
		return InteractionDecision{
			Text: out, ShouldSpeak: shouldSpeak, Source: source,
			RiskLevel: risk, Confidence: conf, Reason: "disabled",
			Flags: flags, PolicyVersion: "v1.0",
		}
	}

	if p.SilentEnabled && shouldSpeak {
		priority := strings.ToLower(strings.TrimSpace(stringField(ctx, "priority")))
		switch {
		case p.SilentSources[sourceLower] && priority == "low":
			shouldSpeak = false
			reason = "silent_low_priority"
			flags = append(flags, "silent_low_priority")
		case p.QuietHoursEnabled && p.SuppressLowPriorityInQuietHours &&
			p.inQuietHours() && p.SilentSources[sourceLower] &&
			(priority == "" || priority == "low" || priority == "normal") &&
			!p.HighRiskLevels[risk]:
			shouldSpeak = false
			reason = "silent_quiet_hours"
			flags = append(flags, "silent_quiet_hours")
		}
	}

	if out != "" && p.EmotionEnabled {
		if p.HighRiskLevels[risk] &&
			!startsWithAny(out, []string{"注意", "小心", "请先停", "warning", "caution"}) {
			out = "请先停下，注意安全。" + out
			flags = append(flags, "emotion_high_risk_prefix")
		} else if conf < p.LowConfidenceThreshold &&
			!startsWithAny(out, []string{"我不太确定", "不太确定", "i may be wrong", "not fully sure"}) {
			out = "我不太确定，建议先确认周边环境。" + out
			flags = append(flags, "emotion_low_confidence_prefix")
		}
	}

	if out != "" && p.ProactiveEnabled && p.ProactiveSources[sourceLower] {
		hint := strings.TrimSpace(stringField(ctx, "proactive_hint"))
		if hint != "" {
			out = out + " " + shorten(hint, 72)
			flags = append(flags, "proactive_hint_appended")
		}
	}

	return InteractionDecision{
		Text: out, ShouldSpeak: shouldSpeak, Source: source,
		RiskLevel: risk, Confidence: conf, Reason: reason,
		Flags: flags, PolicyVersion: "v1.0",
	}
}

func (p *InteractionPolicy) inQuietHours() bool {
	start := ((p.QuietHoursStartHour % 24) + 24) % 24
	end := ((p.QuietHoursEndHour % 24) + 24) % 24
	hour := p.CurrentHour() % 24
	if start == end {
		return true
	}
	if start < end {
		return start <= hour && hour < end
	}
	return hour >= start || hour < end
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
