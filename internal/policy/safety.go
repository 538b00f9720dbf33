// Package policy holds the rule engines that gate outbound speech: the
// safety policy downgrades or prefixes risky guidance, and the interaction
// policy shapes tone, proactive hints, and silence.
package policy

import (
	"strings"
)

// Risk levels ordered from most to least severe.
var riskOrder = map[string]int{
	"P0": 0,
	"P1": 1,
	"P2": 2,
	"P3": 3,
}

var p0Keywords = []string{
	"车流", "来车", "机动车", "高速", "火灾", "煤气", "触电", "深坑", "坠落",
	"gas leak", "fire",
}

var p1Keywords = []string{
	"楼梯", "台阶", "路口", "斑马线", "施工", "障碍", "人群", "路沿",
	"stairs", "crosswalk", "intersection",
}

var p2Keywords = []string{
	"可能", "不确定", "模糊", "大概",
	"perhaps", "uncertain", "maybe",
}

var directionalKeywords = []string{
	"向前", "前进", "直行", "左转", "右转",
	"go straight", "turn left", "turn right",
}

var cautionPrefixes = []string{
	"注意", "小心", "请先停", "先停", "请立即停", "caution", "warning",
}

// SafetyDecision is the outcome for one outbound text.
type SafetyDecision struct {
	Text          string         `json:"text"`
	Source        string         `json:"source"`
	RiskLevel     string         `json:"risk_level"`
	Confidence    float64        `json:"confidence"`
	Downgraded    bool           `json:"downgraded"`
	Reason        string         `json:"reason"`
	Flags         []string       `json:"flags"`
	PolicyVersion string         `json:"policy_version"`
	RuleIDs       []string       `json:"rule_ids"`
	Evidence      map[string]any `json:"evidence"`
}

func (d SafetyDecision) Map() map[string]any {
	return map[string]any{
		"text":           d.Text,
		"source":         d.Source,
		"risk_level":     d.RiskLevel,
		"confidence":     d.Confidence,
		"downgraded":     d.Downgraded,
		"reason":         d.Reason,
		"flags":          d.Flags,
		"policy_version": d.PolicyVersion,
		"rule_ids":       d.RuleIDs,
		"evidence":       d.Evidence,
	}
}

// SafetyPolicy applies conservative rewrite rules before text reaches TTS.
type SafetyPolicy struct {
	Enabled                        bool
	LowConfidenceThreshold         float64
	MaxOutputChars                 int
	PrependCautionForRisk          bool
	SemanticGuardEnabled           bool
	DirectionalConfidenceThreshold float64
}

func NewSafetyPolicy() *SafetyPolicy {
	return &SafetyPolicy{
		Enabled:                        true,
		LowConfidenceThreshold:         0.55,
		MaxOutputChars:                 320,
		PrependCautionForRisk:          true,
		SemanticGuardEnabled:           true,
		DirectionalConfidenceThreshold: 0.85,
	}
}

// SafetyInput carries one candidate output through evaluation.
type SafetyInput struct {
	Text       string
	Source     string
	Confidence *float64
	RiskLevel  string
	Context    map[string]any
}

// Evaluate applies the rule ladder: empty-output fallback, low-confidence
// downgrade, caution prefix for P0/P1, semantic guards, then truncation.
func (p *SafetyPolicy) Evaluate(in SafetyInput) SafetyDecision {
	raw := strings.TrimSpace(in.Text)
	out := raw
	source := strings.TrimSpace(in.Source)
	if source == "" {
		source = "runtime"
	}
	conf := 1.0
	if in.Confidence != nil {
		conf = clampConfidence(*in.Confidence)
	}
	inputRisk := normalizeRisk(in.RiskLevel, "P3")
	inferred := p.inferRisk(raw, in.Context)
	risk := higherRisk(inputRisk, inferred)

	flags := []string{}
	ruleIDs := []string{}
	downgraded := false
	reason := "ok"
	evidence := map[string]any{
		"input_risk_level":    inputRisk,
		"inferred_risk_level": inferred,
		"directional":         containsAnyKeyword(raw, directionalKeywords),
		"conflict_direction":  hasConflictingDirections(raw),
	}

	if out == "" {
		out = fallbackMessage(risk)
		flags = append(flags, "empty_output")
		ruleIDs = append(ruleIDs, "empty_output")
		downgraded = true
		reason = "empty_output"
	}

	if p.Enabled {
		if conf < p.LowConfidenceThreshold {
			out = fallbackMessage(risk)
			flags = append(flags, "low_confidence")
			ruleIDs = append(ruleIDs, "low_confidence")
			downgraded = true
			reason = "low_confidence"
		} else if p.PrependCautionForRisk && (risk == "P0" || risk == "P1") &&
			out != "" && !hasCautionPrefix(out) {
			out = "注意安全。" + out
			flags = append(flags, "caution_prefix_added")
			ruleIDs = append(ruleIDs, "caution_prefix_added")
		}

		if p.SemanticGuardEnabled && !downgraded {
			switch {
			case hasConflictingDirections(out):
				out = fallbackMessage(risk)
				flags = append(flags, "semantic_guard_conflict")
				ruleIDs = append(ruleIDs, "semantic_guard_conflict")
				downgraded = true
				reason = "semantic_guard_conflict"
			case (risk == "P0" || risk == "P1") &&
				conf < p.DirectionalConfidenceThreshold &&
				containsAnyKeyword(out, directionalKeywords):
				out = fallbackMessage(risk)
				flags = append(flags, "semantic_guard_directional")
				ruleIDs = append(ruleIDs, "semantic_guard_directional")
				downgraded = true
				reason = "semantic_guard_directional"
			}
		}
	}

	maxChars := max(64, p.MaxOutputChars)
	if runeLen(out) > maxChars {
		out = shorten(out, maxChars)
		flags = append(flags, "output_truncated")
		ruleIDs = append(ruleIDs, "output_truncated")
	}

	return SafetyDecision{
		Text:          out,
		Source:        source,
		RiskLevel:     risk,
		Confidence:    conf,
		Downgraded:    downgraded,
		Reason:        reason,
		Flags:         flags,
		PolicyVersion: "v1.1",
		RuleIDs:       ruleIDs,
		Evidence:      evidence,
	}
}

func (p *SafetyPolicy) inferRisk(text string, ctx map[string]any) string {
	risk := "P3"
	if ctx != nil {
		if v, ok := ctx["risk_level"].(string); ok {
			risk = normalizeRisk(v, "P3")
		}
	}
	switch {
	case containsAnyKeyword(text, p0Keywords):
		risk = higherRisk(risk, "P0")
	case containsAnyKeyword(text, p1Keywords):
		risk = higherRisk(risk, "P1")
	case containsAnyKeyword(text, p2Keywords):
		risk = higherRisk(risk, "P2")
	}
	return risk
}

func fallbackMessage(riskLevel string) string {
	switch normalizeRisk(riskLevel, "P3") {
	case "P0":
		return "我对当前环境判断不够确定。请立即停下，先确认周边安全并寻求附近人员协助。"
	case "P1":
		return "我当前判断不够稳定。请先停下，用盲杖确认前方，再谨慎移动。"
	default:
		return "我现在不够确定。请先停下并确认周边环境安全。"
	}
}

func normalizeRisk(value, fallback string) string {
	text := strings.ToUpper(strings.TrimSpace(value))
	if _, ok := riskOrder[text]; ok {
		return text
	}
	return fallback
}

func higherRisk(left, right string) string {
	if riskOrder[left] <= riskOrder[right] {
		return left
	}
	return right
}

func clampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func containsAnyKeyword(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(text, kw) || strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func hasConflictingDirections(text string) bool {
	lower := strings.ToLower(text)
	hasLeft := strings.Contains(text, "左转") || strings.Contains(lower, "turn left")
	hasRight := strings.Contains(text, "右转") || strings.Contains(lower, "turn right")
	return hasLeft && hasRight
}

func hasCautionPrefix(text string) bool {
	lower := strings.ToLower(text)
	for _, prefix := range cautionPrefixes {
		if strings.HasPrefix(lower, strings.ToLower(prefix)) {
			return true
		}
	}
	return false
}

func runeLen(s string) int { return len([]rune(s)) }

// shorten truncates at rune boundaries to keep CJK text intact.
func shorten(text string, maxChars int) string {
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	return strings.TrimRight(string(runes[:maxChars-3]), " ") + "..."
}

func startsWithAny(text string, prefixes []string) bool {
	lower := strings.ToLower(text)
	for _, p := range prefixes {
		if strings.HasPrefix(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
