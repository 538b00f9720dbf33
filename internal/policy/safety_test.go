package policy

import (
	"strings"
	"testing"
)

func floatPtr(f float64) *float64 { return &f }

func TestSafetyPolicyEvaluate(t *testing.T) {
	p := NewSafetyPolicy()

	t.Run("clean_text_passes", func(t *testing.T) {
		d := p.Evaluate(SafetyInput{Text: "天气晴朗。", Source: "llm", Confidence: floatPtr(0.9)})
		if d.Downgraded || d.Reason != "ok" {
			t.Errorf("decision = %+v", d)
		}
		if d.Text != "天气晴朗。" {
			t.Errorf("text = %q", d.Text)
		}
		if d.PolicyVersion != "v1.1" {
			t.Errorf("policy_version = %q", d.PolicyVersion)
		}
	})

	t.Run("p0_keyword_gets_caution_prefix", func(t *testing.T) {
		d := p.Evaluate(SafetyInput{Text: "前方有车流，向左侧通过。", Source: "llm", Confidence: floatPtr(0.95)})
		if d.RiskLevel != "P0" {
			t.Errorf("risk = %q, want P0", d.RiskLevel)
		}
		if !strings.HasPrefix(d.Text, "注意安全。") {
			t.Errorf("text = %q, want caution prefix", d.Text)
		}
		if d.Downgraded {
			t.Error("prefix alone should not downgrade")
		}
	})

	t.Run("existing_caution_prefix_not_doubled", func(t *testing.T) {
		d := p.Evaluate(SafetyInput{Text: "小心楼梯，先停下。", Source: "llm", Confidence: floatPtr(0.95)})
		if strings.HasPrefix(d.Text, "注意安全。") {
			t.Errorf("text = %q, prefix doubled", d.Text)
		}
	})

	t.Run("low_confidence_downgrades_to_fallback", func(t *testing.T) {
		d := p.Evaluate(SafetyInput{Text: "直行五十米。", Source: "llm", Confidence: floatPtr(0.3)})
		if !d.Downgraded || d.Reason != "low_confidence" {
			t.Errorf("decision = %+v", d)
		}
		if d.Text == "直行五十米。" {
			t.Error("low confidence text passed through")
		}
	})

	t.Run("conflicting_directions_blocked", func(t *testing.T) {
		d := p.Evaluate(SafetyInput{Text: "请左转然后右转。", Source: "llm", Confidence: floatPtr(0.99)})
		if !d.Downgraded || d.Reason != "semantic_guard_conflict" {
			t.Errorf("decision = %+v", d)
		}
	})

	t.Run("risky_directional_needs_high_confidence", func(t *testing.T) {
		d := p.Evaluate(SafetyInput{
			Text:       "楼梯在前方，直行。",
			Source:     "llm",
			Confidence: floatPtr(0.7),
		})
		if !d.Downgraded || d.Reason != "semantic_guard_directional" {
			t.Errorf("decision = %+v", d)
		}
		// P1 fallback asks the user to stop and probe with the cane.
		if !strings.Contains(d.Text, "盲杖") {
			t.Errorf("fallback = %q", d.Text)
		}
	})

	t.Run("empty_output_falls_back", func(t *testing.T) {
		d := p.Evaluate(SafetyInput{Text: "   ", Source: "llm"})
		if !d.Downgraded || d.Reason != "empty_output" {
			t.Errorf("decision = %+v", d)
		}
		if d.Text == "" {
			t.Error("fallback text empty")
		}
	})

	t.Run("long_output_truncated_at_runes", func(t *testing.T) {
		long := strings.Repeat("安", 500)
		d := p.Evaluate(SafetyInput{Text: long, Source: "llm", Confidence: floatPtr(0.9)})
		if runeLen(d.Text) > p.MaxOutputChars {
			t.Errorf("len = %d, want <= %d", runeLen(d.Text), p.MaxOutputChars)
		}
		if !strings.HasSuffix(d.Text, "...") {
			t.Errorf("text = %q, want ellipsis", d.Text[len(d.Text)-12:])
		}
		found := false
		for _, f := range d.Flags {
			if f == "output_truncated" {
				found = true
			}
		}
		if !found {
			t.Errorf("flags = %v", d.Flags)
		}
	})

	t.Run("explicit_risk_beats_inferred", func(t *testing.T) {
		d := p.Evaluate(SafetyInput{Text: "一切正常。", Source: "llm", Confidence: floatPtr(0.9), RiskLevel: "P0"})
		if d.RiskLevel != "P0" {
			t.Errorf("risk = %q, want P0", d.RiskLevel)
		}
	})

	t.Run("disabled_policy_skips_rules", func(t *testing.T) {
		off := NewSafetyPolicy()
		off.Enabled = false
		d := off.Evaluate(SafetyInput{Text: "直行。", Source: "llm", Confidence: floatPtr(0.1)})
		if d.Downgraded {
			t.Errorf("disabled policy downgraded: %+v", d)
		}
	})
}

func TestRiskHelpers(t *testing.T) {
	if normalizeRisk(" p1 ", "P3") != "P1" {
		t.Error("normalizeRisk failed on padded lowercase")
	}
	if normalizeRisk("bogus", "P3") != "P3" {
		t.Error("normalizeRisk did not fall back")
	}
	if higherRisk("P2", "P0") != "P0" || higherRisk("P0", "P2") != "P0" {
		t.Error("higherRisk ordering wrong")
	}
}
