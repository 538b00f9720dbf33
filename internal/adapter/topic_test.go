package adapter

import "testing"

func TestTopicMatches(t *testing.T) {
	cases := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"device/+/up/control", "device/cane-01/up/control", true},
		{"device/+/up/control", "device/cane-01/up/audio", false},
		{"device/+/up/control", "device/cane-01/extra/up/control", false},
		{"device/#", "device/cane-01/up/control", true},
		{"device/#", "device", false},
		{"device/+/up/+", "device/cane-01/up/audio", true},
		{"exact/topic", "exact/topic", true},
		{"exact/topic", "exact/topic/extra", false},
	}
	for _, tc := range cases {
		if got := TopicMatches(tc.pattern, tc.topic); got != tc.want {
			t.Errorf("TopicMatches(%q, %q) = %v, want %v", tc.pattern, tc.topic, got, tc.want)
		}
	}
}

func TestDeviceIDFromTopic(t *testing.T) {
	t.Run("pattern_wildcard", func(t *testing.T) {
		got := DeviceIDFromTopic("device/cane-01/up/control", "device/+/up/control", "device/+/up/audio")
		if got != "cane-01" {
			t.Errorf("device id = %q", got)
		}
	})

	t.Run("fallback_convention", func(t *testing.T) {
		got := DeviceIDFromTopic("device/cane-02/something")
		if got != "cane-02" {
			t.Errorf("device id = %q", got)
		}
	})

	t.Run("no_match", func(t *testing.T) {
		if got := DeviceIDFromTopic("other/cane-03", "device/+/up/control"); got != "" {
			t.Errorf("device id = %q, want empty", got)
		}
	})
}

func TestRenderTopic(t *testing.T) {
	got := RenderTopic("device/{device_id}/down/control", "cane-01")
	if got != "device/cane-01/down/control" {
		t.Errorf("rendered topic = %q", got)
	}
}
