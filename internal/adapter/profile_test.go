package adapter

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveProfile(t *testing.T) {
	t.Run("empty_defaults_to_generic", func(t *testing.T) {
		p, err := ResolveProfile("")
		if err != nil {
			t.Fatalf("ResolveProfile: %v", err)
		}
		if p.Name != "generic_v1" {
			t.Errorf("profile = %q", p.Name)
		}
	})

	t.Run("alias_and_spelling_variants", func(t *testing.T) {
		for _, name := range []string{"ec600", "EC600MCNLE", "ec600mcnle_v1", "ec600-mcnle"} {
			p, err := ResolveProfile(name)
			if err != nil {
				t.Fatalf("ResolveProfile(%q): %v", name, err)
			}
			if p.Name != "ec600mcnle_v1" {
				t.Errorf("ResolveProfile(%q) = %q", name, p.Name)
			}
		}
	})

	t.Run("unknown_lists_supported", func(t *testing.T) {
		if _, err := ResolveProfile("nope_v9"); err == nil {
			t.Error("unknown profile accepted")
		}
	})
}

func TestLoadProfileFile(t *testing.T) {
	base, err := ResolveProfile("generic_v1")
	if err != nil {
		t.Fatalf("ResolveProfile: %v", err)
	}

	path := filepath.Join(t.TempDir(), "profile.json")
	overrides := `{
		"packet_magic": 178,
		"audio_up_mode": "json",
		"event_type_aliases": {"wakeup": "hello"},
		"payload_aliases": {"voiceData": "audio_b64"},
		"downlink_type_key": "cmd"
	}`
	if err := os.WriteFile(path, []byte(overrides), 0o644); err != nil {
		t.Fatalf("write profile file: %v", err)
	}

	merged, err := LoadProfileFile(base, path)
	if err != nil {
		t.Fatalf("LoadProfileFile: %v", err)
	}
	if merged.PacketMagic != 0xB2 {
		t.Errorf("packet magic = %#x", merged.PacketMagic)
	}
	if merged.AudioUpMode != AudioModeJSONB64 {
		t.Errorf("audio mode = %q", merged.AudioUpMode)
	}
	if merged.EventTypeAliases["wakeup"] != "hello" {
		t.Error("override alias missing")
	}
	if merged.EventTypeAliases["boot"] != "hello" {
		t.Error("base alias lost in merge")
	}
	if merged.DownlinkTypeKey != "cmd" {
		t.Errorf("downlink type key = %q", merged.DownlinkTypeKey)
	}
	if merged.DownlinkPayloadKey != "payload" {
		t.Errorf("downlink payload key = %q", merged.DownlinkPayloadKey)
	}

	t.Run("missing_file", func(t *testing.T) {
		if _, err := LoadProfileFile(base, filepath.Join(t.TempDir(), "absent.json")); err == nil {
			t.Error("missing file accepted")
		}
	})

	t.Run("bad_json", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.json")
		os.WriteFile(bad, []byte("{nope"), 0o644)
		if _, err := LoadProfileFile(base, bad); err == nil {
			t.Error("malformed file accepted")
		}
	})
}

func TestNormalizeAudioMode(t *testing.T) {
	cases := map[string]string{
		"json":          AudioModeJSONB64,
		"JSON_B64":      AudioModeJSONB64,
		"base64":        AudioModeJSONB64,
		"framed_packet": AudioModeFramed,
		"":              AudioModeFramed,
		"anything":      AudioModeFramed,
	}
	for in, want := range cases {
		if got := NormalizeAudioMode(in); got != want {
			t.Errorf("NormalizeAudioMode(%q) = %q, want %q", in, got, want)
		}
	}
}
