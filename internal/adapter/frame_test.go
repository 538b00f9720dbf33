package adapter

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/iflabx/opencane-gateway/internal/protocol"
)

func TestAudioFrameRoundTrip(t *testing.T) {
	audio := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	frame := BuildAudioFrame(0xA1, 42, 1700000, audio)

	env, err := ParseAudioFrame(frame, 0xA1, "dev-1", "sess-1")
	if err != nil {
		t.Fatalf("ParseAudioFrame: %v", err)
	}
	if env.Type != protocol.EventAudioChunk {
		t.Errorf("type = %q", env.Type)
	}
	if env.Seq != 42 {
		t.Errorf("seq = %d, want 42", env.Seq)
	}
	if ts, _ := env.PayloadInt("timestamp"); ts != 1700000 {
		t.Errorf("timestamp = %d", ts)
	}
	decoded, err := base64.StdEncoding.DecodeString(env.PayloadString("audio_b64"))
	if err != nil {
		t.Fatalf("decode audio: %v", err)
	}
	if !bytes.Equal(decoded, audio) {
		t.Errorf("audio = %v, want %v", decoded, audio)
	}
	if env.PayloadString("encoding") != "opus" {
		t.Errorf("encoding = %q", env.PayloadString("encoding"))
	}
}

func TestParseAudioFrameErrors(t *testing.T) {
	t.Run("too_short", func(t *testing.T) {
		if _, err := ParseAudioFrame([]byte{0xA1, 1, 0}, 0xA1, "d", "s"); err == nil {
			t.Error("short packet accepted")
		}
	})

	t.Run("wrong_magic", func(t *testing.T) {
		frame := BuildAudioFrame(0xB2, 1, 1, []byte{1})
		if _, err := ParseAudioFrame(frame, 0xA1, "d", "s"); err == nil {
			t.Error("wrong magic accepted")
		}
	})

	t.Run("declared_length_too_long", func(t *testing.T) {
		frame := BuildAudioFrame(0xA1, 1, 1, []byte{1, 2, 3})
		frame[15] = 200
		if _, err := ParseAudioFrame(frame, 0xA1, "d", "s"); err == nil {
			t.Error("oversized declared length accepted")
		}
	})

	t.Run("zero_length_means_rest", func(t *testing.T) {
		frame := BuildAudioFrame(0xA1, 1, 1, []byte{9, 9})
		frame[12], frame[13], frame[14], frame[15] = 0, 0, 0, 0
		env, err := ParseAudioFrame(frame, 0xA1, "d", "s")
		if err != nil {
			t.Fatalf("ParseAudioFrame: %v", err)
		}
		decoded, _ := base64.StdEncoding.DecodeString(env.PayloadString("audio_b64"))
		if len(decoded) != 2 {
			t.Errorf("audio len = %d, want 2", len(decoded))
		}
	})
}
