package adapter

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/iflabx/opencane-gateway/internal/protocol"
)

// Audio frames use a 16-byte big-endian header:
//
//	byte 0      magic
//	byte 1      protocol version (1)
//	bytes 2-3   reserved
//	bytes 4-7   seq (uint32)
//	bytes 8-11  timestamp (uint32)
//	bytes 12-15 payload length (uint32)
const frameHeaderLen = 16

// FrameVersion is the only framed-audio protocol version in the field.
const FrameVersion = 1

var errFrameTooShort = errors.New("audio packet too short")

// BuildAudioFrame encodes one opus chunk into the framed wire format.
func BuildAudioFrame(magic byte, seq, timestamp int64, audio []byte) []byte {
	frame := make([]byte, frameHeaderLen+len(audio))
	frame[0] = magic
	frame[1] = FrameVersion
	binary.BigEndian.PutUint32(frame[4:8], uint32(seq))
	binary.BigEndian.PutUint32(frame[8:12], uint32(timestamp))
	binary.BigEndian.PutUint32(frame[12:16], uint32(len(audio)))
	copy(frame[frameHeaderLen:], audio)
	return frame
}

// ParseAudioFrame decodes a framed audio packet into an audio_chunk event.
// A declared payload length longer than the body is rejected; zero means
// "rest of packet".
func ParseAudioFrame(packet []byte, magic byte, deviceID, sessionID string) (protocol.Envelope, error) {
	if len(packet) < frameHeaderLen {
		return protocol.Envelope{}, errFrameTooShort
	}
	if packet[0] != magic {
		return protocol.Envelope{}, fmt.Errorf("invalid packet magic: %#x", packet[0])
	}
	seq := int64(binary.BigEndian.Uint32(packet[4:8]))
	ts := int64(binary.BigEndian.Uint32(packet[8:12]))
	payloadLen := int(binary.BigEndian.Uint32(packet[12:16]))
	body := packet[frameHeaderLen:]
	if payloadLen > len(body) {
		return protocol.Envelope{}, errors.New("audio packet payload length mismatch")
	}
	audio := body
	if payloadLen > 0 {
		audio = body[:payloadLen]
	}
	return protocol.NewEvent(
		protocol.EventAudioChunk, deviceID, sessionID, seq,
		map[string]any{
			"audio_b64": base64.StdEncoding.EncodeToString(audio),
			"encoding":  "opus",
			"timestamp": ts,
		}), nil
}
