// Package protocol defines the JSON text frames exchanged with the device
// over its duplex connection. Binary frames (audio) are handled elsewhere.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Control message names carried in the "msg" field of server/instruction
// frames. The device sends end_of_speech and INTERRUPT; the relay sends the
// rest.
const (
	MsgEndOfSpeech      = "end_of_speech"
	MsgInterrupt        = "INTERRUPT"
	MsgRequestPhoto     = "REQUEST.PHOTO"
	MsgResponseCreated  = "RESPONSE.CREATED"
	MsgResponseComplete = "RESPONSE.COMPLETE"
	MsgResponseError    = "RESPONSE.ERROR"
	MsgAudioCommitted   = "AUDIO.COMMITTED"
	MsgQuotaExceeded    = "QUOTA.EXCEEDED"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// Auth is the relay→device handshake acknowledgment carrying stored device
// settings.
type Auth struct {
	Type          string  `json:"type"`
	VolumeControl int     `json:"volume_control"`
	PitchFactor   float64 `json:"pitch_factor,omitempty"`
	IsOTA         bool    `json:"is_ota"`
	IsReset       bool    `json:"is_reset"`
}

func NewAuth(volume int, pitch float64, isOTA, isReset bool) Auth {
	return Auth{Type: "auth", VolumeControl: volume, PitchFactor: pitch, IsOTA: isOTA, IsReset: isReset}
}

// Instruction is a bidirectional control frame. The device uses type
// "instruction"; the relay historically answers with type "server". Both
// carry the control name in "msg".
type Instruction struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
}

func ServerEvent(msg string) Instruction {
	return Instruction{Type: "server", Msg: msg}
}

// Image is the legacy single-shot vision payload.
type Image struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// ImageChunk is one fragment of a chunked vision transfer.
type ImageChunk struct {
	Type        string `json:"type"`
	ChunkIndex  int    `json:"chunk_index"`
	TotalChunks int    `json:"total_chunks"`
	Data        string `json:"data"`
}

// ImageComplete is informational; assembly completion is driven by chunk
// counts, not this frame.
type ImageComplete struct {
	Type string `json:"type"`
}

// Unrecognized is the fallback for any frame with an unknown type. It is
// logged by the caller and otherwise a no-op.
type Unrecognized struct {
	Type string
	Raw  json.RawMessage
}

// DecodeDeviceMessage parses one inbound text frame into its typed form.
func DecodeDeviceMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "instruction", "server":
		var msg Instruction
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid instruction frame", "")
		}
		if strings.TrimSpace(msg.Msg) == "" {
			return nil, badRequest("instruction.msg is required", "msg")
		}
		return msg, nil
	case "image":
		var msg Image
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid image frame", "")
		}
		if strings.TrimSpace(msg.Data) == "" {
			return nil, badRequest("image.data is required", "data")
		}
		return msg, nil
	case "image_chunk":
		var msg ImageChunk
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid image_chunk frame", "")
		}
		if msg.ChunkIndex < 0 {
			return nil, badRequest("image_chunk.chunk_index must be >= 0", "chunk_index")
		}
		if msg.TotalChunks <= 0 {
			return nil, badRequest("image_chunk.total_chunks must be > 0", "total_chunks")
		}
		if msg.ChunkIndex >= msg.TotalChunks {
			return nil, badRequest("image_chunk.chunk_index out of range", "chunk_index")
		}
		if msg.Data == "" {
			return nil, badRequest("image_chunk.data is required", "data")
		}
		return msg, nil
	case "image_complete":
		return ImageComplete{Type: typ}, nil
	default:
		return Unrecognized{Type: typ, Raw: append(json.RawMessage{}, data...)}, nil
	}
}
