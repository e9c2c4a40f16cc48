// Package upstream owns the connection to the conversational speech service
// and its retry, key-rotation, and keep-alive policy. The wire protocol is the
// bidirectional generate-content WebSocket API.
package upstream

import "encoding/json"

// ---- client -> server ----

type SetupMessage struct {
	Setup Setup `json:"setup"`
}

type Setup struct {
	Model               string               `json:"model"`
	GenerationConfig    *GenerationConfig    `json:"generationConfig,omitempty"`
	SystemInstruction   *Content             `json:"systemInstruction,omitempty"`
	Tools               []Tool               `json:"tools,omitempty"`
	RealtimeInputConfig *RealtimeInputConfig `json:"realtimeInputConfig,omitempty"`

	InputAudioTranscription  *TranscriptionConfig `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *TranscriptionConfig `json:"outputAudioTranscription,omitempty"`
}

type GenerationConfig struct {
	ResponseModalities []string      `json:"responseModalities,omitempty"`
	SpeechConfig       *SpeechConfig `json:"speechConfig,omitempty"`
}

type SpeechConfig struct {
	VoiceConfig *VoiceConfig `json:"voiceConfig,omitempty"`
}

type VoiceConfig struct {
	PrebuiltVoiceConfig *PrebuiltVoiceConfig `json:"prebuiltVoiceConfig,omitempty"`
}

type PrebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName,omitempty"`
}

type TranscriptionConfig struct{}

type RealtimeInputConfig struct {
	AutomaticActivityDetection *AutomaticActivityDetection `json:"automaticActivityDetection,omitempty"`
}

// AutomaticActivityDetection carries the service-side voice activity
// thresholds declared at setup time.
type AutomaticActivityDetection struct {
	Disabled                 bool   `json:"disabled,omitempty"`
	StartOfSpeechSensitivity string `json:"startOfSpeechSensitivity,omitempty"`
	EndOfSpeechSensitivity   string `json:"endOfSpeechSensitivity,omitempty"`
	PrefixPaddingMS          int    `json:"prefixPaddingMs,omitempty"`
	SilenceDurationMS        int    `json:"silenceDurationMs,omitempty"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts,omitempty"`
}

type Part struct {
	Text       string `json:"text,omitempty"`
	InlineData *Blob  `json:"inlineData,omitempty"`
}

// Blob carries base64 payloads with their MIME type (for live audio,
// "audio/pcm;rate=<hz>").
type Blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
}

type FunctionDeclaration struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Parameters  *Schema `json:"parameters,omitempty"`
}

type Schema struct {
	Type        string             `json:"type,omitempty"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
}

type ClientContentMessage struct {
	ClientContent ClientContent `json:"clientContent"`
}

type ClientContent struct {
	Turns        []Content `json:"turns,omitempty"`
	TurnComplete bool      `json:"turnComplete"`
}

type RealtimeInputMessage struct {
	RealtimeInput RealtimeInput `json:"realtimeInput"`
}

type RealtimeInput struct {
	MediaChunks    []Blob `json:"mediaChunks,omitempty"`
	AudioStreamEnd bool   `json:"audioStreamEnd,omitempty"`
}

type ToolResponseMessage struct {
	ToolResponse ToolResponse `json:"toolResponse"`
}

type ToolResponse struct {
	FunctionResponses []FunctionResponse `json:"functionResponses"`
}

type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ---- server -> client ----

// ServerMessage is the union of everything the service sends. Exactly one
// field is set per message; unknown fields are preserved in Raw for logging.
type ServerMessage struct {
	SetupComplete        *SetupComplete        `json:"setupComplete,omitempty"`
	ServerContent        *ServerContent        `json:"serverContent,omitempty"`
	ToolCall             *ToolCall             `json:"toolCall,omitempty"`
	ToolCallCancellation *ToolCallCancellation `json:"toolCallCancellation,omitempty"`
	GoAway               *GoAway               `json:"goAway,omitempty"`
	UsageMetadata        json.RawMessage       `json:"usageMetadata,omitempty"`
}

type SetupComplete struct{}

type ServerContent struct {
	ModelTurn          *Content       `json:"modelTurn,omitempty"`
	TurnComplete       bool           `json:"turnComplete,omitempty"`
	Interrupted        bool           `json:"interrupted,omitempty"`
	GenerationComplete bool           `json:"generationComplete,omitempty"`
	InputTranscription *Transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *Transcription `json:"outputTranscription,omitempty"`
}

type Transcription struct {
	Text string `json:"text,omitempty"`
}

type ToolCall struct {
	FunctionCalls []FunctionCall `json:"functionCalls,omitempty"`
}

type FunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type ToolCallCancellation struct {
	IDs []string `json:"ids,omitempty"`
}

// GoAway is a server-initiated disconnect notice.
type GoAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}
