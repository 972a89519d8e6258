// Package protocol implements the client<->server message envelope and its
// websocket transport binding.
package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates envelope payloads.
type MessageType string

const (
	TypeHello         MessageType = "hello"
	TypeReady         MessageType = "ready"
	TypeReconnect     MessageType = "reconnect"
	TypeReconnectAck  MessageType = "reconnect_ack"

	TypeAudioStart   MessageType = "audio_start"
	TypeAudioChunk   MessageType = "audio_chunk"
	TypeAudioStop    MessageType = "audio_stop"
	TypeAudioProcess MessageType = "audio_process"

	TypeSpeechStart MessageType = "speech_start"
	TypeSpeechEnd   MessageType = "speech_end"
	TypeTranscript  MessageType = "transcript"

	TypeLLMChunk      MessageType = "llm_chunk"
	TypeLLM           MessageType = "llm"
	TypeAssistantText MessageType = "assistant_text"

	TypeTTSStart     MessageType = "tts_start"
	TypeTTSChunk     MessageType = "tts_chunk"
	TypeTTSComplete  MessageType = "tts_complete"
	TypeTTSCancelled MessageType = "tts_cancelled"
	TypeAudioOut     MessageType = "audio_out"

	TypeToolCallStart MessageType = "tool_call_start"
	TypeToolCall      MessageType = "tool_call"
	TypeToolResult    MessageType = "tool_result"
	TypeToolCallEnd   MessageType = "tool_call_end"

	TypeStageChange  MessageType = "stage_change"
	TypeTurnComplete MessageType = "turn_complete"

	TypePing  MessageType = "ping"
	TypePong  MessageType = "pong"
	TypeError MessageType = "error"
	TypeClose MessageType = "close"
)

// ProtocolVersion is the version this codec implements.
const ProtocolVersion = "1"

// Envelope is the outer JSON shape for every text frame exchanged over the
// protocol. Binary audio frames are carried out-of-band by the transport
// and correlated to a turn via TurnID in the surrounding control messages.
type Envelope struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	TurnID    string          `json:"turnId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ErrorCode enumerates the stable error codes named by the external
// interface contract.
type ErrorCode string

const (
	ErrWebRTCUnavailable  ErrorCode = "WEBRTC_UNAVAILABLE"
	ErrConnectionFailed   ErrorCode = "CONNECTION_FAILED"
	ErrSessionNotFound    ErrorCode = "SESSION_NOT_FOUND"
	ErrSessionExpired     ErrorCode = "SESSION_EXPIRED"
	ErrSTTError           ErrorCode = "STT_ERROR"
	ErrSTTTimeout         ErrorCode = "STT_TIMEOUT"
	ErrLLMError           ErrorCode = "LLM_ERROR"
	ErrLLMTimeout         ErrorCode = "LLM_TIMEOUT"
	ErrTTSError           ErrorCode = "TTS_ERROR"
	ErrTTSTimeout         ErrorCode = "TTS_TIMEOUT"
	ErrAudioProcessing    ErrorCode = "AUDIO_PROCESSING_ERROR"
	ErrVADError           ErrorCode = "VAD_ERROR"
	ErrInvalidMessage     ErrorCode = "INVALID_MESSAGE"
	ErrInvalidEnvelope    ErrorCode = "INVALID_ENVELOPE"
	ErrInvalidAudioFormat ErrorCode = "INVALID_AUDIO_FORMAT"
	ErrToolFailed         ErrorCode = "TOOL_ERROR"
	ErrProviderFailed     ErrorCode = "PROVIDER_FAILED"
	ErrPlaybookInvalid    ErrorCode = "PLAYBOOK_ERROR"
	ErrInternal           ErrorCode = "INTERNAL_ERROR"
	ErrRateLimited        ErrorCode = "RATE_LIMITED"

	// ErrCancelled reports a turn cancelled (e.g. by barge-in) before it
	// ever entered TTS; a turn cancelled after entering TTS instead gets a
	// tts-cancelled event, not this code.
	ErrCancelled ErrorCode = "CANCELLED"
)

// ErrorPayload is the payload of a TypeError envelope.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// HelloPayload is sent by the client to open or resume a session.
type HelloPayload struct {
	AcceptedVersions []string `json:"acceptedVersions"`
	ReconnectToken   string   `json:"reconnectToken,omitempty"`
	PlaybookID       string   `json:"playbookId,omitempty"`
}

// ReadyPayload is sent by the server once a session is established.
type ReadyPayload struct {
	ProtocolVersion string `json:"protocolVersion"`
	SessionID       string `json:"sessionId"`
	ReconnectToken  string `json:"reconnectToken"`
}

// ReconnectPayload is sent by the client to re-attach to a session that
// survived a transport drop within its grace window.
type ReconnectPayload struct {
	SessionID      string `json:"sessionId"`
	ReconnectToken string `json:"reconnectToken"`
}

// ReconnectAckPayload confirms whether a reconnect attempt succeeded and
// reports how much history the client may have missed.
type ReconnectAckPayload struct {
	Success          bool   `json:"success"`
	HistoryRecovered bool   `json:"historyRecovered"`
	SessionID        string `json:"sessionId"`
	CurrentStage     string `json:"currentStage,omitempty"`
}

// TranscriptPayload carries an STT result.
type TranscriptPayload struct {
	Text       string  `json:"text"`
	IsFinal    bool    `json:"isFinal"`
	Confidence float64 `json:"confidence,omitempty"`
}

// LLMChunkPayload carries one incremental token/fragment of the assistant
// reply.
type LLMChunkPayload struct {
	Text string `json:"text"`
}

// LLMPayload carries the full assistant reply once generation finishes.
type LLMPayload struct {
	Text string `json:"text"`
}

// TTSChunkPayload accompanies a binary audio_out frame, giving the client
// enough context to order and attribute it.
type TTSChunkPayload struct {
	SentenceIndex int `json:"sentenceIndex"`
}

// ToolCallStartPayload announces a tool invocation beginning.
type ToolCallStartPayload struct {
	CallID string `json:"callId"`
	Name   string `json:"name"`
}

// ToolCallEndPayload announces a tool invocation's outcome.
type ToolCallEndPayload struct {
	CallID  string `json:"callId"`
	Name    string `json:"name"`
	Success bool   `json:"success"`
}

// StageChangePayload announces a playbook stage transition.
type StageChangePayload struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// TurnCompletePayload marks the end of a turn.
type TurnCompletePayload struct {
	Cancelled bool `json:"cancelled,omitempty"`
}

// Codec encodes and decodes Envelopes. Unknown message types are rejected
// unless Lenient is set, in which case they decode to an Envelope with the
// raw payload preserved for the caller to ignore or log.
type Codec struct {
	Lenient bool
}

// NewCodec returns a strict codec.
func NewCodec() *Codec { return &Codec{} }

// Encode marshals an Envelope to its wire form.
func (c *Codec) Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Decode unmarshals a wire frame into an Envelope, validating the type
// discriminator is present and non-empty.
func (c *Codec) Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	if e.Type == "" {
		return Envelope{}, fmt.Errorf("protocol: %s", ErrInvalidEnvelope)
	}
	if !c.Lenient && !knownType(e.Type) {
		return Envelope{}, fmt.Errorf("protocol: unknown message type %q: %s", e.Type, ErrInvalidEnvelope)
	}
	return e, nil
}

func knownType(t MessageType) bool {
	switch t {
	case TypeHello, TypeReady, TypeReconnect, TypeReconnectAck,
		TypeAudioStart, TypeAudioChunk, TypeAudioStop, TypeAudioProcess,
		TypeSpeechStart, TypeSpeechEnd, TypeTranscript,
		TypeLLMChunk, TypeLLM, TypeAssistantText,
		TypeTTSStart, TypeTTSChunk, TypeTTSComplete, TypeTTSCancelled, TypeAudioOut,
		TypeToolCallStart, TypeToolCall, TypeToolResult, TypeToolCallEnd,
		TypeStageChange, TypeTurnComplete,
		TypePing, TypePong, TypeError, TypeClose:
		return true
	default:
		return false
	}
}

// EncodePayload is a helper for constructing an Envelope with a typed
// payload marshaled into Payload.
func EncodePayload(typ MessageType, sessionID, turnID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("protocol: encode payload: %w", err)
	}
	return Envelope{Type: typ, SessionID: sessionID, TurnID: turnID, Payload: raw}, nil
}
