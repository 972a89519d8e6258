// Package types defines the shared types used across all LLMRTC packages.
//
// These types form the lingua franca between providers, the orchestrator,
// the playbook engine, and the tool registry. Each package defines its own
// domain types, but cross-cutting data structures live here to avoid
// circular imports.
package types

import "time"

// AudioFrame represents a single frame of audio data flowing through the
// pipeline. Frames are the atomic unit of audio transport: captured from
// the client, gated by VAD, decoded/encoded by the protocol codec, and
// played back through the client.
type AudioFrame struct {
	// Data is PCM or Opus-encoded audio, per the session's negotiated codec.
	Data []byte

	// SampleRate in Hz (e.g. 48000 for Opus, 16000 for most STT models).
	SampleRate int

	// Channels: 1 for mono (the only channel count this pipeline handles).
	Channels int

	// Timestamp marks when this frame was captured, relative to turn start.
	Timestamp time.Duration
}

// Transcript represents a speech-to-text result from an STT provider. Both
// partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0-1.0). May be zero if
	// the provider does not report confidence.
	Confidence float64

	// Words contains per-word detail when available. May be nil.
	Words []WordDetail

	// Timestamp marks when the utterance started, relative to turn start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost biases STT recognition toward a specific vocabulary term,
// e.g. a product name or technical term the model would otherwise mishear.
type KeywordBoost struct {
	Keyword string
	Boost   float64
}

// Attachment is non-text content included in a Message, per the vision
// provider contract. Exactly one of Data or URL is set.
type Attachment struct {
	// Data is the raw attachment bytes (already base64-decoded).
	Data []byte

	// URL is a reference to externally hosted content.
	URL string

	// MIME is the attachment's media type, e.g. "image/png".
	MIME string

	// Alt is an optional textual description of the attachment.
	Alt string
}

// Message represents a single message in a conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name (for multi-speaker contexts).
	Name string

	// Attachments holds any non-text content attached to this message.
	Attachments []Attachment

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call
	// this message responds to.
	ToolCallID string

	// Timestamp is when this message was recorded.
	Timestamp time.Time
}

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string

	// Name is the tool's name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ToolCallResult is the outcome of executing a ToolCall.
type ToolCallResult struct {
	// ToolCallID echoes the originating ToolCall.ID.
	ToolCallID string

	// Name is the tool's name, carried for logging/hooks.
	Name string

	// Content is the tool's result, encoded as a string the LLM can read.
	Content string

	// Err is non-nil when the tool invocation failed or timed out. A
	// failed tool still produces a ToolCallResult (with Err set) rather
	// than aborting the turn, per the executor's error-isolation contract.
	Err error

	// Duration is how long the tool took to execute.
	Duration time.Duration
}

// ToolDefinition describes a tool that can be offered to an LLM and
// dispatched by the tool registry.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is a JSON Schema (structural subset) describing the
	// tool's input parameters, validated at registration time.
	Parameters map[string]any

	// Policy controls how the executor may run this tool relative to
	// other calls in the same dispatch: "sequential" or "parallel".
	Policy string

	// EstimatedDurationMs is the declared p50 latency.
	EstimatedDurationMs int

	// MaxDurationMs is the declared p99 upper bound, enforced as a hard
	// per-call timeout by the executor.
	MaxDurationMs int

	// Idempotent indicates whether the tool can be safely retried.
	Idempotent bool
}

// VoiceProfile describes a TTS voice configuration.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// SpeedFactor adjusts speaking rate (0.5-2.0, 1.0 = default).
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes.
	Metadata map[string]string
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one
	// completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates native function/tool calling support.
	SupportsToolCalling bool

	// SupportsVision indicates the model can process image inputs.
	SupportsVision bool

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}

// VADEvent represents a voice activity detection result for a single audio
// frame.
type VADEvent struct {
	Type        VADEventType
	Probability float64
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSpeechStart indicates speech has just begun (after debounce).
	VADSpeechStart VADEventType = iota

	// VADSpeechContinue indicates ongoing speech.
	VADSpeechContinue

	// VADSpeechEnd indicates speech has just ended (after redemption).
	VADSpeechEnd

	// VADSilence indicates no speech detected.
	VADSilence
)

// BudgetTier controls which tools are visible to the LLM based on latency
// constraints, used by the tool registry's budget-aware listing.
type BudgetTier int

const (
	// BudgetFast allows only tools with <= 500ms estimated latency.
	BudgetFast BudgetTier = iota

	// BudgetStandard allows tools with <= 1500ms estimated latency.
	BudgetStandard

	// BudgetDeep allows tools with <= 4000ms estimated latency.
	BudgetDeep
)

// String returns the human-readable name of the budget tier.
func (t BudgetTier) String() string {
	switch t {
	case BudgetFast:
		return "FAST"
	case BudgetStandard:
		return "STANDARD"
	case BudgetDeep:
		return "DEEP"
	default:
		return "UNKNOWN"
	}
}

// MaxLatencyMs returns the maximum estimated tool latency admitted by this
// tier.
func (t BudgetTier) MaxLatencyMs() int {
	switch t {
	case BudgetFast:
		return 500
	case BudgetStandard:
		return 1500
	case BudgetDeep:
		return 4000
	default:
		return 500
	}
}

// SessionState enumerates the Session Manager's lifecycle states.
type SessionState int

const (
	SessionOpening SessionState = iota
	SessionActive
	SessionDetached
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionOpening:
		return "opening"
	case SessionActive:
		return "active"
	case SessionDetached:
		return "detached"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is a single client's conversation state, spanning possibly many
// transport connections (across reconnects).
type Session struct {
	ID    string
	State SessionState

	// ReconnectToken is the opaque token a client presents to re-attach to
	// this session after a transport drop.
	ReconnectToken string

	// History is the accumulated message history, bounded by HistoryLimit.
	History []Message

	// HistoryLimit caps the number of messages retained; 0 means unbounded.
	HistoryLimit int

	// Playbook is the active playbook state machine for this session, nil
	// if the session was opened without a playbook.
	Playbook *PlaybookState

	CreatedAt  time.Time
	UpdatedAt  time.Time
	DetachedAt time.Time
}

// TurnContext carries the state of a single in-flight turn (one full
// STT -> LLM -> TTS cycle, including any tool calls) through the
// orchestrator, playbook engine, and tool registry.
type TurnContext struct {
	SessionID string
	TurnID    string

	// Transcript is the finalized user utterance driving this turn.
	Transcript Transcript

	// History is a snapshot of the session's message history at turn
	// start; components append to it as the turn progresses.
	History []Message

	// ToolIterations counts silent tool-loop iterations executed so far,
	// checked against the playbook's configured cap.
	ToolIterations int

	StartedAt time.Time
}

// Stage is one node in a Playbook's stage graph.
type Stage struct {
	ID           string
	SystemPrompt string

	// Tools lists the tool names available while this stage is active.
	Tools []string

	// Intents declares the intent labels this stage's transitions may
	// match against, for intent-classification transitions.
	Intents []string

	// MaxToolIterations caps the silent tool-loop phase for turns entered
	// in this stage; 0 means use the playbook default.
	MaxToolIterations int
}

// TransitionSource enumerates how a Transition may be triggered. Sources
// are evaluated in a fixed precedence order by the playbook engine: tool
// call, playbook_transition tool, keyword, intent, max-turns, timeout,
// then custom. This is independent of a Transition's From field, which may
// itself be "*" to match any current stage; see [Transition.From].
type TransitionSource string

const (
	TransitionToolCall TransitionSource = "tool_call"
	TransitionBuiltin  TransitionSource = "playbook_transition"
	TransitionKeyword  TransitionSource = "keyword"
	TransitionIntent   TransitionSource = "intent"
	TransitionMaxTurns TransitionSource = "max_turns"
	TransitionTimeout  TransitionSource = "timeout"
	TransitionCustom   TransitionSource = "custom"
)

// HistoryStrategy selects how a playbook transition treats message history
// when it fires.
type HistoryStrategy string

const (
	HistoryFull    HistoryStrategy = "full"
	HistoryReset   HistoryStrategy = "reset"
	HistorySummary HistoryStrategy = "summary"
	HistoryLastN   HistoryStrategy = "lastN"
)

// Transition is one edge in a Playbook's stage graph.
type Transition struct {
	// From is the stage this edge leaves, or "*" to match any current
	// stage. Wildcard edges are only considered after every stage-specific
	// edge (of any Source) has been tried and none fired; see
	// [Engine.evaluateTransition].
	From string
	To   string

	Source TransitionSource

	// Match is the trigger value: a keyword, intent label, tool name, or
	// custom predicate name, depending on Source.
	Match string

	// MaxTurns is the turn count threshold for TransitionMaxTurns.
	MaxTurns int

	// Timeout is the elapsed-time threshold for TransitionTimeout.
	Timeout time.Duration

	// HistoryStrategy controls how message history is carried across this
	// transition once it fires. Empty means HistoryFull.
	HistoryStrategy HistoryStrategy

	// HistoryLastN is the N for HistoryLastN.
	HistoryLastN int
}

// Playbook is a validated, immutable stage graph loaded from configuration.
type Playbook struct {
	ID      string
	Stages  map[string]Stage
	Edges   []Transition
	Initial string

	// DefaultMaxToolIterations bounds the silent tool-loop phase when a
	// Stage does not declare its own cap.
	DefaultMaxToolIterations int
}

// PlaybookState is the mutable, per-session cursor over a Playbook.
type PlaybookState struct {
	PlaybookID   string
	CurrentStage string
	TurnCount    int
	EnteredAt    time.Time
}
