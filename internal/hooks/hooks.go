// Package hooks implements the observability callback dispatch described by
// the Hook/Metrics Dispatch component: a set of optional lifecycle
// callbacks plus a metrics sink, wired through the orchestrator, playbook
// engine, and tool executor without coupling any of them to a concrete
// tracing/metrics backend.
//
// Dispatch is always best-effort: a panicking or error-returning hook is
// logged and otherwise ignored, except for the Guardrail hook, which may
// veto a turn by returning a non-nil error.
package hooks

import (
	"context"
	"log/slog"
	"time"
)

// ErrorContext carries structured context alongside an error reported to
// OnError, per §4.8.
type ErrorContext struct {
	Code      string
	Component string
	SessionID string
	TurnID    string
	Timestamp time.Time
}

// ToolEvent carries tool-call progress for OnToolStart/OnToolEnd/OnToolError.
type ToolEvent struct {
	SessionID string
	TurnID    string
	CallID    string
	Name      string
	Arguments map[string]any
	Result    string
	Err       error
	Duration  time.Duration
}

// PhaseEvent carries generic phase lifecycle data for STT/LLM/TTS hooks.
type PhaseEvent struct {
	SessionID string
	TurnID    string
	Text      string
	Err       error
	Duration  time.Duration
}

// TurnEvent carries turn-level lifecycle data.
type TurnEvent struct {
	SessionID string
	TurnID    string
	Err       error
	Duration  time.Duration
}

// StageEvent carries playbook stage transition data.
type StageEvent struct {
	SessionID string
	From      string
	To        string
	Reason    string
}

// Hooks is the full set of optional lifecycle callbacks. Every field may be
// nil; Dispatcher skips nil hooks without cost. All hooks may be invoked
// concurrently across sessions and must not mutate shared state without
// their own synchronisation.
type Hooks struct {
	OnConnection  func(ctx context.Context, sessionID string)
	OnDisconnect  func(ctx context.Context, sessionID string)
	OnSpeechStart func(ctx context.Context, sessionID string)
	OnSpeechEnd   func(ctx context.Context, sessionID string, duration time.Duration)

	OnTurnStart func(ctx context.Context, ev TurnEvent)
	OnTurnEnd   func(ctx context.Context, ev TurnEvent)

	OnSTTStart func(ctx context.Context, ev PhaseEvent)
	OnSTTEnd   func(ctx context.Context, ev PhaseEvent)
	OnSTTError func(ctx context.Context, ev PhaseEvent)

	OnLLMStart func(ctx context.Context, ev PhaseEvent)
	OnLLMChunk func(ctx context.Context, ev PhaseEvent)
	OnLLMEnd   func(ctx context.Context, ev PhaseEvent)
	OnLLMError func(ctx context.Context, ev PhaseEvent)

	OnTTSStart func(ctx context.Context, ev PhaseEvent)
	OnTTSChunk func(ctx context.Context, ev PhaseEvent)
	OnTTSEnd   func(ctx context.Context, ev PhaseEvent)
	OnTTSError func(ctx context.Context, ev PhaseEvent)

	OnToolStart func(ctx context.Context, ev ToolEvent)
	OnToolEnd   func(ctx context.Context, ev ToolEvent)
	OnToolError func(ctx context.Context, ev ToolEvent)

	OnStageEnter       func(ctx context.Context, ev StageEvent)
	OnStageExit        func(ctx context.Context, ev StageEvent)
	OnTransition       func(ctx context.Context, ev StageEvent)
	OnPlaybookTurnEnd  func(ctx context.Context, ev TurnEvent)
	OnPlaybookComplete func(ctx context.Context, ev TurnEvent)

	OnError func(ctx context.Context, err error, ec ErrorContext)

	// Guardrail is consulted at turn start. Unlike every other hook, a
	// non-nil return value from Guardrail vetoes the turn: the caller
	// must abort before any provider call is made. Only configure this
	// when you actually want veto semantics — any other hook's error is
	// purely logged.
	Guardrail func(ctx context.Context, ev TurnEvent) error
}

// MetricsSink is the minimal metrics surface hooks/orchestrator/playbook/
// tools code depends on, satisfied by an OTel-backed implementation in
// production and by a recording fake in tests.
type MetricsSink interface {
	Timing(name string, ms float64, tags map[string]string)
	Increment(name string, n int64, tags map[string]string)
	Gauge(name string, v float64, tags map[string]string)
}

// Stable metric names, per §4.8.
const (
	MetricSTTDuration       = "llmrtc.stt.duration_ms"
	MetricLLMTTFT           = "llmrtc.llm.ttft_ms"
	MetricLLMDuration       = "llmrtc.llm.duration_ms"
	MetricTTSDuration       = "llmrtc.tts.duration_ms"
	MetricTurnDuration      = "llmrtc.turn.duration_ms"
	MetricTurnCancelled     = "llmrtc.turn.cancelled"
	MetricErrors            = "llmrtc.errors"
	MetricToolDuration      = "llmrtc.tool.duration_ms"
	MetricStageDuration     = "llmrtc.playbook.stage.duration_ms"
	MetricTransitions       = "llmrtc.playbook.transitions"
	MetricActiveConnections = "llmrtc.connections.active"
)

// NopSink discards every metric. Useful as a default when no sink is
// configured, so callers never need a nil check.
type NopSink struct{}

func (NopSink) Timing(string, float64, map[string]string)   {}
func (NopSink) Increment(string, int64, map[string]string)  {}
func (NopSink) Gauge(string, float64, map[string]string)    {}

// Dispatcher wraps a Hooks set and a MetricsSink, offering panic-safe,
// nil-safe dispatch methods. The zero Dispatcher is usable: all hooks are
// skipped and metrics are discarded.
type Dispatcher struct {
	hooks   Hooks
	metrics MetricsSink
}

// New returns a Dispatcher wrapping h and sink. A nil sink is replaced with
// NopSink.
func New(h Hooks, sink MetricsSink) *Dispatcher {
	if sink == nil {
		sink = NopSink{}
	}
	return &Dispatcher{hooks: h, metrics: sink}
}

// Metrics returns the configured MetricsSink.
func (d *Dispatcher) Metrics() MetricsSink { return d.metrics }

// safe invokes fn, recovering and logging any panic so a misbehaving hook
// can never crash the pipeline it's observing.
func safe(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("hooks: callback panicked, dispatch continues", "hook", name, "panic", r)
		}
	}()
	fn()
}

func (d *Dispatcher) TurnStart(ctx context.Context, ev TurnEvent) {
	if d.hooks.OnTurnStart != nil {
		safe("OnTurnStart", func() { d.hooks.OnTurnStart(ctx, ev) })
	}
}

func (d *Dispatcher) TurnEnd(ctx context.Context, ev TurnEvent) {
	if d.hooks.OnTurnEnd != nil {
		safe("OnTurnEnd", func() { d.hooks.OnTurnEnd(ctx, ev) })
	}
	d.metrics.Timing(MetricTurnDuration, float64(ev.Duration.Milliseconds()), nil)
	if ev.Err != nil {
		d.metrics.Increment(MetricErrors, 1, map[string]string{"component": "turn"})
	}
}

// Guardrail consults the configured guardrail hook, if any, returning its
// veto error (nil when no guardrail is configured or it approves).
func (d *Dispatcher) Guardrail(ctx context.Context, ev TurnEvent) error {
	if d.hooks.Guardrail == nil {
		return nil
	}
	return d.hooks.Guardrail(ctx, ev)
}

func (d *Dispatcher) Connection(ctx context.Context, sessionID string) {
	if d.hooks.OnConnection != nil {
		safe("OnConnection", func() { d.hooks.OnConnection(ctx, sessionID) })
	}
	d.metrics.Gauge(MetricActiveConnections, 1, nil)
}

func (d *Dispatcher) Disconnect(ctx context.Context, sessionID string) {
	if d.hooks.OnDisconnect != nil {
		safe("OnDisconnect", func() { d.hooks.OnDisconnect(ctx, sessionID) })
	}
	d.metrics.Gauge(MetricActiveConnections, -1, nil)
}

func (d *Dispatcher) SpeechStart(ctx context.Context, sessionID string) {
	if d.hooks.OnSpeechStart != nil {
		safe("OnSpeechStart", func() { d.hooks.OnSpeechStart(ctx, sessionID) })
	}
}

func (d *Dispatcher) SpeechEnd(ctx context.Context, sessionID string, dur time.Duration) {
	if d.hooks.OnSpeechEnd != nil {
		safe("OnSpeechEnd", func() { d.hooks.OnSpeechEnd(ctx, sessionID, dur) })
	}
}

func (d *Dispatcher) STTStart(ctx context.Context, ev PhaseEvent) {
	if d.hooks.OnSTTStart != nil {
		safe("OnSTTStart", func() { d.hooks.OnSTTStart(ctx, ev) })
	}
}

func (d *Dispatcher) STTEnd(ctx context.Context, ev PhaseEvent) {
	if d.hooks.OnSTTEnd != nil {
		safe("OnSTTEnd", func() { d.hooks.OnSTTEnd(ctx, ev) })
	}
	d.metrics.Timing(MetricSTTDuration, float64(ev.Duration.Milliseconds()), nil)
}

func (d *Dispatcher) STTError(ctx context.Context, ev PhaseEvent) {
	if d.hooks.OnSTTError != nil {
		safe("OnSTTError", func() { d.hooks.OnSTTError(ctx, ev) })
	}
	d.metrics.Increment(MetricErrors, 1, map[string]string{"component": "stt"})
}

func (d *Dispatcher) LLMStart(ctx context.Context, ev PhaseEvent) {
	if d.hooks.OnLLMStart != nil {
		safe("OnLLMStart", func() { d.hooks.OnLLMStart(ctx, ev) })
	}
}

func (d *Dispatcher) LLMChunk(ctx context.Context, ev PhaseEvent) {
	if d.hooks.OnLLMChunk != nil {
		safe("OnLLMChunk", func() { d.hooks.OnLLMChunk(ctx, ev) })
	}
}

// LLMFirstToken records time-to-first-token; callers pass the elapsed
// duration since the LLM call started.
func (d *Dispatcher) LLMFirstToken(ttft time.Duration) {
	d.metrics.Timing(MetricLLMTTFT, float64(ttft.Milliseconds()), nil)
}

func (d *Dispatcher) LLMEnd(ctx context.Context, ev PhaseEvent) {
	if d.hooks.OnLLMEnd != nil {
		safe("OnLLMEnd", func() { d.hooks.OnLLMEnd(ctx, ev) })
	}
	d.metrics.Timing(MetricLLMDuration, float64(ev.Duration.Milliseconds()), nil)
}

func (d *Dispatcher) LLMError(ctx context.Context, ev PhaseEvent) {
	if d.hooks.OnLLMError != nil {
		safe("OnLLMError", func() { d.hooks.OnLLMError(ctx, ev) })
	}
	d.metrics.Increment(MetricErrors, 1, map[string]string{"component": "llm"})
}

func (d *Dispatcher) TTSStart(ctx context.Context, ev PhaseEvent) {
	if d.hooks.OnTTSStart != nil {
		safe("OnTTSStart", func() { d.hooks.OnTTSStart(ctx, ev) })
	}
}

func (d *Dispatcher) TTSChunk(ctx context.Context, ev PhaseEvent) {
	if d.hooks.OnTTSChunk != nil {
		safe("OnTTSChunk", func() { d.hooks.OnTTSChunk(ctx, ev) })
	}
}

func (d *Dispatcher) TTSEnd(ctx context.Context, ev PhaseEvent) {
	if d.hooks.OnTTSEnd != nil {
		safe("OnTTSEnd", func() { d.hooks.OnTTSEnd(ctx, ev) })
	}
	d.metrics.Timing(MetricTTSDuration, float64(ev.Duration.Milliseconds()), nil)
}

func (d *Dispatcher) TTSError(ctx context.Context, ev PhaseEvent) {
	if d.hooks.OnTTSError != nil {
		safe("OnTTSError", func() { d.hooks.OnTTSError(ctx, ev) })
	}
	d.metrics.Increment(MetricErrors, 1, map[string]string{"component": "tts"})
}

func (d *Dispatcher) ToolStart(ctx context.Context, ev ToolEvent) {
	if d.hooks.OnToolStart != nil {
		safe("OnToolStart", func() { d.hooks.OnToolStart(ctx, ev) })
	}
}

func (d *Dispatcher) ToolEnd(ctx context.Context, ev ToolEvent) {
	if d.hooks.OnToolEnd != nil {
		safe("OnToolEnd", func() { d.hooks.OnToolEnd(ctx, ev) })
	}
	status := "ok"
	if ev.Err != nil {
		status = "error"
	}
	d.metrics.Timing(MetricToolDuration, float64(ev.Duration.Milliseconds()), map[string]string{"tool": ev.Name, "status": status})
}

func (d *Dispatcher) ToolError(ctx context.Context, ev ToolEvent) {
	if d.hooks.OnToolError != nil {
		safe("OnToolError", func() { d.hooks.OnToolError(ctx, ev) })
	}
	d.metrics.Increment(MetricErrors, 1, map[string]string{"component": "tool"})
}

func (d *Dispatcher) StageEnter(ctx context.Context, ev StageEvent) {
	if d.hooks.OnStageEnter != nil {
		safe("OnStageEnter", func() { d.hooks.OnStageEnter(ctx, ev) })
	}
}

func (d *Dispatcher) StageExit(ctx context.Context, ev StageEvent) {
	if d.hooks.OnStageExit != nil {
		safe("OnStageExit", func() { d.hooks.OnStageExit(ctx, ev) })
	}
}

func (d *Dispatcher) Transition(ctx context.Context, ev StageEvent) {
	if d.hooks.OnTransition != nil {
		safe("OnTransition", func() { d.hooks.OnTransition(ctx, ev) })
	}
	d.metrics.Increment(MetricTransitions, 1, map[string]string{"from": ev.From, "to": ev.To})
}

func (d *Dispatcher) PlaybookTurnEnd(ctx context.Context, ev TurnEvent) {
	if d.hooks.OnPlaybookTurnEnd != nil {
		safe("OnPlaybookTurnEnd", func() { d.hooks.OnPlaybookTurnEnd(ctx, ev) })
	}
}

func (d *Dispatcher) PlaybookComplete(ctx context.Context, ev TurnEvent) {
	if d.hooks.OnPlaybookComplete != nil {
		safe("OnPlaybookComplete", func() { d.hooks.OnPlaybookComplete(ctx, ev) })
	}
}

func (d *Dispatcher) Error(ctx context.Context, err error, ec ErrorContext) {
	if d.hooks.OnError != nil {
		safe("OnError", func() { d.hooks.OnError(ctx, err, ec) })
	}
	d.metrics.Increment(MetricErrors, 1, map[string]string{"component": ec.Component})
}

// Cancelled records a turn-cancellation as a first-class terminal
// condition, not an error, per §5.
func (d *Dispatcher) Cancelled(sessionID, turnID string) {
	d.metrics.Increment(MetricTurnCancelled, 1, map[string]string{"session_id": sessionID, "turn_id": turnID})
}
