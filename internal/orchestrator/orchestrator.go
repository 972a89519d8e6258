// Package orchestrator implements the single-prompt turn pipeline: one LLM
// call, optionally streamed sentence-by-sentence into a TTS synthesis
// call, with cancellation and hook/metric dispatch wired through every
// stage. It knows nothing about playbooks, stages, or the tool loop — the
// playbook engine calls into it once per LLM round and interprets the
// result.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/llmrtc/llmrtc/internal/bargein"
	"github.com/llmrtc/llmrtc/internal/chunker"
	"github.com/llmrtc/llmrtc/internal/config"
	"github.com/llmrtc/llmrtc/internal/hooks"
	"github.com/llmrtc/llmrtc/pkg/provider/llm"
	"github.com/llmrtc/llmrtc/pkg/provider/tts"
	"github.com/llmrtc/llmrtc/pkg/types"
)

// ChunkerOptions builds the sentence chunker options for a turn from the
// session's configured chunker policy (§6 "sentence-chunker policy"). An
// empty Terminators list keeps the chunker's built-in ".!?" default; a
// non-positive MinSentenceChars disables the minimum-length guard.
func ChunkerOptions(cfg config.ChunkerConfig) []chunker.Option {
	var opts []chunker.Option
	if len(cfg.Terminators) > 0 {
		opts = append(opts, chunker.WithBoundaryChars(strings.Join(cfg.Terminators, "")))
	}
	if cfg.MinSentenceChars > 0 {
		opts = append(opts, chunker.WithMinSentenceChars(cfg.MinSentenceChars))
	}
	return opts
}

// Emitter receives turn events as the pipeline produces them, so the
// caller (the session's transport loop) can forward them to the client
// without the orchestrator depending on the protocol package directly.
type Emitter interface {
	EmitLLMChunk(text string)
	EmitLLM(text string)
	EmitTTSStart()
	EmitTTSChunk(audio []byte, sentenceIndex int)
	EmitTTSComplete()
	EmitTTSCancelled()

	// EmitCancelled reports a turn cancelled before it ever entered TTS —
	// the counterpart to EmitTTSCancelled for the pre-TTS phases.
	EmitCancelled()
}

// NopEmitter discards every event. Useful for the silent tool-loop phase,
// which has nothing to emit.
type NopEmitter struct{}

func (NopEmitter) EmitLLMChunk(string)      {}
func (NopEmitter) EmitLLM(string)           {}
func (NopEmitter) EmitTTSStart()            {}
func (NopEmitter) EmitTTSChunk([]byte, int) {}
func (NopEmitter) EmitTTSComplete()         {}
func (NopEmitter) EmitTTSCancelled()        {}
func (NopEmitter) EmitCancelled()           {}

// Orchestrator runs the STT(already done)->LLM->TTS leg of a turn.
type Orchestrator struct {
	llm     llm.Provider
	tts     tts.Provider
	hooks   *hooks.Dispatcher
	arbiter *bargein.Arbiter
}

// New returns an Orchestrator wired to the given providers. A nil arbiter
// disables barge-in phase tracking (tests may pass nil); a nil hooks
// dispatcher is replaced with a no-op one.
func New(llmProvider llm.Provider, ttsProvider tts.Provider, h *hooks.Dispatcher, arbiter *bargein.Arbiter) *Orchestrator {
	if h == nil {
		h = hooks.New(hooks.Hooks{}, nil)
	}
	return &Orchestrator{llm: llmProvider, tts: ttsProvider, hooks: h, arbiter: arbiter}
}

// ErrNoTTSProvider is returned by SpeakReply when the Orchestrator was
// constructed without a TTS provider.
var ErrNoTTSProvider = errors.New("orchestrator: no TTS provider configured")

// Prompt performs a single non-streaming LLM call, used by the playbook
// engine's silent tool-loop phase where no spoken output is produced. The
// returned response's ToolCalls field, if non-empty, signals the loop
// should continue rather than advance to a spoken reply.
func (o *Orchestrator) Prompt(ctx context.Context, turn types.TurnContext, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	start := time.Now()
	o.hooks.LLMStart(ctx, hooks.PhaseEvent{SessionID: turn.SessionID, TurnID: turn.TurnID})

	resp, err := o.llm.Complete(ctx, req)
	duration := time.Since(start)
	if err != nil {
		o.hooks.LLMError(ctx, hooks.PhaseEvent{SessionID: turn.SessionID, TurnID: turn.TurnID, Err: err, Duration: duration})
		return nil, fmt.Errorf("orchestrator: prompt: %w", err)
	}
	o.hooks.LLMEnd(ctx, hooks.PhaseEvent{SessionID: turn.SessionID, TurnID: turn.TurnID, Text: resp.Content, Duration: duration})
	return resp, nil
}

// llmResult is what the chunk-consuming goroutine hands back once the LLM
// stream closes.
type llmResult struct {
	text         string
	toolCalls    []types.ToolCall
	firstTokenAt time.Time
	err          error
}

// consumeChunks reads chunks until it closes, forwarding text fragments to
// out (the chunker's input) and to emit/hooks as they arrive, and reports
// the accumulated result on the returned channel. It always closes out
// before returning, even on error or cancellation, so the chunker and TTS
// stage can finish draining.
func consumeChunks(ctx context.Context, turn types.TurnContext, chunks <-chan llm.Chunk, out chan<- string, emit Emitter, h *hooks.Dispatcher) <-chan llmResult {
	done := make(chan llmResult, 1)
	go func() {
		defer close(out)
		var res llmResult
		for c := range chunks {
			if c.FinishReason == "error" {
				res.err = fmt.Errorf("orchestrator: llm stream reported an error")
				continue
			}
			if c.Text != "" {
				if res.firstTokenAt.IsZero() {
					res.firstTokenAt = time.Now()
				}
				res.text += c.Text
				emit.EmitLLMChunk(c.Text)
				h.LLMChunk(ctx, hooks.PhaseEvent{SessionID: turn.SessionID, TurnID: turn.TurnID, Text: c.Text})
				select {
				case out <- c.Text:
				case <-ctx.Done():
					res.err = context.Cause(ctx)
					done <- res
					return
				}
			}
			if len(c.ToolCalls) > 0 {
				res.toolCalls = append(res.toolCalls, c.ToolCalls...)
			}
		}
		done <- res
	}()
	return done
}

// SpeakReply streams a final, tool-free LLM reply through the sentence
// chunker into TTS synthesis, emitting events via emit as each stage
// produces output. It returns the assistant Message to append to session
// history.
//
// SpeakReply honours ctx cancellation (including barge-in): when ctx is
// cancelled mid-stream, synthesis is abandoned. If the turn had already
// entered TTS, EmitTTSCancelled is called instead of EmitTTSComplete;
// otherwise EmitCancelled is called. Either way the returned error wraps
// context.Cause(ctx). chunkerOpts configures the sentence chunker's
// boundary/minimum-length policy for this turn, per the session's
// sentence-chunker config.
func (o *Orchestrator) SpeakReply(ctx context.Context, turn types.TurnContext, req llm.CompletionRequest, voice types.VoiceProfile, emit Emitter, chunkerOpts ...chunker.Option) (types.Message, error) {
	if o.tts == nil {
		return types.Message{}, ErrNoTTSProvider
	}
	if emit == nil {
		emit = NopEmitter{}
	}
	if o.arbiter != nil {
		o.arbiter.SetPhase(turn.TurnID, bargein.PhaseThinking)
	}

	llmStart := time.Now()
	o.hooks.LLMStart(ctx, hooks.PhaseEvent{SessionID: turn.SessionID, TurnID: turn.TurnID})

	chunks, err := o.llm.StreamCompletion(ctx, req)
	if err != nil {
		o.hooks.LLMError(ctx, hooks.PhaseEvent{SessionID: turn.SessionID, TurnID: turn.TurnID, Err: err})
		return types.Message{}, fmt.Errorf("orchestrator: stream completion: %w", err)
	}

	// raw is the chunker's input (one sentence fragment per LLM text
	// chunk); sentences is its output (complete sentences, chunker-paced).
	raw := make(chan string, 8)
	sentences := make(chan string, 8)
	llmDone := consumeChunks(ctx, turn, chunks, raw, emit, o.hooks)
	go chunker.Pump(ctx, raw, sentences, chunkerOpts...)

	ttsAudio := make(chan []byte, 8)
	var ttsErr error
	ttsDone := make(chan struct{})
	go func() {
		defer close(ttsDone)
		audio, err := o.tts.SynthesizeStream(ctx, sentences, voice)
		if err != nil {
			ttsErr = err
			close(ttsAudio)
			return
		}
		for frame := range audio {
			select {
			case ttsAudio <- frame:
			case <-ctx.Done():
			}
		}
		close(ttsAudio)
	}()

	ttsStarted := false
	sentenceIdx := 0
	var cancelCause error
drainLoop:
	for {
		select {
		case <-ctx.Done():
			cancelCause = context.Cause(ctx)
			break drainLoop
		case frame, ok := <-ttsAudio:
			if !ok {
				break drainLoop
			}
			if !ttsStarted {
				ttsStarted = true
				if o.arbiter != nil {
					o.arbiter.SetPhase(turn.TurnID, bargein.PhaseSpeaking)
				}
				emit.EmitTTSStart()
			}
			emit.EmitTTSChunk(frame, sentenceIdx)
			o.hooks.TTSChunk(ctx, hooks.PhaseEvent{SessionID: turn.SessionID, TurnID: turn.TurnID})
			sentenceIdx++
		}
	}

	res := <-llmDone
	<-ttsDone

	if cancelCause != nil || res.err != nil {
		err := cancelCause
		if err == nil {
			err = res.err
		}
		if ttsStarted {
			emit.EmitTTSCancelled()
		} else {
			emit.EmitCancelled()
		}
		o.hooks.Cancelled(turn.SessionID, turn.TurnID)
		return types.Message{}, fmt.Errorf("orchestrator: turn cancelled: %w", err)
	}
	if ttsErr != nil {
		o.hooks.TTSError(ctx, hooks.PhaseEvent{SessionID: turn.SessionID, TurnID: turn.TurnID, Err: ttsErr})
		// TTS failure doesn't invalidate the assistant's text reply; the
		// caller still appends it to history, just without audio.
	} else {
		emit.EmitTTSComplete()
		o.hooks.TTSEnd(ctx, hooks.PhaseEvent{SessionID: turn.SessionID, TurnID: turn.TurnID})
	}

	if !res.firstTokenAt.IsZero() {
		o.hooks.LLMFirstToken(res.firstTokenAt.Sub(llmStart))
	}
	o.hooks.LLMEnd(ctx, hooks.PhaseEvent{SessionID: turn.SessionID, TurnID: turn.TurnID, Text: res.text, Duration: time.Since(llmStart)})
	emit.EmitLLM(res.text)

	return types.Message{
		Role:      "assistant",
		Content:   res.text,
		ToolCalls: res.toolCalls,
		Timestamp: time.Now(),
	}, nil
}
