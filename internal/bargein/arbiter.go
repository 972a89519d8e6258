// Package bargein implements the barge-in arbiter: when new speech is
// detected while a turn's assistant reply (LLM generation or TTS playback)
// is still in flight, the in-flight turn is cancelled in favor of the new
// utterance.
package bargein

import (
	"context"
	"log/slog"
	"sync"
)

// Phase identifies where a turn is in its lifecycle, for arbitration
// decisions: only a turn in PhaseThinking or PhaseSpeaking is interruptible;
// new speech does not cancel a turn that is idle or still in PhaseListening.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseListening
	PhaseThinking
	PhaseSpeaking
)

// Arbiter tracks the active turn's cancellation and phase for one session,
// and decides whether newly detected speech should cancel it.
type Arbiter struct {
	mu     sync.Mutex
	cancel context.CancelCauseFunc
	phase  Phase
	turnID string
}

// ErrBargedIn is the cancellation cause recorded when a turn is cut short
// by new speech.
var ErrBargedIn = bargedInError{}

type bargedInError struct{}

func (bargedInError) Error() string { return "turn cancelled: barge-in" }

// NewArbiter returns an idle Arbiter.
func NewArbiter() *Arbiter {
	return &Arbiter{phase: PhaseIdle}
}

// BeginTurn registers the cancel function for a newly started turn,
// replacing any previous registration (the orchestrator guarantees only
// one turn runs per session at a time).
func (a *Arbiter) BeginTurn(turnID string, cancel context.CancelCauseFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.turnID = turnID
	a.cancel = cancel
	a.phase = PhaseListening
}

// SetPhase updates the active turn's phase.
func (a *Arbiter) SetPhase(turnID string, phase Phase) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.turnID == turnID {
		a.phase = phase
	}
}

// EndTurn clears the arbiter's state once a turn completes normally.
func (a *Arbiter) EndTurn(turnID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.turnID == turnID {
		a.turnID = ""
		a.cancel = nil
		a.phase = PhaseIdle
	}
}

// OnSpeechStart is called by the VAD gate when new speech begins. If a
// turn is active and past the listening phase, it is cancelled with
// ErrBargedIn and true is returned; otherwise false.
func (a *Arbiter) OnSpeechStart(ctx context.Context) bool {
	a.mu.Lock()
	cancel := a.cancel
	phase := a.phase
	turnID := a.turnID
	a.mu.Unlock()

	if cancel == nil || phase == PhaseIdle || phase == PhaseListening {
		return false
	}
	slog.InfoContext(ctx, "bargein: cancelling in-flight turn", "turn_id", turnID, "phase", phase)
	cancel(ErrBargedIn)
	a.EndTurn(turnID)
	return true
}
