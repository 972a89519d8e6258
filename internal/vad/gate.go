// Package vad implements the voice-activity gate: a per-frame speech/silence
// classifier with debounce and redemption hysteresis, sitting between the
// raw audio stream and the conversation orchestrator.
package vad

import (
	"github.com/llmrtc/llmrtc/pkg/provider/vad"
	"github.com/llmrtc/llmrtc/pkg/types"
)

// Params configures a Gate's sensitivity and timing.
type Params struct {
	// PositiveThreshold is the speech-probability above which a frame
	// counts toward starting an utterance.
	PositiveThreshold float64

	// NegativeThreshold is the speech-probability below which a frame
	// counts toward ending an utterance. Must be <= PositiveThreshold.
	NegativeThreshold float64

	// MinSpeechFrames is the number of consecutive above-threshold frames
	// required before VADSpeechStart fires (debounce).
	MinSpeechFrames int

	// RedemptionFrames is the number of consecutive below-threshold
	// frames required before VADSpeechEnd fires (hangover).
	RedemptionFrames int

	// PreSpeechPadFrames is how many frames preceding the debounced start
	// are prepended to the emitted segment, so the first syllable isn't
	// clipped by the debounce delay.
	PreSpeechPadFrames int
}

// DefaultParams returns the gate's default thresholds and frame counts.
func DefaultParams() Params {
	return Params{
		PositiveThreshold:  0.5,
		NegativeThreshold:  0.35,
		MinSpeechFrames:    5,
		RedemptionFrames:   50,
		PreSpeechPadFrames: 10,
	}
}

// Classifier scores a single audio frame's speech probability. Concrete
// implementations wrap a provider's VAD model.
type Classifier interface {
	Score(frame types.AudioFrame) (float64, error)
}

// ProviderClassifier adapts a pkg/provider/vad.SessionHandle to the
// Classifier interface, treating the provider as a raw per-frame scorer:
// only Probability is used, since debounce/redemption hysteresis is this
// package's responsibility, not the provider model's.
type ProviderClassifier struct {
	Session vad.SessionHandle
}

// Score implements Classifier.
func (p ProviderClassifier) Score(frame types.AudioFrame) (float64, error) {
	ev, err := p.Session.ProcessFrame(frame.Data)
	if err != nil {
		return 0, err
	}
	return ev.Probability, nil
}

// Gate turns a stream of per-frame speech probabilities into debounced
// VADEvent transitions, and buffers the pre-speech pad so the first
// emitted segment doesn't clip the onset of speech.
type Gate struct {
	params     Params
	classifier Classifier

	speaking      bool
	aboveCount    int
	belowCount    int
	pad           []types.AudioFrame
	padIdx        int
}

// NewGate constructs a Gate. classifier must be non-nil.
func NewGate(params Params, classifier Classifier) *Gate {
	g := &Gate{params: params, classifier: classifier}
	if g.params.PreSpeechPadFrames > 0 {
		g.pad = make([]types.AudioFrame, g.params.PreSpeechPadFrames)
	}
	return g
}

// Feed scores one frame and returns the VADEvent transition it produces,
// along with any pre-speech pad frames that should be prepended (only
// non-empty on the frame that produces VADSpeechStart).
func (g *Gate) Feed(frame types.AudioFrame) (types.VADEvent, []types.AudioFrame, error) {
	prob, err := g.classifier.Score(frame)
	if err != nil {
		return types.VADEvent{}, nil, err
	}

	g.ringPush(frame)

	switch {
	case !g.speaking && prob >= g.params.PositiveThreshold:
		g.aboveCount++
		g.belowCount = 0
		if g.aboveCount >= g.params.MinSpeechFrames {
			g.speaking = true
			g.aboveCount = 0
			return types.VADEvent{Type: types.VADSpeechStart, Probability: prob}, g.drainPad(), nil
		}
		return types.VADEvent{Type: types.VADSilence, Probability: prob}, nil, nil

	case g.speaking && prob <= g.params.NegativeThreshold:
		g.belowCount++
		g.aboveCount = 0
		if g.belowCount >= g.params.RedemptionFrames {
			g.speaking = false
			g.belowCount = 0
			return types.VADEvent{Type: types.VADSpeechEnd, Probability: prob}, nil, nil
		}
		return types.VADEvent{Type: types.VADSpeechContinue, Probability: prob}, nil, nil

	case g.speaking:
		g.belowCount = 0
		return types.VADEvent{Type: types.VADSpeechContinue, Probability: prob}, nil, nil

	default:
		g.aboveCount = 0
		return types.VADEvent{Type: types.VADSilence, Probability: prob}, nil, nil
	}
}

// Reset clears debounce/redemption counters and pad buffer between turns.
func (g *Gate) Reset() {
	g.speaking = false
	g.aboveCount = 0
	g.belowCount = 0
	g.padIdx = 0
	for i := range g.pad {
		g.pad[i] = types.AudioFrame{}
	}
}

func (g *Gate) ringPush(frame types.AudioFrame) {
	if len(g.pad) == 0 {
		return
	}
	g.pad[g.padIdx%len(g.pad)] = frame
	g.padIdx++
}

// drainPad returns the buffered pre-speech frames in chronological order.
func (g *Gate) drainPad() []types.AudioFrame {
	if len(g.pad) == 0 {
		return nil
	}
	n := len(g.pad)
	if g.padIdx < n {
		n = g.padIdx
	}
	out := make([]types.AudioFrame, 0, n)
	start := g.padIdx - n
	for i := 0; i < n; i++ {
		out = append(out, g.pad[(start+i)%len(g.pad)])
	}
	return out
}
