// Package energy implements vad.Engine with a simple RMS-amplitude speech
// detector. It carries no model weights and needs no external service,
// making it a reasonable default VAD backend for deployments that have not
// wired a learned model (e.g. Silero) behind the same interface, and a
// dependency-free stand-in in tests and local development.
package energy

import (
	"errors"
	"math"

	"github.com/llmrtc/llmrtc/pkg/provider/vad"
)

// defaultNoiseFloor is the RMS amplitude (0-1 scale, relative to int16 full
// scale) below which a frame is always silence, regardless of threshold
// configuration. It absorbs line/DC noise on quiet input devices.
const defaultNoiseFloor = 0.01

// Engine is a vad.Engine backed by per-frame RMS amplitude against the
// session's configured thresholds.
type Engine struct{}

// New returns an Engine. It has no configuration of its own; all tuning
// happens per-session via vad.Config.
func New() *Engine {
	return &Engine{}
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SpeechThreshold <= 0 {
		cfg.SpeechThreshold = 0.5
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = 0.35
	}
	if cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, errors.New("energy: SilenceThreshold must be <= SpeechThreshold")
	}
	return &session{cfg: cfg}, nil
}

type session struct {
	cfg     vad.Config
	speech  bool
}

// ProcessFrame implements vad.SessionHandle. frame must be little-endian
// int16 PCM; an odd byte count is rejected as malformed.
func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if len(frame)%2 != 0 {
		return vad.VADEvent{}, errors.New("energy: frame length must be a multiple of 2 (int16 PCM)")
	}
	if len(frame) == 0 {
		return vad.VADEvent{Probability: 0}, nil
	}

	n := len(frame) / 2
	var sumSquares float64
	for i := 0; i < n; i++ {
		sample := int16(uint16(frame[2*i]) | uint16(frame[2*i+1])<<8)
		norm := float64(sample) / 32768.0
		sumSquares += norm * norm
	}
	rms := math.Sqrt(sumSquares / float64(n))
	if rms < defaultNoiseFloor {
		rms = 0
	}

	wasSpeech := s.speech
	switch {
	case s.speech && rms < s.cfg.SilenceThreshold:
		s.speech = false
	case !s.speech && rms >= s.cfg.SpeechThreshold:
		s.speech = true
	}

	evType := vad.VADSilence
	switch {
	case s.speech && !wasSpeech:
		evType = vad.VADSpeechStart
	case !s.speech && wasSpeech:
		evType = vad.VADSpeechEnd
	case s.speech:
		evType = vad.VADSpeechContinue
	}

	prob := rms
	if prob > 1 {
		prob = 1
	}
	return vad.VADEvent{Type: evType, Probability: prob}, nil
}

// Reset implements vad.SessionHandle.
func (s *session) Reset() {
	s.speech = false
}

// Close implements vad.SessionHandle. The energy detector holds no
// resources, so Close is a no-op.
func (s *session) Close() error { return nil }

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*session)(nil)
)
