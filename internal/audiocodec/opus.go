// Package audiocodec implements the Opus codec for the client-facing audio
// path. Internally the pipeline (VAD, STT, TTS) always works in raw
// little-endian int16 PCM; when a session negotiates the "opus" wire codec,
// a [Decoder] expands incoming microphone frames before they reach
// [pkg/audio.FormatConverter]. The matching [Encoder] is not used by the
// session pipeline: outgoing TTS audio is never Opus-encoded.
package audiocodec

import (
	"encoding/binary"
	"fmt"

	"layeh.com/gopus"
)

// frameDurationMs is the Opus frame size this codec is fixed to. Opus only
// accepts 2.5/5/10/20/40/60ms frames; 20ms is the standard choice for
// interactive voice.
const frameDurationMs = 20

// maxEncodedBytes bounds a single Opus packet, per gopus.Encoder.Encode's
// maxBytes parameter. Real packets are far smaller; this is just a safe
// upper bound for the internal encode buffer.
const maxEncodedBytes = 4000

// Encoder compresses little-endian int16 PCM frames to Opus. Not safe for
// concurrent use; create one per outgoing stream.
type Encoder struct {
	enc        *gopus.Encoder
	sampleRate int
	channels   int
	frameSize  int
}

// NewEncoder builds an Encoder for the given sample rate and channel count,
// tuned for voice (gopus.Voip).
func NewEncoder(sampleRate, channels int) (*Encoder, error) {
	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("audiocodec: new opus encoder: %w", err)
	}
	return &Encoder{
		enc:        enc,
		sampleRate: sampleRate,
		channels:   channels,
		frameSize:  sampleRate * frameDurationMs / 1000,
	}, nil
}

// Encode compresses one frame of PCM to an Opus packet. pcm must contain
// exactly one 20ms frame (frameSize samples per channel); callers that
// produce variable-length buffers should accumulate into that size first.
func (e *Encoder) Encode(pcm []byte) ([]byte, error) {
	samples := pcmToInt16(pcm)
	want := e.frameSize * e.channels
	if len(samples) != want {
		return nil, fmt.Errorf("audiocodec: encode expects %d samples, got %d", want, len(samples))
	}
	out, err := e.enc.Encode(samples, e.frameSize, maxEncodedBytes)
	if err != nil {
		return nil, fmt.Errorf("audiocodec: opus encode: %w", err)
	}
	return out, nil
}

// FrameBytes returns the PCM byte length Encode expects per call.
func (e *Encoder) FrameBytes() int { return e.frameSize * e.channels * 2 }

// EncodeBuffer compresses an arbitrary-length PCM buffer into a sequence of
// Opus packets, framed as [uint16 length][packet bytes] so DecodeBuffer can
// recover packet boundaries from the single binary blob a transport frame
// carries. A trailing partial frame is zero-padded to FrameBytes before
// encoding.
func (e *Encoder) EncodeBuffer(pcm []byte) ([]byte, error) {
	frameBytes := e.FrameBytes()
	var out []byte
	for off := 0; off < len(pcm); off += frameBytes {
		end := off + frameBytes
		var chunk []byte
		if end <= len(pcm) {
			chunk = pcm[off:end]
		} else {
			chunk = make([]byte, frameBytes)
			copy(chunk, pcm[off:])
		}
		packet, err := e.Encode(chunk)
		if err != nil {
			return nil, err
		}
		var lenBuf [2]byte
		binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(packet)))
		out = append(out, lenBuf[:]...)
		out = append(out, packet...)
	}
	return out, nil
}

// Decoder expands Opus packets back to little-endian int16 PCM. Not safe
// for concurrent use; create one per incoming stream.
type Decoder struct {
	dec       *gopus.Decoder
	channels  int
	frameSize int
}

// NewDecoder builds a Decoder for the given sample rate and channel count.
func NewDecoder(sampleRate, channels int) (*Decoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audiocodec: new opus decoder: %w", err)
	}
	return &Decoder{
		dec:       dec,
		channels:  channels,
		frameSize: sampleRate * frameDurationMs / 1000,
	}, nil
}

// Decode expands a single Opus packet into little-endian int16 PCM. lost,
// when true, signals a dropped network packet; packet is then ignored and
// the decoder performs packet-loss concealment instead.
func (d *Decoder) Decode(packet []byte, lost bool) ([]byte, error) {
	if lost {
		packet = nil
	}
	samples, err := d.dec.Decode(packet, d.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audiocodec: opus decode: %w", err)
	}
	return int16ToPCM(samples), nil
}

// DecodeBuffer expands a sequence of length-prefixed Opus packets (as
// produced by [Encoder.EncodeBuffer]) back into one contiguous PCM buffer.
// lost marks the whole buffer as a dropped network packet, triggering
// packet-loss concealment for exactly one frame's worth of PCM.
func (d *Decoder) DecodeBuffer(data []byte, lost bool) ([]byte, error) {
	if lost {
		return d.Decode(nil, true)
	}

	var out []byte
	for off := 0; off < len(data); {
		if off+2 > len(data) {
			return nil, fmt.Errorf("audiocodec: truncated packet length prefix at offset %d", off)
		}
		n := int(binary.LittleEndian.Uint16(data[off:]))
		off += 2
		if off+n > len(data) {
			return nil, fmt.Errorf("audiocodec: truncated packet body at offset %d", off)
		}
		pcm, err := d.Decode(data[off:off+n], false)
		if err != nil {
			return nil, err
		}
		out = append(out, pcm...)
		off += n
	}
	return out, nil
}

func pcmToInt16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

func int16ToPCM(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
