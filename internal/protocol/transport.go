package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
)

// Conn is a single client connection: JSON control envelopes over text
// frames, raw audio over binary frames, multiplexed on one websocket.
type Conn struct {
	ws    *websocket.Conn
	codec *Codec
}

// Accept upgrades an incoming HTTP request to a websocket and wraps it as a
// Conn. The caller owns the returned Conn and must call Close.
func Accept(w http.ResponseWriter, r *http.Request, codec *Codec) (*Conn, error) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("protocol: accept websocket: %w", err)
	}
	if codec == nil {
		codec = NewCodec()
	}
	return &Conn{ws: c, codec: codec}, nil
}

// ReadEnvelope blocks for the next text frame and decodes it.
func (c *Conn) ReadEnvelope(ctx context.Context) (Envelope, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		return Envelope{}, fmt.Errorf("protocol: read: %w", err)
	}
	if typ != websocket.MessageText {
		return Envelope{}, fmt.Errorf("protocol: expected text frame, got binary: %s", ErrInvalidEnvelope)
	}
	return c.codec.Decode(data)
}

// ReadAudio blocks for the next binary frame.
func (c *Conn) ReadAudio(ctx context.Context) ([]byte, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("protocol: read audio: %w", err)
	}
	if typ != websocket.MessageBinary {
		return nil, fmt.Errorf("protocol: expected binary frame, got text: %s", ErrInvalidEnvelope)
	}
	return data, nil
}

// Frame is one inbound unit from ReadFrame: exactly one of Envelope or Audio
// is set, depending on whether the underlying websocket frame was text or
// binary.
type Frame struct {
	Envelope *Envelope
	Audio    []byte
}

// ReadFrame blocks for the next frame of either kind and classifies it,
// letting a caller multiplex control envelopes and raw audio off a single
// connection without guessing which one arrives next. ReadEnvelope and
// ReadAudio each consume a frame unconditionally and error out on a type
// mismatch, which drops that frame's bytes; a caller alternating between
// them to read a session's full traffic would lose data on every mismatch.
// ReadFrame is the read-loop entry point for that case.
func (c *Conn) ReadFrame(ctx context.Context) (Frame, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		return Frame{}, fmt.Errorf("protocol: read: %w", err)
	}
	switch typ {
	case websocket.MessageBinary:
		return Frame{Audio: data}, nil
	case websocket.MessageText:
		e, err := c.codec.Decode(data)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Envelope: &e}, nil
	default:
		return Frame{}, fmt.Errorf("protocol: unknown frame type: %s", ErrInvalidEnvelope)
	}
}

// WriteEnvelope encodes and sends a control message as a text frame.
func (c *Conn) WriteEnvelope(ctx context.Context, e Envelope) error {
	data, err := c.codec.Encode(e)
	if err != nil {
		return err
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("protocol: write: %w", err)
	}
	return nil
}

// WriteAudio sends a raw audio frame as a binary frame.
func (c *Conn) WriteAudio(ctx context.Context, frame []byte) error {
	if err := c.ws.Write(ctx, websocket.MessageBinary, frame); err != nil {
		return fmt.Errorf("protocol: write audio: %w", err)
	}
	return nil
}

// Close closes the underlying websocket with a normal closure.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "session closed")
}

// CloseError closes the underlying websocket reporting an abnormal
// closure, logging the reason.
func (c *Conn) CloseError(reason string) error {
	slog.Warn("protocol: closing connection with error", "reason", reason)
	return c.ws.Close(websocket.StatusInternalError, reason)
}
