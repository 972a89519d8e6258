// Package chunker splits a stream of LLM token chunks into sentences so
// the TTS stage can start speaking before the full reply has finished
// generating.
package chunker

import (
	"context"
	"strings"
)

// Option configures a Chunker.
type Option func(*Chunker)

// WithBoundaryChars overrides the set of characters treated as a sentence
// terminator. Defaults to '.', '!', '?'.
func WithBoundaryChars(chars string) Option {
	return func(c *Chunker) { c.boundary = chars }
}

// WithMinSentenceChars sets the minimum length a candidate sentence must
// reach before a boundary character is allowed to close it, avoiding tiny
// fragments like "Dr." being emitted as their own sentence. n <= 0 means no
// minimum (the default).
func WithMinSentenceChars(n int) Option {
	return func(c *Chunker) { c.minChars = n }
}

// Chunker accumulates streamed text and emits complete sentences as soon
// as a boundary is seen, flushing any trailing fragment when the stream
// ends.
type Chunker struct {
	boundary string
	minChars int
	buf      strings.Builder
}

// New returns a Chunker with the given options applied.
func New(opts ...Option) *Chunker {
	c := &Chunker{boundary: ".!?"}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Feed appends text to the chunker and returns any complete sentences it
// can now flush, in order.
func (c *Chunker) Feed(text string) []string {
	if text != "" {
		c.buf.WriteString(text)
	}
	var out []string
	for {
		idx := c.boundaryIndex(c.buf.String())
		if idx < 0 {
			break
		}
		s := c.buf.String()
		sentence := s[:idx+1]
		rest := strings.TrimLeft(s[idx+1:], " \t\n\r")
		c.buf.Reset()
		c.buf.WriteString(rest)
		out = append(out, sentence)
	}
	return out
}

// Flush returns any remaining buffered text as a final fragment, clearing
// the buffer. Call this once the upstream token stream ends.
func (c *Chunker) Flush() string {
	s := c.buf.String()
	c.buf.Reset()
	return s
}

// boundaryIndex returns the index of the first boundary character
// immediately followed by whitespace, or -1. A boundary whose candidate
// sentence (s[:i+1]) is shorter than minChars is skipped in favour of a
// later one, so short abbreviations like "Dr." don't end a sentence early.
func (c *Chunker) boundaryIndex(s string) int {
	for i := 0; i < len(s)-1; i++ {
		if strings.IndexByte(c.boundary, s[i]) < 0 {
			continue
		}
		switch s[i+1] {
		case ' ', '\n', '\r', '\t':
			if i+1 < c.minChars {
				continue
			}
			return i
		}
	}
	return -1
}

// Pump reads text fragments from in, feeds them through a Chunker, and
// writes complete sentences to out until in closes or ctx is cancelled. Any
// trailing fragment is flushed as a final send.
func Pump(ctx context.Context, in <-chan string, out chan<- string, opts ...Option) {
	c := New(opts...)
	for {
		select {
		case <-ctx.Done():
			return
		case frag, ok := <-in:
			if !ok {
				if rest := c.Flush(); rest != "" {
					select {
					case out <- rest:
					case <-ctx.Done():
					}
				}
				return
			}
			for _, sentence := range c.Feed(frag) {
				select {
				case out <- sentence:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}
