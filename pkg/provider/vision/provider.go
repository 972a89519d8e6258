// Package vision defines the Provider interface for image-understanding
// backends, used as a fallback when the session's configured LLM has no
// native vision support for a Message carrying Attachments.
//
// Implementations must be safe for concurrent use.
package vision

import (
	"context"

	"github.com/llmrtc/llmrtc/pkg/types"
)

// Request carries a prompt and the attachments to describe.
type Request struct {
	// Prompt steers the description (e.g., "what is unusual about this image?").
	// May be empty, in which case the provider returns a general description.
	Prompt string

	// Attachments is the non-text content to analyse. Must be non-empty.
	Attachments []types.Attachment
}

// Result is the outcome of a Describe call.
type Result struct {
	// Description is the model's natural-language description of the
	// attachments, given the prompt.
	Description string
}

// Provider is the abstraction over any vision/image-understanding backend.
//
// Implementations must be safe for concurrent use from multiple goroutines.
type Provider interface {
	// Describe analyses req.Attachments and returns a textual description.
	// Returns an error if req.Attachments is empty, if no attachment can be
	// decoded, or if the underlying service fails or ctx is cancelled.
	Describe(ctx context.Context, req Request) (*Result, error)
}
