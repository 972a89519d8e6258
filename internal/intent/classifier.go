// Package intent implements an embedding-based [playbook.IntentClassifier]:
// it embeds the caller's utterance, compares it against a per-stage set of
// labelled example embeddings, and returns whichever label is nearest by
// cosine distance, provided that distance clears a configurable threshold.
package intent

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/llmrtc/llmrtc/internal/playbook"
	"github.com/llmrtc/llmrtc/pkg/provider/embeddings"
	"github.com/llmrtc/llmrtc/pkg/types"
)

var _ playbook.IntentClassifier = (*Classifier)(nil)

// Index resolves the nearest labelled example to a query embedding, scoped
// to one playbook stage and restricted to a set of candidate labels.
//
// Implementations must be safe for concurrent use.
type Index interface {
	// Nearest returns the label of the closest indexed example to query among
	// candidates for stageID, and its cosine distance (0 = identical,
	// 2 = opposite). ok is false if stageID has no indexed examples for any
	// of candidates.
	Nearest(ctx context.Context, stageID string, candidates []string, query []float32) (label string, distance float64, ok bool, err error)
}

// Classifier is a [playbook.IntentClassifier] backed by an [embeddings.Provider]
// and an [Index] of labelled example embeddings.
type Classifier struct {
	embedder  embeddings.Provider
	index     Index
	threshold float64
}

// New returns a Classifier that embeds utterances with embedder and resolves
// them against index. threshold is the maximum cosine distance (0 to 2) at
// which a match is accepted; Classify returns an empty label for anything
// farther away. A threshold of 0 defaults to 0.4, a reasonable cutoff for
// normalised sentence embeddings.
func New(embedder embeddings.Provider, index Index, threshold float64) *Classifier {
	if threshold <= 0 {
		threshold = 0.4
	}
	return &Classifier{embedder: embedder, index: index, threshold: threshold}
}

// Classify implements [playbook.IntentClassifier]. It returns an empty label
// and nil error, rather than failing the turn, whenever the stage declares
// no candidate intents or no example clears the distance threshold.
func (c *Classifier) Classify(ctx context.Context, stage types.Stage, utterance string) (string, error) {
	if len(stage.Intents) == 0 || utterance == "" {
		return "", nil
	}

	vec, err := c.embedder.Embed(ctx, utterance)
	if err != nil {
		return "", fmt.Errorf("intent classifier: embed utterance: %w", err)
	}

	label, distance, ok, err := c.index.Nearest(ctx, stage.ID, stage.Intents, vec)
	if err != nil {
		return "", fmt.Errorf("intent classifier: nearest neighbour lookup: %w", err)
	}
	if !ok || distance > c.threshold {
		return "", nil
	}
	return label, nil
}

// cosineDistance returns 1 - cosine similarity between a and b, which must
// have equal, non-zero length. Used by [MemoryIndex]; [PostgresIndex] lets
// pgvector's <=> operator do this in-database instead.
func cosineDistance(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 2
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return 1 - sim
}

// rankedMatch is a candidate label and its distance to a query embedding.
type rankedMatch struct {
	label    string
	distance float64
}

func nearestOf(matches []rankedMatch) (rankedMatch, bool) {
	if len(matches) == 0 {
		return rankedMatch{}, false
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].distance < matches[j].distance })
	return matches[0], true
}
