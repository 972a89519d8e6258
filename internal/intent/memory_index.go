package intent

import (
	"context"
	"fmt"
	"sync"

	"github.com/llmrtc/llmrtc/pkg/provider/embeddings"
)

// MemoryIndex is a zero-shot [Index]: it has no seeded training examples,
// and instead embeds each candidate label's text itself (e.g. "has_issue",
// "wants_refund") on first use and caches the result. This needs no
// Postgres deployment and is the default wired by [app.New] when no
// [PostgresIndex] is configured; seeded examples via [PostgresIndex]
// classify far better once a deployment has transcript data to seed from.
type MemoryIndex struct {
	embedder embeddings.Provider

	mu    sync.Mutex
	cache map[string][]float32 // label -> embedding
}

// NewMemoryIndex returns a MemoryIndex using embedder to embed label text.
func NewMemoryIndex(embedder embeddings.Provider) *MemoryIndex {
	return &MemoryIndex{embedder: embedder, cache: make(map[string][]float32)}
}

// Nearest implements [Index]. stageID is ignored since labels are assumed
// unique across the deployment's playbooks.
func (m *MemoryIndex) Nearest(ctx context.Context, stageID string, candidates []string, query []float32) (string, float64, bool, error) {
	var matches []rankedMatch
	for _, label := range candidates {
		vec, err := m.labelEmbedding(ctx, label)
		if err != nil {
			return "", 0, false, fmt.Errorf("intent memory index: embed label %q: %w", label, err)
		}
		matches = append(matches, rankedMatch{label: label, distance: cosineDistance(query, vec)})
	}
	best, ok := nearestOf(matches)
	if !ok {
		return "", 0, false, nil
	}
	return best.label, best.distance, true, nil
}

func (m *MemoryIndex) labelEmbedding(ctx context.Context, label string) ([]float32, error) {
	m.mu.Lock()
	if vec, ok := m.cache[label]; ok {
		m.mu.Unlock()
		return vec, nil
	}
	m.mu.Unlock()

	vec, err := m.embedder.Embed(ctx, label)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache[label] = vec
	m.mu.Unlock()
	return vec, nil
}
