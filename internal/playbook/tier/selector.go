// Package tier provides a lightweight heuristic budget-tier selector for the
// tool registry (§4.6). It analyses the user transcript text using keyword
// detection and conversation state to choose a [types.BudgetTier], without
// any LLM call, so it is cheap enough to run on every turn.
package tier

import (
	"strings"
	"sync"
	"time"

	"github.com/llmrtc/llmrtc/pkg/types"
)

// defaultMinDeepInterval is the minimum time between consecutive DEEP tier
// selections. A second DEEP selection within this window is demoted to
// STANDARD to prevent runaway expensive tool usage.
const defaultMinDeepInterval = 30 * time.Second

// defaultDeepKeywords are the keywords that trigger [types.BudgetDeep].
// They indicate high-complexity or time-tolerant requests.
var defaultDeepKeywords = []string{
	"think carefully", "take your time", "explain everything",
	"tell me everything", "in detail", "deep search",
	"search the web", "research",
}

// defaultStandardKeywords are the keywords that trigger
// [types.BudgetStandard]. They indicate lookups that need more than the
// fastest tools but don't warrant full deep access.
var defaultStandardKeywords = []string{
	"remember", "last time", "do you recall", "previously",
	"what happened", "search", "look up",
	"how does", "what are", "who is", "who was",
	"tell me about", "history of",
}

// Option is a functional option for configuring a [Selector].
type Option func(*Selector)

// WithDeepKeywords replaces the default deep-tier trigger keywords with the
// provided list. Each keyword is matched case-insensitively as a substring
// of the transcript text.
func WithDeepKeywords(keywords ...string) Option {
	return func(s *Selector) {
		s.deepKeywords = append([]string(nil), keywords...)
	}
}

// WithStandardKeywords replaces the default standard-tier trigger keywords
// with the provided list.
func WithStandardKeywords(keywords ...string) Option {
	return func(s *Selector) {
		s.standardKeywords = append([]string(nil), keywords...)
	}
}

// WithMinDeepInterval sets the minimum elapsed time required between two
// consecutive [types.BudgetDeep] selections. A DEEP match within this
// interval of the last one is demoted to [types.BudgetStandard].
//
// The default is 30 seconds.
func WithMinDeepInterval(d time.Duration) Option {
	return func(s *Selector) {
		s.minDeepInterval = d
	}
}

// Selector determines the appropriate [types.BudgetTier] for a given turn.
// It uses lightweight heuristics (keyword detection, conversation state)
// rather than LLM calls to keep selection fast and predictable.
//
// A single Selector is meant to be shared by one [playbook.Engine] across
// all of its concurrent sessions, so the DEEP anti-spam window it enforces
// is a service-wide budget rather than a per-session one.
//
// All methods are safe for concurrent use.
type Selector struct {
	deepKeywords     []string
	standardKeywords []string
	minDeepInterval  time.Duration

	mu           sync.Mutex
	lastDeepTime time.Time
}

// NewSelector creates a new Selector with the given options applied over
// the defaults. The selector is ready to use immediately.
func NewSelector(opts ...Option) *Selector {
	s := &Selector{
		deepKeywords:     append([]string(nil), defaultDeepKeywords...),
		standardKeywords: append([]string(nil), defaultStandardKeywords...),
		minDeepInterval:  defaultMinDeepInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select returns the appropriate [types.BudgetTier] for the given
// transcript text and session turn count, applying the following priority
// (highest first):
//
//  1. DEEP keyword match, demoted to STANDARD if within the anti-spam
//     window of the last DEEP selection made by this Selector.
//  2. STANDARD keyword match.
//  3. First turn of a session (turnCount == 0) — STANDARD, to allow
//     memory/context lookups for the opening exchange.
//  4. Default — FAST.
func (s *Selector) Select(text string, turnCount int) types.BudgetTier {
	lower := strings.ToLower(text)

	s.mu.Lock()
	defer s.mu.Unlock()

	if containsAny(lower, s.deepKeywords) {
		now := time.Now()
		if !s.lastDeepTime.IsZero() && now.Sub(s.lastDeepTime) < s.minDeepInterval {
			return types.BudgetStandard
		}
		s.lastDeepTime = now
		return types.BudgetDeep
	}

	if containsAny(lower, s.standardKeywords) {
		return types.BudgetStandard
	}

	if turnCount == 0 {
		return types.BudgetStandard
	}

	return types.BudgetFast
}

func containsAny(lower string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
