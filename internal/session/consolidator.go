package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/llmrtc/llmrtc/pkg/types"
)

// defaultConsolidationInterval is the default period between consolidation
// ticks.
const defaultConsolidationInterval = 30 * time.Minute

// Consolidator periodically flushes a session's working context to the
// session store. This ensures that long-running sessions persist their
// conversation history and playbook cursor even if the process crashes or
// the in-memory context window is pruned by summarisation.
//
// All methods are safe for concurrent use.
type Consolidator struct {
	store      SessionStore
	contextMgr *ContextManager
	sess       *types.Session
	interval   time.Duration

	mu       sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
}

// ConsolidatorConfig configures a [Consolidator].
type ConsolidatorConfig struct {
	// Store is the session store to persist to.
	Store SessionStore

	// ContextMgr is the context manager whose messages are written back
	// onto Session.History before each persist.
	ContextMgr *ContextManager

	// Session is the session being consolidated. Its History field is
	// overwritten from ContextMgr on every tick.
	Session *types.Session

	// Interval is how often to consolidate. Defaults to 30 minutes if zero.
	Interval time.Duration
}

// NewConsolidator creates a new [Consolidator] with the given configuration.
func NewConsolidator(cfg ConsolidatorConfig) *Consolidator {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultConsolidationInterval
	}
	return &Consolidator{
		store:      cfg.Store,
		contextMgr: cfg.ContextMgr,
		sess:       cfg.Session,
		interval:   interval,
		done:       make(chan struct{}),
	}
}

// Start begins periodic consolidation in a background goroutine.
// The goroutine runs until [Consolidator.Stop] is called or ctx is cancelled.
func (c *Consolidator) Start(ctx context.Context) {
	go c.loop(ctx)
}

// Stop halts the consolidation loop. Safe to call multiple times.
func (c *Consolidator) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
}

// ConsolidateNow performs an immediate consolidation.
func (c *Consolidator) ConsolidateNow(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consolidate(ctx)
}

// loop runs the periodic consolidation ticker.
func (c *Consolidator) loop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			if err := c.consolidate(ctx); err != nil {
				slog.Warn("periodic consolidation failed", "session_id", c.sess.ID, "error", err)
			}
			c.mu.Unlock()
		}
	}
}

// consolidate writes the session's current history and playbook state to
// the store. Must be called with c.mu held.
func (c *Consolidator) consolidate(ctx context.Context) error {
	c.sess.History = c.contextMgr.Messages()
	c.sess.UpdatedAt = time.Now()

	if err := c.store.Save(ctx, c.sess); err != nil {
		return fmt.Errorf("consolidate session %s: %w", c.sess.ID, err)
	}
	return nil
}
