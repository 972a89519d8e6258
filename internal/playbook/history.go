package playbook

import (
	"context"
	"log/slog"
	"time"

	"github.com/llmrtc/llmrtc/internal/hooks"
	"github.com/llmrtc/llmrtc/pkg/types"
)

// applyTransition moves sess.Playbook to edge.To, emits the stage
// exit/enter and transition hooks, and applies edge's history strategy to
// sess.History.
func (e *Engine) applyTransition(ctx context.Context, sess *types.Session, state *types.PlaybookState, edge types.Transition) {
	from := state.CurrentStage
	e.hooks.StageExit(ctx, hooks.StageEvent{SessionID: sess.ID, From: from, To: edge.To, Reason: string(edge.Source)})

	e.applyHistoryStrategy(ctx, sess, edge)

	state.CurrentStage = edge.To
	state.TurnCount = 0
	state.EnteredAt = time.Now()

	e.hooks.StageEnter(ctx, hooks.StageEvent{SessionID: sess.ID, From: from, To: edge.To, Reason: string(edge.Source)})
	e.hooks.Transition(ctx, hooks.StageEvent{SessionID: sess.ID, From: from, To: edge.To, Reason: string(edge.Source)})
}

// applyHistoryStrategy rewrites sess.History according to edge's declared
// strategy. HistoryFull (the default) leaves history untouched.
func (e *Engine) applyHistoryStrategy(ctx context.Context, sess *types.Session, edge types.Transition) {
	switch edge.HistoryStrategy {
	case "", types.HistoryFull:
		return

	case types.HistoryReset:
		sess.History = nil

	case types.HistoryLastN:
		n := edge.HistoryLastN
		if n <= 0 {
			n = 1
		}
		if len(sess.History) > n {
			sess.History = append([]types.Message(nil), sess.History[len(sess.History)-n:]...)
		}

	case types.HistorySummary:
		if e.summariser == nil {
			slog.WarnContext(ctx, "playbook: transition requests summary history strategy but no summariser is configured; falling back to full history", "stage_to", edge.To)
			return
		}
		summary, err := e.summariser.Summarise(ctx, sess.History)
		if err != nil {
			slog.ErrorContext(ctx, "playbook: history summarisation failed, falling back to full history", "error", err)
			return
		}
		sess.History = []types.Message{{
			Role:      "system",
			Content:   "Summary of the conversation so far: " + summary,
			Timestamp: time.Now(),
		}}
	}
}
