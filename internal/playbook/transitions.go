package playbook

import (
	"context"
	"strings"
	"time"

	"github.com/llmrtc/llmrtc/pkg/types"
)

// CustomPredicate implements a Transition with Source "custom". It is
// looked up by the edge's Match value and consulted only if every
// higher-precedence source produced no match.
type CustomPredicate func(ctx context.Context, state types.PlaybookState, turn types.TurnContext) bool

// turnSignals bundles everything a turn produced that a transition source
// might key off, gathered once per turn and passed to evaluateTransition.
type turnSignals struct {
	toolCallNames map[string]bool
	builtinTarget string
	userText      string
	assistantText string
	intentLabel   string
}

// evaluateTransition walks the playbook's edges out of state.CurrentStage
// in the fixed source precedence order (tool_call > playbook_transition >
// keyword > intent > max_turns > timeout > custom), returning the first
// edge that fires.
//
// An edge's From field names either a specific stage id or "*", meaning it
// applies regardless of the current stage. Stage-specific edges are always
// preferred: the full precedence order is walked once considering only
// edges whose From equals the current stage, and only if nothing matched
// is it walked a second time considering only From: "*" edges — so a
// wildcard transition never pre-empts a stage-specific one, no matter
// which source kind either uses.
func (e *Engine) evaluateTransition(ctx context.Context, state types.PlaybookState, turn types.TurnContext, sig turnSignals) (types.Transition, bool) {
	from := state.CurrentStage

	if tr, ok := e.resolveTransition(ctx, state, turn, sig, from, false); ok {
		return tr, true
	}
	return e.resolveTransition(ctx, state, turn, sig, from, true)
}

// resolveTransition runs one precedence-ordered pass over e.playbook.Edges.
// When wildcardOnly is false, only edges whose From equals from are
// considered; when true, only edges whose From is "*".
func (e *Engine) resolveTransition(ctx context.Context, state types.PlaybookState, turn types.TurnContext, sig turnSignals, from string, wildcardOnly bool) (types.Transition, bool) {
	bySource := func(src types.TransitionSource) []types.Transition {
		var out []types.Transition
		for _, edge := range e.playbook.Edges {
			if edge.Source != src {
				continue
			}
			if wildcardOnly {
				if edge.From != "*" {
					continue
				}
			} else if edge.From != from {
				continue
			}
			out = append(out, edge)
		}
		return out
	}

	for _, edge := range bySource(types.TransitionToolCall) {
		if sig.toolCallNames[edge.Match] {
			return edge, true
		}
	}

	if sig.builtinTarget != "" {
		for _, edge := range bySource(types.TransitionBuiltin) {
			if edge.To == sig.builtinTarget {
				return edge, true
			}
		}
	}

	if sig.assistantText != "" || sig.userText != "" {
		haystack := strings.ToLower(sig.userText + " " + sig.assistantText)
		for _, edge := range bySource(types.TransitionKeyword) {
			if edge.Match != "" && strings.Contains(haystack, strings.ToLower(edge.Match)) {
				return edge, true
			}
		}
	}

	if sig.intentLabel != "" {
		for _, edge := range bySource(types.TransitionIntent) {
			if edge.Match == sig.intentLabel {
				return edge, true
			}
		}
	}

	for _, edge := range bySource(types.TransitionMaxTurns) {
		if edge.MaxTurns > 0 && state.TurnCount >= edge.MaxTurns {
			return edge, true
		}
	}

	for _, edge := range bySource(types.TransitionTimeout) {
		if edge.Timeout > 0 && time.Since(state.EnteredAt) >= edge.Timeout {
			return edge, true
		}
	}

	for _, edge := range bySource(types.TransitionCustom) {
		if pred, ok := e.customPredicates[edge.Match]; ok && pred(ctx, state, turn) {
			return edge, true
		}
	}

	return types.Transition{}, false
}
