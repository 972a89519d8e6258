package playbook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/llmrtc/llmrtc/internal/config"
	"github.com/llmrtc/llmrtc/internal/hooks"
	"github.com/llmrtc/llmrtc/internal/orchestrator"
	"github.com/llmrtc/llmrtc/internal/playbook/tier"
	"github.com/llmrtc/llmrtc/internal/session"
	"github.com/llmrtc/llmrtc/internal/tools"
	"github.com/llmrtc/llmrtc/pkg/provider/llm"
	"github.com/llmrtc/llmrtc/pkg/types"
)

// IntentClassifier assigns an intent label to the most recent turn, used
// by TransitionIntent edges. Engines built without one simply never fire
// intent-sourced transitions.
type IntentClassifier interface {
	Classify(ctx context.Context, stage types.Stage, utterance string) (label string, err error)
}

// Engine executes turns against a single compiled [types.Playbook],
// running the two-phase tool loop / spoken reply cycle and applying stage
// transitions once a turn completes.
type Engine struct {
	playbook *types.Playbook
	twoPhase twoPhase

	registry   *tools.Registry
	executor   *tools.Executor
	orch       *orchestrator.Orchestrator
	hooks      *hooks.Dispatcher
	summariser session.Summariser
	intent     IntentClassifier

	sampling config.SamplingConfig
	chunker  config.ChunkerConfig

	tierSelector *tier.Selector

	customPredicates map[string]CustomPredicate
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithSummariser attaches a summariser used by HistorySummary transitions.
func WithSummariser(s session.Summariser) Option {
	return func(e *Engine) { e.summariser = s }
}

// WithIntentClassifier attaches an intent classifier used by
// TransitionIntent edges.
func WithIntentClassifier(c IntentClassifier) Option {
	return func(e *Engine) { e.intent = c }
}

// WithSampling overrides the default sampling parameters applied to every
// LLM call this engine makes.
func WithSampling(s config.SamplingConfig) Option {
	return func(e *Engine) { e.sampling = s }
}

// WithChunker overrides the sentence-chunker policy applied to every
// spoken reply this engine produces.
func WithChunker(c config.ChunkerConfig) Option {
	return func(e *Engine) { e.chunker = c }
}

// WithToolTiering attaches a budget-tier selector that narrows the tools
// visible to the LLM on each turn to those affordable under the tier its
// heuristics pick for that turn's transcript. Engines built without one
// expose every stage-configured tool on every turn, regardless of latency.
func WithToolTiering(s *tier.Selector) Option {
	return func(e *Engine) { e.tierSelector = s }
}

// WithCustomPredicate registers a named predicate for TransitionCustom
// edges whose Match equals name.
func WithCustomPredicate(name string, pred CustomPredicate) Option {
	return func(e *Engine) {
		if e.customPredicates == nil {
			e.customPredicates = make(map[string]CustomPredicate)
		}
		e.customPredicates[name] = pred
	}
}

// NewEngine builds an Engine from cfg, validating stage tool references
// against registry.
func NewEngine(cfg config.PlaybookConfig, registry *tools.Registry, executor *tools.Executor, orch *orchestrator.Orchestrator, h *hooks.Dispatcher, opts ...Option) (*Engine, error) {
	pb, phases, err := Build(cfg, registry)
	if err != nil {
		return nil, err
	}
	if h == nil {
		h = hooks.New(hooks.Hooks{}, nil)
	}
	e := &Engine{
		playbook: pb,
		twoPhase: phases,
		registry: registry,
		executor: executor,
		orch:     orch,
		hooks:    h,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Playbook returns the compiled stage graph this engine executes.
func (e *Engine) Playbook() *types.Playbook { return e.playbook }

// NewState returns a fresh [types.PlaybookState] positioned at the
// playbook's initial stage, for a newly opened session.
func (e *Engine) NewState() types.PlaybookState {
	return types.PlaybookState{
		PlaybookID:   e.playbook.ID,
		CurrentStage: e.playbook.Initial,
		EnteredAt:    time.Now(),
	}
}

// stageToolDefs returns the tool definitions visible in stage for the
// given turn, including the implicit playbook_transition tool. When this
// engine was built with [WithToolTiering], stage-configured tools are
// additionally narrowed to those affordable under the budget tier the
// selector picks for transcriptText and turnCount; the transition tool is
// always exposed regardless of tier.
func (e *Engine) stageToolDefs(stage types.Stage, transcriptText string, turnCount int) []types.ToolDefinition {
	defs := e.registry.ListForStage(stage.Tools)
	if e.tierSelector != nil {
		budget := e.tierSelector.Select(transcriptText, turnCount)
		maxLatency := budget.MaxLatencyMs()
		filtered := defs[:0:0]
		for _, d := range defs {
			if d.EstimatedDurationMs <= maxLatency {
				filtered = append(filtered, d)
			}
		}
		defs = filtered
	}
	if builtin, ok := e.registry.Lookup(TransitionTool); ok {
		defs = append(defs, builtin)
	}
	return defs
}

// RunTurn executes one full turn for sess: it appends the user utterance
// to history, runs the silent tool loop (if the current stage enables
// two-phase execution) followed by a spoken reply, evaluates transition
// edges in their fixed precedence order, and applies any that fires.
//
// sess is mutated in place (History and Playbook state); callers are
// responsible for serialising access to a given session.
func (e *Engine) RunTurn(ctx context.Context, sess *types.Session, transcript types.Transcript, voice types.VoiceProfile, emit orchestrator.Emitter) (types.Message, error) {
	if sess.Playbook == nil {
		return types.Message{}, fmt.Errorf("playbook: session %q has no active playbook state", sess.ID)
	}
	state := sess.Playbook
	stage, ok := e.playbook.Stages[state.CurrentStage]
	if !ok {
		return types.Message{}, fmt.Errorf("playbook: current stage %q not found in playbook %q", state.CurrentStage, e.playbook.ID)
	}

	turnID := uuid.NewString()
	sess.History = append(sess.History, types.Message{Role: "user", Content: transcript.Text, Timestamp: time.Now()})

	turn := types.TurnContext{
		SessionID:  sess.ID,
		TurnID:     turnID,
		Transcript: transcript,
		History:    sess.History,
		StartedAt:  time.Now(),
	}
	e.hooks.TurnStart(ctx, hooks.TurnEvent{SessionID: sess.ID, TurnID: turnID})

	if err := e.hooks.Guardrail(ctx, hooks.TurnEvent{SessionID: sess.ID, TurnID: turnID}); err != nil {
		e.hooks.Error(ctx, err, hooks.ErrorContext{Component: "playbook", SessionID: sess.ID, TurnID: turnID, Timestamp: time.Now()})
		e.hooks.TurnEnd(ctx, hooks.TurnEvent{SessionID: sess.ID, TurnID: turnID, Err: err, Duration: time.Since(turn.StartedAt)})
		return types.Message{}, fmt.Errorf("playbook: turn vetoed: %w", err)
	}

	maxIter := stage.MaxToolIterations
	if maxIter <= 0 {
		maxIter = e.playbook.DefaultMaxToolIterations
	}
	toolDefs := e.stageToolDefs(stage, transcript.Text, state.TurnCount)
	toolCallNames := map[string]bool{}
	var builtinTarget string

	baseReq := llm.CompletionRequest{
		SystemPrompt: stage.SystemPrompt,
		Temperature:  e.sampling.Temperature,
		MaxTokens:    e.sampling.MaxTokens,
	}

	twoPhase := e.twoPhase[stage.ID]
	var assistantMsg types.Message
	var runErr error

	if twoPhase {
		for turn.ToolIterations < maxIter {
			req := baseReq
			req.Messages = sess.History
			req.Tools = toolDefs
			req.ToolChoice = "auto"

			resp, err := e.orch.Prompt(ctx, turn, req)
			if err != nil {
				runErr = err
				break
			}
			if len(resp.ToolCalls) == 0 {
				break
			}

			sess.History = append(sess.History, types.Message{Role: "assistant", ToolCalls: resp.ToolCalls, Timestamp: time.Now()})
			turn.History = sess.History

			results := e.executor.Execute(ctx, turn, resp.ToolCalls)
			e.recordToolCalls(resp.ToolCalls, results, toolCallNames, &builtinTarget, sess)
			turn.History = sess.History
			turn.ToolIterations++
		}
	}

	if runErr == nil {
		req := baseReq
		req.Messages = sess.History
		if twoPhase {
			req.ToolChoice = "none"
		} else {
			req.Tools = toolDefs
			req.ToolChoice = "auto"
		}

		msg, err := e.orch.SpeakReply(ctx, turn, req, voice, emit, orchestrator.ChunkerOptions(e.chunker)...)
		if err != nil {
			runErr = err
		} else {
			assistantMsg = msg
			sess.History = append(sess.History, msg)

			if !twoPhase && len(msg.ToolCalls) > 0 {
				results := e.executor.Execute(ctx, turn, msg.ToolCalls)
				e.recordToolCalls(msg.ToolCalls, results, toolCallNames, &builtinTarget, sess)

				followReq := baseReq
				followReq.Messages = sess.History
				followReq.ToolChoice = "none"
				followMsg, ferr := e.orch.SpeakReply(ctx, turn, followReq, voice, emit)
				if ferr != nil {
					runErr = ferr
				} else {
					assistantMsg = followMsg
					sess.History = append(sess.History, followMsg)
				}
			}
		}
	}

	state.TurnCount++
	sess.UpdatedAt = time.Now()

	if runErr != nil {
		e.hooks.TurnEnd(ctx, hooks.TurnEvent{SessionID: sess.ID, TurnID: turnID, Err: runErr, Duration: time.Since(turn.StartedAt)})
		return types.Message{}, runErr
	}

	var intentLabel string
	if e.intent != nil {
		if label, err := e.intent.Classify(ctx, stage, transcript.Text); err == nil {
			intentLabel = label
		}
	}

	sig := turnSignals{
		toolCallNames: toolCallNames,
		builtinTarget: builtinTarget,
		userText:      transcript.Text,
		assistantText: assistantMsg.Content,
		intentLabel:   intentLabel,
	}
	if edge, ok := e.evaluateTransition(ctx, *state, turn, sig); ok {
		e.applyTransition(ctx, sess, state, edge)
	}

	e.hooks.TurnEnd(ctx, hooks.TurnEvent{SessionID: sess.ID, TurnID: turnID, Duration: time.Since(turn.StartedAt)})
	e.hooks.PlaybookTurnEnd(ctx, hooks.TurnEvent{SessionID: sess.ID, TurnID: turnID})
	return assistantMsg, nil
}

// recordToolCalls appends a tool-result message to sess.History for each
// call, tracks which tool names fired (for TransitionToolCall edges), and
// extracts the requested stage from any playbook_transition call.
func (e *Engine) recordToolCalls(calls []types.ToolCall, results []types.ToolCallResult, seen map[string]bool, builtinTarget *string, sess *types.Session) {
	for i, call := range calls {
		seen[call.Name] = true
		if call.Name == TransitionTool {
			var args struct {
				Stage string `json:"stage"`
			}
			if err := json.Unmarshal([]byte(call.Arguments), &args); err == nil {
				*builtinTarget = args.Stage
			}
		}
		res := results[i]
		content := res.Content
		if res.Err != nil {
			content = fmt.Sprintf("error: %v", res.Err)
		}
		sess.History = append(sess.History, types.Message{
			Role:       "tool",
			Content:    content,
			Name:       res.Name,
			ToolCallID: res.ToolCallID,
			Timestamp:  time.Now(),
		})
	}
}
