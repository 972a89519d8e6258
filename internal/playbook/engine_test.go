package playbook

import (
	"context"
	"testing"

	"github.com/llmrtc/llmrtc/internal/config"
	"github.com/llmrtc/llmrtc/internal/hooks"
	"github.com/llmrtc/llmrtc/internal/orchestrator"
	"github.com/llmrtc/llmrtc/internal/playbook/tier"
	"github.com/llmrtc/llmrtc/internal/tools"
	"github.com/llmrtc/llmrtc/pkg/provider/llm"
	llmmock "github.com/llmrtc/llmrtc/pkg/provider/llm/mock"
	ttsmock "github.com/llmrtc/llmrtc/pkg/provider/tts/mock"
	"github.com/llmrtc/llmrtc/pkg/types"
)

func testPlaybookConfig() config.PlaybookConfig {
	return config.PlaybookConfig{
		ID:      "greeter",
		Initial: "greeting",
		Stages: []config.StageConfig{
			{ID: "greeting", SystemPrompt: "Greet the user."},
			{ID: "farewell", SystemPrompt: "Say goodbye."},
		},
		Transitions: []config.TransitionConfig{
			{From: "greeting", To: "farewell", Source: types.TransitionKeyword, Match: "bye"},
		},
	}
}

// testWildcardPlaybookConfig adds a "*"-sourced help stage reachable from
// any stage, alongside the "greeting" stage's own literal transition, to
// exercise stage-specific-before-wildcard precedence.
func testWildcardPlaybookConfig() config.PlaybookConfig {
	cfg := testPlaybookConfig()
	cfg.Stages = append(cfg.Stages, config.StageConfig{ID: "help", SystemPrompt: "Offer help."})
	cfg.Transitions = append(cfg.Transitions, config.TransitionConfig{
		From: "*", To: "help", Source: types.TransitionKeyword, Match: "help",
	})
	return cfg
}

func newTestEngineWithConfig(t *testing.T, cfg config.PlaybookConfig, llmProvider llm.Provider, ttsChunks [][]byte) *Engine {
	t.Helper()
	registry := tools.NewRegistry()
	if err := RegisterBuiltinTool(registry); err != nil {
		t.Fatalf("register builtin tool: %v", err)
	}
	executor := tools.NewExecutor(registry, nil)
	ttsProvider := &ttsmock.Provider{SynthesizeChunks: ttsChunks}
	orch := orchestrator.New(llmProvider, ttsProvider, nil, nil)
	h := hooks.New(hooks.Hooks{}, nil)

	e, err := NewEngine(cfg, registry, executor, orch, h)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestEvaluateTransitionWildcardFiresFromAnyStage(t *testing.T) {
	e := newTestEngineWithConfig(t, testWildcardPlaybookConfig(), &llmmock.Provider{}, nil)

	state := types.PlaybookState{CurrentStage: "farewell"}
	sig := turnSignals{userText: "can you help me"}

	tr, ok := e.evaluateTransition(context.Background(), state, types.TurnContext{}, sig)
	if !ok {
		t.Fatalf("expected the wildcard transition to fire from stage %q", state.CurrentStage)
	}
	if tr.To != "help" {
		t.Fatalf("expected transition to %q, got %q", "help", tr.To)
	}
}

func TestEvaluateTransitionStageSpecificBeatsWildcard(t *testing.T) {
	e := newTestEngineWithConfig(t, testWildcardPlaybookConfig(), &llmmock.Provider{}, nil)

	// "bye" matches the stage-specific greeting->farewell edge; it does not
	// match the wildcard's "help" keyword, so only the literal edge can fire.
	state := types.PlaybookState{CurrentStage: "greeting"}
	sig := turnSignals{userText: "ok, bye"}

	tr, ok := e.evaluateTransition(context.Background(), state, types.TurnContext{}, sig)
	if !ok {
		t.Fatalf("expected the stage-specific transition to fire")
	}
	if tr.To != "farewell" {
		t.Fatalf("expected transition to %q, got %q", "farewell", tr.To)
	}
}

func TestStageToolDefsFiltersByTierWhenTieringEnabled(t *testing.T) {
	registry := tools.NewRegistry()
	if err := RegisterBuiltinTool(registry); err != nil {
		t.Fatalf("register builtin tool: %v", err)
	}
	slowTool := types.ToolDefinition{Name: "deep_lookup", EstimatedDurationMs: 3000}
	if err := registry.Register(slowTool, func(context.Context, tools.CallInfo, map[string]any) (string, error) {
		return "", nil
	}); err != nil {
		t.Fatalf("register slow tool: %v", err)
	}

	executor := tools.NewExecutor(registry, nil)
	orch := orchestrator.New(&llmmock.Provider{}, &ttsmock.Provider{}, nil, nil)
	h := hooks.New(hooks.Hooks{}, nil)

	cfg := testPlaybookConfig()
	cfg.Stages[0].Tools = []string{"deep_lookup"}

	e, err := NewEngine(cfg, registry, executor, orch, h, WithToolTiering(tier.NewSelector()))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	stage := e.playbook.Stages["greeting"]

	defs := e.stageToolDefs(stage, "turn the lights on", 3)
	for _, d := range defs {
		if d.Name == "deep_lookup" {
			t.Fatalf("expected deep_lookup to be filtered out under FAST tier, got %+v", defs)
		}
	}

	defs = e.stageToolDefs(stage, "can you search the web for that", 3)
	found := false
	for _, d := range defs {
		if d.Name == "deep_lookup" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected deep_lookup to be visible once a DEEP keyword raises the tier, got %+v", defs)
	}
}

func newTestEngine(t *testing.T, llmProvider llm.Provider, ttsChunks [][]byte) *Engine {
	t.Helper()
	registry := tools.NewRegistry()
	if err := RegisterBuiltinTool(registry); err != nil {
		t.Fatalf("register builtin tool: %v", err)
	}
	executor := tools.NewExecutor(registry, nil)
	ttsProvider := &ttsmock.Provider{SynthesizeChunks: ttsChunks}
	orch := orchestrator.New(llmProvider, ttsProvider, nil, nil)
	h := hooks.New(hooks.Hooks{}, nil)

	e, err := NewEngine(testPlaybookConfig(), registry, executor, orch, h)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

type nopEmit struct{ orchestrator.NopEmitter }

func TestRunTurnKeywordTransition(t *testing.T) {
	llmProvider := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "Goodbye for now. ", FinishReason: "stop"}},
	}
	e := newTestEngine(t, llmProvider, [][]byte{[]byte("frame")})

	sess := &types.Session{ID: "s1"}
	state := e.NewState()
	sess.Playbook = &state

	msg, err := e.RunTurn(context.Background(), sess, types.Transcript{Text: "ok, bye", IsFinal: true}, types.VoiceProfile{}, nopEmit{})
	if err != nil {
		t.Fatalf("RunTurn returned error: %v", err)
	}
	if msg.Content == "" {
		t.Fatalf("expected assistant reply content")
	}
	if sess.Playbook.CurrentStage != "farewell" {
		t.Fatalf("expected stage to transition to farewell, got %q", sess.Playbook.CurrentStage)
	}
	if sess.Playbook.TurnCount != 0 {
		t.Fatalf("expected turn count reset after transition, got %d", sess.Playbook.TurnCount)
	}
}

func TestRunTurnNoTransition(t *testing.T) {
	llmProvider := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "Hello! ", FinishReason: "stop"}},
	}
	e := newTestEngine(t, llmProvider, [][]byte{[]byte("frame")})

	sess := &types.Session{ID: "s1"}
	state := e.NewState()
	sess.Playbook = &state

	_, err := e.RunTurn(context.Background(), sess, types.Transcript{Text: "hi", IsFinal: true}, types.VoiceProfile{}, nopEmit{})
	if err != nil {
		t.Fatalf("RunTurn returned error: %v", err)
	}
	if sess.Playbook.CurrentStage != "greeting" {
		t.Fatalf("expected stage to remain greeting, got %q", sess.Playbook.CurrentStage)
	}
	if sess.Playbook.TurnCount != 1 {
		t.Fatalf("expected turn count 1, got %d", sess.Playbook.TurnCount)
	}
}

func TestRunTurnSilentToolLoop(t *testing.T) {
	cfg := testPlaybookConfig()
	cfg.Stages[0].TwoPhaseExecution = true
	cfg.Stages[0].Tools = []string{"lookup"}

	registry := tools.NewRegistry()
	if err := RegisterBuiltinTool(registry); err != nil {
		t.Fatalf("register builtin tool: %v", err)
	}
	called := false
	err := registry.Register(types.ToolDefinition{
		Name:       "lookup",
		Parameters: map[string]any{"type": "object"},
		Policy:     "sequential",
	}, func(ctx context.Context, call tools.CallInfo, args map[string]any) (string, error) {
		called = true
		return "result", nil
	})
	if err != nil {
		t.Fatalf("register lookup tool: %v", err)
	}

	llmProvider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			ToolCalls: []types.ToolCall{{ID: "c1", Name: "lookup", Arguments: "{}"}},
		},
	}
	// First Complete call returns a tool call; the mock always returns the
	// same CompleteResponse, so to keep the test bounded we cap tool
	// iterations at 1 via MaxToolIterations below.
	cfg.Stages[0].MaxToolIterations = 1

	executor := tools.NewExecutor(registry, nil)
	ttsProvider := &ttsmock.Provider{SynthesizeChunks: [][]byte{[]byte("frame")}}
	llmStream := &llmmock.Provider{
		CompleteResponse: llmProvider.CompleteResponse,
		StreamChunks:     []llm.Chunk{{Text: "Done. ", FinishReason: "stop"}},
	}
	orch := orchestrator.New(llmStream, ttsProvider, nil, nil)
	e, err := NewEngine(cfg, registry, executor, orch, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	sess := &types.Session{ID: "s1"}
	state := e.NewState()
	sess.Playbook = &state

	_, err = e.RunTurn(context.Background(), sess, types.Transcript{Text: "look it up", IsFinal: true}, types.VoiceProfile{}, nopEmit{})
	if err != nil {
		t.Fatalf("RunTurn returned error: %v", err)
	}
	if !called {
		t.Fatalf("expected lookup tool to be invoked")
	}
	foundToolMsg := false
	for _, m := range sess.History {
		if m.Role == "tool" && m.Name == "lookup" {
			foundToolMsg = true
		}
	}
	if !foundToolMsg {
		t.Fatalf("expected a tool result message in history")
	}
}
