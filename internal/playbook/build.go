// Package playbook implements the playbook engine: a validated stage graph
// over which a session's conversation moves, each stage offering its own
// system prompt, tool subset, and two-phase turn execution (a silent tool
// loop followed by a spoken reply).
package playbook

import (
	"fmt"
	"time"

	"github.com/llmrtc/llmrtc/internal/config"
	"github.com/llmrtc/llmrtc/internal/tools"
	"github.com/llmrtc/llmrtc/pkg/types"
)

// TransitionTool is the name of the built-in tool every stage implicitly
// offers, letting the model request an explicit stage change by name.
const TransitionTool = "playbook_transition"

// twoPhase records, per stage, whether the silent tool-loop phase runs
// before the spoken reply (StageConfig.TwoPhaseExecution). This lives
// alongside the immutable graph rather than on types.Stage because it's an
// execution-strategy detail the shared type doesn't need to carry.
type twoPhase map[string]bool

// Build validates cfg against the live tool registry and compiles it into
// an immutable [types.Playbook]. The config package already checked
// structural well-formedness (unique stage ids, resolvable edges, valid
// enum values); Build adds the one check that needs the registry: every
// tool a stage lists must actually be registered.
func Build(cfg config.PlaybookConfig, registry *tools.Registry) (*types.Playbook, twoPhase, error) {
	stages := make(map[string]types.Stage, len(cfg.Stages))
	phases := make(twoPhase, len(cfg.Stages))

	for _, sc := range cfg.Stages {
		for _, toolName := range sc.Tools {
			if _, ok := registry.Lookup(toolName); !ok {
				return nil, nil, fmt.Errorf("playbook %q: stage %q references unregistered tool %q", cfg.ID, sc.ID, toolName)
			}
		}
		stages[sc.ID] = types.Stage{
			ID:                sc.ID,
			SystemPrompt:      sc.SystemPrompt,
			Tools:             sc.Tools,
			Intents:           sc.Intents,
			MaxToolIterations: sc.MaxToolIterations,
		}
		phases[sc.ID] = sc.TwoPhaseExecution
	}

	edges := make([]types.Transition, 0, len(cfg.Transitions))
	for _, tc := range cfg.Transitions {
		edges = append(edges, types.Transition{
			From:            tc.From,
			To:              tc.To,
			Source:          tc.Source,
			Match:           tc.Match,
			MaxTurns:        tc.MaxTurns,
			Timeout:         time.Duration(tc.TimeoutSeconds) * time.Second,
			HistoryStrategy: types.HistoryStrategy(tc.HistoryStrategy),
			HistoryLastN:    tc.HistoryLastN,
		})
	}

	pb := &types.Playbook{
		ID:                       cfg.ID,
		Stages:                   stages,
		Edges:                    edges,
		Initial:                  cfg.Initial,
		DefaultMaxToolIterations: cfg.DefaultMaxToolIterations,
	}
	if pb.DefaultMaxToolIterations <= 0 {
		pb.DefaultMaxToolIterations = 4
	}
	return pb, phases, nil
}

// builtinToolDefinition describes the playbook_transition tool offered in
// every stage's tool list, letting the model request an explicit stage
// change instead of relying solely on keyword/intent detection.
func builtinToolDefinition() types.ToolDefinition {
	return types.ToolDefinition{
		Name:        TransitionTool,
		Description: "Request a transition to a named playbook stage. Use this when the conversation has clearly moved to a different phase that this tool's caller is responsible for recognising.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"stage": map[string]any{
					"type":        "string",
					"description": "The id of the stage to transition to.",
				},
			},
			"required": []string{"stage"},
		},
		Policy:              "sequential",
		EstimatedDurationMs: 1,
		MaxDurationMs:       1000,
		Idempotent:          true,
	}
}
