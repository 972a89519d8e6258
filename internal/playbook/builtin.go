package playbook

import (
	"context"
	"fmt"

	"github.com/llmrtc/llmrtc/internal/tools"
)

// RegisterBuiltinTool adds the playbook_transition tool to registry. Call
// this once at startup, before any playbook turn runs, alongside every
// domain tool. The handler only acknowledges the request; the actual
// transition decision is made by Engine.RunTurn after the turn completes,
// by inspecting the ToolCall.Arguments of any call to this tool name.
func RegisterBuiltinTool(registry *tools.Registry) error {
	def := builtinToolDefinition()
	handler := func(_ context.Context, call tools.CallInfo, args map[string]any) (string, error) {
		stage, _ := args["stage"].(string)
		if stage == "" {
			return "", fmt.Errorf("playbook_transition: missing required \"stage\" argument")
		}
		return fmt.Sprintf("acknowledged: requesting transition to stage %q", stage), nil
	}
	if err := registry.Register(def, handler); err != nil {
		return fmt.Errorf("playbook: register builtin tool: %w", err)
	}
	return nil
}
