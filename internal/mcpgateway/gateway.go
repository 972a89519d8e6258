// Package mcpgateway imports tool catalogues from Model Context Protocol
// servers into the Tool Registry (§4.6), so MCP-hosted tools are callable by
// the playbook engine exactly like any in-process tool.
//
// It connects to each server named in [config.MCPConfig] via stdio or
// streamable-HTTP transport using the official MCP Go SDK
// (github.com/modelcontextprotocol/go-sdk), discovers its tool catalogue,
// and registers a [tools.Handler] per tool that forwards calls to the live
// session.
package mcpgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/llmrtc/llmrtc/internal/config"
	"github.com/llmrtc/llmrtc/internal/tools"
	"github.com/llmrtc/llmrtc/pkg/types"
)

// Gateway owns live connections to one or more MCP servers and the tool
// registrations it imported from them.
//
// The zero value is not usable; create instances with [New].
type Gateway struct {
	mu       sync.Mutex
	client   *mcpsdk.Client
	sessions map[string]*mcpsdk.ClientSession // key: server name
}

// New returns a ready-to-use Gateway backed by a single shared MCP client,
// which the SDK allows to manage multiple server sessions concurrently.
func New() *Gateway {
	return &Gateway{
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "llmrtc", Version: "1.0.0"},
			nil,
		),
		sessions: make(map[string]*mcpsdk.ClientSession),
	}
}

// ConnectAll connects to every server in cfg and registers its tools into
// registry. On the first connection or discovery failure it stops and
// returns that error; servers already connected remain open (the caller is
// still responsible for calling [Gateway.Close]).
func (g *Gateway) ConnectAll(ctx context.Context, cfg config.MCPConfig, registry *tools.Registry) error {
	for _, srv := range cfg.Servers {
		if err := g.Connect(ctx, srv, registry); err != nil {
			return fmt.Errorf("mcpgateway: server %q: %w", srv.Name, err)
		}
	}
	return nil
}

// Connect dials the single server described by cfg, discovers its tool
// catalogue, and registers each tool into registry under its own name. A
// tool name collision with an already-registered tool fails the whole
// connection; the session is closed before returning.
func (g *Gateway) Connect(ctx context.Context, cfg config.MCPServerConfig, registry *tools.Registry) error {
	if cfg.Name == "" {
		return fmt.Errorf("server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case config.TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("stdio server %q requires a non-empty command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case config.TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("streamable-http server %q requires a non-empty url", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	session, err := g.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("list tools: %w", err)
		}
		discovered = append(discovered, *tool)
	}

	for _, tool := range discovered {
		def := types.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  schemaToMap(tool.InputSchema),
			Policy:      "sequential",
		}
		handler := g.callHandler(session, tool.Name)
		if err := registry.Register(def, handler); err != nil {
			_ = session.Close()
			return fmt.Errorf("register tool %q: %w", tool.Name, err)
		}
	}

	g.mu.Lock()
	g.sessions[cfg.Name] = session
	g.mu.Unlock()

	return nil
}

// callHandler builds a [tools.Handler] that forwards a call to the named
// MCP tool over session, concatenating any returned text content into the
// single string the rest of the pipeline expects.
func (g *Gateway) callHandler(session *mcpsdk.ClientSession, toolName string) tools.Handler {
	return func(ctx context.Context, call tools.CallInfo, args map[string]any) (string, error) {
		result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      toolName,
			Arguments: args,
		})
		if err != nil {
			return "", fmt.Errorf("mcp call %q: %w", toolName, err)
		}

		var sb strings.Builder
		for _, c := range result.Content {
			if tc, ok := c.(*mcpsdk.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}
		if result.IsError {
			return "", fmt.Errorf("mcp tool %q returned an error: %s", toolName, sb.String())
		}
		return sb.String(), nil
	}
}

// Close shuts down every open server session. It returns the first error
// encountered but still attempts to close the remaining sessions.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var firstErr error
	for name, session := range g.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close server %q: %w", name, err)
		}
		delete(g.sessions, name)
	}
	return firstErr
}

// schemaToMap converts an MCP tool's input schema (an opaque any from the
// SDK's JSON decoding) into the map[string]any shape [types.ToolDefinition]
// requires, defaulting to an empty-object schema when absent or unparsable.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// splitCommand splits a command string into executable and arguments, e.g.
// "/bin/foo --bar baz" -> ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
