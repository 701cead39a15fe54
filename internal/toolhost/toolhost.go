// Package toolhost manages connections to Model Context Protocol (MCP)
// servers and routes the model's tool calls to them.
//
// Servers are resolved from configuration at startup (e.g. a weather server
// so the DJ can mention the forecast) and their tool catalogues are merged
// into one namespace offered to the language model on every narration.
//
// All methods are safe for concurrent use.
package toolhost

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/segue/pkg/types"
)

// Transport names accepted by ServerConfig.
const (
	TransportStdio          = "stdio"
	TransportStreamableHTTP = "streamable-http"
)

// ServerConfig describes how to connect to a single MCP server.
type ServerConfig struct {
	// Name identifies the server in logs and errors. Must be unique within
	// one Host.
	Name string

	// Transport is "stdio" or "streamable-http".
	Transport string

	// Command is the executable plus space-separated arguments for stdio
	// servers. Ignored for streamable-http.
	Command string

	// URL is the endpoint for streamable-http servers. Ignored for stdio.
	URL string

	// Env holds extra environment variables for stdio server processes.
	Env map[string]string
}

// Result is the outcome of one tool execution.
type Result struct {
	// Content is the tool's textual output, fed back to the model verbatim.
	Content string

	// IsError marks an application-level failure; Content then carries the
	// error message. Transport failures surface as Go errors instead.
	IsError bool
}

// toolEntry maps a tool to the server session that serves it.
type toolEntry struct {
	def        types.ToolDefinition
	serverName string
}

// Host connects to MCP servers and executes tools on the model's behalf.
// Create with New.
type Host struct {
	mu      sync.RWMutex
	tools   map[string]toolEntry
	servers map[string]*mcpsdk.ClientSession

	// client is shared across all server sessions; the SDK supports multiple
	// concurrent sessions per client.
	client *mcpsdk.Client
}

// New creates a ready-to-use Host with no servers registered.
func New() *Host {
	return &Host{
		tools:   make(map[string]toolEntry),
		servers: make(map[string]*mcpsdk.ClientSession),
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "segue-toolhost", Version: "1.0.0"},
			nil,
		),
	}
}

// RegisterServer connects to the server described by cfg and imports its tool
// catalogue. Re-registering a name replaces the old connection and its tools.
func (h *Host) RegisterServer(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("toolhost: server config must have a non-empty name")
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		parts := strings.Fields(cfg.Command)
		if len(parts) == 0 {
			return fmt.Errorf("toolhost: stdio server %q requires a non-empty command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("toolhost: streamable-http server %q requires a non-empty URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}

	default:
		return fmt.Errorf("toolhost: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("toolhost: connect to server %q: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("toolhost: list tools of server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.servers[cfg.Name]; ok {
		_ = old.Close()
		for name, entry := range h.tools {
			if entry.serverName == cfg.Name {
				delete(h.tools, name)
			}
		}
	}
	h.servers[cfg.Name] = session

	for _, tool := range discovered {
		h.tools[tool.Name] = toolEntry{
			def: types.ToolDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaToMap(tool.InputSchema),
			},
			serverName: cfg.Name,
		}
	}
	return nil
}

// Tools returns the merged tool catalogue, sorted by name.
func (h *Host) Tools() []types.ToolDefinition {
	h.mu.RLock()
	defer h.mu.RUnlock()

	defs := make([]types.ToolDefinition, 0, len(h.tools))
	for _, entry := range h.tools {
		defs = append(defs, entry.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute calls the named tool with JSON-encoded args. A non-nil Result with
// IsError set represents a tool-level failure the model should see; a Go
// error represents a transport or protocol failure.
func (h *Host) Execute(ctx context.Context, name, args string) (*Result, error) {
	h.mu.RLock()
	entry, ok := h.tools[name]
	var session *mcpsdk.ClientSession
	if ok {
		session = h.servers[entry.serverName]
	}
	h.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("toolhost: tool %q not found", name)
	}
	if session == nil {
		return nil, fmt.Errorf("toolhost: server %q not connected for tool %q", entry.serverName, name)
	}

	var argsMap map[string]any
	if args != "" && args != "{}" {
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			return nil, fmt.Errorf("toolhost: invalid args JSON for tool %q: %w", name, err)
		}
	}

	callResult, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: argsMap,
	})
	if err != nil {
		return nil, fmt.Errorf("toolhost: call tool %q: %w", name, err)
	}

	var sb strings.Builder
	for _, c := range callResult.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return &Result{Content: sb.String(), IsError: callResult.IsError}, nil
}

// Close shuts down all server connections. The Host must not be used after.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for name, session := range h.servers {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("toolhost: close server %q: %w", name, err)
		}
		delete(h.servers, name)
	}
	h.tools = make(map[string]toolEntry)
	return firstErr
}

// schemaToMap normalizes a tool input schema to a plain map.
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
