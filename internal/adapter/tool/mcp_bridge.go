package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"squadron/internal/domain"
	"squadron/internal/infra/config"
	"squadron/internal/infra/logger"
)

const mcpCallTimeout = 30 * time.Second

// MCPBridge connects to MCP servers and exposes their tools as domain.Tool.
// Tool names are prefixed "mcp_<server>_" so servers cannot collide.
type MCPBridge struct {
	servers []mcpServerConn
	tools   []domain.Tool
	logger  *slog.Logger
}

type mcpServerConn struct {
	name   string
	client mcpClient
}

// mcpClient is the part of the mcp-go client the bridge uses.
type mcpClient interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

type mcpInitializer interface {
	Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
}

// NewMCPBridge connects to every configured server and discovers its tools.
// It fails only if a server cannot be started or no server lists tools.
func NewMCPBridge(ctx context.Context, servers []config.MCPServerConfig, version string, l *slog.Logger) (*MCPBridge, error) {
	b := &MCPBridge{logger: logger.OrDiscard(l).With("component", "mcp")}
	for _, srv := range servers {
		c, err := connectMCP(ctx, srv, version)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("mcp server %q: %w", srv.Name, err)
		}
		b.logger.Info("mcp server connected", "server", srv.Name, "transport", srv.Transport)
		b.servers = append(b.servers, mcpServerConn{name: srv.Name, client: c})
	}
	if err := b.discover(ctx); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func newMCPBridgeWithClients(ctx context.Context, servers []mcpServerConn, l *slog.Logger) (*MCPBridge, error) {
	b := &MCPBridge{servers: servers, logger: logger.OrDiscard(l)}
	if err := b.discover(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func connectMCP(ctx context.Context, srv config.MCPServerConfig, version string) (mcpClient, error) {
	var c mcpClient
	switch srv.Transport {
	case "stdio":
		sc, err := mcpclient.NewStdioMCPClient(srv.Command, envSlice(srv.Env), srv.Args...)
		if err != nil {
			return nil, fmt.Errorf("create stdio client: %w", err)
		}
		c = sc
	case "http":
		t, err := transport.NewStreamableHTTP(srv.URL)
		if err != nil {
			return nil, fmt.Errorf("create http transport: %w", err)
		}
		hc := mcpclient.NewClient(t)
		if err := hc.Start(ctx); err != nil {
			return nil, fmt.Errorf("start http client: %w", err)
		}
		c = hc
	default:
		return nil, fmt.Errorf("unsupported transport %q", srv.Transport)
	}

	if ic, ok := c.(mcpInitializer); ok {
		req := mcp.InitializeRequest{}
		req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
		req.Params.ClientInfo = mcp.Implementation{Name: "squadron", Version: version}
		if _, err := ic.Initialize(ctx, req); err != nil {
			_ = c.Close()
			return nil, domain.WrapOp("initialize", err)
		}
	}
	return c, nil
}

func (b *MCPBridge) discover(ctx context.Context) error {
	var errs []error
	ok := 0
	for _, srv := range b.servers {
		result, err := srv.client.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			b.logger.Warn("mcp discovery failed, skipping server", "server", srv.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", srv.name, err))
			continue
		}
		for _, t := range result.Tools {
			b.tools = append(b.tools, newMCPTool(srv.name, srv.client, t, b.logger))
		}
		b.logger.Info("mcp tools discovered", "server", srv.name, "count", len(result.Tools))
		ok++
	}
	if ok == 0 && len(errs) > 0 {
		return fmt.Errorf("all mcp servers failed discovery: %w", errors.Join(errs...))
	}
	sort.Slice(b.tools, func(i, j int) bool { return b.tools[i].Name() < b.tools[j].Name() })
	return nil
}

// Tools returns the discovered tools.
func (b *MCPBridge) Tools() []domain.Tool { return b.tools }

// RegisterAll adds every discovered tool to r.
func (b *MCPBridge) RegisterAll(r *Registry) error {
	for _, t := range b.tools {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Close shuts down all server connections.
func (b *MCPBridge) Close() {
	for _, srv := range b.servers {
		if err := srv.client.Close(); err != nil {
			b.logger.Warn("mcp server close error", "server", srv.name, "error", err)
		}
	}
}

// mcpTool is one remote MCP tool.
type mcpTool struct {
	server   string
	client   mcpClient
	def      mcp.Tool
	fullName string
	logger   *slog.Logger
}

func newMCPTool(server string, client mcpClient, t mcp.Tool, l *slog.Logger) *mcpTool {
	return &mcpTool{
		server:   server,
		client:   client,
		def:      t,
		fullName: fmt.Sprintf("mcp_%s_%s", sanitizeName(server), sanitizeName(t.Name)),
		logger:   l,
	}
}

func (a *mcpTool) Name() string { return a.fullName }

func (a *mcpTool) Description() string {
	if a.def.Description != "" {
		return a.def.Description
	}
	return fmt.Sprintf("MCP tool %q from server %q", a.def.Name, a.server)
}

func (a *mcpTool) Schema() domain.ToolSchema {
	params := json.RawMessage(`{"type":"object"}`)
	if a.def.InputSchema.Properties != nil || a.def.InputSchema.Required != nil {
		if data, err := json.Marshal(a.def.InputSchema); err == nil {
			params = data
		}
	}
	return domain.ToolSchema{Name: a.fullName, Description: a.Description(), Parameters: params}
}

// Execute calls the remote tool. Transport failures are reported to the
// model as error results.
func (a *mcpTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	var args map[string]any
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &args); err != nil {
			return &domain.ToolResult{IsError: true, Content: fmt.Sprintf("invalid arguments: %v", err)}, nil
		}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = a.def.Name
	req.Params.Arguments = args

	callCtx, cancel := context.WithTimeout(ctx, mcpCallTimeout)
	defer cancel()

	a.logger.Debug("mcp tool call", "server", a.server, "tool", a.def.Name)
	result, err := a.client.CallTool(callCtx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &domain.ToolResult{IsError: true, Content: fmt.Sprintf("MCP tool error: %v", err)}, nil
	}
	return &domain.ToolResult{Content: mcpContent(result), IsError: result.IsError}, nil
}

func mcpContent(result *mcp.CallToolResult) string {
	parts := make([]string, 0, len(result.Content))
	for _, c := range result.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if data, err := json.Marshal(v); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.Join(parts, "\n")
}

// sanitizeName replaces characters that are not valid in tool names.
func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
