// Package proxy speaks MCP JSON-RPC toward an external server over stdio
// or streamable HTTP, using mcp-go for the transport.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/tooldock/tooldock/domain/registry"
	"github.com/tooldock/tooldock/pkg/apperror"
	"github.com/tooldock/tooldock/pkg/logger"
)

// TransportStdio and TransportHTTP are the supported transports.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// ServerConfig is the recipe for reaching one external server.
type ServerConfig struct {
	Namespace string
	Transport string // stdio | http

	// stdio
	Command string
	Args    []string
	Env     map[string]string

	// http
	URL     string
	Headers map[string]string
}

// ToolInfo is one entry of the cached remote catalog.
type ToolInfo struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// rpcClient is the slice of the mcp-go client the proxy uses. Tests
// substitute a fake.
type rpcClient interface {
	Initialize(ctx context.Context, req mcpgo.InitializeRequest) (*mcpgo.InitializeResult, error)
	ListTools(ctx context.Context, req mcpgo.ListToolsRequest) (*mcpgo.ListToolsResult, error)
	CallTool(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error)
	Close() error
}

// Client is a connection to one external MCP server. Connect is one-shot
// and idempotent; CallTool reports transport failures as isError results
// rather than Go errors so callers can surface them uniformly.
type Client struct {
	cfg ServerConfig
	log *slog.Logger

	// dial builds the underlying transport; replaced in tests.
	dial func(ctx context.Context) (rpcClient, error)

	mu        sync.Mutex
	client    rpcClient
	connected bool
	tools     []ToolInfo
}

// NewClient creates a disconnected proxy for the given recipe.
func NewClient(cfg ServerConfig, log *slog.Logger) *Client {
	c := &Client{
		cfg: cfg,
		log: log.With(logger.Scope("proxy"), slog.String("namespace", cfg.Namespace)),
	}
	c.dial = c.dialTransport
	return c
}

// Connect opens the transport, runs the MCP handshake, and caches the
// remote tool catalog. Calling Connect on a connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	client, err := c.dial(ctx)
	if err != nil {
		return err
	}

	// mcp-go sends notifications/initialized as part of Initialize.
	_, err = client.Initialize(ctx, mcpgo.InitializeRequest{
		Params: mcpgo.InitializeParams{
			ProtocolVersion: mcpgo.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcpgo.Implementation{
				Name:    "tooldock",
				Version: "1.0.0",
			},
		},
	})
	if err != nil {
		client.Close()
		return fmt.Errorf("initializing MCP session for %q: %w", c.cfg.Namespace, err)
	}

	listResult, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		client.Close()
		return fmt.Errorf("listing tools for %q: %w", c.cfg.Namespace, err)
	}

	tools := make([]ToolInfo, 0, len(listResult.Tools))
	for _, t := range listResult.Tools {
		tools = append(tools, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: convertToolInputSchema(t.InputSchema),
		})
	}

	c.client = client
	c.connected = true
	c.tools = tools

	c.log.Info("connected to external server",
		slog.String("transport", c.cfg.Transport),
		slog.Int("tool_count", len(tools)),
	)
	return nil
}

// IsConnected reports whether Connect has completed.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Tools returns the catalog cached at connect time.
func (c *Client) Tools() []ToolInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ToolInfo(nil), c.tools...)
}

// CallTool forwards a tools/call to the server. Transport and remote
// failures come back as an isError result; only misuse (not connected,
// unknown tool) is a Go error.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*Result, error) {
	c.mu.Lock()
	client, connected := c.client, c.connected
	known := false
	for _, t := range c.tools {
		if t.Name == name {
			known = true
			break
		}
	}
	c.mu.Unlock()

	if !connected {
		return nil, apperror.ErrNotConnected.WithMessage(
			fmt.Sprintf("Proxy for '%s' is not connected", c.cfg.Namespace))
	}
	if !known {
		return nil, apperror.ErrToolNotFound.WithMessage(
			fmt.Sprintf("Tool '%s' is not provided by server '%s'", name, c.cfg.Namespace))
	}

	result, err := client.CallTool(ctx, mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Name:      name,
			Arguments: arguments,
		},
	})
	if err != nil {
		c.log.Warn("tool call failed", slog.String("tool", name), logger.Error(err))
		return ErrorResult(fmt.Sprintf("Error: %v", err)), nil
	}

	return convertCallToolResult(result), nil
}

// Caller adapts the client to the registry's ToolCaller interface.
func (c *Client) Caller() registry.ToolCaller {
	return registry.CallerFunc(func(ctx context.Context, name string, arguments map[string]any) (any, error) {
		return c.CallTool(ctx, name, arguments)
	})
}

// Disconnect tears down the transport. Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return
	}
	if err := c.client.Close(); err != nil {
		c.log.Warn("error closing connection", logger.Error(err))
	}
	c.client = nil
	c.connected = false
	c.tools = nil
	c.log.Info("disconnected from external server")
}

// dialTransport builds the real mcp-go client for the configured transport.
func (c *Client) dialTransport(ctx context.Context) (rpcClient, error) {
	switch c.cfg.Transport {
	case TransportStdio:
		if c.cfg.Command == "" {
			return nil, fmt.Errorf("command is required for stdio transport")
		}
		client, err := mcpclient.NewStdioMCPClient(c.cfg.Command, resolveEnv(c.cfg.Env), c.cfg.Args...)
		if err != nil {
			return nil, fmt.Errorf("creating stdio client: %w", err)
		}
		return client, nil

	case TransportHTTP:
		if c.cfg.URL == "" {
			return nil, fmt.Errorf("url is required for http transport")
		}
		var opts []transport.StreamableHTTPCOption
		if len(c.cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(c.cfg.Headers))
		}
		t, err := transport.NewStreamableHTTP(c.cfg.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("creating HTTP transport: %w", err)
		}
		client := mcpclient.NewClient(t)
		if err := client.Start(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("starting HTTP client: %w", err)
		}
		return client, nil

	default:
		return nil, fmt.Errorf("unsupported transport: %s", c.cfg.Transport)
	}
}

// resolveEnv renders the env map as KEY=value pairs, substituting ${VAR}
// references from the host process environment.
func resolveEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, os.ExpandEnv(v)))
	}
	return out
}

// convertToolInputSchema flattens an mcp-go schema into the map shape the
// registry stores.
func convertToolInputSchema(schema mcpgo.ToolInputSchema) map[string]any {
	m := map[string]any{
		"type": schema.Type,
	}
	if schema.Properties != nil {
		m["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		m["required"] = schema.Required
	}
	if schema.AdditionalProperties != nil {
		m["additionalProperties"] = schema.AdditionalProperties
	}
	return m
}
