package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

// MCPConnector calls tools on a streamable HTTP MCP server. The operation is
// the tool name. A payload holding a JSON object becomes the tool arguments;
// any other payload is sent as {"input": payload}.
type MCPConnector struct {
	name    string
	url     string
	headers map[string]string

	mu     sync.Mutex
	client *mcpclient.Client
}

// NewMCPConnector creates a connector for the MCP endpoint at url. The session
// is initialized lazily on first use.
func NewMCPConnector(name, url string, headers map[string]string) *MCPConnector {
	return &MCPConnector{name: name, url: url, headers: headers}
}

// Name implements Connector.
func (c *MCPConnector) Name() string { return c.name }

// Type implements Connector.
func (c *MCPConnector) Type() string { return "mcp" }

// Execute implements Connector.
func (c *MCPConnector) Execute(ctx context.Context, req Request) (Response, error) {
	tool := strings.TrimSpace(req.Operation)
	if tool == "" {
		return Response{}, NewError(c.name, "operation (tool name) is required", "VALIDATION_ERROR")
	}

	client, err := c.session(ctx)
	if err != nil {
		return Response{}, err
	}

	res, err := client.CallTool(ctx, mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      tool,
			Arguments: toolArguments(req.Payload),
		},
	})
	if err != nil {
		c.reset()
		return Response{}, fmt.Errorf("connector: call tool %s: %w", tool, err)
	}

	text := joinText(res.Content)
	if res.IsError {
		return Fail(text), nil
	}

	out := OK(text)
	out.Metadata["mcp.tool"] = tool

	return out, nil
}

// Close releases the MCP session.
func (c *MCPConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil

	return err
}

func (c *MCPConnector) session(ctx context.Context) (*mcpclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	var opts []mcptransport.StreamableHTTPCOption
	if len(c.headers) > 0 {
		opts = append(opts, mcptransport.WithHTTPHeaders(c.headers))
	}

	client, err := mcpclient.NewStreamableHttpClient(c.url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connector: create mcp client: %w", err)
	}

	if _, err := client.Initialize(ctx, mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ProtocolVersion: mcplib.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcplib.Implementation{Name: "makermesh", Version: "0.1.0"},
		},
	}); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connector: initialize mcp session: %w", err)
	}

	c.client = client

	return client, nil
}

func (c *MCPConnector) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
	}
}

func toolArguments(payload string) map[string]any {
	var args map[string]any
	if err := json.Unmarshal([]byte(payload), &args); err == nil && args != nil {
		return args
	}

	return map[string]any{"input": payload}
}

func joinText(content []mcplib.Content) string {
	parts := make([]string, 0, len(content))

	for _, c := range content {
		switch tc := c.(type) {
		case mcplib.TextContent:
			parts = append(parts, tc.Text)
		case *mcplib.TextContent:
			parts = append(parts, tc.Text)
		}
	}

	return strings.Join(parts, "\n")
}
