package connector

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lookupArgs struct {
	ID    string `json:"id" description:"Record id"`
	Limit int    `json:"limit,omitempty"`
}

func TestFunctionConnector_SchemaValidation(t *testing.T) {
	c := NewFunctionConnectorFromStruct("lookup", lookupArgs{}, func(_ context.Context, req Request) (string, error) {
		return "found " + req.Payload, nil
	})

	resp, err := c.Execute(context.Background(), Request{Payload: `{"id":"42"}`})
	require.NoError(t, err)
	assert.True(t, resp.Success)

	_, err = c.Execute(context.Background(), Request{Payload: `{"limit":3}`})
	var cErr *Error
	require.ErrorAs(t, err, &cErr)
	assert.Equal(t, "VALIDATION_ERROR", cErr.Code)

	_, err = c.Execute(context.Background(), Request{Payload: `not json`})
	require.ErrorAs(t, err, &cErr)
	assert.Equal(t, "VALIDATION_ERROR", cErr.Code)
}

func TestFunctionConnector_ErrorCodes(t *testing.T) {
	custom := NewFunctionConnector("c", func(context.Context, Request) (string, error) {
		return "", NewError("c", "quota", "RATE_LIMITED")
	})

	_, err := custom.Execute(context.Background(), Request{})
	var cErr *Error
	require.ErrorAs(t, err, &cErr)
	assert.Equal(t, "RATE_LIMITED", cErr.Code)
	assert.Equal(t, "connector error [RATE_LIMITED] in c: quota", cErr.Error())
}

func TestHTTPConnector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		switch r.URL.Path {
		case "/fail":
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream down"))
		default:
			_, _ = w.Write([]byte(r.Method + " " + r.Header.Get("X-Api-Key") + " " + string(body)))
		}
	}))
	defer srv.Close()

	c := NewHTTPConnector("api", srv.URL, func(o *HTTPConnectorOptions) {
		o.Headers = map[string]string{"X-Api-Key": "k"}
	})
	assert.Equal(t, "http", c.Type())

	resp, err := c.Execute(context.Background(), Request{Payload: `{"q":1}`})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, `POST k {"q":1}`, resp.Output)
	assert.Equal(t, "200", resp.Metadata["http.status"])

	resp, err = c.Execute(context.Background(), Request{Operation: "put", Payload: "x"})
	require.NoError(t, err)
	assert.Equal(t, "PUT k x", resp.Output)

	resp, err = c.Execute(context.Background(), Request{Operation: "/fail"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "http 502: upstream down", resp.Error)
}

func TestCLIConnector(t *testing.T) {
	upper := NewCLIConnector("upper", "tr", "a-z", "A-Z")

	resp, err := upper.Execute(context.Background(), Request{Payload: "hello\n"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "HELLO", resp.Output)

	failing := NewCLIConnector("sh", "sh", "-c", "echo bad >&2; exit 3")
	resp, err = failing.Execute(context.Background(), Request{})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "exit code 3: bad", resp.Error)

	_, err = NewCLIConnector("missing", "definitely-not-a-binary-xyz").Execute(context.Background(), Request{})
	assert.Error(t, err)
}

func newMCPTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	s := mcpserver.NewMCPServer("test-tools", "1.0.0", mcpserver.WithToolCapabilities(true))
	s.AddTool(
		mcplib.NewTool("shout",
			mcplib.WithDescription("Upper-cases the input"),
			mcplib.WithString("input", mcplib.Description("Text"), mcplib.Required()),
		),
		func(_ context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
			in := req.GetString("input", "")
			if in == "fail" {
				return &mcplib.CallToolResult{
					IsError: true,
					Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: "refused"}},
				}, nil
			}

			return &mcplib.CallToolResult{
				Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: strings.ToUpper(in)}},
			}, nil
		},
	)

	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(s))

	return httptest.NewServer(mux)
}

func TestMCPConnector(t *testing.T) {
	srv := newMCPTestServer(t)
	defer srv.Close()

	c := NewMCPConnector("tools", srv.URL+"/mcp", nil)
	defer func() { _ = c.Close() }()

	resp, err := c.Execute(context.Background(), Request{Operation: "shout", Payload: "quiet"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "QUIET", resp.Output)
	assert.Equal(t, "shout", resp.Metadata["mcp.tool"])

	resp, err = c.Execute(context.Background(), Request{Operation: "shout", Payload: `{"input":"json args"}`})
	require.NoError(t, err)
	assert.Equal(t, "JSON ARGS", resp.Output)

	resp, err = c.Execute(context.Background(), Request{Operation: "shout", Payload: "fail"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "refused", resp.Error)

	_, err = c.Execute(context.Background(), Request{Payload: "x"})
	assert.Error(t, err)
}

func TestMCPConnector_ThroughExecutor(t *testing.T) {
	srv := newMCPTestServer(t)
	defer srv.Close()

	c := NewMCPConnector("tools", srv.URL+"/mcp", map[string]string{"Authorization": "Bearer t"})
	defer func() { _ = c.Close() }()

	gate, err := NewPolicyGate(context.Background(), DefaultPolicy)
	require.NoError(t, err)

	e := fastExecutor(NewRegistry(c), func(o *ExecutorOptions) { o.Policy = gate })

	r := e.Execute(context.Background(), CallFromParams(map[string]string{"connector": "tools", "operation": "shout"}, "hey"))
	require.True(t, r.Success, r.Error)
	assert.Equal(t, "HEY", r.Output)
	assert.Equal(t, "mcp", r.Metadata[MetaType])

	r = e.Execute(context.Background(), CallFromParams(map[string]string{"connector": "tools"}, "hey"))
	assert.False(t, r.Success)
	assert.Contains(t, r.Error, "not allowed")
}
