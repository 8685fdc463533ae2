package connector

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const specsYAML = `
connectors:
  - name: search
    type: http
    url: http://search.local/api
    method: get
    timeout: 2s
    headers: {Authorization: "Bearer ${MAKERMESH_TEST_TOKEN}"}
  - name: wc
    type: cli
    command: wc
    args: [-w]
  - name: tools
    type: mcp
    url: http://localhost:8090/mcp
`

func TestLoadRegistry(t *testing.T) {
	t.Setenv("MAKERMESH_TEST_TOKEN", "secret")

	path := filepath.Join(t.TempDir(), "connectors.yaml")
	require.NoError(t, os.WriteFile(path, []byte(specsYAML), 0o600))

	r := NewRegistry()
	require.NoError(t, LoadRegistry(path, r))
	assert.Equal(t, []string{"search", "tools", "wc"}, r.Names())

	c, err := r.Get("search")
	require.NoError(t, err)

	httpC, ok := c.(*HTTPConnector)
	require.True(t, ok)
	assert.Equal(t, "GET", httpC.method)
	assert.Equal(t, "Bearer secret", httpC.headers["Authorization"])

	c, err = r.Get("tools")
	require.NoError(t, err)
	assert.Equal(t, "mcp", c.Type())

	require.NoError(t, LoadRegistry(filepath.Join(t.TempDir(), "missing.yaml"), NewRegistry()))
}

func TestSpec_BuildErrors(t *testing.T) {
	tests := []Spec{
		{Type: "http", URL: "http://x"},
		{Name: "a", Type: "http"},
		{Name: "a", Type: "cli"},
		{Name: "a", Type: "mcp"},
		{Name: "a", Type: "smtp"},
	}

	for _, s := range tests {
		_, err := s.Build()
		assert.Error(t, err, "%+v", s)
	}
}
