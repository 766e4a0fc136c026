package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"igloomcp/internal/tools"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	r := tools.NewRegistry()
	r.MustRegister(&tools.Tool{
		Name:        "add",
		Description: "adds two numbers",
		InputSchema: tools.ObjectSchema(map[string]any{
			"a":          map[string]any{"type": "number"},
			"b":          map[string]any{"type": "number"},
			"request_id": map[string]any{"type": "string"},
		}, "a", "b"),
		Handler: func(_ context.Context, args map[string]any) (any, []string, error) {
			return map[string]any{"sum": args["a"].(float64) + args["b"].(float64)}, nil, nil
		},
	})
	d := tools.NewDispatcher(r, nil)
	return NewServer(r, d, "igloo-mcp", "test", nil)
}

func serve(t *testing.T, lines ...string) []response {
	t.Helper()
	in := strings.NewReader(strings.Join(lines, "\n") + "\n")
	var out bytes.Buffer
	require.NoError(t, newTestServer(t).Serve(context.Background(), in, &out))

	var responses []response
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var resp response
		require.NoError(t, json.Unmarshal([]byte(line), &resp))
		responses = append(responses, resp)
	}
	return responses
}

func TestServeInitialize(t *testing.T) {
	resps := serve(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	require.Len(t, resps, 1)
	require.Nil(t, resps[0].Error)

	result := resps[0].Result.(map[string]any)
	assert.Equal(t, protocolVersion, result["protocolVersion"])
	info := result["serverInfo"].(map[string]any)
	assert.Equal(t, "igloo-mcp", info["name"])
}

func TestServeToolsList(t *testing.T) {
	resps := serve(t, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	require.Len(t, resps, 1)
	require.Nil(t, resps[0].Error)

	result := resps[0].Result.(map[string]any)
	list := result["tools"].([]any)
	require.Len(t, list, 1)
	tool := list[0].(map[string]any)
	assert.Equal(t, "add", tool["name"])
	assert.Contains(t, tool, "inputSchema")
}

func TestServeToolsCall(t *testing.T) {
	resps := serve(t, `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"add","arguments":{"a":2,"b":3}}}`)
	require.Len(t, resps, 1)
	require.Nil(t, resps[0].Error)

	result := resps[0].Result.(map[string]any)
	assert.Equal(t, false, result["isError"])
	content := result["content"].([]any)
	require.Len(t, content, 1)
	text := content[0].(map[string]any)["text"].(string)

	var env tools.Envelope
	require.NoError(t, json.Unmarshal([]byte(text), &env))
	assert.Equal(t, "success", env.Status)
	assert.Equal(t, map[string]any{"sum": float64(5)}, env.Data)
	assert.NotEmpty(t, env.RequestID)
}

func TestServeToolCallValidationFailureIsContent(t *testing.T) {
	resps := serve(t, `{"jsonrpc":"2.0","id":8,"method":"tools/call","params":{"name":"add","arguments":{"a":2}}}`)
	require.Len(t, resps, 1)
	require.Nil(t, resps[0].Error, "tool failures are content, not RPC errors")

	result := resps[0].Result.(map[string]any)
	assert.Equal(t, true, result["isError"])
	text := result["content"].([]any)[0].(map[string]any)["text"].(string)

	var env tools.Envelope
	require.NoError(t, json.Unmarshal([]byte(text), &env))
	assert.Equal(t, "error", env.Status)
	assert.Equal(t, "validation_failed", env.Error.Kind)
}

func TestServeUnknownMethod(t *testing.T) {
	resps := serve(t, `{"jsonrpc":"2.0","id":2,"method":"bogus/method"}`)
	require.Len(t, resps, 1)
	require.NotNil(t, resps[0].Error)
	assert.Equal(t, codeMethodNotFound, resps[0].Error.Code)
}

func TestServeNotificationGetsNoResponse(t *testing.T) {
	resps := serve(t,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	require.Len(t, resps, 1, "only the ping is answered")
}

func TestServeParseError(t *testing.T) {
	resps := serve(t, `{not json`)
	require.Len(t, resps, 1)
	require.NotNil(t, resps[0].Error)
	assert.Equal(t, codeParseError, resps[0].Error.Code)
}
