// Package mcp speaks the Model Context Protocol over stdio: JSON-RPC 2.0
// messages, one per line, with tool calls routed through the dispatcher.
// Logs go to stderr so stdout stays a clean protocol channel.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"igloomcp/internal/tools"
)

const protocolVersion = "2024-11-05"

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Server serves MCP over a reader/writer pair.
type Server struct {
	registry   *tools.Registry
	dispatcher *tools.Dispatcher
	name       string
	version    string
	log        *zap.Logger

	mu  sync.Mutex // serializes writes
	out io.Writer
}

// NewServer wires a server over a registry and dispatcher.
func NewServer(registry *tools.Registry, dispatcher *tools.Dispatcher, name, version string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		registry:   registry,
		dispatcher: dispatcher,
		name:       name,
		version:    version,
		log:        log,
	}
}

// Serve reads newline-delimited JSON-RPC requests until EOF or context
// cancellation. Tool calls run concurrently; responses are serialized.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.out = out

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var wg sync.WaitGroup
	defer wg.Wait()

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(&response{JSONRPC: "2.0", Error: &rpcError{Code: codeParseError, Message: "parse error"}})
			continue
		}

		// Notifications carry no id and get no response.
		if req.ID == nil {
			s.log.Debug("notification", zap.String("method", req.Method))
			continue
		}

		wg.Add(1)
		go func(req request) {
			defer wg.Done()
			s.write(s.handle(ctx, &req))
		}(req)
	}
	return scanner.Err()
}

func (s *Server) handle(ctx context.Context, req *request) *response {
	resp := &response{JSONRPC: "2.0", ID: req.ID}
	if req.JSONRPC != "2.0" {
		resp.Error = &rpcError{Code: codeInvalidRequest, Message: "jsonrpc must be \"2.0\""}
		return resp
	}

	switch req.Method {
	case "initialize":
		resp.Result = map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": s.name, "version": s.version},
		}
	case "ping":
		resp.Result = map[string]any{}
	case "tools/list":
		resp.Result = map[string]any{"tools": s.listTools()}
	case "tools/call":
		result, rpcErr := s.callTool(ctx, req.Params)
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			resp.Result = result
		}
	default:
		resp.Error = &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("method %q not found", req.Method)}
	}
	return resp
}

type toolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

func (s *Server) listTools() []toolInfo {
	all := s.registry.All()
	out := make([]toolInfo, 0, len(all))
	for _, t := range all {
		out = append(out, toolInfo{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return out
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// callTool runs the dispatcher and wraps its envelope as MCP content.
// Tool failures are content with isError, not JSON-RPC errors, so agents
// can read the structured error body.
func (s *Server) callTool(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p callParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: "params must carry name and arguments"}
	}
	if p.Name == "" {
		return nil, &rpcError{Code: codeInvalidParams, Message: "tool name is required"}
	}

	env := s.dispatcher.Dispatch(ctx, p.Name, p.Arguments)
	body, err := json.Marshal(env)
	if err != nil {
		return nil, &rpcError{Code: codeInvalidRequest, Message: "response not serializable"}
	}

	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": string(body)}},
		"isError": env.Status == "error",
	}, nil
}

func (s *Server) write(resp *response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("marshal response", zap.Error(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		s.log.Error("write response", zap.Error(err))
	}
}
