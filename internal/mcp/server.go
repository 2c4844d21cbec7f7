package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"causeway/internal/logging"
	"causeway/internal/manage"
)

const maxMessageBytes = 4 << 20

// Server answers MCP requests with the management service.
type Server struct {
	svc     *manage.Service
	version string
	tools   map[string]tool

	mu sync.Mutex // serializes writes
}

// NewServer creates a server. version is reported in serverInfo.
func NewServer(svc *manage.Service, version string) *Server {
	s := &Server{svc: svc, version: version, tools: make(map[string]tool)}
	for _, t := range toolset() {
		s.tools[t.schema.Name] = t
	}
	return s
}

// Serve reads requests from in until EOF or ctx is done and writes
// responses to out. Requests are handled one at a time, in order.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	logging.API("MCP server started (protocol %s)", ProtocolVersion)
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), maxMessageBytes)

	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			logging.APIWarn("mcp: bad message: %v", err)
			s.write(out, response{JSONRPC: "2.0", ID: json.RawMessage("null"), Error: &rpcError{Code: codeParseError, Message: err.Error()}})
			continue
		}
		resp, ok := s.handle(ctx, req)
		if !ok {
			continue
		}
		if err := s.write(out, resp); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("mcp: read: %w", err)
	}
	return nil
}

// handle returns the response for req; ok is false for notifications.
func (s *Server) handle(ctx context.Context, req request) (response, bool) {
	if req.isNotification() {
		logging.APIDebug("mcp: notification %s", req.Method)
		return response{}, false
	}
	resp := response{JSONRPC: "2.0", ID: req.ID}
	if req.JSONRPC != "2.0" {
		resp.Error = &rpcError{Code: codeInvalidRequest, Message: "jsonrpc must be 2.0"}
		return resp, true
	}

	switch req.Method {
	case "initialize":
		resp.Result = initializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    map[string]any{"tools": map[string]any{}},
			ServerInfo:      serverInfo{Name: "causeway", Version: s.version},
		}
	case "ping":
		resp.Result = struct{}{}
	case "tools/list":
		schemas := make([]ToolSchema, 0, len(s.tools))
		for _, t := range toolset() {
			schemas = append(schemas, t.schema)
		}
		resp.Result = map[string]any{"tools": schemas}
	case "tools/call":
		var p callParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			resp.Error = &rpcError{Code: codeInvalidParams, Message: err.Error()}
			return resp, true
		}
		t, ok := s.tools[p.Name]
		if !ok {
			resp.Error = &rpcError{Code: codeInvalidParams, Message: fmt.Sprintf("unknown tool %q", p.Name)}
			return resp, true
		}
		resp.Result = s.call(ctx, t, p.Arguments)
	default:
		resp.Error = &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("method %q not found", req.Method)}
	}
	return resp, true
}

func (s *Server) call(ctx context.Context, t tool, args json.RawMessage) CallResult {
	timer := logging.StartTimer(logging.CategoryAPI, "mcp."+t.schema.Name)
	defer timer.Stop()

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	text, err := t.run(ctx, s.svc, args)
	if err != nil {
		logging.APIWarn("mcp: %s failed: %v", t.schema.Name, err)
		return errorResult(err)
	}
	return textResult(text)
}

func (s *Server) write(out io.Writer, resp response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = out.Write(append(data, '\n'))
	return err
}
