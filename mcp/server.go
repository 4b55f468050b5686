package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/nevindra/conductor"
)

// workflowURIScheme prefixes the resource URI of each workflow
// definition blob.
const workflowURIScheme = "workflow://"

// Server exposes a conductor.Engine over MCP stdio.
type Server struct {
	name    string
	version string

	engine *conductor.Engine
	defs   conductor.DefinitionSource
	logger *slog.Logger

	// reader/writer can be overridden for testing (defaults to stdin/stdout).
	reader io.Reader
	writer io.Writer
	mu     sync.Mutex // protects writes
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets a structured logger for protocol-level events.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// New creates an MCP server around the given engine. defs is the same
// definition source the engine uses; it backs the resources surface.
func New(name, version string, engine *conductor.Engine, defs conductor.DefinitionSource, opts ...ServerOption) *Server {
	s := &Server{
		name:    name,
		version: version,
		engine:  engine,
		defs:    defs,
		logger:  slog.New(nopHandler{}),
		reader:  os.Stdin,
		writer:  os.Stdout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// nopHandler discards all log records.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (h nopHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h nopHandler) WithGroup(string) slog.Handler           { return h }

// Serve runs the MCP server, reading JSON-RPC messages from stdin and
// writing responses to stdout. Blocks until stdin is closed or ctx is
// cancelled.
func (s *Server) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(s.reader)
	scanner.Buffer(make([]byte, 0, 10<<20), 10<<20) // 10MB max message

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handleMessage(ctx, line)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("mcp: read stdin: %w", err)
	}
	return nil
}

// handleMessage parses a single JSON-RPC message (or batch) and
// dispatches it.
func (s *Server) handleMessage(ctx context.Context, data []byte) {
	if len(data) > 0 && data[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(data, &batch); err != nil {
			s.writeResponse(response{
				JSONRPC: "2.0",
				ID:      json.RawMessage("null"),
				Error:   &rpcError{Code: errCodeParse, Message: "parse error"},
			})
			return
		}
		for _, raw := range batch {
			s.handleSingleMessage(ctx, raw)
		}
		return
	}
	s.handleSingleMessage(ctx, data)
}

func (s *Server) handleSingleMessage(ctx context.Context, data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		s.writeResponse(response{
			JSONRPC: "2.0",
			ID:      json.RawMessage("null"),
			Error:   &rpcError{Code: errCodeParse, Message: "parse error"},
		})
		return
	}

	resp := s.dispatch(ctx, &req)
	if resp != nil {
		s.writeResponse(*resp)
	}
}

// dispatch routes a request to the appropriate handler. Returns nil for
// notifications.
func (s *Server) dispatch(ctx context.Context, req *request) *response {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "notifications/initialized", "notifications/cancelled":
		return nil
	case "ping":
		return s.respond(req.ID, struct{}{})
	case "tools/list":
		return s.respond(req.ID, toolsListResult{Tools: toolDefinitions()})
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	case "resources/list":
		return s.handleResourcesList(req)
	case "resources/read":
		return s.handleResourcesRead(req)
	default:
		if req.isNotification() {
			return nil
		}
		return s.respondError(req.ID, errCodeMethodNotFound, "method not found: "+req.Method)
	}
}

// --- handlers ---

func (s *Server) handleInitialize(req *request) *response {
	return s.respond(req.ID, initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities: serverCapabilities{
			Tools:     &capability{},
			Resources: &capability{},
		},
		ServerInfo: serverInfo{Name: s.name, Version: s.version},
	})
}

func (s *Server) handleToolsCall(ctx context.Context, req *request) *response {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.respondError(req.ID, errCodeInvalidParams, "invalid params: "+err.Error())
	}

	s.logger.Debug("tool call", "tool", params.Name)
	result := s.callTool(ctx, params.Name, params.Arguments)
	return s.respond(req.ID, result)
}

// handleResourcesList publishes every known workflow definition as a
// readable resource.
func (s *Server) handleResourcesList(req *request) *response {
	names, err := s.defs.ListWorkflows()
	if err != nil {
		return s.respond(req.ID, resourcesListResult{})
	}
	defs := make([]resourceDef, 0, len(names))
	for _, name := range names {
		defs = append(defs, resourceDef{
			URI:         workflowURIScheme + name,
			Name:        name,
			Description: "Workflow definition: " + name,
			MimeType:    "text/markdown",
		})
	}
	return s.respond(req.ID, resourcesListResult{Resources: defs})
}

// handleResourcesRead serves the live definition blob of one workflow.
func (s *Server) handleResourcesRead(req *request) *response {
	var params resourceReadParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.respondError(req.ID, errCodeInvalidParams, "invalid params: "+err.Error())
	}

	name, ok := strings.CutPrefix(params.URI, workflowURIScheme)
	if !ok {
		return s.respondError(req.ID, errCodeInvalidParams, "resource not found: "+params.URI)
	}
	blob, err := s.defs.DefinitionBlob(name)
	if err != nil {
		return s.respondError(req.ID, errCodeInvalidParams, "resource not found: "+params.URI)
	}
	return s.respond(req.ID, resourceReadResult{
		Contents: []resourceContent{{
			URI:      params.URI,
			MimeType: "text/markdown",
			Text:     blob,
		}},
	})
}

// --- response helpers ---

func (s *Server) respond(id json.RawMessage, result any) *response {
	return &response{JSONRPC: "2.0", ID: id, Result: result}
}

func (s *Server) respondError(id json.RawMessage, code int, message string) *response {
	return &response{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
}

func (s *Server) writeResponse(resp response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("marshal response", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	data = append(data, '\n')
	if _, err := s.writer.Write(data); err != nil {
		s.logger.Error("write response", "error", err)
	}
}
