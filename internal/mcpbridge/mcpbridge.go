// Package mcpbridge implements Minsky's MCP bridge: a hand-rolled
// JSON-RPC 2.0 server over stdio exposing each registry.CommandDef as
// a tool named "<category>.<leaf>", with parameter schemas translated
// to JSON-Schema object types.
//
// Tool names are derived from the shared registry instead of a
// bespoke Tool interface, and handler failures map through
// errkit.Code.RPCCode() (a disjoint -32000..-32009 range) rather than
// being folded into a generic ErrorResult text block, so CLI exit
// codes and MCP error codes stay aligned.
package mcpbridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/edobry/minsky/internal/errkit"
	"github.com/edobry/minsky/internal/logging"
	"github.com/edobry/minsky/internal/observability"
	"github.com/edobry/minsky/internal/registry"
)

// JSON-RPC 2.0 envelope, matching the wire format emergent-company-specmcp
// uses for its own stdio MCP server.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Protocol-level JSON-RPC error codes, used only for envelope failures
// (bad JSON, unknown method, bad params shape) — never for application
// errors, which use errkit.Code.RPCCode()'s disjoint range instead.
const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603
)

// ServerInfo identifies this server during the initialize handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	ClientInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version,omitempty"`
	} `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string           `json:"protocolVersion"`
	Capabilities    serverCapability `json:"capabilities"`
	ServerInfo      ServerInfo       `json:"serverInfo"`
}

type serverCapability struct {
	Tools toolsCapability `json:"tools"`
}

type toolsCapability struct{}

// ToolDefinition is one entry of tools/list's response.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

type toolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type toolsCallResult struct {
	Content []contentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

func textContent(text string) contentBlock { return contentBlock{Type: "text", Text: text} }

// Server runs the MCP protocol over stdio, backed by the shared
// command registry.
type Server struct {
	reg     *registry.Registry
	info    ServerInfo
	logger  logging.Logger
	metrics *observability.Collector
}

// NewServer wires reg behind the MCP protocol. metrics may be nil (as
// in tests); tools/call still dispatches through reg.Execute, it just
// skips recording the invocation counter the CLI bridge records into.
func NewServer(reg *registry.Registry, info ServerInfo, logger logging.Logger, metrics *observability.Collector) *Server {
	return &Server{reg: reg, info: info, logger: logging.OrNop(logger), metrics: metrics}
}

// Run reads newline-delimited JSON-RPC requests from stdin and writes
// responses to stdout until stdin closes or ctx is cancelled. Per spec
// §4.J, the read/dispatch loop is single-threaded per connection;
// handlers themselves may be invoked concurrently by callers that wrap
// Server over multiple connections.
func (s *Server) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	encoder := json.NewEncoder(os.Stdout)

	s.logger.Info("mcp server started", "name", s.info.Name, "version", s.info.Version)

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

		resp := s.handleMessage(ctx, line)
		if resp == nil {
			continue
		}
		if err := encoder.Encode(resp); err != nil {
			s.logger.Error("failed to write response", "error", err)
			return fmt.Errorf("writing response: %w", err)
		}
	}

	if err := scanner.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("reading stdin: %w", err)
	}
	s.logger.Info("mcp server stopped")
	return nil
}

func (s *Server) handleMessage(ctx context.Context, data []byte) *Response {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return &Response{JSONRPC: "2.0", Error: &RPCError{Code: ErrCodeParse, Message: "parse error", Data: err.Error()}}
	}

	if req.ID == nil {
		s.logger.Debug("received notification", "method", req.Method)
		return nil
	}

	result, rpcErr := s.dispatch(ctx, &req)
	resp := &Response{JSONRPC: "2.0", ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	return resp
}

func (s *Server) dispatch(ctx context.Context, req *Request) (any, *RPCError) {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req.Params)
	case "tools/list":
		return s.handleToolsList()
	case "tools/call":
		return s.handleToolsCall(ctx, req.Params)
	default:
		return nil, &RPCError{Code: ErrCodeMethodNotFound, Message: "method not found: " + req.Method}
	}
}

func (s *Server) handleInitialize(params json.RawMessage) (any, *RPCError) {
	var p initializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "invalid initialize params", Data: err.Error()}
		}
	}
	s.logger.Info("client connecting", "client", p.ClientInfo.Name, "protocol_version", p.ProtocolVersion)
	return &initializeResult{
		ProtocolVersion: "2024-11-05",
		Capabilities:    serverCapability{Tools: toolsCapability{}},
		ServerInfo:      s.info,
	}, nil
}

func (s *Server) handleToolsList() (any, *RPCError) {
	defs := s.reg.List()
	tools := make([]ToolDefinition, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, ToolDefinition{
			Name:        def.ID,
			Description: def.Description,
			InputSchema: inputSchema(def.Params),
		})
	}
	return &toolsListResult{Tools: tools}, nil
}

func (s *Server) handleToolsCall(ctx context.Context, params json.RawMessage) (any, *RPCError) {
	var call toolsCallParams
	if err := json.Unmarshal(params, &call); err != nil {
		return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "invalid tools/call params", Data: err.Error()}
	}

	def, err := s.reg.Get(call.Name)
	if err != nil {
		return nil, &RPCError{Code: ErrCodeMethodNotFound, Message: "tool not found: " + call.Name}
	}

	raw := registry.Params{}
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &raw); err != nil {
			return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "invalid tool arguments", Data: err.Error()}
		}
	}

	invocationID := uuid.NewString()
	s.logger.Info("calling tool", "tool", call.Name, "invocation_id", invocationID)
	result, execErr := s.reg.Execute(ctx, def, raw)
	if s.metrics != nil {
		if execErr != nil {
			s.metrics.RecordInvocation(ctx, def.ID, "error")
		} else {
			s.metrics.RecordInvocation(ctx, def.ID, "ok")
		}
	}
	if execErr != nil {
		s.logger.Error("tool call failed", "tool", call.Name, "invocation_id", invocationID, "error", execErr)
		return toolErrorResult(execErr), nil
	}

	block, marshalErr := jsonContent(result)
	if marshalErr != nil {
		return nil, &RPCError{Code: ErrCodeInternal, Message: marshalErr.Error()}
	}
	return &toolsCallResult{Content: []contentBlock{block}}, nil
}

// toolErrorResult renders a handler failure as a successful JSON-RPC
// response carrying isError:true, the MCP convention for application
// errors surfaced to the model — but the numeric code a caller cares
// about (for programmatic dispatch, not model consumption) still lives
// in the text payload via errkit's RPCCode, mirroring the CLI bridge's
// exit-code mapping.
func toolErrorResult(err error) *toolsCallResult {
	code := errkit.CodeInternal.RPCCode()
	if e, ok := errkit.As(err); ok {
		code = e.Code().RPCCode()
	}
	return &toolsCallResult{
		Content: []contentBlock{textContent(fmt.Sprintf("[%d] %v", code, err))},
		IsError: true,
	}
}

func jsonContent(v any) (contentBlock, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return contentBlock{}, err
	}
	return textContent(string(b)), nil
}

// inputSchema translates a registry.ParamSchema into a JSON-Schema
// object type.
func inputSchema(params registry.ParamSchema) json.RawMessage {
	properties := map[string]any{}
	var required []string
	for _, p := range params {
		properties[p.Name] = paramSchema(p)
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return b
}

func paramSchema(p registry.Param) map[string]any {
	out := map[string]any{"description": p.Description}
	switch p.Type {
	case registry.ParamString:
		out["type"] = "string"
	case registry.ParamNumber:
		out["type"] = "number"
	case registry.ParamBoolean:
		out["type"] = "boolean"
	case registry.ParamEnum:
		out["type"] = "string"
		if len(p.EnumValues) > 0 {
			out["enum"] = p.EnumValues
		}
	case registry.ParamStringList:
		out["type"] = "array"
		out["items"] = map[string]any{"type": "string"}
	}
	if p.Default != nil {
		out["default"] = p.Default
	}
	return out
}
