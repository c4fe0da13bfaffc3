// Package mcp exposes the engram HTTP API as MCP tools over stdio, so agents
// that speak MCP can admit, search and link records.
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const protocolVersion = "2024-11-05"

// Server implements an MCP stdio server that delegates to the HTTP server.
type Server struct {
	serverURL string
	apiKey    string
	version   string
	client    *http.Client
	logger    *slog.Logger

	mu  sync.Mutex
	out io.Writer
}

func NewServer(serverURL, apiKey, version string, logger *slog.Logger) *Server {
	return &Server{
		serverURL: strings.TrimRight(serverURL, "/"),
		apiKey:    apiKey,
		version:   version,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// Run reads newline-delimited requests from in and writes responses to out
// until in is exhausted or ctx is cancelled.
func (s *Server) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	s.out = out
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(&Response{JSONRPC: "2.0", ID: json.RawMessage("null"),
				Error: &RPCError{Code: codeParseError, Message: "parse error: " + err.Error()}})
			continue
		}

		resp := s.handleRequest(ctx, &req)
		if resp != nil {
			s.write(resp)
		}
	}
	return scanner.Err()
}

func (s *Server) handleRequest(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return s.result(req, InitializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities:    ServerCapabilities{Tools: &ToolCapabilities{}},
			ServerInfo:      ServerInfo{Name: "engram", Version: s.version},
		})
	case "initialized", "notifications/initialized":
		return nil
	case "tools/list":
		return s.result(req, ToolsListResult{Tools: ToolDefinitions()})
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	case "ping":
		return s.result(req, map[string]string{})
	default:
		if req.isNotification() {
			return nil
		}
		return s.errorResponse(req, codeMethodNotFound, "method not found: "+req.Method)
	}
}

func (s *Server) handleToolsCall(ctx context.Context, req *Request) *Response {
	var params CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.errorResponse(req, codeInvalidParams, "invalid params: "+err.Error())
	}

	text, isError := s.dispatchTool(ctx, params.Name, params.Arguments)
	if isError {
		s.logger.Debug("tool call failed", "tool", params.Name, "result", text)
	}
	return s.result(req, CallToolResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: isError,
	})
}

func (s *Server) dispatchTool(ctx context.Context, name string, args map[string]any) (string, bool) {
	switch name {
	case "engram_admit":
		return s.toolAdmit(ctx, args)
	case "engram_search":
		return s.toolSearch(ctx, args)
	case "engram_get":
		return s.toolGet(ctx, args)
	case "engram_resolve":
		return s.toolResolve(ctx, args)
	case "engram_related":
		return s.toolRelated(ctx, args)
	case "engram_link":
		return s.toolLink(ctx, args)
	default:
		return fmt.Sprintf("unknown tool: %s", name), true
	}
}

// --- Tool implementations (HTTP delegation) ---

func (s *Server) toolAdmit(ctx context.Context, args map[string]any) (string, bool) {
	body := map[string]any{
		"type":    args["type"],
		"content": args["content"],
		"tags":    args["tags"],
	}
	if d, ok := args["details"]; ok {
		body["details"] = d
	}
	if p := getString(args, "project"); p != "" {
		body["project"] = p
	}
	return s.do(ctx, http.MethodPost, "/records", body)
}

func (s *Server) toolSearch(ctx context.Context, args map[string]any) (string, bool) {
	filters := map[string]any{}
	if p := getString(args, "project"); p != "" {
		filters["project"] = p
	}
	if t, ok := args["types"]; ok {
		filters["types"] = t
	}
	if t, ok := args["tags"]; ok {
		filters["tags"] = t
	}
	body := map[string]any{
		"query":       args["query"],
		"mode":        getStringOr(args, "mode", "hybrid"),
		"limit":       int(getFloat(args, "limit", 10)),
		"filters":     filters,
		"useExpanded": getBool(args, "useExpanded", false),
	}
	return s.do(ctx, http.MethodPost, "/search", body)
}

func (s *Server) toolGet(ctx context.Context, args map[string]any) (string, bool) {
	id := getString(args, "id")
	if id == "" {
		return "id is required", true
	}
	return s.do(ctx, http.MethodGet, "/records/"+url.PathEscape(id), nil)
}

func (s *Server) toolResolve(ctx context.Context, args map[string]any) (string, bool) {
	id := getString(args, "id")
	if id == "" {
		return "id is required", true
	}
	body := map[string]any{"solution": args["solution"]}
	return s.do(ctx, http.MethodPost, "/records/"+url.PathEscape(id)+"/resolve", body)
}

func (s *Server) toolRelated(ctx context.Context, args map[string]any) (string, bool) {
	id := getString(args, "id")
	if id == "" {
		return "id is required", true
	}
	q := url.Values{}
	q.Set("max_hops", strconv.Itoa(int(getFloat(args, "maxHops", 2))))
	if types := getStrings(args, "types"); len(types) > 0 {
		q.Set("types", strings.Join(types, ","))
	}
	return s.do(ctx, http.MethodGet, "/records/"+url.PathEscape(id)+"/related?"+q.Encode(), nil)
}

func (s *Server) toolLink(ctx context.Context, args map[string]any) (string, bool) {
	body := map[string]any{
		"sourceId": args["sourceId"],
		"targetId": args["targetId"],
		"type":     args["type"],
		"weight":   getFloat(args, "weight", 0),
	}
	return s.do(ctx, http.MethodPost, "/edges", body)
}

// --- HTTP helpers ---

func (s *Server) do(ctx context.Context, method, path string, body any) (string, bool) {
	var rd io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Sprintf("marshal error: %s", err), true
		}
		rd = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.serverURL+path, rd)
	if err != nil {
		return fmt.Sprintf("request error: %s", err), true
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Sprintf("HTTP error: %s", err), true
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Sprintf("read error: %s", err), true
	}
	return string(respBody), resp.StatusCode >= 400
}

// --- Response helpers ---

func (s *Server) write(resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("marshal response failed", "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, "%s\n", data)
}

func (s *Server) result(req *Request, v any) *Response {
	return &Response{JSONRPC: "2.0", ID: req.ID, Result: v}
}

func (s *Server) errorResponse(req *Request, code int, message string) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Error:   &RPCError{Code: code, Message: message},
	}
}

// --- Argument helpers ---

func getString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}

func getStringOr(args map[string]any, key, fallback string) string {
	if v := getString(args, key); v != "" {
		return v
	}
	return fallback
}

func getStrings(args map[string]any, key string) []string {
	raw, _ := args[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getFloat(args map[string]any, key string, fallback float64) float64 {
	if v, ok := args[key]; ok {
		switch val := v.(type) {
		case float64:
			return val
		case int:
			return float64(val)
		}
	}
	return fallback
}

func getBool(args map[string]any, key string, fallback bool) bool {
	if v, ok := args[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}
