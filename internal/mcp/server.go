// Package mcp serves the dispatcher's tools over MCP Streamable HTTP
// (JSON-RPC 2.0 on POST).
package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mistakeknot/toomanycooks/internal/auth"
	"github.com/mistakeknot/toomanycooks/internal/dispatch"
)

var supportedProtocolVersions = map[string]bool{
	"2024-11-05": true,
	"2025-03-26": true,
	"2025-06-18": true,
}

const latestProtocolVersion = "2025-06-18"

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

const defaultSessionIdle = 24 * time.Hour

type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type ListToolsResult struct {
	Tools []ToolInfo `json:"tools"`
}

type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult carries the tool's JSON result, or its wire error with
// IsError set, as a single text content block.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type session struct {
	id       string
	owner    auth.Info
	lastSeen time.Time
}

type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*session
	idle     time.Duration
	now      func() time.Time
}

func newSessionStore(idle time.Duration) *sessionStore {
	return &sessionStore{sessions: make(map[string]*session), idle: idle, now: time.Now}
}

func (s *sessionStore) create(owner auth.Info) *session {
	now := s.now()
	sess := &session{id: uuid.NewString(), owner: owner, lastSeen: now}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, old := range s.sessions {
		if now.Sub(old.lastSeen) > s.idle {
			delete(s.sessions, id)
		}
	}
	s.sessions[sess.id] = sess
	return sess
}

func (s *sessionStore) touch(id string) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	now := s.now()
	if now.Sub(sess.lastSeen) > s.idle {
		delete(s.sessions, id)
		return nil, false
	}
	sess.lastSeen = now
	return sess, true
}

func (s *sessionStore) delete(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func (s *sessionStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Dispatcher is what the server needs from the tool router.
type Dispatcher interface {
	Tools() []dispatch.Tool
	Call(ctx context.Context, tool string, args json.RawMessage, caller auth.Info) (any, error)
}

type Config struct {
	Dispatcher  Dispatcher
	Logger      *slog.Logger
	Version     string
	SessionIdle time.Duration
}

type Server struct {
	dispatcher Dispatcher
	logger     *slog.Logger
	version    string
	sessions   *sessionStore
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SessionIdle <= 0 {
		cfg.SessionIdle = defaultSessionIdle
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return &Server{
		dispatcher: cfg.Dispatcher,
		logger:     logger.With("component", "mcp"),
		version:    cfg.Version,
		sessions:   newSessionStore(cfg.SessionIdle),
	}
}

// Sessions reports the number of live sessions.
func (s *Server) Sessions() int { return s.sessions.len() }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	case http.MethodGet:
		// no server-initiated stream; events are on /ws/events
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get("Mcp-Session-Id")
	if id == "" {
		http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
		return
	}
	sess, ok := s.sessions.touch(id)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	caller, _ := auth.FromContext(r.Context())
	if sess.owner.Mode != caller.Mode || sess.owner.Subject != caller.Subject {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	s.sessions.delete(id)
	s.logger.Info("session terminated", "session_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	protoVersion := r.Header.Get("Mcp-Protocol-Version")

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		s.sendError(w, nil, JSONRPCParseError, "failed to read request body")
		return
	}
	if int64(len(body)) > MaxRequestBodySize {
		s.sendError(w, nil, JSONRPCInvalidRequest, "request body too large")
		return
	}

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.sendError(w, nil, JSONRPCParseError, "invalid JSON")
		return
	}
	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, JSONRPCInvalidRequest, "invalid JSON-RPC version")
		return
	}

	isInitialize := req.Method == "initialize"
	isNotification := len(req.ID) == 0 || string(req.ID) == "null"

	if !isInitialize && protoVersion != "" && !supportedProtocolVersions[protoVersion] {
		http.Error(w, "Bad Request: unsupported Mcp-Protocol-Version", http.StatusBadRequest)
		return
	}

	caller, _ := auth.FromContext(r.Context())
	if !isInitialize {
		if sessionID == "" {
			http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
			return
		}
		sess, ok := s.sessions.touch(sessionID)
		if !ok {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		// Admin rights are re-evaluated per request, never inherited from the
		// session.
		if sess.owner.Mode != caller.Mode || sess.owner.Subject != caller.Subject {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	s.logger.Debug("request", "method", req.Method, "is_notification", isNotification, "session_id", sessionID)

	if isNotification {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch req.Method {
	case "initialize":
		s.handleInitialize(w, req, caller)
	case "ping":
		s.sendResult(w, req.ID, map[string]any{})
	case "tools/list":
		s.handleToolsList(w, req, caller)
	case "tools/call":
		s.handleToolsCall(w, r, req, caller)
	default:
		s.sendError(w, req.ID, JSONRPCMethodNotFound, "method not found")
	}
}

func (s *Server) handleInitialize(w http.ResponseWriter, req JSONRPCRequest, caller auth.Info) {
	sess := s.sessions.create(caller)
	s.logger.Info("session created", "session_id", sess.id, "mode", caller.Mode)

	w.Header().Set("Mcp-Session-Id", sess.id)
	s.sendResult(w, req.ID, map[string]any{
		"protocolVersion": latestProtocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    "too-many-cooks",
			"version": s.version,
		},
	})
}

func (s *Server) handleToolsList(w http.ResponseWriter, req JSONRPCRequest, caller auth.Info) {
	result := ListToolsResult{Tools: []ToolInfo{}}
	for _, t := range s.dispatcher.Tools() {
		if t.Admin && !caller.Admin {
			continue
		}
		result.Tools = append(result.Tools, ToolInfo{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	s.sendResult(w, req.ID, result)
}

func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request, req JSONRPCRequest, caller auth.Info) {
	var params CallToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.sendError(w, req.ID, JSONRPCInvalidParams, "invalid params")
			return
		}
	}
	if strings.TrimSpace(params.Name) == "" {
		s.sendError(w, req.ID, JSONRPCInvalidParams, "tool name is required")
		return
	}
	if !s.knownTool(params.Name) {
		s.sendError(w, req.ID, JSONRPCInvalidParams, "tool not found")
		return
	}

	res, err := s.dispatcher.Call(r.Context(), params.Name, params.Arguments, caller)
	if err != nil {
		text, mErr := json.Marshal(dispatch.ErrorEnvelope{Error: dispatch.ToWire(err)})
		if mErr != nil {
			s.sendError(w, req.ID, JSONRPCInternalError, "encode error")
			return
		}
		s.sendResult(w, req.ID, CallToolResult{Content: []Content{{Type: "text", Text: string(text)}}, IsError: true})
		return
	}
	text, err := json.Marshal(res)
	if err != nil {
		s.logger.Warn("failed to encode tool result", "tool", params.Name, "error", err)
		s.sendError(w, req.ID, JSONRPCInternalError, "encode result")
		return
	}
	s.sendResult(w, req.ID, CallToolResult{Content: []Content{{Type: "text", Text: string(text)}}})
}

func (s *Server) knownTool(name string) bool {
	for _, t := range s.dispatcher.Tools() {
		if t.Name == name {
			return true
		}
	}
	return false
}

func (s *Server) sendResult(w http.ResponseWriter, id json.RawMessage, result any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result}); err != nil {
		s.logger.Warn("failed to encode JSON-RPC response", "error", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	resp := JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: &JSONRPCError{Code: code, Message: message}}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode JSON-RPC error response", "error", err)
	}
}
