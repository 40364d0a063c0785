package a2a

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// JSON-RPC error codes used by the server.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// Executor handles the text of one inbound message and returns the reply text.
type Executor func(ctx context.Context, text string) (string, error)

// Server exposes a local capability as an A2A agent.
type Server struct {
	card   AgentCard
	exec   Executor
	role   string
	logger *zap.Logger
}

// NewServer creates an A2A server publishing card and dispatching to exec.
func NewServer(role string, card AgentCard, exec Executor, logger *zap.Logger) *Server {
	return &Server{card: card, exec: exec, role: role, logger: logger}
}

// Router returns the HTTP routes of the agent.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get(WellKnownPath, s.serveCard)
	r.Get(LegacyWellKnownPath, s.serveCard)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "agent": s.role})
	})
	r.Post("/", s.handleRPC)
	return r
}

func (s *Server) serveCard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.card)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      string          `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, "", codeParseError, "parse error: "+err.Error())
		return
	}
	if req.JSONRPC != "2.0" {
		writeRPCError(w, req.ID, codeInvalidRequest, "jsonrpc must be 2.0")
		return
	}
	if req.Method != MethodSendMessage {
		writeRPCError(w, req.ID, codeMethodNotFound, "method not found: "+req.Method)
		return
	}

	var params sendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeRPCError(w, req.ID, codeInvalidParams, "invalid params: "+err.Error())
		return
	}
	var text strings.Builder
	for _, p := range params.Message.Parts {
		text.WriteString(p.Text)
	}
	if text.Len() == 0 {
		writeRPCError(w, req.ID, codeInvalidParams, "message has no text parts")
		return
	}

	reply, err := s.exec(r.Context(), text.String())
	if err != nil {
		s.logger.Warn("agent execution failed", zap.String("agent", s.role), zap.Error(err))
		writeRPCError(w, req.ID, codeInternalError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jsonrpc": "2.0",
		"id":      req.ID,
		"result": Message{
			Kind:      "message",
			Role:      "agent",
			Parts:     []Part{{Kind: "text", Text: reply}},
			MessageID: strings.ReplaceAll(uuid.New().String(), "-", ""),
		},
	})
}

func writeRPCError(w http.ResponseWriter, id string, code int, msg string) {
	writeJSON(w, http.StatusOK, rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: code, Message: msg},
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
