package bot

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// CommandServer exposes the model-command service over local HTTP. The
// agent-side MCP tool posts here while a turn is running.
type CommandServer struct {
	cmds   *ModelCommands
	logger *slog.Logger
	server *http.Server
}

// NewCommandServer creates the server bound to addr.
func NewCommandServer(addr string, cmds *ModelCommands, logger *slog.Logger) *CommandServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &CommandServer{
		cmds:   cmds,
		logger: logger.With("component", "cmdserver"),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/session-command", s.handle)
	s.server = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start begins serving in a background goroutine.
func (s *CommandServer) Start() {
	go func() {
		s.logger.Info("session command endpoint listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("command server failed", "error", err)
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *CommandServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

type commandRequest struct {
	SessionKey string          `json:"sessionKey"`
	Command    string          `json:"command"`
	Args       json.RawMessage `json:"args"`
}

func (s *CommandServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, commandFailure(ErrCodeInvalidArgs, "undecodable request body"))
		return
	}
	if req.SessionKey == "" || req.Command == "" {
		writeResponse(w, commandFailure(ErrCodeInvalidArgs, "sessionKey and command are required"))
		return
	}

	writeResponse(w, s.cmds.Execute(r.Context(), req.SessionKey, req.Command, req.Args))
}

func writeResponse(w http.ResponseWriter, resp CommandResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Warn("command response encode failed", "error", err)
	}
}
