package main

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/opsmesh/conductor/core"
	"github.com/opsmesh/conductor/orchestration"
	"github.com/opsmesh/conductor/registry"
)

// server exposes the orchestrator over HTTP. Message processing streams
// events as NDJSON so clients see plan progress live.
type server struct {
	orch   *orchestration.Orchestrator
	reg    *registry.ServiceRegistry
	logger core.Logger
}

func newServer(orch *orchestration.Orchestrator, reg *registry.ServiceRegistry, logger core.Logger) *server {
	return &server{orch: orch, reg: reg, logger: logger}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/threads/{id}/messages", s.handleMessage)
	mux.HandleFunc("GET /v1/threads/{id}", s.handleGetThread)
	mux.HandleFunc("DELETE /v1/threads/{id}", s.handleDeleteThread)
	mux.HandleFunc("GET /v1/agents", s.handleListAgents)
	mux.HandleFunc("POST /v1/agents", s.handleRegisterAgent)
	mux.HandleFunc("DELETE /v1/agents/{name}", s.handleUnregisterAgent)
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type messageRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

// handleMessage runs one user message through the orchestrator and streams
// execution events as newline-delimited JSON until the run settles.
func (s *server) handleMessage(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	events, err := s.orch.ProcessMessage(r.Context(), threadID, req.UserID, req.Message)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	enc := json.NewEncoder(w)
	for event := range events {
		if err := enc.Encode(event); err != nil {
			// Client went away; the run continues and checkpoints normally.
			s.logger.Debug("Event stream closed by client", map[string]interface{}{
				"operation": "handle_message",
				"thread_id": threadID,
			})
			for range events {
			}
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	state, err := s.orch.Thread(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.DeleteThread(r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": s.reg.List()})
}

type registerRequest struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
}

func (s *server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.reg.Register(r.Context(), req.Name, req.Endpoint, nil); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	agent, err := s.reg.Get(req.Name)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *server) handleUnregisterAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.Unregister(r.PathValue("name")); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func statusFor(err error) int {
	switch {
	case core.IsNotFound(err):
		return http.StatusNotFound
	case core.IsConfigurationError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
