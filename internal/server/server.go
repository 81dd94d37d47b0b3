// Package server exposes a workflow host over HTTP: run submission, run
// status, human-input resolution, and a live SSE stream of the event bus.
// It is the reference frontend; PR-comment and chat frontends consume the
// same bus topics.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/reviewflow/reviewflow/internal/bus"
	"github.com/reviewflow/reviewflow/internal/core"
	"github.com/reviewflow/reviewflow/internal/host"
)

// RunStatus is the lifecycle of one submitted run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunError     RunStatus = "error"
)

type runState struct {
	ID     string       `json:"runId"`
	Status RunStatus    `json:"status"`
	Error  string       `json:"error,omitempty"`
	Result *host.Result `json:"result,omitempty"`
}

// RunRequest is the POST /api/runs body.
type RunRequest struct {
	Event           string         `json:"event"`
	Checks          []string       `json:"checks,omitempty"`
	Tags            []string       `json:"tags,omitempty"`
	PR              *core.PRInfo   `json:"pr,omitempty"`
	Inputs          map[string]any `json:"inputs,omitempty"`
	IncludeInternal bool           `json:"includeInternal,omitempty"`
}

// Server binds one host and its bus to an HTTP surface.
type Server struct {
	host   *host.Host
	bus    *bus.Bus
	logger zerolog.Logger
	events *Broadcaster

	mu   sync.Mutex
	runs map[string]*runState
}

func New(h *host.Host, b *bus.Bus, logger zerolog.Logger) *Server {
	s := &Server{
		host:   h,
		bus:    b,
		logger: logger,
		events: NewBroadcaster(),
		runs:   map[string]*runState{},
	}
	s.events.Attach(b)
	return s
}

// Close ends the SSE stream for connected clients.
func (s *Server) Close() { s.events.Close() }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/runs/", s.handleRunByID)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/human-input", s.handleHumanInput)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.startRun(w, r)
	case http.MethodGet:
		s.mu.Lock()
		out := make([]*runState, 0, len(s.runs))
		for _, st := range s.runs {
			out = append(out, st)
		}
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, out)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Event == "" {
		req.Event = "manual"
	}

	runID := ulid.Make().String()
	st := &runState{ID: runID, Status: RunRunning}
	s.mu.Lock()
	s.runs[runID] = st
	s.mu.Unlock()

	// run in the background; clients follow progress on /api/events
	go func() {
		res, err := s.host.ExecuteChecks(context.Background(), host.ExecuteOptions{
			PR:              req.PR,
			Event:           req.Event,
			Checks:          req.Checks,
			Tags:            req.Tags,
			Inputs:          req.Inputs,
			IncludeInternal: req.IncludeInternal,
			RunID:           runID,
		})
		s.mu.Lock()
		defer s.mu.Unlock()
		st.Result = res
		if err != nil {
			st.Status = RunError
			st.Error = err.Error()
			s.logger.Error().Str("run", runID).Err(err).Msg("run failed")
			return
		}
		st.Status = RunCompleted
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"runId": runID})
}

func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	s.mu.Lock()
	st, ok := s.runs[id]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "unknown run", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	WriteSSE(w, r, s.events)
}

// handleHumanInput resumes a check suspended on a human-input gate.
func (s *Server) handleHumanInput(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		CheckID string `json:"checkId"`
		Value   string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.CheckID == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.bus.Publish(bus.TopicHumanInputResolved, bus.HumanInputResolved{
		CheckID: body.CheckID, Value: body.Value,
	})
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
