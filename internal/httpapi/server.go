// Package httpapi assembles the HTTP surface of the daemon: the control
// WebSocket, the capture-agent feed endpoint, a read-only monitor API,
// health probes and the Prometheus scrape endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MrWong99/presencegate/internal/health"
	"github.com/MrWong99/presencegate/internal/journal"
	"github.com/MrWong99/presencegate/internal/monitor"
	"github.com/MrWong99/presencegate/internal/observe"
	"github.com/MrWong99/presencegate/internal/resilience"
	"github.com/MrWong99/presencegate/pkg/media/feed"
	"github.com/MrWong99/presencegate/pkg/protocol"
	"github.com/MrWong99/presencegate/pkg/types"
)

const (
	defaultJournalLimit = 50
	maxJournalLimit     = 1000
	maxCommandBody      = 64 << 10
)

// Monitors reports the state of every kind. *monitor.Manager satisfies it.
type Monitors interface {
	Statuses() []monitor.Status
}

// Coordinator is the control-channel side. *coordinator.Coordinator
// satisfies it.
type Coordinator interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	Execute(ctx context.Context, cmd protocol.Command) protocol.Ack
	Connections() int
}

// Feeds is the capture-agent side. *feed.Platform satisfies it.
type Feeds interface {
	ServeAgent(w http.ResponseWriter, r *http.Request, kind types.Kind)
	Status() []feed.AgentStatus
}

// Deps lists what the router serves. Journal, Classifiers, MetricsHandler
// and MCP may be nil.
type Deps struct {
	Monitors       Monitors
	Coordinator    Coordinator
	Feeds          Feeds
	Journal        journal.Store
	Health         *health.Handler
	Metrics        *observe.Metrics
	MetricsHandler http.Handler

	// MCP serves the Model Context Protocol tools at /mcp when set.
	MCP http.Handler

	// Classifiers reports circuit breaker states of the remote classifier
	// chain.
	Classifiers func() []resilience.EntryState
}

// Server is the HTTP API.
type Server struct {
	deps Deps
}

// New returns a server for deps.
func New(deps Deps) *Server {
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.Health == nil {
		deps.Health = health.New()
	}
	return &Server{deps: deps}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(s.deps.Metrics))

	r.Get("/ws", s.deps.Coordinator.ServeWS)
	r.Get("/feeds/{kind}", s.handleFeed)

	r.Route("/api", func(r chi.Router) {
		r.Get("/monitors", s.handleListMonitors)
		r.Get("/monitors/{kind}", s.handleGetMonitor)
		r.Get("/monitors/{kind}/journal", s.handleJournal)
		r.Post("/commands", s.handleCommand)
	})

	s.deps.Health.Register(r)
	if s.deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.MetricsHandler)
	}
	if s.deps.MCP != nil {
		r.Handle("/mcp", s.deps.MCP)
	}
	return r
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	s.deps.Feeds.ServeAgent(w, r, types.Kind(chi.URLParam(r, "kind")))
}

type monitorView struct {
	Kind            types.Kind         `json:"kind"`
	SessionID       string             `json:"session_id,omitempty"`
	State           types.MonitorState `json:"state"`
	ActuatorEnabled bool               `json:"actuator_enabled"`
	At              time.Time          `json:"at"`
	Feed            *feed.AgentStatus  `json:"feed,omitempty"`
}

type monitorsResponse struct {
	Monitors    []monitorView           `json:"monitors"`
	Connections int                     `json:"connections"`
	Classifiers []resilience.EntryState `json:"classifiers,omitempty"`
}

func (s *Server) views() []monitorView {
	feeds := make(map[types.Kind]feed.AgentStatus)
	if s.deps.Feeds != nil {
		for _, f := range s.deps.Feeds.Status() {
			feeds[f.Kind] = f
		}
	}
	statuses := s.deps.Monitors.Statuses()
	out := make([]monitorView, 0, len(statuses))
	for _, st := range statuses {
		v := monitorView{
			Kind:            st.Kind,
			SessionID:       st.SessionID,
			State:           st.State,
			ActuatorEnabled: st.ActuatorEnabled,
			At:              st.At,
		}
		if f, ok := feeds[st.Kind]; ok {
			v.Feed = &f
		}
		out = append(out, v)
	}
	return out
}

func (s *Server) handleListMonitors(w http.ResponseWriter, _ *http.Request) {
	resp := monitorsResponse{
		Monitors:    s.views(),
		Connections: s.deps.Coordinator.Connections(),
	}
	if s.deps.Classifiers != nil {
		resp.Classifiers = s.deps.Classifiers()
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetMonitor(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}
	for _, v := range s.views() {
		if v.Kind == kind {
			respondJSON(w, http.StatusOK, v)
			return
		}
	}
	respondError(w, http.StatusNotFound, "not_found", "no status for "+string(kind))
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}
	if s.deps.Journal == nil {
		respondError(w, http.StatusNotFound, "journal_disabled", "no transition journal configured")
		return
	}
	limit := defaultJournalLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxJournalLimit {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be between 1 and "+strconv.Itoa(maxJournalLimit))
			return
		}
		limit = n
	}

	entries, err := s.deps.Journal.Recent(r.Context(), kind, limit)
	if err != nil {
		observe.Logger(r.Context()).Error("journal query failed", "kind", kind, "err", err)
		respondError(w, http.StatusInternalServerError, "internal", "journal unavailable")
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"kind": kind, "entries": entries})
}

// handleCommand runs one control command over plain HTTP, for scripts that
// do not hold a WebSocket. The body is the same JSON a WebSocket client
// sends; the response is its acknowledgement.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCommandBody))
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, "invalid_request", err.Error())
		return
	}
	cmd, err := protocol.ParseClientMessage(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_command", err.Error())
		return
	}
	ack := s.deps.Coordinator.Execute(r.Context(), cmd)
	respondJSON(w, http.StatusOK, ack)
}

func kindParam(w http.ResponseWriter, r *http.Request) (types.Kind, bool) {
	kind := types.Kind(chi.URLParam(r, "kind"))
	if !kind.IsValid() {
		respondError(w, http.StatusNotFound, "unknown_kind", "unknown kind "+strconv.Quote(string(kind)))
		return "", false
	}
	return kind, true
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "err", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]string{"error": code, "message": message})
}
