// Package api implements the HTTP surface of C12: request parsing,
// userId trust/ownership enforcement, and routing to the domain packages.
// Routing follows the teacher pack's net/http.ServeMux convention
// (method-aware patterns, a small writeJSON helper, explicit
// net.Listener + http.Server with a bounded Shutdown).
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kittclouds/memoryd/internal/apperr"
	"github.com/kittclouds/memoryd/internal/cadence"
	"github.com/kittclouds/memoryd/internal/engine"
	"github.com/kittclouds/memoryd/internal/jobqueue"
	"github.com/kittclouds/memoryd/internal/profile"
	"github.com/kittclouds/memoryd/internal/recall"
	"github.com/kittclouds/memoryd/internal/redact"
	"github.com/kittclouds/memoryd/internal/store"
)

// Server wires every domain component into the HTTP surface.
type Server struct {
	cadence  *cadence.Tracker
	jobs     *jobqueue.Queue
	engine   *engine.Engine
	recall   *recall.Engine
	profile  *profile.Builder
	store    *store.SQLiteStore
	redactor *redact.Filter

	startedAt time.Time
	srv       *http.Server
	addr      string
}

// New builds the HTTP surface against the already-constructed component
// graph; see cmd/memoryd for the wiring order.
func New(
	cadenceTracker *cadence.Tracker,
	jobs *jobqueue.Queue,
	eng *engine.Engine,
	recallEngine *recall.Engine,
	profileBuilder *profile.Builder,
	st *store.SQLiteStore,
) *Server {
	return &Server{
		cadence:   cadenceTracker,
		jobs:      jobs,
		engine:    eng,
		recall:    recallEngine,
		profile:   profileBuilder,
		store:     st,
		redactor:  redact.New(),
		startedAt: time.Now(),
	}
}

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/events/message", s.handlePostMessage)
	mux.HandleFunc("POST /v1/jobs/audit", s.handlePostAuditJob)

	mux.HandleFunc("GET /v1/memories", s.handleListMemories)
	mux.HandleFunc("POST /v1/memories", s.handleCreateMemory)
	mux.HandleFunc("PATCH /v1/memories/{id}", s.handlePatchMemory)

	mux.HandleFunc("GET /v1/recall", s.handleRecall)

	mux.HandleFunc("GET /v1/conversations", s.handleConversations)
	mux.HandleFunc("GET /v1/profile", s.handleProfile)
	mux.HandleFunc("GET /v1/metrics", s.handleMetrics)
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /v1/admin/export", s.handleExport)
	mux.HandleFunc("POST /v1/admin/import", s.handleImport)
	return mux
}

// Start listens on addr and serves the API. Returns once the listener is
// established; the server runs in a background goroutine until Shutdown.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", addr, err)
	}
	s.addr = ln.Addr().String()
	s.srv = &http.Server{Handler: s.mux()}

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("api: server stopped")
		}
	}()
	return nil
}

// Addr returns the resolved listen address. Valid only after Start
// returns nil.
func (s *Server) Addr() string { return s.addr }

// Shutdown gracefully drains in-flight requests, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(data)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	writeJSON(w, apperr.HTTPStatus(kind), errorBody{Error: err.Error()})
}

// trustedUserID extracts the gateway-supplied userId. The gateway is
// trusted per spec.md §6; this service does not itself authenticate
// end users, only enforces that a caller may not read/write another
// user's data (cross-user requests return 403, never a silent empty
// result).
func trustedUserID(r *http.Request) string {
	if v := r.Header.Get("X-User-Id"); v != "" {
		return v
	}
	return r.URL.Query().Get("userId")
}

func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	uid := trustedUserID(r)
	if uid == "" {
		writeError(w, apperr.InputInvalid("missing userId"))
		return "", false
	}
	return uid, true
}

// ensureOwns returns a 403 apperr.Error unless resourceUserID matches the
// trusted caller, per spec.md §6's cross-user isolation rule.
func ensureOwns(callerUserID, resourceUserID string) error {
	if callerUserID != resourceUserID {
		return apperr.Forbidden("resource does not belong to caller")
	}
	return nil
}
