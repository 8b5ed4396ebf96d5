package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/loqalabs/voicesearch/internal/eventstore"
	"github.com/loqalabs/voicesearch/internal/protocol"
	"github.com/loqalabs/voicesearch/internal/session"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const requestTimeout = 10 * time.Second

type controller interface {
	Command(ctx context.Context, action string) (protocol.CommandReply, error)
}

type healthCheck func() bool

type api struct {
	ctrl    controller
	store   *eventstore.Store
	live    http.Handler
	metrics http.Handler
	ready   healthCheck
	log     *slog.Logger
}

type sessionView struct {
	ID         string     `json:"session_id"`
	Locale     string     `json:"locale,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	StopReason string     `json:"stop_reason,omitempty"`
	Transcript string     `json:"transcript"`
	WordCount  int        `json:"word_count"`
}

type eventView struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (a *api) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.handleHealth)
	r.Get("/readyz", a.handleReady)
	metrics := a.metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	r.Method(http.MethodGet, "/metrics", metrics)
	if a.live != nil {
		r.Method(http.MethodGet, "/ws", a.live)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/session", a.handleCommand(protocol.ActionStatus))
		r.Post("/session/start", a.handleCommand(protocol.ActionStart))
		r.Post("/session/stop", a.handleCommand(protocol.ActionStop))
		r.Post("/session/toggle", a.handleCommand(protocol.ActionToggle))
		r.Get("/sessions", a.handleSessions)
		r.Get("/sessions/{id}/events", a.handleSessionEvents)
	})
	return r
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *api) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.ready == nil || a.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (a *api) handleCommand(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		reply, err := a.ctrl.Command(ctx, action)
		a.writeJSON(w, statusForError(err), reply)
	}
}

func (a *api) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit, ok := a.limitParam(w, r, 20)
	if !ok {
		return
	}
	sessions, err := a.store.RecentSessions(r.Context(), limit)
	if err != nil {
		a.log.Warn("list sessions failed", slog.String("error", err.Error()))
		a.writeError(w, http.StatusInternalServerError, "list sessions failed")
		return
	}
	out := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		v := sessionView{
			ID:         s.ID,
			Locale:     s.Locale,
			StartedAt:  s.StartedAt,
			StopReason: s.StopReason,
			Transcript: s.Transcript,
			WordCount:  s.WordCount,
		}
		if !s.EndedAt.IsZero() {
			ended := s.EndedAt
			v.EndedAt = &ended
		}
		out = append(out, v)
	}
	a.writeJSON(w, http.StatusOK, out)
}

func (a *api) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := a.limitParam(w, r, 100)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	events, err := a.store.ListSessionEvents(r.Context(), id, limit)
	if err != nil {
		a.log.Warn("list session events failed", slog.String("session_id", id), slog.String("error", err.Error()))
		a.writeError(w, http.StatusInternalServerError, "list session events failed")
		return
	}
	out := make([]eventView, 0, len(events))
	for _, e := range events {
		v := eventView{ID: e.ID, Type: e.Type, CreatedAt: e.CreatedAt}
		if json.Valid(e.Payload) {
			v.Payload = e.Payload
		}
		out = append(out, v)
	}
	a.writeJSON(w, http.StatusOK, out)
}

func (a *api) limitParam(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 1000 {
		a.writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
		return 0, false
	}
	return n, true
}

func statusForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, session.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, session.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrCanceled):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, map[string]string{"error": msg})
}

func (a *api) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Warn("failed to write response", slog.String("error", err.Error()))
	}
}
