package eventstore

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

const defaultSessionPage = 50

type eventView struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	TraceID   string          `json:"trace_id,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type sessionView struct {
	ID        string     `json:"session_id"`
	Status    string     `json:"status"`
	Events    int        `json:"events"`
	CreatedAt time.Time  `json:"created_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Handler serves GET /v1/sessions/{id}/events. An optional limit query
// parameter caps the number of events returned.
func (s *Store) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.PathValue("id")
		if sessionID == "" {
			http.Error(w, "missing session id", http.StatusBadRequest)
			return
		}
		limit, ok := parseLimit(w, r, 0)
		if !ok {
			return
		}

		events, err := s.ListSessionEvents(r.Context(), sessionID, limit)
		if err != nil {
			s.log.Warn("list session events failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
			http.Error(w, "event store unavailable", http.StatusInternalServerError)
			return
		}

		out := make([]eventView, 0, len(events))
		for _, e := range events {
			view := eventView{ID: e.ID, SessionID: e.SessionID, TraceID: e.TraceID, Type: e.Type, CreatedAt: e.CreatedAt}
			if json.Valid(e.Payload) {
				view.Payload = e.Payload
			}
			out = append(out, view)
		}
		writeJSON(w, out)
	})
}

// SessionsHandler serves GET /v1/sessions, newest first.
func (s *Store) SessionsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit, ok := parseLimit(w, r, defaultSessionPage)
		if !ok {
			return
		}
		sessions, err := s.ListSessions(r.Context(), limit)
		if err != nil {
			s.log.Warn("list sessions failed", slog.String("error", err.Error()))
			http.Error(w, "event store unavailable", http.StatusInternalServerError)
			return
		}
		out := make([]sessionView, 0, len(sessions))
		for _, sess := range sessions {
			view := sessionView{ID: sess.ID, Status: sess.Status, Events: sess.Events, CreatedAt: sess.CreatedAt}
			if !sess.EndedAt.IsZero() {
				ended := sess.EndedAt
				view.EndedAt = &ended
			}
			out = append(out, view)
		}
		writeJSON(w, out)
	})
}

func parseLimit(w http.ResponseWriter, r *http.Request, fallback int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
