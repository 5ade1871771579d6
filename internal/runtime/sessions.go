package runtime

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-speech/internal/eventstore"
	"github.com/loqalabs/loqa-speech/internal/session"
)

const sessionEventLimit = 100

type sessionView struct {
	SessionID   string      `json:"session_id"`
	Direction   string      `json:"direction"`
	Principal   string      `json:"principal,omitempty"`
	Remote      string      `json:"remote,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	EndedAt     *time.Time  `json:"ended_at,omitempty"`
	CloseReason string      `json:"close_reason,omitempty"`
	Open        bool        `json:"open"`
	AuthState   string      `json:"auth_state,omitempty"`
	Events      []eventView `json:"events"`
}

type eventView struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// sessionHandler serves the recorded timeline of one session, merged with
// its live state while it is still open.
func sessionHandler(store *eventstore.Store, sessions *session.Manager, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		limit := sessionEventLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}

		view := sessionView{SessionID: id, Events: []eventView{}}
		live, open := sessions.Get(id)
		if open {
			view.Open = true
			view.Direction = string(live.Direction)
			view.Remote = live.Remote
			view.CreatedAt = live.CreatedAt
			view.Principal = live.Principal()
			view.AuthState = live.State().String()
		}

		rec, err := store.GetSession(r.Context(), id)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if !open {
				http.NotFound(w, r)
				return
			}
		case err != nil:
			logger.Error("session lookup failed", slog.String("session_id", id), slog.String("error", err.Error()))
			http.Error(w, "lookup failed", http.StatusInternalServerError)
			return
		default:
			view.Direction = rec.Direction
			view.Principal = rec.Principal
			view.Remote = rec.Remote
			view.CreatedAt = rec.CreatedAt
			view.CloseReason = rec.CloseReason
			if !rec.EndedAt.IsZero() {
				ended := rec.EndedAt
				view.EndedAt = &ended
			}
		}

		events, err := store.ListSessionEvents(r.Context(), id, limit)
		if err != nil {
			logger.Error("session events lookup failed", slog.String("session_id", id), slog.String("error", err.Error()))
			http.Error(w, "lookup failed", http.StatusInternalServerError)
			return
		}
		for _, e := range events {
			ev := eventView{ID: e.ID, Type: e.Type, CreatedAt: e.CreatedAt}
			if json.Valid(e.Payload) {
				ev.Payload = e.Payload
			}
			view.Events = append(view.Events, ev)
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(view); err != nil {
			logger.Warn("failed to write session view", slog.String("error", err.Error()))
		}
	}
}
