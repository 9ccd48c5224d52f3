package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/watchvote/server/internal/auth"
	"github.com/watchvote/server/internal/domain"
	"github.com/watchvote/server/internal/ws"
	"github.com/watchvote/server/pkg/types"
)

type ctxKey int

const userIDKey ctxKey = 0

// RequireAuth resolves the bearer token and stashes the user id in the
// request context.
func RequireAuth(resolver auth.Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := resolver.Resolve(ws.BearerToken(r))
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
		})
	}
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

type createSessionRequest struct {
	Name      string `json:"name"`
	MaxRounds int    `json:"maxRounds"`
}

func CreateSession(d ws.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if req.MaxRounds == 0 {
			req.MaxRounds = 1
		}

		sess, err := d.Coordinator.Create(r.Context(), userID(r), req.Name, req.MaxRounds)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(sess)
	}
}

// GetSession is recoverState over REST: a reloading client fetches the
// authoritative snapshot before its socket is up.
func GetSession(d ws.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "id")

		sess, results, err := d.Coordinator.RecoverState(r.Context(), sessionID, userID(r))
		switch {
		case errors.Is(err, domain.ErrSessionNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		case errors.Is(err, domain.ErrNotSessionMember):
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		case err != nil:
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(types.Snapshot(sess, results).Payload)
	}
}
