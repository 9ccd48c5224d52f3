package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/watchvote/server/internal/ws"
)

func SetupRoutes(d ws.Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(d))

	r.Group(func(r chi.Router) {
		r.Use(RequireAuth(d.Resolver))
		r.Post("/sessions", CreateSession(d))
		r.Get("/sessions/{id}", GetSession(d))
	})
	return r
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
