package api

import (
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/amirhf/imageSearch/services/lookalike-go/client"
)

// Routes returns the HTTP handler serving every endpoint. origins lists the
// allowed CORS origins; empty means any. Credentialed requests (the client
// cookie) are only allowed for explicit origins.
func (h *Handler) Routes(origins []string) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	credentials := !slices.Contains(origins, "*")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderClientID, client.HeaderSessionID},
		ExposedHeaders:   []string{client.HeaderRequestID},
		AllowCredentials: credentials,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/search", h.Search)
		r.Post("/split", h.Split)
		r.Post("/sessions/{id}/cancel", h.CancelSession)
		r.Post("/requests/{id}/cancel", h.CancelRequest)

		r.Get("/history", h.ListHistory)
		r.Post("/history", h.SaveHistory)
		r.Delete("/history", h.ClearHistory)
		r.Delete("/history/{id}", h.DeleteHistory)
	})

	return r
}
