package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/seanblong/docqa/internal/auth"
)

// corsMiddleware allows browser clients from any origin.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NewRouter registers the routes. Upload and query go through the auth
// middleware; health and stats are always open.
func NewRouter(handler *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	r.Handle("/upload", auth.OptionalAuthMiddleware(http.HandlerFunc(handler.HandleUpload))).Methods("POST", "OPTIONS")
	r.Handle("/query", auth.OptionalAuthMiddleware(http.HandlerFunc(handler.HandleQuery))).Methods("POST", "OPTIONS")
	r.HandleFunc("/health", handler.HandleHealth).Methods("GET")
	r.HandleFunc("/stats", handler.HandleStats).Methods("GET")

	return r
}

// WithLogging attaches logger to every request and writes one access line per request.
func WithLogging(logger zerolog.Logger, next http.Handler) http.Handler {
	h := hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
		hlog.FromRequest(r).Info().Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", status).Int("size", size).Dur("dur", dur).Msg("http")
	})(next)
	h = hlog.RequestIDHandler("req_id", "X-Request-Id")(h)
	return hlog.NewHandler(logger)(h)
}
