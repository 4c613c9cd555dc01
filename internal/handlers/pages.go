package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/marutha-support/portal/internal/auth"
	"github.com/marutha-support/portal/internal/middleware"
)

// Static serves the portal pages from dir.
func Static(dir string) http.Handler {
	files := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Disable caching for CSS and JS files in development
		if strings.HasSuffix(r.URL.Path, ".css") || strings.HasSuffix(r.URL.Path, ".js") {
			w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
			w.Header().Set("Pragma", "no-cache")
			w.Header().Set("Expires", "0")
		}
		files.ServeHTTP(w, r)
	})
}

// Router wires the session endpoints and the guarded static pages.
func Router(sessions *SessionHandler, staticDir string, signer *auth.Signer, logger *slog.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Logging(logger))

	r.HandleFunc("/session", sessions.Login).Methods("POST")
	r.HandleFunc("/session", sessions.Current).Methods("GET")
	r.HandleFunc("/session", sessions.Logout).Methods("DELETE")
	r.HandleFunc("/register/role", sessions.PickRole).Methods("POST")
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")

	r.PathPrefix("/").Handler(middleware.Guard(signer, logger)(Static(staticDir)))
	return r
}
