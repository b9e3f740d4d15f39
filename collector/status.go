package collector

import (
	"encoding/json"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/teamstatus/collector/internal/oauth1"
	"github.com/hazyhaar/teamstatus/shield"
)

// hiddenCollections are never served.
var hiddenCollections = []string{oauth1.Collection}

// Handler serves the read-only status API:
//
//	GET /healthz
//	GET /v1/status
//	GET /v1/collections/{name}
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	for _, mw := range shield.DefaultAPIStack(s.logger) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := s.db.PingContext(r.Context()); err != nil {
			shield.GetLogger(r.Context()).WarnContext(r.Context(), "collector: healthz", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/v1/status", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		cfg := s.Config()
		passes, err := s.Passes(ctx)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, err)
			return
		}
		names, err := s.store.Collections(ctx)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, err)
			return
		}
		counts := make(map[string]int, len(names))
		for _, name := range names {
			if slices.Contains(hiddenCollections, name) {
				continue
			}
			n, err := s.store.Collection(name).Count(ctx)
			if err != nil {
				writeError(w, r, http.StatusInternalServerError, err)
				return
			}
			counts[name] = n
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"project":     cfg.Launchpad.Project,
			"replay":      cfg.Replay,
			"board":       cfg.LeanKit.Board,
			"passes":      passes,
			"collections": counts,
		})
	})

	r.Get("/v1/collections/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if slices.Contains(hiddenCollections, name) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown collection"})
			return
		}
		ctx := r.Context()
		names, err := s.store.Collections(ctx)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, err)
			return
		}
		if !slices.Contains(names, name) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown collection"})
			return
		}
		docs, err := s.store.Collection(name).All(ctx)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, docs)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError logs err through the request's logger, which carries the
// trace id, and returns it as a JSON body.
func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	shield.GetLogger(r.Context()).ErrorContext(r.Context(), "collector: request failed", "status", status, "error", err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
