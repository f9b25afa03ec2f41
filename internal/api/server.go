// Package api serves a read-only view of the configured sources and the run
// log.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/uk-ipop/opendata-pipeline/internal/source"
	"github.com/uk-ipop/opendata-pipeline/internal/store"
)

const maxRunsLimit = 500

// RunLister lists recorded runs.
type RunLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]store.Run, error)
}

// Server answers status queries.
type Server struct {
	sources source.Repository
	runs    RunLister
	dataDir string
}

// NewServer creates a Server. runs may be nil when no store is configured.
func NewServer(sources source.Repository, runs RunLister, dataDir string) *Server {
	return &Server{sources: sources, runs: runs, dataDir: dataDir}
}

// Router builds the HTTP handler.
func (s *Server) Router(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/sources", s.handleSources)
	r.Get("/runs", s.handleRuns)
	return r
}

type errorResponse struct {
	Error string `json:"error"`
}

// SourceStatus is one entry of GET /sources.
type SourceStatus struct {
	Name           string `json:"name"`
	Mode           string `json:"mode"`
	TotalRecords   int    `json:"total_records"`
	NeedsGeocoding bool   `json:"needs_geocoding"`
	RecordsFile    string `json:"records_file"`
	RecordsOnDisk  bool   `json:"records_on_disk"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	set, err := s.sources.Load(ctx)
	if err != nil {
		zap.L().Warn("api: load sources", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	out := make([]SourceStatus, 0, len(set.Sources))
	for _, d := range set.Sources {
		st := SourceStatus{
			Name:           d.Name,
			Mode:           d.Mode().String(),
			TotalRecords:   d.TotalRecords,
			NeedsGeocoding: d.NeedsGeocoding,
			RecordsFile:    d.RecordsFilename(),
		}
		if _, err := os.Stat(filepath.Join(s.dataDir, st.RecordsFile)); err == nil {
			st.RecordsOnDisk = true
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "run log is disabled"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	q := r.URL.Query()
	filter := store.RunFilter{
		Kind:  strings.TrimSpace(q.Get("kind")),
		Limit: clampInt(q.Get("limit"), 20, maxRunsLimit),
	}
	switch filter.Kind {
	case "", store.KindFetch, store.KindGeocode:
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "kind must be fetch or geocode"})
		return
	}

	runs, err := s.runs.ListRuns(ctx, filter)
	if err != nil {
		zap.L().Warn("api: list runs", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func clampInt(raw string, fallback, max int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	if value > max {
		return max
	}
	return value
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Debug("api: write response", zap.Error(err))
	}
}
