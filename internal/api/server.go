// Package api serves pipeline status over HTTP alongside the Prometheus
// metrics.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lox/tidestarget/internal/store"
)

type Server struct {
	store      *store.Store
	addr       string
	staleAfter time.Duration
}

// NewServer returns a status server. A pipeline whose last successful run
// is older than staleAfter reports degraded health.
func NewServer(store *store.Store, addr string, staleAfter time.Duration) *Server {
	return &Server{
		store:      store,
		addr:       addr,
		staleAfter: staleAfter,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/transients", s.handleAPITransients)
	mux.HandleFunc("GET /api/transients/{id}", s.handleAPITransient)
	mux.HandleFunc("GET /api/runs", s.handleAPIRuns)
	mux.HandleFunc("GET /api/runs/health", s.handleAPIRunHealth)
	mux.HandleFunc("GET /api/payloads", s.handleAPIPayloads)
	mux.HandleFunc("GET /api/payloads/{id}", s.handleAPIPayload)
	mux.HandleFunc("GET /api/payloads/hash/{hash}", s.handleAPIPayloadByHash)
	return mux
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Printf("api: listening on %s", s.addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

type HealthStatus struct {
	Status      string     `json:"status"`
	LastRunID   int64      `json:"last_run_id,omitempty"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	LastSuccess *time.Time `json:"last_success_at,omitempty"`
	AgeMinutes  int        `json:"age_minutes"`
	Errors      []string   `json:"errors,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.GetRecentRuns(20)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": err.Error()})
		return
	}

	health := HealthStatus{Status: "ok", AgeMinutes: -1}
	if len(runs) == 0 {
		// Nothing has run yet; the first run happens at startup.
		writeJSON(w, http.StatusOK, health)
		return
	}

	latest := runs[0]
	health.LastRunID = latest.ID
	health.LastRunAt = &latest.StartedAt
	if !latest.Success {
		health.Status = "degraded"
		if latest.ErrorMessage.Valid {
			health.Errors = append(health.Errors, latest.ErrorMessage.String)
		}
	}

	for _, run := range runs {
		if !run.Success {
			continue
		}
		at := run.StartedAt
		health.LastSuccess = &at
		health.AgeMinutes = int(time.Since(at).Minutes())
		if s.staleAfter > 0 && time.Since(at) > s.staleAfter {
			health.Status = "degraded"
		}
		break
	}
	if health.LastSuccess == nil {
		health.Status = "error"
	}

	status := http.StatusOK
	if health.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: write response: %v", err)
	}
}
