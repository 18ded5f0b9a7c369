package api

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/lox/tidestarget/internal/models"
	"github.com/lox/tidestarget/internal/store"
)

// TransientView is the JSON shape of a stored transient.
type TransientView struct {
	ObjectID    string     `json:"object_id"`
	Passed      bool       `json:"passed"`
	NoData      bool       `json:"no_data"`
	TriggerJD   *float64   `json:"trigger_jd"`
	RA          *float64   `json:"ra"`
	Dec         *float64   `json:"dec"`
	JDMin       *float64   `json:"jd_min"`
	JDMax       *float64   `json:"jd_max"`
	LatestMag   *float64   `json:"latest_mag"`
	Active      bool       `json:"active"`
	FirstSeenAt time.Time  `json:"first_seen_at"`
	LastSeenAt  time.Time  `json:"last_seen_at"`
	Revision    int64      `json:"revision"`
	FollowupID  string     `json:"followup_id,omitempty"`
	SyncedAt    *time.Time `json:"synced_at,omitempty"`
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}

func newTransientView(t models.Transient) TransientView {
	v := TransientView{
		ObjectID:    t.ObjectID,
		Passed:      t.Passed,
		NoData:      t.NoData,
		TriggerJD:   floatPtr(t.TriggerJD),
		RA:          floatPtr(t.RA),
		Dec:         floatPtr(t.Dec),
		JDMin:       floatPtr(t.JDMin),
		JDMax:       floatPtr(t.JDMax),
		LatestMag:   floatPtr(t.LatestMag),
		Active:      t.Active,
		FirstSeenAt: t.FirstSeenAt,
		LastSeenAt:  t.LastSeenAt,
		Revision:    t.Revision,
		FollowupID:  t.FollowupID.String,
	}
	if t.SyncedAt.Valid {
		v.SyncedAt = &t.SyncedAt.Time
	}
	return v
}

// handleAPITransients lists active transients; ?passed=true narrows to
// passing ones.
func (s *Server) handleAPITransients(w http.ResponseWriter, r *http.Request) {
	transients, err := s.store.ActiveTransients()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	onlyPassed := r.URL.Query().Get("passed") == "true"

	out := make([]TransientView, 0, len(transients))
	for _, t := range transients {
		if onlyPassed && !t.Passed {
			continue
		}
		out = append(out, newTransientView(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAPITransient(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTransient(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if t == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, newTransientView(*t))
}

type RunView struct {
	ID            int64      `json:"id"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Source        string     `json:"source"`
	Criterion     string     `json:"criterion"`
	Alerts        *int64     `json:"alerts"`
	UniqueObjects *int64     `json:"unique_objects"`
	Passed        *int64     `json:"passed"`
	NoData        *int64     `json:"no_data"`
	Deactivated   *int64     `json:"deactivated"`
	Forwarded     *int64     `json:"forwarded"`
	Success       bool       `json:"success"`
	Error         string     `json:"error,omitempty"`
}

func intPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}

func newRunView(r store.PipelineRun) RunView {
	v := RunView{
		ID:            r.ID,
		StartedAt:     r.StartedAt,
		Source:        r.Source,
		Criterion:     r.Criterion,
		Alerts:        intPtr(r.Alerts),
		UniqueObjects: intPtr(r.UniqueObjects),
		Passed:        intPtr(r.Passed),
		NoData:        intPtr(r.NoData),
		Deactivated:   intPtr(r.Deactivated),
		Forwarded:     intPtr(r.Forwarded),
		Success:       r.Success,
		Error:         r.ErrorMessage.String,
	}
	if r.FinishedAt.Valid {
		v.FinishedAt = &r.FinishedAt.Time
	}
	return v
}

func (s *Server) handleAPIRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 500 {
		limit = v
	}
	runs, err := s.store.GetRecentRuns(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]RunView, len(runs))
	for i, run := range runs {
		out[i] = newRunView(run)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAPIPayloads(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetRawPayloadStats()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleAPIRunHealth summarises runs per day and source; ?days=N (default 7).
func (s *Server) handleAPIRunHealth(w http.ResponseWriter, r *http.Request) {
	days := 7
	if v, err := strconv.Atoi(r.URL.Query().Get("days")); err == nil && v > 0 && v <= 365 {
		days = v
	}
	health, err := s.store.GetRunHealth(days)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if health == nil {
		health = []store.RunHealthSummary{}
	}
	writeJSON(w, http.StatusOK, health)
}

// handleAPIPayload returns an archived light-curve response as it was
// received.
func (s *Server) handleAPIPayload(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid payload id", http.StatusBadRequest)
		return
	}
	body, err := s.store.GetRawPayload(id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

type PayloadView struct {
	ID            int64     `json:"id"`
	PipelineRunID *int64    `json:"pipeline_run_id"`
	FetchedAt     time.Time `json:"fetched_at"`
	Source        string    `json:"source"`
	Endpoint      string    `json:"endpoint"`
	ObjectIDs     []string  `json:"object_ids"`
	Hash          string    `json:"hash"`
	SizeBytes     int       `json:"size_bytes"`
	SchemaVersion int       `json:"schema_version"`
}

// handleAPIPayloadByHash describes the archived payload with a given
// SHA-256, for tracing which run first saw a response.
func (s *Server) handleAPIPayloadByHash(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetRawPayloadByHash(r.PathValue("hash"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if p == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, PayloadView{
		ID:            p.ID,
		PipelineRunID: intPtr(p.PipelineRunID),
		FetchedAt:     p.FetchedAt,
		Source:        p.Source,
		Endpoint:      p.Endpoint,
		ObjectIDs:     p.ObjectIDs,
		Hash:          p.PayloadHash,
		SizeBytes:     len(p.PayloadCompressed),
		SchemaVersion: p.SchemaVersion,
	})
}
