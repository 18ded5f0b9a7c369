package store

import (
	"database/sql"
	"time"
)

// PipelineRun is the audit record of one pass over the alert stream.
type PipelineRun struct {
	ID            int64
	StartedAt     time.Time
	FinishedAt    sql.NullTime
	Source        string // "kafka", "file"
	Criterion     string
	Alerts        sql.NullInt64
	UniqueObjects sql.NullInt64
	Passed        sql.NullInt64
	NoData        sql.NullInt64
	Deactivated   sql.NullInt64
	Forwarded     sql.NullInt64
	Success       bool
	ErrorMessage  sql.NullString
}

// StartPipelineRun creates a new run record and returns it.
func (s *Store) StartPipelineRun(source, criterion string) (*PipelineRun, error) {
	run := &PipelineRun{
		StartedAt: time.Now().UTC(),
		Source:    source,
		Criterion: criterion,
	}

	result, err := s.db.Exec(`
		INSERT INTO pipeline_runs (started_at, source, criterion, success)
		VALUES (?, ?, ?, FALSE)
	`, run.StartedAt, run.Source, run.Criterion)
	if err != nil {
		return nil, err
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return run, nil
}

// CompletePipelineRun updates the run with its counts and outcome.
func (s *Store) CompletePipelineRun(run *PipelineRun) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}

	_, err := s.db.Exec(`
		UPDATE pipeline_runs SET
			finished_at = ?,
			alerts = ?,
			unique_objects = ?,
			passed = ?,
			no_data = ?,
			deactivated = ?,
			forwarded = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt, run.Alerts, run.UniqueObjects, run.Passed, run.NoData,
		run.Deactivated, run.Forwarded, run.Success, run.ErrorMessage, run.ID)
	return err
}

// RunHealthSummary is a daily roll-up of pipeline runs.
type RunHealthSummary struct {
	Date        string
	Source      string
	TotalRuns   int
	SuccessRuns int
	FailedRuns  int
	TotalAlerts int64
	TotalPassed int64
	TotalNoData int64
}

// GetRunHealth returns run summaries for the last N days.
func (s *Store) GetRunHealth(days int) ([]RunHealthSummary, error) {
	rows, err := s.db.Query(`
		SELECT
			DATE(SUBSTR(started_at, 1, 19)) as date,
			source,
			COUNT(*) as total_runs,
			SUM(CASE WHEN success THEN 1 ELSE 0 END) as success_runs,
			SUM(CASE WHEN NOT success THEN 1 ELSE 0 END) as failed_runs,
			COALESCE(SUM(alerts), 0) as total_alerts,
			COALESCE(SUM(passed), 0) as total_passed,
			COALESCE(SUM(no_data), 0) as total_no_data
		FROM pipeline_runs
		WHERE SUBSTR(started_at, 1, 19) > datetime('now', '-' || ? || ' days')
		GROUP BY date, source
		ORDER BY date DESC, source
	`, days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []RunHealthSummary
	for rows.Next() {
		var h RunHealthSummary
		if err := rows.Scan(&h.Date, &h.Source, &h.TotalRuns, &h.SuccessRuns,
			&h.FailedRuns, &h.TotalAlerts, &h.TotalPassed, &h.TotalNoData); err != nil {
			return nil, err
		}
		results = append(results, h)
	}
	return results, rows.Err()
}

// GetRecentRuns returns the most recent runs, newest first.
func (s *Store) GetRecentRuns(limit int) ([]PipelineRun, error) {
	rows, err := s.db.Query(`
		SELECT id, started_at, finished_at, source, criterion, alerts, unique_objects,
		       passed, no_data, deactivated, forwarded, success, error_message
		FROM pipeline_runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []PipelineRun
	for rows.Next() {
		var r PipelineRun
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Source, &r.Criterion,
			&r.Alerts, &r.UniqueObjects, &r.Passed, &r.NoData, &r.Deactivated,
			&r.Forwarded, &r.Success, &r.ErrorMessage); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
