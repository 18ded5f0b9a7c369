package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lox/tidestarget/internal/models"
)

// StageRow is one object's alert and classification for the current run.
type StageRow struct {
	Alert  models.Alert
	Result models.ClassificationResult
}

// ReplaceStage replaces the stage table with this run's rows.
func (s *Store) ReplaceStage(rows []StageRow, now time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin stage tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM transients_stage`); err != nil {
		return fmt.Errorf("clear stage: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO transients_stage (object_id, passed, no_data, trigger_jd, ra, decl, jdmin, jdmax, latest_mag, ncand, staged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(object_id) DO UPDATE SET
			passed = excluded.passed,
			no_data = excluded.no_data,
			trigger_jd = excluded.trigger_jd,
			ra = excluded.ra,
			decl = excluded.decl,
			jdmin = excluded.jdmin,
			jdmax = excluded.jdmax,
			latest_mag = excluded.latest_mag,
			ncand = excluded.ncand
	`)
	if err != nil {
		return fmt.Errorf("prepare stage insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		a, r := row.Alert, row.Result
		var trigger sql.NullFloat64
		if r.HasTrigger() {
			trigger = sql.NullFloat64{Float64: r.TriggerJD, Valid: true}
		}
		var jdmax sql.NullFloat64
		if a.JDMax > 0 {
			jdmax = sql.NullFloat64{Float64: a.JDMax, Valid: true}
		}
		if _, err := stmt.Exec(r.ObjectID, r.Passed, r.Outcome == models.OutcomeNoData, trigger,
			a.RA, a.Dec, a.JDMin, jdmax, a.LatestMag, a.NCand, now); err != nil {
			return fmt.Errorf("stage %s: %w", r.ObjectID, err)
		}
	}

	return tx.Commit()
}

// MergeStage upserts the stage table into the master table. A staged row
// supersedes the stored one; the revision is bumped only when the
// classification or photometry changed. Staged NULL photometry keeps the
// stored value and is not a change. Returns the number of rows merged.
func (s *Store) MergeStage(now time.Time) (int64, error) {
	result, err := s.db.Exec(`
		INSERT INTO transients (object_id, passed, no_data, trigger_jd, ra, decl, jdmin, jdmax, latest_mag, ncand,
			active, first_seen_at, last_seen_at, revision)
		SELECT object_id, passed, no_data, trigger_jd, ra, decl, jdmin, jdmax, latest_mag, ncand,
			TRUE, ?, ?, 1
		FROM transients_stage WHERE TRUE
		ON CONFLICT(object_id) DO UPDATE SET
			revision = CASE WHEN
					transients.passed IS NOT excluded.passed OR
					transients.trigger_jd IS NOT excluded.trigger_jd OR
					transients.jdmax IS NOT COALESCE(excluded.jdmax, transients.jdmax) OR
					transients.latest_mag IS NOT COALESCE(excluded.latest_mag, transients.latest_mag) OR
					NOT transients.active
				THEN transients.revision + 1 ELSE transients.revision END,
			passed = excluded.passed,
			no_data = excluded.no_data,
			trigger_jd = excluded.trigger_jd,
			ra = COALESCE(excluded.ra, transients.ra),
			decl = COALESCE(excluded.decl, transients.decl),
			jdmin = COALESCE(excluded.jdmin, transients.jdmin),
			jdmax = COALESCE(excluded.jdmax, transients.jdmax),
			latest_mag = COALESCE(excluded.latest_mag, transients.latest_mag),
			ncand = COALESCE(excluded.ncand, transients.ncand),
			active = TRUE,
			last_seen_at = excluded.last_seen_at
	`, now, now)
	if err != nil {
		return 0, fmt.Errorf("merge stage: %w", err)
	}
	return result.RowsAffected()
}

// DeactivateUnobserved marks active transients absent from the stage table
// as inactive. Rows are kept.
func (s *Store) DeactivateUnobserved() (int64, error) {
	result, err := s.db.Exec(`
		UPDATE transients SET active = FALSE
		WHERE active AND object_id NOT IN (SELECT object_id FROM transients_stage)
	`)
	if err != nil {
		return 0, fmt.Errorf("deactivate unobserved: %w", err)
	}
	return result.RowsAffected()
}

const transientColumns = `object_id, passed, no_data, trigger_jd, ra, decl, jdmin, jdmax, latest_mag, ncand,
	active, first_seen_at, last_seen_at, revision, followup_id, synced_at`

func scanTransient(scan func(dest ...any) error) (models.Transient, error) {
	var t models.Transient
	err := scan(&t.ObjectID, &t.Passed, &t.NoData, &t.TriggerJD, &t.RA, &t.Dec, &t.JDMin, &t.JDMax,
		&t.LatestMag, &t.NCand, &t.Active, &t.FirstSeenAt, &t.LastSeenAt, &t.Revision, &t.FollowupID, &t.SyncedAt)
	return t, err
}

func (s *Store) queryTransients(query string, args ...any) ([]models.Transient, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Transient
	for rows.Next() {
		t, err := scanTransient(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTransient returns the master row for an object, or nil if unknown.
func (s *Store) GetTransient(objectID string) (*models.Transient, error) {
	row := s.db.QueryRow(`SELECT `+transientColumns+` FROM transients WHERE object_id = ?`, objectID)
	t, err := scanTransient(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ActiveTransients returns every active transient ordered by object ID.
func (s *Store) ActiveTransients() ([]models.Transient, error) {
	return s.queryTransients(`SELECT ` + transientColumns + ` FROM transients WHERE active ORDER BY object_id`)
}

// TransientsNeedingSync returns active, passing transients the follow-up
// queue has not seen at their current revision.
func (s *Store) TransientsNeedingSync() ([]models.Transient, error) {
	return s.queryTransients(`
		SELECT ` + transientColumns + `
		FROM transients
		WHERE active AND passed
		  AND (followup_id IS NULL OR synced_revision IS NULL OR synced_revision < revision)
		ORDER BY object_id
	`)
}

// MarkSynced records that the follow-up queue holds revision of objectID
// under followupID.
func (s *Store) MarkSynced(objectID, followupID string, revision int64, at time.Time) error {
	result, err := s.db.Exec(`
		UPDATE transients SET followup_id = ?, synced_revision = ?, synced_at = ?
		WHERE object_id = ?
	`, followupID, revision, at, objectID)
	if err != nil {
		return fmt.Errorf("mark synced %s: %w", objectID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("mark synced %s: no such transient", objectID)
	}
	return nil
}
