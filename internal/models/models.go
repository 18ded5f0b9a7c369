package models

import (
	"database/sql"
	"time"
)

// NoTrigger marks a trigger epoch that does not apply: the object failed,
// the scan was not requested, or there was no light curve.
const NoTrigger = -9999.0

// Detection is a single photometric measurement of an object. Rows with no
// DetectionID are non-detections (upper limits).
type Detection struct {
	ObjectID       string
	FilterCode     int
	JD             float64
	NightID        int64
	Magnitude      sql.NullFloat64
	MagnitudeError sql.NullFloat64
	DetectionID    sql.NullInt64
	DiffMagLimit   sql.NullFloat64 // limiting magnitude, only meaningful for non-detections
}

// IsDetection reports whether the row is a genuine detection.
func (d Detection) IsDetection() bool {
	return d.DetectionID.Valid
}

// Alert is one broker notification for an object.
type Alert struct {
	ObjectID  string
	RA        sql.NullFloat64
	Dec       sql.NullFloat64
	JDMin     sql.NullFloat64
	JDMax     float64
	LatestMag sql.NullFloat64
	NCand     sql.NullInt64
	RawJSON   string
}

// Outcome distinguishes objects that had no light curve from ones that were
// actually evaluated.
type Outcome int

const (
	OutcomeNoData Outcome = iota
	OutcomeEvaluated
)

func (o Outcome) String() string {
	switch o {
	case OutcomeEvaluated:
		return "evaluated"
	default:
		return "no_data"
	}
}

type ClassificationResult struct {
	ObjectID  string
	Outcome   Outcome
	Passed    bool
	TriggerJD float64 // NoTrigger when not applicable
}

// NoDataResult is the fail-safe result for an object without usable data.
func NoDataResult(objectID string) ClassificationResult {
	return ClassificationResult{ObjectID: objectID, Outcome: OutcomeNoData, TriggerJD: NoTrigger}
}

// HasTrigger reports whether a trigger epoch was determined.
func (r ClassificationResult) HasTrigger() bool {
	return r.TriggerJD != NoTrigger
}

// Transient is a row of the persistent master table, keyed by ObjectID.
type Transient struct {
	ObjectID    string
	Passed      bool
	NoData      bool
	TriggerJD   sql.NullFloat64
	RA          sql.NullFloat64
	Dec         sql.NullFloat64
	JDMin       sql.NullFloat64
	JDMax       sql.NullFloat64
	LatestMag   sql.NullFloat64
	NCand       sql.NullInt64
	Active      bool
	FirstSeenAt time.Time
	LastSeenAt  time.Time
	Revision    int64 // bumped whenever the classification or photometry changes
	FollowupID  sql.NullString
	SyncedAt    sql.NullTime
}
