package lasair

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lox/tidestarget/internal/models"
)

// Candidate is one row of a Lasair light curve. Detections carry a candid;
// non-detections (upper limits) have it null and carry diffmaglim instead.
type Candidate struct {
	CandID     *int64   `json:"candid"`
	JD         *float64 `json:"jd"`
	FID        *int     `json:"fid"`
	NID        *int64   `json:"nid"`
	MagPSF     *float64 `json:"magpsf"`
	SigmaPSF   *float64 `json:"sigmapsf"`
	DiffMagLim *float64 `json:"diffmaglim"`
	RA         *float64 `json:"ra"`
	Dec        *float64 `json:"dec"`
	IsDiffPos  string   `json:"isdiffpos"`
}

// Detection normalises the candidate into a models.Detection. Rows missing
// jd or fid, or detections missing nid, are malformed.
func (c Candidate) Detection(objectID string) (models.Detection, error) {
	if c.JD == nil {
		return models.Detection{}, fmt.Errorf("candidate for %s: missing jd", objectID)
	}
	if c.FID == nil {
		return models.Detection{}, fmt.Errorf("candidate for %s at jd %.5f: missing fid", objectID, *c.JD)
	}

	d := models.Detection{
		ObjectID:   objectID,
		FilterCode: *c.FID,
		JD:         *c.JD,
	}
	if c.CandID != nil {
		d.DetectionID = sql.NullInt64{Int64: *c.CandID, Valid: true}
		if c.NID == nil {
			return models.Detection{}, fmt.Errorf("candidate %d for %s: missing nid", *c.CandID, objectID)
		}
	}
	if c.NID != nil {
		d.NightID = *c.NID
	}
	if c.MagPSF != nil {
		d.Magnitude = sql.NullFloat64{Float64: *c.MagPSF, Valid: true}
	}
	if c.SigmaPSF != nil {
		d.MagnitudeError = sql.NullFloat64{Float64: *c.SigmaPSF, Valid: true}
	}
	if c.DiffMagLim != nil {
		d.DiffMagLimit = sql.NullFloat64{Float64: *c.DiffMagLim, Valid: true}
	}
	return d, nil
}

// Lightcurve is the light curve of one object as returned by the API.
type Lightcurve struct {
	ObjectID   string      `json:"objectId"`
	Candidates []Candidate `json:"candidates"`
}

// Empty reports whether the API returned no candidate data for the object.
func (l Lightcurve) Empty() bool {
	return len(l.Candidates) == 0
}

// Detections normalises every candidate. Any malformed row fails the whole
// light curve.
func (l Lightcurve) Detections() ([]models.Detection, error) {
	dets := make([]models.Detection, 0, len(l.Candidates))
	for _, c := range l.Candidates {
		d, err := c.Detection(l.ObjectID)
		if err != nil {
			return nil, err
		}
		dets = append(dets, d)
	}
	return dets, nil
}

// UnmarshalJSON accepts the current object form
// ({"objectId": ..., "candidates": [...]}), the older bare candidate list,
// and the empty object/list returned for unknown objects.
func (l *Lightcurve) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*l = Lightcurve{}
		return nil
	}

	if trimmed[0] == '[' {
		var cands []Candidate
		if err := json.Unmarshal(trimmed, &cands); err != nil {
			return fmt.Errorf("decode candidate list: %w", err)
		}
		*l = Lightcurve{Candidates: cands}
		return nil
	}

	type plain Lightcurve
	var p plain
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return fmt.Errorf("decode lightcurve: %w", err)
	}
	*l = Lightcurve(p)
	return nil
}

// AlertMessage is the JSON body of a Lasair filter stream message.
type AlertMessage struct {
	ObjectID  string   `json:"objectId"`
	RAMean    *float64 `json:"ramean"`
	DecMean   *float64 `json:"decmean"`
	JDMin     *float64 `json:"jdmin"`
	JDMax     *float64 `json:"jdmax"`
	LatestMag *float64 `json:"latestrmag"`
	MagRMin   *float64 `json:"magrmin"`
	NCand     *int64   `json:"ncand"`
}

// ParseAlert decodes a stream message into an alert.
func ParseAlert(value []byte) (models.Alert, error) {
	var m AlertMessage
	if err := json.Unmarshal(value, &m); err != nil {
		return models.Alert{}, fmt.Errorf("decode alert: %w", err)
	}
	if m.ObjectID == "" {
		return models.Alert{}, fmt.Errorf("decode alert: missing objectId")
	}

	a := models.Alert{ObjectID: m.ObjectID, RawJSON: string(value)}
	if m.RAMean != nil {
		a.RA = sql.NullFloat64{Float64: *m.RAMean, Valid: true}
	}
	if m.DecMean != nil {
		a.Dec = sql.NullFloat64{Float64: *m.DecMean, Valid: true}
	}
	if m.JDMin != nil {
		a.JDMin = sql.NullFloat64{Float64: *m.JDMin, Valid: true}
	}
	if m.JDMax != nil {
		a.JDMax = *m.JDMax
	}
	switch {
	case m.LatestMag != nil:
		a.LatestMag = sql.NullFloat64{Float64: *m.LatestMag, Valid: true}
	case m.MagRMin != nil:
		a.LatestMag = sql.NullFloat64{Float64: *m.MagRMin, Valid: true}
	}
	if m.NCand != nil {
		a.NCand = sql.NullInt64{Int64: *m.NCand, Valid: true}
	}
	return a, nil
}
