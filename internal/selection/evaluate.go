// Package selection decides whether a light curve satisfies a selection
// function, and when it first did.
package selection

import (
	"math"

	"github.com/lox/tidestarget/internal/models"
)

// SignificanceScale converts a magnitude error to a signal-to-noise estimate:
// snr = SignificanceScale / sigma.
const SignificanceScale = 1.09

// Significance returns the signal-to-noise estimate of a detection. Rows with
// a missing or non-positive magnitude error report false.
func Significance(d models.Detection) (float64, bool) {
	if !d.MagnitudeError.Valid {
		return 0, false
	}
	sigma := d.MagnitudeError.Float64
	if sigma <= 0 || math.IsNaN(sigma) || math.IsInf(sigma, 0) {
		return 0, false
	}
	return SignificanceScale / sigma, true
}

// Verdict breaks an evaluation down into its three conditions.
type Verdict struct {
	Bands    int
	Nights   int
	MinMag   float64 // +Inf when no row has a magnitude
	BandsOK  bool
	NightsOK bool
	MagOK    bool
}

// Passed reports whether all conditions hold.
func (v Verdict) Passed() bool {
	return v.BandsOK && v.NightsOK && v.MagOK
}

// Evaluate reports whether the detections satisfy the criterion.
func Evaluate(c Criterion, detections []models.Detection) bool {
	return Explain(c, detections).Passed()
}

// Explain evaluates the criterion and returns the per-condition breakdown.
//
// A row qualifies when it is a detection in one of the criterion's filters
// and reaches the required significance. Distinct bands and nights are
// counted over qualifying rows. The magnitude limit is checked against the
// brightest magnitude of any row, qualifying or not.
func Explain(c Criterion, detections []models.Detection) Verdict {
	table := c.BandTable()
	bands := make(map[string]struct{})
	nights := make(map[int64]struct{})
	minMag := math.Inf(1)

	for _, d := range detections {
		if d.Magnitude.Valid && !math.IsNaN(d.Magnitude.Float64) && d.Magnitude.Float64 < minMag {
			minMag = d.Magnitude.Float64
		}

		if !d.IsDetection() {
			continue
		}
		label, ok := table.Label(d.FilterCode)
		if !ok || !c.wantsBand(label) {
			continue
		}
		snr, ok := Significance(d)
		if !ok || snr < c.Significance {
			continue
		}
		bands[label] = struct{}{}
		nights[d.NightID] = struct{}{}
	}

	return Verdict{
		Bands:    len(bands),
		Nights:   len(nights),
		MinMag:   minMag,
		BandsOK:  len(detections) > 0 && len(bands) >= c.MinBands,
		NightsOK: len(detections) > 0 && len(nights) >= c.MinNights,
		MagOK:    !math.IsInf(minMag, 1) && minMag <= c.MagLimit,
	}
}
