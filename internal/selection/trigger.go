package selection

import (
	"sort"

	"github.com/lox/tidestarget/internal/models"
)

// FindTriggerEpoch returns the earliest detection epoch t at which the rows
// observed at or before t satisfy the criterion. Objects that do not pass on
// their full light curve return models.NoTrigger without scanning.
//
// Qualifying rows only accumulate as t grows, so the first passing epoch in
// ascending order is the trigger and the scan stops there.
func FindTriggerEpoch(c Criterion, detections []models.Detection) float64 {
	if !Evaluate(c, detections) {
		return models.NoTrigger
	}

	sorted := make([]models.Detection, len(detections))
	copy(sorted, detections)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].JD < sorted[j].JD })

	for _, t := range DetectionEpochs(sorted) {
		end := sort.Search(len(sorted), func(i int) bool { return sorted[i].JD > t })
		if Evaluate(c, sorted[:end]) {
			return t
		}
	}

	// Only reachable when the magnitude limit is met solely by a
	// non-detection observed after the last detection.
	return models.NoTrigger
}

// DetectionEpochs returns the distinct epochs of genuine detections in
// ascending order.
func DetectionEpochs(detections []models.Detection) []float64 {
	seen := make(map[float64]struct{})
	var epochs []float64
	for _, d := range detections {
		if !d.IsDetection() {
			continue
		}
		if _, ok := seen[d.JD]; ok {
			continue
		}
		seen[d.JD] = struct{}{}
		epochs = append(epochs, d.JD)
	}
	sort.Float64s(epochs)
	return epochs
}
