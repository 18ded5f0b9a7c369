package pipeline

import (
	"context"
	"log"
	"sync"

	"github.com/lox/tidestarget/internal/batch"
	"github.com/lox/tidestarget/internal/classify"
	"github.com/lox/tidestarget/internal/models"
	"github.com/lox/tidestarget/internal/plot"
	"github.com/lox/tidestarget/internal/report"
	"github.com/lox/tidestarget/internal/selection"
)

type CheckOptions struct {
	OutputDir string
	Plot      bool
}

// CheckResult is what a check run produced.
type CheckResult struct {
	Results []models.ClassificationResult
	CSVPath string
	Plots   []string
}

// Check classifies a fixed list of objects and writes PassFailCut.csv (and,
// optionally, one light-curve plot per evaluated object) into the output
// directory. If the light-curve service becomes unavailable the objects
// classified so far are still written before the error is returned.
func Check(ctx context.Context, c *classify.Classifier, criterion selection.Criterion, objectIDs []string, opts CheckOptions) (*CheckResult, error) {
	ids := batch.UniqueIDs(objectIDs)
	log.Printf("check: %d objects requested, %d unique", len(objectIDs), len(ids))

	var mu sync.Mutex
	curves := make(map[string]plot.Lightcurve)
	if opts.Plot {
		c.SetObserver(func(r models.ClassificationResult, dets []models.Detection) {
			mu.Lock()
			defer mu.Unlock()
			curves[r.ObjectID] = plot.Lightcurve{
				ObjectID:   r.ObjectID,
				Detections: dets,
				Criterion:  criterion,
				TriggerJD:  r.TriggerJD,
			}
		})
		defer c.SetObserver(nil)
	}

	results, classifyErr := c.Classify(ctx, ids)
	if classifyErr != nil {
		results = fillNoData(ids, results)
	}

	out := &CheckResult{Results: results}
	path, err := report.WriteFile(opts.OutputDir, results)
	if err != nil {
		return out, err
	}
	out.CSVPath = path
	log.Printf("check: wrote %d results to %s", len(results), path)

	for _, r := range results {
		lc, ok := curves[r.ObjectID]
		if !ok {
			continue
		}
		p, err := plot.SaveFile(opts.OutputDir, lc)
		if err != nil {
			log.Printf("check: plot %s: %v", r.ObjectID, err)
			continue
		}
		out.Plots = append(out.Plots, p)
	}

	return out, classifyErr
}

// fillNoData returns one result per id in ids order. Objects that were never
// classified get a no-data result, so an aborted check still lists them.
func fillNoData(ids []string, results []models.ClassificationResult) []models.ClassificationResult {
	byID := make(map[string]models.ClassificationResult, len(results))
	for _, r := range results {
		byID[r.ObjectID] = r
	}
	out := make([]models.ClassificationResult, len(ids))
	missing := 0
	for i, id := range ids {
		r, ok := byID[id]
		if !ok {
			r = models.NoDataResult(id)
			missing++
		}
		out[i] = r
	}
	if missing > 0 {
		log.Printf("check: %d objects not classified, reported as no data", missing)
	}
	return out
}
