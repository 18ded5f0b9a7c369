// Package classify runs a selection function over the light curves of a
// batch of objects.
package classify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lox/tidestarget/internal/batch"
	"github.com/lox/tidestarget/internal/lasair"
	"github.com/lox/tidestarget/internal/metrics"
	"github.com/lox/tidestarget/internal/models"
	"github.com/lox/tidestarget/internal/selection"
)

// Fetcher returns the light curves for up to batch.MaxChunkSize objects.
type Fetcher interface {
	Lightcurves(ctx context.Context, objectIDs []string) ([]lasair.Lightcurve, error)
}

// Observer is told about every evaluated object. It is called from worker
// goroutines and must be safe for concurrent use.
type Observer func(result models.ClassificationResult, detections []models.Detection)

type Options struct {
	ChunkSize       int
	Workers         int
	ScanTriggerDate bool
	FetchTimeout    time.Duration
}

type Classifier struct {
	criterion selection.Criterion
	fetcher   Fetcher
	opts      Options
	observer  Observer
}

func New(criterion selection.Criterion, fetcher Fetcher, opts Options) *Classifier {
	opts.ChunkSize = batch.ClampChunkSize(opts.ChunkSize)
	if opts.Workers <= 0 {
		opts.Workers = min(runtime.NumCPU(), 4)
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 2 * time.Minute
	}
	return &Classifier{criterion: criterion, fetcher: fetcher, opts: opts}
}

// SetObserver registers a callback for evaluated objects.
func (c *Classifier) SetObserver(fn Observer) {
	c.observer = fn
}

// Classify evaluates every object and returns one result per identifier, in
// input order.
//
// A chunk whose fetch fails for any reason other than the service being
// unavailable yields no-data results for its objects. A fetch that outlasts
// FetchTimeout counts as the service being unavailable. If the service is
// unavailable, or ctx is cancelled, no further chunks are dispatched; chunks
// already in flight finish, and the results gathered so far are returned
// with the error.
func (c *Classifier) Classify(ctx context.Context, objectIDs []string) ([]models.ClassificationResult, error) {
	chunks := batch.Chunk(objectIDs, c.opts.ChunkSize)
	chunkResults := make([][]models.ClassificationResult, len(chunks))
	chunkErrs := make([]error, len(chunks))

	dispatch, stop := context.WithCancel(ctx)
	defer stop()
	work := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(c.opts.Workers)

	for i, chunk := range chunks {
		if dispatch.Err() != nil {
			break
		}
		g.Go(func() error {
			if dispatch.Err() != nil {
				return nil
			}
			res, err := c.classifyChunk(work, i, chunk)
			if err != nil {
				chunkErrs[i] = err
				stop()
				return nil
			}
			chunkResults[i] = res
			return nil
		})
	}
	_ = g.Wait()

	results := make([]models.ClassificationResult, 0, len(objectIDs))
	for _, res := range chunkResults {
		results = append(results, res...)
	}

	err := errors.Join(chunkErrs...)
	if err == nil && ctx.Err() != nil && len(results) < len(objectIDs) {
		err = ctx.Err()
	}
	if err != nil {
		return results, fmt.Errorf("classify: %d of %d objects done: %w", len(results), len(objectIDs), err)
	}
	return results, nil
}

func (c *Classifier) classifyChunk(ctx context.Context, index int, ids []string) ([]models.ClassificationResult, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	defer cancel()

	lcs, err := c.fetcher.Lightcurves(fetchCtx, ids)
	if err != nil {
		if fetchCtx.Err() != nil && ctx.Err() == nil && !errors.Is(err, lasair.ErrUnavailable) {
			// No answer within FetchTimeout: the service is hung, not the chunk bad.
			err = fmt.Errorf("%w: no response within %s: %v", lasair.ErrUnavailable, c.opts.FetchTimeout, err)
		}
		if errors.Is(err, lasair.ErrUnavailable) {
			return nil, fmt.Errorf("chunk %d: %w", index, err)
		}
		log.Printf("classify: chunk %d: fetch failed, marking %d objects no data: %v", index, len(ids), err)
		results := make([]models.ClassificationResult, len(ids))
		for i, id := range ids {
			results[i] = models.NoDataResult(id)
			metrics.ObjectsClassified.WithLabelValues("no_data").Inc()
		}
		return results, nil
	}

	byID := make(map[string]lasair.Lightcurve, len(lcs))
	for _, lc := range lcs {
		byID[lc.ObjectID] = lc
	}

	results := make([]models.ClassificationResult, len(ids))
	for i, id := range ids {
		lc, ok := byID[id]
		if !ok {
			lc = lasair.Lightcurve{ObjectID: id}
		}
		results[i] = c.ClassifyLightcurve(lc)
	}
	return results, nil
}

// ClassifyLightcurve evaluates a single object's light curve.
func (c *Classifier) ClassifyLightcurve(lc lasair.Lightcurve) models.ClassificationResult {
	if lc.Empty() {
		log.Printf("classify: %s: no data", lc.ObjectID)
		metrics.ObjectsClassified.WithLabelValues("no_data").Inc()
		return models.NoDataResult(lc.ObjectID)
	}

	detections, err := lc.Detections()
	if err != nil {
		log.Printf("classify: %s: malformed light curve: %v", lc.ObjectID, err)
		metrics.ObjectsClassified.WithLabelValues("no_data").Inc()
		return models.NoDataResult(lc.ObjectID)
	}

	result := Evaluate(c.criterion, lc.ObjectID, detections, c.opts.ScanTriggerDate)
	if result.Passed {
		metrics.ObjectsClassified.WithLabelValues("passed").Inc()
	} else {
		metrics.ObjectsClassified.WithLabelValues("failed").Inc()
	}
	if c.observer != nil {
		c.observer(result, detections)
	}
	return result
}

// Evaluate classifies one object's detections. The trigger scan only runs
// for objects that pass on their full light curve.
func Evaluate(criterion selection.Criterion, objectID string, detections []models.Detection, scanTriggerDate bool) models.ClassificationResult {
	result := models.ClassificationResult{
		ObjectID:  objectID,
		Outcome:   models.OutcomeEvaluated,
		Passed:    selection.Evaluate(criterion, detections),
		TriggerJD: models.NoTrigger,
	}
	if result.Passed && scanTriggerDate {
		result.TriggerJD = selection.FindTriggerEpoch(criterion, detections)
	}
	return result
}
