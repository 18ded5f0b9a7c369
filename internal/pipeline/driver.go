// Package pipeline drains the alert stream, classifies what arrived and
// keeps the transient table and the follow-up queue up to date.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lox/tidestarget/internal/batch"
	"github.com/lox/tidestarget/internal/followup"
	"github.com/lox/tidestarget/internal/lasair"
	"github.com/lox/tidestarget/internal/metrics"
	"github.com/lox/tidestarget/internal/models"
	"github.com/lox/tidestarget/internal/store"
)

const DefaultPollTimeout = 5 * time.Second

type Classifier interface {
	Classify(ctx context.Context, objectIDs []string) ([]models.ClassificationResult, error)
}

// FollowupQueue is where passing transients are sent.
type FollowupQueue interface {
	CreateTransient(ctx context.Context, fields followup.Fields) (string, error)
	UpdateTransient(ctx context.Context, id string, fields followup.Fields) error
}

// RunTagger is told which pipeline run is in progress, so side records
// (archived payloads) can be attributed to it and run-scoped caches reset.
type RunTagger interface {
	SetRun(runID int64)
}

type Config struct {
	Source      string // recorded on the run audit row
	Criterion   string
	PollTimeout time.Duration
}

// RunSummary counts what one run did.
type RunSummary struct {
	RunID         int64
	Alerts        int
	UniqueObjects int
	Passed        int
	NoData        int
	Merged        int64
	Deactivated   int64
	Forwarded     int
	ForwardErrors int
}

type Driver struct {
	config     Config
	stream     lasair.Stream
	classifier Classifier
	store      *store.Store
	queue      FollowupQueue
	taggers    []RunTagger
	now        func() time.Time
}

func NewDriver(config Config, stream lasair.Stream, classifier Classifier, st *store.Store) *Driver {
	if config.PollTimeout <= 0 {
		config.PollTimeout = DefaultPollTimeout
	}
	return &Driver{
		config:     config,
		stream:     stream,
		classifier: classifier,
		store:      st,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetFollowupQueue enables forwarding of passing transients.
func (d *Driver) SetFollowupQueue(q FollowupQueue) {
	d.queue = q
}

// SetRunTagger registers components to be told the current run ID.
func (d *Driver) SetRunTagger(taggers ...RunTagger) {
	d.taggers = append(d.taggers, taggers...)
}

// RunOnce performs one stream-to-queue pass. A run that cannot reach the
// light-curve service is aborted before anything is persisted.
func (d *Driver) RunOnce(ctx context.Context) (*RunSummary, error) {
	run, err := d.store.StartPipelineRun(d.config.Source, d.config.Criterion)
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	for _, t := range d.taggers {
		t.SetRun(run.ID)
		defer t.SetRun(0)
	}

	summary := &RunSummary{RunID: run.ID}
	err = d.run(ctx, summary)

	run.Success = err == nil
	if err != nil {
		run.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
	}
	run.Alerts = count(summary.Alerts)
	run.UniqueObjects = count(summary.UniqueObjects)
	run.Passed = count(summary.Passed)
	run.NoData = count(summary.NoData)
	run.Deactivated = count(int(summary.Deactivated))
	run.Forwarded = count(summary.Forwarded)
	if cerr := d.store.CompletePipelineRun(run); cerr != nil {
		log.Printf("pipeline: failed to complete run %d: %v", run.ID, cerr)
	}

	switch {
	case err != nil:
		metrics.PipelineRuns.WithLabelValues("failed").Inc()
	case summary.Alerts == 0:
		metrics.PipelineRuns.WithLabelValues("empty").Inc()
	default:
		metrics.PipelineRuns.WithLabelValues("success").Inc()
	}
	return summary, err
}

func count(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: true}
}

func (d *Driver) run(ctx context.Context, summary *RunSummary) error {
	alerts, err := Drain(ctx, d.stream, d.config.PollTimeout)
	if err != nil {
		return err
	}
	summary.Alerts = len(alerts)
	if len(alerts) == 0 {
		log.Println("pipeline: no transients")
		return nil
	}
	log.Printf("pipeline: %d alerts", len(alerts))

	unique := batch.Dedupe(alerts)
	summary.UniqueObjects = len(unique)
	log.Printf("pipeline: %d unique transients", len(unique))

	results, err := d.classifier.Classify(ctx, batch.ObjectIDs(unique))
	if err != nil {
		return err
	}

	rows := MergeResults(unique, results)
	for _, row := range rows {
		switch {
		case row.Result.Passed:
			summary.Passed++
		case row.Result.Outcome == models.OutcomeNoData:
			summary.NoData++
		}
	}

	now := d.now()
	if err := d.store.ReplaceStage(rows, now); err != nil {
		return err
	}
	if summary.Merged, err = d.store.MergeStage(now); err != nil {
		return err
	}
	if summary.Deactivated, err = d.store.DeactivateUnobserved(); err != nil {
		return err
	}
	log.Printf("pipeline: %d passed, %d no data, %d deactivated", summary.Passed, summary.NoData, summary.Deactivated)

	if d.queue == nil {
		return nil
	}
	summary.Forwarded, summary.ForwardErrors, err = d.Forward(ctx)
	return err
}

// Drain polls the stream until it reports no message or an error, both of
// which end the batch. Only cancellation of ctx is returned as an error.
func Drain(ctx context.Context, stream lasair.Stream, timeout time.Duration) ([]models.Alert, error) {
	var alerts []models.Alert
	for {
		alert, err := stream.Poll(ctx, timeout)
		if ctx.Err() != nil {
			return alerts, ctx.Err()
		}
		if err != nil {
			log.Printf("pipeline: stream: %v", err)
			return alerts, nil
		}
		if alert == nil {
			return alerts, nil
		}
		alerts = append(alerts, *alert)
	}
}

// MergeResults pairs every alert with its classification by object ID.
// Alerts the classifier returned nothing for get a no-data result.
func MergeResults(alerts []models.Alert, results []models.ClassificationResult) []store.StageRow {
	byID := make(map[string]models.ClassificationResult, len(results))
	for _, r := range results {
		byID[r.ObjectID] = r
	}
	rows := make([]store.StageRow, len(alerts))
	for i, a := range alerts {
		r, ok := byID[a.ObjectID]
		if !ok {
			r = models.NoDataResult(a.ObjectID)
		}
		rows[i] = store.StageRow{Alert: a, Result: r}
	}
	return rows
}

// Forward sends every transient needing sync to the follow-up queue. A
// transient that fails stays pending for the next pass; the error returned
// is only for failures to read or update the local store.
func (d *Driver) Forward(ctx context.Context) (forwarded, failed int, err error) {
	if d.queue == nil {
		return 0, 0, errors.New("no follow-up queue configured")
	}
	pending, err := d.store.TransientsNeedingSync()
	if err != nil {
		return 0, 0, fmt.Errorf("list pending transients: %w", err)
	}

	for _, t := range pending {
		if ctx.Err() != nil {
			return forwarded, failed, ctx.Err()
		}
		id, err := d.forwardOne(ctx, t)
		if err != nil {
			log.Printf("pipeline: forward %s: %v", t.ObjectID, err)
			failed++
			continue
		}
		if err := d.store.MarkSynced(t.ObjectID, id, t.Revision, d.now()); err != nil {
			return forwarded, failed, err
		}
		forwarded++
	}
	if len(pending) > 0 {
		log.Printf("pipeline: forwarded %d of %d transients", forwarded, len(pending))
	}
	return forwarded, failed, nil
}

func (d *Driver) forwardOne(ctx context.Context, t models.Transient) (string, error) {
	fields := followup.FieldsFor(t)
	if t.FollowupID.Valid {
		return t.FollowupID.String, d.queue.UpdateTransient(ctx, t.FollowupID.String, fields)
	}
	return d.queue.CreateTransient(ctx, fields)
}
