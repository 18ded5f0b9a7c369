package classify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/lox/tidestarget/internal/lasair"
	"github.com/lox/tidestarget/internal/models"
	"github.com/lox/tidestarget/internal/selection"
)

var criterion = selection.Criterion{
	Name:         "test",
	Filters:      []string{"g", "r"},
	Significance: 5,
	MinBands:     2,
	MinNights:    2,
	MagLimit:     22.5,
}

func ptr[T any](v T) *T { return &v }

func cand(candid int64, fid int, jd float64, nid int64, mag, sigma float64) lasair.Candidate {
	return lasair.Candidate{
		CandID:   ptr(candid),
		FID:      ptr(fid),
		JD:       ptr(jd),
		NID:      ptr(nid),
		MagPSF:   ptr(mag),
		SigmaPSF: ptr(sigma),
	}
}

func passing(id string) lasair.Lightcurve {
	return lasair.Lightcurve{ObjectID: id, Candidates: []lasair.Candidate{
		cand(1, 1, 2459300.70, 1, 23.0, 0.1),
		cand(2, 1, 2459300.75, 1, 23.0, 0.1),
		cand(3, 1, 2459300.80, 1, 23.0, 0.1),
		cand(4, 2, 2459301.72, 2, 22.0, 0.1),
	}}
}

func gOnly(id string) lasair.Lightcurve {
	return lasair.Lightcurve{ObjectID: id, Candidates: []lasair.Candidate{
		cand(1, 1, 2459300.70, 1, 20.0, 0.1),
		cand(2, 1, 2459301.70, 2, 20.0, 0.1),
	}}
}

func malformed(id string) lasair.Lightcurve {
	return lasair.Lightcurve{ObjectID: id, Candidates: []lasair.Candidate{
		{CandID: ptr(int64(9)), FID: ptr(1)},
	}}
}

type fakeFetcher struct {
	mu       sync.Mutex
	lcs      map[string]lasair.Lightcurve
	failOn   map[string]error // first id of a chunk -> error
	reverse  bool
	calls    int
	maxBatch int
}

func (f *fakeFetcher) Lightcurves(ctx context.Context, ids []string) ([]lasair.Lightcurve, error) {
	f.mu.Lock()
	f.calls++
	f.maxBatch = max(f.maxBatch, len(ids))
	f.mu.Unlock()

	if err, ok := f.failOn[ids[0]]; ok {
		return nil, err
	}
	out := make([]lasair.Lightcurve, 0, len(ids))
	for _, id := range ids {
		lc, ok := f.lcs[id]
		if !ok {
			lc = lasair.Lightcurve{ObjectID: id}
		}
		out = append(out, lc)
	}
	if f.reverse {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func TestClassify_MixedBatch(t *testing.T) {
	fetcher := &fakeFetcher{lcs: map[string]lasair.Lightcurve{
		"ZTF21pass": passing("ZTF21pass"),
		"ZTF21fail": gOnly("ZTF21fail"),
		"ZTF21bad":  malformed("ZTF21bad"),
	}}
	c := New(criterion, fetcher, Options{ChunkSize: 2, Workers: 2, ScanTriggerDate: true})

	ids := []string{"ZTF21bad", "ZTF21fail", "ZTF21none", "ZTF21pass"}
	results, err := c.Classify(context.Background(), ids)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if len(results) != len(ids) {
		t.Fatalf("len(results) = %d, want %d", len(results), len(ids))
	}

	want := []models.ClassificationResult{
		{ObjectID: "ZTF21bad", Outcome: models.OutcomeNoData, TriggerJD: models.NoTrigger},
		{ObjectID: "ZTF21fail", Outcome: models.OutcomeEvaluated, TriggerJD: models.NoTrigger},
		{ObjectID: "ZTF21none", Outcome: models.OutcomeNoData, TriggerJD: models.NoTrigger},
		{ObjectID: "ZTF21pass", Outcome: models.OutcomeEvaluated, Passed: true, TriggerJD: 2459301.72},
	}
	for i := range want {
		if results[i] != want[i] {
			t.Errorf("results[%d] = %+v, want %+v", i, results[i], want[i])
		}
	}
	if fetcher.maxBatch > 2 {
		t.Errorf("fetcher saw batch of %d, want <= 2", fetcher.maxBatch)
	}
}

func TestClassify_TriggerScanDisabled(t *testing.T) {
	fetcher := &fakeFetcher{lcs: map[string]lasair.Lightcurve{"ZTF21pass": passing("ZTF21pass")}}
	c := New(criterion, fetcher, Options{ScanTriggerDate: false})

	results, err := c.Classify(context.Background(), []string{"ZTF21pass"})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if !results[0].Passed {
		t.Error("Passed = false, want true")
	}
	if results[0].HasTrigger() {
		t.Errorf("TriggerJD = %v, want NoTrigger", results[0].TriggerJD)
	}
}

func TestClassify_ReassociatesByObjectID(t *testing.T) {
	lcs := make(map[string]lasair.Lightcurve)
	var ids []string
	for i := 0; i < 120; i++ {
		id := fmt.Sprintf("ZTF21%03d", i)
		ids = append(ids, id)
		if i%3 == 0 {
			lcs[id] = passing(id)
		} else {
			lcs[id] = gOnly(id)
		}
	}
	fetcher := &fakeFetcher{lcs: lcs, reverse: true}
	c := New(criterion, fetcher, Options{ChunkSize: 50, Workers: 4})

	results, err := c.Classify(context.Background(), ids)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	for i, r := range results {
		if r.ObjectID != ids[i] {
			t.Fatalf("results[%d].ObjectID = %s, want %s", i, r.ObjectID, ids[i])
		}
		if want := i%3 == 0; r.Passed != want {
			t.Errorf("%s: Passed = %v, want %v", r.ObjectID, r.Passed, want)
		}
	}
	if fetcher.calls != 3 {
		t.Errorf("fetch calls = %d, want 3", fetcher.calls)
	}
}

func TestClassify_ChunkFetchErrorIsContained(t *testing.T) {
	fetcher := &fakeFetcher{
		lcs:    map[string]lasair.Lightcurve{"c": passing("c")},
		failOn: map[string]error{"a": errors.New("status 400: bad request")},
	}
	c := New(criterion, fetcher, Options{ChunkSize: 2, Workers: 1})

	results, err := c.Classify(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	for _, r := range results[:2] {
		if r.Outcome != models.OutcomeNoData || r.Passed {
			t.Errorf("%s = %+v, want no data", r.ObjectID, r)
		}
	}
	if !results[2].Passed {
		t.Error("c should pass")
	}
}

func TestClassify_UnavailableStopsDispatch(t *testing.T) {
	fetcher := &fakeFetcher{
		lcs:    map[string]lasair.Lightcurve{"a": passing("a")},
		failOn: map[string]error{"b": fmt.Errorf("%w: connection refused", lasair.ErrUnavailable)},
	}
	c := New(criterion, fetcher, Options{ChunkSize: 1, Workers: 1})

	results, err := c.Classify(context.Background(), []string{"a", "b", "c", "d"})
	if !errors.Is(err, lasair.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if len(results) != 1 || results[0].ObjectID != "a" {
		t.Errorf("results = %+v, want only a", results)
	}
	if fetcher.calls != 2 {
		t.Errorf("fetch calls = %d, want 2", fetcher.calls)
	}
}

func TestClassify_HungServiceIsUnavailable(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(release) })

	// Per-request timeout half the fetch window, as in production.
	client, err := lasair.NewClient(lasair.Config{
		Token:             "test-token",
		BaseURL:           server.URL,
		Timeout:           150 * time.Millisecond,
		RequestsPerSecond: 1000,
		MaxRetryElapsed:   10 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	c := New(criterion, client, Options{ChunkSize: 2, Workers: 1, FetchTimeout: 300 * time.Millisecond})

	results, err := c.Classify(context.Background(), []string{"a", "b", "c", "d"})
	if !errors.Is(err, lasair.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if len(results) != 0 {
		t.Errorf("results = %+v, want none from a hung service", results)
	}
}

func TestClassify_FetchTimeoutIsUnavailable(t *testing.T) {
	fetcher := blockingFetcher{}
	c := New(criterion, fetcher, Options{ChunkSize: 1, Workers: 1, FetchTimeout: 20 * time.Millisecond})

	results, err := c.Classify(context.Background(), []string{"a", "b"})
	if !errors.Is(err, lasair.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if len(results) != 0 {
		t.Errorf("results = %+v, want none", results)
	}
}

// blockingFetcher waits for its context and returns the context error, like
// a fetcher that does not classify its own timeouts.
type blockingFetcher struct{}

func (blockingFetcher) Lightcurves(ctx context.Context, ids []string) ([]lasair.Lightcurve, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestClassify_CancelledContext(t *testing.T) {
	fetcher := &fakeFetcher{}
	c := New(criterion, fetcher, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := c.Classify(ctx, []string{"a", "b"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if len(results) != 0 {
		t.Errorf("results = %+v, want none", results)
	}
	if fetcher.calls != 0 {
		t.Errorf("fetch calls = %d, want 0", fetcher.calls)
	}
}

func TestClassify_Observer(t *testing.T) {
	fetcher := &fakeFetcher{lcs: map[string]lasair.Lightcurve{
		"p": passing("p"),
		"f": gOnly("f"),
	}}
	c := New(criterion, fetcher, Options{ScanTriggerDate: true})

	var mu sync.Mutex
	seen := map[string]int{}
	c.SetObserver(func(r models.ClassificationResult, dets []models.Detection) {
		mu.Lock()
		defer mu.Unlock()
		seen[r.ObjectID] = len(dets)
	})

	if _, err := c.Classify(context.Background(), []string{"p", "f", "n"}); err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if seen["p"] != 4 || seen["f"] != 2 {
		t.Errorf("observer saw %v", seen)
	}
	if _, ok := seen["n"]; ok {
		t.Error("observer called for no-data object")
	}
}

func TestEvaluate_NoScanForFailures(t *testing.T) {
	lc := gOnly("x")
	dets, err := lc.Detections()
	if err != nil {
		t.Fatal(err)
	}
	r := Evaluate(criterion, "x", dets, true)
	if r.Passed || r.HasTrigger() {
		t.Errorf("Evaluate = %+v, want failed without trigger", r)
	}
}
