package lasair

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestClient(t *testing.T, handler http.HandlerFunc, cacheTTL time.Duration) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(Config{
		Token:             "test-token",
		BaseURL:           server.URL,
		Timeout:           5 * time.Second,
		CacheTTL:          cacheTTL,
		RequestsPerSecond: 1000,
		MaxRetryElapsed:   2 * time.Second,
	})
	require.NoError(t, err)
	return client
}

type recorded struct {
	endpoint string
	ids      []string
	body     []byte
}

type fakeRecorder struct{ got []recorded }

func (r *fakeRecorder) RecordPayload(endpoint string, ids []string, body []byte) {
	r.got = append(r.got, recorded{endpoint, ids, body})
}

const lightcurvesJSON = `[
  {"objectId": "ZTF21b", "candidates": [
    {"candid": 111, "jd": 2459300.7, "fid": 1, "nid": 1500, "magpsf": 19.2, "sigmapsf": 0.05},
    {"candid": null, "jd": 2459299.7, "fid": 2, "nid": 1499, "diffmaglim": 20.1}
  ]},
  {"objectId": "ZTF21a", "candidates": []}
]`

func TestClient_Lightcurves(t *testing.T) {
	var calls int32
	client := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/lightcurves/", r.URL.Path)
		assert.Equal(t, "Token test-token", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "ZTF21a,ZTF21b,ZTF21c", r.PostForm.Get("objectIds"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(lightcurvesJSON))
	}, 0)
	rec := &fakeRecorder{}
	client.SetPayloadRecorder(rec)

	lcs, err := client.Lightcurves(context.Background(), []string{"ZTF21a", "ZTF21b", "ZTF21c"})
	require.NoError(t, err)
	require.Len(t, lcs, 3)

	assert.Equal(t, "ZTF21a", lcs[0].ObjectID)
	assert.True(t, lcs[0].Empty())
	assert.Equal(t, "ZTF21b", lcs[1].ObjectID)
	assert.Len(t, lcs[1].Candidates, 2)
	assert.Equal(t, "ZTF21c", lcs[2].ObjectID)
	assert.True(t, lcs[2].Empty(), "objects missing from the response are empty")

	dets, err := lcs[1].Detections()
	require.NoError(t, err)
	assert.True(t, dets[0].IsDetection())
	assert.False(t, dets[1].IsDetection())
	assert.Equal(t, int64(1500), dets[0].NightID)

	require.Len(t, rec.got, 1)
	assert.Equal(t, "lightcurves", rec.got[0].endpoint)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestClient_LegacyPositionalResponse(t *testing.T) {
	client := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[[{"candid": 1, "jd": 10.5, "fid": 1, "nid": 1, "magpsf": 19, "sigmapsf": 0.1}], []]`))
	}, 0)

	lcs, err := client.Lightcurves(context.Background(), []string{"ZTF21x", "ZTF21y"})
	require.NoError(t, err)
	assert.Len(t, lcs[0].Candidates, 1)
	assert.Equal(t, "ZTF21x", lcs[0].ObjectID)
	assert.True(t, lcs[1].Empty())
}

func TestClient_CacheServesRepeatLookups(t *testing.T) {
	var calls int32
	client := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(lightcurvesJSON))
	}, time.Minute)

	_, err := client.Lightcurves(context.Background(), []string{"ZTF21b"})
	require.NoError(t, err)
	lcs, err := client.Lightcurves(context.Background(), []string{"ZTF21b"})
	require.NoError(t, err)
	assert.Len(t, lcs[0].Candidates, 2)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestClient_SetRunDropsCachedLightcurves(t *testing.T) {
	var calls int32
	client := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(lightcurvesJSON))
	}, time.Hour)

	client.SetRun(1)
	_, err := client.Lightcurves(context.Background(), []string{"ZTF21b"})
	require.NoError(t, err)
	client.SetRun(0)
	_, err = client.Lightcurves(context.Background(), []string{"ZTF21b"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "cache is kept within a run")

	client.SetRun(2)
	_, err = client.Lightcurves(context.Background(), []string{"ZTF21b"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls), "a new run refetches")
}

// hangingServer accepts requests and never answers until the test ends.
func hangingServer(t *testing.T) string {
	t.Helper()
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(release) })
	return server.URL
}

func TestClient_HungServiceIsUnavailable(t *testing.T) {
	client, err := NewClient(Config{
		Token:             "test-token",
		BaseURL:           hangingServer(t),
		Timeout:           100 * time.Millisecond,
		RequestsPerSecond: 1000,
		MaxRetryElapsed:   10 * time.Second,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 350*time.Millisecond)
	defer cancel()

	_, err = client.Lightcurves(ctx, []string{"ZTF21a"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable), "err = %v", err)
}

func TestClient_CancelledIsNotUnavailable(t *testing.T) {
	client := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := client.Lightcurves(ctx, []string{"ZTF21a"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "err = %v", err)
	assert.False(t, errors.Is(err, ErrUnavailable))
}

func TestClient_RetriesThenSucceeds(t *testing.T) {
	var calls int32
	client := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}, 0)

	lcs, err := client.Lightcurves(context.Background(), []string{"ZTF21a"})
	require.NoError(t, err)
	assert.True(t, lcs[0].Empty())
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestClient_Unauthorized(t *testing.T) {
	var calls int32
	client := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}, 0)

	_, err := client.Lightcurves(context.Background(), []string{"ZTF21a"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "auth failures are not retried")
}

func TestClient_BadRequestIsNotUnavailable(t *testing.T) {
	client := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad object id"))
	}, 0)

	_, err := client.Lightcurves(context.Background(), []string{"nonsense"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnavailable))
}

func TestClient_RejectsOversizedBatch(t *testing.T) {
	client := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}, 0)

	ids := make([]string, 51)
	for i := range ids {
		ids[i] = fmt.Sprintf("ZTF%02d", i)
	}
	_, err := client.Lightcurves(context.Background(), ids)
	require.Error(t, err)
}

func TestNewClient_RequiresToken(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
}

func TestCandidate_Malformed(t *testing.T) {
	jd := 10.5
	fid := 1
	cand := int64(5)

	_, err := Candidate{FID: &fid}.Detection("x")
	assert.Error(t, err, "missing jd")
	_, err = Candidate{JD: &jd}.Detection("x")
	assert.Error(t, err, "missing fid")
	_, err = Candidate{JD: &jd, FID: &fid, CandID: &cand}.Detection("x")
	assert.Error(t, err, "detection without nid")
	_, err = Candidate{JD: &jd, FID: &fid}.Detection("x")
	assert.NoError(t, err, "non-detection without nid is fine")
}

func TestParseAlert(t *testing.T) {
	a, err := ParseAlert([]byte(`{"objectId": "ZTF21a", "ramean": 150.1, "decmean": -20.5, "jdmin": 2459290.5, "jdmax": 2459300.5, "magrmin": 19.3, "ncand": 7}`))
	require.NoError(t, err)
	assert.Equal(t, "ZTF21a", a.ObjectID)
	assert.Equal(t, 2459300.5, a.JDMax)
	assert.True(t, a.RA.Valid)
	assert.Equal(t, 19.3, a.LatestMag.Float64)
	assert.Equal(t, int64(7), a.NCand.Int64)

	_, err = ParseAlert([]byte(`{"ramean": 1}`))
	assert.Error(t, err)
	_, err = ParseAlert([]byte(`not json`))
	assert.Error(t, err)
}

func TestFileStream(t *testing.T) {
	path := filepath.Join(t.TempDir(), "objects.dat")
	content := strings.Join([]string{"ztfname", "ZTF21a", "", "# comment", "ZTF21b", "ZTF21a"}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s, err := NewFileStream(path)
	require.NoError(t, err)
	defer s.Close()

	var got []string
	for {
		a, err := s.Poll(context.Background(), time.Second)
		require.NoError(t, err)
		if a == nil {
			break
		}
		got = append(got, a.ObjectID)
	}
	assert.Equal(t, []string{"ZTF21a", "ZTF21b", "ZTF21a"}, got)
}

func TestDevGroupID(t *testing.T) {
	a, b := DevGroupID(), DevGroupID()
	assert.True(t, strings.HasPrefix(a, "test"))
	assert.NotEqual(t, a, b)
}
