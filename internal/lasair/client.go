// Package lasair talks to the Lasair broker: the light-curve API and the
// Kafka filter stream.
package lasair

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/lox/tidestarget/internal/batch"
	"github.com/lox/tidestarget/internal/httputil"
	"github.com/lox/tidestarget/internal/metrics"
)

// ErrUnavailable marks failures to reach the light-curve service at all:
// transport errors, rejected credentials, or server errors that outlast the
// retry budget.
var ErrUnavailable = errors.New("lasair unavailable")

const lightcurvesEndpoint = "lightcurves"

type Config struct {
	Token             string
	BaseURL           string
	Timeout           time.Duration
	CacheTTL          time.Duration // zero disables caching; entries never outlive a pipeline run
	RequestsPerSecond float64
	MaxRetryElapsed   time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaseURL:           "https://lasair-ztf.lsst.ac.uk/api",
		Timeout:           60 * time.Second,
		RequestsPerSecond: 2,
		MaxRetryElapsed:   2 * time.Minute,
	}
}

// PayloadRecorder receives raw API responses for archival.
type PayloadRecorder interface {
	RecordPayload(endpoint string, objectIDs []string, body []byte)
}

// Client fetches light curves from the Lasair API.
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	cache      *cache.Cache
	recorder   PayloadRecorder
}

func NewClient(config Config) (*Client, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("lasair token is required")
	}
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = def.RequestsPerSecond
	}
	if config.MaxRetryElapsed == 0 {
		config.MaxRetryElapsed = def.MaxRetryElapsed
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	c := &Client{
		config:     config,
		httpClient: httputil.NewClientWithTimeout(config.Timeout),
		limiter:    rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1),
	}
	if config.CacheTTL > 0 {
		c.cache = cache.New(config.CacheTTL, 2*config.CacheTTL)
	}
	return c, nil
}

// SetPayloadRecorder configures archival of raw responses.
func (c *Client) SetPayloadRecorder(r PayloadRecorder) {
	c.recorder = r
}

// SetRun starts a new cache generation. Light curves cached during an
// earlier run are dropped, so an object that alerted again is refetched
// with its new detections.
func (c *Client) SetRun(runID int64) {
	if c.cache != nil && runID != 0 {
		c.cache.Flush()
	}
}

// Lightcurves returns one light curve per requested object, in request
// order. Objects the API knows nothing about come back empty. At most
// batch.MaxChunkSize objects may be requested at once.
func (c *Client) Lightcurves(ctx context.Context, objectIDs []string) ([]Lightcurve, error) {
	if len(objectIDs) > batch.MaxChunkSize {
		return nil, fmt.Errorf("lightcurves: %d objects requested, limit is %d", len(objectIDs), batch.MaxChunkSize)
	}

	byID := make(map[string]Lightcurve, len(objectIDs))
	var missing []string
	for _, id := range objectIDs {
		if lc, ok := c.cached(id); ok {
			byID[id] = lc
			continue
		}
		missing = append(missing, id)
	}

	if len(missing) > 0 {
		fetched, err := c.fetch(ctx, missing)
		if err != nil {
			return nil, err
		}
		for i, lc := range fetched {
			if lc.ObjectID == "" && i < len(missing) {
				// Older responses carry no objectId; they are aligned with the request.
				lc.ObjectID = missing[i]
			}
			byID[lc.ObjectID] = lc
			if c.cache != nil && !lc.Empty() {
				c.cache.Set(lc.ObjectID, lc, cache.DefaultExpiration)
			}
		}
	}

	out := make([]Lightcurve, len(objectIDs))
	for i, id := range objectIDs {
		lc := byID[id]
		lc.ObjectID = id
		out[i] = lc
	}
	return out, nil
}

func (c *Client) cached(id string) (Lightcurve, bool) {
	if c.cache == nil {
		return Lightcurve{}, false
	}
	v, ok := c.cache.Get(id)
	if !ok {
		return Lightcurve{}, false
	}
	lc, ok := v.(Lightcurve)
	if ok {
		metrics.LightcurveCacheHits.Inc()
	}
	return lc, ok
}

func (c *Client) fetch(ctx context.Context, objectIDs []string) ([]Lightcurve, error) {
	endpoint := fmt.Sprintf("%s/%s/", c.config.BaseURL, lightcurvesEndpoint)
	form := url.Values{}
	form.Set("objectIds", strings.Join(objectIDs, ","))

	var body []byte
	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Token "+c.config.Token)

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		metrics.LightcurveAPILatency.Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.LightcurveAPICalls.WithLabelValues("error").Inc()
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("%w: fetch lightcurves: %v", ErrUnavailable, err)
		}
		defer resp.Body.Close()
		metrics.LightcurveAPICalls.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return backoff.Permanent(fmt.Errorf("%w: token rejected: status %d", ErrUnavailable, resp.StatusCode))
		}
		if err := httputil.CheckStatus(resp); err != nil {
			if resp.StatusCode >= 500 {
				return fmt.Errorf("%w: fetch lightcurves: %v", ErrUnavailable, err)
			}
			return fmt.Errorf("fetch lightcurves: %w", err)
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		return nil
	}

	bo := backoff.WithContext(httputil.NewBackOff(c.config.MaxRetryElapsed), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			// The service accepted the request but never answered in time.
			return nil, fmt.Errorf("%w: fetch lightcurves: no response before deadline: %v", ErrUnavailable, err)
		}
		return nil, err
	}

	if c.recorder != nil {
		c.recorder.RecordPayload(lightcurvesEndpoint, objectIDs, body)
	}

	var lcs []Lightcurve
	if err := json.Unmarshal(body, &lcs); err != nil {
		return nil, fmt.Errorf("unmarshal lightcurves: %w", err)
	}
	return lcs, nil
}
