// Package followup submits passing transients to the spectroscopic
// follow-up queue.
package followup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lox/tidestarget/internal/httputil"
	"github.com/lox/tidestarget/internal/metrics"
	"github.com/lox/tidestarget/internal/models"
)

const (
	SurveyZTF    = "ZTF"
	BrokerLasair = "Lasair"
)

// Fields is the transient record the queue stores. Optional values are
// omitted when unknown.
type Fields struct {
	Name      string   `json:"name"`
	RA        *float64 `json:"ra,omitempty"`
	Dec       *float64 `json:"dec,omitempty"`
	Mag       *float64 `json:"mag,omitempty"`
	JDMin     *float64 `json:"jd_min,omitempty"`
	JDMax     *float64 `json:"jd_max,omitempty"`
	TriggerJD *float64 `json:"trigger_jd,omitempty"`
	Survey    string   `json:"survey"`
	Broker    string   `json:"broker"`
}

func nullable(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// FieldsFor builds the queue record for a stored transient.
func FieldsFor(t models.Transient) Fields {
	return Fields{
		Name:      t.ObjectID,
		RA:        nullable(t.RA),
		Dec:       nullable(t.Dec),
		Mag:       nullable(t.LatestMag),
		JDMin:     nullable(t.JDMin),
		JDMax:     nullable(t.JDMax),
		TriggerJD: nullable(t.TriggerJD),
		Survey:    SurveyZTF,
		Broker:    BrokerLasair,
	}
}

type Config struct {
	BaseURL         string
	Token           string
	Timeout         time.Duration
	MaxRetryElapsed time.Duration
}

type Client struct {
	config     Config
	httpClient *http.Client
}

func NewClient(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("follow-up base URL is required")
	}
	if config.MaxRetryElapsed == 0 {
		config.MaxRetryElapsed = time.Minute
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &Client{
		config:     config,
		httpClient: httputil.NewClientWithTimeout(config.Timeout),
	}, nil
}

type createResponse struct {
	ID json.RawMessage `json:"id"`
}

// CreateTransient adds a transient to the queue and returns its remote ID.
func (c *Client) CreateTransient(ctx context.Context, fields Fields) (string, error) {
	var resp createResponse
	if err := c.do(ctx, "create", http.MethodPost, c.config.BaseURL+"/transients/", fields, &resp); err != nil {
		return "", fmt.Errorf("create transient %s: %w", fields.Name, err)
	}
	id := strings.Trim(string(resp.ID), `"`)
	if id == "" || id == "null" {
		return "", fmt.Errorf("create transient %s: response has no id", fields.Name)
	}
	return id, nil
}

// UpdateTransient replaces the queue's record for id.
func (c *Client) UpdateTransient(ctx context.Context, id string, fields Fields) error {
	endpoint := fmt.Sprintf("%s/transients/%s/", c.config.BaseURL, url.PathEscape(id))
	if err := c.do(ctx, "update", http.MethodPatch, endpoint, fields, nil); err != nil {
		return fmt.Errorf("update transient %s: %w", fields.Name, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, operation, method, endpoint string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if c.config.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.config.Token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			metrics.FollowupRequests.WithLabelValues(operation, "error").Inc()
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()
		metrics.FollowupRequests.WithLabelValues(operation, strconv.Itoa(resp.StatusCode)).Inc()

		if err := httputil.CheckStatus(resp); err != nil {
			return err
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}

	bo := backoff.WithContext(httputil.NewBackOff(c.config.MaxRetryElapsed), ctx)
	return backoff.Retry(attempt, bo)
}
