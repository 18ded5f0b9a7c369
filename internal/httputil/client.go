package httputil

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lox/tidestarget/internal/htmlutil"
)

const DefaultTimeout = 30 * time.Second

// NewClientWithTimeout returns an HTTP client with the given timeout, or the
// default when timeout is zero.
func NewClientWithTimeout(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// Retryable reports whether a response status is worth retrying.
func Retryable(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable ||
		status == http.StatusBadGateway || status == http.StatusGatewayTimeout
}

// StatusError is returned for unexpected HTTP statuses.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Status, e.Body)
}

// CheckStatus turns a non-2xx response into an error, marking it permanent
// unless the status is retryable. The body is drained on error; HTML error
// pages are reduced to their text.
func CheckStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	body := string(b)
	if htmlutil.IsHTML(resp.Header.Get("Content-Type")) {
		body = htmlutil.ToText(body)
	}
	err := &StatusError{Status: resp.StatusCode, Body: body}
	if Retryable(resp.StatusCode) {
		return err
	}
	return backoff.Permanent(err)
}

// NewBackOff returns the retry policy shared by API clients.
func NewBackOff(maxElapsed time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxElapsed
	return bo
}
