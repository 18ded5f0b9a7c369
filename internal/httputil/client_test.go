package httputil

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func response(status int, contentType, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{contentType}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestCheckStatus_OK(t *testing.T) {
	assert.NoError(t, CheckStatus(response(http.StatusCreated, "application/json", "{}")))
}

func TestCheckStatus_Retryable(t *testing.T) {
	err := CheckStatus(response(http.StatusServiceUnavailable, "application/json", `{"detail":"busy"}`))
	require.Error(t, err)

	var perm *backoff.PermanentError
	assert.False(t, errors.As(err, &perm), "503 should be retried")

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.Status)
	assert.Equal(t, `{"detail":"busy"}`, se.Body)
}

func TestCheckStatus_PermanentHTML(t *testing.T) {
	err := CheckStatus(response(http.StatusInternalServerError, "text/html; charset=utf-8",
		"<html><body><h1>Server Error (500)</h1></body></html>"))
	require.Error(t, err)

	var perm *backoff.PermanentError
	assert.True(t, errors.As(err, &perm), "500 should not be retried")

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.NotContains(t, se.Body, "<h1>")
	assert.Contains(t, se.Body, "Server Error (500)")
}
