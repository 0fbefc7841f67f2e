package httpx

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type statusErr int

func (e statusErr) Error() string       { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) HTTPStatusCode() int { return int(e) }

func TestIsRetryable(t *testing.T) {
	for _, code := range []int{408, 429, 500, 503} {
		assert.True(t, IsRetryableHTTPStatus(code), code)
	}
	for _, code := range []int{400, 401, 404, 422} {
		assert.False(t, IsRetryableHTTPStatus(code), code)
	}
	assert.True(t, IsRetryableError(statusErr(502)))
	assert.False(t, IsRetryableError(statusErr(400)))
	assert.True(t, IsRetryableError(context.DeadlineExceeded))
	assert.False(t, IsRetryableError(context.Canceled))
	assert.False(t, IsRetryableError(nil))
}

func TestRetryAfterDuration(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	resp := &http.Response{Header: http.Header{}}
	assert.Zero(t, RetryAfterDuration(resp, now, time.Minute))

	resp.Header.Set("Retry-After", "7")
	assert.Equal(t, 7*time.Second, RetryAfterDuration(resp, now, time.Minute))

	resp.Header.Set("Retry-After", "600")
	assert.Equal(t, time.Minute, RetryAfterDuration(resp, now, time.Minute))

	resp.Header.Set("Retry-After", now.Add(20*time.Second).Format(http.TimeFormat))
	assert.Equal(t, 20*time.Second, RetryAfterDuration(resp, now, time.Minute))

	assert.Zero(t, RetryAfterDuration(nil, now, time.Minute))
}
