package generation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BennyGman66/expression-forge-studio-sub008/internal/domain/jobs"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/platform/logger"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{BaseURL: srv.URL + "/", APIKey: "k-123", Timeout: 5 * time.Second}, logger.Nop())
	require.NoError(t, err)
	return c
}

func TestGenerateSuccess(t *testing.T) {
	outputID := uuid.New()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/generations", r.URL.Path)
		assert.Equal(t, "Bearer k-123", r.Header.Get("Authorization"))
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, outputID, req.OutputID)
		assert.Equal(t, []string{"https://ref/front.jpg"}, req.ReferenceURLs)
		_ = json.NewEncoder(w).Encode(Result{ResultRef: "gen://" + req.OutputID.String()})
	})

	res, err := c.Generate(context.Background(), Request{
		OutputID:      outputID,
		ShotType:      "front",
		ReferenceURLs: []string{"https://ref/front.jpg"},
	})
	require.NoError(t, err)
	assert.Equal(t, "gen://"+outputID.String(), res.ResultRef)
}

func TestGenerateRateLimitedIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "4")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"slow down"}`))
	})

	_, err := c.Generate(context.Background(), Request{OutputID: uuid.New()})
	require.Error(t, err)
	assert.True(t, jobs.IsTransient(err))
	d, ok := jobs.RetryAfter(err)
	require.True(t, ok)
	assert.Equal(t, 4*time.Second, d)
	assert.Contains(t, err.Error(), "slow down")
}

func TestGenerateServerErrorIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := c.Generate(context.Background(), Request{OutputID: uuid.New()})
	assert.True(t, jobs.IsTransient(err))
}

func TestGenerateRejectedIsTerminal(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"face not detected"}`))
	})
	_, err := c.Generate(context.Background(), Request{OutputID: uuid.New()})
	require.Error(t, err)
	assert.True(t, jobs.IsTerminal(err))
	assert.Contains(t, err.Error(), "face not detected")
}

func TestGenerateMissingResultRefIsTerminal(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	_, err := c.Generate(context.Background(), Request{OutputID: uuid.New()})
	assert.True(t, jobs.IsTerminal(err))
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{}, logger.Nop())
	assert.Error(t, err)
}
