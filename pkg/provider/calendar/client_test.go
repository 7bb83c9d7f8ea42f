package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexflow/lexflow/pkg/logger"
)

func testEvent() Event {
	start := time.Date(2024, 9, 2, 14, 0, 0, 0, time.UTC)
	return Event{
		Title:     "Client meeting",
		Start:     start,
		End:       start.Add(time.Hour),
		Attendees: []string{"client@example.com"},
	}
}

func TestCreateEventPostsJSON(t *testing.T) {
	var received Event
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/events", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"evt-1","links":{"html":"https://cal.example.com/evt-1"}}`))
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL + "/"},
		WithTokenSource(func(context.Context) (string, error) { return "tok", nil }),
		WithLogger(logger.NewNop()),
	)
	require.NoError(t, err)

	created, err := client.CreateEvent(context.Background(), testEvent())
	require.NoError(t, err)
	assert.Equal(t, "evt-1", created.EventID)
	assert.Equal(t, "https://cal.example.com/evt-1", created.Links["html"])
	assert.Equal(t, "Client meeting", received.Title)
	assert.NoError(t, client.HealthCheck(context.Background()))
}

func TestCreateEventReportsStatusErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid attendee", http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL}, WithLogger(logger.NewNop()))
	require.NoError(t, err)

	_, err = client.CreateEvent(context.Background(), testEvent())
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusUnprocessableEntity, statusErr.StatusCode)
	assert.Contains(t, statusErr.Body, "invalid attendee")
}

func TestCreateEventDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL}, WithLogger(logger.NewNop()))
	require.NoError(t, err)

	_, err = client.CreateEvent(context.Background(), testEvent())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBreakerOpensAfterConsecutiveServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL, MaxFailures: 2, OpenTimeout: time.Minute},
		WithLogger(logger.NewNop()))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := client.CreateEvent(context.Background(), testEvent())
		require.Error(t, err)
	}
	_, err = client.CreateEvent(context.Background(), testEvent())
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Error(t, client.HealthCheck(context.Background()))
}

func TestCreateEventRejectsMissingID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL}, WithLogger(logger.NewNop()))
	require.NoError(t, err)
	_, err = client.CreateEvent(context.Background(), testEvent())
	require.Error(t, err)
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestLocalCreator(t *testing.T) {
	c := NewLocalCreator(logger.NewNop())

	created, err := c.CreateEvent(context.Background(), testEvent())
	require.NoError(t, err)
	assert.Contains(t, created.EventID, "local-")

	ev := testEvent()
	ev.End = ev.Start
	_, err = c.CreateEvent(context.Background(), ev)
	assert.Error(t, err)
}
