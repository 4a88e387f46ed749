package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"highlightsync/internal/domain"
	"highlightsync/internal/models"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage() Message {
	return Message{
		ID:       "req-1",
		Identity: "user@example.com",
		Event:    models.SyncEvent{ID: "e1", Type: models.HighlightCreated, Timestamp: 100},
		SentAt:   time.Now(),
	}
}

func TestHTTPTransportSuccess(t *testing.T) {
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "req-1", r.Header.Get("X-Request-ID"))
		assert.Equal(t, "user@example.com", r.Header.Get("X-Identity"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"accepted":true}`))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, srv.Client(), nil)
	resp, err := tr.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "e1", got.Event.ID)
}

func TestHTTPTransportStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header string
		check  func(t *testing.T, err error)
	}{
		{"no content", http.StatusNoContent, "", func(t *testing.T, err error) {
			assert.NoError(t, err)
		}},
		{"bad request", http.StatusBadRequest, "", func(t *testing.T, err error) {
			var ve *domain.ValidationError
			assert.True(t, errors.As(err, &ve))
		}},
		{"unprocessable", http.StatusUnprocessableEntity, "", func(t *testing.T, err error) {
			assert.True(t, domain.IsPermanent(err))
		}},
		{"too many requests", http.StatusTooManyRequests, "7", func(t *testing.T, err error) {
			var rl *domain.RateLimitExceededError
			require.True(t, errors.As(err, &rl))
			assert.Equal(t, 7*time.Second, rl.RetryAfter)
		}},
		{"server error", http.StatusBadGateway, "", func(t *testing.T, err error) {
			var ne *domain.NetworkError
			assert.True(t, errors.As(err, &ne))
			assert.True(t, domain.IsRetryable(err))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.header != "" {
					w.Header().Set("Retry-After", tt.header)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := NewHTTPTransport(srv.URL, srv.Client(), nil).Send(context.Background(), testMessage())
			tt.check(t, err)
		})
	}
}

func TestHTTPTransportUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewHTTPTransport(url, nil, nil).Send(context.Background(), testMessage())
	var ne *domain.NetworkError
	assert.True(t, errors.As(err, &ne))
}

func TestHTTPTransportContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewHTTPTransport(srv.URL, srv.Client(), nil).Send(ctx, testMessage())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))
	assert.Equal(t, 30*time.Second, parseRetryAfter("30"))
}
