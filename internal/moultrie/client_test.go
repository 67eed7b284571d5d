package moultrie

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticTokens serves canned tokens and rotates to the next one on
// Invalidate, mimicking a refresh.
type staticTokens struct {
	mu          sync.Mutex
	tokens      []string
	idx         int
	invalidated int
}

func (s *staticTokens) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[s.idx], nil
}

func (s *staticTokens) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated++
	if s.idx < len(s.tokens)-1 {
		s.idx++
	}
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	client, err := New(Config{
		BaseURL:     url,
		Timeout:     5 * time.Second,
		MaxAttempts: 3,
		RetryBase:   time.Millisecond,
		RetryMax:    5 * time.Millisecond,
	}, &staticTokens{tokens: []string{"tok"}})
	require.NoError(t, err)
	return client
}

func TestClientRetries(t *testing.T) {
	t.Run("GET retries server errors", func(t *testing.T) {
		var calls int
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			if calls < 3 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.Write([]byte(`{"Devices":[{"DeviceId":7,"DeviceName":"Ridge"}]}`))
		}))
		defer srv.Close()

		devices, err := newTestClient(t, srv.URL).Devices(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
		require.Len(t, devices, 1)
		assert.Equal(t, int64(7), devices[0].DeviceID)
		assert.Equal(t, "Ridge", devices[0].Name)
	})

	t.Run("GET gives up after max attempts", func(t *testing.T) {
		var calls int
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		_, err := newTestClient(t, srv.URL).Devices(context.Background())
		require.Error(t, err)
		assert.Equal(t, 3, calls)
		assert.True(t, IsKind(err, KindServer))
	})

	t.Run("POST is never retried on server errors", func(t *testing.T) {
		var calls int
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		_, err := newTestClient(t, srv.URL).OnDemand(context.Background(), "meid-1", "image")
		require.Error(t, err)
		assert.Equal(t, 1, calls)
		assert.True(t, IsKind(err, KindServer))
	})

	t.Run("client errors are terminal", func(t *testing.T) {
		var calls int
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer srv.Close()

		_, err := newTestClient(t, srv.URL).Devices(context.Background())
		require.Error(t, err)
		assert.Equal(t, 1, calls)
		assert.True(t, IsKind(err, KindClient))
	})
}

func TestClientUnauthorized(t *testing.T) {
	t.Run("401 forces one refresh and retry", func(t *testing.T) {
		var calls int
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			if r.Header.Get("Authorization") != "Bearer fresh" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Write([]byte(`{"Devices":[]}`))
		}))
		defer srv.Close()

		tokens := &staticTokens{tokens: []string{"stale", "fresh"}}
		client, err := New(Config{BaseURL: srv.URL, RetryBase: time.Millisecond}, tokens)
		require.NoError(t, err)

		_, err = client.Devices(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
		assert.Equal(t, 1, tokens.invalidated)
	})

	t.Run("persistent 401 surfaces after a single retry", func(t *testing.T) {
		var calls int
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		tokens := &staticTokens{tokens: []string{"stale"}}
		client, err := New(Config{BaseURL: srv.URL, RetryBase: time.Millisecond}, tokens)
		require.NoError(t, err)

		_, err = client.Devices(context.Background())
		require.Error(t, err)
		assert.Equal(t, 2, calls)
		assert.True(t, IsKind(err, KindUnauthorized))
	})
}

func TestClientDecoding(t *testing.T) {
	t.Run("image search unwraps nested results", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/v2/Image/ImageSearch", r.URL.Path)
			w.Write([]byte(`{"Results":{"Results":[{"id":"img-1","cameraId":9,"imageUrl":"https://cdn/x.jpg"}],"TotalResults":41}}`))
		}))
		defer srv.Close()

		page, err := newTestClient(t, srv.URL).SearchImages(context.Background(), ImageSearchRequest{CameraID: 9})
		require.NoError(t, err)
		assert.Equal(t, 41, page.Total)
		require.Len(t, page.Records, 1)
		assert.Equal(t, "img-1", page.Records[0].ID)
	})

	t.Run("latest image backfills device id", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"Results":{"Results":[{"id":"img-2","imageUrl":"https://cdn/y.jpg"}],"TotalResults":1}}`))
		}))
		defer srv.Close()

		record, err := newTestClient(t, srv.URL).LatestImage(context.Background(), 12)
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, int64(12), record.DeviceID)
	})

	t.Run("latest image is nil for an empty camera", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"Results":{"Results":[],"TotalResults":0}}`))
		}))
		defer srv.Close()

		record, err := newTestClient(t, srv.URL).LatestImage(context.Background(), 12)
		require.NoError(t, err)
		assert.Nil(t, record)
	})

	t.Run("settings save reports the upstream flag", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/v1/Device/SaveDeviceSettings", r.URL.Path)
			w.Write([]byte(`{"SettingsSaved":true}`))
		}))
		defer srv.Close()

		saved, err := newTestClient(t, srv.URL).SaveSettings(context.Background(), 3, 4, []SettingChange{{ShortCode: "MD", Value: "T"}})
		require.NoError(t, err)
		assert.True(t, saved)
	})
}

func TestBackoffWithJitter(t *testing.T) {
	base := 2 * time.Second
	max := 30 * time.Second
	for attempt := 0; attempt < 8; attempt++ {
		delay := backoffWithJitter(base, max, attempt)
		assert.GreaterOrEqual(t, delay, time.Duration(0))
		assert.LessOrEqual(t, delay, max+max/4)
	}
}
