package upstream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nuwa/skyeye-bot/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		UpstreamAPIBaseURL: baseURL,
		UpstreamAPIKey:     "secret",
		UpstreamMaxRetries: 3,
		UpstreamRetryBase:  time.Millisecond,
	}
}

func TestClient_Insult_SucceedsOnThirdAttempt(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/x-roast", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}

		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "bob", body["handle"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"roast":"bob posts like a screensaver"}`))
	}))
	defer server.Close()

	result := NewClient(testConfig(server.URL)).Insult(context.Background(), "bob")

	assert.True(t, result.OK())
	assert.Equal(t, "bob posts like a screensaver", result.Text)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClient_Insult_ExhaustsRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	result := NewClient(testConfig(server.URL)).Insult(context.Background(), "bob")

	assert.False(t, result.OK())
	assert.Equal(t, TransientError, result.Kind)
	assert.Equal(t, "HTTP 503", result.Error)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClient_Insult_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	result := NewClient(testConfig(server.URL)).Insult(context.Background(), "ghost")
	assert.Equal(t, NotFound, result.Kind)
	assert.Equal(t, "HTTP 404", result.Error)
}

func TestClient_ImageLookup(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/face-search", r.URL.Path)
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "3", r.FormValue("limit"))

		file, header, err := r.FormFile("image")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		assert.Equal(t, "image.jpg", header.Filename)
		data, _ := io.ReadAll(file)
		assert.Equal(t, []byte{0xff, 0xd8, 0xff}, data)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results":[{"url":"[1] example.com/a","score":0.9},{"url":"https://example.com/b"}]}`))
	}))
	defer server.Close()

	result := NewClient(testConfig(server.URL)).ImageLookup(context.Background(), []byte{0xff, 0xd8, 0xff}, 3)

	require.True(t, result.OK())
	require.Len(t, result.Matches, 2)
	assert.Equal(t, "[1] example.com/a", result.Matches[0].URL)
	assert.Equal(t, 0.9, result.Matches[0].Score)
}

func TestClient_ImageLookup_EmptyResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	result := NewClient(testConfig(server.URL)).ImageLookup(context.Background(), []byte("img"), 3)
	assert.True(t, result.OK())
	assert.NotNil(t, result.Matches)
	assert.Empty(t, result.Matches)
}

func TestClient_RetryObservesCancellation(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.UpstreamRetryBase = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	result := NewClient(cfg).Insult(ctx, "bob")
	assert.False(t, result.OK())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		msg      string
		expected Kind
	}{
		{"HTTP 404", NotFound},
		{"HTTP 400: user Not Found", NotFound},
		{"HTTP 401", FatalError},
		{"HTTP 429", TransientError},
		{"HTTP 500: boom", TransientError},
		{"dial tcp: connection refused", TransientError},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.expected, Translate(tt.msg))
		})
	}
}
