package fetch

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flipfinder/arbitrage-scanner/internal/config"
)

func testConfig() config.ScraperConfig {
	return config.ScraperConfig{
		MaxRetries:  6,
		BackoffBase: time.Millisecond,
		Timeout:     5 * time.Second,
		UserAgents: []string{
			"Mozilla/5.0 (test) Agent/1.0",
			"Mozilla/5.0 (test) Agent/2.0",
		},
	}
}

func TestFetch_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>ok</html>"))
	}))
	defer server.Close()

	client := New(testConfig(), slog.Default())

	body, status, err := client.Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "<html>ok</html>", body)
}

func TestFetch_RetriesRateLimitThenSucceeds(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer server.Close()

	client := New(testConfig(), slog.Default())

	body, status, err := client.Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "recovered", body)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestFetch_ExhaustsAttemptsExactly(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := testConfig()
	client := New(cfg, slog.Default())

	_, status, err := client.Fetch(context.Background(), server.URL)
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, status)

	// A permanently failing endpoint sees exactly MaxRetries requests.
	assert.Equal(t, int32(cfg.MaxRetries), atomic.LoadInt32(&calls))

	var fetchErr *FetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Equal(t, cfg.MaxRetries, fetchErr.Attempts)
	assert.Equal(t, http.StatusServiceUnavailable, fetchErr.LastStatus)
	assert.Equal(t, server.URL, fetchErr.URL)
}

func TestFetch_ForbiddenRetriedToFinalAttempt(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.MaxRetries = 3
	client := New(cfg, slog.Default())

	_, _, err := client.Fetch(context.Background(), server.URL)

	var fetchErr *FetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Equal(t, http.StatusForbidden, fetchErr.LastStatus)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestFetch_SendsBrowserHeaders(t *testing.T) {
	var gotUA, gotLang string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotLang = r.Header.Get("Accept-Language")
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	cfg := testConfig()
	client := New(cfg, slog.Default())

	_, _, err := client.Fetch(context.Background(), server.URL)
	require.NoError(t, err)

	assert.Contains(t, cfg.UserAgents, gotUA)
	assert.Equal(t, "en-GB,en;q=0.9", gotLang)
}

func TestFetch_ContextCancelledDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.BackoffBase = time.Minute
	client := New(cfg, slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err := client.Fetch(ctx, server.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWrapWithProvider(t *testing.T) {
	tests := []struct {
		name          string
		scraperAPIKey string
		zenRowsKey    string
		wantPrefix    string
		wantContains  []string
	}{
		{
			name:       "no provider leaves URL untouched",
			wantPrefix: "https://example.com/page",
		},
		{
			name:          "scraperapi wrap",
			scraperAPIKey: "sk-test",
			wantPrefix:    "http://api.scraperapi.com?",
			wantContains:  []string{"api_key=sk-test", "country_code=uk", "keep_headers=true", "url=https%3A%2F%2Fexample.com%2Fpage"},
		},
		{
			name:         "zenrows wrap",
			zenRowsKey:   "zr-test",
			wantPrefix:   "https://api.zenrows.com/v1/?",
			wantContains: []string{"apikey=zr-test", "premium_proxy=true", "js_render=false"},
		},
		{
			name:          "scraperapi wins when both configured",
			scraperAPIKey: "sk-test",
			zenRowsKey:    "zr-test",
			wantPrefix:    "http://api.scraperapi.com?",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.ScraperAPIKey = tt.scraperAPIKey
			cfg.ZenRowsKey = tt.zenRowsKey
			client := New(cfg, slog.Default())

			wrapped := client.wrapWithProvider("https://example.com/page")
			assert.True(t, strings.HasPrefix(wrapped, tt.wantPrefix), "got %s", wrapped)
			for _, want := range tt.wantContains {
				assert.Contains(t, wrapped, want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	for _, status := range []int{429, 502, 503, 520, 522, 524, 403} {
		assert.True(t, Retryable(status), "status %d", status)
	}
	for _, status := range []int{200, 301, 404, 500} {
		assert.False(t, Retryable(status), "status %d", status)
	}
}
