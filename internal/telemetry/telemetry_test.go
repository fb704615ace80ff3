package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilTelemetryIsSafe(t *testing.T) {
	var tel *Telemetry

	assert.False(t, tel.Enabled())
	assert.NotPanics(t, func() {
		tel.RecordDownload("success", time.Second)
		tel.RecordDownloadedBytes(10)
		tel.RecordRetry()
		tel.RecordDiscovery(true)
		tel.RecordEviction("quota", 10)
		tel.RecordStorageUsage(10)
		tel.RecordHTTPRequest(http.MethodGet, "/content", "2xx", time.Millisecond)
		tel.IncrementHTTPInFlight()
		tel.DecrementHTTPInFlight()
	})

	called := false
	err := tel.InstrumentDownload(context.Background(), func(context.Context) error {
		called = true

		return nil
	})

	require.NoError(t, err)
	assert.True(t, called)
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.NotNil(t, tel.Tracer())
}

func TestDisabledTelemetry(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: false})
	require.NoError(t, err)

	assert.False(t, tel.Enabled())

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnabledTelemetryExposesCacheMetrics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tel, err := New(ctx, Config{Enabled: true, ServiceName: "video_cache_test", ServiceVersion: "test"})
	require.NoError(t, err)

	defer func() { _ = tel.Shutdown(context.Background()) }()

	boom := errors.New("boom")
	err = tel.InstrumentDownload(ctx, func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)

	tel.RecordDownloadedBytes(1024)
	tel.RecordRetry()
	tel.RecordDiscovery(true)
	tel.RecordEviction("quota", 400)
	tel.RecordStorageUsage(800)

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	for _, name := range []string{"downloads", "download_retries", "discoveries", "evictions", "storage_used"} {
		assert.Contains(t, body, name)
	}
}

func TestRequestID(t *testing.T) {
	var seen string

	h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	t.Run("generated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
	})

	t.Run("propagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "upstream-id")

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, "upstream-id", seen)
		assert.Equal(t, "upstream-id", rec.Header().Get(RequestIDHeader))
	})

	assert.Empty(t, GetRequestID(context.Background()))
}

func TestMiddlewareChain(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: true, ServiceName: "video_cache_mw"})
	require.NoError(t, err)

	defer func() { _ = tel.Shutdown(context.Background()) }()

	r := chi.NewRouter()
	r.Use(RequestID, HTTPLogging, NewHTTPMiddleware(tel).Middleware)
	r.Get("/content/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, "missing")
	})

	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/content/abc")
	require.NoError(t, err)

	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))

	metrics := httptest.NewRecorder()
	tel.Handler().ServeHTTP(metrics, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Contains(t, metrics.Body.String(), `/content/{id}`)
	assert.Contains(t, metrics.Body.String(), "4xx")
}

func TestStatusClass(t *testing.T) {
	tests := map[int]string{
		200: "2xx",
		204: "2xx",
		302: "3xx",
		404: "4xx",
		503: "5xx",
		100: "unknown",
	}

	for code, want := range tests {
		assert.Equal(t, want, statusClass(code), code)
	}
}

func TestStatusRecorderKeepsFirstStatus(t *testing.T) {
	rec := newStatusRecorder(httptest.NewRecorder())

	rec.WriteHeader(http.StatusCreated)
	rec.WriteHeader(http.StatusInternalServerError)
	n, err := rec.Write([]byte("ok"))

	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, http.StatusCreated, rec.status)
	assert.Equal(t, int64(2), rec.bytesWritten)
}
