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

func TestDisabledTelemetryIsNoop(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: false})
	require.NoError(t, err)

	ctx := context.Background()

	// None of these may panic on a disabled instance.
	tel.RecordHTTPRequest(ctx, http.MethodGet, "/downloads", "2xx", time.Millisecond)
	tel.IncrementHTTPInFlight(ctx)
	tel.DecrementHTTPInFlight(ctx)
	tel.RecordDownload(ctx, "success", time.Second)
	tel.RecordStage(ctx, "fetching", "success")
	tel.RecordFetchAttempt(ctx, "success")
	tel.RecordDBOperation(ctx, "get_download", "success", time.Millisecond)
	tel.RecordSystemError(ctx, "scheduler", "panic")

	called := false
	err = tel.InstrumentStage(ctx, "tagging", func(context.Context) error {
		called = true

		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.NotNil(t, tel.Tracer())

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, tel.Shutdown(ctx))
}

func TestNilTelemetryIsNoop(t *testing.T) {
	var tel *Telemetry

	errBoom := errors.New("boom")

	err := tel.InstrumentDownload(context.Background(), func(context.Context) error { return errBoom })
	require.ErrorIs(t, err, errBoom)

	err = tel.InstrumentDBOperation(context.Background(), "insert_download", func(context.Context) error { return nil })
	require.NoError(t, err)
}

func TestEnabledTelemetryExposesMetrics(t *testing.T) {
	ctx := context.Background()

	tel, err := New(ctx, Config{Enabled: true, ServiceName: "test", ServiceVersion: "dev"})
	require.NoError(t, err)

	t.Cleanup(func() { _ = tel.Shutdown(ctx) })

	require.NoError(t, tel.InstrumentDownload(ctx, func(ctx context.Context) error {
		return tel.InstrumentStage(ctx, "fetching", func(context.Context) error { return nil })
	}))
	tel.RecordFetchAttempt(ctx, "network_error")

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "downloads_total")
	assert.Contains(t, string(body), "task_stage_total")
	assert.Contains(t, string(body), "fetch_attempts_total")
}

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	ctx := context.Background()

	tel, err := New(ctx, Config{Enabled: true, ServiceName: "test"})
	require.NoError(t, err)

	t.Cleanup(func() { _ = tel.Shutdown(ctx) })

	r := chi.NewRouter()
	r.Use(RequestID, HTTPLogging, NewHTTPMiddleware(tel).Middleware)
	r.Get("/downloads/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/downloads/42", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	metrics := httptest.NewRecorder()
	tel.Handler().ServeHTTP(metrics, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, metrics.Body.String(), `route="/downloads/{id}"`)
}

func TestRequestIDReusesUpstreamHeader(t *testing.T) {
	var seen string

	h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
	assert.Empty(t, GetRequestID(context.Background()))
}

func TestGetStatusClass(t *testing.T) {
	tests := map[int]string{
		200: "2xx",
		204: "2xx",
		301: "3xx",
		404: "4xx",
		503: "5xx",
		100: "unknown",
	}

	for code, want := range tests {
		assert.Equal(t, want, getStatusClass(code), "code %d", code)
	}
}
