package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-dbmeter/internal/audio"
	"github.com/oszuidwest/zwfm-dbmeter/internal/config"
	"github.com/oszuidwest/zwfm-dbmeter/internal/eventlog"
	"github.com/oszuidwest/zwfm-dbmeter/internal/export"
	"github.com/oszuidwest/zwfm-dbmeter/internal/meter"
	"github.com/oszuidwest/zwfm-dbmeter/internal/notify"
	"github.com/oszuidwest/zwfm-dbmeter/internal/types"
)

// toneSource delivers a constant signal until closed.
type toneSource struct {
	mu     sync.Mutex
	closed bool
}

func (s *toneSource) Read(buf []int16) (int, error) {
	time.Sleep(time.Millisecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, audio.ErrSourceClosed
	}
	for i := range buf {
		buf[i] = 1000
	}
	return len(buf), nil
}

func (s *toneSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func newTestServer(t *testing.T) (http.Handler, *meter.Meter) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.New(filepath.Join(dir, "config.json"))
	require.NoError(t, cfg.Load())

	logger, err := eventlog.NewLogger(filepath.Join(dir, "events.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })
	onEvent := func(ev *eventlog.Event) { _ = logger.Log(ev) }

	m := meter.New(meter.Options{
		BufferSamples: 64,
		Open: func(context.Context, audio.SourceConfig) (audio.Source, error) {
			return &toneSource{}, nil
		},
		OnEvent: onEvent,
	})
	t.Cleanup(func() { _ = m.Stop() })

	exp := export.New(func() (types.MeterSnapshot, string) {
		return m.Snapshot(), m.SessionID()
	}, onEvent)
	srv := NewServer(cfg, m, exp, notify.NewCaptureNotifier(cfg), logger.Path(), NewVersionChecker(), nil, true)
	return srv.SetupRoutes(), m
}

func do(t *testing.T, h http.Handler, method, path string, authorized bool) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, path, http.NoBody)
	if authorized {
		r.SetBasicAuth(config.DefaultWebUsername, config.DefaultWebPassword)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestAPIRequiresAuth(t *testing.T) {
	h, _ := newTestServer(t)

	w := do(t, h, http.MethodGet, "/api/levels", false)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))

	w = do(t, h, http.MethodGet, "/ws", false)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPIMeterLifecycle(t *testing.T) {
	h, m := newTestServer(t)

	w := do(t, h, http.MethodPost, "/api/meter/start", true)
	require.Equal(t, http.StatusOK, w.Code)

	var status types.MeterStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	require.Equal(t, types.StateRunning, status.State)
	require.NotEmpty(t, status.SessionID)

	w = do(t, h, http.MethodPost, "/api/meter/start", true)
	require.Equal(t, http.StatusConflict, w.Code)

	require.Eventually(t, func() bool {
		return m.Aggregator().QueueLen(meter.Left) > 0
	}, 2*time.Second, 5*time.Millisecond)

	w = do(t, h, http.MethodPost, "/api/meter/reset", true)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodPost, "/api/meter/stop", true)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	require.Equal(t, types.StateStopped, status.State)
}

func TestAPIReadEndpoints(t *testing.T) {
	h, _ := newTestServer(t)

	w := do(t, h, http.MethodGet, "/api/history", true)
	require.Equal(t, http.StatusOK, w.Code)
	var snap types.MeterSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	require.NotNil(t, snap.HistoryLeft)
	require.Empty(t, snap.HistoryLeft)

	w = do(t, h, http.MethodGet, "/api/status", true)
	require.Equal(t, http.StatusOK, w.Code)
	var status types.WSStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	require.Equal(t, "status", status.Type)
	require.True(t, status.CaptureAvailable)
	require.Equal(t, types.StateStopped, status.Meter.State)

	w = do(t, h, http.MethodGet, "/api/config", true)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotContains(t, w.Body.String(), `"password"`)
	require.NotContains(t, w.Body.String(), "s3_secret_access_key")

	w = do(t, h, http.MethodGet, "/api/levels", true)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestAPIMethodNotAllowed(t *testing.T) {
	h, _ := newTestServer(t)

	w := do(t, h, http.MethodGet, "/api/meter/start", true)
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
	require.Equal(t, http.MethodPost, w.Header().Get("Allow"))

	w = do(t, h, http.MethodPost, "/api/levels", true)
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestAPIExportDisabled(t *testing.T) {
	h, _ := newTestServer(t)

	w := do(t, h, http.MethodPost, "/api/export", true)
	require.Equal(t, http.StatusConflict, w.Code)

	w = do(t, h, http.MethodPost, "/api/export/test", true)
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestAPIEvents(t *testing.T) {
	h, _ := newTestServer(t)

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/meter/start", true).Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/meter/stop", true).Code)
	require.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/api/export", true).Code)

	var page struct {
		Events  []eventlog.Event `json:"events"`
		HasMore bool             `json:"has_more"`
	}

	w := do(t, h, http.MethodGet, "/api/events?type=meter", true)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Events, 2)
	require.Equal(t, eventlog.MeterStopped, page.Events[0].Type)
	require.Equal(t, eventlog.MeterStarted, page.Events[1].Type)
	require.False(t, page.HasMore)

	w = do(t, h, http.MethodGet, "/api/events?limit=1", true)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Events, 1)
	require.True(t, page.HasMore)

	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/events?limit=0", true).Code)
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/events?offset=x", true).Code)
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/events?type=audio", true).Code)
}

func TestAPIAlertsTest(t *testing.T) {
	h, _ := newTestServer(t)

	w := do(t, h, http.MethodPost, "/api/alerts/test?channel=pager", true)
	require.Equal(t, http.StatusBadRequest, w.Code)

	// No webhook configured.
	w = do(t, h, http.MethodPost, "/api/alerts/test?channel=webhook", true)
	require.Equal(t, http.StatusBadGateway, w.Code)
	require.Contains(t, w.Body.String(), "webhook URL not configured")
}
