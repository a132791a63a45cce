package server

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-dbmeter/internal/config"
	"github.com/oszuidwest/zwfm-dbmeter/internal/types"
)

type fakeMeter struct {
	mu       sync.Mutex
	running  bool
	starts   int
	stops    int
	restarts int
	resets   int
	startErr error
}

func (m *fakeMeter) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts++
	if m.startErr != nil {
		return m.startErr
	}
	m.running = true
	return nil
}

func (m *fakeMeter) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	m.running = false
	return nil
}

func (m *fakeMeter) Restart() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restarts++
	return nil
}

func (m *fakeMeter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets++
}

func (m *fakeMeter) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *fakeMeter) counts() (starts, stops, restarts, resets int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts, m.stops, m.restarts, m.resets
}

type fakeExporter struct {
	key     string
	err     error
	testErr error
}

func (e *fakeExporter) Export(context.Context) (string, error) {
	return e.key, e.err
}

func (e *fakeExporter) TestConnection(context.Context) error {
	return e.testErr
}

type fakeAlerts struct {
	mu       sync.Mutex
	channels []string
	err      error
}

func (a *fakeAlerts) SendTest(_ context.Context, channel string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.channels = append(a.channels, channel)
	return a.err
}

func (a *fakeAlerts) sent() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.channels...)
}

func newTestHandler(t *testing.T, m *fakeMeter, exp *fakeExporter) (*CommandHandler, *config.Config, *[]config.Snapshot) {
	t.Helper()
	cfg := config.New(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, cfg.Load())

	var applied []config.Snapshot
	h := NewCommandHandler(cfg, m, exp, &fakeAlerts{}, func(s config.Snapshot) {
		applied = append(applied, s)
	})
	return h, cfg, &applied
}

// receive waits for the next message on send.
func receive(t *testing.T, send <-chan any) map[string]any {
	t.Helper()
	select {
	case msg := <-send:
		data, err := json.Marshal(msg)
		require.NoError(t, err)
		var out map[string]any
		require.NoError(t, json.Unmarshal(data, &out))
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("no response")
		return nil
	}
}

func command(t *testing.T, typ string, data any) WSCommand {
	t.Helper()
	cmd := WSCommand{Type: typ}
	if data != nil {
		raw, err := json.Marshal(data)
		require.NoError(t, err)
		cmd.Data = raw
	}
	return cmd
}

func TestHandleMeterCommands(t *testing.T) {
	m := &fakeMeter{}
	h, _, _ := newTestHandler(t, m, &fakeExporter{})
	send := make(chan any, 8)
	triggered := 0
	trigger := func() { triggered++ }

	h.Handle(command(t, "meter/start", nil), send, func() {})
	res := receive(t, send)
	require.Equal(t, "meter/start_result", res["type"])
	require.Equal(t, true, res["success"])

	h.Handle(command(t, "meter/reset", nil), send, trigger)
	res = receive(t, send)
	require.Equal(t, "meter/reset_result", res["type"])
	require.Equal(t, true, res["success"])
	require.Equal(t, 1, triggered)

	h.Handle(command(t, "meter/stop", nil), send, func() {})
	res = receive(t, send)
	require.Equal(t, true, res["success"])

	starts, stops, _, resets := m.counts()
	require.Equal(t, 1, starts)
	require.Equal(t, 1, stops)
	require.Equal(t, 1, resets)
}

func TestHandleMeterStartError(t *testing.T) {
	m := &fakeMeter{startErr: errors.New("no audio input device found")}
	h, _, _ := newTestHandler(t, m, &fakeExporter{})
	send := make(chan any, 8)

	h.Handle(command(t, "meter/start", nil), send, func() {})
	res := receive(t, send)
	require.Equal(t, false, res["success"])
	require.Equal(t, "no audio input device found", res["error"])
}

func TestHandleSettingsUpdate(t *testing.T) {
	m := &fakeMeter{running: true}
	h, cfg, applied := newTestHandler(t, m, &fakeExporter{})
	send := make(chan any, 8)

	h.Handle(command(t, "settings/update", map[string]any{
		"audio_input":  "hw:1,0",
		"peak_hold_ms": 1500,
	}), send, func() {})

	res := receive(t, send)
	require.Equal(t, true, res["success"])
	require.Equal(t, "hw:1,0", cfg.AudioInput())
	require.Len(t, *applied, 1)
	require.Equal(t, 1500*time.Millisecond, (*applied)[0].PeakHold)

	require.Eventually(t, func() bool {
		_, _, restarts, _ := m.counts()
		return restarts == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Persisted to disk.
	reloaded := config.New(cfg.FilePath())
	require.NoError(t, reloaded.Load())
	require.Equal(t, "hw:1,0", reloaded.AudioInput())
}

func TestHandleSettingsUpdateValidation(t *testing.T) {
	h, _, applied := newTestHandler(t, &fakeMeter{}, &fakeExporter{})
	send := make(chan any, 8)

	h.Handle(command(t, "settings/update", map[string]any{
		"audio_backend": "jack",
		"peak_hold_ms":  999999,
	}), send, func() {})

	res := receive(t, send)
	require.Equal(t, false, res["success"])
	verr, ok := res["error"].(map[string]any)
	require.True(t, ok)
	require.Len(t, verr["errors"], 2)
	require.Empty(t, *applied)
}

func TestHandleSettingsUpdateExportNeedsTarget(t *testing.T) {
	h, cfg, _ := newTestHandler(t, &fakeMeter{}, &fakeExporter{})
	send := make(chan any, 8)

	h.Handle(command(t, "settings/update", map[string]any{"export_enabled": true}), send, func() {})

	res := receive(t, send)
	require.Equal(t, false, res["success"])
	snap := cfg.Snapshot()
	require.False(t, snap.ExportEnabled)
}

func TestHandleSettingsGet(t *testing.T) {
	h, _, _ := newTestHandler(t, &fakeMeter{}, &fakeExporter{})
	send := make(chan any, 8)

	h.Handle(command(t, "settings/get", nil), send, func() {})
	res := receive(t, send)
	require.Equal(t, "config", res["type"])

	cfgMap, ok := res["config"].(map[string]any)
	require.True(t, ok)
	system, ok := cfgMap["system"].(map[string]any)
	require.True(t, ok)
	require.NotContains(t, system, "password")
}

func TestHandleHistoryExport(t *testing.T) {
	h, _, _ := newTestHandler(t, &fakeMeter{}, &fakeExporter{key: "dbmeter/2026/01/01/x.json"})
	send := make(chan any, 8)

	h.Handle(command(t, "history/export", nil), send, func() {})
	res := receive(t, send)
	require.Equal(t, "history/export_result", res["type"])
	require.Equal(t, true, res["success"])
	data, ok := res["data"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "dbmeter/2026/01/01/x.json", data["key"])
}

func TestHandleHistoryTest(t *testing.T) {
	h, _, _ := newTestHandler(t, &fakeMeter{}, &fakeExporter{testErr: errors.New("access denied")})
	send := make(chan any, 8)

	h.Handle(command(t, "history/test", nil), send, func() {})
	res := receive(t, send)
	require.Equal(t, "history/test_result", res["type"])
	require.Equal(t, false, res["success"])
	require.Equal(t, "access denied", res["error"])
}

func TestHandleUnknownCommand(t *testing.T) {
	h, _, _ := newTestHandler(t, &fakeMeter{}, &fakeExporter{})
	send := make(chan any, 8)
	triggered := false

	h.Handle(command(t, "bogus/thing", nil), send, func() { triggered = true })
	require.True(t, triggered)
	require.Empty(t, send)
}

func TestSendValidationErrorsFallback(t *testing.T) {
	send := make(chan any, 1)
	SendValidationErrors(send, "x", errors.New("plain"))

	msg := (<-send).(types.WSCommandResult)
	require.False(t, msg.Success)
	require.Len(t, msg.Error.Errors, 1)
	require.Equal(t, "plain", msg.Error.Errors[0].Message)
}

func TestHandleAlertsTest(t *testing.T) {
	cfg := config.New(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, cfg.Load())
	alerts := &fakeAlerts{}
	h := NewCommandHandler(cfg, &fakeMeter{}, &fakeExporter{}, alerts, nil)
	send := make(chan any, 8)

	h.Handle(command(t, "alerts/test", map[string]string{"channel": "webhook"}), send, func() {})
	res := receive(t, send)
	require.Equal(t, "alerts/test_result", res["type"])
	require.Equal(t, true, res["success"])
	require.Equal(t, []string{"webhook"}, alerts.sent())

	h.Handle(command(t, "alerts/test", map[string]string{"channel": "pager"}), send, func() {})
	res = receive(t, send)
	require.Equal(t, false, res["success"])
	require.Equal(t, []string{"webhook"}, alerts.sent())

	alerts.mu.Lock()
	alerts.err = errors.New("webhook returned status 500")
	alerts.mu.Unlock()
	h.Handle(command(t, "alerts/test", map[string]string{"channel": "zabbix"}), send, func() {})
	res = receive(t, send)
	require.Equal(t, false, res["success"])
	require.Equal(t, "webhook returned status 500", res["error"])
}
