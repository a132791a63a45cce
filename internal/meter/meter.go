package meter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/oszuidwest/zwfm-dbmeter/internal/audio"
	"github.com/oszuidwest/zwfm-dbmeter/internal/eventlog"
	"github.com/oszuidwest/zwfm-dbmeter/internal/types"
	"github.com/oszuidwest/zwfm-dbmeter/internal/util"
)

// Sentinel errors for meter operations.
var (
	ErrAlreadyRunning = errors.New("meter already running")
	ErrNotRunning     = errors.New("meter not running")
)

// OpenFunc acquires an audio source.
type OpenFunc func(ctx context.Context, cfg audio.SourceConfig) (audio.Source, error)

// RetryPolicy controls how a capture source that ended is reopened.
type RetryPolicy struct {
	InitialDelay     time.Duration
	MaxDelay         time.Duration
	MaxRetries       int
	SuccessThreshold time.Duration // healthy capture after which the retry count resets
}

// DefaultRetryPolicy returns the 3 s to 60 s policy giving up after 10 failures.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay:     types.InitialRetryDelay,
		MaxDelay:         types.MaxRetryDelay,
		MaxRetries:       types.MaxRetries,
		SuccessThreshold: types.SuccessThreshold,
	}
}

// Options configures a Meter.
type Options struct {
	Aggregator    AggregatorConfig
	TickInterval  time.Duration // drain loop period
	SecondTicks   int           // drain ticks per ComputeSecondMax
	BufferSamples int           // interleaved samples per capture read
	PeakHold      time.Duration
	Retry         RetryPolicy

	// Source returns the capture settings for the next open.
	Source func() audio.SourceConfig
	// Open acquires the source; nil means audio.OpenSource.
	Open OpenFunc
	// OnEvent receives session events; it may be nil.
	OnEvent eventlog.Handler
}

func (o *Options) applyDefaults() {
	if o.Aggregator == (AggregatorConfig{}) {
		o.Aggregator = DefaultAggregatorConfig()
	}
	if o.TickInterval <= 0 {
		o.TickInterval = types.DrainInterval
	}
	if o.SecondTicks <= 0 {
		o.SecondTicks = types.TicksPerSecond
	}
	if o.BufferSamples <= 0 {
		o.BufferSamples = types.DefaultBufferSamples
	}
	// Keep reads frame aligned.
	o.BufferSamples -= o.BufferSamples % audio.Channels
	if o.BufferSamples == 0 {
		o.BufferSamples = audio.Channels
	}
	if o.Retry == (RetryPolicy{}) {
		o.Retry = DefaultRetryPolicy()
	}
	if o.Source == nil {
		o.Source = func() audio.SourceConfig {
			return audio.SourceConfig{Backend: audio.BackendProcess, SampleRate: o.Aggregator.CaptureRate}
		}
	}
	if o.Open == nil {
		o.Open = audio.OpenSource
	}
	if o.OnEvent == nil {
		o.OnEvent = func(*eventlog.Event) {}
	}
}

// Meter is one metering session: it owns the aggregator, the capture
// producer loop and the drain loop.
type Meter struct {
	opts       Options
	aggregator *Aggregator
	peakHolder *audio.PeakHolder

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex
	capturing atomic.Bool

	mu         sync.RWMutex
	state      types.MeterState
	sessionID  string
	sourceCfg  audio.SourceConfig
	source     audio.Source
	cancel     context.CancelFunc
	stopChan   chan struct{}
	done       chan struct{}
	lastError  string
	startTime  time.Time
	retryCount int
	backoff    *util.Backoff

	levels atomic.Pointer[types.AudioLevels]
}

// New creates a stopped Meter.
func New(opts Options) *Meter {
	opts.applyDefaults()
	return &Meter{
		opts:       opts,
		aggregator: NewAggregator(opts.Aggregator),
		peakHolder: audio.NewPeakHolder(opts.PeakHold),
		state:      types.StateStopped,
		backoff:    util.NewBackoff(opts.Retry.InitialDelay, opts.Retry.MaxDelay),
	}
}

// Aggregator returns the aggregator fed by this session.
func (m *Meter) Aggregator() *Aggregator {
	return m.aggregator
}

// State returns the current session state.
func (m *Meter) State() types.MeterState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsRunning reports whether samples are being captured.
func (m *Meter) IsRunning() bool {
	return m.capturing.Load()
}

// Status returns the current session status.
func (m *Meter) Status() types.MeterStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	uptime := ""
	if m.state == types.StateRunning {
		uptime = util.FormatUptime(time.Since(m.startTime))
	}

	backend := m.sourceCfg.Backend
	if backend == "" {
		backend = audio.BackendProcess
	}

	return types.MeterStatus{
		State:      m.state,
		SessionID:  m.sessionID,
		Uptime:     uptime,
		LastError:  m.lastError,
		RetryCount: m.retryCount,
		MaxRetries: m.opts.Retry.MaxRetries,
		Backend:    string(backend),
		Device:     m.sourceCfg.Device,
		SampleRate: m.opts.Aggregator.CaptureRate,
	}
}

// Levels returns the live values and held peaks.
func (m *Meter) Levels() types.AudioLevels {
	if l := m.levels.Load(); l != nil {
		return *l
	}
	return types.AudioLevels{}
}

// Snapshot returns a consistent copy of the rolling windows.
func (m *Meter) Snapshot() types.MeterSnapshot {
	return m.aggregator.Snapshot()
}

// SessionID returns the identifier of the current or last capture session.
func (m *Meter) SessionID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessionID
}

// SetPeakHold changes the peak hold duration at runtime.
func (m *Meter) SetPeakHold(d time.Duration) {
	m.peakHolder.SetHoldDuration(d)
}

// Reset clears the aggregator and the held peaks. It may be called while capturing.
func (m *Meter) Reset() {
	m.aggregator.Reset()
	m.peakHolder.Reset()

	m.levels.Store(&types.AudioLevels{})

	m.mu.RLock()
	sessionID := m.sessionID
	m.mu.RUnlock()

	slog.Info("meter reset")
	m.opts.OnEvent(&eventlog.Event{Type: eventlog.MeterReset, SessionID: sessionID})
}

// Start opens the audio source and starts the capture loop.
// An open failure leaves the session stopped and is returned.
func (m *Meter) Start() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if m.state == types.StateRunning || m.state == types.StateStarting {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.state = types.StateStarting
	m.sessionID = uuid.NewString()
	m.sourceCfg = m.opts.Source()
	m.lastError = ""
	m.retryCount = 0
	m.backoff.Reset()
	cfg := m.sourceCfg
	m.mu.Unlock()

	m.peakHolder.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	src, err := m.opts.Open(ctx, cfg)
	if err != nil {
		cancel()
		m.mu.Lock()
		m.state = types.StateStopped
		m.lastError = err.Error()
		m.mu.Unlock()
		slog.Error("failed to open audio source", "backend", cfg.Backend, "device", cfg.Device, "error", err)
		m.emit(eventlog.MeterError, "failed to open audio source", cfg, err.Error(), 0)
		return util.WrapError("open audio source", err)
	}

	stopChan := make(chan struct{})
	done := make(chan struct{})

	m.mu.Lock()
	m.source = src
	m.cancel = cancel
	m.stopChan = stopChan
	m.done = done
	m.state = types.StateRunning
	m.startTime = time.Now()
	sessionID := m.sessionID
	m.mu.Unlock()

	m.capturing.Store(true)
	go m.runCaptureLoop(ctx, src, stopChan, done)

	slog.Info("meter started", "session", sessionID, "backend", cfg.Backend, "device", cfg.Device)
	m.emit(eventlog.MeterStarted, "capture started", cfg, "", 0)
	return nil
}

// Stop ends the capture loop. It waits up to the shutdown timeout for the
// loop to exit and then force-closes the source.
func (m *Meter) Stop() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if m.state == types.StateStopped || m.state == types.StateStopping {
		m.mu.Unlock()
		return nil
	}
	m.state = types.StateStopping
	close(m.stopChan)
	done := m.done
	cancel := m.cancel
	m.mu.Unlock()

	m.capturing.Store(false)

	var errs []error
	select {
	case <-done:
		slog.Info("capture loop stopped gracefully")
	case <-time.After(types.ShutdownTimeout):
		slog.Warn("capture loop did not stop in time, closing source")
		m.mu.RLock()
		src := m.source
		m.mu.RUnlock()
		if src != nil {
			if err := src.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close source: %w", err))
			}
		}
		errs = append(errs, errors.New("capture loop shutdown timeout"))
	}
	cancel()

	m.mu.Lock()
	m.state = types.StateStopped
	m.source = nil
	m.cancel = nil
	cfg := m.sourceCfg
	m.mu.Unlock()
	m.levels.Store(&types.AudioLevels{})

	err := errors.Join(errs...)
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	m.emit(eventlog.MeterStopped, "capture stopped", cfg, errMsg, 0)
	return err
}

// Restart stops a running session and starts a new one with the current
// source settings.
func (m *Meter) Restart() error {
	if m.State() != types.StateRunning {
		return ErrNotRunning
	}
	if err := m.Stop(); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	return m.Start()
}

// runCaptureLoop reads buffers from src and feeds the aggregator until
// stopChan is closed or the source cannot be reopened.
func (m *Meter) runCaptureLoop(ctx context.Context, src audio.Source, stopChan <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	buf := make([]int16, m.opts.BufferSamples)
	healthySince := time.Now()

	for {
		if stopRequested(stopChan) {
			closeSource(src)
			return
		}

		n, err := m.readOnce(src, buf)
		if stopRequested(stopChan) {
			closeSource(src)
			return
		}
		// A short read may come with the error that ended it.
		if n > 0 {
			m.aggregator.PushInterleaved(buf, n)
		}
		if err == nil {
			continue
		}

		if !isSourceEnd(err) {
			slog.Warn("audio read failed", "error", err)
			select {
			case <-stopChan:
			case <-time.After(types.PollInterval):
			}
			continue
		}

		closeSource(src)
		next, ok := m.reopen(ctx, stopChan, time.Since(healthySince), err)
		if !ok {
			return
		}
		src = next
		healthySince = time.Now()
	}
}

// readOnce performs a single read, turning a panic into an error.
func (m *Meter) readOnce(src audio.Source, buf []int16) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in capture loop", "panic", r)
			n, err = 0, fmt.Errorf("capture panic: %v", r)
		}
	}()
	n, err = src.Read(buf)
	return min(max(n, 0), len(buf)), err
}

// reopen acquires a new source after the previous one ended.
// It reports false when the session was stopped or the retries ran out.
func (m *Meter) reopen(ctx context.Context, stopChan <-chan struct{}, healthy time.Duration, cause error) (audio.Source, bool) {
	if stopRequested(stopChan) {
		return nil, false
	}

	m.mu.Lock()
	if !m.ownsSessionLocked(stopChan) {
		m.mu.Unlock()
		return nil, false
	}
	m.lastError = cause.Error()
	if healthy >= m.opts.Retry.SuccessThreshold {
		m.retryCount = 0
		m.backoff.Reset()
	}
	cfg := m.sourceCfg
	m.mu.Unlock()

	m.emit(eventlog.MeterError, "audio source ended", cfg, cause.Error(), 0)

	for {
		m.mu.Lock()
		if !m.ownsSessionLocked(stopChan) {
			m.mu.Unlock()
			return nil, false
		}
		m.retryCount++
		if m.retryCount >= m.opts.Retry.MaxRetries {
			slog.Error("audio source failed, giving up", "attempts", m.opts.Retry.MaxRetries)
			m.state = types.StateStopped
			m.lastError = fmt.Sprintf("stopped after %d failed attempts: %s", m.opts.Retry.MaxRetries, m.lastError)
			m.source = nil
			m.levels.Store(&types.AudioLevels{})
			m.capturing.Store(false)
			if m.cancel != nil {
				m.cancel()
				m.cancel = nil
			}
			lastError := m.lastError
			m.mu.Unlock()
			m.emit(eventlog.MeterGaveUp, "capture stopped after repeated failures", cfg, lastError, m.opts.Retry.MaxRetries)
			return nil, false
		}
		m.state = types.StateStarting
		attempt := m.retryCount
		delay := m.backoff.Next()
		m.mu.Unlock()

		slog.Info("audio source ended, waiting before reopen",
			"delay", delay, "attempt", attempt, "max_retries", m.opts.Retry.MaxRetries)
		select {
		case <-stopChan:
			return nil, false
		case <-time.After(delay):
		}

		src, err := m.opts.Open(ctx, cfg)
		if err != nil {
			slog.Error("failed to reopen audio source", "error", err)
			m.mu.Lock()
			if m.ownsSessionLocked(stopChan) {
				m.lastError = err.Error()
			}
			m.mu.Unlock()
			continue
		}

		m.mu.Lock()
		if m.state != types.StateStarting || !m.ownsSessionLocked(stopChan) {
			m.mu.Unlock()
			closeSource(src)
			return nil, false
		}
		m.source = src
		m.state = types.StateRunning
		m.startTime = time.Now()
		m.mu.Unlock()

		slog.Info("audio source reopened", "attempt", attempt)
		m.emit(eventlog.MeterRetry, "audio source reopened", cfg, "", attempt)
		return src, true
	}
}

// Run drives the drain loop until ctx is cancelled. While no capture is
// running it idles.
func (m *Meter) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.TickInterval)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !m.capturing.Load() {
				ticks = 0
				continue
			}
			ticks = m.step(ticks, now)
		}
	}
}

// step runs one drain tick and returns the updated tick counter.
func (m *Meter) step(ticks int, now time.Time) (next int) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in drain loop", "panic", r)
			next = 0
		}
	}()

	ticks++
	if ticks >= m.opts.SecondTicks {
		ticks = 0
		m.aggregator.ComputeSecondMax()
	}

	res := m.aggregator.DrainTick()
	peakL, peakR := m.peakHolder.Update(res.Left, res.Right, now)
	m.levels.Store(&types.AudioLevels{
		Left:      res.Left,
		Right:     res.Right,
		PeakLeft:  peakL,
		PeakRight: peakR,
	})
	return ticks
}

// emit sends a session event to the configured handler.
func (m *Meter) emit(typ eventlog.EventType, msg string, cfg audio.SourceConfig, errMsg string, retry int) {
	m.mu.RLock()
	sessionID := m.sessionID
	m.mu.RUnlock()

	m.opts.OnEvent(&eventlog.Event{
		Type:      typ,
		SessionID: sessionID,
		Message:   msg,
		Details: &eventlog.MeterDetails{
			Backend:    string(cfg.Backend),
			Device:     cfg.Device,
			Error:      errMsg,
			RetryCount: retry,
			MaxRetries: m.opts.Retry.MaxRetries,
		},
	})
}

// ownsSessionLocked reports whether the loop stopped by stopChan still
// drives the current session. A loop left behind by a timed-out Stop does not.
func (m *Meter) ownsSessionLocked(stopChan <-chan struct{}) bool {
	if m.state == types.StateStopping || m.state == types.StateStopped {
		return false
	}
	return (<-chan struct{})(m.stopChan) == stopChan
}

// stopRequested reports whether stopChan was closed.
func stopRequested(stopChan <-chan struct{}) bool {
	select {
	case <-stopChan:
		return true
	default:
		return false
	}
}

// isSourceEnd reports whether err means the source will deliver no more data.
func isSourceEnd(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, audio.ErrSourceClosed)
}

func closeSource(src audio.Source) {
	if err := src.Close(); err != nil {
		slog.Warn("failed to close audio source", "error", err)
	}
}
