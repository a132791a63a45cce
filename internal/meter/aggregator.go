// Package meter implements the windowed decibel aggregation pipeline and the
// meter session that drives it from an audio source.
package meter

import (
	"slices"
	"sync"

	"github.com/oszuidwest/zwfm-dbmeter/internal/audio"
	"github.com/oszuidwest/zwfm-dbmeter/internal/types"
)

// Channel identifies one side of the stereo signal.
type Channel int

// Stereo channels.
const (
	Left Channel = iota
	Right
)

// String returns the channel name.
func (c Channel) String() string {
	if c == Right {
		return "right"
	}
	return "left"
}

// AggregatorConfig holds the rates and bounds of an Aggregator.
type AggregatorConfig struct {
	CaptureRate  int // Hz of the raw input
	TargetRate   int // Hz after decimation
	SecondBudget int // samples per count-based harvest; 0 derives it from the rates
	HistorySize  int // bound of the five-minute history
}

// DefaultAggregatorConfig returns the 44.1 kHz to 60 Hz configuration.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		CaptureRate: types.CaptureRate,
		TargetRate:  types.TargetRate,
		HistorySize: types.HistorySize,
	}
}

// secondBudget returns the configured budget or ceil(captureRate/targetRate).
func (c AggregatorConfig) secondBudget() int {
	if c.SecondBudget > 0 {
		return c.SecondBudget
	}
	if c.CaptureRate <= 0 || c.TargetRate <= 0 {
		return 1
	}
	return max((c.CaptureRate+c.TargetRate-1)/c.TargetRate, 1)
}

// channelState is the rolling-window state of one channel.
type channelState struct {
	queue      *Queue[float64]
	lastSecond []float64
	counter    int
	history    []float64
	lastValue  float64
}

// TickResult reports what a DrainTick popped.
type TickResult struct {
	Left, Right             float64 // the Last-Value after the tick
	PoppedLeft, PoppedRight bool
	Harvested               bool // a count-based harvest happened on either channel
}

// Aggregator turns raw PCM pushes into last-second and five-minute views.
//
// The capture loop only touches the queues through PushRaw and PushInterleaved.
// Everything else is mutated by the drain loop under mu, which readers share
// for snapshot copies. Reset may race with both loops.
type Aggregator struct {
	captureRate  int
	targetRate   int
	secondBudget int
	historySize  int

	mu       sync.RWMutex
	channels [audio.Channels]channelState
}

// NewAggregator creates an Aggregator with empty state.
func NewAggregator(cfg AggregatorConfig) *Aggregator {
	a := &Aggregator{
		captureRate:  cfg.CaptureRate,
		targetRate:   cfg.TargetRate,
		secondBudget: cfg.secondBudget(),
		historySize:  cfg.HistorySize,
	}
	if a.historySize <= 0 {
		a.historySize = types.HistorySize
	}
	for i := range a.channels {
		a.channels[i] = channelState{queue: NewQueue[float64]()}
	}
	return a
}

// SecondBudget returns the per-channel sample count of a count-based harvest.
func (a *Aggregator) SecondBudget() int {
	return a.secondBudget
}

// PushRaw downsamples, converts and enqueues one hardware read.
// validLength is the interleaved sample count of the read, so each channel
// takes its first validLength/2 samples.
func (a *Aggregator) PushRaw(left, right []int16, validLength int) {
	perChannel := max(validLength/2, 0)
	a.push(Left, left, perChannel)
	a.push(Right, right, perChannel)
}

// PushInterleaved splits buf[:validLength] into left (even indices) and right
// (odd indices) and pushes both channels.
func (a *Aggregator) PushInterleaved(buf []int16, validLength int) {
	n := min(max(validLength, 0), len(buf))
	left := make([]int16, 0, (n+1)/2)
	right := make([]int16, 0, n/2)
	for i := 0; i+1 < n; i += 2 {
		left = append(left, buf[i])
		right = append(right, buf[i+1])
	}
	a.PushRaw(left, right, n)
}

func (a *Aggregator) push(ch Channel, samples []int16, n int) {
	n = min(n, len(samples))
	decimated := audio.Downsample(samples[:n], a.captureRate, a.targetRate)

	values := make([]float64, 0, len(decimated))
	for _, s := range decimated {
		if db := audio.ToDB(s); !audio.IsSilent(db) {
			values = append(values, db)
		}
	}
	a.channels[ch].queue.Push(values...)
}

// DrainTick pops at most one sample per channel and runs the count-based
// harvest. An empty queue sets the channel's Last-Value to 0.
func (a *Aggregator) DrainTick() TickResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	var res TickResult
	for i := range a.channels {
		popped, harvested := a.drainChannel(&a.channels[i])
		res.Harvested = res.Harvested || harvested
		if Channel(i) == Left {
			res.Left, res.PoppedLeft = a.channels[i].lastValue, popped
		} else {
			res.Right, res.PoppedRight = a.channels[i].lastValue, popped
		}
	}
	return res
}

func (a *Aggregator) drainChannel(c *channelState) (popped, harvested bool) {
	v, ok := c.queue.Pop()
	if !ok {
		c.lastValue = 0
		return false, false
	}

	c.lastValue = v
	c.lastSecond = append(c.lastSecond, v)
	c.counter++
	if c.counter >= a.secondBudget {
		a.appendHistory(c, bufferMax(c.lastSecond))
		c.lastSecond = c.lastSecond[:0]
		c.counter = 0
		return true, true
	}
	return true, false
}

// ComputeSecondMax appends the current last-second maximum of both channels
// to the history without clearing the buffers. Together with the count-based
// harvest in DrainTick a second can be recorded twice.
func (a *Aggregator) ComputeSecondMax() (left, right float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	maxes := [audio.Channels]float64{}
	for i := range a.channels {
		c := &a.channels[i]
		maxes[i] = bufferMax(c.lastSecond)
		a.appendHistory(c, maxes[i])
	}
	return maxes[Left], maxes[Right]
}

// appendHistory inserts v and evicts from the front down to the bound. Caller must hold a.mu.
func (a *Aggregator) appendHistory(c *channelState, v float64) {
	c.history = append(c.history, v)
	if over := len(c.history) - a.historySize; over > 0 {
		c.history = slices.Delete(c.history, 0, over)
	}
}

// bufferMax returns 0 for an empty buffer and the true maximum otherwise.
func bufferMax(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return slices.Max(values)
}

// Reset clears the queues and all derived state.
func (a *Aggregator) Reset() {
	for i := range a.channels {
		a.channels[i].queue.Clear()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.channels {
		c := &a.channels[i]
		c.lastSecond = nil
		c.counter = 0
		c.history = nil
		c.lastValue = 0
	}
}

// LastSecond returns a copy of the channel's last-second buffer.
func (a *Aggregator) LastSecond(ch Channel) []float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return copyValues(a.channels[ch].lastSecond)
}

// History returns a copy of the channel's five-minute history, oldest first.
func (a *Aggregator) History(ch Channel) []float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return copyValues(a.channels[ch].history)
}

// LastValue returns the most recently drained value of the channel.
func (a *Aggregator) LastValue(ch Channel) float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.channels[ch].lastValue
}

// QueueLen returns the number of samples waiting in the channel's queue.
func (a *Aggregator) QueueLen(ch Channel) int {
	return a.channels[ch].queue.Len()
}

// Snapshot returns a consistent copy of both channels.
func (a *Aggregator) Snapshot() types.MeterSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	l, r := &a.channels[Left], &a.channels[Right]
	return types.MeterSnapshot{
		LastSecondLeft:  copyValues(l.lastSecond),
		LastSecondRight: copyValues(r.lastSecond),
		HistoryLeft:     copyValues(l.history),
		HistoryRight:    copyValues(r.history),
		LastLeft:        l.lastValue,
		LastRight:       r.lastValue,
		QueuedLeft:      l.queue.Len(),
		QueuedRight:     r.queue.Len(),
	}
}

// copyValues returns a non-nil copy so JSON encodes empty buffers as [].
func copyValues(values []float64) []float64 {
	out := make([]float64, len(values))
	copy(out, values)
	return out
}
