package audio

import (
	"sync"
	"time"
)

// DefaultPeakHoldDuration is how long a peak is held before it may fall.
const DefaultPeakHoldDuration = 3000 * time.Millisecond

// heldPeak is the peak-hold state of a single channel.
type heldPeak struct {
	value float64
	since time.Time
}

func (h *heldPeak) update(v float64, now time.Time, hold time.Duration) float64 {
	if v >= h.value || now.Sub(h.since) > hold {
		h.value = v
		h.since = now
	}
	return h.value
}

// PeakHolder keeps the held peak of the live dB value of both channels.
// It is safe for concurrent use.
type PeakHolder struct {
	mu           sync.Mutex
	left, right  heldPeak
	holdDuration time.Duration
}

// NewPeakHolder returns a PeakHolder at the bottom of the display range.
func NewPeakHolder(hold time.Duration) *PeakHolder {
	if hold <= 0 {
		hold = DefaultPeakHoldDuration
	}
	return &PeakHolder{
		left:         heldPeak{value: DisplayMinDB},
		right:        heldPeak{value: DisplayMinDB},
		holdDuration: hold,
	}
}

// Update feeds the latest values and returns the held peaks.
// Zero values mean "no reading this tick" and never raise a peak, but they
// let an expired peak fall back to the floor.
func (p *PeakHolder) Update(left, right float64, now time.Time) (heldL, heldR float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.left.update(ClampDisplay(left), now, p.holdDuration),
		p.right.update(ClampDisplay(right), now, p.holdDuration)
}

// peaks returns the held peaks without updating them.
func (p *PeakHolder) peaks() (heldL, heldR float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.left.value, p.right.value
}

// SetHoldDuration updates the peak hold duration.
func (p *PeakHolder) SetHoldDuration(d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.holdDuration = d
}

// Reset drops both held peaks to the floor.
func (p *PeakHolder) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.left = heldPeak{value: DisplayMinDB}
	p.right = heldPeak{value: DisplayMinDB}
}
