package audio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPeakHolderHoldsAndFalls(t *testing.T) {
	p := NewPeakHolder(time.Second)
	start := time.Unix(1000, 0)

	l, r := p.Update(80, 60, start)
	require.Equal(t, 80.0, l)
	require.Equal(t, 60.0, r)

	// Lower values are ignored while the hold is active.
	l, r = p.Update(40, 70, start.Add(500*time.Millisecond))
	require.Equal(t, 80.0, l)
	require.Equal(t, 70.0, r)

	// After the hold expires the current value replaces the peak.
	l, _ = p.Update(40, 0, start.Add(1500*time.Millisecond))
	require.Equal(t, 40.0, l)
}

func TestPeakHolderClampsToDisplayRange(t *testing.T) {
	p := NewPeakHolder(time.Second)
	l, r := p.Update(500, -20, time.Unix(0, 0))
	require.Equal(t, DisplayMaxDB, l)
	require.Equal(t, DisplayMinDB, r)
}

func TestPeakHolderDefaultsAndReset(t *testing.T) {
	p := NewPeakHolder(0)
	require.Equal(t, DefaultPeakHoldDuration, p.holdDuration)

	p.SetHoldDuration(-time.Second)
	require.Equal(t, DefaultPeakHoldDuration, p.holdDuration)
	p.SetHoldDuration(time.Second)
	require.Equal(t, time.Second, p.holdDuration)

	p.Update(90, 90, time.Now())
	p.Reset()
	l, r := p.peaks()
	require.Equal(t, DisplayMinDB, l)
	require.Equal(t, DisplayMinDB, r)
}
