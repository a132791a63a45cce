// Package audio provides capture backends and the sample-level math of the meter:
// PCM to decibel conversion, decimation and peak hold.
package audio

import "math"

const (
	// MaxSampleValue is the maximum absolute value for 16-bit signed audio.
	MaxSampleValue = 32768.0
	// ReferencePressure is the reference amplitude the full-scale ratio is divided by.
	ReferencePressure = 20e-6
	// DisplayMinDB is the bottom of the display range.
	DisplayMinDB = 0.0
	// DisplayMaxDB is the top of the display range.
	DisplayMaxDB = 120.0
)

// ToDB converts a 16-bit PCM sample to an uncalibrated dB value.
// A zero sample yields negative infinity, which callers must filter out.
func ToDB(sample int16) float64 {
	return 20 * math.Log10((math.Abs(float64(sample))/MaxSampleValue)/ReferencePressure)
}

// IsSilent reports whether v is the negative infinity produced by a zero sample.
func IsSilent(v float64) bool {
	return math.IsInf(v, -1)
}

// ClampDisplay limits a dB value to the display range.
func ClampDisplay(db float64) float64 {
	return min(max(db, DisplayMinDB), DisplayMaxDB)
}
