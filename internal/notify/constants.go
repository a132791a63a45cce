// Package notify sends capture alerts when the meter loses its audio source
// for good and when capture is restored.
package notify

import "time"

// AppName is the application name used in notifications.
const AppName = "ZuidWest FM dB Meter"

// timestampUTC returns the current UTC time in RFC3339 format.
func timestampUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// humanTime returns the current local time for message bodies.
func humanTime() string {
	return time.Now().Format("2 Jan 2006 15:04:05 MST")
}
