package util

import "time"

// processStart anchors the monotonic counter. All timestamps in the sync
// core are microseconds since process start, taken from Go's monotonic
// clock reading so they never jump with wall-clock adjustments.
var processStart = time.Now()

// NowMicros returns the local monotonic time in microseconds. It never
// decreases and wraps only at the int64 horizon (~292k years).
func NowMicros() int64 {
	return time.Since(processStart).Microseconds()
}
