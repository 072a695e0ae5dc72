package internal

import "time"

var monotonicEpoch = time.Now()

// monotonicMillisFallback derives a monotonic millisecond count from
// time.Now()'s monotonic reading, used on builds/platforms without a
// cheaper raw clock source.
func monotonicMillisFallback() int64 {
	return time.Since(monotonicEpoch).Milliseconds()
}

var clockBaseWall = time.Now()
var clockBaseMono = MonotonicMillis()

// Now returns the current wall-clock time, computed from a single wall-time
// sample taken at process start plus however many milliseconds
// MonotonicMillis reports have elapsed since. On targets without a reliable
// monotonic time.Now() (the embedded/tinygo builds this package's
// debug_*.go split already anticipates), this keeps timer-driving code
// immune to wall-clock adjustments the way a plain time.Now() call would
// not be.
func Now() time.Time {
	delta := MonotonicMillis() - clockBaseMono
	return clockBaseWall.Add(time.Duration(delta) * time.Millisecond)
}
