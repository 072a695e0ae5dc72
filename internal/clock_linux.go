//go:build linux

package internal

import "golang.org/x/sys/unix"

// MonotonicMillis returns a monotonic millisecond timestamp read directly
// via CLOCK_MONOTONIC, bypassing the allocation and wall-clock bookkeeping
// that comes with a full time.Now(). It is the timing wheel's tick source
// on the fast path; ports without a raw clock_gettime fall back to
// time.Now() (see clock_other.go), mirroring the normal-build-vs-fallback
// split this package already uses for heap-allocation logging.
func MonotonicMillis() int64 {
	var ts unix.Timespec
	// CLOCK_MONOTONIC never goes backwards and is unaffected by wall-clock
	// adjustments, which is all a tick source needs.
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return monotonicMillisFallback()
	}
	return ts.Sec*1000 + ts.Nsec/1_000_000
}
