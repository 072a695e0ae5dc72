// Package timingwheel implements a per-thread, millisecond-granularity
// hashed timing wheel used to drive TCP retransmission, delayed-ACK,
// keep-alive and TIME-WAIT timers. A Wheel is owned by exactly one
// goroutine/thread for its entire life; Schedule/Unschedule/Run must only
// ever be called from that owner. Cross-thread use is a programming error,
// same as the TCB it times (see the tcp package's concurrency model).
package timingwheel

import (
	"math/bits"
	"time"
)

// Kind identifies which TCP mechanism a Timer drives.
type Kind uint8

const (
	KindRetransmission Kind = iota
	KindDelayedACK
	KindKeepalive
	KindTimeWait
)

func (k Kind) String() string {
	switch k {
	case KindRetransmission:
		return "retransmission"
	case KindDelayedACK:
		return "delayed-ack"
	case KindKeepalive:
		return "keepalive"
	case KindTimeWait:
		return "time-wait"
	default:
		return "unknown"
	}
}

// Timer is one schedulable event. Owner is an opaque value (any) rather
// than a typed TCB reference, so this package does not need to import the
// tcp package; the wheel never reads it. tcp.ConnTimers stores its *Conn
// there.
type Timer struct {
	Kind     Kind
	Callback func(*Timer)
	Owner    any

	expiry     time.Time
	bucket     int // -1 if unscheduled
	prev, next *Timer
	wheel      *Wheel
}

// Scheduled reports whether the timer currently occupies a bucket.
func (t *Timer) Scheduled() bool { return t.bucket >= 0 }

// Expiry returns the timer's last scheduled absolute fire time. Only
// meaningful while Scheduled.
func (t *Timer) Expiry() time.Time { return t.expiry }

// Wheel is a hashed timing wheel: an array of N buckets, N the next power
// of two above max(RTO_MAX, 2*MSL, delayed-ack, keepalive)/tick plus slack,
// exactly as specified.
type Wheel struct {
	buckets []*Timer // circular doubly-linked list head per bucket, nil if empty
	mask    int
	tick    time.Duration

	now time.Time // wheel's current bucket time, rounded up to a tick boundary
	idx int
	size int

	maxStride     int
	stride        int
	strideCounter int

	metrics Metrics
}

// New constructs a Wheel sized for the given tick granularity and the
// longest timer duration it must hold (RTO max, 2*MSL, keepalive, or
// delayed-ACK, whichever is largest), plus 501 ticks of slack exactly as
// specified. maxStride bounds the stride adaptation; pass 1 to disable it
// (e.g. under simulated/test time, where real-time catch-up is meaningless).
func New(tick time.Duration, longestTimer time.Duration, maxStride int) *Wheel {
	if tick <= 0 {
		tick = time.Millisecond
	}
	if maxStride < 1 {
		maxStride = 1
	}
	minBuckets := int(longestTimer/tick) + 501
	n := nextPow2(minBuckets)
	w := &Wheel{
		buckets:   make([]*Timer, n),
		mask:      n - 1,
		tick:      tick,
		maxStride: maxStride,
		stride:    1,
	}
	return w
}

func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// Buckets returns the number of buckets in the wheel (always a power of two).
func (w *Wheel) Buckets() int { return len(w.buckets) }

// Size returns the number of timers currently scheduled.
func (w *Wheel) Size() int { return w.size }

// Stride returns the current adaptive stride: the number of ticks the
// external driver (out of scope for this package, see non-goals) should
// wait between successive calls to Run when it has nothing else to do.
// It grows while Run keeps up with real time and shrinks when Run is
// called late, so a busy wheel gets polled more often than an idle one.
func (w *Wheel) Stride() int { return w.stride }

// NewTimer allocates a timer bound to this wheel, unscheduled.
func (w *Wheel) NewTimer(kind Kind, owner any, callback func(*Timer)) *Timer {
	return &Timer{Kind: kind, Owner: owner, Callback: callback, bucket: -1, wheel: w}
}

// Schedule arms t to fire at or after when, per wall/steady time supplied by
// the caller (a monotonic time.Time). If t is already scheduled it is
// unscheduled first. Scheduling into an empty wheel resets the wheel's
// internal clock to now, rounded up to the next tick boundary.
func (w *Wheel) Schedule(t *Timer, now, when time.Time) {
	if t.wheel != w {
		panic("timingwheel: timer scheduled on foreign wheel")
	}
	if t.Scheduled() {
		w.Unschedule(t)
	}
	if w.size == 0 {
		w.idx = 0
		w.now = roundUpTick(now, w.tick)
	}
	// One-tick floor: a timer due now or within the current tick still lands
	// one bucket ahead, never in the bucket currently being drained.
	delta := when.Sub(w.now)
	if delta < w.tick {
		delta = w.tick
	}
	ticks := int(delta / w.tick)
	if ticks >= len(w.buckets) {
		// Longer than the wheel's span: clamp into the furthest bucket
		// rather than wrapping onto an earlier, already-due one.
		ticks = len(w.buckets) - 1
	}
	bucket := (w.idx + ticks) & w.mask
	t.expiry = when
	w.pushBucket(bucket, t)
	w.size++
	w.metrics.observeScheduled(w.size)
}

// Unschedule removes t from its bucket if scheduled; a no-op otherwise, so
// timer callbacks may unconditionally unschedule themselves or siblings
// without checking Scheduled first.
func (w *Wheel) Unschedule(t *Timer) {
	if !t.Scheduled() {
		return
	}
	w.removeBucket(t)
	w.size--
	t.bucket = -1
	w.metrics.observeScheduled(w.size)
}

// Run fires every timer whose bucket is due by now, advancing the wheel's
// internal clock one tick at a time. Callbacks may reschedule themselves or
// other timers; a timer is always unlinked before its callback runs, so a
// callback rescheduling itself does not corrupt the bucket list it was
// popped from. Run is a no-op on an empty wheel.
func (w *Wheel) Run(now time.Time) {
	if w.size == 0 {
		return
	}
	if !w.now.Add(w.tick / 2).After(now) {
		// Fallen at least half a tick behind: catch up more eagerly.
		w.strideCounter = 0
		w.stride = max(1, w.stride*4/5)
	} else {
		w.strideCounter++
		if w.strideCounter >= 12 {
			w.strideCounter = 0
			if w.stride < w.maxStride {
				w.stride++
			}
		}
	}
	w.metrics.observeStride(w.stride)
	for !w.now.After(now) && w.size > 0 {
		w.fireBucket(w.idx)
		w.idx = (w.idx + 1) & w.mask
		w.now = w.now.Add(w.tick)
	}
}

func (w *Wheel) fireBucket(idx int) {
	for {
		t := w.buckets[idx]
		if t == nil {
			return
		}
		w.Unschedule(t) // Remove before firing: callback may reschedule.
		if t.Callback != nil {
			t.Callback(t)
		}
	}
}

func roundUpTick(t time.Time, tick time.Duration) time.Time {
	rem := t.UnixNano() % int64(tick)
	if rem == 0 {
		return t
	}
	return t.Add(tick - time.Duration(rem))
}

// pushBucket inserts t at the tail of bucket's circular doubly-linked list.
func (w *Wheel) pushBucket(bucket int, t *Timer) {
	t.bucket = bucket
	head := w.buckets[bucket]
	if head == nil {
		t.next, t.prev = t, t
		w.buckets[bucket] = t
		return
	}
	tail := head.prev
	t.prev = tail
	t.next = head
	tail.next = t
	head.prev = t
}

// removeBucket unlinks t from whichever bucket list it currently occupies.
func (w *Wheel) removeBucket(t *Timer) {
	bucket := t.bucket
	if t.next == t {
		w.buckets[bucket] = nil
	} else {
		t.prev.next = t.next
		t.next.prev = t.prev
		if w.buckets[bucket] == t {
			w.buckets[bucket] = t.next
		}
	}
	t.next, t.prev = nil, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
