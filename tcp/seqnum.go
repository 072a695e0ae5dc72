package tcp

// Value is a TCP sequence-space value: a 32-bit counter that wraps modulo
// 2**32 and must always be compared with wraparound-aware arithmetic, never
// with plain Go operators. It represents SEG.SEQ, SEG.ACK, SND.UNA, SND.NXT,
// RCV.NXT and similar per-octet counters from RFC 9293 §3.3.
type Value uint32

// Size is a non-wrapping count of octets: window sizes, segment lengths,
// and the distance between two sequence-space [Value]s. Unlike [Value] it
// compares with ordinary unsigned arithmetic.
type Size uint32

// Add returns v advanced by n octets in sequence space, wrapping modulo
// 2**32 as RFC 9293 requires.
func Add(v Value, n Size) Value {
	return v + Value(n)
}

// Sizeof returns the number of octets from a to b going forward in sequence
// space, i.e. the b such that Add(a, Sizeof(a,b)) == b. The result wraps the
// same way TCP sequence distances do: if b precedes a it is treated as
// having wrapped around the space at least once.
func Sizeof(a, b Value) Size {
	return Size(b - a)
}

// LessThan reports whether v precedes other in sequence space using
// signed-distance wraparound comparison (RFC 9293's SEQ_LT).
func (v Value) LessThan(other Value) bool {
	return int32(v-other) < 0
}

// LessThanEq reports whether v precedes or equals other in sequence space
// (SEQ_LEQ).
func (v Value) LessThanEq(other Value) bool {
	return v == other || v.LessThan(other)
}

// GreaterThan reports whether v follows other in sequence space (SEQ_GT).
func (v Value) GreaterThan(other Value) bool {
	return other.LessThan(v)
}

// GreaterThanEq reports whether v follows or equals other in sequence space
// (SEQ_GEQ).
func (v Value) GreaterThanEq(other Value) bool {
	return other.LessThanEq(v)
}

// InWindow reports whether v lies in [base, base+wnd) in sequence space.
// A zero-sized window never contains any value, including base itself,
// matching RFC 9293's "segment not acceptable" rule for SEG.LEN==0/RCV.WND==0.
func (v Value) InWindow(base Value, wnd Size) bool {
	if wnd == 0 {
		return false
	}
	return Sizeof(base, v) < wnd
}

// UpdateForward advances v in place by n octets, wrapping per [Add]. It is
// the in-place counterpart used on TCB fields such as RCV.NXT and SND.NXT
// so callers can write `tcb.rcv.NXT.UpdateForward(n)` instead of
// re-assigning the field from the return value of [Add].
func (v *Value) UpdateForward(n Size) {
	*v = Add(*v, n)
}
