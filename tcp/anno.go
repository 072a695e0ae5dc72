package tcp

import (
	"encoding/binary"
	"fmt"
)

// AnnoFlag is a single bit in the annotation flags bitset (offset 31).
type AnnoFlag uint8

const (
	AnnoFlagSACK         AnnoFlag = 1 << 0
	AnnoFlagACKNeeded    AnnoFlag = 1 << 1
	AnnoFlagMoreSegments AnnoFlag = 1 << 2
	AnnoFlagSockAdd      AnnoFlag = 1 << 3
	AnnoFlagSockDel      AnnoFlag = 1 << 4
	AnnoFlagSockOut      AnnoFlag = 1 << 5
	AnnoFlagSockErr      AnnoFlag = 1 << 6
	AnnoFlagECE          AnnoFlag = 1 << 7
)

func (f AnnoFlag) String() string {
	switch f {
	case AnnoFlagSACK:
		return "SACK"
	case AnnoFlagACKNeeded:
		return "ACK-needed"
	case AnnoFlagMoreSegments:
		return "more-segments"
	case AnnoFlagSockAdd:
		return "sock-add"
	case AnnoFlagSockDel:
		return "sock-del"
	case AnnoFlagSockOut:
		return "sock-out"
	case AnnoFlagSockErr:
		return "sock-err"
	case AnnoFlagECE:
		return "ECE"
	default:
		return fmt.Sprintf("AnnoFlag(%#x)", uint8(f))
	}
}

// annoSize is the size in bytes of the fixed TCP-annotation region, per the
// offset table: sockfd(4) + tcb-ref(8) + rtt(4) + window(4) + sequence(4) +
// acked(4) + mss(2) + oplen(1) + flags(1) = 32.
const annoSize = 32

const (
	annoOffSockfd   = 0
	annoOffTCBRef   = 4
	annoOffRTT      = 12
	annoOffWindow   = 16
	annoOffSeq      = 20
	annoOffAcked    = 24
	annoOffMSS      = 28
	annoOffOptLen   = 30
	annoOffFlags    = 31
)

// Annotation is the fixed out-of-band metadata region carried alongside
// every packet through the pipeline: writers in one stage publish into it,
// readers downstream consume. Accessing past the fixed 32-byte region is a
// programming error and panics, same as slicing past a buffer's length.
//
// The TCB reference field (offset 4, 8 bytes) holds an opaque handle rather
// than a raw pointer: the high 32 bits are a generation counter and the low
// 32 bits a slab index, so a stale annotation referencing a freed/reused
// TCB slot can be detected instead of dereferenced (see [TCBHandle]).
type Annotation struct {
	buf [annoSize]byte
}

// Reset clears every field. Required whenever a packet crosses from one
// flow context into an unrelated one, so stale annotation data from a prior
// owner is never misread by the new one.
func (a *Annotation) Reset() { *a = Annotation{} }

func (a *Annotation) Sockfd() uint32     { return binary.BigEndian.Uint32(a.buf[annoOffSockfd:]) }
func (a *Annotation) SetSockfd(v uint32) { binary.BigEndian.PutUint32(a.buf[annoOffSockfd:], v) }

// TCBHandle returns the opaque (generation, index) TCB reference.
func (a *Annotation) TCBHandle() TCBHandle {
	return TCBHandle{
		Generation: binary.BigEndian.Uint32(a.buf[annoOffTCBRef:]),
		Index:      binary.BigEndian.Uint32(a.buf[annoOffTCBRef+4:]),
	}
}

// SetTCBHandle publishes the owning TCB's opaque handle.
func (a *Annotation) SetTCBHandle(h TCBHandle) {
	binary.BigEndian.PutUint32(a.buf[annoOffTCBRef:], h.Generation)
	binary.BigEndian.PutUint32(a.buf[annoOffTCBRef+4:], h.Index)
}

func (a *Annotation) RTTMicros() uint32     { return binary.BigEndian.Uint32(a.buf[annoOffRTT:]) }
func (a *Annotation) SetRTTMicros(v uint32) { binary.BigEndian.PutUint32(a.buf[annoOffRTT:], v) }

func (a *Annotation) Window() uint32     { return binary.BigEndian.Uint32(a.buf[annoOffWindow:]) }
func (a *Annotation) SetWindow(v uint32) { binary.BigEndian.PutUint32(a.buf[annoOffWindow:], v) }

func (a *Annotation) Seq() Value      { return Value(binary.BigEndian.Uint32(a.buf[annoOffSeq:])) }
func (a *Annotation) SetSeq(v Value)  { binary.BigEndian.PutUint32(a.buf[annoOffSeq:], uint32(v)) }

func (a *Annotation) AckedCount() uint32     { return binary.BigEndian.Uint32(a.buf[annoOffAcked:]) }
func (a *Annotation) SetAckedCount(v uint32) { binary.BigEndian.PutUint32(a.buf[annoOffAcked:], v) }

func (a *Annotation) MSS() uint16     { return binary.BigEndian.Uint16(a.buf[annoOffMSS:]) }
func (a *Annotation) SetMSS(v uint16) { binary.BigEndian.PutUint16(a.buf[annoOffMSS:], v) }

func (a *Annotation) OptionLength() uint8     { return a.buf[annoOffOptLen] }
func (a *Annotation) SetOptionLength(v uint8) { a.buf[annoOffOptLen] = v }

func (a *Annotation) Flags() AnnoFlag         { return AnnoFlag(a.buf[annoOffFlags]) }
func (a *Annotation) SetFlags(f AnnoFlag)     { a.buf[annoOffFlags] = uint8(f) }
func (a *Annotation) HasFlag(f AnnoFlag) bool { return a.buf[annoOffFlags]&uint8(f) != 0 }
func (a *Annotation) AddFlag(f AnnoFlag)      { a.buf[annoOffFlags] |= uint8(f) }
func (a *Annotation) ClearFlag(f AnnoFlag)    { a.buf[annoOffFlags] &^= uint8(f) }

// TCBHandle is an opaque, use-after-free-resistant reference to a TCB
// living in a per-thread slab: Index selects the slot, Generation must
// match the slot's current occupant or the handle is stale.
type TCBHandle struct {
	Generation uint32
	Index      uint32
}

// IsZero reports whether h is the zero handle (no TCB referenced).
func (h TCBHandle) IsZero() bool { return h == TCBHandle{} }

func (h TCBHandle) String() string {
	return fmt.Sprintf("tcb#%d.%d", h.Index, h.Generation)
}
