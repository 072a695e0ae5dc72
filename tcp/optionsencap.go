package tcp

import (
	"crypto/rand"
	"encoding/binary"
	"math/bits"
	"time"

	"github.com/flowstack/tcpcore/internal"
)

// defaultRecvWindowScale derives the advertised receive window scale from
// the receive buffer size: floor(log2(rmem)), i.e. the buffer's bit length
// minus one, minus 15, clamped to RFC 7323's [0, 14].
func defaultRecvWindowScale(rmem int) uint8 {
	if rmem <= 0 {
		return 0
	}
	shift := bits.Len(uint(rmem)) - 1 - 15
	if shift < 0 {
		return 0
	}
	if shift > 14 {
		return 14
	}
	return uint8(shift)
}

// EncodeSYNOptions writes the TCP options for an outgoing SYN or SYN-ACK
// into dst and returns the number of bytes written, always a multiple of 4
// so the caller can derive the header data-offset directly. payloadCap
// bounds the MSS we advertise (the RFC 6691 fixed-header adjustment is the
// caller's: pass the link payload capacity minus the fixed IP+TCP headers).
//
// Inclusion rules: MSS always; SACK-permitted, timestamps and window scale
// on an active open unconditionally, on a passive open only if the peer's
// SYN offered the same option. A passive connection samples its timestamp
// offset on first use and echoes TS.Recent; an active one echoes zero, as
// no peer timestamp exists yet. Groups are NOP-padded so every option
// lands 4-byte aligned.
func (tcb *ControlBlock) EncodeSYNOptions(dst []byte, payloadCap int, now time.Time) (n int, err error) {
	if now.IsZero() {
		now = internal.Now()
	}
	cfg := tcb.Config()
	o := &tcb.opts
	includeSACK := !o.passive || o.sackPermitted
	includeTS := !o.passive || o.tsOK
	includeWS := !o.passive || o.wscaleOK

	codec := tcb.optcodec()
	rcvMSS := o.rcvMSS
	if rcvMSS == 0 {
		rcvMSS = uint16(cfg.DefaultMSS)
	}
	if payloadCap > 0 && payloadCap < int(rcvMSS) {
		rcvMSS = uint16(payloadCap)
	}
	o.rcvMSS = rcvMSS
	m, err := codec.PutOption16(dst, OptMaxSegmentSize, rcvMSS)
	if err != nil {
		return 0, err
	}
	n += m

	if includeWS {
		if o.rcvScale == 0 {
			o.rcvScale = defaultRecvWindowScale(cfg.RecvBufferSize)
		}
		if len(dst[n:]) < 4 {
			return n, errShortOptionBuffer
		}
		dst[n] = byte(OptNop)
		n++
		m, err = codec.PutOption(dst[n:], OptWindowScale, o.rcvScale)
		if err != nil {
			return n - 1, err
		}
		n += m
	}
	if includeSACK {
		if len(dst[n:]) < 4 {
			return n, errShortOptionBuffer
		}
		m, err = codec.PutOption(dst[n:], OptSACKPermitted)
		if err != nil {
			return n, err
		}
		n += m
		if !includeTS {
			dst[n] = byte(OptNop)
			dst[n+1] = byte(OptNop)
			n += 2
		}
	}
	if includeTS {
		pad := 0
		if !includeSACK {
			// Timestamp alone: two NOPs keep the 10-byte option aligned.
			pad = 2
		}
		if len(dst[n:]) < pad+10 {
			return n, errShortOptionBuffer
		}
		for i := 0; i < pad; i++ {
			dst[n] = byte(OptNop)
			n++
		}
		if o.tsOffset == 0 {
			o.tsOffset = sampleTSOffset()
		}
		o.tsOK = true
		var ts [8]byte
		binary.BigEndian.PutUint32(ts[0:4], o.tsOffset+tsClock(now))
		var tsecr uint32
		if o.passive {
			tsecr = o.tsRecent
		}
		binary.BigEndian.PutUint32(ts[4:8], tsecr)
		m, err = codec.PutOption(dst[n:], OptTimestamps, ts[:]...)
		if err != nil {
			return n, err
		}
		n += m
	}
	if o.passive {
		o.tsLastAckSent = tcb.rcv.NXT
	}
	return n, nil
}

// SetTSOffset installs the per-connection timestamp offset, typically from
// [ISNGenerator.TSOffset] when the full four-tuple is known at dial time.
// A zero offset leaves the lazily sampled one in place.
func (tcb *ControlBlock) SetTSOffset(v uint32) {
	if v != 0 {
		tcb.opts.tsOffset = v
	}
}

// sampleTSOffset draws a uniform non-zero 32-bit timestamp offset.
func sampleTSOffset() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 1
	}
	v := binary.BigEndian.Uint32(b[:])
	if v == 0 {
		v = 1
	}
	return v
}
