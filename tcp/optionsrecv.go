package tcp

import (
	"encoding/binary"
	"log/slog"
	"time"

	"github.com/flowstack/tcpcore/internal"
)

// pawsIdleTimeout is the idle bound past which a timestamp older than
// TS.Recent is adopted instead of triggering a PAWS drop (RFC 7323 §5.5's
// "more than 24 days" outdated-timestamp escape hatch).
const pawsIdleTimeout = 24 * 24 * time.Hour

// tsClock returns the millisecond timestamp clock backing outgoing TSval
// values. The per-connection tsOffset is added on top so the raw clock is
// never visible on the wire.
func tsClock(t time.Time) uint32 {
	return uint32(t.UnixMilli())
}

// SACKBlock is one RFC 2018 selective-acknowledgement block covering the
// received octets [Left, Right) in sequence space.
type SACKBlock struct {
	Left  Value
	Right Value
}

// Covers reports whether the block fully covers a packet spanning
// [seq, seq+length) in sequence space.
func (b SACKBlock) Covers(seq Value, length Size) bool {
	return b.Left.LessThanEq(seq) && Add(seq, length).LessThanEq(b.Right)
}

// AckOptions is the outcome of parsing the options of a non-SYN segment:
// any SACK blocks found and the RTT sample extracted from a timestamp echo,
// zero if the segment produced no sample. Downstream pipeline stages read
// these to mark retransmission-queue packets ([RtxQueue.MarkSACK]) and to
// fill the RTT annotation slot.
type AckOptions struct {
	SACK    [4]SACKBlock
	NumSACK int
	RTT     time.Duration
}

// Blocks returns the valid SACK blocks as a slice.
func (a *AckOptions) Blocks() []SACKBlock { return a.SACK[:a.NumSACK] }

// ParseSYNOptions digests the options of a SYN or SYN-ACK segment into the
// TCB's negotiated option state: MSS (capped at the configured default),
// window scale (capped at 14 per RFC 7323), SACK-permitted, and timestamps.
// On a SYN-ACK carrying a timestamp echo of our own SYN it also extracts and
// feeds an RTT sample, returned so the caller can publish it in the packet's
// RTT annotation. Malformed options stop parsing but never drop the segment.
func (tcb *ControlBlock) ParseSYNOptions(opts []byte, seg Segment, pktTime time.Time) (rtt time.Duration) {
	if len(opts) == 0 {
		return 0
	}
	if pktTime.IsZero() {
		pktTime = internal.Now()
	}
	isSynAck := seg.Flags.HasAll(synack)
	o := &tcb.opts
	err := tcb.optcodec().ForEachOption(opts, func(kind OptionKind, data []byte) error {
		switch kind {
		case OptMaxSegmentSize:
			mss := binary.BigEndian.Uint16(data)
			ceiling := uint16(tcb.Config().DefaultMSS)
			if mss > ceiling {
				mss = ceiling
			}
			o.sndMSS = mss
		case OptWindowScale:
			o.wscaleOK = true
			o.sndScale = min8(data[0], 14)
			if o.rcvScale == 0 {
				o.rcvScale = defaultRecvWindowScale(tcb.Config().RecvBufferSize)
			}
		case OptSACKPermitted:
			o.sackPermitted = true
		case OptTimestamps:
			tsval := binary.BigEndian.Uint32(data[0:4])
			tsecr := binary.BigEndian.Uint32(data[4:8])
			o.tsOK = true
			o.tsRecent = tsval
			o.tsRecentUpdate = pktTime
			if isSynAck {
				rtt = tcb.rttFromEcho(tsecr, pktTime)
			}
		}
		return nil
	})
	if err != nil {
		tcb.debug("tcb:syn-options-malformed", slog.String("err", err.Error()))
	}
	if rtt > 0 {
		tcb.UpdateRTTSample(rtt)
	}
	return rtt
}

// ParseACKOptions digests the options of a non-SYN segment. SACK blocks are
// collected into the result for the retransmission queue to mark; a
// timestamp option is run through the PAWS check (RFC 7323 §5.3) and, when
// the segment carries an acceptable ACK in ESTABLISHED or CLOSE-WAIT,
// yields an RTT sample.
//
// A PAWS failure returns errDropSegment with a bare ACK left pending, per
// the "emit an ACK and drop" rule; the caller must not admit the segment.
// Any other malformed option stops parsing without dropping.
func (tcb *ControlBlock) ParseACKOptions(opts []byte, seg Segment, pktTime time.Time) (res AckOptions, err error) {
	if len(opts) == 0 {
		return res, nil
	}
	if pktTime.IsZero() {
		pktTime = internal.Now()
	}
	var pawsErr error
	perr := tcb.optcodec().ForEachOption(opts, func(kind OptionKind, data []byte) error {
		switch kind {
		case OptSACK:
			if !tcb.opts.sackPermitted {
				break
			}
			for i := 0; i+8 <= len(data) && res.NumSACK < len(res.SACK); i += 8 {
				left := Value(binary.BigEndian.Uint32(data[i:]))
				right := Value(binary.BigEndian.Uint32(data[i+4:]))
				if left.LessThan(right) {
					res.SACK[res.NumSACK] = SACKBlock{Left: left, Right: right}
					res.NumSACK++
				}
			}
		case OptTimestamps:
			if !tcb.opts.tsOK {
				break
			}
			tsval := binary.BigEndian.Uint32(data[0:4])
			tsecr := binary.BigEndian.Uint32(data[4:8])
			pawsErr = tcb.checkPAWS(tsval, seg, pktTime)
			if pawsErr != nil {
				return pawsErr
			}
			if tcb.ackAcceptable(seg) && (tcb._state == StateEstablished || tcb._state == StateCloseWait) {
				res.RTT = tcb.rttFromEcho(tsecr, pktTime)
				if res.RTT > 0 {
					tcb.UpdateRTTSample(res.RTT)
				}
			}
		}
		return nil
	})
	if pawsErr != nil {
		return res, pawsErr
	}
	if perr != nil {
		tcb.debug("tcb:ack-options-malformed", slog.String("err", perr.Error()))
	}
	return res, nil
}

// checkPAWS implements the RFC 7323 §5.3 timestamp acceptance test against
// TS.Recent, including the long-idle escape: a connection idle past
// pawsIdleTimeout adopts an apparently-old timestamp instead of rejecting
// it, since the peer's timestamp clock may have wrapped in the interim.
func (tcb *ControlBlock) checkPAWS(tsval uint32, seg Segment, pktTime time.Time) error {
	o := &tcb.opts
	older := int32(tsval-o.tsRecent) < 0
	if older && !seg.Flags.HasAny(FlagRST) {
		if pktTime.Sub(o.tsRecentUpdate) > pawsIdleTimeout {
			o.tsRecent = tsval
			o.tsRecentUpdate = pktTime
			return nil
		}
		tcb.pending[0] |= FlagACK
		tcb.debug("tcb:paws-drop", slog.Uint64("tsval", uint64(tsval)), slog.Uint64("ts.recent", uint64(o.tsRecent)))
		return errDropSegment
	}
	if !older && seg.SEQ.LessThanEq(o.tsLastAckSent) {
		o.tsRecent = tsval
		o.tsRecentUpdate = pktTime
	}
	return nil
}

// ackAcceptable reports SND.UNA < SEG.ACK <= SND.NXT for an ACK-bearing
// segment, the condition under which a timestamp echo is a valid RTT sample.
func (tcb *ControlBlock) ackAcceptable(seg Segment) bool {
	return seg.Flags.HasAny(FlagACK) &&
		tcb.snd.UNA.LessThan(seg.ACK) && seg.ACK.LessThanEq(tcb.snd.NXT)
}

// rttFromEcho converts a TSecr echo of one of our own TSval values back into
// elapsed time, clamped below at one millisecond (a same-tick echo still
// counts as a sample, per the "max(1, ...)" rule).
func (tcb *ControlBlock) rttFromEcho(tsecr uint32, now time.Time) time.Duration {
	if tsecr == 0 || tcb.opts.tsOffset == 0 {
		return 0
	}
	sentMS := tsecr - tcb.opts.tsOffset
	elapsedMS := tsClock(now) - sentMS
	if int32(elapsedMS) < 0 {
		// Echo from the future: clock skew or a corrupted option. Not a sample.
		return 0
	}
	if elapsedMS == 0 {
		elapsedMS = 1
	}
	return time.Duration(elapsedMS) * time.Millisecond
}

func (tcb *ControlBlock) optcodec() OptionCodec { return OptionCodec{} }

func min8(a, b uint8) uint8 {
	if a < b {
		return a
	}
	return b
}
