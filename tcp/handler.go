package tcp

import (
	"errors"
	"io"
	"net"
	"time"

	"log/slog"

	"github.com/flowstack/tcpcore/internal"
)

var (
	errMismatchedSrcPort = errors.New("source port mismatch")
	errMismatchedDstPort = errors.New("destination port mismatch")
)

// Handler is a low level TCP handling data structure. It implements logic
// related to data buffering, frame sequencing and connection state handling.
// Does NOT implement IP related logic, so no CRC calculation/validation or pseudo header logic.
// Does NOT implement connection lifetime timing, so NO deadlines and no timers of its own: keepalive probes, retransmissions,
// delayed-ACK flushes and TIME-WAIT expiry happen only when a caller's timer requests them (see tcp/timers.go).
//
// See [Conn] for a higher level abstraction of a TCP connection, and see [ControlBlock] for the lower level bits of a TCP connection.
type Handler struct {
	connid uint64
	scb    ControlBlock
	bufTx  ringTx
	bufRx  internal.Ring
	logger
	localPort  uint16
	remotePort uint16
	// connid is a conenction counter that is incremented each time a new
	// connection is established via Open calls. This disambiguate's whether
	// Read and Write calls belong to the current connection.

	closing bool

	// pktTime is the ingress timestamp of the packet currently being
	// processed, supplied by the caller via SetPacketTime (typically the
	// packet's annotation-plane timestamp). Zero makes the option-parsing
	// paths fall back to sampling a clock themselves.
	pktTime time.Time
	// lastAckOpts holds the SACK blocks and RTT sample parsed from the most
	// recently admitted segment's options, for retransmission-queue marking
	// and RTT-annotation publishing by the caller.
	lastAckOpts AckOptions

	// dataSegSinceACK counts in-order data segments received in
	// ESTABLISHED since the last delayed-ACK flush: the first such segment
	// only arms the delayed-ACK timer, a second forces an immediate flush.
	dataSegSinceACK int
	// retransmitPending and keepaliveProbePending request that the next
	// Send call emit a retransmission of the oldest unacked data, or a
	// keepalive probe, instead of the usual pending-segment/data path.
	// Set by a retransmission/keepalive timer callback (see tcp/timers.go);
	// both are no-ops on a Handler with no timer driver attached.
	retransmitPending     bool
	keepaliveProbePending bool
}

func (h *Handler) SetLoggers(handler, scb *slog.Logger) {
	h.logger.log = handler
	h.scb.logger.log = scb
}

// ConnectionID returns the connection identifier which is incremented every time the connection is closed or open.
func (h *Handler) ConnectionID() *uint64 {
	return &h.connid
}

// InternalControlBlock returns the internal [ControlBlock] instance, for
// callers that manage option negotiation or sequence state directly. Same
// caveats as [Conn.InternalHandler].
func (h *Handler) InternalControlBlock() *ControlBlock { return &h.scb }

// State returns the state of the TCP state machine as per RFC9293. See [State].
func (h *Handler) State() State { return h.scb.State() }

// SetBuffers sets the internal buffers used to receive and transmit bytes asynchronously via [Handler.Write] and [Handler.Read] calls.
// If the argument buffer is nil then the respective currently set buffer will be reused.
func (h *Handler) SetBuffers(txbuf, rxbuf []byte, packets int) error {
	if h.bufRx.Buf == nil && (len(rxbuf) < minBufferSize || len(txbuf) < minBufferSize) {
		return errors.New("tcp: short buffer")
	}
	if !h.scb.State().IsClosed() {
		return errors.New("tcp.Handler must be closed before setting buffers")
	}
	if rxbuf != nil {
		h.bufRx.Buf = rxbuf
	}
	h.scb.SetRecvWindow(Size(h.bufRx.Size()))
	h.bufRx.Reset()
	return h.bufTx.ResetOrReuse(txbuf, packets, 0)
}

// LocalPort returns the local port of the connection. Returns 0 if the connection is closed and uninitialized.
func (h *Handler) LocalPort() uint16 {
	return h.localPort
}

// RemotePort returns the remote port of the connection if it is set.
// If the connection is passive and has not yet been established it will return 0.
func (h *Handler) RemotePort() uint16 {
	return h.remotePort
}

// OpenActive opens an "active" TCP connection to a known remote port. The caller holds knowledge of the IP address.
// OpenActive is used by TCP Clients to initiate a connection.
func (h *Handler) OpenActive(localPort, remotePort uint16, iss Value) error {
	if remotePort == 0 {
		return errZeroDstPort
	} else if h.bufRx.Size() < minBufferSize || h.bufTx.Size() < minBufferSize {
		return errBufferTooSmall
	} else if h.scb.State() != StateClosed && h.scb.State() != StateTimeWait {
		return errNeedClosedTCBToOpen
	}
	// reset/Abort prepares a SCB for active connection by resetting state to closed.
	h.scb.reset()
	h.reset(localPort, remotePort, iss)
	h.scb.SetRecvWindow(Size(h.bufRx.Size()))
	return nil
}

// OpenListen prepares a passive TCP connection where the Handler acts as a server.
// OpenListen is used by TCP Servers to begin listening for remote connections.
func (h *Handler) OpenListen(localPort uint16, iss Value) error {
	if localPort == 0 {
		return errZeroSrcPort
	} else if h.bufRx.Size() < minBufferSize || h.bufTx.Size() < minBufferSize {
		return errBufferTooSmall
	}
	// Open will fail unless SCB in closed state.
	err := h.scb.Open(iss, Size(h.bufRx.Size()))
	if err != nil {
		return err
	}
	h.reset(localPort, 0, iss)
	return nil
}

// Abort forcibly terminates all state associated to current connection.
// After a call to abort no more data can be sent nor received over the connection.
func (h *Handler) Abort() {
	h.info("tcp.Handler.Abort")
	h.scb.Abort()
	h.reset(0, 0, 0)
}

func (h *Handler) reset(localPort, remotePort uint16, iss Value) {
	*h = Handler{
		connid:     h.connid + 1,
		scb:        h.scb,
		bufTx:      h.bufTx,
		bufRx:      h.bufRx,
		localPort:  localPort,
		remotePort: remotePort,
		logger:     h.logger,
		closing:    false,
	}
	h.bufTx.ResetOrReuse(nil, 0, iss)
	h.bufRx.Reset()
}

// Recv receives an incoming TCP packet frame with the first byte being the first octet of the TCP frame.
// The [Handler]'s internal state is updated if the packet is admitted successfully.
func (h *Handler) Recv(incomingPacket []byte) error {
	if h.IsTxOver() {
		return net.ErrClosed
	}
	tfrm, err := NewFrame(incomingPacket)
	if err != nil {
		return err
	}
	err = tfrm.ValidateSize()
	if err != nil {
		return err
	}

	remotePort := tfrm.SourcePort()
	if h.remotePort != 0 && remotePort != h.remotePort {
		return errMismatchedSrcPort
	}
	dstPort := tfrm.DestinationPort()
	if h.localPort != dstPort {
		return errMismatchedDstPort
	}
	payload := tfrm.Payload()
	if len(payload) > h.bufRx.Free() {
		return errors.New("rx buffer full")
	}
	segIncoming := tfrm.Segment(len(payload))
	h.lastAckOpts = AckOptions{} // Parsed options never outlive their segment.
	if opts := tfrm.Options(); len(opts) > 0 {
		if segIncoming.Flags.HasAny(FlagSYN) {
			rtt := h.scb.ParseSYNOptions(opts, segIncoming, h.pktTime)
			h.lastAckOpts = AckOptions{RTT: rtt}
		} else {
			res, perr := h.scb.ParseACKOptions(opts, segIncoming, h.pktTime)
			h.lastAckOpts = res
			if perr != nil {
				// PAWS failure: drop with a bare ACK left pending for the
				// next Send call. The connection itself is unaffected.
				return perr
			}
		}
	}
	if h.scb.IncomingIsKeepalive(segIncoming) {
		h.info("tcp.Handler:rx-keepalive", slog.Uint64("port", uint64(h.localPort)))
		return nil
	}
	prevState := h.scb.State()
	err = h.scb.Recv(segIncoming)
	if err != nil {
		if h.scb.State() == StateClosed {
			// Connection closed by reset.
		}
		return err
	}
	h.scb.KeepaliveAck() // Any accepted inbound segment counts as liveness.
	if segIncoming.Flags.HasAny(FlagACK) && h.bufTx.BufferedSent() > 0 {
		// Release acknowledged bytes from the retransmission buffer. An ACK
		// may also cover a SYN/FIN phantom octet that never occupied buffer
		// space; clamp to the last buffered byte before applying.
		ack := segIncoming.ACK
		if end, ok := h.bufTx.endSeq(); ok && end.LessThan(ack) {
			ack = end
		}
		if ackErr := h.bufTx.RecvACK(ack); ackErr != nil {
			h.logerr("tcp.Handler:rx-ack", slog.String("err", ackErr.Error()))
		}
	}
	if segIncoming.DATALEN != 0 && prevState == StateEstablished {
		h.dataSegSinceACK++
	}
	if h.scb.State() == StateClosed {
		// TCB aborted, likely because it received an ACK in LastAck state.
		// Clean up connection now unless read pending.
		return net.ErrClosed
	}
	if prevState != h.scb.State() {
		h.info("tcp.Handler:rx-statechange", slog.Uint64("port", uint64(h.localPort)), slog.String("old", prevState.String()), slog.String("new", h.scb.State().String()), slog.String("rxflags", segIncoming.Flags.String()))
	}
	if segIncoming.DATALEN != 0 {
		_, err = h.bufRx.Write(payload)
		if err != nil {
			return err
		}
	}
	if segIncoming.Flags.HasAny(FlagSYN) && h.remotePort == 0 {
		// Remote reached out and has given us their port, set it on our side.
		h.debug("tcp.Handler:rx-remoteport-set", slog.Uint64("port", uint64(h.localPort)), slog.Uint64("remoteport", uint64(remotePort)))
		h.remotePort = remotePort
	}
	if h.logenabled(internal.LevelTrace) {
		h.trace("tcp.Handler:rx-done", slog.Uint64("port", uint64(h.localPort)), slog.Uint64("remoteport", uint64(remotePort)), slog.String("seg", segIncoming.String()))
	}
	return nil
}

func (h *Handler) Close() error {
	h.trace("tcp.Handler.Close")
	if h.closing {
		return errConnectionClosing
	} else if h.State().IsClosed() {
		return net.ErrClosed
	}
	h.closing = true
	return nil
}

// Send writes TCP frame to be sent over the network to the remote peer to `b`.
// It does no IP interfacing or CRC calculation of packet, which is left to the caller to perform.
// The returned integer is the length written to the argument buffer.
func (h *Handler) Send(b []byte) (int, error) {
	h.trace("tcp.Handler:start", slog.Uint64("port", uint64(h.localPort)))
	if h.IsTxOver() {
		return 0, net.ErrClosed
	}
	if h.retransmitPending {
		n, seq, ok := h.encodeRetransmit(b)
		h.retransmitPending = false
		if ok {
			h.trace("tcp.Handler:retransmit", slog.Uint64("port", uint64(h.localPort)), slog.Uint64("seq", uint64(seq)), slog.Int("n", n))
			return n, nil
		}
		// Nothing left in flight (raced with an ACK); fall through.
	}
	if h.keepaliveProbePending {
		h.keepaliveProbePending = false
		n := h.encodeKeepalive(b)
		if n > 0 {
			h.trace("tcp.Handler:keepalive-probe", slog.Uint64("port", uint64(h.localPort)))
			return n, nil
		}
	}
	tfrm, err := NewFrame(b)
	if err != nil {
		return 0, err
	}
	buffered := h.bufTx.BufferedUnsent()
	if buffered == 0 && h.closing {
		// If Close called and no more data to be sent, terminate connection!
		h.closing = false
		err = h.scb.Close()
		if err != nil {
			h.logerr("tcp.Handler.Close", slog.String("err", errstr(err)), slog.String("state", h.State().String()))
			h.Abort()
			return 0, io.EOF
		}
	}
	offset := uint8(5)
	var segment Segment
	if h.AwaitingSynSend() {
		// Handling init syn segment.
		segment = ClientSynSegment(h.bufTx.iss, Size(h.bufRx.Size()))
		optn, err := h.scb.EncodeSYNOptions(b[sizeHeaderTCP:], len(b)-sizeHeaderTCP-20, h.pktTime)
		if err != nil {
			return 0, err
		}
		offset += uint8(optn / 4)
	} else {
		var ok bool
		available := min(buffered, len(b)-sizeHeaderTCP)
		segment, ok = h.scb.PendingSegment(available)
		if !ok {
			// No pending control segment or data to send. Yield.
			return 0, nil
		}
		if available > 0 {
			n, err := h.bufTx.MakePacket(b[sizeHeaderTCP:sizeHeaderTCP+segment.DATALEN], segment.SEQ)
			if err != nil {
				return 0, err
			} else if n != int(segment.DATALEN) {
				panic("expected n == available")
			}
		} else if segment.Flags == synack {
			optn, err := h.scb.EncodeSYNOptions(b[sizeHeaderTCP:], len(b)-sizeHeaderTCP-20, h.pktTime)
			if err != nil {
				return 0, err
			}
			offset += uint8(optn / 4)
		}
	}
	prevState := h.scb.State()
	err = h.scb.Send(segment)
	if err != nil {
		return 0, err
	} else if prevState != h.scb.State() && h.logenabled(slog.LevelInfo) {
		h.info("tcp.Handler:tx-statechange", slog.Uint64("port", uint64(h.localPort)), slog.String("oldState", prevState.String()), slog.String("newState", h.scb.State().String()), slog.String("txflags", segment.Flags.String()))
	}
	tfrm.SetSourcePort(h.localPort)
	tfrm.SetDestinationPort(h.remotePort)
	tfrm.SetSegment(segment, offset)
	tfrm.SetUrgentPtr(0)
	datalen := int(offset)*4 + int(segment.DATALEN)
	closedSuccess := prevState == StateTimeWait && segment.Flags.HasAny(FlagACK)
	if closedSuccess {
		h.reset(0, 0, 0)
	}
	return datalen, nil
}

// encodeRetransmit re-encodes the oldest sent-but-unacknowledged segment
// into b, reusing its original sequence number rather than SND.NXT (the
// bytes were already accounted for in the TCB's send sequence space when
// first sent, so this does not call [ControlBlock.Send]). ok is false if
// there is nothing in flight to retransmit, e.g. the data was acked in the
// race between the timer firing and this call.
func (h *Handler) encodeRetransmit(b []byte) (n int, seq Value, ok bool) {
	tfrm, err := NewFrame(b)
	if err != nil {
		return 0, 0, false
	}
	plen, seq, ok := h.bufTx.PeekOldestSent(b[sizeHeaderTCP:])
	if !ok || plen == 0 {
		return 0, 0, false
	}
	segment := Segment{
		SEQ:     seq,
		ACK:     h.scb.RecvNext(),
		Flags:   FlagACK,
		WND:     h.scb.RecvWindow(),
		DATALEN: Size(plen),
	}
	tfrm.SetSourcePort(h.localPort)
	tfrm.SetDestinationPort(h.remotePort)
	tfrm.SetSegment(segment, 5)
	tfrm.SetUrgentPtr(0)
	return 5*4 + plen, seq, true
}

// encodeKeepalive encodes a keepalive probe (an empty segment one byte
// behind SND.NXT, per RFC 9293's keepalive convention) into b. Returns 0 if
// the connection is no longer open enough to probe.
func (h *Handler) encodeKeepalive(b []byte) int {
	if h.scb.State() != StateEstablished {
		return 0
	}
	tfrm, err := NewFrame(b)
	if err != nil {
		return 0
	}
	segment := h.scb.MakeKeepalive()
	tfrm.SetSourcePort(h.localPort)
	tfrm.SetDestinationPort(h.remotePort)
	tfrm.SetSegment(segment, 5)
	tfrm.SetUrgentPtr(0)
	return 5 * 4
}

// MarkRetransmit requests that the next Send call retransmit the oldest
// unacked segment instead of sending whatever is otherwise pending. Called
// by a retransmission-timer callback.
func (h *Handler) MarkRetransmit() { h.retransmitPending = true }

// MarkKeepaliveProbe requests that the next Send call emit a keepalive
// probe instead of whatever is otherwise pending. Called by a
// keepalive-timer callback.
func (h *Handler) MarkKeepaliveProbe() { h.keepaliveProbePending = true }

// BufferedSent returns the number of bytes transmitted but not yet
// acknowledged (the data a retransmission timer is protecting).
func (h *Handler) BufferedSent() int { return h.bufTx.BufferedSent() }

// SetPacketTime supplies the ingress timestamp of the next packet handed to
// Recv, typically the annotation-plane timestamp stamped at the driver. A
// zero value makes timestamp-dependent option handling sample a clock on its
// own.
func (h *Handler) SetPacketTime(t time.Time) { h.pktTime = t }

// LastAckOptions returns the SACK blocks and RTT sample parsed from the most
// recently admitted segment. The retransmission queue consumes the blocks
// via [RtxQueue.MarkSACK]; the RTT sample belongs in the packet's RTT
// annotation slot.
func (h *Handler) LastAckOptions() AckOptions { return h.lastAckOpts }

// DelayedACKArmed reports whether exactly one data segment has arrived
// since the last delayed-ACK flush, the point at which the delayed-ACK
// timer should be armed rather than the ACK sent immediately.
func (h *Handler) DelayedACKArmed() bool { return h.dataSegSinceACK == 1 }

// DelayedACKShouldFlush reports whether a second data segment has arrived
// before the delayed-ACK timer fired, at which point the ACK is flushed
// immediately instead of waiting out the timer.
func (h *Handler) DelayedACKShouldFlush() bool { return h.dataSegSinceACK >= 2 }

// FlushDelayedACK releases any withheld bare ACK and resets the
// data-segment counter, whether called because the timer fired or because
// a second segment forced an early flush.
func (h *Handler) FlushDelayedACK() {
	h.dataSegSinceACK = 0
	h.scb.FlushDelayedACK()
}

// HoldDelayedACK marks the sole currently-pending ACK as held back, called
// once after the first data segment of a coalescing window arms the timer.
func (h *Handler) HoldDelayedACK() { h.scb.ArmDelayedACK() }

// ExpireTimeWait forces a TIME-WAIT connection to CLOSED once its 2*MSL
// quiescent period elapses without further traffic, the timer-driven
// counterpart to the ACK-triggered close already handled inline in Send.
func (h *Handler) ExpireTimeWait() {
	if h.scb.State() != StateTimeWait {
		return
	}
	h.scb.CloseTimeWait()
	h.reset(0, 0, 0)
}

// FreeTx returns the amount of space free in the transmit buffer. A call to [Handler.Write] with a larger buffer will fail.
func (h *Handler) FreeTx() int {
	return h.bufTx.Free()
}

// FreeRx returns the amount of space free in the receive buffer.
func (h *Handler) FreeRx() int {
	return h.bufRx.Free()
}

// SizeRx returns the size of the TCP receive ring buffer.
func (h *Handler) SizeRx() int {
	return h.bufRx.Size()
}

// Write implements [io.Writer] by copying b to a internal buffer to be sent over the network on the next
// [Handler.Send] call that can send data to remote peer. Use [Handler.FreeTx] to know the maximum length the argument slice can be before erroring.
func (h *Handler) Write(b []byte) (int, error) {
	state := h.State()
	if h.closing {
		return 0, errConnectionClosing
	} else if !state.TxDataOpen() { // Reject write call if data cannot be sent.
		return 0, net.ErrClosed
	}
	return h.bufTx.Write(b)
}

// Read implements [io.Reader] by reading received data from remote peer in internal buffer.
func (h *Handler) Read(b []byte) (n int, err error) {
	if h.bufRx.Buffered() > 0 {
		n, err = h.bufRx.Read(b)
	}
	if n == 0 && err == nil {
		state := h.State()
		if state.IsClosed() {
			err = net.ErrClosed
		} else if !state.RxDataOpen() {
			err = io.EOF
		}
	}
	return n, err
}

// BufferedInput returns amount of bytes buffered in receive(input) buffer and ready to read
// with a [Handler.Read] call.
func (h *Handler) BufferedInput() int {
	return h.bufRx.Buffered()
}

// BufferedUnsent returns the number of bytes in the socket's transmit(output) buffer
// that has yet to be sent.
func (h *Handler) BufferedUnsent() int {
	return h.bufTx.BufferedUnsent()
}

// AvailableOutput returns amount of bytes available to write to output
// before [Handler.Write] returns an error.
func (h *Handler) AvailableOutput() int {
	return h.bufTx.Free()
}

// AwaitingSynResponse returns true if the Handler is an active client opened with [Handler.OpenActive] and has already sent out the first SYN packet to the remote client.
func (h *Handler) AwaitingSynResponse() bool {
	return h.remotePort != 0 && h.scb.State() == StateSynSent
}

// AwaitingSynAck returns true if the Handler is a passive server opened with [Handler.OpenListen] and not yet received a valid SYN remote packet.
func (h *Handler) AwaitingSynAck() bool {
	return h.remotePort == 0 && h.scb.State() == StateListen
}

// AwaitingSynSend returns true if the Handler is an active client opened with [Handler.OpenActive] and not yet sent out the first SYN packet to the remote client.
func (h *Handler) AwaitingSynSend() bool {
	return h.remotePort != 0 && h.scb.State() == StateClosed
}

// IsTxOver returns true if there is no more frames to encapsulate over the network.
// The connection is pretty much over in this case if packets made it succesfully to remote.
func (h *Handler) IsTxOver() bool {
	state := h.State()
	return state == StateClosed && !h.AwaitingSynSend() ||
		state == StateTimeWait && !h.scb.HasPending()
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func errstr(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}
