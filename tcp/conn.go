package tcp

import (
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/flowstack/tcpcore/internal"
)

var (
	errDeadlineExceeded = os.ErrDeadlineExceeded
	errNoRemoteAddr     = errors.New("tcp: no remote address established")
	errInvalidIP        = errors.New("tcp: invalid IP")
)

// Conn builds on the [Handler] abstraction and adds IP header knowledge, time management, and familiar user facing API
// like Write and Read methods.
//
// Note that the complete emulation of [net.TCPConn] at this level of abstraction is yet a non-goal,
// even though the functionality provided is similar.
type Conn struct {
	mu         sync.Mutex
	h          Handler
	remoteAddr []byte

	rdead    time.Time
	wdead    time.Time
	abortErr error
	logger

	// timers drives retransmission/delayed-ACK/keepalive/TIME-WAIT for this
	// Conn, if one has been attached with SetTimers. nil is a valid,
	// fully-supported state: a Conn with no timers attached simply never
	// retransmits or probes on its own, matching this package's behavior
	// before timer support existed.
	timers *ConnTimers

	// onEvent delivers wake-up notifications to user-side code; nil means
	// nobody is waiting. Survives reset: registration outlives individual
	// connections the same way the logger does.
	onEvent EventFunc

	// eg is the connection's packet-plane egress: annotated packets staged
	// from the Handler's frames, MSS-segmented, and retained for
	// retransmission until acknowledged.
	eg egressPath
}

// reset must be called while holding [Conn.mu].
func (conn *Conn) reset(h Handler) {
	// Reset fields individually - DO NOT copy the mutex (undefined behavior in Go).
	// "A Mutex must not be copied after first use." - sync package docs.
	// Copying a locked mutex causes corruption on multi-core systems.
	conn.h = h
	conn.remoteAddr = conn.remoteAddr[:0]
	conn.rdead = time.Time{}
	conn.wdead = time.Time{}
	conn.abortErr = nil
	conn.eg.reset()
}

type ConnConfig struct {
	RxBuf             []byte
	TxBuf             []byte
	TxPacketQueueSize int
	Logger            *slog.Logger
}

// SetTimers attaches the per-connection timer driver used to schedule
// retransmission, delayed-ACK, keepalive and TIME-WAIT expiry against a
// [timingwheel.Wheel]. Pass nil to detach (the Conn falls back to never
// firing any of these on its own). Typically called once by whatever
// allocates the Conn (see [Pool]), not by application code.
func (conn *Conn) SetTimers(t *ConnTimers) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.timers = t
}

// SetEventFunc registers fn to receive wake-up events (established, closed,
// queue-drain, readable, error) for this connection. Pass nil to
// unregister. See [EventFunc] for the callback contract.
func (conn *Conn) SetEventFunc(fn EventFunc) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.onEvent = fn
}

func (conn *Conn) Configure(config ConnConfig) (err error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	err = conn.h.SetBuffers(config.TxBuf, config.RxBuf, config.TxPacketQueueSize)
	if err != nil {
		return err
	}
	conn.logger.log = config.Logger
	return nil
}

// LocalPort returns the local port on which the socket is listening or connected to.
func (conn *Conn) LocalPort() uint16 {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.h.LocalPort()
}

// RemotePort returns the port of the incoming remote connection. Is non-zero if connection is established.
func (conn *Conn) RemotePort() uint16 {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.h.RemotePort()
}

func (conn *Conn) RemoteAddr() []byte {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.remoteAddr
}

// State returns the TCP state of the socket.
func (conn *Conn) State() State {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.h.State()
}

// BufferedInput returns the number of bytes in the socket's receive(input) buffer
// and available to read via a [Conn.Read] call.
func (conn *Conn) BufferedInput() int {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.h.BufferedInput()
}

// BufferedUnsent returns the number of bytes in the socket's transmit(output) buffer
// that has yet to be sent.
func (conn *Conn) BufferedUnsent() int {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.h.BufferedUnsent()
}

func (conn *Conn) AvailableInput() int {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.h.FreeRx()
}

// AvailableOutput returns amount of bytes available to write to output
// before [Conn.Write] returns an error due to insufficient space to store outgoing data.
func (conn *Conn) AvailableOutput() int {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.h.AvailableOutput()
}

// OpenActive opens a connection to a remote peer with a known IP address and port combination.
// iss is the initial send sequence number which is ideally a random number which is far away from the last sequence number used on a connection to the same host.
func (conn *Conn) OpenActive(localPort uint16, remote netip.AddrPort, iss Value) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if !remote.IsValid() {
		return errInvalidIP
	}
	rport := remote.Port()
	err := conn.h.OpenActive(localPort, rport, iss)
	if err != nil {
		return err
	}
	conn.reset(conn.h)
	raddr := remote.Addr()
	if raddr.Is4() {
		addr4 := raddr.As4()
		conn.remoteAddr = append(conn.remoteAddr[:0], addr4[:]...)
	} else if raddr.Is6() {
		addr6 := raddr.As16()
		conn.remoteAddr = append(conn.remoteAddr[:0], addr6[:]...)
	}
	conn.debug("conn:dial", slog.Uint64("lport", uint64(localPort)), slog.Uint64("rport", uint64(rport)))
	return nil
}

// OpenListen opens a passive connection which listens for the first SYN packet to be received on a local port.
// iss is the initial send sequence number which is usually a randomly chosen number.
func (conn *Conn) OpenListen(localPort uint16, iss Value) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	err := conn.h.OpenListen(localPort, iss)
	if err != nil {
		return err
	}
	conn.reset(conn.h)
	conn.debug("conn:listen", slog.Uint64("lport", uint64(localPort)))
	return nil
}

func (conn *Conn) Close() error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.trace("TCPConn.Close", slog.Uint64("lport", uint64(conn.h.localPort)), slog.Uint64("rport", uint64(conn.h.remotePort)))
	return conn.h.Close()
}

// Abort terminates all state of the connection forcibly.
func (conn *Conn) Abort() {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.trace("TCPConn.Abort", slog.Uint64("lport", uint64(conn.h.localPort)), slog.Uint64("rport", uint64(conn.h.remotePort)))
	conn.h.Abort()
	conn.reset(conn.h)
	if conn.timers != nil {
		conn.timers.CancelAll()
	}
}

// abortWithError tears the connection down like Abort but latches err as
// the cause visible to subsequent Read/Write calls and delivers an ERROR
// wake-up. Used by the retransmission and keepalive exhaustion paths.
func (conn *Conn) abortWithError(err error) {
	conn.mu.Lock()
	conn.trace("TCPConn.abortWithError", slog.Uint64("lport", uint64(conn.h.localPort)), slog.String("err", errstr(err)))
	conn.h.Abort()
	conn.reset(conn.h)
	conn.abortErr = err
	if conn.timers != nil {
		conn.timers.CancelAll()
	}
	cb := conn.onEvent
	conn.mu.Unlock()
	if cb != nil {
		cb(EventError, err)
	}
}

// InternalHandler returns the internal [Handler] instance. The Handler contains lower level implementation logic for a TCP connection.
// Typical users should not be using this method unless implementing a stack which manages several TCP connections and thus need
// access to low level internals for careful memory management.
func (conn *Conn) InternalHandler() *Handler {
	return &conn.h
}

// Write writes argument data to the TCPConns's output buffer which is queued to be sent.
func (conn *Conn) Write(b []byte) (int, error) {
	connid, err := conn.lockPipeConnID()
	if err != nil {
		return 0, err
	}
	rport := conn.RemotePort()
	plen := len(b)
	lport := conn.LocalPort()
	conn.trace("TCPConn.Write:start", slog.Uint64("lport", uint64(lport)), slog.Uint64("rport", uint64(rport)))
	if conn.deadlineExceeded(&conn.wdead) {
		return 0, errDeadlineExceeded
	} else if plen == 0 {
		return 0, nil
	}
	backoff := internal.NewBackoff(internal.BackoffTCPConn)
	n := 0
	for {
		if err := conn.checkPipe(connid, &conn.wdead); err != nil {
			return 0, err
		}
		conn.mu.Lock()
		var ngot int
		ngot, err = conn.h.Write(b)
		conn.mu.Unlock()
		n += ngot
		b = b[ngot:]
		if (err != nil && err != internal.ErrRingBufferFull) || n == plen {
			break
		} else if ngot > 0 {
			backoff.Hit()
			runtime.Gosched() // Do a little yield since we won't have data for sure otherwise.
		} else {
			backoff.Miss()
		}
		conn.trace("TCPConn.Write:insuf-buf", slog.Int("missing", plen-n), slog.Uint64("lport", uint64(lport)), slog.Uint64("rport", uint64(rport)))
		if conn.deadlineExceeded(&conn.wdead) {
			return n, errDeadlineExceeded
		}
	}
	return n, err
}

func (conn *Conn) Flush() error {
	connid, err := conn.lockPipeConnID()
	if err != nil {
		return err
	}
	if conn.deadlineExceeded(&conn.wdead) {
		return errDeadlineExceeded
	} else if conn.BufferedUnsent() == 0 {
		return nil
	}
	backoff := internal.NewBackoff(internal.BackoffTCPConn)
	for conn.BufferedUnsent() != 0 {
		if err := conn.checkPipe(connid, &conn.wdead); err != nil {
			return err
		}
		backoff.Miss()
	}
	return nil
}

// Read reads data from the socket's input buffer. If the buffer is empty,
// Read will block until data is available or connection closes.
// Returns io.EOF when the remote has closed the connection and all buffered data has been read.
func (conn *Conn) Read(b []byte) (int, error) {
	connid, err := conn.lockPipeConnID()
	if err != nil {
		if conn.BufferedInput() > 0 {
			return conn.handlerRead(b) // Ensure remaining buffered data is read.
		}
		return 0, err
	}
	lport := conn.LocalPort()
	rport := conn.RemotePort()
	conn.trace("TCPConn.Read:start", slog.Uint64("lport", uint64(lport)), slog.Uint64("rport", uint64(rport)))
	backoff := internal.NewBackoff(internal.BackoffTCPConn)
	for conn.BufferedInput() == 0 {
		state := conn.State()
		if !state.RxDataOpen() {
			// No use waiting for data, jump to read and return corresponding error from there.
			break
		} else if err := conn.checkPipe(connid, &conn.rdead); err != nil {
			if conn.BufferedInput() > 0 {
				return conn.handlerRead(b) // Ensure remaining buffered data is read.
			}
			return 0, err
		}
		backoff.Miss()
	}
	return conn.handlerRead(b)
}

func (conn *Conn) handlerRead(b []byte) (int, error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.h.Read(b)
}

func (conn *Conn) lockPipeConnID() (uint64, error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	err := conn.checkPipeOpen()
	if err != nil {
		return 0, err
	}
	return conn.h.connid, nil
}

func (conn *Conn) checkPipe(connID uint64, deadline *time.Time) (err error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.abortErr != nil {
		err = conn.abortErr
	} else if connID != conn.h.connid {
		err = net.ErrClosed
	} else if !deadline.IsZero() && time.Since(*deadline) > 0 {
		err = errDeadlineExceeded
	}
	return err
}

func (conn *Conn) checkPipeOpen() error {
	if conn.abortErr != nil {
		return conn.abortErr
	}
	state := conn.h.State()
	if state.IsClosed() {
		return net.ErrClosed
	}
	return nil
}

// RecvSegment admits a raw TCP segment (header plus payload, no lower-layer
// framing) arriving from remote addr into the connection. Callers downstream
// of the packet pipeline's demultiplexing stage pass the already-addressed
// segment here; this package does not parse or validate any carrier header.
func (conn *Conn) RecvSegment(addr netip.Addr, segment []byte) (err error) {
	conn.mu.Lock()
	cb := conn.onEvent
	prevState := conn.h.State()
	prevBuffered := conn.h.BufferedInput()
	err = conn.recvSegmentLocked(addr, segment)
	newState := conn.h.State()
	connErr := conn.h.scb.Err()
	buffered := conn.h.BufferedInput()
	conn.mu.Unlock()
	if cb != nil {
		if prevState != StateEstablished && newState == StateEstablished {
			cb(EventConnEstablished, nil)
		}
		if prevBuffered == 0 && buffered > 0 {
			cb(EventRxqNonEmpty, nil)
		}
		if newState == StateClosed && prevState != StateClosed {
			if connErr != nil {
				cb(EventError, connErr)
			} else {
				cb(EventConnClosed, nil)
			}
		}
	}
	return err
}

// recvSegmentLocked is RecvSegment's body; conn.mu must be held.
func (conn *Conn) recvSegmentLocked(addr netip.Addr, segment []byte) (err error) {
	raddr := addr.AsSlice()
	if conn.isRaddrSet() && !addrEqual(conn.remoteAddr, raddr) {
		return errors.New("tcp: remote address mismatch on Conn")
	}
	conn.trace("tcpconn.RecvSegment", slog.Uint64("lport", uint64(conn.h.LocalPort())), slog.Uint64("rport", uint64(conn.h.remotePort)))
	var preSent int
	if conn.timers != nil {
		preSent = conn.h.BufferedSent()
	}
	conn.h.SetPacketTime(internal.Now())
	err = conn.h.Recv(segment)
	if err == nil || errors.Is(err, errDropSegment) {
		// Packet-plane ACK processing: SACK-mark and release retained
		// segments against the parsed options and cumulative ACK. Runs for
		// dropped duplicate ACKs too, since SACK blocks typically ride dup
		// ACKs; the acks-unsent guard keeps a bogus ACK from flushing the
		// queue.
		if frm, ferr := NewFrame(segment); ferr == nil {
			if _, flags := frm.OffsetAndFlags(); flags.HasAny(FlagACK) && frm.Ack().LessThanEq(conn.h.scb.snd.NXT) {
				conn.eg.onACK(frm.Ack(), conn.h.LastAckOptions())
			}
		}
	}
	if err != nil {
		if conn.h.State().IsClosed() {
			// Reset or final ACK tore the connection down mid-admission.
			conn.eg.reset()
			if conn.timers != nil {
				conn.timers.CancelAll()
			}
		}
		return err
	}
	if !conn.isRaddrSet() && conn.h.RemotePort() != 0 {
		conn.remoteAddr = append(conn.remoteAddr[:0], raddr...)
	}
	if conn.h.State().IsClosed() {
		conn.eg.reset()
	}
	if conn.timers != nil {
		conn.afterRecvLocked(preSent)
	}
	return nil
}

// afterRecvLocked reschedules this Conn's timers in response to a segment
// just admitted by RecvSegment. Must be called with conn.mu held and
// conn.timers non-nil.
func (conn *Conn) afterRecvLocked(preSent int) {
	now := conn.timers.now()
	postSent := conn.h.BufferedSent()
	if postSent == 0 && conn.eg.rtxq.Len() == 0 {
		conn.timers.CancelRTX()
	} else if postSent < preSent {
		// snd_una advanced: restart the clock for the data still in flight.
		conn.timers.RearmRTX(now)
	}
	state := conn.h.State()
	switch {
	case state == StateEstablished:
		conn.timers.ArmKeepalive(now)
		if conn.h.DelayedACKShouldFlush() {
			conn.h.FlushDelayedACK()
			conn.timers.CancelDelayedACK()
		} else if conn.h.DelayedACKArmed() {
			conn.h.HoldDelayedACK()
			conn.timers.ArmDelayedACK(now)
		}
	case state == StateTimeWait:
		conn.timers.ArmTimeWait(now)
	case state.IsClosed():
		conn.timers.CancelAll()
	}
}

// SendSegment encodes the next pending outgoing TCP segment, if any, into
// buf and returns its length. A length of zero with a nil error means there
// is nothing to send right now. The caller is responsible for prefixing
// whatever carrier framing its transport needs ahead of buf.
func (conn *Conn) SendSegment(buf []byte) (n int, err error) {
	conn.mu.Lock()
	cb := conn.onEvent
	prevUnsent := conn.h.BufferedUnsent()
	txSize := conn.h.bufTx.Size()
	n, err = conn.sendSegmentLocked(buf)
	unsent := conn.h.BufferedUnsent()
	conn.mu.Unlock()
	if cb != nil && n > 0 && unsent < prevUnsent {
		// Drain thresholds per the transmit-queue wake-up rules: a full
		// drain always fires; the half-drain fires only on crossing below
		// half of the transmit buffer.
		if unsent == 0 {
			cb(EventTxqEmpty, nil)
		}
		if txSize > 0 && prevUnsent*2 >= txSize && unsent*2 < txSize {
			cb(EventTxqHalfEmpty, nil)
		}
	}
	return n, err
}

// sendSegmentLocked is SendSegment's body; conn.mu must be held. It drains
// the packet-plane outbound queue, staging a fresh frame from the Handler
// when the queue is empty, so a frame larger than the negotiated MSS
// surfaces as successive MSS-sized segments across calls.
func (conn *Conn) sendSegmentLocked(buf []byte) (n int, err error) {
	if len(conn.remoteAddr) == 0 {
		return 0, errNoRemoteAddr
	}
	if err = conn.stageLocked(len(buf)); err != nil {
		return 0, err
	}
	pkt := conn.eg.outq.Front()
	if pkt == nil {
		return 0, nil
	}
	if pkt.Len() > len(buf) {
		return 0, errBufferTooSmall
	}
	conn.eg.outq.PopFront()
	n = copy(buf, pkt.Data())
	if pktPayloadLen(pkt) > 0 {
		conn.eg.retain(pkt)
	}
	conn.trace("TCPConn.SendSegment", slog.Uint64("lport", uint64(conn.h.LocalPort())), slog.Uint64("rport", uint64(conn.h.remotePort)))
	if conn.timers != nil {
		now := conn.timers.now()
		if conn.h.BufferedSent() > 0 {
			conn.timers.ArmRTX(now)
		}
		switch state := conn.h.State(); {
		case state == StateTimeWait:
			conn.timers.ArmTimeWait(now)
		case state.IsClosed():
			conn.timers.CancelAll()
		}
	}
	if conn.h.State().IsClosed() {
		conn.eg.reset()
	}
	return n, nil
}

func addrEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (conn *Conn) isRaddrSet() bool {
	return len(conn.remoteAddr) != 0
}

// SetDeadline sets the read and write deadlines associated
// with the connection. It is equivalent to calling both
// SetReadDeadline and SetWriteDeadline. Implements [net.Conn].
func (conn *Conn) SetDeadline(t time.Time) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	err := conn.setReadDeadline(t)
	if err != nil {
		return err
	}
	return conn.setWriteDeadline(t)
}

// SetReadDeadline sets the deadline for future Read calls
// and any currently-blocked Read call. A zero value for t means Read will not time out.
func (conn *Conn) SetReadDeadline(t time.Time) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.setReadDeadline(t)
}

func (conn *Conn) setReadDeadline(t time.Time) error {
	conn.trace("TCPConn.setReadDeadline:start")
	err := conn.checkPipeOpen()
	if err == nil {
		conn.rdead = t
	}
	return err
}

// SetWriteDeadline sets the deadline for future Write calls
// and any currently-blocked Write call.
// Even if write times out, it may return n > 0, indicating that
// some of the data was successfully written.
// A zero value for t means Write will not time out.
func (conn *Conn) SetWriteDeadline(t time.Time) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.setWriteDeadline(t)
}

func (conn *Conn) setWriteDeadline(t time.Time) error {
	conn.trace("TCPConn.SetWriteDeadline:start")
	err := conn.checkPipeOpen()
	if err == nil {
		conn.wdead = t
	}
	return err
}

func (conn *Conn) deadlineExceeded(deadline *time.Time) bool {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return !deadline.IsZero() && time.Since(*deadline) > 0
}

func (conn *Conn) ConnectionID() *uint64 {
	return conn.h.ConnectionID()
}
