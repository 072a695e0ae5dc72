package tcp

import (
	"bytes"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/flowstack/tcpcore/internal"
)

// errPacketDrop signals that an inbound segment does not belong to this
// listener and should be silently discarded rather than treated as an error
// worth logging up the pipeline.
var errPacketDrop = errors.New("tcp: packet drop")

// pool is a [sync.Pool] like
type pool interface {
	GetTCP() (*Conn, Value)
	PutTCP(*Conn)
}

type Listener struct {
	connID uint64
	mu     sync.Mutex
	// incoming stores connections that are potential candidates for acceptance.
	incoming []*Conn
	// accepted stores all connections that have been accepted and are open.
	accepted   []*Conn
	port       uint16
	poolGet    func() (*Conn, Value)
	poolReturn func(*Conn)
	// rsts holds stateless reset responses for stray segments addressed to
	// this listener's port that no tracked connection owns. Drained with
	// PollRST.
	rsts RSTQueue
	logger
}

func (listener *Listener) reset(port uint16, tcppool pool) {
	listener.accepted = listener.accepted[:0]
	listener.incoming = listener.incoming[:0]
	listener.connID++
	listener.port = port
	listener.poolGet = tcppool.GetTCP
	listener.poolReturn = tcppool.PutTCP
	listener.rsts = RSTQueue{}
}

func (listener *Listener) SetLogger(logger *slog.Logger) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	listener.logger.log = logger
}

// LocalPort implements [StackNode].
func (listener *Listener) LocalPort() uint16 {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	return listener.port
}

// ConnectionID implements [StackNode].
func (listener *Listener) ConnectionID() *uint64 { return &listener.connID }

func (listener *Listener) Close() error {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.isClosed() {
		return errors.New("already closed")
	}
	listener.debug("listener:reset", slog.Uint64("port", uint64(listener.port)))
	listener.connID++
	listener.port = 0
	return nil
}

func (listener *Listener) Reset(port uint16, pool pool) error {
	if port == 0 {
		return errZeroDstPort
	} else if pool == nil {
		return errors.New("nil TCP pool")
	}
	listener.mu.Lock()
	defer listener.mu.Unlock()
	listener.debug("listener:reset", slog.Uint64("port", uint64(port)))
	listener.reset(port, pool)
	return nil
}

func (listener *Listener) NumberOfReadyToAccept() (nready int) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.isClosed() {
		return 0
	}
	for _, conn := range listener.incoming {
		if conn == nil || conn.State() != StateEstablished {
			continue
		}
		nready++
	}
	return nready
}

// TryAccept polls the list of ready connections that have been established
func (listener *Listener) TryAccept() (*Conn, error) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.isClosed() {
		return nil, net.ErrClosed
	}
	listener.debug("listener:tryaccept", slog.Uint64("port", uint64(listener.port)))
	listener.maintainConns()
	for i, conn := range listener.incoming {
		if conn == nil || conn.State() != StateEstablished {
			continue
		}
		listener.accepted = append(listener.accepted, conn)
		listener.incoming[i] = nil // discard from ready.
		return conn, nil
	}
	return nil, errors.New("no conns available")
}

// PollOutgoing encodes the next pending outgoing segment belonging to any
// connection owned by this listener into buf, trying connections still
// mid-handshake before fully established ones (so a SYN-ACK is never stuck
// behind a backlog of established-connection data).
func (listener *Listener) PollOutgoing(buf []byte) (int, error) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.isClosed() {
		return 0, net.ErrClosed
	}
	for i, conn := range listener.incoming {
		if conn == nil || conn.State() == StateEstablished {
			continue
		}
		n, err := conn.SendSegment(buf)
		if err != nil {
			err = listener.maintainConn(listener.incoming, i, err)
		}
		if n == 0 {
			continue
		}
		listener.debug("listener:send", slog.Uint64("port", uint64(listener.port)), slog.Int("plen", n), slog.String("list", "incoming"))
		return n, err
	}
	for i, conn := range listener.accepted {
		if conn == nil {
			continue
		}
		n, err := conn.SendSegment(buf)
		if err != nil {
			err = listener.maintainConn(listener.accepted, i, err)
		}
		if n == 0 {
			continue
		}
		listener.debug("listener:send", slog.Uint64("port", uint64(listener.port)), slog.Int("plen", n), slog.String("list", "accepted"))
		return n, err
	}
	return 0, nil
}

// PollRST encodes one pending stateless reset into buf, returning its
// length and the remote endpoint the carrier must address it to. n is zero
// when nothing is pending. Meant to be called alongside PollOutgoing.
func (listener *Listener) PollRST(buf []byte) (n int, remote netip.AddrPort, err error) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.isClosed() {
		return 0, netip.AddrPort{}, net.ErrClosed
	}
	return listener.rsts.Drain(buf)
}

// Accept admits an inbound TCP segment from remoteAddr addressed to this
// listener's port. If it belongs to an already-tracked connection it is
// routed there; if it is a SYN for an unseen peer, a connection is drawn
// from the pool and added to the incoming backlog; anything else is
// dropped, which is not itself an error worth propagating.
func (listener *Listener) Accept(remoteAddr netip.Addr, segment []byte) error {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.isClosed() {
		return net.ErrClosed
	}
	tfrm, err := NewFrame(segment)
	if err != nil {
		return err
	}
	dst := tfrm.DestinationPort()
	if dst != listener.port {
		return errors.New("not our port")
	}
	src := tfrm.SourcePort()
	raddr := remoteAddr.AsSlice()

	accepted := true
	demuxed, err := listener.tryDemux(listener.accepted, src, raddr, remoteAddr, segment)
	if !demuxed {
		accepted = false
		demuxed, err = listener.tryDemux(listener.incoming, src, raddr, remoteAddr, segment)
	}
	if demuxed {
		listener.debug("tcplistener:accept", slog.Uint64("lport", uint64(listener.port)), slog.Uint64("rport", uint64(src)), slog.Bool("accepted", accepted))
		return err
	}

	// Connection not in ready nor accepted.
	_, flags := tfrm.OffsetAndFlags()
	if flags != FlagSYN {
		// Stray segment for a flow nobody owns: answer with a stateless
		// reset so the peer tears its half-open state down, then drop.
		if tfrm.ValidateSize() == nil {
			seg := tfrm.Segment(len(tfrm.Payload()))
			listener.rsts.QueueResponse(netip.AddrPortFrom(remoteAddr, src), dst, seg)
			listener.debug("tcplistener:rst-queued", slog.Uint64("lport", uint64(dst)), slog.Uint64("rport", uint64(src)))
		}
		return errPacketDrop // Not a synchronizing packet, drop it.
	}
	conn, iss := listener.poolGet()
	if conn == nil {
		slog.Error("tcpListener:no-free-conn")
		return errPacketDrop
	}
	err = conn.OpenListen(dst, iss)
	if err != nil {
		listener.poolReturn(conn)
		slog.Error("Listener:open", slog.String("err", err.Error()))
		return err // This should not happend
	}
	err = conn.RecvSegment(remoteAddr, segment)
	if err != nil {
		listener.poolReturn(conn)
		slog.Error("Listener:accept", slog.String("err", err.Error()))
		return errPacketDrop
	}
	listener.incoming = append(listener.incoming, conn)
	listener.debug("tcplistener:accept-new", slog.Uint64("lport", uint64(listener.port)), slog.Uint64("rport", uint64(src)))
	return nil
}

func (listener *Listener) tryDemux(conns []*Conn, remotePort uint16, remoteAddr []byte, addr netip.Addr, segment []byte) (demuxed bool, err error) {
	idx := getConn(conns, remotePort, remoteAddr)
	if idx >= 0 {
		err := conns[idx].RecvSegment(addr, segment)
		if err != nil {
			err = listener.maintainConn(conns, idx, err)
		}
		return true, err
	}
	return false, nil
}

func (listener *Listener) isClosed() bool {
	return listener.port == 0
}

func (listener *Listener) maintainConns() {
	listener.accepted = internal.DeleteZeroed(listener.accepted)
	for i := range listener.incoming {
		if listener.incoming[i] == nil {
			continue
		}
		state := listener.incoming[i].State()
		if state > StateEstablished || state.IsClosed() {
			// Something went wrong in handshake or pool aborted/closed the connection.
			listener.poolReturn(listener.incoming[i])
			listener.incoming[i] = nil
		}
	}
	listener.incoming = internal.DeleteZeroed(listener.incoming)
}

func getConn(conns []*Conn, remotePort uint16, remoteAddr []byte) int {
	for i, conn := range conns {
		if conn == nil {
			continue
		}
		gotPort := conn.RemotePort()
		gotaddr := conn.RemoteAddr()
		if remotePort == gotPort && bytes.Equal(remoteAddr, gotaddr) {
			return i
		}
	}
	return -1
}

func (listener *Listener) maintainConn(conns []*Conn, idx int, err error) error {
	if err == net.ErrClosed {
		listener.poolReturn(conns[idx])
		conns[idx] = nil
		return nil // avoid closing listener entirely.
	}
	return err
}
