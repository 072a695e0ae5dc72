package tcp

import (
	"errors"
	"log/slog"
	"net/netip"

	"github.com/flowstack/tcpcore/internal"
	"github.com/flowstack/tcpcore/porttable"
)

var errNoFreeConn = errors.New("tcp: dialer has no free connection slots")

// Dialer performs active opens on behalf of a single local address, claiming
// an ephemeral port from a [porttable.Table] for each dial and releasing it
// when the resulting [Conn] is handed back via Release. It is the active-open
// counterpart to [Listener]/[Pool], which only ever accept on one already-
// bound port and never need per-connection port allocation. The port
// bookkeeping lives in the generic port table, which only the dial side
// consults; the accept side does not check it.
type Dialer struct {
	addr  netip.Addr
	ports *porttable.Table[*Conn]
	pool  *Pool
	isn   *ISNGenerator
	start uint16
	caps  *SocketCaps
	user  string
	logger
}

// SetCaps attaches socket-count limits charged to user on every successful
// Dial and returned on Release. Nil detaches.
func (d *Dialer) SetCaps(caps *SocketCaps, user string) {
	d.caps = caps
	d.user = user
}

// NewDialer constructs a Dialer for addr, drawing Conn slots from pool and
// ephemeral ports from ports. ports must already have addr registered via
// [porttable.Table.Add].
func NewDialer(addr netip.Addr, ports *porttable.Table[*Conn], pool *Pool, isn *ISNGenerator) *Dialer {
	return &Dialer{
		addr:  addr,
		ports: ports,
		pool:  pool,
		isn:   isn,
		start: 49152, // IANA ephemeral range lower bound.
	}
}

// Dial claims an ephemeral local port, acquires a Conn from the pool and
// opens it actively towards remote. On any failure the claimed port, if any,
// is released before returning.
func (d *Dialer) Dial(remote netip.AddrPort) (*Conn, error) {
	if !remote.IsValid() {
		return nil, errInvalidIP
	}
	if d.caps != nil {
		if err := d.caps.Acquire(d.user); err != nil {
			return nil, err
		}
	}
	conn, _ := d.pool.GetTCP()
	if conn == nil {
		d.releaseCaps()
		return nil, errNoFreeConn
	}
	port, err := d.ports.Ephemeral(d.addr, d.start, conn)
	if err != nil {
		d.pool.PutTCP(conn)
		d.releaseCaps()
		return nil, err
	}
	local := netip.AddrPortFrom(d.addr, port)
	iss := d.isn.ISN(local, remote, internal.Now())
	if err := conn.OpenActive(port, remote, iss); err != nil {
		d.ports.Put(d.addr, port)
		d.pool.PutTCP(conn)
		d.releaseCaps()
		return nil, err
	}
	conn.InternalHandler().InternalControlBlock().SetTSOffset(d.isn.TSOffset(local, remote))
	d.trace("dialer:dial", slog.String("local", local.String()), slog.String("remote", remote.String()))
	return conn, nil
}

// Release returns conn to the pool and frees its local port slot. Callers
// must call Release exactly once per successful Dial, after the connection
// reaches CLOSED.
func (d *Dialer) Release(conn *Conn) {
	port := conn.LocalPort()
	d.pool.PutTCP(conn)
	d.ports.Put(d.addr, port)
	d.releaseCaps()
}

func (d *Dialer) releaseCaps() {
	if d.caps != nil {
		d.caps.Release(d.user)
	}
}
