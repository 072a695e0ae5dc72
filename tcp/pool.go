package tcp

import (
	"log/slog"
	"time"

	"github.com/flowstack/tcpcore/internal"
	"github.com/flowstack/tcpcore/timingwheel"
	"github.com/rs/xid"
	"golang.org/x/time/rate"
)

// Pool is a fixed-size, pre-allocated set of [Conn] values handed out to
// a [Listener] (it implements the unexported pool interface listener.go
// expects) or dialed directly for outbound connections. Every Conn's
// buffers are carved out of one contiguous allocation at construction, so
// accepting or dialing a connection never allocates on the hot path.
//
// Each acquisition is stamped with an xid for cross-worker log
// correlation, sequence numbers come from an [ISNGenerator], and a rate
// limiter bounds how often CheckTimeouts actually scans the pool when
// called from a tight driver loop.
type Pool struct {
	conns      []Conn
	acquiredAt []time.Time
	closingAt  []time.Time
	abortedAt  []time.Time
	debugID    []xid.ID
	acquired   int

	isn            *ISNGenerator
	nowFn          func() time.Time
	estbTimeout    time.Duration
	closingTimeout time.Duration
	maintenance    *rate.Limiter
	metrics        PoolMetrics
	logger

	// timers holds one ConnTimers per slot, parallel to conns, when the
	// pool was configured with a Wheel. nil (every entry, or the slice
	// itself) when no Wheel was supplied: pooled Conns then run with no
	// timer driver attached, same as before timer support existed.
	timers []*ConnTimers
}

// PoolConfig configures a [Pool].
type PoolConfig struct {
	// Count is the number of Conn slots preallocated by the pool.
	Count int
	// TxBufSize and RxBufSize size each Conn's send/receive ring buffers.
	TxBufSize, RxBufSize int
	// QueueSize bounds the number of in-flight retransmission-queue packets
	// per Conn.
	QueueSize int
	// EstablishedTimeout bounds how long a Conn may sit mid-handshake
	// before CheckTimeouts closes it (SYN-flood style defense).
	EstablishedTimeout time.Duration
	// ClosingTimeout bounds how long a Conn may sit closing before
	// CheckTimeouts aborts it outright.
	ClosingTimeout time.Duration
	// MaintenanceRate bounds how often CheckTimeouts actually walks the
	// pool; calls between ticks are free no-ops. Zero disables throttling.
	MaintenanceRate rate.Limit
	// ISN supplies initial sequence numbers; a fresh [NewISNGenerator] is
	// used if nil.
	ISN *ISNGenerator
	// Now overrides the pool's time source; defaults to time.Now.
	Now func() time.Time
	// Logger receives pool-level events (acquire/release/timeout).
	Logger *slog.Logger
	// ConnLogger is attached to every pooled Conn.
	ConnLogger *slog.Logger
	// Wheel, if set, drives retransmission/delayed-ACK/keepalive/TIME-WAIT
	// for every pooled Conn. One ConnTimers is built per slot up front and
	// stays bound to that slot for the pool's lifetime, surviving
	// GetTCP/PutTCP cycles across different connections. Nil leaves every
	// Conn without a timer driver, matching this package's pre-timer
	// behavior.
	Wheel *timingwheel.Wheel
}

// NewPool preallocates Count connections, each configured with its own
// TxBufSize/RxBufSize ring buffers.
func NewPool(cfg PoolConfig) (*Pool, error) {
	isn := cfg.ISN
	if isn == nil {
		var err error
		isn, err = NewISNGenerator()
		if err != nil {
			return nil, err
		}
	}
	estbTimeout := cfg.EstablishedTimeout
	if estbTimeout <= 0 {
		estbTimeout = 30 * time.Second
	}
	closingTimeout := cfg.ClosingTimeout
	if closingTimeout <= 0 {
		closingTimeout = 60 * time.Second
	}
	p := &Pool{
		conns:          make([]Conn, cfg.Count),
		acquiredAt:     make([]time.Time, cfg.Count),
		closingAt:      make([]time.Time, cfg.Count),
		abortedAt:      make([]time.Time, cfg.Count),
		debugID:        make([]xid.ID, cfg.Count),
		isn:            isn,
		nowFn:          cfg.Now,
		estbTimeout:    estbTimeout,
		closingTimeout: closingTimeout,
		logger:         logger{log: cfg.Logger},
	}
	if cfg.MaintenanceRate > 0 {
		p.maintenance = rate.NewLimiter(cfg.MaintenanceRate, 1)
	}
	allocPerConn := cfg.TxBufSize + cfg.RxBufSize
	space := make([]byte, cfg.Count*allocPerConn)
	for i := range p.conns {
		off := i * allocPerConn
		txOff := off + cfg.RxBufSize
		err := p.conns[i].Configure(ConnConfig{
			RxBuf:             space[off:txOff],
			TxBuf:             space[txOff : txOff+cfg.TxBufSize],
			TxPacketQueueSize: cfg.QueueSize,
			Logger:            cfg.ConnLogger,
		})
		if err != nil {
			return nil, err
		}
		if cfg.Wheel != nil {
			if p.timers == nil {
				p.timers = make([]*ConnTimers, cfg.Count)
			}
			p.timers[i] = NewConnTimers(cfg.Wheel, &p.conns[i])
			p.conns[i].SetTimers(p.timers[i])
		}
	}
	return p, nil
}

// SetMetrics attaches m to p, replacing any previously attached metrics.
func (p *Pool) SetMetrics(m PoolMetrics) { p.metrics = m }

// Acquired returns the number of Conn slots currently checked out.
func (p *Pool) Acquired() int { return p.acquired }

// Capacity returns the total number of Conn slots this pool manages.
func (p *Pool) Capacity() int { return len(p.conns) }

// GetTCP claims a free Conn slot and an initial sequence number for it,
// implementing the pool interface a [Listener] is bound to. It returns
// (nil, 0) if every slot is occupied, which the caller (typically
// [Listener.Accept]) surfaces as a dropped SYN rather than an error: a full
// pool under load behaves like a system momentarily out of sockets.
func (p *Pool) GetTCP() (*Conn, Value) {
	for i := range p.conns {
		if p.acquiredAt[i].IsZero() {
			now := p.now()
			p.acquiredAt[i] = now
			p.debugID[i] = xid.New()
			p.acquired++
			p.metrics.observeAcquired(p.acquired)
			p.trace("tcppool:get", slog.Int("slot", i), slog.String("xid", p.debugID[i].String()))
			return &p.conns[i], p.isn.NextForAccept(0, now)
		}
	}
	p.metrics.observeExhausted()
	return nil, 0
}

// PutTCP returns conn to the pool, aborting it and clearing its slot's
// bookkeeping. It panics if conn does not belong to this pool: a caller
// handing back a foreign Conn is a bug, not a runtime condition to recover
// from.
func (p *Pool) PutTCP(conn *Conn) {
	for i := range p.conns {
		if &p.conns[i] == conn {
			p.trace("tcppool:put", slog.Int("slot", i), slog.String("xid", p.debugID[i].String()))
			p.conns[i].Abort() // also cancels the slot's timers, via Conn.Abort
			p.acquiredAt[i] = time.Time{}
			p.closingAt[i] = time.Time{}
			p.abortedAt[i] = time.Time{}
			p.debugID[i] = xid.ID{}
			p.acquired--
			p.metrics.observeAcquired(p.acquired)
			return
		}
	}
	panic("tcp: Conn does not belong to this Pool")
}

// CheckTimeouts closes connections stuck mid-handshake past
// EstablishedTimeout and aborts connections stuck closing past
// ClosingTimeout. It is meant to be called frequently (e.g. once per
// timing-wheel tick) by the owning worker; the configured MaintenanceRate
// bounds how often that actually results in a full scan of the pool, so a
// busy driver loop calling this every tick doesn't pay O(Count) every time
// when nothing has happened since the last real scan — the sustained
// all-slots-stalled case the rate/window control design note calls out.
func (p *Pool) CheckTimeouts() {
	if p.maintenance != nil && !p.maintenance.Allow() {
		return
	}
	now := p.now()
	for i := range p.conns {
		conn := &p.conns[i]
		st := conn.State()
		if st == StateEstablished {
			continue
		}
		acq := p.acquiredAt[i]
		if acq.IsZero() {
			continue
		}
		if st.IsPreestablished() && now.Sub(acq) > p.estbTimeout {
			// Never reached establishment: abort outright so the slot frees
			// without waiting on a Send cycle that may never come. This is
			// part of a syn-flood defense mechanism.
			p.debug("tcppool:handshake-timeout", slog.Int("slot", i), slog.String("xid", p.debugID[i].String()))
			conn.Abort()
			continue
		}
		if st.IsClosed() || st.IsClosing() {
			if p.closingAt[i].IsZero() {
				p.closingAt[i] = now
			} else if p.abortedAt[i].IsZero() && now.Sub(p.closingAt[i]) > p.closingTimeout {
				p.abortedAt[i] = now
				p.logerr("tcppool:closing-timeout", slog.Int("slot", i), slog.String("xid", p.debugID[i].String()))
				conn.Abort()
			}
		}
	}
}

func (p *Pool) now() time.Time {
	if p.nowFn == nil {
		return internal.Now()
	}
	return p.nowFn()
}
