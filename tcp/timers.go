package tcp

import (
	"time"

	"github.com/flowstack/tcpcore/internal"
	"github.com/flowstack/tcpcore/timingwheel"
)

// ConnTimers binds one Conn's four RFC 9293 timers, retransmission,
// delayed-ACK, keepalive and TIME-WAIT, to a per-thread
// [timingwheel.Wheel]. A Conn owns at most one ConnTimers for its entire
// life; like the Wheel itself, every Arm/Cancel call and every callback
// fire must happen on the wheel's owning goroutine (see the package doc on
// the stack's single-thread-per-connection concurrency model). A Conn with
// no ConnTimers attached behaves exactly as it did before this file
// existed: Handler/ControlBlock never invoke the wheel themselves, they
// only expose the hooks (MarkRetransmit, DelayedACKArmed, ...) this type
// drives.
type ConnTimers struct {
	conn  *Conn
	wheel *timingwheel.Wheel
	nowFn func() time.Time

	rtx  *timingwheel.Timer
	dack *timingwheel.Timer
	ka   *timingwheel.Timer
	tw   *timingwheel.Timer
}

// NewConnTimers allocates the four timers for conn, bound to wheel. Attach
// the result to conn with [Conn.SetTimers] before relying on any of it; an
// un-attached ConnTimers' callbacks would otherwise race a Conn that might
// be reused for a different connection by the time they fire.
func NewConnTimers(wheel *timingwheel.Wheel, conn *Conn) *ConnTimers {
	ct := &ConnTimers{conn: conn, wheel: wheel}
	ct.rtx = wheel.NewTimer(timingwheel.KindRetransmission, conn, ct.onRTX)
	ct.dack = wheel.NewTimer(timingwheel.KindDelayedACK, conn, ct.onDelayedACK)
	ct.ka = wheel.NewTimer(timingwheel.KindKeepalive, conn, ct.onKeepalive)
	ct.tw = wheel.NewTimer(timingwheel.KindTimeWait, conn, ct.onTimeWait)
	return ct
}

// SetNow overrides the timer's time source (tests only); the default is
// [internal.Now].
func (ct *ConnTimers) SetNow(fn func() time.Time) { ct.nowFn = fn }

func (ct *ConnTimers) now() time.Time {
	if ct.nowFn != nil {
		return ct.nowFn()
	}
	return internal.Now()
}

// CancelAll unschedules every timer for this connection. Called once the
// TCB reaches CLOSED so a stale callback never
// fires against a slot some other connection has since reused.
func (ct *ConnTimers) CancelAll() {
	ct.wheel.Unschedule(ct.rtx)
	ct.wheel.Unschedule(ct.dack)
	ct.wheel.Unschedule(ct.ka)
	ct.wheel.Unschedule(ct.tw)
}

// ArmRTX schedules the retransmission timer at the connection's current
// RTO if it is not already scheduled. At most one retransmission timer is
// ever scheduled per TCB; an already-armed timer is left alone so an
// unrelated later send doesn't push the deadline out.
func (ct *ConnTimers) ArmRTX(now time.Time) {
	if ct.rtx.Scheduled() {
		return
	}
	ct.wheel.Schedule(ct.rtx, now, now.Add(ct.conn.h.scb.RTO()))
}

// RearmRTX reschedules the retransmission timer at the connection's
// (possibly just-updated) RTO, replacing any existing schedule. Call when
// the oldest in-flight byte has actually been acknowledged and bytes
// remain in flight for the rest of the window: reschedule on snd_una
// advance, cancel once the retransmission queue empties.
func (ct *ConnTimers) RearmRTX(now time.Time) {
	ct.wheel.Schedule(ct.rtx, now, now.Add(ct.conn.h.scb.RTO()))
}

// CancelRTX unschedules the retransmission timer; call once no data
// remains unacknowledged.
func (ct *ConnTimers) CancelRTX() { ct.wheel.Unschedule(ct.rtx) }

func (ct *ConnTimers) onRTX(*timingwheel.Timer) {
	conn := ct.conn
	conn.mu.Lock()
	if conn.h.BufferedSent() == 0 || conn.h.State().IsClosed() {
		// Raced with an ACK that drained rtxq, or the connection already
		// tore down; nothing to retransmit.
		conn.mu.Unlock()
		return
	}
	exhausted := conn.h.scb.BackoffRTO()
	if exhausted {
		conn.h.scb.SetErr(ErrTimedOut)
		conn.mu.Unlock()
		conn.abortWithError(ErrTimedOut)
		return
	}
	conn.h.MarkRetransmit()
	conn.mu.Unlock()
	ct.RearmRTX(ct.now())
}

// ArmDelayedACK schedules the delayed-ACK timer for [config.Config.DelayedACK]
// from now, replacing any existing schedule.
func (ct *ConnTimers) ArmDelayedACK(now time.Time) {
	ct.wheel.Schedule(ct.dack, now, now.Add(ct.conn.h.scb.Config().DelayedACK))
}

// CancelDelayedACK unschedules the delayed-ACK timer; call once the
// withheld ACK has been flushed by some other means (a second data
// segment, or any outgoing data that piggybacks it).
func (ct *ConnTimers) CancelDelayedACK() { ct.wheel.Unschedule(ct.dack) }

func (ct *ConnTimers) onDelayedACK(*timingwheel.Timer) {
	conn := ct.conn
	conn.mu.Lock()
	conn.h.FlushDelayedACK()
	conn.mu.Unlock()
}

// ArmKeepalive (re)schedules the keepalive timer for [config.Config.Keepalive]
// from now. Unlike the retransmission timer, this is meant to be reset by
// every inbound segment (it measures connection idleness, not time since a
// particular byte was sent), so callers reschedule it unconditionally.
func (ct *ConnTimers) ArmKeepalive(now time.Time) {
	ct.wheel.Schedule(ct.ka, now, now.Add(ct.conn.h.scb.Config().Keepalive))
}

// CancelKeepalive unschedules the keepalive timer; call once the
// connection leaves ESTABLISHED.
func (ct *ConnTimers) CancelKeepalive() { ct.wheel.Unschedule(ct.ka) }

func (ct *ConnTimers) onKeepalive(*timingwheel.Timer) {
	conn := ct.conn
	conn.mu.Lock()
	if conn.h.State() != StateEstablished {
		conn.mu.Unlock()
		return
	}
	exhausted := conn.h.scb.KeepaliveProbe()
	if exhausted {
		conn.h.scb.SetErr(ErrTimedOut)
		conn.mu.Unlock()
		conn.abortWithError(ErrTimedOut)
		return
	}
	conn.h.MarkKeepaliveProbe()
	conn.mu.Unlock()
	ct.ArmKeepalive(ct.now())
}

// ArmTimeWait (re)schedules the TIME-WAIT timer for 2*MSL from now. Any
// segment arriving in TIME-WAIT restarts the timer, so this is
// unconditional like ArmKeepalive, not gated on Scheduled().
func (ct *ConnTimers) ArmTimeWait(now time.Time) {
	msl := ct.conn.h.scb.Config().MSL
	ct.wheel.Schedule(ct.tw, now, now.Add(2*msl))
}

func (ct *ConnTimers) onTimeWait(*timingwheel.Timer) {
	conn := ct.conn
	conn.mu.Lock()
	conn.h.ExpireTimeWait()
	conn.mu.Unlock()
}
