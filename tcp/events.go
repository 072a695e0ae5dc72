package tcp

// Event is a completion notification delivered to user tasks waiting on a
// connection. Pipeline stages never block; user-side code registers an
// [EventFunc] on the [Conn] and parks on whatever synchronization primitive
// it likes until the event of interest fires.
type Event uint8

const (
	// EventConnEstablished fires once on the transition into ESTABLISHED,
	// completing an active or passive open.
	EventConnEstablished Event = iota
	// EventConnClosed fires when the connection reaches CLOSED without a
	// fatal error: a clean local or remote close.
	EventConnClosed
	// EventTxqEmpty fires when the transmit queue fully drains.
	EventTxqEmpty
	// EventTxqHalfEmpty fires when the transmit queue drains below half of
	// the transmit buffer, the earliest point a blocked writer is worth
	// waking.
	EventTxqHalfEmpty
	// EventRxqNonEmpty fires when the receive queue goes from empty to
	// readable.
	EventRxqNonEmpty
	// EventError fires when the connection latches one of the canonical
	// end-state errors (reset, refused, timed out); the error is passed
	// alongside and is retained on the connection until consumed.
	EventError
)

func (e Event) String() string {
	switch e {
	case EventConnEstablished:
		return "CON_ESTABLISHED"
	case EventConnClosed:
		return "CON_CLOSED"
	case EventTxqEmpty:
		return "TXQ_EMPTY"
	case EventTxqHalfEmpty:
		return "TXQ_HALF_EMPTY"
	case EventRxqNonEmpty:
		return "RXQ_NON_EMPTY"
	case EventError:
		return "ERROR"
	default:
		return "Event(?)"
	}
}

// EventFunc receives wake-up events for one connection. err is non-nil only
// for EventError. Callbacks run on the connection's owning worker goroutine
// with no Conn lock held; they may call back into the Conn but must not
// block, per the cooperative single-thread-per-connection model.
type EventFunc func(ev Event, err error)
