package tcp

import "github.com/flowstack/tcpcore/config"

// SocketCaps enforces the per-user and system-wide socket count limits. Only
// [Dialer] charges it (see [Dialer.SetCaps]); connections accepted through a
// [Listener] are not counted. Like everything else on the hot path it is
// single-threaded and unlocked.
type SocketCaps struct {
	perUser int
	system  int
	users   map[string]int
	total   int
}

// NewSocketCaps builds a cap tracker from the configured limits. A zero or
// negative limit disables that check.
func NewSocketCaps(cfg config.Config) *SocketCaps {
	return &SocketCaps{
		perUser: cfg.MaxSocketsPerUser,
		system:  cfg.MaxSocketsSystemWide,
		users:   make(map[string]int),
	}
}

// InUse returns the system-wide count of sockets currently held.
func (c *SocketCaps) InUse() int { return c.total }

// Acquire charges one socket to user, failing with [ErrTooManyOpenFiles]
// when the user's cap is reached and [ErrFileTableOverflow] when the
// system-wide cap is reached.
func (c *SocketCaps) Acquire(user string) error {
	if c.system > 0 && c.total >= c.system {
		return ErrFileTableOverflow
	}
	if c.perUser > 0 && c.users[user] >= c.perUser {
		return ErrTooManyOpenFiles
	}
	c.users[user]++
	c.total++
	return nil
}

// Release returns one socket charged to user. Releasing below zero is a
// caller bug and is clamped rather than corrupting later accounting.
func (c *SocketCaps) Release(user string) {
	if n := c.users[user]; n > 1 {
		c.users[user] = n - 1
	} else {
		delete(c.users, user)
	}
	if c.total > 0 {
		c.total--
	}
}
