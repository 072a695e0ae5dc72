// Package porttable implements a per-address ephemeral-port allocator: a
// map from local address to a fixed 65536-slot vector, each slot either
// free or holding the connection owning that port. Exactly one owner may
// occupy a given (address, port) pair at a time; allocation is
// single-writer per address, matching the one-TCB-per-thread ownership
// model the rest of this module assumes (see the tcp package's concurrency
// doc).
//
// The table itself (the set of bound addresses) is kept in a btree rather
// than a bare Go map so addresses can be iterated in sorted order, which
// the Prometheus exporter and diagnostics both want without a sort pass.
// Each address's 65536-slot vector stays a plain slice.
package porttable

import (
	"errors"
	"net/netip"
	"sync"

	"github.com/google/btree"
)

// NumPorts is the fixed size of a single address's port vector.
const NumPorts = 1 << 16

var (
	// ErrAddressExists is returned by Add when addr is already registered.
	ErrAddressExists = errors.New("porttable: address already registered")
	// ErrAddressAbsent is returned by Get/Put/Lookup/Ephemeral when addr
	// was never registered with Add (or has since been removed).
	ErrAddressAbsent = errors.New("porttable: address not registered")
	// ErrPortInUse is returned by Get when the requested slot is occupied.
	// Callers surface this to the application as EADDRINUSE.
	ErrPortInUse = errors.New("porttable: port already claimed")
	// ErrNoFreePort is returned by Ephemeral when every slot at addr is
	// occupied. Callers surface this to the application as EADDRINUSE.
	ErrNoFreePort = errors.New("porttable: no free ephemeral port")
	// ErrZeroPort is returned by Get when asked for port 0, which is
	// reserved; Ephemeral never selects it. Put and Lookup do not check it.
	ErrZeroPort = errors.New("porttable: port 0 is reserved")
)

// Table is a per-address ephemeral-port allocator for owners of type V. V is
// typically a pointer type (e.g. *tcp.Conn); the zero value of V must
// mean "free slot".
type Table[V comparable] struct {
	mu      sync.Mutex
	tree    *btree.BTreeG[*addrEntry[V]]
	metrics Metrics
}

type addrEntry[V comparable] struct {
	addr  netip.Addr
	slots []V
	inUse int
	mu    sync.Mutex
}

func entryLess[V comparable](a, b *addrEntry[V]) bool {
	return a.addr.Less(b.addr)
}

// New constructs an empty port table.
func New[V comparable]() *Table[V] {
	return &Table[V]{tree: btree.NewG[*addrEntry[V]](8, entryLess[V])}
}

// SetMetrics attaches m to t, replacing any previously attached metrics.
func (t *Table[V]) SetMetrics(m Metrics) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics = m
}

// Add installs an empty NumPorts-slot vector for addr. It fails if addr is
// already present.
func (t *Table[V]) Add(addr netip.Addr) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	probe := &addrEntry[V]{addr: addr}
	if _, ok := t.tree.Get(probe); ok {
		return ErrAddressExists
	}
	probe.slots = make([]V, NumPorts)
	t.tree.ReplaceOrInsert(probe)
	t.metrics.observeAddrs(t.tree.Len())
	return nil
}

// Remove deletes addr's entire port vector, freeing every slot it held.
// Callers are responsible for having already torn down any owners still
// resident in those slots.
func (t *Table[V]) Remove(addr netip.Addr) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	probe := &addrEntry[V]{addr: addr}
	if _, ok := t.tree.Delete(probe); !ok {
		return ErrAddressAbsent
	}
	t.metrics.observeAddrs(t.tree.Len())
	t.metrics.forgetAddr(addr)
	return nil
}

func (t *Table[V]) entry(addr netip.Addr) (*addrEntry[V], error) {
	t.mu.Lock()
	e, ok := t.tree.Get(&addrEntry[V]{addr: addr})
	t.mu.Unlock()
	if !ok {
		return nil, ErrAddressAbsent
	}
	return e, nil
}

// Get atomically claims port for owner if the (addr, port) slot is free.
// It returns ErrPortInUse if the slot is already occupied by a different
// owner, so the caller can surface EADDRINUSE.
func (t *Table[V]) Get(addr netip.Addr, port uint16, owner V) error {
	if port == 0 {
		return ErrZeroPort
	}
	e, err := t.entry(addr)
	if err != nil {
		return err
	}
	var zero V
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.slots[port] != zero {
		return ErrPortInUse
	}
	e.slots[port] = owner
	e.inUse++
	t.metrics.observeInUse(addr, e.inUse)
	return nil
}

// Put clears the (addr, port) slot. It is idempotent: clearing an
// already-free slot is a no-op, matching the TCB teardown path where Put
// may race a Close that already ran.
func (t *Table[V]) Put(addr netip.Addr, port uint16) error {
	e, err := t.entry(addr)
	if err != nil {
		return err
	}
	var zero V
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.slots[port] == zero {
		return nil
	}
	e.slots[port] = zero
	e.inUse--
	t.metrics.observeInUse(addr, e.inUse)
	return nil
}

// Lookup reports whether (addr, port) is free.
func (t *Table[V]) Lookup(addr netip.Addr, port uint16) (free bool, err error) {
	e, err := t.entry(addr)
	if err != nil {
		return false, err
	}
	var zero V
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.slots[port] == zero, nil
}

// Ephemeral claims the first free port at addr found by a linear scan
// starting at start, with no randomized probing. It wraps around the
// 16-bit port space and skips port 0. Returns ErrNoFreePort (surfaced as
// EADDRINUSE) if none of the NumPorts slots are free.
func (t *Table[V]) Ephemeral(addr netip.Addr, start uint16, owner V) (uint16, error) {
	e, err := t.entry(addr)
	if err != nil {
		return 0, err
	}
	var zero V
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := 0; i < NumPorts; i++ {
		port := start + uint16(i)
		if port == 0 {
			continue
		}
		if e.slots[port] == zero {
			e.slots[port] = owner
			e.inUse++
			t.metrics.observeInUse(addr, e.inUse)
			return port, nil
		}
	}
	return 0, ErrNoFreePort
}

// InUse returns the number of claimed slots for addr.
func (t *Table[V]) InUse(addr netip.Addr) (int, error) {
	e, err := t.entry(addr)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inUse, nil
}

// Addresses returns every registered address in sorted order, courtesy of
// the underlying btree index.
func (t *Table[V]) Addresses() []netip.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	addrs := make([]netip.Addr, 0, t.tree.Len())
	t.tree.Ascend(func(e *addrEntry[V]) bool {
		addrs = append(addrs, e.addr)
		return true
	})
	return addrs
}
