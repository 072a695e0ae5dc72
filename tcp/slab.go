package tcp

// Slab is a per-thread, generation-counted pool of *Handler slots. It backs
// the opaque TCB handle design note: callers carry a [TCBHandle] (index +
// generation) across the annotation boundary instead of a raw pointer,
// so a handle outliving its TCB's reuse is detectable rather than a
// use-after-free. A Slab is owned by exactly one worker thread, same as the
// TCBs and timing wheel it is paired with.
type Slab struct {
	slots []slabSlot
	free  []uint32 // indices available for reuse, LIFO
}

type slabSlot struct {
	handler    *Handler
	generation uint32
	occupied   bool
}

// NewSlab constructs a slab with capacity preallocated slots.
func NewSlab(capacity int) *Slab {
	return &Slab{slots: make([]slabSlot, 0, capacity)}
}

// Len returns the number of live (occupied) slots.
func (s *Slab) Len() int {
	n := 0
	for _, slot := range s.slots {
		if slot.occupied {
			n++
		}
	}
	return n
}

// Insert claims a slot for h and returns its handle. It reuses a freed slot
// if one is available, bumping that slot's generation so any previously
// issued handle into it becomes stale.
func (s *Slab) Insert(h *Handler) TCBHandle {
	if n := len(s.free); n > 0 {
		idx := s.free[n-1]
		s.free = s.free[:n-1]
		slot := &s.slots[idx]
		slot.handler = h
		slot.generation++
		slot.occupied = true
		return TCBHandle{Index: idx, Generation: slot.generation}
	}
	idx := uint32(len(s.slots))
	s.slots = append(s.slots, slabSlot{handler: h, generation: 1, occupied: true})
	return TCBHandle{Index: idx, Generation: 1}
}

// Remove frees h's slot, invalidating its handle. Safe to call on an
// already-removed or stale handle, which is a no-op.
func (s *Slab) Remove(h TCBHandle) {
	if int(h.Index) >= len(s.slots) {
		return
	}
	slot := &s.slots[h.Index]
	if !slot.occupied || slot.generation != h.Generation {
		return
	}
	slot.occupied = false
	slot.handler = nil
	s.free = append(s.free, h.Index)
}

// Lookup resolves h to its *Handler, returning ok=false if h is stale (its
// slot was freed or reused since h was issued) or out of range.
func (s *Slab) Lookup(h TCBHandle) (handler *Handler, ok bool) {
	if int(h.Index) >= len(s.slots) {
		return nil, false
	}
	slot := &s.slots[h.Index]
	if !slot.occupied || slot.generation != h.Generation {
		return nil, false
	}
	return slot.handler, true
}
