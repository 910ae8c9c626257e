package memory

import "fmt"

// Heap tracks the single growable heap region an address space may own. It
// grows upward until it would collide with the stack region.
type Heap struct {
	space *Space
	base  Addr
	size  uint32
	limit Addr // first address the heap must never reach.
}

// AllocateHeap installs a heap region of the given initial size at base and
// returns a Heap handle used to grow it later.
func (s *Space) AllocateHeap(base Addr, size uint32, limit Addr) (*Heap, error) {
	if err := s.RegisterRegion(base, size, KindHeap, ProtRead|ProtWrite, "heap"); err != nil {
		return nil, err
	}

	return &Heap{space: s, base: base, size: size, limit: limit}, nil
}

// Base returns the heap's starting address.
func (h *Heap) Base() Addr { return h.base }

// Break returns the current end of the heap (the brk).
func (h *Heap) Break() Addr { return h.base + Addr(h.size) }

// Expand grows the heap region by delta bytes, failing if doing so would
// collide with the configured limit (typically the bottom of the stack
// region).
func (h *Heap) Expand(delta uint32) error {
	r := h.space.find(h.base)
	if r == nil {
		return fmt.Errorf("%w: heap region missing", ErrBadAddress)
	}

	newEnd := uint64(h.base) + uint64(h.size) + uint64(delta)
	if newEnd > uint64(h.limit) {
		return fmt.Errorf("%w: heap growth to %#x would collide with limit %s", ErrBadAddress, newEnd, h.limit)
	}

	grown := make([]byte, h.size+delta)
	copy(grown, r.backing)
	r.backing = grown
	r.Size = h.size + delta
	h.size = r.Size

	return nil
}

// AllocateStack installs one stack region of the given size immediately
// below top and returns top, the address initial ESP should be set to.
func (s *Space) AllocateStack(top Addr, size uint32) (Addr, error) {
	base := top - Addr(size)

	if err := s.RegisterRegion(base, size, KindStack, ProtRead|ProtWrite, "stack"); err != nil {
		return 0, err
	}

	return top, nil
}
