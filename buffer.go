package wlanif

import "sync/atomic"

// Buffer is a frame buffer handed between the radio driver and the IP stack.
// A Buffer may be the head of a chain of segments. Whoever holds the *Buffer
// owns one reference to it and must either pass it on or call Release exactly once.
type Buffer struct {
	pool *Pool
	// raw is the backing storage. The visible payload is raw[off:off+n].
	raw  []byte
	off  int
	n    int
	next *Buffer
	refs atomic.Int32
}

// Payload returns the visible region of this segment.
func (b *Buffer) Payload() []byte {
	return b.raw[b.off : b.off+b.n]
}

// Len returns the length of this segment's visible region.
func (b *Buffer) Len() int { return b.n }

// TotalLen returns the summed length of this segment and all chained after it.
func (b *Buffer) TotalLen() int {
	total := 0
	for s := b; s != nil; s = s.next {
		total += s.n
	}
	return total
}

// Next returns the next segment in the chain or nil.
func (b *Buffer) Next() *Buffer { return b.next }

// IsChained reports whether the buffer is made up of more than one segment.
func (b *Buffer) IsChained() bool { return b.next != nil }

// Chain appends tail to the end of b's chain. Ownership of tail passes to b:
// releasing the head releases every segment.
func (b *Buffer) Chain(tail *Buffer) {
	last := b
	for last.next != nil {
		last = last.next
	}
	last.next = tail
}

// Headroom returns how many bytes in front of the payload can be exposed with AdjustHeader.
func (b *Buffer) Headroom() int { return b.off }

// AdjustHeader moves the start of the visible region of the first segment.
// A positive delta exposes delta bytes of headroom in front of the payload,
// a negative delta hides -delta bytes from the front of the payload.
func (b *Buffer) AdjustHeader(delta int) error {
	switch {
	case delta > 0 && delta > b.off:
		return ErrHeaderAdjust
	case delta < 0 && -delta > b.n:
		return ErrHeaderAdjust
	}
	b.off -= delta
	b.n += delta
	return nil
}

// SetSize sets the visible length of the segment. The chain after the segment is unaffected.
func (b *Buffer) SetSize(n int) error {
	if n < 0 || b.off+n > len(b.raw) {
		return ErrSizeInvalid
	}
	b.n = n
	return nil
}

// Ref takes an additional reference to the buffer. Each Ref must be paired
// with a Release.
func (b *Buffer) Ref() {
	if b.refs.Add(1) <= 1 {
		panic("wlanif: ref on released buffer")
	}
}

// Refs returns the current reference count of the buffer.
func (b *Buffer) Refs() int { return int(b.refs.Load()) }

// Release drops one reference. When the last reference is dropped every
// segment of the chain goes back to its pool.
func (b *Buffer) Release() {
	switch r := b.refs.Add(-1); {
	case r > 0:
		return
	case r < 0:
		panic("wlanif: buffer released twice")
	}
	next := b.next
	b.next = nil
	if b.pool != nil {
		b.pool.put(b)
	}
	if next != nil {
		next.Release()
	}
}
