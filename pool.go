package wlanif

import (
	"errors"
	"sync"
	"sync/atomic"
)

// PoolConfig configures a fixed size buffer pool.
type PoolConfig struct {
	// Buffers is the number of buffers in the pool. Defaults to 8.
	Buffers int
	// BufferSize is the largest payload a single buffer can hold.
	// Defaults to 1536, enough for a 1500 byte MTU ethernet frame.
	BufferSize int
	// Headroom is the space reserved in front of every payload for link headers
	// and the padding word. Defaults to 16.
	Headroom int
}

// Pool is the host stack's buffer pool: a fixed number of equally sized buffers
// allocated once. Get never allocates.
type Pool struct {
	mu       sync.Mutex
	free     []*Buffer
	total    int
	size     int
	headroom int
	gets     atomic.Uint64
	puts     atomic.Uint64
	misses   atomic.Uint64
}

// PoolStats is a snapshot of pool usage counters.
type PoolStats struct {
	Total    int
	Free     int
	Gets     uint64
	Releases uint64
	Misses   uint64
}

// InUse returns the number of buffers currently handed out.
func (s PoolStats) InUse() int { return s.Total - s.Free }

// NewPool allocates all buffers of the pool up front.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Buffers < 0 || cfg.BufferSize < 0 || cfg.Headroom < 0 {
		return nil, errors.New("wlanif: negative pool config value")
	}
	if cfg.Buffers == 0 {
		cfg.Buffers = 8
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 1536
	}
	if cfg.Headroom == 0 {
		cfg.Headroom = 16
	}
	p := &Pool{
		free:     make([]*Buffer, cfg.Buffers),
		total:    cfg.Buffers,
		size:     cfg.BufferSize,
		headroom: cfg.Headroom,
	}
	stride := cfg.Headroom + cfg.BufferSize
	backing := make([]byte, stride*cfg.Buffers)
	for i := range p.free {
		p.free[i] = &Buffer{
			pool: p,
			raw:  backing[i*stride : (i+1)*stride : (i+1)*stride],
		}
	}
	return p, nil
}

// BufferSize returns the largest payload a pool buffer can hold.
func (p *Pool) BufferSize() int { return p.size }

// Headroom returns the bytes reserved in front of every buffer payload.
func (p *Pool) Headroom() int { return p.headroom }

// Get returns a buffer with a visible region of size bytes and a single reference,
// or nil if the pool is exhausted or size does not fit a buffer.
func (p *Pool) Get(size int) *Buffer {
	if size < 0 || size > p.size {
		return nil
	}
	p.mu.Lock()
	n := len(p.free)
	if n == 0 {
		p.mu.Unlock()
		p.misses.Add(1)
		return nil
	}
	b := p.free[n-1]
	p.free[n-1] = nil
	p.free = p.free[:n-1]
	p.mu.Unlock()

	b.off = p.headroom
	b.n = size
	b.next = nil
	b.refs.Store(1)
	p.gets.Add(1)
	return b
}

func (p *Pool) put(b *Buffer) {
	p.mu.Lock()
	p.free = append(p.free, b)
	p.mu.Unlock()
	p.puts.Add(1)
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	free := len(p.free)
	p.mu.Unlock()
	return PoolStats{
		Total:    p.total,
		Free:     free,
		Gets:     p.gets.Load(),
		Releases: p.puts.Load(),
		Misses:   p.misses.Load(),
	}
}
