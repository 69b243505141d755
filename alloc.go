package wlanif

import (
	"context"
	"log/slog"
	"time"
)

// Direction tells the allocator which path a buffer is requested for.
type Direction uint8

const (
	DirRx Direction = iota // Frame coming from the radio.
	DirTx                  // Frame going to the radio.
)

func (d Direction) String() string {
	if d == DirTx {
		return "tx"
	}
	return "rx"
}

// WaitPolicy selects how Allocate behaves when the pool is exhausted.
// The zero value does not wait.
type WaitPolicy struct {
	forever bool
	quanta  int
}

// NoWait fails immediately with ErrTemporarilyUnavailable on an exhausted pool.
var NoWait = WaitPolicy{}

// WaitForever sleeps one quantum at a time until a buffer becomes available.
var WaitForever = WaitPolicy{forever: true}

// WaitQuanta sleeps at most n quanta waiting for a buffer before failing with
// ErrTemporarilyUnavailable. Callers that must not block for long use this.
func WaitQuanta(n int) WaitPolicy {
	if n < 0 {
		n = 0
	}
	return WaitPolicy{quanta: n}
}

// AllocatorConfig configures an Allocator.
type AllocatorConfig struct {
	// MTU is the largest frame size that may be requested. Defaults to the pool buffer size.
	MTU int
	// Quantum is the sleep between retries on an exhausted pool. Defaults to 10ms.
	Quantum time.Duration
	Logger  *slog.Logger
}

// Allocator adapts a host stack Pool to the buffer requests of a radio driver.
type Allocator struct {
	pool    *Pool
	mtu     int
	quantum time.Duration
	log     *slog.Logger
	// sleep is replaced in tests.
	sleep func(time.Duration)
}

// NewAllocator returns an allocator serving buffers out of pool.
func NewAllocator(pool *Pool, cfg AllocatorConfig) *Allocator {
	if pool == nil {
		panic("pool is nil")
	}
	if cfg.MTU <= 0 {
		cfg.MTU = pool.BufferSize()
	}
	if cfg.Quantum <= 0 {
		cfg.Quantum = 10 * time.Millisecond
	}
	return &Allocator{
		pool:    pool,
		mtu:     cfg.MTU,
		quantum: cfg.Quantum,
		log:     cfg.Logger,
		sleep:   time.Sleep,
	}
}

// MTU returns the largest size Allocate accepts.
func (a *Allocator) MTU() int { return a.mtu }

// Pool returns the pool backing the allocator.
func (a *Allocator) Pool() *Pool { return a.pool }

// Allocate requests a buffer with a visible region of size bytes.
// A size of zero or above the MTU fails with ErrSizeInvalid without blocking.
// A size the pool buffers cannot hold fails with ErrPermanentlyUnavailable.
// Otherwise on an exhausted pool the wait policy decides whether to sleep and retry.
func (a *Allocator) Allocate(size int, dir Direction, wait WaitPolicy) (*Buffer, error) {
	if size <= 0 || size > a.mtu {
		return nil, ErrSizeInvalid
	} else if size > a.pool.BufferSize() {
		return nil, ErrPermanentlyUnavailable
	}
	remaining := wait.quanta
	for {
		if b := a.pool.Get(size); b != nil {
			return b, nil
		}
		if !wait.forever {
			if remaining == 0 {
				break
			}
			remaining--
		}
		a.sleep(a.quantum)
	}
	a.debug("alloc:exhausted", slog.Int("size", size), slog.String("dir", dir.String()))
	return nil, ErrTemporarilyUnavailable
}

// Release returns buf to the pool. It must be called once per owned buffer.
func (a *Allocator) Release(buf *Buffer) {
	if buf == nil {
		panic("release of nil buffer")
	}
	buf.Release()
}

// TrimFront hides amount bytes from the front of the buffer's visible region.
// A negative amount exposes headroom instead.
func (a *Allocator) TrimFront(buf *Buffer, amount int) error {
	return buf.AdjustHeader(-amount)
}

// SetSize sets the visible length of buf. Sizes above the MTU fail with ErrSizeInvalid.
func (a *Allocator) SetSize(buf *Buffer, size int) error {
	if size > a.mtu {
		return ErrSizeInvalid
	}
	return buf.SetSize(size)
}

func (a *Allocator) debug(msg string, attrs ...slog.Attr) {
	if a.log != nil {
		a.log.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
	}
}
