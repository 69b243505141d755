package wlanif

import (
	"errors"
	"testing"
	"time"
)

func TestAllocateSizeInvalid(t *testing.T) {
	pool, _ := NewPool(PoolConfig{Buffers: 1, BufferSize: 1536})
	alloc := NewAllocator(pool, AllocatorConfig{MTU: 1514})
	var sleeps int
	alloc.sleep = func(time.Duration) { sleeps++ }

	for _, size := range []int{0, -1, 1515, 4096} {
		for _, wait := range []WaitPolicy{NoWait, WaitForever, WaitQuanta(5)} {
			buf, err := alloc.Allocate(size, DirRx, wait)
			if buf != nil || !errors.Is(err, ErrSizeInvalid) {
				t.Fatalf("size %d: got %v, %v", size, buf, err)
			}
			if !errors.Is(err, ErrPermanentlyUnavailable) {
				t.Errorf("size %d: ErrSizeInvalid is not a permanent condition", size)
			}
		}
	}
	if sleeps != 0 {
		t.Errorf("invalid sizes slept %d times", sleeps)
	}
}

func TestAllocatePermanentlyUnavailable(t *testing.T) {
	pool, _ := NewPool(PoolConfig{Buffers: 1, BufferSize: 512})
	alloc := NewAllocator(pool, AllocatorConfig{MTU: 1514})
	_, err := alloc.Allocate(1000, DirTx, WaitForever)
	if !errors.Is(err, ErrPermanentlyUnavailable) || errors.Is(err, ErrSizeInvalid) {
		t.Fatalf("got %v, want ErrPermanentlyUnavailable", err)
	}
}

func TestAllocateExhausted(t *testing.T) {
	pool, _ := NewPool(PoolConfig{Buffers: 1})
	alloc := NewAllocator(pool, AllocatorConfig{Quantum: time.Millisecond})
	var sleeps int
	alloc.sleep = func(d time.Duration) {
		if d != time.Millisecond {
			t.Errorf("slept %s, want quantum", d)
		}
		sleeps++
	}
	held, err := alloc.Allocate(64, DirRx, NoWait)
	if err != nil {
		t.Fatal(err)
	}

	_, err = alloc.Allocate(64, DirRx, NoWait)
	if !errors.Is(err, ErrTemporarilyUnavailable) || sleeps != 0 {
		t.Fatalf("NoWait: err=%v sleeps=%d", err, sleeps)
	}
	_, err = alloc.Allocate(64, DirRx, WaitQuanta(3))
	if !errors.Is(err, ErrTemporarilyUnavailable) || sleeps != 3 {
		t.Fatalf("WaitQuanta(3): err=%v sleeps=%d", err, sleeps)
	}

	// Buffer is given back while the allocator sleeps.
	sleeps = 0
	alloc.sleep = func(time.Duration) {
		sleeps++
		if sleeps == 5 {
			alloc.Release(held)
		}
	}
	buf, err := alloc.Allocate(64, DirRx, WaitForever)
	if err != nil || sleeps != 5 {
		t.Fatalf("WaitForever: err=%v sleeps=%d", err, sleeps)
	}
	if buf.Len() != 64 {
		t.Errorf("len %d, want 64", buf.Len())
	}
	alloc.Release(buf)
}

func TestAllocatorSetSize(t *testing.T) {
	pool, _ := NewPool(PoolConfig{Buffers: 1})
	alloc := NewAllocator(pool, AllocatorConfig{MTU: 1000})
	buf, _ := alloc.Allocate(10, DirTx, NoWait)
	defer alloc.Release(buf)
	if err := alloc.SetSize(buf, 1001); !errors.Is(err, ErrSizeInvalid) {
		t.Errorf("got %v, want ErrSizeInvalid", err)
	}
	if err := alloc.SetSize(buf, 900); err != nil || buf.Len() != 900 {
		t.Errorf("err=%v len=%d", err, buf.Len())
	}
	if err := alloc.TrimFront(buf, 901); !errors.Is(err, ErrHeaderAdjust) {
		t.Errorf("got %v, want ErrHeaderAdjust", err)
	}
}
