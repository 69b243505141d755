package wlanif

import (
	"errors"
	"sync"
)

// Frame is an ethernet frame sent through a ChanRadio.
type Frame struct {
	Role Role
	Data []byte
}

// FilterCall records a multicast filter command received by a ChanRadio.
type FilterCall struct {
	Action FilterAction
	MAC    [6]byte
}

// ChanRadioConfig configures a ChanRadio.
type ChanRadioConfig struct {
	// Interfaces is the number of roles the radio exposes. Defaults to 1.
	Interfaces int
	// MACs holds the hardware address of each role. Zero addresses are derived from the role.
	MACs [MaxInterfaces][6]byte
	// MaxFilters is the size of the hardware multicast filter table. Defaults to 8.
	MaxFilters int
	// Queue is the capacity of the outbound frame channel. Defaults to 16.
	Queue int
}

// ChanRadio is a radio driver living in memory. Frames sent through it are
// copied to channel C and inbound frames are injected with Inject.
// Roles start out not ready to transmit.
type ChanRadio struct {
	mu         sync.Mutex
	n          int
	macs       [MaxInterfaces][6]byte
	ready      [MaxInterfaces]bool
	filters    map[[6]byte]int
	maxFilters int
	calls      []FilterCall
	sendErr    error
	handler    func(*Buffer, Role)
	notify     func(Role, Event)
	alloc      *Allocator

	C chan Frame
}

// NewChanRadio returns an in-memory radio that allocates received frames from alloc.
func NewChanRadio(alloc *Allocator, cfg ChanRadioConfig) *ChanRadio {
	if alloc == nil {
		panic("allocator is nil")
	}
	if cfg.Interfaces <= 0 {
		cfg.Interfaces = 1
	} else if cfg.Interfaces > MaxInterfaces {
		cfg.Interfaces = MaxInterfaces
	}
	if cfg.MaxFilters <= 0 {
		cfg.MaxFilters = 8
	}
	if cfg.Queue <= 0 {
		cfg.Queue = 16
	}
	r := &ChanRadio{
		n:          cfg.Interfaces,
		macs:       cfg.MACs,
		filters:    make(map[[6]byte]int),
		maxFilters: cfg.MaxFilters,
		alloc:      alloc,
		C:          make(chan Frame, cfg.Queue),
	}
	for i := range r.macs {
		if r.macs[i] == [6]byte{} {
			// Locally administered unicast address.
			r.macs[i] = [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, byte(i + 1)}
		}
	}
	return r
}

func (r *ChanRadio) NumInterfaces() int { return r.n }

func (r *ChanRadio) HardwareAddr6(role Role) ([6]byte, error) {
	if role.Index() >= r.n {
		return [6]byte{}, ErrInvalidRole
	}
	return r.macs[role], nil
}

func (r *ChanRadio) IsReadyToTransmit(role Role) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return role.Index() < r.n && r.ready[role]
}

// SetReady marks the role's link as associated or not and reports the change
// to the link notifier.
func (r *ChanRadio) SetReady(role Role, ready bool) {
	r.mu.Lock()
	r.ready[role] = ready
	notify := r.notify
	r.mu.Unlock()
	if notify != nil {
		ev := EventNetDown
		if ready {
			ev = EventNetUp
		}
		notify(role, ev)
	}
}

// SetSendError makes every following SendEth fail with err. A nil err restores normal operation.
func (r *ChanRadio) SetSendError(err error) {
	r.mu.Lock()
	r.sendErr = err
	r.mu.Unlock()
}

// SendEth copies frame to C. It fails if C is full.
func (r *ChanRadio) SendEth(role Role, frame []byte) error {
	r.mu.Lock()
	err := r.sendErr
	r.mu.Unlock()
	if err != nil {
		return err
	}
	f := Frame{Role: role, Data: append([]byte(nil), frame...)}
	select {
	case r.C <- f:
		return nil
	default:
		return errors.New("chanradio: tx queue full")
	}
}

func (r *ChanRadio) RegisterMulticast(mac [6]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, FilterCall{Action: FilterAdd, MAC: mac})
	if _, ok := r.filters[mac]; !ok && len(r.filters) >= r.maxFilters {
		return errors.New("chanradio: multicast filter table full")
	}
	r.filters[mac]++
	return nil
}

func (r *ChanRadio) UnregisterMulticast(mac [6]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, FilterCall{Action: FilterDel, MAC: mac})
	n, ok := r.filters[mac]
	if !ok {
		return errors.New("chanradio: multicast address not registered")
	}
	if n <= 1 {
		delete(r.filters, mac)
	} else {
		r.filters[mac] = n - 1
	}
	return nil
}

// FilterCalls returns the multicast filter commands received so far, in order.
func (r *ChanRadio) FilterCalls() []FilterCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]FilterCall(nil), r.calls...)
}

// Filtered reports whether mac is currently in the multicast filter table.
func (r *ChanRadio) Filtered(mac [6]byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filters[mac] > 0
}

func (r *ChanRadio) RecvEthHandle(fn func(*Buffer, Role)) {
	r.mu.Lock()
	r.handler = fn
	r.mu.Unlock()
}

func (r *ChanRadio) NetNotify(cb func(Role, Event)) error {
	r.mu.Lock()
	r.notify = cb
	r.mu.Unlock()
	return nil
}

// Inject copies frame into a receive buffer and hands it to the receive
// handler as if it had arrived over the air on role.
func (r *ChanRadio) Inject(role Role, frame []byte) error {
	r.mu.Lock()
	handler := r.handler
	r.mu.Unlock()
	if handler == nil {
		return errors.New("chanradio: no receive handler")
	}
	buf, err := r.alloc.Allocate(len(frame), DirRx, NoWait)
	if err != nil {
		return err
	}
	copy(buf.Payload(), frame)
	handler(buf, role)
	return nil
}
