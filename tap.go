//go:build linux

package wlanif

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// Tap is a radio driver backed by a Unix TAP interface. It exposes a single
// station role whose link is ready while the TAP interface is up.
type Tap struct {
	fd   int
	name string
	// ifr is used to configure the TAP interface.
	ifr unix.Ifreq
	// mcfd is a datagram socket used for multicast filter ioctls.
	mcfd    int
	alloc   *Allocator
	log     *slog.Logger
	up      atomic.Bool
	mu      sync.Mutex
	handler func(*Buffer, Role)
	notify  func(Role, Event)
	done    chan struct{}
}

var _ Radio = (*Tap)(nil)

// OpenTap opens an existing TAP device by name. Received frames are
// allocated from alloc.
func OpenTap(name string, alloc *Allocator, logger *slog.Logger) (_ *Tap, err error) {
	if alloc == nil {
		panic("allocator is nil")
	}
	tap := Tap{name: name, alloc: alloc, log: logger, fd: -1, mcfd: -1}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return nil, err
	}
	tap.ifr = *ifr

	tap.fd, err = unix.Open("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	const tunFlags = unix.IFF_TAP | // TAP device: operate at layer 2 of the OSI model, so raw ethernet frames.
		unix.IFF_NO_PI | // Prevents the kernel from including a protocol information (PI) header in the packet data.
		unix.IFF_ONE_QUEUE //  Enables a single packet queue for the interface.

	err = tap.tunsetFlags(tunFlags)
	if err != nil {
		tap.Close()
		return nil, err
	}
	tap.mcfd, err = unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		tap.Close()
		return nil, err
	}

	link, err := netlink.LinkByName(name)
	if err != nil {
		tap.Close()
		return nil, err
	}
	tap.up.Store(link.Attrs().Flags&net.FlagUp != 0)
	tap.done = make(chan struct{})
	updates := make(chan netlink.LinkUpdate, 4)
	err = netlink.LinkSubscribe(updates, tap.done)
	if err != nil {
		tap.Close()
		return nil, err
	}
	go tap.watchLink(updates)
	return &tap, nil
}

func (t *Tap) watchLink(updates <-chan netlink.LinkUpdate) {
	for update := range updates {
		attrs := update.Link.Attrs()
		if attrs.Name != t.name {
			continue
		}
		up := attrs.Flags&net.FlagUp != 0
		if t.up.Swap(up) == up {
			continue
		}
		t.mu.Lock()
		notify := t.notify
		t.mu.Unlock()
		ev := EventNetDown
		if up {
			ev = EventNetUp
		}
		if t.log != nil {
			t.log.LogAttrs(context.Background(), slog.LevelInfo, "tap:link", slog.String("tap", t.name), slog.String("event", ev.String()))
		}
		if notify != nil {
			notify(RoleStation, ev)
		}
	}
}

// NumInterfaces returns 1: a TAP device carries a single station role.
func (t *Tap) NumInterfaces() int { return 1 }

func (t *Tap) HardwareAddr6(role Role) ([6]byte, error) {
	if role != RoleStation {
		return [6]byte{}, ErrInvalidRole
	}
	link, err := netlink.LinkByName(t.name)
	if err != nil {
		return [6]byte{}, err
	}
	hw := link.Attrs().HardwareAddr
	if len(hw) != 6 {
		return [6]byte{}, errors.New("no hardware address")
	}
	return [6]byte(hw), nil
}

// MTU returns the MTU of the TAP interface.
func (t *Tap) MTU() (int, error) {
	link, err := netlink.LinkByName(t.name)
	if err != nil {
		return 0, err
	}
	return link.Attrs().MTU, nil
}

func (t *Tap) IsReadyToTransmit(role Role) bool {
	return role == RoleStation && t.fd >= 0 && t.up.Load()
}

func (t *Tap) SendEth(role Role, frame []byte) error {
	if role != RoleStation {
		return ErrInvalidRole
	}
	_, err := unix.Write(t.fd, frame)
	return err
}

func (t *Tap) RegisterMulticast(mac [6]byte) error {
	return t.multicastIoctl(unix.SIOCADDMULTI, mac)
}

func (t *Tap) UnregisterMulticast(mac [6]byte) error {
	return t.multicastIoctl(unix.SIOCDELMULTI, mac)
}

func (t *Tap) multicastIoctl(req uint, mac [6]byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearIfreq()
	// ifr_hwaddr is a sockaddr: 2 byte family (AF_UNSPEC) followed by the address.
	sa := (*[16]byte)(unsafe.Pointer(uintptr(unsafe.Pointer(&t.ifr)) + 16))
	copy(sa[2:8], mac[:])
	return unix.IoctlIfreq(t.mcfd, req, &t.ifr)
}

func (t *Tap) RecvEthHandle(fn func(*Buffer, Role)) {
	t.mu.Lock()
	t.handler = fn
	t.mu.Unlock()
}

func (t *Tap) NetNotify(cb func(Role, Event)) error {
	t.mu.Lock()
	t.notify = cb
	t.mu.Unlock()
	return nil
}

// PollOne blocks until a frame is read from the TAP device and hands it to
// the receive handler. It returns true if a frame was dispatched.
func (t *Tap) PollOne() (bool, error) {
	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()
	if t.fd < 0 {
		return false, net.ErrClosed
	} else if handler == nil {
		return false, errors.New("no handler")
	}
	buf, err := t.alloc.Allocate(t.alloc.MTU(), DirRx, WaitForever)
	if err != nil {
		return false, err
	}
	n, err := unix.Read(t.fd, buf.Payload())
	if err != nil || n <= 0 {
		buf.Release()
		return false, err
	}
	buf.SetSize(n)
	handler(buf, RoleStation)
	return true, nil
}

// Serve reads frames until ctx is done or the device is closed.
func (t *Tap) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		t.Close()
	}()
	for {
		_, err := t.PollOne()
		if ctx.Err() != nil {
			return ctx.Err()
		} else if err != nil && !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

func (t *Tap) tunsetFlags(flags uint16) error {
	t.clearIfreq()
	t.ifr.SetUint16(flags)
	return unix.IoctlIfreq(t.fd, unix.TUNSETIFF, &t.ifr)
}

func (t *Tap) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done != nil {
		close(t.done)
		t.done = nil
	}
	var err error
	if t.mcfd >= 0 {
		err = unix.Close(t.mcfd)
		t.mcfd = -1
	}
	if t.fd >= 0 {
		err = errors.Join(err, unix.Close(t.fd))
		t.fd = -1
	}
	return err
}

func (t *Tap) clearIfreq() {
	// Skip over initial 16 bytes which are Name and must not change.
	ifruStart := unsafe.Pointer(uintptr(unsafe.Pointer(&t.ifr)) + 16)
	// Zero next 24 bytes which correspond to ioctl value.
	ifru := (*[24]byte)(ifruStart)
	for i := range ifru {
		ifru[i] = 0
	}
}
