//go:build linux

package wlanif

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/soypat/seqs/eth"
	"golang.org/x/sys/unix"
)

// EthSocket is a radio driver backed by an AF_PACKET socket bound to a host
// interface. It exposes a single station role.
type EthSocket struct {
	fd    int
	index int
	sa    unix.SockaddrLinklayer
	hw6   [6]byte
	alloc *Allocator
	// ethernet handler.
	mu       sync.Mutex
	ehandler func(*Buffer, Role)
}

var _ Radio = (*EthSocket)(nil)

// NewEthSocket opens a raw socket on the named interface. Received frames are
// allocated from alloc.
func NewEthSocket(interfaceName string, alloc *Allocator) (*EthSocket, error) {
	if alloc == nil {
		panic("allocator is nil")
	}
	iface, err := net.InterfaceByName(interfaceName)
	if err != nil {
		return nil, err
	}
	srcMac := iface.HardwareAddr
	if len(srcMac) != 6 {
		srcMac = []byte{0, 0, 0, 0, 0, 0}
	}

	ethsock := EthSocket{alloc: alloc, index: iface.Index}
	ethsock.hw6 = [6]byte(srcMac)
	ethsock.sa = unix.SockaddrLinklayer{
		Ifindex: iface.Index,
		Halen:   uint8(len(ethsock.hw6)),
	}
	ethsock.fd, err = unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, err
	}
	err = unix.Bind(ethsock.fd, &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  iface.Index,
	})
	if err != nil {
		unix.Close(ethsock.fd)
		return nil, err
	}
	return &ethsock, nil
}

// NumInterfaces returns 1: the socket carries a single station role.
func (e *EthSocket) NumInterfaces() int { return 1 }

func (e *EthSocket) HardwareAddr6(role Role) ([6]byte, error) {
	if role != RoleStation {
		return [6]byte{}, ErrInvalidRole
	}
	if e.hw6 == [6]byte{} {
		return e.hw6, errors.New("no hardware address")
	}
	return e.hw6, nil
}

// IsReadyToTransmit reports whether the socket is open and the host interface is up.
func (e *EthSocket) IsReadyToTransmit(role Role) bool {
	if role != RoleStation || e.fd <= 0 {
		return false
	}
	iface, err := net.InterfaceByIndex(e.index)
	return err == nil && iface.Flags&net.FlagUp != 0
}

func (e *EthSocket) SendEth(role Role, data []byte) error {
	if role != RoleStation {
		return ErrInvalidRole
	} else if len(data) < ethHeaderLen {
		return errors.New("ethernet frame too short")
	}
	ehdr := eth.DecodeEthernetHeader(data)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sa.Protocol = htons(ehdr.SizeOrEtherType)
	copy(e.sa.Addr[:6], ehdr.Destination[:6])
	return unix.Sendto(e.fd, data, 0, &e.sa)
}

func (e *EthSocket) RegisterMulticast(mac [6]byte) error {
	return e.membership(unix.PACKET_ADD_MEMBERSHIP, mac)
}

func (e *EthSocket) UnregisterMulticast(mac [6]byte) error {
	return e.membership(unix.PACKET_DROP_MEMBERSHIP, mac)
}

func (e *EthSocket) membership(opt int, mac [6]byte) error {
	mreq := unix.PacketMreq{
		Ifindex: int32(e.index),
		Type:    unix.PACKET_MR_MULTICAST,
		Alen:    6,
	}
	copy(mreq.Address[:], mac[:])
	return unix.SetsockoptPacketMreq(e.fd, unix.SOL_PACKET, opt, &mreq)
}

func (e *EthSocket) RecvEthHandle(fn func(*Buffer, Role)) {
	e.mu.Lock()
	e.ehandler = fn
	e.mu.Unlock()
}

// PollOne blocks until a frame is received and hands it to the receive handler.
func (e *EthSocket) PollOne() (bool, error) {
	e.mu.Lock()
	handler := e.ehandler
	e.mu.Unlock()
	if e.fd <= 0 {
		return false, net.ErrClosed
	} else if handler == nil {
		return false, errors.New("no handler")
	}
	buf, err := e.alloc.Allocate(e.alloc.MTU(), DirRx, WaitForever)
	if err != nil {
		return false, err
	}
	n, _, err := unix.Recvfrom(e.fd, buf.Payload(), 0)
	if err != nil || n == 0 {
		buf.Release()
		return false, err
	}
	buf.SetSize(n)
	handler(buf, RoleStation)
	return true, nil
}

// Serve receives frames until ctx is done or the socket is closed.
func (e *EthSocket) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		e.Close()
	}()
	for {
		_, err := e.PollOne()
		if ctx.Err() != nil {
			return ctx.Err()
		} else if err != nil && !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

func (e *EthSocket) Close() error {
	fd := e.fd
	if fd <= 0 {
		return net.ErrClosed
	}
	e.fd = -1
	return unix.Close(fd)
}

// htons converts a short (uint16) from host-to-network byte order.
func htons(i uint16) uint16 {
	return (i<<8)&0xff00 | i>>8
}
