package wlanif

import (
	"net"
	"net/netip"
	"strconv"
	"sync/atomic"
)

// Interface is the minimum view of a network interface and is based on [net.Interface].
type Interface interface {
	// HardwareAddr6 returns the device's 6-byte [MAC address].
	//
	// [MAC address]: https://en.wikipedia.org/wiki/MAC_address
	HardwareAddr6() ([6]byte, error)
	// NetFlags returns the net.Flag values for the interface. It includes state of connection.
	NetFlags() net.Flags
	// MTU returns the maximum transmission unit size.
	MTU() int
}

// Resolver is the interface for DNS resolution, as implemented by the `net` package.
type Resolver interface {
	// LookupNetIP returns the IP addresses of a host.
	LookupNetIP(host string) ([]netip.Addr, error)
}

// Flags are the capability and state flags of a NetIf.
type Flags uint8

const (
	FlagBroadcast Flags = 1 << iota // Broadcast capable.
	FlagEtherARP                    // Resolves addresses with ARP over ethernet.
	FlagLinkUp                      // Link is up.
	FlagIGMP                        // IPv4 multicast filter capable.
	FlagMLD                         // IPv6 multicast filter capable.
)

// InputFunc is the IP stack's link input function. On success the stack owns
// buf. On failure buf was not consumed and the caller still owns it.
type InputFunc func(buf *Buffer, ifc *NetIf) error

// OutputFunc is a per-protocol output function of the IP stack, e.g. the
// ARP resolving IPv4 output or the neighbor discovery IPv6 output.
type OutputFunc func(ifc *NetIf, buf *Buffer, dst netip.Addr) error

// NetIf is a network interface bound to one role of a radio.
// A NetIf is set up once with Bridge.Initialize and not modified afterwards,
// except for its link flag and counters.
type NetIf struct {
	name  [2]byte
	num   uint8
	role  Role
	hw    [6]byte
	mtu   int
	flags atomic.Uint32

	input      InputFunc
	outputIPv4 OutputFunc
	outputIPv6 OutputFunc
	linkOutput func(ifc *NetIf, buf *Buffer) error

	stats Stats
}

var _ Interface = (*NetIf)(nil)

// Name returns the interface name: its two letter tag followed by its number, i.e. "wl0".
func (ifc *NetIf) Name() string {
	return string(ifc.name[:]) + strconv.Itoa(int(ifc.num))
}

// Role returns the radio role the interface is bound to.
func (ifc *NetIf) Role() Role { return ifc.role }

// HardwareAddr6 returns the MAC address read from the radio at initialization.
func (ifc *NetIf) HardwareAddr6() ([6]byte, error) {
	if ifc.hw == [6]byte{} {
		return ifc.hw, ErrNoInterface
	}
	return ifc.hw, nil
}

// MTU returns the maximum transmission unit of the interface.
func (ifc *NetIf) MTU() int { return ifc.mtu }

// Flags returns the current interface flags.
func (ifc *NetIf) Flags() Flags { return Flags(ifc.flags.Load()) }

// HasFlags reports whether all of f are set.
func (ifc *NetIf) HasFlags(f Flags) bool { return ifc.Flags()&f == f }

// SetLinkUp sets or clears FlagLinkUp.
func (ifc *NetIf) SetLinkUp(up bool) {
	for {
		old := ifc.flags.Load()
		nu := old &^ uint32(FlagLinkUp)
		if up {
			nu |= uint32(FlagLinkUp)
		}
		if ifc.flags.CompareAndSwap(old, nu) {
			return
		}
	}
}

// NetFlags returns the interface flags as [net.Flags].
func (ifc *NetIf) NetFlags() net.Flags {
	f := ifc.Flags()
	var nf net.Flags
	if f&FlagLinkUp != 0 {
		nf |= net.FlagUp | net.FlagRunning
	}
	if f&FlagBroadcast != 0 {
		nf |= net.FlagBroadcast
	}
	if f&(FlagIGMP|FlagMLD) != 0 {
		nf |= net.FlagMulticast
	}
	return nf
}

// Output hands an IP packet to the per-protocol output function of the stack.
// It is called by upper layers; the bridge itself only ever uses LinkOutput.
func (ifc *NetIf) Output(buf *Buffer, dst netip.Addr) error {
	out := ifc.outputIPv4
	if dst.Is6() && !dst.Is4In6() {
		out = ifc.outputIPv6
	}
	if out == nil {
		return ErrNoInterface
	}
	return out(ifc, buf, dst)
}

// LinkOutput sends a complete ethernet frame out of the interface.
func (ifc *NetIf) LinkOutput(buf *Buffer) error {
	if ifc.linkOutput == nil {
		return ErrNoInterface
	}
	return ifc.linkOutput(ifc, buf)
}

// Stats returns the interface counters.
func (ifc *NetIf) Stats() *Stats { return &ifc.stats }

// Stats holds per-interface counters. Receive and transmit fields are
// independent so both paths may update them from different contexts.
type Stats struct {
	InOctets      atomic.Uint64
	InUcastPkts   atomic.Uint64
	InNUcastPkts  atomic.Uint64
	InDiscards    atomic.Uint64
	OutOctets     atomic.Uint64
	OutUcastPkts  atomic.Uint64
	OutNUcastPkts atomic.Uint64
	OutErrors     atomic.Uint64
}

// countFrame adds a frame of n octets to the counters, classifying it by the
// group bit of the first destination address byte dst0.
func countFrame(dst0 byte, n int, octets, ucast, nucast *atomic.Uint64) {
	octets.Add(uint64(n))
	if dst0&1 != 0 {
		nucast.Add(1)
	} else {
		ucast.Add(1)
	}
}
