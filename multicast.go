package wlanif

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
)

// FilterAction is the operation requested on a hardware multicast filter.
type FilterAction uint8

const (
	FilterAdd FilterAction = iota + 1
	FilterDel
)

func (a FilterAction) String() string {
	switch a {
	case FilterAdd:
		return "add"
	case FilterDel:
		return "del"
	}
	return "invalid"
}

// allNodesLinkLocal is the IPv6 all-nodes link-local group ff02::1 joined at bring-up.
var allNodesLinkLocal = netip.AddrFrom16([16]byte{0: 0xff, 1: 0x02, 15: 0x01})

// MulticastMAC returns the hardware multicast address a group address maps to.
// IPv4 groups map to 01:00:5e followed by the low 23 bits of the group address.
// IPv6 groups map to 33:33 followed by the low 32 bits of the group address.
func MulticastMAC(group netip.Addr) (mac [6]byte, err error) {
	switch {
	case group.Is4():
		g := group.As4()
		mac = [6]byte{0x01, 0x00, 0x5e, g[1] & 0x7f, g[2], g[3]}
	case group.Is6():
		g := group.As16()
		mac = [6]byte{0x33, 0x33, g[12], g[13], g[14], g[15]}
	default:
		return mac, ErrInvalidGroup
	}
	return mac, nil
}

// JoinGroup adds the hardware filter for group on the interface's radio.
// It is the join half of the IGMP/MLD MAC filter callback.
func (b *Bridge) JoinGroup(ifc *NetIf, group netip.Addr) error {
	return b.MACFilter(ifc, group, FilterAdd)
}

// LeaveGroup removes the hardware filter for group from the interface's radio.
func (b *Bridge) LeaveGroup(ifc *NetIf, group netip.Addr) error {
	return b.MACFilter(ifc, group, FilterDel)
}

// MACFilter is the group membership callback invoked by the IGMP and MLD
// machinery of the IP stack. Every call is forwarded to the radio driver as is:
// membership is not counted here, the driver manages its filter slots.
func (b *Bridge) MACFilter(ifc *NetIf, group netip.Addr, action FilterAction) error {
	if action != FilterAdd && action != FilterDel {
		return ErrInvalidFilterAction
	}
	mac, err := MulticastMAC(group)
	if err != nil {
		return err
	}
	if group.Is4() && !ifc.HasFlags(FlagIGMP) || group.Is6() && !ifc.HasFlags(FlagMLD) {
		return fmt.Errorf("%w: %s filtering disabled on %s", ErrFilterRejected, familyName(group), ifc.Name())
	}
	if action == FilterAdd {
		err = b.radio.RegisterMulticast(mac)
	} else {
		err = b.radio.UnregisterMulticast(mac)
	}
	if err != nil {
		b.logerr("mcast:filter-rejected",
			slog.String("ifc", ifc.Name()),
			slog.String("action", action.String()),
			slog.String("group", group.String()),
			slog.String("err", err.Error()),
		)
		return fmt.Errorf("%w: %s %s: %w", ErrFilterRejected, action, net.HardwareAddr(mac[:]), err)
	}
	b.info("mcast:filter",
		slog.String("ifc", ifc.Name()),
		slog.String("action", action.String()),
		slog.String("group", group.String()),
		slog.String("mac", net.HardwareAddr(mac[:]).String()),
	)
	return nil
}

func familyName(addr netip.Addr) string {
	if addr.Is4() {
		return "igmp"
	}
	return "mld"
}
