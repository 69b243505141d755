//go:build linux

package wlanif

import (
	"errors"
	"net"

	"github.com/vishvananda/netlink"
)

// DefaultInterface returns the network interface the IPv4 default route goes through.
func DefaultInterface() (*net.Interface, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return nil, err
	}
	for _, route := range routes {
		if route.Dst != nil && !route.Dst.IP.IsUnspecified() {
			continue
		}
		link, err := netlink.LinkByIndex(route.LinkIndex)
		if err != nil {
			return nil, err
		}
		return net.InterfaceByName(link.Attrs().Name)
	}
	return nil, errors.New("no default interface found")
}
