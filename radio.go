package wlanif

import "strconv"

// Role identifies one of the logical interfaces multiplexed on a single radio.
// It is the radio-interface handle frames are tagged with on receive.
type Role uint8

// Radio roles. Their numeric values are the indices the radio driver exposes.
const (
	RoleStation Role = iota
	RoleAP
	RoleP2P
	// RoleEthernet is the always-on wired interface some modules carry next to
	// the radio. It never waits for association before transmitting.
	RoleEthernet
)

// Index returns the index of the role in the radio driver's interface table.
func (r Role) Index() int { return int(r) }

func (r Role) String() string {
	switch r {
	case RoleStation:
		return "sta"
	case RoleAP:
		return "ap"
	case RoleP2P:
		return "p2p"
	case RoleEthernet:
		return "eth"
	}
	return "role(" + strconv.Itoa(int(r)) + ")"
}

// Event is a link event reported by a radio driver.
type Event uint8

// Network events
const (
	// The device's network connection is now UP
	EventNetUp Event = iota
	// The device's network connection is now DOWN
	EventNetDown
)

func (e Event) String() string {
	switch e {
	case EventNetUp:
		return "up"
	case EventNetDown:
		return "down"
	}
	return "event(" + strconv.Itoa(int(e)) + ")"
}

// Radio is the contract consumed from a WiFi radio driver.
type Radio interface {
	// NumInterfaces returns how many logical interfaces the driver exposes.
	// A role is usable when its Index is below this count.
	NumInterfaces() int
	// HardwareAddr6 returns the 6-byte [MAC address] of the role's interface.
	// It fails only for roles the driver does not know.
	//
	// [MAC address]: https://en.wikipedia.org/wiki/MAC_address
	HardwareAddr6(role Role) ([6]byte, error)
	// IsReadyToTransmit reports whether the role's link can carry frames,
	// i.e. the station is associated or the access point is up.
	IsReadyToTransmit(role Role) bool
	// SendEth sends an ethernet frame synchronously. The driver does not keep
	// a reference to frame after returning.
	SendEth(role Role, frame []byte) error
	// RegisterMulticast adds a hardware multicast address to the receive filter.
	RegisterMulticast(mac [6]byte) error
	// UnregisterMulticast removes a hardware multicast address from the receive filter.
	UnregisterMulticast(mac [6]byte) error
	// RecvEthHandle sets the receive callback. The driver hands over ownership
	// of buf on each call.
	RecvEthHandle(func(buf *Buffer, role Role))
}

// LinkNotifier is implemented by radios that report link state changes.
type LinkNotifier interface {
	NetNotify(cb func(role Role, ev Event)) error
}
