package wlanif

import (
	"errors"
	"net/netip"
	"sync"
	"time"
)

// neighborTTL is how long a resolved hardware address is trusted.
const neighborTTL = 5 * time.Minute

// ResolveHardwareAddr returns the hardware address frames for ip are sent to:
//   - a cached neighbor if it has not expired.
//   - the router's address if ip is not on the local network.
//   - otherwise the answer to an ARP request, waited on for at most timeout.
func (e *Engine) ResolveHardwareAddr(ip netip.Addr, timeout time.Duration) ([6]byte, error) {
	if !ip.IsValid() {
		return [6]byte{}, errors.New("invalid ip")
	}
	if hw, ok := e.neighbors.lookup(ip, time.Now()); ok {
		return hw, nil
	}
	if !e.prefix.IsValid() {
		return [6]byte{}, errors.New("netmask/prefix undefined")
	}
	if !e.prefix.Contains(ip) {
		err := e.ensureRouterAddr()
		return e.routerHW, err
	}
	return e.resolveARP(ip, timeout)
}

func (e *Engine) resolveARP(ip netip.Addr, timeout time.Duration) ([6]byte, error) {
	e.stackmu.Lock()
	arpc := e.s.ARP()
	arpc.Abort() // Remove any previous ARP requests.
	err := arpc.BeginResolve(ip)
	e.stackmu.Unlock()
	if err != nil {
		return [6]byte{}, err
	}

	if !e.waitStack(time.Now().Add(timeout), arpc.IsDone) {
		e.stackmu.Lock()
		arpc.Abort()
		e.stackmu.Unlock()
		return [6]byte{}, errors.New("arp timed out")
	}
	e.stackmu.Lock()
	_, hw, err := arpc.ResultAs6()
	e.stackmu.Unlock()
	if err != nil {
		return [6]byte{}, err
	}
	e.neighbors.enter(ip, hw, time.Now())
	return hw, nil
}

// ensureRouterAddr resolves the router's hardware address once.
func (e *Engine) ensureRouterAddr() error {
	if e.routerHW != [6]byte{} {
		return nil
	} else if !e.router.IsValid() {
		return errors.New("gateway not set")
	} else if !e.prefix.Contains(e.router) {
		return errors.New("gateway outside local network")
	}
	hw, err := e.resolveARP(e.router, time.Second)
	if err != nil {
		return err
	}
	e.routerHW = hw
	return nil
}

// neighborCache holds recently resolved neighbors. When full the oldest
// entry is replaced.
type neighborCache struct {
	mu      sync.Mutex
	entries [8]neighbor
}

type neighbor struct {
	addr netip.Addr
	hw   [6]byte
	// entered is zero for unused entries.
	entered time.Time
}

func (c *neighborCache) lookup(addr netip.Addr, now time.Time) ([6]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.entries {
		n := &c.entries[i]
		if !n.entered.IsZero() && n.addr == addr && now.Sub(n.entered) < neighborTTL {
			return n.hw, true
		}
	}
	return [6]byte{}, false
}

func (c *neighborCache) enter(addr netip.Addr, hw [6]byte, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	slot := &c.entries[0]
	for i := range c.entries {
		n := &c.entries[i]
		if n.addr == addr || n.entered.IsZero() {
			slot = n
			break
		} else if n.entered.Before(slot.entered) {
			slot = n
		}
	}
	*slot = neighbor{addr: addr, hw: hw, entered: now}
}
