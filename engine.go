package wlanif

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/soypat/seqs"
	"github.com/soypat/seqs/eth/dhcp"
	"github.com/soypat/seqs/stacks"
)

type AddrMethod uint8

const (
	_ AddrMethod = iota
	AddrMethodDHCP
	AddrMethodManual
)

const (
	queueSize = 2
	// maxRetriesBeforeDropping bounds the sends of a frame the radio failed
	// to take. Frames waiting for the link to come up are not counted.
	maxRetriesBeforeDropping = 3
	// ethHeaderLen is the length of an untagged ethernet header.
	ethHeaderLen = 14
	idleSleep    = 51 * time.Millisecond
)

// Engine runs a seqs port stack on top of one bridged radio interface.
// Received frames reach the stack through the interface's input function;
// frames the stack produces are polled out and sent with the interface's link output.
//
// The blocking helpers (WaitForDHCP, DialTCP, ResolveHardwareAddr and resolver
// lookups) may run next to Run and the radio's receive loop but not concurrently
// with one another.
type Engine struct {
	bridge *Bridge
	alloc  *Allocator
	ifc    NetIf
	// stackmu guards s, dhcpc, prngstate and the clients built over s.
	// Receive dispatch, the tx poll and the blocking helpers all take it.
	stackmu   sync.Mutex
	s         *stacks.PortStack
	dhcpc     *stacks.DHCPClient
	prngstate uint32

	method     AddrMethod
	hostname   string
	dnssv      []netip.Addr
	router     netip.Addr
	routerHW   [6]byte
	prefix     netip.Prefix
	tcpbufsize int
	tcpconns   []engineTCPConn
	neighbors  neighborCache
	log        *slog.Logger

	// Tx queue. Only touched by poll.
	queue    [queueSize]*Buffer
	qretries [queueSize]int
}

type EngineConfig struct {
	// Role is the radio role the engine's interface is bound to.
	Role Role
	// Allocator provides transmit buffers. Its MTU must fit a full frame plus padding.
	Allocator       *Allocator
	MaxOpenPortsUDP uint16
	MaxOpenPortsTCP uint16
	// AddrMethod selects the mode in which the stack address is chosen or obtained.
	AddrMethod AddrMethod
	// Netmask is the bit prefix length of addresses on the physical network.
	// It is used if AddrMethod is set to Manual.
	Netmask uint8
	// Address is used to request a specific DHCP address
	// or set the address of the stack manually.
	Address netip.Addr
	// Router sets the default gateway. With DHCP a configured router
	// takes precedence over the one leased.
	Router netip.Addr
	// DNSServers sets the DNS servers. With DHCP configured servers
	// take precedence over the leased ones.
	DNSServers []netip.Addr
	Logger     *slog.Logger
	// Hostname is the hostname to request over DHCP.
	Hostname string
	// TCPBufferSize is the size of the buffer for TCP connections for both
	// send and receive buffers, in bytes. If zero a sensible value is used.
	TCPBuffersize int
	// Interface configures the bridged interface. Its Input and output
	// functions are set by the engine.
	Interface NetIfConfig
}

type engineTCPConn struct {
	mu   sync.Mutex // held while a dial uses the slot.
	conn *stacks.TCPConn
}

// NewEngine initializes an interface for cfg.Role on the bridge and returns a
// networking engine running over it.
// Engine facilitates:
//   - DHCP handling for address, router, DNS servers, and other network parameters.
//   - DNS resolution.
//   - TCP connection handling.
//   - ARP resolution (handled automatically)
func NewEngine(bridge *Bridge, cfg EngineConfig) (*Engine, error) {
	if bridge == nil {
		panic("bridge is nil")
	} else if cfg.Allocator == nil {
		return nil, errors.New("nil allocator")
	} else if cfg.AddrMethod != AddrMethodManual && cfg.AddrMethod != AddrMethodDHCP {
		return nil, errors.New("invalid address method")
	} else if cfg.TCPBuffersize < 0 || cfg.TCPBuffersize > 65535 {
		return nil, errors.New("invalid tcp buffer size")
	} else if cfg.AddrMethod == AddrMethodManual && !cfg.Address.IsValid() {
		return nil, errors.New("invalid address")
	}
	mtu := cfg.Interface.MTU
	if mtu == 0 {
		mtu = 1500
	}
	if mtu < 536 {
		return nil, errors.New("mtu too small")
	} else if bridge.PadSize()+mtu+ethHeaderLen > cfg.Allocator.MTU() {
		return nil, errors.New("allocator cannot hold a full frame")
	}
	mac, err := bridge.Radio().HardwareAddr6(cfg.Role)
	if err != nil {
		return nil, err
	}
	if cfg.AddrMethod == AddrMethodDHCP {
		cfg.MaxOpenPortsUDP++ // DHCP client port.
	}
	if cfg.TCPBuffersize == 0 {
		// 40 is the length of a Ethernet+IP+TCP header, no options.
		cfg.TCPBuffersize = 2 * (mtu - 40)
	}
	e := &Engine{
		bridge: bridge,
		alloc:  cfg.Allocator,
		s: stacks.NewPortStack(stacks.PortStackConfig{
			MaxOpenPortsUDP: int(cfg.MaxOpenPortsUDP),
			MaxOpenPortsTCP: int(cfg.MaxOpenPortsTCP),
			Logger:          cfg.Logger,
			MAC:             mac,
			MTU:             uint16(mtu),
		}),
		prngstate:  uint32(time.Now().UnixNano()) | 1,
		method:     cfg.AddrMethod,
		hostname:   cfg.Hostname,
		dnssv:      cfg.DNSServers,
		router:     cfg.Router,
		tcpbufsize: cfg.TCPBuffersize,
		tcpconns:   make([]engineTCPConn, cfg.MaxOpenPortsTCP),
		log:        cfg.Logger,
	}
	if cfg.AddrMethod == AddrMethodManual {
		e.s.SetAddr(cfg.Address)
		if cfg.Netmask > 0 {
			e.prefix, err = cfg.Address.Prefix(int(cfg.Netmask))
			if err != nil {
				return nil, err
			}
		}
	} else {
		e.dhcpc = stacks.NewDHCPClient(e.s, dhcp.DefaultClientPort)
	}

	// The stack is ready before the interface is registered, so frames
	// dispatched right after registration have somewhere to go.
	ifcfg := cfg.Interface
	ifcfg.MTU = mtu
	ifcfg.Input = StackInput(e.s, bridge.PadSize(), &e.stackmu)
	ifcfg.OutputIPv4 = linkOutputFunc()
	ifcfg.OutputIPv6 = linkOutputFunc()
	err = bridge.Initialize(&e.ifc, cfg.Role, ifcfg)
	if err != nil {
		return nil, err
	}

	if cfg.AddrMethod == AddrMethodDHCP {
		e.stackmu.Lock()
		err = e.dhcpc.BeginRequest(stacks.DHCPRequestConfig{
			Hostname:      e.hostname,
			RequestedAddr: cfg.Address,
			Xid:           e.prng32(),
		})
		e.stackmu.Unlock()
		if err != nil {
			bridge.RemoveInterface(&e.ifc)
			return nil, err
		}
	}
	return e, nil
}

// Interface returns the bridged network interface the engine runs on.
func (e *Engine) Interface() *NetIf {
	return &e.ifc
}

// Addr returns the IP address of the stack.
func (e *Engine) Addr() netip.Addr {
	e.stackmu.Lock()
	defer e.stackmu.Unlock()
	return e.s.Addr()
}

// Prefix returns the local network prefix, either configured or leased.
func (e *Engine) Prefix() netip.Prefix { return e.prefix }

// WaitForDHCP waits for DHCP to complete and applies the lease. This should
// always be called after creating the engine with AddrMethodDHCP.
// Run or HandlePoll must be running concurrently so DHCP packets go out.
func (e *Engine) WaitForDHCP(timeout time.Duration) error {
	if e.method != AddrMethodDHCP {
		return errors.New("not using DHCP")
	}
	done := e.waitStack(time.Now().Add(timeout), e.dhcpc.IsDone)
	e.stackmu.Lock()
	defer e.stackmu.Unlock()
	if done {
		e.applyLease()
	}
	e.dhcpc.Abort()
	if !done {
		return errors.New("DHCP did not complete")
	}
	return nil
}

// applyLease copies the DHCP results into the engine. Called with stackmu held.
func (e *Engine) applyLease() {
	c := e.dhcpc
	offer := c.Offer()
	if offer.IsValid() {
		e.s.SetAddr(offer)
	}
	if router := c.Router(); router.IsValid() && !e.router.IsValid() {
		e.router = router
	}
	if len(e.dnssv) == 0 {
		e.dnssv = c.DNSServers()
	}
	if bits := c.CIDRBits(); bits > 0 && bits < 32 && offer.IsValid() {
		prefix, err := offer.Prefix(int(bits))
		if err == nil {
			e.prefix = prefix
		}
	}
	if e.log != nil {
		var primaryDNS netip.Addr
		if len(e.dnssv) > 0 {
			primaryDNS = e.dnssv[0]
		}
		e.log.LogAttrs(context.Background(), slog.LevelInfo, "dhcp:lease",
			slog.String("ifc", e.ifc.Name()),
			slog.String("our-ip", offer.String()),
			slog.String("dns", primaryDNS.String()),
			slog.String("router", e.router.String()),
			slog.String("prefix", e.prefix.String()),
			slog.String("broadcast", c.BroadcastAddr().String()),
		)
	}
}

// DialTCP creates a new TCP connection to the remote address raddr. A zero
// establishDeadline waits for the handshake indefinitely.
func (e *Engine) DialTCP(localport uint16, establishDeadline time.Time, raddr netip.AddrPort) (net.Conn, error) {
	if !raddr.IsValid() {
		return nil, errors.New("invalid remote address")
	} else if e.Addr().BitLen() != raddr.Addr().BitLen() {
		return nil, errors.New("network must be the same as remote address network (v4/v6)")
	}
	slot := e.lockFreeTCPConn()
	if slot == nil {
		return nil, errors.New("no tcp connections available")
	}
	defer slot.mu.Unlock()

	hw, err := e.ResolveHardwareAddr(raddr.Addr(), time.Second)
	if err != nil {
		return nil, err
	}
	e.stackmu.Lock()
	if slot.conn == nil {
		slot.conn, err = stacks.NewTCPConn(e.s, stacks.TCPConnConfig{
			TxBufSize: uint16(e.tcpbufsize),
			RxBufSize: uint16(e.tcpbufsize),
		})
	}
	conn := slot.conn
	if err == nil {
		err = conn.OpenDialTCP(localport, hw, raddr, seqs.Value(e.prng32()))
	}
	e.stackmu.Unlock()
	if err != nil {
		return nil, err
	}

	established := e.waitStack(establishDeadline, func() bool {
		return !conn.State().IsPreestablished()
	})
	if !established {
		e.stackmu.Lock()
		conn.Close()
		e.stackmu.Unlock()
		return nil, errors.New("tcp dial timed out")
	}
	return conn, nil
}

// lockFreeTCPConn returns a locked connection slot that is unused or closed.
func (e *Engine) lockFreeTCPConn() *engineTCPConn {
	for i := range e.tcpconns {
		slot := &e.tcpconns[i]
		if !slot.mu.TryLock() {
			continue
		}
		e.stackmu.Lock()
		free := slot.conn == nil || slot.conn.State().IsClosed()
		e.stackmu.Unlock()
		if free {
			return slot
		}
		slot.mu.Unlock()
	}
	return nil
}

// HandlePoll moves frames produced by the stack out through the bridge and
// offers again the frames the link was not ready to take earlier.
func (e *Engine) HandlePoll() (sent int, err error) {
	return e.poll()
}

// Run polls the stack until ctx is done. It sleeps whenever a poll sends
// nothing, which includes frames waiting for the link to come up.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		sent, err := e.poll()
		if err != nil && e.log != nil {
			e.log.LogAttrs(ctx, slog.LevelError, "engine:poll", slog.String("err", err.Error()))
		}
		if sent == 0 {
			time.Sleep(idleSleep)
		}
	}
}

// markPktSent releases the queued frame in slot i.
func (e *Engine) markPktSent(i int) {
	e.queue[i].Release()
	e.queue[i] = nil
	e.qretries[i] = 0
}

func (e *Engine) queued() (n int) {
	for i := range e.queue {
		if e.queue[i] != nil {
			n++
		}
	}
	return n
}

// poll fills free queue slots with frames from the stack and offers every
// queued frame to the link. Frames the link is not ready for stay queued
// until it is; frames the radio fails to send are dropped after
// maxRetriesBeforeDropping attempts.
func (e *Engine) poll() (sent int, err error) {
	pad := e.bridge.PadSize()
	framelen := e.ifc.MTU() + ethHeaderLen

	var errQueue, errSent error
	for i := range e.queue {
		if e.queue[i] != nil {
			continue
		}
		buf, errAlloc := e.alloc.Allocate(pad+framelen, DirTx, NoWait)
		if errAlloc != nil {
			if !errors.Is(errAlloc, ErrTemporarilyUnavailable) {
				errQueue = errAlloc
			}
			break
		}
		e.stackmu.Lock()
		n, errHandle := e.s.HandleEth(buf.Payload()[pad:])
		e.stackmu.Unlock()
		if errHandle != nil || n == 0 {
			buf.Release()
			errQueue = errHandle
			break
		}
		buf.SetSize(pad + n)
		e.queue[i] = buf
	}

	for i := range e.queue {
		if e.queue[i] == nil {
			continue
		}
		err := e.ifc.LinkOutput(e.queue[i])
		switch {
		case err == nil:
			e.markPktSent(i)
			sent++
		case errors.Is(err, ErrInProgress):
			// Not consumed, offered again on the next poll.
		default:
			errSent = err
			e.qretries[i]++
			if e.qretries[i] > maxRetriesBeforeDropping {
				e.markPktSent(i)
				if e.log != nil {
					e.log.LogAttrs(context.Background(), slog.LevelError, "nic:drop-pkt",
						slog.String("ifc", e.ifc.Name()), slog.String("err", err.Error()))
				}
			}
		}
	}
	if errQueue != nil {
		return sent, errQueue
	}
	return sent, errSent
}

// waitStack evaluates cond with the stack locked until it holds or the
// deadline passes, backing off between evaluations without the lock.
// A zero deadline never passes.
func (e *Engine) waitStack(deadline time.Time, cond func() bool) bool {
	bo := newBackoff()
	for {
		e.stackmu.Lock()
		ok := cond()
		e.stackmu.Unlock()
		if ok {
			return true
		} else if !deadline.IsZero() && !time.Now().Before(deadline) {
			return false
		}
		bo.Miss()
	}
}

// backoff doubles the sleep between polls of a condition up to max.
type backoff struct {
	wait time.Duration
	max  time.Duration
}

func newBackoff() backoff {
	return backoff{wait: time.Millisecond, max: 500 * time.Millisecond}
}

// Miss sleeps and doubles the next wait.
func (b *backoff) Miss() {
	time.Sleep(b.wait)
	b.wait *= 2
	if b.wait > b.max {
		b.wait = b.max
	}
}

// prng32 is a xorshift generator for TCP initial sequence numbers and DHCP
// transaction IDs. Called with stackmu held.
func (e *Engine) prng32() uint32 {
	p := e.prngstate
	p ^= p << 13
	p ^= p >> 17
	p ^= p << 5
	e.prngstate = p
	return p
}
