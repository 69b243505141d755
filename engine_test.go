package wlanif

import (
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

func TestNewEngineValidation(t *testing.T) {
	rig := newTestRig(t, 2, 1)
	small, err := NewPool(PoolConfig{Buffers: 2, BufferSize: 600})
	if err != nil {
		t.Fatal(err)
	}
	manual := netip.AddrFrom4([4]byte{192, 168, 1, 2})
	tests := []struct {
		name string
		cfg  EngineConfig
		want error
	}{
		{name: "no allocator", cfg: EngineConfig{AddrMethod: AddrMethodDHCP}},
		{name: "no method", cfg: EngineConfig{Allocator: rig.alloc}},
		{name: "manual without address", cfg: EngineConfig{Allocator: rig.alloc, AddrMethod: AddrMethodManual}},
		{name: "mtu too small", cfg: EngineConfig{Allocator: rig.alloc, AddrMethod: AddrMethodManual, Address: manual, Interface: NetIfConfig{MTU: 300}}},
		{name: "allocator too small", cfg: EngineConfig{Allocator: NewAllocator(small, AllocatorConfig{}), AddrMethod: AddrMethodManual, Address: manual}},
		{name: "role", cfg: EngineConfig{Allocator: rig.alloc, AddrMethod: AddrMethodManual, Address: manual, Role: RoleAP}, want: ErrInvalidRole},
	}
	for _, tt := range tests {
		_, err := NewEngine(rig.bridge, tt.cfg)
		if err == nil {
			t.Errorf("%s: expected error", tt.name)
		} else if tt.want != nil && !errors.Is(err, tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, err, tt.want)
		}
	}
	if rig.bridge.Registry().Len() != 0 {
		t.Error("failed engine left an interface registered")
	}
}

func TestEngineManual(t *testing.T) {
	rig := newTestRig(t, 2, 1)
	addr := netip.AddrFrom4([4]byte{192, 168, 1, 2})
	e, err := NewEngine(rig.bridge, EngineConfig{
		Allocator:       rig.alloc,
		AddrMethod:      AddrMethodManual,
		Address:         addr,
		Netmask:         24,
		MaxOpenPortsUDP: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if e.Addr() != addr {
		t.Errorf("addr %s, want %s", e.Addr(), addr)
	}
	if got, _ := rig.bridge.Interface(RoleStation); got != e.Interface() || got.Name() != "wl0" {
		t.Fatal("engine interface not registered for station role")
	}
	// Whatever the stack makes of the frame, the receive buffer returns to the pool.
	err = rig.radio.Inject(RoleStation, udpFrame(t, peerMAC, peerMAC, []byte("to a closed port")))
	if err != nil {
		t.Fatal(err)
	}
	if rig.pool.Stats().InUse() != 0 {
		t.Error("received frame not released")
	}
}

func TestEngineDHCPQueuesUntilReady(t *testing.T) {
	rig := newTestRig(t, 2, 1)
	e, err := NewEngine(rig.bridge, EngineConfig{
		Allocator:  rig.alloc,
		AddrMethod: AddrMethodDHCP,
		Hostname:   "wlan-test",
	})
	if err != nil {
		t.Fatal(err)
	}

	sent, err := e.HandlePoll()
	if err != nil || sent != 0 {
		t.Fatalf("poll while associating: sent=%d err=%v", sent, err)
	}
	queued := e.queued()
	if queued == 0 {
		t.Fatal("stack produced no DHCP discover")
	} else if len(rig.radio.C) != 0 {
		t.Fatal("frame sent over a link not ready")
	}
	if inUse := rig.pool.Stats().InUse(); inUse != queued {
		t.Fatalf("%d buffers in use for %d queued frames", inUse, queued)
	}

	rig.radio.SetReady(RoleStation, true)
	sent, err = e.HandlePoll()
	if err != nil || sent < queued {
		t.Fatalf("poll after association: sent=%d queued=%d err=%v", sent, queued, err)
	}
	frame := <-rig.radio.C
	pkt := gopacket.NewPacket(frame.Data, layers.LayerTypeEthernet, gopacket.Default)
	eth, _ := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	udp, _ := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if eth == nil || udp == nil {
		t.Fatalf("sent frame is not ethernet/udp: %v", pkt)
	}
	if eth.DstMAC.String() != broadcastMAC.String() || udp.DstPort != 67 {
		t.Errorf("discover sent to %s port %d", eth.DstMAC, udp.DstPort)
	}
	if st := e.Interface().Stats(); st.OutNUcastPkts.Load() == 0 {
		t.Error("broadcast not counted")
	}
}

func TestEngineKeepsFramesUntilAssociated(t *testing.T) {
	rig := newTestRig(t, 2, 1)
	e, err := NewEngine(rig.bridge, EngineConfig{Allocator: rig.alloc, AddrMethod: AddrMethodDHCP})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3*maxRetriesBeforeDropping; i++ {
		sent, err := e.HandlePoll()
		if sent != 0 || err != nil {
			t.Fatalf("poll %d while not ready: sent=%d err=%v", i, sent, err)
		}
	}
	if e.queued() == 0 {
		t.Fatal("frame dropped while waiting for association")
	}
	rig.radio.SetReady(RoleStation, true)
	sent, err := e.HandlePoll()
	if err != nil || sent == 0 || len(rig.radio.C) != sent {
		t.Fatalf("after association: sent=%d err=%v radio frames=%d", sent, err, len(rig.radio.C))
	}
}

func TestEngineDropsAfterRetries(t *testing.T) {
	rig := newTestRig(t, 0, 1)
	rig.radio.SetReady(RoleStation, true)
	e, err := NewEngine(rig.bridge, EngineConfig{Allocator: rig.alloc, AddrMethod: AddrMethodDHCP})
	if err != nil {
		t.Fatal(err)
	}
	errRadio := errors.New("radio busy")
	rig.radio.SetSendError(errRadio)
	for i := 0; i < maxRetriesBeforeDropping; i++ {
		_, err = e.HandlePoll()
		if !errors.Is(err, errRadio) {
			t.Fatalf("poll %d: got %v", i, err)
		}
		if e.queue[0] == nil || e.qretries[0] != i+1 {
			t.Fatalf("poll %d: frame not kept for retry, retries=%d", i, e.qretries[0])
		}
	}
	_, err = e.HandlePoll()
	if !errors.Is(err, errRadio) {
		t.Fatalf("last retry: got %v", err)
	}
	if e.queue[0] != nil || e.qretries[0] != 0 {
		t.Errorf("slot not freed after %d retries", maxRetriesBeforeDropping+1)
	}
	if e.ifc.Stats().OutErrors.Load() != maxRetriesBeforeDropping+1 {
		t.Errorf("out errors %d", e.ifc.Stats().OutErrors.Load())
	}
	if inUse := rig.pool.Stats().InUse(); inUse != e.queued() {
		t.Errorf("%d buffers in use for %d queued frames", inUse, e.queued())
	}
}

func newManualEngine(t *testing.T, rig testRig, cfg EngineConfig) *Engine {
	t.Helper()
	cfg.Allocator = rig.alloc
	cfg.AddrMethod = AddrMethodManual
	cfg.Address = netip.AddrFrom4([4]byte{192, 168, 1, 2})
	cfg.Netmask = 24
	e, err := NewEngine(rig.bridge, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestEngineResolveHardwareAddr(t *testing.T) {
	rig := newTestRig(t, 2, 1)
	rig.radio.SetReady(RoleStation, true)
	e := newManualEngine(t, rig, EngineConfig{MaxOpenPortsUDP: 1})
	peer := newTestPeer(t, rig, e)
	peer.start()

	ip := netip.AddrFrom4([4]byte{192, 168, 1, 1})
	for i := 0; i < 2; i++ {
		hw, err := e.ResolveHardwareAddr(ip, 2*time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if net.HardwareAddr(hw[:]).String() != peerMAC.String() {
			t.Fatalf("resolved %x, want %s", hw, peerMAC)
		}
	}
	if n := peer.arpRequests.Load(); n != 1 {
		t.Errorf("%d ARP requests, want 1 with the second lookup cached", n)
	}

	_, err := e.ResolveHardwareAddr(netip.AddrFrom4([4]byte{192, 168, 1, 77}), 50*time.Millisecond)
	if err == nil {
		t.Error("silent neighbor resolved")
	}
	_, err = e.ResolveHardwareAddr(netip.AddrFrom4([4]byte{8, 8, 8, 8}), time.Second)
	if err == nil {
		t.Error("off-link address resolved without a gateway")
	}
}

func TestEngineResolverAndDial(t *testing.T) {
	rig := newTestRig(t, 2, 1)
	rig.radio.SetReady(RoleStation, true)
	server := netip.AddrFrom4([4]byte{192, 168, 1, 1})
	e := newManualEngine(t, rig, EngineConfig{
		MaxOpenPortsUDP: 1,
		MaxOpenPortsTCP: 1,
		Router:          server,
		DNSServers:      []netip.Addr{server},
	})
	peer := newTestPeer(t, rig, e)
	peer.hosts = map[string]net.IP{"broker.test": {192, 168, 1, 1}}
	peer.start()

	resolver := e.NewResolver(53, 2*time.Second)
	addrs, err := resolver.LookupNetIP("broker.test")
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 1 || addrs[0] != server {
		t.Fatalf("resolved %v, want %s", addrs, server)
	}
	if _, err = resolver.LookupNetIP("missing.test"); err == nil {
		t.Error("NXDOMAIN resolved")
	}
	if peer.dnsQueries.Load() != 2 {
		t.Errorf("%d dns queries", peer.dnsQueries.Load())
	}

	conn, err := e.DialTCP(4000, time.Now().Add(3*time.Second), netip.AddrPortFrom(addrs[0], 1883))
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.DialTCP(4001, time.Now().Add(time.Second), netip.AddrPortFrom(addrs[0], 1883))
	if err == nil {
		t.Error("dialed with every connection slot in use")
	}
	peer.close()
	conn.Close()
}

func TestEngineDHCP(t *testing.T) {
	rig := newTestRig(t, 2, 1)
	e, err := NewEngine(rig.bridge, EngineConfig{
		Allocator:  rig.alloc,
		AddrMethod: AddrMethodDHCP,
		Hostname:   "wlan-test",
	})
	if err != nil {
		t.Fatal(err)
	}
	peer := newTestPeer(t, rig, e)
	peer.lease = net.IP{192, 168, 1, 50}
	peer.start()

	// The discover goes out once association completes.
	time.Sleep(10 * time.Millisecond)
	rig.radio.SetReady(RoleStation, true)
	err = e.WaitForDHCP(3 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	want := netip.AddrFrom4([4]byte{192, 168, 1, 50})
	if e.Addr() != want {
		t.Errorf("leased %s, want %s", e.Addr(), want)
	}
	if e.Prefix().String() != "192.168.1.0/24" {
		t.Errorf("prefix %s", e.Prefix())
	}
}
