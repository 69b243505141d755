package wlanif

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	peerMAC      = net.HardwareAddr{0x02, 0xaa, 0xbb, 0xcc, 0xdd, 0xee}
	broadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
)

type testRig struct {
	bridge *Bridge
	radio  *ChanRadio
	pool   *Pool
	alloc  *Allocator
}

func newTestRig(t *testing.T, pad, interfaces int) testRig {
	t.Helper()
	pool, err := NewPool(PoolConfig{Buffers: 4})
	if err != nil {
		t.Fatal(err)
	}
	alloc := NewAllocator(pool, AllocatorConfig{})
	alloc.sleep = func(time.Duration) { t.Fatal("unexpected sleep") }
	radio := NewChanRadio(alloc, ChanRadioConfig{Interfaces: interfaces, MaxFilters: 2})
	bridge, err := NewBridge(radio, BridgeConfig{PadSize: pad})
	if err != nil {
		t.Fatal(err)
	}
	return testRig{bridge: bridge, radio: radio, pool: pool, alloc: alloc}
}

// recordingInput records frames handed to the stack and fails or takes ownership as configured.
type recordingInput struct {
	calls  int
	frames [][]byte
	fail   error
	keep   []*Buffer
}

func (in *recordingInput) fn(buf *Buffer, ifc *NetIf) error {
	in.calls++
	in.frames = append(in.frames, append([]byte(nil), buf.Payload()...))
	if in.fail != nil {
		return in.fail
	}
	in.keep = append(in.keep, buf)
	return nil
}

func (in *recordingInput) releaseAll() {
	for _, b := range in.keep {
		b.Release()
	}
	in.keep = nil
}

func (rig testRig) initialize(t *testing.T, role Role, in *recordingInput, cfg NetIfConfig) *NetIf {
	t.Helper()
	var ifc NetIf
	cfg.Input = in.fn
	err := rig.bridge.Initialize(&ifc, role, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return &ifc
}

// txBuffer returns a pool buffer holding frame preceded by pad bytes of padding.
func (rig testRig) txBuffer(t *testing.T, pad int, frame []byte) *Buffer {
	t.Helper()
	buf, err := rig.alloc.Allocate(pad+len(frame), DirTx, NoWait)
	if err != nil {
		t.Fatal(err)
	}
	copy(buf.Payload()[pad:], frame)
	return buf
}

func udpFrame(t *testing.T, dst, src net.HardwareAddr, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       src,
		DstMAC:       dst,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP{192, 168, 1, 2},
		DstIP:    net.IP{192, 168, 1, 1},
	}
	udp := &layers.UDP{SrcPort: 40000, DstPort: 5353}
	udp.SetNetworkLayerForChecksum(ip)
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload))
	if err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}
