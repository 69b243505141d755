package wlanif

import (
	"bytes"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// testPeer is the host on the other side of a ChanRadio. It polls the engine
// and answers ARP requests, DNS queries, DHCP and TCP SYNs addressed to it.
type testPeer struct {
	t     *testing.T
	rig   testRig
	e     *Engine
	mac   net.HardwareAddr
	ip    net.IP
	hosts map[string]net.IP
	// lease is offered to DHCP clients. Nil disables the DHCP server.
	lease net.IP

	arpRequests atomic.Int32
	dnsQueries  atomic.Int32
	stop        chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func newTestPeer(t *testing.T, rig testRig, e *Engine) *testPeer {
	return &testPeer{
		t:    t,
		rig:  rig,
		e:    e,
		mac:  peerMAC,
		ip:   net.IP{192, 168, 1, 1},
		stop: make(chan struct{}),
	}
}

func (p *testPeer) start() {
	p.t.Cleanup(p.close)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-p.stop:
				return
			default:
			}
			p.e.HandlePoll()
			select {
			case f := <-p.rig.radio.C:
				reply := p.answer(f.Data)
				if reply == nil {
					continue
				}
				if err := p.rig.radio.Inject(f.Role, reply); err != nil {
					p.t.Error("inject:", err)
				}
			case <-time.After(time.Millisecond):
			}
		}
	}()
}

func (p *testPeer) close() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
}

func (p *testPeer) answer(frame []byte) []byte {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok {
		return nil
	}
	if arp, ok := pkt.Layer(layers.LayerTypeARP).(*layers.ARP); ok {
		return p.answerARP(eth, arp)
	}
	ip4, _ := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if ip4 == nil {
		return nil
	}
	if q, ok := pkt.Layer(layers.LayerTypeDNS).(*layers.DNS); ok && !q.QR {
		return p.answerDNS(eth, ip4, pkt.Layer(layers.LayerTypeUDP).(*layers.UDP), q)
	}
	if req, ok := pkt.Layer(layers.LayerTypeDHCPv4).(*layers.DHCPv4); ok && p.lease != nil && req.Operation == layers.DHCPOpRequest {
		return p.answerDHCP(req)
	}
	if tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP); ok && tcp.SYN && !tcp.ACK {
		synack := &layers.TCP{
			SrcPort: tcp.DstPort,
			DstPort: tcp.SrcPort,
			Seq:     1000,
			Ack:     tcp.Seq + 1,
			SYN:     true,
			ACK:     true,
			Window:  4096,
		}
		return p.serialize(eth.SrcMAC, ip4.SrcIP, layers.IPProtocolTCP, synack)
	}
	return nil
}

func (p *testPeer) answerARP(eth *layers.Ethernet, req *layers.ARP) []byte {
	if req.Operation != layers.ARPRequest || !bytes.Equal(req.DstProtAddress, p.ip.To4()) {
		return nil
	}
	p.arpRequests.Add(1)
	reply := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   p.mac,
		SourceProtAddress: p.ip.To4(),
		DstHwAddress:      req.SourceHwAddress,
		DstProtAddress:    req.SourceProtAddress,
	}
	return p.build(&layers.Ethernet{SrcMAC: p.mac, DstMAC: eth.SrcMAC, EthernetType: layers.EthernetTypeARP}, reply)
}

func (p *testPeer) answerDNS(eth *layers.Ethernet, ip4 *layers.IPv4, udp *layers.UDP, q *layers.DNS) []byte {
	p.dnsQueries.Add(1)
	resp := &layers.DNS{
		ID:           q.ID,
		QR:           true,
		OpCode:       layers.DNSOpCodeQuery,
		RD:           q.RD,
		RA:           true,
		ResponseCode: layers.DNSResponseCodeNXDomain,
		Questions:    q.Questions,
	}
	for _, question := range q.Questions {
		if ip, ok := p.hosts[string(question.Name)]; ok {
			resp.ResponseCode = layers.DNSResponseCodeNoErr
			resp.Answers = append(resp.Answers, layers.DNSResourceRecord{
				Name:  question.Name,
				Type:  layers.DNSTypeA,
				Class: layers.DNSClassIN,
				TTL:   60,
				IP:    ip,
			})
		}
	}
	reply := &layers.UDP{SrcPort: udp.DstPort, DstPort: udp.SrcPort}
	return p.serialize(eth.SrcMAC, ip4.SrcIP, layers.IPProtocolUDP, reply, resp)
}

func (p *testPeer) answerDHCP(req *layers.DHCPv4) []byte {
	var reply layers.DHCPMsgType
	for _, opt := range req.Options {
		if opt.Type != layers.DHCPOptMessageType || len(opt.Data) != 1 {
			continue
		}
		switch layers.DHCPMsgType(opt.Data[0]) {
		case layers.DHCPMsgTypeDiscover:
			reply = layers.DHCPMsgTypeOffer
		case layers.DHCPMsgTypeRequest:
			reply = layers.DHCPMsgTypeAck
		}
	}
	if reply == 0 {
		return nil
	}
	resp := &layers.DHCPv4{
		Operation:    layers.DHCPOpReply,
		HardwareType: layers.LinkTypeEthernet,
		HardwareLen:  6,
		Xid:          req.Xid,
		Flags:        req.Flags,
		YourClientIP: p.lease,
		NextServerIP: p.ip,
		ClientHWAddr: req.ClientHWAddr,
		Options: layers.DHCPOptions{
			layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(reply)}),
			layers.NewDHCPOption(layers.DHCPOptServerID, p.ip.To4()),
			layers.NewDHCPOption(layers.DHCPOptLeaseTime, []byte{0, 0, 0x0e, 0x10}),
			layers.NewDHCPOption(layers.DHCPOptSubnetMask, []byte{255, 255, 255, 0}),
			layers.NewDHCPOption(layers.DHCPOptRouter, p.ip.To4()),
			layers.NewDHCPOption(layers.DHCPOptDNS, p.ip.To4()),
		},
	}
	udp := &layers.UDP{SrcPort: 67, DstPort: 68}
	return p.serialize(broadcastMAC, net.IPv4bcast, layers.IPProtocolUDP, udp, resp)
}

// serialize builds an ethernet/IPv4 frame from the peer carrying transport and payload layers.
func (p *testPeer) serialize(dstMAC net.HardwareAddr, dstIP net.IP, proto layers.IPProtocol, l ...gopacket.SerializableLayer) []byte {
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: proto, SrcIP: p.ip, DstIP: dstIP}
	switch tr := l[0].(type) {
	case *layers.UDP:
		tr.SetNetworkLayerForChecksum(ip)
	case *layers.TCP:
		tr.SetNetworkLayerForChecksum(ip)
	}
	eth := &layers.Ethernet{SrcMAC: p.mac, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	return p.build(append([]gopacket.SerializableLayer{eth, ip}, l...)...)
}

func (p *testPeer) build(l ...gopacket.SerializableLayer) []byte {
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, l...)
	if err != nil {
		p.t.Error("serialize:", err)
		return nil
	}
	return buf.Bytes()
}
