package wlanif

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// SnifferConfig configures a Sniffer.
type SnifferConfig struct {
	// Level is the level frames are logged at. Defaults to slog.LevelDebug.
	Level  slog.Leveler
	Logger *slog.Logger
}

// Sniffer wraps a radio driver and logs every frame passing through it.
// Received frames are logged before the bridge sees them, so no padding is present.
type Sniffer struct {
	Radio
	log     *slog.Logger
	level   slog.Level
	enabled atomic.Bool
	handler func(*Buffer, Role)
}

// NewSniffer returns a radio that logs frames sent and received by lower.
func NewSniffer(lower Radio, cfg SnifferConfig) *Sniffer {
	if lower == nil {
		panic("lower radio is nil")
	}
	if cfg.Level == nil {
		cfg.Level = slog.LevelDebug
	}
	s := &Sniffer{
		Radio: lower,
		log:   cfg.Logger,
		level: cfg.Level.Level(),
	}
	s.enabled.Store(cfg.Logger != nil)
	return s
}

// Enable turns frame logging on or off.
func (s *Sniffer) Enable(on bool) { s.enabled.Store(on && s.log != nil) }

// SendEth logs the frame and forwards it to the lower radio.
func (s *Sniffer) SendEth(role Role, frame []byte) error {
	if s.enabled.Load() {
		s.LogFrame("send", role, frame)
	}
	return s.Radio.SendEth(role, frame)
}

// RecvEthHandle installs fn behind the sniffer so received frames get logged first.
func (s *Sniffer) RecvEthHandle(fn func(*Buffer, Role)) {
	s.handler = fn
	s.Radio.RecvEthHandle(s.recv)
}

// NetNotify forwards link events of the lower radio if it reports them.
func (s *Sniffer) NetNotify(cb func(Role, Event)) error {
	if notifier, ok := s.Radio.(LinkNotifier); ok {
		return notifier.NetNotify(cb)
	}
	return nil
}

func (s *Sniffer) recv(buf *Buffer, role Role) {
	if s.enabled.Load() {
		s.LogFrame("recv", role, buf.Payload())
	}
	s.handler(buf, role)
}

// LogFrame decodes an ethernet frame and logs its addressing.
func (s *Sniffer) LogFrame(prefix string, role Role, frame []byte) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
	attrs := []slog.Attr{
		slog.String("role", role.String()),
		slog.Int("plen", len(frame)),
	}
	if ethLayer := pkt.Layer(layers.LayerTypeEthernet); ethLayer != nil {
		eth := ethLayer.(*layers.Ethernet)
		attrs = append(attrs,
			slog.String("src", eth.SrcMAC.String()),
			slog.String("dst", eth.DstMAC.String()),
			slog.String("type", eth.EthernetType.String()),
		)
	}
	if net := pkt.NetworkLayer(); net != nil {
		attrs = append(attrs, slog.String("net", net.NetworkFlow().String()))
	}
	if tr := pkt.TransportLayer(); tr != nil {
		attrs = append(attrs,
			slog.String("proto", tr.LayerType().String()),
			slog.String("ports", tr.TransportFlow().String()),
		)
	}
	if errLayer := pkt.ErrorLayer(); errLayer != nil {
		attrs = append(attrs, slog.String("decode-err", errLayer.Error().Error()))
	}
	s.log.LogAttrs(context.Background(), s.level, "sniff:"+prefix, attrs...)
}
