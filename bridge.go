package wlanif

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

// BridgeConfig configures a Bridge.
type BridgeConfig struct {
	// PadSize is the size of the padding word some platforms reserve in front
	// of every received frame so the IP header ends up aligned. The padding is
	// never sent nor counted. Zero disables padding.
	PadSize int
	// Registry holds the registered interfaces. If nil the bridge uses its own.
	Registry *Registry
	Logger   *slog.Logger
}

// NetIfConfig configures an interface on Bridge.Initialize.
type NetIfConfig struct {
	// Name is the two letter interface tag. Defaults to "wl".
	Name string
	// MTU is the maximum transmission unit. Defaults to 1500.
	MTU int
	// Input is the stack's link input function. Required.
	Input InputFunc
	// OutputIPv4 and OutputIPv6 are the stack's per-protocol output functions.
	OutputIPv4 OutputFunc
	OutputIPv6 OutputFunc
	// IGMP enables IPv4 multicast filtering.
	IGMP bool
	// MLD enables IPv6 multicast filtering. The all-nodes link-local group
	// ff02::1 is joined on initialization.
	MLD bool
}

// LinkStats are bridge wide link counters.
type LinkStats struct {
	Xmit atomic.Uint64
	Recv atomic.Uint64
	// Drop counts received frames released by the bridge.
	Drop atomic.Uint64
	// LookupMiss counts received frames for roles with no registered interface.
	LookupMiss atomic.Uint64
}

// Bridge connects a radio driver to an IP stack. It initializes interfaces,
// transmits frames handed down by the stack and dispatches frames received
// by the radio to the interface registered for the frame's role.
//
// The bridge adds no locking on the frame paths: it relies on the stack
// serializing calls to Transmit and on the radio serializing receive callbacks.
type Bridge struct {
	radio Radio
	reg   *Registry
	pad   int
	log   *slog.Logger
	stats LinkStats
	mu    sync.Mutex // serializes Initialize and guards num.
	num   uint8
}

// NewBridge returns a bridge over radio and installs its receive dispatch as
// the radio's receive callback.
func NewBridge(radio Radio, cfg BridgeConfig) (*Bridge, error) {
	if radio == nil {
		panic("radio is nil")
	} else if cfg.PadSize < 0 {
		return nil, errors.New("wlanif: negative pad size")
	}
	reg := cfg.Registry
	if reg == nil {
		reg = new(Registry)
	}
	b := &Bridge{
		radio: radio,
		reg:   reg,
		pad:   cfg.PadSize,
		log:   cfg.Logger,
	}
	radio.RecvEthHandle(b.DispatchReceive)
	if notifier, ok := radio.(LinkNotifier); ok {
		err := notifier.NetNotify(b.handleEvent)
		if err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Initialize binds ifc to a radio role and registers it. It reads the MAC
// address from the radio, sets MTU and flags, installs the stack callbacks and,
// with MLD enabled, joins the all-nodes link-local group.
func (b *Bridge) Initialize(ifc *NetIf, role Role, cfg NetIfConfig) error {
	if ifc == nil {
		panic("ifc is nil")
	} else if cfg.Input == nil {
		return errors.New("wlanif: nil input function")
	} else if cfg.MTU < 0 {
		return errors.New("wlanif: negative MTU")
	} else if cfg.Name != "" && len(cfg.Name) != 2 {
		return errors.New("wlanif: interface name tag must be two characters")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if n := b.radio.NumInterfaces(); role.Index() >= n {
		return fmt.Errorf("%w: %s, radio exposes %d interfaces", ErrInvalidRole, role, n)
	}
	if _, exists := b.reg.FindByRole(role); exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRole, role)
	}
	hw, err := b.radio.HardwareAddr6(role)
	if err != nil {
		return fmt.Errorf("wlanif: reading %s hardware address: %w", role, err)
	}
	if cfg.Name == "" {
		cfg.Name = "wl"
	}
	if cfg.MTU == 0 {
		cfg.MTU = 1500
	}

	*ifc = NetIf{
		name:       [2]byte{cfg.Name[0], cfg.Name[1]},
		num:        b.num,
		role:       role,
		hw:         hw,
		mtu:        cfg.MTU,
		input:      cfg.Input,
		outputIPv4: cfg.OutputIPv4,
		outputIPv6: cfg.OutputIPv6,
		linkOutput: b.Transmit,
	}
	flags := FlagBroadcast | FlagEtherARP | FlagLinkUp
	if cfg.IGMP {
		flags |= FlagIGMP
	}
	if cfg.MLD {
		flags |= FlagMLD
	}
	ifc.flags.Store(uint32(flags))

	err = b.reg.Add(ifc)
	if err != nil {
		return err
	}
	if cfg.MLD {
		err = b.JoinGroup(ifc, allNodesLinkLocal)
		if err != nil {
			return errors.Join(err, b.reg.Remove(ifc))
		}
	}
	// Numbers are only consumed by interfaces that came up.
	b.num++
	b.info("bridge:netif-up",
		slog.String("ifc", ifc.Name()),
		slog.String("role", role.String()),
		slog.String("mac", net.HardwareAddr(hw[:]).String()),
		slog.Int("mtu", ifc.mtu),
	)
	return nil
}

// RemoveInterface unregisters ifc and marks its link down. Frames the radio
// delivers for its role afterwards are dropped.
func (b *Bridge) RemoveInterface(ifc *NetIf) error {
	err := b.reg.Remove(ifc)
	if err != nil {
		return err
	}
	ifc.SetLinkUp(false)
	b.info("bridge:netif-down", slog.String("ifc", ifc.Name()))
	return nil
}

// Transmit sends a single-segment ethernet frame out of ifc. It is the
// interface's link output function.
//
// If the radio link is not ready ErrInProgress is returned and frame is left
// untouched; the caller retries later. Otherwise the bridge holds a reference
// to frame only for the duration of the send: the caller keeps ownership
// and frame is unchanged when Transmit returns. Passing a chained frame panics.
func (b *Bridge) Transmit(ifc *NetIf, frame *Buffer) error {
	if ifc.role != RoleEthernet && !b.radio.IsReadyToTransmit(ifc.role) {
		return ErrInProgress
	}
	if frame.IsChained() {
		panic("wlanif: transmit of chained buffer")
	}
	frame.Ref()
	err := b.send(ifc, frame)
	frame.Release()
	return err
}

func (b *Bridge) send(ifc *NetIf, frame *Buffer) error {
	if b.pad > 0 {
		err := frame.AdjustHeader(-b.pad)
		if err != nil {
			return err
		}
		defer frame.AdjustHeader(b.pad)
	}
	data := frame.Payload()
	err := b.radio.SendEth(ifc.role, data)
	if err != nil {
		ifc.stats.OutErrors.Add(1)
		b.logerr("bridge:send-failed",
			slog.String("ifc", ifc.Name()),
			slog.Int("plen", len(data)),
			slog.String("err", err.Error()),
		)
		return fmt.Errorf("wlanif: %s send: %w", ifc.Name(), err)
	}
	var dst0 byte
	if len(data) > 0 {
		dst0 = data[0]
	}
	countFrame(dst0, len(data), &ifc.stats.OutOctets, &ifc.stats.OutUcastPkts, &ifc.stats.OutNUcastPkts)
	b.stats.Xmit.Add(1)
	return nil
}

// DispatchReceive is the radio's receive callback. It takes ownership of frame
// and hands it to the input function of the interface registered for role.
// Frames for roles without an interface are released silently. If the input
// function fails the frame is released here, otherwise the stack owns it.
func (b *Bridge) DispatchReceive(frame *Buffer, role Role) {
	if b.pad > 0 {
		err := frame.AdjustHeader(b.pad)
		if err != nil {
			b.stats.Drop.Add(1)
			b.debug("bridge:no-pad-room", slog.String("role", role.String()), slog.Int("headroom", frame.Headroom()))
			frame.Release()
			return
		}
	}
	ifc, ok := b.reg.FindByRole(role)
	if !ok {
		b.stats.LookupMiss.Add(1)
		b.stats.Drop.Add(1)
		b.debug("bridge:lookup-miss", slog.String("role", role.String()), slog.Int("plen", frame.TotalLen()-b.pad))
		frame.Release()
		return
	}
	var dst0 byte
	if first := frame.Payload(); len(first) > b.pad {
		dst0 = first[b.pad]
	}
	countFrame(dst0, frame.TotalLen()-b.pad, &ifc.stats.InOctets, &ifc.stats.InUcastPkts, &ifc.stats.InNUcastPkts)
	b.stats.Recv.Add(1)

	err := ifc.input(frame, ifc)
	if err != nil {
		ifc.stats.InDiscards.Add(1)
		b.stats.Drop.Add(1)
		b.debug("bridge:input-failed", slog.String("ifc", ifc.Name()), slog.String("err", err.Error()))
		frame.Release()
	}
}

// Interfaces returns the registered interfaces.
func (b *Bridge) Interfaces() []*NetIf { return b.reg.All() }

// Interface returns the interface registered for role.
func (b *Bridge) Interface(role Role) (*NetIf, bool) { return b.reg.FindByRole(role) }

// Registry returns the registry the bridge registers interfaces in.
func (b *Bridge) Registry() *Registry { return b.reg }

// Radio returns the underlying radio driver.
func (b *Bridge) Radio() Radio { return b.radio }

// PadSize returns the size of the padding word in front of received frames.
func (b *Bridge) PadSize() int { return b.pad }

// Stats returns the bridge wide link counters.
func (b *Bridge) Stats() *LinkStats { return &b.stats }

func (b *Bridge) handleEvent(role Role, ev Event) {
	ifc, ok := b.reg.FindByRole(role)
	if !ok {
		return
	}
	ifc.SetLinkUp(ev == EventNetUp)
	b.info("bridge:link", slog.String("ifc", ifc.Name()), slog.String("event", ev.String()))
}

func (b *Bridge) logAttrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if b.log != nil {
		b.log.LogAttrs(context.Background(), level, msg, attrs...)
	}
}

func (b *Bridge) debug(msg string, attrs ...slog.Attr) { b.logAttrs(slog.LevelDebug, msg, attrs...) }

func (b *Bridge) info(msg string, attrs ...slog.Attr) { b.logAttrs(slog.LevelInfo, msg, attrs...) }

func (b *Bridge) logerr(msg string, attrs ...slog.Attr) { b.logAttrs(slog.LevelError, msg, attrs...) }
