//go:build linux

// Command wlanbridge brings up a bridged interface over a TAP device or a raw
// socket, runs DHCP on it and joins the requested multicast groups.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/soypat/wlanif"
)

type serveRadio interface {
	wlanif.Radio
	Serve(ctx context.Context) error
}

func main() {
	var (
		flagInterface   string
		flagTap         string
		flagLogLevel    int
		flagPad         int
		flagHostname    string
		flagRequestedIP string
		flagGroups      string
		flagSniff       bool
		flagMLD         bool
		flagDHCPTimeout time.Duration
		flagStatsEvery  time.Duration
	)
	iface, err := wlanif.DefaultInterface()
	if err != nil {
		iface, err = net.InterfaceByIndex(1)
		if err != nil {
			log.Fatal("no interfaces found:", err)
		}
	}
	flag.StringVar(&flagInterface, "i", iface.Name, "Interface to open a raw socket on")
	flag.StringVar(&flagTap, "tap", "", "Use the named TAP device instead of a raw socket")
	flag.IntVar(&flagLogLevel, "l", int(slog.LevelInfo), "Log level")
	flag.IntVar(&flagPad, "pad", 2, "Size of the padding word in front of received frames")
	flag.StringVar(&flagHostname, "hostname", "wlanbridge", "Hostname requested over DHCP")
	flag.StringVar(&flagRequestedIP, "d", "", "IP address to request by DHCP")
	flag.StringVar(&flagGroups, "join", "", "Comma separated multicast groups to join, e.g. 224.0.0.251,ff02::fb")
	flag.BoolVar(&flagSniff, "sniff", false, "Log every frame crossing the bridge")
	flag.BoolVar(&flagMLD, "mld", true, "Enable IPv6 multicast filtering")
	flag.DurationVar(&flagDHCPTimeout, "dhcp-timeout", 8*time.Second, "DHCP timeout")
	flag.DurationVar(&flagStatsEvery, "stats", 10*time.Second, "Interval between statistics logs")
	flag.Parse()

	// Create structured logger.
	fp, _ := os.Create("wlanbridge.log")
	logger := slog.New(slog.NewTextHandler(io.MultiWriter(fp, os.Stdout), &slog.HandlerOptions{
		Level: slog.Level(flagLogLevel),
	}))

	var groups []netip.Addr
	for _, s := range strings.Split(flagGroups, ",") {
		if s == "" {
			continue
		}
		addr, err := netip.ParseAddr(strings.TrimSpace(s))
		if err != nil {
			log.Fatal("invalid group:", err)
		} else if !addr.IsMulticast() {
			log.Fatal("not a multicast group:", addr)
		}
		groups = append(groups, addr)
	}
	var reqAddr netip.Addr
	if flagRequestedIP != "" {
		reqAddr, err = netip.ParseAddr(flagRequestedIP)
		if err != nil {
			log.Fatal("invalid requested IP:", err)
		}
	}

	pool, err := wlanif.NewPool(wlanif.PoolConfig{Buffers: 16})
	if err != nil {
		log.Fatal(err)
	}
	alloc := wlanif.NewAllocator(pool, wlanif.AllocatorConfig{Logger: logger})

	var dev serveRadio
	if flagTap != "" {
		dev, err = wlanif.OpenTap(flagTap, alloc, logger)
	} else {
		dev, err = wlanif.NewEthSocket(flagInterface, alloc)
	}
	if err != nil {
		log.Fatal("opening radio:", err)
	}
	var radio wlanif.Radio = dev
	if flagSniff {
		radio = wlanif.NewSniffer(dev, wlanif.SnifferConfig{Logger: logger, Level: slog.LevelInfo})
	}

	bridge, err := wlanif.NewBridge(radio, wlanif.BridgeConfig{
		PadSize: flagPad,
		Logger:  logger,
	})
	if err != nil {
		log.Fatal("NewBridge:", err)
	}
	engine, err := wlanif.NewEngine(bridge, wlanif.EngineConfig{
		Role:            wlanif.RoleStation,
		Allocator:       alloc,
		AddrMethod:      wlanif.AddrMethodDHCP,
		Address:         reqAddr,
		Hostname:        flagHostname,
		MaxOpenPortsUDP: 1,
		MaxOpenPortsTCP: 1,
		Logger:          logger,
		Interface: wlanif.NetIfConfig{
			IGMP: true,
			MLD:  flagMLD,
		},
	})
	if err != nil {
		log.Fatal("NewEngine:", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	go func() {
		err := dev.Serve(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("radio:serve", slog.String("err", err.Error()))
			cancel()
		}
	}()
	go engine.Run(ctx)

	err = engine.WaitForDHCP(flagDHCPTimeout)
	if err != nil {
		logger.Error("dhcp", slog.String("err", err.Error()))
	}

	ifc := engine.Interface()
	for _, group := range groups {
		err = bridge.JoinGroup(ifc, group)
		if err != nil {
			logger.Error("join", slog.String("group", group.String()), slog.String("err", err.Error()))
		}
	}
	defer func() {
		for _, group := range groups {
			bridge.LeaveGroup(ifc, group)
		}
	}()

	ticker := time.NewTicker(flagStatsEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logStats(logger, bridge, pool)
			return
		case <-ticker.C:
			logStats(logger, bridge, pool)
		}
	}
}

func logStats(logger *slog.Logger, bridge *wlanif.Bridge, pool *wlanif.Pool) {
	ls := bridge.Stats()
	ps := pool.Stats()
	for _, ifc := range bridge.Interfaces() {
		st := ifc.Stats()
		logger.Info("stats",
			slog.String("ifc", ifc.Name()),
			slog.Uint64("in-octets", st.InOctets.Load()),
			slog.Uint64("in-ucast", st.InUcastPkts.Load()),
			slog.Uint64("in-nucast", st.InNUcastPkts.Load()),
			slog.Uint64("in-discards", st.InDiscards.Load()),
			slog.Uint64("out-octets", st.OutOctets.Load()),
			slog.Uint64("out-ucast", st.OutUcastPkts.Load()),
			slog.Uint64("out-nucast", st.OutNUcastPkts.Load()),
			slog.Uint64("out-errors", st.OutErrors.Load()),
		)
	}
	logger.Info("link-stats",
		slog.Uint64("xmit", ls.Xmit.Load()),
		slog.Uint64("recv", ls.Recv.Load()),
		slog.Uint64("drop", ls.Drop.Load()),
		slog.Uint64("lookup-miss", ls.LookupMiss.Load()),
		slog.Int("pool-in-use", ps.InUse()),
		slog.Uint64("pool-misses", ps.Misses),
	)
}
