package wlanif

import (
	"errors"
	"net/netip"
	"time"

	"github.com/soypat/seqs/eth/dns"
	"github.com/soypat/seqs/stacks"
)

// NewResolver returns a DNS client that queries the engine's first DNS
// server from localport. Lookups give up after timeout, 2s if zero.
func (e *Engine) NewResolver(localport uint16, timeout time.Duration) Resolver {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	e.stackmu.Lock()
	client := stacks.NewDNSClient(e.s, localport)
	e.stackmu.Unlock()
	return &engineResolver{e: e, dns: client, timeout: timeout}
}

type engineResolver struct {
	e       *Engine
	dns     *stacks.DNSClient
	timeout time.Duration
}

// LookupNetIP resolves the IPv4 addresses of host. IPv6 addresses in the
// answers are returned too.
func (r *engineResolver) LookupNetIP(host string) ([]netip.Addr, error) {
	name, err := dns.NewName(host)
	if err != nil {
		return nil, err
	}
	e := r.e
	if len(e.dnssv) == 0 {
		return nil, errors.New("no dns servers")
	}
	server := e.dnssv[0]
	deadline := time.Now().Add(r.timeout)
	serverHW, err := e.ResolveHardwareAddr(server, r.timeout)
	if err != nil {
		return nil, err
	}

	e.stackmu.Lock()
	err = r.dns.StartResolve(stacks.DNSResolveConfig{
		Questions: []dns.Question{
			{Name: name, Type: dns.TypeA, Class: dns.ClassINET},
		},
		DNSAddr:         server,
		DNSHWAddr:       serverHW,
		EnableRecursion: true,
	})
	e.stackmu.Unlock()
	if err != nil {
		return nil, err
	}

	var rcode dns.RCode
	done := e.waitStack(deadline, func() (done bool) {
		done, rcode = r.dns.IsDone()
		return done
	})
	e.stackmu.Lock()
	defer e.stackmu.Unlock()
	defer r.dns.Abort()
	if !done {
		return nil, errors.New("dns lookup timed out")
	} else if rcode != dns.RCodeSuccess {
		return nil, errors.New("dns lookup failed: " + rcode.String())
	}
	var addrs []netip.Addr
	var foundIPv4 bool
	for _, answer := range r.dns.Answers() {
		data := answer.RawData()
		switch len(data) {
		case 4:
			foundIPv4 = true
			addrs = append(addrs, netip.AddrFrom4([4]byte(data)))
		case 16:
			addrs = append(addrs, netip.AddrFrom16([16]byte(data)))
		}
	}
	if !foundIPv4 {
		return addrs, errors.New("no ipv4 dns answers")
	}
	return addrs, nil
}
