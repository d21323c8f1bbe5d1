package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/tinyrange/etherbridge/internal/redirect"
)

// Canonical user-mode NAT network: 10.0.2.0/24 with the stack answering as
// gateway and DNS relay. The guest's own MAC is a fixed constant; there is
// no hardware to query.
const (
	slirpNICID tcpip.NICID = 1

	slirpPrefixLen = 24

	// Outbound proxy sizing.
	slirpMaxInFlight = 1024

	// Idle cutoff for proxied UDP flows.
	slirpUDPIdleTimeout = 2 * time.Minute
)

var (
	slirpGuestMAC   = net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
	slirpGatewayMAC = net.HardwareAddr{0x52, 0x55, 0x0a, 0x00, 0x02, 0x02}

	slirpGatewayIPv4 = [4]byte{10, 0, 2, 2}
	slirpDNSIPv4     = [4]byte{10, 0, 2, 3}
)

// slirpNAT is the user-mode NAT transport: a gvisor tcpip stack posing as
// the guest's gateway. Outbound guest flows are accepted by TCP/UDP
// forwarders and dialed onto the host network; inbound redirect rules listen
// on host ports and dial into the guest through the same stack.
//
// Frames transmitted by the guest are pushed through a pipe drained by the
// event pump, which is the only writer into the stack. The reception loop
// independently drains frames the stack emits.
type slirpNAT struct {
	log   *slog.Logger
	rules []redirect.Rule

	netStack *stack.Stack
	linkEP   *channel.Endpoint
	txCh     chan []byte

	// dnsUpstream is "host:port" of the first host resolver, or empty when
	// no resolver could be found (the relay then answers SERVFAIL).
	dnsUpstream string

	mu      sync.Mutex
	closers []io.Closer
}

func newSlirp(redirSpecs []string, opts Options) (Backend, error) {
	log := opts.logger()
	return &slirpNAT{
		log:   log,
		rules: redirect.ParseAll(redirSpecs, log),
		txCh:  make(chan []byte, 64),
	}, nil
}

// hostResolverAddr reads the host's resolver configuration for the guest
// DNS relay.
func hostResolverAddr() (string, error) {
	cc, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", err
	}
	if len(cc.Servers) == 0 {
		return "", errors.New("no nameservers configured")
	}
	return net.JoinHostPort(cc.Servers[0], cc.Port), nil
}

func (s *slirpNAT) Open(ctx context.Context) error {
	upstream, err := hostResolverAddr()
	if err != nil {
		// The NAT still works without a resolver; guest DNS queries will
		// fail with SERVFAIL until the host has one.
		s.log.Warn("slirp: no host DNS resolver found", "err", err)
	}
	s.dnsUpstream = upstream

	ns := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})

	sackEnabled := tcpip.TCPSACKEnabled(true)
	if terr := ns.SetTransportProtocolOption(tcp.ProtocolNumber, &sackEnabled); terr != nil {
		return fmt.Errorf("slirp: enable tcp sack: %s", terr)
	}

	// The channel MTU is the L2 MTU; the ethernet endpoint subtracts the
	// header to get a 1500-byte L3 MTU.
	linkEP := channel.New(512, 1500+header.EthernetMinimumSize,
		tcpip.LinkAddress(slirpGatewayMAC))
	if terr := ns.CreateNIC(slirpNICID, ethernet.New(linkEP)); terr != nil {
		linkEP.Close()
		return fmt.Errorf("slirp: create nic: %s", terr)
	}

	if terr := ns.AddProtocolAddress(slirpNICID, tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   tcpip.AddrFrom4(slirpGatewayIPv4),
			PrefixLen: slirpPrefixLen,
		},
	}, stack.AddressProperties{}); terr != nil {
		linkEP.Close()
		return fmt.Errorf("slirp: add gateway address: %s", terr)
	}

	// Accept flows for any destination so guest traffic to the wider
	// internet reaches the forwarders.
	if terr := ns.SetPromiscuousMode(slirpNICID, true); terr != nil {
		linkEP.Close()
		return fmt.Errorf("slirp: set promiscuous: %s", terr)
	}
	if terr := ns.SetSpoofing(slirpNICID, true); terr != nil {
		linkEP.Close()
		return fmt.Errorf("slirp: set spoofing: %s", terr)
	}

	ipv4Subnet, err := tcpip.NewSubnet(
		tcpip.AddrFromSlice(make([]byte, 4)),
		tcpip.MaskFromBytes(make([]byte, 4)),
	)
	if err != nil {
		linkEP.Close()
		return fmt.Errorf("slirp: build default subnet: %w", err)
	}
	ns.SetRouteTable([]tcpip.Route{{Destination: ipv4Subnet, NIC: slirpNICID}})

	tcpFwd := tcp.NewForwarder(ns, 0, slirpMaxInFlight, s.acceptTCP)
	ns.SetTransportProtocolHandler(tcp.ProtocolNumber, tcpFwd.HandlePacket)
	udpFwd := udp.NewForwarder(ns, s.acceptUDP)
	ns.SetTransportProtocolHandler(udp.ProtocolNumber, udpFwd.HandlePacket)

	s.netStack = ns
	s.linkEP = linkEP

	// Redirect rules bind before any traffic flows. A port that cannot be
	// bound fails the whole open, with everything acquired so far released
	// in reverse order.
	for _, rule := range s.rules {
		if err := s.installRedirect(rule); err != nil {
			s.closeAll()
			s.netStack = nil
			s.linkEP = nil
			return fmt.Errorf("slirp: install redirect %s: %w", rule, err)
		}
	}

	s.log.Debug("slirp: opened", "redirects", len(s.rules), "dns", s.dnsUpstream)
	return nil
}

func (s *slirpNAT) closeAll() {
	s.mu.Lock()
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()
	for i := len(closers) - 1; i >= 0; i-- {
		_ = closers[i].Close()
	}
	if s.linkEP != nil {
		s.linkEP.Close()
	}
	if s.netStack != nil {
		s.netStack.Close()
	}
}

func (s *slirpNAT) addCloser(c io.Closer) {
	s.mu.Lock()
	s.closers = append(s.closers, c)
	s.mu.Unlock()
}

func (s *slirpNAT) Close() error {
	s.closeAll()
	return nil
}

func (s *slirpNAT) HardwareAddr() net.HardwareAddr { return slirpGuestMAC }

// The NAT sees every frame already; nothing to filter.
func (s *slirpNAT) AddMulticast(addr net.HardwareAddr) error { return nil }
func (s *slirpNAT) DelMulticast(addr net.HardwareAddr) error { return nil }

// Transmit pushes the frame into the pipe the event pump drains. A full
// pipe behaves like a transmit buffer full condition.
func (s *slirpNAT) Transmit(f []byte) error {
	if !validFrameLen(len(f)) {
		return fmt.Errorf("bad frame length %d", len(f))
	}
	out := append([]byte(nil), f...)
	select {
	case s.txCh <- out:
		return nil
	default:
		return ErrTransmitBufferFull
	}
}

// PumpLoop is the dedicated second loop: it is the only writer into the NAT
// stack, injecting frames the guest transmitted.
func (s *slirpNAT) PumpLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-s.txCh:
			pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
				Payload: buffer.MakeWithData(f),
			})
			// The ethernet link endpoint parses the L2 header itself; the
			// protocol argument is ignored.
			s.linkEP.InjectInbound(0, pkt)
		}
	}
}

func (s *slirpNAT) ReceiveLoop(ctx context.Context, deliver DeliverFunc) error {
	for {
		pkt := s.linkEP.ReadContext(ctx)
		if pkt == nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		f := pkt.ToView().AsSlice()
		out := append([]byte(nil), f...)
		pkt.DecRef()

		if !validFrameLen(len(out)) {
			continue
		}
		if err := deliver(out); err != nil {
			return err
		}
	}
}

// hostDialAddr rewrites a guest-visible destination into one dialable on
// the host network. The gateway address aliases the host itself.
func hostDialAddr(addr tcpip.Address, port uint16) string {
	ip := net.IP(addr.AsSlice())
	if addr.Len() == 4 && addr.As4() == slirpGatewayIPv4 {
		ip = net.IPv4(127, 0, 0, 1)
	}
	return net.JoinHostPort(ip.String(), fmt.Sprintf("%d", port))
}

// acceptTCP handles an outbound guest TCP connection by dialing the real
// destination on the host network and splicing the two together.
func (s *slirpNAT) acceptTCP(r *tcp.ForwarderRequest) {
	id := r.ID()

	hc, err := net.DialTimeout("tcp", hostDialAddr(id.LocalAddress, id.LocalPort), 10*time.Second)
	if err != nil {
		s.log.Debug("slirp: outbound dial failed",
			"dst", hostDialAddr(id.LocalAddress, id.LocalPort), "err", err)
		r.Complete(true) // sends RST
		return
	}

	var wq waiter.Queue
	ep, terr := r.CreateEndpoint(&wq)
	if terr != nil {
		s.log.Debug("slirp: create endpoint failed", "err", terr.String())
		_ = hc.Close()
		r.Complete(true)
		return
	}
	r.Complete(false)
	ep.SocketOptions().SetKeepAlive(true)

	go spliceConns(gonet.NewTCPConn(&wq, ep), hc)
}

// acceptUDP handles an outbound guest UDP flow. Queries to the virtual DNS
// address are answered by the relay; everything else is proxied to the real
// destination.
func (s *slirpNAT) acceptUDP(r *udp.ForwarderRequest) bool {
	id := r.ID()

	var wq waiter.Queue
	ep, terr := r.CreateEndpoint(&wq)
	if terr != nil {
		s.log.Debug("slirp: create udp endpoint failed", "err", terr.String())
		return true
	}
	conn := gonet.NewUDPConn(&wq, ep)

	if id.LocalPort == 53 && id.LocalAddress.Len() == 4 && id.LocalAddress.As4() == slirpDNSIPv4 {
		go s.serveDNS(conn)
		return true
	}
	go s.proxyUDP(conn, hostDialAddr(id.LocalAddress, id.LocalPort))
	return true
}

// serveDNS relays guest DNS queries to the host's resolver.
func (s *slirpNAT) serveDNS(conn *gonet.UDPConn) {
	defer conn.Close()
	client := &dns.Client{Timeout: 5 * time.Second}
	buf := make([]byte, 4096)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(slirpUDPIdleTimeout))
		n, err := conn.Read(buf)
		if err != nil {
			return
		}

		query := new(dns.Msg)
		if err := query.Unpack(buf[:n]); err != nil {
			s.log.Debug("slirp: bad dns query", "err", err)
			continue
		}

		var reply *dns.Msg
		if s.dnsUpstream != "" {
			reply, _, err = client.Exchange(query, s.dnsUpstream)
			if err != nil {
				s.log.Debug("slirp: dns exchange failed", "err", err)
				reply = nil
			}
		}
		if reply == nil {
			reply = new(dns.Msg)
			reply.SetRcode(query, dns.RcodeServerFailure)
		}

		packed, err := reply.Pack()
		if err != nil {
			continue
		}
		if _, err := conn.Write(packed); err != nil {
			return
		}
	}
}

func (s *slirpNAT) proxyUDP(conn *gonet.UDPConn, dst string) {
	defer conn.Close()
	hc, err := net.Dial("udp", dst)
	if err != nil {
		s.log.Debug("slirp: outbound udp dial failed", "dst", dst, "err", err)
		return
	}
	defer hc.Close()
	relayPackets(conn, hc, slirpUDPIdleTimeout)
}

// installRedirect binds one host port and forwards it to the guest.
func (s *slirpNAT) installRedirect(rule redirect.Rule) error {
	guest := tcpip.FullAddress{
		NIC:  slirpNICID,
		Addr: tcpip.AddrFrom4(rule.GuestAddr.As4()),
		Port: rule.GuestPort,
	}

	if rule.UDP {
		pc, err := net.ListenPacket("udp", fmt.Sprintf(":%d", rule.HostPort))
		if err != nil {
			return err
		}
		s.addCloser(pc)
		go s.redirectUDP(pc, guest)
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", rule.HostPort))
	if err != nil {
		return err
	}
	s.addCloser(ln)
	go s.redirectTCP(ln, guest)
	return nil
}

func (s *slirpNAT) redirectTCP(ln net.Listener, guest tcpip.FullAddress) {
	for {
		hc, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			gc, err := gonet.DialContextTCP(context.Background(), s.netStack, guest, ipv4.ProtocolNumber)
			if err != nil {
				s.log.Debug("slirp: redirect dial into guest failed", "err", err)
				_ = hc.Close()
				return
			}
			spliceConns(gc, hc)
		}()
	}
}

// redirectUDP forwards host datagrams to the guest, keeping one guest flow
// per host peer so replies find their way back.
func (s *slirpNAT) redirectUDP(pc net.PacketConn, guest tcpip.FullAddress) {
	var mu sync.Mutex
	flows := make(map[string]*gonet.UDPConn)
	buf := make([]byte, 65535)

	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			mu.Lock()
			for _, c := range flows {
				_ = c.Close()
			}
			mu.Unlock()
			return
		}

		key := from.String()
		mu.Lock()
		gc, ok := flows[key]
		mu.Unlock()
		if !ok {
			gc, err = gonet.DialUDP(s.netStack, nil, &guest, ipv4.ProtocolNumber)
			if err != nil {
				s.log.Debug("slirp: redirect udp dial into guest failed", "err", err)
				continue
			}
			mu.Lock()
			flows[key] = gc
			mu.Unlock()

			go func(gc *gonet.UDPConn, to net.Addr, key string) {
				rbuf := make([]byte, 65535)
				for {
					_ = gc.SetReadDeadline(time.Now().Add(slirpUDPIdleTimeout))
					n, err := gc.Read(rbuf)
					if err != nil {
						break
					}
					if _, err := pc.WriteTo(rbuf[:n], to); err != nil {
						break
					}
				}
				mu.Lock()
				delete(flows, key)
				mu.Unlock()
				_ = gc.Close()
			}(gc, from, key)
		}

		if _, err := gc.Write(buf[:n]); err != nil {
			s.log.Debug("slirp: redirect udp write failed", "err", err)
		}
	}
}

// spliceConns copies both directions until either side closes.
func spliceConns(a, b net.Conn) {
	defer a.Close()
	defer b.Close()
	done := make(chan struct{}, 2)
	go func() { _, _ = io.Copy(a, b); done <- struct{}{} }()
	go func() { _, _ = io.Copy(b, a); done <- struct{}{} }()
	<-done
}

// relayPackets mirrors spliceConns for datagram conns with an idle cutoff.
func relayPackets(a, b net.Conn, idle time.Duration) {
	done := make(chan struct{}, 2)
	relay := func(dst, src net.Conn) {
		buf := make([]byte, 65535)
		for {
			_ = src.SetReadDeadline(time.Now().Add(idle))
			n, err := src.Read(buf)
			if err != nil {
				break
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				break
			}
		}
		done <- struct{}{}
	}
	go relay(b, a)
	go relay(a, b)
	<-done
}

var (
	_ Backend   = (*slirpNAT)(nil)
	_ EventPump = (*slirpNAT)(nil)
)
