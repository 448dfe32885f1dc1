package netif

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
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
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

const userModeNIC tcpip.NICID = 1

// Addresses of the user mode network. The gateway answers ARP, ICMP echo
// and DNS; the guest is expected to configure itself statically.
var (
	GatewayIPv4 = net.IPv4(10, 42, 0, 1).To4()
	GuestIPv4   = net.IPv4(10, 42, 0, 2).To4()
	GatewayMAC  = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
)

const gatewayPrefixLen = 24

type UserModeConfig struct {
	// GuestMAC defaults to a random address.
	GuestMAC net.HardwareAddr
	// Hosts answers A queries for these names (without trailing dot).
	Hosts map[string]string
	// Upstream is a "host:port" resolver for names not in Hosts.
	Upstream string
	Logger   *slog.Logger
}

// UserMode is a network backend that needs no host privileges: the guest
// talks to a gVisor stack acting as its gateway.
type UserMode struct {
	log      *slog.Logger
	mac      net.HardwareAddr
	stack    *stack.Stack
	ch       *channel.Endpoint
	rx       *frameQueue
	hosts    map[string]string
	upstream string

	dnsConn   *gonet.UDPConn
	dnsServer *dns.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

func addrFrom4(ip net.IP) tcpip.Address {
	var b [4]byte
	copy(b[:], ip.To4())
	return tcpip.AddrFrom4(b)
}

func NewUserMode(cfg UserModeConfig) (*UserMode, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mac := cfg.GuestMAC
	if mac == nil {
		var err error
		if mac, err = RandomMAC(); err != nil {
			return nil, err
		}
	}

	u := &UserMode{
		log:      logger,
		mac:      mac,
		rx:       newFrameQueue(1024),
		hosts:    make(map[string]string, len(cfg.Hosts)+1),
		upstream: cfg.Upstream,
	}
	for name, ip := range cfg.Hosts {
		u.hosts[dns.Fqdn(strings.ToLower(name))] = ip
	}
	u.hosts["gateway."] = GatewayIPv4.String()

	// channel.Endpoint's MTU is the L2 MTU; ethernet.Endpoint subtracts the
	// header to get the L3 one.
	u.ch = channel.New(1024, DefaultMTU+header.EthernetMinimumSize, tcpip.LinkAddress(string(GatewayMAC)))
	u.stack = stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{udp.NewProtocol},
	})
	if err := u.stack.CreateNIC(userModeNIC, ethernet.New(u.ch)); err != nil {
		u.stack.Close()
		return nil, fmt.Errorf("netif: create gateway nic: %v", err)
	}
	if err := u.stack.AddProtocolAddress(userModeNIC, tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   addrFrom4(GatewayIPv4),
			PrefixLen: gatewayPrefixLen,
		},
	}, stack.AddressProperties{}); err != nil {
		u.stack.Close()
		return nil, fmt.Errorf("netif: add gateway address: %v", err)
	}
	u.stack.SetRouteTable([]tcpip.Route{{
		Destination: header.IPv4EmptySubnet,
		NIC:         userModeNIC,
	}})

	conn, err := gonet.DialUDP(u.stack, &tcpip.FullAddress{
		NIC:  userModeNIC,
		Addr: addrFrom4(GatewayIPv4),
		Port: 53,
	}, nil, ipv4.ProtocolNumber)
	if err != nil {
		u.stack.Close()
		return nil, fmt.Errorf("netif: bind dns: %w", err)
	}
	u.dnsConn = conn

	mux := dns.NewServeMux()
	mux.HandleFunc(".", u.handleDNSRequest)
	u.dnsServer = &dns.Server{
		Addr:       net.JoinHostPort(GatewayIPv4.String(), "53"),
		Net:        "udp",
		Handler:    mux,
		PacketConn: conn,
	}

	ctx, cancel := context.WithCancel(context.Background())
	u.cancel = cancel

	u.wg.Add(2)
	go func() {
		defer u.wg.Done()
		if err := u.dnsServer.ActivateAndServe(); err != nil && !errors.Is(err, net.ErrClosed) {
			u.log.Error("netif: dns server exited", "err", err)
		}
	}()
	go func() {
		defer u.wg.Done()
		u.pump(ctx)
	}()

	logger.Debug("netif: user mode network ready",
		"gateway", GatewayIPv4.String(), "guest", GuestIPv4.String(), "mac", mac.String())
	return u, nil
}

// pump moves frames the gateway emits into the guest's receive queue.
func (u *UserMode) pump(ctx context.Context) {
	for {
		pkt := u.ch.ReadContext(ctx)
		if pkt == nil {
			return
		}
		frame := append([]byte(nil), pkt.ToView().AsSlice()...)
		pkt.DecRef()
		if !u.rx.push(frame) {
			u.log.Debug("netif: guest receive queue full, frame dropped", "len", len(frame))
		}
	}
}

func (u *UserMode) MAC() net.HardwareAddr      { return u.mac }
func (u *UserMode) MTU() int                   { return DefaultMTU }
func (u *UserMode) Pending() int               { return u.rx.len() }
func (u *UserMode) Recv(b []byte) (int, error) { return u.rx.pop(b) }

// Send hands a guest frame to the gateway stack.
func (u *UserMode) Send(frame []byte) error {
	if len(frame) < ethernetHeaderLen {
		return fmt.Errorf("netif: runt frame of %d bytes", len(frame))
	}
	if len(frame) > DefaultMTU+ethernetHeaderLen {
		return fmt.Errorf("netif: frame of %d bytes exceeds mtu", len(frame))
	}
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), frame...)),
	})
	// The ethernet endpoint parses the protocol from the frame itself.
	u.ch.InjectInbound(0, pkt)
	pkt.DecRef()
	return nil
}

func (u *UserMode) handleDNSRequest(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Compress = false
	m.RecursionAvailable = u.upstream != ""

	for _, q := range r.Question {
		if q.Qtype != dns.TypeA {
			continue
		}
		if ip, ok := u.hosts[strings.ToLower(q.Name)]; ok {
			rr, err := dns.NewRR(fmt.Sprintf("%s A %s", q.Name, ip))
			if err != nil {
				u.log.Debug("netif: dns create rr", "err", err)
				continue
			}
			m.Answer = append(m.Answer, rr)
			continue
		}
		if u.upstream != "" {
			if resp := u.forward(r); resp != nil {
				_ = w.WriteMsg(resp)
				return
			}
		}
		u.log.Debug("netif: dns unknown name", "name", q.Name)
		m.SetRcode(r, dns.RcodeNameError)
	}

	_ = w.WriteMsg(m)
}

func (u *UserMode) forward(r *dns.Msg) *dns.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c := &dns.Client{Net: "udp"}
	resp, _, err := c.ExchangeContext(ctx, r, u.upstream)
	if err != nil {
		u.log.Debug("netif: dns upstream", "upstream", u.upstream, "err", err)
		return nil
	}
	resp.Id = r.Id
	return resp
}

func (u *UserMode) Close() error {
	u.closeOnce.Do(func() {
		u.rx.close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		_ = u.dnsServer.ShutdownContext(ctx)
		cancel()
		_ = u.dnsConn.Close()

		u.cancel()
		u.ch.Close()
		u.wg.Wait()
		u.stack.Close()
	})
	return nil
}
