// Package udp implements the transport contract over real UDP
// sockets: one unicast socket for directed traffic and one multicast
// socket joined to the SPDP discovery group.
package udp

import (
	"fmt"
	"net"
	"sync"

	"github.com/marmos91/dittodds/internal/logger"
	"github.com/marmos91/dittodds/internal/protocol/rtps"
	"github.com/marmos91/dittodds/pkg/transport"
)

// maxDatagramSize bounds inbound RTPS datagrams. UDP practical limit;
// larger samples travel as DataFrags.
const maxDatagramSize = 64 * 1024

// packet is one received datagram with its source.
type packet struct {
	source rtps.Locator
	frame  []byte
}

// Transport is the UDP implementation of transport.Transport.
type Transport struct {
	unicast   *net.UDPConn
	multicast *net.UDPConn

	inbox  chan packet
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	// Locators this transport is reachable on, for discovery
	// announcements.
	UnicastLocator   rtps.Locator
	MulticastLocator rtps.Locator
}

// Config binds the transport.
type Config struct {
	// Interface is the local address to bind the unicast socket on.
	Interface string

	// UnicastPort is the unicast RTPS port; 0 picks an ephemeral port.
	UnicastPort uint16

	// MulticastGroup and MulticastPort join the discovery group.
	MulticastGroup string
	MulticastPort  uint16
}

// New opens the sockets and starts the receive pumps.
func New(cfg Config) (*Transport, error) {
	unicastAddr := &net.UDPAddr{
		IP:   net.ParseIP(cfg.Interface),
		Port: int(cfg.UnicastPort),
	}
	unicast, err := net.ListenUDP("udp4", unicastAddr)
	if err != nil {
		return nil, fmt.Errorf("bind unicast socket: %w", err)
	}

	group := net.ParseIP(cfg.MulticastGroup)
	multicast, err := net.ListenMulticastUDP("udp4", nil, &net.UDPAddr{
		IP:   group,
		Port: int(cfg.MulticastPort),
	})
	if err != nil {
		unicast.Close()
		return nil, fmt.Errorf("join multicast group %s: %w", cfg.MulticastGroup, err)
	}
	_ = multicast.SetReadBuffer(maxDatagramSize)
	_ = unicast.SetReadBuffer(maxDatagramSize)

	t := &Transport{
		unicast:   unicast,
		multicast: multicast,
		inbox:     make(chan packet, 256),
		closed:    make(chan struct{}),
	}

	local := unicast.LocalAddr().(*net.UDPAddr)
	t.UnicastLocator = locatorFromAddr(local.IP, uint32(local.Port), cfg.Interface)
	t.MulticastLocator = locatorFromAddr(group, uint32(cfg.MulticastPort), cfg.MulticastGroup)

	t.wg.Add(2)
	go t.pump(unicast)
	go t.pump(multicast)
	return t, nil
}

// locatorFromAddr builds a UDPv4 locator, resolving the wildcard bind
// address through the configured interface string.
func locatorFromAddr(ip net.IP, port uint32, fallback string) rtps.Locator {
	v4 := ip.To4()
	if v4 == nil || v4.IsUnspecified() {
		if parsed := net.ParseIP(fallback).To4(); parsed != nil {
			v4 = parsed
		}
	}
	if v4 == nil {
		v4 = net.IPv4zero.To4()
	}
	return rtps.NewUDPv4Locator(port, v4[0], v4[1], v4[2], v4[3])
}

// pump moves datagrams from one socket into the shared inbox.
func (t *Transport) pump(conn *net.UDPConn) {
	defer t.wg.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
				logger.Warn("UDP read failed", "error", err)
				continue
			}
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		src := rtps.Locator{}
		if v4 := addr.IP.To4(); v4 != nil {
			src = rtps.NewUDPv4Locator(uint32(addr.Port), v4[0], v4[1], v4[2], v4[3])
		}
		select {
		case t.inbox <- packet{source: src, frame: frame}:
		case <-t.closed:
			return
		}
	}
}

// Send transmits the frame to every destination. A failing locator is
// logged and skipped for this pass; the next pass retries it.
func (t *Transport) Send(frame []byte, destinations []rtps.Locator) error {
	for _, dst := range destinations {
		if dst.Kind != rtps.LocatorKindUDPv4 {
			continue
		}
		addr := &net.UDPAddr{
			IP:   net.IPv4(dst.Address[12], dst.Address[13], dst.Address[14], dst.Address[15]),
			Port: int(dst.Port),
		}
		if _, err := t.unicast.WriteToUDP(frame, addr); err != nil {
			logger.Warn("UDP send failed", "destination", dst.String(), "error", err)
		}
	}
	return nil
}

// Recv blocks for the next inbound datagram.
func (t *Transport) Recv() (rtps.Locator, []byte, error) {
	select {
	case p := <-t.inbox:
		return p.source, p.frame, nil
	case <-t.closed:
		return rtps.Locator{}, nil, net.ErrClosed
	}
}

// Close releases both sockets and stops the pumps.
func (t *Transport) Close() error {
	t.once.Do(func() {
		close(t.closed)
		t.unicast.Close()
		t.multicast.Close()
	})
	t.wg.Wait()
	return nil
}

var _ transport.Transport = (*Transport)(nil)
