package ipstack

import (
	"net"
	"net/netip"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Link carries raw IPv6 packets between hosts.
type Link interface {
	WritePacket(dst netip.Addr, b []byte) error
	Packets() <-chan []byte
	Close() error
}

// DropFunc decides whether a packet crossing a Hub is lost.
type DropFunc func(src, dst netip.Addr, b []byte) bool

// Hub is an in-memory broadcast domain. Every attached host can reach every
// other attached host directly.
type Hub struct {
	mu    sync.Mutex
	ports map[netip.Addr]*HubLink
	drop  DropFunc
}

func NewHub() *Hub {
	return &Hub{ports: make(map[netip.Addr]*HubLink)}
}

// Attach creates the link of the host owning addr.
func (h *Hub) Attach(addr netip.Addr) *HubLink {
	l := &HubLink{hub: h, addr: addr, in: make(chan []byte, 256)}
	h.mu.Lock()
	h.ports[addr] = l
	h.mu.Unlock()
	return l
}

// SetDropFunc installs fn as a loss model. A nil fn delivers everything.
func (h *Hub) SetDropFunc(fn DropFunc) {
	h.mu.Lock()
	h.drop = fn
	h.mu.Unlock()
}

func (h *Hub) forward(src, dst netip.Addr, b []byte) error {
	h.mu.Lock()
	port, ok := h.ports[dst]
	drop := h.drop
	h.mu.Unlock()
	if !ok {
		return ErrNoRoute
	}
	if drop != nil && drop(src, dst, b) {
		return nil
	}
	return port.enqueue(append([]byte(nil), b...))
}

type HubLink struct {
	hub  *Hub
	addr netip.Addr

	mu     sync.Mutex
	closed bool
	in     chan []byte
}

func (l *HubLink) WritePacket(dst netip.Addr, b []byte) error {
	return l.hub.forward(l.addr, dst, b)
}

func (l *HubLink) Packets() <-chan []byte { return l.in }

func (l *HubLink) enqueue(b []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLinkClosed
	}
	select {
	case l.in <- b:
	default:
		// queue overflow behaves like loss
	}
	return nil
}

func (l *HubLink) Close() error {
	l.hub.mu.Lock()
	delete(l.hub.ports, l.addr)
	l.hub.mu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLinkClosed
	}
	l.closed = true
	close(l.in)
	return nil
}

// UDPLink tunnels IPv6 packets over UDP, one datagram per packet, to the
// neighbors listed in the host configuration.
type UDPLink struct {
	conn      *net.UDPConn
	neighbors map[netip.Addr]netip.AddrPort
	in        chan []byte
	log       zerolog.Logger
}

func ListenUDP(listen netip.AddrPort, neighbors map[netip.Addr]netip.AddrPort, log zerolog.Logger) (*UDPLink, error) {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(listen))
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", listen)
	}
	l := &UDPLink{
		conn:      conn,
		neighbors: neighbors,
		in:        make(chan []byte, 256),
		log:       log.With().Str("component", "link").Stringer("udp", listen).Logger(),
	}
	go l.readLoop()
	return l, nil
}

func (l *UDPLink) readLoop() {
	defer close(l.in)
	buf := make([]byte, 1<<16)
	for {
		n, from, err := l.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				l.log.Error().Err(err).Msg("read failed")
			}
			return
		}
		l.log.Debug().Stringer("from", from).Int("len", n).Msg("packet received")
		select {
		case l.in <- append([]byte(nil), buf[:n]...):
		default:
			l.log.Debug().Msg("inbound queue full, dropping packet")
		}
	}
}

func (l *UDPLink) WritePacket(dst netip.Addr, b []byte) error {
	to, ok := l.neighbors[dst]
	if !ok {
		return ErrNoRoute
	}
	_, err := l.conn.WriteToUDPAddrPort(b, netip.AddrPortFrom(to.Addr().Unmap(), to.Port()))
	return err
}

func (l *UDPLink) Packets() <-chan []byte { return l.in }

func (l *UDPLink) Close() error { return l.conn.Close() }
