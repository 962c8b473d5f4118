package ipstack

import (
	"context"
	"net/netip"
	"sync"

	"github.com/google/netstack/tcpip"
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	ProtocolTCP uint8 = 6
	ProtocolUDP uint8 = 17

	DefaultHopLimit = 64
)

var (
	ErrLinkClosed = errors.New("link closed")
	ErrNoRoute    = errors.New("no route to host")
	ErrTooBig     = errors.New("packet exceeds mtu")
	ErrMalformed  = errors.New("malformed ipv6 packet")
)

// Packet is an IPv6 packet handed between the network layer and a protocol task.
type Packet struct {
	Src      netip.Addr
	Dst      netip.Addr
	Protocol uint8
	HopLimit uint8
	Payload  []byte
}

type HandlerFunc func(*Packet)

// IPStack is a single-address IPv6 host. It frames outbound transport
// segments and dispatches inbound packets to the registered protocol handler.
type IPStack struct {
	addr     netip.Addr
	link     Link
	mtu      int
	hopLimit uint8
	log      zerolog.Logger

	mu       sync.RWMutex
	handlers map[uint8]HandlerFunc

	local chan []byte
}

func New(addr netip.Addr, link Link, mtu int, log zerolog.Logger) *IPStack {
	return &IPStack{
		addr:     addr,
		link:     link,
		mtu:      mtu,
		hopLimit: DefaultHopLimit,
		log:      log.With().Str("component", "ip").Logger(),
		handlers: make(map[uint8]HandlerFunc),
		local:    make(chan []byte, 64),
	}
}

func (s *IPStack) Addr() netip.Addr { return s.addr }

// MTU is the largest packet, IPv6 header included, the link accepts.
func (s *IPStack) MTU() int { return s.mtu }

// RegisterRecvHandler installs h for packets whose next header is proto.
func (s *IPStack) RegisterRecvHandler(proto uint8, h HandlerFunc) {
	s.mu.Lock()
	s.handlers[proto] = h
	s.mu.Unlock()
}

// SendIP frames payload in an IPv6 header and transmits it to dst.
// Packets addressed to this host are looped back without touching the link.
func (s *IPStack) SendIP(dst netip.Addr, proto uint8, payload []byte) error {
	b, err := Marshal(&Packet{Src: s.addr, Dst: dst, Protocol: proto, HopLimit: s.hopLimit, Payload: payload})
	if err != nil {
		return err
	}
	if len(b) > s.mtu {
		return errors.Wrapf(ErrTooBig, "%d bytes", len(b))
	}
	if dst == s.addr {
		select {
		case s.local <- b:
		default:
			s.log.Debug().Msg("loopback queue full, dropping packet")
		}
		return nil
	}
	if err := s.link.WritePacket(dst, b); err != nil {
		return errors.Wrapf(err, "send to %s", dst)
	}
	return nil
}

// Run reads packets from the link and dispatches them until ctx is done.
func (s *IPStack) Run(ctx context.Context) error {
	packets := s.link.Packets()
	for {
		select {
		case <-ctx.Done():
			return nil
		case b, ok := <-packets:
			if !ok {
				return ErrLinkClosed
			}
			s.input(b)
		case b := <-s.local:
			s.input(b)
		}
	}
}

func (s *IPStack) input(b []byte) {
	p, err := Unmarshal(b)
	if err != nil {
		s.log.Debug().Err(err).Int("len", len(b)).Msg("dropping packet")
		return
	}
	if p.Dst != s.addr {
		s.log.Debug().Stringer("dst", p.Dst).Msg("packet not for this host, dropping")
		return
	}
	s.mu.RLock()
	h := s.handlers[p.Protocol]
	s.mu.RUnlock()
	if h == nil {
		s.log.Debug().Uint8("proto", p.Protocol).Msg("no handler for protocol")
		return
	}
	h(p)
}

// Marshal encodes p as an IPv6 packet.
func Marshal(p *Packet) ([]byte, error) {
	if len(p.Payload) > 0xffff {
		return nil, errors.Wrapf(ErrTooBig, "payload of %d bytes", len(p.Payload))
	}
	hop := p.HopLimit
	if hop == 0 {
		hop = DefaultHopLimit
	}
	b := make([]byte, header.IPv6MinimumSize+len(p.Payload))
	ip := header.IPv6(b)
	ip.Encode(&header.IPv6Fields{
		PayloadLength: uint16(len(p.Payload)),
		NextHeader:    p.Protocol,
		HopLimit:      hop,
		SrcAddr:       tcpip.Address(p.Src.AsSlice()),
		DstAddr:       tcpip.Address(p.Dst.AsSlice()),
	})
	copy(b[header.IPv6MinimumSize:], p.Payload)
	return b, nil
}

// Unmarshal decodes an IPv6 packet. The payload aliases b.
func Unmarshal(b []byte) (*Packet, error) {
	if len(b) < header.IPv6MinimumSize {
		return nil, errors.Wrapf(ErrMalformed, "short packet of %d bytes", len(b))
	}
	ip := header.IPv6(b)
	if !ip.IsValid(len(b)) {
		return nil, ErrMalformed
	}
	src, ok := netip.AddrFromSlice([]byte(ip.SourceAddress()))
	if !ok {
		return nil, errors.Wrap(ErrMalformed, "source address")
	}
	dst, ok := netip.AddrFromSlice([]byte(ip.DestinationAddress()))
	if !ok {
		return nil, errors.Wrap(ErrMalformed, "destination address")
	}
	end := header.IPv6MinimumSize + int(ip.PayloadLength())
	return &Packet{
		Src:      src,
		Dst:      dst,
		Protocol: ip.NextHeader(),
		HopLimit: ip.HopLimit(),
		Payload:  b[header.IPv6MinimumSize:end],
	}, nil
}
