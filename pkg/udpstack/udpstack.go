// Package udpstack is the UDP engine: a port demultiplexer for inbound
// datagrams and a fire-and-forget sender.
package udpstack

import (
	"context"
	"io"
	"net/netip"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"IPv6-TCP/pkg/checksum"
	"IPv6-TCP/pkg/ipstack"
	"IPv6-TCP/pkg/socktable"
)

// IPSender is the network layer as seen by the UDP engine.
type IPSender interface {
	Addr() netip.Addr
	MTU() int
	SendIP(dst netip.Addr, proto uint8, payload []byte) error
}

type UDPStack struct {
	ip    IPSender
	table *socktable.Table
	log   zerolog.Logger

	inbound chan *ipstack.Packet
}

func New(ip IPSender, table *socktable.Table, queue int, log zerolog.Logger) *UDPStack {
	if queue <= 0 {
		queue = 64
	}
	return &UDPStack{
		ip:      ip,
		table:   table,
		log:     log.With().Str("component", "udp").Logger(),
		inbound: make(chan *ipstack.Packet, queue),
	}
}

// MaxPayload is the largest datagram payload that fits one packet.
func (s *UDPStack) MaxPayload() int {
	return s.ip.MTU() - header.IPv6MinimumSize - header.UDPMinimumSize
}

// Handle is the ipstack receive handler for UDP.
func (s *UDPStack) Handle(p *ipstack.Packet) {
	cp := *p
	cp.Payload = append([]byte(nil), p.Payload...)
	select {
	case s.inbound <- &cp:
	default:
		s.log.Warn().Stringer("src", p.Src).Msg("inbound queue full, dropping datagram")
	}
}

// Run is the UDP Transport task.
func (s *UDPStack) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-s.inbound:
			s.input(p)
		}
	}
}

func (s *UDPStack) input(p *ipstack.Packet) {
	b := p.Payload
	if len(b) < header.UDPMinimumSize {
		s.log.Debug().Int("len", len(b)).Msg("dropping short datagram")
		return
	}
	udp := header.UDP(b)
	if n := int(udp.Length()); n < header.UDPMinimumSize || n > len(b) {
		s.log.Debug().Int("length", n).Msg("dropping datagram with bad length")
		return
	}
	b = b[:udp.Length()]
	// a zero checksum is not allowed over IPv6
	if udp.Checksum() == 0 || !checksum.Valid(p.Src, p.Dst, ipstack.ProtocolUDP, b) {
		s.log.Debug().Stringer("src", p.Src).Msg("dropping datagram with bad checksum")
		return
	}

	from := netip.AddrPortFrom(p.Src, udp.SourcePort())
	rec := s.table.Lookup(socktable.ProtoUDP, udp.DestinationPort(), from)
	if rec == nil {
		s.log.Debug().Stringer("from", from).Uint16("port", udp.DestinationPort()).Msg("no socket for datagram")
		return
	}
	d := socktable.Datagram{From: from, Data: b[header.UDPMinimumSize:]}
	if !rec.Enqueue(d) {
		s.log.Warn().Int("sid", int(rec.Handle)).Msg("receive queue full, dropping datagram")
		return
	}
	s.log.Debug().Int("sid", int(rec.Handle)).Stringer("from", from).Int("len", len(d.Data)).Msg("datagram in")
}

// VSendTo sends p to dst. A socket with a fixed peer refuses an explicit
// destination. An unbound socket is bound to an ephemeral port first.
func (s *UDPStack) VSendTo(rec *socktable.Record, p []byte, dst netip.AddrPort) (int, error) {
	if rec.Remote().IsValid() {
		return 0, socktable.ErrAlreadyConnected
	}
	return s.send(rec, p, dst)
}

// VSend sends p to the peer fixed by VConnect.
func (s *UDPStack) VSend(rec *socktable.Record, p []byte) (int, error) {
	dst := rec.Remote()
	if !dst.IsValid() {
		return 0, socktable.ErrNotConnected
	}
	return s.send(rec, p, dst)
}

// VConnect fixes the peer of a datagram socket.
func (s *UDPStack) VConnect(rec *socktable.Record, dst netip.AddrPort) error {
	if err := s.ensureBound(rec); err != nil {
		return err
	}
	rec.SetRemote(dst)
	return nil
}

func (s *UDPStack) ensureBound(rec *socktable.Record) error {
	if rec.Local().Port() != 0 {
		return nil
	}
	err := s.table.Bind(rec, netip.AddrPort{})
	if errors.Is(err, socktable.ErrInvalidState) {
		// bound concurrently
		return nil
	}
	return err
}

func (s *UDPStack) send(rec *socktable.Record, p []byte, dst netip.AddrPort) (int, error) {
	if len(p) > s.MaxPayload() {
		return 0, errors.Wrapf(socktable.ErrMessageTooLong, "%d bytes", len(p))
	}
	if err := s.ensureBound(rec); err != nil {
		return 0, err
	}
	local := rec.Local()

	b := make([]byte, header.UDPMinimumSize+len(p))
	udp := header.UDP(b)
	udp.Encode(&header.UDPFields{
		SrcPort: local.Port(),
		DstPort: dst.Port(),
		Length:  uint16(len(b)),
	})
	copy(b[header.UDPMinimumSize:], p)
	udp.SetChecksum(checksum.Compute(local.Addr(), dst.Addr(), ipstack.ProtocolUDP, b))

	if err := s.ip.SendIP(dst.Addr(), ipstack.ProtocolUDP, b); err != nil {
		return 0, errors.Wrapf(err, "sendto %s", dst)
	}
	s.log.Debug().Int("sid", int(rec.Handle)).Stringer("to", dst).Int("len", len(p)).Msg("datagram out")
	return len(p), nil
}

// VRecvFrom blocks for the next datagram. A datagram longer than p is
// truncated: the prefix is copied, the rest discarded and io.ErrShortBuffer
// returned together with the copied length.
func (s *UDPStack) VRecvFrom(rec *socktable.Record, p []byte) (int, netip.AddrPort, error) {
	if rec.Local().Port() == 0 {
		return 0, netip.AddrPort{}, errors.Wrap(socktable.ErrInvalidState, "recvfrom on unbound socket")
	}
	select {
	case d := <-rec.Datagrams():
		n := copy(p, d.Data)
		if n < len(d.Data) {
			return n, d.From, io.ErrShortBuffer
		}
		return n, d.From, nil
	case <-rec.Done():
		return 0, netip.AddrPort{}, socktable.ErrUnusedHandle
	case <-s.table.Closed():
		return 0, netip.AddrPort{}, socktable.ErrStackClosed
	}
}

// VClose frees a datagram socket. Calls blocked in VRecvFrom return
// ErrUnusedHandle.
func (s *UDPStack) VClose(rec *socktable.Record) error {
	return s.table.Free(rec)
}
