// Package socket is the BSD style socket API of a host. A Stack owns the
// socket table and both transport engines, and runs every protocol task.
package socket

import (
	"context"
	"net/netip"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"IPv6-TCP/pkg/config"
	"IPv6-TCP/pkg/ipstack"
	"IPv6-TCP/pkg/iptcpstack"
	"IPv6-TCP/pkg/socktable"
	"IPv6-TCP/pkg/tcb"
	"IPv6-TCP/pkg/udpstack"
)

type Handle = socktable.Handle

const (
	AFInet6    = socktable.AFInet6
	SockStream = socktable.SockStream
	SockDgram  = socktable.SockDgram
	ProtoTCP   = socktable.ProtoTCP
	ProtoUDP   = socktable.ProtoUDP
)

var (
	ErrUnusedHandle     = socktable.ErrUnusedHandle
	ErrTableFull        = socktable.ErrTableFull
	ErrPortInUse        = socktable.ErrPortInUse
	ErrUnsupported      = socktable.ErrUnsupported
	ErrInvalidState     = socktable.ErrInvalidState
	ErrNotConnected     = socktable.ErrNotConnected
	ErrAlreadyConnected = socktable.ErrAlreadyConnected
	ErrTimeout          = socktable.ErrTimeout
	ErrBusy             = socktable.ErrBusy
	ErrMessageTooLong   = socktable.ErrMessageTooLong
	ErrStackClosed      = socktable.ErrStackClosed
	ErrAddrNotAvailable = socktable.ErrAddrNotAvailable
)

type Stack struct {
	ip    *ipstack.IPStack
	table *socktable.Table
	gen   *tcb.Generator
	tcp   *iptcpstack.TCPStack
	udp   *udpstack.UDPStack
	log   zerolog.Logger
}

// New builds the socket layer of the host behind ip and registers both
// transport engines with it.
func New(cfg config.Config, ip *ipstack.IPStack, log zerolog.Logger) *Stack {
	t := cfg.Timers
	table := socktable.New(socktable.Options{
		Addr:       ip.Addr(),
		Capacity:   cfg.MaxSockets,
		RecvWindow: cfg.RecvWindow,
		UDPQueue:   cfg.UDPQueue,
		RTT:        tcb.NewEstimator(t.InitialRTO.Duration(), t.Resolution.Duration(), t.MinRTO.Duration()),
		Log:        log,
	})
	gen := tcb.NewTimeGenerator()
	s := &Stack{
		ip:    ip,
		table: table,
		gen:   gen,
		tcp: iptcpstack.New(ip, table, gen, iptcpstack.Options{
			MSS:               cfg.MSS,
			HeaderCompression: cfg.HeaderCompression,
			Timers:            t,
			InboundQueue:      cfg.InboundQueue,
			Log:               log,
		}),
		udp: udpstack.New(ip, table, cfg.InboundQueue, log),
		log: log.With().Str("component", "socket").Logger(),
	}
	ip.RegisterRecvHandler(ipstack.ProtocolTCP, s.tcp.Handle)
	ip.RegisterRecvHandler(ipstack.ProtocolUDP, s.udp.Handle)
	return s
}

// Run runs the IP receive task, both Transport tasks and the Timer task
// until ctx is done or one of them fails. Calls still blocked when Run
// returns fail with ErrStackClosed.
func (s *Stack) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.ip.Run(ctx) })
	g.Go(func() error { return s.tcp.Run(ctx) })
	g.Go(func() error { return s.tcp.RunTimer(ctx) })
	g.Go(func() error { return s.udp.Run(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		s.table.Shutdown()
		s.log.Info().Msg("stack shut down")
		return nil
	})
	return g.Wait()
}

// Addr is the host address.
func (s *Stack) Addr() netip.Addr { return s.ip.Addr() }

// Sockets renders every live socket, one tab separated line each.
func (s *Stack) Sockets() []string {
	recs := s.table.Records()
	out := make([]string, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.String())
	}
	return out
}

func (s *Stack) record(h Handle) (*socktable.Record, error) {
	return s.table.Get(h)
}

func (s *Stack) VSocket(domain, typ, proto int) (Handle, error) {
	rec, err := s.table.Create(domain, typ, proto)
	if err != nil {
		return 0, err
	}
	return rec.Handle, nil
}

// VBind assigns the local endpoint. Port 0 picks an ephemeral port.
func (s *Stack) VBind(h Handle, local netip.AddrPort) error {
	rec, err := s.record(h)
	if err != nil {
		return err
	}
	return s.table.Bind(rec, local)
}

func (s *Stack) VListen(h Handle) error {
	rec, err := s.record(h)
	if err != nil {
		return err
	}
	if rec.Protocol != ProtoTCP {
		return errors.Wrap(ErrUnsupported, "listen on datagram socket")
	}
	return s.tcp.VListen(rec)
}

// VAccept blocks until a connection on the listener h is established and
// returns its handle.
func (s *Stack) VAccept(h Handle) (Handle, error) {
	rec, err := s.record(h)
	if err != nil {
		return 0, err
	}
	if rec.Protocol != ProtoTCP {
		return 0, errors.Wrap(ErrUnsupported, "accept on datagram socket")
	}
	child, err := s.tcp.VAccept(rec)
	if err != nil {
		return 0, err
	}
	return child.Handle, nil
}

// VConnect opens a connection on a stream socket, or fixes the peer of a
// datagram socket.
func (s *Stack) VConnect(h Handle, remote netip.AddrPort) error {
	if !remote.Addr().IsValid() || remote.Port() == 0 {
		return errors.Wrapf(ErrAddrNotAvailable, "remote %s", remote)
	}
	rec, err := s.record(h)
	if err != nil {
		return err
	}
	if rec.Protocol == ProtoUDP {
		return s.udp.VConnect(rec, remote)
	}
	return s.tcp.VConnect(rec, remote)
}

// VSend writes p to the connected peer. On a stream socket it returns once
// every byte is acknowledged.
func (s *Stack) VSend(h Handle, p []byte) (int, error) {
	rec, err := s.record(h)
	if err != nil {
		return 0, err
	}
	if rec.Protocol == ProtoUDP {
		return s.udp.VSend(rec, p)
	}
	return s.tcp.VWrite(rec, p)
}

func (s *Stack) VRecv(h Handle, p []byte) (int, error) {
	n, _, err := s.VRecvFrom(h, p)
	return n, err
}

// VSendTo sends a datagram to dst. Stream sockets ignore dst and send to
// their peer.
func (s *Stack) VSendTo(h Handle, p []byte, dst netip.AddrPort) (int, error) {
	rec, err := s.record(h)
	if err != nil {
		return 0, err
	}
	if rec.Protocol == ProtoTCP {
		return s.tcp.VWrite(rec, p)
	}
	if !dst.Addr().IsValid() || dst.Port() == 0 {
		return 0, errors.Wrapf(ErrAddrNotAvailable, "destination %s", dst)
	}
	return s.udp.VSendTo(rec, p, dst)
}

// VRecvFrom reads into p and reports the sender.
func (s *Stack) VRecvFrom(h Handle, p []byte) (int, netip.AddrPort, error) {
	rec, err := s.record(h)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	if rec.Protocol == ProtoUDP {
		return s.udp.VRecvFrom(rec, p)
	}
	n, err := s.tcp.VRead(rec, p)
	return n, rec.Remote(), err
}

func (s *Stack) VClose(h Handle) error {
	rec, err := s.record(h)
	if err != nil {
		return err
	}
	if rec.Protocol == ProtoUDP {
		return s.udp.VClose(rec)
	}
	return s.tcp.VClose(rec)
}
