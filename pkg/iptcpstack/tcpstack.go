// Package iptcpstack is the TCP engine: the connection state machine driven by
// the Transport task, the retransmission Timer task, and the blocking
// connect, accept, send, recv and close workflows.
package iptcpstack

import (
	"context"
	"net/netip"
	"time"

	"github.com/google/netstack/tcpip/header"
	"github.com/rs/zerolog"

	"IPv6-TCP/pkg/checksum"
	"IPv6-TCP/pkg/config"
	"IPv6-TCP/pkg/ipstack"
	"IPv6-TCP/pkg/socktable"
	"IPv6-TCP/pkg/tcb"
	"IPv6-TCP/pkg/tcphc"
)

// IPSender is the network layer as seen by a transport engine.
type IPSender interface {
	Addr() netip.Addr
	SendIP(dst netip.Addr, proto uint8, payload []byte) error
}

type Options struct {
	MSS               uint16 // advertised, and assumed for peers that omit the option
	HeaderCompression bool
	Timers            config.Timers
	InboundQueue      int
	Log               zerolog.Logger
}

type TCPStack struct {
	ip    IPSender
	table *socktable.Table
	gen   *tcb.Generator
	opts  Options
	log   zerolog.Logger

	inbound chan *ipstack.Packet
	now     func() time.Time
}

func New(ip IPSender, table *socktable.Table, gen *tcb.Generator, opts Options) *TCPStack {
	if opts.InboundQueue <= 0 {
		opts.InboundQueue = 64
	}
	return &TCPStack{
		ip:      ip,
		table:   table,
		gen:     gen,
		opts:    opts,
		log:     opts.Log.With().Str("component", "tcp").Logger(),
		inbound: make(chan *ipstack.Packet, opts.InboundQueue),
		now:     time.Now,
	}
}

// Handle is the ipstack receive handler. It queues a copy of p for the
// Transport task and drops the packet when the queue is full.
func (s *TCPStack) Handle(p *ipstack.Packet) {
	cp := *p
	cp.Payload = append([]byte(nil), p.Payload...)
	select {
	case s.inbound <- &cp:
	default:
		s.log.Warn().Stringer("src", p.Src).Msg("inbound queue full, dropping segment")
	}
}

// Run is the Transport task. Segments are processed one at a time in
// arrival order until ctx is done.
func (s *TCPStack) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-s.inbound:
			s.input(p)
		}
	}
}

func (s *TCPStack) input(p *ipstack.Packet) {
	var rec *socktable.Record
	in := &inSegment{}
	raw := p.Payload

	if s.opts.HeaderCompression {
		mode, id, err := tcphc.Classify(raw)
		if err != nil {
			s.log.Debug().Err(err).Stringer("src", p.Src).Msg("dropping segment")
			return
		}
		if mode == tcphc.ModeFullHeader {
			if _, raw, err = tcphc.Full(raw); err != nil {
				s.log.Debug().Err(err).Msg("dropping full header segment")
				return
			}
			in.hcID, in.hcFull = id, true
		} else {
			if rec = s.table.LookupContext(id, p.Src); rec == nil {
				s.log.Debug().Uint16("ctx", id).Stringer("src", p.Src).Msg("no context for compressed segment")
				return
			}
			rec.Lock()
			raw, err = rec.TCB.HC.Current().Expand(raw, rec.Remote().Port(), rec.Local().Port())
			rec.Unlock()
			if err != nil {
				s.log.Debug().Err(err).Uint16("ctx", id).Msg("dropping compressed segment")
				return
			}
		}
	}

	if len(raw) < header.TCPMinimumSize {
		s.log.Debug().Int("len", len(raw)).Msg("dropping short segment")
		return
	}
	if !checksum.Valid(p.Src, p.Dst, ipstack.ProtocolTCP, raw) {
		s.log.Debug().Stringer("src", p.Src).Msg("dropping segment with bad checksum")
		return
	}
	tcp := header.TCP(raw)
	if off := int(tcp.DataOffset()); off < header.TCPMinimumSize || off > len(raw) {
		s.log.Debug().Int("offset", off).Msg("dropping segment with bad data offset")
		return
	}

	in.Segment = s.decodeSegment(raw, tcp.Flags())
	in.hdr = tcp
	in.payload = tcp.Payload()
	in.remote = netip.AddrPortFrom(p.Src, tcp.SourcePort())
	in.port = tcp.DestinationPort()

	if rec == nil {
		rec = s.table.Lookup(socktable.ProtoTCP, in.port, in.remote)
	}
	if rec == nil {
		s.log.Debug().Stringer("from", in.remote).Uint16("port", in.port).Msg("no socket for segment")
		return
	}

	rec.Lock()
	if rec.Freed() {
		rec.Unlock()
		return
	}
	s.log.Debug().
		Int("sid", int(rec.Handle)).
		Stringer("state", rec.TCB.State).
		Stringer("flags", in.Flags).
		Uint32("seq", uint32(in.SEQ)).
		Uint32("ack", uint32(in.ACK)).
		Uint32("len", uint32(in.DATALEN)).
		Msg("segment in")
	if s.opts.HeaderCompression && rec.TCB.State != tcb.StateListen {
		rec.TCB.HC.Current().Observe(tcp)
	}
	out := s.dispatchLocked(rec, in)
	dst := rec.Remote().Addr()
	rec.Unlock()

	s.transmit(dst, out)
}

// dispatchLocked runs the state machine for one segment and returns the
// reply to send, if any.
func (s *TCPStack) dispatchLocked(rec *socktable.Record, in *inSegment) []byte {
	cb := &rec.TCB
	if cb.State == tcb.StateListen {
		if in.Flags.Control() == tcb.FlagSYN {
			s.handleSynLocked(rec, in)
		} else {
			s.log.Debug().Stringer("flags", in.Flags).Msg("listener ignores non-SYN segment")
		}
		return nil
	}

	switch in.Flags.Control() {
	case tcb.FlagACK:
		if cb.State == tcb.StateSynRcvd {
			s.completeHandshakeLocked(rec, in)
		}
		if in.DATALEN > 0 {
			return s.handleDataLocked(rec, in)
		}
		return s.handleAckLocked(rec, in)
	case tcb.FlagSYN | tcb.FlagACK:
		return s.handleSynAckLocked(rec, in)
	case tcb.FlagFIN | tcb.FlagACK:
		return s.handleFinLocked(rec, in)
	case tcb.FlagSYN:
		s.log.Debug().Int("sid", int(rec.Handle)).Stringer("state", cb.State).Msg("dropping duplicate SYN")
	default:
		if in.Flags.HasAny(tcb.FlagRST) {
			// Resets are not implemented; the connection is left to time out.
			s.log.Warn().Int("sid", int(rec.Handle)).Stringer("state", cb.State).Msg("RST received, ignored")
			return nil
		}
		s.log.Debug().Stringer("flags", in.Flags).Msg("dropping segment with unexpected flags")
	}
	return nil
}

// handleSynLocked queues a new connection request on the listener rec.
func (s *TCPStack) handleSynLocked(rec *socktable.Record, in *inSegment) {
	child, err := s.table.Spawn(rec, in.remote)
	if err != nil {
		s.log.Warn().Err(err).Stringer("from", in.remote).Msg("dropping connection request")
		return
	}

	child.Lock()
	cb := &child.TCB
	cb.State = tcb.StateSynRcvd
	cb.MSS = in.MSS
	cb.IRS = in.SEQ
	cb.RcvNXT = in.SEQ.Add(1)
	cb.ISS = s.gen.ISN()
	cb.UNA = cb.ISS
	cb.NXT = cb.ISS.Add(1)
	cb.WND = in.WND
	if s.opts.HeaderCompression && in.hcFull {
		cb.HC.Init(in.hcID)
		cb.HC.Current().Observe(in.hdr)
		child.SetContextID(in.hcID)
	}
	child.Unlock()

	rec.Backlog = append(rec.Backlog, child.Handle)
	rec.Wake(socktable.RecvWaiter, socktable.EventSyn)
	s.log.Debug().Int("sid", int(child.Handle)).Stringer("from", in.remote).Msg("connection request queued")
}

func (s *TCPStack) completeHandshakeLocked(rec *socktable.Record, in *inSegment) {
	cb := &rec.TCB
	if in.ACK != cb.NXT {
		return
	}
	cb.UNA = in.ACK
	cb.WND = in.WND
	cb.State = tcb.StateEstablished
	cb.HC.Commit(tcphc.ModeCompressed)
	rec.Wake(socktable.SendWaiter, socktable.EventAck)
}

func (s *TCPStack) handleSynAckLocked(rec *socktable.Record, in *inSegment) []byte {
	cb := &rec.TCB
	switch cb.State {
	case tcb.StateSynSent:
		if in.ACK != cb.NXT {
			s.log.Debug().Uint32("ack", uint32(in.ACK)).Uint32("nxt", uint32(cb.NXT)).Msg("SYN-ACK does not match our SYN")
			return nil
		}
		cb.MSS = in.MSS
		cb.IRS = in.SEQ
		cb.RcvNXT = in.SEQ.Add(1)
		cb.Acknowledge(in.ACK, in.WND)
		cb.State = tcb.StateEstablished
		out := s.ackLocked(rec, true)
		cb.HC.Commit(tcphc.ModeCompressed)
		rec.Wake(socktable.SendWaiter, socktable.EventSynAck)
		return out
	case tcb.StateEstablished:
		// our handshake ACK was lost
		return s.ackLocked(rec, true)
	}
	return nil
}

func (s *TCPStack) handleAckLocked(rec *socktable.Record, in *inSegment) []byte {
	cb := &rec.TCB
	switch cb.State {
	case tcb.StateLastAck:
		if in.ACK == cb.NXT {
			cb.UNA = in.ACK
			cb.State = tcb.StateClosed
			// the record outlives the teardown until the application reads EOF
			if rec.EOFSeen {
				_ = s.table.FreeLocked(rec)
			}
		}
	case tcb.StateClosing:
		if in.ACK == cb.NXT {
			cb.UNA = in.ACK
			cb.State = tcb.StateClosed
			rec.Wake(socktable.SendWaiter, socktable.EventAck)
			rec.Wake(socktable.RecvWaiter, socktable.EventCloseConn)
		}
	case tcb.StateEstablished:
		if cb.IsWindowUpdate(in.Segment) {
			cb.WND = in.WND
			rec.Wake(socktable.SendWaiter, socktable.EventWindow)
			return nil
		}
		if err := cb.CheckAck(in.Segment); err != nil {
			// answering an unacceptable ACK with an ACK would loop between peers
			s.log.Debug().Err(err).Int("sid", int(rec.Handle)).Uint32("ack", uint32(in.ACK)).Msg("ignoring ACK")
			return nil
		}
		s.acknowledgeLocked(rec, in)
	}
	return nil
}

// acknowledgeLocked finalizes sent data up to in.ACK and releases the sender.
func (s *TCPStack) acknowledgeLocked(rec *socktable.Record, in *inSegment) {
	cb := &rec.TCB
	if cb.Retries == 0 && !cb.LastPacket.IsZero() {
		cb.RTT.Sample(s.now().Sub(cb.LastPacket))
	}
	cb.Acknowledge(in.ACK, in.WND)
	cb.Retries = 0
	cb.HC.Commit(tcphc.ModeCompressed)
	rec.Wake(socktable.SendWaiter, socktable.EventAck)
}

func (s *TCPStack) handleDataLocked(rec *socktable.Record, in *inSegment) []byte {
	cb := &rec.TCB
	if cb.State != tcb.StateEstablished && cb.State != tcb.StateFinWait1 {
		s.log.Debug().Stringer("state", cb.State).Msg("dropping data outside ESTABLISHED")
		return nil
	}
	if err := cb.CheckData(in.Segment); err != nil {
		s.log.Debug().Err(err).Int("sid", int(rec.Handle)).Uint32("seq", uint32(in.SEQ)).Msg("rejecting data")
		return s.ackLocked(rec, true)
	}
	s.acceptDataLocked(rec, in)
	if cb.State == tcb.StateEstablished && cb.CheckAck(in.Segment) == nil {
		s.acknowledgeLocked(rec, in)
	}
	return s.ackLocked(rec, false)
}

// acceptDataLocked copies as much of the payload as the receive window
// allows; the rest is dropped and the peer retransmits it.
func (s *TCPStack) acceptDataLocked(rec *socktable.Record, in *inSegment) {
	cb := &rec.TCB
	p := in.payload
	if len(p) > int(cb.RcvWND) {
		p = p[:cb.RcvWND]
	}
	n := rec.Input.Write(p)
	cb.RcvWND -= tcbSize(n)
	cb.RcvNXT = in.SEQ.Add(tcbSize(n))
	if n > 0 {
		rec.Wake(socktable.RecvWaiter, socktable.EventData)
	}
}

func (s *TCPStack) handleFinLocked(rec *socktable.Record, in *inSegment) []byte {
	cb := &rec.TCB
	switch cb.State {
	case tcb.StateEstablished:
		if in.DATALEN > 0 {
			if cb.CheckData(in.Segment) != nil {
				return s.ackLocked(rec, true)
			}
			s.acceptDataLocked(rec, in)
			if accepted := int(cb.RcvNXT - in.SEQ); accepted < len(in.payload) {
				// the window cut the payload, the FIN comes again later
				return s.ackLocked(rec, false)
			}
		} else if in.SEQ != cb.RcvNXT {
			return s.ackLocked(rec, true)
		}
		if cb.CheckAck(in.Segment) == nil {
			cb.Acknowledge(in.ACK, in.WND)
		}
		cb.RcvNXT = cb.RcvNXT.Add(1)
		cb.NXT = cb.UNA.Add(1)
		cb.WND = in.WND
		cb.State = tcb.StateLastAck
		cb.Retries = 0
		cb.LastPacket = s.now()
		rec.PeerClosed = true
		out := s.finAckLocked(rec)
		rec.Wake(socktable.RecvWaiter, socktable.EventCloseConn)
		rec.Wake(socktable.SendWaiter, socktable.EventCloseConn)
		return out

	case tcb.StateFinWait1:
		if in.DATALEN > 0 && cb.CheckData(in.Segment) == nil {
			s.acceptDataLocked(rec, in)
		}
		cb.RcvNXT = in.SEQ.Add(in.DATALEN + 1)
		rec.PeerClosed = true
		if in.ACK == cb.NXT {
			cb.UNA = cb.NXT
			cb.State = tcb.StateClosed
			out := s.ackLocked(rec, false)
			rec.Wake(socktable.SendWaiter, socktable.EventAck)
			rec.Wake(socktable.RecvWaiter, socktable.EventCloseConn)
			return out
		}
		// both sides closed at once
		cb.State = tcb.StateClosing
		rec.Wake(socktable.RecvWaiter, socktable.EventCloseConn)
		return s.ackLocked(rec, false)

	case tcb.StateLastAck:
		// our FIN-ACK was lost
		return s.finAckLocked(rec)

	case tcb.StateClosing:
		return s.ackLocked(rec, false)
	}
	return nil
}
