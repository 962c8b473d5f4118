package iptcpstack

import (
	"net/netip"

	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"

	"IPv6-TCP/pkg/checksum"
	"IPv6-TCP/pkg/ipstack"
	"IPv6-TCP/pkg/socktable"
	"IPv6-TCP/pkg/tcb"
	"IPv6-TCP/pkg/tcphc"
)

// inSegment is a decoded inbound segment.
type inSegment struct {
	tcb.Segment
	hdr     header.TCP
	remote  netip.AddrPort
	port    uint16 // local port
	payload []byte

	hcID   uint16 // context id of a full header segment
	hcFull bool
}

func (s *TCPStack) decodeSegment(b []byte, flags uint8) tcb.Segment {
	tcp := header.TCP(b)
	seg := tcb.Segment{
		SEQ:     seqnum.Value(tcp.SequenceNumber()),
		ACK:     seqnum.Value(tcp.AckNumber()),
		DATALEN: seqnum.Size(len(tcp.Payload())),
		WND:     seqnum.Size(tcp.WindowSize()),
		Flags:   tcb.Flags(flags),
	}
	if tcb.Flags(flags).HasAny(tcb.FlagSYN) {
		seg.MSS = s.opts.MSS
		if opts := tcp.Options(); len(opts) > 0 {
			if mss := header.ParseSynOptions(opts, seg.Flags.HasAny(tcb.FlagACK)).MSS; mss != 0 {
				seg.MSS = mss
			}
		}
	}
	return seg
}

// outSegment describes a segment to build from a record's state.
type outSegment struct {
	flags   tcb.Flags
	seq     seqnum.Value
	ack     seqnum.Value
	wnd     seqnum.Size
	mss     bool // carry the MSS option
	full    bool // force the full header form
	payload []byte
}

// buildLocked encodes seg for rec, computes its checksum and, when enabled,
// applies header compression. The caller holds rec's lock.
func (s *TCPStack) buildLocked(rec *socktable.Record, seg outSegment) []byte {
	local, remote := rec.Local(), rec.Remote()

	var opts [4]byte
	optLen := 0
	if seg.mss {
		optLen = header.EncodeMSSOption(uint32(s.opts.MSS), opts[:])
	}
	hdrLen := header.TCPMinimumSize + optLen
	b := make([]byte, hdrLen+len(seg.payload))
	tcp := header.TCP(b)
	tcp.Encode(&header.TCPFields{
		SrcPort:    local.Port(),
		DstPort:    remote.Port(),
		SeqNum:     uint32(seg.seq),
		AckNum:     uint32(seg.ack),
		DataOffset: uint8(hdrLen),
		Flags:      uint8(seg.flags),
		WindowSize: clampWindow(seg.wnd),
	})
	copy(b[header.TCPMinimumSize:], opts[:optLen])
	copy(b[hdrLen:], seg.payload)
	tcp.SetChecksum(checksum.Compute(local.Addr(), remote.Addr(), ipstack.ProtocolTCP, b))

	s.log.Debug().
		Int("sid", int(rec.Handle)).
		Stringer("flags", seg.flags).
		Uint32("seq", uint32(seg.seq)).
		Uint32("ack", uint32(seg.ack)).
		Uint32("wnd", uint32(seg.wnd)).
		Int("len", len(seg.payload)).
		Msg("segment out")

	if !s.opts.HeaderCompression {
		return b
	}
	st := rec.TCB.HC.Current()
	if seg.full {
		mode := st.Mode
		st.Mode = tcphc.ModeFullHeader
		defer func() { st.Mode = mode }()
	}
	return st.Compress(b)
}

// ackLocked is the pure ACK reporting the receive state of rec.
func (s *TCPStack) ackLocked(rec *socktable.Record, full bool) []byte {
	cb := &rec.TCB
	return s.buildLocked(rec, outSegment{
		flags: tcb.FlagACK,
		seq:   cb.UNA,
		ack:   cb.RcvNXT,
		wnd:   cb.RcvWND,
		full:  full,
	})
}

func (s *TCPStack) finAckLocked(rec *socktable.Record) []byte {
	cb := &rec.TCB
	return s.buildLocked(rec, outSegment{
		flags: tcb.FlagFIN | tcb.FlagACK,
		seq:   cb.UNA,
		ack:   cb.RcvNXT,
		wnd:   cb.RcvWND,
	})
}

func clampWindow(w seqnum.Size) uint16 {
	if w > 0xffff {
		return 0xffff
	}
	return uint16(w)
}

// transmit hands a built segment to the network layer. Failures are logged
// and otherwise treated as loss; the retransmission timer recovers.
func (s *TCPStack) transmit(dst netip.Addr, b []byte) {
	if b == nil {
		return
	}
	if err := s.ip.SendIP(dst, ipstack.ProtocolTCP, b); err != nil {
		s.log.Warn().Err(err).Stringer("dst", dst).Msg("segment not sent")
	}
}

func tcbSize(n int) seqnum.Size { return seqnum.Size(n) }
