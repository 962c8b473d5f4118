package tcphc

import (
	"encoding/binary"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
)

const (
	// FullHeaderDispatch introduces a full header segment.
	FullHeaderDispatch = 0x01
	// FullHeaderLen is the dispatch byte plus the context id.
	FullHeaderLen = 3

	prefixMask       = 0xE000
	prefixCompressed = 0xC000 // (1|1|0)
	prefixMostly     = 0x8000 // (1|0|0)
	cidBit           = 0x1000 // context id is 16 bits wide

	seqShift = 10
	ackShift = 8
	wndShift = 6
	finBit   = 0x0008

	// field encodings, two bits each
	encSame  = 0
	encLow8  = 1
	encLow16 = 2 // for the window: high byte only
	encFull  = 3

	compressedFixedLen = 6 // hc word, context id, checksum
)

var (
	ErrShort         = errors.New("segment too short")
	ErrUnknownFormat = errors.New("unknown header compression format")
)

// Classify reports the wire form of b and the context id it carries.
func Classify(b []byte) (Mode, uint16, error) {
	if len(b) < FullHeaderLen {
		return 0, 0, ErrShort
	}
	if b[0] == FullHeaderDispatch {
		return ModeFullHeader, binary.BigEndian.Uint16(b[1:]), nil
	}
	if len(b) < compressedFixedLen {
		return 0, 0, ErrShort
	}
	word := binary.BigEndian.Uint16(b)
	id := binary.BigEndian.Uint16(b[2:])
	switch word & prefixMask {
	case prefixCompressed:
		return ModeCompressed, id, nil
	case prefixMostly:
		return ModeMostlyCompressed, id, nil
	}
	return 0, 0, errors.Wrapf(ErrUnknownFormat, "hc word %#04x", word)
}

// Compressible reports whether seg can travel in a compressed form: no
// options, no urgent data, and flags of exactly ACK or FIN|ACK, since the
// receiver rebuilds the header from that assumption.
func Compressible(seg header.TCP) bool {
	if len(seg) < header.TCPMinimumSize || seg.DataOffset() != header.TCPMinimumSize {
		return false
	}
	if binary.BigEndian.Uint16(seg[header.TCPUrgentPtrOffset:]) != 0 {
		return false
	}
	switch seg.Flags() {
	case header.TCPFlagAck, header.TCPFlagAck | header.TCPFlagFin:
		return true
	}
	return false
}

// Compress encodes the full segment seg in the form selected by s.Mode and
// records the sent values. Segments that cannot be compressed fall back to
// the full header form.
func (s *State) Compress(seg []byte) []byte {
	tcp := header.TCP(seg)
	if s.Mode == ModeFullHeader || !Compressible(tcp) {
		out := make([]byte, FullHeaderLen+len(seg))
		out[0] = FullHeaderDispatch
		binary.BigEndian.PutUint16(out[1:], s.ID)
		copy(out[FullHeaderLen:], seg)
		s.Snd = fieldsOf(tcp)
		return out
	}

	f := fieldsOf(tcp)
	var word uint16
	if s.Mode == ModeMostlyCompressed {
		word = prefixMostly | cidBit | encFull<<seqShift | encFull<<ackShift | encFull<<wndShift
	} else {
		word = prefixCompressed | cidBit |
			encode32(f.Seq, s.Snd.Seq)<<seqShift |
			encode32(f.Ack, s.Snd.Ack)<<ackShift |
			encodeWnd(f.Wnd, s.Snd.Wnd)<<wndShift
	}
	if tcp.Flags()&header.TCPFlagFin != 0 {
		word |= finBit
	}

	payload := tcp.Payload()
	out := make([]byte, 4, compressedFixedLen+10+len(payload))
	binary.BigEndian.PutUint16(out, word)
	binary.BigEndian.PutUint16(out[2:], s.ID)
	out = put32(out, (word>>seqShift)&3, f.Seq)
	out = put32(out, (word>>ackShift)&3, f.Ack)
	out = putWnd(out, (word>>wndShift)&3, f.Wnd)
	out = binary.BigEndian.AppendUint16(out, tcp.Checksum())
	out = append(out, payload...)

	s.Snd = f
	return out
}

// Full strips the dispatch byte and context id of a full header segment.
func Full(b []byte) (uint16, []byte, error) {
	if len(b) < FullHeaderLen+header.TCPMinimumSize || b[0] != FullHeaderDispatch {
		return 0, nil, ErrShort
	}
	return binary.BigEndian.Uint16(b[1:]), b[FullHeaderLen:], nil
}

// Expand rebuilds the full segment from a compressed form using the
// receive mirror of s. Ports are those of the connection as seen by the
// sender. The result still has to pass checksum verification before
// Observe is called.
func (s *State) Expand(b []byte, srcPort, dstPort uint16) ([]byte, error) {
	if len(b) < compressedFixedLen {
		return nil, ErrShort
	}
	word := binary.BigEndian.Uint16(b)
	rest := b[4:]

	var f Fields
	var err error
	if f.Seq, rest, err = take32(rest, (word>>seqShift)&3, s.Rcv.Seq); err != nil {
		return nil, err
	}
	if f.Ack, rest, err = take32(rest, (word>>ackShift)&3, s.Rcv.Ack); err != nil {
		return nil, err
	}
	if f.Wnd, rest, err = takeWnd(rest, (word>>wndShift)&3, s.Rcv.Wnd); err != nil {
		return nil, err
	}
	if len(rest) < 2 {
		return nil, ErrShort
	}
	sum := binary.BigEndian.Uint16(rest)
	payload := rest[2:]

	flags := uint8(header.TCPFlagAck)
	if word&finBit != 0 {
		flags |= header.TCPFlagFin
	}
	seg := make([]byte, header.TCPMinimumSize+len(payload))
	header.TCP(seg).Encode(&header.TCPFields{
		SrcPort:    srcPort,
		DstPort:    dstPort,
		SeqNum:     f.Seq,
		AckNum:     f.Ack,
		DataOffset: header.TCPMinimumSize,
		Flags:      flags,
		WindowSize: f.Wnd,
		Checksum:   sum,
	})
	copy(seg[header.TCPMinimumSize:], payload)
	return seg, nil
}

// Observe records the values of a verified inbound segment.
func (s *State) Observe(seg header.TCP) {
	s.Rcv = fieldsOf(seg)
}

func fieldsOf(seg header.TCP) Fields {
	return Fields{Seq: seg.SequenceNumber(), Ack: seg.AckNumber(), Wnd: seg.WindowSize()}
}

func encode32(v, last uint32) uint16 {
	switch {
	case v == last:
		return encSame
	case v&0xFFFFFF00 == last&0xFFFFFF00:
		return encLow8
	case v&0xFFFF0000 == last&0xFFFF0000:
		return encLow16
	}
	return encFull
}

func encodeWnd(v, last uint16) uint16 {
	switch {
	case v == last:
		return encSame
	case v&0xFF00 == last&0xFF00:
		return encLow8
	case v&0x00FF == last&0x00FF:
		return encLow16
	}
	return encFull
}

func put32(out []byte, enc uint16, v uint32) []byte {
	switch enc {
	case encLow8:
		return append(out, byte(v))
	case encLow16:
		return binary.BigEndian.AppendUint16(out, uint16(v))
	case encFull:
		return binary.BigEndian.AppendUint32(out, v)
	}
	return out
}

func putWnd(out []byte, enc uint16, v uint16) []byte {
	switch enc {
	case encLow8:
		return append(out, byte(v))
	case encLow16:
		return append(out, byte(v>>8))
	case encFull:
		return binary.BigEndian.AppendUint16(out, v)
	}
	return out
}

func take32(b []byte, enc uint16, last uint32) (uint32, []byte, error) {
	switch enc {
	case encSame:
		return last, b, nil
	case encLow8:
		if len(b) < 1 {
			return 0, nil, ErrShort
		}
		return last&0xFFFFFF00 | uint32(b[0]), b[1:], nil
	case encLow16:
		if len(b) < 2 {
			return 0, nil, ErrShort
		}
		return last&0xFFFF0000 | uint32(binary.BigEndian.Uint16(b)), b[2:], nil
	}
	if len(b) < 4 {
		return 0, nil, ErrShort
	}
	return binary.BigEndian.Uint32(b), b[4:], nil
}

func takeWnd(b []byte, enc uint16, last uint16) (uint16, []byte, error) {
	switch enc {
	case encSame:
		return last, b, nil
	case encLow8:
		if len(b) < 1 {
			return 0, nil, ErrShort
		}
		return last&0xFF00 | uint16(b[0]), b[1:], nil
	case encLow16:
		if len(b) < 1 {
			return 0, nil, ErrShort
		}
		return uint16(b[0])<<8 | last&0x00FF, b[1:], nil
	}
	if len(b) < 2 {
		return 0, nil, ErrShort
	}
	return binary.BigEndian.Uint16(b), b[2:], nil
}
