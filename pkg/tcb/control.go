// Package tcb holds the per-connection TCP control block: the connection
// state, the send and receive sequence spaces, the round-trip estimator and
// the header compression context.
package tcb

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"

	"IPv6-TCP/pkg/tcphc"
)

// State enumerates the states a TCP connection can be in.
type State uint8

const (
	// StateClosed represents no connection state at all. Records start here.
	StateClosed State = iota
	// StateListen waits for a connection request from any remote TCP.
	StateListen
	// StateSynSent waits for a matching SYN-ACK after having sent a SYN.
	StateSynSent
	// StateSynRcvd waits for the ACK completing the handshake after a SYN
	// was received and a SYN-ACK sent.
	StateSynRcvd
	// StateEstablished is an open connection; data may flow both ways.
	StateEstablished
	// StateFinWait1 waits for the remote FIN-ACK answering our FIN.
	StateFinWait1
	// StateFinWait2 is reserved. The engine never enters it.
	StateFinWait2
	// StateClosing waits for the ACK of our FIN after both sides sent FIN.
	StateClosing
	// StateTimeWait is reserved. The engine never enters it.
	StateTimeWait
	// StateCloseWait is reserved. The engine never enters it.
	StateCloseWait
	// StateLastAck waits for the ACK of the FIN-ACK sent in reply to the
	// remote FIN.
	StateLastAck
)

var stateNames = [...]string{
	StateClosed:      "CLOSED",
	StateListen:      "LISTEN",
	StateSynSent:     "SYN_SENT",
	StateSynRcvd:     "SYN_RCVD",
	StateEstablished: "ESTABLISHED",
	StateFinWait1:    "FIN_WAIT_1",
	StateFinWait2:    "FIN_WAIT_2",
	StateClosing:     "CLOSING",
	StateTimeWait:    "TIME_WAIT",
	StateCloseWait:   "CLOSE_WAIT",
	StateLastAck:     "LAST_ACK",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// IsSynchronized reports whether the handshake has completed.
func (s State) IsSynchronized() bool {
	return s >= StateEstablished
}

// Flags is the TCP control bit field.
type Flags uint8

const (
	FlagFIN Flags = header.TCPFlagFin
	FlagSYN Flags = header.TCPFlagSyn
	FlagRST Flags = header.TCPFlagRst
	FlagPSH Flags = header.TCPFlagPsh
	FlagACK Flags = header.TCPFlagAck
	FlagURG Flags = header.TCPFlagUrg
	FlagECE Flags = 1 << 6
	FlagCWR Flags = 1 << 7

	// control is the subset the dispatcher switches on.
	control = FlagFIN | FlagSYN | FlagRST | FlagACK
)

// HasAll reports whether every bit in mask is set.
func (f Flags) HasAll(mask Flags) bool { return f&mask == mask }

// HasAny reports whether any bit in mask is set.
func (f Flags) HasAny(mask Flags) bool { return f&mask != 0 }

// Control masks off PSH, URG, ECE and CWR.
func (f Flags) Control() Flags { return f & control }

func (f Flags) String() string {
	if f == 0 {
		return "[]"
	}
	names := [...]string{"FIN", "SYN", "RST", "PSH", "ACK", "URG", "ECE", "CWR"}
	var parts []string
	for i, n := range names {
		if f&(1<<i) != 0 {
			parts = append(parts, n)
		}
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Segment is the part of an inbound TCP segment the control block acts on.
type Segment struct {
	SEQ     seqnum.Value
	ACK     seqnum.Value
	DATALEN seqnum.Size
	WND     seqnum.Size
	Flags   Flags
	MSS     uint16 // zero when the option is absent
}

var (
	ErrAckTooBig     = errors.New("ack of unsent data")
	ErrAckTooSmall   = errors.New("ack at or below send_una")
	ErrSeqTooSmall   = errors.New("sequence below rcv_nxt, probable retransmission")
	ErrSeqOutOfOrder = errors.New("sequence beyond rcv_nxt")
)

// ControlBlock is the state of one TCP connection. It carries no lock of
// its own; the owning socket record serializes access.
type ControlBlock struct {
	State State

	// Send space.
	ISS seqnum.Value // initial send sequence number
	UNA seqnum.Value // oldest unacknowledged sequence number
	NXT seqnum.Value // next sequence number to be sent
	WND seqnum.Size  // peer's advertised window, optimistically decremented
	MSS uint16       // largest payload the peer accepts

	// Receive space.
	IRS    seqnum.Value // initial receive sequence number
	RcvNXT seqnum.Value // next sequence number expected
	RcvWND seqnum.Size  // free space in the input buffer

	// Timing.
	LastPacket time.Time // when the segment now awaiting a reply left
	Retries    int
	RTT        Estimator

	HC tcphc.Context
}

// Reset returns cb to CLOSED with rtt seeded from est.
func (cb *ControlBlock) Reset(est Estimator, rcvWnd seqnum.Size) {
	*cb = ControlBlock{RTT: est, RcvWND: rcvWnd}
}

// CheckAck validates a segment without payload against the send space.
func (cb *ControlBlock) CheckAck(seg Segment) error {
	switch {
	case cb.NXT.LessThan(seg.ACK):
		return ErrAckTooBig
	case seg.ACK.LessThanEq(cb.UNA):
		return ErrAckTooSmall
	}
	return nil
}

// CheckData validates a payload-bearing segment against the receive space.
func (cb *ControlBlock) CheckData(seg Segment) error {
	switch {
	case seg.SEQ.LessThan(cb.RcvNXT):
		return ErrSeqTooSmall
	case seg.SEQ != cb.RcvNXT:
		return ErrSeqOutOfOrder
	}
	return nil
}

// Check dispatches to CheckAck or CheckData depending on the payload length.
func (cb *ControlBlock) Check(seg Segment) error {
	if seg.DATALEN == 0 {
		return cb.CheckAck(seg)
	}
	return cb.CheckData(seg)
}

// IsWindowUpdate reports whether seg acknowledges nothing new but changes
// the peer window while nothing is outstanding.
func (cb *ControlBlock) IsWindowUpdate(seg Segment) bool {
	return seg.DATALEN == 0 && cb.UNA == cb.NXT && seg.ACK == cb.UNA && seg.WND != cb.WND
}

// Chunk returns the payload limit of the next segment: min(peer window, MSS).
func (cb *ControlBlock) Chunk() int {
	n := int(cb.WND)
	if int(cb.MSS) < n {
		n = int(cb.MSS)
	}
	return n
}

// Advance records n optimistically sent bytes.
func (cb *ControlBlock) Advance(n int) {
	cb.NXT = cb.NXT.Add(seqnum.Size(n))
	cb.WND -= seqnum.Size(n)
}

// Rollback undoes Advance(n) after a retransmission timeout.
func (cb *ControlBlock) Rollback(n int) {
	cb.NXT -= seqnum.Value(n)
	cb.WND += seqnum.Size(n)
}

// Acknowledge finalizes everything up to ack and adopts the peer window.
func (cb *ControlBlock) Acknowledge(ack seqnum.Value, wnd seqnum.Size) {
	cb.UNA = ack
	cb.NXT = ack
	cb.WND = wnd
}

func (cb *ControlBlock) String() string {
	return fmt.Sprintf("%s una=%d nxt=%d wnd=%d rcv_nxt=%d rcv_wnd=%d rto=%s",
		cb.State, cb.UNA, cb.NXT, cb.WND, cb.RcvNXT, cb.RcvWND, cb.RTT.RTO)
}
