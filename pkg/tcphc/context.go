// Package tcphc implements TCP header compression for lossy low-power links,
// following draft-aayadi-6lowpan-tcphc. Both ends keep a mirrored context of
// the last sequence, acknowledgment and window values sent and received;
// unchanged or slowly changing fields are elided from the wire.
package tcphc

import "fmt"

// Mode selects the wire form of the next outbound segment.
type Mode uint8

const (
	// ModeFullHeader sends a dispatch byte, the context id and the
	// uncompressed header. Used during the handshake and to resynchronize.
	ModeFullHeader Mode = iota
	// ModeCompressed elides fields that match the context.
	ModeCompressed
	// ModeMostlyCompressed carries sequence, acknowledgment and window in
	// full but still elides ports and offsets. Used for retransmissions.
	ModeMostlyCompressed
)

func (m Mode) String() string {
	switch m {
	case ModeFullHeader:
		return "FULL_HEADER"
	case ModeCompressed:
		return "COMPRESSED"
	case ModeMostlyCompressed:
		return "MOSTLY_COMPRESSED"
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

// Fields are the header values mirrored by the context.
type Fields struct {
	Seq uint32
	Ack uint32
	Wnd uint16
}

// State is one snapshot of a connection's compression context.
type State struct {
	ID   uint16
	Mode Mode
	Snd  Fields // last values sent
	Rcv  Fields // last values received
}

// Context pairs the live state with the snapshot taken before the segment
// currently in flight, so a retransmission can start from known values.
// The receive mirror always tracks the wire and is never rolled back.
type Context struct {
	cur  State
	prev State
}

// Init starts a fresh context with id in full header mode.
func (c *Context) Init(id uint16) {
	c.cur = State{ID: id, Mode: ModeFullHeader}
	c.prev = c.cur
}

// Current returns the live state.
func (c *Context) Current() *State { return &c.cur }

func (c *Context) ID() uint16 { return c.cur.ID }

func (c *Context) Mode() Mode { return c.cur.Mode }

func (c *Context) SetMode(m Mode) { c.cur.Mode = m }

// Save takes the snapshot a later Rollback returns to.
func (c *Context) Save() { c.prev = c.cur }

// Commit accepts the live state and switches to mode.
func (c *Context) Commit(mode Mode) {
	c.cur.Mode = mode
	c.prev = c.cur
}

// Rollback restores the send side of the last snapshot and switches to mode.
func (c *Context) Rollback(mode Mode) {
	c.cur.ID = c.prev.ID
	c.cur.Snd = c.prev.Snd
	c.cur.Mode = mode
}

// Restore returns entirely to the last snapshot, receive mirror included.
func (c *Context) Restore() { c.cur = c.prev }

func (s State) String() string {
	return fmt.Sprintf("ctx=%d %s snd{seq=%d ack=%d wnd=%d} rcv{seq=%d ack=%d wnd=%d}",
		s.ID, s.Mode, s.Snd.Seq, s.Snd.Ack, s.Snd.Wnd, s.Rcv.Seq, s.Rcv.Ack, s.Rcv.Wnd)
}
