package iptcpstack

import (
	"io"
	"net/netip"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"

	"IPv6-TCP/pkg/socktable"
	"IPv6-TCP/pkg/tcb"
	"IPv6-TCP/pkg/tcphc"
)

// eventErr maps the wake-ups every blocking call treats the same way.
func eventErr(ev socktable.Event) error {
	switch ev {
	case socktable.EventClosed:
		return socktable.ErrUnusedHandle
	case socktable.EventShutdown:
		return socktable.ErrStackClosed
	case socktable.EventTimeout:
		return socktable.ErrTimeout
	}
	return nil
}

// wait parks on w, sends out to dst after releasing rec's lock, blocks for
// the event and reacquires the lock. The caller holds rec's lock.
func (s *TCPStack) wait(rec *socktable.Record, w socktable.Waiter, dst netip.Addr, out []byte) (socktable.Event, error) {
	ch, err := rec.Park(w)
	if err != nil {
		return 0, err
	}
	if w == socktable.SendWaiter {
		rec.TCB.LastPacket = s.now()
	}
	rec.Unlock()
	s.transmit(dst, out)
	ev := <-ch
	rec.Lock()
	return ev, nil
}

// VListen moves a stream socket from CLOSED to LISTEN, binding an ephemeral
// port first when the socket is unbound.
func (s *TCPStack) VListen(rec *socktable.Record) error {
	rec.Lock()
	defer rec.Unlock()
	if rec.Freed() {
		return socktable.ErrUnusedHandle
	}
	if rec.TCB.State != tcb.StateClosed || rec.Listener() != 0 || rec.Remote().IsValid() {
		return errors.Wrapf(socktable.ErrInvalidState, "listen in %s", rec.TCB.State)
	}
	if rec.Local().Port() == 0 {
		if err := s.table.Bind(rec, netip.AddrPort{}); err != nil {
			return err
		}
	}
	rec.TCB.State = tcb.StateListen
	rec.SetListening(true)
	s.log.Debug().Int("sid", int(rec.Handle)).Stringer("local", rec.Local()).Msg("listening")
	return nil
}

// VConnect runs the active open. It returns once the handshake completes or
// the SYN retry bound is exhausted, in which case the socket is back in
// CLOSED with its compression context restored.
func (s *TCPStack) VConnect(rec *socktable.Record, remote netip.AddrPort) error {
	rec.Lock()
	defer rec.Unlock()
	if rec.Freed() {
		return socktable.ErrUnusedHandle
	}
	cb := &rec.TCB
	switch {
	case cb.State.IsSynchronized():
		return socktable.ErrAlreadyConnected
	case cb.State != tcb.StateClosed || rec.Listener() != 0:
		return errors.Wrapf(socktable.ErrInvalidState, "connect in %s", cb.State)
	}
	if rec.Local().Port() == 0 {
		if err := s.table.Bind(rec, netip.AddrPort{}); err != nil {
			return err
		}
	}

	rec.SetRemote(remote)
	cb.ISS = s.gen.ISN()
	cb.UNA = cb.ISS
	cb.NXT = cb.ISS.Add(1)
	cb.Retries = 0
	cb.State = tcb.StateSynSent
	cb.HC.Save()
	if s.opts.HeaderCompression {
		id := s.gen.ContextID()
		*cb.HC.Current() = tcphc.State{ID: id, Mode: tcphc.ModeFullHeader}
		rec.SetContextID(id)
	}
	s.log.Debug().Int("sid", int(rec.Handle)).Stringer("remote", remote).Uint32("iss", uint32(cb.ISS)).Msg("connecting")

	for {
		out := s.buildLocked(rec, outSegment{
			flags: tcb.FlagSYN,
			seq:   cb.ISS,
			wnd:   cb.RcvWND,
			mss:   true,
			full:  true,
		})
		ev, err := s.wait(rec, socktable.SendWaiter, remote.Addr(), out)
		if err != nil {
			s.abortConnectLocked(rec)
			return err
		}
		switch ev {
		case socktable.EventSynAck:
			if cb.State == tcb.StateEstablished {
				s.log.Debug().Int("sid", int(rec.Handle)).Msg("connection established")
				return nil
			}
		case socktable.EventRetry:
			s.log.Debug().Int("sid", int(rec.Handle)).Int("retry", cb.Retries).Msg("retransmitting SYN")
		default:
			if !rec.Freed() {
				s.abortConnectLocked(rec)
			}
			if err := eventErr(ev); err != nil {
				return err
			}
			return errors.Errorf("connect: unexpected event %s", ev)
		}
	}
}

func (s *TCPStack) abortConnectLocked(rec *socktable.Record) {
	cb := &rec.TCB
	cb.State = tcb.StateClosed
	cb.ISS, cb.UNA, cb.NXT = 0, 0, 0
	cb.Retries = 0
	cb.HC.Restore()
	rec.SetRemote(netip.AddrPort{})
	rec.SetContextID(cb.HC.ID())
}

// VAccept waits for a queued connection request on the listener ln, runs
// the passive side of the handshake and returns the established record.
func (s *TCPStack) VAccept(ln *socktable.Record) (*socktable.Record, error) {
	child, err := s.claim(ln)
	if err != nil {
		return nil, err
	}

	child.Lock()
	defer child.Unlock()
	cb := &child.TCB
	cb.Retries = 0
	remote := child.Remote()
	for {
		if cb.State == tcb.StateEstablished {
			return child, nil
		}
		out := s.buildLocked(child, outSegment{
			flags: tcb.FlagSYN | tcb.FlagACK,
			seq:   cb.ISS,
			ack:   cb.RcvNXT,
			wnd:   cb.RcvWND,
			mss:   true,
			full:  true,
		})
		ev, err := s.wait(child, socktable.SendWaiter, remote.Addr(), out)
		if err != nil {
			return nil, err
		}
		switch ev {
		case socktable.EventAck:
		case socktable.EventRetry:
			s.log.Debug().Int("sid", int(child.Handle)).Int("retry", cb.Retries).Msg("retransmitting SYN-ACK")
		case socktable.EventTimeout:
			_ = s.table.FreeLocked(child)
			return nil, socktable.ErrTimeout
		default:
			if err := eventErr(ev); err != nil {
				return nil, err
			}
		}
	}
}

// claim pops the oldest pending request queued on ln, blocking until one
// arrives.
func (s *TCPStack) claim(ln *socktable.Record) (*socktable.Record, error) {
	ln.Lock()
	defer ln.Unlock()
	for {
		if ln.Freed() {
			return nil, socktable.ErrUnusedHandle
		}
		if ln.TCB.State != tcb.StateListen {
			return nil, errors.Wrapf(socktable.ErrInvalidState, "accept in %s", ln.TCB.State)
		}
		for len(ln.Backlog) > 0 {
			h := ln.Backlog[0]
			ln.Backlog = ln.Backlog[1:]
			if child, err := s.table.Get(h); err == nil && child.Listener() == ln.Handle {
				return child, nil
			}
		}
		ev, err := s.wait(ln, socktable.RecvWaiter, netip.Addr{}, nil)
		if err != nil {
			return nil, err
		}
		if err := eventErr(ev); err != nil {
			return nil, err
		}
	}
}

// chunkCursor walks a send buffer in segments bounded by min(window, MSS).
// Its position is derived from send_una, so a retransmission restarts from
// the first unacknowledged byte.
type chunkCursor struct {
	buf   []byte
	start seqnum.Value
}

func (c chunkCursor) acked(una seqnum.Value) int { return int(una - c.start) }

func (c chunkCursor) done(una seqnum.Value) bool { return c.acked(una) >= len(c.buf) }

func (c chunkCursor) next(una seqnum.Value, limit int) []byte {
	off := c.acked(una)
	end := off + limit
	if end > len(c.buf) {
		end = len(c.buf)
	}
	return c.buf[off:end]
}

// VWrite sends p one window-limited segment at a time, blocking for the
// acknowledgment of each. It returns the number of acknowledged bytes.
func (s *TCPStack) VWrite(rec *socktable.Record, p []byte) (int, error) {
	rec.Lock()
	defer rec.Unlock()
	if rec.Freed() {
		return 0, socktable.ErrUnusedHandle
	}
	cb := &rec.TCB
	if cb.State != tcb.StateEstablished {
		return 0, errors.Wrapf(socktable.ErrNotConnected, "send in %s", cb.State)
	}
	remote := rec.Remote()
	cur := chunkCursor{buf: p, start: cb.UNA}
	cb.Retries = 0

	for !cur.done(cb.UNA) {
		if cb.State != tcb.StateEstablished {
			return cur.acked(cb.UNA), errors.Wrapf(socktable.ErrNotConnected, "send in %s", cb.State)
		}
		if cb.Chunk() == 0 && cb.Retries > 0 {
			// zero window probe
			cb.WND = 1
		}
		slice := cur.next(cb.UNA, cb.Chunk())

		var out []byte
		if len(slice) > 0 {
			if cb.Retries == 0 {
				cb.HC.Save()
			}
			seq := cb.UNA
			cb.Advance(len(slice))
			out = s.buildLocked(rec, outSegment{
				flags:   tcb.FlagACK,
				seq:     seq,
				ack:     cb.RcvNXT,
				wnd:     cb.RcvWND,
				payload: slice,
			})
		}

		ev, err := s.wait(rec, socktable.SendWaiter, remote.Addr(), out)
		if err != nil {
			if len(slice) > 0 {
				cb.Rollback(len(slice))
			}
			return cur.acked(cb.UNA), err
		}
		switch ev {
		case socktable.EventAck, socktable.EventWindow:
		case socktable.EventRetry:
			if len(slice) > 0 && cb.NXT != cb.UNA {
				cb.Rollback(len(slice))
				cb.HC.Rollback(tcphc.ModeMostlyCompressed)
			}
			s.log.Debug().Int("sid", int(rec.Handle)).Int("retry", cb.Retries).Stringer("rto", cb.RTT.Backoff(cb.Retries)).Msg("retransmitting data")
		case socktable.EventCloseConn:
			return cur.acked(cb.UNA), errors.Wrap(socktable.ErrNotConnected, "peer closed")
		default:
			if ev == socktable.EventTimeout && len(slice) > 0 && cb.NXT != cb.UNA {
				cb.Rollback(len(slice))
				cb.HC.Rollback(tcphc.ModeMostlyCompressed)
			}
			if err := eventErr(ev); err != nil {
				return cur.acked(cb.UNA), err
			}
		}
	}
	return len(p), nil
}

// VRead copies buffered stream bytes into p, blocking while none are
// available. It returns io.EOF once the peer has closed and the buffer is
// drained; a connection whose teardown already completed is freed then.
func (s *TCPStack) VRead(rec *socktable.Record, p []byte) (int, error) {
	rec.Lock()
	defer rec.Unlock()
	if len(p) == 0 {
		return 0, nil
	}
	cb := &rec.TCB
	for {
		if rec.Freed() {
			return 0, socktable.ErrUnusedHandle
		}
		if !rec.Input.Empty() {
			n := rec.Input.Read(p)
			wasClosed := cb.RcvWND == 0
			cb.RcvWND += tcbSize(n)
			if wasClosed && cb.State == tcb.StateEstablished {
				// reopen the window the peer is waiting on
				out := s.ackLocked(rec, false)
				dst := rec.Remote().Addr()
				rec.Unlock()
				s.transmit(dst, out)
				rec.Lock()
			}
			return n, nil
		}
		if rec.PeerClosed {
			rec.EOFSeen = true
			if cb.State == tcb.StateClosed {
				_ = s.table.FreeLocked(rec)
			}
			return 0, io.EOF
		}
		if cb.State != tcb.StateEstablished && cb.State != tcb.StateFinWait1 {
			return 0, errors.Wrapf(socktable.ErrNotConnected, "recv in %s", cb.State)
		}
		ev, err := s.wait(rec, socktable.RecvWaiter, netip.Addr{}, nil)
		if err != nil {
			return 0, err
		}
		if err := eventErr(ev); err != nil {
			return 0, err
		}
	}
}

// VClose tears the connection down. An established connection sends FIN
// and waits for the peer's FIN-ACK before the record is freed; any other
// record is freed at once, a listener together with its pending requests.
func (s *TCPStack) VClose(rec *socktable.Record) error {
	rec.Lock()
	defer rec.Unlock()
	if rec.Freed() {
		return socktable.ErrUnusedHandle
	}
	cb := &rec.TCB
	switch cb.State {
	case tcb.StateEstablished:
	case tcb.StateListen:
		for _, h := range rec.Backlog {
			if child, err := s.table.Get(h); err == nil && child.Listener() == rec.Handle {
				_ = s.table.Free(child)
			}
		}
		rec.Backlog = nil
		rec.SetListening(false)
		return s.table.FreeLocked(rec)
	default:
		return s.table.FreeLocked(rec)
	}

	remote := rec.Remote()
	cb.State = tcb.StateFinWait1
	cb.NXT = cb.UNA.Add(1)
	cb.Retries = 0
	for {
		out := s.finAckLocked(rec)
		ev, err := s.wait(rec, socktable.SendWaiter, remote.Addr(), out)
		if err != nil {
			if errors.Is(err, socktable.ErrBusy) {
				cb.State = tcb.StateEstablished
				cb.NXT = cb.UNA
			}
			return err
		}
		switch ev {
		case socktable.EventAck:
			s.log.Debug().Int("sid", int(rec.Handle)).Msg("connection closed")
			if rec.Freed() {
				// a reader saw EOF first and released the record
				return nil
			}
			return s.table.FreeLocked(rec)
		case socktable.EventRetry:
			s.log.Debug().Int("sid", int(rec.Handle)).Int("retry", cb.Retries).Stringer("state", cb.State).Msg("retransmitting FIN")
		case socktable.EventTimeout:
			_ = s.table.FreeLocked(rec)
			return errors.Wrap(socktable.ErrTimeout, "close")
		case socktable.EventClosed:
			return nil
		default:
			if err := eventErr(ev); err != nil {
				return err
			}
		}
	}
}
