package iptcpstack

import (
	"context"
	"time"

	"IPv6-TCP/pkg/config"
	"IPv6-TCP/pkg/socktable"
	"IPv6-TCP/pkg/tcb"
)

type verdict int

const (
	verdictWait verdict = iota
	verdictRetry
	verdictTimeout
)

func (v verdict) String() string {
	switch v {
	case verdictRetry:
		return "retry"
	case verdictTimeout:
		return "timeout"
	}
	return "wait"
}

// timeoutFor decides what to do with a connection whose last segment left
// elapsed ago. Handshake segments use the fixed SYN schedule; everything
// else backs off from the estimated RTO.
func timeoutFor(t config.Timers, cb *tcb.ControlBlock, elapsed time.Duration) verdict {
	switch cb.State {
	case tcb.StateSynSent, tcb.StateSynRcvd:
		to := t.SynInitial.Duration()
		if cb.Retries > 0 {
			to = t.SynRetry.Duration() * time.Duration(cb.Retries)
		}
		if elapsed <= to {
			return verdictWait
		}
		if cb.Retries >= t.MaxSynRetries {
			return verdictTimeout
		}
		return verdictRetry
	}

	to := cb.RTT.Backoff(cb.Retries)
	if elapsed <= to {
		return verdictWait
	}
	if cb.Retries >= t.MaxRetries || to > t.MaxAckTimeout.Duration() {
		return verdictTimeout
	}
	return verdictRetry
}

// RunTimer is the Timer task. Each tick advances the sequence generators
// and fires the retransmission deadlines of every connection.
func (s *TCPStack) RunTimer(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Timers.Resolution.Duration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *TCPStack) tick() {
	s.gen.Tick()
	now := s.now()
	for _, rec := range s.table.Records() {
		if rec.Protocol != socktable.ProtoTCP {
			continue
		}
		rec.Lock()
		out := s.expireLocked(rec, now)
		dst := rec.Remote().Addr()
		rec.Unlock()
		s.transmit(dst, out)
	}
}

// expireLocked applies the timer to one record and returns a segment to
// retransmit for records no call is parked on.
func (s *TCPStack) expireLocked(rec *socktable.Record, now time.Time) []byte {
	if rec.Freed() {
		return nil
	}
	cb := &rec.TCB
	parked := rec.Parked(socktable.SendWaiter)
	if !parked && cb.State != tcb.StateLastAck {
		return nil
	}

	v := timeoutFor(s.opts.Timers, cb, now.Sub(cb.LastPacket))
	if v == verdictWait {
		return nil
	}
	s.log.Debug().
		Int("sid", int(rec.Handle)).
		Stringer("state", cb.State).
		Int("retries", cb.Retries).
		Stringer("verdict", v).
		Msg("timer expired")

	if v == verdictTimeout {
		if parked {
			rec.Wake(socktable.SendWaiter, socktable.EventTimeout)
		} else {
			_ = s.table.FreeLocked(rec)
		}
		return nil
	}

	cb.Retries++
	cb.LastPacket = now
	if parked {
		rec.Wake(socktable.SendWaiter, socktable.EventRetry)
		return nil
	}
	// LAST_ACK without a caller: the timer owns the FIN-ACK
	return s.finAckLocked(rec)
}
