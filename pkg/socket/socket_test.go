package socket

import (
	"context"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/netstack/tcpip/header"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"IPv6-TCP/pkg/config"
	"IPv6-TCP/pkg/ipstack"
	"IPv6-TCP/pkg/tcb"
	"IPv6-TCP/pkg/tcphc"
)

var (
	clientAddr = netip.MustParseAddr("fd00::1")
	serverAddr = netip.MustParseAddr("fd00::2")
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.MSS = 100
	cfg.RecvWindow = 4096
	cfg.Timers = config.Timers{
		Resolution:    config.Duration(5 * time.Millisecond),
		InitialRTO:    config.Duration(50 * time.Millisecond),
		MinRTO:        config.Duration(20 * time.Millisecond),
		MaxAckTimeout: config.Duration(2 * time.Second),
		SynInitial:    config.Duration(40 * time.Millisecond),
		SynRetry:      config.Duration(20 * time.Millisecond),
		MaxRetries:    3,
		MaxSynRetries: 2,
	}
	return cfg
}

type pair struct {
	hub            *ipstack.Hub
	client, server *Stack
}

func newPair(t *testing.T, cfg config.Config) *pair {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := ipstack.NewHub()
	p := &pair{hub: hub}
	done := make(chan struct{}, 2)
	for _, a := range []netip.Addr{clientAddr, serverAddr} {
		ip := ipstack.New(a, hub.Attach(a), cfg.MTU, zerolog.Nop())
		s := New(cfg, ip, zerolog.Nop())
		if a == clientAddr {
			p.client = s
		} else {
			p.server = s
		}
		go func() {
			_ = s.Run(ctx)
			done <- struct{}{}
		}()
	}
	t.Cleanup(func() {
		cancel()
		<-done
		<-done
	})
	return p
}

// within fails the test when fn does not return in time.
func within(t *testing.T, d time.Duration, fn func()) {
	t.Helper()
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		fn()
	}()
	select {
	case <-finished:
	case <-time.After(d):
		t.Fatal("call did not return")
	}
}

// connect establishes a connection to the server listening on port.
func connect(t *testing.T, p *pair, port uint16) (client, server *VTCPConn) {
	t.Helper()
	ln, err := p.server.VListenTCP(port)
	require.NoError(t, err)

	accepted := make(chan *VTCPConn, 1)
	go func() {
		conn, err := ln.VAccept()
		assert.NoError(t, err)
		accepted <- conn
	}()
	within(t, 2*time.Second, func() {
		var err error
		client, err = p.client.VConnectTCP(serverAddr, port)
		require.NoError(t, err)
	})
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("accept did not return")
	}
	require.NotNil(t, server)
	return client, server
}

func hasState(lines []string, state string) bool {
	for _, l := range lines {
		if strings.HasSuffix(l, "\t"+state) {
			return true
		}
	}
	return false
}

// transport returns the transport part of a packet crossing the hub.
func transport(b []byte) []byte {
	if len(b) < header.IPv6MinimumSize {
		return nil
	}
	return b[header.IPv6MinimumSize:]
}

func isFin(b []byte) bool {
	seg := transport(b)
	return len(seg) >= header.TCPMinimumSize && header.TCP(seg).Flags()&header.TCPFlagFin != 0
}

func TestHandshakeAndHello(t *testing.T) {
	p := newPair(t, testConfig())
	client, server := connect(t, p, 80)

	assert.True(t, hasState(p.client.Sockets(), "ESTABLISHED"))
	assert.True(t, hasState(p.server.Sockets(), "ESTABLISHED"))

	n, err := client.VWrite([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 16)
	within(t, time.Second, func() {
		n, err = server.VRead(buf)
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestCloseFreesBothEnds(t *testing.T) {
	p := newPair(t, testConfig())
	client, server := connect(t, p, 80)

	eof := make(chan error, 1)
	go func() {
		_, err := server.VRead(make([]byte, 4))
		eof <- err
	}()
	within(t, 2*time.Second, func() {
		require.NoError(t, client.VClose())
	})
	select {
	case err := <-eof:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(time.Second):
		t.Fatal("server read did not see end of stream")
	}

	require.Eventually(t, func() bool {
		_, err := p.server.record(server.SID)
		return err != nil
	}, time.Second, 5*time.Millisecond, "server record not freed")

	assert.ErrorIs(t, client.VClose(), ErrUnusedHandle)
	assert.ErrorIs(t, server.VClose(), ErrUnusedHandle)
}

func TestRoundTripAcrossSegments(t *testing.T) {
	p := newPair(t, testConfig())
	client, server := connect(t, p, 80)

	for _, size := range []int{1, 99, 100, 101, 350} {
		payload := make([]byte, size)
		for i := range payload {
			payload[i] = byte(i*7 + size)
		}
		var n int
		var err error
		within(t, 2*time.Second, func() {
			n, err = client.VWrite(payload)
		})
		require.NoError(t, err)
		require.Equal(t, size, n)

		got := make([]byte, size)
		within(t, time.Second, func() {
			_, err = io.ReadFull(server, got)
		})
		require.NoError(t, err)
		assert.Equal(t, payload, got, "size %d", size)
	}
}

func TestRetransmitsLostSegment(t *testing.T) {
	p := newPair(t, testConfig())
	client, server := connect(t, p, 80)

	var dropped atomic.Int32
	p.hub.SetDropFunc(func(src, dst netip.Addr, b []byte) bool {
		// lose the first data segment towards the server once
		return dst == serverAddr && len(b) > 60 && dropped.CompareAndSwap(0, 1)
	})

	within(t, 2*time.Second, func() {
		_, err := client.VWrite([]byte("survives loss"))
		require.NoError(t, err)
	})
	assert.Equal(t, int32(1), dropped.Load())

	buf := make([]byte, 32)
	var n int
	within(t, time.Second, func() {
		var err error
		n, err = server.VRead(buf)
		require.NoError(t, err)
	})
	assert.Equal(t, "survives loss", string(buf[:n]))
}

func TestConnectRetryBound(t *testing.T) {
	p := newPair(t, testConfig())
	p.hub.SetDropFunc(func(src, dst netip.Addr, b []byte) bool { return dst == serverAddr })

	h, err := p.client.VSocket(AFInet6, SockStream, 0)
	require.NoError(t, err)
	within(t, 2*time.Second, func() {
		err = p.client.VConnect(h, netip.AddrPortFrom(serverAddr, 80))
	})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, hasState(p.client.Sockets(), "CLOSED"))

	// the socket is reusable once the peer is reachable
	p.hub.SetDropFunc(nil)
	ln, err := p.server.VListenTCP(80)
	require.NoError(t, err)
	go func() { _, _ = ln.VAccept() }()
	within(t, 2*time.Second, func() {
		assert.NoError(t, p.client.VConnect(h, netip.AddrPortFrom(serverAddr, 80)))
	})
}

func TestPortUniqueness(t *testing.T) {
	p := newPair(t, testConfig())
	s := p.server

	a, err := s.VSocket(AFInet6, SockStream, 0)
	require.NoError(t, err)
	b, err := s.VSocket(AFInet6, SockStream, 0)
	require.NoError(t, err)
	u, err := s.VSocket(AFInet6, SockDgram, 0)
	require.NoError(t, err)

	require.NoError(t, s.VBind(a, netip.AddrPortFrom(netip.IPv6Unspecified(), 8080)))
	assert.ErrorIs(t, s.VBind(b, netip.AddrPortFrom(netip.IPv6Unspecified(), 8080)), ErrPortInUse)
	assert.NoError(t, s.VBind(u, netip.AddrPortFrom(serverAddr, 8080)), "ports are per protocol")
	assert.ErrorIs(t, s.VBind(b, netip.AddrPortFrom(clientAddr, 9000)), ErrAddrNotAvailable)

	_, err = s.VSocket(AFInet6, 3, 0)
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.ErrorIs(t, s.VListen(u), ErrUnsupported)
	assert.ErrorIs(t, s.VClose(Handle(99)), ErrUnusedHandle)
}

func TestUDPRoundTrip(t *testing.T) {
	p := newPair(t, testConfig())

	srv, err := p.server.VSocket(AFInet6, SockDgram, 0)
	require.NoError(t, err)
	require.NoError(t, p.server.VBind(srv, netip.AddrPortFrom(netip.IPv6Unspecified(), 53)))
	cli, err := p.client.VSocket(AFInet6, SockDgram, ProtoUDP)
	require.NoError(t, err)

	_, err = p.client.VSendTo(cli, []byte("query"), netip.AddrPortFrom(serverAddr, 53))
	require.NoError(t, err)

	buf := make([]byte, 64)
	var n int
	var from netip.AddrPort
	within(t, time.Second, func() {
		n, from, err = p.server.VRecvFrom(srv, buf)
	})
	require.NoError(t, err)
	assert.Equal(t, "query", string(buf[:n]))
	assert.Equal(t, clientAddr, from.Addr())

	_, err = p.server.VSendTo(srv, []byte("a much longer answer"), from)
	require.NoError(t, err)
	short := make([]byte, 6)
	within(t, time.Second, func() {
		n, from, err = p.client.VRecvFrom(cli, short)
	})
	assert.ErrorIs(t, err, io.ErrShortBuffer)
	assert.Equal(t, "a much", string(short[:n]))
	assert.Equal(t, netip.AddrPortFrom(serverAddr, 53), from)
}

func TestShutdownReleasesBlockedCalls(t *testing.T) {
	cfg := testConfig()
	ctx, cancel := context.WithCancel(context.Background())
	hub := ipstack.NewHub()
	s := New(cfg, ipstack.New(serverAddr, hub.Attach(serverAddr), cfg.MTU, zerolog.Nop()), zerolog.Nop())
	stopped := make(chan error, 1)
	go func() { stopped <- s.Run(ctx) }()

	ln, err := s.VListenTCP(80)
	require.NoError(t, err)
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	within(t, time.Second, func() {
		_, err = ln.VAccept()
	})
	assert.ErrorIs(t, err, ErrStackClosed)
	assert.NoError(t, <-stopped)

	_, err = s.VSocket(AFInet6, SockStream, 0)
	assert.ErrorIs(t, err, ErrStackClosed)
}

func TestHeaderCompression(t *testing.T) {
	cfg := testConfig()
	cfg.HeaderCompression = true
	p := newPair(t, cfg)
	client, server := connect(t, p, 80)

	for _, msg := range []string{"first", "second", "third"} {
		within(t, 2*time.Second, func() {
			_, err := client.VWrite([]byte(msg))
			require.NoError(t, err)
		})
		buf := make([]byte, 16)
		var n int
		within(t, time.Second, func() {
			var err error
			n, err = server.VRead(buf)
			require.NoError(t, err)
		})
		assert.Equal(t, msg, string(buf[:n]))
	}
}

func TestSendReceiveFile(t *testing.T) {
	p := newPair(t, testConfig())
	dir := t.TempDir()
	src := filepath.Join(dir, "in.bin")
	dst := filepath.Join(dir, "out.bin")
	content := []byte(strings.Repeat("0123456789abcdef", 200))
	require.NoError(t, os.WriteFile(src, content, 0o644))

	received := make(chan int, 1)
	go func() {
		n, err := ReceiveFile(p.server, dst, 9000)
		assert.NoError(t, err)
		received <- n
	}()
	// wait for the listener
	require.Eventually(t, func() bool { return hasState(p.server.Sockets(), "LISTEN") }, time.Second, 5*time.Millisecond)

	var sent int
	within(t, 5*time.Second, func() {
		var err error
		sent, err = SendFile(p.client, src, serverAddr, 9000)
		require.NoError(t, err)
	})
	assert.Equal(t, len(content), sent)

	select {
	case n := <-received:
		assert.Equal(t, len(content), n)
	case <-time.After(2 * time.Second):
		t.Fatal("receive did not finish")
	}
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestSimultaneousClose(t *testing.T) {
	p := newPair(t, testConfig())
	client, server := connect(t, p, 80)

	// lose the first FIN in each direction so the retransmissions cross
	var toServer, toClient atomic.Int32
	p.hub.SetDropFunc(func(src, dst netip.Addr, b []byte) bool {
		if !isFin(b) {
			return false
		}
		if dst == serverAddr {
			return toServer.CompareAndSwap(0, 1)
		}
		return toClient.CompareAndSwap(0, 1)
	})

	errs := make(chan error, 2)
	go func() { errs <- client.VClose() }()
	go func() { errs <- server.VClose() }()
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("close did not return")
		}
	}
	assert.Equal(t, int32(1), toServer.Load())
	assert.Equal(t, int32(1), toClient.Load())

	assert.ErrorIs(t, client.VClose(), ErrUnusedHandle)
	assert.ErrorIs(t, server.VClose(), ErrUnusedHandle)
	assert.Empty(t, p.client.Sockets())
	assert.False(t, hasState(p.server.Sockets(), "CLOSING"))
}

func TestCompressedRetransmission(t *testing.T) {
	cfg := testConfig()
	cfg.HeaderCompression = true
	p := newPair(t, cfg)
	client, server := connect(t, p, 80)

	var (
		dropped atomic.Int32
		resent  atomic.Int32
	)
	resent.Store(-1)
	const msg = "retransmitted with a mostly compressed header"
	p.hub.SetDropFunc(func(src, dst netip.Addr, b []byte) bool {
		if dst != serverAddr || len(b) < header.IPv6MinimumSize+len(msg) {
			return false
		}
		if dropped.CompareAndSwap(0, 1) {
			return true
		}
		if mode, _, err := tcphc.Classify(transport(b)); err == nil {
			resent.CompareAndSwap(-1, int32(mode))
		}
		return false
	})

	within(t, 2*time.Second, func() {
		_, err := client.VWrite([]byte(msg))
		require.NoError(t, err)
	})
	buf := make([]byte, 64)
	var n int
	within(t, time.Second, func() {
		var err error
		n, err = server.VRead(buf)
		require.NoError(t, err)
	})
	assert.Equal(t, msg, string(buf[:n]))
	assert.Equal(t, int32(1), dropped.Load())
	assert.Equal(t, int32(tcphc.ModeMostlyCompressed), resent.Load())

	// the contexts stay in step after the rollback
	for _, next := range []string{"after", "the loss"} {
		within(t, 2*time.Second, func() {
			_, err := client.VWrite([]byte(next))
			require.NoError(t, err)
		})
		within(t, time.Second, func() {
			var err error
			n, err = server.VRead(buf)
			require.NoError(t, err)
		})
		assert.Equal(t, next, string(buf[:n]))
	}
}

func TestConnectTimeoutRestoresCompressionContext(t *testing.T) {
	cfg := testConfig()
	cfg.HeaderCompression = true
	p := newPair(t, cfg)
	p.hub.SetDropFunc(func(src, dst netip.Addr, b []byte) bool { return dst == serverAddr })

	h, err := p.client.VSocket(AFInet6, SockStream, 0)
	require.NoError(t, err)
	within(t, 2*time.Second, func() {
		err = p.client.VConnect(h, netip.AddrPortFrom(serverAddr, 80))
	})
	require.ErrorIs(t, err, ErrTimeout)

	rec, err := p.client.record(h)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), rec.ContextID())
	rec.Lock()
	assert.Equal(t, tcb.StateClosed, rec.TCB.State)
	assert.Equal(t, tcphc.ModeFullHeader, rec.TCB.HC.Mode())
	assert.Equal(t, uint16(0), rec.TCB.HC.ID())
	rec.Unlock()

	p.hub.SetDropFunc(nil)
	ln, err := p.server.VListenTCP(80)
	require.NoError(t, err)
	accepted := make(chan *VTCPConn, 1)
	go func() {
		conn, err := ln.VAccept()
		assert.NoError(t, err)
		accepted <- conn
	}()
	within(t, 2*time.Second, func() {
		require.NoError(t, p.client.VConnect(h, netip.AddrPortFrom(serverAddr, 80)))
	})
	var server *VTCPConn
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("accept did not return")
	}
	require.NotNil(t, server)
	assert.NotEqual(t, uint16(0), rec.ContextID())

	client := &VTCPConn{stack: p.client, SID: h}
	for _, msg := range []string{"fresh", "context"} {
		within(t, 2*time.Second, func() {
			_, err := client.VWrite([]byte(msg))
			require.NoError(t, err)
		})
		buf := make([]byte, 16)
		var n int
		within(t, time.Second, func() {
			var err error
			n, err = server.VRead(buf)
			require.NoError(t, err)
		})
		assert.Equal(t, msg, string(buf[:n]))
	}
}
