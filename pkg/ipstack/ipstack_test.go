package ipstack

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	addrA = netip.MustParseAddr("fd00::a")
	addrB = netip.MustParseAddr("fd00::b")
)

func TestMarshalRoundTrip(t *testing.T) {
	in := &Packet{Src: addrA, Dst: addrB, Protocol: ProtocolUDP, HopLimit: 9, Payload: []byte("payload")}
	b, err := Marshal(in)
	require.NoError(t, err)
	require.Len(t, b, 40+len(in.Payload))
	assert.Equal(t, byte(6), b[0]>>4)

	out, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestUnmarshalRejectsTruncated(t *testing.T) {
	b, err := Marshal(&Packet{Src: addrA, Dst: addrB, Protocol: ProtocolTCP, Payload: make([]byte, 20)})
	require.NoError(t, err)

	_, err = Unmarshal(b[:30])
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = Unmarshal(b[:50])
	assert.ErrorIs(t, err, ErrMalformed)
}

func startPair(t *testing.T, hub *Hub) (*IPStack, *IPStack) {
	t.Helper()
	a := New(addrA, hub.Attach(addrA), 1280, zerolog.Nop())
	b := New(addrB, hub.Attach(addrB), 1280, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go a.Run(ctx)
	go b.Run(ctx)
	return a, b
}

func TestHubDispatchByProtocol(t *testing.T) {
	hub := NewHub()
	a, b := startPair(t, hub)

	got := make(chan *Packet, 1)
	b.RegisterRecvHandler(ProtocolUDP, func(p *Packet) { got <- p })

	require.NoError(t, a.SendIP(addrB, ProtocolUDP, []byte("hi")))
	select {
	case p := <-got:
		assert.Equal(t, addrA, p.Src)
		assert.Equal(t, []byte("hi"), p.Payload)
	case <-time.After(time.Second):
		t.Fatal("packet not delivered")
	}

	// no handler for TCP: silently dropped
	require.NoError(t, a.SendIP(addrB, ProtocolTCP, []byte("x")))

	assert.ErrorIs(t, a.SendIP(netip.MustParseAddr("fd00::c"), ProtocolUDP, nil), ErrNoRoute)
	assert.ErrorIs(t, a.SendIP(addrB, ProtocolUDP, make([]byte, 1300)), ErrTooBig)
}

func TestHubDropFunc(t *testing.T) {
	hub := NewHub()
	a, b := startPair(t, hub)

	got := make(chan *Packet, 4)
	b.RegisterRecvHandler(ProtocolUDP, func(p *Packet) { got <- p })
	hub.SetDropFunc(func(src, dst netip.Addr, _ []byte) bool { return src == addrA })

	require.NoError(t, a.SendIP(addrB, ProtocolUDP, []byte("lost")))
	hub.SetDropFunc(nil)
	require.NoError(t, a.SendIP(addrB, ProtocolUDP, []byte("kept")))

	select {
	case p := <-got:
		assert.Equal(t, []byte("kept"), p.Payload)
	case <-time.After(time.Second):
		t.Fatal("packet not delivered")
	}
}

func TestLoopback(t *testing.T) {
	hub := NewHub()
	a, _ := startPair(t, hub)

	got := make(chan *Packet, 1)
	a.RegisterRecvHandler(ProtocolTCP, func(p *Packet) { got <- p })
	require.NoError(t, a.SendIP(addrA, ProtocolTCP, []byte{1, 2, 3}))

	select {
	case p := <-got:
		assert.Equal(t, addrA, p.Dst)
	case <-time.After(time.Second):
		t.Fatal("loopback not delivered")
	}
}

func TestUDPLinkTunnel(t *testing.T) {
	la, err := ListenUDP(netip.MustParseAddrPort("127.0.0.1:0"), nil, zerolog.Nop())
	require.NoError(t, err)
	defer la.Close()
	lb, err := ListenUDP(netip.MustParseAddrPort("127.0.0.1:0"), nil, zerolog.Nop())
	require.NoError(t, err)
	defer lb.Close()

	bAddr := lb.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	la.neighbors = map[netip.Addr]netip.AddrPort{addrB: bAddr}

	require.NoError(t, la.WritePacket(addrB, []byte("tunneled")))
	select {
	case b := <-lb.Packets():
		assert.Equal(t, []byte("tunneled"), b)
	case <-time.After(time.Second):
		t.Fatal("datagram not received")
	}
	assert.ErrorIs(t, lb.WritePacket(addrA, nil), ErrNoRoute)
}
