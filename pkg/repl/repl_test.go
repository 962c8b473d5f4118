package repl

import (
	"bytes"
	"context"
	"net/netip"
	"strings"
	"io"
	"testing"

	"github.com/chzyer/readline"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"IPv6-TCP/pkg/config"
	"IPv6-TCP/pkg/ipstack"
	"IPv6-TCP/pkg/socket"
)

func newTestRepl(t *testing.T) (*Repl, *bytes.Buffer) {
	t.Helper()
	addr := netip.MustParseAddr("fd00::1")
	cfg := config.Default()
	s := socket.New(cfg, ipstack.New(addr, ipstack.NewHub().Attach(addr), cfg.MTU, zerolog.Nop()), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.Run(ctx) }()
	t.Cleanup(cancel)
	out := &bytes.Buffer{}
	return &Repl{stack: s, out: out}, out
}

func TestTail(t *testing.T) {
	assert.Equal(t, "hello  world", tail("s 1 hello  world", 2))
	assert.Equal(t, "", tail("s 1", 2))
	assert.Equal(t, "x", tail("  us 1 fd00::2 53   x", 4))
}

func TestExecDatagramCommands(t *testing.T) {
	r, out := newTestRepl(t)

	require.True(t, r.Exec("ub 5000"))
	assert.Contains(t, out.String(), "datagram socket 1")
	out.Reset()

	// sending to ourselves travels over the local path
	require.True(t, r.Exec("us 1 fd00::1 5000 loop back"))
	assert.Contains(t, out.String(), "sent 9 bytes")
	out.Reset()

	require.True(t, r.Exec("ur 1 4"))
	assert.Contains(t, out.String(), "datagram truncated to 4 bytes")
	assert.Contains(t, out.String(), "loop")
	out.Reset()

	require.True(t, r.Exec("ls"))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "SID")
	assert.Contains(t, lines[1], "udp")
	out.Reset()

	require.True(t, r.Exec("cl 1"))
	require.True(t, r.Exec("cl 1"))
	assert.Contains(t, out.String(), "unused socket handle")
}

func TestExecErrors(t *testing.T) {
	r, out := newTestRepl(t)

	require.True(t, r.Exec(""))
	require.True(t, r.Exec("c fd00::2"))
	assert.Contains(t, out.String(), "wrong number of arguments")
	out.Reset()

	require.True(t, r.Exec("a notaport"))
	assert.Contains(t, out.String(), "error: port")
	out.Reset()

	require.True(t, r.Exec("frobnicate"))
	assert.Contains(t, out.String(), "unknown command")

	assert.False(t, r.Exec("exit"))
}

func TestHandleReadResult(t *testing.T) {
	r, out := newTestRepl(t)

	assert.True(t, r.handle("ls", errors.Wrap(readline.ErrInterrupt, "read line")), "interrupt keeps the shell")
	assert.Empty(t, out.String(), "interrupted line is not run")
	assert.False(t, r.handle("", io.EOF))
	assert.True(t, r.handle("ls", nil))
	assert.Contains(t, out.String(), "SID")
	assert.False(t, r.handle("exit", nil))
}
