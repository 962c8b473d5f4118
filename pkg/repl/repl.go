// Package repl is the interactive shell of a host.
package repl

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/chzyer/readline"
	"github.com/pkg/errors"

	"IPv6-TCP/pkg/socket"
)

const usage = `Commands:
  ls                          list sockets
  a <port>                    listen on port and accept connections in the background
  c <addr> <port>             connect to addr:port
  s <sid> <data>              send data on a stream socket
  r <sid> <n>                 receive up to n bytes from a stream socket
  cl <sid>                    close a socket
  sf <file> <addr> <port>     send a file to addr:port
  rf <file> <port>            receive one file on port
  ub <port>                   open a datagram socket bound to port (0 for any)
  us <sid> <addr> <port> <data>  send a datagram
  ur <sid> <n>                receive a datagram of up to n bytes
  help                        show this text
  exit                        quit`

type Repl struct {
	stack *socket.Stack
	rl    *readline.Instance
	out   io.Writer
}

func New(stack *socket.Stack) (*Repl, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, errors.Wrap(err, "create readline")
	}
	return &Repl{stack: stack, rl: rl, out: rl.Stdout()}, nil
}

// Attach sets the stack the commands run against.
func (r *Repl) Attach(stack *socket.Stack) { r.stack = stack }

// Stdout coordinates log output with the prompt.
func (r *Repl) Stdout() io.Writer { return r.rl.Stdout() }

// Run reads commands until exit, EOF or ctx is done, then calls cancel.
func (r *Repl) Run(ctx context.Context, cancel context.CancelFunc) {
	defer r.rl.Close()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !r.handle(r.rl.Readline()) {
			return
		}
	}
}

// handle runs one line read from the terminal. ^C discards the line.
func (r *Repl) handle(line string, err error) bool {
	if errors.Is(err, readline.ErrInterrupt) {
		return true
	}
	if err != nil {
		return false
	}
	return r.Exec(line)
}

// Exec runs one command line and reports whether the shell should go on.
func (r *Repl) Exec(line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true
	}
	cmd, args := parts[0], parts[1:]
	var err error
	switch cmd {
	case "ls":
		r.list()
	case "a":
		err = r.accept(args)
	case "c":
		err = r.connect(args)
	case "s":
		err = r.send(line, args)
	case "r":
		err = r.recv(args)
	case "cl":
		err = r.close(args)
	case "sf":
		err = r.sendFile(args)
	case "rf":
		err = r.recvFile(args)
	case "ub":
		err = r.udpBind(args)
	case "us":
		err = r.udpSend(line, args)
	case "ur":
		err = r.udpRecv(args)
	case "help", "?":
		fmt.Fprintln(r.out, usage)
	case "exit", "q":
		return false
	default:
		fmt.Fprintf(r.out, "unknown command %q, try help\n", cmd)
	}
	if err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)
	}
	return true
}

func (r *Repl) list() {
	w := tabwriter.NewWriter(r.out, 1, 1, 3, ' ', 0)
	fmt.Fprintln(w, "SID\tProto\tLocal\tRemote\tState")
	for _, line := range r.stack.Sockets() {
		fmt.Fprintln(w, line)
	}
	w.Flush()
}

var errUsage = errors.New("wrong number of arguments, try help")

func parsePort(s string) (uint16, error) {
	p, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, errors.Wrapf(err, "port %q", s)
	}
	return uint16(p), nil
}

func parseSID(s string) (socket.Handle, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrapf(err, "socket id %q", s)
	}
	return socket.Handle(n), nil
}

func parseEndpoint(addr, port string) (netip.AddrPort, error) {
	a, err := netip.ParseAddr(addr)
	if err != nil {
		return netip.AddrPort{}, errors.Wrapf(err, "address %q", addr)
	}
	p, err := parsePort(port)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(a, p), nil
}

// tail returns the rest of line after its first n fields.
func tail(line string, n int) string {
	s := strings.TrimSpace(line)
	for i := 0; i < n; i++ {
		idx := strings.IndexAny(s, " \t")
		if idx < 0 {
			return ""
		}
		s = strings.TrimLeft(s[idx:], " \t")
	}
	return s
}

func (r *Repl) accept(args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	port, err := parsePort(args[0])
	if err != nil {
		return err
	}
	ln, err := r.stack.VListenTCP(port)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "listening on socket %d\n", ln.SID)
	go func() {
		for {
			conn, err := ln.VAccept()
			if err != nil {
				fmt.Fprintf(r.out, "accept on socket %d stopped: %v\n", ln.SID, err)
				return
			}
			fmt.Fprintf(r.out, "accepted connection on socket %d\n", conn.SID)
		}
	}()
	return nil
}

func (r *Repl) connect(args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	ep, err := parseEndpoint(args[0], args[1])
	if err != nil {
		return err
	}
	conn, err := r.stack.VConnectTCP(ep.Addr(), ep.Port())
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "connected on socket %d\n", conn.SID)
	return nil
}

func (r *Repl) send(line string, args []string) error {
	if len(args) < 2 {
		return errUsage
	}
	sid, err := parseSID(args[0])
	if err != nil {
		return err
	}
	n, err := r.stack.VSend(sid, []byte(tail(line, 2)))
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "sent %d bytes\n", n)
	return nil
}

func (r *Repl) recv(args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	sid, err := parseSID(args[0])
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(args[1])
	if err != nil || n <= 0 {
		return errors.Errorf("byte count %q", args[1])
	}
	buf := make([]byte, n)
	got, err := r.stack.VRecv(sid, buf)
	if errors.Is(err, io.EOF) {
		fmt.Fprintln(r.out, "end of stream")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "read %d bytes: %s\n", got, buf[:got])
	return nil
}

func (r *Repl) close(args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	sid, err := parseSID(args[0])
	if err != nil {
		return err
	}
	return r.stack.VClose(sid)
}

func (r *Repl) sendFile(args []string) error {
	if len(args) != 3 {
		return errUsage
	}
	ep, err := parseEndpoint(args[1], args[2])
	if err != nil {
		return err
	}
	path := args[0]
	go func() {
		n, err := socket.SendFile(r.stack, path, ep.Addr(), ep.Port())
		if err != nil {
			fmt.Fprintf(r.out, "send file: %v\n", err)
			return
		}
		fmt.Fprintf(r.out, "sent %d bytes\n", n)
	}()
	return nil
}

func (r *Repl) recvFile(args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	port, err := parsePort(args[1])
	if err != nil {
		return err
	}
	path := args[0]
	go func() {
		n, err := socket.ReceiveFile(r.stack, path, port)
		if err != nil {
			fmt.Fprintf(r.out, "receive file: %v\n", err)
			return
		}
		fmt.Fprintf(r.out, "received %d bytes\n", n)
	}()
	return nil
}

func (r *Repl) udpBind(args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	port, err := parsePort(args[0])
	if err != nil {
		return err
	}
	sid, err := r.stack.VSocket(socket.AFInet6, socket.SockDgram, socket.ProtoUDP)
	if err != nil {
		return err
	}
	if err := r.stack.VBind(sid, netip.AddrPortFrom(netip.IPv6Unspecified(), port)); err != nil {
		_ = r.stack.VClose(sid)
		return err
	}
	fmt.Fprintf(r.out, "datagram socket %d\n", sid)
	return nil
}

func (r *Repl) udpSend(line string, args []string) error {
	if len(args) < 4 {
		return errUsage
	}
	sid, err := parseSID(args[0])
	if err != nil {
		return err
	}
	ep, err := parseEndpoint(args[1], args[2])
	if err != nil {
		return err
	}
	n, err := r.stack.VSendTo(sid, []byte(tail(line, 4)), ep)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "sent %d bytes\n", n)
	return nil
}

func (r *Repl) udpRecv(args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	sid, err := parseSID(args[0])
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(args[1])
	if err != nil || n <= 0 {
		return errors.Errorf("byte count %q", args[1])
	}
	buf := make([]byte, n)
	got, from, err := r.stack.VRecvFrom(sid, buf)
	if errors.Is(err, io.ErrShortBuffer) {
		fmt.Fprintf(r.out, "datagram truncated to %d bytes\n", got)
	} else if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "from %s: %s\n", from, buf[:got])
	return nil
}
