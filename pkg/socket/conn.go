package socket

import (
	"io"
	"net/netip"
	"os"

	"github.com/pkg/errors"
)

type VTCPConn struct {
	stack *Stack
	SID   Handle
}

type VTCPListener struct {
	stack *Stack
	SID   Handle
}

// VListenTCP opens a stream socket listening on port. Port 0 picks an
// ephemeral port.
func (s *Stack) VListenTCP(port uint16) (*VTCPListener, error) {
	h, err := s.VSocket(AFInet6, SockStream, ProtoTCP)
	if err != nil {
		return nil, err
	}
	if err := s.VBind(h, netip.AddrPortFrom(netip.IPv6Unspecified(), port)); err != nil {
		_ = s.VClose(h)
		return nil, err
	}
	if err := s.VListen(h); err != nil {
		_ = s.VClose(h)
		return nil, err
	}
	return &VTCPListener{stack: s, SID: h}, nil
}

// VConnectTCP opens a stream connection to addr:port from an ephemeral port.
func (s *Stack) VConnectTCP(addr netip.Addr, port uint16) (*VTCPConn, error) {
	h, err := s.VSocket(AFInet6, SockStream, ProtoTCP)
	if err != nil {
		return nil, err
	}
	if err := s.VConnect(h, netip.AddrPortFrom(addr, port)); err != nil {
		_ = s.VClose(h)
		return nil, err
	}
	return &VTCPConn{stack: s, SID: h}, nil
}

func (l *VTCPListener) VAccept() (*VTCPConn, error) {
	h, err := l.stack.VAccept(l.SID)
	if err != nil {
		return nil, err
	}
	return &VTCPConn{stack: l.stack, SID: h}, nil
}

// VClose stops listening and drops every request not yet accepted.
func (l *VTCPListener) VClose() error {
	return l.stack.VClose(l.SID)
}

func (c *VTCPConn) VRead(buf []byte) (int, error) {
	return c.stack.VRecv(c.SID, buf)
}

func (c *VTCPConn) VWrite(data []byte) (int, error) {
	return c.stack.VSend(c.SID, data)
}

func (c *VTCPConn) VClose() error {
	return c.stack.VClose(c.SID)
}

// Read and Write let a connection stand in for an io.ReadWriter.
func (c *VTCPConn) Read(buf []byte) (int, error)   { return c.VRead(buf) }
func (c *VTCPConn) Write(data []byte) (int, error) { return c.VWrite(data) }

const fileChunk = 1024

// SendFile connects to addr:port, streams the file at path and closes the
// connection.
func SendFile(s *Stack, path string, addr netip.Addr, port uint16) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, "open file")
	}
	defer file.Close()

	conn, err := s.VConnectTCP(addr, port)
	if err != nil {
		return 0, errors.Wrap(err, "connect")
	}

	buf := make([]byte, fileChunk)
	total := 0
	for {
		n, err := file.Read(buf)
		if n > 0 {
			written, werr := conn.VWrite(buf[:n])
			total += written
			if werr != nil {
				_ = conn.VClose()
				return total, errors.Wrap(werr, "write to connection")
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			_ = conn.VClose()
			return total, errors.Wrap(err, "read file")
		}
	}
	if err := conn.VClose(); err != nil {
		return total, errors.Wrap(err, "close connection")
	}
	return total, nil
}

// ReceiveFile listens on port, accepts one connection and writes what it
// carries to path until the sender closes.
func ReceiveFile(s *Stack, path string, port uint16) (int, error) {
	ln, err := s.VListenTCP(port)
	if err != nil {
		return 0, errors.Wrap(err, "listen")
	}
	file, err := os.Create(path)
	if err != nil {
		_ = ln.VClose()
		return 0, errors.Wrap(err, "create file")
	}
	defer file.Close()

	conn, err := ln.VAccept()
	_ = ln.VClose()
	if err != nil {
		return 0, errors.Wrap(err, "accept")
	}

	buf := make([]byte, fileChunk)
	total := 0
	for {
		n, err := conn.VRead(buf)
		if n > 0 {
			written, werr := file.Write(buf[:n])
			total += written
			if werr != nil {
				_ = conn.VClose()
				return total, errors.Wrap(werr, "write file")
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return total, errors.Wrap(err, "read from connection")
		}
	}
	// the peer's final ACK usually frees the connection first
	if err := conn.VClose(); err != nil && !errors.Is(err, ErrUnusedHandle) {
		return total, errors.Wrap(err, "close connection")
	}
	return total, nil
}
