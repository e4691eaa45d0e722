// Package tcp adapts stdlib TCP sockets to the transport interfaces.
package tcp

import (
	"context"
	"io"
	"net"
	"time"

	"httpcore/transport"

	"github.com/pkg/errors"
)

type listener struct {
	l *net.TCPListener
}

var _ transport.Listener = (*listener)(nil)

func Listen(addr string) (transport.Listener, error) {
	a, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "resolving listen address")
	}

	l, err := net.ListenTCP("tcp", a)
	if err != nil {
		return nil, errors.Wrap(err, "listening")
	}

	return &listener{l: l}, nil
}

// Accept waits for the next connection. Cancelling ctx closes the
// listener; it cannot be reused afterwards.
func (l *listener) Accept(ctx context.Context) (transport.Conn, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			l.l.Close()
		case <-done:
		}
	}()

	tc, err := l.l.AcceptTCP()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, mapErr(err)
	}

	return &conn{tc: tc}, nil
}

func (l *listener) Addr() transport.Addr {
	return transport.Addr{Net: "tcp", Name: l.l.Addr().String()}
}

func (l *listener) Close() error { return l.l.Close() }

type conn struct {
	tc *net.TCPConn
}

var _ transport.Conn = (*conn)(nil)

func (c *conn) Read(p []byte) (n int, err error) {
	n, err = c.tc.Read(p)
	if err != nil && err != io.EOF {
		err = mapErr(err)
	}
	return n, err
}

func (c *conn) Write(p []byte) (n int, err error) {
	n, err = c.tc.Write(p)
	return n, mapErr(err)
}

func (c *conn) Close() error      { return c.tc.Close() }
func (c *conn) CloseWrite() error { return c.tc.CloseWrite() }

func (c *conn) LocalAddr() transport.Addr {
	return transport.Addr{Net: "tcp", Name: c.tc.LocalAddr().String()}
}

func (c *conn) RemoteAddr() transport.Addr {
	return transport.Addr{Net: "tcp", Name: c.tc.RemoteAddr().String()}
}

func (c *conn) SetReadDeadline(t time.Time)  { _ = c.tc.SetReadDeadline(t) }
func (c *conn) SetWriteDeadline(t time.Time) { _ = c.tc.SetWriteDeadline(t) }

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, net.ErrClosed):
		return transport.ErrConnClosed
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return transport.ErrDeadlineExceeded
	}

	return err
}
