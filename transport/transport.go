// Package transport abstracts the byte-stream endpoint the engine runs on:
// a bidirectional connection with independent read/write shutdown and
// deadline support. Implementations live in subpackages (tcp for real
// sockets, pipe for in-memory test pairs).
package transport

import (
	"context"
	"errors"
	"time"
)

var (
	ErrConnClosed       = errors.New("connection is closed")
	ErrListenerClosed   = errors.New("listener is closed")
	ErrDeadlineExceeded = errors.New("deadline exceeded")
)

// Addr identifies one side of a connection.
type Addr struct {
	Net  string
	Name string
}

func (a Addr) String() string { return a.Net + ":" + a.Name }

// Conn is one endpoint of an established connection.
//
// Read returns io.EOF once the peer has finished sending (orderly
// shutdown); ErrConnClosed is reserved for this side being closed. Write
// blocks until the transport accepted the bytes, which is what gives the
// engine its write backpressure.
type Conn interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)

	// Close tears both directions down. Pending reads and writes on this
	// conn fail with ErrConnClosed; other connections are unaffected.
	Close() error
	// CloseWrite shuts down the write side only; the peer observes io.EOF
	// after draining buffered data. Reads remain usable.
	CloseWrite() error

	LocalAddr() Addr
	RemoteAddr() Addr

	// A zero time clears the deadline.
	SetReadDeadline(t time.Time)
	SetWriteDeadline(t time.Time)
}

type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() Addr
	Close() error
}
