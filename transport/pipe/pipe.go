// Package pipe provides a synchronous in-memory connection pair, the test
// transport for the engine. Writes rendezvous with reads (no internal
// buffering), each direction can be shut down independently, and deadlines
// are driven by an injected clock so tests control time.
package pipe

import (
	"io"
	"sync"
	"time"

	"httpcore/transport"

	"github.com/benbjohnson/clock"
)

type pipe struct {
	stream chan []byte // stream that this pipe reads from.
	nc     chan int    // counterpart's consumed-count responses.

	writeMu sync.Mutex

	closed    chan struct{} // this side fully closed.
	closeOnce sync.Once

	sendClosed chan struct{} // this side will not write anymore.
	sendOnce   sync.Once

	rdeadline *chanDeadline
	wdeadline *chanDeadline

	counterpart *pipe

	addr transport.Addr
}

var _ transport.Conn = (*pipe)(nil)

// NewPair creates two connected pipe endpoints.
func NewPair(name1, name2 string, clk clock.Clock) (c1, c2 transport.Conn) {
	p1 := newPipe(name1, clk)
	p2 := newPipe(name2, clk)
	p1.counterpart, p2.counterpart = p2, p1
	return p1, p2
}

func newPipe(name string, clk clock.Clock) *pipe {
	return &pipe{
		stream:     make(chan []byte),
		nc:         make(chan int),
		closed:     make(chan struct{}),
		sendClosed: make(chan struct{}),
		rdeadline:  newChanDeadline(clk),
		wdeadline:  newChanDeadline(clk),
		addr:       transport.Addr{Net: "pipe", Name: name},
	}
}

func (p *pipe) LocalAddr() transport.Addr  { return p.addr }
func (p *pipe) RemoteAddr() transport.Addr { return p.counterpart.addr }

func (p *pipe) Close() error {
	// closed must close first and without writeMu: a Write blocked in the
	// rendezvous holds the mutex and only closed can fail it.
	p.closeOnce.Do(func() { close(p.closed) })
	p.CloseWrite()
	return nil
}

func (p *pipe) CloseWrite() error {
	// Taking writeMu orders the shutdown after any write in progress, so a
	// reader that observes sendClosed knows no data is still in flight.
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.sendOnce.Do(func() { close(p.sendClosed) })
	return nil
}

func (p *pipe) Read(b []byte) (n int, err error) {
	if isClosed(p.closed) {
		return 0, transport.ErrConnClosed
	}

	select {
	case received := <-p.stream:
		n := copy(b, received)
		p.counterpart.nc <- n
		return n, nil
	case <-p.closed:
		return 0, transport.ErrConnClosed
	case <-p.counterpart.sendClosed:
		// Peer finished sending. Writes rendezvous, so nothing can still
		// be in flight.
		return 0, io.EOF
	case <-p.rdeadline.wait():
		return 0, transport.ErrDeadlineExceeded
	}
}

func (p *pipe) Write(b []byte) (n int, err error) {
	if isClosed(p.sendClosed) {
		return 0, transport.ErrConnClosed
	}

	if len(b) == 0 {
		return 0, nil
	}

	// Serialize write operations to prevent interleaving.
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	nn := 0
	for len(b) > 0 {
		select {
		case p.counterpart.stream <- b:
			n := <-p.nc
			b = b[n:]
			nn += n
		case <-p.closed:
			return nn, transport.ErrConnClosed
		case <-p.counterpart.closed:
			return nn, transport.ErrConnClosed
		case <-p.wdeadline.wait():
			return nn, transport.ErrDeadlineExceeded
		}
	}

	return nn, nil
}

func (p *pipe) SetReadDeadline(t time.Time)  { p.rdeadline.set(t) }
func (p *pipe) SetWriteDeadline(t time.Time) { p.wdeadline.set(t) }

type chanDeadline struct {
	clock clock.Clock

	t *clock.Timer
	m sync.Mutex

	expired chan struct{}
}

func newChanDeadline(clk clock.Clock) *chanDeadline {
	return &chanDeadline{
		clock:   clk,
		expired: make(chan struct{}),
	}
}

func (d *chanDeadline) set(t time.Time) {
	d.m.Lock()
	defer d.m.Unlock()

	if d.t != nil {
		d.t.Stop()
	}
	d.t = nil

	if isClosed(d.expired) {
		d.expired = make(chan struct{})
	}

	if t.IsZero() {
		// Zero value means no limit.
		return
	}

	expired := d.expired
	d.t = d.clock.AfterFunc(d.clock.Until(t), func() {
		close(expired)
	})
}

func (d *chanDeadline) wait() <-chan struct{} {
	d.m.Lock()
	defer d.m.Unlock()
	return d.expired
}

func isClosed(c <-chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}
