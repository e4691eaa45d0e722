package server

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"httpcore/message"
	"httpcore/parse"
	"httpcore/status"
	"httpcore/transport"
)

var errConnAborted = errors.New("connection aborted")

type writeOp struct {
	b  []byte
	cb func(error)
}

// exchange is one parsed request waiting for dispatch. headErr replaces
// dispatch with an error response when the head could not be parsed.
type exchange struct {
	req     *coreRequest
	headErr *status.Error
}

// conn runs one accepted connection with three goroutines: a reader that
// feeds the parser and queues exchanges (bounded parse-ahead), a dispatcher
// that handles exchanges strictly in order, and a writer that serializes
// response bytes onto the transport.
type conn struct {
	tc      transport.Conn
	handler Handler
	logger  *slog.Logger
	clk     clock.Clock
	opts    Options

	parser *parse.Parser

	exchanges chan *exchange
	writes    chan writeOp

	aborted   chan struct{}
	abortOnce sync.Once

	// Owned by the reader goroutine.
	building *coreRequest // head being parsed, not yet queued
	inBody   *coreRequest // request whose body is being parsed
}

func newConn(tc transport.Conn, handler Handler, logger *slog.Logger, clk clock.Clock, opts Options) *conn {
	c := &conn{
		tc:      tc,
		handler: handler,
		logger:  logger,
		clk:     clk,
		opts:    opts,

		exchanges: make(chan *exchange, opts.Pipeline.Depth),
		writes:    make(chan writeOp),
		aborted:   make(chan struct{}),
	}
	c.parser = parse.New(opts.Limits, c)
	return c
}

func (c *conn) serve(ctx context.Context) {
	c.logger.Debug("connection opened",
		slog.String("remote", c.tc.RemoteAddr().String()))
	defer c.logger.Debug("connection closed",
		slog.String("remote", c.tc.RemoteAddr().String()))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.abort()
		case <-stop:
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		c.readLoop()
	}()

	c.dispatchLoop()

	// All writes originate from the dispatcher, so the channel can be
	// closed once it returns; pending bytes are already flushed.
	close(c.writes)
	<-writerDone
	c.abort()
	<-readerDone
}

func (c *conn) abort() {
	c.abortOnce.Do(func() {
		close(c.aborted)
		_ = c.tc.Close()
	})
}

// submitWrite hands a frame to the writer goroutine. The callback is
// guaranteed to fire: by the writer after the transport write, or here
// with ErrConnClosed when the connection is gone.
func (c *conn) submitWrite(op writeOp) {
	select {
	case c.writes <- op:
	case <-c.aborted:
		deliver(op.cb, transport.ErrConnClosed)
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case op, ok := <-c.writes:
			if !ok {
				return
			}
			_, err := c.tc.Write(op.b)
			deliver(op.cb, err)
		case <-c.aborted:
			return
		}
	}
}

// readLoop pulls bytes off the transport into the parser until the peer
// stops sending or the connection dies. Parse failures are routed to the
// dispatcher (as an error exchange or a failed body stream) so the peer
// still gets an answer.
func (c *conn) readLoop() {
	defer close(c.exchanges)

	buf := make([]byte, c.opts.ReadBufferSize)
	for {
		if c.opts.IdleTimeout > 0 {
			if c.parser.Idle() {
				c.tc.SetReadDeadline(c.clk.Now().Add(c.opts.IdleTimeout))
			} else {
				c.tc.SetReadDeadline(time.Time{})
			}
		}

		n, err := c.tc.Read(buf)
		if n > 0 {
			if ferr := c.parser.Feed(buf[:n]); ferr != nil {
				if !errors.Is(ferr, errConnAborted) {
					c.deliverReadFailure(ferr)
				}
				return
			}
		}

		if err == nil {
			continue
		}

		switch {
		case errors.Is(err, io.EOF), errors.Is(err, transport.ErrDeadlineExceeded):
			// Orderly shutdown or idle timeout. Requests already parsed
			// still get answered; a truncated message gets an error
			// response instead. Deadlines are only armed while the parser
			// is idle above, so a deadline mid-message cannot happen; if a
			// per-read timeout is ever added, it must not funnel slow
			// bodies through parser.EOF.
			if eerr := c.parser.EOF(); eerr != nil {
				c.deliverReadFailure(eerr)
			}
		case errors.Is(err, transport.ErrConnClosed):
			// Aborted locally. A handler blocked on body content must
			// still be woken up.
			if c.inBody != nil {
				c.inBody.stream.fail(status.NewError(transport.ErrConnClosed, status.BadRequest))
				c.inBody = nil
			}
		default:
			c.logger.Debug("read failed", slog.String("error", err.Error()))
			c.deliverReadFailure(status.NewError(err, status.BadRequest))
		}
		return
	}
}

// deliverReadFailure routes a fatal input error. Mid-body the already
// dispatched request's stream carries it; mid-head a synthetic error
// exchange is queued so the dispatcher answers it in order.
func (c *conn) deliverReadFailure(err error) {
	var se status.Error
	if !errors.As(err, &se) {
		se = status.NewError(err, status.BadRequest)
	}

	if c.inBody != nil {
		c.inBody.stream.fail(se)
		c.inBody = nil
		return
	}

	req := c.building
	c.building = nil
	if req == nil {
		req = newCoreRequest("", "", message.Version{1, 1})
	}

	select {
	case c.exchanges <- &exchange{req: req, headErr: &se}:
	case <-c.aborted:
	}
}

// conn is the parser's listener; all callbacks run on the reader goroutine.
var _ parse.Listener = (*conn)(nil)

func (c *conn) OnRequestLine(method, target string, version message.Version) error {
	c.building = newCoreRequest(method, target, version)
	return nil
}

func (c *conn) OnHeader(f message.Field) error {
	c.building.headers.Add(f.Name, f.Value)
	return nil
}

func (c *conn) OnHeadersComplete(framing parse.Framing, contentLength uint64) error {
	req := c.building
	c.building = nil

	req.hasContentLength = framing == parse.FramingContentLength
	req.contentLength = contentLength
	req.expectsContinue = req.headers.Contains("Expect", "100-continue")

	c.inBody = req

	// Blocks when the parse-ahead queue is full; the dispatcher working
	// through earlier exchanges frees it up.
	select {
	case c.exchanges <- &exchange{req: req}:
		return nil
	case <-c.aborted:
		return errConnAborted
	}
}

func (c *conn) OnBody(data []byte) error {
	// The read buffer is reused, contents own their bytes.
	owned := make([]byte, len(data))
	copy(owned, data)
	c.inBody.stream.offer(owned)
	return nil
}

func (c *conn) OnMessageComplete(trailers []message.Field) error {
	c.inBody.trailers = trailers
	c.inBody.stream.finish()
	c.inBody = nil
	return nil
}

func (c *conn) dispatchLoop() {
	for ex := range c.exchanges {
		if c.handleExchange(ex) {
			return
		}
	}
}

// handleExchange runs one exchange to completion and reports whether the
// connection must close afterwards.
func (c *conn) handleExchange(ex *exchange) (closeConn bool) {
	res := newResponse(c, ex.req)

	if ex.headErr != nil {
		res.markClose()
		c.writeErrorResponse(res, *ex.headErr)
		return true
	}

	req := ex.req
	if req.wantsClose() {
		res.markClose()
	}
	if req.expectsContinue {
		// The engine never sends 100 Continue, so the body may never
		// arrive; the connection cannot be reused.
		res.markClose()
	}

	handled, err := c.invokeHandler(req, res)
	if err == nil {
		err = req.failure()
	}

	switch {
	case err != nil && res.Committed():
		// The head is on the wire with the wrong framing to amend. Drop
		// the connection so the peer sees the truncation.
		c.logger.Warn("handler failed after commit",
			slog.String("error", err.Error()))
		c.abort()
		return true

	case err != nil:
		res.resetHead()
		var se status.Error
		if errors.As(err, &se) {
			// Broken request input. Answer it and give up on the stream.
			res.markClose()
			c.writeErrorResponse(res, se)
			return true
		}
		c.logger.Warn("handler failed", slog.String("error", err.Error()))
		if !c.writeErrorResponse(res, status.NewError(err, status.InternalServerError)) {
			return true
		}

	default:
		if !handled && !res.Committed() {
			res.resetHead()
			_ = res.SetStatus(status.NotFound)
		}
		if cerr := res.complete(); cerr != nil {
			c.logger.Warn("completing response", slog.String("error", cerr.Error()))
			c.abort()
			return true
		}
	}

	// Persistence needs the rest of the body off the wire first.
	if !req.stream.isFinished() {
		if res.willClose() {
			return true
		}
		if !c.drainBody(req) {
			return true
		}
	}

	return res.willClose()
}

func (c *conn) invokeHandler(req *coreRequest, res *Response) (handled bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked", slog.Any("panic", r))
			handled, err = true, errors.Errorf("handler panic: %v", r)
		}
	}()

	return c.handler.Handle(req, res)
}

// writeErrorResponse emits a minimal error response. Early-EOF conditions
// carry their cause as the body so the peer can tell truncation from a
// plain bad request.
func (c *conn) writeErrorResponse(res *Response, se status.Error) (ok bool) {
	_ = res.SetStatus(se.Status)

	var body []byte
	if earlyEOF(res.req, se) {
		body = []byte(parse.ErrEarlyEOF.Error())
	}

	if err := res.BlockingWrite(true, body); err != nil {
		c.abort()
		return false
	}
	return true
}

// earlyEOF reports whether a 400 was discovered while request content was
// still awaited: the socket ended inside a message, or the body framing
// broke mid-stream (a bad chunk cuts the body short just like an EOF does).
func earlyEOF(req *coreRequest, se status.Error) bool {
	if se.Status != status.BadRequest {
		return false
	}
	if cause := se.Cause(); cause != nil && errors.Cause(cause) == parse.ErrEarlyEOF {
		return true
	}
	return req != nil && req.stream.failed()
}

// drainBody consumes the unread remainder of a request body so the next
// pipelined head starts at the right offset. Returns false when the body
// terminates in an error (the connection must close).
func (c *conn) drainBody(req *coreRequest) bool {
	for {
		content := req.stream.tryRead()
		if content == nil {
			ready := make(chan struct{}, 1)
			req.stream.registerDemand(func() { ready <- struct{}{} })
			select {
			case <-ready:
			case <-c.aborted:
				req.stream.cancelDemand()
				return false
			}
			continue
		}

		if content.Err() != nil {
			return false
		}
		last := content.Last()
		content.Release()
		if last {
			return true
		}
	}
}
