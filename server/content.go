package server

import (
	"sync"

	"httpcore/lib/queue"
)

// Content is one unit produced by a request's body stream: either a byte
// range with a last-chunk flag, or a terminal error condition. The byte
// buffer is exclusively owned by the consumer until Release is called.
type Content struct {
	data []byte
	last bool
	err  error

	released bool
}

// Bytes returns the body bytes. Nil after Release.
func (c *Content) Bytes() []byte { return c.data }

// Last reports whether this is the final content of the body.
func (c *Content) Last() bool { return c.last }

// Err returns the terminal error condition, if this content is one.
func (c *Content) Err() error { return c.err }

// Release returns buffer ownership to the engine. A Content must be
// released exactly once; the bytes must not be used afterwards.
func (c *Content) Release() {
	if c.released {
		return
	}
	c.released = true
	if c.err == nil && !c.last {
		c.data = nil
	}
}

// contentStream is the demand-driven body stream behind a request. The
// reader goroutine produces into it; the handler consumes. Both the
// non-blocking read path and the blocking adapter are built on the single
// demand slot, so they cannot diverge in behavior.
type contentStream struct {
	mu sync.Mutex

	q        *queue.Queue[*Content]
	finished bool     // last content has been enqueued
	last     *Content // idempotent terminal last marker
	failure  *Content // idempotent terminal error

	demand func()
}

func newContentStream() *contentStream {
	return &contentStream{q: queue.New[*Content](2)}
}

// offer hands body bytes to the stream. data must be owned by the stream
// (callers copy out of shared read buffers).
func (s *contentStream) offer(data []byte) {
	s.mu.Lock()
	s.q.Enqueue(&Content{data: data})
	demand := s.takeDemand()
	s.mu.Unlock()

	fire(demand)
}

// finish marks the byte-stream-ordered end of the body.
func (s *contentStream) finish() {
	s.mu.Lock()
	s.finished = true
	s.last = &Content{last: true}
	demand := s.takeDemand()
	s.mu.Unlock()

	fire(demand)
}

// fail records a terminal error (early EOF, bad framing, abort). Contents
// already queued stay readable; the error is delivered after them and then
// again on every subsequent read.
func (s *contentStream) fail(err error) {
	s.mu.Lock()
	if s.failure == nil && !s.finished {
		s.failure = &Content{err: err}
	}
	demand := s.takeDemand()
	s.mu.Unlock()

	fire(demand)
}

// tryRead pops the next content, or returns nil if none is available yet.
// Terminal states (error, last) are sticky and re-delivered.
func (s *contentStream) tryRead() *Content {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, err := s.q.Dequeue(); err == nil {
		return c
	}
	if s.failure != nil {
		return s.failure
	}
	if s.finished {
		return s.last
	}
	return nil
}

// registerDemand arranges for cb to be invoked exactly once when content or
// a terminal state becomes available. If the stream is already readable the
// callback fires immediately on the calling goroutine.
func (s *contentStream) registerDemand(cb func()) {
	s.mu.Lock()
	readable := s.q.Len() > 0 || s.failure != nil || s.finished
	if !readable {
		s.demand = cb
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	cb()
}

// cancelDemand deregisters a pending demand. Safe to call after the
// demand has fired.
func (s *contentStream) cancelDemand() {
	s.mu.Lock()
	s.demand = nil
	s.mu.Unlock()
}

// failed reports whether the stream terminated in an error.
func (s *contentStream) failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure != nil
}

// isFinished reports whether the full body was parsed off the wire.
func (s *contentStream) isFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

func (s *contentStream) takeDemand() func() {
	demand := s.demand
	s.demand = nil
	return demand
}

func fire(demand func()) {
	if demand != nil {
		demand()
	}
}
