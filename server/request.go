package server

import (
	"sync"

	"httpcore/message"
)

// Request is the handler-facing view of one parsed request. Head fields are
// immutable once the request is dispatched; body content arrives through
// the demand-driven stream operations.
type Request interface {
	Method() string
	Target() string
	Version() message.Version
	Headers() *message.Headers

	// ContentLength returns the declared body length. ok is false when the
	// body is chunked or absent.
	ContentLength() (length uint64, ok bool)

	// Trailers returns chunked trailer fields. Only populated once the
	// last content has been observed.
	Trailers() []message.Field

	// ReadContent returns the next available body content without blocking,
	// or nil if nothing is available yet.
	ReadContent() *Content

	// DemandContent invokes cb exactly once when content or a terminal
	// state becomes available. If the stream is already readable, cb runs
	// immediately on the calling goroutine. At most one demand may be
	// outstanding.
	DemandContent(cb func())

	// CancelDemand deregisters a pending demand.
	CancelDemand()

	// Succeeded marks the exchange as handled successfully.
	Succeeded()

	// Failed marks the exchange as failed. The connection will not be
	// reused after the response.
	Failed(err error)
}

type coreRequest struct {
	method  string
	target  string
	version message.Version
	headers *message.Headers

	contentLength    uint64
	hasContentLength bool
	expectsContinue  bool

	// trailers is written by the reader goroutine before the stream
	// finishes; the stream's terminal state publishes it to the handler.
	trailers []message.Field

	stream *contentStream

	mu        sync.Mutex
	succeeded bool
	failedErr error
}

var _ Request = (*coreRequest)(nil)

func newCoreRequest(method, target string, version message.Version) *coreRequest {
	headers := message.NewHeaders(nil)
	return &coreRequest{
		method:  method,
		target:  target,
		version: version,
		headers: &headers,
		stream:  newContentStream(),
	}
}

func (r *coreRequest) Method() string            { return r.method }
func (r *coreRequest) Target() string            { return r.target }
func (r *coreRequest) Version() message.Version  { return r.version }
func (r *coreRequest) Headers() *message.Headers { return r.headers }

func (r *coreRequest) ContentLength() (uint64, bool) {
	return r.contentLength, r.hasContentLength
}

func (r *coreRequest) Trailers() []message.Field { return r.trailers }

func (r *coreRequest) ReadContent() *Content   { return r.stream.tryRead() }
func (r *coreRequest) DemandContent(cb func()) { r.stream.registerDemand(cb) }
func (r *coreRequest) CancelDemand()           { r.stream.cancelDemand() }

func (r *coreRequest) Succeeded() {
	r.mu.Lock()
	r.succeeded = true
	r.mu.Unlock()
}

func (r *coreRequest) Failed(err error) {
	r.mu.Lock()
	if r.failedErr == nil {
		r.failedErr = err
	}
	r.mu.Unlock()
}

func (r *coreRequest) failure() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failedErr
}

// wantsClose reports whether the request head forbids connection reuse.
func (r *coreRequest) wantsClose() bool {
	if r.headers.Contains("Connection", "close") {
		return true
	}
	if !r.version.AtLeast(1, 1) {
		return !r.headers.Contains("Connection", "keep-alive")
	}
	return false
}

// RequestWrapper forwards every Request method to Inner. Embed it to
// decorate single methods of a request.
type RequestWrapper struct {
	Inner Request
}

var _ Request = (*RequestWrapper)(nil)

func (w *RequestWrapper) Method() string                { return w.Inner.Method() }
func (w *RequestWrapper) Target() string                { return w.Inner.Target() }
func (w *RequestWrapper) Version() message.Version      { return w.Inner.Version() }
func (w *RequestWrapper) Headers() *message.Headers     { return w.Inner.Headers() }
func (w *RequestWrapper) ContentLength() (uint64, bool) { return w.Inner.ContentLength() }
func (w *RequestWrapper) Trailers() []message.Field     { return w.Inner.Trailers() }
func (w *RequestWrapper) ReadContent() *Content         { return w.Inner.ReadContent() }
func (w *RequestWrapper) DemandContent(cb func())       { w.Inner.DemandContent(cb) }
func (w *RequestWrapper) CancelDemand()                 { w.Inner.CancelDemand() }
func (w *RequestWrapper) Succeeded()                    { w.Inner.Succeeded() }
func (w *RequestWrapper) Failed(err error)              { w.Inner.Failed(err) }
