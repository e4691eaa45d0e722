package server

import (
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"httpcore/chunked"
	"httpcore/message"
	"httpcore/status"
)

var (
	ErrResponseCompleted = errors.New("response is already completed")
	ErrHeadCommitted     = errors.New("response head is already committed")

	errContentOverflow = errors.New("content exceeds declared Content-Length")
	errContentShort    = errors.New("response completed short of Content-Length")
)

type writeState uint8

const (
	stateUncommitted writeState = iota
	stateCommitted
	stateCompleted
)

type framingMode uint8

const (
	modeUnset framingMode = iota
	modeNoBody
	modeFixed
	modeChunked
	modeUntilClose
)

// Response is the handler-facing writer for one exchange. The head (status
// and headers) is mutable until the first write commits it to the wire;
// after that the framing mode is fixed and only body writes are accepted,
// until a write with last set completes the response.
type Response struct {
	conn *conn
	req  *coreRequest

	mu      sync.Mutex
	state   writeState
	mode    framingMode
	status  status.Status
	headers message.Headers
	remain  uint64 // modeFixed bytes still owed

	closeAfter   bool
	suppressBody bool // HEAD request
}

func newResponse(c *conn, req *coreRequest) *Response {
	return &Response{
		conn:         c,
		req:          req,
		status:       status.OK,
		headers:      message.NewHeaders(nil),
		suppressBody: req != nil && req.method == "HEAD",
	}
}

// SetStatus replaces the response status. Rejected once committed.
func (r *Response) SetStatus(s status.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != stateUncommitted {
		return ErrHeadCommitted
	}
	r.status = s
	return nil
}

func (r *Response) Status() status.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// SetHeader sets a response header. Rejected once committed.
func (r *Response) SetHeader(name, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != stateUncommitted {
		return ErrHeadCommitted
	}
	r.headers.Set(name, value)
	return nil
}

// AddHeader appends a response header without replacing existing ones.
func (r *Response) AddHeader(name, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != stateUncommitted {
		return ErrHeadCommitted
	}
	r.headers.Add(name, value)
	return nil
}

func (r *Response) Committed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state != stateUncommitted
}

// Write queues data for the wire. The first write commits the head and
// decides the framing; last marks the end of the body. cb is invoked with
// the write outcome after the bytes reached the transport (or with the
// failure that prevented it). cb may be nil.
func (r *Response) Write(last bool, data []byte, cb func(error)) {
	r.mu.Lock()
	frame, err := r.frameLocked(last, data)
	r.mu.Unlock()

	if err != nil {
		deliver(cb, err)
		return
	}
	if frame == nil {
		// Body suppressed (no-body status or HEAD) with nothing to flush.
		deliver(cb, nil)
		return
	}

	r.conn.submitWrite(writeOp{b: frame, cb: cb})
}

// frameLocked transitions the state machine and returns the wire bytes for
// this write, or nil when nothing needs to go out.
func (r *Response) frameLocked(last bool, data []byte) ([]byte, error) {
	if r.state == stateCompleted {
		return nil, ErrResponseCompleted
	}

	var frame []byte
	if r.state == stateUncommitted {
		if err := r.commitLocked(last, uint64(len(data))); err != nil {
			return nil, err
		}
		frame = r.headBytesLocked()
	}

	switch r.mode {
	case modeNoBody:
		// Body writes are discarded once a bodiless status committed.
		if last {
			r.state = stateCompleted
		}
		return frame, nil

	case modeFixed:
		if !r.suppressBody {
			if uint64(len(data)) > r.remain {
				return nil, errContentOverflow
			}
			r.remain -= uint64(len(data))
			frame = append(frame, data...)
		}
		if last {
			if r.remain > 0 && !r.suppressBody {
				return nil, errContentShort
			}
			r.state = stateCompleted
		}

	case modeChunked:
		if !r.suppressBody {
			frame = chunked.AppendChunk(frame, data, last)
		}
		if last {
			r.state = stateCompleted
		}

	case modeUntilClose:
		if !r.suppressBody {
			frame = append(frame, data...)
		}
		if last {
			r.state = stateCompleted
		}
	}

	if len(frame) == 0 {
		return nil, nil
	}
	return frame, nil
}

// commitLocked fixes the framing mode and freezes the head. lastLen is the
// length of the committing write when it is also the last one, which lets
// a single-write response go out with an exact Content-Length.
func (r *Response) commitLocked(last bool, n uint64) error {
	r.state = stateCommitted

	if r.status.IsNoBody() {
		r.mode = modeNoBody
		r.headers.Del("Content-Length")
		r.headers.Del("Content-Type")
		r.headers.Del("Transfer-Encoding")
	} else if v, ok := r.headers.Get("Content-Length"); ok {
		cl, err := strconv.ParseUint(v, 10, 63)
		if err != nil {
			return errors.Wrap(err, "invalid Content-Length header")
		}
		r.mode = modeFixed
		r.remain = cl
	} else if last {
		r.mode = modeFixed
		r.remain = n
		r.headers.Set("Content-Length", strconv.FormatUint(n, 10))
	} else if !r.req.version.AtLeast(1, 1) {
		// Unknown length on HTTP/1.0: the body runs until the connection
		// closes.
		r.mode = modeUntilClose
		r.closeAfter = true
	} else {
		r.mode = modeChunked
		r.headers.Set("Transfer-Encoding", "chunked")
	}

	if r.headers.Contains("Connection", "close") {
		// The handler asked for the close itself.
		r.closeAfter = true
	}

	if _, ok := r.headers.Get("Server"); !ok {
		r.headers.Set("Server", Signature())
	}
	if r.closeAfter && r.req.version.AtLeast(1, 1) {
		if !r.headers.Contains("Connection", "close") {
			r.headers.Add("Connection", "close")
		}
	}

	return nil
}

// headBytesLocked renders the status line and headers. Responses always
// carry HTTP/1.1 regardless of the request version.
func (r *Response) headBytesLocked() []byte {
	b := make([]byte, 0, 256)
	b = append(b, "HTTP/1.1 "...)
	b = strconv.AppendUint(b, uint64(r.status.Code), 10)
	b = append(b, message.SP)
	b = append(b, r.status.ReasonPhrase...)
	b = append(b, message.CRLF...)

	for _, f := range r.headers.Fields() {
		b = append(b, f.Text()...)
		b = append(b, message.CRLF...)
	}

	return append(b, message.CRLF...)
}

// FlushHeaders commits and writes the head without any body bytes.
func (r *Response) FlushHeaders(cb func(error)) {
	r.Write(false, nil, cb)
}

// complete finishes the response from the engine side: commits an empty
// response if the handler never wrote, or emits the closing framing of a
// committed one. Blocks until the bytes are on the wire.
func (r *Response) complete() error {
	r.mu.Lock()
	done := r.state == stateCompleted
	r.mu.Unlock()
	if done {
		return nil
	}

	return r.BlockingWrite(true, nil)
}

// resetHead discards handler-set status and headers so an error page can
// take their place. Only valid before commit.
func (r *Response) resetHead() {
	r.mu.Lock()
	r.status = status.OK
	r.headers = message.NewHeaders(nil)
	r.mu.Unlock()
}

// Abort tears the connection down immediately, regardless of response
// state. Pending blocking reads and writes on this exchange fail.
func (r *Response) Abort() {
	r.conn.abort()
}

func (r *Response) markClose() {
	r.mu.Lock()
	r.closeAfter = true
	r.mu.Unlock()
}

func (r *Response) willClose() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeAfter
}

func deliver(cb func(error), err error) {
	if cb != nil {
		cb(err)
	}
}
