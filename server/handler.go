package server

// Handler processes one exchange. It may block; each connection handles
// exchanges one at a time, in arrival order. The returned bool reports
// whether the handler took responsibility for the request; when false and
// nothing was written, the engine responds 404. A returned error (or a
// panic) is converted into an error response when the head is still
// uncommitted, and aborts the connection otherwise.
type Handler interface {
	Handle(req Request, res *Response) (handled bool, err error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(req Request, res *Response) (bool, error)

func (f HandlerFunc) Handle(req Request, res *Response) (bool, error) {
	return f(req, res)
}
