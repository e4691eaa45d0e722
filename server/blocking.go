package server

import "context"

// WaitContent blocks until the request produces content, then returns it.
// A terminal error condition is raised as the returned error; the last
// (possibly empty) content is returned like any other. The content demand
// is deregistered on every exit path.
func WaitContent(ctx context.Context, req Request) (*Content, error) {
	for {
		if c := req.ReadContent(); c != nil {
			if err := c.Err(); err != nil {
				return nil, err
			}
			return c, nil
		}

		ready := make(chan struct{}, 1)
		req.DemandContent(func() { ready <- struct{}{} })

		select {
		case <-ready:
		case <-ctx.Done():
			req.CancelDemand()
			return nil, ctx.Err()
		}
	}
}

// BlockingWrite queues data like Write and blocks until it reached the
// wire, returning the write outcome.
func (r *Response) BlockingWrite(last bool, data []byte) error {
	done := make(chan error, 1)
	r.Write(last, data, func(err error) { done <- err })
	return <-done
}
