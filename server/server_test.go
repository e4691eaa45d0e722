package server_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"

	"httpcore/chunked"
	"httpcore/message"
	"httpcore/server"
	"httpcore/status"
	"httpcore/transport"
	"httpcore/transport/pipe"
)

type ServerSuite struct {
	suite.Suite

	// Per-test teardown, run LIFO. t.Cleanup would run after TearDownTest,
	// too late for the leak check.
	cleanups []func()
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerSuite))
}

func (s *ServerSuite) cleanup(fn func()) {
	s.cleanups = append(s.cleanups, fn)
}

func (s *ServerSuite) TearDownTest() {
	for i := len(s.cleanups) - 1; i >= 0; i-- {
		s.cleanups[i]()
	}
	s.cleanups = nil
	goleak.VerifyNone(s.T())
}

// testConn is the client end of an in-memory connection served by the
// engine on the other side.
type testConn struct {
	s    *ServerSuite
	conn transport.Conn
	buf  []byte // response bytes received but not consumed yet
}

type response struct {
	statusLine string
	headers    message.Headers
	body       string
}

func (s *ServerSuite) serve(h server.Handler, opts server.Options) *testConn {
	return s.serveClock(h, opts, clock.New())
}

func (s *ServerSuite) serveClock(h server.Handler, opts server.Options, clk clock.Clock) *testConn {
	client, srv := pipe.NewPair("client", "server", clk)

	done := make(chan struct{})
	go func() {
		defer close(done)
		server.ServeConn(context.Background(), srv, h, nil, clk, opts)
	}()

	s.cleanup(func() {
		client.Close()
		<-done
	})

	return &testConn{s: s, conn: client}
}

func (tc *testConn) send(raw string) {
	_, err := tc.conn.Write([]byte(raw))
	tc.s.Require().NoError(err)
}

// sendInBackground writes concurrently with response reading, which deep
// pipelines need: the rendezvous transport has no buffering of its own.
func (tc *testConn) sendInBackground(raw string, shutdown bool) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := tc.conn.Write([]byte(raw))
		tc.s.NoError(err)
		if shutdown {
			tc.s.NoError(tc.conn.CloseWrite())
		}
	}()
	tc.s.cleanup(func() { <-done })
}

func (tc *testConn) fill() error {
	buf := make([]byte, 4096)
	n, err := tc.conn.Read(buf)
	tc.buf = append(tc.buf, buf[:n]...)
	if n > 0 {
		return nil
	}
	return err
}

func (tc *testConn) readResponse(method string) response {
	req := tc.s.Require()

	var idx int
	for {
		if idx = bytes.Index(tc.buf, []byte("\r\n\r\n")); idx >= 0 {
			break
		}
		req.NoError(tc.fill())
	}
	head := string(tc.buf[:idx])
	tc.buf = tc.buf[idx+4:]

	lines := strings.Split(head, "\r\n")
	fields := make([]message.Field, 0, len(lines)-1)
	for _, line := range lines[1:] {
		f, err := message.ParseField([]byte(line))
		req.NoError(err)
		fields = append(fields, f)
	}

	res := response{
		statusLine: lines[0],
		headers:    message.NewHeaders(fields),
	}

	parts := strings.SplitN(res.statusLine, " ", 3)
	req.Len(parts, 3)
	code, err := strconv.Atoi(parts[1])
	req.NoError(err)

	switch {
	case method == "HEAD" || code < 200 || code == 204 || code == 304:
		// No body by definition.

	case res.headers.Contains("Transfer-Encoding", "chunked"):
		d := &chunked.Decoder{}
		var body []byte
		for {
			n, data, done, derr := d.Next(tc.buf)
			req.NoError(derr)
			tc.buf = tc.buf[n:]
			body = append(body, data...)
			if done {
				break
			}
			if len(tc.buf) == 0 {
				req.NoError(tc.fill())
			}
		}
		res.body = string(body)

	default:
		if v, ok := res.headers.Get("Content-Length"); ok {
			n, aerr := strconv.Atoi(v)
			req.NoError(aerr)
			for len(tc.buf) < n {
				req.NoError(tc.fill())
			}
			res.body = string(tc.buf[:n])
			tc.buf = tc.buf[n:]
		} else {
			// Until-close framing.
			res.body = tc.readAll()
		}
	}

	return res
}

// readAll drains the connection until the server closes it.
func (tc *testConn) readAll() string {
	for {
		if err := tc.fill(); err != nil {
			tc.s.Require().ErrorIs(err, io.EOF)
			out := string(tc.buf)
			tc.buf = nil
			return out
		}
	}
}

func (tc *testConn) expectEOF() {
	err := tc.fill()
	tc.s.Require().ErrorIs(err, io.EOF)
	tc.s.Require().Empty(tc.buf)
}

// helloHandler answers every request with a fixed small body.
func helloHandler() server.Handler {
	return server.HandlerFunc(func(req server.Request, res *server.Response) (bool, error) {
		_ = res.SetHeader("Content-Type", "text/plain")
		return true, res.BlockingWrite(true, []byte("Hello"))
	})
}

// echoHandler reads the whole request body and sends it back.
func echoHandler() server.Handler {
	return server.HandlerFunc(func(req server.Request, res *server.Response) (bool, error) {
		body, err := readFullBody(req)
		if err != nil {
			return true, err
		}
		return true, res.BlockingWrite(true, body)
	})
}

func readFullBody(req server.Request) ([]byte, error) {
	var out []byte
	for {
		c, err := server.WaitContent(context.Background(), req)
		if err != nil {
			return out, err
		}
		out = append(out, c.Bytes()...)
		last := c.Last()
		c.Release()
		if last {
			return out, nil
		}
	}
}

func (s *ServerSuite) TestHello() {
	var (
		mu       sync.Mutex
		method   string
		target   string
		version  message.Version
		hostSeen string
	)
	h := server.HandlerFunc(func(req server.Request, res *server.Response) (bool, error) {
		mu.Lock()
		method, target, version = req.Method(), req.Target(), req.Version()
		hostSeen, _ = req.Headers().Get("Host")
		mu.Unlock()
		_ = res.SetHeader("Content-Type", "text/plain")
		return true, res.BlockingWrite(true, []byte("Hello"))
	})

	tc := s.serve(h, server.Options{})
	tc.send("GET /path/info HTTP/1.1\r\nHost: example.com\r\n\r\n")

	res := tc.readResponse("GET")
	s.Equal("HTTP/1.1 200 OK", res.statusLine)
	s.Equal("Hello", res.body)

	cl, _ := res.headers.Get("Content-Length")
	s.Equal("5", cl)
	srv, _ := res.headers.Get("Server")
	s.Equal(server.Signature(), srv)
	ct, _ := res.headers.Get("Content-Type")
	s.Equal("text/plain", ct)
	s.False(res.headers.Contains("Connection", "close"))

	mu.Lock()
	s.Equal("GET", method)
	s.Equal("/path/info", target)
	s.Equal(message.Version{1, 1}, version)
	s.Equal("example.com", hostSeen)
	mu.Unlock()

	// The connection is persistent.
	tc.send("GET /again HTTP/1.1\r\nHost: example.com\r\n\r\n")
	res = tc.readResponse("GET")
	s.Equal("HTTP/1.1 200 OK", res.statusLine)
	s.Equal("Hello", res.body)
}

func (s *ServerSuite) TestHTTP10ClosesByDefault() {
	tc := s.serve(helloHandler(), server.Options{})
	tc.send("GET /r1 HTTP/1.0\r\nHost: example.com\r\n\r\n")

	res := tc.readResponse("GET")
	s.Equal("HTTP/1.1 200 OK", res.statusLine)
	s.Equal("Hello", res.body)
	// HTTP/1.0 closes implicitly; no Connection header is emitted.
	_, ok := res.headers.Get("Connection")
	s.False(ok)

	tc.expectEOF()
}

func (s *ServerSuite) TestFragmentedRequest() {
	tc := s.serve(echoHandler(), server.Options{})

	raw := "POST /echo HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"Content-Length: 12\r\n" +
		"\r\n" +
		"Hello, World"
	for _, fragment := range []string{
		raw[:7], raw[7:8], raw[8:33], raw[33:60], raw[60:],
	} {
		tc.send(fragment)
	}

	res := tc.readResponse("POST")
	s.Equal("HTTP/1.1 200 OK", res.statusLine)
	s.Equal("Hello, World", res.body)
}

func (s *ServerSuite) TestPipelining() {
	const requests = 65

	var handled atomic.Int32
	h := server.HandlerFunc(func(req server.Request, res *server.Response) (bool, error) {
		handled.Add(1)
		return true, res.BlockingWrite(true, []byte(req.Target()))
	})

	tc := s.serve(h, server.Options{})

	// 64 keep-alive requests, then one asking for the close.
	var batch strings.Builder
	for i := 0; i < requests-1; i++ {
		fmt.Fprintf(&batch, "GET /seq/%d HTTP/1.1\r\nHost: h\r\n\r\n", i)
	}
	fmt.Fprintf(&batch, "GET /seq/%d HTTP/1.1\r\nHost: h\r\nConnection: close\r\n\r\n", requests-1)
	tc.sendInBackground(batch.String(), false)

	for i := 0; i < requests; i++ {
		res := tc.readResponse("GET")
		s.Require().Equal("HTTP/1.1 200 OK", res.statusLine)
		s.Require().Equal(fmt.Sprintf("/seq/%d", i), res.body)
		s.Require().Equal(i == requests-1, res.headers.Contains("Connection", "close"))
	}
	tc.expectEOF()
	s.Equal(int32(requests), handled.Load())
}

// Half-close: the peer finishes sending and shuts down its write side;
// everything already pipelined still gets answered.
func (s *ServerSuite) TestShutdownAfterPipelined() {
	h := server.HandlerFunc(func(req server.Request, res *server.Response) (bool, error) {
		return true, res.BlockingWrite(true, []byte(req.Target()))
	})

	tc := s.serve(h, server.Options{})
	tc.sendInBackground(
		"GET /first HTTP/1.1\r\nHost: h\r\n\r\n"+
			"GET /second HTTP/1.1\r\nHost: h\r\n\r\n"+
			"GET /third HTTP/1.1\r\nHost: h\r\n\r\n",
		true,
	)

	for _, want := range []string{"/first", "/second", "/third"} {
		res := tc.readResponse("GET")
		s.Require().Equal("HTTP/1.1 200 OK", res.statusLine)
		s.Require().Equal(want, res.body)
	}
	tc.expectEOF()
}

func (s *ServerSuite) TestEarlyEOFOnContentLengthBody() {
	var (
		mu      sync.Mutex
		seen    []byte
		sawLast bool
		bodyErr error
	)
	h := server.HandlerFunc(func(req server.Request, res *server.Response) (bool, error) {
		body, err := readFullBody(req)
		mu.Lock()
		seen, sawLast, bodyErr = body, err == nil, err
		mu.Unlock()
		if err != nil {
			return true, err
		}
		return true, res.BlockingWrite(true, body)
	})

	tc := s.serve(h, server.Options{})
	tc.send("POST /upload HTTP/1.1\r\nHost: h\r\nContent-Length: 6\r\n\r\nfoo")
	s.Require().NoError(tc.conn.CloseWrite())

	res := tc.readResponse("POST")
	s.Equal("HTTP/1.1 400 Bad Request", res.statusLine)
	s.Equal("Early EOF", res.body)
	s.True(res.headers.Contains("Connection", "close"))
	tc.expectEOF()

	mu.Lock()
	s.Equal("foo", string(seen))
	s.False(sawLast)
	s.Error(bodyErr)
	mu.Unlock()
}

func (s *ServerSuite) TestBadChunkFraming() {
	tc := s.serve(echoHandler(), server.Options{})
	tc.send("POST /upload HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\n\r\nxyz\r\n")

	res := tc.readResponse("POST")
	s.Equal("HTTP/1.1 400 Bad Request", res.statusLine)
	s.Equal("Early EOF", res.body)
	s.True(res.headers.Contains("Connection", "close"))
	tc.expectEOF()
}

func (s *ServerSuite) TestNotModifiedSuppressesBody() {
	h := server.HandlerFunc(func(req server.Request, res *server.Response) (bool, error) {
		if req.Target() == "/cached" {
			_ = res.SetStatus(status.NotModified)
			_ = res.SetHeader("Content-Type", "text/html")
			_ = res.SetHeader("Content-Length", "100")
			// Body writes after a bodiless status commit are discarded.
			return true, res.BlockingWrite(true, []byte("should not appear"))
		}
		return true, res.BlockingWrite(true, []byte("fresh"))
	})

	tc := s.serve(h, server.Options{})
	tc.send("GET /cached HTTP/1.1\r\nHost: h\r\n\r\n")

	res := tc.readResponse("GET")
	s.Equal("HTTP/1.1 304 Not Modified", res.statusLine)
	_, ok := res.headers.Get("Content-Length")
	s.False(ok)
	_, ok = res.headers.Get("Content-Type")
	s.False(ok)
	_, ok = res.headers.Get("Transfer-Encoding")
	s.False(ok)

	// Still aligned: the next request reads normally.
	tc.send("GET /fresh HTTP/1.1\r\nHost: h\r\n\r\n")
	res = tc.readResponse("GET")
	s.Equal("HTTP/1.1 200 OK", res.statusLine)
	s.Equal("fresh", res.body)
}

func (s *ServerSuite) TestHEADSuppressesBody() {
	h := server.HandlerFunc(func(req server.Request, res *server.Response) (bool, error) {
		return true, res.BlockingWrite(true, []byte("BODY"))
	})

	tc := s.serve(h, server.Options{})
	tc.send(
		"HEAD /one HTTP/1.1\r\nHost: h\r\n\r\n" +
			"GET /two HTTP/1.1\r\nHost: h\r\n\r\n",
	)

	res := tc.readResponse("HEAD")
	s.Equal("HTTP/1.1 200 OK", res.statusLine)
	cl, _ := res.headers.Get("Content-Length")
	s.Equal("4", cl)

	// The HEAD body was suppressed, not shifted onto the next response.
	res = tc.readResponse("GET")
	s.Equal("HTTP/1.1 200 OK", res.statusLine)
	s.Equal("BODY", res.body)
}

func (s *ServerSuite) TestHandlerPanicTurnsInto500() {
	h := server.HandlerFunc(func(req server.Request, res *server.Response) (bool, error) {
		if req.Target() == "/boom" {
			panic("exception in handler")
		}
		return true, res.BlockingWrite(true, []byte("ok"))
	})

	tc := s.serve(h, server.Options{})
	tc.send("GET /boom HTTP/1.1\r\nHost: h\r\n\r\n")

	res := tc.readResponse("GET")
	s.Equal("HTTP/1.1 500 Internal Server Error", res.statusLine)

	// The failure was contained to the exchange.
	tc.send("GET /fine HTTP/1.1\r\nHost: h\r\n\r\n")
	res = tc.readResponse("GET")
	s.Equal("HTTP/1.1 200 OK", res.statusLine)
	s.Equal("ok", res.body)
}

func (s *ServerSuite) TestFailureAfterCommitAbortsConnection() {
	h := server.HandlerFunc(func(req server.Request, res *server.Response) (bool, error) {
		if err := res.BlockingWrite(false, []byte("partial")); err != nil {
			return true, err
		}
		return true, errors.New("exception after commit")
	})

	tc := s.serve(h, server.Options{})
	tc.send("GET /broken HTTP/1.1\r\nHost: h\r\n\r\n")

	raw := tc.readAll()
	s.Contains(raw, "HTTP/1.1 200 OK")
	s.Contains(raw, "Transfer-Encoding: chunked")
	s.Contains(raw, "partial")
	// Truncated on purpose: no terminating zero chunk reached the peer.
	s.NotContains(raw, "0\r\n\r\n")
}

// A connection stalled mid-response (its peer not reading) must not hold up
// other connections, and closing it must fail the pending blocking write.
func (s *ServerSuite) TestBlockedWriteIsIsolated() {
	wrErr := make(chan error, 1)
	blocked := server.HandlerFunc(func(req server.Request, res *server.Response) (bool, error) {
		err := res.BlockingWrite(true, bytes.Repeat([]byte("x"), 1024))
		wrErr <- err
		return true, err
	})

	stalled := s.serve(blocked, server.Options{})
	stalled.send("GET /big HTTP/1.1\r\nHost: h\r\n\r\n")

	other := s.serve(helloHandler(), server.Options{})
	other.send("GET /hello HTTP/1.1\r\nHost: h\r\n\r\n")
	res := other.readResponse("GET")
	s.Equal("HTTP/1.1 200 OK", res.statusLine)

	s.Require().NoError(stalled.conn.Close())
	select {
	case err := <-wrErr:
		s.Error(err)
	case <-time.After(5 * time.Second):
		s.Fail("blocked write still pending after close")
	}
}

func (s *ServerSuite) TestUnhandledBecomes404() {
	h := server.HandlerFunc(func(req server.Request, res *server.Response) (bool, error) {
		return false, nil
	})

	tc := s.serve(h, server.Options{})
	tc.send("GET /nowhere HTTP/1.1\r\nHost: h\r\n\r\n")

	res := tc.readResponse("GET")
	s.Equal("HTTP/1.1 404 Not Found", res.statusLine)
	cl, _ := res.headers.Get("Content-Length")
	s.Equal("0", cl)

	// 404 is an answer, not a failure; the connection survives.
	tc.send("GET /elsewhere HTTP/1.1\r\nHost: h\r\n\r\n")
	res = tc.readResponse("GET")
	s.Equal("HTTP/1.1 404 Not Found", res.statusLine)
}

func (s *ServerSuite) TestRejectedHeads() {
	testcases := []struct {
		name       string
		raw        string
		wantStatus string
	}{
		{
			name:       "bad percent encoding",
			raw:        "GET /%xx/target HTTP/1.1\r\nHost: h\r\n\r\n",
			wantStatus: "HTTP/1.1 400 Bad Request",
		},
		{
			name:       "asterisk target without OPTIONS",
			raw:        "GET * HTTP/1.1\r\nHost: h\r\n\r\n",
			wantStatus: "HTTP/1.1 400 Bad Request",
		},
		{
			name:       "uri too long",
			raw:        "GET /" + strings.Repeat("a", 512) + " HTTP/1.1\r\nHost: h\r\n\r\n",
			wantStatus: "HTTP/1.1 414 URI Too Long",
		},
		{
			name:       "header block too large",
			raw:        "GET / HTTP/1.1\r\nX-Padding: " + strings.Repeat("x", 2048) + "\r\n\r\n",
			wantStatus: "HTTP/1.1 431 Request Header Fields Too Large",
		},
	}

	opts := server.Options{}
	opts.Limits.MaxURIBytes = 128
	opts.Limits.MaxHeaderBytes = 1024

	for _, tc := range testcases {
		s.Run(tc.name, func() {
			conn := s.serve(helloHandler(), opts)
			conn.sendInBackground(tc.raw, false)

			res := conn.readResponse("GET")
			s.Equal(tc.wantStatus, res.statusLine)
			s.True(res.headers.Contains("Connection", "close"))
			conn.readAll()
		})
	}
}

func (s *ServerSuite) TestOptionsAsterisk() {
	var target atomic.Value
	h := server.HandlerFunc(func(req server.Request, res *server.Response) (bool, error) {
		target.Store(req.Target())
		_ = res.SetHeader("Allow", "GET, POST, OPTIONS")
		return true, res.BlockingWrite(true, nil)
	})

	tc := s.serve(h, server.Options{})
	tc.send("OPTIONS * HTTP/1.1\r\nHost: h\r\n\r\n")

	res := tc.readResponse("OPTIONS")
	s.Equal("HTTP/1.1 200 OK", res.statusLine)
	allow, _ := res.headers.Get("Allow")
	s.Equal("GET, POST, OPTIONS", allow)
	s.Equal("*", target.Load())
}

func (s *ServerSuite) TestExpectContinueUnconsumed() {
	h := server.HandlerFunc(func(req server.Request, res *server.Response) (bool, error) {
		// Respond without ever reading the body the client is holding back.
		return true, res.BlockingWrite(true, []byte("Hello"))
	})

	tc := s.serve(h, server.Options{})
	tc.send(
		"POST /upload HTTP/1.1\r\n" +
			"Host: h\r\n" +
			"Expect: 100-continue\r\n" +
			"Transfer-Encoding: chunked\r\n" +
			"\r\n",
	)

	res := tc.readResponse("POST")
	s.Equal("HTTP/1.1 200 OK", res.statusLine)
	s.NotContains(res.statusLine, "100")
	s.Equal("Hello", res.body)
	// The body never arrived, so the connection cannot be reused.
	s.True(res.headers.Contains("Connection", "close"))
	tc.expectEOF()
}

func (s *ServerSuite) TestUnreadBodyIsDrained() {
	h := server.HandlerFunc(func(req server.Request, res *server.Response) (bool, error) {
		// Never reads its content.
		return true, res.BlockingWrite(true, []byte("done"))
	})

	tc := s.serve(h, server.Options{})
	tc.sendInBackground(
		"POST /a HTTP/1.1\r\nHost: h\r\nContent-Length: 10\r\n\r\n0123456789"+
			"POST /b HTTP/1.1\r\nHost: h\r\nContent-Length: 4\r\n\r\nwxyz",
		true,
	)

	for i := 0; i < 2; i++ {
		res := tc.readResponse("POST")
		s.Require().Equal("HTTP/1.1 200 OK", res.statusLine)
		s.Require().Equal("done", res.body)
	}
	tc.expectEOF()
}

func (s *ServerSuite) TestTrailersReachTheHandler() {
	h := server.HandlerFunc(func(req server.Request, res *server.Response) (bool, error) {
		if _, err := readFullBody(req); err != nil {
			return true, err
		}
		var out []byte
		for _, f := range req.Trailers() {
			out = append(out, f.Text()...)
		}
		return true, res.BlockingWrite(true, out)
	})

	tc := s.serve(h, server.Options{})
	tc.send(
		"POST /upload HTTP/1.1\r\n" +
			"Host: h\r\n" +
			"Transfer-Encoding: chunked\r\n" +
			"\r\n" +
			"3\r\nabc\r\n" +
			"0\r\n" +
			"X-Checksum: 900150\r\n" +
			"\r\n",
	)

	res := tc.readResponse("POST")
	s.Equal("HTTP/1.1 200 OK", res.statusLine)
	s.Equal("X-Checksum: 900150", res.body)
}

func (s *ServerSuite) TestChunkedResponse() {
	block := strings.Repeat("0123456789ABCDEF", 256) // 4KiB
	const blocks = 10

	h := server.HandlerFunc(func(req server.Request, res *server.Response) (bool, error) {
		for i := 0; i < blocks; i++ {
			if err := res.BlockingWrite(false, []byte(block)); err != nil {
				return true, err
			}
		}
		return true, res.BlockingWrite(true, nil)
	})

	tc := s.serve(h, server.Options{})
	tc.send("GET /big HTTP/1.1\r\nHost: h\r\n\r\n")

	res := tc.readResponse("GET")
	s.Equal("HTTP/1.1 200 OK", res.statusLine)
	s.True(res.headers.Contains("Transfer-Encoding", "chunked"))
	_, ok := res.headers.Get("Content-Length")
	s.False(ok)
	s.Equal(strings.Repeat(block, blocks), res.body)
}

func (s *ServerSuite) TestHTTP10UnknownLengthRunsUntilClose() {
	h := server.HandlerFunc(func(req server.Request, res *server.Response) (bool, error) {
		if err := res.BlockingWrite(false, []byte("part one, ")); err != nil {
			return true, err
		}
		return true, res.BlockingWrite(true, []byte("part two"))
	})

	tc := s.serve(h, server.Options{})
	tc.send("GET /stream HTTP/1.0\r\nHost: h\r\n\r\n")

	res := tc.readResponse("GET")
	s.Equal("HTTP/1.1 200 OK", res.statusLine)
	_, ok := res.headers.Get("Content-Length")
	s.False(ok)
	_, ok = res.headers.Get("Transfer-Encoding")
	s.False(ok)
	s.Equal("part one, part two", res.body)
}

func (s *ServerSuite) TestConnectionCloseRequested() {
	tc := s.serve(helloHandler(), server.Options{})
	tc.send("GET /last HTTP/1.1\r\nHost: h\r\nConnection: close\r\n\r\n")

	res := tc.readResponse("GET")
	s.Equal("HTTP/1.1 200 OK", res.statusLine)
	s.True(res.headers.Contains("Connection", "close"))
	s.Equal("Hello", res.body)
	tc.expectEOF()
}

func (s *ServerSuite) TestIdleTimeout() {
	clk := clock.NewMock()
	tc := s.serveClock(helloHandler(), server.Options{IdleTimeout: 5 * time.Second}, clk)

	errs := make(chan error, 1)
	go func() {
		_, err := tc.conn.Read(make([]byte, 1))
		errs <- err
	}()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case err := <-errs:
			s.Require().ErrorIs(err, io.EOF)
			return
		case <-timeout:
			s.FailNow("idle connection was never closed")
		case <-time.After(time.Millisecond):
			clk.Add(time.Second)
		}
	}
}

// countingRequest decorates a request to observe its reads, overriding a
// single operation and forwarding the rest.
type countingRequest struct {
	server.RequestWrapper
	reads *atomic.Int32
}

func (c *countingRequest) ReadContent() *server.Content {
	c.reads.Add(1)
	return c.RequestWrapper.ReadContent()
}

func (s *ServerSuite) TestRequestWrapperInterceptsReads() {
	var reads atomic.Int32
	h := server.HandlerFunc(func(req server.Request, res *server.Response) (bool, error) {
		wrapped := &countingRequest{
			RequestWrapper: server.RequestWrapper{Inner: req},
			reads:          &reads,
		}
		body, err := readFullBody(wrapped)
		if err != nil {
			return true, err
		}
		return true, res.BlockingWrite(true, body)
	})

	tc := s.serve(h, server.Options{})
	tc.send("POST /echo HTTP/1.1\r\nHost: h\r\nContent-Length: 5\r\n\r\nhello")

	res := tc.readResponse("POST")
	s.Equal("HTTP/1.1 200 OK", res.statusLine)
	s.Equal("hello", res.body)
	s.Positive(reads.Load())
}

func (s *ServerSuite) TestRequestFailedByHandler() {
	h := server.HandlerFunc(func(req server.Request, res *server.Response) (bool, error) {
		req.Failed(errors.New("refused"))
		return true, nil
	})

	tc := s.serve(h, server.Options{})
	tc.send("GET /refused HTTP/1.1\r\nHost: h\r\n\r\n")

	res := tc.readResponse("GET")
	s.Equal("HTTP/1.1 500 Internal Server Error", res.statusLine)
}
