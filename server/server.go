// Package server implements the connection-level HTTP/1.1 engine: parsed
// requests are dispatched to a Handler one at a time per connection, in
// arrival order, while the reader parses ahead into a bounded queue and a
// writer goroutine serializes response bytes.
package server

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"httpcore/transport"
)

// Server accepts connections from a listener and serves each one on its
// own goroutine set.
type Server struct {
	listener transport.Listener
	handler  Handler
	logger   *slog.Logger
	clk      clock.Clock
	opts     Options

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(l transport.Listener, logger *slog.Logger, clk clock.Clock, handler Handler, opts Options) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Server{
		listener: l,
		handler:  handler,
		logger:   logger,
		clk:      clk,
		opts:     opts.withDefaults(),
	}
}

// Start launches the accept loop. It returns immediately.
func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		tc, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, transport.ErrListenerClosed) {
				s.logger.Warn("accept failed", slog.String("error", err.Error()))
			}
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ServeConn(ctx, tc, s.handler, s.logger, s.clk, s.opts)
		}()
	}
}

// Close stops accepting, tears down live connections and waits for them.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

// ServeConn runs the engine over a single established connection until it
// closes. Cancelling ctx aborts the connection.
func ServeConn(ctx context.Context, tc transport.Conn, handler Handler, logger *slog.Logger, clk clock.Clock, opts Options) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if clk == nil {
		clk = clock.New()
	}
	newConn(tc, handler, logger, clk, opts.withDefaults()).serve(ctx)
}
