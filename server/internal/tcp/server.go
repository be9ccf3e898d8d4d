package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

type Handler interface {
	HandleConnection(ctx context.Context, conn net.Conn)
}

type FuncHandler func(ctx context.Context, conn net.Conn)

var _ Handler = FuncHandler(nil)

func (f FuncHandler) HandleConnection(ctx context.Context, conn net.Conn) {
	f(ctx, conn)
}

type Middleware func(Handler) Handler

type Option func(*TCPServerOptions)

type TCPServerOptions struct {
	Logger         *slog.Logger
	MaxConnections int
	// IdleTimeout closes a connection that has not sent anything for this
	// long. The deadline moves forward on every read.
	IdleTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// TCPServer accepts connections and runs the handler chain for each one in
// its own goroutine.
type TCPServer struct {
	opts         *TCPServerOptions
	listener     net.Listener
	baseHandler  Handler
	chainHandler Handler
	logger       *slog.Logger

	middlewares []Middleware

	wg    sync.WaitGroup
	slots chan struct{}

	mu     sync.Mutex
	active map[net.Conn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func DefaultOptions() *TCPServerOptions {
	return &TCPServerOptions{
		MaxConnections:  0,
		IdleTimeout:     0,
		WriteTimeout:    0,
		ShutdownTimeout: 30 * time.Second,
	}
}

func NewTCPServer(handler Handler, opts ...Option) (*TCPServer, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	options := DefaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &TCPServer{
		opts:        options,
		baseHandler: handler,
		logger:      options.Logger,
		active:      make(map[net.Conn]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	if options.MaxConnections > 0 {
		s.slots = make(chan struct{}, options.MaxConnections)
	}
	return s, nil
}

func (s *TCPServer) buildChain() {
	s.chainHandler = s.baseHandler
	for i := len(s.middlewares) - 1; i >= 0; i-- {
		s.chainHandler = s.middlewares[i](s.chainHandler)
	}
}

func (s *TCPServer) Use(middlewares ...Middleware) {
	s.middlewares = append(s.middlewares, middlewares...)
}

// Start accepts connections on lis until Shutdown is called. It returns nil
// once the listener has been closed by Shutdown.
func (s *TCPServer) Start(lis net.Listener) error {
	s.buildChain()
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()
	if s.ctx.Err() != nil {
		lis.Close()
		return nil
	}

	for {
		conn, err := lis.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		if s.slots != nil {
			select {
			case s.slots <- struct{}{}:
			default:
				s.logger.Warn("Max connections reached, rejecting new connection.", "remote_addr", conn.RemoteAddr())
				conn.Close()
				continue
			}
		}
		if !s.track(conn) {
			conn.Close()
			s.release()
			return nil
		}
		s.wg.Add(1)
		go s.handleClient(conn)
	}
}

func (s *TCPServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.active[conn] = struct{}{}
	return true
}

func (s *TCPServer) release() {
	if s.slots != nil {
		<-s.slots
	}
}

func (s *TCPServer) handleClient(conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.active, conn)
		s.mu.Unlock()
		s.release()
		s.wg.Done()
		s.logger.Debug("Connection closed.", "remote_addr", conn.RemoteAddr())
	}()
	s.logger.Debug("New connection.", "remote_addr", conn.RemoteAddr())

	var c net.Conn = conn
	if s.opts.IdleTimeout > 0 || s.opts.WriteTimeout > 0 {
		c = &deadlineConn{Conn: conn, idle: s.opts.IdleTimeout, write: s.opts.WriteTimeout}
	}
	connCtx, connCancel := context.WithCancel(s.ctx)
	defer connCancel()
	s.chainHandler.HandleConnection(connCtx, c)
}

// Shutdown stops accepting, cancels the connection contexts and waits up to
// ShutdownTimeout for handlers to return before closing what is left.
func (s *TCPServer) Shutdown() {
	s.once.Do(func() {
		s.mu.Lock()
		s.cancel()
		lis := s.listener
		s.mu.Unlock()
		if lis != nil {
			if err := lis.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Error("Error closing listener", "error", err)
			}
		}

		s.expireReads()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			s.logger.Info("All active connections handled.")
		case <-time.After(s.opts.ShutdownTimeout):
			s.logger.Error("Graceful shutdown timeout reached. Closing remaining connections.", "connections", s.ActiveConnections())
			s.closeActive()
			<-done
		}
	})
}

// expireReads wakes handlers blocked in Read so they can notice the
// cancelled context.
func (s *TCPServer) expireReads() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for c := range s.active {
		c.SetReadDeadline(now)
	}
}

func (s *TCPServer) closeActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.active {
		c.Close()
	}
}

// ActiveConnections is the number of connections being handled.
func (s *TCPServer) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// deadlineConn pushes the read deadline forward before every read.
type deadlineConn struct {
	net.Conn
	idle  time.Duration
	write time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.idle > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.idle)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.write > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.write)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}

// WithIdleTimeout sets how long a connection may stay silent.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *TCPServerOptions) {
		o.IdleTimeout = d
	}
}

// WithWriteTimeout sets the write timeout for connections.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *TCPServerOptions) {
		o.WriteTimeout = d
	}
}

// WithMaxConnections sets the maximum number of concurrent connections.
// A value of 0 means no limit.
func WithMaxConnections(max int) Option {
	return func(o *TCPServerOptions) {
		o.MaxConnections = max
	}
}

// WithLogger sets a custom logger for the server.
func WithLogger(l *slog.Logger) Option {
	return func(o *TCPServerOptions) {
		o.Logger = l
	}
}

// WithShutdownTimeout sets the maximum time to wait for active connections to finish during shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *TCPServerOptions) {
		o.ShutdownTimeout = d
	}
}
