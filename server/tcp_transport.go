package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/INLOpen/nexusingest/core"
	"github.com/INLOpen/nexusingest/server/internal/tcp"
)

// ConnHandler serves one stream connection. remote is nil when the peer
// address is not IP based. A returned error is logged; the connection is
// closed either way.
type ConnHandler func(ctx context.Context, conn net.Conn, remote *core.RemoteAddress) error

type TCPTransportOptions struct {
	Name    string
	Address string
	// Listener is used instead of listening on Address when set.
	Listener        net.Listener
	MaxConnections  int
	IdleTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Handler         ConnHandler
	// OnConnection is called when a connection opens; the returned func
	// runs when it closes.
	OnConnection func() func()
	Logger       *slog.Logger
}

// TCPTransport runs a ConnHandler for every accepted connection.
type TCPTransport struct {
	name   string
	lis    net.Listener
	srv    *tcp.TCPServer
	logger *slog.Logger
}

func NewTCPTransport(opts TCPTransportOptions) (*TCPTransport, error) {
	if opts.Handler == nil {
		return nil, errors.New("tcp transport requires a handler")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	logger := opts.Logger.With("component", "TCPTransport", "input", opts.Name)

	t := &TCPTransport{name: opts.Name, logger: logger}
	handler := tcp.FuncHandler(func(ctx context.Context, conn net.Conn) {
		if err := opts.Handler(ctx, conn, remoteAddressOf(conn.RemoteAddr())); err != nil && !isClosedConn(err) {
			logger.Warn("Connection handler failed", "remote_addr", conn.RemoteAddr(), "error", err)
		}
	})
	srv, err := tcp.NewTCPServer(handler,
		tcp.WithLogger(logger),
		tcp.WithMaxConnections(opts.MaxConnections),
		tcp.WithIdleTimeout(opts.IdleTimeout),
		tcp.WithWriteTimeout(opts.WriteTimeout),
		tcp.WithShutdownTimeout(opts.ShutdownTimeout),
	)
	if err != nil {
		return nil, err
	}
	if opts.OnConnection != nil {
		srv.Use(trackConnections(opts.OnConnection))
	}
	t.srv = srv

	t.lis = opts.Listener
	if t.lis == nil {
		if t.lis, err = net.Listen("tcp", opts.Address); err != nil {
			return nil, fmt.Errorf("failed to listen on %s for %s: %w", opts.Address, opts.Name, err)
		}
	}
	return t, nil
}

func trackConnections(open func() func()) tcp.Middleware {
	return func(next tcp.Handler) tcp.Handler {
		return tcp.FuncHandler(func(ctx context.Context, conn net.Conn) {
			closed := open()
			defer closed()
			next.HandleConnection(ctx, conn)
		})
	}
}

func (t *TCPTransport) Name() string { return t.name }

func (t *TCPTransport) Addr() net.Addr { return t.lis.Addr() }

// ActiveConnections is the number of open connections.
func (t *TCPTransport) ActiveConnections() int { return t.srv.ActiveConnections() }

func (t *TCPTransport) Start(ctx context.Context) error {
	stop := context.AfterFunc(ctx, t.srv.Shutdown)
	defer stop()
	t.logger.Info("TCP transport listening", "address", t.lis.Addr().String())
	if err := t.srv.Start(t.lis); err != nil {
		return fmt.Errorf("%s: %w", t.name, err)
	}
	// Start only returns nil after Shutdown closed the listener; wait for
	// connection handlers to finish.
	t.srv.Shutdown()
	t.logger.Info("TCP transport stopped")
	return nil
}

// isClosedConn reports errors that just mean the connection went away.
func isClosedConn(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
