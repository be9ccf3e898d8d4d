package server

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"

	"github.com/INLOpen/nexusingest/ringbuffer"
)

const (
	defaultUDPQueueSize  = 4096
	defaultMaxPacketSize = 65535
	defaultUDPWorkers    = 1
	udpReadErrorBudget   = 100
)

// PacketHandler handles one datagram. packet is owned by the handler.
type PacketHandler func(ctx context.Context, packet []byte, remote netip.AddrPort)

type UDPTransportOptions struct {
	Name    string
	Address string
	// Conn is used instead of listening on Address when set.
	Conn *net.UDPConn
	// Workers handle packets concurrently. Use one worker when packet order
	// matters to the handler.
	Workers            int
	QueueSize          int
	MaxPacketSize      int
	ReceiveBufferBytes int
	Handler            PacketHandler
	Logger             *slog.Logger
}

type datagram struct {
	data   []byte
	remote netip.AddrPort
}

// UDPTransport reads datagrams and dispatches them to a worker pool through
// a ring. The socket is never blocked by slow handlers: when the ring is
// full the datagram is dropped and counted.
type UDPTransport struct {
	opts   UDPTransportOptions
	conn   *net.UDPConn
	ring   *ringbuffer.Ring[datagram]
	pool   *ringbuffer.WorkerPool[datagram]
	logger *slog.Logger

	Received   *expvar.Int
	Dropped    *expvar.Int
	ReadErrors *expvar.Int
}

func NewUDPTransport(opts UDPTransportOptions) (*UDPTransport, error) {
	if opts.Handler == nil {
		return nil, errors.New("udp transport requires a handler")
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultUDPWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultUDPQueueSize
	}
	if opts.MaxPacketSize <= 0 {
		opts.MaxPacketSize = defaultMaxPacketSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger := opts.Logger.With("component", "UDPTransport", "input", opts.Name)

	ring, err := ringbuffer.New[datagram](opts.QueueSize, ringbuffer.NewBlockingWait())
	if err != nil {
		return nil, err
	}
	t := &UDPTransport{
		opts:       opts,
		ring:       ring,
		logger:     logger,
		Received:   new(expvar.Int),
		Dropped:    new(expvar.Int),
		ReadErrors: new(expvar.Int),
	}
	t.pool, err = ringbuffer.NewWorkerPool(ring, opts.Workers, t.handle, opts.Logger)
	if err != nil {
		return nil, err
	}

	t.conn = opts.Conn
	if t.conn == nil {
		addr, err := net.ResolveUDPAddr("udp", opts.Address)
		if err != nil {
			return nil, fmt.Errorf("invalid udp address %q for %s: %w", opts.Address, opts.Name, err)
		}
		if t.conn, err = net.ListenUDP("udp", addr); err != nil {
			return nil, fmt.Errorf("failed to listen on %s for %s: %w", opts.Address, opts.Name, err)
		}
	}
	if opts.ReceiveBufferBytes > 0 {
		if err := t.conn.SetReadBuffer(opts.ReceiveBufferBytes); err != nil {
			logger.Warn("Failed to set socket receive buffer", "bytes", opts.ReceiveBufferBytes, "error", err)
		}
	}
	return t, nil
}

func (t *UDPTransport) handle(ctx context.Context, d datagram) {
	t.opts.Handler(ctx, d.data, d.remote)
}

func (t *UDPTransport) Name() string { return t.opts.Name }

func (t *UDPTransport) Addr() net.Addr { return t.conn.LocalAddr() }

// Start reads until ctx is done, then lets the workers drain what was
// already queued.
func (t *UDPTransport) Start(ctx context.Context) error {
	// Handlers get a context that outlives the read loop so queued packets
	// are still handled during shutdown.
	t.pool.Start(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() { t.conn.Close() })
	defer stop()
	defer func() {
		t.ring.Close()
		t.pool.Wait()
		t.logger.Info("UDP transport stopped", "received", t.Received.Value(), "dropped", t.Dropped.Value())
	}()

	t.logger.Info("UDP transport listening", "address", t.conn.LocalAddr().String(), "workers", t.opts.Workers)
	buf := make([]byte, t.opts.MaxPacketSize)
	consecutive := 0
	for {
		n, remote, err := t.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			t.ReadErrors.Add(1)
			consecutive++
			if consecutive >= udpReadErrorBudget {
				return fmt.Errorf("%s: udp read failed %d times in a row: %w", t.opts.Name, consecutive, err)
			}
			t.logger.Warn("UDP read failed", "error", err)
			continue
		}
		consecutive = 0
		if n == 0 {
			continue
		}
		t.Received.Add(1)
		packet := make([]byte, n)
		copy(packet, buf[:n])
		if !t.ring.TryPublish(datagram{data: packet, remote: remote}) {
			t.Dropped.Add(1)
		}
	}
}

func (t *UDPTransport) Vars() *expvar.Map {
	m := new(expvar.Map).Init()
	m.Set("received", t.Received)
	m.Set("dropped", t.Dropped)
	m.Set("read_errors", t.ReadErrors)
	m.Set("queued", expvar.Func(func() any { return t.ring.Len() }))
	return m
}
