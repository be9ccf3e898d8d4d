package tcp

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, h Handler, opts ...Option) (*TCPServer, string) {
	t.Helper()
	s, err := NewTCPServer(h, opts...)
	require.NoError(t, err)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- s.Start(lis) }()
	t.Cleanup(func() {
		s.Shutdown()
		assert.NoError(t, <-done)
	})
	return s, lis.Addr().String()
}

func echoHandler() Handler {
	return FuncHandler(func(ctx context.Context, conn net.Conn) {
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadBytes('\n')
			if err != nil {
				return
			}
			if _, err := conn.Write(line); err != nil {
				return
			}
		}
	})
}

func TestNewTCPServer_RequiresHandler(t *testing.T) {
	_, err := NewTCPServer(nil)
	assert.Error(t, err)
}

func TestTCPServer_MiddlewareOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next Handler) Handler {
			return FuncHandler(func(ctx context.Context, conn net.Conn) {
				order = append(order, name)
				next.HandleConnection(ctx, conn)
			})
		}
	}
	handled := make(chan struct{})
	s, err := NewTCPServer(FuncHandler(func(ctx context.Context, conn net.Conn) {
		order = append(order, "handler")
		close(handled)
	}))
	require.NoError(t, err)
	s.Use(tag("outer"), tag("inner"))
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.Start(lis)
	defer s.Shutdown()

	conn, err := net.Dial("tcp", lis.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	select {
	case <-handled:
	case <-time.After(5 * time.Second):
		t.Fatal("handler not called")
	}
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestTCPServer_Echo(t *testing.T) {
	_, addr := startServer(t, echoHandler())
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping\n"))
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ping\n", line)
}

func TestTCPServer_MaxConnections(t *testing.T) {
	s, addr := startServer(t, echoHandler(), WithMaxConnections(1))

	first, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer first.Close()
	require.Eventually(t, func() bool { return s.ActiveConnections() == 1 }, 5*time.Second, 5*time.Millisecond)

	second, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = second.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF, "the server closes connections over the limit")
}

func TestTCPServer_IdleTimeoutClosesConnection(t *testing.T) {
	s, addr := startServer(t, echoHandler(), WithIdleTimeout(50*time.Millisecond))
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.ActiveConnections() == 1 }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.ActiveConnections() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestTCPServer_ShutdownUnblocksReaders(t *testing.T) {
	var returned atomic.Bool
	s, err := NewTCPServer(FuncHandler(func(ctx context.Context, conn net.Conn) {
		defer returned.Store(true)
		buf := make([]byte, 16)
		for ctx.Err() == nil {
			if _, err := conn.Read(buf); err != nil && ctx.Err() != nil {
				return
			}
		}
	}), WithShutdownTimeout(5*time.Second))
	require.NoError(t, err)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- s.Start(lis) }()

	conn, err := net.Dial("tcp", lis.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.ActiveConnections() == 1 }, 5*time.Second, 5*time.Millisecond)

	start := time.Now()
	s.Shutdown()
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, returned.Load())
	assert.NoError(t, <-done)
}

func TestTCPServer_ShutdownBeforeStart(t *testing.T) {
	s, err := NewTCPServer(echoHandler())
	require.NoError(t, err)
	s.Shutdown()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.NoError(t, s.Start(lis))
}
