package testutil

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

const (
	grpcPipeBufferSize = 256 * 1024
	// grpcPipeTarget is only ever resolved by the context dialer.
	grpcPipeTarget = "passthrough:///nexusingest-health"
)

// NewGRPCPipe returns an in-memory listener for a gRPC server under test and
// a plaintext client connection to it. Extra dial options are applied after
// the defaults. Both ends are closed when the test ends; register the
// server's Stop afterwards so it runs first.
func NewGRPCPipe(t *testing.T, opts ...grpc.DialOption) (*bufconn.Listener, *grpc.ClientConn) {
	t.Helper()
	lis := bufconn.Listen(grpcPipeBufferSize)
	dial := func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }
	opts = append([]grpc.DialOption{
		grpc.WithContextDialer(dial),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)
	conn, err := grpc.NewClient(grpcPipeTarget, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		lis.Close()
	})
	return lis, conn
}
