package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

type requestIDKey struct{}

// RequestIDFromContext returns the id the logging interceptor assigned to
// the call, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// LoggingInterceptor tags every gRPC call with a request id and logs its
// outcome.
type LoggingInterceptor struct {
	logger *slog.Logger
}

func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	return &LoggingInterceptor{logger: logger.With("component", "GRPCInterceptor")}
}

// Unary returns a gRPC unary server interceptor.
func (i *LoggingInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx = context.WithValue(ctx, requestIDKey{}, uuid.NewString())
		start := time.Now()
		resp, err := handler(ctx, req)
		i.log(ctx, info.FullMethod, start, err)
		return resp, err
	}
}

// Stream returns a gRPC stream server interceptor.
func (i *LoggingInterceptor) Stream() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := context.WithValue(ss.Context(), requestIDKey{}, uuid.NewString())
		start := time.Now()
		err := handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
		i.log(ctx, info.FullMethod, start, err)
		return err
	}
}

func (i *LoggingInterceptor) log(ctx context.Context, method string, start time.Time, err error) {
	code := status.Code(err)
	attrs := []any{
		"method", method,
		"request_id", RequestIDFromContext(ctx),
		"code", code.String(),
		"duration", time.Since(start),
	}
	if err != nil {
		i.logger.Warn("gRPC call failed", append(attrs, "error", err)...)
		return
	}
	i.logger.Debug("gRPC call", attrs...)
}

// wrappedServerStream is a helper struct to wrap a grpc.ServerStream
// and overwrite its Context() method.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context.
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
