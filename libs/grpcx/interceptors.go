package grpcx

import (
	"context"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/activitybus/libs/httpx"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Metadata keys mirror the HTTP headers so ids survive a hop between transports.
const (
	RequestIDMetadataKey     = "x-request-id"
	CorrelationIDMetadataKey = "x-correlation-id"
)

func firstValue(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// UnaryServerRequestIDInterceptor puts the inbound request and correlation ids
// into the same context scope httpx uses, minting a request id if absent.
func UnaryServerRequestIDInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		id := httpx.InboundID(firstValue(md, RequestIDMetadataKey))
		_ = grpc.SetHeader(ctx, metadata.Pairs(RequestIDMetadataKey, id))

		ctx = httpx.ContextWithRequestID(ctx, id)
		ctx = httpx.ContextWithCorrelationID(ctx, firstValue(md, CorrelationIDMetadataKey))
		return handler(ctx, req)
	}
}

// UnaryServerLoggingInterceptor logs every call at debug and failures other
// than client errors at warn.
func UnaryServerLoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		level := slog.LevelDebug
		switch code {
		case codes.OK, codes.Canceled, codes.InvalidArgument, codes.NotFound, codes.Unauthenticated, codes.PermissionDenied:
		default:
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "grpc request",
			"request_id", httpx.RequestIDFromContext(ctx),
			"correlation_id", httpx.CorrelationIDFromContext(ctx),
			"method", info.FullMethod,
			"code", code.String(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return resp, err
	}
}
