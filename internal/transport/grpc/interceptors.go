package grpc

import (
	"context"
	"path"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/clippy-oss/homie/craftworks-chat/internal/metrics"
)

func LoggingInterceptor(log zerolog.Logger, m *metrics.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		duration := time.Since(start)

		code := status.Code(err)
		m.ObserveRPC(path.Base(info.FullMethod), code.String())
		log.Debug().
			Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("duration", duration).
			Msg("gRPC call")
		return resp, err
	}
}

func RecoveryInterceptor(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Str("method", info.FullMethod).
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("Panic recovered")
				err = status.Errorf(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

func StreamLoggingInterceptor(log zerolog.Logger, m *metrics.Metrics) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		duration := time.Since(start)

		code := status.Code(err)
		m.ObserveRPC(path.Base(info.FullMethod), code.String())
		log.Debug().
			Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("duration", duration).
			Msg("gRPC stream closed")
		return err
	}
}

func StreamRecoveryInterceptor(log zerolog.Logger) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Str("method", info.FullMethod).
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("Panic recovered in stream")
				err = status.Errorf(codes.Internal, "internal server error")
			}
		}()
		return handler(srv, ss)
	}
}
