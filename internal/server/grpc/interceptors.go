package grpcserver

import (
	"context"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/and161185/lexisync/internal/convert"
)

const healthPrefix = "/grpc.health.v1.Health/"

// LoggingUnary logs one line per call: the sync rpc, the device it came from and
// the size of what it carried. Item data never reaches the log.
// Passing health checks log at debug.
func LoggingUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		code := status.Code(err)

		fields := append([]zap.Field{
			zap.String("rpc", rpcName(info.FullMethod)),
			zap.String("code", code.String()),
			zap.Duration("dur", time.Since(start)),
			zap.String("peer", remoteIP(ctx)),
		}, requestFields(req)...)

		switch {
		case code == codes.Internal || code == codes.Unknown:
			log.Warn("grpc", append(fields, zap.Error(err))...)
		case code == codes.OK && strings.HasPrefix(info.FullMethod, healthPrefix):
			log.Debug("grpc", fields...)
		default:
			log.Info("grpc", fields...)
		}
		return resp, err
	}
}

// RecoverUnary turns a handler panic into codes.Internal and logs it with the
// device that triggered it.
func RecoverUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic", append([]zap.Field{
					zap.Any("reason", r),
					zap.ByteString("stack", debug.Stack()),
					zap.String("rpc", rpcName(info.FullMethod)),
				}, requestFields(req)...)...)
				err = status.Error(codes.Internal, "internal")
			}
		}()
		return next(ctx, req)
	}
}

// rpcName shortens methods of the sync service to their bare name.
func rpcName(fullMethod string) string {
	if name, ok := strings.CutPrefix(fullMethod, "/"+ServiceName+"/"); ok {
		return name
	}
	return fullMethod
}

func requestFields(req any) []zap.Field {
	switch r := req.(type) {
	case *convert.SyncRequest:
		return []zap.Field{
			zap.String("device", r.DeviceID),
			zap.String("entityType", r.EntityType),
			zap.Int("items", len(r.Items)),
			zap.Int("deleted", len(r.DeletedIDs)),
			zap.Bool("fullSync", r.FullSync),
		}
	case *convert.SessionRequest:
		items, deleted := 0, 0
		for _, b := range r.Batches {
			items += len(b.Items)
			deleted += len(b.DeletedIDs)
		}
		return []zap.Field{
			zap.String("device", r.DeviceID),
			zap.Int("batches", len(r.Batches)),
			zap.Int("items", items),
			zap.Int("deleted", deleted),
			zap.Bool("fullSync", r.FullSync),
		}
	case *convert.ResolveRequest:
		return []zap.Field{zap.String("device", r.DeviceID), zap.Int("resolutions", len(r.Resolutions))}
	case *convert.ListConflictsRequest:
		return []zap.Field{zap.String("device", r.DeviceID)}
	case *convert.DeviceRequest:
		return []zap.Field{zap.String("device", r.DeviceID)}
	}
	return nil
}
