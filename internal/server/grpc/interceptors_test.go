package grpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/and161185/lexisync/internal/convert"
)

type fakeAddr struct{}

func (fakeAddr) Network() string { return "tcp" }
func (fakeAddr) String() string  { return "127.0.0.1:12345" }

func observed(level zapcore.Level) (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return zap.New(core), logs
}

func TestLoggingUnary_SyncEntityFields(t *testing.T) {
	t.Parallel()

	log, logs := observed(zap.DebugLevel)
	ic := LoggingUnary(log)
	ctx := peer.NewContext(context.Background(), &peer.Peer{Addr: fakeAddr{}})
	req := &convert.SyncRequest{
		EntityType: "vocabulary",
		DeviceID:   "phone",
		Items:      []json.RawMessage{json.RawMessage(`{"data":{"term":"秘密"}}`), json.RawMessage(`{}`)},
		DeletedIDs: []int64{4},
	}
	info := &grpc.UnaryServerInfo{FullMethod: fullMethod("SyncEntity")}

	resp, err := ic(ctx, req, info, func(context.Context, any) (any, error) { return "ok", nil })
	require.NoError(t, err)
	require.Equal(t, "ok", resp)

	require.Equal(t, 1, logs.Len())
	e := logs.All()[0]
	require.Equal(t, zap.InfoLevel, e.Level)
	f := e.ContextMap()
	require.Equal(t, "SyncEntity", f["rpc"])
	require.Equal(t, "OK", f["code"])
	require.Equal(t, "127.0.0.1:12345", f["peer"])
	require.Equal(t, "phone", f["device"])
	require.Equal(t, "vocabulary", f["entityType"])
	require.EqualValues(t, 2, f["items"])
	require.EqualValues(t, 1, f["deleted"])
	for k, v := range f {
		if s, ok := v.(string); ok {
			require.NotContains(t, s, "秘密", "field %s leaks item data", k)
		}
	}
}

func TestLoggingUnary_SessionCounts(t *testing.T) {
	t.Parallel()

	log, logs := observed(zap.InfoLevel)
	req := &convert.SessionRequest{DeviceID: "tablet", Batches: map[string]convert.EntityBatch{
		"kanji":    {Items: []json.RawMessage{json.RawMessage(`{}`)}},
		"category": {Items: []json.RawMessage{json.RawMessage(`{}`), json.RawMessage(`{}`)}, DeletedIDs: []int64{1, 2, 3}},
	}}
	_, err := LoggingUnary(log)(context.Background(), req, &grpc.UnaryServerInfo{FullMethod: fullMethod("Sync")},
		func(context.Context, any) (any, error) { return nil, status.Error(codes.InvalidArgument, "bad") })
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	f := logs.All()[0].ContextMap()
	require.Equal(t, "InvalidArgument", f["code"])
	require.Equal(t, "tablet", f["device"])
	require.EqualValues(t, 2, f["batches"])
	require.EqualValues(t, 3, f["items"])
	require.EqualValues(t, 3, f["deleted"])
}

func TestLoggingUnary_InternalIsWarned(t *testing.T) {
	t.Parallel()

	log, logs := observed(zap.InfoLevel)
	boom := status.Error(codes.Internal, "internal")
	_, err := LoggingUnary(log)(context.Background(), &convert.DeviceRequest{DeviceID: "phone"},
		&grpc.UnaryServerInfo{FullMethod: fullMethod("Reset")},
		func(context.Context, any) (any, error) { return nil, boom })
	require.ErrorIs(t, err, boom)

	e := logs.All()[0]
	require.Equal(t, zap.WarnLevel, e.Level)
	require.Equal(t, "Reset", e.ContextMap()["rpc"])
	require.Equal(t, "phone", e.ContextMap()["device"])
}

func TestLoggingUnary_HealthChecksStayQuiet(t *testing.T) {
	t.Parallel()

	log, logs := observed(zap.InfoLevel)
	ic := LoggingUnary(log)
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	_, err := ic(context.Background(), nil, info, func(context.Context, any) (any, error) { return "serving", nil })
	require.NoError(t, err)
	require.Zero(t, logs.Len(), "a passing health check logs below info")

	_, err = ic(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return nil, status.Error(codes.NotFound, "unknown service")
	})
	require.Error(t, err)
	require.Equal(t, 1, logs.Len())
	require.Equal(t, "/grpc.health.v1.Health/Check", logs.All()[0].ContextMap()["rpc"])
}

func TestLoggingUnary_PassesErrorsThrough(t *testing.T) {
	t.Parallel()

	log, _ := observed(zap.InfoLevel)
	want := errors.New("boom")
	_, err := LoggingUnary(log)(context.Background(), &convert.ListConflictsRequest{}, &grpc.UnaryServerInfo{FullMethod: fullMethod("ListConflicts")},
		func(context.Context, any) (any, error) { return nil, want })
	require.ErrorIs(t, err, want)
}

func TestRecoverUnary_CatchesPanic(t *testing.T) {
	t.Parallel()

	log, logs := observed(zap.InfoLevel)
	req := &convert.ResolveRequest{DeviceID: "laptop", Resolutions: []convert.Resolution{{EntityType: "grammar", EntityID: 3}}}

	_, err := RecoverUnary(log)(context.Background(), req, &grpc.UnaryServerInfo{FullMethod: fullMethod("ResolveConflicts")},
		func(context.Context, any) (any, error) { panic("nil map") })
	require.Equal(t, codes.Internal, status.Code(err))

	require.Equal(t, 1, logs.Len())
	e := logs.All()[0]
	require.Equal(t, zap.ErrorLevel, e.Level)
	f := e.ContextMap()
	require.Equal(t, "nil map", f["reason"])
	require.Equal(t, "ResolveConflicts", f["rpc"])
	require.Equal(t, "laptop", f["device"])
	require.EqualValues(t, 1, f["resolutions"])
}

func TestRecoverUnary_NoPanicPassThrough(t *testing.T) {
	t.Parallel()

	log, logs := observed(zap.DebugLevel)
	resp, err := RecoverUnary(log)(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: fullMethod("Info")},
		func(context.Context, any) (any, error) { return 42, nil })
	require.NoError(t, err)
	require.Equal(t, 42, resp)
	require.Zero(t, logs.Len())
}

func TestRPCName(t *testing.T) {
	require.Equal(t, "Sync", rpcName("/lexisync.v1.Sync/Sync"))
	require.Equal(t, "/grpc.health.v1.Health/Watch", rpcName("/grpc.health.v1.Health/Watch"))
}
