package grpcserver

import (
	"context"

	"google.golang.org/grpc"

	"github.com/and161185/lexisync/internal/convert"
	"github.com/and161185/lexisync/internal/model"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "lexisync.v1.Sync"

// SyncServer is the server API of lexisync.v1.Sync.
type SyncServer interface {
	SyncEntity(context.Context, *convert.SyncRequest) (*convert.SyncResponse, error)
	Sync(context.Context, *convert.SessionRequest) (*convert.SessionResponse, error)
	ResolveConflicts(context.Context, *convert.ResolveRequest) (*convert.ResolveResponse, error)
	ListConflicts(context.Context, *convert.ListConflictsRequest) (*convert.ConflictsResponse, error)
	Info(context.Context, *convert.DeviceRequest) (*model.SyncInfo, error)
	Reset(context.Context, *convert.DeviceRequest) (*convert.Empty, error)
}

// SyncServiceDesc describes lexisync.v1.Sync for grpc.Server.RegisterService.
var SyncServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SyncServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SyncEntity", SyncServer.SyncEntity),
		unary("Sync", SyncServer.Sync),
		unary("ResolveConflicts", SyncServer.ResolveConflicts),
		unary("ListConflicts", SyncServer.ListConflicts),
		unary("Info", SyncServer.Info),
		unary("Reset", SyncServer.Reset),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "lexisync/v1/sync",
}

// RegisterSyncServer registers srv on s.
func RegisterSyncServer(s grpc.ServiceRegistrar, srv SyncServer) {
	s.RegisterService(&SyncServiceDesc, srv)
}

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

func unary[Req, Resp any](name string, call func(SyncServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, ic grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if ic == nil {
				return call(srv.(SyncServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return ic(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(SyncServer), ctx, req.(*Req))
			})
		},
	}
}

// Client calls lexisync.v1.Sync over the JSON codec.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

func invoke[Resp any](ctx context.Context, c *Client, name string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, fullMethod(name), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SyncEntity(ctx context.Context, in *convert.SyncRequest, opts ...grpc.CallOption) (*convert.SyncResponse, error) {
	return invoke[convert.SyncResponse](ctx, c, "SyncEntity", in, opts)
}

func (c *Client) Sync(ctx context.Context, in *convert.SessionRequest, opts ...grpc.CallOption) (*convert.SessionResponse, error) {
	return invoke[convert.SessionResponse](ctx, c, "Sync", in, opts)
}

func (c *Client) ResolveConflicts(ctx context.Context, in *convert.ResolveRequest, opts ...grpc.CallOption) (*convert.ResolveResponse, error) {
	return invoke[convert.ResolveResponse](ctx, c, "ResolveConflicts", in, opts)
}

func (c *Client) ListConflicts(ctx context.Context, in *convert.ListConflictsRequest, opts ...grpc.CallOption) (*convert.ConflictsResponse, error) {
	return invoke[convert.ConflictsResponse](ctx, c, "ListConflicts", in, opts)
}

func (c *Client) Info(ctx context.Context, in *convert.DeviceRequest, opts ...grpc.CallOption) (*model.SyncInfo, error) {
	return invoke[model.SyncInfo](ctx, c, "Info", in, opts)
}

func (c *Client) Reset(ctx context.Context, in *convert.DeviceRequest, opts ...grpc.CallOption) (*convert.Empty, error) {
	return invoke[convert.Empty](ctx, c, "Reset", in, opts)
}
