// Package grpcserver exposes the lexisync sync API over gRPC with a JSON codec.
package grpcserver

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/and161185/lexisync/internal/auth"
	"github.com/and161185/lexisync/internal/convert"
	"github.com/and161185/lexisync/internal/errs"
	"github.com/and161185/lexisync/internal/model"
	"github.com/and161185/lexisync/internal/service"
)

// Server wires services into gRPC handlers.
type Server struct {
	sync      service.Syncer
	conflicts service.ConflictResolver
	signKey   []byte
	log       *zap.Logger
}

var _ SyncServer = (*Server)(nil)

// New constructs a gRPC server with injected services.
func New(sync service.Syncer, conflicts service.ConflictResolver, signKey []byte, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{sync: sync, conflicts: conflicts, signKey: signKey, log: log}
}

// SyncEntity pushes and pulls one entity type.
func (s *Server) SyncEntity(ctx context.Context, req *convert.SyncRequest) (*convert.SyncResponse, error) {
	userID, err := s.userIDFromCtx(ctx)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "no auth")
	}
	br, err := convert.ToBatchRequest(userID, "", *req)
	if err != nil {
		return nil, s.toStatus(err)
	}
	res, err := s.sync.SyncOne(ctx, br)
	if err != nil {
		return nil, s.toStatus(err)
	}
	out := convert.FromBatchResult(res)
	return &out, nil
}

// Sync runs a full session for a device.
func (s *Server) Sync(ctx context.Context, req *convert.SessionRequest) (*convert.SessionResponse, error) {
	userID, err := s.userIDFromCtx(ctx)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "no auth")
	}
	sr, err := convert.ToSessionRequest(userID, *req)
	if err != nil {
		return nil, s.toStatus(err)
	}
	res, err := s.sync.Sync(ctx, sr)
	if err != nil {
		return nil, s.toStatus(err)
	}
	out := convert.FromSessionResult(res)
	return &out, nil
}

func (s *Server) ResolveConflicts(ctx context.Context, req *convert.ResolveRequest) (*convert.ResolveResponse, error) {
	userID, err := s.userIDFromCtx(ctx)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "no auth")
	}
	rs, err := convert.ToResolutions(*req)
	if err != nil {
		return nil, s.toStatus(err)
	}
	res, err := s.conflicts.Resolve(ctx, userID, req.DeviceID, rs)
	if err != nil {
		return nil, s.toStatus(err)
	}
	out := convert.FromResolutionResults(res)
	return &out, nil
}

func (s *Server) ListConflicts(ctx context.Context, req *convert.ListConflictsRequest) (*convert.ConflictsResponse, error) {
	userID, err := s.userIDFromCtx(ctx)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "no auth")
	}
	cs, err := s.conflicts.List(ctx, userID, !req.IncludeResolved)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &convert.ConflictsResponse{Conflicts: convert.FromConflicts(convert.ForDevice(cs, req.DeviceID))}, nil
}

func (s *Server) Info(ctx context.Context, req *convert.DeviceRequest) (*model.SyncInfo, error) {
	userID, err := s.userIDFromCtx(ctx)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "no auth")
	}
	info, err := s.sync.Info(ctx, userID, req.DeviceID)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &info, nil
}

// Reset forces the next session of a device to be a full sync.
func (s *Server) Reset(ctx context.Context, req *convert.DeviceRequest) (*convert.Empty, error) {
	userID, err := s.userIDFromCtx(ctx)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "no auth")
	}
	if err := s.sync.Reset(ctx, userID, req.DeviceID); err != nil {
		return nil, s.toStatus(err)
	}
	return &convert.Empty{}, nil
}

// toStatus maps service sentinels to gRPC codes. Storage details stay server-side.
func (s *Server) toStatus(err error) error {
	switch {
	case errors.Is(err, errs.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, errs.ErrValidation), errors.Is(err, errs.ErrUnknownEntity):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, errs.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, errs.ErrVersionConflict):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, errs.ErrPolicy), errors.Is(err, errs.ErrScheduling):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	default:
		s.log.Error("sync call failed", zap.Error(err))
		return status.Error(codes.Internal, "internal")
	}
}

// userIDFromCtx: extract "authorization: Bearer <JWT>", verify it, return sub as UUID.
func (s *Server) userIDFromCtx(ctx context.Context) (uuid.UUID, error) {
	tok, err := bearerTokenFromMD(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	return auth.Verify(s.signKey, tok)
}

func bearerTokenFromMD(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("no metadata")
	}
	for _, v := range md.Get("authorization") {
		if t, ok := auth.BearerToken(v); ok {
			return t, nil
		}
	}
	return "", errors.New("no bearer token")
}

func remoteIP(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return ""
}
