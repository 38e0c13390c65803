package grpc

import (
	"context"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/outcome"
	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/safety"
)

// Service is the subset of *safety.Service exposed over gRPC.
type Service interface {
	SubmitScan(ctx context.Context, req safety.ScanRequest) (safety.ScanResult, error)
	AdvanceLeg(ctx context.Context, req safety.LegRequest) (safety.LegResult, error)
	RaiseEmergency(ctx context.Context, req safety.RaiseRequest) (safety.RaiseResult, error)
	RespondToIncident(ctx context.Context, req safety.ResponseRequest) (safety.ResponseResult, error)
}

type Server struct {
	svc    Service
	logger *slog.Logger
}

func NewServer(svc Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{svc: svc, logger: logger}
}

// SubmitScan reports scan rejections in the result's errorKind, like the
// HTTP surface does. Only system failures become a status error.
func (s *Server) SubmitScan(ctx context.Context, req *safety.ScanRequest) (*safety.ScanResult, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, outcome.CodeInvalidRequest)
	}
	res, err := s.svc.SubmitScan(ctx, *req)
	if err != nil && outcome.KindOf(err) == outcome.KindSystem {
		return nil, toStatus(err)
	}
	return &res, nil
}

func (s *Server) AdvanceLeg(ctx context.Context, req *safety.LegRequest) (*safety.LegResult, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, outcome.CodeInvalidRequest)
	}
	res, err := s.svc.AdvanceLeg(ctx, *req)
	if err != nil {
		return nil, toStatus(err)
	}
	return &res, nil
}

func (s *Server) RaiseEmergency(ctx context.Context, req *safety.RaiseRequest) (*safety.RaiseResult, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, outcome.CodeInvalidRequest)
	}
	res, err := s.svc.RaiseEmergency(ctx, *req)
	if err != nil {
		return nil, toStatus(err)
	}
	return &res, nil
}

func (s *Server) RespondToIncident(ctx context.Context, req *safety.ResponseRequest) (*safety.ResponseResult, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, outcome.CodeInvalidRequest)
	}
	in := *req
	in.RespondedBy = actorFromContext(ctx)
	res, err := s.svc.RespondToIncident(ctx, in)
	if err != nil {
		return nil, toStatus(err)
	}
	s.logger.Debug("grpc incident response", "incident_id", in.IncidentID, "actor", in.RespondedBy, "status", res.Status)
	return &res, nil
}

// toStatus keeps the outcome code as the status message so callers can
// switch on it.
func toStatus(err error) error {
	oe := outcome.From(err)
	switch oe.Kind {
	case outcome.KindValidation:
		return status.Error(codes.InvalidArgument, oe.Code)
	case outcome.KindNotFound:
		return status.Error(codes.NotFound, oe.Code)
	case outcome.KindConflict:
		if oe.Code == outcome.CodeDuplicateScan {
			return status.Error(codes.AlreadyExists, oe.Code)
		}
		return status.Error(codes.FailedPrecondition, oe.Code)
	default:
		return status.Error(codes.Internal, outcome.CodeSystemError)
	}
}
