package server

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"

	"github.com/ChuLiYu/edge-orchestrator/internal/controller"
	"github.com/ChuLiYu/edge-orchestrator/internal/rpc"
	"github.com/ChuLiYu/edge-orchestrator/pkg/types"
)

var log = slog.Default()

// Server implements the edgeorch.v1.Orchestrator gRPC service on top of the
// controller.
type Server struct {
	controller *controller.Controller
}

// NewServer creates a new gRPC server instance.
func NewServer(ctrl *controller.Controller) *Server {
	return &Server{controller: ctrl}
}

// NewGRPCServer returns a grpc.Server with s registered and request logging
// installed.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(logUnary))
	g := grpc.NewServer(opts...)
	rpc.RegisterOrchestratorServer(g, s)
	return g
}

// RequestLease hands out work to a pulling agent.
func (s *Server) RequestLease(ctx context.Context, req *rpc.LeaseRequest) (*rpc.LeaseResponse, error) {
	grant, err := s.controller.RequestLease(ctx, req.Agent)
	if err != nil {
		return nil, err
	}
	return &rpc.LeaseResponse{Grant: grant}, nil
}

// ReportHeartbeat records an agent heartbeat.
func (s *Server) ReportHeartbeat(ctx context.Context, req *rpc.HeartbeatRequest) (*rpc.JobResponse, error) {
	job, err := s.controller.ReportHeartbeat(ctx, req.Heartbeat, req.GenerationID)
	if err != nil {
		return nil, err
	}
	return &rpc.JobResponse{Job: job}, nil
}

// GetJob returns a job document.
func (s *Server) GetJob(ctx context.Context, req *rpc.GetJobRequest) (*rpc.JobResponse, error) {
	job, err := s.controller.GetJob(ctx, req.JobID)
	if err != nil {
		return nil, err
	}
	return &rpc.JobResponse{Job: job}, nil
}

// GetPublisherStatus lists the writer groups leased to an agent.
func (s *Server) GetPublisherStatus(ctx context.Context, req *rpc.PublisherStatusRequest) (*types.PublisherStatus, error) {
	status, err := s.controller.GetPublisherStatus(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// SynchronizeWriterGroupPlacements runs one reconciliation tick.
func (s *Server) SynchronizeWriterGroupPlacements(ctx context.Context, _ *rpc.SyncRequest) (*rpc.SyncResponse, error) {
	res, err := s.controller.SynchronizeWriterGroupPlacements(ctx)
	if err != nil {
		return nil, err
	}
	return rpc.NewSyncResponse(res), nil
}

func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		log.Warn("RPC failed",
			"method", info.FullMethod,
			"duration", time.Since(start),
			"error", err)
		return resp, err
	}
	log.Debug("RPC served",
		"method", info.FullMethod,
		"duration", time.Since(start))
	return resp, nil
}
