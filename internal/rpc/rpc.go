// ============================================================================
// Orchestrator RPC Contract
// ============================================================================
//
// Package: internal/rpc
// File: rpc.go
// Purpose: The edgeorch.v1.Orchestrator gRPC service shared by the master
//          and edge agents.
//
// Wire format:
//   Every request and response travels as a google.protobuf.Struct holding
//   the JSON form of the message types below. The service descriptor is
//   declared here directly, so no generated stubs are needed.
//
// Methods:
//   RequestLease                      agent asks what it should run
//   ReportHeartbeat                   agent reports status of one job
//   GetJob                            agent refreshes a job after a conflict
//   GetPublisherStatus                diagnostics
//   SynchronizeWriterGroupPlacements  one reconciliation tick
//
// ============================================================================

package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/edge-orchestrator/internal/placement"
	"github.com/ChuLiYu/edge-orchestrator/pkg/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "edgeorch.v1.Orchestrator"

const (
	MethodRequestLease       = "RequestLease"
	MethodReportHeartbeat    = "ReportHeartbeat"
	MethodGetJob             = "GetJob"
	MethodGetPublisherStatus = "GetPublisherStatus"
	MethodSynchronize        = "SynchronizeWriterGroupPlacements"
)

// FullMethod returns "/<service>/<method>".
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// ============================================================================
// Messages
// ============================================================================

// LeaseRequest carries the requesting agent and its capabilities.
type LeaseRequest struct {
	Agent types.Agent `json:"agent"`
}

// LeaseResponse holds the grant, or nothing when there is no work.
type LeaseResponse struct {
	Grant *types.LeaseGrant `json:"grant,omitempty"`
}

// HeartbeatRequest is one heartbeat with the generation the agent observed.
type HeartbeatRequest struct {
	Heartbeat    types.Heartbeat    `json:"heartbeat"`
	GenerationID types.GenerationID `json:"generation_id"`
}

// JobResponse holds a job document.
type JobResponse struct {
	Job types.Job `json:"job"`
}

// GetJobRequest names a job.
type GetJobRequest struct {
	JobID string `json:"job_id"`
}

// PublisherStatusRequest names an agent.
type PublisherStatusRequest struct {
	AgentID string `json:"agent_id"`
}

// SyncRequest triggers one reconciliation.
type SyncRequest struct{}

// SyncResponse summarizes the reconciliation.
type SyncResponse struct {
	Created    []string          `json:"created,omitempty"`
	Updated    []string          `json:"updated,omitempty"`
	Deleted    []string          `json:"deleted,omitempty"`
	Evicted    int               `json:"evicted"`
	Rebalanced int               `json:"rebalanced"`
	Failed     map[string]string `json:"failed,omitempty"`
}

// NewSyncResponse converts a tick result.
func NewSyncResponse(res placement.TickResult) *SyncResponse {
	out := &SyncResponse{
		Created:    res.Created,
		Updated:    res.Updated,
		Deleted:    res.Deleted,
		Evicted:    res.Evicted,
		Rebalanced: res.Rebalance,
	}
	if len(res.Failed) > 0 {
		out.Failed = make(map[string]string, len(res.Failed))
		for id, err := range res.Failed {
			out.Failed[id] = err.Error()
		}
	}
	return out
}

// ============================================================================
// JSON <-> Struct bridging
// ============================================================================

// ToStruct encodes v through its JSON form.
func ToStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%T is not a JSON object: %w", v, err)
	}
	return structpb.NewStruct(m)
}

// FromStruct decodes s into v through its JSON form.
func FromStruct(s *structpb.Struct, v any) error {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("failed to marshal struct: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode %T: %w", v, err)
	}
	return nil
}

// ============================================================================
// Service descriptor
// ============================================================================

// OrchestratorServer is implemented by the master.
type OrchestratorServer interface {
	RequestLease(context.Context, *LeaseRequest) (*LeaseResponse, error)
	ReportHeartbeat(context.Context, *HeartbeatRequest) (*JobResponse, error)
	GetJob(context.Context, *GetJobRequest) (*JobResponse, error)
	GetPublisherStatus(context.Context, *PublisherStatusRequest) (*types.PublisherStatus, error)
	SynchronizeWriterGroupPlacements(context.Context, *SyncRequest) (*SyncResponse, error)
}

// ServiceDesc describes edgeorch.v1.Orchestrator.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OrchestratorServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodRequestLease, OrchestratorServer.RequestLease),
		unary(MethodReportHeartbeat, OrchestratorServer.ReportHeartbeat),
		unary(MethodGetJob, OrchestratorServer.GetJob),
		unary(MethodGetPublisherStatus, OrchestratorServer.GetPublisherStatus),
		unary(MethodSynchronize, OrchestratorServer.SynchronizeWriterGroupPlacements),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "edgeorch/v1/orchestrator",
}

// RegisterOrchestratorServer registers srv on s.
func RegisterOrchestratorServer(s grpc.ServiceRegistrar, srv OrchestratorServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// unary adapts a typed method to a grpc.MethodDesc. Errors returned by call
// are mapped to gRPC status codes.
func unary[Req, Resp any](name string, call func(OrchestratorServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}

			handle := func(ctx context.Context, req any) (any, error) {
				msg := new(Req)
				if err := FromStruct(req.(*structpb.Struct), msg); err != nil {
					return nil, ToStatus(fmt.Errorf("%w: %v", types.ErrValidation, err))
				}
				resp, err := call(srv.(OrchestratorServer), ctx, msg)
				if err != nil {
					return nil, ToStatus(err)
				}
				out, err := ToStruct(resp)
				if err != nil {
					return nil, ToStatus(err)
				}
				return out, nil
			}

			if interceptor == nil {
				return handle(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, handle)
		},
	}
}
