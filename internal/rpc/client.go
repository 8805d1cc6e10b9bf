package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/edge-orchestrator/pkg/types"
)

// Client calls a remote orchestrator. Errors carry the orchestrator error
// taxonomy (types.ErrNotFound, types.ErrConcurrencyConflict, ...).
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient returns a client over an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	in, err := ToStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), in, out); err != nil {
		return FromStatus(err)
	}
	return FromStruct(out, resp)
}

// RequestLease asks for work on behalf of agent. A nil grant means none.
func (c *Client) RequestLease(ctx context.Context, agent types.Agent) (*types.LeaseGrant, error) {
	var resp LeaseResponse
	if err := c.invoke(ctx, MethodRequestLease, &LeaseRequest{Agent: agent}, &resp); err != nil {
		return nil, err
	}
	return resp.Grant, nil
}

// ReportHeartbeat sends one heartbeat.
func (c *Client) ReportHeartbeat(ctx context.Context, hb types.Heartbeat, expected types.GenerationID) (types.Job, error) {
	var resp JobResponse
	if err := c.invoke(ctx, MethodReportHeartbeat, &HeartbeatRequest{Heartbeat: hb, GenerationID: expected}, &resp); err != nil {
		return types.Job{}, err
	}
	return resp.Job, nil
}

// GetJob fetches a job document.
func (c *Client) GetJob(ctx context.Context, id string) (types.Job, error) {
	var resp JobResponse
	if err := c.invoke(ctx, MethodGetJob, &GetJobRequest{JobID: id}, &resp); err != nil {
		return types.Job{}, err
	}
	return resp.Job, nil
}

// GetPublisherStatus fetches the placements leased to agentID.
func (c *Client) GetPublisherStatus(ctx context.Context, agentID string) (types.PublisherStatus, error) {
	var resp types.PublisherStatus
	if err := c.invoke(ctx, MethodGetPublisherStatus, &PublisherStatusRequest{AgentID: agentID}, &resp); err != nil {
		return types.PublisherStatus{}, err
	}
	return resp, nil
}

// SynchronizeWriterGroupPlacements runs one reconciliation tick remotely.
func (c *Client) SynchronizeWriterGroupPlacements(ctx context.Context) (*SyncResponse, error) {
	var resp SyncResponse
	if err := c.invoke(ctx, MethodSynchronize, &SyncRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
