package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/edge-orchestrator/internal/placement"
	"github.com/ChuLiYu/edge-orchestrator/pkg/types"
)

// stubServer answers from fixed values and records what it received.
type stubServer struct {
	grant    *types.LeaseGrant
	lastHB   *HeartbeatRequest
	jobErr   error
	syncErr  error
	seenSite string
}

func (s *stubServer) RequestLease(ctx context.Context, req *LeaseRequest) (*LeaseResponse, error) {
	s.seenSite = req.Agent.Capabilities["site"]
	return &LeaseResponse{Grant: s.grant}, nil
}

func (s *stubServer) ReportHeartbeat(ctx context.Context, req *HeartbeatRequest) (*JobResponse, error) {
	s.lastHB = req
	if req.GenerationID != "gen-1" {
		return nil, fmt.Errorf("stale generation: %w", types.ErrConcurrencyConflict)
	}
	return &JobResponse{Job: types.Job{ID: req.Heartbeat.JobID, GenerationID: "gen-2"}}, nil
}

func (s *stubServer) GetJob(ctx context.Context, req *GetJobRequest) (*JobResponse, error) {
	if s.jobErr != nil {
		return nil, s.jobErr
	}
	return &JobResponse{Job: types.Job{ID: req.JobID}}, nil
}

func (s *stubServer) GetPublisherStatus(ctx context.Context, req *PublisherStatusRequest) (*types.PublisherStatus, error) {
	return &types.PublisherStatus{
		AgentID:  req.AgentID,
		Entities: []types.EntityStatus{{ID: "wg-1", ActivationState: types.ActivatedAndConnected}},
	}, nil
}

func (s *stubServer) SynchronizeWriterGroupPlacements(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
	if s.syncErr != nil {
		return nil, s.syncErr
	}
	return NewSyncResponse(placement.TickResult{
		Created: []string{"wg-1"},
		Evicted: 2,
		Failed:  map[string]error{"wg-bad": types.ErrValidation},
	}), nil
}

func dial(t *testing.T, srv OrchestratorServer) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	RegisterOrchestratorServer(s, srv)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn)
}

func TestClientRoundTrip(t *testing.T) {
	heartbeat := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	stub := &stubServer{grant: &types.LeaseGrant{
		Mode: types.ModeActive,
		Job: types.Job{
			ID:               "wg-1",
			GenerationID:     "gen-1",
			JobConfiguration: []byte{0xa1, 0x01, 0x02},
			Demands:          []types.Demand{{Key: "site", Operator: types.OpEquals, Value: "plant-1"}},
			RedundancyConfig: types.RedundancyConfig{DesiredActiveAgents: 1, DesiredPassiveAgents: 2},
			LifetimeData: types.JobLifetimeData{
				Status: types.StatusActive,
				ProcessingStatus: map[string]types.ProcessingStatusEntry{
					"A": {ProcessMode: types.ModeActive, LastKnownHeartbeat: &heartbeat, LeaseGrantedAt: heartbeat},
				},
			},
		},
	}}
	client := dial(t, stub)
	ctx := context.Background()

	grant, err := client.RequestLease(ctx, types.Agent{ID: "A", Capabilities: map[string]string{"site": "plant-1"}})
	require.NoError(t, err)
	assert.Equal(t, "plant-1", stub.seenSite)
	require.NotNil(t, grant)
	assert.Equal(t, stub.grant.Mode, grant.Mode)
	assert.Equal(t, stub.grant.Job.JobConfiguration, grant.Job.JobConfiguration)
	assert.Equal(t, stub.grant.Job.Demands, grant.Job.Demands)
	assert.Equal(t, stub.grant.Job.RedundancyConfig, grant.Job.RedundancyConfig)
	entry := grant.Job.LifetimeData.ProcessingStatus["A"]
	require.NotNil(t, entry.LastKnownHeartbeat)
	assert.True(t, heartbeat.Equal(*entry.LastKnownHeartbeat))

	job, err := client.ReportHeartbeat(ctx, types.Heartbeat{AgentID: "A", JobID: "wg-1", ProcessMode: types.ModeActive}, "gen-1")
	require.NoError(t, err)
	assert.Equal(t, types.GenerationID("gen-2"), job.GenerationID)
	assert.Equal(t, types.ModeActive, stub.lastHB.Heartbeat.ProcessMode)

	status, err := client.GetPublisherStatus(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, []types.EntityStatus{{ID: "wg-1", ActivationState: types.ActivatedAndConnected}}, status.Entities)

	res, err := client.SynchronizeWriterGroupPlacements(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"wg-1"}, res.Created)
	assert.Equal(t, 2, res.Evicted)
	assert.Contains(t, res.Failed, "wg-bad")
}

func TestClientNoGrant(t *testing.T) {
	client := dial(t, &stubServer{})
	grant, err := client.RequestLease(context.Background(), types.Agent{ID: "A"})
	require.NoError(t, err)
	assert.Nil(t, grant)
}

func TestClientErrorsKeepTaxonomy(t *testing.T) {
	stub := &stubServer{jobErr: fmt.Errorf("job wg-9: %w", types.ErrNotFound), syncErr: placement.ErrReconcileInProgress}
	client := dial(t, stub)
	ctx := context.Background()

	_, err := client.GetJob(ctx, "wg-9")
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = client.ReportHeartbeat(ctx, types.Heartbeat{AgentID: "A", JobID: "wg-1"}, "gen-0")
	assert.ErrorIs(t, err, types.ErrConcurrencyConflict)

	_, err = client.SynchronizeWriterGroupPlacements(ctx)
	assert.ErrorIs(t, err, placement.ErrReconcileInProgress)
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{fmt.Errorf("x: %w", types.ErrNotFound), codes.NotFound},
		{fmt.Errorf("x: %w", types.ErrConcurrencyConflict), codes.Aborted},
		{fmt.Errorf("x: %w", types.ErrValidation), codes.InvalidArgument},
		{types.ErrUnauthorized, codes.Unauthenticated},
		{placement.ErrReconcileInProgress, codes.Unavailable},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("boom"), codes.Internal},
		{status.Error(codes.ResourceExhausted, "full"), codes.ResourceExhausted},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, status.Code(ToStatus(tt.err)))
		})
	}
	assert.NoError(t, ToStatus(nil))
}

func TestFromStatusPassesTransportErrors(t *testing.T) {
	err := status.Error(codes.Unavailable, "connection refused")
	assert.Equal(t, err, FromStatus(err))
	assert.NoError(t, FromStatus(nil))
}
