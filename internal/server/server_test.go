package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/edge-orchestrator/internal/controller"
	"github.com/ChuLiYu/edge-orchestrator/internal/jobconfig"
	"github.com/ChuLiYu/edge-orchestrator/internal/jobstore"
	"github.com/ChuLiYu/edge-orchestrator/internal/metrics"
	"github.com/ChuLiYu/edge-orchestrator/internal/placement"
	"github.com/ChuLiYu/edge-orchestrator/internal/rpc"
	"github.com/ChuLiYu/edge-orchestrator/pkg/types"
)

func newController(t *testing.T, collector *metrics.Collector) (*controller.Controller, *placement.StaticSource) {
	t.Helper()
	source := placement.NewStaticSource(placement.DesiredWriterGroup{
		ID:         "wg-1",
		Name:       "line 1",
		Redundancy: types.RedundancyConfig{DesiredActiveAgents: 1},
		Configuration: jobconfig.WriterGroupConfig{
			MessagingMode: jobconfig.ModeSamples,
		},
	})
	ctrl, err := controller.New(controller.Config{}, controller.Deps{
		Store:   jobstore.NewMemoryStore(),
		Source:  source,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: collector,
	})
	require.NoError(t, err)
	t.Cleanup(ctrl.Stop)
	return ctrl, source
}

func dial(t *testing.T, ctrl *controller.Controller) *rpc.Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	g := NewServer(ctrl).NewGRPCServer()
	go func() { _ = g.Serve(lis) }()
	t.Cleanup(g.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return rpc.NewClient(conn)
}

// ============================================================================
// gRPC
// ============================================================================

func TestGRPCEndToEnd(t *testing.T) {
	ctrl, _ := newController(t, nil)
	client := dial(t, ctrl)
	ctx := context.Background()

	res, err := client.SynchronizeWriterGroupPlacements(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"wg-1"}, res.Created)

	grant, err := client.RequestLease(ctx, types.Agent{ID: "A"})
	require.NoError(t, err)
	require.NotNil(t, grant)
	assert.Equal(t, types.ModeActive, grant.Mode)

	cfg, err := jobconfig.Decode(grant.Job.JobConfiguration)
	require.NoError(t, err, "configuration survives the wire")
	assert.Equal(t, "wg-1", cfg.WriterGroupID)

	_, err = client.ReportHeartbeat(ctx, types.Heartbeat{
		AgentID: "A", JobID: grant.Job.ID, State: "connected", ProcessMode: grant.Mode,
	}, grant.Job.GenerationID)
	require.NoError(t, err)

	status, err := client.GetPublisherStatus(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, []types.EntityStatus{{ID: "wg-1", ActivationState: types.ActivatedAndConnected}}, status.Entities)
}

func TestGRPCErrors(t *testing.T) {
	ctrl, _ := newController(t, nil)
	client := dial(t, ctrl)
	ctx := context.Background()

	_, err := client.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = client.RequestLease(ctx, types.Agent{})
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = client.SynchronizeWriterGroupPlacements(ctx)
	require.NoError(t, err)
	grant, err := client.RequestLease(ctx, types.Agent{ID: "A"})
	require.NoError(t, err)
	_, err = client.ReportHeartbeat(ctx, types.Heartbeat{AgentID: "A", JobID: grant.Job.ID, ProcessMode: grant.Mode}, "stale")
	assert.ErrorIs(t, err, types.ErrConcurrencyConflict)
}

// ============================================================================
// HTTP diagnostics
// ============================================================================

func TestRouter(t *testing.T) {
	collector := metrics.NewCollector(prometheus.NewRegistry())
	ctrl, source := newController(t, collector)
	srv := httptest.NewServer(Router(ctrl, collector.Handler()))
	t.Cleanup(srv.Close)
	client := &http.Client{Timeout: 5 * time.Second}

	get := func(path string) (int, string) {
		resp, err := client.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, body := get("/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	resp, err := client.Post(srv.URL+"/v1/placements/sync", "application/json", nil)
	require.NoError(t, err)
	var sync rpc.SyncResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sync))
	resp.Body.Close()
	assert.Equal(t, []string{"wg-1"}, sync.Created)

	code, body = get("/v1/placements")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"writer_group_id":"wg-1"`)
	assert.Contains(t, body, `"activation_state":"Deactivated"`)

	_, err = ctrl.RequestLease(context.Background(), types.Agent{ID: "A"})
	require.NoError(t, err)

	code, body = get("/v1/publishers/A")
	assert.Equal(t, http.StatusOK, code)
	var status types.PublisherStatus
	require.NoError(t, json.Unmarshal([]byte(body), &status))
	assert.Equal(t, []types.EntityStatus{{ID: "wg-1", ActivationState: types.Activated}}, status.Entities)

	code, _ = get("/v1/jobs/wg-1")
	assert.Equal(t, http.StatusOK, code)
	code, body = get("/v1/jobs/nope")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, body, "error")

	code, body = get("/v1/status")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"placements":1`)

	code, body = get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, strings.Contains(body, "orchestrator_jobs_created_total 1"), body)

	source.Remove("wg-1")
	resp, err = client.Post(srv.URL+"/v1/placements/sync", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	code, body = get("/v1/publishers/A")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"entities":[]`)
}
