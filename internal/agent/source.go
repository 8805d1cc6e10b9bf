// ============================================================================
// Edge Agent Lease Source
// ============================================================================
//
// Package: internal/agent
// File: source.go
// Purpose: Abstraction over the orchestrator an edge agent pulls work from.
//
// Implementations:
//   - controller.Controller: in-process orchestrator (demo, tests)
//   - rpc.Client:            remote orchestrator over gRPC (see Dial)
//
// ============================================================================

package agent

import (
	"context"

	"github.com/ChuLiYu/edge-orchestrator/pkg/types"
)

// LeaseSource is the orchestrator as seen by an agent.
type LeaseSource interface {
	// RequestLease asks what the agent should run. A nil grant means
	// there is no work for it right now.
	RequestLease(ctx context.Context, agent types.Agent) (*types.LeaseGrant, error)

	// ReportHeartbeat records the agent's status on one job. expected is
	// the last generation the agent observed; a stale value fails with
	// types.ErrConcurrencyConflict.
	ReportHeartbeat(ctx context.Context, hb types.Heartbeat, expected types.GenerationID) (types.Job, error)

	// GetJob re-reads a job after a conflict.
	GetJob(ctx context.Context, id string) (types.Job, error)
}
