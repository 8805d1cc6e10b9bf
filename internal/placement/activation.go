package placement

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/edge-orchestrator/pkg/types"
)

// ErrInvalidTransition is returned for a state outside the activation state
// machine.
var ErrInvalidTransition = fmt.Errorf("invalid activation transition: %w", types.ErrValidation)

// Transition is one recorded edge of the activation state machine.
type Transition struct {
	From types.EntityActivationState
	To   types.EntityActivationState
}

// rank orders the states along the only path through the machine:
// Deactivated <-> Activated <-> ActivatedAndConnected.
var rank = map[types.EntityActivationState]int{
	types.Deactivated:           0,
	types.Activated:             1,
	types.ActivatedAndConnected: 2,
}

var byRank = []types.EntityActivationState{
	types.Deactivated,
	types.Activated,
	types.ActivatedAndConnected,
}

// Path returns the transitions that move from one state to another, one
// edge at a time. Moving between the two ends always passes Activated, so
// Deactivated -> ActivatedAndConnected is never a single step. from == to
// yields no transitions.
func Path(from, to types.EntityActivationState) ([]Transition, error) {
	a, ok := rank[from]
	if !ok {
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, from)
	}
	b, ok := rank[to]
	if !ok {
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, to)
	}

	var path []Transition
	for a != b {
		step := 1
		if b < a {
			step = -1
		}
		path = append(path, Transition{From: byRank[a], To: byRank[a+step]})
		a += step
	}
	return path, nil
}

// Evaluate computes the activation state of a writer group from its job:
//   - ActivatedAndConnected when an active lease has a fresh heartbeat
//   - Activated when a live lease exists without a fresh active heartbeat
//   - Deactivated otherwise, including for a missing or terminal job
//
// Stale entries count as no lease.
func Evaluate(job *types.Job, now time.Time, staleAfter time.Duration) types.EntityActivationState {
	if job == nil || job.LifetimeData.Status.IsTerminal() {
		return types.Deactivated
	}

	state := types.Deactivated
	for _, entry := range job.LifetimeData.ProcessingStatus {
		if entry.ProcessMode != types.ModeActive && entry.ProcessMode != types.ModePassive {
			continue
		}
		if entry.ProcessMode == types.ModeActive && entry.HasFreshHeartbeat(now, staleAfter) {
			return types.ActivatedAndConnected
		}
		if !entry.IsStale(now, staleAfter) {
			state = types.Activated
		}
	}
	return state
}
