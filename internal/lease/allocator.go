// ============================================================================
// Lease Allocator
// ============================================================================
//
// Package: internal/lease
// File: allocator.go
// Purpose: Assign active and passive leases of one job to agents.
//
// Algorithm (deterministic, ascending agent id at every tie):
//   1. Match candidates against the job's demands; drop duplicates.
//   2. Keep existing Active holders up to DesiredActiveAgents. Surplus
//      Active holders join the standby pool.
//   3. Fill free active slots by promoting standby holders, then from
//      matched candidates that hold no lease.
//   4. Fill passive slots from the remaining standby holders, then from the
//      remaining matched candidates.
//   5. Holders that fit nowhere are released; candidates that fit nowhere
//      stay unassigned.
//
// A holder that is also a candidate but no longer satisfies the demands is
// released. Holders that are not candidates keep their lease: their
// capabilities are unknown to this call. Entries without a ProcessMode hold
// no lease: they are either matched as fresh candidates or released.
//
// The allocator is pure. Stale entries must be evicted before calling it.
//
// ============================================================================

package lease

import (
	"sort"
	"time"

	"github.com/ChuLiYu/edge-orchestrator/internal/demand"
	"github.com/ChuLiYu/edge-orchestrator/pkg/types"
)

// Allocation is the lease assignment for one job. All lists are sorted.
type Allocation struct {
	Active     []string
	Passive    []string
	Released   []string
	Unassigned []string
}

// Allocator computes allocations with a configurable matcher.
type Allocator struct {
	Matcher *demand.Matcher
}

var defaultAllocator = &Allocator{}

// Allocate computes the allocation of job over candidates using
// case-sensitive demand matching.
func Allocate(job types.Job, candidates []types.Agent) Allocation {
	return defaultAllocator.Allocate(job, candidates)
}

// Allocate computes the allocation of job over candidates.
func (a *Allocator) Allocate(job types.Job, candidates []types.Agent) Allocation {
	matcher := a.Matcher
	if matcher == nil {
		matcher = &demand.Matcher{}
	}

	matched := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		if _, seen := matched[c.ID]; seen || c.ID == "" {
			continue
		}
		matched[c.ID] = matcher.Matches(job.Demands, c.Capabilities)
	}

	var out Allocation
	var activeHolders, standby []string
	for id, entry := range job.LifetimeData.ProcessingStatus {
		ok, isCandidate := matched[id]
		switch {
		case entry.ProcessMode == "":
			// heartbeat record without a lease
			if !isCandidate {
				out.Released = append(out.Released, id)
			}
		case isCandidate && !ok:
			out.Released = append(out.Released, id)
		case entry.ProcessMode == types.ModeActive:
			activeHolders = append(activeHolders, id)
		default:
			standby = append(standby, id)
		}
	}
	sort.Strings(activeHolders)

	wantActive := int(job.RedundancyConfig.DesiredActiveAgents)
	wantPassive := int(job.RedundancyConfig.DesiredPassiveAgents)

	if len(activeHolders) > wantActive {
		standby = append(standby, activeHolders[wantActive:]...)
		activeHolders = activeHolders[:wantActive]
	}
	sort.Strings(standby)
	out.Active = append(out.Active, activeHolders...)

	var fresh []string
	for id, ok := range matched {
		entry, found := job.LifetimeData.ProcessingStatus[id]
		if !ok {
			if found && entry.ProcessMode == "" {
				out.Released = append(out.Released, id)
			}
			continue
		}
		if !found || entry.ProcessMode == "" {
			fresh = append(fresh, id)
		}
	}
	sort.Strings(fresh)

	for len(out.Active) < wantActive && len(standby) > 0 {
		out.Active = append(out.Active, standby[0])
		standby = standby[1:]
	}
	for len(out.Active) < wantActive && len(fresh) > 0 {
		out.Active = append(out.Active, fresh[0])
		fresh = fresh[1:]
	}
	for len(out.Passive) < wantPassive && len(standby) > 0 {
		out.Passive = append(out.Passive, standby[0])
		standby = standby[1:]
	}
	for len(out.Passive) < wantPassive && len(fresh) > 0 {
		out.Passive = append(out.Passive, fresh[0])
		fresh = fresh[1:]
	}

	out.Released = append(out.Released, standby...)
	out.Unassigned = fresh

	sort.Strings(out.Active)
	sort.Strings(out.Passive)
	sort.Strings(out.Released)
	return out
}

// ModeOf returns the mode assigned to agentID, if any.
func (a Allocation) ModeOf(agentID string) (types.ProcessMode, bool) {
	for _, id := range a.Active {
		if id == agentID {
			return types.ModeActive, true
		}
	}
	for _, id := range a.Passive {
		if id == agentID {
			return types.ModePassive, true
		}
	}
	return "", false
}

// Changed reports whether applying the allocation would alter the job's
// processing status.
func (a Allocation) Changed(job types.Job) bool {
	ps := job.LifetimeData.ProcessingStatus
	if len(ps) != len(a.Active)+len(a.Passive) {
		return true
	}
	for _, id := range a.Active {
		if e, ok := ps[id]; !ok || e.ProcessMode != types.ModeActive {
			return true
		}
	}
	for _, id := range a.Passive {
		if e, ok := ps[id]; !ok || e.ProcessMode != types.ModePassive {
			return true
		}
	}
	return false
}

// Apply returns the processing status that results from the allocation and
// the agents whose lease was granted or changed mode. Heartbeat data of
// retained agents is kept; new leases are stamped with now.
func (a Allocation) Apply(current map[string]types.ProcessingStatusEntry, now time.Time) (map[string]types.ProcessingStatusEntry, map[string]types.ProcessMode) {
	next := make(map[string]types.ProcessingStatusEntry, len(a.Active)+len(a.Passive))
	granted := make(map[string]types.ProcessMode)

	assign := func(id string, mode types.ProcessMode) {
		entry, ok := current[id]
		if !ok || entry.LeaseGrantedAt.IsZero() {
			entry.LeaseGrantedAt = now
		}
		if !ok || entry.ProcessMode != mode {
			granted[id] = mode
		}
		entry.ProcessMode = mode
		next[id] = entry
	}
	for _, id := range a.Active {
		assign(id, types.ModeActive)
	}
	for _, id := range a.Passive {
		assign(id, types.ModePassive)
	}
	return next, granted
}
