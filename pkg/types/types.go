// Package types defines the domain model shared by the edge publisher orchestrator.
package types

import (
	"time"
)

// GenerationID is the opaque optimistic-concurrency token of a persisted job.
// Tokens are only ever compared for equality.
type GenerationID string

// JobStatus is the lifecycle status of a job
type JobStatus string

const (
	StatusActive    JobStatus = "active"    // job is placed and leased to agents
	StatusCompleted JobStatus = "completed" // job finished its work
	StatusCanceled  JobStatus = "canceled"  // job was canceled by an operator
	StatusError     JobStatus = "error"     // job failed permanently
	StatusDeleted   JobStatus = "deleted"   // job was removed
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCanceled, StatusError, StatusDeleted:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a job may move from s to next.
// Only Active may move, and only into one of the terminal states.
func (s JobStatus) CanTransition(next JobStatus) bool {
	return s == StatusActive && next.IsTerminal()
}

// ProcessMode tags a lease as active or warm standby.
type ProcessMode string

const (
	ModeActive  ProcessMode = "active"
	ModePassive ProcessMode = "passive"
)

// DemandOperator is the comparison applied by a Demand.
type DemandOperator string

const (
	OpEquals   DemandOperator = "equals"
	OpNotEqual DemandOperator = "not_equal"
	OpMatch    DemandOperator = "match"
	OpExists   DemandOperator = "exists"
)

// Demand is a job-side requirement evaluated against agent capabilities.
type Demand struct {
	Key      string         `json:"key" yaml:"key"`
	Operator DemandOperator `json:"operator" yaml:"operator"`
	Value    string         `json:"value,omitempty" yaml:"value,omitempty"`
}

// RedundancyConfig is the desired number of concurrently active and standby leases.
type RedundancyConfig struct {
	DesiredActiveAgents  uint `json:"desired_active_agents" yaml:"desired_active_agents"`
	DesiredPassiveAgents uint `json:"desired_passive_agents" yaml:"desired_passive_agents"`
}

// ProcessingStatusEntry is the lease and heartbeat record of one agent on one job.
type ProcessingStatusEntry struct {
	LastKnownHeartbeat *time.Time  `json:"last_known_heartbeat,omitempty"`
	LastKnownState     string      `json:"last_known_state,omitempty"`
	ProcessMode        ProcessMode `json:"process_mode,omitempty"`
	LeaseGrantedAt     time.Time   `json:"lease_granted_at"`
}

// IsStale reports whether the entry has not been refreshed within staleAfter.
// An entry that never received a heartbeat ages from its lease grant.
func (e ProcessingStatusEntry) IsStale(now time.Time, staleAfter time.Duration) bool {
	last := e.LeaseGrantedAt
	if e.LastKnownHeartbeat != nil {
		last = *e.LastKnownHeartbeat
	}
	return now.Sub(last) > staleAfter
}

// HasFreshHeartbeat reports whether a heartbeat was received within staleAfter.
func (e ProcessingStatusEntry) HasFreshHeartbeat(now time.Time, staleAfter time.Duration) bool {
	return e.LastKnownHeartbeat != nil && now.Sub(*e.LastKnownHeartbeat) <= staleAfter
}

// JobLifetimeData is owned by the job lifecycle manager.
type JobLifetimeData struct {
	Created          time.Time                        `json:"created"`
	Updated          time.Time                        `json:"updated"`
	Status           JobStatus                        `json:"status"`
	ProcessingStatus map[string]ProcessingStatusEntry `json:"processing_status,omitempty"`

	// ProvisioningError is set when the before-create hook failed and the
	// job runs degraded until provisioning is retried.
	ProvisioningError string `json:"provisioning_error,omitempty"`
}

// Job is a unit of publishing work leased to agents.
type Job struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	GenerationID     GenerationID     `json:"generation_id,omitempty"`
	JobConfiguration []byte           `json:"job_configuration,omitempty"`
	Demands          []Demand         `json:"demands,omitempty"`
	RedundancyConfig RedundancyConfig `json:"redundancy_config"`
	LifetimeData     JobLifetimeData  `json:"lifetime_data"`
}

// Clone returns a deep copy of j.
func (j Job) Clone() Job {
	out := j
	if j.JobConfiguration != nil {
		out.JobConfiguration = append([]byte(nil), j.JobConfiguration...)
	}
	if j.Demands != nil {
		out.Demands = append([]Demand(nil), j.Demands...)
	}
	if j.LifetimeData.ProcessingStatus != nil {
		ps := make(map[string]ProcessingStatusEntry, len(j.LifetimeData.ProcessingStatus))
		for id, entry := range j.LifetimeData.ProcessingStatus {
			if entry.LastKnownHeartbeat != nil {
				hb := *entry.LastKnownHeartbeat
				entry.LastKnownHeartbeat = &hb
			}
			ps[id] = entry
		}
		out.LifetimeData.ProcessingStatus = ps
	}
	return out
}

// Agent is an edge process and the capabilities it advertises.
type Agent struct {
	ID           string            `json:"id"`
	Capabilities map[string]string `json:"capabilities,omitempty"`
}

// Heartbeat is the processing status an agent reports for one job.
type Heartbeat struct {
	AgentID     string      `json:"agent_id"`
	JobID       string      `json:"job_id"`
	State       string      `json:"state,omitempty"`
	ProcessMode ProcessMode `json:"process_mode,omitempty"`
}

// LeaseGrant is the answer to an agent asking what it should run.
type LeaseGrant struct {
	Job  Job         `json:"job"`
	Mode ProcessMode `json:"mode"`
}

// EntityActivationState is the externally visible placement state of a writer group.
type EntityActivationState string

const (
	Deactivated           EntityActivationState = "Deactivated"
	Activated             EntityActivationState = "Activated"
	ActivatedAndConnected EntityActivationState = "ActivatedAndConnected"
)

// WriterGroupPlacement is the reconciler's record for one writer group.
type WriterGroupPlacement struct {
	WriterGroupID   string                `json:"writer_group_id"`
	AssignedJobID   string                `json:"assigned_job_id"`
	ActivationState EntityActivationState `json:"activation_state"`
}

// EntityStatus is one writer group as seen by a publisher.
type EntityStatus struct {
	ID              string                `json:"id"`
	ActivationState EntityActivationState `json:"activation_state"`
}

// PublisherStatus lists the writer groups currently leased to one agent.
type PublisherStatus struct {
	AgentID  string         `json:"agent_id"`
	Entities []EntityStatus `json:"entities"`
}
