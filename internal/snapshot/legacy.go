package snapshot

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ChuLiYu/edge-orchestrator/pkg/types"

	"github.com/ChuLiYu/edge-orchestrator/internal/jobstore"
)

const legacySchemaVersion = 1

// legacyJob is the flat schema 1 job document: millisecond timestamps,
// capitalized enum names and a redundancy pair without the "desired" prefix.
type legacyJob struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Configuration []byte         `json:"configuration"`
	Demands       []legacyDemand `json:"demands"`
	Redundancy    struct {
		Active  uint `json:"active_agents"`
		Passive uint `json:"passive_agents"`
	} `json:"redundancy"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

type legacyDemand struct {
	Key      string `json:"key"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

var legacyOperators = map[string]types.DemandOperator{
	"equals":   types.OpEquals,
	"notequal": types.OpNotEqual,
	"match":    types.OpMatch,
	"exists":   types.OpExists,
}

// migrateLegacy translates a schema 1 snapshot. Processing status was never
// part of schema 1, so every migrated job starts without leases.
func migrateLegacy(raw []byte) (jobstore.SnapshotData, error) {
	var doc struct {
		Jobs map[string]legacyJob `json:"jobs"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return jobstore.SnapshotData{}, fmt.Errorf("%w: legacy document: %v", ErrCorruptedSnapshot, err)
	}

	out := jobstore.SnapshotData{
		Jobs:      make(map[string]types.Job, len(doc.Jobs)),
		SchemaVer: jobstore.SchemaVersion,
	}
	for id, lj := range doc.Jobs {
		if lj.ID == "" {
			lj.ID = id
		}

		demands := make([]types.Demand, 0, len(lj.Demands))
		for _, d := range lj.Demands {
			op, ok := legacyOperators[strings.ToLower(d.Operator)]
			if !ok {
				return jobstore.SnapshotData{}, fmt.Errorf("%w: job %s has unknown legacy operator %q", ErrCorruptedSnapshot, id, d.Operator)
			}
			demands = append(demands, types.Demand{Key: d.Key, Operator: op, Value: d.Value})
		}

		status := types.JobStatus(strings.ToLower(lj.Status))
		if status == "" {
			status = types.StatusActive
		}

		out.Jobs[lj.ID] = types.Job{
			ID:               lj.ID,
			Name:             lj.Name,
			JobConfiguration: lj.Configuration,
			Demands:          demands,
			RedundancyConfig: types.RedundancyConfig{
				DesiredActiveAgents:  lj.Redundancy.Active,
				DesiredPassiveAgents: lj.Redundancy.Passive,
			},
			LifetimeData: types.JobLifetimeData{
				Created: time.UnixMilli(lj.CreatedAt).UTC(),
				Updated: time.UnixMilli(lj.UpdatedAt).UTC(),
				Status:  status,
			},
		}
	}
	return out, nil
}
