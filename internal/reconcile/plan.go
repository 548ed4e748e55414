package reconcile

import (
	"strings"

	"github.com/Tech-Arch1tect/berth-sub004/internal/model"
)

// Plan is the difference between local operations and the server's list of
// running operations.
type Plan struct {
	// Register holds server operations unknown locally.
	Register []model.Operation
	// Complete holds ids of local incomplete operations the server no longer
	// reports.
	Complete []string
	// Merge holds the merged form of operations known on both sides.
	Merge []model.Operation
}

func (p Plan) Empty() bool {
	return len(p.Register) == 0 && len(p.Complete) == 0 && len(p.Merge) == 0
}

func BuildPlan(local, remote []model.Operation) Plan {
	localByID := make(map[string]model.Operation, len(local))
	for _, op := range local {
		localByID[op.OperationID] = op
	}

	plan := Plan{}
	seen := make(map[string]struct{}, len(remote))
	for _, r := range remote {
		id := strings.TrimSpace(r.OperationID)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		r.OperationID = id

		l, ok := localByID[id]
		if !ok {
			reg := r.Clone()
			reg.Logs = nil
			plan.Register = append(plan.Register, reg)
			continue
		}
		plan.Merge = append(plan.Merge, MergeMetadata(l, r))
	}

	for _, l := range local {
		if !l.IsIncomplete {
			continue
		}
		if _, ok := seen[l.OperationID]; !ok {
			plan.Complete = append(plan.Complete, l.OperationID)
		}
	}
	return plan
}

// MergeMetadata overlays server metadata onto local without touching the
// local log. Completion never reverts.
func MergeMetadata(local, remote model.Operation) model.Operation {
	out := local.Clone()
	if remote.ServerID != 0 {
		out.ServerID = remote.ServerID
	}
	if remote.StackName != "" {
		out.StackName = remote.StackName
	}
	if remote.Command != "" {
		out.Command = remote.Command
	}
	if !remote.StartTime.IsZero() {
		out.StartTime = remote.StartTime
	}
	if remote.LastMessageAt != nil && (out.LastMessageAt == nil || remote.LastMessageAt.After(*out.LastMessageAt)) {
		v := *remote.LastMessageAt
		out.LastMessageAt = &v
	}
	if remote.MessageCount > out.MessageCount {
		out.MessageCount = remote.MessageCount
	}
	if remote.Summary != "" {
		out.Summary = remote.Summary
	}
	out.IsIncomplete = local.IsIncomplete && remote.IsIncomplete
	return out
}
