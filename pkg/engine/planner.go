package engine

import (
	"encoding/json"
	"reflect"
	"sort"

	"github.com/stackrun/stackrun/pkg/statebackend"
)

// Planner computes the diff between a unit's declaration and a state
// snapshot. Planning is pure: it never touches a backend or a provider, and
// identical inputs always yield an identical plan.
type Planner struct{}

// NewPlanner creates a new planner.
func NewPlanner() *Planner {
	return &Planner{}
}

// Plan diffs the unit's declared resources against the snapshot. A nil or
// empty snapshot plans a create for every declared resource. Actions come out
// ordered by resource ID.
func (p *Planner) Plan(unit *Unit, current *statebackend.StateSnapshot) *Plan {
	plan := &Plan{UnitID: unit.ID}
	if current != nil {
		plan.BaseSerial = current.Serial
	}

	for _, id := range unionResourceIDs(unit, current) {
		spec, declared := unit.Resources[id]

		var recorded json.RawMessage
		var hasRecorded bool
		if current != nil {
			recorded, hasRecorded = current.Resources[id]
		}

		action := Action{ResourceID: id, ResourceType: spec.Type}
		switch {
		case declared && !hasRecorded:
			action.Type = ActionCreate
			action.After = spec.Config
		case !declared && hasRecorded:
			action.Type = ActionDestroy
			action.Before = recorded
		case structurallyEqual(spec.Config, recorded):
			action.Type = ActionNoop
			action.Before = recorded
			action.After = spec.Config
		default:
			action.Type = ActionUpdate
			action.Before = recorded
			action.After = spec.Config
		}

		plan.Actions = append(plan.Actions, action)
		switch action.Type {
		case ActionCreate:
			plan.Summary.Create++
		case ActionUpdate:
			plan.Summary.Update++
		case ActionDestroy:
			plan.Summary.Destroy++
		case ActionNoop:
			plan.Summary.Noop++
		}
	}

	return plan
}

// unionResourceIDs returns the sorted union of declared and recorded
// resource IDs.
func unionResourceIDs(unit *Unit, current *statebackend.StateSnapshot) []string {
	seen := make(map[string]bool, len(unit.Resources))
	var ids []string
	for id := range unit.Resources {
		seen[id] = true
		ids = append(ids, id)
	}
	if current != nil {
		for id := range current.Resources {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	return ids
}

// structurallyEqual compares two JSON documents by structure, so formatting
// and key order differences do not register as changes.
func structurallyEqual(a, b json.RawMessage) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	if len(a) == 0 || len(b) == 0 {
		return false
	}

	var av, bv interface{}
	if err := json.Unmarshal(a, &av); err != nil {
		return string(a) == string(b)
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return string(a) == string(b)
	}
	return reflect.DeepEqual(av, bv)
}
