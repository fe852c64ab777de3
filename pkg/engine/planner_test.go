package engine

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/stackrun/stackrun/pkg/statebackend"
)

func testUnit() *Unit {
	return &Unit{
		ID: "network",
		Resources: map[string]ResourceSpec{
			"vpc":    {Type: "aws.vpc", Config: json.RawMessage(`{"cidr":"10.0.0.0/16"}`)},
			"subnet": {Type: "aws.subnet", Config: json.RawMessage(`{"cidr":"10.0.1.0/24"}`)},
		},
	}
}

func TestPlanAgainstEmptyState(t *testing.T) {
	plan := NewPlanner().Plan(testUnit(), nil)

	if plan.UnitID != "network" {
		t.Errorf("unexpected unit id: %q", plan.UnitID)
	}
	if plan.BaseSerial != 0 {
		t.Errorf("expected base serial 0, got %d", plan.BaseSerial)
	}
	if plan.Summary.Create != 2 || plan.Summary.Update != 0 || plan.Summary.Destroy != 0 {
		t.Errorf("unexpected summary: %+v", plan.Summary)
	}

	// Actions ordered by resource ID.
	if plan.Actions[0].ResourceID != "subnet" || plan.Actions[1].ResourceID != "vpc" {
		t.Errorf("actions not ordered by resource id: %v, %v",
			plan.Actions[0].ResourceID, plan.Actions[1].ResourceID)
	}
	for _, a := range plan.Actions {
		if a.Type != ActionCreate {
			t.Errorf("expected create for %s, got %s", a.ResourceID, a.Type)
		}
		if a.Before != nil {
			t.Errorf("create action for %s must have nil before", a.ResourceID)
		}
	}
}

func TestPlanClassifiesAllActionTypes(t *testing.T) {
	unit := &Unit{
		ID: "app",
		Resources: map[string]ResourceSpec{
			"svc":  {Type: "aws.ecs", Config: json.RawMessage(`{"replicas":3}`)},
			"new":  {Type: "aws.sqs", Config: json.RawMessage(`{"fifo":true}`)},
			"same": {Type: "aws.sns", Config: json.RawMessage(`{"topic":"events"}`)},
		},
	}
	snap := &statebackend.StateSnapshot{
		UnitID: "app",
		Serial: 4,
		Resources: map[string]json.RawMessage{
			"svc":     json.RawMessage(`{"replicas":2}`),
			"same":    json.RawMessage(`{"topic":"events"}`),
			"removed": json.RawMessage(`{"legacy":true}`),
		},
	}

	plan := NewPlanner().Plan(unit, snap)

	if plan.BaseSerial != 4 {
		t.Errorf("expected base serial 4, got %d", plan.BaseSerial)
	}

	types := make(map[string]ActionType)
	for _, a := range plan.Actions {
		types[a.ResourceID] = a.Type
	}
	want := map[string]ActionType{
		"new":     ActionCreate,
		"svc":     ActionUpdate,
		"same":    ActionNoop,
		"removed": ActionDestroy,
	}
	if !reflect.DeepEqual(types, want) {
		t.Errorf("action types = %v, want %v", types, want)
	}

	sum := plan.Summary
	if sum.Create != 1 || sum.Update != 1 || sum.Destroy != 1 || sum.Noop != 1 {
		t.Errorf("unexpected summary: %+v", sum)
	}
	if !sum.HasChanges() {
		t.Error("summary should report changes")
	}
}

func TestPlanIsDeterministic(t *testing.T) {
	unit := testUnit()
	snap := &statebackend.StateSnapshot{
		UnitID:    "network",
		Serial:    2,
		Resources: map[string]json.RawMessage{"vpc": json.RawMessage(`{"cidr":"10.0.0.0/16"}`)},
	}

	first := NewPlanner().Plan(unit, snap)
	second := NewPlanner().Plan(unit, snap)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("identical inputs produced different plans:\n%+v\n%+v", first, second)
	}
}

func TestPlanIgnoresJSONFormatting(t *testing.T) {
	unit := &Unit{
		ID: "app",
		Resources: map[string]ResourceSpec{
			"svc": {Type: "aws.ecs", Config: json.RawMessage(`{"a": 1, "b": 2}`)},
		},
	}
	snap := &statebackend.StateSnapshot{
		UnitID:    "app",
		Serial:    1,
		Resources: map[string]json.RawMessage{"svc": json.RawMessage(`{"b":2,"a":1}`)},
	}

	plan := NewPlanner().Plan(unit, snap)
	if plan.Actions[0].Type != ActionNoop {
		t.Errorf("key order difference should be a noop, got %s", plan.Actions[0].Type)
	}
}

func TestPlanEmptyDeclarationDestroysEverything(t *testing.T) {
	unit := &Unit{ID: "app", Resources: map[string]ResourceSpec{}}
	snap := &statebackend.StateSnapshot{
		UnitID:    "app",
		Serial:    3,
		Resources: map[string]json.RawMessage{"svc": json.RawMessage(`{}`)},
	}

	plan := NewPlanner().Plan(unit, snap)
	if plan.Summary.Destroy != 1 || plan.Summary.Total() != 1 {
		t.Errorf("unexpected summary: %+v", plan.Summary)
	}
}
