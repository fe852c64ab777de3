package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/stackrun/stackrun/pkg/statebackend"
)

// scriptedProvider fails specific resources with configured errors.
type scriptedProvider struct {
	mu       sync.Mutex
	failures map[string][]error
	applied  []string
}

func (p *scriptedProvider) ApplyAction(_ context.Context, _ string, action Action) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if errs := p.failures[action.ResourceID]; len(errs) > 0 {
		err := errs[0]
		p.failures[action.ResourceID] = errs[1:]
		return nil, err
	}
	p.applied = append(p.applied, action.ResourceID)
	if action.Type == ActionDestroy {
		return nil, nil
	}
	return action.After, nil
}

func (p *scriptedProvider) ReadResource(_ context.Context, _, _ string, recorded json.RawMessage) (json.RawMessage, error) {
	return recorded, nil
}

func (p *scriptedProvider) ListResources(context.Context, string) (map[string]json.RawMessage, error) {
	return nil, nil
}

func newTestApplier(p CloudProvider) *Applier {
	a := NewApplier(p, zerolog.Nop())
	return a
}

func heldLock(unitID string) *statebackend.Lock {
	return &statebackend.Lock{Info: statebackend.LockInfo{ID: "lock-1", UnitID: unitID, Holder: "test"}}
}

func TestApplyRequiresLock(t *testing.T) {
	unit := testUnit()
	plan := NewPlanner().Plan(unit, nil)

	_, err := newTestApplier(&scriptedProvider{}).Apply(context.Background(), unit, plan, nil, nil)
	if err == nil {
		t.Fatal("apply without a lock must fail")
	}

	// A lock for a different unit is just as invalid.
	_, err = newTestApplier(&scriptedProvider{}).Apply(context.Background(), unit, plan, heldLock("other"), nil)
	if err == nil {
		t.Fatal("apply with a foreign lock must fail")
	}
}

func TestApplyBuildsSuccessorSnapshot(t *testing.T) {
	unit := testUnit()
	plan := NewPlanner().Plan(unit, nil)

	next, err := newTestApplier(&scriptedProvider{}).Apply(context.Background(), unit, plan, heldLock(unit.ID), nil)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if next.Serial != 1 {
		t.Errorf("expected serial 1, got %d", next.Serial)
	}
	if len(next.Resources) != 2 {
		t.Errorf("expected 2 recorded resources, got %d", len(next.Resources))
	}
	if string(next.Resources["vpc"]) != `{"cidr":"10.0.0.0/16"}` {
		t.Errorf("unexpected recorded vpc: %s", next.Resources["vpc"])
	}
}

func TestApplyPartialFailure(t *testing.T) {
	unit := &Unit{
		ID: "app",
		Resources: map[string]ResourceSpec{
			"a-first":  {Config: json.RawMessage(`{"n":1}`)},
			"b-broken": {Config: json.RawMessage(`{"n":2}`)},
			"c-later":  {Config: json.RawMessage(`{"n":3}`)},
		},
	}
	plan := NewPlanner().Plan(unit, nil)

	provider := &scriptedProvider{failures: map[string][]error{
		"b-broken": {NewPermanentError("access denied", nil)},
	}}

	next, err := newTestApplier(provider).Apply(context.Background(), unit, plan, heldLock("app"), nil)

	var ae *ApplyError
	if !errors.As(err, &ae) {
		t.Fatalf("expected ApplyError, got %v", err)
	}
	if !reflect.DeepEqual(ae.Completed, []string{"a-first"}) {
		t.Errorf("completed = %v, want [a-first]", ae.Completed)
	}
	if ae.FailedResource != "b-broken" {
		t.Errorf("failed resource = %q, want b-broken", ae.FailedResource)
	}
	if !reflect.DeepEqual(ae.Remaining, []string{"c-later"}) {
		t.Errorf("remaining = %v, want [c-later]", ae.Remaining)
	}

	// The successor snapshot records only the completed action. No rollback.
	if _, ok := next.Resources["a-first"]; !ok {
		t.Error("completed action missing from successor snapshot")
	}
	if _, ok := next.Resources["b-broken"]; ok {
		t.Error("failed action must not be recorded")
	}
	if _, ok := next.Resources["c-later"]; ok {
		t.Error("unattempted action must not be recorded")
	}
}

func TestApplyRetriesTransientErrors(t *testing.T) {
	unit := &Unit{
		ID: "app",
		Resources: map[string]ResourceSpec{
			"svc": {Config: json.RawMessage(`{"n":1}`)},
		},
	}
	plan := NewPlanner().Plan(unit, nil)

	provider := &scriptedProvider{failures: map[string][]error{
		"svc": {
			NewTransientError("connection reset", fmt.Errorf("eof")),
			NewTransientError("connection reset", fmt.Errorf("eof")),
		},
	}}

	applier := newTestApplier(provider)
	applier.maxRetries = 3

	next, err := applier.Apply(context.Background(), unit, plan, heldLock("app"), nil)
	if err != nil {
		t.Fatalf("apply should succeed after retries: %v", err)
	}
	if _, ok := next.Resources["svc"]; !ok {
		t.Error("resource missing after retried apply")
	}
}

func TestApplyDoesNotRetryPermanentErrors(t *testing.T) {
	unit := &Unit{
		ID: "app",
		Resources: map[string]ResourceSpec{
			"svc": {Config: json.RawMessage(`{"n":1}`)},
		},
	}
	plan := NewPlanner().Plan(unit, nil)

	provider := &scriptedProvider{failures: map[string][]error{
		"svc": {
			NewPermanentError("invalid config", nil),
			nil, // would succeed on retry, but must not be reached
		},
	}}

	_, err := newTestApplier(provider).Apply(context.Background(), unit, plan, heldLock("app"), nil)
	var ae *ApplyError
	if !errors.As(err, &ae) {
		t.Fatalf("expected ApplyError, got %v", err)
	}
	if len(provider.applied) != 0 {
		t.Errorf("permanent error must not be retried, applied: %v", provider.applied)
	}
}

func TestApplyDestroyRemovesResource(t *testing.T) {
	unit := &Unit{ID: "app", Resources: map[string]ResourceSpec{}}
	snap := &statebackend.StateSnapshot{
		UnitID:    "app",
		Serial:    2,
		Resources: map[string]json.RawMessage{"old": json.RawMessage(`{}`)},
	}
	plan := NewPlanner().Plan(unit, snap)

	next, err := newTestApplier(&scriptedProvider{}).Apply(context.Background(), unit, plan, heldLock("app"), snap)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if next.Serial != 3 {
		t.Errorf("expected serial 3, got %d", next.Serial)
	}
	if len(next.Resources) != 0 {
		t.Errorf("destroyed resource still recorded: %v", next.Resources)
	}
}
