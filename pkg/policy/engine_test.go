package policy

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stackrun/stackrun/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e
}

func taggedUnit(env string, tags map[string]string) *engine.Unit {
	return &engine.Unit{
		ID:          "app",
		Environment: env,
		Tags:        tags,
	}
}

func createPlan(resourceIDs ...string) *engine.Plan {
	plan := &engine.Plan{UnitID: "app"}
	for _, id := range resourceIDs {
		plan.Actions = append(plan.Actions, engine.Action{
			ResourceID: id,
			Type:       engine.ActionCreate,
			After:      json.RawMessage(`{}`),
		})
		plan.Summary.Create++
	}
	return plan
}

func TestEngineCompilesBuiltins(t *testing.T) {
	e := newTestEngine(t)

	policies := e.List()
	want := []string{"required-tags", "prod-destroy-protection", "drift-threshold"}
	if len(policies) != len(want) {
		t.Fatalf("expected %d builtin policies, got %d", len(want), len(policies))
	}
	for i, name := range want {
		if policies[i].Name != name {
			t.Errorf("policy[%d] = %q, want %q (declaration order must hold)", i, policies[i].Name, name)
		}
	}
}

func TestEvaluatePlanAllowsTaggedUnit(t *testing.T) {
	e := newTestEngine(t)

	unit := taggedUnit("staging", map[string]string{"owner": "platform", "environment": "staging"})
	decision, err := e.EvaluatePlan(context.Background(), unit, createPlan("svc"))
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("expected allow, got violations: %+v", decision.Violations)
	}
}

func TestEvaluatePlanDeniesMissingTags(t *testing.T) {
	e := newTestEngine(t)

	unit := taggedUnit("staging", map[string]string{})
	decision, err := e.EvaluatePlan(context.Background(), unit, createPlan("svc"))
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("unit without required tags must be denied")
	}
	if len(decision.Violations) != 2 {
		t.Fatalf("expected 2 violations (owner, environment), got %+v", decision.Violations)
	}
	for _, v := range decision.Violations {
		if v.Policy != "required-tags" {
			t.Errorf("violation policy = %q, want required-tags", v.Policy)
		}
	}
}

func TestEvaluatePlanDeniesProductionDestroy(t *testing.T) {
	e := newTestEngine(t)

	unit := taggedUnit("production", map[string]string{"owner": "platform", "environment": "production"})
	plan := &engine.Plan{
		UnitID: "app",
		Actions: []engine.Action{{
			ResourceID: "database",
			Type:       engine.ActionDestroy,
			Before:     json.RawMessage(`{}`),
		}},
		Summary: engine.PlanSummary{Destroy: 1},
	}

	decision, err := e.EvaluatePlan(context.Background(), unit, plan)
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("production destroy without allow-destroy must be denied")
	}
	if decision.Violations[0].Policy != "prod-destroy-protection" {
		t.Errorf("unexpected violation: %+v", decision.Violations[0])
	}
	if decision.Violations[0].ResourceID != "database" {
		t.Errorf("violation should name the resource, got %+v", decision.Violations[0])
	}

	// The allow-destroy tag opts the unit out.
	unit.Tags["allow-destroy"] = "true"
	decision, err = e.EvaluatePlan(context.Background(), unit, plan)
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("allow-destroy tag should permit the destroy: %+v", decision.Violations)
	}
}

func TestEvaluatePlanAggregatesAcrossPolicies(t *testing.T) {
	e := newTestEngine(t)
	err := e.Install(context.Background(), []Policy{{
		Name:     "no-create",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package stackrun.policies.no_create

import rego.v1

deny contains violation if {
	some action in input.plan.actions
	action.type == "create"
	violation := {"message": "creates are frozen", "severity": "error"}
}
`,
	}})
	if err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	unit := taggedUnit("staging", map[string]string{})
	decision, err := e.EvaluatePlan(context.Background(), unit, createPlan("svc"))
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected deny")
	}

	// Violations come back in declaration order: both required-tags
	// violations first, then the loaded policy's.
	if len(decision.Violations) != 3 {
		t.Fatalf("expected 3 violations, got %+v", decision.Violations)
	}
	if decision.Violations[0].Policy != "required-tags" || decision.Violations[2].Policy != "no-create" {
		t.Errorf("violations out of declaration order: %+v", decision.Violations)
	}
}

func TestEvaluatePlanEngineErrorIsNotADeny(t *testing.T) {
	e := newTestEngine(t)
	err := e.Install(context.Background(), []Policy{{
		Name:     "broken",
		Severity: SeverityError,
		Enabled:  true,
		Rego:     "package stackrun.policies.broken\n\nthis is not rego",
	}})

	var engineErr *PolicyEngineError
	if !errors.As(err, &engineErr) {
		t.Fatalf("expected PolicyEngineError from install, got %v", err)
	}
	if engineErr.Policy != "broken" {
		t.Errorf("error should name the policy, got %q", engineErr.Policy)
	}

	// The broken policy was rejected; the engine still gates normally.
	unit := taggedUnit("staging", map[string]string{"owner": "a", "environment": "staging"})
	decision, err := e.EvaluatePlan(context.Background(), unit, createPlan("svc"))
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("unexpected deny: %+v", decision.Violations)
	}
}

func TestEvaluateDriftThreshold(t *testing.T) {
	e := newTestEngine(t)
	unit := taggedUnit("staging", map[string]string{"owner": "a", "environment": "staging"})

	small := &engine.DriftReport{
		UnitID: "app",
		Deltas: []engine.Delta{{ResourceID: "svc", Kind: engine.DeltaChanged}},
	}
	decision, err := e.EvaluateDrift(context.Background(), unit, small)
	if err != nil {
		t.Fatalf("EvaluateDrift failed: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("small drift should pass the gate: %+v", decision.Violations)
	}

	wide := &engine.DriftReport{UnitID: "app"}
	for _, id := range []string{"a", "b", "c", "d"} {
		wide.Deltas = append(wide.Deltas, engine.Delta{ResourceID: id, Kind: engine.DeltaChanged})
	}
	decision, err = e.EvaluateDrift(context.Background(), unit, wide)
	if err != nil {
		t.Fatalf("EvaluateDrift failed: %v", err)
	}
	if decision.Allowed {
		t.Error("drift above the threshold must be denied")
	}
}

func TestEvaluateDriftMissingResourceWarns(t *testing.T) {
	e := newTestEngine(t)
	unit := taggedUnit("staging", map[string]string{"owner": "a", "environment": "staging"})

	report := &engine.DriftReport{
		UnitID: "app",
		Deltas: []engine.Delta{{ResourceID: "svc", Kind: engine.DeltaMissing}},
	}
	decision, err := e.EvaluateDrift(context.Background(), unit, report)
	if err != nil {
		t.Fatalf("EvaluateDrift failed: %v", err)
	}

	// A warning-severity violation is reported but does not block.
	if !decision.Allowed {
		t.Errorf("warning severity must not deny: %+v", decision.Violations)
	}
	if len(decision.Violations) != 1 || decision.Violations[0].Severity != string(SeverityWarning) {
		t.Errorf("expected one warning violation, got %+v", decision.Violations)
	}
}

func TestEvaluationIsDeterministic(t *testing.T) {
	e := newTestEngine(t)
	unit := taggedUnit("staging", map[string]string{})
	plan := createPlan("svc")

	first, err := e.EvaluatePlan(context.Background(), unit, plan)
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		next, err := e.EvaluatePlan(context.Background(), unit, plan)
		if err != nil {
			t.Fatalf("EvaluatePlan failed: %v", err)
		}
		if next.Allowed != first.Allowed || len(next.Violations) != len(first.Violations) {
			t.Fatalf("evaluation not deterministic: %+v vs %+v", first, next)
		}
		for j := range next.Violations {
			if next.Violations[j] != first.Violations[j] {
				t.Fatalf("violation order changed: %+v vs %+v", first.Violations, next.Violations)
			}
		}
	}
}

func TestSnapshotIsolatesFromReload(t *testing.T) {
	e := newTestEngine(t)
	snapshot := e.Snapshot()

	err := e.Install(context.Background(), []Policy{{
		Name:     "deny-all",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package stackrun.policies.deny_all

import rego.v1

deny contains violation if {
	violation := {"message": "frozen", "severity": "error"}
}
`,
	}})
	if err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	unit := taggedUnit("staging", map[string]string{"owner": "a", "environment": "staging"})
	plan := createPlan("svc")

	decision, err := snapshot.EvaluatePlan(context.Background(), unit, plan)
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("snapshot must not see policies installed after it was taken: %+v", decision.Violations)
	}

	decision, err = e.EvaluatePlan(context.Background(), unit, plan)
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if decision.Allowed {
		t.Error("live engine must see the new policy")
	}
}

func TestSetEnabled(t *testing.T) {
	e := newTestEngine(t)
	if err := e.SetEnabled("required-tags", false); err != nil {
		t.Fatalf("SetEnabled failed: %v", err)
	}

	unit := taggedUnit("staging", map[string]string{})
	decision, err := e.EvaluatePlan(context.Background(), unit, createPlan("svc"))
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("disabled policy must not deny: %+v", decision.Violations)
	}

	if err := e.SetEnabled("nonexistent", true); err == nil {
		t.Error("enabling an unknown policy should fail")
	}
}

func TestWatchPathsReinstallsEditedPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "freeze.rego")
	first := `package stackrun.policies.freeze

import rego.v1

deny contains violation if {
	false
	violation := {"message": "unused", "severity": "error"}
}
`
	if err := os.WriteFile(path, []byte(first), 0o644); err != nil {
		t.Fatalf("failed to write policy: %v", err)
	}

	e := newTestEngine(t)
	if err := e.LoadPaths(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPaths failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop, err := e.WatchPaths(ctx, []string{dir})
	if err != nil {
		t.Fatalf("WatchPaths failed: %v", err)
	}
	defer func() { _ = stop() }()

	second := `package stackrun.policies.freeze

import rego.v1

deny contains violation if {
	input.context.operation == "apply"
	violation := {"message": "change freeze in effect", "severity": "error"}
}
`
	if err := os.WriteFile(path, []byte(second), 0o644); err != nil {
		t.Fatalf("failed to rewrite policy: %v", err)
	}

	// The edited set installs after the debounce window; poll until the
	// engine serves it.
	deadline := time.Now().Add(5 * time.Second)
	for {
		var installed string
		for _, p := range e.List() {
			if p.Name == "freeze" {
				installed = p.Rego
			}
		}
		if strings.Contains(installed, "change freeze in effect") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("engine never picked up the edited policy")
		}
		time.Sleep(50 * time.Millisecond)
	}

	unit := taggedUnit("staging", map[string]string{"owner": "a", "environment": "staging"})
	decision, err := e.EvaluatePlan(context.Background(), unit, createPlan("svc"))
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if decision.Allowed {
		t.Error("reloaded freeze policy should deny the apply")
	}
}
