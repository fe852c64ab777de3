package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/stackrun/stackrun/pkg/engine"
)

// Engine is the Rego-backed implementation of engine.PolicyGate.
//
// Policies evaluate independently in declaration order: builtins first, then
// loaded policies in load order. The aggregate decision is the AND of the
// individual results, and violations concatenate in the same order. An engine
// failure (compile error, runtime evaluation error) surfaces as a
// *PolicyEngineError, never as a deny.
type Engine struct {
	mu       sync.RWMutex
	policies []*compiledPolicy
	logger   zerolog.Logger
}

// compiledPolicy is one policy with its prepared deny query.
type compiledPolicy struct {
	policy   *Policy
	pkg      string
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the builtin policies compiled in.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		logger: logger.With().Str("component", "policy-engine").Logger(),
	}

	builtins := BuiltinPolicies()
	for i := range builtins {
		cp, err := compilePolicy(context.Background(), &builtins[i])
		if err != nil {
			return nil, fmt.Errorf("failed to compile builtin policy %s: %w", builtins[i].Name, err)
		}
		e.policies = append(e.policies, cp)
	}

	e.logger.Debug().Int("count", len(builtins)).Msg("builtin policies compiled")
	return e, nil
}

// LoadPaths loads and compiles policies from files or directories. A policy
// whose name matches an existing one replaces it in place, keeping its
// declaration position; new policies append after everything already loaded.
func (e *Engine) LoadPaths(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return &PolicyEngineError{Err: err}
	}
	return e.Install(ctx, policies)
}

// WatchPaths watches the paths for policy file changes and reinstalls the
// reloaded set into the engine. Callers that take a fresh Snapshot per
// evaluation pass pick up edits on their next pass; snapshots already taken
// are unaffected. The returned stop func closes the watcher.
func (e *Engine) WatchPaths(ctx context.Context, paths []string) (func() error, error) {
	loader := NewLoader(e.logger)
	err := loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.Install(ctx, policies)
	})
	if err != nil {
		return nil, err
	}
	return loader.StopWatching, nil
}

// Install compiles the given policies into the engine.
func (e *Engine) Install(ctx context.Context, policies []Policy) error {
	compiled := make([]*compiledPolicy, 0, len(policies))
	for i := range policies {
		cp, err := compilePolicy(ctx, &policies[i])
		if err != nil {
			return &PolicyEngineError{Policy: policies[i].Name, Err: err}
		}
		compiled = append(compiled, cp)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cp := range compiled {
		if i := e.indexOf(cp.policy.Name); i >= 0 {
			e.policies[i] = cp
		} else {
			e.policies = append(e.policies, cp)
		}
	}

	e.logger.Info().Int("count", len(compiled)).Msg("policies installed")
	return nil
}

// indexOf returns the declaration index of the named policy, or -1. Caller
// holds the lock.
func (e *Engine) indexOf(name string) int {
	for i, cp := range e.policies {
		if cp.policy.Name == name {
			return i
		}
	}
	return -1
}

// Snapshot freezes the current policy set. The orchestrator takes one
// snapshot at run start so a reload mid-run cannot change the rules between
// two units of the same run.
func (e *Engine) Snapshot() engine.PolicyGate {
	e.mu.RLock()
	defer e.mu.RUnlock()

	frozen := make([]*compiledPolicy, len(e.policies))
	copy(frozen, e.policies)
	return &snapshotGate{policies: frozen, logger: e.logger}
}

// EvaluatePlan implements engine.PolicyGate against the live policy set.
func (e *Engine) EvaluatePlan(ctx context.Context, unit *engine.Unit, plan *engine.Plan) (*engine.PolicyDecision, error) {
	return e.Snapshot().EvaluatePlan(ctx, unit, plan)
}

// EvaluateDrift implements engine.PolicyGate against the live policy set.
func (e *Engine) EvaluateDrift(ctx context.Context, unit *engine.Unit, report *engine.DriftReport) (*engine.PolicyDecision, error) {
	return e.Snapshot().EvaluateDrift(ctx, unit, report)
}

// List returns the policies in declaration order.
func (e *Engine) List() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		out = append(out, *cp.policy)
	}
	return out
}

// SetEnabled enables or disables a policy by name.
func (e *Engine) SetEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	i := e.indexOf(name)
	if i < 0 {
		return fmt.Errorf("policy not found: %s", name)
	}
	e.policies[i].policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("policy toggled")
	return nil
}

// snapshotGate evaluates a frozen, ordered policy set.
type snapshotGate struct {
	policies []*compiledPolicy
	logger   zerolog.Logger
}

func (g *snapshotGate) EvaluatePlan(ctx context.Context, unit *engine.Unit, plan *engine.Plan) (*engine.PolicyDecision, error) {
	input := gateInput{
		Unit: unitInputFrom(unit),
		Plan: planInputFrom(plan),
		Context: contextInput{
			Operation: "apply",
			Timestamp: time.Now().UTC(),
		},
	}
	return g.evaluate(ctx, input)
}

func (g *snapshotGate) EvaluateDrift(ctx context.Context, unit *engine.Unit, report *engine.DriftReport) (*engine.PolicyDecision, error) {
	input := gateInput{
		Unit:  unitInputFrom(unit),
		Drift: driftInputFrom(report),
		Context: contextInput{
			Operation: "drift",
			Timestamp: time.Now().UTC(),
		},
	}
	return g.evaluate(ctx, input)
}

// evaluate runs every enabled policy in declaration order and folds the
// results. Identical inputs against an identical snapshot always produce the
// same decision.
func (g *snapshotGate) evaluate(ctx context.Context, input gateInput) (*engine.PolicyDecision, error) {
	start := time.Now()

	decision := &engine.PolicyDecision{Allowed: true}
	for _, cp := range g.policies {
		if !cp.policy.Enabled {
			continue
		}

		violations, err := evalPolicy(ctx, cp, input)
		if err != nil {
			return nil, &PolicyEngineError{Policy: cp.policy.Name, Err: err}
		}

		for _, v := range violations {
			if v.Severity == string(SeverityError) || v.Severity == string(SeverityCritical) {
				decision.Allowed = false
			}
			decision.Violations = append(decision.Violations, v)
		}
	}
	decision.EvaluatedAt = time.Now().UTC()

	g.logger.Debug().
		Str("unit", input.Unit.ID).
		Str("operation", input.Context.Operation).
		Bool("allowed", decision.Allowed).
		Int("violations", len(decision.Violations)).
		Dur("duration", time.Since(start)).
		Msg("gate evaluation completed")

	return decision, nil
}

// evalPolicy runs one policy's deny query and converts the results.
func evalPolicy(ctx context.Context, cp *compiledPolicy, input gateInput) ([]engine.PolicyViolation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []engine.PolicyViolation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, toViolation(cp.policy, d))
			}
		}
	}
	return violations, nil
}

// toViolation converts a deny result into an engine.PolicyViolation. Results
// may be bare strings or objects with message/severity/resource fields.
func toViolation(policy *Policy, result interface{}) engine.PolicyViolation {
	violation := engine.PolicyViolation{
		Policy:   policy.Name,
		Severity: string(policy.Severity),
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = sev
		}
		if res, ok := v["resource"].(string); ok {
			violation.ResourceID = res
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}
	return violation
}

// compilePolicy parses the policy's Rego and prepares its deny query.
func compilePolicy(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	pkg := strings.TrimPrefix(module.Package.Path.String(), "data.")

	query, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Query(fmt.Sprintf("data.%s.deny", pkg)),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{
		policy:   policy,
		pkg:      pkg,
		query:    query,
		compiled: time.Now().UTC(),
	}, nil
}

func unitInputFrom(unit *engine.Unit) unitInput {
	return unitInput{
		ID:          unit.ID,
		Environment: unit.Environment,
		Tags:        unit.Tags,
	}
}

func planInputFrom(plan *engine.Plan) *planInput {
	in := &planInput{
		BaseSerial: plan.BaseSerial,
		Actions:    make([]actionInput, 0, len(plan.Actions)),
		Summary:    plan.Summary,
	}
	for _, a := range plan.Actions {
		in.Actions = append(in.Actions, actionInput{
			ResourceID:   a.ResourceID,
			Type:         string(a.Type),
			ResourceType: a.ResourceType,
			Before:       a.Before,
			After:        a.After,
		})
	}
	return in
}

func driftInputFrom(report *engine.DriftReport) *driftInput {
	in := &driftInput{
		StateSerial: report.StateSerial,
		Deltas:      make([]deltaInput, 0, len(report.Deltas)),
	}
	for _, d := range report.Deltas {
		in.Deltas = append(in.Deltas, deltaInput{
			ResourceID: d.ResourceID,
			Kind:       string(d.Kind),
		})
	}
	return in
}
