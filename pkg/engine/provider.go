package engine

import (
	"context"
	"encoding/json"
	"sync"
)

// CloudProvider is the narrow boundary between the orchestration core and the
// infrastructure it manages. Implementations translate planned actions into
// cloud API calls and report live resource configuration for drift detection.
//
// Failures should be classified with the EngineError constructors so the
// applier knows what to retry: transient and throttled errors are retried
// with backoff, anything else fails the action.
type CloudProvider interface {
	// ApplyAction executes one planned action and returns the resulting
	// resource configuration, or nil for destroys.
	ApplyAction(ctx context.Context, unitID string, action Action) (json.RawMessage, error)

	// ReadResource returns the live configuration of a recorded resource, or
	// nil if it no longer exists.
	ReadResource(ctx context.Context, unitID, resourceID string, recorded json.RawMessage) (json.RawMessage, error)

	// ListResources returns the live configurations of every resource the
	// provider can attribute to the unit, keyed by resource ID.
	ListResources(ctx context.Context, unitID string) (map[string]json.RawMessage, error)
}

// StateOnlyProvider is a CloudProvider whose universe is its own bookkeeping:
// applies record the desired configuration as live, reads echo it back. It
// makes the orchestration core executable end-to-end without cloud
// credentials and backs the drift path in local setups.
type StateOnlyProvider struct {
	mu   sync.Mutex
	live map[string]map[string]json.RawMessage
}

// NewStateOnlyProvider creates an empty state-only provider.
func NewStateOnlyProvider() *StateOnlyProvider {
	return &StateOnlyProvider{
		live: make(map[string]map[string]json.RawMessage),
	}
}

// ApplyAction records the desired configuration as the live one.
func (p *StateOnlyProvider) ApplyAction(_ context.Context, unitID string, action Action) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	unit := p.live[unitID]
	if unit == nil {
		unit = make(map[string]json.RawMessage)
		p.live[unitID] = unit
	}

	if action.Type == ActionDestroy {
		delete(unit, action.ResourceID)
		return nil, nil
	}

	cfg := append(json.RawMessage(nil), action.After...)
	unit[action.ResourceID] = cfg
	return cfg, nil
}

// ReadResource returns the recorded live configuration, falling back to the
// recorded state so fresh processes see no phantom drift.
func (p *StateOnlyProvider) ReadResource(_ context.Context, unitID, resourceID string, recorded json.RawMessage) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if unit, ok := p.live[unitID]; ok {
		if cfg, ok := unit[resourceID]; ok {
			return append(json.RawMessage(nil), cfg...), nil
		}
		return nil, nil
	}
	return append(json.RawMessage(nil), recorded...), nil
}

// ListResources returns everything applied through this provider for the unit.
func (p *StateOnlyProvider) ListResources(_ context.Context, unitID string) (map[string]json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]json.RawMessage, len(p.live[unitID]))
	for id, cfg := range p.live[unitID] {
		out[id] = append(json.RawMessage(nil), cfg...)
	}
	return out, nil
}

// Seed primes the provider's live view, for tests simulating out-of-band
// changes.
func (p *StateOnlyProvider) Seed(unitID, resourceID string, cfg json.RawMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()

	unit := p.live[unitID]
	if unit == nil {
		unit = make(map[string]json.RawMessage)
		p.live[unitID] = unit
	}
	unit[resourceID] = append(json.RawMessage(nil), cfg...)
}
