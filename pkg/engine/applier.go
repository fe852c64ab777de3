package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/stackrun/stackrun/pkg/statebackend"
)

// Applier executes plans against the cloud provider. It never runs without a
// held lock, applies actions strictly in plan order, and reports partial
// application on failure instead of rolling back.
type Applier struct {
	provider   CloudProvider
	logger     zerolog.Logger
	maxRetries int
}

// NewApplier creates an applier over the provider.
func NewApplier(provider CloudProvider, logger zerolog.Logger) *Applier {
	return &Applier{
		provider:   provider,
		logger:     logger.With().Str("component", "applier").Logger(),
		maxRetries: 3,
	}
}

// Apply executes the plan's actions in order and returns the successor
// snapshot. The lock must be held for the plan's unit; current must be the
// snapshot the plan was computed against. On a per-resource failure the
// returned error is an *ApplyError and the successor snapshot covers only the
// completed actions, so the caller can still record what actually happened.
func (a *Applier) Apply(
	ctx context.Context,
	unit *Unit,
	plan *Plan,
	lock *statebackend.Lock,
	current *statebackend.StateSnapshot,
) (*statebackend.StateSnapshot, error) {
	if lock == nil {
		return nil, NewPermanentError("apply requires a held lock", nil).WithUnit(unit.ID).WithOperation("apply")
	}
	if lock.Info.UnitID != unit.ID {
		return nil, NewPermanentError(
			fmt.Sprintf("lock is scoped to unit %q, not %q", lock.Info.UnitID, unit.ID), nil,
		).WithOperation("apply")
	}
	if plan.UnitID != unit.ID {
		return nil, NewPermanentError(
			fmt.Sprintf("plan is for unit %q, not %q", plan.UnitID, unit.ID), nil,
		).WithOperation("apply")
	}

	next := buildSuccessor(unit.ID, current)

	var completed []string
	for i, action := range plan.Actions {
		if action.Type == ActionNoop {
			completed = append(completed, action.ResourceID)
			continue
		}

		result, err := a.applyWithRetry(ctx, unit.ID, action)
		if err != nil {
			remaining := make([]string, 0, len(plan.Actions)-i-1)
			for _, later := range plan.Actions[i+1:] {
				if later.Type != ActionNoop {
					remaining = append(remaining, later.ResourceID)
				}
			}
			return next, &ApplyError{
				UnitID:         unit.ID,
				Completed:      completed,
				FailedResource: action.ResourceID,
				Remaining:      remaining,
				Err:            err,
			}
		}

		if action.Type == ActionDestroy {
			delete(next.Resources, action.ResourceID)
		} else {
			next.Resources[action.ResourceID] = result
		}
		completed = append(completed, action.ResourceID)

		a.logger.Debug().
			Str("unit", unit.ID).
			Str("resource", action.ResourceID).
			Str("action", string(action.Type)).
			Msg("action applied")
	}

	return next, nil
}

// applyWithRetry retries transient and throttled provider failures with
// exponential backoff before giving up.
func (a *Applier) applyWithRetry(ctx context.Context, unitID string, action Action) (result json.RawMessage, err error) {
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		result, err = a.provider.ApplyAction(ctx, unitID, action)
		if err == nil {
			return result, nil
		}
		if !IsRetryable(err) || attempt == a.maxRetries {
			return nil, err
		}

		backoff := calculateBackoff(attempt, err)
		a.logger.Warn().
			Err(err).
			Str("unit", unitID).
			Str("resource", action.ResourceID).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("retrying provider action")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, err
}

// buildSuccessor copies the current snapshot with the serial advanced by one.
func buildSuccessor(unitID string, current *statebackend.StateSnapshot) *statebackend.StateSnapshot {
	next := current.Clone()
	if next == nil {
		next = &statebackend.StateSnapshot{
			UnitID:    unitID,
			Resources: make(map[string]json.RawMessage),
		}
	}
	if next.Resources == nil {
		next.Resources = make(map[string]json.RawMessage)
	}
	next.UnitID = unitID
	next.Serial++
	next.UpdatedAt = time.Now().UTC()
	return next
}

// calculateBackoff calculates exponential backoff with jitter. Throttled
// errors start from a larger base delay.
func calculateBackoff(attempt int, err error) time.Duration {
	baseDelay := 1 * time.Second
	if IsThrottled(err) {
		baseDelay = 5 * time.Second
	}

	delay := baseDelay * time.Duration(math.Pow(2, float64(attempt)))
	if delay > time.Minute {
		delay = time.Minute
	}

	// Add up to 25% jitter to avoid thundering herds.
	jitter := time.Duration(rand.Int63n(int64(delay / 4)))
	return delay + jitter
}
