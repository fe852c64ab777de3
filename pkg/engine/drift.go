package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/stackrun/stackrun/pkg/statebackend"
)

// DriftDetector compares a unit's last applied state with the live
// infrastructure. Detection is strictly read-only: it reads state and asks
// the provider for live configuration, and never writes either.
type DriftDetector struct {
	provider CloudProvider
	logger   zerolog.Logger
}

// NewDriftDetector creates a drift detector over the provider.
func NewDriftDetector(provider CloudProvider, logger zerolog.Logger) *DriftDetector {
	return &DriftDetector{
		provider: provider,
		logger:   logger.With().Str("component", "drift").Logger(),
	}
}

// Detect diffs the recorded snapshot against live. The diff logic mirrors
// the planner's structural comparison; deltas come out ordered by resource
// ID. A unit with no recorded state and nothing live yields an empty report.
func Detect(unit *Unit, lastApplied *statebackend.StateSnapshot, live map[string]json.RawMessage) *DriftReport {
	report := &DriftReport{
		UnitID:     unit.ID,
		DetectedAt: time.Now().UTC(),
	}
	if lastApplied != nil {
		report.StateSerial = lastApplied.Serial
	}

	seen := make(map[string]bool)
	var ids []string
	if lastApplied != nil {
		for id := range lastApplied.Resources {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for id := range live {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		var recorded json.RawMessage
		var hasRecorded bool
		if lastApplied != nil {
			recorded, hasRecorded = lastApplied.Resources[id]
		}
		liveCfg, hasLive := live[id]
		if hasLive && liveCfg == nil {
			hasLive = false
		}

		switch {
		case hasRecorded && !hasLive:
			report.Deltas = append(report.Deltas, Delta{
				ResourceID: id,
				Kind:       DeltaMissing,
				Recorded:   recorded,
			})
		case !hasRecorded && hasLive:
			report.Deltas = append(report.Deltas, Delta{
				ResourceID: id,
				Kind:       DeltaUnexpected,
				Live:       liveCfg,
			})
		case !structurallyEqual(recorded, liveCfg):
			report.Deltas = append(report.Deltas, Delta{
				ResourceID: id,
				Kind:       DeltaChanged,
				Recorded:   recorded,
				Live:       liveCfg,
			})
		}
	}

	return report
}

// DetectUnit reads the unit's state, collects the live view from the
// provider, and diffs the two.
func (d *DriftDetector) DetectUnit(ctx context.Context, backend statebackend.Backend, unit *Unit) (*DriftReport, error) {
	snap, err := backend.ReadState(ctx, unit.ID)
	if err != nil && !errors.Is(err, statebackend.ErrStateNotFound) {
		return nil, NewPermanentError("failed to read state", err).WithUnit(unit.ID).WithOperation("drift")
	}

	live, err := d.provider.ListResources(ctx, unit.ID)
	if err != nil {
		return nil, NewPermanentError("failed to list live resources", err).WithUnit(unit.ID).WithOperation("drift")
	}

	report := Detect(unit, snap, live)

	d.logger.Info().
		Str("unit", unit.ID).
		Int("deltas", len(report.Deltas)).
		Msg("drift detection completed")

	return report, nil
}
