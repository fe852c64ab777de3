// Package engine implements the stackrun orchestration core.
//
// # Overview
//
// stackrun applies a working set of infrastructure configuration units in
// dependency order. Each unit moves through a fixed pipeline:
//
//  1. Plan - diff the declared resources against the unit's state snapshot
//  2. Gate - evaluate the plan against the loaded policy set
//  3. Apply - execute the planned actions under the unit's state lock
//
// The Orchestrator schedules units level by level over the dependency graph,
// running independent units concurrently under a bounded worker pool. A unit
// only starts once every dependency reached Done; anything else blocks it.
//
// # Core Domain Types
//
//   - Unit: one independently applied configuration with its own backend
//   - Plan: the deterministic diff for a unit, actions ordered by resource ID
//   - DriftReport: the read-only diff between recorded and live state
//   - RunResult / UnitResult: terminal outcomes of a run-all
//
// # Boundaries
//
// Three interfaces keep the core narrow: CloudProvider executes actions
// against real infrastructure, PolicyGate (implemented by pkg/policy) decides
// whether a plan may apply, and AuditSink (implemented by pkg/stores)
// persists outcomes. State access goes through pkg/statebackend.
//
// # Error Classification
//
// Provider errors are classified for retry logic: transient and throttled
// failures are retried with exponential backoff, everything else fails the
// unit. Graph problems (CycleError, UnresolvedDependencyError,
// DuplicateUnitError) are fatal before any unit starts; ApplyError reports
// partial application without rollback.
package engine
