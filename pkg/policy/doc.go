// Package policy implements the Rego-backed gate that decides whether a
// planned change may apply and whether detected drift may be remediated.
//
// The Engine compiles policies once with OPA's PreparedEvalQuery and
// evaluates them independently, in declaration order: builtin policies first,
// then loaded policies in load order. A plan or drift report is allowed only
// when every policy allows it; violations concatenate in the same declaration
// order so output is stable across runs.
//
// # Deny vs. engine failure
//
// A policy that produces violations is a deny: the gated unit ends Blocked
// and the violations travel with the result. A policy engine failure (a Rego
// source that does not compile, a runtime evaluation error) is a
// *PolicyEngineError and fails the unit instead. The two are never conflated.
//
// # Input document
//
// Policies see one JSON document per evaluation:
//
//	{
//	    "unit":    {"id": ..., "environment": ..., "tags": {...}},
//	    "plan":    {"actions": [...], "summary": {...}},   # apply gate
//	    "drift":   {"deltas": [...], "state_serial": ...}, # drift gate
//	    "context": {"operation": "apply" | "drift", "timestamp": ...}
//	}
//
// and report violations through a deny rule:
//
//	package stackrun.policies.backup
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.unit.environment == "production"
//	    not input.unit.tags.backup
//	    violation := {
//	        "message": "production units must carry a backup tag",
//	        "severity": "error",
//	    }
//	}
//
// # Loading and hot reload
//
// The Loader reads bare .rego sources plus .json and .yaml manifests, and can
// watch policy directories with fsnotify, recompiling after a debounce window:
//
//	loader := policy.NewLoader(logger)
//	err = loader.Watch(ctx, paths, func(policies []policy.Policy) error {
//	    return gate.Install(ctx, policies)
//	})
//
// A run-all takes Engine.Snapshot() once at run start, so a reload mid-run
// never changes the rules between two units of the same run.
package policy
