package policy

import (
	"time"
)

// BuiltinPolicies returns the policies compiled into every engine. They sit
// ahead of loaded policies in declaration order.
func BuiltinPolicies() []Policy {
	return []Policy{
		requiredTagsPolicy(),
		prodDestroyProtectionPolicy(),
		driftThresholdPolicy(),
	}
}

// requiredTagsPolicy enforces that every unit carries the owner and
// environment tags.
func requiredTagsPolicy() Policy {
	return Policy{
		Name:        "required-tags",
		Description: "Every unit must carry the owner and environment tags",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"governance", "tagging"},
		LoadedAt:    time.Now().UTC(),
		Rego: `package stackrun.policies.required_tags

import rego.v1

deny contains violation if {
	not input.unit.tags.owner
	violation := {
		"message": sprintf("unit %s is missing the required tag 'owner'", [input.unit.id]),
		"severity": "error",
	}
}

deny contains violation if {
	not input.unit.tags.environment
	violation := {
		"message": sprintf("unit %s is missing the required tag 'environment'", [input.unit.id]),
		"severity": "error",
	}
}
`,
	}
}

// prodDestroyProtectionPolicy blocks destroy actions in production unless the
// unit explicitly opts in with the allow-destroy tag.
func prodDestroyProtectionPolicy() Policy {
	return Policy{
		Name:        "prod-destroy-protection",
		Description: "Destroy actions in production require the allow-destroy tag",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"safety", "production"},
		LoadedAt:    time.Now().UTC(),
		Rego: `package stackrun.policies.prod_destroy

import rego.v1

deny contains violation if {
	input.unit.environment == "production"
	not input.unit.tags["allow-destroy"] == "true"

	some action in input.plan.actions
	action.type == "destroy"
	violation := {
		"message": sprintf("destroy of %s in production requires the allow-destroy tag", [action.resource_id]),
		"severity": "critical",
		"resource": action.resource_id,
	}
}
`,
	}
}

// driftThresholdPolicy blocks remediation when too many resources drifted at
// once; a wide blast radius usually means the diff inputs are wrong, not the
// infrastructure.
func driftThresholdPolicy() Policy {
	return Policy{
		Name:        "drift-threshold",
		Description: "Drift affecting more than three resources requires manual review",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"drift"},
		LoadedAt:    time.Now().UTC(),
		Rego: `package stackrun.policies.drift_threshold

import rego.v1

deny contains violation if {
	input.context.operation == "drift"
	count(input.drift.deltas) > 3
	violation := {
		"message": sprintf("%d resources drifted in unit %s, above the review threshold of 3", [count(input.drift.deltas), input.unit.id]),
		"severity": "error",
	}
}

deny contains violation if {
	input.context.operation == "drift"
	some delta in input.drift.deltas
	delta.kind == "missing"
	violation := {
		"message": sprintf("recorded resource %s no longer exists", [delta.resource_id]),
		"severity": "warning",
		"resource": delta.resource_id,
	}
}
`,
	}
}
