package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writePolicyFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoadRegoFile(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, dir, "no-public-buckets.rego", `package stackrun.policies.no_public_buckets

# Buckets must not be public
# Applies to every environment

import rego.v1

deny contains violation if {
	some action in input.plan.actions
	action.after.public == true
	violation := {"message": "public buckets are forbidden", "severity": "error"}
}
`)

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("expected 1 policy, got %d", len(policies))
	}

	p := policies[0]
	if p.Name != "no-public-buckets" {
		t.Errorf("name = %q, want no-public-buckets", p.Name)
	}
	if p.Description != "Buckets must not be public Applies to every environment" {
		t.Errorf("unexpected description: %q", p.Description)
	}
	if p.Severity != SeverityWarning {
		t.Errorf("bare rego should default to warning severity, got %s", p.Severity)
	}
	if !p.Enabled {
		t.Error("loaded policy should be enabled")
	}
	if p.Source == "" {
		t.Error("loaded policy should record its source path")
	}
}

func TestLoadJSONManifest(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, dir, "freeze.json", `{
  "name": "change-freeze",
  "description": "No changes during the freeze window",
  "severity": "critical",
  "enabled": true,
  "rego": "package stackrun.policies.freeze\n\nimport rego.v1\n\ndeny contains violation if {\n\tinput.context.operation == \"apply\"\n\tviolation := {\"message\": \"change freeze in effect\", \"severity\": \"critical\"}\n}\n"
}`)

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("expected 1 policy, got %d", len(policies))
	}
	if policies[0].Name != "change-freeze" || policies[0].Severity != SeverityCritical {
		t.Errorf("unexpected policy: %+v", policies[0])
	}
}

func TestLoadYAMLManifest(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, dir, "review.yaml", `name: update-review
description: Updates need a review tag
severity: error
enabled: true
rego: |
  package stackrun.policies.update_review

  import rego.v1

  deny contains violation if {
      some action in input.plan.actions
      action.type == "update"
      not input.unit.tags.reviewed
      violation := {"message": "updates require the reviewed tag", "severity": "error"}
  }
`)

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("expected 1 policy, got %d", len(policies))
	}
	if policies[0].Name != "update-review" || policies[0].Severity != SeverityError {
		t.Errorf("unexpected policy: %+v", policies[0])
	}
}

func TestLoadDirectoryOrderIsLexical(t *testing.T) {
	dir := t.TempDir()
	rego := func(pkg string) string {
		return "package stackrun.policies." + pkg + "\n\nimport rego.v1\n"
	}
	writePolicyFile(t, dir, "zz-last.rego", rego("zz"))
	writePolicyFile(t, dir, "aa-first.rego", rego("aa"))
	writePolicyFile(t, dir, "mm-middle.rego", rego("mm"))

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}

	var names []string
	for _, p := range policies {
		names = append(names, p.Name)
	}
	want := []string{"aa-first", "mm-middle", "zz-last"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("load order = %v, want %v", names, want)
		}
	}
}

func TestLoadSkipsBrokenFiles(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, dir, "bad.json", `{not json`)
	writePolicyFile(t, dir, "good.rego", "package stackrun.policies.good\n\nimport rego.v1\n")

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 1 || policies[0].Name != "good" {
		t.Errorf("expected only the good policy, got %+v", policies)
	}
}

func TestLoadUnknownPathFails(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	if _, err := loader.LoadFromPaths(context.Background(), []string{"/does/not/exist"}); err == nil {
		t.Error("loading a missing path should fail")
	}
}

func TestLoadUsesCacheUntilCleared(t *testing.T) {
	dir := t.TempDir()
	path := writePolicyFile(t, dir, "p.rego", "package stackrun.policies.p\n\nimport rego.v1\n# first\n")

	loader := NewLoader(zerolog.Nop())
	first, err := loader.LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}

	// Rewrite the file; the cached entry still wins.
	writePolicyFile(t, dir, "p.rego", "package stackrun.policies.p\n\nimport rego.v1\n# second\n")
	cached, err := loader.LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if cached[0].Rego != first[0].Rego {
		t.Error("expected the cached policy before ClearCache")
	}

	loader.ClearCache()
	fresh, err := loader.LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if fresh[0].Rego == first[0].Rego {
		t.Error("expected the rewritten policy after ClearCache")
	}
}

func TestWatchReloadsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, dir, "p.rego", "package stackrun.policies.p\n\nimport rego.v1\n# first\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loader := NewLoader(zerolog.Nop())
	reloaded := make(chan []Policy, 4)
	err := loader.Watch(ctx, []string{dir}, func(policies []Policy) error {
		reloaded <- policies
		return nil
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer func() { _ = loader.StopWatching() }()

	writePolicyFile(t, dir, "p.rego", "package stackrun.policies.p\n\nimport rego.v1\n# second\n")

	select {
	case policies := <-reloaded:
		if len(policies) != 1 {
			t.Fatalf("expected 1 policy after reload, got %d", len(policies))
		}
		if !strings.Contains(policies[0].Rego, "# second") {
			t.Errorf("reload served stale content: %q", policies[0].Rego)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after file change")
	}
}
