package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stackrun/stackrun/pkg/config"
	"github.com/stackrun/stackrun/pkg/engine"
	"github.com/stackrun/stackrun/pkg/policy"
	"github.com/stackrun/stackrun/pkg/stores"
)

// cliLogger returns the process-wide logger configured in main.
func cliLogger() zerolog.Logger {
	return log.Logger
}

// loadUnits parses unit declarations from the given paths. With no paths,
// the current directory is used.
func loadUnits(ctx context.Context, paths []string) ([]engine.Unit, error) {
	if len(paths) == 0 {
		paths = []string{"."}
	}
	return config.NewParser().Units(ctx, paths)
}

// newPolicyEngine compiles the builtin policies and loads user policies
// from the given paths.
func newPolicyEngine(ctx context.Context, policyDirs []string) (*policy.Engine, error) {
	eng, err := policy.NewEngine(cliLogger())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize policy engine: %w", err)
	}
	if len(policyDirs) > 0 {
		if err := eng.LoadPaths(ctx, policyDirs); err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}
	return eng, nil
}

// newAuditSink opens the SQLite audit store, or a discarding sink when no
// path was given. The returned func closes the store.
func newAuditSink(ctx context.Context, path string) (engine.AuditSink, func(), error) {
	if path == "" {
		return engine.NopAuditSink{}, func() {}, nil
	}

	store, err := stores.NewAuditStore(stores.Config{Path: path})
	if err != nil {
		return nil, nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to open audit store: %w", err)
	}
	return store, func() { _ = store.Close() }, nil
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printRunSummary writes the per-unit terminal states, with rule ids and
// messages for blocked units.
func printRunSummary(result *engine.RunResult) {
	ids := make([]string, 0, len(result.Units))
	for id := range result.Units {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Printf("Run %s: %s", result.RunID, result.Status)
	if result.DryRun {
		fmt.Printf(" (dry run)")
	}
	fmt.Println()

	for _, id := range ids {
		ur := result.Units[id]
		switch {
		case ur.Status == engine.UnitStatusBlocked:
			fmt.Printf("  %-24s %s (%s)\n", id, ur.Status, ur.BlockReason)
			for _, v := range ur.Violations {
				fmt.Printf("    - %s: %s\n", v.Policy, v.Message)
			}
		case ur.Status == engine.UnitStatusFailed:
			fmt.Printf("  %-24s %s: %s\n", id, ur.Status, ur.Error)
		case ur.ApplySkipped:
			fmt.Printf("  %-24s %s (apply skipped)\n", id, ur.Status)
		default:
			fmt.Printf("  %-24s %s\n", id, ur.Status)
		}
	}
}
