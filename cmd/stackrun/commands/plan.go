package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stackrun/stackrun/pkg/engine"
	"github.com/stackrun/stackrun/pkg/statebackend"
)

// unitPlan is one unit's plan and gate decision, for output.
type unitPlan struct {
	UnitID   string                 `json:"unit_id"`
	Plan     *engine.Plan           `json:"plan"`
	Decision *engine.PolicyDecision `json:"decision"`
}

func newPlanCommand() *cobra.Command {
	var (
		targets    []string
		policyDirs []string
		dotOutput  bool
	)

	cmd := &cobra.Command{
		Use:   "plan [paths...]",
		Short: "Plan and gate units without applying",
		Long: `Compute every unit's plan against its recorded state and evaluate the
policy gate, without acquiring locks or writing anything.

Exit code is 0 when every plan passed the gate, 2 when any plan was
denied, 1 on errors.`,
		Example: `  # Show what a run-all would change
  stackrun plan deploy/

  # Plan one unit and its dependencies
  stackrun plan deploy/ --target prod-database

  # Export the unit graph for Graphviz
  stackrun plan deploy/ --dot | dot -Tsvg > units.svg`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			units, err := loadUnits(ctx, args)
			if err != nil {
				return err
			}

			graph, err := engine.NewDAGBuilder().BuildGraph(units)
			if err != nil {
				return err
			}
			if graph, err = graph.Subgraph(targets); err != nil {
				return err
			}

			if dotOutput {
				fmt.Print(graph.ToDOT())
				return nil
			}

			policyEngine, err := newPolicyEngine(ctx, policyDirs)
			if err != nil {
				return err
			}
			gate := policyEngine.Snapshot()

			backends := statebackend.NewFactory()
			defer backends.Close()
			planner := engine.NewPlanner()

			plans := make([]unitPlan, 0, len(graph.Order))
			denied := false
			for _, id := range graph.Order {
				unit := graph.Units[id]

				backend, err := backends.Get(ctx, unit.Backend)
				if err != nil {
					return fmt.Errorf("unit %s: %w", id, err)
				}
				snap, err := backend.ReadState(ctx, id)
				if err != nil && !errors.Is(err, statebackend.ErrStateNotFound) {
					return fmt.Errorf("unit %s: %w", id, err)
				}

				plan := planner.Plan(unit, snap)
				decision, err := gate.EvaluatePlan(ctx, unit, plan)
				if err != nil {
					return fmt.Errorf("unit %s: policy evaluation failed: %w", id, err)
				}
				if !decision.Allowed {
					denied = true
				}
				plans = append(plans, unitPlan{UnitID: id, Plan: plan, Decision: decision})
			}

			if jsonOutput {
				if err := printJSON(plans); err != nil {
					return err
				}
			} else {
				printPlans(plans)
			}

			if denied {
				return &ExitError{Code: 2}
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&targets, "target", "t", nil, "restrict planning to these units and their dependencies")
	cmd.Flags().StringSliceVar(&policyDirs, "policy-dir", nil, "directories or files with additional policies")
	cmd.Flags().BoolVar(&dotOutput, "dot", false, "print the unit graph in DOT format and exit")

	return cmd
}

func printPlans(plans []unitPlan) {
	for _, up := range plans {
		s := up.Plan.Summary
		verdict := "allowed"
		if !up.Decision.Allowed {
			verdict = "denied"
		}
		fmt.Printf("%-24s create=%d update=%d destroy=%d noop=%d  gate: %s\n",
			up.UnitID, s.Create, s.Update, s.Destroy, s.Noop, verdict)
		for _, v := range up.Decision.Violations {
			fmt.Printf("  - %s: %s\n", v.Policy, v.Message)
		}
	}
}
