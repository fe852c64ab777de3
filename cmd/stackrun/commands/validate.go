package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stackrun/stackrun/pkg/config"
	"github.com/stackrun/stackrun/pkg/engine"
)

// validateReport is the validate command's output shape.
type validateReport struct {
	Units  int                      `json:"units"`
	Levels [][]string               `json:"levels,omitempty"`
	Errors []config.ValidationError `json:"errors,omitempty"`
}

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [paths...]",
		Short: "Validate unit declarations and the dependency graph",
		Long: `Parse the unit declarations, check every unit against the schema, and
build the dependency graph. Reports every validation error with its file
position, plus cycles and references to unknown units. Nothing is
planned or applied.`,
		Example: `  # Validate the current directory
  stackrun validate

  # Validate a deployment tree
  stackrun validate deploy/`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			paths := args
			if len(paths) == 0 {
				paths = []string{"."}
			}

			parsed, err := config.NewParser().Parse(ctx, paths)
			if err != nil {
				return err
			}

			report := validateReport{
				Units:  len(parsed.Units),
				Errors: parsed.Errors,
			}

			if len(parsed.Errors) == 0 {
				units, err := parsed.ToEngineUnits()
				if err != nil {
					return err
				}
				graph, err := engine.NewDAGBuilder().BuildGraph(units)
				if err != nil {
					report.Errors = append(report.Errors, config.ValidationError{
						Message:  err.Error(),
						Severity: "error",
					})
				} else {
					report.Levels = graph.Levels
				}
			}

			if jsonOutput {
				if err := printJSON(report); err != nil {
					return err
				}
			} else {
				printValidateReport(report)
			}

			if len(report.Errors) > 0 {
				return &ExitError{Code: 1}
			}
			return nil
		},
	}

	return cmd
}

func printValidateReport(report validateReport) {
	if len(report.Errors) > 0 {
		for _, ve := range report.Errors {
			fmt.Println(ve.Error())
		}
		fmt.Printf("%d unit(s), %d error(s)\n", report.Units, len(report.Errors))
		return
	}

	fmt.Printf("%d unit(s), no errors\n", report.Units)
	for i, level := range report.Levels {
		fmt.Printf("  level %d: %s\n", i, strings.Join(level, ", "))
	}
}
