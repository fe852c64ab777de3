package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the policies the gate evaluates",
	}

	cmd.AddCommand(newPolicyListCommand())

	return cmd
}

func newPolicyListCommand() *cobra.Command {
	var policyDirs []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List builtin and loaded policies",
		Long: `List every policy the gate would evaluate: the builtins plus any
policies loaded from --policy-dir, in declaration order.`,
		Example: `  # Builtins only
  stackrun policy list

  # Builtins plus user policies
  stackrun policy list --policy-dir policies/`,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newPolicyEngine(cmd.Context(), policyDirs)
			if err != nil {
				return err
			}
			policies := eng.List()

			if jsonOutput {
				return printJSON(policies)
			}

			fmt.Printf("%-28s %-10s %-8s %s\n", "NAME", "SEVERITY", "ENABLED", "SOURCE")
			for _, p := range policies {
				source := p.Source
				if source == "" {
					source = "(builtin)"
				}
				fmt.Printf("%-28s %-10s %-8t %s\n", p.Name, p.Severity, p.Enabled, source)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&policyDirs, "policy-dir", nil, "directories or files with additional policies")

	return cmd
}
