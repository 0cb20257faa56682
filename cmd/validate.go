package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/quality"
)

var validateCmd = &cobra.Command{
	Use:   "validate <entity-type>",
	Short: "Run the quality gate and report every check",
	Long: `Evaluates all registered quality checks against current state and prints
the results. Exits nonzero when a critical check fails.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		entityType := args[0]

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		gate, err := buildGate(st)
		if err != nil {
			return err
		}

		results, err := gate.Enforce(ctx, entityType)
		if results != nil {
			if perr := printJSON(results); perr != nil {
				return perr
			}
		}
		if err != nil {
			if quality.IsBlocked(err) {
				return err
			}
			return eris.Wrapf(err, "validate %s", entityType)
		}

		fmt.Printf("All checks passed for %s\n", entityType)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
