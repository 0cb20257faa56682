package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var promoteCmd = &cobra.Command{
	Use:   "promote <entity-type> <version>",
	Short: "Promote an extraction version to production",
	Long: `Makes the given experimental version the production version for the
entity type, retiring the previous one. The quality gate runs first;
a critical failure halts the promotion.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		entityType, ver := args[0], args[1]

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		gate, err := buildGate(st)
		if err != nil {
			return err
		}
		if _, err := gate.Enforce(ctx, entityType); err != nil {
			return eris.Wrap(err, "promote")
		}

		_, versions := buildRegistries(st)
		if err := versions.Promote(ctx, entityType, ver); err != nil {
			return eris.Wrapf(err, "promote %s %s", entityType, ver)
		}

		zap.L().Info("version promoted",
			zap.String("entity_type", entityType),
			zap.String("version", ver),
		)
		fmt.Printf("Production version for %s is now %s\n", entityType, ver)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(promoteCmd)
}
