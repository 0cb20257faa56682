package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback <entity-type> <version>",
	Short: "Roll production back to a prior version",
	Long: `Restores a previously-production version as the production version for
the entity type. The swap is audited as a rollback, distinct from a
forward promotion.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		entityType, ver := args[0], args[1]

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		_, versions := buildRegistries(st)
		if err := versions.Rollback(ctx, entityType, ver); err != nil {
			return eris.Wrapf(err, "rollback %s %s", entityType, ver)
		}

		zap.L().Warn("production rolled back",
			zap.String("entity_type", entityType),
			zap.String("version", ver),
		)
		fmt.Printf("Production version for %s rolled back to %s\n", entityType, ver)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rollbackCmd)
}
