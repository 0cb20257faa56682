package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var versionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "Manage extraction versions",
}

var versionsRegisterCmd = &cobra.Command{
	Use:   "register <entity-type> <version>",
	Short: "Register a new experimental extraction version",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		entityType, ver := args[0], args[1]
		changelog, _ := cmd.Flags().GetString("changelog")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		_, versions := buildRegistries(st)
		if err := versions.Register(ctx, entityType, ver, nil, changelog); err != nil {
			return eris.Wrapf(err, "versions register %s %s", entityType, ver)
		}

		zap.L().Info("version registered",
			zap.String("entity_type", entityType),
			zap.String("version", ver),
		)
		fmt.Printf("Registered %s %s as experimental\n", entityType, ver)
		return nil
	},
}

var versionsListCmd = &cobra.Command{
	Use:   "list <entity-type>",
	Short: "List extraction versions for an entity type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		_, versions := buildRegistries(st)
		list, err := versions.List(ctx, args[0])
		if err != nil {
			return eris.Wrapf(err, "versions list %s", args[0])
		}
		return printJSON(list)
	},
}

func init() {
	versionsRegisterCmd.Flags().String("changelog", "", "what changed in this version")
	versionsCmd.AddCommand(versionsRegisterCmd)
	versionsCmd.AddCommand(versionsListCmd)
	rootCmd.AddCommand(versionsCmd)
}
