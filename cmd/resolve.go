package main

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/dimension"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <entity-type> <natural-key> <as-of-date>",
	Short: "Resolve a natural key to its dimension version as of a date",
	Long: `Prints the dimension record whose effective interval contains the given
date (YYYY-MM-DD). Errors when the key has no version effective then.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		entityType, naturalKey := args[0], args[1]

		asOf, err := time.Parse("2006-01-02", args[2])
		if err != nil {
			return badInput(eris.Wrapf(err, "resolve: bad as-of date %q", args[2]))
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		rec, err := dimension.NewResolver(st).Resolve(ctx, entityType, naturalKey, asOf)
		if err != nil {
			return eris.Wrapf(err, "resolve %s %s", entityType, naturalKey)
		}
		return printJSON(rec)
	},
}

func init() {
	rootCmd.AddCommand(resolveCmd)
}
