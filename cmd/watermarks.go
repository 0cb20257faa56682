package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var watermarksCmd = &cobra.Command{
	Use:   "watermarks",
	Short: "Inspect committed watermarks",
}

var watermarksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List committed watermarks for a source",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		source, _ := cmd.Flags().GetString("source")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		records, err := st.ListWatermarks(ctx, source)
		if err != nil {
			return eris.Wrapf(err, "watermarks list %s", source)
		}
		return printJSON(records)
	},
}

func init() {
	watermarksListCmd.Flags().String("source", "house_fd", "source identifier")
	watermarksCmd.AddCommand(watermarksListCmd)
	rootCmd.AddCommand(watermarksCmd)
}
