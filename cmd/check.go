package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/model"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/watermark"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check source partitions for new or changed data",
	Long: `Compares each partition's remote fingerprint against the committed
watermark and reports which partitions need processing. Never writes a
marker; run ingest to actually process and commit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		source, _ := cmd.Flags().GetString("source")
		partitions, _ := cmd.Flags().GetStringSlice("partitions")
		if len(partitions) == 0 {
			return badInput(eris.New("check: at least one --partitions value is required"))
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		raw, err := openRaw()
		if err != nil {
			return err
		}

		tracker := watermark.NewTracker(st, raw, cfg.Watermark)

		type row struct {
			Partition string         `json:"partition"`
			Decision  model.Decision `json:"decision"`
		}
		rows := make([]row, 0, len(partitions))
		pending := 0
		for _, p := range partitions {
			decision, err := tracker.CheckForUpdates(ctx, source, p)
			if err != nil {
				return eris.Wrapf(err, "check: partition %s", p)
			}
			if decision.NeedsProcessing {
				pending++
			}
			rows = append(rows, row{Partition: p, Decision: *decision})
		}

		if err := printJSON(rows); err != nil {
			return err
		}
		zap.L().Info("check complete",
			zap.String("source", source),
			zap.Int("partitions", len(partitions)),
			zap.Int("pending", pending),
		)
		fmt.Printf("%d of %d partitions need processing\n", pending, len(partitions))
		return nil
	},
}

func init() {
	checkCmd.Flags().String("source", "house_fd", "source identifier")
	checkCmd.Flags().StringSlice("partitions", nil, "partition keys to check (e.g., 2023,2024)")
	rootCmd.AddCommand(checkCmd)
}
