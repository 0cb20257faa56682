package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/dimension"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/ingest"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/watermark"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest changed partitions through the full pipeline",
	Long: `Checks each partition's watermark, extracts changed documents with the
production extraction version, applies dimension observations, and commits
the new marker only after the quality gate passes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		source, _ := cmd.Flags().GetString("source")
		entityType, _ := cmd.Flags().GetString("entity-type")
		partitions, _ := cmd.Flags().GetStringSlice("partitions")
		force, _ := cmd.Flags().GetBool("force")
		if len(partitions) == 0 {
			return badInput(eris.New("ingest: at least one --partitions value is required"))
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

		gate, err := buildGate(st)
		if err != nil {
			return err
		}

		extractors, versions := buildRegistries(st)
		runner := ingest.NewRunner(
			watermark.NewTracker(st, raw, cfg.Watermark),
			raw,
			extractors,
			versions,
			st,
			dimension.NewManager(st, cfg.Dimension),
			gate,
		)

		zap.L().Info("starting ingest",
			zap.String("source", source),
			zap.String("entity_type", entityType),
			zap.Strings("partitions", partitions),
			zap.Bool("force", force),
		)

		summary, err := runner.Run(ctx, source, entityType, partitions, force)
		if err != nil {
			return eris.Wrap(err, "ingest")
		}

		if err := printJSON(summary); err != nil {
			return err
		}
		fmt.Printf("Ingest complete: %d documents, %d succeeded, %d failed, %d partitions skipped\n",
			summary.Documents, summary.Succeeded, summary.Failed, summary.Skipped)
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("source", "house_fd", "source identifier")
	ingestCmd.Flags().String("entity-type", "member", "entity type to extract")
	ingestCmd.Flags().StringSlice("partitions", nil, "partition keys to ingest (e.g., 2023,2024)")
	ingestCmd.Flags().Bool("force", false, "reprocess even when the watermark is unchanged")
	rootCmd.AddCommand(ingestCmd)
}
