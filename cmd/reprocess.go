package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/model"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/reprocess"
)

var reprocessCmd = &cobra.Command{
	Use:   "reprocess",
	Short: "Re-extract a document range with a candidate version",
	Long: `Runs a candidate extraction version over raw documents in the given
filing-year range and compares its quality against the production
baseline. Production artifacts and dimensions are never touched; use
promote once the comparison looks good.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		opts, err := parseReprocessOpts(cmd)
		if err != nil {
			return err
		}

		if err := cfg.Validate("reprocess"); err != nil {
			return badInput(err)
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

		extractors, versions := buildRegistries(st)
		engine := reprocess.NewEngine(raw, extractors, versions, st, st, cfg.Reprocess)

		zap.L().Info("starting reprocess",
			zap.String("entity_type", opts.EntityType),
			zap.String("target_version", opts.TargetVersion),
			zap.Int("from", opts.Range.From),
			zap.Int("to", opts.Range.To),
			zap.Bool("dry_run", opts.DryRun),
		)

		result, err := engine.Run(ctx, opts)
		if err != nil {
			return eris.Wrap(err, "reprocess")
		}

		if err := printJSON(result); err != nil {
			return err
		}
		if result.DryRun {
			fmt.Printf("Dry run: %d candidate documents\n", result.Candidates)
		} else {
			fmt.Printf("Reprocess complete: job %s, %d succeeded, %d failed\n",
				result.JobID, result.Succeeded, result.Failed)
		}
		return nil
	},
}

func parseReprocessOpts(cmd *cobra.Command) (reprocess.RunOpts, error) {
	source, _ := cmd.Flags().GetString("source")
	entityType, _ := cmd.Flags().GetString("entity-type")
	target, _ := cmd.Flags().GetString("target-version")
	from, _ := cmd.Flags().GetInt("from")
	to, _ := cmd.Flags().GetInt("to")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	workers, _ := cmd.Flags().GetInt("workers")
	batchSize, _ := cmd.Flags().GetInt("batch-size")

	if target == "" {
		return reprocess.RunOpts{}, badInput(eris.New("reprocess: --target-version is required"))
	}
	r := model.YearRange{From: from, To: to}
	if !r.Valid() {
		return reprocess.RunOpts{}, badInput(reprocess.ErrBadRange)
	}

	return reprocess.RunOpts{
		SourceID:      source,
		EntityType:    entityType,
		Range:         r,
		TargetVersion: target,
		DryRun:        dryRun,
		Workers:       workers,
		BatchSize:     batchSize,
	}, nil
}

func init() {
	reprocessCmd.Flags().String("source", "house_fd", "source identifier")
	reprocessCmd.Flags().String("entity-type", "member", "entity type to re-extract")
	reprocessCmd.Flags().String("target-version", "", "candidate extraction version (semver)")
	reprocessCmd.Flags().Int("from", 0, "first filing year, inclusive")
	reprocessCmd.Flags().Int("to", 0, "last filing year, inclusive")
	reprocessCmd.Flags().Bool("dry-run", false, "report the candidate document count without writing")
	reprocessCmd.Flags().Int("workers", 0, "override the configured worker pool width")
	reprocessCmd.Flags().Int("batch-size", 0, "override the configured dispatch batch size")
	rootCmd.AddCommand(reprocessCmd)
}
