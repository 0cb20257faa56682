package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/config"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/dimension"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/quality"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/reprocess"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/resilience"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/version"
)

// Exit codes, stable for scripting:
//
//	0  success
//	1  quality gate blocked the operation
//	2  invalid input or configuration
//	3  transient upstream failure, retries exhausted
const (
	exitOK         = 0
	exitBlocked    = 1
	exitBadInput   = 2
	exitTransient  = 3
	exitOtherError = 1
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "disclosures",
	Short: "Regulatory filings correctness pipeline",
	Long:  "Tracks source watermarks, versions extraction outputs, maintains point-in-time entity dimensions, and gates promotion on data quality.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the documented exit code.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case quality.IsBlocked(err):
		return exitBlocked
	case resilience.IsRetryExhausted(err):
		return exitTransient
	case isBadInput(err):
		return exitBadInput
	default:
		return exitOtherError
	}
}

func isBadInput(err error) bool {
	return errors.Is(err, reprocess.ErrBadRange) ||
		errors.Is(err, version.ErrUnknownVersion) ||
		errors.Is(err, version.ErrDuplicateVersion) ||
		errors.Is(err, version.ErrNotPromotable) ||
		errors.Is(err, version.ErrNoProduction) ||
		errors.Is(err, dimension.ErrNoVersionForDate) ||
		isConfigError(err)
}

func isConfigError(err error) bool {
	var bad *badConfigError
	return errors.As(err, &bad)
}

// badConfigError marks configuration and flag validation failures so
// main can exit 2 instead of 1.
type badConfigError struct{ err error }

func (e *badConfigError) Error() string { return e.err.Error() }
func (e *badConfigError) Unwrap() error { return e.err }

func badInput(err error) error {
	if err == nil {
		return nil
	}
	return &badConfigError{err: err}
}
