package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/dimension"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/server"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the read-only operator HTTP endpoint",
	Long: `Serves watermarks, versions, jobs, dimension history, point-in-time
lookups, and quality reports over HTTP. Read-only; all mutations go
through the CLI.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		gate, err := buildGate(st)
		if err != nil {
			return err
		}

		srv := server.New(st, version.NewRegistry(st), dimension.NewResolver(st), gate)
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		if err := srv.ListenAndServe(ctx, addr); err != nil {
			return eris.Wrap(err, "serve")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
