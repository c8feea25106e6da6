package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/riverbend-library/suggestbot/internal/store"
)

var (
	runRequestID string
	runDryRun    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process pending suggestions",
	Long:  "Claims pending suggestion records and runs them through evidence extraction, catalog matching, and Open Library enrichment. Only one run may be active at a time.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if runDryRun {
			pending, err := st.PendingRecords(ctx, cfg.Run.MaxRecordsPerRun)
			if err != nil {
				return eris.Wrap(err, "list pending")
			}
			fmt.Fprintf(os.Stderr, "%d pending record(s) would be processed\n", len(pending))
			for _, rec := range pending {
				fmt.Printf("%s\t%s\n", rec.ID, rec.RawQuery)
			}
			return nil
		}

		runner := buildRunner(st)

		if runRequestID != "" {
			if err := runner.ProcessOne(ctx, runRequestID); err != nil {
				return eris.Wrap(err, "process record")
			}
			rec, err := st.GetRecord(ctx, runRequestID)
			if err != nil {
				return eris.Wrap(err, "load record")
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		}

		run, err := runner.RunOnce(ctx)
		if err != nil {
			if eris.Is(err, store.ErrRunActive) {
				fmt.Fprintln(os.Stderr, "Another run is already active; try again later.")
				os.Exit(2)
			}
			return eris.Wrap(err, "run")
		}

		zap.L().Info("run complete",
			zap.String("run_id", run.ID),
			zap.Int("processed", run.Processed),
			zap.Int("errored", run.Errored),
			zap.String("status", string(run.Status)),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

func init() {
	runCmd.Flags().StringVar(&runRequestID, "request-id", "", "process a single pending record instead of a batch")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "list the records a run would claim without processing them")
	rootCmd.AddCommand(runCmd)
}
