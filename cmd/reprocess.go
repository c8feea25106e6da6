package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/riverbend-library/suggestbot/internal/model"
)

var reprocessNow bool

var reprocessCmd = &cobra.Command{
	Use:   "reprocess <record-id>",
	Short: "Queue a record for reprocessing",
	Long:  "Clears all bot state and artifacts from the record so the next run picks it up again. With --now the record is processed immediately.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id := args[0]

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		ev := model.NewBotEvent(id, model.EventBotReprocessQueued, map[string]any{"requested_by": "staff:cli"})
		if err := st.ResetBotState(ctx, id, ev); err != nil {
			return eris.Wrap(err, "reset bot state")
		}

		if reprocessNow {
			runner := buildRunner(st)
			if err := runner.ProcessOne(ctx, id); err != nil {
				return eris.Wrap(err, "process record")
			}
			fmt.Println("processed", id)
			return nil
		}

		fmt.Println("queued", id)
		return nil
	},
}

func init() {
	reprocessCmd.Flags().BoolVar(&reprocessNow, "now", false, "process the record immediately instead of waiting for the next run")
	rootCmd.AddCommand(reprocessCmd)
}
