package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show <record-id>",
	Short: "Show a suggestion record and its audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rec, err := st.GetRecord(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "show record")
		}
		events, err := st.EventsForRecord(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "show events")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Record any `json:"record"`
			Events any `json:"events"`
		}{rec, events})
	},
}

func init() {
	rootCmd.AddCommand(showCmd)
}
