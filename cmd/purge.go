package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete old resolved suggestions",
	Long:  "Deletes suggestion records resolved by staff (ordered, declined, duplicate) older than the retention window, along with their audit events.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		olderThan, _ := cmd.Flags().GetDuration("older-than")
		cutoff := time.Now().UTC().Add(-olderThan)

		n, err := st.PurgeResolved(ctx, cutoff)
		if err != nil {
			return eris.Wrap(err, "purge")
		}

		fmt.Printf("purged %d records resolved before %s\n", n, cutoff.Format("2006-01-02"))
		return nil
	},
}

func init() {
	purgeCmd.Flags().Duration("older-than", 365*24*time.Hour, "retention window (e.g. 2160h for 90 days)")
	rootCmd.AddCommand(purgeCmd)
}
