package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/riverbend-library/suggestbot/internal/model"
)

var (
	submitQuery  string
	submitNote   string
	submitFormat string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a suggestion for processing",
	Long:  "Inserts a suggestion record with bot_status pending, as the patron-facing form would. Mainly useful for testing and manual entry.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rec := &model.SuggestionRecord{
			ID:               uuid.New().String(),
			CreatedAt:        time.Now().UTC(),
			RawQuery:         submitQuery,
			FormatPreference: submitFormat,
			PatronNote:       submitNote,
			Status:           model.RequestStatusNew,
			BotStatus:        model.BotStatusPending,
		}
		if err := st.InsertRecord(ctx, rec); err != nil {
			return eris.Wrap(err, "insert record")
		}
		if err := st.AppendEvent(ctx, &model.AuditEvent{
			ID:       uuid.New().String(),
			RecordID: rec.ID,
			At:       rec.CreatedAt,
			Actor:    "staff:cli",
			Type:     model.EventSubmitted,
		}); err != nil {
			return eris.Wrap(err, "record submit event")
		}

		fmt.Println(rec.ID)
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitQuery, "query", "", "the patron's free-text request (required)")
	submitCmd.Flags().StringVar(&submitNote, "note", "", "optional patron note")
	submitCmd.Flags().StringVar(&submitFormat, "format", "", "format preference (hardcover, audiobook, ...)")
	_ = submitCmd.MarkFlagRequired("query")
	rootCmd.AddCommand(submitCmd)
}
