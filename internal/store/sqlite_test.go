package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverbend-library/suggestbot/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func insertTestRecord(t *testing.T, s *SQLiteStore, id, query string) {
	t.Helper()
	require.NoError(t, s.InsertRecord(context.Background(), &model.SuggestionRecord{
		ID:       id,
		RawQuery: query,
	}))
}

func TestSQLiteInsertAndGetRecord(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	insertTestRecord(t, s, "rec-1", "dune by frank herbert")

	rec, err := s.GetRecord(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, "dune by frank herbert", rec.RawQuery)
	assert.Equal(t, model.RequestStatusNew, rec.Status)
	assert.Equal(t, model.BotStatusPending, rec.BotStatus)
	assert.Nil(t, rec.EvidencePacket)
	assert.Nil(t, rec.CatalogMatch)
	assert.Nil(t, rec.Enrichment)
}

func TestSQLiteGetRecordNotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.GetRecord(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteClaimRecordIsSingleWinner(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	insertTestRecord(t, s, "rec-1", "anything")

	claimed, err := s.ClaimRecord(ctx, "rec-1")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = s.ClaimRecord(ctx, "rec-1")
	require.NoError(t, err)
	assert.False(t, claimed, "second claim must lose")

	rec, err := s.GetRecord(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, model.BotStatusProcessing, rec.BotStatus)
}

func TestSQLiteSaveEvidenceWritesArtifactAndEvent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	insertTestRecord(t, s, "rec-1", "isbn 9780441478125")

	packet := &model.EvidencePacket{
		SchemaVersion: model.EvidenceSchemaVersion,
		CreatedAt:     time.Now().UTC(),
		RawInput:      "isbn 9780441478125",
		Identifiers: []model.Identifier{
			{Kind: model.KindISBN13, Raw: "9780441478125", Normalized: "9780441478125", Status: model.IdentifierValid},
		},
	}
	ev := model.NewBotEvent("rec-1", model.EventBotEvidenceExtracted, map[string]any{"identifiers": 1})
	require.NoError(t, s.SaveEvidence(ctx, "rec-1", packet, ev))

	rec, err := s.GetRecord(ctx, "rec-1")
	require.NoError(t, err)
	require.NotNil(t, rec.EvidencePacket)
	assert.Equal(t, "9780441478125", rec.EvidencePacket.Identifiers[0].Normalized)
	require.NotNil(t, rec.EvidenceExtractedAt)

	events, err := s.EventsForRecord(ctx, "rec-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventBotEvidenceExtracted, events[0].Type)
	assert.Equal(t, model.BotActor, events[0].Actor)
	assert.EqualValues(t, 1, events[0].Payload["identifiers"])
}

func TestSQLiteSaveEvidenceUnknownRecord(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	err := s.SaveEvidence(context.Background(), "missing", &model.EvidencePacket{}, nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStageLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	insertTestRecord(t, s, "rec-1", "the dispossessed")

	_, err := s.ClaimRecord(ctx, "rec-1")
	require.NoError(t, err)
	require.NoError(t, s.AppendEvent(ctx, model.NewBotEvent("rec-1", model.EventBotStarted, nil)))

	packet := &model.EvidencePacket{SchemaVersion: model.EvidenceSchemaVersion, RawInput: "the dispossessed"}
	require.NoError(t, s.SaveEvidence(ctx, "rec-1", packet,
		model.NewBotEvent("rec-1", model.EventBotEvidenceExtracted, nil)))

	match := &model.CandidateSet{SchemaVersion: model.CandidateSetSchemaVersion, Tier: model.TierNone, CheckedAt: time.Now().UTC()}
	require.NoError(t, s.SaveCatalogMatch(ctx, "rec-1", match,
		model.NewBotEvent("rec-1", model.EventBotCatalogChecked, map[string]any{"tier": "none"})))

	enrich := &model.EnrichmentResult{SchemaVersion: model.EnrichmentSchemaVersion, Source: "openlibrary", Found: true}
	require.NoError(t, s.SaveEnrichment(ctx, "rec-1", enrich,
		model.NewBotEvent("rec-1", model.EventBotOpenLibraryCheck, nil)))

	require.NoError(t, s.MarkCompleted(ctx, "rec-1",
		model.NewBotEvent("rec-1", model.EventBotCompleted, nil)))

	rec, err := s.GetRecord(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, model.BotStatusCompleted, rec.BotStatus)
	require.NotNil(t, rec.BotProcessedAt)
	assert.Empty(t, rec.BotError)
	assert.Equal(t, model.TierNone, rec.CatalogMatch.Tier)
	assert.True(t, rec.Enrichment.Found)

	events, err := s.EventsForRecord(ctx, "rec-1")
	require.NoError(t, err)
	require.Len(t, events, 5)
	assert.Equal(t, model.EventBotStarted, events[0].Type)
	assert.Equal(t, model.EventBotCompleted, events[4].Type)
}

func TestSQLiteMarkErrorStoresMessage(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	insertTestRecord(t, s, "rec-1", "anything")
	require.NoError(t, s.MarkError(ctx, "rec-1", "catalog write failed",
		model.NewBotEvent("rec-1", model.EventBotError, map[string]any{"error": "catalog write failed"})))

	rec, err := s.GetRecord(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, model.BotStatusError, rec.BotStatus)
	assert.Equal(t, "catalog write failed", rec.BotError)
}

func TestSQLitePendingRecordsOldestFirst(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"rec-c", "rec-a", "rec-b"} {
		require.NoError(t, s.InsertRecord(ctx, &model.SuggestionRecord{
			ID:        id,
			RawQuery:  "q",
			CreatedAt: base.Add(time.Duration(2-i) * time.Hour),
		}))
	}
	require.NoError(t, s.MarkCompleted(ctx, "rec-b", model.NewBotEvent("rec-b", model.EventBotCompleted, nil)))

	pending, err := s.PendingRecords(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "rec-a", pending[0].ID)
	assert.Equal(t, "rec-c", pending[1].ID)
}

func TestSQLitePendingRecordsHonorsLimit(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"r1", "r2", "r3"} {
		insertTestRecord(t, s, id, "q")
	}
	pending, err := s.PendingRecords(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestSQLiteStartRunSingleFlight(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	run, err := s.StartRun(ctx, json.RawMessage(`{"concurrency":4}`))
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, run.Status)

	_, err = s.StartRun(ctx, nil)
	require.ErrorIs(t, err, ErrRunActive)

	require.NoError(t, s.FinalizeRun(ctx, run.ID, model.RunStatusCompleted, 5, 1, ""))

	run2, err := s.StartRun(ctx, nil)
	require.NoError(t, err)

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, run2.ID, runs[0].ID, "newest first")
	assert.Equal(t, model.RunStatusCompleted, runs[1].Status)
	assert.Equal(t, 5, runs[1].Processed)
	assert.Equal(t, 1, runs[1].Errored)
	assert.NotNil(t, runs[1].CompletedAt)
	assert.JSONEq(t, `{"concurrency":4}`, string(runs[1].ConfigSnapshot))
}

func TestSQLiteResetBotState(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	insertTestRecord(t, s, "rec-1", "q")
	require.NoError(t, s.SaveEvidence(ctx, "rec-1",
		&model.EvidencePacket{SchemaVersion: model.EvidenceSchemaVersion},
		model.NewBotEvent("rec-1", model.EventBotEvidenceExtracted, nil)))
	require.NoError(t, s.MarkError(ctx, "rec-1", "boom",
		model.NewBotEvent("rec-1", model.EventBotError, nil)))

	require.NoError(t, s.ResetBotState(ctx, "rec-1",
		model.NewBotEvent("rec-1", model.EventBotReprocessQueued, nil)))

	rec, err := s.GetRecord(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, model.BotStatusPending, rec.BotStatus)
	assert.Empty(t, rec.BotError)
	assert.Nil(t, rec.BotProcessedAt)
	assert.Nil(t, rec.EvidencePacket)
	assert.Nil(t, rec.EvidenceExtractedAt)

	events, err := s.EventsForRecord(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, model.EventBotReprocessQueued, events[len(events)-1].Type)
}

func TestSQLitePurgeResolved(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-90 * 24 * time.Hour)
	require.NoError(t, s.InsertRecord(ctx, &model.SuggestionRecord{
		ID: "rec-old", RawQuery: "q", CreatedAt: old, Status: model.RequestStatusOrdered,
	}))
	require.NoError(t, s.AppendEvent(ctx, model.NewBotEvent("rec-old", model.EventBotCompleted, nil)))
	require.NoError(t, s.InsertRecord(ctx, &model.SuggestionRecord{
		ID: "rec-new", RawQuery: "q", Status: model.RequestStatusOrdered,
	}))
	insertTestRecord(t, s, "rec-open", "q")

	n, err := s.PurgeResolved(ctx, time.Now().UTC().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetRecord(ctx, "rec-old")
	require.ErrorIs(t, err, ErrNotFound)

	events, err := s.EventsForRecord(ctx, "rec-old")
	require.NoError(t, err)
	assert.Empty(t, events, "events cascade with the record")

	_, err = s.GetRecord(ctx, "rec-new")
	require.NoError(t, err)
	_, err = s.GetRecord(ctx, "rec-open")
	require.NoError(t, err)
}
