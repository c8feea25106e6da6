// Package store persists suggestion records, bot runs, and the audit trail.
// Two backends are provided: SQLite for single-branch deployments and
// Postgres for the consortium installation.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/riverbend-library/suggestbot/internal/model"
)

// ErrRunActive is returned by StartRun while another run holds the
// single-flight slot.
var ErrRunActive = eris.New("store: a bot run is already active")

// ErrNotFound is returned when a record or run id does not exist.
var ErrNotFound = eris.New("store: not found")

// Store is the persistence boundary for the pipeline. Every Save and Mark
// method writes the field update and its audit event in one transaction, so
// a stage outcome is never visible without its trail entry.
type Store interface {
	Migrate(ctx context.Context) error
	Close() error

	// InsertRecord adds a new suggestion with bot_status pending.
	InsertRecord(ctx context.Context, rec *model.SuggestionRecord) error
	GetRecord(ctx context.Context, id string) (*model.SuggestionRecord, error)
	// PendingRecords returns up to limit records awaiting processing,
	// oldest first.
	PendingRecords(ctx context.Context, limit int) ([]model.SuggestionRecord, error)
	// ClaimRecord flips one record from pending to processing. It reports
	// false when the record was already claimed or is no longer pending,
	// which is not an error.
	ClaimRecord(ctx context.Context, id string) (bool, error)

	SaveEvidence(ctx context.Context, id string, p *model.EvidencePacket, ev *model.AuditEvent) error
	SaveCatalogMatch(ctx context.Context, id string, cs *model.CandidateSet, ev *model.AuditEvent) error
	SaveEnrichment(ctx context.Context, id string, res *model.EnrichmentResult, ev *model.AuditEvent) error

	MarkCompleted(ctx context.Context, id string, ev *model.AuditEvent) error
	MarkSkipped(ctx context.Context, id string, ev *model.AuditEvent) error
	// MarkError records a terminal per-record failure; msg lands in
	// bot_error for staff triage.
	MarkError(ctx context.Context, id, msg string, ev *model.AuditEvent) error

	AppendEvent(ctx context.Context, ev *model.AuditEvent) error
	EventsForRecord(ctx context.Context, recordID string) ([]model.AuditEvent, error)

	// StartRun opens the single-flight run slot, returning ErrRunActive if
	// another run is in progress.
	StartRun(ctx context.Context, configSnapshot json.RawMessage) (*model.BotRun, error)
	FinalizeRun(ctx context.Context, id string, status model.RunStatus, processed, errored int, errMsg string) error
	ListRuns(ctx context.Context, limit int) ([]model.BotRun, error)

	// ResetBotState clears all bot fields and artifacts so the record is
	// picked up by the next run.
	ResetBotState(ctx context.Context, id string, ev *model.AuditEvent) error
	// PurgeResolved deletes records resolved by staff before the cutoff,
	// along with their events, and returns the count removed.
	PurgeResolved(ctx context.Context, before time.Time) (int, error)
}

// Open constructs a Store for the configured driver.
func Open(ctx context.Context, driver, dsn string, poolCfg *PoolConfig) (Store, error) {
	switch driver {
	case "sqlite":
		return NewSQLite(dsn)
	case "postgres":
		return NewPostgres(ctx, dsn, poolCfg)
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
}

func marshalPayload(payload map[string]any) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	data, err := json.Marshal(payload)
	return data, eris.Wrap(err, "store: marshal event payload")
}
