package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/riverbend-library/suggestbot/internal/model"
)

// pgPool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it
// in tests.
type pgPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool pgPool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists the hot-path queries to prepare on each new
// connection.
var preparedStatements = map[string]string{
	"claim_record":   `UPDATE suggestion_requests SET bot_status = $1, updated_at = $2 WHERE id = $3 AND bot_status = $4`,
	"append_event":   `INSERT INTO request_events (id, record_id, at, actor, type, payload) VALUES ($1, $2, $3, $4, $5, $6)`,
	"save_evidence":  `UPDATE suggestion_requests SET evidence_packet = $1, evidence_extracted_at = $2, updated_at = $2 WHERE id = $3`,
	"save_catalog":   `UPDATE suggestion_requests SET catalog_match = $1, catalog_checked_at = $2, updated_at = $2 WHERE id = $3`,
	"save_enrich":    `UPDATE suggestion_requests SET openlibrary_result = $1, openlibrary_checked_at = $2, updated_at = $2 WHERE id = $3`,
	"mark_terminal":  `UPDATE suggestion_requests SET bot_status = $1, bot_processed_at = $2, bot_error = $3, updated_at = $2 WHERE id = $4`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS suggestion_requests (
	id                     TEXT PRIMARY KEY,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at             TIMESTAMPTZ,
	raw_query              TEXT NOT NULL,
	format_preference      TEXT,
	patron_note            TEXT,
	status                 TEXT NOT NULL DEFAULT 'new',
	bot_status             TEXT NOT NULL DEFAULT 'pending',
	bot_processed_at       TIMESTAMPTZ,
	bot_error              TEXT,
	evidence_packet        JSONB,
	evidence_extracted_at  TIMESTAMPTZ,
	catalog_match          JSONB,
	catalog_checked_at     TIMESTAMPTZ,
	openlibrary_result     JSONB,
	openlibrary_checked_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS request_events (
	id        TEXT PRIMARY KEY,
	record_id TEXT NOT NULL REFERENCES suggestion_requests(id) ON DELETE CASCADE,
	at        TIMESTAMPTZ NOT NULL,
	actor     TEXT NOT NULL,
	type      TEXT NOT NULL,
	payload   JSONB
);

CREATE TABLE IF NOT EXISTS bot_runs (
	id                TEXT PRIMARY KEY,
	started_at        TIMESTAMPTZ NOT NULL,
	completed_at      TIMESTAMPTZ,
	status            TEXT NOT NULL DEFAULT 'running',
	records_processed INTEGER NOT NULL DEFAULT 0,
	records_errored   INTEGER NOT NULL DEFAULT 0,
	config_snapshot   JSONB,
	error_message     TEXT
);

CREATE INDEX IF NOT EXISTS idx_requests_bot_status ON suggestion_requests(bot_status);
CREATE INDEX IF NOT EXISTS idx_requests_status ON suggestion_requests(status);
CREATE INDEX IF NOT EXISTS idx_events_record_id ON request_events(record_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_bot_runs_one_running ON bot_runs(status) WHERE status = 'running';
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) InsertRecord(ctx context.Context, rec *model.SuggestionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = model.RequestStatusNew
	}
	if rec.BotStatus == "" {
		rec.BotStatus = model.BotStatusPending
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO suggestion_requests (id, created_at, raw_query, format_preference, patron_note, status, bot_status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.CreatedAt, rec.RawQuery, rec.FormatPreference, rec.PatronNote,
		string(rec.Status), string(rec.BotStatus),
	)
	return eris.Wrapf(err, "postgres: insert record %s", rec.ID)
}

func (s *PostgresStore) GetRecord(ctx context.Context, id string) (*model.SuggestionRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM suggestion_requests WHERE id = $1`, id)
	rec, err := scanRecordPG(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *PostgresStore) PendingRecords(ctx context.Context, limit int) ([]model.SuggestionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM suggestion_requests
		 WHERE bot_status = $1 ORDER BY created_at ASC LIMIT $2`,
		string(model.BotStatusPending), limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: pending records")
	}
	defer rows.Close()

	var records []model.SuggestionRecord
	for rows.Next() {
		rec, err := scanRecordPG(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, eris.Wrap(rows.Err(), "postgres: pending records iterate")
}

func (s *PostgresStore) ClaimRecord(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE suggestion_requests SET bot_status = $1, updated_at = $2 WHERE id = $3 AND bot_status = $4`,
		string(model.BotStatusProcessing), time.Now().UTC(), id, string(model.BotStatusPending))
	if err != nil {
		return false, eris.Wrapf(err, "postgres: claim record %s", id)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) SaveEvidence(ctx context.Context, id string, p *model.EvidencePacket, ev *model.AuditEvent) error {
	packetJSON, err := json.Marshal(p)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal evidence packet")
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE suggestion_requests SET evidence_packet = $1, evidence_extracted_at = $2, updated_at = $2 WHERE id = $3`,
			packetJSON, time.Now().UTC(), id)
		if err != nil {
			return eris.Wrapf(err, "postgres: save evidence %s", id)
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(ErrNotFound, "record %s", id)
		}
		return appendEventPGTx(ctx, tx, ev)
	})
}

func (s *PostgresStore) SaveCatalogMatch(ctx context.Context, id string, cs *model.CandidateSet, ev *model.AuditEvent) error {
	matchJSON, err := json.Marshal(cs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal candidate set")
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE suggestion_requests SET catalog_match = $1, catalog_checked_at = $2, updated_at = $2 WHERE id = $3`,
			matchJSON, time.Now().UTC(), id)
		if err != nil {
			return eris.Wrapf(err, "postgres: save catalog match %s", id)
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(ErrNotFound, "record %s", id)
		}
		return appendEventPGTx(ctx, tx, ev)
	})
}

func (s *PostgresStore) SaveEnrichment(ctx context.Context, id string, result *model.EnrichmentResult, ev *model.AuditEvent) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal enrichment result")
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE suggestion_requests SET openlibrary_result = $1, openlibrary_checked_at = $2, updated_at = $2 WHERE id = $3`,
			resultJSON, time.Now().UTC(), id)
		if err != nil {
			return eris.Wrapf(err, "postgres: save enrichment %s", id)
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(ErrNotFound, "record %s", id)
		}
		return appendEventPGTx(ctx, tx, ev)
	})
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, id string, ev *model.AuditEvent) error {
	return s.markTerminal(ctx, id, model.BotStatusCompleted, "", ev)
}

func (s *PostgresStore) MarkSkipped(ctx context.Context, id string, ev *model.AuditEvent) error {
	return s.markTerminal(ctx, id, model.BotStatusSkipped, "", ev)
}

func (s *PostgresStore) MarkError(ctx context.Context, id, msg string, ev *model.AuditEvent) error {
	return s.markTerminal(ctx, id, model.BotStatusError, msg, ev)
}

func (s *PostgresStore) markTerminal(ctx context.Context, id string, status model.BotStatus, botErr string, ev *model.AuditEvent) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE suggestion_requests SET bot_status = $1, bot_processed_at = $2, bot_error = $3, updated_at = $2 WHERE id = $4`,
			string(status), time.Now().UTC(), nullableString(botErr), id)
		if err != nil {
			return eris.Wrapf(err, "postgres: mark %s %s", status, id)
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(ErrNotFound, "record %s", id)
		}
		return appendEventPGTx(ctx, tx, ev)
	})
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev *model.AuditEvent) error {
	payload, err := marshalPayload(ev.Payload)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO request_events (id, record_id, at, actor, type, payload) VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.RecordID, ev.At, ev.Actor, string(ev.Type), payload)
	return eris.Wrapf(err, "postgres: append event for %s", ev.RecordID)
}

func (s *PostgresStore) EventsForRecord(ctx context.Context, recordID string) ([]model.AuditEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, record_id, at, actor, type, payload FROM request_events
		 WHERE record_id = $1 ORDER BY at ASC, id ASC`, recordID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: events for record")
	}
	defer rows.Close()

	var events []model.AuditEvent
	for rows.Next() {
		var ev model.AuditEvent
		var typ string
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.RecordID, &ev.At, &ev.Actor, &typ, &payload); err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		ev.Type = model.EventType(typ)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal event payload")
			}
		}
		events = append(events, ev)
	}
	return events, eris.Wrap(rows.Err(), "postgres: events iterate")
}

func (s *PostgresStore) StartRun(ctx context.Context, configSnapshot json.RawMessage) (*model.BotRun, error) {
	run := model.NewBotRun(configSnapshot)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO bot_runs (id, started_at, status, config_snapshot) VALUES ($1, $2, $3, $4)`,
		run.ID, run.StartedAt, string(run.Status), []byte(run.ConfigSnapshot))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrRunActive
		}
		return nil, eris.Wrap(err, "postgres: start run")
	}
	return run, nil
}

func (s *PostgresStore) FinalizeRun(ctx context.Context, id string, status model.RunStatus, processed, errored int, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE bot_runs SET status = $1, completed_at = $2, records_processed = $3, records_errored = $4, error_message = $5
		 WHERE id = $6`,
		string(status), time.Now().UTC(), processed, errored, nullableString(errMsg), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: finalize run %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", id)
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]model.BotRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, started_at, completed_at, status, records_processed, records_errored, config_snapshot, error_message
		 FROM bot_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.BotRun
	for rows.Next() {
		var r model.BotRun
		var status string
		var completedAt *time.Time
		var snapshot []byte
		var errMsg *string
		if err := rows.Scan(&r.ID, &r.StartedAt, &completedAt, &status, &r.Processed, &r.Errored, &snapshot, &errMsg); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		r.Status = model.RunStatus(status)
		r.CompletedAt = completedAt
		if len(snapshot) > 0 {
			r.ConfigSnapshot = json.RawMessage(snapshot)
		}
		if errMsg != nil {
			r.ErrorMessage = *errMsg
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) ResetBotState(ctx context.Context, id string, ev *model.AuditEvent) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE suggestion_requests SET
			   bot_status = $1, bot_processed_at = NULL, bot_error = NULL,
			   evidence_packet = NULL, evidence_extracted_at = NULL,
			   catalog_match = NULL, catalog_checked_at = NULL,
			   openlibrary_result = NULL, openlibrary_checked_at = NULL,
			   updated_at = $2
			 WHERE id = $3`,
			string(model.BotStatusPending), time.Now().UTC(), id)
		if err != nil {
			return eris.Wrapf(err, "postgres: reset bot state %s", id)
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(ErrNotFound, "record %s", id)
		}
		return appendEventPGTx(ctx, tx, ev)
	})
}

func (s *PostgresStore) PurgeResolved(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM suggestion_requests
		 WHERE status IN ($1, $2, $3) AND COALESCE(updated_at, created_at) < $4`,
		string(model.RequestStatusOrdered), string(model.RequestStatusDeclined),
		string(model.RequestStatusDuplicate), before.UTC())
	if err != nil {
		return 0, eris.Wrap(err, "postgres: purge resolved")
	}
	return int(tag.RowsAffected()), nil
}

// helpers

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	if err := fn(tx); err != nil {
		tx.Rollback(ctx)
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit")
}

func appendEventPGTx(ctx context.Context, tx pgx.Tx, ev *model.AuditEvent) error {
	if ev == nil {
		return nil
	}
	payload, err := marshalPayload(ev.Payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO request_events (id, record_id, at, actor, type, payload) VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.RecordID, ev.At, ev.Actor, string(ev.Type), payload)
	return eris.Wrapf(err, "postgres: append event for %s", ev.RecordID)
}

func scanRecordPG(row pgx.Row) (*model.SuggestionRecord, error) {
	var rec model.SuggestionRecord
	var status, botStatus string
	var formatPref, patronNote, botErr *string
	var packetJSON, matchJSON, resultJSON []byte

	err := row.Scan(
		&rec.ID, &rec.CreatedAt, &rec.UpdatedAt, &rec.RawQuery, &formatPref, &patronNote,
		&status, &botStatus, &rec.BotProcessedAt, &botErr,
		&packetJSON, &rec.EvidenceExtractedAt,
		&matchJSON, &rec.CatalogCheckedAt,
		&resultJSON, &rec.EnrichmentCheckedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "postgres: scan record")
	}

	rec.Status = model.RequestStatus(status)
	rec.BotStatus = model.BotStatus(botStatus)
	if formatPref != nil {
		rec.FormatPreference = *formatPref
	}
	if patronNote != nil {
		rec.PatronNote = *patronNote
	}
	if botErr != nil {
		rec.BotError = *botErr
	}

	if len(packetJSON) > 0 {
		rec.EvidencePacket = &model.EvidencePacket{}
		if err := json.Unmarshal(packetJSON, rec.EvidencePacket); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal evidence packet")
		}
	}
	if len(matchJSON) > 0 {
		rec.CatalogMatch = &model.CandidateSet{}
		if err := json.Unmarshal(matchJSON, rec.CatalogMatch); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal candidate set")
		}
	}
	if len(resultJSON) > 0 {
		rec.Enrichment = &model.EnrichmentResult{}
		if err := json.Unmarshal(resultJSON, rec.Enrichment); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal enrichment result")
		}
	}
	return &rec, nil
}
