package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/riverbend-library/suggestbot/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS suggestion_requests (
	id                     TEXT PRIMARY KEY,
	created_at             DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at             DATETIME,
	raw_query              TEXT NOT NULL,
	format_preference      TEXT,
	patron_note            TEXT,
	status                 TEXT NOT NULL DEFAULT 'new',
	bot_status             TEXT NOT NULL DEFAULT 'pending',
	bot_processed_at       DATETIME,
	bot_error              TEXT,
	evidence_packet        TEXT,
	evidence_extracted_at  DATETIME,
	catalog_match          TEXT,
	catalog_checked_at     DATETIME,
	openlibrary_result     TEXT,
	openlibrary_checked_at DATETIME
);

CREATE TABLE IF NOT EXISTS request_events (
	id        TEXT PRIMARY KEY,
	record_id TEXT NOT NULL REFERENCES suggestion_requests(id) ON DELETE CASCADE,
	at        DATETIME NOT NULL,
	actor     TEXT NOT NULL,
	type      TEXT NOT NULL,
	payload   TEXT
);

CREATE TABLE IF NOT EXISTS bot_runs (
	id                TEXT PRIMARY KEY,
	started_at        DATETIME NOT NULL,
	completed_at      DATETIME,
	status            TEXT NOT NULL DEFAULT 'running',
	records_processed INTEGER NOT NULL DEFAULT 0,
	records_errored   INTEGER NOT NULL DEFAULT 0,
	config_snapshot   TEXT,
	error_message     TEXT
);

CREATE INDEX IF NOT EXISTS idx_requests_bot_status ON suggestion_requests(bot_status);
CREATE INDEX IF NOT EXISTS idx_requests_status ON suggestion_requests(status);
CREATE INDEX IF NOT EXISTS idx_events_record_id ON request_events(record_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_bot_runs_one_running ON bot_runs(status) WHERE status = 'running';
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const recordColumns = `id, created_at, updated_at, raw_query, format_preference, patron_note,
	status, bot_status, bot_processed_at, bot_error,
	evidence_packet, evidence_extracted_at,
	catalog_match, catalog_checked_at,
	openlibrary_result, openlibrary_checked_at`

func (s *SQLiteStore) InsertRecord(ctx context.Context, rec *model.SuggestionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = model.RequestStatusNew
	}
	if rec.BotStatus == "" {
		rec.BotStatus = model.BotStatusPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO suggestion_requests (id, created_at, raw_query, format_preference, patron_note, status, bot_status)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.CreatedAt, rec.RawQuery, rec.FormatPreference, rec.PatronNote,
		string(rec.Status), string(rec.BotStatus),
	)
	return eris.Wrapf(err, "sqlite: insert record %s", rec.ID)
}

func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*model.SuggestionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM suggestion_requests WHERE id = ?`, id)
	return scanRecord(row)
}

func (s *SQLiteStore) PendingRecords(ctx context.Context, limit int) ([]model.SuggestionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM suggestion_requests
		 WHERE bot_status = ? ORDER BY created_at ASC LIMIT ?`,
		string(model.BotStatusPending), limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: pending records")
	}
	defer rows.Close()

	var records []model.SuggestionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, eris.Wrap(rows.Err(), "sqlite: pending records iterate")
}

func (s *SQLiteStore) ClaimRecord(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE suggestion_requests SET bot_status = ?, updated_at = ?
		 WHERE id = ? AND bot_status = ?`,
		string(model.BotStatusProcessing), time.Now().UTC(), id, string(model.BotStatusPending))
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: claim record %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) SaveEvidence(ctx context.Context, id string, p *model.EvidencePacket, ev *model.AuditEvent) error {
	packetJSON, err := json.Marshal(p)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal evidence packet")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE suggestion_requests SET evidence_packet = ?, evidence_extracted_at = ?, updated_at = ? WHERE id = ?`,
			string(packetJSON), time.Now().UTC(), time.Now().UTC(), id)
		if err != nil {
			return eris.Wrapf(err, "sqlite: save evidence %s", id)
		}
		if err := checkRowsAffected(res, "record", id); err != nil {
			return err
		}
		return appendEventTx(ctx, tx, ev)
	})
}

func (s *SQLiteStore) SaveCatalogMatch(ctx context.Context, id string, cs *model.CandidateSet, ev *model.AuditEvent) error {
	matchJSON, err := json.Marshal(cs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal candidate set")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE suggestion_requests SET catalog_match = ?, catalog_checked_at = ?, updated_at = ? WHERE id = ?`,
			string(matchJSON), time.Now().UTC(), time.Now().UTC(), id)
		if err != nil {
			return eris.Wrapf(err, "sqlite: save catalog match %s", id)
		}
		if err := checkRowsAffected(res, "record", id); err != nil {
			return err
		}
		return appendEventTx(ctx, tx, ev)
	})
}

func (s *SQLiteStore) SaveEnrichment(ctx context.Context, id string, result *model.EnrichmentResult, ev *model.AuditEvent) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal enrichment result")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE suggestion_requests SET openlibrary_result = ?, openlibrary_checked_at = ?, updated_at = ? WHERE id = ?`,
			string(resultJSON), time.Now().UTC(), time.Now().UTC(), id)
		if err != nil {
			return eris.Wrapf(err, "sqlite: save enrichment %s", id)
		}
		if err := checkRowsAffected(res, "record", id); err != nil {
			return err
		}
		return appendEventTx(ctx, tx, ev)
	})
}

func (s *SQLiteStore) MarkCompleted(ctx context.Context, id string, ev *model.AuditEvent) error {
	return s.markTerminal(ctx, id, model.BotStatusCompleted, "", ev)
}

func (s *SQLiteStore) MarkSkipped(ctx context.Context, id string, ev *model.AuditEvent) error {
	return s.markTerminal(ctx, id, model.BotStatusSkipped, "", ev)
}

func (s *SQLiteStore) MarkError(ctx context.Context, id, msg string, ev *model.AuditEvent) error {
	return s.markTerminal(ctx, id, model.BotStatusError, msg, ev)
}

func (s *SQLiteStore) markTerminal(ctx context.Context, id string, status model.BotStatus, botErr string, ev *model.AuditEvent) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE suggestion_requests SET bot_status = ?, bot_processed_at = ?, bot_error = ?, updated_at = ? WHERE id = ?`,
			string(status), time.Now().UTC(), nullableString(botErr), time.Now().UTC(), id)
		if err != nil {
			return eris.Wrapf(err, "sqlite: mark %s %s", status, id)
		}
		if err := checkRowsAffected(res, "record", id); err != nil {
			return err
		}
		return appendEventTx(ctx, tx, ev)
	})
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev *model.AuditEvent) error {
	payload, err := marshalPayload(ev.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO request_events (id, record_id, at, actor, type, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.RecordID, ev.At, ev.Actor, string(ev.Type), nullableBytes(payload))
	return eris.Wrapf(err, "sqlite: append event for %s", ev.RecordID)
}

func (s *SQLiteStore) EventsForRecord(ctx context.Context, recordID string) ([]model.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, record_id, at, actor, type, payload FROM request_events
		 WHERE record_id = ? ORDER BY at ASC, id ASC`, recordID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: events for record")
	}
	defer rows.Close()

	var events []model.AuditEvent
	for rows.Next() {
		var ev model.AuditEvent
		var typ string
		var payload sql.NullString
		if err := rows.Scan(&ev.ID, &ev.RecordID, &ev.At, &ev.Actor, &typ, &payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		ev.Type = model.EventType(typ)
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &ev.Payload); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal event payload")
			}
		}
		events = append(events, ev)
	}
	return events, eris.Wrap(rows.Err(), "sqlite: events iterate")
}

func (s *SQLiteStore) StartRun(ctx context.Context, configSnapshot json.RawMessage) (*model.BotRun, error) {
	run := model.NewBotRun(configSnapshot)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bot_runs (id, started_at, status, config_snapshot) VALUES (?, ?, ?, ?)`,
		run.ID, run.StartedAt, string(run.Status), nullableBytes(run.ConfigSnapshot))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return nil, ErrRunActive
		}
		return nil, eris.Wrap(err, "sqlite: start run")
	}
	return run, nil
}

func (s *SQLiteStore) FinalizeRun(ctx context.Context, id string, status model.RunStatus, processed, errored int, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bot_runs SET status = ?, completed_at = ?, records_processed = ?, records_errored = ?, error_message = ?
		 WHERE id = ?`,
		string(status), time.Now().UTC(), processed, errored, nullableString(errMsg), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finalize run %s", id)
	}
	return checkRowsAffected(res, "run", id)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]model.BotRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, completed_at, status, records_processed, records_errored, config_snapshot, error_message
		 FROM bot_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.BotRun
	for rows.Next() {
		var r model.BotRun
		var status string
		var completedAt sql.NullTime
		var snapshot, errMsg sql.NullString
		if err := rows.Scan(&r.ID, &r.StartedAt, &completedAt, &status, &r.Processed, &r.Errored, &snapshot, &errMsg); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		r.Status = model.RunStatus(status)
		if completedAt.Valid {
			t := completedAt.Time
			r.CompletedAt = &t
		}
		if snapshot.Valid {
			r.ConfigSnapshot = json.RawMessage(snapshot.String)
		}
		if errMsg.Valid {
			r.ErrorMessage = errMsg.String
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) ResetBotState(ctx context.Context, id string, ev *model.AuditEvent) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE suggestion_requests SET
			   bot_status = ?, bot_processed_at = NULL, bot_error = NULL,
			   evidence_packet = NULL, evidence_extracted_at = NULL,
			   catalog_match = NULL, catalog_checked_at = NULL,
			   openlibrary_result = NULL, openlibrary_checked_at = NULL,
			   updated_at = ?
			 WHERE id = ?`,
			string(model.BotStatusPending), time.Now().UTC(), id)
		if err != nil {
			return eris.Wrapf(err, "sqlite: reset bot state %s", id)
		}
		if err := checkRowsAffected(res, "record", id); err != nil {
			return err
		}
		return appendEventTx(ctx, tx, ev)
	})
}

func (s *SQLiteStore) PurgeResolved(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM suggestion_requests
		 WHERE status IN (?, ?, ?) AND COALESCE(updated_at, created_at) < ?`,
		string(model.RequestStatusOrdered), string(model.RequestStatusDeclined),
		string(model.RequestStatusDuplicate), before.UTC())
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: purge resolved")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// helpers

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

func appendEventTx(ctx context.Context, tx *sql.Tx, ev *model.AuditEvent) error {
	if ev == nil {
		return nil
	}
	payload, err := marshalPayload(ev.Payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO request_events (id, record_id, at, actor, type, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.RecordID, ev.At, ev.Actor, string(ev.Type), nullableBytes(payload))
	return eris.Wrapf(err, "sqlite: append event for %s", ev.RecordID)
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (*model.SuggestionRecord, error) {
	var rec model.SuggestionRecord
	var status, botStatus string
	var updatedAt, botProcessedAt, evidenceAt, catalogAt, enrichAt sql.NullTime
	var formatPref, patronNote, botErr sql.NullString
	var packetJSON, matchJSON, resultJSON sql.NullString

	err := row.Scan(
		&rec.ID, &rec.CreatedAt, &updatedAt, &rec.RawQuery, &formatPref, &patronNote,
		&status, &botStatus, &botProcessedAt, &botErr,
		&packetJSON, &evidenceAt,
		&matchJSON, &catalogAt,
		&resultJSON, &enrichAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan record")
	}

	rec.Status = model.RequestStatus(status)
	rec.BotStatus = model.BotStatus(botStatus)
	rec.FormatPreference = formatPref.String
	rec.PatronNote = patronNote.String
	rec.BotError = botErr.String
	rec.UpdatedAt = nullTimePtr(updatedAt)
	rec.BotProcessedAt = nullTimePtr(botProcessedAt)
	rec.EvidenceExtractedAt = nullTimePtr(evidenceAt)
	rec.CatalogCheckedAt = nullTimePtr(catalogAt)
	rec.EnrichmentCheckedAt = nullTimePtr(enrichAt)

	if packetJSON.Valid {
		rec.EvidencePacket = &model.EvidencePacket{}
		if err := json.Unmarshal([]byte(packetJSON.String), rec.EvidencePacket); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal evidence packet")
		}
	}
	if matchJSON.Valid {
		rec.CatalogMatch = &model.CandidateSet{}
		if err := json.Unmarshal([]byte(matchJSON.String), rec.CatalogMatch); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal candidate set")
		}
	}
	if resultJSON.Valid {
		rec.Enrichment = &model.EnrichmentResult{}
		if err := json.Unmarshal([]byte(resultJSON.String), rec.Enrichment); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal enrichment result")
		}
	}
	return &rec, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
