package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/riverbend-library/suggestbot/internal/model"
	"github.com/riverbend-library/suggestbot/internal/store"
	"github.com/riverbend-library/suggestbot/pkg/openlibrary"
	"github.com/riverbend-library/suggestbot/pkg/sierra"
)

// fakeCatalog scripts per-query responses keyed by the search argument.
// onSearch, when set, runs before each search; tests use it to cancel the
// run context mid-record.
type fakeCatalog struct {
	mu       sync.Mutex
	byISBN   map[string][]sierra.Holding
	byISSN   map[string][]sierra.Holding
	byText   map[string][]sierra.Holding
	err      error
	onSearch func()
	searches []string
}

func (f *fakeCatalog) SearchByISBN(_ context.Context, isbn string) ([]sierra.Holding, error) {
	return f.search("isbn:"+isbn, f.byISBN[isbn])
}

func (f *fakeCatalog) SearchByISSN(_ context.Context, issn string) ([]sierra.Holding, error) {
	return f.search("issn:"+issn, f.byISSN[issn])
}

func (f *fakeCatalog) SearchByText(_ context.Context, query string) ([]sierra.Holding, error) {
	return f.search("text:"+query, f.byText[query])
}

func (f *fakeCatalog) search(query string, holdings []sierra.Holding) ([]sierra.Holding, error) {
	f.mu.Lock()
	f.searches = append(f.searches, query)
	onSearch := f.onSearch
	f.mu.Unlock()
	if onSearch != nil {
		onSearch()
	}
	if f.err != nil {
		return nil, f.err
	}
	return holdings, nil
}

// fakeOpenLibrary scripts edition and search responses.
type fakeOpenLibrary struct {
	editions    map[string]*openlibrary.Edition
	docs        []openlibrary.Doc
	authors     map[string]string
	lookupErr   error
	searchErr   error
	lastQuery   *openlibrary.SearchQuery
	lookupCalls int
}

func (f *fakeOpenLibrary) LookupISBN(_ context.Context, isbn string) (*openlibrary.Edition, error) {
	f.lookupCalls++
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	return f.editions[isbn], nil
}

func (f *fakeOpenLibrary) Search(_ context.Context, q openlibrary.SearchQuery) ([]openlibrary.Doc, error) {
	f.lastQuery = &q
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.docs, nil
}

func (f *fakeOpenLibrary) AuthorName(_ context.Context, key string) (string, error) {
	return f.authors[key], nil
}

// memStore is an in-memory store.Store for orchestration tests. Only the
// methods the pipeline exercises are meaningful; the rest satisfy the
// interface.
type memStore struct {
	mu      sync.Mutex
	records map[string]*model.SuggestionRecord
	events  []model.AuditEvent
	runs    []*model.BotRun

	failSave bool
}

func newMemStore(recs ...*model.SuggestionRecord) *memStore {
	m := &memStore{records: map[string]*model.SuggestionRecord{}}
	for _, r := range recs {
		m.records[r.ID] = r
	}
	return m
}

func (m *memStore) Migrate(context.Context) error { return nil }
func (m *memStore) Close() error                  { return nil }

func (m *memStore) InsertRecord(_ context.Context, rec *model.SuggestionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec
	return nil
}

func (m *memStore) GetRecord(ctx context.Context, id string) (*model.SuggestionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memStore) PendingRecords(_ context.Context, limit int) ([]model.SuggestionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.SuggestionRecord
	for _, rec := range m.records {
		if rec.BotStatus == model.BotStatusPending {
			out = append(out, *rec)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) ClaimRecord(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || rec.BotStatus != model.BotStatusPending {
		return false, nil
	}
	rec.BotStatus = model.BotStatusProcessing
	return true, nil
}

func (m *memStore) SaveEvidence(ctx context.Context, id string, p *model.EvidencePacket, ev *model.AuditEvent) error {
	return m.save(ctx, id, ev, func(rec *model.SuggestionRecord) { rec.EvidencePacket = p })
}

func (m *memStore) SaveCatalogMatch(ctx context.Context, id string, cs *model.CandidateSet, ev *model.AuditEvent) error {
	return m.save(ctx, id, ev, func(rec *model.SuggestionRecord) { rec.CatalogMatch = cs })
}

func (m *memStore) SaveEnrichment(ctx context.Context, id string, res *model.EnrichmentResult, ev *model.AuditEvent) error {
	return m.save(ctx, id, ev, func(rec *model.SuggestionRecord) { rec.Enrichment = res })
}

// save honors context cancellation like a real database driver would.
func (m *memStore) save(ctx context.Context, id string, ev *model.AuditEvent, apply func(*model.SuggestionRecord)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave {
		return eris.New("disk full")
	}
	rec, ok := m.records[id]
	if !ok {
		return store.ErrNotFound
	}
	apply(rec)
	if ev != nil {
		m.events = append(m.events, *ev)
	}
	return nil
}

func (m *memStore) MarkCompleted(ctx context.Context, id string, ev *model.AuditEvent) error {
	return m.save(ctx, id, ev, func(rec *model.SuggestionRecord) { rec.BotStatus = model.BotStatusCompleted })
}

func (m *memStore) MarkSkipped(ctx context.Context, id string, ev *model.AuditEvent) error {
	return m.save(ctx, id, ev, func(rec *model.SuggestionRecord) { rec.BotStatus = model.BotStatusSkipped })
}

func (m *memStore) MarkError(ctx context.Context, id, msg string, ev *model.AuditEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return store.ErrNotFound
	}
	rec.BotStatus = model.BotStatusError
	rec.BotError = msg
	if ev != nil {
		m.events = append(m.events, *ev)
	}
	return nil
}

func (m *memStore) AppendEvent(ctx context.Context, ev *model.AuditEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *ev)
	return nil
}

func (m *memStore) EventsForRecord(_ context.Context, recordID string) ([]model.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AuditEvent
	for _, ev := range m.events {
		if ev.RecordID == recordID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *memStore) StartRun(_ context.Context, snapshot json.RawMessage) (*model.BotRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, run := range m.runs {
		if run.Status == model.RunStatusRunning {
			return nil, store.ErrRunActive
		}
	}
	run := model.NewBotRun(snapshot)
	m.runs = append(m.runs, run)
	return run, nil
}

func (m *memStore) FinalizeRun(_ context.Context, id string, status model.RunStatus, processed, errored int, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, run := range m.runs {
		if run.ID == id {
			now := time.Now().UTC()
			run.CompletedAt = &now
			run.Status = status
			run.Processed = processed
			run.Errored = errored
			run.ErrorMessage = errMsg
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *memStore) ListRuns(_ context.Context, limit int) ([]model.BotRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.BotRun
	for i := len(m.runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *m.runs[i])
	}
	return out, nil
}

func (m *memStore) ResetBotState(ctx context.Context, id string, ev *model.AuditEvent) error {
	return m.save(ctx, id, ev, func(rec *model.SuggestionRecord) {
		rec.BotStatus = model.BotStatusPending
		rec.BotError = ""
		rec.EvidencePacket = nil
		rec.CatalogMatch = nil
		rec.Enrichment = nil
	})
}

func (m *memStore) PurgeResolved(context.Context, time.Time) (int, error) { return 0, nil }

func (m *memStore) eventTypes(recordID string) []model.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.EventType
	for _, ev := range m.events {
		if ev.RecordID == recordID {
			out = append(out, ev.Type)
		}
	}
	return out
}
