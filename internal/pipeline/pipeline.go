package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/riverbend-library/suggestbot/internal/config"
	"github.com/riverbend-library/suggestbot/internal/evidence"
	"github.com/riverbend-library/suggestbot/internal/model"
	"github.com/riverbend-library/suggestbot/internal/store"
)

// Processor moves one suggestion record through the pipeline stages,
// persisting each artifact as soon as it exists. A crash mid-record loses
// at most the stage in flight.
type Processor struct {
	store    store.Store
	matcher  *Matcher
	enricher *Enricher
	cfg      *config.Config
}

// NewProcessor wires the stages together. matcher and enricher may be nil
// when the corresponding stage is disabled in config.
func NewProcessor(st store.Store, matcher *Matcher, enricher *Enricher, cfg *config.Config) *Processor {
	return &Processor{
		store:    st,
		matcher:  matcher,
		enricher: enricher,
		cfg:      cfg,
	}
}

// ProcessRecord claims and processes a single record. Returning nil with no
// side effects means another worker won the claim. External collaborator
// failures degrade to artifact data; only persistence failures surface as
// errors and drive the record to bot_status error.
//
// Once a record is claimed, persistence runs on a context detached from run
// cancellation: the stage in flight finishes and the record always reaches a
// terminal state. A claimed record left in processing would be invisible to
// every future run.
func (p *Processor) ProcessRecord(ctx context.Context, id string) error {
	claimed, err := p.store.ClaimRecord(ctx, id)
	if err != nil {
		return eris.Wrap(err, "pipeline: claim record")
	}
	if !claimed {
		return nil
	}
	storeCtx := context.WithoutCancel(ctx)

	log := zap.L().With(zap.String("record_id", id))

	rec, err := p.store.GetRecord(storeCtx, id)
	if err != nil {
		return p.fail(storeCtx, id, eris.Wrap(err, "pipeline: load record"))
	}

	if err := p.store.AppendEvent(storeCtx, model.NewBotEvent(id, model.EventBotStarted, nil)); err != nil {
		return p.fail(storeCtx, id, eris.Wrap(err, "pipeline: record start event"))
	}

	if reason := skipReason(rec); reason != "" {
		log.Info("skipping record", zap.String("reason", reason))
		ev := model.NewBotEvent(id, model.EventBotSkipped, map[string]any{"reason": reason})
		if err := p.store.MarkSkipped(storeCtx, id, ev); err != nil {
			return p.fail(storeCtx, id, eris.Wrap(err, "pipeline: mark skipped"))
		}
		return nil
	}

	packet := evidence.Build(rec, time.Now())
	ev := model.NewBotEvent(id, model.EventBotEvidenceExtracted, map[string]any{
		"identifiers": len(packet.Identifiers),
		"urls":        len(packet.URLs),
		"title_guess": packet.TitleGuess != "",
		"warnings":    len(packet.Warnings),
	})
	if err := p.store.SaveEvidence(storeCtx, id, packet, ev); err != nil {
		return p.fail(storeCtx, id, eris.Wrap(err, "pipeline: save evidence"))
	}
	log.Debug("evidence extracted",
		zap.Int("identifiers", len(packet.Identifiers)),
		zap.Int("urls", len(packet.URLs)),
	)
	if err := ctx.Err(); err != nil {
		return p.fail(storeCtx, id, eris.Wrap(err, "pipeline: run cancelled after evidence stage"))
	}

	var match *model.CandidateSet
	if p.cfg.Stages.CatalogLookup && p.matcher != nil {
		match = p.matcher.Match(ctx, packet)
		ev := model.NewBotEvent(id, model.EventBotCatalogChecked, map[string]any{
			"tier":          string(match.Tier),
			"candidates":    len(match.Candidates),
			"lookup_failed": match.LookupFailed,
		})
		if err := p.store.SaveCatalogMatch(storeCtx, id, match, ev); err != nil {
			return p.fail(storeCtx, id, eris.Wrap(err, "pipeline: save catalog match"))
		}
		log.Debug("catalog checked",
			zap.String("tier", string(match.Tier)),
			zap.Bool("lookup_failed", match.LookupFailed),
		)
		if err := ctx.Err(); err != nil {
			return p.fail(storeCtx, id, eris.Wrap(err, "pipeline: run cancelled after catalog stage"))
		}
	}

	if p.cfg.Stages.Enrichment && p.enricher != nil {
		run, reason := ShouldEnrich(p.cfg.Enrichment, match)
		if run {
			result := p.enricher.Enrich(ctx, packet)
			ev := model.NewBotEvent(id, model.EventBotOpenLibraryCheck, map[string]any{
				"found":      result.Found,
				"degraded":   result.Degraded,
				"confidence": string(result.Confidence),
			})
			if err := p.store.SaveEnrichment(storeCtx, id, result, ev); err != nil {
				return p.fail(storeCtx, id, eris.Wrap(err, "pipeline: save enrichment"))
			}
		} else {
			log.Debug("enrichment gated off", zap.String("reason", reason))
		}
	}

	done := model.NewBotEvent(id, model.EventBotCompleted, nil)
	if err := p.store.MarkCompleted(storeCtx, id, done); err != nil {
		return p.fail(storeCtx, id, eris.Wrap(err, "pipeline: mark completed"))
	}
	log.Info("record completed")
	return nil
}

// fail drives the record to bot_status error, best effort, and returns the
// original failure. The record stays out of future runs until a reprocess.
func (p *Processor) fail(ctx context.Context, id string, cause error) error {
	msg := cause.Error()
	ev := model.NewBotEvent(id, model.EventBotError, map[string]any{"error": msg})
	if markErr := p.store.MarkError(ctx, id, msg, ev); markErr != nil {
		zap.L().Error("could not mark record errored",
			zap.String("record_id", id),
			zap.Error(markErr),
		)
	}
	return cause
}

func skipReason(rec *model.SuggestionRecord) string {
	if rec.ResolvedOutsideBot() {
		return "already resolved by staff: " + string(rec.Status)
	}
	if !rec.HasUsableInput() {
		return "no usable input text"
	}
	return ""
}
