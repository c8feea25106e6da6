package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/riverbend-library/suggestbot/internal/model"
	"github.com/riverbend-library/suggestbot/internal/store"
)

// finalizeTimeout bounds the run-row update after a cancelled batch.
const finalizeTimeout = 10 * time.Second

// Runner executes batch runs over pending records with bounded concurrency.
type Runner struct {
	store     store.Store
	processor *Processor
	snapshot  func() []byte
	batchSize int
	workers   int
}

// NewRunner creates a Runner. snapshot supplies the redacted config blob
// recorded on each run row.
func NewRunner(st store.Store, proc *Processor, snapshot func() []byte, batchSize, workers int) *Runner {
	return &Runner{
		store:     st,
		processor: proc,
		snapshot:  snapshot,
		batchSize: batchSize,
		workers:   workers,
	}
}

// RunOnce performs one batch run: open the single-flight run slot, fetch
// pending records oldest first, process them with bounded concurrency, then
// finalize the run row. A concurrent run fails fast with store.ErrRunActive.
//
// One record failing does not stop the batch; the run completes with the
// errored count reflecting it. Context cancellation stops dispatching new
// records and finalizes the run as cancelled.
func (r *Runner) RunOnce(ctx context.Context) (*model.BotRun, error) {
	run, err := r.store.StartRun(ctx, r.snapshot())
	if err != nil {
		return nil, err
	}
	log := zap.L().With(zap.String("run_id", run.ID))
	log.Info("run started", zap.Int("batch_size", r.batchSize), zap.Int("workers", r.workers))

	records, err := r.store.PendingRecords(ctx, r.batchSize)
	if err != nil {
		err = eris.Wrap(err, "pipeline: list pending records")
		r.finalize(run, model.RunStatusFailed, 0, 0, err.Error())
		return run, err
	}

	var processed, errored atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	cancelled := false
	for _, rec := range records {
		if gctx.Err() != nil {
			cancelled = true
			break
		}
		id := rec.ID
		g.Go(func() error {
			if err := r.processor.ProcessRecord(gctx, id); err != nil {
				errored.Add(1)
				log.Error("record failed", zap.String("record_id", id), zap.Error(err))
				return nil
			}
			processed.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	status := model.RunStatusCompleted
	errMsg := ""
	if cancelled || ctx.Err() != nil {
		status = model.RunStatusCancelled
		errMsg = "run cancelled before all records were processed"
	}
	r.finalize(run, status, int(processed.Load()), int(errored.Load()), errMsg)

	log.Info("run finished",
		zap.String("status", string(run.Status)),
		zap.Int("processed", run.Processed),
		zap.Int("errored", run.Errored),
	)
	return run, nil
}

// ProcessOne processes a single record by id outside a batch run, used for
// targeted reprocessing. The record must be in bot_status pending.
func (r *Runner) ProcessOne(ctx context.Context, id string) error {
	return r.processor.ProcessRecord(ctx, id)
}

// finalize closes the run row. It uses a fresh context so a cancelled batch
// still records its outcome.
func (r *Runner) finalize(run *model.BotRun, status model.RunStatus, processed, errored int, errMsg string) {
	run.Status = status
	run.Processed = processed
	run.Errored = errored
	run.ErrorMessage = errMsg

	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	if err := r.store.FinalizeRun(ctx, run.ID, status, processed, errored, errMsg); err != nil {
		zap.L().Error("could not finalize run",
			zap.String("run_id", run.ID),
			zap.Error(err),
		)
	}
}
