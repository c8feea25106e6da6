package main

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/riverbend-library/suggestbot/internal/pipeline"
	"github.com/riverbend-library/suggestbot/internal/store"
	"github.com/riverbend-library/suggestbot/pkg/openlibrary"
	"github.com/riverbend-library/suggestbot/pkg/sierra"
)

func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL, &cfg.Store.Pool)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

// buildRunner wires the external clients and pipeline stages from config.
func buildRunner(st store.Store) *pipeline.Runner {
	var matcher *pipeline.Matcher
	if cfg.Stages.CatalogLookup && cfg.Sierra.APIBase != "" {
		catalog := sierra.NewClient(cfg.Sierra.APIBase, cfg.Sierra.ClientKey, cfg.Sierra.ClientSecret,
			sierra.WithHTTPClient(httpClientWithTimeout(cfg.Sierra.TimeoutSeconds)),
			sierra.WithLimiter(rate.NewLimiter(rate.Limit(cfg.Sierra.RatePerSecond), 1)),
		)
		matcher = pipeline.NewMatcher(catalog)
	}

	var enricher *pipeline.Enricher
	if cfg.Stages.Enrichment {
		ol := openlibrary.NewClient(
			openlibrary.WithBaseURL(cfg.Enrichment.BaseURL),
			openlibrary.WithTimeout(time.Duration(cfg.Enrichment.TimeoutSeconds)*time.Second),
			openlibrary.WithMaxResults(cfg.Enrichment.MaxResults),
		)
		enricher = pipeline.NewEnricher(ol)
	}

	proc := pipeline.NewProcessor(st, matcher, enricher, cfg)
	return pipeline.NewRunner(st, proc, func() []byte { return cfg.Snapshot() },
		cfg.Run.MaxRecordsPerRun, cfg.Run.Concurrency)
}

func httpClientWithTimeout(seconds int) *http.Client {
	return &http.Client{Timeout: time.Duration(seconds) * time.Second}
}
