package pipeline

import (
	"github.com/riverbend-library/suggestbot/internal/config"
	"github.com/riverbend-library/suggestbot/internal/model"
)

// ShouldEnrich decides whether the external enrichment stage runs, given
// the catalog verdict and the configured policy. The returned reason is
// recorded in the audit trail either way.
//
// A failed lookup is not a no-match: by default enrichment still runs so
// staff get something useful while the ILS is down.
func ShouldEnrich(cfg config.EnrichmentConfig, match *model.CandidateSet) (bool, string) {
	if match == nil {
		return true, "no catalog verdict"
	}
	if match.LookupFailed {
		if cfg.RunOnLookupFailure {
			return true, "catalog lookup failed"
		}
		return false, "catalog lookup failed and run_on_lookup_failure is off"
	}
	switch match.Tier {
	case model.TierExact:
		if cfg.RunOnExactMatch {
			return true, "exact catalog match"
		}
		return false, "exact catalog match; library already holds this"
	case model.TierPartial:
		if cfg.RunOnPartialMatch {
			return true, "partial catalog match"
		}
		return false, "partial catalog match and run_on_partial_catalog_match is off"
	default:
		if cfg.RunOnNoCatalogMatch {
			return true, "no catalog match"
		}
		return false, "no catalog match and run_on_no_catalog_match is off"
	}
}
