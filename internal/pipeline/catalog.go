// Package pipeline implements the enrichment stages and the orchestration
// that moves a suggestion record from pending to a terminal bot status.
package pipeline

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/riverbend-library/suggestbot/internal/model"
	"github.com/riverbend-library/suggestbot/pkg/sierra"
)

// Confidence by match basis. Identifier hits are near-certain; text
// matches are advisory.
const (
	confidenceIdentifier  = 0.95
	confidenceTitleAuthor = 0.60
	confidenceTitleOnly   = 0.40

	// exactThreshold is the floor for the exact tier; only identifier-based
	// candidates can reach it.
	exactThreshold = 0.90
)

// maxIdentifierTries bounds how many distinct ISBNs or ISSNs one record may
// send to the catalog.
const maxIdentifierTries = 3

// Matcher runs tiered catalog searches against the ILS. Query types are
// tried in order of evidence strength and the first type that produces
// candidates wins; results from different query types are never merged.
type Matcher struct {
	catalog sierra.Client
}

// NewMatcher creates a Matcher over the given catalog client.
func NewMatcher(catalog sierra.Client) *Matcher {
	return &Matcher{catalog: catalog}
}

// Match produces the stage 2 artifact for one evidence packet. It never
// returns an error: a search failure yields a candidate set with
// LookupFailed so downstream policy can distinguish it from a clean miss.
func (m *Matcher) Match(ctx context.Context, packet *model.EvidencePacket) *model.CandidateSet {
	set := &model.CandidateSet{
		SchemaVersion: model.CandidateSetSchemaVersion,
		Tier:          model.TierNone,
		CheckedAt:     time.Now().UTC(),
	}

	type attempt struct {
		query  string
		basis  model.MatchBasis
		search func(ctx context.Context) ([]sierra.Holding, error)
	}
	var attempts []attempt

	for _, isbn := range capStrings(packet.ValidISBNs(), maxIdentifierTries) {
		isbn := isbn
		attempts = append(attempts, attempt{
			query: "isbn:" + isbn,
			basis: model.BasisISBN,
			search: func(ctx context.Context) ([]sierra.Holding, error) {
				return m.catalog.SearchByISBN(ctx, isbn)
			},
		})
	}
	for _, issn := range capStrings(packet.ValidISSNs(), maxIdentifierTries) {
		issn := issn
		attempts = append(attempts, attempt{
			query: "issn:" + issn,
			basis: model.BasisISSN,
			search: func(ctx context.Context) ([]sierra.Holding, error) {
				return m.catalog.SearchByISSN(ctx, issn)
			},
		})
	}
	if packet.TitleGuess != "" && packet.AuthorGuess != "" {
		q := packet.TitleGuess + " " + packet.AuthorGuess
		attempts = append(attempts, attempt{
			query: "text:" + q,
			basis: model.BasisTitleAuthor,
			search: func(ctx context.Context) ([]sierra.Holding, error) {
				return m.catalog.SearchByText(ctx, q)
			},
		})
	}
	if title := titleOnlyQuery(packet); title != "" {
		attempts = append(attempts, attempt{
			query: "text:" + title,
			basis: model.BasisTitle,
			search: func(ctx context.Context) ([]sierra.Holding, error) {
				return m.catalog.SearchByText(ctx, title)
			},
		})
	}

	if len(attempts) == 0 {
		// Nothing searchable; a clean none, not a failure.
		return set
	}

	for _, a := range attempts {
		holdings, err := a.search(ctx)
		if err != nil {
			zap.L().Warn("catalog lookup failed",
				zap.String("query", a.query),
				zap.Error(err),
			)
			set.LookupFailed = true
			set.FailureReason = err.Error()
			set.Query = a.query
			return set
		}
		if len(holdings) == 0 {
			continue
		}

		set.Query = a.query
		for _, h := range holdings {
			set.Candidates = append(set.Candidates, candidateFromHolding(h, a.basis))
		}
		rankCandidates(set.Candidates)
		set.Tier = reduceTier(set.Candidates)
		return set
	}

	return set
}

func candidateFromHolding(h sierra.Holding, basis model.MatchBasis) model.Candidate {
	confidence := confidenceTitleOnly
	switch basis {
	case model.BasisISBN, model.BasisISSN:
		confidence = confidenceIdentifier
	case model.BasisTitleAuthor:
		confidence = confidenceTitleAuthor
	}

	var authors []string
	if h.Author != "" {
		authors = []string{h.Author}
	}
	return model.Candidate{
		SourceID:        h.BibID,
		Title:           h.Title,
		Authors:         authors,
		ISBN:            h.ISBN,
		Basis:           basis,
		Confidence:      confidence,
		AvailableCopies: h.AvailableCopies,
		TotalCopies:     h.TotalCopies,
		CatalogedAt:     h.CatalogedAt,
	}
}

// rankCandidates orders by confidence, then available copies, then newest
// catalog date, with bib id as the deterministic tail.
func rankCandidates(cands []model.Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.AvailableCopies != b.AvailableCopies {
			return a.AvailableCopies > b.AvailableCopies
		}
		if !a.CatalogedAt.Equal(b.CatalogedAt) {
			return a.CatalogedAt.After(b.CatalogedAt)
		}
		return a.SourceID < b.SourceID
	})
}

func reduceTier(cands []model.Candidate) model.MatchTier {
	if len(cands) == 0 {
		return model.TierNone
	}
	best := cands[0]
	identifierBasis := best.Basis == model.BasisISBN || best.Basis == model.BasisISSN
	if identifierBasis && best.Confidence >= exactThreshold {
		return model.TierExact
	}
	return model.TierPartial
}

// titleOnlyQuery is the weakest tier: the bare title when one was guessed,
// otherwise whatever residual text is left.
func titleOnlyQuery(packet *model.EvidencePacket) string {
	if packet.TitleGuess != "" {
		return packet.TitleGuess
	}
	return strings.TrimSpace(packet.ResidualText)
}

func capStrings(vals []string, n int) []string {
	if len(vals) > n {
		return vals[:n]
	}
	return vals
}
