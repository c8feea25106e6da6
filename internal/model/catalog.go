package model

import "time"

// CandidateSetSchemaVersion tags catalog-match artifacts.
const CandidateSetSchemaVersion = "1.0.0"

// MatchTier is the reduced verdict of a catalog lookup.
type MatchTier string

const (
	TierExact   MatchTier = "exact"
	TierPartial MatchTier = "partial"
	TierNone    MatchTier = "none"
)

// MatchBasis records which evidence field produced a candidate.
type MatchBasis string

const (
	BasisISBN        MatchBasis = "isbn"
	BasisISSN        MatchBasis = "issn"
	BasisTitleAuthor MatchBasis = "title_author"
	BasisTitle       MatchBasis = "title"
)

// Candidate is one catalog holding that matched the evidence.
type Candidate struct {
	SourceID        string     `json:"source_id"`
	Title           string     `json:"title"`
	Authors         []string   `json:"authors,omitempty"`
	ISBN            []string   `json:"isbn,omitempty"`
	Basis           MatchBasis `json:"basis"`
	Confidence      float64    `json:"confidence"`
	AvailableCopies int        `json:"available_copies"`
	TotalCopies     int        `json:"total_copies"`
	CatalogedAt     time.Time  `json:"cataloged_at,omitempty"`
}

// CandidateSet is the stage 2 artifact: the tiered verdict of matching
// evidence against the catalog. LookupFailed distinguishes "we could not
// search" from the genuine empty result that TierNone alone would imply.
type CandidateSet struct {
	SchemaVersion string      `json:"schema_version"`
	Tier          MatchTier   `json:"tier"`
	LookupFailed  bool        `json:"lookup_failed,omitempty"`
	FailureReason string      `json:"failure_reason,omitempty"`
	Query         string      `json:"query,omitempty"`
	Candidates    []Candidate `json:"candidates"`
	CheckedAt     time.Time   `json:"checked_at"`
}

// Best returns the top-ranked candidate, or nil for an empty set.
func (s *CandidateSet) Best() *Candidate {
	if len(s.Candidates) == 0 {
		return nil
	}
	return &s.Candidates[0]
}
