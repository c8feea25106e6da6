package model

import "time"

// EnrichmentSchemaVersion tags bibliographic enrichment artifacts.
const EnrichmentSchemaVersion = "1.0.0"

// EnrichmentConfidence grades how the enrichment match was obtained.
type EnrichmentConfidence string

const (
	EnrichHigh   EnrichmentConfidence = "high"   // direct ISBN lookup
	EnrichMedium EnrichmentConfidence = "medium" // title+author search
	EnrichLow    EnrichmentConfidence = "low"    // title-only search
	EnrichNone   EnrichmentConfidence = "none"
)

// EnrichmentResult is the stage 3 artifact from the external bibliographic
// collaborator. A persisted result with Found=false means "we looked and
// found nothing"; an absent result means the stage never ran. Degraded marks
// a transport or parse failure, which is not the same as a clean no-match.
type EnrichmentResult struct {
	SchemaVersion string               `json:"schema_version"`
	Source        string               `json:"source"`
	SourceQuery   string               `json:"source_query,omitempty"`
	Found         bool                 `json:"found"`
	Degraded      bool                 `json:"degraded,omitempty"`
	FailureReason string               `json:"failure_reason,omitempty"`
	Confidence    EnrichmentConfidence `json:"confidence"`
	Title         string               `json:"title,omitempty"`
	Authors       []string             `json:"authors,omitempty"`
	Publishers    []string             `json:"publishers,omitempty"`
	PublishDate   string               `json:"publish_date,omitempty"`
	ISBN10        []string             `json:"isbn_10,omitempty"`
	ISBN13        []string             `json:"isbn_13,omitempty"`
	Subjects      []string             `json:"subjects,omitempty"`
	CoverURL      string               `json:"cover_url,omitempty"`
	CheckedAt     time.Time            `json:"checked_at"`
}
