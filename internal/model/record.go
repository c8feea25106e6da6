// Package model defines the domain types shared across the enrichment
// pipeline: suggestion records, bot runs, audit events, and the versioned
// stage artifacts (evidence packet, candidate set, enrichment result).
package model

import (
	"strings"
	"time"
)

// RequestStatus is the staff-facing lifecycle of a suggestion, independent of
// bot processing.
type RequestStatus string

const (
	RequestStatusNew       RequestStatus = "new"
	RequestStatusInReview  RequestStatus = "in_review"
	RequestStatusOrdered   RequestStatus = "ordered"
	RequestStatusDeclined  RequestStatus = "declined"
	RequestStatusDuplicate RequestStatus = "duplicate"
)

// BotStatus is the bot-processing state of a suggestion record.
type BotStatus string

const (
	BotStatusPending    BotStatus = "pending"
	BotStatusProcessing BotStatus = "processing"
	BotStatusCompleted  BotStatus = "completed"
	BotStatusError      BotStatus = "error"
	BotStatusSkipped    BotStatus = "skipped"
)

// SuggestionRecord is the unit of work for the pipeline. Enrichment fields
// are nullable and independently timestamped; the orchestrator persists each
// stage's output incrementally.
type SuggestionRecord struct {
	ID               string        `json:"id"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        *time.Time    `json:"updated_at,omitempty"`
	RawQuery         string        `json:"raw_query"`
	FormatPreference string        `json:"format_preference,omitempty"`
	PatronNote       string        `json:"patron_note,omitempty"`
	Status           RequestStatus `json:"status"`

	BotStatus      BotStatus  `json:"bot_status"`
	BotProcessedAt *time.Time `json:"bot_processed_at,omitempty"`
	BotError       string     `json:"bot_error,omitempty"`

	EvidencePacket      *EvidencePacket `json:"evidence_packet,omitempty"`
	EvidenceExtractedAt *time.Time      `json:"evidence_extracted_at,omitempty"`

	CatalogMatch     *CandidateSet `json:"catalog_match,omitempty"`
	CatalogCheckedAt *time.Time    `json:"catalog_checked_at,omitempty"`

	Enrichment          *EnrichmentResult `json:"openlibrary_result,omitempty"`
	EnrichmentCheckedAt *time.Time        `json:"openlibrary_checked_at,omitempty"`
}

// ResolvedOutsideBot reports whether staff already resolved this suggestion
// through another channel, making bot processing pointless.
func (r *SuggestionRecord) ResolvedOutsideBot() bool {
	switch r.Status {
	case RequestStatusOrdered, RequestStatusDeclined, RequestStatusDuplicate:
		return true
	}
	return false
}

// HasUsableInput reports whether the record carries any text the pipeline
// could work with.
func (r *SuggestionRecord) HasUsableInput() bool {
	return strings.TrimSpace(r.RawQuery) != "" || strings.TrimSpace(r.PatronNote) != ""
}
