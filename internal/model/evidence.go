package model

import "time"

// EvidenceSchemaVersion tags evidence packets so stored artifacts can be
// validated on read.
const EvidenceSchemaVersion = "1.0.0"

// IdentifierKind classifies an extracted identifier span.
type IdentifierKind string

const (
	KindISBN10 IdentifierKind = "isbn10"
	KindISBN13 IdentifierKind = "isbn13"
	KindISSN   IdentifierKind = "issn"
	KindDOI    IdentifierKind = "doi"
	KindURL    IdentifierKind = "url"
)

// IdentifierStatus is the validation outcome for a candidate identifier.
// Invalid candidates are retained for staff visibility, never dropped.
type IdentifierStatus string

const (
	IdentifierValid           IdentifierStatus = "valid"
	IdentifierInvalidChecksum IdentifierStatus = "invalid_checksum"
	IdentifierUnparseable     IdentifierStatus = "unparseable"
)

// Identifier is one typed, validated identifier span. Normalized holds the
// canonical form (hyphen-free ISBN-13 for ISBNs, uppercase digits for ISSN,
// lowercase for DOI); for invalid candidates it holds the stripped raw text.
type Identifier struct {
	Kind       IdentifierKind   `json:"kind"`
	Raw        string           `json:"raw"`
	Normalized string           `json:"normalized"`
	Status     IdentifierStatus `json:"status"`
}

// URLClass categorizes a URL by its domain.
type URLClass string

const (
	URLClassRetailer       URLClass = "retailer"
	URLClassPublisher      URLClass = "publisher"
	URLClassDiscovery      URLClass = "discovery"
	URLClassLibraryCatalog URLClass = "library_catalog"
	URLClassUnknown        URLClass = "unknown"
)

// ExtractedURL is a URL found in the input, classified and mined for
// embedded identifiers (ISBN in path, ASIN, Goodreads/Google Books/OCLC ids).
type ExtractedURL struct {
	URL         string              `json:"url"`
	Domain      string              `json:"domain"`
	Class       URLClass            `json:"class"`
	EmbeddedIDs map[string][]string `json:"embedded_ids,omitempty"`
}

// QualitySignals summarizes what kinds of evidence the input provided.
type QualitySignals struct {
	ValidISBNPresent  bool `json:"valid_isbn_present"`
	ValidISSNPresent  bool `json:"valid_issn_present"`
	DOIPresent        bool `json:"doi_present"`
	URLPresent        bool `json:"url_present"`
	TitleLikePresent  bool `json:"title_like_text_present"`
	AuthorLikePresent bool `json:"author_like_text_present"`
}

// EvidencePacket is the versioned, immutable-once-written stage 1 artifact.
// RawInput is always preserved verbatim, even when parsing fails entirely.
type EvidencePacket struct {
	SchemaVersion string         `json:"schema_version"`
	CreatedAt     time.Time      `json:"created_at"`
	RawInput      string         `json:"raw_input"`
	PatronNote    string         `json:"patron_note,omitempty"`
	Identifiers   []Identifier   `json:"identifiers"`
	URLs          []ExtractedURL `json:"urls,omitempty"`
	ResidualText  string         `json:"residual_text"`
	TitleGuess    string         `json:"title_guess,omitempty"`
	AuthorGuess   string         `json:"author_guess,omitempty"`
	YearGuess     int            `json:"year_guess,omitempty"`
	FormatHints   []string       `json:"format_hints,omitempty"`
	LanguageHints []string       `json:"language_hints,omitempty"`
	Signals       QualitySignals `json:"signals"`
	Warnings      []string       `json:"warnings,omitempty"`
}

// ValidISBNs returns the canonical ISBN-13 values of all valid ISBN
// identifiers, in first-seen order.
func (p *EvidencePacket) ValidISBNs() []string {
	var out []string
	for _, id := range p.Identifiers {
		if (id.Kind == KindISBN13 || id.Kind == KindISBN10) && id.Status == IdentifierValid {
			out = append(out, id.Normalized)
		}
	}
	return out
}

// ValidISSNs returns the canonical values of all valid ISSN identifiers.
func (p *EvidencePacket) ValidISSNs() []string {
	var out []string
	for _, id := range p.Identifiers {
		if id.Kind == KindISSN && id.Status == IdentifierValid {
			out = append(out, id.Normalized)
		}
	}
	return out
}
