// Package identifier extracts and validates bibliographic identifiers
// (ISBN-10/13, ISSN, DOI, URL) from free text. All functions are pure.
//
// Candidates that parse but fail their checksum are retained with an
// invalid status rather than dropped, so staff can see what the patron
// actually typed.
package identifier

import (
	"regexp"
	"strings"

	"github.com/riverbend-library/suggestbot/internal/model"
)

var (
	isbn13Pattern = regexp.MustCompile(`\b97[89][-\x20]?\d[-\x20]?\d{3}[-\x20]?\d{5}[-\x20]?\d\b`)
	isbn10Pattern = regexp.MustCompile(`\b(?:\d{9}[\dXx]|\d[-\x20]?\d{3}[-\x20]?\d{5}[-\x20]?[\dXx])\b`)
	issnPattern   = regexp.MustCompile(`\b\d{4}[-\x20]?\d{3}[\dXx]\b`)
	doiPattern    = regexp.MustCompile(`\b10\.\d{4,9}/[^\s<>"']+`)
	urlPattern    = regexp.MustCompile(`(?i)https?://[^\s<>"'\)\]]+`)
)

// Extraction is the result of scanning one text: typed identifiers,
// classified URLs, and the byte spans the matches consumed (used by the
// evidence builder to compute residual text).
type Extraction struct {
	Identifiers []model.Identifier
	URLs        []model.ExtractedURL
	Spans       [][]int
}

// stripSeparators removes hyphens and spaces and uppercases a raw
// identifier run.
func stripSeparators(s string) string {
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, " ", "")
	return strings.ToUpper(s)
}

// ValidateISBN10 checks the modulo-11 check digit of a stripped ISBN-10.
// The final character may be X, representing 10.
func ValidateISBN10(isbn string) bool {
	if len(isbn) != 10 {
		return false
	}
	total := 0
	for i, ch := range isbn {
		var value int
		switch {
		case ch == 'X':
			if i != 9 {
				return false
			}
			value = 10
		case ch >= '0' && ch <= '9':
			value = int(ch - '0')
		default:
			return false
		}
		total += value * (10 - i)
	}
	return total%11 == 0
}

// ValidateISBN13 checks the modulo-10 check digit of a stripped ISBN-13,
// with alternating weights 1 and 3.
func ValidateISBN13(isbn string) bool {
	if len(isbn) != 13 {
		return false
	}
	total := 0
	for i, ch := range isbn {
		if ch < '0' || ch > '9' {
			return false
		}
		weight := 1
		if i%2 == 1 {
			weight = 3
		}
		total += int(ch-'0') * weight
	}
	return total%10 == 0
}

// ISBN10To13 converts a valid stripped ISBN-10 to its ISBN-13 form by
// prepending 978 and recomputing the check digit. Returns "" if the input
// is not a valid ISBN-10.
func ISBN10To13(isbn10 string) string {
	isbn10 = stripSeparators(isbn10)
	if !ValidateISBN10(isbn10) {
		return ""
	}
	base := "978" + isbn10[:9]
	total := 0
	for i, ch := range base {
		weight := 1
		if i%2 == 1 {
			weight = 3
		}
		total += int(ch-'0') * weight
	}
	check := (10 - total%10) % 10
	return base + string(rune('0'+check))
}

// CanonicalISBN strips formatting and returns the canonical hyphen-free
// ISBN-13, or "" if the input fails validation.
func CanonicalISBN(raw string) string {
	s := stripSeparators(raw)
	switch len(s) {
	case 10:
		return ISBN10To13(s)
	case 13:
		if ValidateISBN13(s) {
			return s
		}
	}
	return ""
}

// classifyISBN builds the Identifier for one ISBN-shaped run, preserving
// invalid candidates with a diagnostic status.
func classifyISBN(raw string) model.Identifier {
	s := stripSeparators(raw)
	switch len(s) {
	case 13:
		id := model.Identifier{Kind: model.KindISBN13, Raw: raw, Normalized: s}
		switch {
		case !allDigits(s):
			id.Status = model.IdentifierUnparseable
		case ValidateISBN13(s):
			id.Status = model.IdentifierValid
		default:
			id.Status = model.IdentifierInvalidChecksum
		}
		return id
	case 10:
		id := model.Identifier{Kind: model.KindISBN10, Raw: raw, Normalized: s}
		switch {
		case !isbn10Shaped(s):
			id.Status = model.IdentifierUnparseable
		case ValidateISBN10(s):
			id.Status = model.IdentifierValid
			id.Normalized = ISBN10To13(s)
		default:
			id.Status = model.IdentifierInvalidChecksum
		}
		return id
	}
	return model.Identifier{Kind: model.KindISBN13, Raw: raw, Normalized: s, Status: model.IdentifierUnparseable}
}

// ValidateISSN checks the modulo-11 check digit of a stripped ISSN
// (weights 8..2 over the first seven digits, X check digit = 10).
func ValidateISSN(issn string) bool {
	if len(issn) != 8 {
		return false
	}
	total := 0
	for i := 0; i < 7; i++ {
		ch := issn[i]
		if ch < '0' || ch > '9' {
			return false
		}
		total += int(ch-'0') * (8 - i)
	}
	switch ch := issn[7]; {
	case ch == 'X':
		total += 10
	case ch >= '0' && ch <= '9':
		total += int(ch - '0')
	default:
		return false
	}
	return total%11 == 0
}

// NormalizeDOI strips doi: and doi.org prefixes and lowercases the value.
// DOIs have no checksum, so validity is syntactic only.
func NormalizeDOI(doi string) string {
	doi = strings.TrimSpace(doi)
	lower := strings.ToLower(doi)
	for _, prefix := range []string{
		"doi:",
		"https://doi.org/",
		"http://doi.org/",
		"https://dx.doi.org/",
		"http://dx.doi.org/",
	} {
		if strings.HasPrefix(lower, prefix) {
			doi = doi[len(prefix):]
			lower = lower[len(prefix):]
		}
	}
	return strings.ToLower(strings.TrimRight(doi, ".,;"))
}

func allDigits(s string) bool {
	for _, ch := range s {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return true
}

// isbn10Shaped reports whether s is nine digits followed by a digit or X.
func isbn10Shaped(s string) bool {
	if len(s) != 10 {
		return false
	}
	if !allDigits(s[:9]) {
		return false
	}
	last := s[9]
	return last == 'X' || (last >= '0' && last <= '9')
}

// Extract scans text for identifiers. URL detection takes precedence:
// spans inside a detected URL are attributed to that URL's embedded IDs and
// never double-counted as free-standing identifiers. Identifiers are
// deduplicated by (kind, normalized value) in first-seen order.
func Extract(text string) Extraction {
	var ex Extraction
	seen := make(map[string]bool)

	consumed := func(start, end int) bool {
		for _, sp := range ex.Spans {
			if start < sp[1] && end > sp[0] {
				return true
			}
		}
		return false
	}
	add := func(id model.Identifier, start, end int) {
		key := string(id.Kind) + "\x00" + id.Normalized
		ex.Spans = append(ex.Spans, []int{start, end})
		if seen[key] {
			return
		}
		seen[key] = true
		ex.Identifiers = append(ex.Identifiers, id)
	}

	// URLs first so embedded identifiers are not double-counted.
	seenURLs := make(map[string]bool)
	for _, sp := range urlPattern.FindAllStringIndex(text, -1) {
		raw := strings.TrimRight(text[sp[0]:sp[1]], ".,;:!?")
		ex.Spans = append(ex.Spans, []int{sp[0], sp[1]})
		if seenURLs[raw] {
			continue
		}
		seenURLs[raw] = true

		u := classifyExtractedURL(raw)
		ex.URLs = append(ex.URLs, u)
		ex.Identifiers = appendURLIdentifier(ex.Identifiers, seen, raw)

		// Promote valid ISBNs embedded in the URL path; they were counted
		// only here, not as free-standing spans.
		for _, embedded := range u.EmbeddedIDs["isbn"] {
			key := string(model.KindISBN13) + "\x00" + embedded
			if !seen[key] {
				seen[key] = true
				ex.Identifiers = append(ex.Identifiers, model.Identifier{
					Kind:       model.KindISBN13,
					Raw:        raw,
					Normalized: embedded,
					Status:     model.IdentifierValid,
				})
			}
		}
	}

	for _, sp := range doiPattern.FindAllStringIndex(text, -1) {
		if consumed(sp[0], sp[1]) {
			continue
		}
		raw := text[sp[0]:sp[1]]
		add(model.Identifier{
			Kind:       model.KindDOI,
			Raw:        raw,
			Normalized: NormalizeDOI(raw),
			Status:     model.IdentifierValid,
		}, sp[0], sp[1])
	}

	// ISBN-13 before ISBN-10: the 13-digit form is more specific and its
	// hyphenated tail would otherwise match the ISBN-10 pattern.
	for _, sp := range isbn13Pattern.FindAllStringIndex(text, -1) {
		if consumed(sp[0], sp[1]) {
			continue
		}
		add(classifyISBN(text[sp[0]:sp[1]]), sp[0], sp[1])
	}
	for _, sp := range isbn10Pattern.FindAllStringIndex(text, -1) {
		if consumed(sp[0], sp[1]) {
			continue
		}
		add(classifyISBN(text[sp[0]:sp[1]]), sp[0], sp[1])
	}

	for _, sp := range issnPattern.FindAllStringIndex(text, -1) {
		if consumed(sp[0], sp[1]) {
			continue
		}
		raw := text[sp[0]:sp[1]]
		s := stripSeparators(raw)
		id := model.Identifier{Kind: model.KindISSN, Raw: raw, Normalized: s}
		if ValidateISSN(s) {
			id.Status = model.IdentifierValid
		} else {
			id.Status = model.IdentifierInvalidChecksum
		}
		add(id, sp[0], sp[1])
	}

	return ex
}

// appendURLIdentifier records the URL itself as a typed identifier, stored
// as-is and never dereferenced.
func appendURLIdentifier(ids []model.Identifier, seen map[string]bool, raw string) []model.Identifier {
	key := string(model.KindURL) + "\x00" + raw
	if seen[key] {
		return ids
	}
	seen[key] = true
	return append(ids, model.Identifier{
		Kind:       model.KindURL,
		Raw:        raw,
		Normalized: raw,
		Status:     model.IdentifierValid,
	})
}
