// Package evidence assembles the versioned evidence packet for a suggestion
// record. Building a packet never fails: unparseable input yields a packet
// with the raw text preserved and a warning attached.
package evidence

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/riverbend-library/suggestbot/internal/identifier"
	"github.com/riverbend-library/suggestbot/internal/model"
)

var (
	yearPattern      = regexp.MustCompile(`\b(1[89]\d{2}|20\d{2})\b`)
	byAuthorPattern  = regexp.MustCompile(`\b[Bb]y\s+([A-Z][\w.'-]*(?:\s+[A-Z][\w.'-]*){0,3})`)
	quotedPattern    = regexp.MustCompile(`"([^"]{2,120})"|\x{201c}([^\x{201d}]{2,120})\x{201d}`)
	whitespaceRun    = regexp.MustCompile(`\s+`)
	leftoverPunctRun = regexp.MustCompile(`\s*[,;:/|]{2,}\s*`)
)

// formatHintWords maps input words to canonical format hints.
var formatHintWords = map[string]string{
	"hardcover":   "hardcover",
	"hardback":    "hardcover",
	"paperback":   "paperback",
	"softcover":   "paperback",
	"audiobook":   "audiobook",
	"audio":       "audiobook",
	"cd":          "audiobook",
	"ebook":       "ebook",
	"e-book":      "ebook",
	"kindle":      "ebook",
	"dvd":         "dvd",
	"blu-ray":     "blu-ray",
	"large-print": "large_print",
}

var languageHintWords = map[string]string{
	"spanish":    "spa",
	"french":     "fre",
	"german":     "ger",
	"chinese":    "chi",
	"japanese":   "jpn",
	"korean":     "kor",
	"russian":    "rus",
	"vietnamese": "vie",
	"arabic":     "ara",
}

// Build extracts everything it can from the record's free-text fields and
// returns the stage 1 artifact. The raw query and patron note are scanned as
// one combined text; patrons paste ISBNs into either field. RawInput is
// preserved verbatim.
func Build(rec *model.SuggestionRecord, now time.Time) *model.EvidencePacket {
	combined := rec.RawQuery
	if note := strings.TrimSpace(rec.PatronNote); note != "" {
		combined = combined + " " + note
	}
	ex := identifier.Extract(combined)
	residual := residualText(combined, ex.Spans)

	p := &model.EvidencePacket{
		SchemaVersion: model.EvidenceSchemaVersion,
		CreatedAt:     now.UTC(),
		RawInput:      rec.RawQuery,
		PatronNote:    rec.PatronNote,
		Identifiers:   ex.Identifiers,
		URLs:          ex.URLs,
		ResidualText:  residual,
	}

	p.TitleGuess, p.AuthorGuess = guessTitleAuthor(residual)
	p.YearGuess = guessYear(residual)
	p.FormatHints = formatHints(combined, rec.FormatPreference)
	p.LanguageHints = languageHints(combined)

	for _, id := range p.Identifiers {
		switch id.Status {
		case model.IdentifierInvalidChecksum:
			p.Warnings = append(p.Warnings, "identifier failed checksum validation: "+id.Raw)
		case model.IdentifierUnparseable:
			p.Warnings = append(p.Warnings, "identifier could not be parsed: "+id.Raw)
		}
	}

	p.Signals = model.QualitySignals{
		ValidISBNPresent:  len(p.ValidISBNs()) > 0,
		ValidISSNPresent:  len(p.ValidISSNs()) > 0,
		DOIPresent:        hasKind(p.Identifiers, model.KindDOI),
		URLPresent:        len(p.URLs) > 0,
		TitleLikePresent:  p.TitleGuess != "",
		AuthorLikePresent: p.AuthorGuess != "",
	}

	if len(p.Identifiers) == 0 && residual == "" {
		p.Warnings = append(p.Warnings, "no usable evidence extracted from input")
	}
	return p
}

// residualText is the raw query with every consumed identifier span blanked
// out, then whitespace-normalized. It feeds the text-based catalog search.
func residualText(raw string, spans [][]int) string {
	if len(spans) == 0 {
		return normalizeWhitespace(raw)
	}
	b := []byte(raw)
	for _, sp := range spans {
		for i := sp[0]; i < sp[1] && i < len(b); i++ {
			b[i] = ' '
		}
	}
	return normalizeWhitespace(string(b))
}

func normalizeWhitespace(s string) string {
	s = leftoverPunctRun.ReplaceAllString(s, " ")
	s = whitespaceRun.ReplaceAllString(s, " ")
	return strings.Trim(s, " \t\n,;:./|-")
}

// guessTitleAuthor applies two cheap heuristics: a quoted phrase is treated
// as the title, and a "by Firstname Lastname" clause as the author. When
// neither fires, the residual text itself stands in as the title guess.
func guessTitleAuthor(residual string) (title, author string) {
	if residual == "" {
		return "", ""
	}
	if m := byAuthorPattern.FindStringSubmatch(residual); m != nil {
		author = strings.TrimSpace(m[1])
	}
	if m := quotedPattern.FindStringSubmatch(residual); m != nil {
		title = m[1]
		if title == "" {
			title = m[2]
		}
		return strings.TrimSpace(title), author
	}

	title = residual
	if author != "" {
		if idx := byAuthorPattern.FindStringIndex(residual); idx != nil {
			title = strings.TrimSpace(residual[:idx[0]])
		}
	}
	title = strings.Trim(title, " \"'.,;:-")
	if wordCount(title) > 12 {
		// Long prose is a request narrative, not a title.
		title = ""
	}
	return title, author
}

func guessYear(residual string) int {
	m := yearPattern.FindString(residual)
	if m == "" {
		return 0
	}
	year, err := strconv.Atoi(m)
	if err != nil {
		return 0
	}
	return year
}

func formatHints(raw, preference string) []string {
	var hints []string
	seen := make(map[string]bool)
	add := func(hint string) {
		if hint != "" && !seen[hint] {
			seen[hint] = true
			hints = append(hints, hint)
		}
	}

	if preference != "" {
		pref := strings.ToLower(strings.TrimSpace(preference))
		if canonical, ok := formatHintWords[pref]; ok {
			add(canonical)
		} else {
			add(pref)
		}
	}
	for _, word := range strings.Fields(strings.ToLower(raw)) {
		word = strings.Trim(word, ".,;:!?()\"'")
		if canonical, ok := formatHintWords[word]; ok {
			add(canonical)
		}
	}
	return hints
}

func languageHints(raw string) []string {
	var hints []string
	seen := make(map[string]bool)
	for _, word := range strings.Fields(strings.ToLower(raw)) {
		word = strings.Trim(word, ".,;:!?()\"'")
		if code, ok := languageHintWords[word]; ok && !seen[code] {
			seen[code] = true
			hints = append(hints, code)
		}
	}
	return hints
}

func hasKind(ids []model.Identifier, kind model.IdentifierKind) bool {
	for _, id := range ids {
		if id.Kind == kind {
			return true
		}
	}
	return false
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
