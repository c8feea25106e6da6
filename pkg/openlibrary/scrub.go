package openlibrary

import "regexp"

// Patron free text can carry phone numbers, emails, or card numbers. Those
// are redacted before any query string leaves the process. The digit-run
// rule starts at 14 so hyphen-free ISBN-13s survive.
var (
	emailPattern = regexp.MustCompile(`[\w.+-]+@[\w-]+\.[\w.-]+`)
	phonePattern = regexp.MustCompile(`\(?\d{3}\)?[-.\s]\d{3}[-.\s]\d{4}`)
	cardPattern  = regexp.MustCompile(`\b\d{14,16}\b`)
)

const redacted = "[redacted]"

// Scrub redacts emails, phone numbers, and card-length digit runs from a
// query string.
func Scrub(s string) string {
	s = emailPattern.ReplaceAllString(s, redacted)
	s = phonePattern.ReplaceAllString(s, redacted)
	s = cardPattern.ReplaceAllString(s, redacted)
	return s
}
