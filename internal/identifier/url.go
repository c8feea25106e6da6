package identifier

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/riverbend-library/suggestbot/internal/model"
)

// Domain lists for URL classification. Matching is by suffix against the
// host, so subdomains (www., smile.amazon.com) classify the same way.
var (
	retailerDomains = []string{
		"amazon.com",
		"amzn.to",
		"bookshop.org",
		"barnesandnoble.com",
		"abebooks.com",
		"thriftbooks.com",
		"betterworldbooks.com",
		"booksamillion.com",
		"target.com",
		"walmart.com",
	}
	publisherDomains = []string{
		"penguinrandomhouse.com",
		"harpercollins.com",
		"simonandschuster.com",
		"macmillan.com",
		"hachettebookgroup.com",
		"scholastic.com",
		"oup.com",
		"cambridge.org",
		"springer.com",
		"wiley.com",
		"tor.com",
	}
	discoveryDomains = []string{
		"goodreads.com",
		"librarything.com",
		"thestorygraph.com",
		"books.google.com",
		"google.com",
	}
	catalogDomains = []string{
		"worldcat.org",
		"openlibrary.org",
		"archive.org",
		"loc.gov",
	}
)

var (
	asinPathPattern      = regexp.MustCompile(`/(?:dp|gp/product)/([A-Z0-9]{10})(?:[/?]|$)`)
	isbnPathPattern      = regexp.MustCompile(`(\d{13}|\d{9}[\dXx])`)
	goodreadsPathPattern = regexp.MustCompile(`/book/show/(\d+)`)
	oclcPathPattern      = regexp.MustCompile(`/oclc/(\d+)`)
)

// classifyExtractedURL parses one URL, assigns its class by domain, and
// pulls out any identifiers embedded in the path or query. The URL is never
// fetched.
func classifyExtractedURL(raw string) model.ExtractedURL {
	out := model.ExtractedURL{URL: raw, Class: model.URLClassUnknown}

	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return out
	}
	host := strings.ToLower(strings.TrimPrefix(parsed.Hostname(), "www."))
	out.Domain = host

	switch {
	case matchesDomain(host, retailerDomains):
		out.Class = model.URLClassRetailer
	case matchesDomain(host, publisherDomains):
		out.Class = model.URLClassPublisher
	case matchesDomain(host, discoveryDomains):
		out.Class = model.URLClassDiscovery
	case matchesDomain(host, catalogDomains):
		out.Class = model.URLClassLibraryCatalog
	}

	out.EmbeddedIDs = extractEmbeddedIDs(host, parsed)
	return out
}

func matchesDomain(host string, domains []string) bool {
	for _, d := range domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// extractEmbeddedIDs mines the parsed URL for identifiers keyed by scheme
// name. ISBN-shaped path segments are kept only when their checksum holds;
// the canonical ISBN-13 form is stored.
func extractEmbeddedIDs(host string, parsed *url.URL) map[string][]string {
	ids := make(map[string][]string)
	path := parsed.Path

	if m := asinPathPattern.FindStringSubmatch(path); m != nil {
		// Amazon reuses ISBN-10s as ASINs for print books.
		if canonical := CanonicalISBN(m[1]); canonical != "" {
			ids["isbn"] = append(ids["isbn"], canonical)
		} else {
			ids["asin"] = append(ids["asin"], m[1])
		}
	}

	for _, m := range isbnPathPattern.FindAllString(path, -1) {
		if canonical := CanonicalISBN(m); canonical != "" && !contains(ids["isbn"], canonical) {
			ids["isbn"] = append(ids["isbn"], canonical)
		}
	}

	if strings.Contains(host, "goodreads.com") {
		if m := goodreadsPathPattern.FindStringSubmatch(path); m != nil {
			ids["goodreads_id"] = append(ids["goodreads_id"], m[1])
		}
	}
	if strings.Contains(host, "books.google.com") {
		if v := parsed.Query().Get("id"); v != "" {
			ids["google_books_id"] = append(ids["google_books_id"], v)
		}
	}
	if host == "doi.org" || host == "dx.doi.org" {
		if doi := NormalizeDOI(strings.TrimPrefix(path, "/")); strings.HasPrefix(doi, "10.") {
			ids["doi"] = append(ids["doi"], doi)
		}
	}
	if strings.Contains(host, "worldcat.org") {
		if m := oclcPathPattern.FindStringSubmatch(path); m != nil {
			ids["oclc"] = append(ids["oclc"], m[1])
		}
	}

	if len(ids) == 0 {
		return nil
	}
	return ids
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
