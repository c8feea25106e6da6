// Package openlibrary wraps the Open Library API for edition lookup by
// ISBN, keyword search, and author name resolution.
package openlibrary

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/riverbend-library/suggestbot/internal/resilience"
)

const (
	defaultBaseURL    = "https://openlibrary.org"
	defaultCoversURL  = "https://covers.openlibrary.org"
	defaultMaxResults = 5
)

var searchFields = strings.Join([]string{
	"key", "title", "author_name", "first_publish_year",
	"isbn", "publisher", "subject", "cover_i",
}, ",")

// Client defines the Open Library operations used by the enricher.
type Client interface {
	// LookupISBN fetches the edition for an ISBN. A clean not-found returns
	// (nil, nil); callers must treat that differently from an error.
	LookupISBN(ctx context.Context, isbn string) (*Edition, error)
	// Search runs a keyword search. Free text is scrubbed of PII before it
	// leaves the process.
	Search(ctx context.Context, q SearchQuery) ([]Doc, error)
	// AuthorName resolves an author key (e.g. /authors/OL23919A) to a name.
	AuthorName(ctx context.Context, key string) (string, error)
}

// Edition is the subset of /isbn/{isbn}.json the pipeline uses.
type Edition struct {
	Title       string   `json:"title"`
	Publishers  []string `json:"publishers"`
	PublishDate string   `json:"publish_date"`
	ISBN10      []string `json:"isbn_10"`
	ISBN13      []string `json:"isbn_13"`
	Subjects    []string `json:"subjects"`
	Covers      []int    `json:"covers"`
	Authors     []struct {
		Key string `json:"key"`
	} `json:"authors"`
}

// SearchQuery selects between fielded and free-text search.
type SearchQuery struct {
	Title  string
	Author string
	// Text is used only when Title is empty.
	Text string
}

// Doc is one result row from /search.json.
type Doc struct {
	Key              string   `json:"key"`
	Title            string   `json:"title"`
	AuthorNames      []string `json:"author_name"`
	FirstPublishYear int      `json:"first_publish_year"`
	ISBN             []string `json:"isbn"`
	Publishers       []string `json:"publisher"`
	Subjects         []string `json:"subject"`
	CoverID          int      `json:"cover_i"`
}

// APIError is returned when Open Library responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("openlibrary: HTTP %d: %s", e.StatusCode, e.Body)
}

// CoverURL builds the medium-size cover image URL for a cover ID, or ""
// when the ID is unset.
func CoverURL(coverID int) string {
	if coverID <= 0 {
		return ""
	}
	return fmt.Sprintf("%s/b/id/%d-M.jpg", defaultCoversURL, coverID)
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithBaseURL overrides the default base URL.
func WithBaseURL(base string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimSuffix(base, "/")
	}
}

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		c.http.Timeout = d
	}
}

// WithMaxResults caps search result rows.
func WithMaxResults(n int) Option {
	return func(c *httpClient) {
		if n > 0 {
			c.maxResults = n
		}
	}
}

// WithLimiter shares a rate limiter with other clients in the process.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *httpClient) {
		c.limiter = l
	}
}

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p resilience.Policy) Option {
	return func(c *httpClient) {
		c.retry = p
	}
}

type httpClient struct {
	baseURL    string
	http       *http.Client
	limiter    *rate.Limiter
	retry      resilience.Policy
	maxResults int
}

// NewClient creates an Open Library client throttled to 1 req/s, the
// documented courtesy limit for unauthenticated use.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL:    defaultBaseURL,
		http:       &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(1, 2),
		retry:      resilience.DefaultPolicy(),
		maxResults: defaultMaxResults,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) LookupISBN(ctx context.Context, isbn string) (*Edition, error) {
	var ed Edition
	found, err := c.get(ctx, "/isbn/"+url.PathEscape(isbn)+".json", &ed)
	if err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("openlibrary: lookup isbn %s", isbn))
	}
	if !found {
		return nil, nil
	}
	return &ed, nil
}

func (c *httpClient) Search(ctx context.Context, q SearchQuery) ([]Doc, error) {
	params := url.Values{}
	switch {
	case q.Title != "":
		params.Set("title", Scrub(q.Title))
		if q.Author != "" {
			params.Set("author", Scrub(q.Author))
		}
	case q.Text != "":
		params.Set("q", Scrub(q.Text))
	default:
		return nil, eris.New("openlibrary: empty search query")
	}
	params.Set("fields", searchFields)
	params.Set("limit", fmt.Sprintf("%d", c.maxResults))

	var resp struct {
		NumFound int   `json:"numFound"`
		Docs     []Doc `json:"docs"`
	}
	if _, err := c.get(ctx, "/search.json?"+params.Encode(), &resp); err != nil {
		return nil, eris.Wrap(err, "openlibrary: search")
	}
	return resp.Docs, nil
}

func (c *httpClient) AuthorName(ctx context.Context, key string) (string, error) {
	key = strings.TrimPrefix(key, "/")
	var author struct {
		Name string `json:"name"`
	}
	found, err := c.get(ctx, "/"+key+".json", &author)
	if err != nil {
		return "", eris.Wrap(err, fmt.Sprintf("openlibrary: author %s", key))
	}
	if !found {
		return "", nil
	}
	return author.Name, nil
}

// get performs one GET with retry. It reports found=false for a 404 so
// callers can distinguish absence from failure.
func (c *httpClient) get(ctx context.Context, path string, out any) (bool, error) {
	return resilience.Do(ctx, c.retry, "openlibrary", func(ctx context.Context) (bool, error) {
		return c.getOnce(ctx, path, out)
	})
}

func (c *httpClient) getOnce(ctx context.Context, path string, out any) (bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return false, eris.Wrap(err, "rate limit")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return false, eris.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "suggestbot/1.0 (library acquisitions; contact: admin@riverbendlibrary.org)")

	resp, err := c.http.Do(req)
	if err != nil {
		return false, eris.Wrap(err, "execute request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, eris.Wrap(err, "read response body")
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(data)}
		if resilience.RetryableStatus(resp.StatusCode) {
			return false, resilience.NewTransient(apiErr, resp.StatusCode)
		}
		return false, apiErr
	}

	if err := json.Unmarshal(data, out); err != nil {
		return false, eris.Wrap(err, "decode response")
	}
	return true, nil
}
