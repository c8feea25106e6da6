// Package sierra wraps the Sierra REST API for bibliographic search and
// item availability. Only read operations are implemented; the bot never
// writes to the ILS.
package sierra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/riverbend-library/suggestbot/internal/resilience"
)

const apiPrefix = "/iii/sierra-api/v6"

// maxBibsPerSearch caps how many bib records one search materializes,
// including the per-bib item availability call.
const maxBibsPerSearch = 5

// Client defines the catalog operations used by the matcher.
type Client interface {
	// SearchByISBN finds bibs indexed under the given ISBN.
	SearchByISBN(ctx context.Context, isbn string) ([]Holding, error)
	// SearchByISSN finds serials indexed under the given ISSN.
	SearchByISSN(ctx context.Context, issn string) ([]Holding, error)
	// SearchByText runs a keyword search over title and author indexes.
	SearchByText(ctx context.Context, query string) ([]Holding, error)
}

// Holding is one bib record with its item availability summary.
type Holding struct {
	BibID           string
	Title           string
	Author          string
	ISBN            []string
	ISSN            []string
	PublishYear     int
	CatalogedAt     time.Time
	AvailableCopies int
	TotalCopies     int
}

// APIError is returned when Sierra responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sierra: HTTP %d: %s", e.StatusCode, e.Body)
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithBaseURL overrides the Sierra server base URL (scheme and host).
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

// httpClient implements Client against the Sierra v6 REST API using
// client-credentials OAuth.
type httpClient struct {
	baseURL string
	key     string
	secret  string
	http    *http.Client
	limiter *rate.Limiter
	retry   resilience.Policy

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient creates a Sierra client. Calls are throttled to 5 req/s unless
// a shared limiter is provided.
func NewClient(baseURL, clientKey, clientSecret string, opts ...Option) Client {
	c := &httpClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		key:     clientKey,
		secret:  clientSecret,
		http:    &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(5, 1),
		retry:   resilience.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) SearchByISBN(ctx context.Context, isbn string) ([]Holding, error) {
	holdings, err := c.search(ctx, "isbn", isbn)
	if err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("sierra: search isbn %s", isbn))
	}
	return holdings, nil
}

func (c *httpClient) SearchByISSN(ctx context.Context, issn string) ([]Holding, error) {
	holdings, err := c.search(ctx, "issn", issn)
	if err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("sierra: search issn %s", issn))
	}
	return holdings, nil
}

func (c *httpClient) SearchByText(ctx context.Context, query string) ([]Holding, error) {
	holdings, err := c.search(ctx, "", query)
	if err != nil {
		return nil, eris.Wrap(err, "sierra: keyword search")
	}
	return holdings, nil
}

// bibSearchResponse is the shape of GET /bibs/search.
type bibSearchResponse struct {
	Count   int `json:"count"`
	Entries []struct {
		Bib bibRecord `json:"bib"`
	} `json:"entries"`
}

type bibRecord struct {
	ID          json.Number `json:"id"`
	Title       string      `json:"title"`
	Author      string      `json:"author"`
	PublishYear int         `json:"publishYear"`
	CatalogDate string      `json:"catalogDate"`
	VarFields   []varField  `json:"varFields"`
}

type varField struct {
	MarcTag   string `json:"marcTag"`
	Subfields []struct {
		Tag     string `json:"tag"`
		Content string `json:"content"`
	} `json:"subfields"`
}

// itemsResponse is the shape of GET /items.
type itemsResponse struct {
	Total   int `json:"total"`
	Entries []struct {
		Status struct {
			Code string `json:"code"`
		} `json:"status"`
	} `json:"entries"`
}

func (c *httpClient) search(ctx context.Context, index, text string) ([]Holding, error) {
	q := url.Values{}
	q.Set("text", text)
	q.Set("limit", fmt.Sprintf("%d", maxBibsPerSearch))
	q.Set("fields", "id,title,author,publishYear,catalogDate,varFields")
	if index != "" {
		q.Set("index", index)
	}

	var resp bibSearchResponse
	if err := c.get(ctx, "/bibs/search?"+q.Encode(), &resp); err != nil {
		return nil, err
	}

	holdings := make([]Holding, 0, len(resp.Entries))
	for _, entry := range resp.Entries {
		h := holdingFromBib(entry.Bib)
		available, total, err := c.itemCounts(ctx, h.BibID)
		if err != nil {
			return nil, err
		}
		h.AvailableCopies = available
		h.TotalCopies = total
		holdings = append(holdings, h)
	}
	return holdings, nil
}

func holdingFromBib(bib bibRecord) Holding {
	h := Holding{
		BibID:       bib.ID.String(),
		Title:       bib.Title,
		Author:      bib.Author,
		PublishYear: bib.PublishYear,
	}
	if bib.CatalogDate != "" {
		if ts, err := time.Parse("2006-01-02", bib.CatalogDate); err == nil {
			h.CatalogedAt = ts
		}
	}
	for _, vf := range bib.VarFields {
		for _, sf := range vf.Subfields {
			if sf.Tag != "a" {
				continue
			}
			value := strings.Fields(sf.Content)
			if len(value) == 0 {
				continue
			}
			switch vf.MarcTag {
			case "020":
				h.ISBN = append(h.ISBN, value[0])
			case "022":
				h.ISSN = append(h.ISSN, value[0])
			}
		}
	}
	return h
}

// itemCounts tallies items attached to a bib. Status code "-" means the
// copy is on the shelf.
func (c *httpClient) itemCounts(ctx context.Context, bibID string) (available, total int, err error) {
	q := url.Values{}
	q.Set("bibIds", bibID)
	q.Set("fields", "status")
	q.Set("limit", "100")

	var resp itemsResponse
	if err := c.get(ctx, "/items?"+q.Encode(), &resp); err != nil {
		// A bib with zero attached items is a 404 from /items, not an error.
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return 0, 0, nil
		}
		return 0, 0, err
	}

	for _, entry := range resp.Entries {
		if strings.TrimSpace(entry.Status.Code) == "-" {
			available++
		}
	}
	return available, len(resp.Entries), nil
}

func (c *httpClient) get(ctx context.Context, path string, out any) error {
	_, err := resilience.Do(ctx, c.retry, "sierra", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.getOnce(ctx, path, out)
	})
	return err
}

func (c *httpClient) getOnce(ctx context.Context, path string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "rate limit")
	}

	token, err := c.bearerToken(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiPrefix+path, nil)
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "execute request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "read response body")
	}

	if resp.StatusCode == http.StatusUnauthorized {
		// Token may have expired server-side; drop it so the retry
		// re-authenticates.
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
		return resilience.NewTransient(&APIError{StatusCode: resp.StatusCode, Body: string(data)}, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(data)}
		if resilience.RetryableStatus(resp.StatusCode) {
			return resilience.NewTransient(apiErr, resp.StatusCode)
		}
		return apiErr
	}

	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrap(err, "decode response")
	}
	return nil
}

// bearerToken returns a cached access token, fetching a fresh one via the
// client-credentials grant when missing or within a minute of expiry.
func (c *httpClient) bearerToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Until(c.tokenExpiry) > time.Minute {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+apiPrefix+"/token", strings.NewReader("grant_type=client_credentials"))
	if err != nil {
		return "", eris.Wrap(err, "create token request")
	}
	req.SetBasicAuth(c.key, c.secret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", eris.Wrap(err, "sierra: fetch token")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", eris.Wrap(err, "read token response")
	}
	if resp.StatusCode != http.StatusOK {
		return "", &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(data, &tok); err != nil {
		return "", eris.Wrap(err, "decode token response")
	}
	if tok.AccessToken == "" {
		return "", eris.New("sierra: empty access token")
	}

	c.token = tok.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return c.token, nil
}
