package openlibrary

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/riverbend-library/suggestbot/internal/resilience"
)

const editionJSON = `{
	"title": "The Dispossessed",
	"publishers": ["Harper & Row"],
	"publish_date": "1974",
	"isbn_10": ["0060125632"],
	"isbn_13": ["9780060125639"],
	"subjects": ["Science fiction"],
	"covers": [12345],
	"authors": [{"key": "/authors/OL23919A"}]
}`

func newTestClient(t *testing.T, handler http.HandlerFunc) Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(
		WithBaseURL(srv.URL),
		WithLimiter(rate.NewLimiter(rate.Inf, 1)),
		WithRetryPolicy(resilience.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}),
	)
}

func TestLookupISBN(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/isbn/9780060125639.json", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		w.Write([]byte(editionJSON))
	})

	ed, err := client.LookupISBN(context.Background(), "9780060125639")
	require.NoError(t, err)
	require.NotNil(t, ed)
	assert.Equal(t, "The Dispossessed", ed.Title)
	assert.Equal(t, []string{"9780060125639"}, ed.ISBN13)
	require.Len(t, ed.Authors, 1)
	assert.Equal(t, "/authors/OL23919A", ed.Authors[0].Key)
}

func TestLookupISBNNotFoundIsNotAnError(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	ed, err := client.LookupISBN(context.Background(), "9780000000002")
	require.NoError(t, err)
	assert.Nil(t, ed)
}

func TestSearchByTitleAndAuthor(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search.json", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "The Dispossessed", q.Get("title"))
		assert.Equal(t, "Le Guin", q.Get("author"))
		assert.Equal(t, "5", q.Get("limit"))
		assert.Contains(t, q.Get("fields"), "author_name")
		w.Write([]byte(`{"numFound":1,"docs":[{"key":"/works/OL45884W","title":"The Dispossessed","author_name":["Ursula K. Le Guin"],"first_publish_year":1974,"cover_i":12345}]}`))
	})

	docs, err := client.Search(context.Background(), SearchQuery{Title: "The Dispossessed", Author: "Le Guin"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, []string{"Ursula K. Le Guin"}, docs[0].AuthorNames)
	assert.Equal(t, 1974, docs[0].FirstPublishYear)
}

func TestSearchScrubsFreeText(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		assert.NotContains(t, q, "jane@example.com")
		assert.NotContains(t, q, "555-867-5309")
		assert.Contains(t, q, "[redacted]")
		w.Write([]byte(`{"numFound":0,"docs":[]}`))
	})

	_, err := client.Search(context.Background(), SearchQuery{
		Text: "book about trains, call me at 555-867-5309 or jane@example.com",
	})
	require.NoError(t, err)
}

func TestSearchEmptyQueryRejected(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should be sent")
	})

	_, err := client.Search(context.Background(), SearchQuery{})
	require.Error(t, err)
}

func TestAuthorName(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/authors/OL23919A.json", r.URL.Path)
		w.Write([]byte(`{"name":"Ursula K. Le Guin"}`))
	})

	name, err := client.AuthorName(context.Background(), "/authors/OL23919A")
	require.NoError(t, err)
	assert.Equal(t, "Ursula K. Le Guin", name)
}

func TestRetriesRateLimitResponse(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(editionJSON))
	})

	ed, err := client.LookupISBN(context.Background(), "9780060125639")
	require.NoError(t, err)
	require.NotNil(t, ed)
	assert.Equal(t, int32(2), calls.Load())
}

func TestServerErrorSurfacesAfterRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := client.LookupISBN(context.Background(), "9780060125639")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCoverURL(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "https://covers.openlibrary.org/b/id/12345-M.jpg", CoverURL(12345))
	assert.Empty(t, CoverURL(0))
	assert.Empty(t, CoverURL(-1))
}

func TestScrub(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"email", "reach me at pat@example.org thanks", "reach me at [redacted] thanks"},
		{"phone", "call (503) 555-1234 anytime", "call [redacted] anytime"},
		{"card number", "card 4111111111111111 on file", "card [redacted] on file"},
		{"isbn13 untouched", "isbn 9780441478125 please", "isbn 9780441478125 please"},
		{"clean text", "a quiet book about rivers", "a quiet book about rivers"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Scrub(tt.input))
		})
	}
}
