package pipeline

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverbend-library/suggestbot/internal/model"
	"github.com/riverbend-library/suggestbot/pkg/openlibrary"
)

func TestEnrichISBNHit(t *testing.T) {
	t.Parallel()

	ol := &fakeOpenLibrary{
		editions: map[string]*openlibrary.Edition{
			"9780441478125": {
				Title:       "The Left Hand of Darkness",
				Publishers:  []string{"Ace Books"},
				PublishDate: "1969",
				ISBN13:      []string{"9780441478125"},
				Covers:      []int{12345},
				Authors: []struct {
					Key string `json:"key"`
				}{{Key: "/authors/OL26329A"}},
			},
		},
		authors: map[string]string{"/authors/OL26329A": "Ursula K. Le Guin"},
	}
	result := NewEnricher(ol).Enrich(context.Background(), packetWithISBN("9780441478125"))

	assert.True(t, result.Found)
	assert.False(t, result.Degraded)
	assert.Equal(t, model.EnrichHigh, result.Confidence)
	assert.Equal(t, "The Left Hand of Darkness", result.Title)
	assert.Equal(t, []string{"Ursula K. Le Guin"}, result.Authors)
	assert.Contains(t, result.CoverURL, "12345-M.jpg")
	assert.Equal(t, "isbn:9780441478125", result.SourceQuery)
}

func TestEnrichFallsBackToTitleAuthorSearch(t *testing.T) {
	t.Parallel()

	ol := &fakeOpenLibrary{
		docs: []openlibrary.Doc{{
			Title:            "Parable of the Sower",
			AuthorNames:      []string{"Octavia E. Butler"},
			FirstPublishYear: 1993,
			ISBN:             []string{"0941423999", "9780941423991"},
			CoverID:          777,
		}},
	}
	packet := &model.EvidencePacket{TitleGuess: "Parable of the Sower", AuthorGuess: "Octavia Butler"}
	result := NewEnricher(ol).Enrich(context.Background(), packet)

	assert.True(t, result.Found)
	assert.Equal(t, model.EnrichMedium, result.Confidence)
	require.NotNil(t, ol.lastQuery)
	assert.Equal(t, "Parable of the Sower", ol.lastQuery.Title)
	assert.Equal(t, "Octavia Butler", ol.lastQuery.Author)
	assert.Equal(t, "1993", result.PublishDate)
	assert.Equal(t, []string{"0941423999"}, result.ISBN10)
	assert.Equal(t, []string{"9780941423991"}, result.ISBN13)
}

func TestEnrichTitleOnlyIsLowConfidence(t *testing.T) {
	t.Parallel()

	ol := &fakeOpenLibrary{docs: []openlibrary.Doc{{Title: "The Overstory"}}}
	result := NewEnricher(ol).Enrich(context.Background(), &model.EvidencePacket{TitleGuess: "The Overstory"})

	assert.True(t, result.Found)
	assert.Equal(t, model.EnrichLow, result.Confidence)
}

func TestEnrichResidualTextSearch(t *testing.T) {
	t.Parallel()

	ol := &fakeOpenLibrary{docs: []openlibrary.Doc{{Title: "Something"}}}
	result := NewEnricher(ol).Enrich(context.Background(), &model.EvidencePacket{ResidualText: "that mushroom book everyone loves"})

	assert.True(t, result.Found)
	assert.Equal(t, model.EnrichLow, result.Confidence)
	require.NotNil(t, ol.lastQuery)
	assert.Equal(t, "that mushroom book everyone loves", ol.lastQuery.Text)
}

func TestEnrichNotFoundIsClean(t *testing.T) {
	t.Parallel()

	ol := &fakeOpenLibrary{}
	result := NewEnricher(ol).Enrich(context.Background(), &model.EvidencePacket{TitleGuess: "No Such Book"})

	assert.False(t, result.Found)
	assert.False(t, result.Degraded)
	assert.Equal(t, model.EnrichNone, result.Confidence)
	assert.Empty(t, result.FailureReason)
}

func TestEnrichNoEvidence(t *testing.T) {
	t.Parallel()

	ol := &fakeOpenLibrary{}
	result := NewEnricher(ol).Enrich(context.Background(), &model.EvidencePacket{})

	assert.False(t, result.Found)
	assert.Equal(t, "no searchable evidence", result.FailureReason)
	assert.Zero(t, ol.lookupCalls)
}

func TestEnrichLookupErrorDegrades(t *testing.T) {
	t.Parallel()

	ol := &fakeOpenLibrary{lookupErr: eris.New("HTTP 503")}
	result := NewEnricher(ol).Enrich(context.Background(), packetWithISBN("9780441478125"))

	assert.False(t, result.Found)
	assert.True(t, result.Degraded)
	assert.Contains(t, result.FailureReason, "503")
	assert.Equal(t, model.EnrichNone, result.Confidence)
}

func TestEnrichISBNMissThenSearch(t *testing.T) {
	t.Parallel()

	// Edition lookup misses cleanly, so the enricher moves on to search.
	ol := &fakeOpenLibrary{docs: []openlibrary.Doc{{Title: "Found It"}}}
	packet := packetWithISBN("9780441478125")
	packet.TitleGuess = "Found It"

	result := NewEnricher(ol).Enrich(context.Background(), packet)

	assert.Equal(t, 1, ol.lookupCalls)
	assert.True(t, result.Found)
	assert.Equal(t, model.EnrichLow, result.Confidence)
}
