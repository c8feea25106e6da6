package pipeline

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/riverbend-library/suggestbot/internal/model"
	"github.com/riverbend-library/suggestbot/pkg/openlibrary"
)

// maxAuthorLookups bounds the extra author key resolution calls per record.
const maxAuthorLookups = 3

// Enricher queries Open Library for bibliographic detail. External failure
// is degraded to data on the result, never an error: the record still
// completes and the audit trail shows what happened.
type Enricher struct {
	ol openlibrary.Client
}

// NewEnricher creates an Enricher over the given Open Library client.
func NewEnricher(ol openlibrary.Client) *Enricher {
	return &Enricher{ol: ol}
}

// Enrich produces the stage 3 artifact for one evidence packet. Lookup
// strategy mirrors evidence strength: direct ISBN fetch, then fielded
// title/author search, then scrubbed free text.
func (e *Enricher) Enrich(ctx context.Context, packet *model.EvidencePacket) *model.EnrichmentResult {
	result := &model.EnrichmentResult{
		SchemaVersion: model.EnrichmentSchemaVersion,
		Source:        "openlibrary",
		Confidence:    model.EnrichNone,
		CheckedAt:     time.Now().UTC(),
	}

	for _, isbn := range capStrings(packet.ValidISBNs(), maxIdentifierTries) {
		ed, err := e.ol.LookupISBN(ctx, isbn)
		if err != nil {
			return degrade(result, "isbn:"+isbn, err)
		}
		if ed == nil {
			continue
		}
		result.SourceQuery = "isbn:" + isbn
		result.Found = true
		result.Confidence = model.EnrichHigh
		result.Title = ed.Title
		result.Publishers = ed.Publishers
		result.PublishDate = ed.PublishDate
		result.ISBN10 = ed.ISBN10
		result.ISBN13 = ed.ISBN13
		result.Subjects = ed.Subjects
		if len(ed.Covers) > 0 {
			result.CoverURL = openlibrary.CoverURL(ed.Covers[0])
		}
		result.Authors = e.resolveAuthors(ctx, ed)
		return result
	}

	query, confidence := searchQueryFor(packet)
	if query == nil {
		result.FailureReason = "no searchable evidence"
		return result
	}

	docs, err := e.ol.Search(ctx, *query)
	if err != nil {
		return degrade(result, describeQuery(*query), err)
	}
	result.SourceQuery = describeQuery(*query)
	if len(docs) == 0 {
		return result
	}

	doc := docs[0]
	result.Found = true
	result.Confidence = confidence
	result.Title = doc.Title
	result.Authors = doc.AuthorNames
	result.Publishers = doc.Publishers
	result.Subjects = doc.Subjects
	if doc.FirstPublishYear > 0 {
		result.PublishDate = strconv.Itoa(doc.FirstPublishYear)
	}
	for _, isbn := range doc.ISBN {
		switch len(isbn) {
		case 10:
			result.ISBN10 = append(result.ISBN10, isbn)
		case 13:
			result.ISBN13 = append(result.ISBN13, isbn)
		}
	}
	result.CoverURL = openlibrary.CoverURL(doc.CoverID)
	return result
}

// resolveAuthors turns edition author keys into display names. A failed
// lookup drops that author rather than degrading the whole result.
func (e *Enricher) resolveAuthors(ctx context.Context, ed *openlibrary.Edition) []string {
	var names []string
	for i, a := range ed.Authors {
		if i >= maxAuthorLookups {
			break
		}
		name, err := e.ol.AuthorName(ctx, a.Key)
		if err != nil {
			zap.L().Warn("author lookup failed",
				zap.String("author_key", a.Key),
				zap.Error(err),
			)
			continue
		}
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}

func searchQueryFor(packet *model.EvidencePacket) (*openlibrary.SearchQuery, model.EnrichmentConfidence) {
	switch {
	case packet.TitleGuess != "" && packet.AuthorGuess != "":
		return &openlibrary.SearchQuery{Title: packet.TitleGuess, Author: packet.AuthorGuess}, model.EnrichMedium
	case packet.TitleGuess != "":
		return &openlibrary.SearchQuery{Title: packet.TitleGuess}, model.EnrichLow
	case packet.ResidualText != "":
		return &openlibrary.SearchQuery{Text: packet.ResidualText}, model.EnrichLow
	}
	return nil, model.EnrichNone
}

func describeQuery(q openlibrary.SearchQuery) string {
	if q.Title != "" {
		if q.Author != "" {
			return "title+author:" + q.Title + " / " + q.Author
		}
		return "title:" + q.Title
	}
	return "text:" + q.Text
}

func degrade(result *model.EnrichmentResult, query string, err error) *model.EnrichmentResult {
	zap.L().Warn("enrichment lookup degraded",
		zap.String("query", query),
		zap.Error(err),
	)
	result.SourceQuery = query
	result.Degraded = true
	result.FailureReason = err.Error()
	return result
}
