package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverbend-library/suggestbot/internal/model"
	"github.com/riverbend-library/suggestbot/pkg/sierra"
)

func packetWithISBN(isbn string) *model.EvidencePacket {
	return &model.EvidencePacket{
		SchemaVersion: model.EvidenceSchemaVersion,
		Identifiers: []model.Identifier{
			{Kind: model.KindISBN13, Raw: isbn, Normalized: isbn, Status: model.IdentifierValid},
		},
	}
}

func TestMatchISBNHitIsExact(t *testing.T) {
	t.Parallel()

	cat := &fakeCatalog{byISBN: map[string][]sierra.Holding{
		"9780306406157": {{BibID: "b100", Title: "A Book", Author: "Someone", AvailableCopies: 2, TotalCopies: 3}},
	}}
	set := NewMatcher(cat).Match(context.Background(), packetWithISBN("9780306406157"))

	assert.Equal(t, model.TierExact, set.Tier)
	assert.False(t, set.LookupFailed)
	require.Len(t, set.Candidates, 1)
	assert.Equal(t, "b100", set.Best().SourceID)
	assert.Equal(t, model.BasisISBN, set.Best().Basis)
	assert.InDelta(t, 0.95, set.Best().Confidence, 0.001)
	assert.Equal(t, "isbn:9780306406157", set.Query)
}

func TestMatchFallsBackToTitleAuthor(t *testing.T) {
	t.Parallel()

	cat := &fakeCatalog{byText: map[string][]sierra.Holding{
		"Parable of the Sower Octavia Butler": {{BibID: "b200", Title: "Parable of the Sower"}},
	}}
	packet := packetWithISBN("9780306406157")
	packet.TitleGuess = "Parable of the Sower"
	packet.AuthorGuess = "Octavia Butler"

	set := NewMatcher(cat).Match(context.Background(), packet)

	assert.Equal(t, model.TierPartial, set.Tier, "text matches never reach exact")
	require.Len(t, set.Candidates, 1)
	assert.Equal(t, model.BasisTitleAuthor, set.Best().Basis)
	assert.Equal(t, []string{
		"isbn:9780306406157",
		"text:Parable of the Sower Octavia Butler",
	}, cat.searches, "identifier attempt goes first")
}

func TestMatchTitleOnlyFallback(t *testing.T) {
	t.Parallel()

	cat := &fakeCatalog{byText: map[string][]sierra.Holding{
		"The Overstory": {{BibID: "b300", Title: "The Overstory"}},
	}}
	packet := &model.EvidencePacket{TitleGuess: "The Overstory"}

	set := NewMatcher(cat).Match(context.Background(), packet)

	assert.Equal(t, model.TierPartial, set.Tier)
	assert.Equal(t, model.BasisTitle, set.Best().Basis)
	assert.InDelta(t, 0.40, set.Best().Confidence, 0.001)
}

func TestMatchNoEvidenceIsCleanNone(t *testing.T) {
	t.Parallel()

	cat := &fakeCatalog{}
	set := NewMatcher(cat).Match(context.Background(), &model.EvidencePacket{})

	assert.Equal(t, model.TierNone, set.Tier)
	assert.False(t, set.LookupFailed)
	assert.Empty(t, set.Candidates)
	assert.Empty(t, cat.searches, "nothing searchable, nothing queried")
}

func TestMatchSearchErrorSetsLookupFailed(t *testing.T) {
	t.Parallel()

	cat := &fakeCatalog{err: eris.New("connection refused")}
	set := NewMatcher(cat).Match(context.Background(), packetWithISBN("9780306406157"))

	assert.Equal(t, model.TierNone, set.Tier)
	assert.True(t, set.LookupFailed)
	assert.Contains(t, set.FailureReason, "connection refused")
	assert.Equal(t, "isbn:9780306406157", set.Query)
}

func TestMatchCapsIdentifierAttempts(t *testing.T) {
	t.Parallel()

	packet := &model.EvidencePacket{}
	for _, isbn := range []string{"9780000000001", "9780000000002", "9780000000003", "9780000000004"} {
		packet.Identifiers = append(packet.Identifiers, model.Identifier{
			Kind: model.KindISBN13, Raw: isbn, Normalized: isbn, Status: model.IdentifierValid,
		})
	}
	cat := &fakeCatalog{}
	NewMatcher(cat).Match(context.Background(), packet)

	assert.Len(t, cat.searches, 3)
}

func TestRankCandidates(t *testing.T) {
	t.Parallel()

	older := time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	cands := []model.Candidate{
		{SourceID: "b3", Confidence: 0.60, AvailableCopies: 1},
		{SourceID: "b1", Confidence: 0.95, AvailableCopies: 0, CatalogedAt: older},
		{SourceID: "b2", Confidence: 0.95, AvailableCopies: 0, CatalogedAt: newer},
		{SourceID: "b4", Confidence: 0.95, AvailableCopies: 3},
	}
	rankCandidates(cands)

	got := make([]string, len(cands))
	for i, c := range cands {
		got[i] = c.SourceID
	}
	assert.Equal(t, []string{"b4", "b2", "b1", "b3"}, got)
}
