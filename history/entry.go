package history

import (
	"sort"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/amirhf/imageSearch/services/lookalike-go/models"
)

// NewEntry builds a history entry for a finished search. sourceImage is the
// encoded image that was searched; it is reduced to a thumbnail.
func NewEntry(sourceName, sourceImage string, results []models.SearchResultItem, now time.Time) models.HistoryEntry {
	return Trim(models.HistoryEntry{
		ID:              uuid.NewString(),
		Timestamp:       now.UnixMilli(),
		SourceImageName: sourceName,
		Results:         results,
		Thumbnail:       Thumbnail(sourceImage),
	})
}

// Trim returns the storage-safe form of e: the MaxResults most similar
// results, each image cut to MaxImageChars, the thumbnail without a data URI
// prefix, and TopSimilarity recomputed from what is kept.
func Trim(e models.HistoryEntry) models.HistoryEntry {
	results := make([]models.SearchResultItem, len(e.Results))
	copy(results, e.Results)
	sort.SliceStable(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	if len(results) > MaxResults {
		results = results[:MaxResults]
	}
	for i := range results {
		results[i].Image = truncate(results[i].Image, MaxImageChars)
	}

	out := e
	out.Results = results
	out.Thumbnail = stripDataURI(e.Thumbnail)
	out.TopSimilarity = 0
	if len(results) > 0 {
		out.TopSimilarity = results[0].Similarity
	}
	return out
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
