package knowledge

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/kb-agent/backend/internal/retrieval"
	"github.com/kb-agent/backend/internal/storage/models"
)

const blockSeparator = "\n\n"

// Assemble packs results, in rank order, into a context block no longer than
// maxContextLength runes. It stops at the first result that does not fit and
// never cuts a result in half.
func Assemble(results []retrieval.SearchResult, maxContextLength int) (string, []models.Source) {
	var sb strings.Builder
	sources := make([]models.Source, 0, len(results))
	length := 0

	for i, r := range results {
		block := formatBlock(i+1, r)
		added := utf8.RuneCountInString(block)
		if length > 0 {
			added += utf8.RuneCountInString(blockSeparator)
		}
		if length+added > maxContextLength {
			break
		}

		if length > 0 {
			sb.WriteString(blockSeparator)
		}
		sb.WriteString(block)
		length += added

		sources = append(sources, models.Source{ID: r.ID, Title: r.Title, Similarity: r.Similarity})
	}

	return sb.String(), sources
}

func formatBlock(n int, r retrieval.SearchResult) string {
	title := strings.TrimSpace(r.Title)
	if title == "" {
		title = "Untitled"
	}
	return "[" + strconv.Itoa(n) + "] " + title + "\n" + strings.TrimSpace(r.Text)
}
