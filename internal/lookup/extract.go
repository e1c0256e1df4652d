package lookup

import (
	"errors"

	"bookscout/internal/models"
)

// ErrNoResults is returned when the search response has no documents.
var ErrNoResults = errors.New("search returned no documents")

// ErrNoAuthors is returned when the first document carries no author names.
var ErrNoAuthors = errors.New("document has no author names")

// Extract resolves a search response into a BookSummary from its first
// document: the title (empty when absent), the first author name, and the
// first 10-character ISBN. Extraction is pure; the same response always
// yields the same summary.
//
// A missing title is tolerated and yields an empty Title. A missing or
// empty docs or author_name sequence is an error: ErrNoResults and
// ErrNoAuthors respectively.
func Extract(resp models.SearchResponse) (models.BookSummary, error) {
	if len(resp.Docs) == 0 {
		return models.BookSummary{}, ErrNoResults
	}
	doc := resp.Docs[0]
	if len(doc.AuthorName) == 0 {
		return models.BookSummary{}, ErrNoAuthors
	}
	return models.BookSummary{
		Title:  doc.Title,
		Author: doc.AuthorName[0],
		ISBN10: FirstISBN10(doc.ISBN),
	}, nil
}

// FirstISBN10 returns the first identifier whose length is exactly 10
// characters, or "" when none exists. Only length is checked, not the
// checksum; ties go to sequence order.
func FirstISBN10(isbns []string) string {
	for _, isbn := range isbns {
		if len(isbn) == 10 {
			return isbn
		}
	}
	return ""
}
