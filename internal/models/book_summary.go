package models

// BookSummary is the resolved answer for one lookup: the first search
// document's title, its primary author, and a 10-character ISBN.
// Title and ISBN10 may be empty; Author is always set on a resolved summary.
type BookSummary struct {
	Title  string `json:"title"`
	Author string `json:"author"`
	ISBN10 string `json:"isbn10"`
}
