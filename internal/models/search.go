package models

// SearchDoc represents one matched book in an Open Library search response.
// Every field is optional; absent fields decode to zero values.
type SearchDoc struct {
	Key              string   `json:"key,omitempty"`
	Title            string   `json:"title,omitempty"`
	AuthorKey        []string `json:"author_key,omitempty"`
	AuthorName       []string `json:"author_name,omitempty"`
	ISBN             []string `json:"isbn,omitempty"`
	CoverEditionKey  string   `json:"cover_edition_key,omitempty"`
	EditionCount     int      `json:"edition_count,omitempty"`
	FirstPublishYear int      `json:"first_publish_year,omitempty"`
	Language         []string `json:"language,omitempty"`
	Publisher        []string `json:"publisher,omitempty"`
}

// SearchResponse is the decoded body of a /search.json call.
type SearchResponse struct {
	NumFound      int         `json:"numFound,omitempty"`
	NumFoundExact bool        `json:"numFoundExact,omitempty"`
	Start         int         `json:"start,omitempty"`
	Q             string      `json:"q,omitempty"`
	Docs          []SearchDoc `json:"docs"`
}
