package models

// Edge represents a relationship between two catalog nodes. From and To
// carry a type prefix ("author:" or "book:") followed by the node name.
type Edge struct {
	RequestID string `json:"request_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Relation  string `json:"relation"`
}
