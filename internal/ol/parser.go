package ol

import (
	"encoding/json"

	"bookscout/internal/models"
)

// ParseSearchResponse decodes a search payload. Decoding is deliberately
// lenient: the Search API omits fields freely (no title, no isbn list), and
// those land as zero values for the extraction layer to judge. Only JSON that
// does not parse at all is an error.
func ParseSearchResponse(body []byte) (models.SearchResponse, error) {
	var resp models.SearchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.SearchResponse{}, err
	}
	return resp, nil
}
