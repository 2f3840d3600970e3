package search

import "context"

// Result is a single search hit returned to the caller.
type Result struct {
	ID            string `json:"id"`
	NameID        string `json:"nameId"`
	Version       int    `json:"version"`
	Title         string `json:"title"`
	Snippet       string `json:"snippet"`
	ReleaseStatus string `json:"releaseStatus"`
}

// Query describes a search request.
type Query struct {
	Text          string
	ReleaseStatus string // empty = any status
	Limit         int
	Offset        int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
}

// Indexer can push survey records into a search index.
type Indexer interface {
	IndexSurvey(record SurveyRecord) error
	DeleteSurvey(nameID string) error
}

// SurveyRecord is the data we index for the current version of a family.
// Records are keyed by NameID.
// Questions carries the text of every question in the tree.
type SurveyRecord struct {
	ID            string   `json:"id"`
	NameID        string   `json:"nameId"`
	Version       int      `json:"version"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	ReleaseStatus string   `json:"releaseStatus"`
	Questions     []string `json:"questions"`
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	return limit
}
