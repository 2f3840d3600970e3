package search

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Local is an in-process index used with the in-memory store. It matches
// every whitespace-separated term as a case-insensitive substring.
type Local struct {
	mu      sync.RWMutex
	records map[string]SurveyRecord
}

func NewLocal() *Local {
	return &Local{records: make(map[string]SurveyRecord)}
}

func (l *Local) IndexSurvey(record SurveyRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[record.NameID] = record
	return nil
}

func (l *Local) DeleteSurvey(nameID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, nameID)
	return nil
}

func (l *Local) Search(_ context.Context, q Query) ([]Result, int, error) {
	terms := strings.Fields(strings.ToLower(q.Text))
	if len(terms) == 0 {
		return nil, 0, nil
	}

	l.mu.RLock()
	matches := make([]SurveyRecord, 0)
	for _, record := range l.records {
		if q.ReleaseStatus != "" && record.ReleaseStatus != q.ReleaseStatus {
			continue
		}
		if matchesAll(record, terms) {
			matches = append(matches, record)
		}
	}
	l.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool { return matches[i].NameID < matches[j].NameID })
	total := len(matches)

	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := offset + normalizeLimit(q.Limit)
	if end > total {
		end = total
	}

	results := make([]Result, 0, end-offset)
	for _, record := range matches[offset:end] {
		results = append(results, Result{
			ID:            record.ID,
			NameID:        record.NameID,
			Version:       record.Version,
			Title:         record.Title,
			Snippet:       record.Description,
			ReleaseStatus: record.ReleaseStatus,
		})
	}
	return results, total, nil
}

func matchesAll(record SurveyRecord, terms []string) bool {
	haystack := strings.ToLower(strings.Join(append([]string{record.NameID, record.Title, record.Description}, record.Questions...), "\n"))
	for _, term := range terms {
		if !strings.Contains(haystack, term) {
			return false
		}
	}
	return true
}
