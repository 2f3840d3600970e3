package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

// The index holds one document per family, keyed by nameId, describing its
// current version.
const idxSurveys = "surveyhub_surveys"

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	logger  *slog.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the survey index. An
// unreachable server is not an error: the client reports unhealthy until the
// health loop sees it come back.
func NewMeili(url, apiKey string, logger *slog.Logger) *Meili {
	if logger == nil {
		logger = slog.Default()
	}
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		logger: logger,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		logger.Warn("search: meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxSurveys,
		PrimaryKey: "nameId",
	}); err != nil {
		m.logger.Debug("search: create index (may already exist)", "index", idxSurveys, "error", err)
	}

	index := m.client.Index(idxSurveys)
	filterable := []interface{}{"releaseStatus", "version"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("search: update filterable attrs", "index", idxSurveys, "error", err)
	}
	searchable := []string{"title", "nameId", "description", "questions"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("search: update searchable attrs", "index", idxSurveys, "error", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	req := &meili.SearchRequest{
		Limit:                 int64(normalizeLimit(q.Limit)),
		Offset:                int64(q.Offset),
		AttributesToHighlight: []string{"title", "description"},
		AttributesToCrop:      []string{"description"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	if q.ReleaseStatus != "" {
		req.Filter = fmt.Sprintf("releaseStatus = %q", q.ReleaseStatus)
	}

	resp, err := m.client.Index(idxSurveys).SearchWithContext(ctx, q.Text, req)
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	results := make([]Result, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, hitToResult(hit))
	}
	return results, int(resp.EstimatedTotalHits), nil
}

func hitToResult(hit meili.Hit) Result {
	return Result{
		ID:            decodeString(hit, "id"),
		NameID:        decodeString(hit, "nameId"),
		Version:       decodeInt(hit, "version"),
		ReleaseStatus: decodeString(hit, "releaseStatus"),
		Title:         firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title")),
		Snippet:       firstNonBlank(decodeFormattedString(hit, "description"), decodeString(hit, "description")),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeInt(hit meili.Hit, key string) int {
	raw, ok := hit[key]
	if !ok {
		return 0
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	return 0
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(formatted[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexSurvey adds or replaces the record of a family.
func (m *Meili) IndexSurvey(record SurveyRecord) error {
	_, err := m.client.Index(idxSurveys).AddDocuments([]SurveyRecord{record}, nil)
	return err
}

// DeleteSurvey removes a family from the index.
func (m *Meili) DeleteSurvey(nameID string) error {
	_, err := m.client.Index(idxSurveys).DeleteDocument(nameID, nil)
	return err
}

// IndexSurveys bulk-indexes records.
func (m *Meili) IndexSurveys(records []SurveyRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxSurveys).AddDocuments(records, nil)
	return err
}
