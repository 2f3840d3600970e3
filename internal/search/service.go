package search

import (
	"context"
	"log/slog"
)

// Service is the facade that tries Meilisearch first and falls back to the
// secondary searcher (PostgreSQL FTS or the local index).
type Service struct {
	meili    *Meili
	fallback Searcher
	logger   *slog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured. A fallback that also implements Indexer is kept up to date
// synchronously.
func NewService(meili *Meili, fallback Searcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{meili: meili, fallback: fallback, logger: logger}
}

// Search tries Meilisearch if healthy, otherwise falls back.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.WarnContext(ctx, "search: meilisearch error, falling back", "error", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.ErrorContext(ctx, "search: fallback error", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexSurvey indexes a family record (fire-and-forget to Meilisearch).
func (s *Service) IndexSurvey(record SurveyRecord) {
	if local, ok := s.fallback.(Indexer); ok {
		if err := local.IndexSurvey(record); err != nil {
			s.logger.Error("search: local index survey", "nameId", record.NameID, "error", err)
		}
	}
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexSurvey(record); err != nil {
			s.logger.Error("search: index survey", "nameId", record.NameID, "error", err)
		}
	}()
}

// DeleteSurvey removes a family from the index (fire-and-forget).
func (s *Service) DeleteSurvey(nameID string) {
	if local, ok := s.fallback.(Indexer); ok {
		if err := local.DeleteSurvey(nameID); err != nil {
			s.logger.Error("search: local delete survey", "nameId", nameID, "error", err)
		}
	}
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteSurvey(nameID); err != nil {
			s.logger.Error("search: delete survey", "nameId", nameID, "error", err)
		}
	}()
}

// ReindexAll pushes records to Meilisearch and the local fallback.
func (s *Service) ReindexAll(records []SurveyRecord) {
	if local, ok := s.fallback.(Indexer); ok {
		for _, record := range records {
			_ = local.IndexSurvey(record)
		}
	}
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	if err := s.meili.IndexSurveys(records); err != nil {
		s.logger.Error("search: reindex surveys", "error", err)
	}
}

// ReindexAllFromPG reindexes every family from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	pg, ok := s.fallback.(*PgFTS)
	if s.meili == nil || !s.meili.Healthy() || !ok {
		return
	}
	records, err := pg.LoadAllRecords(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "search: reindex load failed", "error", err)
		return
	}
	s.ReindexAll(records)
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
