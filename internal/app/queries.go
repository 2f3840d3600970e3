package app

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"surveyhub/api/internal/search"
	"surveyhub/api/internal/store"
)

// OverviewEntry is the current version of one family with its derived flags.
type OverviewEntry struct {
	ID            string              `json:"id"`
	NameID        string              `json:"nameId"`
	Version       int                 `json:"version"`
	Title         string              `json:"title"`
	ReleaseStatus store.ReleaseStatus `json:"releaseStatus"`
	DependsOn     string              `json:"dependsOn,omitempty"`
	Editable      bool                `json:"editable"`
	Deletable     bool                `json:"deletable"`
	Releasable    bool                `json:"releasable"`
	Versionable   bool                `json:"versionable"`
}

func (e OverviewEntry) env() map[string]any {
	return map[string]any{
		"id":            e.ID,
		"nameId":        e.NameID,
		"title":         e.Title,
		"version":       e.Version,
		"releaseStatus": string(e.ReleaseStatus),
		"dependsOn":     e.DependsOn,
		"editable":      e.Editable,
		"deletable":     e.Deletable,
		"releasable":    e.Releasable,
		"versionable":   e.Versionable,
	}
}

func (s *Service) GetSurvey(ctx context.Context, surveyID string) (SurveyDocument, error) {
	var doc SurveyDocument
	err := s.read(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		doc, err = buildDocument(ctx, tx, surveyID)
		return err
	})
	return doc, err
}

// GetSurveyOverview lists the current version of every family. A non-empty
// filter is a boolean expr program evaluated against each entry.
func (s *Service) GetSurveyOverview(ctx context.Context, filter string) ([]OverviewEntry, error) {
	program, err := compileFilter(filter)
	if err != nil {
		return nil, err
	}

	entries, err := s.overview(ctx)
	if err != nil {
		return nil, err
	}
	if program == nil {
		return entries, nil
	}

	out := make([]OverviewEntry, 0, len(entries))
	for _, entry := range entries {
		result, err := expr.Run(program, entry.env())
		if err != nil {
			return nil, validationError("filter could not be evaluated", map[string]any{"filter": filter, "reason": err.Error()})
		}
		if match, ok := result.(bool); ok && match {
			out = append(out, entry)
		}
	}
	return out, nil
}

func compileFilter(filter string) (*vm.Program, error) {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return nil, nil
	}
	program, err := expr.Compile(filter, expr.Env(OverviewEntry{}.env()), expr.AsBool())
	if err != nil {
		return nil, validationError("invalid filter expression", map[string]any{"filter": filter, "reason": err.Error()})
	}
	return program, nil
}

// overview serves the cached list when present and refills it otherwise.
func (s *Service) overview(ctx context.Context) ([]OverviewEntry, error) {
	if s.cache != nil {
		payload, ok, err := s.cache.Load(ctx)
		if err != nil {
			s.logger.WarnContext(ctx, "cache: load overview", "error", err)
		}
		if ok {
			var entries []OverviewEntry
			if err := json.Unmarshal(payload, &entries); err == nil {
				return entries, nil
			}
			s.logger.WarnContext(ctx, "cache: decode overview", "error", err)
		}
	}

	var gen int64
	cacheable := s.cache != nil
	if cacheable {
		var err error
		if gen, err = s.cache.Generation(ctx); err != nil {
			s.logger.WarnContext(ctx, "cache: overview generation", "error", err)
			cacheable = false
		}
	}

	var entries []OverviewEntry
	err := s.read(ctx, func(ctx context.Context, tx store.Tx) error {
		surveys, err := tx.CurrentSurveys(ctx)
		if err != nil {
			return err
		}
		entries = make([]OverviewEntry, 0, len(surveys))
		for _, survey := range surveys {
			entry, err := overviewEntry(ctx, tx, survey)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if cacheable {
		if payload, err := json.Marshal(entries); err == nil {
			stored, err := s.cache.Store(ctx, gen, payload)
			if err != nil {
				s.logger.WarnContext(ctx, "cache: store overview", "error", err)
			} else if !stored {
				s.logger.DebugContext(ctx, "cache: overview changed during rebuild, not stored")
			}
		}
	}
	return entries, nil
}

func overviewEntry(ctx context.Context, tx store.Tx, survey store.Survey) (OverviewEntry, error) {
	entry := OverviewEntry{
		ID:            survey.ID,
		NameID:        survey.NameID,
		Version:       survey.Version,
		Title:         survey.Title,
		ReleaseStatus: survey.ReleaseStatus,
		DependsOn:     survey.DependsOn,
		Editable:      survey.ReleaseStatus == store.StatusEdit,
	}
	var err error
	if entry.Deletable, err = isDeletable(ctx, tx, survey); err != nil {
		return OverviewEntry{}, err
	}
	if entry.Releasable, err = isReleasable(ctx, tx, survey); err != nil {
		return OverviewEntry{}, err
	}
	if entry.Versionable, err = isVersionable(ctx, tx, survey); err != nil {
		return OverviewEntry{}, err
	}
	return entry, nil
}

func (s *Service) GetSurveyNameIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.read(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		ids, err = tx.NameIDs(ctx)
		return err
	})
	if ids == nil {
		ids = []string{}
	}
	return ids, err
}

// SearchSurveys runs a full-text query over the current version of every
// family. Without a configured index the result is empty.
func (s *Service) SearchSurveys(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(ctx, q)
}
