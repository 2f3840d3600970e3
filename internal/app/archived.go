package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"surveyhub/api/internal/archive"
	"surveyhub/api/internal/store"
)

// ArchivedVersions lists the versions of a family held by the release archive.
type ArchivedVersions struct {
	NameID   string `json:"nameId"`
	Versions []int  `json:"versions"`
}

// GetArchivedRelease returns the document archived when the survey version
// was released. Drafts and versions released without an archive configured
// have none.
func (s *Service) GetArchivedRelease(ctx context.Context, surveyID string) (json.RawMessage, error) {
	survey, err := s.findSurvey(ctx, surveyID)
	if err != nil {
		return nil, err
	}
	if s.archive == nil {
		return nil, notArchived(survey)
	}
	payload, err := s.archive.Snapshot(ctx, survey.NameID, survey.Version)
	if errors.Is(err, archive.ErrNotArchived) {
		return nil, notArchived(survey)
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(payload), nil
}

// GetArchivedVersions lists every archived version of the survey's family.
func (s *Service) GetArchivedVersions(ctx context.Context, surveyID string) (ArchivedVersions, error) {
	survey, err := s.findSurvey(ctx, surveyID)
	if err != nil {
		return ArchivedVersions{}, err
	}
	out := ArchivedVersions{NameID: survey.NameID, Versions: []int{}}
	if s.archive == nil {
		return out, nil
	}
	if out.Versions, err = s.archive.Versions(ctx, survey.NameID); err != nil {
		return ArchivedVersions{}, err
	}
	return out, nil
}

func (s *Service) findSurvey(ctx context.Context, surveyID string) (store.Survey, error) {
	var survey store.Survey
	err := s.read(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		survey, err = tx.GetSurvey(ctx, surveyID)
		return err
	})
	return survey, err
}

func notArchived(survey store.Survey) *DomainError {
	return domainError(http.StatusNotFound, codeNotArchived, "this survey version has no archived release",
		map[string]any{"nameId": survey.NameID, "version": survey.Version})
}
