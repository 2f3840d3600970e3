package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"surveyhub/api/internal/schedule"
	"surveyhub/api/internal/store"
	"surveyhub/api/internal/util"
)

func (s *Service) CreateSurvey(ctx context.Context, def SurveyDefinition) (store.Survey, error) {
	def, err := normalizeDefinition(def)
	if err != nil {
		return store.Survey{}, err
	}

	var created store.Survey
	err = s.mutate(ctx, "createSurvey", func(ctx context.Context, u *unitOfWork) error {
		exists, err := u.tx.NameIDExists(ctx, def.NameID)
		if err != nil {
			return err
		}
		if exists {
			return conflictError(codeNameIDTaken, "nameId is already used by another survey", map[string]any{"nameId": def.NameID})
		}
		if err := validateDependency(ctx, u.tx, def.NameID, def.DependsOn); err != nil {
			return err
		}

		now := s.now().UTC()
		created = store.Survey{
			ID:            util.NewID("srv"),
			NameID:        def.NameID,
			Version:       1,
			ReleaseStatus: store.StatusEdit,
			QuestionIDs:   []string{},
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		applyDefinition(&created, def)
		if err := u.tx.SaveSurvey(ctx, created); err != nil {
			return err
		}
		u.touch(created)
		return nil
	})
	if err != nil {
		return store.Survey{}, err
	}
	s.logger.InfoContext(ctx, "survey created", "surveyId", created.ID, "nameId", created.NameID)
	return created, nil
}

func (s *Service) UpdateSurvey(ctx context.Context, surveyID string, def SurveyDefinition) (store.Survey, error) {
	def, err := normalizeDefinition(def)
	if err != nil {
		return store.Survey{}, err
	}

	var updated store.Survey
	err = s.mutate(ctx, "updateSurvey", func(ctx context.Context, u *unitOfWork) error {
		survey, err := u.tx.GetSurvey(ctx, surveyID)
		if err != nil {
			return err
		}
		if survey.ReleaseStatus == store.StatusReleased {
			return conflictError(codeSurveyReleased, "a released survey cannot be changed", map[string]any{"surveyId": survey.ID})
		}
		if def.NameID != survey.NameID {
			return conflictError(codeNameIDImmutable, "nameId cannot be changed", map[string]any{
				"nameId":    survey.NameID,
				"requested": def.NameID,
			})
		}

		released, err := u.tx.LatestReleasedSurvey(ctx, survey.NameID)
		switch {
		case err == nil:
			if def.IntervalType != released.IntervalType || def.IntervalValue != released.IntervalValue {
				return validationError("the interval cannot change once a version has been released", map[string]any{
					"intervalType":  released.IntervalType,
					"intervalValue": released.IntervalValue,
				})
			}
			// The start was advanced by the last release and stays with the family.
			def.IntervalStart = survey.IntervalStart
		case !isNotFound(err):
			return err
		}

		if err := validateDependency(ctx, u.tx, survey.NameID, def.DependsOn); err != nil {
			return err
		}

		applyDefinition(&survey, def)
		survey.UpdatedAt = s.now().UTC()
		if err := u.tx.SaveSurvey(ctx, survey); err != nil {
			return err
		}
		u.touch(survey)
		updated = survey
		return nil
	})
	return updated, err
}

func applyDefinition(survey *store.Survey, def SurveyDefinition) {
	survey.Title = def.Title
	survey.Description = def.Description
	survey.DependsOn = def.DependsOn
	survey.IntervalType = def.IntervalType
	survey.IntervalValue = def.IntervalValue
	survey.IntervalStart = def.IntervalStart
	survey.ReminderType = def.ReminderType
	survey.ReminderValue = def.ReminderValue
}

// validateDependency rejects a self dependency, a dependency on an unknown
// family and any edge that would close a cycle in the dependsOn graph.
func validateDependency(ctx context.Context, tx store.Tx, nameID, dependsOn string) error {
	if dependsOn == "" {
		return nil
	}
	if dependsOn == nameID {
		return validationError("a survey cannot depend on itself", map[string]any{"dependsOn": dependsOn})
	}
	exists, err := tx.NameIDExists(ctx, dependsOn)
	if err != nil {
		return err
	}
	if !exists {
		return validationError("dependsOn refers to an unknown survey", map[string]any{"dependsOn": dependsOn})
	}

	edges, err := tx.DependencyEdges(ctx)
	if err != nil {
		return err
	}
	edges[nameID] = dependsOn

	path := []string{nameID}
	for current := dependsOn; current != ""; current = edges[current] {
		path = append(path, current)
		if current == nameID {
			return validationError("dependsOn would create a dependency cycle", map[string]any{"cycle": path})
		}
		if len(path) > len(edges)+1 {
			break
		}
	}
	return nil
}

func (s *Service) ReleaseSurvey(ctx context.Context, surveyID string) (store.Survey, error) {
	var released store.Survey
	err := s.mutate(ctx, "releaseSurvey", func(ctx context.Context, u *unitOfWork) error {
		survey, err := u.tx.GetSurvey(ctx, surveyID)
		if err != nil {
			return err
		}
		pending, err := releasePlan(ctx, u.tx, survey)
		if err != nil {
			return err
		}

		for _, question := range pending {
			question.ReleaseStatus = store.StatusReleased
			if err := u.tx.SaveQuestion(ctx, question); err != nil {
				return err
			}
		}

		now := s.now().UTC()
		survey.IntervalStart, err = s.periodStart(survey, now)
		if err != nil {
			return err
		}
		survey.ReleaseStatus = store.StatusReleased
		survey.UpdatedAt = now
		if err := u.tx.SaveSurvey(ctx, survey); err != nil {
			return err
		}

		u.touch(survey)
		u.released = append(u.released, survey.ID)
		released = survey
		return nil
	})
	if err != nil {
		return store.Survey{}, err
	}
	s.logger.InfoContext(ctx, "survey released", "surveyId", released.ID, "nameId", released.NameID, "version", released.Version)
	return released, nil
}

func (s *Service) periodStart(survey store.Survey, now time.Time) (*time.Time, error) {
	if survey.IntervalType == store.IntervalNone || survey.IntervalType == "" {
		return nil, nil
	}
	if s.scheduler == nil {
		return survey.IntervalStart, nil
	}
	start, err := s.scheduler.NextPeriodStart(survey, now)
	if errors.Is(err, schedule.ErrNoInterval) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("compute next period start: %w", err)
	}
	return &start, nil
}

// releasePlan checks that the survey can be released and returns the
// questions that still have to be promoted. Nothing is written.
func releasePlan(ctx context.Context, tx store.Tx, survey store.Survey) ([]store.Question, error) {
	if survey.ReleaseStatus == store.StatusReleased {
		return nil, conflictError(codeAlreadyReleased, "the survey is already released", map[string]any{"surveyId": survey.ID})
	}
	if survey.DependsOn != "" {
		if _, err := tx.LatestReleasedSurvey(ctx, survey.DependsOn); err != nil {
			if isNotFound(err) {
				return nil, validationError("the survey this one depends on has no released version", map[string]any{"dependsOn": survey.DependsOn})
			}
			return nil, err
		}
	}

	var (
		pending []store.Question
		empty   []string
	)
	err := newTreeWalk(tx).
		onQuestion(func(q store.Question) bool { return q.ReleaseStatus != store.StatusReleased },
			func(q store.Question) { pending = append(pending, q) }).
		onContainer(func(c store.Container) bool { return len(c.QuestionIDs) == 0 },
			func(c store.Container) { empty = append(empty, c.ID) }).
		survey(ctx, survey)
	if err != nil {
		return nil, err
	}
	if len(empty) > 0 {
		return nil, validationError("every container needs at least one question", map[string]any{"containerIds": empty})
	}
	return pending, nil
}

func (s *Service) CreateNewVersion(ctx context.Context, surveyID string) (store.Survey, error) {
	var next store.Survey
	err := s.mutate(ctx, "createNewVersion", func(ctx context.Context, u *unitOfWork) error {
		survey, err := u.tx.GetSurvey(ctx, surveyID)
		if err != nil {
			return err
		}
		if err := checkVersionable(ctx, u.tx, survey); err != nil {
			return err
		}

		now := s.now().UTC()
		next = survey.Clone()
		next.ID = util.NewID("srv")
		next.Version = survey.Version + 1
		next.ReleaseStatus = store.StatusEdit
		next.CreatedAt = now
		next.UpdatedAt = now
		if err := u.tx.SaveSurvey(ctx, next); err != nil {
			return err
		}
		u.touch(next)
		return nil
	})
	if err != nil {
		return store.Survey{}, err
	}
	s.logger.InfoContext(ctx, "survey version created", "surveyId", next.ID, "nameId", next.NameID, "version", next.Version)
	return next, nil
}

func checkVersionable(ctx context.Context, tx store.Tx, survey store.Survey) error {
	latest, err := tx.LatestSurvey(ctx, survey.NameID)
	if err != nil {
		return err
	}
	if latest.ID != survey.ID || survey.ReleaseStatus != store.StatusReleased {
		return conflictError(codeNotVersionable, "only the latest version can be versioned, once it is released", map[string]any{
			"surveyId":      survey.ID,
			"latestVersion": latest.Version,
		})
	}
	return nil
}

func (s *Service) DeleteSurvey(ctx context.Context, surveyID string) error {
	return s.mutate(ctx, "deleteSurvey", func(ctx context.Context, u *unitOfWork) error {
		return s.deleteSurvey(ctx, u, surveyID)
	})
}

func (s *Service) deleteSurvey(ctx context.Context, u *unitOfWork, surveyID string) error {
	survey, err := u.tx.GetSurvey(ctx, surveyID)
	if err != nil {
		return err
	}
	if err := checkDeletable(ctx, u.tx, survey); err != nil {
		return err
	}

	// Draft-private nodes are the EDIT ones. Released nodes stay shared with
	// earlier versions.
	private := make(map[string]struct{})
	var (
		questionIDs  []string
		containerIDs []string
		answerIDs    []string
	)
	err = newTreeWalk(u.tx).
		onQuestion(func(q store.Question) bool { return q.ReleaseStatus == store.StatusEdit },
			func(q store.Question) {
				private[q.ID] = struct{}{}
				questionIDs = append(questionIDs, q.ID)
				if body, ok := q.Body.(*store.ChoiceBody); ok {
					answerIDs = append(answerIDs, body.AnswerIDs...)
				}
			}).
		onContainer(func(c store.Container) bool { _, ok := private[c.ParentID]; return ok },
			func(c store.Container) { containerIDs = append(containerIDs, c.ID) }).
		survey(ctx, survey)
	if err != nil {
		return err
	}

	for _, id := range containerIDs {
		if err := u.tx.DeleteContainer(ctx, id); err != nil {
			return err
		}
	}
	if err := u.tx.DeleteAnswers(ctx, answerIDs); err != nil {
		return err
	}
	for _, id := range questionIDs {
		if err := u.tx.DeleteQuestion(ctx, id); err != nil {
			return err
		}
	}
	if err := u.tx.DeleteSurvey(ctx, survey.ID); err != nil {
		return err
	}

	latest, err := u.tx.LatestSurvey(ctx, survey.NameID)
	switch {
	case err == nil:
		u.touch(latest)
	case isNotFound(err):
		delete(u.touched, survey.NameID)
		u.deleted[survey.NameID] = struct{}{}
	default:
		return err
	}
	s.logger.InfoContext(ctx, "survey deleted", "surveyId", survey.ID, "nameId", survey.NameID,
		"questions", len(questionIDs), "containers", len(containerIDs))
	return nil
}

// checkDeletable allows deleting a draft when an earlier released version
// can stand in for it, or when no other family depends on it.
func checkDeletable(ctx context.Context, tx store.Tx, survey store.Survey) error {
	if survey.ReleaseStatus == store.StatusReleased {
		return conflictError(codeSurveyReleased, "a released survey cannot be deleted", map[string]any{"surveyId": survey.ID})
	}
	_, err := tx.LatestReleasedSurvey(ctx, survey.NameID)
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return err
	}
	dependents, err := tx.HasDependents(ctx, survey.NameID)
	if err != nil {
		return err
	}
	if dependents {
		return conflictError(codeHasDependents, "other surveys depend on this survey", map[string]any{"nameId": survey.NameID})
	}
	return nil
}

// Derived flags for the overview. A rule violation yields false, any other
// error is returned.

func isReleasable(ctx context.Context, tx store.Tx, survey store.Survey) (bool, error) {
	_, err := releasePlan(ctx, tx, survey)
	return flag(err)
}

func isDeletable(ctx context.Context, tx store.Tx, survey store.Survey) (bool, error) {
	return flag(checkDeletable(ctx, tx, survey))
}

func isVersionable(ctx context.Context, tx store.Tx, survey store.Survey) (bool, error) {
	return flag(checkVersionable(ctx, tx, survey))
}

func flag(err error) (bool, error) {
	var domainErr *DomainError
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &domainErr) && domainErr.Code != codeInternal:
		return false, nil
	}
	return false, err
}

func (s *Service) IsReleasable(ctx context.Context, surveyID string) (bool, error) {
	var ok bool
	err := s.read(ctx, func(ctx context.Context, tx store.Tx) error {
		survey, err := tx.GetSurvey(ctx, surveyID)
		if err != nil {
			return err
		}
		ok, err = isReleasable(ctx, tx, survey)
		return err
	})
	return ok, err
}
