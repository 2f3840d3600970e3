package app

import (
	"context"
	"slices"
	"time"

	"surveyhub/api/internal/store"
	"surveyhub/api/internal/util"
)

// AddQuestion appends a question to a survey's root list or to a container.
// containerID may be either kind of id.
func (s *Service) AddQuestion(ctx context.Context, containerID string, in QuestionInput) (store.Question, error) {
	if err := validateQuestionInput(in); err != nil {
		return store.Question{}, err
	}

	var added store.Question
	err := s.mutate(ctx, "addQuestion", func(ctx context.Context, u *unitOfWork) error {
		now := s.now().UTC()
		survey, err := u.tx.GetSurvey(ctx, containerID)
		switch {
		case err == nil:
			if survey.ReleaseStatus == store.StatusReleased {
				return conflictError(codeSurveyReleased, "questions cannot be added to a released survey", map[string]any{"surveyId": survey.ID})
			}
			added, err = createQuestion(ctx, u.tx, in, len(survey.QuestionIDs), now)
			if err != nil {
				return err
			}
			survey.QuestionIDs = append(survey.QuestionIDs, added.ID)
			survey.UpdatedAt = now
			if err := u.tx.SaveSurvey(ctx, survey); err != nil {
				return err
			}
			u.touch(survey)
			return nil
		case !isNotFound(err):
			return err
		}

		container, err := u.tx.GetContainer(ctx, containerID)
		if err != nil {
			return err
		}
		ed, err := s.resolveEditable(ctx, u, container.ParentID)
		if err != nil {
			return err
		}
		container, err = editableContainer(ctx, u.tx, ed)
		if err != nil {
			return err
		}
		added, err = createQuestion(ctx, u.tx, in, len(container.QuestionIDs), now)
		if err != nil {
			return err
		}
		container.QuestionIDs = append(container.QuestionIDs, added.ID)
		return u.tx.SaveContainer(ctx, container)
	})
	return added, err
}

// editableContainer loads the container owned by a resolved question.
func editableContainer(ctx context.Context, tx store.Tx, ed editable) (store.Container, error) {
	id := ed.question.ContainerID()
	if id == "" {
		return store.Container{}, internalError("question %s lost its container during copy", ed.question.ID)
	}
	container, err := tx.GetContainer(ctx, id)
	if err != nil {
		return store.Container{}, danglingOr(err, "container %s is referenced but missing", id)
	}
	return container, nil
}

func createQuestion(ctx context.Context, tx store.Tx, in QuestionInput, ranking int, now time.Time) (store.Question, error) {
	question := store.Question{
		ID:            util.NewID("qst"),
		Text:          in.Text,
		Ranking:       ranking,
		Optional:      in.Optional,
		ReleaseStatus: store.StatusEdit,
		CreatedAt:     now,
	}

	switch spec := in.Spec.(type) {
	case BooleanSpec:
		question.Body = &store.BooleanBody{DefaultAnswer: copyPtr(spec.DefaultAnswer)}
	case ChoiceSpec:
		answers, err := createAnswers(ctx, tx, spec.Answers, now)
		if err != nil {
			return store.Question{}, err
		}
		body := &store.ChoiceBody{AnswerIDs: answerIDs(answers), Multiple: spec.Multiple}
		if spec.DefaultAnswer != nil {
			body.DefaultAnswerID = answers[*spec.DefaultAnswer].ID
		}
		question.Body = body
	case RangeSpec:
		question.Body = &store.RangeBody{
			MinValue:      spec.MinValue,
			MaxValue:      spec.MaxValue,
			MinText:       spec.MinText,
			MaxText:       spec.MaxText,
			DefaultAnswer: copyPtr(spec.DefaultAnswer),
		}
	case NumberSpec:
		question.Body = &store.NumberBody{
			MinValue:      spec.MinValue,
			MaxValue:      spec.MaxValue,
			DefaultAnswer: copyPtr(spec.DefaultAnswer),
		}
	case TextSpec:
		question.Body = &store.TextBody{Length: spec.Length, Multiline: spec.Multiline}
	case ChecklistSpec:
		body := &store.ChecklistBody{EntryIDs: make([]string, 0, len(spec.Entries))}
		for i, entrySpec := range spec.Entries {
			entry := newChecklistEntry(entrySpec, i, now)
			if err := tx.SaveQuestion(ctx, entry); err != nil {
				return store.Question{}, err
			}
			body.EntryIDs = append(body.EntryIDs, entry.ID)
		}
		question.Body = body
	default:
		return store.Question{}, validationError("unsupported question type", nil)
	}

	if err := tx.SaveQuestion(ctx, question); err != nil {
		return store.Question{}, err
	}
	return question, nil
}

func newChecklistEntry(spec ChecklistEntrySpec, ranking int, now time.Time) store.Question {
	return store.Question{
		ID:            util.NewID("qst"),
		Text:          spec.Text,
		Ranking:       ranking,
		Optional:      spec.Optional,
		ReleaseStatus: store.StatusEdit,
		Body:          &store.ChecklistEntryBody{DefaultAnswer: spec.DefaultAnswer},
		CreatedAt:     now,
	}
}

func createAnswers(ctx context.Context, tx store.Tx, values []string, now time.Time) ([]store.Answer, error) {
	answers := make([]store.Answer, 0, len(values))
	for _, value := range values {
		answer := store.Answer{ID: util.NewID("ans"), Value: value, CreatedAt: now}
		if err := tx.SaveAnswer(ctx, answer); err != nil {
			return nil, err
		}
		answers = append(answers, answer)
	}
	return answers, nil
}

func answerIDs(answers []store.Answer) []string {
	ids := make([]string, 0, len(answers))
	for _, a := range answers {
		ids = append(ids, a.ID)
	}
	return ids
}

// UpdateQuestion applies in to the question. A payload that changes nothing
// returns the stored question untouched.
func (s *Service) UpdateQuestion(ctx context.Context, questionID string, in QuestionInput) (store.Question, error) {
	if err := validateQuestionInput(in); err != nil {
		return store.Question{}, err
	}

	var result store.Question
	err := s.mutate(ctx, "updateQuestion", func(ctx context.Context, u *unitOfWork) error {
		question, err := u.tx.GetQuestion(ctx, questionID)
		if err != nil {
			return err
		}
		if question.Type() == store.TypeChecklistEntry {
			return validationError("checklist entries are updated through their checklist", map[string]any{"questionId": questionID})
		}
		if question.Type() != in.Spec.Type() {
			return validationError("question type cannot change", map[string]any{
				"type":      question.Type(),
				"requested": in.Spec.Type(),
			})
		}

		state, err := loadQuestionState(ctx, u.tx, question)
		if err != nil {
			return err
		}
		if !state.modifiedBy(in) {
			result = question
			return nil
		}

		ed, err := s.resolveEditable(ctx, u, questionID)
		if err != nil {
			return err
		}
		if ed.question.ID != question.ID {
			if state, err = loadQuestionState(ctx, u.tx, ed.question); err != nil {
				return err
			}
		}
		result, err = s.applyQuestionUpdate(ctx, u.tx, state, in)
		return err
	})
	return result, err
}

func (s *Service) applyQuestionUpdate(ctx context.Context, tx store.Tx, state questionState, in QuestionInput) (store.Question, error) {
	now := s.now().UTC()
	target := state.question.Clone()
	target.Text = in.Text
	target.Optional = in.Optional
	if in.Ranking != nil {
		target.Ranking = *in.Ranking
	}

	switch body := target.Body.(type) {
	case *store.BooleanBody:
		body.DefaultAnswer = copyPtr(in.Spec.(BooleanSpec).DefaultAnswer)
	case *store.ChoiceBody:
		spec := in.Spec.(ChoiceSpec)
		answers := state.answers
		if state.answersChanged(spec.Answers) {
			fresh, err := createAnswers(ctx, tx, spec.Answers, now)
			if err != nil {
				return store.Question{}, err
			}
			if body.ContainerID != "" {
				if err := clearChoiceCondition(ctx, tx, body.ContainerID); err != nil {
					return store.Question{}, err
				}
			}
			if err := tx.DeleteAnswers(ctx, body.AnswerIDs); err != nil {
				return store.Question{}, err
			}
			answers = fresh
			body.AnswerIDs = answerIDs(fresh)
		}
		body.DefaultAnswerID = ""
		if spec.DefaultAnswer != nil {
			idx := *spec.DefaultAnswer
			if idx < 0 || idx >= len(answers) {
				return store.Question{}, validationError("defaultAnswer index is out of range", map[string]any{"defaultAnswer": idx})
			}
			body.DefaultAnswerID = answers[idx].ID
		}
		body.Multiple = spec.Multiple
	case *store.RangeBody:
		spec := in.Spec.(RangeSpec)
		body.MinValue, body.MaxValue = spec.MinValue, spec.MaxValue
		body.MinText, body.MaxText = spec.MinText, spec.MaxText
		body.DefaultAnswer = copyPtr(spec.DefaultAnswer)
	case *store.NumberBody:
		spec := in.Spec.(NumberSpec)
		body.MinValue, body.MaxValue = spec.MinValue, spec.MaxValue
		body.DefaultAnswer = copyPtr(spec.DefaultAnswer)
	case *store.TextBody:
		spec := in.Spec.(TextSpec)
		body.Length, body.Multiline = spec.Length, spec.Multiline
	case *store.ChecklistBody:
		entryIDs, err := upsertEntries(ctx, tx, state.entries, in.Spec.(ChecklistSpec).Entries, now)
		if err != nil {
			return store.Question{}, err
		}
		body.EntryIDs = entryIDs
	default:
		return store.Question{}, internalError("question %s has unknown type %q", target.ID, target.Type())
	}

	if err := tx.SaveQuestion(ctx, target); err != nil {
		return store.Question{}, err
	}
	return target, nil
}

// upsertEntries matches entry specs to stored entries by id, or by the id of
// the entry a stored one was copied from. Unmatched specs become new entries
// and unmatched stored entries are deleted.
func upsertEntries(ctx context.Context, tx store.Tx, current []store.Question, specs []ChecklistEntrySpec, now time.Time) ([]string, error) {
	used := make(map[string]struct{}, len(current))
	ids := make([]string, 0, len(specs))
	for i, spec := range specs {
		idx := -1
		if spec.ID != "" {
			idx = slices.IndexFunc(current, func(e store.Question) bool {
				return e.ID == spec.ID || (e.PreviousVersionID != "" && e.PreviousVersionID == spec.ID)
			})
		}
		if idx < 0 {
			entry := newChecklistEntry(spec, i, now)
			if err := tx.SaveQuestion(ctx, entry); err != nil {
				return nil, err
			}
			ids = append(ids, entry.ID)
			continue
		}

		entry := current[idx].Clone()
		if _, dup := used[entry.ID]; dup {
			return nil, validationError("checklist entry is listed twice", map[string]any{"id": spec.ID})
		}
		used[entry.ID] = struct{}{}
		entry.Text = spec.Text
		entry.Optional = spec.Optional
		entry.Ranking = i
		entry.Body = &store.ChecklistEntryBody{DefaultAnswer: spec.DefaultAnswer}
		if err := tx.SaveQuestion(ctx, entry); err != nil {
			return nil, err
		}
		ids = append(ids, entry.ID)
	}

	for _, entry := range current {
		if _, ok := used[entry.ID]; ok {
			continue
		}
		if err := tx.DeleteQuestion(ctx, entry.ID); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// clearChoiceCondition drops the answer references of a container whose
// parent got a new answer set.
func clearChoiceCondition(ctx context.Context, tx store.Tx, containerID string) error {
	container, err := tx.GetContainer(ctx, containerID)
	if err != nil {
		return danglingOr(err, "container %s is referenced but missing", containerID)
	}
	cond, ok := container.Condition.(*store.ChoiceCondition)
	if !ok {
		return internalError("container %s of a choice question has condition type %q", containerID, container.Type())
	}
	cond.AnswerIDs = []string{}
	return tx.SaveContainer(ctx, container)
}

// DeleteQuestion removes a question that owns no container from its parent
// list, together with its answers or checklist entries.
func (s *Service) DeleteQuestion(ctx context.Context, questionID string) error {
	return s.mutate(ctx, "deleteQuestion", func(ctx context.Context, u *unitOfWork) error {
		question, err := u.tx.GetQuestion(ctx, questionID)
		if err != nil {
			return err
		}
		if question.Type() == store.TypeChecklistEntry {
			return validationError("checklist entries are removed through their checklist", map[string]any{"questionId": questionID})
		}
		if containerID := question.ContainerID(); containerID != "" {
			return validationError("a question that owns a container cannot be deleted", map[string]any{"containerId": containerID})
		}

		ed, err := s.resolveEditable(ctx, u, questionID)
		if err != nil {
			return err
		}
		target := ed.question
		if err := detachFromParent(ctx, u.tx, target.ID, s.now().UTC()); err != nil {
			return err
		}

		switch body := target.Body.(type) {
		case *store.ChoiceBody:
			if err := u.tx.DeleteAnswers(ctx, body.AnswerIDs); err != nil {
				return err
			}
		case *store.ChecklistBody:
			for _, entryID := range body.EntryIDs {
				if err := u.tx.DeleteQuestion(ctx, entryID); err != nil {
					return err
				}
			}
		}
		return u.tx.DeleteQuestion(ctx, target.ID)
	})
}

// detachFromParent removes an editable question from the one list holding
// it: a container or the root list of a draft.
func detachFromParent(ctx context.Context, tx store.Tx, questionID string, now time.Time) error {
	containers, err := tx.ContainersByQuestion(ctx, questionID)
	if err != nil {
		return err
	}
	surveys, err := tx.SurveysByRootQuestion(ctx, questionID)
	if err != nil {
		return err
	}
	if len(containers)+len(surveys) != 1 {
		return internalError("question %s has %d parents, expected exactly one", questionID, len(containers)+len(surveys))
	}

	if len(containers) == 1 {
		container := containers[0]
		container.QuestionIDs = slices.DeleteFunc(container.QuestionIDs, func(id string) bool { return id == questionID })
		return tx.SaveContainer(ctx, container)
	}
	survey := surveys[0]
	if survey.ReleaseStatus != store.StatusEdit {
		return internalError("editable question %s is a root of released survey %s", questionID, survey.ID)
	}
	survey.QuestionIDs = slices.DeleteFunc(survey.QuestionIDs, func(id string) bool { return id == questionID })
	survey.UpdatedAt = now
	return tx.SaveSurvey(ctx, survey)
}

func copyPtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
