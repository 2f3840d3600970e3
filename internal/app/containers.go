package app

import (
	"context"
	"slices"

	"surveyhub/api/internal/store"
	"surveyhub/api/internal/util"
)

// CreateContainer attaches a conditional branch to a Boolean or Choice
// question that has none yet.
func (s *Service) CreateContainer(ctx context.Context, questionID string, in ContainerInput) (store.Container, error) {
	if in.Condition == nil {
		return store.Container{}, validationError("container type is required", nil)
	}

	var created store.Container
	err := s.mutate(ctx, "createContainer", func(ctx context.Context, u *unitOfWork) error {
		question, err := u.tx.GetQuestion(ctx, questionID)
		if err != nil {
			return err
		}
		if t := question.Type(); t != store.TypeBoolean && t != store.TypeChoice {
			return validationError("only boolean and choice questions can own a container", map[string]any{"type": t})
		}
		if existing := question.ContainerID(); existing != "" {
			return validationError("the question already owns a container", map[string]any{"containerId": existing})
		}
		if in.Condition.Type() != question.Type() {
			return validationError("container type must match the question type", map[string]any{
				"type":      question.Type(),
				"requested": in.Condition.Type(),
			})
		}

		ed, err := s.resolveEditable(ctx, u, questionID)
		if err != nil {
			return err
		}
		condition, err := bindCondition(in.Condition, ed)
		if err != nil {
			return err
		}

		created = store.Container{
			ID:          util.NewID("ctr"),
			ParentID:    ed.question.ID,
			QuestionIDs: []string{},
			Condition:   condition,
			CreatedAt:   s.now().UTC(),
		}
		if err := u.tx.SaveContainer(ctx, created); err != nil {
			return err
		}
		parent := ed.question
		parent.SetContainerID(created.ID)
		return u.tx.SaveQuestion(ctx, parent)
	})
	return created, err
}

// UpdateContainer replaces the activation condition of a container.
func (s *Service) UpdateContainer(ctx context.Context, containerID string, in ContainerInput) (store.Container, error) {
	if in.Condition == nil {
		return store.Container{}, validationError("container type is required", nil)
	}

	var updated store.Container
	err := s.mutate(ctx, "updateContainer", func(ctx context.Context, u *unitOfWork) error {
		container, err := u.tx.GetContainer(ctx, containerID)
		if err != nil {
			return err
		}
		if in.Condition.Type() != container.Type() {
			return validationError("container type cannot change", map[string]any{
				"type":      container.Type(),
				"requested": in.Condition.Type(),
			})
		}

		ed, err := s.resolveEditable(ctx, u, container.ParentID)
		if err != nil {
			return err
		}
		condition, err := bindCondition(in.Condition, ed)
		if err != nil {
			return err
		}
		updated, err = editableContainer(ctx, u.tx, ed)
		if err != nil {
			return err
		}
		updated.Condition = condition
		return u.tx.SaveContainer(ctx, updated)
	})
	return updated, err
}

// bindCondition builds the stored condition for the resolved parent. Answer
// ids of the pre-copy question are translated to the copied answers.
func bindCondition(in store.Condition, ed editable) (store.Condition, error) {
	switch cond := in.(type) {
	case *store.BooleanCondition:
		return &store.BooleanCondition{DependsOn: cond.DependsOn}, nil
	case *store.ChoiceCondition:
		body, ok := ed.question.Body.(*store.ChoiceBody)
		if !ok {
			return nil, validationError("container type must match the question type", nil)
		}
		ids := make([]string, 0, len(cond.AnswerIDs))
		for _, id := range cond.AnswerIDs {
			if mapped, ok := ed.answerIDs[id]; ok {
				id = mapped
			}
			if !slices.Contains(body.AnswerIDs, id) {
				return nil, validationError("the condition references an answer of another question", map[string]any{"answerId": id})
			}
			if !slices.Contains(ids, id) {
				ids = append(ids, id)
			}
		}
		return &store.ChoiceCondition{AnswerIDs: ids}, nil
	}
	return nil, validationError("unsupported container type", nil)
}

// DeleteContainer deletes an empty container. A survey id deletes the survey.
func (s *Service) DeleteContainer(ctx context.Context, id string) error {
	return s.mutate(ctx, "deleteContainer", func(ctx context.Context, u *unitOfWork) error {
		_, err := u.tx.GetSurvey(ctx, id)
		switch {
		case err == nil:
			return s.deleteSurvey(ctx, u, id)
		case !isNotFound(err):
			return err
		}

		container, err := u.tx.GetContainer(ctx, id)
		if err != nil {
			return err
		}
		if len(container.QuestionIDs) > 0 {
			return validationError("a container that owns questions cannot be deleted", map[string]any{"questionIds": container.QuestionIDs})
		}

		ed, err := s.resolveEditable(ctx, u, container.ParentID)
		if err != nil {
			return err
		}
		parent := ed.question
		owned := parent.ContainerID()
		if owned == "" {
			return internalError("question %s lost its container during copy", parent.ID)
		}
		parent.SetContainerID("")
		if err := u.tx.SaveQuestion(ctx, parent); err != nil {
			return err
		}
		return u.tx.DeleteContainer(ctx, owned)
	})
}
