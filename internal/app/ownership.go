package app

import (
	"context"

	"surveyhub/api/internal/store"
)

// owner is a survey reached from a question, with the root question of the
// branch the climb came through.
type owner struct {
	survey         store.Survey
	rootQuestionID string
}

// locateOwningSurveys climbs from a question to every survey whose tree
// contains it. Questions carry no parent pointer since a shared node belongs
// to several version trees at once, so the climb asks the store for the
// containers listing each node and fans out over all of them.
func locateOwningSurveys(ctx context.Context, tx store.Tx, questionID string) ([]owner, error) {
	var owners []owner
	seenOwner := make(map[[2]string]struct{})
	visited := map[string]struct{}{questionID: {}}
	frontier := []string{questionID}

	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]

		surveys, err := tx.SurveysByRootQuestion(ctx, current)
		if err != nil {
			return nil, err
		}
		for _, survey := range surveys {
			key := [2]string{survey.ID, current}
			if _, ok := seenOwner[key]; ok {
				continue
			}
			seenOwner[key] = struct{}{}
			owners = append(owners, owner{survey: survey, rootQuestionID: current})
		}

		containers, err := tx.ContainersByQuestion(ctx, current)
		if err != nil {
			return nil, err
		}
		for _, container := range containers {
			if _, ok := visited[container.ParentID]; ok {
				continue
			}
			visited[container.ParentID] = struct{}{}
			frontier = append(frontier, container.ParentID)
		}
	}
	return owners, nil
}

// editableOwner picks the single EDIT survey among the owners of a question.
func editableOwner(questionID string, owners []owner) (owner, error) {
	if len(owners) == 0 {
		return owner{}, internalError("question %s is not reachable from any survey", questionID)
	}
	var drafts []owner
	for _, o := range owners {
		if o.survey.ReleaseStatus == store.StatusEdit {
			drafts = append(drafts, o)
		}
	}
	switch len(drafts) {
	case 0:
		return owner{}, conflictError(codeNoEditableVersion, "the survey owning this question is released; create a new version first", map[string]any{
			"questionId": questionID,
			"nameId":     owners[0].survey.NameID,
		})
	case 1:
		return drafts[0], nil
	}
	ids := make([]string, 0, len(drafts))
	for _, d := range drafts {
		ids = append(ids, d.survey.ID)
	}
	return owner{}, internalError("question %s has %d editable owners: %v", questionID, len(drafts), ids)
}
