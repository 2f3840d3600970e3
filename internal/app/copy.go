package app

import (
	"context"
	"slices"
	"time"

	"surveyhub/api/internal/store"
	"surveyhub/api/internal/util"
)

// editable is a question that may be mutated in place, together with the
// draft that owns it. answerIDs maps pre-copy answer ids to their copies and
// is empty when no copy was needed.
type editable struct {
	question  store.Question
	survey    store.Survey
	answerIDs map[string]string
}

// resolveEditable returns a version of the question that is private to the
// single draft owning it. A question shared with a released version is
// replaced in the draft by a copy of its whole root branch.
func (s *Service) resolveEditable(ctx context.Context, u *unitOfWork, questionID string) (editable, error) {
	question, err := u.tx.GetQuestion(ctx, questionID)
	if err != nil {
		return editable{}, err
	}
	owners, err := locateOwningSurveys(ctx, u.tx, questionID)
	if err != nil {
		return editable{}, err
	}
	draft, err := editableOwner(questionID, owners)
	if err != nil {
		return editable{}, err
	}
	u.touch(draft.survey)

	if question.ReleaseStatus == store.StatusEdit {
		return editable{question: question, survey: draft.survey}, nil
	}

	c := &copier{
		tx:        u.tx,
		target:    questionID,
		now:       s.now().UTC(),
		answerIDs: make(map[string]string),
	}
	rootCopy, concerned, err := c.copyQuestion(ctx, draft.rootQuestionID, false)
	if err != nil {
		return editable{}, err
	}
	if concerned == nil {
		return editable{}, internalError("copy of branch %s does not contain question %s", draft.rootQuestionID, questionID)
	}

	idx := slices.Index(draft.survey.QuestionIDs, draft.rootQuestionID)
	if idx < 0 {
		return editable{}, internalError("survey %s does not list root question %s", draft.survey.ID, draft.rootQuestionID)
	}
	survey := draft.survey.Clone()
	survey.QuestionIDs[idx] = rootCopy.ID
	survey.UpdatedAt = c.now
	if err := u.tx.SaveSurvey(ctx, survey); err != nil {
		return editable{}, err
	}

	u.countCopied("question", c.questions)
	u.countCopied("container", c.containers)
	u.countCopied("answer", c.answers)
	s.logger.DebugContext(ctx, "copy-on-write",
		"surveyId", survey.ID,
		"root", draft.rootQuestionID,
		"rootCopy", rootCopy.ID,
		"questions", c.questions,
		"containers", c.containers,
		"answers", c.answers,
	)
	return editable{question: *concerned, survey: survey, answerIDs: c.answerIDs}, nil
}

// copier duplicates a released branch. The copy of target is threaded back
// up through the recursion since the walk does not know in advance which
// branch holds it.
type copier struct {
	tx        store.Tx
	target    string
	now       time.Time
	answerIDs map[string]string

	questions  int
	containers int
	answers    int
}

func (c *copier) copyQuestion(ctx context.Context, id string, asEntry bool) (store.Question, *store.Question, error) {
	original, err := c.tx.GetQuestion(ctx, id)
	if err != nil {
		return store.Question{}, nil, danglingOr(err, "question %s is referenced but missing", id)
	}
	if original.ReleaseStatus != store.StatusReleased {
		return store.Question{}, nil, internalError("question %s below a released branch is not released", id)
	}

	cp := original.Clone()
	cp.ID = util.NewID("qst")
	cp.ReleaseStatus = store.StatusEdit
	cp.PreviousVersionID = original.ID
	cp.CreatedAt = c.now

	var concerned *store.Question
	switch body := cp.Body.(type) {
	case *store.BooleanBody:
		if body.ContainerID != "" {
			containerID, found, err := c.copyContainer(ctx, body.ContainerID, cp.ID, nil)
			if err != nil {
				return store.Question{}, nil, err
			}
			body.ContainerID = containerID
			concerned = found
		}
	case *store.ChoiceBody:
		remap, err := c.copyAnswers(ctx, body)
		if err != nil {
			return store.Question{}, nil, err
		}
		if body.ContainerID != "" {
			containerID, found, err := c.copyContainer(ctx, body.ContainerID, cp.ID, remap)
			if err != nil {
				return store.Question{}, nil, err
			}
			body.ContainerID = containerID
			concerned = found
		}
	case *store.ChecklistBody:
		entryIDs := make([]string, 0, len(body.EntryIDs))
		for _, entryID := range body.EntryIDs {
			entry, found, err := c.copyQuestion(ctx, entryID, true)
			if err != nil {
				return store.Question{}, nil, err
			}
			entryIDs = append(entryIDs, entry.ID)
			if concerned == nil {
				concerned = found
			}
		}
		body.EntryIDs = entryIDs
	case *store.ChecklistEntryBody:
		if !asEntry {
			return store.Question{}, nil, internalError("checklist entry %s is owned outside a checklist", id)
		}
	case *store.RangeBody, *store.NumberBody, *store.TextBody:
	default:
		return store.Question{}, nil, internalError("question %s has unknown type %q", id, original.Type())
	}

	if err := c.tx.SaveQuestion(ctx, cp); err != nil {
		return store.Question{}, nil, err
	}
	c.questions++

	if original.ID == c.target {
		self := cp.Clone()
		concerned = &self
	}
	return cp, concerned, nil
}

// copyAnswers gives the copied choice fresh answer rows. Old ids map to the
// copy at the same position, so duplicate values keep their identity.
func (c *copier) copyAnswers(ctx context.Context, body *store.ChoiceBody) (map[string]string, error) {
	answers, err := c.tx.GetAnswers(ctx, body.AnswerIDs)
	if err != nil {
		return nil, danglingOr(err, "choice references missing answers %v", body.AnswerIDs)
	}
	if len(answers) != len(body.AnswerIDs) {
		return nil, internalError("choice references %d answers but %d exist", len(body.AnswerIDs), len(answers))
	}

	remap := make(map[string]string, len(answers))
	newIDs := make([]string, 0, len(answers))
	for _, answer := range answers {
		cp := store.Answer{ID: util.NewID("ans"), Value: answer.Value, CreatedAt: c.now}
		if err := c.tx.SaveAnswer(ctx, cp); err != nil {
			return nil, err
		}
		c.answers++
		newIDs = append(newIDs, cp.ID)
		remap[answer.ID] = cp.ID
		c.answerIDs[answer.ID] = cp.ID
	}
	body.AnswerIDs = newIDs
	if body.DefaultAnswerID != "" {
		newDefault, ok := remap[body.DefaultAnswerID]
		if !ok {
			return nil, internalError("default answer %s is not an answer of its question", body.DefaultAnswerID)
		}
		body.DefaultAnswerID = newDefault
	}
	return remap, nil
}

func (c *copier) copyContainer(ctx context.Context, id, parentID string, answerIDs map[string]string) (string, *store.Question, error) {
	original, err := c.tx.GetContainer(ctx, id)
	if err != nil {
		return "", nil, danglingOr(err, "container %s is referenced but missing", id)
	}

	cp := original.Clone()
	cp.ID = util.NewID("ctr")
	cp.ParentID = parentID
	cp.CreatedAt = c.now

	switch cond := cp.Condition.(type) {
	case *store.BooleanCondition:
	case *store.ChoiceCondition:
		mapped := make([]string, 0, len(cond.AnswerIDs))
		for _, answerID := range cond.AnswerIDs {
			newID, ok := answerIDs[answerID]
			if !ok {
				return "", nil, internalError("container %s depends on answer %s of another question", id, answerID)
			}
			mapped = append(mapped, newID)
		}
		cond.AnswerIDs = mapped
	default:
		return "", nil, internalError("container %s has unknown condition type %q", id, original.Type())
	}

	var concerned *store.Question
	children := make([]string, 0, len(original.QuestionIDs))
	for _, childID := range original.QuestionIDs {
		child, found, err := c.copyQuestion(ctx, childID, false)
		if err != nil {
			return "", nil, err
		}
		children = append(children, child.ID)
		if concerned == nil {
			concerned = found
		}
	}
	cp.QuestionIDs = children

	if err := c.tx.SaveContainer(ctx, cp); err != nil {
		return "", nil, err
	}
	c.containers++
	return cp.ID, concerned, nil
}
