package app

import (
	"context"
	"sort"
	"time"

	"surveyhub/api/internal/search"
	"surveyhub/api/internal/store"
)

// SurveyDocument is a survey with its whole tree materialised. It is what
// getSurvey returns and what releases archive.
type SurveyDocument struct {
	ID            string              `json:"id"`
	NameID        string              `json:"nameId"`
	Version       int                 `json:"version"`
	Title         string              `json:"title"`
	Description   string              `json:"description"`
	DependsOn     string              `json:"dependsOn,omitempty"`
	IntervalType  store.IntervalType  `json:"intervalType"`
	IntervalValue int                 `json:"intervalValue"`
	IntervalStart *time.Time          `json:"intervalStart,omitempty"`
	ReminderType  store.ReminderType  `json:"reminderType"`
	ReminderValue int                 `json:"reminderValue"`
	ReleaseStatus store.ReleaseStatus `json:"releaseStatus"`
	Questions     []QuestionDocument  `json:"questions"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

// QuestionDocument flattens the question variants. DefaultAnswer holds a
// bool, an int or an answer id depending on Type.
type QuestionDocument struct {
	ID                string              `json:"id"`
	Type              store.QuestionType  `json:"type"`
	Text              string              `json:"text"`
	Ranking           int                 `json:"ranking"`
	Optional          bool                `json:"optional"`
	ReleaseStatus     store.ReleaseStatus `json:"releaseStatus"`
	PreviousVersionID string              `json:"previousVersionId,omitempty"`
	DefaultAnswer     any                 `json:"defaultAnswer,omitempty"`
	Answers           []AnswerDocument    `json:"answers,omitempty"`
	Multiple          bool                `json:"multiple,omitempty"`
	MinValue          *int                `json:"minValue,omitempty"`
	MaxValue          *int                `json:"maxValue,omitempty"`
	MinText           string              `json:"minText,omitempty"`
	MaxText           string              `json:"maxText,omitempty"`
	Length            *int                `json:"length,omitempty"`
	Multiline         bool                `json:"multiline,omitempty"`
	Entries           []QuestionDocument  `json:"entries,omitempty"`
	Container         *ContainerDocument  `json:"container,omitempty"`
}

type ContainerDocument struct {
	ID        string             `json:"id"`
	Type      store.QuestionType `json:"type"`
	DependsOn any                `json:"dependsOn"`
	Questions []QuestionDocument `json:"questions"`
}

type AnswerDocument struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

func buildDocument(ctx context.Context, tx store.Tx, surveyID string) (SurveyDocument, error) {
	survey, err := tx.GetSurvey(ctx, surveyID)
	if err != nil {
		return SurveyDocument{}, err
	}
	b := documentBuilder{tx: tx, seen: make(map[string]struct{})}
	questions, err := b.questions(ctx, survey.QuestionIDs)
	if err != nil {
		return SurveyDocument{}, err
	}
	return SurveyDocument{
		ID:            survey.ID,
		NameID:        survey.NameID,
		Version:       survey.Version,
		Title:         survey.Title,
		Description:   survey.Description,
		DependsOn:     survey.DependsOn,
		IntervalType:  survey.IntervalType,
		IntervalValue: survey.IntervalValue,
		IntervalStart: survey.IntervalStart,
		ReminderType:  survey.ReminderType,
		ReminderValue: survey.ReminderValue,
		ReleaseStatus: survey.ReleaseStatus,
		Questions:     questions,
		CreatedAt:     survey.CreatedAt,
		UpdatedAt:     survey.UpdatedAt,
	}, nil
}

type documentBuilder struct {
	tx   store.Tx
	seen map[string]struct{}
}

// questions renders a sibling list ordered by ranking, list order breaking
// ties.
func (b documentBuilder) questions(ctx context.Context, ids []string) ([]QuestionDocument, error) {
	out := make([]QuestionDocument, 0, len(ids))
	for _, id := range ids {
		doc, err := b.question(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Ranking < out[j].Ranking })
	return out, nil
}

func (b documentBuilder) question(ctx context.Context, id string) (QuestionDocument, error) {
	if _, ok := b.seen[id]; ok {
		return QuestionDocument{}, internalError("node %s is reachable twice in one survey tree", id)
	}
	b.seen[id] = struct{}{}

	q, err := b.tx.GetQuestion(ctx, id)
	if err != nil {
		return QuestionDocument{}, danglingOr(err, "question %s is referenced but missing", id)
	}
	doc := QuestionDocument{
		ID:                q.ID,
		Type:              q.Type(),
		Text:              q.Text,
		Ranking:           q.Ranking,
		Optional:          q.Optional,
		ReleaseStatus:     q.ReleaseStatus,
		PreviousVersionID: q.PreviousVersionID,
	}

	switch body := q.Body.(type) {
	case *store.BooleanBody:
		if body.DefaultAnswer != nil {
			doc.DefaultAnswer = *body.DefaultAnswer
		}
	case *store.ChoiceBody:
		answers, err := b.tx.GetAnswers(ctx, body.AnswerIDs)
		if err != nil {
			return QuestionDocument{}, err
		}
		doc.Answers = make([]AnswerDocument, 0, len(answers))
		for _, a := range answers {
			doc.Answers = append(doc.Answers, AnswerDocument{ID: a.ID, Value: a.Value})
		}
		if body.DefaultAnswerID != "" {
			doc.DefaultAnswer = body.DefaultAnswerID
		}
		doc.Multiple = body.Multiple
	case *store.RangeBody:
		doc.MinValue, doc.MaxValue = intPtr(body.MinValue), intPtr(body.MaxValue)
		doc.MinText, doc.MaxText = body.MinText, body.MaxText
		if body.DefaultAnswer != nil {
			doc.DefaultAnswer = *body.DefaultAnswer
		}
	case *store.NumberBody:
		doc.MinValue, doc.MaxValue = intPtr(body.MinValue), intPtr(body.MaxValue)
		if body.DefaultAnswer != nil {
			doc.DefaultAnswer = *body.DefaultAnswer
		}
	case *store.TextBody:
		doc.Length = intPtr(body.Length)
		doc.Multiline = body.Multiline
	case *store.ChecklistBody:
		entries, err := b.questions(ctx, body.EntryIDs)
		if err != nil {
			return QuestionDocument{}, err
		}
		doc.Entries = entries
	case *store.ChecklistEntryBody:
		doc.DefaultAnswer = body.DefaultAnswer
	}

	if containerID := q.ContainerID(); containerID != "" {
		container, err := b.container(ctx, containerID)
		if err != nil {
			return QuestionDocument{}, err
		}
		doc.Container = &container
	}
	return doc, nil
}

func (b documentBuilder) container(ctx context.Context, id string) (ContainerDocument, error) {
	container, err := b.tx.GetContainer(ctx, id)
	if err != nil {
		return ContainerDocument{}, danglingOr(err, "container %s is referenced but missing", id)
	}
	doc := ContainerDocument{ID: container.ID, Type: container.Type()}
	switch cond := container.Condition.(type) {
	case *store.BooleanCondition:
		doc.DependsOn = cond.DependsOn
	case *store.ChoiceCondition:
		doc.DependsOn = append([]string{}, cond.AnswerIDs...)
	}
	doc.Questions, err = b.questions(ctx, container.QuestionIDs)
	if err != nil {
		return ContainerDocument{}, err
	}
	return doc, nil
}

func intPtr(v int) *int {
	return &v
}

func searchRecord(doc SurveyDocument) search.SurveyRecord {
	record := search.SurveyRecord{
		ID:            doc.ID,
		NameID:        doc.NameID,
		Version:       doc.Version,
		Title:         doc.Title,
		Description:   doc.Description,
		ReleaseStatus: string(doc.ReleaseStatus),
		Questions:     []string{},
	}
	var collect func(questions []QuestionDocument)
	collect = func(questions []QuestionDocument) {
		for _, q := range questions {
			record.Questions = append(record.Questions, q.Text)
			collect(q.Entries)
			if q.Container != nil {
				collect(q.Container.Questions)
			}
		}
	}
	collect(doc.Questions)
	return record
}
