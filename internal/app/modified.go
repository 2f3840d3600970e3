package app

import (
	"context"
	"slices"

	"surveyhub/api/internal/store"
)

// questionState is a stored question with the rows it owns, loaded so that
// an update payload can be compared against it field by field.
type questionState struct {
	question store.Question
	answers  []store.Answer
	entries  []store.Question
}

func loadQuestionState(ctx context.Context, tx store.Tx, question store.Question) (questionState, error) {
	state := questionState{question: question}
	switch body := question.Body.(type) {
	case *store.ChoiceBody:
		answers, err := tx.GetAnswers(ctx, body.AnswerIDs)
		if err != nil {
			return questionState{}, err
		}
		state.answers = answers
	case *store.ChecklistBody:
		for _, id := range body.EntryIDs {
			entry, err := tx.GetQuestion(ctx, id)
			if err != nil {
				return questionState{}, danglingOr(err, "checklist entry %s is referenced but missing", id)
			}
			state.entries = append(state.entries, entry)
		}
	}
	return state, nil
}

// modifiedBy reports whether applying in would change anything. An update
// that changes nothing must not trigger copy-on-write. The caller has already
// checked that in.Spec has the question's type.
func (st questionState) modifiedBy(in QuestionInput) bool {
	q := st.question
	if q.Text != in.Text || q.Optional != in.Optional {
		return true
	}
	if in.Ranking != nil && *in.Ranking != q.Ranking {
		return true
	}

	switch body := q.Body.(type) {
	case *store.BooleanBody:
		spec := in.Spec.(BooleanSpec)
		return !equalPtr(body.DefaultAnswer, spec.DefaultAnswer)
	case *store.ChoiceBody:
		spec := in.Spec.(ChoiceSpec)
		if body.Multiple != spec.Multiple || st.answersChanged(spec.Answers) {
			return true
		}
		return !equalPtr(st.defaultAnswerIndex(), spec.DefaultAnswer)
	case *store.RangeBody:
		spec := in.Spec.(RangeSpec)
		return body.MinValue != spec.MinValue || body.MaxValue != spec.MaxValue ||
			body.MinText != spec.MinText || body.MaxText != spec.MaxText ||
			!equalPtr(body.DefaultAnswer, spec.DefaultAnswer)
	case *store.NumberBody:
		spec := in.Spec.(NumberSpec)
		return body.MinValue != spec.MinValue || body.MaxValue != spec.MaxValue ||
			!equalPtr(body.DefaultAnswer, spec.DefaultAnswer)
	case *store.TextBody:
		spec := in.Spec.(TextSpec)
		return body.Length != spec.Length || body.Multiline != spec.Multiline
	case *store.ChecklistBody:
		return st.entriesChanged(in.Spec.(ChecklistSpec).Entries)
	}
	return true
}

func (st questionState) answersChanged(values []string) bool {
	if len(values) != len(st.answers) {
		return true
	}
	for i, answer := range st.answers {
		if answer.Value != values[i] {
			return true
		}
	}
	return false
}

// defaultAnswerIndex is the position of the default answer, nil without one.
func (st questionState) defaultAnswerIndex() *int {
	body, ok := st.question.Body.(*store.ChoiceBody)
	if !ok || body.DefaultAnswerID == "" {
		return nil
	}
	idx := slices.IndexFunc(st.answers, func(a store.Answer) bool { return a.ID == body.DefaultAnswerID })
	if idx < 0 {
		return nil
	}
	return &idx
}

func (st questionState) entriesChanged(specs []ChecklistEntrySpec) bool {
	if len(specs) != len(st.entries) {
		return true
	}
	for i, entry := range st.entries {
		spec := specs[i]
		if spec.ID == "" || (spec.ID != entry.ID && spec.ID != entry.PreviousVersionID) {
			return true
		}
		body, ok := entry.Body.(*store.ChecklistEntryBody)
		if !ok || entry.Text != spec.Text || entry.Optional != spec.Optional || body.DefaultAnswer != spec.DefaultAnswer {
			return true
		}
	}
	return false
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
