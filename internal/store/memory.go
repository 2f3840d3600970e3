package store

import (
	"context"
	"database/sql"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps every entity in process memory. Transactions are
// serialized and operate on a deep copy that replaces the committed state
// only when the callback succeeds.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
	now   func() time.Time
}

type memState struct {
	surveys    map[string]Survey
	questions  map[string]Question
	containers map[string]Container
	answers    map[string]Answer
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			surveys:    make(map[string]Survey),
			questions:  make(map[string]Question),
			containers: make(map[string]Container),
			answers:    make(map[string]Answer),
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	working := s.state.clone()
	if err := fn(ctx, &memTx{state: working, now: s.now}); err != nil {
		return err
	}
	s.state = working
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *memState) clone() *memState {
	out := &memState{
		surveys:    make(map[string]Survey, len(m.surveys)),
		questions:  make(map[string]Question, len(m.questions)),
		containers: make(map[string]Container, len(m.containers)),
		answers:    maps.Clone(m.answers),
	}
	for id, survey := range m.surveys {
		out.surveys[id] = survey.Clone()
	}
	for id, question := range m.questions {
		out.questions[id] = question.Clone()
	}
	for id, container := range m.containers {
		out.containers[id] = container.Clone()
	}
	return out
}

type memTx struct {
	state *memState
	now   func() time.Time
}

func (t *memTx) GetSurvey(_ context.Context, id string) (Survey, error) {
	survey, ok := t.state.surveys[id]
	if !ok {
		return Survey{}, sql.ErrNoRows
	}
	return survey.Clone(), nil
}

func (t *memTx) LatestSurvey(_ context.Context, nameID string) (Survey, error) {
	return t.latest(nameID, func(Survey) bool { return true })
}

func (t *memTx) LatestReleasedSurvey(_ context.Context, nameID string) (Survey, error) {
	return t.latest(nameID, func(s Survey) bool { return s.ReleaseStatus == StatusReleased })
}

func (t *memTx) latest(nameID string, match func(Survey) bool) (Survey, error) {
	var (
		found Survey
		ok    bool
	)
	for _, survey := range t.state.surveys {
		if survey.NameID != nameID || !match(survey) {
			continue
		}
		if !ok || survey.Version > found.Version {
			found, ok = survey, true
		}
	}
	if !ok {
		return Survey{}, sql.ErrNoRows
	}
	return found.Clone(), nil
}

func (t *memTx) NameIDExists(_ context.Context, nameID string) (bool, error) {
	for _, survey := range t.state.surveys {
		if survey.NameID == nameID {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) HasDependents(_ context.Context, nameID string) (bool, error) {
	for _, survey := range t.state.surveys {
		if survey.DependsOn == nameID && survey.NameID != nameID {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) CurrentSurveys(_ context.Context) ([]Survey, error) {
	current := t.currentByNameID()
	out := make([]Survey, 0, len(current))
	for _, survey := range current {
		out = append(out, survey.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NameID < out[j].NameID })
	return out, nil
}

func (t *memTx) NameIDs(_ context.Context) ([]string, error) {
	current := t.currentByNameID()
	names := slices.Collect(maps.Keys(current))
	sort.Strings(names)
	return names, nil
}

func (t *memTx) DependencyEdges(_ context.Context) (map[string]string, error) {
	edges := make(map[string]string)
	for nameID, survey := range t.currentByNameID() {
		if survey.DependsOn != "" {
			edges[nameID] = survey.DependsOn
		}
	}
	return edges, nil
}

func (t *memTx) currentByNameID() map[string]Survey {
	current := make(map[string]Survey)
	for _, survey := range t.state.surveys {
		if existing, ok := current[survey.NameID]; !ok || survey.Version > existing.Version {
			current[survey.NameID] = survey
		}
	}
	return current
}

func (t *memTx) SurveysByRootQuestion(_ context.Context, questionID string) ([]Survey, error) {
	var out []Survey
	for _, survey := range t.state.surveys {
		if slices.Contains(survey.QuestionIDs, questionID) {
			out = append(out, survey.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NameID != out[j].NameID {
			return out[i].NameID < out[j].NameID
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func (t *memTx) SaveSurvey(_ context.Context, survey Survey) error {
	for id, other := range t.state.surveys {
		if id == survey.ID || other.NameID != survey.NameID {
			continue
		}
		if other.Version == survey.Version {
			return fmt.Errorf("save survey %s: version %d of %s exists: %w", survey.ID, survey.Version, survey.NameID, ErrUniqueViolation)
		}
		if other.ReleaseStatus == StatusEdit && survey.ReleaseStatus == StatusEdit {
			return fmt.Errorf("save survey %s: %s already has an EDIT version: %w", survey.ID, survey.NameID, ErrUniqueViolation)
		}
	}
	now := t.now()
	if existing, ok := t.state.surveys[survey.ID]; ok {
		survey.CreatedAt = existing.CreatedAt
	} else if survey.CreatedAt.IsZero() {
		survey.CreatedAt = now
	}
	if survey.UpdatedAt.IsZero() {
		survey.UpdatedAt = now
	}
	t.state.surveys[survey.ID] = survey.Clone()
	return nil
}

func (t *memTx) DeleteSurvey(_ context.Context, id string) error {
	delete(t.state.surveys, id)
	return nil
}

func (t *memTx) GetQuestion(_ context.Context, id string) (Question, error) {
	question, ok := t.state.questions[id]
	if !ok {
		return Question{}, sql.ErrNoRows
	}
	return question.Clone(), nil
}

func (t *memTx) SaveQuestion(_ context.Context, question Question) error {
	if question.Body == nil {
		return fmt.Errorf("save question %s: missing body", question.ID)
	}
	if existing, ok := t.state.questions[question.ID]; ok {
		question.CreatedAt = existing.CreatedAt
	} else if question.CreatedAt.IsZero() {
		question.CreatedAt = t.now()
	}
	t.state.questions[question.ID] = question.Clone()
	return nil
}

func (t *memTx) DeleteQuestion(_ context.Context, id string) error {
	delete(t.state.questions, id)
	return nil
}

func (t *memTx) GetContainer(_ context.Context, id string) (Container, error) {
	container, ok := t.state.containers[id]
	if !ok {
		return Container{}, sql.ErrNoRows
	}
	return container.Clone(), nil
}

func (t *memTx) ContainersByQuestion(_ context.Context, questionID string) ([]Container, error) {
	var out []Container
	for _, container := range t.state.containers {
		if slices.Contains(container.QuestionIDs, questionID) {
			out = append(out, container.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) SaveContainer(_ context.Context, container Container) error {
	if container.Condition == nil {
		return fmt.Errorf("save container %s: missing condition", container.ID)
	}
	if existing, ok := t.state.containers[container.ID]; ok {
		container.CreatedAt = existing.CreatedAt
	} else if container.CreatedAt.IsZero() {
		container.CreatedAt = t.now()
	}
	t.state.containers[container.ID] = container.Clone()
	return nil
}

func (t *memTx) DeleteContainer(_ context.Context, id string) error {
	delete(t.state.containers, id)
	return nil
}

func (t *memTx) GetAnswers(_ context.Context, ids []string) ([]Answer, error) {
	out := make([]Answer, 0, len(ids))
	for _, id := range ids {
		answer, ok := t.state.answers[id]
		if !ok {
			return nil, fmt.Errorf("answer %s: %w", id, sql.ErrNoRows)
		}
		out = append(out, answer)
	}
	return out, nil
}

func (t *memTx) SaveAnswer(_ context.Context, answer Answer) error {
	if existing, ok := t.state.answers[answer.ID]; ok {
		answer.CreatedAt = existing.CreatedAt
	} else if answer.CreatedAt.IsZero() {
		answer.CreatedAt = t.now()
	}
	t.state.answers[answer.ID] = answer
	return nil
}

func (t *memTx) DeleteAnswers(_ context.Context, ids []string) error {
	for _, id := range ids {
		delete(t.state.answers, id)
	}
	return nil
}
