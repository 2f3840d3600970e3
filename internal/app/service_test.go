package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"surveyhub/api/internal/archive"
	"surveyhub/api/internal/metrics"
	"surveyhub/api/internal/search"
	"surveyhub/api/internal/store"
)

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, opts ...Option) (*Service, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	base := []Option{
		WithLogger(discardLogger()),
		WithClock(func() time.Time { return testNow }),
	}
	return New(mem, append(base, opts...)...), mem
}

func definition(nameID string) SurveyDefinition {
	return SurveyDefinition{NameID: nameID, Title: "Survey " + nameID}
}

func mustCreateSurvey(t *testing.T, svc *Service, def SurveyDefinition) store.Survey {
	t.Helper()
	survey, err := svc.CreateSurvey(context.Background(), def)
	require.NoError(t, err)
	return survey
}

func mustAddQuestion(t *testing.T, svc *Service, parentID string, in QuestionInput) store.Question {
	t.Helper()
	question, err := svc.AddQuestion(context.Background(), parentID, in)
	require.NoError(t, err)
	return question
}

func mustRelease(t *testing.T, svc *Service, surveyID string) store.Survey {
	t.Helper()
	survey, err := svc.ReleaseSurvey(context.Background(), surveyID)
	require.NoError(t, err)
	return survey
}

func mustNewVersion(t *testing.T, svc *Service, surveyID string) store.Survey {
	t.Helper()
	survey, err := svc.CreateNewVersion(context.Background(), surveyID)
	require.NoError(t, err)
	return survey
}

func mustGetSurvey(t *testing.T, svc *Service, surveyID string) SurveyDocument {
	t.Helper()
	doc, err := svc.GetSurvey(context.Background(), surveyID)
	require.NoError(t, err)
	return doc
}

func textQuestion(text string) QuestionInput {
	return QuestionInput{Text: text, Spec: TextSpec{Length: 200}}
}

func boolQuestion(text string) QuestionInput {
	return QuestionInput{Text: text, Spec: BooleanSpec{}}
}

func choiceQuestion(text string, answers ...string) QuestionInput {
	return QuestionInput{Text: text, Spec: ChoiceSpec{Answers: answers}}
}

func loadSurvey(t *testing.T, mem *store.MemoryStore, id string) store.Survey {
	t.Helper()
	var survey store.Survey
	require.NoError(t, mem.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		survey, err = tx.GetSurvey(ctx, id)
		return err
	}))
	return survey
}

func loadQuestion(t *testing.T, mem *store.MemoryStore, id string) store.Question {
	t.Helper()
	var question store.Question
	require.NoError(t, mem.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		question, err = tx.GetQuestion(ctx, id)
		return err
	}))
	return question
}

func loadContainer(t *testing.T, mem *store.MemoryStore, id string) store.Container {
	t.Helper()
	var container store.Container
	require.NoError(t, mem.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		container, err = tx.GetContainer(ctx, id)
		return err
	}))
	return container
}

func errorCode(err error) string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

type recordingArchive struct {
	mu       sync.Mutex
	releases []archive.Release
}

func (a *recordingArchive) Archive(_ context.Context, release archive.Release) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.releases = append(a.releases, release)
	return nil
}

func (a *recordingArchive) Versions(_ context.Context, nameID string) ([]int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	versions := []int{}
	for _, release := range a.releases {
		if release.NameID == nameID {
			versions = append(versions, release.Version)
		}
	}
	return versions, nil
}

func (a *recordingArchive) Snapshot(_ context.Context, nameID string, version int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, release := range a.releases {
		if release.NameID == nameID && release.Version == version {
			return release.Document, nil
		}
	}
	return nil, archive.ErrNotArchived
}

type failingArchive struct{}

func (failingArchive) Archive(context.Context, archive.Release) error {
	return errors.New("bucket unavailable")
}

func (failingArchive) Versions(context.Context, string) ([]int, error) {
	return nil, errors.New("bucket unavailable")
}

func (failingArchive) Snapshot(context.Context, string, int) ([]byte, error) {
	return nil, errors.New("bucket unavailable")
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	series:
		for _, m := range family.GetMetric() {
			for _, label := range m.GetLabel() {
				if want, ok := labels[label.GetName()]; ok && want != label.GetValue() {
					continue series
				}
			}
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestCreateSurveyStartsFirstDraft(t *testing.T) {
	svc, _ := newTestService(t)

	survey := mustCreateSurvey(t, svc, SurveyDefinition{
		NameID:          "  wellbeing ",
		Title:           "Wellbeing",
		IntervalEnabled: false,
		IntervalType:    "WEEKLY",
		IntervalValue:   2,
	})

	assert.Equal(t, "wellbeing", survey.NameID)
	assert.Equal(t, 1, survey.Version)
	assert.Equal(t, store.StatusEdit, survey.ReleaseStatus)
	assert.Equal(t, store.IntervalNone, survey.IntervalType, "disabled interval is stored as NONE")
	assert.Zero(t, survey.IntervalValue)
	assert.Equal(t, store.ReminderNone, survey.ReminderType)
	assert.Empty(t, survey.QuestionIDs)

	_, err := svc.CreateSurvey(context.Background(), definition("wellbeing"))
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.Equal(t, codeNameIDTaken, errorCode(err))
}

func TestCreateSurveyValidatesPayload(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CreateSurvey(context.Background(), SurveyDefinition{NameID: "", Title: "x"})
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	var domainErr *DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Contains(t, domainErr.Details, "SurveyDefinition.nameId")

	_, err = svc.CreateSurvey(context.Background(), SurveyDefinition{
		NameID:          "pulse",
		Title:           "Pulse",
		IntervalEnabled: true,
		IntervalType:    store.IntervalDaily,
	})
	assert.True(t, IsValidation(err), "enabled interval needs a value")
}

func TestUpdateSurveyRules(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	survey := mustCreateSurvey(t, svc, definition("alpha"))

	def := definition("alpha")
	def.Title = "Renamed"
	updated, err := svc.UpdateSurvey(ctx, survey.ID, def)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Title)

	_, err = svc.UpdateSurvey(ctx, survey.ID, definition("beta"))
	assert.Equal(t, codeNameIDImmutable, errorCode(err))

	mustRelease(t, svc, survey.ID)
	_, err = svc.UpdateSurvey(ctx, survey.ID, def)
	assert.Equal(t, codeSurveyReleased, errorCode(err))
	assert.True(t, IsConflict(err))
}

func TestUpdateSurveyKeepsReleasedInterval(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	def := definition("pulse")
	def.IntervalEnabled = true
	def.IntervalType = store.IntervalWeekly
	def.IntervalValue = 1
	survey := mustCreateSurvey(t, svc, def)
	mustRelease(t, svc, survey.ID)
	draft := mustNewVersion(t, svc, survey.ID)

	changed := def
	changed.IntervalType = store.IntervalMonthly
	_, err := svc.UpdateSurvey(ctx, draft.ID, changed)
	assert.True(t, IsValidation(err))

	def.Title = "Weekly pulse"
	updated, err := svc.UpdateSurvey(ctx, draft.ID, def)
	require.NoError(t, err)
	assert.Equal(t, "Weekly pulse", updated.Title)
	assert.Equal(t, store.IntervalWeekly, updated.IntervalType)
}

func TestDependsOnValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	alpha := mustCreateSurvey(t, svc, definition("alpha"))

	self := definition("gamma")
	self.DependsOn = "gamma"
	_, err := svc.CreateSurvey(ctx, self)
	assert.True(t, IsValidation(err), "self dependency")

	unknown := definition("gamma")
	unknown.DependsOn = "missing"
	_, err = svc.CreateSurvey(ctx, unknown)
	assert.True(t, IsValidation(err), "unknown dependency")

	beta := definition("beta")
	beta.DependsOn = "alpha"
	mustCreateSurvey(t, svc, beta)

	cyclic := definition("alpha")
	cyclic.DependsOn = "beta"
	_, err = svc.UpdateSurvey(ctx, alpha.ID, cyclic)
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	var domainErr *DomainError
	require.ErrorAs(t, err, &domainErr)
	details, ok := domainErr.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []string{"alpha", "beta", "alpha"}, details["cycle"])
}

func TestReleaseRejectsEmptyContainerWithoutPartialPromotion(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()

	survey := mustCreateSurvey(t, svc, definition("alpha"))
	first := mustAddQuestion(t, svc, survey.ID, textQuestion("Name"))
	parent := mustAddQuestion(t, svc, survey.ID, boolQuestion("Any allergies?"))
	container, err := svc.CreateContainer(ctx, parent.ID, ContainerInput{Condition: &store.BooleanCondition{DependsOn: true}})
	require.NoError(t, err)

	releasable, err := svc.IsReleasable(ctx, survey.ID)
	require.NoError(t, err)
	assert.False(t, releasable)

	_, err = svc.ReleaseSurvey(ctx, survey.ID)
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	var domainErr *DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, map[string]any{"containerIds": []string{container.ID}}, domainErr.Details)

	assert.Equal(t, store.StatusEdit, loadSurvey(t, mem, survey.ID).ReleaseStatus)
	assert.Equal(t, store.StatusEdit, loadQuestion(t, mem, first.ID).ReleaseStatus)
	assert.Equal(t, store.StatusEdit, loadQuestion(t, mem, parent.ID).ReleaseStatus)

	child := mustAddQuestion(t, svc, container.ID, textQuestion("Which ones?"))
	released := mustRelease(t, svc, survey.ID)
	assert.Equal(t, store.StatusReleased, released.ReleaseStatus)
	for _, id := range []string{first.ID, parent.ID, child.ID} {
		assert.Equal(t, store.StatusReleased, loadQuestion(t, mem, id).ReleaseStatus, id)
	}

	_, err = svc.ReleaseSurvey(ctx, survey.ID)
	assert.Equal(t, codeAlreadyReleased, errorCode(err))
}

func TestReleaseRequiresReleasedDependency(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	base := mustCreateSurvey(t, svc, definition("base"))
	dependent := definition("followup")
	dependent.DependsOn = "base"
	followup := mustCreateSurvey(t, svc, dependent)

	_, err := svc.ReleaseSurvey(ctx, followup.ID)
	assert.True(t, IsValidation(err))

	mustRelease(t, svc, base.ID)
	mustRelease(t, svc, followup.ID)
}

func TestReleaseSchedulesNextPeriod(t *testing.T) {
	svc, _ := newTestService(t, WithScheduler(fixedScheduler{start: testNow.Add(24 * time.Hour)}))

	def := definition("daily")
	def.IntervalEnabled = true
	def.IntervalType = store.IntervalDaily
	def.IntervalValue = 1
	survey := mustCreateSurvey(t, svc, def)

	released := mustRelease(t, svc, survey.ID)
	require.NotNil(t, released.IntervalStart)
	assert.Equal(t, testNow.Add(24*time.Hour), *released.IntervalStart)

	none := mustCreateSurvey(t, svc, definition("once"))
	released = mustRelease(t, svc, none.ID)
	assert.Nil(t, released.IntervalStart)
}

type fixedScheduler struct {
	start time.Time
}

func (f fixedScheduler) NextPeriodStart(store.Survey, time.Time) (time.Time, error) {
	return f.start, nil
}

func TestCreateNewVersionRules(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	survey := mustCreateSurvey(t, svc, definition("alpha"))
	mustAddQuestion(t, svc, survey.ID, textQuestion("Name"))

	_, err := svc.CreateNewVersion(ctx, survey.ID)
	assert.Equal(t, codeNotVersionable, errorCode(err), "draft is not versionable")

	mustRelease(t, svc, survey.ID)
	next := mustNewVersion(t, svc, survey.ID)
	assert.Equal(t, 2, next.Version)
	assert.Equal(t, store.StatusEdit, next.ReleaseStatus)
	assert.Equal(t, survey.NameID, next.NameID)
	assert.NotEqual(t, survey.ID, next.ID)

	_, err = svc.CreateNewVersion(ctx, survey.ID)
	assert.Equal(t, codeNotVersionable, errorCode(err), "older version is not versionable")
}

func TestNewVersionThenReleaseRepublishesIdenticalTree(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	survey := mustCreateSurvey(t, svc, definition("alpha"))
	mustAddQuestion(t, svc, survey.ID, textQuestion("Name"))
	choice := mustAddQuestion(t, svc, survey.ID, choiceQuestion("Team", "red", "blue"))
	container, err := svc.CreateContainer(ctx, choice.ID, ContainerInput{})
	require.Error(t, err, "condition is required")
	answers := loadChoiceAnswers(t, svc, survey.ID, choice.ID)
	container, err = svc.CreateContainer(ctx, choice.ID, ContainerInput{Condition: &store.ChoiceCondition{AnswerIDs: answers[:1]}})
	require.NoError(t, err)
	mustAddQuestion(t, svc, container.ID, QuestionInput{Text: "Rate red", Spec: RangeSpec{MinValue: 1, MaxValue: 5}})
	mustAddQuestion(t, svc, survey.ID, QuestionInput{Text: "Tasks", Spec: ChecklistSpec{Entries: []ChecklistEntrySpec{{Text: "a"}, {Text: "b", DefaultAnswer: true}}}})

	mustRelease(t, svc, survey.ID)
	v1 := mustGetSurvey(t, svc, survey.ID)

	next := mustNewVersion(t, svc, survey.ID)
	mustRelease(t, svc, next.ID)
	v2 := mustGetSurvey(t, svc, next.ID)

	assert.Equal(t, v1.Questions, v2.Questions)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, store.StatusReleased, v2.ReleaseStatus)
}

func loadChoiceAnswers(t *testing.T, svc *Service, surveyID, questionID string) []string {
	t.Helper()
	doc := mustGetSurvey(t, svc, surveyID)
	var ids []string
	var find func(questions []QuestionDocument)
	find = func(questions []QuestionDocument) {
		for _, q := range questions {
			if q.ID == questionID {
				for _, a := range q.Answers {
					ids = append(ids, a.ID)
				}
			}
			if q.Container != nil {
				find(q.Container.Questions)
			}
		}
	}
	find(doc.Questions)
	require.NotEmpty(t, ids, "question %s has no answers in survey %s", questionID, surveyID)
	return ids
}

func TestDeleteSurveyRules(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()

	base := mustCreateSurvey(t, svc, definition("base"))
	dependent := definition("followup")
	dependent.DependsOn = "base"
	mustCreateSurvey(t, svc, dependent)

	err := svc.DeleteSurvey(ctx, base.ID)
	assert.Equal(t, codeHasDependents, errorCode(err))

	shared := mustAddQuestion(t, svc, base.ID, textQuestion("Shared"))
	mustRelease(t, svc, base.ID)
	assert.Equal(t, codeSurveyReleased, errorCode(svc.DeleteSurvey(ctx, base.ID)))

	draft := mustNewVersion(t, svc, base.ID)
	private := mustAddQuestion(t, svc, draft.ID, choiceQuestion("Private", "x", "y"))

	// A released sibling stands in for the draft even though others depend on it.
	require.NoError(t, svc.DeleteSurvey(ctx, draft.ID))

	err = mem.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.GetQuestion(ctx, private.ID)
		return err
	})
	assert.True(t, isNotFound(err), "draft-private question is removed")
	assert.Equal(t, store.StatusReleased, loadQuestion(t, mem, shared.ID).ReleaseStatus, "shared question is kept")
	assert.Equal(t, []string{shared.ID}, loadSurvey(t, mem, base.ID).QuestionIDs)
}

func TestDeleteContainerWithSurveyIDDeletesSurvey(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()

	survey := mustCreateSurvey(t, svc, definition("alpha"))
	require.NoError(t, svc.DeleteContainer(ctx, survey.ID))

	err := mem.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.GetSurvey(ctx, survey.ID)
		return err
	})
	assert.True(t, isNotFound(err))

	names, err := svc.GetSurveyNameIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestMutationsPublishSideEffects(t *testing.T) {
	archived := &recordingArchive{}
	index := search.NewService(nil, search.NewLocal(), discardLogger())
	reg := prometheus.NewRegistry()
	svc, _ := newTestService(t,
		WithArchiver(archived),
		WithSearch(index),
		WithMetrics(metrics.NewEngine(reg)),
	)
	ctx := context.Background()

	survey := mustCreateSurvey(t, svc, definition("alpha"))
	mustAddQuestion(t, svc, survey.ID, textQuestion("Favourite breakfast"))
	mustRelease(t, svc, survey.ID)

	require.Len(t, archived.releases, 1)
	release := archived.releases[0]
	assert.Equal(t, "alpha", release.NameID)
	assert.Equal(t, "v1", release.Tag())
	assert.Contains(t, string(release.Document), "Favourite breakfast")

	resp := svc.SearchSurveys(ctx, search.Query{Text: "breakfast"})
	require.Len(t, resp.Results, 1)
	assert.Equal(t, survey.ID, resp.Results[0].ID)
	assert.Equal(t, "RELEASED", resp.Results[0].ReleaseStatus)

	draft := mustNewVersion(t, svc, survey.ID)
	resp = svc.SearchSurveys(ctx, search.Query{Text: "breakfast"})
	require.Len(t, resp.Results, 1)
	assert.Equal(t, draft.ID, resp.Results[0].ID, "index follows the current version")

	_, err := svc.ReleaseSurvey(ctx, survey.ID)
	require.Error(t, err)

	assert.Equal(t, 1.0, counterValue(t, reg, "surveyhub_engine_releases_total", nil))
	assert.Equal(t, 1.0, counterValue(t, reg, "surveyhub_engine_operations_total", map[string]string{"op": "releaseSurvey", "outcome": "ok"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "surveyhub_engine_operations_total", map[string]string{"op": "releaseSurvey", "outcome": "conflict"}))
}

func TestArchiveFailureDoesNotFailRelease(t *testing.T) {
	svc, mem := newTestService(t, WithArchiver(failingArchive{}))

	survey := mustCreateSurvey(t, svc, definition("alpha"))
	mustRelease(t, svc, survey.ID)
	assert.Equal(t, store.StatusReleased, loadSurvey(t, mem, survey.ID).ReleaseStatus)
}

func TestSearchWithoutIndexIsEmpty(t *testing.T) {
	svc, _ := newTestService(t)
	resp := svc.SearchSurveys(context.Background(), search.Query{Text: "anything"})
	assert.Empty(t, resp.Results)
	assert.Equal(t, "anything", resp.Query)
}

func TestSurveyTimestampsFollowServiceClock(t *testing.T) {
	now := testNow
	svc, mem := newTestService(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	created := mustCreateSurvey(t, svc, definition("alpha"))
	assert.True(t, testNow.Equal(loadSurvey(t, mem, created.ID).UpdatedAt))

	now = testNow.Add(2 * time.Hour)
	updated := definition("alpha")
	updated.Title = "Renamed"
	_, err := svc.UpdateSurvey(ctx, created.ID, updated)
	require.NoError(t, err)

	stored := loadSurvey(t, mem, created.ID)
	assert.True(t, testNow.Equal(stored.CreatedAt), "created at %v", stored.CreatedAt)
	assert.True(t, now.Equal(stored.UpdatedAt), "updated at %v", stored.UpdatedAt)
}
