package store

import (
	"context"
	"errors"
)

// ErrUniqueViolation is returned when a write would break one of the survey
// uniqueness rules: (nameId, version) or a second EDIT survey per nameId.
var ErrUniqueViolation = errors.New("unique constraint violation")

// ErrConcurrentUpdate is returned when a transaction kept losing to
// concurrent writers and gave up.
var ErrConcurrentUpdate = errors.New("concurrent update")

// Tx is the unit of work handed to WithinTx callbacks. Lookups by id return
// sql.ErrNoRows when the entity does not exist.
type Tx interface {
	GetSurvey(ctx context.Context, id string) (Survey, error)
	LatestSurvey(ctx context.Context, nameID string) (Survey, error)
	LatestReleasedSurvey(ctx context.Context, nameID string) (Survey, error)
	NameIDExists(ctx context.Context, nameID string) (bool, error)
	HasDependents(ctx context.Context, nameID string) (bool, error)
	CurrentSurveys(ctx context.Context) ([]Survey, error)
	NameIDs(ctx context.Context) ([]string, error)
	DependencyEdges(ctx context.Context) (map[string]string, error)
	SurveysByRootQuestion(ctx context.Context, questionID string) ([]Survey, error)
	SaveSurvey(ctx context.Context, survey Survey) error
	DeleteSurvey(ctx context.Context, id string) error

	GetQuestion(ctx context.Context, id string) (Question, error)
	SaveQuestion(ctx context.Context, question Question) error
	DeleteQuestion(ctx context.Context, id string) error

	GetContainer(ctx context.Context, id string) (Container, error)
	ContainersByQuestion(ctx context.Context, questionID string) ([]Container, error)
	SaveContainer(ctx context.Context, container Container) error
	DeleteContainer(ctx context.Context, id string) error

	GetAnswers(ctx context.Context, ids []string) ([]Answer, error)
	SaveAnswer(ctx context.Context, answer Answer) error
	DeleteAnswers(ctx context.Context, ids []string) error
}
