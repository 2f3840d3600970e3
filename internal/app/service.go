package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"surveyhub/api/internal/archive"
	"surveyhub/api/internal/metrics"
	"surveyhub/api/internal/search"
	"surveyhub/api/internal/store"
)

type dataStore interface {
	WithinTx(ctx context.Context, fn func(context.Context, store.Tx) error) error
	Ping(ctx context.Context) error
}

type scheduler interface {
	NextPeriodStart(survey store.Survey, now time.Time) (time.Time, error)
}

type overviewCache interface {
	Load(ctx context.Context) ([]byte, bool, error)
	Generation(ctx context.Context) (int64, error)
	Store(ctx context.Context, gen int64, payload []byte) (bool, error)
	Invalidate(ctx context.Context) error
}

type searchIndex interface {
	IndexSurvey(record search.SurveyRecord)
	DeleteSurvey(nameID string)
	Search(ctx context.Context, q search.Query) search.Response
}

type archiver interface {
	Archive(ctx context.Context, release archive.Release) error
	Versions(ctx context.Context, nameID string) ([]int, error)
	Snapshot(ctx context.Context, nameID string, version int) ([]byte, error)
}

type Service struct {
	store     dataStore
	scheduler scheduler
	cache     overviewCache
	search    searchIndex
	archive   archiver
	metrics   *metrics.Engine
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithScheduler(sched scheduler) Option {
	return func(s *Service) { s.scheduler = sched }
}

func WithOverviewCache(cache overviewCache) Option {
	return func(s *Service) { s.cache = cache }
}

func WithSearch(index searchIndex) Option {
	return func(s *Service) { s.search = index }
}

func WithArchiver(a archiver) Option {
	return func(s *Service) { s.archive = a }
}

func WithMetrics(engine *metrics.Engine) Option {
	return func(s *Service) { s.metrics = engine }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(dataStore dataStore, opts ...Option) *Service {
	s := &Service{
		store:  dataStore,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping checks the health of service dependencies.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// unitOfWork is handed to every mutating operation. It records which
// families need their derived views refreshed once the transaction commits.
type unitOfWork struct {
	tx       store.Tx
	touched  map[string]string // nameId -> survey id to reindex
	deleted  map[string]struct{}
	released []string
	copied   map[string]int
}

func (u *unitOfWork) touch(survey store.Survey) {
	u.touched[survey.NameID] = survey.ID
	delete(u.deleted, survey.NameID)
}

func (u *unitOfWork) countCopied(kind string, n int) {
	u.copied[kind] += n
}

// mutate runs fn in one transaction and publishes side effects after commit.
// Side-effect failures are logged and never reported to the caller.
func (s *Service) mutate(ctx context.Context, op string, fn func(ctx context.Context, u *unitOfWork) error) error {
	started := s.now()
	var u *unitOfWork
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		// The store may re-run a transaction that lost a conflict.
		u = &unitOfWork{
			tx:      tx,
			touched: make(map[string]string),
			deleted: make(map[string]struct{}),
			copied:  make(map[string]int),
		}
		return fn(ctx, u)
	})
	switch {
	case errors.Is(err, store.ErrUniqueViolation):
		err = conflictError(codeEditVersionExists, "another draft of this survey already exists", nil)
	case errors.Is(err, store.ErrConcurrentUpdate):
		err = conflictError(codeConcurrentUpdate, "the survey was changed concurrently; retry the operation", nil)
	}
	s.metrics.ObserveOperation(op, outcomeOf(err), s.now().Sub(started))
	if err != nil {
		if IsInternal(err) {
			s.logger.ErrorContext(ctx, "engine: internal consistency error", "op", op, "error", err)
		}
		return err
	}

	for kind, n := range u.copied {
		s.metrics.AddCopied(kind, n)
	}
	s.publish(ctx, u)
	return nil
}

func outcomeOf(err error) string {
	var domainErr *DomainError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, sql.ErrNoRows):
		return "not_found"
	case errors.As(err, &domainErr):
		switch {
		case domainErr.Code == codeInternal:
			return "internal"
		case domainErr.Code == codeValidation:
			return "validation"
		default:
			return "conflict"
		}
	}
	return "error"
}

func (s *Service) publish(ctx context.Context, u *unitOfWork) {
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx); err != nil {
			s.logger.WarnContext(ctx, "cache: invalidate overview", "error", err)
		}
	}

	for nameID := range u.deleted {
		if s.search != nil {
			s.search.DeleteSurvey(nameID)
		}
	}

	documents := make(map[string]SurveyDocument, len(u.touched))
	if s.search != nil || (s.archive != nil && len(u.released) > 0) {
		err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			for _, id := range u.touched {
				doc, err := buildDocument(ctx, tx, id)
				if err != nil {
					return err
				}
				documents[id] = doc
			}
			for _, id := range u.released {
				if _, ok := documents[id]; ok {
					continue
				}
				doc, err := buildDocument(ctx, tx, id)
				if err != nil {
					return err
				}
				documents[id] = doc
			}
			return nil
		})
		if err != nil {
			s.logger.ErrorContext(ctx, "engine: load documents after commit", "error", err)
			return
		}
	}

	if s.search != nil {
		for _, id := range u.touched {
			s.search.IndexSurvey(searchRecord(documents[id]))
		}
	}

	for _, id := range u.released {
		s.metrics.IncReleases()
		if s.archive == nil {
			continue
		}
		doc := documents[id]
		payload, err := json.Marshal(doc)
		if err != nil {
			s.logger.ErrorContext(ctx, "archive: encode release", "surveyId", id, "error", err)
			continue
		}
		release := archive.Release{
			SurveyID:   doc.ID,
			NameID:     doc.NameID,
			Version:    doc.Version,
			Title:      doc.Title,
			ReleasedAt: doc.UpdatedAt,
			Document:   payload,
		}
		if err := s.archive.Archive(ctx, release); err != nil {
			s.logger.ErrorContext(ctx, "archive: store release", "nameId", doc.NameID, "version", doc.Version, "error", err)
			continue
		}
		s.logger.InfoContext(ctx, "archive: release stored", "nameId", doc.NameID, "version", doc.Version)
	}
}

// read runs fn in a transaction that is never expected to write.
func (s *Service) read(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return s.store.WithinTx(ctx, fn)
}
