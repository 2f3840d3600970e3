package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: sqlx.NewDb(db, "pgx")}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db.DB
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// maxTxAttempts bounds how often a transaction is re-run after losing a
// serialization conflict.
const maxTxAttempts = 3

// WithinTx runs fn in a single serializable transaction and commits only when
// fn returns nil. Two edits of the same draft that read and rewrite its lists
// cannot both commit; the loser is re-run against the winner's state, so fn
// must not keep state across calls.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if !errors.Is(err, ErrConcurrentUpdate) {
			return err
		}
		if attempt < maxTxAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt*attempt) * 10 * time.Millisecond):
			}
		}
	}
	return err
}

func (s *PostgresStore) runTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return translateError(err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", translateError(err))
	}
	return nil
}

type pgTx struct {
	tx *sqlx.Tx
}

type surveyRow struct {
	ID            string         `db:"id"`
	NameID        string         `db:"name_id"`
	Version       int            `db:"version"`
	Title         string         `db:"title"`
	Description   string         `db:"description"`
	DependsOn     sql.NullString `db:"depends_on"`
	IntervalType  string         `db:"interval_type"`
	IntervalValue int            `db:"interval_value"`
	IntervalStart sql.NullTime   `db:"interval_start"`
	ReminderType  string         `db:"reminder_type"`
	ReminderValue int            `db:"reminder_value"`
	ReleaseStatus string         `db:"release_status"`
	QuestionIDs   pq.StringArray `db:"question_ids"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

const surveyColumns = `id, name_id, version, title, description, depends_on,
	interval_type, interval_value, interval_start, reminder_type, reminder_value,
	release_status, question_ids::text AS question_ids, created_at, updated_at`

func (r surveyRow) toModel() Survey {
	survey := Survey{
		ID:            r.ID,
		NameID:        r.NameID,
		Version:       r.Version,
		Title:         r.Title,
		Description:   r.Description,
		DependsOn:     r.DependsOn.String,
		IntervalType:  IntervalType(r.IntervalType),
		IntervalValue: r.IntervalValue,
		ReminderType:  ReminderType(r.ReminderType),
		ReminderValue: r.ReminderValue,
		ReleaseStatus: ReleaseStatus(r.ReleaseStatus),
		QuestionIDs:   []string(r.QuestionIDs),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.IntervalStart.Valid {
		start := r.IntervalStart.Time
		survey.IntervalStart = &start
	}
	return survey
}

func surveyRowFrom(s Survey) surveyRow {
	row := surveyRow{
		ID:            s.ID,
		NameID:        s.NameID,
		Version:       s.Version,
		Title:         s.Title,
		Description:   s.Description,
		DependsOn:     sql.NullString{String: s.DependsOn, Valid: s.DependsOn != ""},
		IntervalType:  string(s.IntervalType),
		IntervalValue: s.IntervalValue,
		ReminderType:  string(s.ReminderType),
		ReminderValue: s.ReminderValue,
		ReleaseStatus: string(s.ReleaseStatus),
		QuestionIDs:   pq.StringArray(nonNilIDs(s.QuestionIDs)),
	}
	if s.IntervalStart != nil {
		row.IntervalStart = sql.NullTime{Time: *s.IntervalStart, Valid: true}
	}
	now := time.Now().UTC()
	row.CreatedAt, row.UpdatedAt = s.CreatedAt, s.UpdatedAt
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = now
	}
	return row
}

func (t *pgTx) getSurvey(ctx context.Context, query string, args ...any) (Survey, error) {
	var row surveyRow
	if err := t.tx.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Survey{}, sql.ErrNoRows
		}
		return Survey{}, fmt.Errorf("load survey: %w", err)
	}
	return row.toModel(), nil
}

func (t *pgTx) selectSurveys(ctx context.Context, query string, args ...any) ([]Survey, error) {
	var rows []surveyRow
	if err := t.tx.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list surveys: %w", err)
	}
	out := make([]Survey, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

func (t *pgTx) GetSurvey(ctx context.Context, id string) (Survey, error) {
	return t.getSurvey(ctx, `SELECT `+surveyColumns+` FROM surveys WHERE id = $1`, id)
}

func (t *pgTx) LatestSurvey(ctx context.Context, nameID string) (Survey, error) {
	return t.getSurvey(ctx, `SELECT `+surveyColumns+` FROM surveys WHERE name_id = $1 ORDER BY version DESC LIMIT 1`, nameID)
}

func (t *pgTx) LatestReleasedSurvey(ctx context.Context, nameID string) (Survey, error) {
	return t.getSurvey(ctx, `SELECT `+surveyColumns+` FROM surveys
		WHERE name_id = $1 AND release_status = 'RELEASED'
		ORDER BY version DESC LIMIT 1`, nameID)
}

func (t *pgTx) NameIDExists(ctx context.Context, nameID string) (bool, error) {
	var exists bool
	if err := t.tx.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM surveys WHERE name_id = $1)`, nameID); err != nil {
		return false, fmt.Errorf("check name id %s: %w", nameID, err)
	}
	return exists, nil
}

func (t *pgTx) HasDependents(ctx context.Context, nameID string) (bool, error) {
	var exists bool
	err := t.tx.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM surveys WHERE depends_on = $1 AND name_id <> $1)`, nameID)
	if err != nil {
		return false, fmt.Errorf("check dependents of %s: %w", nameID, err)
	}
	return exists, nil
}

func (t *pgTx) CurrentSurveys(ctx context.Context) ([]Survey, error) {
	return t.selectSurveys(ctx, `SELECT DISTINCT ON (name_id) `+surveyColumns+` FROM surveys ORDER BY name_id, version DESC`)
}

func (t *pgTx) NameIDs(ctx context.Context) ([]string, error) {
	var names []string
	if err := t.tx.SelectContext(ctx, &names, `SELECT DISTINCT name_id FROM surveys ORDER BY name_id`); err != nil {
		return nil, fmt.Errorf("list name ids: %w", err)
	}
	return names, nil
}

func (t *pgTx) DependencyEdges(ctx context.Context) (map[string]string, error) {
	var rows []struct {
		NameID    string `db:"name_id"`
		DependsOn string `db:"depends_on"`
	}
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT name_id, depends_on FROM (
			SELECT DISTINCT ON (name_id) name_id, depends_on
			FROM surveys
			ORDER BY name_id, version DESC
		) current
		WHERE depends_on IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("list dependency edges: %w", err)
	}
	edges := make(map[string]string, len(rows))
	for _, row := range rows {
		edges[row.NameID] = row.DependsOn
	}
	return edges, nil
}

func (t *pgTx) SurveysByRootQuestion(ctx context.Context, questionID string) ([]Survey, error) {
	return t.selectSurveys(ctx, `SELECT `+surveyColumns+` FROM surveys WHERE $1 = ANY(question_ids) ORDER BY name_id, version`, questionID)
}

func (t *pgTx) SaveSurvey(ctx context.Context, survey Survey) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO surveys (
			id, name_id, version, title, description, depends_on,
			interval_type, interval_value, interval_start, reminder_type, reminder_value,
			release_status, question_ids, created_at, updated_at
		) VALUES (
			:id, :name_id, :version, :title, :description, :depends_on,
			:interval_type, :interval_value, :interval_start, :reminder_type, :reminder_value,
			:release_status, CAST(:question_ids AS TEXT[]), :created_at, :updated_at
		)
		ON CONFLICT (id) DO UPDATE SET
			name_id = EXCLUDED.name_id,
			version = EXCLUDED.version,
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			depends_on = EXCLUDED.depends_on,
			interval_type = EXCLUDED.interval_type,
			interval_value = EXCLUDED.interval_value,
			interval_start = EXCLUDED.interval_start,
			reminder_type = EXCLUDED.reminder_type,
			reminder_value = EXCLUDED.reminder_value,
			release_status = EXCLUDED.release_status,
			question_ids = EXCLUDED.question_ids,
			updated_at = EXCLUDED.updated_at
	`, surveyRowFrom(survey))
	if err != nil {
		return fmt.Errorf("save survey %s: %w", survey.ID, translateError(err))
	}
	return nil
}

func (t *pgTx) DeleteSurvey(ctx context.Context, id string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM surveys WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete survey %s: %w", id, err)
	}
	return nil
}

type questionRow struct {
	ID                string         `db:"id"`
	QuestionType      string         `db:"question_type"`
	Text              string         `db:"text"`
	Ranking           int            `db:"ranking"`
	Optional          bool           `db:"optional"`
	ReleaseStatus     string         `db:"release_status"`
	PreviousVersionID sql.NullString `db:"previous_version_id"`
	Body              string         `db:"body"`
	CreatedAt         time.Time      `db:"created_at"`
}

func (t *pgTx) GetQuestion(ctx context.Context, id string) (Question, error) {
	var row questionRow
	err := t.tx.GetContext(ctx, &row, `
		SELECT id, question_type, text, ranking, optional, release_status,
			previous_version_id, body::text AS body, created_at
		FROM questions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Question{}, sql.ErrNoRows
	}
	if err != nil {
		return Question{}, fmt.Errorf("load question %s: %w", id, err)
	}
	body, err := decodeBody(QuestionType(row.QuestionType), row.Body)
	if err != nil {
		return Question{}, fmt.Errorf("load question %s: %w", id, err)
	}
	return Question{
		ID:                row.ID,
		Text:              row.Text,
		Ranking:           row.Ranking,
		Optional:          row.Optional,
		ReleaseStatus:     ReleaseStatus(row.ReleaseStatus),
		PreviousVersionID: row.PreviousVersionID.String,
		Body:              body,
		CreatedAt:         row.CreatedAt,
	}, nil
}

func (t *pgTx) SaveQuestion(ctx context.Context, question Question) error {
	questionType, body, err := encodeBody(question.Body)
	if err != nil {
		return fmt.Errorf("save question %s: %w", question.ID, err)
	}
	row := questionRow{
		ID:                question.ID,
		QuestionType:      string(questionType),
		Text:              question.Text,
		Ranking:           question.Ranking,
		Optional:          question.Optional,
		ReleaseStatus:     string(question.ReleaseStatus),
		PreviousVersionID: sql.NullString{String: question.PreviousVersionID, Valid: question.PreviousVersionID != ""},
		Body:              body,
	}
	_, err = t.tx.NamedExecContext(ctx, `
		INSERT INTO questions (id, question_type, text, ranking, optional, release_status, previous_version_id, body)
		VALUES (:id, :question_type, :text, :ranking, :optional, :release_status, :previous_version_id, CAST(:body AS JSONB))
		ON CONFLICT (id) DO UPDATE SET
			question_type = EXCLUDED.question_type,
			text = EXCLUDED.text,
			ranking = EXCLUDED.ranking,
			optional = EXCLUDED.optional,
			release_status = EXCLUDED.release_status,
			previous_version_id = EXCLUDED.previous_version_id,
			body = EXCLUDED.body
	`, row)
	if err != nil {
		return fmt.Errorf("save question %s: %w", question.ID, translateError(err))
	}
	return nil
}

func (t *pgTx) DeleteQuestion(ctx context.Context, id string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM questions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete question %s: %w", id, err)
	}
	return nil
}

type containerRow struct {
	ID               string         `db:"id"`
	ContainerType    string         `db:"container_type"`
	ParentQuestionID string         `db:"parent_question_id"`
	QuestionIDs      pq.StringArray `db:"question_ids"`
	Condition        string         `db:"condition"`
	CreatedAt        time.Time      `db:"created_at"`
}

const containerColumns = `id, container_type, parent_question_id, question_ids::text AS question_ids,
	condition::text AS condition, created_at`

func (r containerRow) toModel() (Container, error) {
	condition, err := decodeCondition(QuestionType(r.ContainerType), r.Condition)
	if err != nil {
		return Container{}, fmt.Errorf("load container %s: %w", r.ID, err)
	}
	return Container{
		ID:          r.ID,
		ParentID:    r.ParentQuestionID,
		QuestionIDs: []string(r.QuestionIDs),
		Condition:   condition,
		CreatedAt:   r.CreatedAt,
	}, nil
}

func (t *pgTx) GetContainer(ctx context.Context, id string) (Container, error) {
	var row containerRow
	err := t.tx.GetContext(ctx, &row, `SELECT `+containerColumns+` FROM containers WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Container{}, sql.ErrNoRows
	}
	if err != nil {
		return Container{}, fmt.Errorf("load container %s: %w", id, err)
	}
	return row.toModel()
}

func (t *pgTx) ContainersByQuestion(ctx context.Context, questionID string) ([]Container, error) {
	var rows []containerRow
	err := t.tx.SelectContext(ctx, &rows, `SELECT `+containerColumns+` FROM containers WHERE $1 = ANY(question_ids) ORDER BY id`, questionID)
	if err != nil {
		return nil, fmt.Errorf("list containers of question %s: %w", questionID, err)
	}
	out := make([]Container, 0, len(rows))
	for _, row := range rows {
		container, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, container)
	}
	return out, nil
}

func (t *pgTx) SaveContainer(ctx context.Context, container Container) error {
	containerType, condition, err := encodeCondition(container.Condition)
	if err != nil {
		return fmt.Errorf("save container %s: %w", container.ID, err)
	}
	row := containerRow{
		ID:               container.ID,
		ContainerType:    string(containerType),
		ParentQuestionID: container.ParentID,
		QuestionIDs:      pq.StringArray(nonNilIDs(container.QuestionIDs)),
		Condition:        condition,
	}
	_, err = t.tx.NamedExecContext(ctx, `
		INSERT INTO containers (id, container_type, parent_question_id, question_ids, condition)
		VALUES (:id, :container_type, :parent_question_id, CAST(:question_ids AS TEXT[]), CAST(:condition AS JSONB))
		ON CONFLICT (id) DO UPDATE SET
			container_type = EXCLUDED.container_type,
			parent_question_id = EXCLUDED.parent_question_id,
			question_ids = EXCLUDED.question_ids,
			condition = EXCLUDED.condition
	`, row)
	if err != nil {
		return fmt.Errorf("save container %s: %w", container.ID, translateError(err))
	}
	return nil
}

func (t *pgTx) DeleteContainer(ctx context.Context, id string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM containers WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete container %s: %w", id, err)
	}
	return nil
}

func (t *pgTx) GetAnswers(ctx context.Context, ids []string) ([]Answer, error) {
	if len(ids) == 0 {
		return []Answer{}, nil
	}
	var rows []struct {
		ID        string    `db:"id"`
		Value     string    `db:"value"`
		CreatedAt time.Time `db:"created_at"`
	}
	if err := t.tx.SelectContext(ctx, &rows, `SELECT id, value, created_at FROM answers WHERE id = ANY($1)`, pq.StringArray(ids)); err != nil {
		return nil, fmt.Errorf("load answers: %w", err)
	}
	byID := make(map[string]Answer, len(rows))
	for _, row := range rows {
		byID[row.ID] = Answer{ID: row.ID, Value: row.Value, CreatedAt: row.CreatedAt}
	}
	out := make([]Answer, 0, len(ids))
	for _, id := range ids {
		answer, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("answer %s: %w", id, sql.ErrNoRows)
		}
		out = append(out, answer)
	}
	return out, nil
}

func (t *pgTx) SaveAnswer(ctx context.Context, answer Answer) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO answers (id, value) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET value = EXCLUDED.value
	`, answer.ID, answer.Value)
	if err != nil {
		return fmt.Errorf("save answer %s: %w", answer.ID, err)
	}
	return nil
}

func (t *pgTx) DeleteAnswers(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM answers WHERE id = ANY($1)`, pq.StringArray(ids)); err != nil {
		return fmt.Errorf("delete answers: %w", err)
	}
	return nil
}

// translateError maps unique violations onto ErrUniqueViolation and
// serialization failures onto ErrConcurrentUpdate, keeping the driver error in
// the chain.
func translateError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, ErrUniqueViolation)
	case "40001", "40P01":
		return fmt.Errorf("%s: %w", pgErr.Message, ErrConcurrentUpdate)
	}
	return err
}

func nonNilIDs(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
