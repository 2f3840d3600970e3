package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// currentTreeCTE selects the current version of every family and every
// question reachable from it through containers.
const currentTreeCTE = `
	WITH RECURSIVE current AS (
		SELECT DISTINCT ON (name_id)
			id, name_id, version, title, description, release_status, question_ids, fts
		FROM surveys
		ORDER BY name_id, version DESC
	), tree(survey_id, question_id) AS (
		SELECT c.id, root.question_id
		FROM current c
		CROSS JOIN LATERAL unnest(c.question_ids) AS root(question_id)
		UNION
		SELECT t.survey_id, child.question_id
		FROM tree t
		JOIN containers ct ON ct.parent_question_id = t.question_id
		CROSS JOIN LATERAL unnest(ct.question_ids) AS child(question_id)
	)`

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Search matches the current version of each family on its own text or on
// the text of any question in its tree.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := normalizeLimit(q.Limit)
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	where := fmt.Sprintf(`(c.fts @@ %[1]s OR EXISTS (
			SELECT 1 FROM tree t JOIN questions qu ON qu.id = t.question_id
			WHERE t.survey_id = c.id AND qu.fts @@ %[1]s
		))`, tsQuery)
	if q.ReleaseStatus != "" {
		where += " AND c.release_status = $2"
		args = append(args, q.ReleaseStatus)
	}

	countSQL := currentTreeCTE + `
		SELECT count(*) FROM current c WHERE ` + where

	dataSQL := currentTreeCTE + fmt.Sprintf(`
		SELECT c.id, c.name_id, c.version, c.title,
			ts_headline('english', coalesce(c.description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
			c.release_status
		FROM current c
		WHERE %s
		ORDER BY ts_rank(c.fts, %s) DESC, c.name_id
		LIMIT %d OFFSET %d`, tsQuery, where, tsQuery, limit, offset)

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.NameID, &r.Version, &r.Title, &r.Snippet, &r.ReleaseStatus); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns the record of every family for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]SurveyRecord, error) {
	rows, err := p.db.QueryContext(ctx, currentTreeCTE+`
		SELECT c.id, c.name_id, c.version, c.title, c.description, c.release_status,
			coalesce(array_agg(qu.text ORDER BY qu.ranking) FILTER (WHERE qu.id IS NOT NULL), '{}')::text
		FROM current c
		LEFT JOIN tree t ON t.survey_id = c.id
		LEFT JOIN questions qu ON qu.id = t.question_id
		GROUP BY c.id, c.name_id, c.version, c.title, c.description, c.release_status
	`)
	if err != nil {
		return nil, fmt.Errorf("load surveys: %w", err)
	}
	defer rows.Close()

	records := make([]SurveyRecord, 0)
	for rows.Next() {
		var (
			r         SurveyRecord
			questions pq.StringArray
		)
		if err := rows.Scan(&r.ID, &r.NameID, &r.Version, &r.Title, &r.Description, &r.ReleaseStatus, &questions); err != nil {
			return nil, fmt.Errorf("scan survey record: %w", err)
		}
		r.Questions = []string(questions)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate survey records: %w", err)
	}
	return records, nil
}
