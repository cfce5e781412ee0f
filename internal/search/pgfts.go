package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS searches root comments with PostgreSQL full-text search as the
// fallback when Meilisearch is absent or unhealthy.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

var pgOrderColumns = map[string]string{
	"created_at": "c.created_at",
	"username":   "u.username",
	"email":      "u.email",
}

func pgOrderBy(token string) string {
	ordering, ok := ParseOrdering(token)
	if !ok || ordering.Field == "" {
		return "rank DESC"
	}
	direction := "ASC"
	if ordering.Desc {
		direction = "DESC"
	}
	return pgOrderColumns[ordering.Field] + " " + direction
}

// Search matches root comments whose text satisfies the tsquery or whose
// author's name or email contains the term.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := `c.reply_to IS NULL AND (
		c.fts @@ plainto_tsquery('english', $1)
		OR u.username ILIKE '%' || $1 || '%'
		OR u.email ILIKE '%' || $1 || '%'
	)`

	var total int
	countSQL := fmt.Sprintf(`
		SELECT count(*)
		FROM comments c
		JOIN users u ON u.id = c.user_id
		WHERE %s`, where)
	if err := p.db.QueryRowContext(ctx, countSQL, q.Text).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT c.id, c.text,
			ts_headline('english', c.text, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			u.username, u.email, c.created_at,
			ts_rank(c.fts, plainto_tsquery('english', $1)) AS rank
		FROM comments c
		JOIN users u ON u.id = c.user_id
		WHERE %s
		ORDER BY %s
		LIMIT %d OFFSET %d`, where, pgOrderBy(q.Ordering), limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, q.Text)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var rank float64
		if err := rows.Scan(&r.ID, &r.Text, &r.Snippet, &r.Username, &r.Email, &r.CreatedAt, &rank); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("pgfts iterate: %w", err)
	}
	return results, total, nil
}

// LoadAllRecords returns every root comment for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]CommentRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT c.id, c.text, u.username, u.email, c.created_at
		FROM comments c
		JOIN users u ON u.id = c.user_id
		WHERE c.reply_to IS NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("load root comments: %w", err)
	}
	defer rows.Close()

	records := make([]CommentRecord, 0)
	for rows.Next() {
		var rec CommentRecord
		var createdAt sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Text, &rec.Username, &rec.Email, &createdAt); err != nil {
			return nil, fmt.Errorf("scan root comment: %w", err)
		}
		if createdAt.Valid {
			rec.CreatedAt = createdAt.Time.Unix()
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate root comments: %w", err)
	}
	return records, nil
}
