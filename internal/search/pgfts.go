package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS searches the persisted comment snapshots with PostgreSQL full-text
// search. It only sees what the last save wrote.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return p.db != nil
}

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

	tsQuery := "plainto_tsquery('simple', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultDocument {
		docWhere := "d.title ILIKE '%' || $1 || '%'"
		if q.DocumentID != "" {
			docWhere += fmt.Sprintf(" AND d.id = $%d", argN)
			args = append(args, q.DocumentID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'document'::text AS type, d.id, d.title, ''::text AS snippet,
				d.id AS document_id, ''::text AS thread_id, false AS resolved,
				1.0::real AS rank
			FROM documents d
			WHERE %s`, docWhere))
	}

	if q.FilterType == "" || q.FilterType == ResultComment {
		commentWhere := "c.deleted_at IS NULL AND c.content_tsv @@ " + tsQuery
		if q.DocumentID != "" {
			commentWhere += fmt.Sprintf(" AND c.document_id = $%d", argN)
			args = append(args, q.DocumentID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'comment'::text AS type, c.id, d.title,
				ts_headline('simple', c.content, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				c.document_id, c.thread_id, (t.resolved_at IS NOT NULL) AS resolved,
				ts_rank(c.content_tsv, %s) AS rank
			FROM comments c
			JOIN comment_threads t ON t.document_id = c.document_id AND t.id = c.thread_id
			JOIN documents d ON d.id = c.document_id
			WHERE %s`, tsQuery, tsQuery, commentWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	union := strings.Join(subQueries, " UNION ALL ")
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, document_id, thread_id, resolved
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, union, limit, offset)

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
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.DocumentID, &r.ThreadID, &r.Resolved); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every persisted document and live comment for a
// full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DocumentRecord, []CommentRecord, error) {
	docRows, err := p.db.QueryContext(ctx, `SELECT id, title FROM documents`)
	if err != nil {
		return nil, nil, fmt.Errorf("load documents: %w", err)
	}
	defer docRows.Close()

	documents := make([]DocumentRecord, 0)
	for docRows.Next() {
		var d DocumentRecord
		if err := docRows.Scan(&d.ID, &d.Title); err != nil {
			return nil, nil, fmt.Errorf("scan document: %w", err)
		}
		documents = append(documents, d)
	}
	if err := docRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate documents: %w", err)
	}

	commentRows, err := p.db.QueryContext(ctx, `
		SELECT c.id, c.thread_id, c.document_id, c.content, c.user_id, (t.resolved_at IS NOT NULL)
		FROM comments c
		JOIN comment_threads t ON t.document_id = c.document_id AND t.id = c.thread_id
		WHERE c.deleted_at IS NULL
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load comments: %w", err)
	}
	defer commentRows.Close()

	records := make([]CommentRecord, 0)
	for commentRows.Next() {
		var r CommentRecord
		if err := commentRows.Scan(&r.CommentID, &r.ThreadID, &r.DocumentID, &r.Content, &r.UserID, &r.Resolved); err != nil {
			return nil, nil, fmt.Errorf("scan comment: %w", err)
		}
		r.ID = RecordID(r.DocumentID, r.CommentID)
		records = append(records, r)
	}
	if err := commentRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate comments: %w", err)
	}
	return documents, records, nil
}
