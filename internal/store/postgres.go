package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"marginalia/api/internal/comments"
)

var ErrDocumentNotFound = errors.New("document not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, updated_by_name, created_at, updated_at
		FROM documents
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		var item Document
		if err := rows.Scan(&item.ID, &item.Title, &item.UpdatedBy, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var item Document
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, doc_json, updated_by_name, created_at, updated_at
		FROM documents
		WHERE id=$1
	`, documentID).Scan(&item.ID, &item.Title, &raw, &item.UpdatedBy, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrDocumentNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	item.Doc = json.RawMessage(raw)
	return item, nil
}

// SaveDocument inserts the document or replaces its title and body.
func (s *PostgresStore) SaveDocument(ctx context.Context, item Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, doc_json, updated_by_name)
		VALUES ($1, $2, $3::jsonb, $4)
		ON CONFLICT (id) DO UPDATE
		SET title=EXCLUDED.title, doc_json=EXCLUDED.doc_json, updated_by_name=EXCLUDED.updated_by_name, updated_at=NOW()
	`, item.ID, item.Title, string(item.Doc), item.UpdatedBy)
	if err != nil {
		return fmt.Errorf("save document: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete document rows: %w", err)
	}
	if affected == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

// ReplaceThreads stores threads as the complete thread set of the document.
func (s *PostgresStore) ReplaceThreads(ctx context.Context, documentID string, threads []comments.Thread) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace threads: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM comment_threads WHERE document_id=$1`, documentID); err != nil {
		return fmt.Errorf("clear threads: %w", err)
	}

	for _, thread := range threads {
		data, err := marshalData(thread.Data)
		if err != nil {
			return fmt.Errorf("encode thread %s data: %w", thread.ID, err)
		}
		var from, to sql.NullInt64
		if thread.Anchor != nil {
			from = sql.NullInt64{Int64: int64(thread.Anchor.From), Valid: true}
			to = sql.NullInt64{Int64: int64(thread.Anchor.To), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO comment_threads (id, document_id, anchor_from, anchor_to, data_json, resolved_at, resolved_by, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5::jsonb, $6, NULLIF($7, ''), $8, NOW())
		`, thread.ID, documentID, from, to, data, thread.ResolvedAt, thread.ResolvedBy, thread.CreatedAt); err != nil {
			return fmt.Errorf("insert thread %s: %w", thread.ID, err)
		}

		for _, comment := range thread.Comments {
			data, err := marshalData(comment.Data)
			if err != nil {
				return fmt.Errorf("encode comment %s data: %w", comment.ID, err)
			}
			updatedAt := comment.CreatedAt
			if comment.UpdatedAt != nil {
				updatedAt = *comment.UpdatedAt
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO comments (id, document_id, thread_id, content, user_id, data_json, created_at, updated_at, deleted_at)
				VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9)
			`, comment.ID, documentID, thread.ID, comment.Content, comment.UserID, data, comment.CreatedAt, updatedAt, comment.DeletedAt); err != nil {
				return fmt.Errorf("insert comment %s: %w", comment.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace threads: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadThreads(ctx context.Context, documentID string) ([]comments.Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, anchor_from, anchor_to, data_json, resolved_at, COALESCE(resolved_by, ''), created_at
		FROM comment_threads
		WHERE document_id=$1
		ORDER BY created_at ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	threads := make([]comments.Thread, 0)
	index := map[string]int{}
	for rows.Next() {
		var (
			item     comments.Thread
			from, to sql.NullInt64
			data     []byte
			resolved sql.NullTime
		)
		if err := rows.Scan(&item.ID, &from, &to, &data, &resolved, &item.ResolvedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		if from.Valid && to.Valid {
			item.Anchor = &comments.Range{From: int(from.Int64), To: int(to.Int64)}
		}
		if resolved.Valid {
			at := resolved.Time
			item.ResolvedAt = &at
		}
		if item.Data, err = unmarshalData(data); err != nil {
			return nil, fmt.Errorf("decode thread %s data: %w", item.ID, err)
		}
		item.Comments = []comments.Comment{}
		index[item.ID] = len(threads)
		threads = append(threads, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}

	commentRows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, content, user_id, data_json, created_at, updated_at, deleted_at
		FROM comments
		WHERE document_id=$1
		ORDER BY created_at ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer commentRows.Close()

	for commentRows.Next() {
		var (
			item      comments.Comment
			data      []byte
			updatedAt time.Time
			deleted   sql.NullTime
		)
		if err := commentRows.Scan(&item.ID, &item.ThreadID, &item.Content, &item.UserID, &data, &item.CreatedAt, &updatedAt, &deleted); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		if !updatedAt.Equal(item.CreatedAt) {
			item.UpdatedAt = &updatedAt
		}
		if deleted.Valid {
			at := deleted.Time
			item.DeletedAt = &at
		}
		if item.Data, err = unmarshalData(data); err != nil {
			return nil, fmt.Errorf("decode comment %s data: %w", item.ID, err)
		}
		if idx, ok := index[item.ThreadID]; ok {
			threads[idx].Comments = append(threads[idx].Comments, item)
		}
	}
	if err := commentRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return threads, nil
}

func (s *PostgresStore) InsertNamedVersion(ctx context.Context, documentID, name, hash, createdBy string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO named_versions (document_id, version_name, commit_hash, created_by_name)
		VALUES ($1, $2, $3, $4)
	`, documentID, name, hash, createdBy)
	if err != nil {
		return fmt.Errorf("insert named version: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNamedVersions(ctx context.Context, documentID string) ([]NamedVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version_name, commit_hash, created_by_name, created_at
		FROM named_versions
		WHERE document_id=$1
		ORDER BY created_at DESC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list named versions: %w", err)
	}
	defer rows.Close()

	items := make([]NamedVersion, 0)
	for rows.Next() {
		var item NamedVersion
		if err := rows.Scan(&item.Name, &item.Hash, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan named version: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate named versions: %w", err)
	}
	return items, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func marshalData(data map[string]any) (string, error) {
	if len(data) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func unmarshalData(raw []byte) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "{}" {
		return nil, nil
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}
