package store

import (
	"encoding/json"
	"time"
)

type Document struct {
	ID        string
	Title     string
	Doc       json.RawMessage
	UpdatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type NamedVersion struct {
	Name      string
	Hash      string
	CreatedBy string
	CreatedAt time.Time
}

// CommentHit is a comment matched by full-text search.
type CommentHit struct {
	DocumentID string
	ThreadID   string
	CommentID  string
	Snippet    string
	Rank       float64
}
