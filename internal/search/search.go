package search

import (
	"context"
	"fmt"
	"strings"

	"marginalia/api/internal/comments"
)

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultDocument ResultType = "document"
	ResultComment  ResultType = "comment"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
	DocumentID string     `json:"documentId"`
	ThreadID   string     `json:"threadId,omitempty"`
	Resolved   bool       `json:"resolved,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	DocumentID string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexDocument(doc DocumentRecord) error
	IndexComments(records []CommentRecord) error
	DeleteComments(ids []string) error
	DeleteDocument(id string) error
}

// Backend is an index that can be both written and queried.
type Backend interface {
	Searcher
	Indexer
}

type DocumentRecord struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// CommentRecord is one live comment together with the text its thread covers.
type CommentRecord struct {
	ID         string `json:"id"`
	CommentID  string `json:"commentId"`
	ThreadID   string `json:"threadId"`
	DocumentID string `json:"documentId"`
	Content    string `json:"content"`
	Quote      string `json:"quote"`
	UserID     string `json:"userId"`
	Resolved   bool   `json:"resolved"`
}

// RecordID is the index key of a comment; it must be unique across documents.
func RecordID(documentID, commentID string) string {
	return fmt.Sprintf("%s_%s", sanitizeKey(documentID), sanitizeKey(commentID))
}

// CommentRecords flattens a thread into index records, skipping soft deleted
// comments. quote is the annotated text.
func CommentRecords(documentID string, thread comments.Thread, quote string) []CommentRecord {
	records := make([]CommentRecord, 0, len(thread.Comments))
	for _, c := range thread.ActiveComments() {
		records = append(records, CommentRecord{
			ID:         RecordID(documentID, c.ID),
			CommentID:  c.ID,
			ThreadID:   thread.ID,
			DocumentID: documentID,
			Content:    c.Content,
			Quote:      quote,
			UserID:     c.UserID,
			Resolved:   thread.Resolved(),
		})
	}
	return records
}

func sanitizeKey(input string) string {
	var b strings.Builder
	for _, r := range input {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
