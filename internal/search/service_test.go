package search

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap/zaptest"

	"marginalia/api/internal/comments"
)

type fakeBackend struct {
	healthy   bool
	searchErr error
	results   []Result
	indexed   []CommentRecord
	deleted   []string
	documents []string
}

func (f *fakeBackend) Search(context.Context, Query) ([]Result, int, error) {
	if f.searchErr != nil {
		return nil, 0, f.searchErr
	}
	return f.results, len(f.results), nil
}

func (f *fakeBackend) Healthy() bool { return f.healthy }

func (f *fakeBackend) IndexDocument(doc DocumentRecord) error {
	f.documents = append(f.documents, doc.ID)
	return nil
}

func (f *fakeBackend) IndexComments(records []CommentRecord) error {
	f.indexed = append(f.indexed, records...)
	return nil
}

func (f *fakeBackend) DeleteComments(ids []string) error {
	f.deleted = append(f.deleted, ids...)
	return nil
}

func (f *fakeBackend) DeleteDocument(id string) error {
	f.documents = append(f.documents, "-"+id)
	return nil
}

func newSyncService(t *testing.T, primary Backend, fallback Searcher) *Service {
	s := NewService(primary, fallback, zaptest.NewLogger(t))
	s.async = false
	return s
}

func TestSearchFallsBackWhenPrimaryFails(t *testing.T) {
	primary := &fakeBackend{healthy: true, searchErr: errors.New("boom")}
	fallback := &fakeBackend{healthy: true, results: []Result{{Type: ResultComment, ID: "c1"}}}

	resp := newSyncService(t, primary, fallback).Search(context.Background(), Query{Text: "tighten"})
	if resp.Total != 1 || resp.Results[0].ID != "c1" {
		t.Fatalf("expected fallback results, got %+v", resp)
	}
}

func TestSearchWithoutBackendsReturnsEmpty(t *testing.T) {
	resp := newSyncService(t, nil, nil).Search(context.Background(), Query{Text: "x"})
	if resp.Results == nil || len(resp.Results) != 0 {
		t.Fatalf("expected empty non-nil results, got %+v", resp.Results)
	}
}

func TestReplaceCommentsDeletesStaleFirst(t *testing.T) {
	primary := &fakeBackend{healthy: true}
	svc := newSyncService(t, primary, nil)

	svc.ReplaceComments([]CommentRecord{{ID: "doc_c2"}}, []string{"doc_c1"})
	if !reflect.DeepEqual(primary.deleted, []string{"doc_c1"}) || len(primary.indexed) != 1 {
		t.Fatalf("unexpected index writes deleted=%v indexed=%v", primary.deleted, primary.indexed)
	}
}

func TestUnhealthyPrimaryIsSkipped(t *testing.T) {
	primary := &fakeBackend{healthy: false}
	newSyncService(t, primary, nil).IndexDocument(DocumentRecord{ID: "doc"})
	if len(primary.documents) != 0 {
		t.Fatalf("expected no writes to an unhealthy index")
	}
}

func TestCommentRecordsSkipDeleted(t *testing.T) {
	now := time.Now()
	thread := comments.Thread{
		ID:         "t1",
		ResolvedAt: &now,
		Comments: []comments.Comment{
			{ID: "c1", Content: "keep", UserID: "u1"},
			{ID: "c2", Content: "gone", DeletedAt: &now},
		},
	}
	records := CommentRecords("doc 1", thread, "Hello")
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	r := records[0]
	if r.ID != "doc-1_c1" || r.Quote != "Hello" || !r.Resolved || r.ThreadID != "t1" {
		t.Fatalf("unexpected record %+v", r)
	}
}

func TestHitToCommentResult(t *testing.T) {
	hit := meili.Hit{
		"commentId":  json.RawMessage(`"c1"`),
		"threadId":   json.RawMessage(`"t1"`),
		"documentId": json.RawMessage(`"doc"`),
		"content":    json.RawMessage(`"tighten this"`),
		"quote":      json.RawMessage(`"Hello"`),
		"resolved":   json.RawMessage(`true`),
		"_formatted": json.RawMessage(`{"content":"<mark>tighten</mark> this","resolved":"true"}`),
	}
	r := hitToResult(hit, ResultComment)
	want := Result{Type: ResultComment, ID: "c1", ThreadID: "t1", DocumentID: "doc", Title: "Hello", Snippet: "<mark>tighten</mark> this", Resolved: true}
	if r != want {
		t.Fatalf("unexpected result\nwant=%+v\ngot=%+v", want, r)
	}
}
