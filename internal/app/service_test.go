package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"marginalia/api/internal/comments"
	"marginalia/api/internal/config"
	"marginalia/api/internal/gitrepo"
	"marginalia/api/internal/search"
	"marginalia/api/internal/store"
)

const testSecret = "test-secret"

type fakeStore struct {
	mu        sync.Mutex
	documents map[string]store.Document
	threads   map[string][]comments.Thread
	versions  map[string][]store.NamedVersion

	pingFn         func(context.Context) error
	saveDocumentFn func(context.Context, store.Document) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		documents: map[string]store.Document{},
		threads:   map[string][]comments.Thread{},
		versions:  map[string][]store.NamedVersion{},
	}
}

func (f *fakeStore) ListDocuments(context.Context) ([]store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Document, 0, len(f.documents))
	for _, doc := range f.documents {
		items = append(items, doc)
	}
	return items, nil
}

func (f *fakeStore) GetDocument(_ context.Context, documentID string) (store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.documents[documentID]
	if !ok {
		return store.Document{}, store.ErrDocumentNotFound
	}
	return doc, nil
}

func (f *fakeStore) SaveDocument(ctx context.Context, item store.Document) error {
	if f.saveDocumentFn != nil {
		if err := f.saveDocumentFn(ctx, item); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	item.UpdatedAt = time.Now().UTC()
	if existing, ok := f.documents[item.ID]; ok {
		item.CreatedAt = existing.CreatedAt
	} else {
		item.CreatedAt = item.UpdatedAt
	}
	f.documents[item.ID] = item
	return nil
}

func (f *fakeStore) ReplaceThreads(_ context.Context, documentID string, threads []comments.Thread) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads[documentID] = threads
	return nil
}

func (f *fakeStore) LoadThreads(_ context.Context, documentID string) ([]comments.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]comments.Thread(nil), f.threads[documentID]...), nil
}

func (f *fakeStore) InsertNamedVersion(_ context.Context, documentID, name, hash, createdBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[documentID] = append(f.versions[documentID], store.NamedVersion{
		Name:      name,
		Hash:      hash,
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (f *fakeStore) ListNamedVersions(_ context.Context, documentID string) ([]store.NamedVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.NamedVersion(nil), f.versions[documentID]...), nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) storedThreads(documentID string) []comments.Thread {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.threads[documentID]
}

type fakeSearch struct {
	mu        sync.Mutex
	documents []search.DocumentRecord
	records   []search.CommentRecord
	stale     []string
	searchFn  func(context.Context, search.Query) search.Response
}

func (f *fakeSearch) Search(ctx context.Context, q search.Query) search.Response {
	if f.searchFn != nil {
		return f.searchFn(ctx, q)
	}
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func (f *fakeSearch) IndexDocument(doc search.DocumentRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.documents = append(f.documents, doc)
}

func (f *fakeSearch) ReplaceComments(records []search.CommentRecord, stale []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = records
	f.stale = stale
}

type testEnv struct {
	svc    *Service
	server *HTTPServer
	store  *fakeStore
	search *fakeSearch
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, config.Config{})
}

func newTestEnvWithConfig(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()
	if cfg.TokenSecret == "" {
		cfg.TokenSecret = testSecret
	}
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = time.Hour
	}
	if cfg.SyncDelay == 0 {
		cfg.SyncDelay = time.Hour
	}
	if cfg.HistoryDepth == 0 {
		cfg.HistoryDepth = 50
	}
	fs := newFakeStore()
	fsearch := &fakeSearch{}
	svc := New(cfg, Deps{
		Store:  fs,
		Git:    gitrepo.New(t.TempDir()),
		Search: fsearch,
		Logger: zaptest.NewLogger(t),
	})
	t.Cleanup(svc.Close)
	return &testEnv{svc: svc, server: NewHTTPServer(svc, "*"), store: fs, search: fsearch}
}

func (e *testEnv) token(t *testing.T, name, role string) string {
	t.Helper()
	session, err := e.svc.Login(context.Background(), name, "", role)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	return session.Token
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Header().Get("Content-Type") == "application/json" && rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
		}
	}
	return rr, payload
}

func (e *testEnv) mustDo(t *testing.T, method, path, token, body string, want int) map[string]any {
	t.Helper()
	rr, payload := e.do(t, method, path, token, body)
	if rr.Code != want {
		t.Fatalf("%s %s: expected status %d, got %d body=%s", method, path, want, rr.Code, rr.Body.String())
	}
	return payload
}

// createDocument makes a one-paragraph document through the API.
func (e *testEnv) createDocument(t *testing.T, token, id, text string) {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"id": id, "title": "Doc " + id, "text": text})
	e.mustDo(t, http.MethodPost, "/api/documents", token, string(body), http.StatusCreated)
}

func threadIDs(t *testing.T, payload map[string]any) []string {
	t.Helper()
	list, _ := payload["threads"].([]any)
	ids := make([]string, 0, len(list))
	for _, item := range list {
		thread, _ := item.(map[string]any)
		id, _ := thread["id"].(string)
		ids = append(ids, id)
	}
	return ids
}

func TestBuildNamedVersionTagName(t *testing.T) {
	tests := []struct {
		label string
		hash  string
		want  string
	}{
		{label: "Release 1", hash: "ABCDEF0123456789", want: "nv-release-1-abcdef012345"},
		{label: "  ***  ", hash: "abc", want: "nv-version-abc"},
		{label: "Draft", hash: "", want: "nv-draft-head"},
	}
	for _, tc := range tests {
		if got := buildNamedVersionTagName(tc.label, tc.hash); got != tc.want {
			t.Errorf("buildNamedVersionTagName(%q, %q) = %q, want %q", tc.label, tc.hash, got, tc.want)
		}
	}
}

func TestBootstrapSeedsWelcomeDocumentOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.svc.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if err := env.svc.Bootstrap(ctx); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}

	docs, _ := env.store.ListDocuments(ctx)
	if len(docs) != 1 || docs[0].ID != "welcome" {
		t.Fatalf("expected exactly the welcome document, got %+v", docs)
	}
	threads := env.store.storedThreads("welcome")
	if len(threads) != 1 || threads[0].ID != "thread_welcome" || len(threads[0].Comments) != 1 {
		t.Fatalf("expected the seeded thread with one comment, got %+v", threads)
	}
	if threads[0].Anchor == nil || *threads[0].Anchor != (comments.Range{From: 0, To: 18}) {
		t.Fatalf("expected seeded anchor 0..18, got %+v", threads[0].Anchor)
	}
}

func TestWorkspaceRestoresPersistedThreads(t *testing.T) {
	env := newTestEnv(t)
	env.store.documents["doc-1"] = store.Document{
		ID:    "doc-1",
		Title: "Persisted",
		Doc: json.RawMessage(`{"type":"doc","content":[{"type":"paragraph","content":[
			{"type":"text","text":"Hello","marks":[{"type":"commentMark","attrs":{"threadId":"t1","class":"comment-thread"}}]},
			{"type":"text","text":" world"}]}]}`),
	}
	env.store.threads["doc-1"] = []comments.Thread{
		{ID: "t1", CreatedAt: time.Now().Add(-time.Minute), Comments: []comments.Comment{{ID: "c1", ThreadID: "t1", Content: "kept", UserID: "u1"}}},
		{ID: "ghost", CreatedAt: time.Now(), Comments: []comments.Comment{}},
	}

	payload, err := env.svc.GetDocument(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	views, _ := payload["threads"].([]threadView)
	if len(views) != 2 || views[0].ID != "t1" || len(views[0].Ranges) != 1 || views[0].Quote != "Hello" {
		t.Fatalf("expected t1 anchored over Hello, got %+v", views)
	}
	if len(views[1].Ranges) != 0 {
		t.Fatalf("expected ghost to have no live range, got %+v", views[1].Ranges)
	}

	result, err := env.svc.Synchronize(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("synchronize: %v", err)
	}
	if result["changed"] != true {
		t.Fatalf("expected the ghost thread to be collected, got %+v", result)
	}
}

func TestGetMissingDocumentIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.GetDocument(context.Background(), "missing")
	status, code, _, _ := mapError(err)
	if status != http.StatusNotFound || code != "NOT_FOUND" {
		t.Fatalf("expected 404 NOT_FOUND, got %d %s (%v)", status, code, err)
	}
}

func TestCloseDocumentDropsSession(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "Avery", "admin")
	env.createDocument(t, token, "doc-1", "Hello world")

	if !env.svc.CloseDocument("doc-1") {
		t.Fatalf("expected open session to be closed")
	}
	if env.svc.CloseDocument("doc-1") {
		t.Fatalf("expected second close to report nothing open")
	}
	if _, err := env.svc.GetDocument(context.Background(), "doc-1"); err != nil {
		t.Fatalf("expected document to reopen from the store: %v", err)
	}
}
