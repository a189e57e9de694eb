package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"marginalia/api/internal/auth"
	"marginalia/api/internal/comments"
	"marginalia/api/internal/config"
	"marginalia/api/internal/editor"
	"marginalia/api/internal/export"
	"marginalia/api/internal/gitrepo"
	"marginalia/api/internal/metrics"
	"marginalia/api/internal/rbac"
	"marginalia/api/internal/recovery"
	"marginalia/api/internal/search"
	"marginalia/api/internal/store"
	"marginalia/api/internal/util"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Color     string
	Role      rbac.Role
	JTI       string
	ExpiresAt time.Time
}

func (s Session) User() *comments.User {
	return &comments.User{ID: s.UserID, Name: s.UserName, Color: s.Color}
}

type CreateDocumentInput struct {
	ID    string          `json:"id"`
	Title string          `json:"title"`
	Text  string          `json:"text"`
	Doc   json.RawMessage `json:"doc,omitempty"`
}

type dataStore interface {
	ListDocuments(ctx context.Context) ([]store.Document, error)
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	SaveDocument(ctx context.Context, item store.Document) error
	ReplaceThreads(ctx context.Context, documentID string, threads []comments.Thread) error
	LoadThreads(ctx context.Context, documentID string) ([]comments.Thread, error)
	InsertNamedVersion(ctx context.Context, documentID, name, hash, createdBy string) error
	ListNamedVersions(ctx context.Context, documentID string) ([]store.NamedVersion, error)
	Ping(ctx context.Context) error
}

type gitService interface {
	EnsureDocumentRepo(documentID string, initial gitrepo.Content, author string) error
	CommitContent(documentID string, content gitrepo.Content, author, message string) (gitrepo.CommitInfo, bool, error)
	GetHeadContent(documentID string) (gitrepo.Content, gitrepo.CommitInfo, error)
	History(documentID string, limit int) ([]gitrepo.CommitInfo, error)
	CreateTag(documentID, hash, name, tagger string) error
}

type searchService interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexDocument(doc search.DocumentRecord)
	ReplaceComments(records []search.CommentRecord, stale []string)
}

type exporter interface {
	Export(ctx context.Context, req export.Request, doc export.Document) (*export.Result, error)
}

type archiver interface {
	Store(ctx context.Context, documentID string, res *export.Result) (export.Archived, error)
}

// Deps are the collaborators of the service. Search and Archive are optional.
type Deps struct {
	Store    dataStore
	Git      gitService
	Search   searchService
	Export   exporter
	Archive  archiver
	Recovery recovery.Store
	Issuer   *auth.Issuer
	Logger   *zap.Logger
}

type Service struct {
	cfg      config.Config
	store    dataStore
	git      gitService
	search   searchService
	exporter exporter
	archive  archiver
	recovery recovery.Store
	issuer   *auth.Issuer
	logger   *zap.Logger

	mu         sync.Mutex
	workspaces map[string]*Workspace
}

func New(cfg config.Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Export == nil {
		deps.Export = export.NewService(logger)
	}
	if deps.Recovery == nil {
		deps.Recovery = recovery.NewMemoryStore()
	}
	if deps.Issuer == nil {
		deps.Issuer = auth.NewIssuer(cfg.TokenSecret, cfg.TokenTTL)
	}
	return &Service{
		cfg:        cfg,
		store:      deps.Store,
		git:        deps.Git,
		search:     deps.Search,
		exporter:   deps.Export,
		archive:    deps.Archive,
		recovery:   deps.Recovery,
		issuer:     deps.Issuer,
		logger:     logger.Named("app"),
		workspaces: map[string]*Workspace{},
	}
}

// Bootstrap seeds a welcome document with one discussion when the store is empty.
func (s *Service) Bootstrap(ctx context.Context) error {
	documents, err := s.store.ListDocuments(ctx)
	if err != nil {
		return err
	}
	if len(documents) > 0 {
		return nil
	}

	owner := Session{UserID: "user_marginalia", UserName: "Marginalia"}
	if _, err := s.CreateDocument(ctx, owner, CreateDocumentInput{
		ID:    "welcome",
		Title: "Welcome to Marginalia",
		Text:  "Select any passage and press Mod-Shift-c to start a discussion.",
	}); err != nil {
		return err
	}
	if _, err := s.CreateThread(ctx, "welcome", owner, CreateThreadInput{
		ID:      "thread_welcome",
		From:    intPtr(0),
		To:      intPtr(18),
		Content: "Threads follow the text they annotate through edits, undo and redo.",
	}); err != nil {
		return err
	}
	_, err = s.Save(ctx, "welcome", owner, "Seed welcome document")
	return err
}

func (s *Service) Login(ctx context.Context, name, color, role string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}
	granted := rbac.RoleEditor
	if strings.TrimSpace(role) != "" {
		granted = rbac.Normalize(role)
	}
	token, claims, err := s.issuer.Issue(comments.User{Name: userName, Color: color}, granted)
	if err != nil {
		return Session{}, err
	}
	s.logger.Info("session issued", zap.String("user_id", claims.Sub), zap.String("role", claims.Role))
	return sessionFromClaims(token, claims), nil
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	claims, err := s.issuer.Verify(token)
	if err != nil {
		return Session{}, err
	}
	return sessionFromClaims(token, claims), nil
}

func sessionFromClaims(token string, claims auth.Claims) Session {
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		Color:     claims.Color,
		Role:      rbac.Normalize(claims.Role),
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0).UTC(),
	}
}

func (s *Service) Can(role rbac.Role, action rbac.Action) bool {
	return rbac.Can(role, action)
}

// Ping checks the health of service dependencies (database, etc.)
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) ListDocuments(ctx context.Context) ([]map[string]any, error) {
	documents, err := s.store.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]map[string]any, 0, len(documents))
	for _, doc := range documents {
		_, open := s.workspaces[doc.ID]
		items = append(items, map[string]any{
			"id":        doc.ID,
			"title":     doc.Title,
			"updatedBy": doc.UpdatedBy,
			"updatedAt": doc.UpdatedAt,
			"open":      open,
		})
	}
	return items, nil
}

func (s *Service) CreateDocument(ctx context.Context, session Session, input CreateDocumentInput) (map[string]any, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, validationError("title is required")
	}
	id := strings.TrimSpace(input.ID)
	if id == "" {
		id = util.NewID("doc")
	}
	if _, err := s.store.GetDocument(ctx, id); err == nil {
		return nil, domainError(http.StatusConflict, "DOCUMENT_EXISTS", "Document already exists", map[string]any{"documentId": id})
	} else if !errors.Is(err, store.ErrDocumentNotFound) {
		return nil, err
	}

	var doc *editor.Node
	if len(input.Doc) > 0 {
		parsed, err := editor.Parse(input.Doc)
		if err != nil {
			return nil, err
		}
		doc = parsed
	} else if input.Text != "" {
		doc = editor.Doc(editor.Paragraph(editor.Text(input.Text)))
	} else {
		doc = editor.Doc(editor.Paragraph())
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}

	if err := s.store.SaveDocument(ctx, store.Document{ID: id, Title: title, Doc: raw, UpdatedBy: session.UserName}); err != nil {
		return nil, err
	}
	if err := s.git.EnsureDocumentRepo(id, gitrepo.Content{Title: title, Doc: raw, Threads: []comments.Thread{}}, session.UserName); err != nil {
		return nil, err
	}
	if s.search != nil {
		s.search.IndexDocument(search.DocumentRecord{ID: id, Title: title})
	}
	s.logger.Info("document created", zap.String("document_id", id), zap.String("user_id", session.UserID))
	return s.GetDocument(ctx, id)
}

// workspace returns the open session for a document, loading it from the
// store on first use.
func (s *Service) workspace(ctx context.Context, documentID string) (*Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workspaces[documentID]; ok {
		return w, nil
	}

	item, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	doc, err := editor.Parse(item.Doc)
	if err != nil {
		return nil, err
	}
	threads, err := s.store.LoadThreads(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if err := s.git.EnsureDocumentRepo(documentID, gitrepo.Content{Title: item.Title, Doc: item.Doc, Threads: threads}, item.UpdatedBy); err != nil {
		return nil, err
	}

	w, err := openWorkspace(documentID, item.Title, doc, threads, workspaceOptions{
		HistoryDepth:   s.cfg.HistoryDepth,
		SyncDelay:      s.cfg.SyncDelay,
		LegacyWrapping: s.cfg.LegacyWrapping,
		Recovery:       s.recovery,
		Logger:         s.logger,
	})
	if err != nil {
		return nil, err
	}
	w.updatedAt = item.UpdatedAt
	s.workspaces[documentID] = w
	metrics.OpenSessions.Inc()
	s.logger.Info("document opened", zap.String("document_id", documentID), zap.Int("threads", len(threads)))
	return w, nil
}

// withWorkspace runs fn while holding the document's lock.
func (s *Service) withWorkspace(ctx context.Context, documentID string, fn func(w *Workspace) (map[string]any, error)) (map[string]any, error) {
	w, err := s.workspace(ctx, documentID)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return fn(w)
}

func (s *Service) GetDocument(ctx context.Context, documentID string) (map[string]any, error) {
	return s.withWorkspace(ctx, documentID, func(w *Workspace) (map[string]any, error) {
		return w.summary(), nil
	})
}

// CloseDocument drops the in-memory session. Unsaved changes are lost.
func (s *Service) CloseDocument(documentID string) bool {
	s.mu.Lock()
	w, ok := s.workspaces[documentID]
	delete(s.workspaces, documentID)
	s.mu.Unlock()
	if !ok {
		return false
	}
	w.close()
	metrics.OpenSessions.Dec()
	s.logger.Info("document closed", zap.String("document_id", documentID))
	return true
}

// Close releases every open session.
func (s *Service) Close() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.workspaces))
	for id := range s.workspaces {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.CloseDocument(id)
	}
}

// Save synchronizes the document, then persists the document and its
// threads, records a snapshot and refreshes the search index.
func (s *Service) Save(ctx context.Context, documentID string, session Session, message string) (map[string]any, error) {
	return s.withWorkspace(ctx, documentID, func(w *Workspace) (map[string]any, error) {
		syncResult := w.sync.Synchronize()
		raw, err := w.docJSON()
		if err != nil {
			return nil, err
		}
		threads := w.provider.Threads()

		if err := s.store.SaveDocument(ctx, store.Document{ID: w.id, Title: w.title, Doc: raw, UpdatedBy: session.UserName}); err != nil {
			return nil, err
		}
		if err := s.store.ReplaceThreads(ctx, w.id, threads); err != nil {
			return nil, err
		}

		if strings.TrimSpace(message) == "" {
			message = "Update document"
		}
		commit, changed, err := s.git.CommitContent(w.id, gitrepo.Content{Title: w.title, Doc: raw, Threads: threads}, session.UserName, message)
		if err != nil {
			return nil, err
		}

		records, stale := w.reindex()
		if s.search != nil {
			s.search.IndexDocument(search.DocumentRecord{ID: w.id, Title: w.title})
			s.search.ReplaceComments(records, stale)
		}
		w.dirty = false

		s.logger.Info("document saved",
			zap.String("document_id", w.id),
			zap.String("commit", commit.Hash),
			zap.Bool("changed", changed),
			zap.Int("threads", len(threads)),
		)
		return map[string]any{
			"ok":      true,
			"commit":  commit,
			"changed": changed,
			"sync":    syncResult,
		}, nil
	})
}

func (s *Service) History(ctx context.Context, documentID string, limit int) (map[string]any, error) {
	if limit <= 0 {
		limit = 50
	}
	commits, err := s.git.History(documentID, limit)
	if err != nil {
		return nil, err
	}
	versions, err := s.store.ListNamedVersions(ctx, documentID)
	if err != nil {
		return nil, err
	}
	named := make([]map[string]any, 0, len(versions))
	for _, version := range versions {
		named = append(named, map[string]any{
			"name":      version.Name,
			"hash":      version.Hash,
			"createdBy": version.CreatedBy,
			"createdAt": version.CreatedAt,
		})
	}
	return map[string]any{
		"documentId":    documentID,
		"commits":       commits,
		"namedVersions": named,
	}, nil
}

func (s *Service) SaveNamedVersion(ctx context.Context, documentID string, session Session, name, hash string) (map[string]any, error) {
	label := strings.TrimSpace(name)
	if label == "" {
		return nil, validationError("name is required")
	}
	if strings.TrimSpace(hash) == "" {
		_, head, err := s.git.GetHeadContent(documentID)
		if err != nil {
			return nil, err
		}
		hash = head.Hash
	}
	tagName := buildNamedVersionTagName(label, hash)
	if err := s.git.CreateTag(documentID, hash, tagName, session.UserName); err != nil {
		return nil, err
	}
	if err := s.store.InsertNamedVersion(ctx, documentID, label, hash, session.UserName); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "name": label, "hash": hash, "tag": tagName}, nil
}

func buildNamedVersionTagName(label, commitHash string) string {
	const maxLabelLen = 48
	slug := make([]rune, 0, len(label))
	lastDash := false
	for _, ch := range strings.ToLower(strings.TrimSpace(label)) {
		if (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') {
			slug = append(slug, ch)
			lastDash = false
			continue
		}
		if !lastDash {
			slug = append(slug, '-')
			lastDash = true
		}
	}
	slugText := strings.Trim(string(slug), "-")
	if len(slugText) > maxLabelLen {
		slugText = strings.TrimRight(slugText[:maxLabelLen], "-")
	}
	if slugText == "" {
		slugText = "version"
	}

	hashText := strings.ToLower(commitHash)
	if len(hashText) > 12 {
		hashText = hashText[:12]
	}
	if hashText == "" {
		hashText = "head"
	}
	return "nv-" + slugText + "-" + hashText
}

// Export renders the current state of an open document. When archive is set
// the result is uploaded and a download link returned instead.
func (s *Service) Export(ctx context.Context, documentID string, session Session, req export.Request, archive bool) (*export.Result, *export.Archived, error) {
	var snapshot export.Document
	_, err := s.withWorkspace(ctx, documentID, func(w *Workspace) (map[string]any, error) {
		users := map[string]string{session.UserID: session.UserName}
		snapshot = export.Document{
			ID:        w.id,
			Title:     w.title,
			Doc:       w.editor.Doc(),
			Threads:   w.provider.Threads(),
			Users:     users,
			Author:    session.UserName,
			UpdatedAt: w.updatedAt,
		}
		return nil, nil
	})
	if err != nil {
		return nil, nil, err
	}

	result, err := s.exporter.Export(ctx, req, snapshot)
	if err != nil {
		return nil, nil, err
	}
	if !archive {
		return result, nil, nil
	}
	if s.archive == nil {
		return nil, nil, export.ErrArchiveDisabled
	}
	archived, err := s.archive.Store(ctx, documentID, result)
	if err != nil {
		return nil, nil, err
	}
	return result, &archived, nil
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(ctx, q)
}

func intPtr(v int) *int { return &v }
