package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"marginalia/api/internal/auth"
	"marginalia/api/internal/comments"
	"marginalia/api/internal/editor"
	"marginalia/api/internal/export"
	"marginalia/api/internal/gitrepo"
	"marginalia/api/internal/ledger"
	"marginalia/api/internal/metrics"
	"marginalia/api/internal/rbac"
	"marginalia/api/internal/search"
	"marginalia/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *zap.Logger
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: service.logger.Named("http")}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

// forbid writes a 403 Forbidden response and logs the denial
func (s *HTTPServer) forbid(w http.ResponseWriter, r *http.Request, session Session, action rbac.Action) {
	s.logger.Info("request forbidden",
		zap.String("request_id", requestID(r.Context())),
		zap.String("user_id", session.UserID),
		zap.String("role", string(session.Role)),
		zap.String("action", string(action)),
	)
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", map[string]any{"action": action})
}

// allow reports whether the session may take action, writing the 403 when not.
func (s *HTTPServer) allow(w http.ResponseWriter, r *http.Request, session Session, action rbac.Action) bool {
	if s.service.Can(session.Role, action) {
		return true
	}
	s.forbid(w, r, session, action)
	return false
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     statusCode == http.StatusOK,
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		metrics.Handler().ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		var body struct {
			Name  string `json:"name"`
			Color string `json:"color"`
			Role  string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		session, err := s.service.Login(r.Context(), body.Name, body.Color, body.Role)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session, true))
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		writeJSON(w, http.StatusOK, sessionPayload(session, false))
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		if !s.allow(w, r, session, rbac.ActionRead) {
			return
		}
		s.handleSearch(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "documents" {
		if len(parts) == 2 {
			switch r.Method {
			case http.MethodGet:
				if !s.allow(w, r, session, rbac.ActionRead) {
					return
				}
				items, err := s.service.ListDocuments(r.Context())
				respond(w, map[string]any{"documents": items}, err)
			case http.MethodPost:
				if !s.allow(w, r, session, rbac.ActionEdit) {
					return
				}
				var body CreateDocumentInput
				if !decodeOrReject(w, r, &body) {
					return
				}
				payload, err := s.service.CreateDocument(r.Context(), session, body)
				if err != nil {
					writeMappedError(w, err)
					return
				}
				writeJSON(w, http.StatusCreated, payload)
			default:
				writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			}
			return
		}
		s.handleDocuments(w, r, session, parts[2], parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	text := strings.TrimSpace(query.Get("q"))
	if text == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "q is required", nil)
		return
	}
	q := search.Query{
		Text:       text,
		FilterType: search.ResultType(query.Get("type")),
		DocumentID: query.Get("documentId"),
		Limit:      20,
	}
	if limit, ok, err := queryInt(r, "limit"); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	} else if ok && limit > 0 && limit <= 100 {
		q.Limit = limit
	}
	if offset, ok, err := queryInt(r, "offset"); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	} else if ok && offset > 0 {
		q.Offset = offset
	}
	writeJSON(w, http.StatusOK, s.service.Search(r.Context(), q))
}

func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, session Session, documentID string, parts []string) {
	ctx := r.Context()

	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			if !s.allow(w, r, session, rbac.ActionRead) {
				return
			}
			payload, err := s.service.GetDocument(ctx, documentID)
			if payload != nil {
				payload["permissions"] = rbac.Allowed(session.Role)
			}
			respond(w, payload, err)
		case http.MethodDelete:
			if !s.allow(w, r, session, rbac.ActionModerate) {
				return
			}
			closed := s.service.CloseDocument(documentID)
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "closed": closed})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	action := parts[0]
	if action == "threads" {
		s.handleThreads(w, r, session, documentID, parts[1:])
		return
	}
	if action == "ledger" {
		s.handleLedger(w, r, session, documentID, parts[1:])
		return
	}
	if len(parts) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch {
	case r.Method == http.MethodPost && action == "edits":
		if !s.allow(w, r, session, rbac.ActionEdit) {
			return
		}
		var body EditInput
		if !decodeOrReject(w, r, &body) {
			return
		}
		payload, err := s.service.Edit(ctx, documentID, body)
		respond(w, payload, err)

	case r.Method == http.MethodPost && action == "undo":
		if !s.allow(w, r, session, rbac.ActionEdit) {
			return
		}
		payload, err := s.service.Undo(ctx, documentID)
		respond(w, payload, err)

	case r.Method == http.MethodPost && action == "redo":
		if !s.allow(w, r, session, rbac.ActionEdit) {
			return
		}
		payload, err := s.service.Redo(ctx, documentID)
		respond(w, payload, err)

	case r.Method == http.MethodPost && action == "revision":
		if !s.allow(w, r, session, rbac.ActionEdit) {
			return
		}
		var body RevisionInput
		if !decodeOrReject(w, r, &body) {
			return
		}
		payload, err := s.service.ApplyRevision(ctx, documentID, body)
		respond(w, payload, err)

	case r.Method == http.MethodPost && action == "shortcut":
		if !s.allow(w, r, session, rbac.ActionComment) {
			return
		}
		var body struct {
			Chord string `json:"chord"`
		}
		if !decodeOrReject(w, r, &body) {
			return
		}
		payload, err := s.service.Shortcut(ctx, documentID, session, body.Chord)
		respond(w, payload, err)

	case r.Method == http.MethodPost && action == "sync":
		if !s.allow(w, r, session, rbac.ActionModerate) {
			return
		}
		payload, err := s.service.Synchronize(ctx, documentID)
		respond(w, payload, err)

	case r.Method == http.MethodGet && action == "ranges":
		if !s.allow(w, r, session, rbac.ActionRead) {
			return
		}
		within, err := queryRange(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		payload, err := s.service.Ranges(ctx, documentID, within)
		respond(w, payload, err)

	case r.Method == http.MethodPost && action == "save":
		if !s.allow(w, r, session, rbac.ActionEdit) {
			return
		}
		var body struct {
			Message string `json:"message"`
		}
		if !decodeOrReject(w, r, &body) {
			return
		}
		payload, err := s.service.Save(ctx, documentID, session, body.Message)
		respond(w, payload, err)

	case r.Method == http.MethodGet && action == "history":
		if !s.allow(w, r, session, rbac.ActionRead) {
			return
		}
		limit, _, err := queryInt(r, "limit")
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		payload, err := s.service.History(ctx, documentID, limit)
		respond(w, payload, err)

	case r.Method == http.MethodPost && action == "versions":
		if !s.allow(w, r, session, rbac.ActionEdit) {
			return
		}
		var body struct {
			Name string `json:"name"`
			Hash string `json:"hash"`
		}
		if !decodeOrReject(w, r, &body) {
			return
		}
		payload, err := s.service.SaveNamedVersion(ctx, documentID, session, body.Name, body.Hash)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)

	case r.Method == http.MethodGet && action == "export":
		if !s.allow(w, r, session, rbac.ActionRead) {
			return
		}
		s.handleExport(w, r, session, documentID)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleThreads(w http.ResponseWriter, r *http.Request, session Session, documentID string, parts []string) {
	ctx := r.Context()

	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		if !s.allow(w, r, session, rbac.ActionRead) {
			return
		}
		payload, err := s.service.ListThreads(ctx, documentID)
		respond(w, payload, err)
		return

	case len(parts) == 0 && r.Method == http.MethodPost:
		if !s.allow(w, r, session, rbac.ActionComment) {
			return
		}
		var body CreateThreadInput
		if !decodeOrReject(w, r, &body) {
			return
		}
		payload, err := s.service.CreateThread(ctx, documentID, session, body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return

	case len(parts) == 1 && parts[0] == "at" && r.Method == http.MethodGet:
		if !s.allow(w, r, session, rbac.ActionRead) {
			return
		}
		pos, ok, err := queryInt(r, "pos")
		if err != nil || !ok {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "pos is required", nil)
			return
		}
		payload, err := s.service.ThreadsAt(ctx, documentID, pos)
		respond(w, payload, err)
		return

	}

	if len(parts) == 0 {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	threadID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			if !s.allow(w, r, session, rbac.ActionRead) {
				return
			}
			payload, err := s.service.GetThread(ctx, documentID, threadID)
			respond(w, payload, err)
		case http.MethodDelete:
			if !s.allow(w, r, session, rbac.ActionComment) {
				return
			}
			payload, err := s.service.DeleteThread(ctx, documentID, threadID)
			respond(w, payload, err)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if !s.allow(w, r, session, rbac.ActionComment) {
		return
	}

	if parts[1] == "comments" {
		switch {
		case len(parts) == 2 && r.Method == http.MethodPost:
			var body CommentInput
			if !decodeOrReject(w, r, &body) {
				return
			}
			payload, err := s.service.AddComment(ctx, documentID, threadID, session, body)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
		case len(parts) == 3 && r.Method == http.MethodPut:
			var body CommentInput
			if !decodeOrReject(w, r, &body) {
				return
			}
			payload, err := s.service.UpdateComment(ctx, documentID, threadID, parts[2], body)
			respond(w, payload, err)
		case len(parts) == 3 && r.Method == http.MethodDelete:
			payload, err := s.service.DeleteComment(ctx, documentID, threadID, parts[2])
			respond(w, payload, err)
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}
		return
	}

	if len(parts) != 2 || r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	switch parts[1] {
	case "resolve":
		payload, err := s.service.ResolveThread(ctx, documentID, threadID, session)
		respond(w, payload, err)
	case "reopen":
		payload, err := s.service.ReopenThread(ctx, documentID, threadID, session)
		respond(w, payload, err)
	case "select":
		var body SelectThreadInput
		if !decodeOrReject(w, r, &body) {
			return
		}
		payload, err := s.service.SelectThread(ctx, documentID, threadID, body)
		respond(w, payload, err)
	case "unselect":
		payload, err := s.service.UnselectThread(ctx, documentID)
		respond(w, payload, err)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleLedger(w http.ResponseWriter, r *http.Request, session Session, documentID string, parts []string) {
	ctx := r.Context()

	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			if !s.allow(w, r, session, rbac.ActionRead) {
				return
			}
			payload, err := s.service.Ledger(ctx, documentID)
			respond(w, payload, err)
		case http.MethodPost:
			if !s.allow(w, r, session, rbac.ActionComment) {
				return
			}
			var body LedgerCommentInput
			if !decodeOrReject(w, r, &body) {
				return
			}
			payload, err := s.service.LedgerCreate(ctx, documentID, session, body)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 1 && parts[0] == "rebuild" && r.Method == http.MethodPost {
		if !s.allow(w, r, session, rbac.ActionModerate) {
			return
		}
		payload, err := s.service.LedgerRebuild(ctx, documentID)
		respond(w, payload, err)
		return
	}

	if !s.allow(w, r, session, rbac.ActionComment) {
		return
	}
	commentID := parts[0]
	switch {
	case len(parts) == 1 && r.Method == http.MethodPut:
		var body LedgerUpdateInput
		if !decodeOrReject(w, r, &body) {
			return
		}
		payload, err := s.service.LedgerUpdate(ctx, documentID, commentID, body)
		respond(w, payload, err)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		payload, err := s.service.LedgerDelete(ctx, documentID, commentID)
		respond(w, payload, err)
	case len(parts) == 2 && parts[1] == "resolve" && r.Method == http.MethodPost:
		payload, err := s.service.LedgerResolve(ctx, documentID, commentID)
		respond(w, payload, err)
	case len(parts) == 2 && parts[1] == "jump" && r.Method == http.MethodPost:
		payload, err := s.service.LedgerJump(ctx, documentID, commentID)
		respond(w, payload, err)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, session Session, documentID string) {
	query := r.URL.Query()
	format, err := export.ParseFormat(query.Get("format"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	req := export.Request{
		Format:          format,
		IncludeThreads:  queryFlag(r, "threads"),
		IncludeResolved: queryFlag(r, "resolved"),
	}
	result, archived, err := s.service.Export(r.Context(), documentID, session, req, queryFlag(r, "archive"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	if archived != nil {
		writeJSON(w, http.StatusOK, map[string]any{"archive": archived, "filename": result.Filename})
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", id)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func sessionPayload(session Session, withToken bool) map[string]any {
	payload := map[string]any{
		"userId":      session.UserID,
		"userName":    session.UserName,
		"color":       session.Color,
		"role":        session.Role,
		"permissions": rbac.Allowed(session.Role),
		"expiresAt":   session.ExpiresAt,
	}
	if withToken {
		payload["token"] = session.Token
	}
	return payload
}

func respond(w http.ResponseWriter, payload map[string]any, err error) {
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func decodeOrReject(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(r *http.Request, key string) (int, bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, false, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%s must be an integer", key)
	}
	return value, true, nil
}

func queryFlag(r *http.Request, key string) bool {
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get(key))) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func queryRange(r *http.Request) (*editor.Range, error) {
	from, hasFrom, err := queryInt(r, "from")
	if err != nil {
		return nil, err
	}
	to, hasTo, err := queryInt(r, "to")
	if err != nil {
		return nil, err
	}
	if !hasFrom && !hasTo {
		return nil, nil
	}
	if !hasFrom || !hasTo {
		return nil, fmt.Errorf("from and to must be given together")
	}
	return &editor.Range{From: from, To: to}, nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var threadMissing *comments.ThreadNotFoundError
	if errors.As(err, &threadMissing) {
		return http.StatusNotFound, "THREAD_NOT_FOUND", "Thread not found", map[string]any{"threadId": threadMissing.ThreadID}
	}
	var commentMissing *comments.CommentNotFoundError
	if errors.As(err, &commentMissing) {
		return http.StatusNotFound, "COMMENT_NOT_FOUND", "Comment not found", nil
	}
	var threadExists *comments.ThreadExistsError
	if errors.As(err, &threadExists) {
		return http.StatusConflict, "THREAD_EXISTS", "Thread already exists", nil
	}
	switch {
	case errors.Is(err, store.ErrDocumentNotFound), errors.Is(err, gitrepo.ErrRepoNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, ledger.ErrCommentNotFound):
		return http.StatusNotFound, "COMMENT_NOT_FOUND", "Comment not found", nil
	case errors.Is(err, ledger.ErrCommentExists):
		return http.StatusConflict, "COMMENT_EXISTS", "Comment already exists", nil
	case errors.Is(err, ledger.ErrEmptyRange):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Comment range is empty", nil
	case errors.Is(err, editor.ErrInvalidRange), errors.Is(err, editor.ErrUnsupportedRange):
		return http.StatusBadRequest, "INVALID_RANGE", err.Error(), nil
	case errors.Is(err, editor.ErrInvalidDocument):
		return http.StatusBadRequest, "INVALID_DOCUMENT", err.Error(), nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusBadRequest, "UNSUPPORTED_FORMAT", "Export format not supported", nil
	case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrDOCXDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", err.Error(), nil
	case errors.Is(err, export.ErrArchiveDisabled):
		return http.StatusServiceUnavailable, "ARCHIVE_DISABLED", "Export archive not configured", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
