package app

import (
	"context"
	"strings"

	"marginalia/api/internal/editor"
	"marginalia/api/internal/ledger"
)

type LedgerCommentInput struct {
	ID       string         `json:"id"`
	ThreadID string         `json:"threadId"`
	Content  string         `json:"content"`
	From     int            `json:"from"`
	To       int            `json:"to"`
	Data     map[string]any `json:"data"`
}

type LedgerUpdateInput struct {
	Content  *string        `json:"content"`
	Resolved *bool          `json:"resolved"`
	Data     map[string]any `json:"data"`
}

func (s *Service) Ledger(ctx context.Context, documentID string) (map[string]any, error) {
	return s.withWorkspace(ctx, documentID, func(w *Workspace) (map[string]any, error) {
		return w.ledgerPayload(), nil
	})
}

func (s *Service) LedgerCreate(ctx context.Context, documentID string, session Session, input LedgerCommentInput) (map[string]any, error) {
	if strings.TrimSpace(input.Content) == "" {
		return nil, validationError("content is required")
	}
	return s.withWorkspace(ctx, documentID, func(w *Workspace) (map[string]any, error) {
		comment, err := w.ledger.CreateComment(ledger.Comment{
			ID:       strings.TrimSpace(input.ID),
			ThreadID: strings.TrimSpace(input.ThreadID),
			Content:  input.Content,
			Author:   session.UserID,
			Position: editor.Range{From: input.From, To: input.To},
			Data:     input.Data,
		})
		if err != nil {
			return nil, err
		}
		payload := w.ledgerPayload()
		payload["comment"] = comment
		return payload, nil
	})
}

func (s *Service) LedgerUpdate(ctx context.Context, documentID, commentID string, input LedgerUpdateInput) (map[string]any, error) {
	if input.Content != nil && strings.TrimSpace(*input.Content) == "" {
		return nil, validationError("content must not be blank")
	}
	return s.ledgerCommand(ctx, documentID, func(l *ledger.Ledger) (any, error) {
		return l.UpdateComment(commentID, ledger.Update{Content: input.Content, Resolved: input.Resolved, Data: input.Data})
	})
}

func (s *Service) LedgerResolve(ctx context.Context, documentID, commentID string) (map[string]any, error) {
	return s.ledgerCommand(ctx, documentID, func(l *ledger.Ledger) (any, error) {
		return l.ResolveComment(commentID)
	})
}

func (s *Service) LedgerDelete(ctx context.Context, documentID, commentID string) (map[string]any, error) {
	return s.ledgerCommand(ctx, documentID, func(l *ledger.Ledger) (any, error) {
		if err := l.DeleteComment(commentID); err != nil {
			return nil, err
		}
		c, _ := l.Comment(commentID)
		return c, nil
	})
}

// LedgerJump moves the selection onto the comment's annotation.
func (s *Service) LedgerJump(ctx context.Context, documentID, commentID string) (map[string]any, error) {
	return s.withWorkspace(ctx, documentID, func(w *Workspace) (map[string]any, error) {
		if err := w.ledger.JumpTo(commentID); err != nil {
			return nil, err
		}
		return map[string]any{"selection": w.editor.Selection()}, nil
	})
}

func (s *Service) LedgerRebuild(ctx context.Context, documentID string) (map[string]any, error) {
	return s.withWorkspace(ctx, documentID, func(w *Workspace) (map[string]any, error) {
		report := w.ledger.Rebuild()
		w.lastRebuild = &report
		payload := w.ledgerPayload()
		payload["degraded"] = report.Degraded()
		return payload, nil
	})
}

func (s *Service) ledgerCommand(ctx context.Context, documentID string, run func(l *ledger.Ledger) (any, error)) (map[string]any, error) {
	return s.withWorkspace(ctx, documentID, func(w *Workspace) (map[string]any, error) {
		comment, err := run(w.ledger)
		if err != nil {
			return nil, err
		}
		payload := w.ledgerPayload()
		payload["comment"] = comment
		return payload, nil
	})
}

func (w *Workspace) ledgerPayload() map[string]any {
	return map[string]any{
		"documentId":  w.id,
		"comments":    w.ledger.Comments(),
		"count":       w.ledger.Count(),
		"resolved":    w.ledger.ResolvedCount(),
		"active":      w.ledger.ActiveCount(),
		"canUndo":     w.ledger.CanUndo(),
		"canRedo":     w.ledger.CanRedo(),
		"lastRebuild": w.lastRebuild,
	}
}
