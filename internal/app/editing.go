package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"marginalia/api/internal/anchor"
	"marginalia/api/internal/commands"
	"marginalia/api/internal/editor"
	"marginalia/api/internal/ledger"
	"marginalia/api/internal/util"
)

type EditInput struct {
	Op   string `json:"op"`
	Pos  int    `json:"pos"`
	Text string `json:"text"`
	From int    `json:"from"`
	To   int    `json:"to"`
}

type RevisionInput struct {
	Doc      *editor.Node     `json:"doc"`
	Comments []ledger.Comment `json:"comments"`
}

// Edit applies one text edit or moves the selection.
func (s *Service) Edit(ctx context.Context, documentID string, input EditInput) (map[string]any, error) {
	return s.withWorkspace(ctx, documentID, func(w *Workspace) (map[string]any, error) {
		switch strings.ToLower(strings.TrimSpace(input.Op)) {
		case "insert":
			if input.Text == "" {
				return nil, validationError("text is required")
			}
			if err := w.editor.Dispatch(w.editor.NewTx().InsertText(input.Pos, input.Text)); err != nil {
				return nil, err
			}
		case "delete":
			if input.From >= input.To {
				return nil, validationError("delete range is empty")
			}
			if err := w.editor.Dispatch(w.editor.NewTx().Delete(input.From, input.To)); err != nil {
				return nil, err
			}
		case "select":
			if err := w.editor.SetSelection(editor.Range{From: input.From, To: input.To}); err != nil {
				return nil, err
			}
		default:
			return nil, validationError(fmt.Sprintf("unknown edit op %q", input.Op))
		}
		return w.summary(), nil
	})
}

func (s *Service) Undo(ctx context.Context, documentID string) (map[string]any, error) {
	return s.history(ctx, documentID, false)
}

func (s *Service) Redo(ctx context.Context, documentID string) (map[string]any, error) {
	return s.history(ctx, documentID, true)
}

func (s *Service) history(ctx context.Context, documentID string, redo bool) (map[string]any, error) {
	return s.withWorkspace(ctx, documentID, func(w *Workspace) (map[string]any, error) {
		w.lastRebuild = nil
		var applied bool
		if redo {
			applied = w.ledger.Redo()
		} else {
			applied = w.ledger.Undo()
		}
		payload := w.summary()
		payload["applied"] = applied
		payload["rebuild"] = w.lastRebuild
		return payload, nil
	})
}

// ApplyRevision replaces the document and its ledger comments in one
// undoable step.
func (s *Service) ApplyRevision(ctx context.Context, documentID string, input RevisionInput) (map[string]any, error) {
	if input.Doc == nil || input.Doc.Type != editor.NodeDoc {
		return nil, validationError("doc is required")
	}
	return s.withWorkspace(ctx, documentID, func(w *Workspace) (map[string]any, error) {
		if err := w.ledger.ApplyRevision(ledger.Revision{Doc: input.Doc, Comments: input.Comments}); err != nil {
			return nil, err
		}
		return w.summary(), nil
	})
}

func (s *Service) Shortcut(ctx context.Context, documentID string, session Session, chord string) (map[string]any, error) {
	return s.withWorkspace(ctx, documentID, func(w *Workspace) (map[string]any, error) {
		before := len(w.provider.Threads())
		handled := w.kit.As(session.User()).HandleShortcut(chord)
		payload := w.summary()
		payload["handled"] = handled
		if handled && len(w.provider.Threads()) > before {
			threads := w.provider.Threads()
			payload["threadId"] = threads[len(threads)-1].ID
		}
		return payload, nil
	})
}

// Synchronize runs the orphan cleanup immediately instead of waiting for the
// debounced run.
func (s *Service) Synchronize(ctx context.Context, documentID string) (map[string]any, error) {
	return s.withWorkspace(ctx, documentID, func(w *Workspace) (map[string]any, error) {
		result := w.sync.Synchronize()
		return map[string]any{
			"result":  result,
			"changed": result.Changed(),
			"threads": w.threadViews(),
		}, nil
	})
}

// Ranges lists the merged annotation spans. With a range it also reports
// which threads overlap it.
func (s *Service) Ranges(ctx context.Context, documentID string, within *editor.Range) (map[string]any, error) {
	return s.withWorkspace(ctx, documentID, func(w *Workspace) (map[string]any, error) {
		doc := w.editor.Doc()
		payload := map[string]any{"ranges": anchor.MergedRanges(doc)}
		if within != nil {
			payload["threadIds"] = anchor.ThreadsIn(doc, *within)
		}
		return payload, nil
	})
}

// ThreadsAt reports the threads under pos and marks them hovered. Positions
// outside the document have no threads.
func (s *Service) ThreadsAt(ctx context.Context, documentID string, pos int) (map[string]any, error) {
	return s.withWorkspace(ctx, documentID, func(w *Workspace) (map[string]any, error) {
		return map[string]any{"pos": pos, "threadIds": w.kit.HoverAt(pos)}, nil
	})
}

type CreateThreadInput struct {
	ID      string         `json:"id"`
	From    *int           `json:"from"`
	To      *int           `json:"to"`
	Content string         `json:"content"`
	Data    map[string]any `json:"data"`
}

type CommentInput struct {
	Content string         `json:"content"`
	Data    map[string]any `json:"data"`
}

type SelectThreadInput struct {
	UpdateSelection bool `json:"updateSelection"`
}

func (s *Service) ListThreads(ctx context.Context, documentID string) (map[string]any, error) {
	return s.withWorkspace(ctx, documentID, func(w *Workspace) (map[string]any, error) {
		return map[string]any{"documentId": w.id, "threads": w.threadViews()}, nil
	})
}

func (s *Service) GetThread(ctx context.Context, documentID, threadID string) (map[string]any, error) {
	return s.withWorkspace(ctx, documentID, func(w *Workspace) (map[string]any, error) {
		return w.threadPayload(threadID)
	})
}

// CreateThread annotates the given range, or the current selection, and
// optionally posts the first comment.
func (s *Service) CreateThread(ctx context.Context, documentID string, session Session, input CreateThreadInput) (map[string]any, error) {
	if (input.From == nil) != (input.To == nil) {
		return nil, validationError("from and to must be given together")
	}
	return s.withWorkspace(ctx, documentID, func(w *Workspace) (map[string]any, error) {
		id := strings.TrimSpace(input.ID)
		if id == "" {
			id = util.NewID("thread")
		}
		r := w.editor.Selection()
		if input.From != nil {
			r = editor.Range{From: *input.From, To: *input.To}
		}

		kit := w.kit.As(session.User())
		if !kit.CreateThread(commands.CreateThreadOptions{ID: id, Range: &r, Data: input.Data}) {
			return nil, createThreadError(w, id, r)
		}
		if strings.TrimSpace(input.Content) != "" {
			if _, ok := kit.CreateComment(id, input.Content, nil); !ok {
				return nil, commandRejected("createComment")
			}
		}
		return w.threadPayload(id)
	})
}

func createThreadError(w *Workspace, id string, r editor.Range) error {
	if _, exists := w.provider.Thread(id); exists {
		return domainError(http.StatusConflict, "THREAD_EXISTS", "Thread already exists", map[string]any{"threadId": id})
	}
	if r.Empty() {
		return validationError("selection is empty")
	}
	if r.From < 0 || r.To > w.editor.Size() || r.From > r.To {
		return editor.ErrInvalidRange
	}
	return commandRejected("createThread")
}

func (s *Service) DeleteThread(ctx context.Context, documentID, threadID string) (map[string]any, error) {
	return s.withWorkspace(ctx, documentID, func(w *Workspace) (map[string]any, error) {
		if !w.kit.RemoveThread(threadID) {
			return nil, threadNotFound(threadID)
		}
		return map[string]any{"ok": true, "threadId": threadID}, nil
	})
}

func (s *Service) ResolveThread(ctx context.Context, documentID, threadID string, session Session) (map[string]any, error) {
	return s.threadCommand(ctx, documentID, threadID, "resolveThread", func(kit *commands.Kit) bool {
		return kit.As(session.User()).ResolveThread(threadID)
	})
}

func (s *Service) ReopenThread(ctx context.Context, documentID, threadID string, session Session) (map[string]any, error) {
	return s.threadCommand(ctx, documentID, threadID, "unresolveThread", func(kit *commands.Kit) bool {
		return kit.As(session.User()).UnresolveThread(threadID)
	})
}

func (s *Service) SelectThread(ctx context.Context, documentID, threadID string, input SelectThreadInput) (map[string]any, error) {
	return s.threadCommand(ctx, documentID, threadID, "selectThread", func(kit *commands.Kit) bool {
		return kit.SelectThread(commands.SelectThreadOptions{ID: threadID, UpdateSelection: input.UpdateSelection})
	})
}

func (s *Service) UnselectThread(ctx context.Context, documentID string) (map[string]any, error) {
	return s.withWorkspace(ctx, documentID, func(w *Workspace) (map[string]any, error) {
		if !w.kit.UnselectThread() {
			return nil, commandRejected("unselectThread")
		}
		return map[string]any{"ok": true, "focused": w.kit.FocusedThreads(), "selection": w.editor.Selection()}, nil
	})
}

func (s *Service) threadCommand(ctx context.Context, documentID, threadID, command string, run func(kit *commands.Kit) bool) (map[string]any, error) {
	return s.withWorkspace(ctx, documentID, func(w *Workspace) (map[string]any, error) {
		if _, ok := w.provider.Thread(threadID); !ok {
			return nil, threadNotFound(threadID)
		}
		if !run(w.kit) {
			return nil, commandRejected(command)
		}
		payload, err := w.threadPayload(threadID)
		if err != nil {
			return nil, err
		}
		payload["focused"] = w.kit.FocusedThreads()
		payload["selection"] = w.editor.Selection()
		return payload, nil
	})
}

func (s *Service) AddComment(ctx context.Context, documentID, threadID string, session Session, input CommentInput) (map[string]any, error) {
	return s.withWorkspace(ctx, documentID, func(w *Workspace) (map[string]any, error) {
		if _, ok := w.provider.Thread(threadID); !ok {
			return nil, threadNotFound(threadID)
		}
		if strings.TrimSpace(input.Content) == "" {
			return nil, validationError("content is required")
		}
		comment, ok := w.kit.As(session.User()).CreateComment(threadID, input.Content, input.Data)
		if !ok {
			return nil, commandRejected("createComment")
		}
		return map[string]any{"comment": comment}, nil
	})
}

func (s *Service) UpdateComment(ctx context.Context, documentID, threadID, commentID string, input CommentInput) (map[string]any, error) {
	return s.withWorkspace(ctx, documentID, func(w *Workspace) (map[string]any, error) {
		if err := w.requireComment(threadID, commentID); err != nil {
			return nil, err
		}
		if strings.TrimSpace(input.Content) == "" {
			return nil, validationError("content is required")
		}
		ok := w.kit.UpdateComment(commands.UpdateCommentOptions{
			ThreadID: threadID,
			ID:       commentID,
			Content:  input.Content,
			Data:     input.Data,
		})
		if !ok {
			return nil, commandRejected("updateComment")
		}
		return w.threadPayload(threadID)
	})
}

func (s *Service) DeleteComment(ctx context.Context, documentID, threadID, commentID string) (map[string]any, error) {
	return s.withWorkspace(ctx, documentID, func(w *Workspace) (map[string]any, error) {
		if err := w.requireComment(threadID, commentID); err != nil {
			return nil, err
		}
		if !w.kit.DeleteComment(threadID, commentID) {
			return nil, commandRejected("deleteComment")
		}
		return w.threadPayload(threadID)
	})
}

func (w *Workspace) requireComment(threadID, commentID string) error {
	if _, ok := w.provider.Thread(threadID); !ok {
		return threadNotFound(threadID)
	}
	for _, c := range w.provider.Comments(threadID) {
		if c.ID == commentID {
			return nil
		}
	}
	return commentNotFound(threadID, commentID)
}

func (w *Workspace) threadPayload(threadID string) (map[string]any, error) {
	view, ok := w.threadView(threadID)
	if !ok {
		return nil, threadNotFound(threadID)
	}
	return map[string]any{"thread": view}, nil
}
