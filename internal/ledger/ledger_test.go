package ledger

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"marginalia/api/internal/anchor"
	"marginalia/api/internal/commands"
	"marginalia/api/internal/comments"
	"marginalia/api/internal/editor"
	"marginalia/api/internal/recovery"
)

type brokenStore struct{}

func (brokenStore) Get(string) (string, bool, error) { return "", false, errors.New("unavailable") }
func (brokenStore) Set(string, string) error         { return errors.New("unavailable") }
func (brokenStore) Remove(string) error              { return errors.New("unavailable") }

type harness struct {
	editor  *editor.Editor
	side    recovery.Store
	ledger  *Ledger
	reports []RebuildReport
}

func newHarness(t *testing.T, side recovery.Store, opts ...Option) *harness {
	t.Helper()
	ed, err := editor.New(editor.Doc(editor.Paragraph(editor.Text("Hello world"))))
	if err != nil {
		t.Fatalf("editor: %v", err)
	}
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		at = at.Add(time.Second)
		return at
	}
	opts = append([]Option{WithLogger(zaptest.NewLogger(t)), WithClock(clock)}, opts...)
	h := &harness{editor: ed, side: side}
	h.ledger = New(ed, side, opts...)
	stop := h.ledger.Watch(func(r RebuildReport) { h.reports = append(h.reports, r) })
	t.Cleanup(stop)
	return h
}

func (h *harness) create(t *testing.T, id, threadID, content string, from, to int) Comment {
	t.Helper()
	c, err := h.ledger.CreateComment(Comment{
		ID:       id,
		ThreadID: threadID,
		Content:  content,
		Author:   "alice",
		Position: editor.Range{From: from, To: to},
	})
	if err != nil {
		t.Fatalf("create comment: %v", err)
	}
	return c
}

func TestCreateCommentRecordsMetadata(t *testing.T) {
	h := newHarness(t, recovery.NewMemoryStore())
	var entries map[string]Entry
	h.editor.OnUpdate(func(tx *editor.Tx) {
		if e := FromTransaction(tx); len(e) > 0 {
			entries = e
		}
	})

	h.create(t, "c1", "t1", "Looks good", 0, 5)

	if got := anchor.ThreadsAt(h.editor.Doc(), 2); !reflect.DeepEqual(got, []string{"t1"}) {
		t.Fatalf("expected mark for t1, got %v", got)
	}
	entry, ok := entries["c1"]
	if !ok || entry.Action != ActionCreate || entry.Comment.Content != "Looks good" || entry.Previous != nil {
		t.Fatalf("unexpected ledger entry %+v", entry)
	}
	if _, ok, _ := h.side.Get("comment-t1"); !ok {
		t.Fatalf("expected recovery record for t1")
	}
	if h.ledger.Count() != 1 || !h.ledger.Has("c1") {
		t.Fatalf("expected cached comment")
	}
}

func TestCreateCommentValidation(t *testing.T) {
	h := newHarness(t, recovery.NewMemoryStore())
	if _, err := h.ledger.CreateComment(Comment{ID: "c1", Position: editor.Range{From: 2, To: 2}}); !errors.Is(err, ErrEmptyRange) {
		t.Fatalf("expected ErrEmptyRange, got %v", err)
	}
	if _, err := h.ledger.CreateComment(Comment{ID: "c1", Position: editor.Range{From: 0, To: 50}}); !errors.Is(err, editor.ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
	h.create(t, "c1", "t1", "x", 0, 5)
	if _, err := h.ledger.CreateComment(Comment{ID: "c1", Position: editor.Range{From: 0, To: 5}}); !errors.Is(err, ErrCommentExists) {
		t.Fatalf("expected ErrCommentExists, got %v", err)
	}
	if h.ledger.Count() != 1 {
		t.Fatalf("failed creates must not change the cache")
	}
}

func TestThreadDefaultsToCommentID(t *testing.T) {
	h := newHarness(t, recovery.NewMemoryStore())
	c := h.create(t, "c9", "", "solo", 0, 5)
	if c.ThreadID != "c9" || !anchor.Covered(h.editor.Doc(), "c9") {
		t.Fatalf("expected thread id to default to the comment id, got %+v", c)
	}
}

func TestUndoRedoRestoresContent(t *testing.T) {
	h := newHarness(t, recovery.NewMemoryStore())
	h.create(t, "c1", "t1", "Looks good", 0, 5)

	if !h.ledger.Undo() {
		t.Fatalf("expected undo")
	}
	if h.ledger.Count() != 0 {
		t.Fatalf("expected comment to disappear with its mark, got %d", h.ledger.Count())
	}
	if !h.ledger.CanRedo() || !h.ledger.Redo() {
		t.Fatalf("expected redo")
	}
	c, ok := h.ledger.Comment("c1")
	if !ok || c.Content != "Looks good" || c.Author != "alice" {
		t.Fatalf("expected full content after redo, got %+v", c)
	}
	if c.Position != (editor.Range{From: 0, To: 5}) {
		t.Fatalf("expected live position, got %+v", c.Position)
	}
	if len(h.reports) != 2 || h.reports[1].Restored != 1 || h.reports[1].Degraded() {
		t.Fatalf("unexpected rebuild reports %+v", h.reports)
	}
}

func TestRebuildWithoutRecoveryRecordIsDegraded(t *testing.T) {
	h := newHarness(t, recovery.NewMemoryStore())
	if err := h.editor.Dispatch(h.editor.NewTx().AddMark(0, 5, editor.CommentMark("t1", false))); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	h.ledger.Undo()
	h.ledger.Redo()

	c, ok := h.ledger.Comment("t1")
	if !ok || c.Content != `Comment for "Hello"` {
		t.Fatalf("expected placeholder comment, got %+v", c)
	}
	last := h.reports[len(h.reports)-1]
	if !last.Degraded() || !reflect.DeepEqual(last.Synthesized, []string{"t1"}) {
		t.Fatalf("expected degraded report for t1, got %+v", last)
	}
}

func TestBrokenRecoveryStoreDegradesQuietly(t *testing.T) {
	h := newHarness(t, brokenStore{})
	h.create(t, "c1", "t1", "Looks good", 0, 5)
	if h.ledger.Count() != 1 {
		t.Fatalf("expected create to succeed without a working recovery store")
	}
	h.ledger.Undo()
	h.ledger.Redo()
	if c, ok := h.ledger.Comment("t1"); !ok || c.Content != `Comment for "Hello"` {
		t.Fatalf("expected placeholder, got %+v", c)
	}
}

func TestUpdateResolveDelete(t *testing.T) {
	h := newHarness(t, recovery.NewMemoryStore())
	h.create(t, "c1", "t1", "First", 0, 5)
	h.create(t, "c2", "t2", "Second", 6, 11)

	content := "First, edited"
	updated, err := h.ledger.UpdateComment("c1", Update{Content: &content, Data: map[string]any{"k": "v"}})
	if err != nil || updated.Content != content || updated.UpdatedAt == nil || updated.Data["k"] != "v" {
		t.Fatalf("unexpected update %+v err=%v", updated, err)
	}
	if _, err := h.ledger.ResolveComment("c2"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if h.ledger.ResolvedCount() != 1 || h.ledger.ActiveCount() != 1 {
		t.Fatalf("expected 1 resolved and 1 active, got %d/%d", h.ledger.ResolvedCount(), h.ledger.ActiveCount())
	}

	if err := h.ledger.DeleteComment("c1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	c1, _ := h.ledger.Comment("c1")
	if !c1.Deleted() || h.ledger.Count() != 1 {
		t.Fatalf("expected soft delete, got %+v count=%d", c1, h.ledger.Count())
	}
	if _, err := h.ledger.UpdateComment("missing", Update{}); !errors.Is(err, ErrCommentNotFound) {
		t.Fatalf("expected ErrCommentNotFound, got %v", err)
	}
	if err := h.ledger.DeleteComment("missing"); !errors.Is(err, ErrCommentNotFound) {
		t.Fatalf("expected ErrCommentNotFound, got %v", err)
	}
	if got := h.ledger.CommentsByThread("t2"); len(got) != 1 || got[0].ID != "c2" {
		t.Fatalf("unexpected thread comments %+v", got)
	}
}

func TestApplyRevisionUndoesAsOneStep(t *testing.T) {
	h := newHarness(t, recovery.NewMemoryStore())
	h.create(t, "c1", "t1", "Looks good", 0, 5)

	revised := editor.Doc(editor.Paragraph(
		editor.Text("Hello", editor.CommentMark("t1", false)),
		editor.Text(" brave new world"),
	))
	err := h.ledger.ApplyRevision(Revision{
		Doc: revised,
		Comments: []Comment{{
			ID: "c1", ThreadID: "t1", Content: "Reworded", Author: "assistant",
			Position: editor.Range{From: 0, To: 5},
		}},
	})
	if err != nil {
		t.Fatalf("apply revision: %v", err)
	}
	snap := h.ledger.Snapshot()
	if got := snap.Doc.TextBetween(0, snap.Doc.Size(), "\n"); got != "Hello brave new world" {
		t.Fatalf("unexpected revised text %q", got)
	}
	if len(snap.Comments) != 1 || snap.Comments[0].Content != "Reworded" {
		t.Fatalf("unexpected revised comments %+v", snap.Comments)
	}

	h.ledger.Undo()
	if got := h.editor.Doc().TextBetween(0, h.editor.Size(), "\n"); got != "Hello world" {
		t.Fatalf("expected original text after undo, got %q", got)
	}
	c, _ := h.ledger.Comment("c1")
	if c.Content != "Looks good" {
		t.Fatalf("expected comment content to revert with the document, got %q", c.Content)
	}

	h.ledger.Redo()
	c, _ = h.ledger.Comment("c1")
	if c.Content != "Reworded" {
		t.Fatalf("expected revised content after redo, got %q", c.Content)
	}
}

func TestSyncProviderIsOneWayAndIdempotent(t *testing.T) {
	provider := comments.NewMemoryProvider()
	h := newHarness(t, recovery.NewMemoryStore())
	h.create(t, "c1", "t1", "Looks good", 0, 5)

	report := h.ledger.SyncProvider(provider)
	if report.ThreadsCreated != 1 || report.CommentsCreated != 1 {
		t.Fatalf("unexpected sync report %+v", report)
	}
	thread, ok := provider.Thread("t1")
	if !ok || thread.Anchor == nil || thread.Comments[0].Content != "Looks good" {
		t.Fatalf("expected repaired thread, got %+v", thread)
	}

	_, _ = provider.UpdateComment("t1", thread.Comments[0].ID, "Edited in store", nil)
	again := h.ledger.SyncProvider(provider)
	if again.ThreadsCreated != 0 || again.CommentsCreated != 0 {
		t.Fatalf("expected no further repairs, got %+v", again)
	}
	if got := provider.Comments("t1")[0].Content; got != "Edited in store" {
		t.Fatalf("sync must not overwrite store content, got %q", got)
	}
}

func TestThreadRemovalEvictsAndUndoRestores(t *testing.T) {
	provider := comments.NewMemoryProvider()
	h := newHarness(t, recovery.NewMemoryStore(), WithProvider(provider))
	kit := commands.New(h.editor, commands.Options{Provider: provider, Logger: zaptest.NewLogger(t)})

	if !kit.CreateThread(commands.CreateThreadOptions{ID: "t1", Range: &editor.Range{From: 0, To: 5}}) {
		t.Fatalf("create thread")
	}
	h.create(t, "c1", "t1", "Looks good", 0, 5)

	if !kit.RemoveThread("t1") {
		t.Fatalf("remove thread")
	}
	if h.ledger.Has("c1") {
		t.Fatalf("expected thread removal to evict c1")
	}

	h.ledger.Undo()
	c, ok := h.ledger.Comment("c1")
	if !ok || c.Content != "Looks good" {
		t.Fatalf("expected c1 to come back after undo, got %+v", c)
	}
	if _, ok := provider.Thread("t1"); !ok {
		t.Fatalf("expected provider thread to be repaired after undo")
	}
}

func TestJumpTo(t *testing.T) {
	h := newHarness(t, recovery.NewMemoryStore())
	h.create(t, "c1", "t1", "x", 6, 11)
	if err := h.ledger.JumpTo("c1"); err != nil {
		t.Fatalf("jump: %v", err)
	}
	if sel := h.editor.Selection(); sel.From != 6 || sel.To != 11 {
		t.Fatalf("expected selection [6,11), got %+v", sel)
	}
	if err := h.ledger.JumpTo("missing"); !errors.Is(err, ErrCommentNotFound) {
		t.Fatalf("expected ErrCommentNotFound, got %v", err)
	}
}

func TestRecordMergesEntries(t *testing.T) {
	ed, _ := editor.New(editor.Doc(editor.Paragraph(editor.Text("x"))))
	tx := ed.NewTx()
	now := time.Now()
	Record(tx, ActionCreate, Comment{ID: "a"}, nil, now)
	Record(tx, ActionUpdate, Comment{ID: "b"}, &Comment{ID: "b"}, now)
	entries := FromTransaction(tx)
	if len(entries) != 2 || entries["a"].Action != ActionCreate || entries["b"].Action != ActionUpdate {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if got := FromTransaction(ed.NewTx()); len(got) != 0 {
		t.Fatalf("expected empty entries, got %+v", got)
	}
}

func TestRedoKeepsLaterCommentChanges(t *testing.T) {
	side := recovery.NewMemoryStore()
	h := newHarness(t, side)
	h.create(t, "c1", "t1", "v1", 0, 5)

	content := "v2"
	if _, err := h.ledger.UpdateComment("c1", Update{Content: &content}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := h.ledger.DeleteComment("c1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if !h.ledger.Undo() || !h.ledger.Redo() {
		t.Fatalf("expected undo and redo of the creation")
	}

	c, ok := h.ledger.Comment("c1")
	if !ok || c.Content != "v2" || !c.Deleted() {
		t.Fatalf("expected the edited, deleted comment after redo, got %+v", c)
	}
	if h.ledger.Count() != 0 {
		t.Fatalf("expected deleted comment to stay out of the count, got %d", h.ledger.Count())
	}
	last := h.reports[len(h.reports)-1]
	if last.Degraded() || last.Restored != 1 {
		t.Fatalf("expected clean restore, got %+v", last)
	}

	raw, ok, err := side.Get("comment-t1")
	if err != nil || !ok {
		t.Fatalf("expected recovery record, ok=%v err=%v", ok, err)
	}
	var record []Comment
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if len(record) != 1 || record[0].Content != "v2" || record[0].DeletedAt == nil {
		t.Fatalf("expected record to keep the latest version, got %+v", record)
	}
}

func TestRedoFillsMissingRecord(t *testing.T) {
	side := recovery.NewMemoryStore()
	h := newHarness(t, side)
	h.create(t, "c1", "t1", "Looks good", 0, 5)

	h.ledger.Undo()
	if err := side.Remove("comment-t1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	h.ledger.Redo()

	c, ok := h.ledger.Comment("c1")
	if !ok || c.Content != "Looks good" {
		t.Fatalf("expected content from the transaction record, got %+v", c)
	}
	if h.reports[len(h.reports)-1].Degraded() {
		t.Fatalf("expected no placeholders, got %+v", h.reports[len(h.reports)-1])
	}
}

func TestRebuildSkipsThreadsOwnedElsewhere(t *testing.T) {
	provider := comments.NewMemoryProvider()
	h := newHarness(t, recovery.NewMemoryStore(), WithThreadOwner(func(tid string) bool {
		_, ok := provider.Thread(tid)
		return ok
	}))
	kit := commands.New(h.editor, commands.Options{Provider: provider, Logger: zaptest.NewLogger(t)})

	if !kit.CreateThread(commands.CreateThreadOptions{ID: "k1", Range: &editor.Range{From: 0, To: 5}}) {
		t.Fatalf("create thread")
	}
	h.create(t, "c1", "t1", "Looks good", 6, 11)

	h.ledger.Undo()
	h.ledger.Redo()

	last := h.reports[len(h.reports)-1]
	if last.Degraded() || last.Threads != 1 {
		t.Fatalf("expected only the ledger thread in the rebuild, got %+v", last)
	}
	if h.ledger.Has("k1") {
		t.Fatalf("expected no placeholder for the store's thread")
	}
	if c, ok := h.ledger.Comment("c1"); !ok || c.Content != "Looks good" {
		t.Fatalf("expected c1 restored, got %+v", c)
	}
}

type anchorlessProvider struct {
	comments.Provider
}

func (anchorlessProvider) SetAnchor(string, comments.Range) error {
	return errors.New("anchor rejected")
}

func TestSyncProviderLogsRejectedAnchor(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	h := newHarness(t, recovery.NewMemoryStore(), WithLogger(zap.New(core)))
	h.create(t, "c1", "t1", "Looks good", 0, 5)

	report := h.ledger.SyncProvider(anchorlessProvider{comments.NewMemoryProvider()})
	if report.ThreadsCreated != 1 || report.CommentsCreated != 1 {
		t.Fatalf("unexpected sync report %+v", report)
	}
	if logs.FilterMessage("provider sync: set anchor failed").Len() != 1 {
		t.Fatalf("expected a warning for the rejected anchor, got %v", logs.All())
	}
}
