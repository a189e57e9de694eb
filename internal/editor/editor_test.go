package editor

import (
	"errors"
	"testing"
)

func plain(doc *Node) string {
	return doc.TextBetween(0, doc.Size(), "\n")
}

func threadIDs(n *Node) []string {
	var ids []string
	for _, m := range n.Marks {
		if m.Type == CommentMarkType {
			ids = append(ids, m.Attr("threadId"))
		}
	}
	return ids
}

func TestSizeAndTextBetween(t *testing.T) {
	tests := []struct {
		name string
		doc  *Node
		size int
		text string
	}{
		{"single paragraph", Doc(Paragraph(Text("Hello world"))), 11, "Hello world"},
		{"two paragraphs", Doc(Paragraph(Text("ab")), Paragraph(Text("cd"))), 5, "ab\ncd"},
		{"empty paragraph", Doc(Paragraph()), 0, ""},
		{"hard break", Doc(Paragraph(Text("a"), HardBreak(), Text("b"))), 3, "a\nb"},
		{"unicode", Doc(Paragraph(Text("héllo"))), 5, "héllo"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.doc.Size(); got != tc.size {
				t.Fatalf("expected size %d, got %d", tc.size, got)
			}
			if got := plain(tc.doc); got != tc.text {
				t.Fatalf("expected %q, got %q", tc.text, got)
			}
		})
	}
}

func TestDescendantsPositions(t *testing.T) {
	doc := Doc(Paragraph(Text("ab")), Paragraph(Text("cd")))
	var got []int
	doc.Descendants(func(node *Node, pos int) bool {
		if node.IsText() {
			got = append(got, pos)
		}
		return true
	})
	if len(got) != 2 || got[0] != 0 || got[1] != 3 {
		t.Fatalf("unexpected text positions %v", got)
	}
}

func TestAddMarkSplitsAndStacks(t *testing.T) {
	doc := Doc(Paragraph(Text("Hello world")))
	doc, err := AddMarkStep{From: 0, To: 5, Mark: CommentMark("t1", false)}.Apply(doc)
	if err != nil {
		t.Fatalf("add t1: %v", err)
	}
	doc, err = AddMarkStep{From: 3, To: 8, Mark: CommentMark("t2", false)}.Apply(doc)
	if err != nil {
		t.Fatalf("add t2: %v", err)
	}

	parts := doc.Content[0].Content
	want := []struct {
		text string
		ids  []string
	}{
		{"Hel", []string{"t1"}},
		{"lo", []string{"t1", "t2"}},
		{" wo", []string{"t2"}},
		{"rld", nil},
	}
	if len(parts) != len(want) {
		t.Fatalf("expected %d text nodes, got %d", len(want), len(parts))
	}
	for i, w := range want {
		if parts[i].Text != w.text {
			t.Fatalf("node %d: expected %q, got %q", i, w.text, parts[i].Text)
		}
		ids := threadIDs(parts[i])
		if len(ids) != len(w.ids) {
			t.Fatalf("node %d: expected marks %v, got %v", i, w.ids, ids)
		}
		for j := range ids {
			if ids[j] != w.ids[j] {
				t.Fatalf("node %d: expected marks %v, got %v", i, w.ids, ids)
			}
		}
	}
}

func TestAddMarkIsIdempotent(t *testing.T) {
	doc := Doc(Paragraph(Text("Hello")))
	mark := CommentMark("t1", false)
	doc, _ = AddMarkStep{From: 0, To: 5, Mark: mark}.Apply(doc)
	doc, _ = AddMarkStep{From: 0, To: 5, Mark: mark}.Apply(doc)
	if got := len(doc.Content[0].Content[0].Marks); got != 1 {
		t.Fatalf("expected one mark, got %d", got)
	}
}

func TestRemoveMarkOnlyTouchesMatchingThread(t *testing.T) {
	doc := Doc(Paragraph(Text("Hello world")))
	doc, _ = AddMarkStep{From: 0, To: 5, Mark: CommentMark("t1", false)}.Apply(doc)
	doc, _ = AddMarkStep{From: 3, To: 8, Mark: CommentMark("t2", false)}.Apply(doc)

	doc, err := RemoveMarkStep{From: 0, To: doc.Size(), Mark: CommentMark("t1", false)}.Apply(doc)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	parts := doc.Content[0].Content
	if len(parts) != 3 {
		t.Fatalf("expected 3 nodes after merge, got %d", len(parts))
	}
	if parts[1].Text != "lo wo" || len(threadIDs(parts[1])) != 1 || threadIDs(parts[1])[0] != "t2" {
		t.Fatalf("expected t2 to survive on %q, got %v", parts[1].Text, threadIDs(parts[1]))
	}
}

func TestInsertTextInheritsMarksInsideSpan(t *testing.T) {
	doc := Doc(Paragraph(Text("Hello", CommentMark("t1", false)), Text(" world")))
	doc, err := InsertTextStep{Pos: 5, Text: "!"}.Apply(doc)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	doc, err = InsertTextStep{Pos: 0, Text: ">"}.Apply(doc)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	parts := doc.Content[0].Content
	if parts[0].Text != ">" || len(parts[0].Marks) != 0 {
		t.Fatalf("expected unmarked prefix, got %+v", parts[0])
	}
	if parts[1].Text != "Hello!" || len(threadIDs(parts[1])) != 1 {
		t.Fatalf("expected marked Hello!, got %+v", parts[1])
	}
}

func TestDelete(t *testing.T) {
	tests := []struct {
		name     string
		from, to int
		want     string
	}{
		{"within block", 0, 1, "b\ncd"},
		{"across blocks", 1, 4, "ad"},
		{"block boundary joins", 2, 3, "abcd"},
		{"everything", 0, 5, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			doc := Doc(Paragraph(Text("ab")), Paragraph(Text("cd")))
			out, err := DeleteStep{From: tc.from, To: tc.to}.Apply(doc)
			if err != nil {
				t.Fatalf("delete: %v", err)
			}
			if got := plain(out); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
			if plain(doc) != "ab\ncd" {
				t.Fatalf("input document was mutated")
			}
		})
	}
}

func TestStepsRejectOutOfBounds(t *testing.T) {
	doc := Doc(Paragraph(Text("abc")))
	steps := []Step{
		AddMarkStep{From: 0, To: 4, Mark: CommentMark("t1", false)},
		DeleteStep{From: -1, To: 1},
		InsertTextStep{Pos: 9, Text: "x"},
	}
	for _, step := range steps {
		if _, err := step.Apply(doc); !errors.Is(err, ErrInvalidRange) {
			t.Fatalf("expected ErrInvalidRange for %T, got %v", step, err)
		}
	}
}

func TestDispatchHistory(t *testing.T) {
	e, err := New(Doc(Paragraph(Text("Hello"))))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	var seen []*Tx
	stop := e.OnUpdate(func(tx *Tx) { seen = append(seen, tx) })
	defer stop()

	if err := e.Dispatch(e.NewTx().InsertText(5, " there")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if plain(e.Doc()) != "Hello there" || !e.CanUndo() || e.CanRedo() {
		t.Fatalf("unexpected state after edit: %q", plain(e.Doc()))
	}

	if !e.Undo() {
		t.Fatalf("expected undo to succeed")
	}
	if plain(e.Doc()) != "Hello" || !e.CanRedo() {
		t.Fatalf("unexpected state after undo: %q", plain(e.Doc()))
	}
	last := seen[len(seen)-1]
	if !FromHistory(last) {
		t.Fatalf("expected undo transaction to be tagged as history")
	}
	if meta, ok := last.Meta(MetaHistory).(HistoryMeta); !ok || meta.Redo {
		t.Fatalf("expected undo history meta, got %#v", last.Meta(MetaHistory))
	}

	if !e.Redo() || plain(e.Doc()) != "Hello there" {
		t.Fatalf("expected redo to restore edit")
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 notifications, got %d", len(seen))
	}

	e.Undo()
	_ = e.Dispatch(e.NewTx().Delete(0, 1))
	if e.CanRedo() {
		t.Fatalf("expected new edit to clear redo stack")
	}
}

func TestDispatchSkipsHistoryWhenAsked(t *testing.T) {
	e, _ := New(Doc(Paragraph(Text("Hello"))))
	tx := e.NewTx().InsertText(0, "x").SetMeta(MetaAddToHistory, false)
	if err := e.Dispatch(tx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if e.CanUndo() {
		t.Fatalf("expected no history entry")
	}
}

func TestDispatchRejectsStaleAndFailedTransactions(t *testing.T) {
	e, _ := New(Doc(Paragraph(Text("Hello"))))
	first := e.NewTx().InsertText(0, "a")
	second := e.NewTx().InsertText(0, "b")
	if err := e.Dispatch(first); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := e.Dispatch(second); !errors.Is(err, ErrStaleTx) {
		t.Fatalf("expected ErrStaleTx, got %v", err)
	}

	bad := e.NewTx().Delete(0, 100)
	if err := e.Dispatch(bad); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
	if plain(e.Doc()) != "aHello" {
		t.Fatalf("failed transaction changed the document: %q", plain(e.Doc()))
	}
}

func TestMetaOnlyTransactionKeepsDocument(t *testing.T) {
	e, _ := New(Doc(Paragraph(Text("Hello"))))
	before := e.Doc()
	if err := e.Dispatch(e.NewTx().SetMeta("ping", true)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if e.Doc() != before || e.CanUndo() {
		t.Fatalf("meta-only transaction must not change the document or history")
	}
}

func TestSelectionClampsAfterDelete(t *testing.T) {
	e, _ := New(Doc(Paragraph(Text("Hello world"))))
	if err := e.SetSelection(Range{From: 6, To: 11}); err != nil {
		t.Fatalf("select: %v", err)
	}
	_ = e.Dispatch(e.NewTx().Delete(5, 11))
	if sel := e.Selection(); sel.From != 5 || sel.To != 5 {
		t.Fatalf("expected clamped selection, got %+v", sel)
	}
	if err := e.SetSelection(Range{From: 3, To: 2}); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
}

func TestParse(t *testing.T) {
	doc, err := Parse([]byte(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"Hi","marks":[{"type":"commentMark","attrs":{"threadId":"t1"}}]},{"type":"text","text":"!"}]}]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if doc.Size() != 3 || threadIDs(doc.Content[0].Content[0])[0] != "t1" {
		t.Fatalf("unexpected parse result: %+v", doc)
	}
	if _, err := Parse([]byte(`{"type":"paragraph"}`)); !errors.Is(err, ErrInvalidDocument) {
		t.Fatalf("expected ErrInvalidDocument, got %v", err)
	}
}
