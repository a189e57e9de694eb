package editor

const (
	MetaAddToHistory = "addToHistory"
	MetaHistory      = "history$"
	MetaUIEvent      = "uiEvent"
	MetaIsUndo       = "isUndo"
	MetaIsRedo       = "isRedo"
)

// HistoryMeta is attached under MetaHistory to transactions produced by undo
// and redo. Origin is the metadata of the transaction being undone or redone.
type HistoryMeta struct {
	Redo   bool
	Origin map[string]any
}

// Range is a half-open position range. From == To means no selection.
type Range struct {
	From int `json:"from"`
	To   int `json:"to"`
}

func (r Range) Empty() bool { return r.From == r.To }

// Tx collects steps against a document snapshot. Steps are applied as they
// are added; the first failing step poisons the transaction.
type Tx struct {
	before    *Node
	doc       *Node
	steps     []Step
	meta      map[string]any
	selection *Range
	err       error
}

func newTx(doc *Node) *Tx {
	return &Tx{before: doc, doc: doc, meta: map[string]any{}}
}

func (t *Tx) Before() *Node { return t.before }

func (t *Tx) Doc() *Node { return t.doc }

func (t *Tx) Steps() []Step { return t.steps }

func (t *Tx) DocChanged() bool { return len(t.steps) > 0 }

func (t *Tx) Err() error { return t.err }

func (t *Tx) SetMeta(key string, value any) *Tx {
	t.meta[key] = value
	return t
}

func (t *Tx) Meta(key string) any {
	return t.meta[key]
}

func (t *Tx) SetSelection(r Range) *Tx {
	t.selection = &r
	return t
}

func (t *Tx) Step(step Step) *Tx {
	if t.err != nil {
		return t
	}
	next, err := step.Apply(t.doc)
	if err != nil {
		t.err = err
		return t
	}
	t.doc = next
	t.steps = append(t.steps, step)
	return t
}

func (t *Tx) AddMark(from, to int, mark Mark) *Tx {
	return t.Step(AddMarkStep{From: from, To: to, Mark: mark})
}

func (t *Tx) RemoveMark(from, to int, mark Mark) *Tx {
	return t.Step(RemoveMarkStep{From: from, To: to, Mark: mark})
}

func (t *Tx) InsertText(pos int, text string) *Tx {
	return t.Step(InsertTextStep{Pos: pos, Text: text})
}

func (t *Tx) Delete(from, to int) *Tx {
	return t.Step(DeleteStep{From: from, To: to})
}

func (t *Tx) ReplaceDoc(doc *Node) *Tx {
	return t.Step(ReplaceDocStep{Doc: doc})
}

// FromHistory reports whether the transaction came from undo or redo,
// whichever convention the producer used to tag it.
func FromHistory(t *Tx) bool {
	if v, ok := t.Meta(MetaIsUndo).(bool); ok && v {
		return true
	}
	if v, ok := t.Meta(MetaIsRedo).(bool); ok && v {
		return true
	}
	if ev, ok := t.Meta(MetaUIEvent).(string); ok && (ev == "undo" || ev == "redo") {
		return true
	}
	if v, ok := t.Meta(MetaAddToHistory).(bool); ok && !v {
		return true
	}
	return t.Meta(MetaHistory) != nil
}
