package editor

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

var ErrStaleTx = errors.New("transaction was built against an older document")

const defaultHistoryDepth = 100

type historyEntry struct {
	before, after *Node
	selection     Range
	meta          map[string]any
}

// Editor holds one document, its selection and undo history.
// It is not safe for concurrent use.
type Editor struct {
	doc       *Node
	selection Range
	undo      []historyEntry
	redo      []historyEntry
	depth     int
	listeners map[int]func(*Tx)
	nextID    int
	logger    *zap.Logger
}

type Option func(*Editor)

func WithHistoryDepth(depth int) Option {
	return func(e *Editor) {
		if depth > 0 {
			e.depth = depth
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(e *Editor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func New(doc *Node, opts ...Option) (*Editor, error) {
	if err := doc.validate(); err != nil {
		return nil, err
	}
	e := &Editor{
		doc:       doc.Clone().normalized(),
		depth:     defaultHistoryDepth,
		listeners: map[int]func(*Tx){},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Editor) Doc() *Node { return e.doc }

func (e *Editor) Size() int { return e.doc.Size() }

func (e *Editor) Selection() Range { return e.selection }

func (e *Editor) SetSelection(r Range) error {
	if err := checkRange(e.doc, r.From, r.To); err != nil {
		return err
	}
	e.selection = r
	return nil
}

func (e *Editor) TextBetween(from, to int) (string, error) {
	if err := checkRange(e.doc, from, to); err != nil {
		return "", err
	}
	return e.doc.TextBetween(from, to, "\n"), nil
}

func (e *Editor) NewTx() *Tx {
	return newTx(e.doc)
}

// OnUpdate registers fn to run after every dispatched transaction.
func (e *Editor) OnUpdate(fn func(*Tx)) func() {
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	return func() { delete(e.listeners, id) }
}

// Dispatch commits tx. Listeners run after the new state is in place.
func (e *Editor) Dispatch(tx *Tx) error {
	if tx.err != nil {
		return tx.err
	}
	if tx.before != e.doc {
		return ErrStaleTx
	}
	if tx.selection != nil {
		if err := checkRange(tx.doc, tx.selection.From, tx.selection.To); err != nil {
			return fmt.Errorf("selection: %w", err)
		}
	}

	if tx.DocChanged() {
		if record, ok := tx.Meta(MetaAddToHistory).(bool); !ok || record {
			e.push(&e.undo, historyEntry{before: tx.before, after: tx.doc, selection: e.selection, meta: cloneAttrs(tx.meta)})
			e.redo = nil
		}
		e.doc = tx.doc
	}
	if tx.selection != nil {
		e.selection = *tx.selection
	} else {
		e.selection = e.clamp(e.selection)
	}
	e.notify(tx)
	return nil
}

func (e *Editor) CanUndo() bool { return len(e.undo) > 0 }

func (e *Editor) CanRedo() bool { return len(e.redo) > 0 }

func (e *Editor) Undo() bool {
	if len(e.undo) == 0 {
		return false
	}
	entry := e.undo[len(e.undo)-1]
	e.undo = e.undo[:len(e.undo)-1]
	e.push(&e.redo, entry)
	e.restore(entry.before, entry.selection, HistoryMeta{Origin: entry.meta})
	return true
}

func (e *Editor) Redo() bool {
	if len(e.redo) == 0 {
		return false
	}
	entry := e.redo[len(e.redo)-1]
	e.redo = e.redo[:len(e.redo)-1]
	e.push(&e.undo, entry)
	e.restore(entry.after, e.selection, HistoryMeta{Redo: true, Origin: entry.meta})
	return true
}

func (e *Editor) restore(doc *Node, selection Range, meta HistoryMeta) {
	tx := newTx(e.doc)
	tx.doc = doc
	tx.steps = []Step{ReplaceDocStep{Doc: doc}}
	tx.SetMeta(MetaHistory, meta).SetMeta(MetaAddToHistory, false)
	e.doc = doc
	e.selection = e.clamp(selection)
	e.logger.Debug("history restore", zap.Bool("redo", meta.Redo), zap.Int("size", doc.Size()))
	e.notify(tx)
}

func (e *Editor) push(stack *[]historyEntry, entry historyEntry) {
	*stack = append(*stack, entry)
	if len(*stack) > e.depth {
		*stack = (*stack)[len(*stack)-e.depth:]
	}
}

func (e *Editor) clamp(r Range) Range {
	size := e.doc.Size()
	r.From = min(max(r.From, 0), size)
	r.To = min(max(r.To, r.From), size)
	return r
}

func (e *Editor) notify(tx *Tx) {
	ids := make([]int, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if fn, ok := e.listeners[id]; ok {
			fn(tx)
		}
	}
}
