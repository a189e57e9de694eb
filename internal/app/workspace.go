package app

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"marginalia/api/internal/anchor"
	"marginalia/api/internal/commands"
	"marginalia/api/internal/comments"
	"marginalia/api/internal/editor"
	"marginalia/api/internal/ledger"
	"marginalia/api/internal/reconcile"
	"marginalia/api/internal/recovery"
	"marginalia/api/internal/search"
)

// Workspace is one open document: its editor, thread store, command kit,
// ledger and synchronizer. Every field is guarded by mu, which the
// synchronizer also holds while a debounced run executes.
type Workspace struct {
	mu sync.Mutex

	id        string
	title     string
	updatedAt time.Time
	dirty     bool

	editor   *editor.Editor
	provider *comments.MemoryProvider
	kit      *commands.Kit
	ledger   *ledger.Ledger
	sync     *reconcile.Synchronizer

	lastSync    *reconcile.Result
	lastRebuild *ledger.RebuildReport
	indexed     map[string]bool
	detach      []func()
}

type workspaceOptions struct {
	HistoryDepth   int
	SyncDelay      time.Duration
	LegacyWrapping bool
	Recovery       recovery.Store
	Logger         *zap.Logger
}

func openWorkspace(id, title string, doc *editor.Node, threads []comments.Thread, opts workspaceOptions) (*Workspace, error) {
	logger := opts.Logger.With(zap.String("document_id", id))
	ed, err := editor.New(doc, editor.WithHistoryDepth(opts.HistoryDepth), editor.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	w := &Workspace{
		id:       id,
		title:    title,
		editor:   ed,
		provider: comments.NewMemoryProvider(),
		indexed:  map[string]bool{},
	}
	w.provider.Restore(threads)
	for _, record := range w.commentRecords() {
		w.indexed[record.ID] = true
	}

	w.kit = commands.New(ed, commands.Options{
		Provider:       w.provider,
		LegacyWrapping: opts.LegacyWrapping,
		Logger:         logger.Named("commands"),
	})
	w.kit.Attach()

	side := opts.Recovery
	if side == nil {
		side = recovery.NewMemoryStore()
	}
	w.ledger = ledger.New(ed, recovery.NewScoped(side, id),
		ledger.WithLogger(logger.Named("ledger")),
		ledger.WithThreadOwner(func(tid string) bool {
			_, ok := w.provider.Thread(tid)
			return ok
		}),
	)

	w.sync = reconcile.New(ed, w.provider, reconcile.Options{
		Remover: w.kit,
		Delay:   opts.SyncDelay,
		Locker:  &w.mu,
		Logger:  logger.Named("sync"),
		OnSync: func(res reconcile.Result) {
			w.lastSync = &res
			w.dirty = true
		},
	})

	w.detach = append(w.detach,
		w.ledger.Watch(func(report ledger.RebuildReport) { w.lastRebuild = &report }),
		ed.OnUpdate(func(tx *editor.Tx) {
			if tx.DocChanged() {
				w.dirty = true
				w.updatedAt = time.Now().UTC()
				w.sync.Debounced()
			}
		}),
	)
	return w, nil
}

func (w *Workspace) close() {
	w.sync.Close()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.kit.Close()
	for _, fn := range w.detach {
		fn()
	}
	w.detach = nil
}

// threadView is a stored thread together with where its annotation lives now.
type threadView struct {
	comments.Thread
	Ranges []anchor.ThreadRange `json:"ranges"`
	Quote  string               `json:"quote"`
}

func (w *Workspace) threadViews() []threadView {
	live := anchor.ByThread(w.editor.Doc())
	threads := w.provider.Threads()
	out := make([]threadView, 0, len(threads))
	for _, t := range threads {
		out = append(out, w.view(t, live[t.ID]))
	}
	return out
}

func (w *Workspace) threadView(id string) (threadView, bool) {
	t, ok := w.provider.Thread(id)
	if !ok {
		return threadView{}, false
	}
	return w.view(t, anchor.ByThread(w.editor.Doc())[id]), true
}

func (w *Workspace) view(t comments.Thread, ranges []anchor.ThreadRange) threadView {
	if ranges == nil {
		ranges = []anchor.ThreadRange{}
	}
	v := threadView{Thread: t, Ranges: ranges}
	if len(ranges) > 0 {
		v.Quote = w.editor.Doc().TextBetween(ranges[0].From, ranges[0].To, " ")
	}
	return v
}

func (w *Workspace) quote(threadID string) string {
	tr, ok := anchor.FirstRange(w.editor.Doc(), threadID)
	if !ok {
		return ""
	}
	return w.editor.Doc().TextBetween(tr.From, tr.To, " ")
}

func (w *Workspace) commentRecords() []search.CommentRecord {
	records := []search.CommentRecord{}
	for _, t := range w.provider.Threads() {
		records = append(records, search.CommentRecords(w.id, t, w.quote(t.ID))...)
	}
	return records
}

// reindex returns the live records and the previously indexed ids that are
// gone, and remembers the new set.
func (w *Workspace) reindex() ([]search.CommentRecord, []string) {
	records := w.commentRecords()
	next := make(map[string]bool, len(records))
	for _, record := range records {
		next[record.ID] = true
	}
	stale := []string{}
	for id := range w.indexed {
		if !next[id] {
			stale = append(stale, id)
		}
	}
	w.indexed = next
	return records, stale
}

func (w *Workspace) docJSON() (json.RawMessage, error) {
	return json.Marshal(w.editor.Doc())
}

func (w *Workspace) summary() map[string]any {
	return map[string]any{
		"id":        w.id,
		"title":     w.title,
		"doc":       w.editor.Doc(),
		"size":      w.editor.Size(),
		"selection": w.editor.Selection(),
		"threads":   w.threadViews(),
		"canUndo":   w.editor.CanUndo(),
		"canRedo":   w.editor.CanRedo(),
		"focused":   w.kit.FocusedThreads(),
		"hovered":   w.kit.HoveredThreads(),
		"dirty":     w.dirty,
		"lastSync":  w.lastSync,
	}
}
