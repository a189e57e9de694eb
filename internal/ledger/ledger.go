// Package ledger tracks comments alongside document transactions so the
// comment set follows undo and redo.
//
// Every comment mutation is recorded under MetaKey on the transaction that
// carries it and mirrored into a cache. After a history step the cache is
// rebuilt from the comment marks that survived, recovering full content from
// the recovery store. Threads with no recovery record come back as
// placeholders and are reported as degraded.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"marginalia/api/internal/anchor"
	"marginalia/api/internal/commands"
	"marginalia/api/internal/comments"
	"marginalia/api/internal/editor"
	"marginalia/api/internal/metrics"
	"marginalia/api/internal/recovery"
	"marginalia/api/internal/util"
)

const (
	MetaKey = "transaction-comments"

	recoveryPrefix = "comment-"
	ledgerIDKey    = "ledgerId"
)

var (
	ErrCommentNotFound = errors.New("comment not found")
	ErrCommentExists   = errors.New("comment already exists")
	ErrEmptyRange      = errors.New("comment range is empty")
)

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

type Comment struct {
	ID        string         `json:"id"`
	ThreadID  string         `json:"threadId"`
	Content   string         `json:"content"`
	Author    string         `json:"author"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt *time.Time     `json:"updatedAt,omitempty"`
	DeletedAt *time.Time     `json:"deletedAt,omitempty"`
	Resolved  bool           `json:"resolved"`
	Position  editor.Range   `json:"position"`
	Data      map[string]any `json:"data,omitempty"`
}

func (c Comment) Deleted() bool { return c.DeletedAt != nil }

// Entry is one comment change recorded on a transaction. Previous holds the
// version the change replaced, nil for creations.
type Entry struct {
	Action    Action    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
	Comment   Comment   `json:"comment"`
	Previous  *Comment  `json:"previous,omitempty"`
}

type Update struct {
	Content  *string
	Resolved *bool
	Data     map[string]any
}

type Revision struct {
	Doc      *editor.Node `json:"doc"`
	Comments []Comment    `json:"comments"`
}

type Snapshot struct {
	Doc      *editor.Node `json:"doc"`
	Comments []Comment    `json:"comments"`
}

type RebuildReport struct {
	Threads     int      `json:"threads"`
	Restored    int      `json:"restored"`
	Synthesized []string `json:"synthesized"`
}

func (r RebuildReport) Degraded() bool { return len(r.Synthesized) > 0 }

type SyncReport struct {
	ThreadsCreated  int `json:"threadsCreated"`
	CommentsCreated int `json:"commentsCreated"`
}

// Host is the editor surface the ledger needs.
type Host interface {
	Doc() *editor.Node
	NewTx() *editor.Tx
	Dispatch(tx *editor.Tx) error
	SetSelection(r editor.Range) error
	OnUpdate(fn func(*editor.Tx)) func()
	Undo() bool
	Redo() bool
	CanUndo() bool
	CanRedo() bool
}

type Ledger struct {
	host     Host
	side     recovery.Store
	provider comments.Provider
	owned    func(threadID string) bool
	logger   *zap.Logger
	now      func() time.Time
	cache    map[string]Comment
}

type Option func(*Ledger)

func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithProvider makes history rebuilds repair the comment store.
func WithProvider(p comments.Provider) Option {
	return func(l *Ledger) { l.provider = p }
}

// WithThreadOwner names threads another store keeps. Rebuild leaves their
// marks alone unless the ledger holds a recovery record for them.
func WithThreadOwner(owned func(threadID string) bool) Option {
	return func(l *Ledger) { l.owned = owned }
}

func New(host Host, side recovery.Store, opts ...Option) *Ledger {
	if side == nil {
		side = recovery.NewMemoryStore()
	}
	l := &Ledger{
		host:   host,
		side:   side,
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
		cache:  map[string]Comment{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record merges a comment change into the transaction's ledger metadata.
func Record(tx *editor.Tx, action Action, c Comment, previous *Comment, at time.Time) {
	entries := map[string]Entry{}
	for id, e := range FromTransaction(tx) {
		entries[id] = e
	}
	entries[c.ID] = Entry{Action: action, Timestamp: at, Comment: c, Previous: previous}
	tx.SetMeta(MetaKey, entries)
}

func FromTransaction(tx *editor.Tx) map[string]Entry {
	return entriesFrom(tx.Meta(MetaKey))
}

func entriesFrom(value any) map[string]Entry {
	entries, _ := value.(map[string]Entry)
	if entries == nil {
		return map[string]Entry{}
	}
	return entries
}

// CreateComment anchors c over c.Position in a single undoable transaction.
func (l *Ledger) CreateComment(c Comment) (Comment, error) {
	if c.Position.Empty() {
		return Comment{}, ErrEmptyRange
	}
	if c.ID == "" {
		c.ID = util.NewID("comment")
	}
	if c.ThreadID == "" {
		c.ThreadID = c.ID
	}
	if _, exists := l.cache[c.ID]; exists {
		return Comment{}, fmt.Errorf("%w: %s", ErrCommentExists, c.ID)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = l.now()
	}

	tx := l.host.NewTx().AddMark(c.Position.From, c.Position.To, editor.CommentMark(c.ThreadID, false))
	Record(tx, ActionCreate, c, nil, l.now())
	if err := l.host.Dispatch(tx); err != nil {
		return Comment{}, fmt.Errorf("create comment: %w", err)
	}

	l.cache[c.ID] = c
	l.persist(c.ThreadID)
	l.logger.Debug("ledger comment created", zap.String("comment_id", c.ID), zap.String("thread_id", c.ThreadID))
	return c, nil
}

func (l *Ledger) UpdateComment(id string, u Update) (Comment, error) {
	c, ok := l.cache[id]
	if !ok {
		return Comment{}, fmt.Errorf("%w: %s", ErrCommentNotFound, id)
	}
	if u.Content != nil {
		c.Content = *u.Content
	}
	if u.Resolved != nil {
		c.Resolved = *u.Resolved
	}
	if u.Data != nil {
		merged := make(map[string]any, len(c.Data)+len(u.Data))
		for k, v := range c.Data {
			merged[k] = v
		}
		for k, v := range u.Data {
			merged[k] = v
		}
		c.Data = merged
	}
	at := l.now()
	c.UpdatedAt = &at
	return c, l.commit(ActionUpdate, c)
}

// DeleteComment soft deletes; the annotation stays until its thread is removed.
func (l *Ledger) DeleteComment(id string) error {
	c, ok := l.cache[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCommentNotFound, id)
	}
	at := l.now()
	c.DeletedAt = &at
	return l.commit(ActionDelete, c)
}

func (l *Ledger) ResolveComment(id string) (Comment, error) {
	resolved := true
	return l.UpdateComment(id, Update{Resolved: &resolved})
}

func (l *Ledger) commit(action Action, c Comment) error {
	tx := l.host.NewTx()
	previous := l.cache[c.ID]
	Record(tx, action, c, &previous, l.now())
	if err := l.host.Dispatch(tx); err != nil {
		return fmt.Errorf("%s comment: %w", action, err)
	}
	l.cache[c.ID] = c
	l.persist(c.ThreadID)
	return nil
}

// JumpTo selects the live span of a comment's thread.
func (l *Ledger) JumpTo(id string) error {
	c, ok := l.cache[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCommentNotFound, id)
	}
	r := c.Position
	if tr, ok := anchor.FirstRange(l.host.Doc(), c.ThreadID); ok {
		r = editor.Range{From: tr.From, To: tr.To}
	}
	return l.host.SetSelection(r)
}

// ApplyRevision swaps the whole document and records every comment change
// in the same transaction, so a single undo reverts both.
func (l *Ledger) ApplyRevision(rev Revision) error {
	tx := l.host.NewTx().ReplaceDoc(rev.Doc)
	at := l.now()
	updated := make([]Comment, 0, len(rev.Comments))
	for _, c := range rev.Comments {
		if c.ID == "" {
			c.ID = util.NewID("comment")
		}
		if c.ThreadID == "" {
			c.ThreadID = c.ID
		}
		if existing, ok := l.cache[c.ID]; ok {
			c.CreatedAt = existing.CreatedAt
			c.UpdatedAt = &at
			Record(tx, ActionUpdate, c, &existing, at)
		} else {
			if c.CreatedAt.IsZero() {
				c.CreatedAt = at
			}
			Record(tx, ActionCreate, c, nil, at)
		}
		updated = append(updated, c)
	}
	if err := l.host.Dispatch(tx); err != nil {
		return fmt.Errorf("apply revision: %w", err)
	}

	threads := map[string]bool{}
	for _, c := range updated {
		l.cache[c.ID] = c
		threads[c.ThreadID] = true
	}
	for tid := range threads {
		l.persist(tid)
	}
	l.logger.Info("revision applied", zap.Int("comments", len(updated)), zap.Int("size", l.host.Doc().Size()))
	return nil
}

func (l *Ledger) Snapshot() Snapshot {
	return Snapshot{Doc: l.host.Doc(), Comments: l.Comments()}
}

// Comments returns every cached comment, soft deleted ones included, oldest first.
func (l *Ledger) Comments() []Comment {
	out := make([]Comment, 0, len(l.cache))
	for _, c := range l.cache {
		out = append(out, c)
	}
	sortComments(out)
	return out
}

func (l *Ledger) Comment(id string) (Comment, bool) {
	c, ok := l.cache[id]
	return c, ok
}

func (l *Ledger) CommentsByThread(threadID string) []Comment {
	out := []Comment{}
	for _, c := range l.cache {
		if c.ThreadID == threadID {
			out = append(out, c)
		}
	}
	sortComments(out)
	return out
}

func (l *Ledger) Has(id string) bool {
	_, ok := l.cache[id]
	return ok
}

// Count is the number of comments that are not deleted.
func (l *Ledger) Count() int {
	n := 0
	for _, c := range l.cache {
		if !c.Deleted() {
			n++
		}
	}
	return n
}

func (l *Ledger) ResolvedCount() int {
	n := 0
	for _, c := range l.cache {
		if !c.Deleted() && c.Resolved {
			n++
		}
	}
	return n
}

func (l *Ledger) ActiveCount() int {
	return l.Count() - l.ResolvedCount()
}

func (l *Ledger) Undo() bool    { return l.host.Undo() }
func (l *Ledger) Redo() bool    { return l.host.Redo() }
func (l *Ledger) CanUndo() bool { return l.host.CanUndo() }
func (l *Ledger) CanRedo() bool { return l.host.CanRedo() }

// Rebuild replaces the cache with what the current marks imply. Threads the
// owner reports and that have no recovery record are left out.
func (l *Ledger) Rebuild() RebuildReport {
	metrics.LedgerRebuilds.Inc()
	l.cache = map[string]Comment{}
	report := RebuildReport{Synthesized: []string{}}

	doc := l.host.Doc()
	seen := map[string]bool{}
	for _, tr := range anchor.MergedRanges(doc) {
		if seen[tr.ThreadID] {
			continue
		}
		seen[tr.ThreadID] = true
		position := editor.Range{From: tr.From, To: tr.To}

		restored, ok := l.recover(tr.ThreadID)
		if !ok && l.owned != nil && l.owned(tr.ThreadID) {
			continue
		}
		report.Threads++
		if ok {
			for _, c := range restored {
				c.Position = position
				l.cache[c.ID] = c
			}
			report.Restored += len(restored)
			continue
		}

		text := doc.TextBetween(tr.From, tr.To, " ")
		l.cache[tr.ThreadID] = Comment{
			ID:        tr.ThreadID,
			ThreadID:  tr.ThreadID,
			Content:   fmt.Sprintf("Comment for %q", text),
			Author:    "unknown",
			CreatedAt: l.now(),
			Position:  position,
		}
		report.Synthesized = append(report.Synthesized, tr.ThreadID)
		metrics.LedgerSynthesized.Inc()
	}

	if report.Degraded() {
		l.logger.Warn("ledger rebuilt with placeholder comments", zap.Strings("thread_ids", report.Synthesized))
	} else {
		l.logger.Debug("ledger rebuilt", zap.Int("threads", report.Threads), zap.Int("restored", report.Restored))
	}
	return report
}

// SyncProvider creates in p every thread and comment the ledger holds that p
// lacks. Content already in p is never overwritten.
func (l *Ledger) SyncProvider(p comments.Provider) SyncReport {
	var report SyncReport
	byThread := map[string][]Comment{}
	var order []string
	for _, c := range l.Comments() {
		if c.Deleted() {
			continue
		}
		if _, ok := byThread[c.ThreadID]; !ok {
			order = append(order, c.ThreadID)
		}
		byThread[c.ThreadID] = append(byThread[c.ThreadID], c)
	}

	for _, tid := range order {
		if _, ok := p.Thread(tid); !ok {
			if _, err := p.CreateThread(tid, map[string]any{"source": "ledger"}); err != nil {
				l.logger.Warn("provider sync: create thread failed", zap.String("thread_id", tid), zap.Error(err))
				continue
			}
			report.ThreadsCreated++
			first := byThread[tid][0].Position
			if err := p.SetAnchor(tid, comments.Range{From: first.From, To: first.To}); err != nil {
				l.logger.Warn("provider sync: set anchor failed", zap.String("thread_id", tid), zap.Error(err))
			}
		}
		known := map[string]bool{}
		for _, existing := range p.Comments(tid) {
			if id, ok := existing.Data[ledgerIDKey].(string); ok {
				known[id] = true
			}
		}
		for _, c := range byThread[tid] {
			if known[c.ID] {
				continue
			}
			if _, err := p.CreateComment(tid, c.Content, c.Author, map[string]any{ledgerIDKey: c.ID}); err != nil {
				l.logger.Warn("provider sync: create comment failed", zap.String("comment_id", c.ID), zap.Error(err))
				continue
			}
			report.CommentsCreated++
		}
	}
	return report
}

// Watch keeps the cache in step with the editor. After undo or redo the cache
// is rebuilt, the provider (when set) repaired, and onChange called.
func (l *Ledger) Watch(onChange func(RebuildReport)) func() {
	return l.host.OnUpdate(func(tx *editor.Tx) {
		if meta, ok := tx.Meta(commands.MetaThread).(commands.ThreadMeta); ok && meta.Action == commands.ActionRemove {
			l.evict(meta.ThreadID)
		}
		if !editor.FromHistory(tx) {
			return
		}
		if hist, ok := tx.Meta(editor.MetaHistory).(editor.HistoryMeta); ok {
			l.replay(entriesFrom(hist.Origin[MetaKey]), hist.Redo)
		}
		report := l.Rebuild()
		if l.provider != nil {
			l.SyncProvider(l.provider)
		}
		if onChange != nil {
			onChange(report)
		}
	})
}

// replay writes the comment versions a history step returns to into the
// recovery records, so the rebuild that follows restores matching content.
// Undo restores the replaced versions. Redo only fills in comments that have
// no record yet, since later meta-only changes live in the record and never
// in history.
func (l *Ledger) replay(entries map[string]Entry, redo bool) {
	threads := map[string]bool{}
	for _, e := range entries {
		switch {
		case redo && e.Action == ActionCreate:
			if l.recorded(e.Comment.ThreadID, e.Comment.ID) {
				continue
			}
			l.cache[e.Comment.ID] = e.Comment
		case redo:
			l.cache[e.Comment.ID] = e.Comment
		case e.Previous != nil:
			l.cache[e.Previous.ID] = *e.Previous
		default:
			continue
		}
		threads[e.Comment.ThreadID] = true
	}
	for tid := range threads {
		l.persist(tid)
	}
}

func (l *Ledger) recorded(threadID, commentID string) bool {
	record, ok := l.recover(threadID)
	if !ok {
		return false
	}
	for _, c := range record {
		if c.ID == commentID {
			return true
		}
	}
	return false
}

// evict drops a thread's comments from the cache. The recovery record stays
// so an undo that restores the annotation also restores the content.
func (l *Ledger) evict(threadID string) {
	for id, c := range l.cache {
		if c.ThreadID == threadID {
			delete(l.cache, id)
		}
	}
}

func (l *Ledger) persist(threadID string) {
	record := l.CommentsByThread(threadID)
	key := recoveryPrefix + threadID
	if len(record) == 0 {
		if err := l.side.Remove(key); err != nil {
			metrics.RecoveryErrors.WithLabelValues("remove").Inc()
			l.logger.Warn("recovery remove failed", zap.String("key", key), zap.Error(err))
		}
		return
	}
	data, err := json.Marshal(record)
	if err != nil {
		l.logger.Error("recovery encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := l.side.Set(key, string(data)); err != nil {
		metrics.RecoveryErrors.WithLabelValues("set").Inc()
		l.logger.Warn("recovery write failed", zap.String("key", key), zap.Error(err))
	}
}

func (l *Ledger) recover(threadID string) ([]Comment, bool) {
	key := recoveryPrefix + threadID
	raw, ok, err := l.side.Get(key)
	if err != nil {
		metrics.RecoveryErrors.WithLabelValues("get").Inc()
		l.logger.Warn("recovery read failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var record []Comment
	if err := json.Unmarshal([]byte(raw), &record); err != nil || len(record) == 0 {
		l.logger.Warn("recovery record unreadable", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return record, true
}

func sortComments(cs []Comment) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].CreatedAt.Before(cs[j].CreatedAt)
		}
		return cs[i].ID < cs[j].ID
	})
}
