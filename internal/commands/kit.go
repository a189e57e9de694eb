// Package commands is the comment command surface bound to one editor session.
// Commands report success as a bool; rejected commands leave both the document
// and the comment store untouched.
package commands

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"marginalia/api/internal/anchor"
	"marginalia/api/internal/comments"
	"marginalia/api/internal/editor"
	"marginalia/api/internal/metrics"
	"marginalia/api/internal/util"
)

const (
	MetaThread      = "commentThread"
	MetaSelection   = "commentSelection"
	MetaStoreUpdate = "comments:update"

	ShortcutCreateThread = "Mod-Shift-c"
)

type Action string

const (
	ActionCreate    Action = "create"
	ActionRemove    Action = "remove"
	ActionResolve   Action = "resolve"
	ActionUnresolve Action = "unresolve"
	ActionSelect    Action = "select"
	ActionUnselect  Action = "unselect"
)

// ThreadMeta is attached to transactions produced by thread commands.
type ThreadMeta struct {
	Action   Action
	ThreadID string
	Range    editor.Range
}

// Host is the part of the editor the commands drive.
type Host interface {
	Doc() *editor.Node
	Selection() editor.Range
	NewTx() *editor.Tx
	Dispatch(tx *editor.Tx) error
}

type Options struct {
	Provider       comments.Provider
	User           *comments.User
	LegacyWrapping bool
	Logger         *zap.Logger
	NewID          func() string

	OnClickThread   func(threadID string)
	OnCreateThread  func(threadID string)
	OnDeleteThread  func(threadID string)
	OnResolveThread func(threadID string)
	OnUpdateComment func(threadID, commentID, content string, data map[string]any)
}

type CreateThreadOptions struct {
	ID    string
	Range *editor.Range
	Data  map[string]any
}

type SelectThreadOptions struct {
	ID              string
	UpdateSelection bool
}

type UpdateCommentOptions struct {
	ThreadID string
	ID       string
	Content  string
	Data     map[string]any
}

type focusState struct {
	mu      sync.Mutex
	focused []string
	hovered []string
	detach  func()
}

type Kit struct {
	host     Host
	provider comments.Provider
	user     *comments.User
	opts     Options
	logger   *zap.Logger
	state    *focusState
}

func New(host Host, opts Options) *Kit {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return util.NewID("thread") }
	}
	return &Kit{
		host:     host,
		provider: opts.Provider,
		user:     opts.User,
		opts:     opts,
		logger:   opts.Logger,
		state:    &focusState{},
	}
}

// As returns a view of the kit that acts on behalf of user.
func (k *Kit) As(user *comments.User) *Kit {
	clone := *k
	clone.user = user
	return &clone
}

func (k *Kit) User() *comments.User { return k.user }

func (k *Kit) Provider() comments.Provider { return k.provider }

// Attach forwards store updates into the editor as meta-only transactions.
func (k *Kit) Attach() {
	k.state.mu.Lock()
	defer k.state.mu.Unlock()
	if k.state.detach != nil {
		return
	}
	k.state.detach = k.provider.OnUpdate(func(threads []comments.Thread) {
		if err := k.host.Dispatch(k.host.NewTx().SetMeta(MetaStoreUpdate, len(threads))); err != nil {
			k.logger.Warn("store update dispatch failed", zap.Error(err))
		}
	})
}

func (k *Kit) Close() {
	k.state.mu.Lock()
	defer k.state.mu.Unlock()
	if k.state.detach != nil {
		k.state.detach()
		k.state.detach = nil
	}
}

// CreateThread anchors a new thread to the selection, or to opts.Range when set.
func (k *Kit) CreateThread(opts CreateThreadOptions) bool {
	r := k.host.Selection()
	if opts.Range != nil {
		r = *opts.Range
	}
	if r.Empty() {
		return k.reject("createThread", "empty selection")
	}
	id := opts.ID
	if id == "" {
		id = k.opts.NewID()
	}
	if _, exists := k.provider.Thread(id); exists {
		return k.reject("createThread", "thread already exists", zap.String("thread_id", id))
	}

	tx := k.host.NewTx().
		AddMark(r.From, r.To, editor.CommentMark(id, k.opts.LegacyWrapping)).
		SetMeta(MetaThread, ThreadMeta{Action: ActionCreate, ThreadID: id, Range: r})
	if err := tx.Err(); err != nil {
		return k.reject("createThread", "invalid range", zap.Error(err))
	}

	if _, err := k.provider.CreateThread(id, opts.Data); err != nil {
		return k.reject("createThread", "store rejected thread", zap.Error(err))
	}
	if err := k.provider.SetAnchor(id, comments.Range{From: r.From, To: r.To}); err != nil {
		k.logger.Warn("set anchor failed", zap.String("thread_id", id), zap.Error(err))
	}
	if err := k.host.Dispatch(tx); err != nil {
		if rollbackErr := k.provider.DeleteThread(id); rollbackErr != nil {
			k.logger.Error("rollback of thread failed", zap.String("thread_id", id), zap.Error(rollbackErr))
		}
		return k.reject("createThread", "dispatch failed", zap.Error(err))
	}

	k.logger.Debug("thread created", zap.String("thread_id", id), zap.Int("from", r.From), zap.Int("to", r.To))
	call(k.opts.OnCreateThread, id)
	return true
}

// RemoveThread strips the thread's annotation and deletes it from the store.
// When the store delete fails the marks are already gone and the thread is
// left for the synchronizer to collect.
func (k *Kit) RemoveThread(id string) bool {
	var fragments []anchor.ThreadRange
	for _, tr := range anchor.Ranges(k.host.Doc()) {
		if tr.ThreadID == id {
			fragments = append(fragments, tr)
		}
	}
	_, stored := k.provider.Thread(id)
	if len(fragments) == 0 && !stored {
		return k.reject("removeThread", "unknown thread", zap.String("thread_id", id))
	}

	if len(fragments) > 0 {
		pattern := editor.Mark{Type: editor.CommentMarkType, Attrs: map[string]any{"threadId": id}}
		tx := k.host.NewTx()
		for _, fr := range fragments {
			tx.RemoveMark(fr.From, fr.To, pattern)
		}
		tx.SetMeta(MetaThread, ThreadMeta{Action: ActionRemove, ThreadID: id})
		if err := k.host.Dispatch(tx); err != nil {
			return k.reject("removeThread", "dispatch failed", zap.Error(err))
		}
	}

	if stored {
		if err := k.provider.DeleteThread(id); err != nil {
			return k.reject("removeThread", "store delete failed", zap.String("thread_id", id), zap.Error(err))
		}
	}

	k.state.mu.Lock()
	k.state.focused = without(k.state.focused, id)
	k.state.hovered = without(k.state.hovered, id)
	k.state.mu.Unlock()

	k.logger.Debug("thread removed", zap.String("thread_id", id), zap.Int("fragments", len(fragments)))
	call(k.opts.OnDeleteThread, id)
	return true
}

func (k *Kit) SelectThread(opts SelectThreadOptions) bool {
	if _, ok := k.provider.Thread(opts.ID); !ok {
		return k.reject("selectThread", "unknown thread", zap.String("thread_id", opts.ID))
	}
	tx := k.host.NewTx().SetMeta(MetaSelection, ThreadMeta{Action: ActionSelect, ThreadID: opts.ID})
	if opts.UpdateSelection {
		if tr, ok := anchor.FirstRange(k.host.Doc(), opts.ID); ok {
			tx.SetSelection(editor.Range{From: tr.From, To: tr.To})
		}
	}
	if err := k.host.Dispatch(tx); err != nil {
		return k.reject("selectThread", "dispatch failed", zap.Error(err))
	}

	k.state.mu.Lock()
	k.state.focused = []string{opts.ID}
	k.state.mu.Unlock()

	call(k.opts.OnClickThread, opts.ID)
	return true
}

func (k *Kit) UnselectThread() bool {
	k.state.mu.Lock()
	k.state.focused = nil
	k.state.mu.Unlock()
	if err := k.host.Dispatch(k.host.NewTx().SetMeta(MetaSelection, ThreadMeta{Action: ActionUnselect})); err != nil {
		return k.reject("unselectThread", "dispatch failed", zap.Error(err))
	}
	return true
}

func (k *Kit) ResolveThread(id string) bool {
	if k.user == nil {
		return k.reject("resolveThread", "no current user")
	}
	if err := k.provider.ResolveThread(id, k.user.ID); err != nil {
		return k.reject("resolveThread", "store rejected resolve", zap.Error(err))
	}
	k.announce(ActionResolve, id)
	call(k.opts.OnResolveThread, id)
	return true
}

func (k *Kit) UnresolveThread(id string) bool {
	if k.user == nil {
		return k.reject("unresolveThread", "no current user")
	}
	if err := k.provider.UnresolveThread(id); err != nil {
		return k.reject("unresolveThread", "store rejected unresolve", zap.Error(err))
	}
	k.announce(ActionUnresolve, id)
	call(k.opts.OnResolveThread, id)
	return true
}

func (k *Kit) CreateComment(threadID, content string, data map[string]any) (comments.Comment, bool) {
	if k.user == nil {
		return comments.Comment{}, k.reject("createComment", "no current user")
	}
	if strings.TrimSpace(content) == "" {
		return comments.Comment{}, k.reject("createComment", "empty content")
	}
	c, err := k.provider.CreateComment(threadID, content, k.user.ID, data)
	if err != nil {
		return comments.Comment{}, k.reject("createComment", "store rejected comment", zap.Error(err))
	}
	return c, true
}

func (k *Kit) UpdateComment(opts UpdateCommentOptions) bool {
	if _, err := k.provider.UpdateComment(opts.ThreadID, opts.ID, opts.Content, opts.Data); err != nil {
		return k.reject("updateComment", "store rejected update", zap.Error(err))
	}
	if k.opts.OnUpdateComment != nil {
		k.opts.OnUpdateComment(opts.ThreadID, opts.ID, opts.Content, opts.Data)
	}
	return true
}

func (k *Kit) DeleteComment(threadID, id string) bool {
	if err := k.provider.DeleteComment(threadID, id); err != nil {
		return k.reject("deleteComment", "store rejected delete", zap.Error(err))
	}
	return true
}

// Shortcuts maps key chords to commands.
func (k *Kit) Shortcuts() map[string]func() bool {
	return map[string]func() bool{
		ShortcutCreateThread: func() bool {
			if k.host.Selection().Empty() {
				return false
			}
			return k.CreateThread(CreateThreadOptions{})
		},
	}
}

func (k *Kit) HandleShortcut(chord string) bool {
	fn, ok := k.Shortcuts()[chord]
	if !ok {
		return false
	}
	return fn()
}

func (k *Kit) FocusedThreads() []string {
	k.state.mu.Lock()
	defer k.state.mu.Unlock()
	return append([]string{}, k.state.focused...)
}

func (k *Kit) Hover(ids []string) {
	k.state.mu.Lock()
	defer k.state.mu.Unlock()
	k.state.hovered = append([]string{}, ids...)
}

// HoverAt marks the threads under pos as hovered and returns them.
func (k *Kit) HoverAt(pos int) []string {
	ids := anchor.ThreadsAt(k.host.Doc(), pos)
	k.Hover(ids)
	return ids
}

func (k *Kit) HoverOff() {
	k.Hover(nil)
}

func (k *Kit) HoveredThreads() []string {
	k.state.mu.Lock()
	defer k.state.mu.Unlock()
	return append([]string{}, k.state.hovered...)
}

func (k *Kit) announce(action Action, id string) {
	if err := k.host.Dispatch(k.host.NewTx().SetMeta(MetaThread, ThreadMeta{Action: action, ThreadID: id})); err != nil {
		k.logger.Warn("announce failed", zap.String("action", string(action)), zap.Error(err))
	}
}

func (k *Kit) reject(command, reason string, fields ...zap.Field) bool {
	metrics.CommandFailures.WithLabelValues(command).Inc()
	k.logger.Debug("command rejected", append([]zap.Field{zap.String("command", command), zap.String("reason", reason)}, fields...)...)
	return false
}

func call(fn func(string), id string) {
	if fn != nil {
		fn(id)
	}
}

func without(ids []string, id string) []string {
	out := ids[:0:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}
