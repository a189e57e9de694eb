package comments

import (
	"sort"
	"sync"
	"time"

	"marginalia/api/internal/util"
)

// MemoryProvider keeps threads in process memory. Subscribers are called
// synchronously after each mutation, outside the lock, with the full list.
type MemoryProvider struct {
	mu        sync.RWMutex
	threads   map[string]*Thread
	order     []string
	listeners map[int]func([]Thread)
	nextID    int
	now       func() time.Time
	newID     func() string
}

type MemoryOption func(*MemoryProvider)

func WithClock(now func() time.Time) MemoryOption {
	return func(p *MemoryProvider) { p.now = now }
}

func WithIDs(newID func() string) MemoryOption {
	return func(p *MemoryProvider) { p.newID = newID }
}

func NewMemoryProvider(opts ...MemoryOption) *MemoryProvider {
	p := &MemoryProvider{
		threads:   map[string]*Thread{},
		listeners: map[int]func([]Thread){},
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return util.NewID("comment") },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *MemoryProvider) Threads() []Thread {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshotLocked()
}

func (p *MemoryProvider) Thread(id string) (Thread, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.threads[id]
	if !ok {
		return Thread{}, false
	}
	return cloneThread(t), true
}

func (p *MemoryProvider) CreateThread(id string, data map[string]any) (Thread, error) {
	p.mu.Lock()
	if _, exists := p.threads[id]; exists {
		p.mu.Unlock()
		return Thread{}, &ThreadExistsError{ThreadID: id}
	}
	t := &Thread{ID: id, CreatedAt: p.now(), Data: cloneData(data), Comments: []Comment{}}
	p.threads[id] = t
	p.order = append(p.order, id)
	out := cloneThread(t)
	p.mu.Unlock()
	p.notify()
	return out, nil
}

// DeleteThread removes a thread and its comments. Unknown ids are ignored.
func (p *MemoryProvider) DeleteThread(id string) error {
	p.mu.Lock()
	if _, ok := p.threads[id]; !ok {
		p.mu.Unlock()
		return nil
	}
	delete(p.threads, id)
	for i, existing := range p.order {
		if existing == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	p.notify()
	return nil
}

func (p *MemoryProvider) ResolveThread(id, userID string) error {
	return p.mutateThread(id, func(t *Thread) bool {
		at := p.now()
		t.ResolvedAt = &at
		t.ResolvedBy = userID
		return true
	})
}

func (p *MemoryProvider) UnresolveThread(id string) error {
	return p.mutateThread(id, func(t *Thread) bool {
		t.ResolvedAt = nil
		t.ResolvedBy = ""
		return true
	})
}

// SetAnchor records the span a thread currently covers. Notifies only on change.
func (p *MemoryProvider) SetAnchor(id string, r Range) error {
	return p.mutateThread(id, func(t *Thread) bool {
		if t.Anchor != nil && *t.Anchor == r {
			return false
		}
		t.Anchor = &r
		return true
	})
}

func (p *MemoryProvider) Comments(threadID string) []Comment {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.threads[threadID]
	if !ok {
		return []Comment{}
	}
	return cloneThread(t).Comments
}

func (p *MemoryProvider) CreateComment(threadID, content, userID string, data map[string]any) (Comment, error) {
	var created Comment
	err := p.mutateThread(threadID, func(t *Thread) bool {
		created = Comment{
			ID:        p.newID(),
			ThreadID:  threadID,
			Content:   content,
			UserID:    userID,
			CreatedAt: p.now(),
			Data:      cloneData(data),
		}
		t.Comments = append(t.Comments, created)
		created = cloneComment(created)
		return true
	})
	return created, err
}

// UpdateComment replaces the content and merges data into the existing data.
func (p *MemoryProvider) UpdateComment(threadID, commentID, content string, data map[string]any) (Comment, error) {
	var updated Comment
	var missing error
	err := p.mutateThread(threadID, func(t *Thread) bool {
		for i := range t.Comments {
			c := &t.Comments[i]
			if c.ID != commentID {
				continue
			}
			at := p.now()
			c.Content = content
			c.UpdatedAt = &at
			if data != nil {
				if c.Data == nil {
					c.Data = map[string]any{}
				}
				for k, v := range data {
					c.Data[k] = v
				}
			}
			updated = cloneComment(*c)
			return true
		}
		missing = &CommentNotFoundError{ThreadID: threadID, CommentID: commentID}
		return false
	})
	if err != nil {
		return Comment{}, err
	}
	return updated, missing
}

// DeleteComment soft deletes. A missing comment in an existing thread is ignored.
func (p *MemoryProvider) DeleteComment(threadID, commentID string) error {
	return p.mutateThread(threadID, func(t *Thread) bool {
		for i := range t.Comments {
			if t.Comments[i].ID == commentID {
				at := p.now()
				t.Comments[i].DeletedAt = &at
				return true
			}
		}
		return false
	})
}

// Restore replaces every thread with a persisted snapshot.
func (p *MemoryProvider) Restore(threads []Thread) {
	p.mu.Lock()
	p.threads = make(map[string]*Thread, len(threads))
	p.order = p.order[:0]
	sorted := append([]Thread(nil), threads...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })
	for i := range sorted {
		t := cloneThread(&sorted[i])
		p.threads[t.ID] = &t
		p.order = append(p.order, t.ID)
	}
	p.mu.Unlock()
	p.notify()
}

func (p *MemoryProvider) OnUpdate(fn func([]Thread)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.listeners, id)
	}
}

// mutateThread runs fn on a thread under the lock and notifies when fn
// reports a change.
func (p *MemoryProvider) mutateThread(id string, fn func(*Thread) bool) error {
	p.mu.Lock()
	t, ok := p.threads[id]
	if !ok {
		p.mu.Unlock()
		return &ThreadNotFoundError{ThreadID: id}
	}
	changed := fn(t)
	p.mu.Unlock()
	if changed {
		p.notify()
	}
	return nil
}

func (p *MemoryProvider) notify() {
	p.mu.RLock()
	threads := p.snapshotLocked()
	ids := make([]int, 0, len(p.listeners))
	for id := range p.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func([]Thread), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, p.listeners[id])
	}
	p.mu.RUnlock()
	for _, fn := range fns {
		fn(cloneThreads(threads))
	}
}

// cloneThreads gives each listener its own copy.
func cloneThreads(threads []Thread) []Thread {
	out := make([]Thread, len(threads))
	for i := range threads {
		out[i] = cloneThread(&threads[i])
	}
	return out
}

func (p *MemoryProvider) snapshotLocked() []Thread {
	out := make([]Thread, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, cloneThread(p.threads[id]))
	}
	return out
}
