// Package reconcile removes stored threads whose annotation no longer exists
// in the document. It never creates threads from marks.
package reconcile

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"marginalia/api/internal/anchor"
	"marginalia/api/internal/comments"
	"marginalia/api/internal/editor"
	"marginalia/api/internal/metrics"
)

const DefaultDelay = 200 * time.Millisecond

const (
	PassMarks     = "marks"
	PassPositions = "positions"
)

type DocSource interface {
	Doc() *editor.Node
}

// ThreadRemover deletes a thread together with any annotation it still has.
type ThreadRemover interface {
	RemoveThread(id string) bool
}

type Options struct {
	// Remover is used instead of deleting from the store directly when set.
	Remover ThreadRemover
	Delay   time.Duration
	// Locker is held while a debounced run executes.
	Locker sync.Locker
	Logger *zap.Logger
	OnSync func(Result)
}

type Result struct {
	Pass           string   `json:"pass,omitempty"`
	Removed        []string `json:"removed"`
	ThreadsBefore  int      `json:"threadsBefore"`
	ThreadsAfter   int      `json:"threadsAfter"`
	CommentsBefore int      `json:"commentsBefore"`
	CommentsAfter  int      `json:"commentsAfter"`
}

func (r Result) Changed() bool {
	return r.ThreadsBefore != r.ThreadsAfter || r.CommentsBefore != r.CommentsAfter
}

type Synchronizer struct {
	src      DocSource
	provider comments.Provider
	opts     Options
	logger   *zap.Logger

	mu     sync.Mutex
	timer  *time.Timer
	gen    uint64
	closed bool
}

func New(src DocSource, provider comments.Provider, opts Options) *Synchronizer {
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Synchronizer{src: src, provider: provider, opts: opts, logger: opts.Logger}
}

// Synchronize runs one reconciliation. Mark-based cleanup runs first; the
// position check only runs when that removed nothing. OnSync fires once when
// the store changed.
func (s *Synchronizer) Synchronize() Result {
	start := time.Now()
	metrics.SyncRuns.Inc()
	defer func() { metrics.SyncDuration.Observe(time.Since(start).Seconds()) }()

	before := s.provider.Threads()
	res := Result{
		Removed:        []string{},
		ThreadsBefore:  len(before),
		CommentsBefore: comments.CountComments(before),
	}
	doc := s.src.Doc()

	live := anchor.ByThread(doc)
	for _, t := range before {
		ranges, ok := live[t.ID]
		if !ok {
			if s.remove(t.ID) {
				res.Removed = append(res.Removed, t.ID)
			}
			continue
		}
		r := comments.Range{From: ranges[0].From, To: ranges[0].To}
		if t.Anchor == nil || *t.Anchor != r {
			if err := s.provider.SetAnchor(t.ID, r); err != nil {
				s.logger.Warn("anchor refresh failed", zap.String("thread_id", t.ID), zap.Error(err))
			}
		}
	}

	if len(res.Removed) > 0 {
		res.Pass = PassMarks
	} else {
		size := doc.Size()
		for _, t := range s.provider.Threads() {
			if t.Anchor == nil || !s.invalid(doc, size, *t.Anchor) {
				continue
			}
			if s.remove(t.ID) {
				res.Removed = append(res.Removed, t.ID)
			}
		}
		if len(res.Removed) > 0 {
			res.Pass = PassPositions
		}
	}
	if res.Pass != "" {
		metrics.SyncRemoved.WithLabelValues(res.Pass).Add(float64(len(res.Removed)))
	}

	after := s.provider.Threads()
	res.ThreadsAfter = len(after)
	res.CommentsAfter = comments.CountComments(after)

	if res.Changed() {
		s.logger.Info("comments synchronized",
			zap.String("pass", res.Pass),
			zap.Strings("removed", res.Removed),
			zap.Int("threads", res.ThreadsAfter),
		)
		if s.opts.OnSync != nil {
			s.opts.OnSync(res)
		}
	}
	return res
}

func (s *Synchronizer) invalid(doc *editor.Node, size int, r comments.Range) bool {
	if r.From < 0 || r.To > size || r.From >= r.To {
		return true
	}
	return strings.TrimSpace(doc.TextBetween(r.From, r.To, " ")) == ""
}

func (s *Synchronizer) remove(id string) bool {
	if s.opts.Remover != nil {
		if !s.opts.Remover.RemoveThread(id) {
			s.logger.Warn("orphan removal failed", zap.String("thread_id", id))
			return false
		}
		return true
	}
	if err := s.provider.DeleteThread(id); err != nil {
		s.logger.Warn("orphan removal failed", zap.String("thread_id", id), zap.Error(err))
		return false
	}
	return true
}

// Debounced schedules a run after the configured delay. Each call restarts
// the wait.
func (s *Synchronizer) Debounced() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(s.opts.Delay, func() { s.fire(gen) })
}

func (s *Synchronizer) fire(gen uint64) {
	if !s.current(gen) {
		return
	}
	if s.opts.Locker != nil {
		s.opts.Locker.Lock()
		defer s.opts.Locker.Unlock()
	}
	if !s.current(gen) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("synchronize panicked", zap.Any("panic", r))
		}
	}()
	s.Synchronize()
}

func (s *Synchronizer) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && gen == s.gen
}

// Close cancels a pending run; later Debounced calls are ignored.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
