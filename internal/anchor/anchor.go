// Package anchor answers which comment threads cover which parts of a document.
// Everything here is a read over the current tree; nothing is cached.
package anchor

import (
	"sort"

	"marginalia/api/internal/editor"
)

// Tree is the read surface of a document the index needs.
type Tree interface {
	Descendants(fn func(node *editor.Node, pos int) bool)
	Size() int
}

type ThreadRange struct {
	ThreadID string `json:"threadId"`
	From     int    `json:"from"`
	To       int    `json:"to"`
}

// ThreadsAt returns the ids of threads whose annotation covers pos, each once.
func ThreadsAt(doc Tree, pos int) []string {
	ids := []string{}
	if pos < 0 || pos >= doc.Size() {
		return ids
	}
	seen := map[string]bool{}
	doc.Descendants(func(node *editor.Node, start int) bool {
		if !node.IsInline() {
			return start <= pos
		}
		if pos < start || pos >= start+node.Size() {
			return false
		}
		for _, id := range commentThreads(node) {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		return false
	})
	return ids
}

// ThreadsIn returns the ids of threads whose annotation overlaps r.
func ThreadsIn(doc Tree, r editor.Range) []string {
	ids := []string{}
	seen := map[string]bool{}
	for _, tr := range Ranges(doc) {
		if tr.From < r.To && tr.To > r.From && !seen[tr.ThreadID] {
			seen[tr.ThreadID] = true
			ids = append(ids, tr.ThreadID)
		}
	}
	return ids
}

// Ranges lists every annotated fragment in document order.
func Ranges(doc Tree) []ThreadRange {
	ranges := []ThreadRange{}
	doc.Descendants(func(node *editor.Node, pos int) bool {
		if !node.IsInline() {
			return true
		}
		for _, id := range commentThreads(node) {
			ranges = append(ranges, ThreadRange{ThreadID: id, From: pos, To: pos + node.Size()})
		}
		return false
	})
	sort.SliceStable(ranges, func(i, j int) bool { return ranges[i].From < ranges[j].From })
	return ranges
}

// MergedRanges joins touching fragments of the same thread.
func MergedRanges(doc Tree) []ThreadRange {
	open := map[string]int{}
	merged := []ThreadRange{}
	for _, tr := range Ranges(doc) {
		if idx, ok := open[tr.ThreadID]; ok && merged[idx].To >= tr.From {
			merged[idx].To = max(merged[idx].To, tr.To)
			continue
		}
		open[tr.ThreadID] = len(merged)
		merged = append(merged, tr)
	}
	return merged
}

// ByThread groups merged ranges per thread id.
func ByThread(doc Tree) map[string][]ThreadRange {
	out := map[string][]ThreadRange{}
	for _, tr := range MergedRanges(doc) {
		out[tr.ThreadID] = append(out[tr.ThreadID], tr)
	}
	return out
}

// FirstRange returns the first merged range of a thread.
func FirstRange(doc Tree, threadID string) (ThreadRange, bool) {
	for _, tr := range MergedRanges(doc) {
		if tr.ThreadID == threadID {
			return tr, true
		}
	}
	return ThreadRange{}, false
}

func Covered(doc Tree, threadID string) bool {
	_, ok := FirstRange(doc, threadID)
	return ok
}

func commentThreads(node *editor.Node) []string {
	var ids []string
	for _, m := range node.Marks {
		if m.Type != editor.CommentMarkType {
			continue
		}
		if id := m.Attr("threadId"); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
