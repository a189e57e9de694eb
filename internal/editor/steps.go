package editor

import "fmt"

// Step is one document change. Apply never mutates its input.
type Step interface {
	Apply(doc *Node) (*Node, error)
}

type AddMarkStep struct {
	From, To int
	Mark     Mark
}

func (s AddMarkStep) Apply(doc *Node) (*Node, error) {
	if err := checkRange(doc, s.From, s.To); err != nil {
		return nil, err
	}
	out := doc.Clone()
	out.updateInline(0, s.From, s.To, func(n *Node) { n.Marks = addToSet(n.Marks, s.Mark) })
	return out.normalized(), nil
}

// RemoveMarkStep drops every mark in range that matches Mark.
type RemoveMarkStep struct {
	From, To int
	Mark     Mark
}

func (s RemoveMarkStep) Apply(doc *Node) (*Node, error) {
	if err := checkRange(doc, s.From, s.To); err != nil {
		return nil, err
	}
	out := doc.Clone()
	out.updateInline(0, s.From, s.To, func(n *Node) { n.Marks = removeFromSet(n.Marks, s.Mark) })
	return out.normalized(), nil
}

type InsertTextStep struct {
	Pos  int
	Text string
}

func (s InsertTextStep) Apply(doc *Node) (*Node, error) {
	if err := checkRange(doc, s.Pos, s.Pos); err != nil {
		return nil, err
	}
	out := doc.Clone()
	if err := out.insertText(s.Pos, s.Text); err != nil {
		return nil, err
	}
	return out.normalized(), nil
}

type DeleteStep struct {
	From, To int
}

func (s DeleteStep) Apply(doc *Node) (*Node, error) {
	if err := checkRange(doc, s.From, s.To); err != nil {
		return nil, err
	}
	out := doc.Clone()
	if err := out.deleteRange(s.From, s.To); err != nil {
		return nil, err
	}
	return out.normalized(), nil
}

type ReplaceDocStep struct {
	Doc *Node
}

func (s ReplaceDocStep) Apply(_ *Node) (*Node, error) {
	if err := s.Doc.validate(); err != nil {
		return nil, err
	}
	return s.Doc.Clone().normalized(), nil
}

func checkRange(doc *Node, from, to int) error {
	if from < 0 || to < from || to > doc.Size() {
		return fmt.Errorf("%w: [%d,%d) in document of size %d", ErrInvalidRange, from, to, doc.Size())
	}
	return nil
}

// updateInline applies f to every inline node inside [from, to), splitting
// text nodes at the range boundaries. n must be a private copy.
func (n *Node) updateInline(start, from, to int, f func(*Node)) {
	if n.IsTextblock() {
		out := make([]*Node, 0, len(n.Content)+2)
		pos := start
		for _, child := range n.Content {
			size := child.Size()
			end := pos + size
			if end <= from || pos >= to {
				out = append(out, child)
				pos = end
				continue
			}
			if !child.IsText() {
				f(child)
				out = append(out, child)
				pos = end
				continue
			}
			runes := []rune(child.Text)
			lo, hi := max(from, pos)-pos, min(to, end)-pos
			if lo > 0 {
				out = append(out, child.withText(string(runes[:lo])))
			}
			mid := child.withText(string(runes[lo:hi]))
			f(mid)
			out = append(out, mid)
			if hi < size {
				out = append(out, child.withText(string(runes[hi:])))
			}
			pos = end
		}
		n.Content = out
		return
	}
	pos := start
	for i, child := range n.Content {
		if i > 0 {
			pos++
		}
		end := pos + child.Size()
		if end > from && pos < to {
			child.updateInline(pos, from, to, f)
		}
		pos = end
	}
}

// childStarts returns the content offset of each child of a block container.
func (n *Node) childStarts() []int {
	starts := make([]int, len(n.Content))
	pos := 0
	for i, child := range n.Content {
		if i > 0 {
			pos++
		}
		starts[i] = pos
		pos += child.Size()
	}
	return starts
}

// locate finds the child whose closed interval [start, end] holds pos.
func (n *Node) locate(starts []int, pos int) int {
	for i, child := range n.Content {
		if pos >= starts[i] && pos <= starts[i]+child.Size() {
			return i
		}
	}
	return -1
}

func (n *Node) insertText(pos int, text string) error {
	if n.IsTextblock() {
		p := 0
		for i, child := range n.Content {
			size := child.Size()
			if child.IsText() && pos > p && pos <= p+size {
				runes := []rune(child.Text)
				child.Text = string(runes[:pos-p]) + text + string(runes[pos-p:])
				return nil
			}
			if pos <= p {
				n.Content = append(n.Content[:i], append([]*Node{Text(text)}, n.Content[i:]...)...)
				return nil
			}
			p += size
		}
		n.Content = append(n.Content, Text(text))
		return nil
	}
	if n.IsInline() || len(n.Content) == 0 {
		return fmt.Errorf("%w: no textblock at %d", ErrUnsupportedRange, pos)
	}
	starts := n.childStarts()
	i := n.locate(starts, pos)
	if i < 0 {
		return fmt.Errorf("%w: no textblock at %d", ErrUnsupportedRange, pos)
	}
	return n.Content[i].insertText(pos-starts[i], text)
}

func (n *Node) deleteRange(from, to int) error {
	if from >= to {
		return nil
	}
	if n.IsTextblock() {
		n.Content = cutInline(n.Content, from, to)
		return nil
	}
	if len(n.Content) == 0 {
		return nil
	}
	starts := n.childStarts()
	i, j := n.locate(starts, from), n.locate(starts, to)
	if i < 0 || j < 0 {
		return fmt.Errorf("%w: [%d,%d)", ErrInvalidRange, from, to)
	}
	if i == j {
		return n.Content[i].deleteRange(from-starts[i], to-starts[i])
	}
	head, tail := n.Content[i], n.Content[j]
	if err := head.deleteRange(from-starts[i], head.Size()); err != nil {
		return err
	}
	if err := tail.deleteRange(0, to-starts[j]); err != nil {
		return err
	}
	joined, err := join(head, tail)
	if err != nil {
		return err
	}
	content := make([]*Node, 0, len(n.Content)-(j-i))
	content = append(content, n.Content[:i]...)
	content = append(content, joined)
	content = append(content, n.Content[j+1:]...)
	n.Content = content
	return nil
}

func cutInline(content []*Node, from, to int) []*Node {
	out := make([]*Node, 0, len(content))
	pos := 0
	for _, child := range content {
		size := child.Size()
		end := pos + size
		switch {
		case end <= from || pos >= to:
			out = append(out, child)
		case child.IsText():
			runes := []rune(child.Text)
			lo, hi := max(from, pos)-pos, min(to, end)-pos
			child.Text = string(runes[:lo]) + string(runes[hi:])
			out = append(out, child)
		}
		pos = end
	}
	return out
}

// join merges b into a the way a backspace at a block boundary does.
func join(a, b *Node) (*Node, error) {
	switch {
	case a.IsTextblock() && b.IsTextblock():
		a.Content = append(a.Content, b.Content...)
		return a, nil
	case !a.IsTextblock() && len(a.Content) == 0:
		return b, nil
	case !b.IsTextblock() && len(b.Content) == 0:
		return a, nil
	case !a.IsTextblock() && !b.IsTextblock():
		last := len(a.Content) - 1
		inner, err := join(a.Content[last], b.Content[0])
		if err != nil {
			return nil, err
		}
		content := append(a.Content[:last:last], inner)
		a.Content = append(content, b.Content[1:]...)
		return a, nil
	}
	return nil, fmt.Errorf("%w: cannot join %s with %s", ErrUnsupportedRange, a.Type, b.Type)
}
