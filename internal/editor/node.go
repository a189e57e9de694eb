package editor

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

const (
	NodeDoc       = "doc"
	NodeParagraph = "paragraph"
	NodeHeading   = "heading"
	NodeText      = "text"
	NodeHardBreak = "hardBreak"

	// CommentMarkType is the mark that anchors a comment thread to a span.
	CommentMarkType = "commentMark"
)

var (
	ErrInvalidDocument  = errors.New("invalid document")
	ErrInvalidRange     = errors.New("range out of bounds")
	ErrUnsupportedRange = errors.New("range crosses an unsupported structure")
)

var inlineTypes = map[string]bool{
	NodeText:      true,
	NodeHardBreak: true,
	"image":       true,
	"mention":     true,
	"emoji":       true,
}

var textblockTypes = map[string]bool{
	NodeParagraph: true,
	NodeHeading:   true,
	"codeBlock":   true,
}

// Marks of these types coexist when their attributes differ.
var stackingMarks = map[string]bool{
	CommentMarkType: true,
}

var leafText = map[string]string{
	NodeHardBreak: "\n",
}

// Node is a document node in ProseMirror JSON shape. Nodes reachable from an
// editor's current document are shared and must be treated as read-only.
type Node struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []*Node        `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// Attr returns a string attribute, or "" when absent.
func (m Mark) Attr(key string) string {
	value, _ := m.Attrs[key].(string)
	return value
}

// Eq reports whether two marks have the same type and attributes.
func (m Mark) Eq(other Mark) bool {
	if m.Type != other.Type {
		return false
	}
	if len(m.Attrs) == 0 && len(other.Attrs) == 0 {
		return true
	}
	return reflect.DeepEqual(m.Attrs, other.Attrs)
}

func Doc(children ...*Node) *Node {
	return &Node{Type: NodeDoc, Content: children}
}

func Paragraph(children ...*Node) *Node {
	return &Node{Type: NodeParagraph, Content: children}
}

func Heading(level int, children ...*Node) *Node {
	return &Node{Type: NodeHeading, Attrs: map[string]any{"level": level}, Content: children}
}

func Text(text string, marks ...Mark) *Node {
	return &Node{Type: NodeText, Text: text, Marks: marks}
}

func HardBreak() *Node {
	return &Node{Type: NodeHardBreak}
}

// CommentMark builds the annotation mark for a thread.
func CommentMark(threadID string, legacy bool) Mark {
	class := "comment-thread"
	if legacy {
		class = "comment-thread-legacy"
	}
	return Mark{Type: CommentMarkType, Attrs: map[string]any{"threadId": threadID, "class": class}}
}

// Parse decodes a ProseMirror JSON document.
func Parse(data []byte) (*Node, error) {
	var doc Node
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if err := doc.validate(); err != nil {
		return nil, err
	}
	return doc.normalized(), nil
}

func (n *Node) validate() error {
	if n == nil || n.Type != NodeDoc {
		return fmt.Errorf("%w: root must be a doc node", ErrInvalidDocument)
	}
	return nil
}

func (n *Node) IsText() bool { return n.Type == NodeText }

func (n *Node) IsInline() bool { return inlineTypes[n.Type] }

func (n *Node) IsTextblock() bool { return textblockTypes[n.Type] }

// Size is the number of positions the node occupies.
func (n *Node) Size() int {
	switch {
	case n.IsText():
		return len([]rune(n.Text))
	case n.IsInline():
		return 1
	}
	size := 0
	for i, child := range n.Content {
		if i > 0 && !n.IsTextblock() {
			size++
		}
		size += child.Size()
	}
	return size
}

// Descendants calls fn for every node below n with its start position.
// Returning false from fn skips that node's children.
func (n *Node) Descendants(fn func(node *Node, pos int) bool) {
	n.walk(0, fn)
}

func (n *Node) walk(start int, fn func(node *Node, pos int) bool) {
	pos := start
	block := !n.IsTextblock()
	for i, child := range n.Content {
		if i > 0 && block {
			pos++
		}
		if fn(child, pos) && len(child.Content) > 0 {
			child.walk(pos, fn)
		}
		pos += child.Size()
	}
}

// TextBetween returns the text in [from, to), writing sep at every block boundary.
func (n *Node) TextBetween(from, to int, sep string) string {
	var b strings.Builder
	n.textBetween(0, from, to, sep, &b)
	return b.String()
}

func (n *Node) textBetween(start, from, to int, sep string, b *strings.Builder) {
	pos := start
	block := !n.IsTextblock()
	for i, child := range n.Content {
		if i > 0 && block {
			if pos >= from && pos < to {
				b.WriteString(sep)
			}
			pos++
		}
		size := child.Size()
		end := pos + size
		if end > from && pos < to {
			switch {
			case child.IsText():
				runes := []rune(child.Text)
				b.WriteString(string(runes[max(from, pos)-pos : min(to, end)-pos]))
			case child.IsInline():
				b.WriteString(leafText[child.Type])
			default:
				child.textBetween(pos, from, to, sep, b)
			}
		}
		pos = end
	}
}

// Clone returns a deep copy of the subtree.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{Type: n.Type, Text: n.Text, Attrs: cloneAttrs(n.Attrs)}
	if len(n.Marks) > 0 {
		out.Marks = make([]Mark, len(n.Marks))
		for i, m := range n.Marks {
			out.Marks[i] = Mark{Type: m.Type, Attrs: cloneAttrs(m.Attrs)}
		}
	}
	if len(n.Content) > 0 {
		out.Content = make([]*Node, len(n.Content))
		for i, child := range n.Content {
			out.Content[i] = child.Clone()
		}
	}
	return out
}

func cloneAttrs(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

func (n *Node) withText(text string) *Node {
	return &Node{Type: NodeText, Text: text, Marks: append([]Mark(nil), n.Marks...)}
}

// normalized drops empty text nodes and merges adjacent text with equal marks.
func (n *Node) normalized() *Node {
	if len(n.Content) == 0 {
		return n
	}
	out := make([]*Node, 0, len(n.Content))
	for _, child := range n.Content {
		if child.IsText() && child.Text == "" {
			continue
		}
		child = child.normalized()
		if last := len(out) - 1; last >= 0 && child.IsText() && out[last].IsText() && sameMarkSet(out[last].Marks, child.Marks) {
			out[last] = out[last].withText(out[last].Text + child.Text)
			continue
		}
		out = append(out, child)
	}
	n.Content = out
	return n
}

func sameMarkSet(a, b []Mark) bool {
	if len(a) != len(b) {
		return false
	}
	for _, m := range a {
		if !hasMark(b, m) {
			return false
		}
	}
	return true
}

func hasMark(set []Mark, m Mark) bool {
	for _, existing := range set {
		if existing.Eq(m) {
			return true
		}
	}
	return false
}

func addToSet(set []Mark, m Mark) []Mark {
	if hasMark(set, m) {
		return set
	}
	out := make([]Mark, 0, len(set)+1)
	for _, existing := range set {
		if existing.Type == m.Type && !stackingMarks[m.Type] {
			continue
		}
		out = append(out, existing)
	}
	out = append(out, m)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Attr("threadId") < out[j].Attr("threadId")
	})
	return out
}

// Matches reports whether m has pattern's type and carries every attribute
// pattern sets. A pattern without attributes matches every mark of its type.
func (m Mark) Matches(pattern Mark) bool {
	if m.Type != pattern.Type {
		return false
	}
	for k, v := range pattern.Attrs {
		if !reflect.DeepEqual(m.Attrs[k], v) {
			return false
		}
	}
	return true
}

func removeFromSet(set []Mark, pattern Mark) []Mark {
	var out []Mark
	for _, existing := range set {
		if existing.Matches(pattern) {
			continue
		}
		out = append(out, existing)
	}
	return out
}
