package export

import (
	"fmt"
	"html"
	"strings"

	"marginalia/api/internal/editor"
)

// ProseMirrorToHTML renders a document tree. Comment marks become spans
// carrying the thread id so highlights survive the export.
func ProseMirrorToHTML(doc *editor.Node) string {
	if doc == nil {
		return ""
	}
	return renderNode(doc)
}

func renderNode(node *editor.Node) string {
	switch node.Type {
	case editor.NodeDoc:
		return renderContent(node)
	case editor.NodeParagraph:
		return fmt.Sprintf("<p>%s</p>\n", renderContent(node))
	case editor.NodeHeading:
		level := 1
		if lvl, ok := node.Attrs["level"].(float64); ok {
			level = int(lvl)
		} else if lvl, ok := node.Attrs["level"].(int); ok {
			level = lvl
		}
		if level < 1 || level > 6 {
			level = 1
		}
		return fmt.Sprintf("<h%d>%s</h%d>\n", level, renderContent(node), level)
	case "bulletList":
		return fmt.Sprintf("<ul>\n%s</ul>\n", renderContent(node))
	case "orderedList":
		return fmt.Sprintf("<ol>\n%s</ol>\n", renderContent(node))
	case "listItem":
		return fmt.Sprintf("<li>%s</li>\n", renderContent(node))
	case "blockquote":
		return fmt.Sprintf("<blockquote>\n%s</blockquote>\n", renderContent(node))
	case "codeBlock":
		return fmt.Sprintf("<pre><code>%s</code></pre>\n", renderContent(node))
	case editor.NodeText:
		return renderTextWithMarks(node.Text, node.Marks)
	case editor.NodeHardBreak:
		return "<br>"
	case "horizontalRule":
		return "<hr>\n"
	default:
		return renderContent(node)
	}
}

func renderContent(node *editor.Node) string {
	var result strings.Builder
	for _, child := range node.Content {
		result.WriteString(renderNode(child))
	}
	return result.String()
}

// renderTextWithMarks wraps marks from the outside in.
func renderTextWithMarks(text string, marks []editor.Mark) string {
	if text == "" {
		return ""
	}
	out := html.EscapeString(text)

	for i := len(marks) - 1; i >= 0; i-- {
		mark := marks[i]
		switch mark.Type {
		case "bold":
			out = fmt.Sprintf("<strong>%s</strong>", out)
		case "italic":
			out = fmt.Sprintf("<em>%s</em>", out)
		case "code":
			out = fmt.Sprintf("<code>%s</code>", out)
		case "link":
			out = fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(mark.Attr("href")), out)
		case "strike":
			out = fmt.Sprintf("<s>%s</s>", out)
		case "underline":
			out = fmt.Sprintf("<u>%s</u>", out)
		case editor.CommentMarkType:
			class := mark.Attr("class")
			if class == "" {
				class = "comment-thread"
			}
			out = fmt.Sprintf(`<span class="%s" data-thread-id="%s" data-comment-mark="">%s</span>`,
				html.EscapeString(class), html.EscapeString(mark.Attr("threadId")), out)
		}
	}
	return out
}
