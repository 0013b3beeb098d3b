package codec

import (
	"encoding/json"
	"strings"

	"coursecore/api/internal/apperr"
)

// Node is a node of the structured (ProseMirror style) document tree.
type Node struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []Node         `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

// Mark is an inline formatting mark on a text node.
type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

const (
	nodeDoc            = "doc"
	nodeParagraph      = "paragraph"
	nodeHeading        = "heading"
	nodeText           = "text"
	nodeBulletList     = "bulletList"
	nodeOrderedList    = "orderedList"
	nodeListItem       = "listItem"
	nodeBlockquote     = "blockquote"
	nodeCodeBlock      = "codeBlock"
	nodeHorizontalRule = "horizontalRule"
	nodeHardBreak      = "hardBreak"

	markBold   = "bold"
	markItalic = "italic"
	markCode   = "code"
	markLink   = "link"
	markStrike = "strike"
)

func parseStructured(src string) (Node, error) {
	if strings.TrimSpace(src) == "" {
		return Node{Type: nodeDoc}, nil
	}
	var doc Node
	if err := json.Unmarshal([]byte(src), &doc); err != nil {
		return Node{}, apperr.Wrap(apperr.KindValidation, err, "invalid structured content")
	}
	if doc.Type != nodeDoc {
		return Node{}, apperr.Validation("structured content must have a %q root, got %q", nodeDoc, doc.Type)
	}
	return doc, nil
}

func renderStructured(doc Node) string {
	if doc.Type == "" {
		doc.Type = nodeDoc
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return `{"type":"doc"}`
	}
	return string(payload)
}

func intAttr(attrs map[string]any, key string, fallback int) int {
	if attrs == nil {
		return fallback
	}
	switch v := attrs[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return fallback
}

func stringAttr(attrs map[string]any, key string) string {
	if attrs == nil {
		return ""
	}
	s, _ := attrs[key].(string)
	return s
}

func hasMark(marks []Mark, markType string) bool {
	for _, m := range marks {
		if m.Type == markType {
			return true
		}
	}
	return false
}

func withMark(marks []Mark, mark Mark) []Mark {
	out := make([]Mark, 0, len(marks)+1)
	for _, m := range marks {
		if m.Type != mark.Type {
			out = append(out, m)
		}
	}
	return append(out, mark)
}

func sameMarks(a, b []Mark) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Type != b[i].Type || stringAttr(a[i].Attrs, "href") != stringAttr(b[i].Attrs, "href") {
			return false
		}
	}
	return true
}

// appendText adds text to an inline run, merging with the previous text node
// when the marks are identical.
func appendText(nodes []Node, text string, marks []Mark) []Node {
	if text == "" {
		return nodes
	}
	if n := len(nodes); n > 0 && nodes[n-1].Type == nodeText && sameMarks(nodes[n-1].Marks, marks) {
		nodes[n-1].Text += text
		return nodes
	}
	var copied []Mark
	if len(marks) > 0 {
		copied = append([]Mark(nil), marks...)
	}
	return append(nodes, Node{Type: nodeText, Text: text, Marks: copied})
}

// trimInline strips leading whitespace from the first text node and trailing
// whitespace from the last one, dropping nodes left empty.
func trimInline(nodes []Node) []Node {
	for len(nodes) > 0 && nodes[0].Type == nodeText {
		nodes[0].Text = strings.TrimLeft(nodes[0].Text, " \t\r\n")
		if nodes[0].Text != "" {
			break
		}
		nodes = nodes[1:]
	}
	for len(nodes) > 0 && nodes[len(nodes)-1].Type == nodeText {
		last := len(nodes) - 1
		nodes[last].Text = strings.TrimRight(nodes[last].Text, " \t\r\n")
		if nodes[last].Text != "" {
			break
		}
		nodes = nodes[:last]
	}
	return nodes
}

func inlineText(nodes []Node) string {
	var b strings.Builder
	for _, n := range nodes {
		switch n.Type {
		case nodeText:
			b.WriteString(n.Text)
		case nodeHardBreak:
			b.WriteString("\n")
		default:
			b.WriteString(inlineText(n.Content))
		}
	}
	return b.String()
}

// renderText flattens a document into plain text, one block per paragraph.
func renderText(doc Node) string {
	return strings.TrimSpace(joinTextBlocks(doc.Content, "\n\n"))
}

func joinTextBlocks(nodes []Node, sep string) string {
	parts := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if s := strings.TrimSpace(textBlock(n)); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, sep)
}

func textBlock(n Node) string {
	switch n.Type {
	case nodeHeading, nodeParagraph:
		return inlineText(n.Content)
	case nodeCodeBlock:
		return inlineText(n.Content)
	case nodeBulletList, nodeOrderedList:
		return joinTextBlocks(n.Content, "\n")
	case nodeListItem:
		return joinTextBlocks(n.Content, "\n")
	case nodeHorizontalRule:
		return ""
	case nodeText, nodeHardBreak:
		return inlineText([]Node{n})
	default:
		return joinTextBlocks(n.Content, "\n\n")
	}
}
