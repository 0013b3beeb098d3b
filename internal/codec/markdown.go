package codec

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithParserOptions(parser.WithAutoHeadingID()),
	goldmark.WithRendererOptions(html.WithUnsafe()),
)

func markdownToHTML(src string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(src), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// ParseMarkdown parses src into a goldmark AST. The returned source slice
// backs every segment in the tree.
func ParseMarkdown(src string) (ast.Node, []byte) {
	source := []byte(src)
	return markdown.Parser().Parse(text.NewReader(source)), source
}

func markdownToDoc(src string) Node {
	root, source := ParseMarkdown(src)
	return Node{Type: nodeDoc, Content: mdBlocks(root, source)}
}

func mdBlocks(parent ast.Node, source []byte) []Node {
	var out []Node
	for child := parent.FirstChild(); child != nil; child = child.NextSibling() {
		out = append(out, mdBlock(child, source)...)
	}
	return out
}

func mdBlock(n ast.Node, source []byte) []Node {
	switch node := n.(type) {
	case *ast.Heading:
		return []Node{{
			Type:    nodeHeading,
			Attrs:   map[string]any{"level": node.Level},
			Content: trimInline(mdInlines(node, source, nil)),
		}}
	case *ast.Paragraph, *ast.TextBlock:
		inline := trimInline(mdInlines(node, source, nil))
		if len(inline) == 0 {
			return nil
		}
		return []Node{{Type: nodeParagraph, Content: inline}}
	case *ast.List:
		list := Node{Type: nodeBulletList}
		if node.IsOrdered() {
			list.Type = nodeOrderedList
			list.Attrs = map[string]any{"order": node.Start}
		}
		for item := node.FirstChild(); item != nil; item = item.NextSibling() {
			list.Content = append(list.Content, Node{Type: nodeListItem, Content: mdBlocks(item, source)})
		}
		return []Node{list}
	case *ast.Blockquote:
		return []Node{{Type: nodeBlockquote, Content: mdBlocks(node, source)}}
	case *ast.FencedCodeBlock:
		block := Node{Type: nodeCodeBlock}
		if lang := string(node.Language(source)); lang != "" {
			block.Attrs = map[string]any{"language": lang}
		}
		block.Content = appendText(nil, strings.TrimSuffix(linesText(node.Lines(), source), "\n"), nil)
		return []Node{block}
	case *ast.CodeBlock:
		return []Node{{
			Type:    nodeCodeBlock,
			Content: appendText(nil, strings.TrimSuffix(linesText(node.Lines(), source), "\n"), nil),
		}}
	case *ast.ThematicBreak:
		return []Node{{Type: nodeHorizontalRule}}
	case *ast.HTMLBlock:
		raw := linesText(node.Lines(), source)
		if node.HasClosure() {
			raw += string(node.ClosureLine.Value(source))
		}
		return htmlToDoc(raw).Content
	case *extast.Table:
		var rows []Node
		for row := node.FirstChild(); row != nil; row = row.NextSibling() {
			var cells []Node
			for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
				if len(cells) > 0 {
					cells = appendText(cells, " | ", nil)
				}
				cells = append(cells, trimInline(mdInlines(cell, source, nil))...)
			}
			if len(cells) > 0 {
				rows = append(rows, Node{Type: nodeParagraph, Content: cells})
			}
		}
		return rows
	default:
		if n.HasChildren() {
			return mdBlocks(n, source)
		}
		return nil
	}
}

func mdInlines(parent ast.Node, source []byte, marks []Mark) []Node {
	var out []Node
	for c := parent.FirstChild(); c != nil; c = c.NextSibling() {
		switch node := c.(type) {
		case *ast.Text:
			out = appendText(out, string(util.UnescapePunctuations(node.Segment.Value(source))), marks)
			if node.HardLineBreak() {
				out = append(out, Node{Type: nodeHardBreak})
			} else if node.SoftLineBreak() {
				out = appendText(out, "\n", marks)
			}
		case *ast.String:
			out = appendText(out, string(node.Value), marks)
		case *ast.CodeSpan:
			out = appendText(out, rawInlineText(node, source), withMark(marks, Mark{Type: markCode}))
		case *ast.Emphasis:
			mark := Mark{Type: markItalic}
			if node.Level >= 2 {
				mark.Type = markBold
			}
			out = append(out, mdInlines(node, source, withMark(marks, mark))...)
		case *ast.Link:
			link := Mark{Type: markLink, Attrs: map[string]any{"href": string(node.Destination)}}
			out = append(out, mdInlines(node, source, withMark(marks, link))...)
		case *ast.AutoLink:
			link := Mark{Type: markLink, Attrs: map[string]any{"href": string(node.URL(source))}}
			out = appendText(out, string(node.Label(source)), withMark(marks, link))
		case *ast.Image:
			out = appendText(out, rawInlineText(node, source), marks)
		case *ast.RawHTML:
			var raw strings.Builder
			for i := 0; i < node.Segments.Len(); i++ {
				seg := node.Segments.At(i)
				raw.Write(seg.Value(source))
			}
			out = appendText(out, raw.String(), marks)
		case *extast.Strikethrough:
			out = append(out, mdInlines(node, source, withMark(marks, Mark{Type: markStrike}))...)
		default:
			out = append(out, mdInlines(node, source, marks)...)
		}
	}
	return mergeText(out)
}

// mergeText joins adjacent text nodes that carry the same marks. Recursion
// in mdInlines can leave such neighbours behind.
func mergeText(nodes []Node) []Node {
	var out []Node
	for _, n := range nodes {
		if n.Type == nodeText {
			out = appendText(out, n.Text, n.Marks)
			continue
		}
		out = append(out, n)
	}
	return out
}

func rawInlineText(n ast.Node, source []byte) string {
	var b strings.Builder
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch t := c.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(source))
		case *ast.String:
			b.Write(t.Value)
		default:
			b.WriteString(rawInlineText(c, source))
		}
	}
	return b.String()
}

func linesText(lines *text.Segments, source []byte) string {
	var b strings.Builder
	for i := 0; i < lines.Len(); i++ {
		line := lines.At(i)
		b.Write(line.Value(source))
	}
	return b.String()
}

// HeadingText returns the plain text of a heading or other inline container.
func HeadingText(n ast.Node, source []byte) string {
	return strings.TrimSpace(inlineText(mdInlines(n, source, nil)))
}
