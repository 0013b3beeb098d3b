package codec

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	xhtml "golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var whitespaceRun = regexp.MustCompile(`[ \t\r\n\f]+`)

func htmlToDoc(src string) Node {
	context := &xhtml.Node{Type: xhtml.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := xhtml.ParseFragment(strings.NewReader(src), context)
	if err != nil {
		return Node{Type: nodeDoc, Content: []Node{{Type: nodeParagraph, Content: appendText(nil, src, nil)}}}
	}
	return Node{Type: nodeDoc, Content: htmlBlocks(nodes)}
}

func htmlChildren(n *xhtml.Node) []*xhtml.Node {
	var out []*xhtml.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		out = append(out, c)
	}
	return out
}

func isBlockElement(a atom.Atom) bool {
	switch a {
	case atom.P, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Ul, atom.Ol, atom.Li, atom.Blockquote, atom.Pre, atom.Hr,
		atom.Div, atom.Section, atom.Article, atom.Main, atom.Header, atom.Footer,
		atom.Aside, atom.Nav, atom.Figure, atom.Table, atom.Thead, atom.Tbody, atom.Tr,
		atom.Html, atom.Body, atom.Head:
		return true
	}
	return false
}

// htmlBlocks converts a run of sibling DOM nodes into block nodes. Loose
// inline content between blocks is collected into paragraphs.
func htmlBlocks(nodes []*xhtml.Node) []Node {
	var out []Node
	var pending []Node

	flush := func() {
		inline := trimInline(pending)
		pending = nil
		if len(inline) == 0 {
			return
		}
		out = append(out, Node{Type: nodeParagraph, Content: inline})
	}

	for _, n := range nodes {
		if n.Type == xhtml.ElementNode && isBlockElement(n.DataAtom) {
			flush()
			out = append(out, htmlBlock(n)...)
			continue
		}
		if n.Type == xhtml.CommentNode || (n.Type == xhtml.ElementNode && (n.DataAtom == atom.Script || n.DataAtom == atom.Style)) {
			continue
		}
		pending = append(pending, htmlInlines([]*xhtml.Node{n}, nil)...)
		pending = mergeText(pending)
	}
	flush()
	return out
}

func htmlBlock(n *xhtml.Node) []Node {
	switch n.DataAtom {
	case atom.P:
		inline := trimInline(htmlInlines(htmlChildren(n), nil))
		if len(inline) == 0 {
			return nil
		}
		return []Node{{Type: nodeParagraph, Content: inline}}
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		level := int(n.Data[1] - '0')
		return []Node{{
			Type:    nodeHeading,
			Attrs:   map[string]any{"level": level},
			Content: trimInline(htmlInlines(htmlChildren(n), nil)),
		}}
	case atom.Ul, atom.Ol:
		list := Node{Type: nodeBulletList}
		if n.DataAtom == atom.Ol {
			list.Type = nodeOrderedList
			start := 1
			if s := attr(n, "start"); s != "" {
				_, _ = fmt.Sscanf(s, "%d", &start)
			}
			list.Attrs = map[string]any{"order": start}
		}
		for _, c := range htmlChildren(n) {
			if c.Type != xhtml.ElementNode {
				continue
			}
			list.Content = append(list.Content, Node{Type: nodeListItem, Content: htmlBlocks(htmlChildren(c))})
		}
		return []Node{list}
	case atom.Li:
		return []Node{{Type: nodeBulletList, Content: []Node{{Type: nodeListItem, Content: htmlBlocks(htmlChildren(n))}}}}
	case atom.Blockquote:
		return []Node{{Type: nodeBlockquote, Content: htmlBlocks(htmlChildren(n))}}
	case atom.Pre:
		block := Node{Type: nodeCodeBlock}
		code := textContent(n)
		for _, c := range htmlChildren(n) {
			if c.DataAtom != atom.Code {
				continue
			}
			for _, class := range strings.Fields(attr(c, "class")) {
				if lang, ok := strings.CutPrefix(class, "language-"); ok {
					block.Attrs = map[string]any{"language": lang}
				}
			}
		}
		block.Content = appendText(nil, strings.TrimSuffix(code, "\n"), nil)
		return []Node{block}
	case atom.Hr:
		return []Node{{Type: nodeHorizontalRule}}
	case atom.Tr:
		var cells []Node
		for _, c := range htmlChildren(n) {
			if c.Type != xhtml.ElementNode {
				continue
			}
			if len(cells) > 0 {
				cells = appendText(cells, " | ", nil)
			}
			cells = append(cells, trimInline(htmlInlines(htmlChildren(c), nil))...)
		}
		if len(cells) == 0 {
			return nil
		}
		return []Node{{Type: nodeParagraph, Content: cells}}
	case atom.Head:
		return nil
	default:
		return htmlBlocks(htmlChildren(n))
	}
}

func htmlInlines(nodes []*xhtml.Node, marks []Mark) []Node {
	var out []Node
	for _, n := range nodes {
		switch n.Type {
		case xhtml.TextNode:
			out = appendText(out, collapseWhitespace(n.Data), marks)
		case xhtml.ElementNode:
			children := htmlChildren(n)
			switch n.DataAtom {
			case atom.Strong, atom.B:
				out = append(out, htmlInlines(children, withMark(marks, Mark{Type: markBold}))...)
			case atom.Em, atom.I:
				out = append(out, htmlInlines(children, withMark(marks, Mark{Type: markItalic}))...)
			case atom.Code, atom.Kbd, atom.Samp:
				out = appendText(out, textContent(n), withMark(marks, Mark{Type: markCode}))
			case atom.S, atom.Del, atom.Strike:
				out = append(out, htmlInlines(children, withMark(marks, Mark{Type: markStrike}))...)
			case atom.A:
				link := Mark{Type: markLink, Attrs: map[string]any{"href": attr(n, "href")}}
				out = append(out, htmlInlines(children, withMark(marks, link))...)
			case atom.Br:
				out = append(out, Node{Type: nodeHardBreak})
			case atom.Img:
				out = appendText(out, attr(n, "alt"), marks)
			case atom.Script, atom.Style:
			default:
				out = append(out, htmlInlines(children, marks)...)
			}
		}
	}
	return mergeText(out)
}

func collapseWhitespace(s string) string {
	return whitespaceRun.ReplaceAllStringFunc(s, func(run string) string {
		if strings.Contains(run, "\n") {
			return "\n"
		}
		return " "
	})
}

func textContent(n *xhtml.Node) string {
	if n.Type == xhtml.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textContent(c))
	}
	return b.String()
}

func attr(n *xhtml.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// docToHTML renders a structured document as an HTML fragment.
func docToHTML(doc Node) string {
	return renderHTMLNode(doc)
}

func renderHTMLNode(node Node) string {
	switch node.Type {
	case nodeDoc:
		return renderHTMLContent(node.Content)
	case nodeParagraph:
		return fmt.Sprintf("<p>%s</p>\n", renderHTMLContent(node.Content))
	case nodeHeading:
		level := min(max(intAttr(node.Attrs, "level", 1), 1), 6)
		return fmt.Sprintf("<h%d>%s</h%d>\n", level, renderHTMLContent(node.Content), level)
	case nodeBulletList:
		return fmt.Sprintf("<ul>\n%s</ul>\n", renderHTMLContent(node.Content))
	case nodeOrderedList:
		if start := intAttr(node.Attrs, "order", 1); start != 1 {
			return fmt.Sprintf("<ol start=\"%d\">\n%s</ol>\n", start, renderHTMLContent(node.Content))
		}
		return fmt.Sprintf("<ol>\n%s</ol>\n", renderHTMLContent(node.Content))
	case nodeListItem:
		return fmt.Sprintf("<li>%s</li>\n", renderListItemHTML(node))
	case nodeBlockquote:
		return fmt.Sprintf("<blockquote>\n%s</blockquote>\n", renderHTMLContent(node.Content))
	case nodeCodeBlock:
		code := html.EscapeString(inlineText(node.Content))
		if lang := stringAttr(node.Attrs, "language"); lang != "" {
			return fmt.Sprintf("<pre><code class=\"language-%s\">%s\n</code></pre>\n", html.EscapeString(lang), code)
		}
		return fmt.Sprintf("<pre><code>%s\n</code></pre>\n", code)
	case nodeText:
		return renderTextWithMarks(node.Text, node.Marks)
	case nodeHardBreak:
		return "<br>\n"
	case nodeHorizontalRule:
		return "<hr>\n"
	default:
		return renderHTMLContent(node.Content)
	}
}

// renderListItemHTML keeps tight items (a single paragraph) on one line the
// way markdown renderers emit them.
func renderListItemHTML(item Node) string {
	if len(item.Content) == 1 && item.Content[0].Type == nodeParagraph {
		return renderHTMLContent(item.Content[0].Content)
	}
	return renderHTMLContent(item.Content)
}

func renderHTMLContent(nodes []Node) string {
	var b strings.Builder
	for _, n := range nodes {
		b.WriteString(renderHTMLNode(n))
	}
	return b.String()
}

func renderTextWithMarks(text string, marks []Mark) string {
	if text == "" {
		return ""
	}
	out := html.EscapeString(text)
	for i := len(marks) - 1; i >= 0; i-- {
		switch marks[i].Type {
		case markBold:
			out = "<strong>" + out + "</strong>"
		case markItalic:
			out = "<em>" + out + "</em>"
		case markCode:
			out = "<code>" + out + "</code>"
		case markStrike:
			out = "<del>" + out + "</del>"
		case markLink:
			out = fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(stringAttr(marks[i].Attrs, "href")), out)
		}
	}
	return out
}
