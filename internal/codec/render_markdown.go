package codec

import (
	"fmt"
	"strings"
)

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`,
	"*", `\*`,
	"_", `\_`,
	"`", "\\`",
	"[", `\[`,
	"]", `\]`,
	"~", `\~`,
	"<", `\<`,
	">", `\>`,
	"&", `\&`,
)

// EscapeMarkdown renders plain text as markdown that parses back to the
// same literal text.
func EscapeMarkdown(text string) string {
	return escapeClosingHash(escapeLineStarts(markdownEscaper.Replace(text), true))
}

// escapeClosingHash keeps a trailing # from reading as the closing
// sequence of an ATX heading.
func escapeClosingHash(s string) string {
	if strings.HasSuffix(s, "#") && !escapedAt(s, len(s)-1) {
		return s[:len(s)-1] + `\#`
	}
	return s
}

// escapeLineStarts escapes the characters that would open a block when
// they begin a line: ATX headings, list markers, setext underlines and
// table rows. The first line is only treated as a line start when atStart.
func escapeLineStarts(s string, atStart bool) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if i == 0 && !atStart {
			continue
		}
		lines[i] = escapeLineStart(line)
	}
	return strings.Join(lines, "\n")
}

func escapeLineStart(line string) string {
	body := strings.TrimLeft(line, " \t")
	if body == "" {
		return line
	}
	lead := line[:len(line)-len(body)]
	switch body[0] {
	case '#', '-', '+', '=', '|':
		return lead + `\` + body
	}
	digits := 0
	for digits < len(body) && digits < 9 && body[digits] >= '0' && body[digits] <= '9' {
		digits++
	}
	if digits > 0 && digits < len(body) && (body[digits] == '.' || body[digits] == ')') {
		return lead + body[:digits] + `\` + body[digits:]
	}
	return line
}

// escapedAt reports whether the byte at i is preceded by an odd run of
// backslashes.
func escapedAt(s string, i int) bool {
	n := 0
	for j := i - 1; j >= 0 && s[j] == '\\'; j-- {
		n++
	}
	return n%2 == 1
}

func docToMarkdown(doc Node) string {
	return strings.TrimRight(joinMarkdownBlocks(doc.Content, "\n\n"), "\n")
}

func joinMarkdownBlocks(nodes []Node, sep string) string {
	parts := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if s := markdownBlock(n); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, sep)
}

func markdownBlock(n Node) string {
	switch n.Type {
	case nodeHeading:
		level := min(max(intAttr(n.Attrs, "level", 1), 1), 6)
		return strings.Repeat("#", level) + " " + escapeClosingHash(markdownInline(n.Content))
	case nodeParagraph:
		return markdownInline(n.Content)
	case nodeBulletList:
		items := make([]string, 0, len(n.Content))
		for _, item := range n.Content {
			items = append(items, markdownListItem(item, "- "))
		}
		return strings.Join(items, "\n")
	case nodeOrderedList:
		start := intAttr(n.Attrs, "order", 1)
		items := make([]string, 0, len(n.Content))
		for i, item := range n.Content {
			items = append(items, markdownListItem(item, fmt.Sprintf("%d. ", start+i)))
		}
		return strings.Join(items, "\n")
	case nodeBlockquote:
		inner := joinMarkdownBlocks(n.Content, "\n\n")
		lines := strings.Split(inner, "\n")
		for i, line := range lines {
			if line == "" {
				lines[i] = ">"
			} else {
				lines[i] = "> " + line
			}
		}
		return strings.Join(lines, "\n")
	case nodeCodeBlock:
		code := inlineText(n.Content)
		fence := "```"
		for strings.Contains(code, fence) {
			fence += "`"
		}
		return fence + stringAttr(n.Attrs, "language") + "\n" + code + "\n" + fence
	case nodeHorizontalRule:
		return "---"
	case nodeText, nodeHardBreak:
		return markdownInline([]Node{n})
	default:
		return joinMarkdownBlocks(n.Content, "\n\n")
	}
}

func markdownListItem(item Node, prefix string) string {
	body := joinMarkdownBlocks(item.Content, "\n")
	indent := strings.Repeat(" ", len(prefix))
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		switch {
		case i == 0:
			lines[i] = prefix + line
		case line != "":
			lines[i] = indent + line
		}
	}
	return strings.Join(lines, "\n")
}

func markdownInline(nodes []Node) string {
	var b strings.Builder
	atStart := true
	for _, n := range nodes {
		var out string
		switch n.Type {
		case nodeText:
			out = markdownText(n.Text, n.Marks)
			if len(n.Marks) == 0 {
				out = escapeLineStarts(out, atStart)
			}
		case nodeHardBreak:
			out = "\\\n"
		default:
			out = markdownInline(n.Content)
		}
		if out != "" {
			atStart = strings.HasSuffix(out, "\n")
		}
		b.WriteString(out)
	}
	return b.String()
}

// markdownText wraps text in the markdown syntax for its marks. Surrounding
// whitespace is kept outside emphasis delimiters, which may not touch it.
func markdownText(text string, marks []Mark) string {
	if len(marks) == 0 {
		return markdownEscaper.Replace(text)
	}
	core := strings.TrimSpace(text)
	if core == "" {
		return text
	}
	lead := text[:strings.Index(text, core)]
	trail := text[len(lead)+len(core):]

	out := markdownEscaper.Replace(core)
	if hasMark(marks, markCode) {
		ticks := "`"
		for strings.Contains(core, ticks) {
			ticks += "`"
		}
		out = ticks + core + ticks
	}
	for _, mt := range []string{markItalic, markBold, markStrike} {
		if !hasMark(marks, mt) {
			continue
		}
		switch mt {
		case markItalic:
			out = "*" + out + "*"
		case markBold:
			out = "**" + out + "**"
		case markStrike:
			out = "~~" + out + "~~"
		}
	}
	for _, m := range marks {
		if m.Type == markLink {
			out = "[" + out + "](" + stringAttr(m.Attrs, "href") + ")"
		}
	}
	return lead + out + trail
}
