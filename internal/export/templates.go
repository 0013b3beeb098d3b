package export

import (
	"bytes"
	"embed"
	"html/template"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var courseTemplate = template.Must(template.New("course.html").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).ParseFS(templateFS, "templates/course.html"))

// TemplateData holds data for course template rendering
type TemplateData struct {
	Title      string
	Owner      string
	ExportedAt time.Time
	Sections   []TemplateSection
}

// TemplateSection is one section in reading order. Heading is the HTML
// heading level, 1 for roots.
type TemplateSection struct {
	Anchor  string
	Heading int
	Title   string
	Body    template.HTML
	Words   int
}

// TOCIndent is used by the table of contents.
func (s TemplateSection) TOCIndent() int {
	return (s.Heading - 1) * 16
}

// RenderCourseHTML renders the course template with provided data
func RenderCourseHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := courseTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
