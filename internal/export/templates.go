package export

import (
	"bytes"
	"embed"
	"html/template"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var documentTemplate = template.Must(
	template.New("document.html").
		Funcs(template.FuncMap{
			"formatDate": func(t time.Time, layout string) string {
				if t.IsZero() {
					return ""
				}
				return t.Format(layout)
			},
		}).
		ParseFS(templateFS, "templates/document.html"),
)

type TemplateData struct {
	Title       string
	ContentHTML template.HTML
	Author      string
	UpdatedAt   time.Time
	Threads     []TemplateThread
}

type TemplateThread struct {
	ID       string
	Quote    string
	Resolved bool
	Comments []TemplateComment
}

type TemplateComment struct {
	Author    string
	Body      string
	CreatedAt time.Time
}

func RenderDocumentHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
