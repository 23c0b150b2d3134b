package web

import (
	"embed"
	"html/template"
	"net/http"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

type Templates struct {
	page *template.Template
}

func NewTemplates() *Templates {
	page := template.New("").Funcs(TemplateFuncs())
	page = template.Must(page.ParseFS(templateFS, "templates/*.html"))
	return &Templates{page: page}
}

func TemplateFuncs() template.FuncMap {
	return template.FuncMap{
		"unixMilli": func(ts int64) string {
			if ts == 0 {
				return "never"
			}
			return time.UnixMilli(ts).Format("2006-01-02 15:04:05")
		},
		"yesNo": func(b bool) string {
			if b {
				return "yes"
			}
			return "no"
		},
	}
}

// Renders entire page
func (t *Templates) RenderPage(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := t.page.ExecuteTemplate(w, "layout", data)
	if err != nil {
		http.Error(w, "Template rendering error: "+err.Error(), http.StatusInternalServerError)
	}
}
