package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/will.html
var templateFS embed.FS

var willTemplate = template.Must(template.New("will").Funcs(template.FuncMap{
	"lower": strings.ToLower,
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).Parse(mustReadTemplate("templates/will.html")))

func mustReadTemplate(name string) string {
	data, err := templateFS.ReadFile(name)
	if err != nil {
		panic(err)
	}
	return string(data)
}

func renderWillHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := willTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
