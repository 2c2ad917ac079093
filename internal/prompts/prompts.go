// Package prompts holds the system prompt templates for the analysis
// stages. Templates are embedded in the binary and rendered with
// text/template.
package prompts

import (
	"embed"
	"strings"
	"text/template"

	"github.com/rotisserie/eris"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

// Field describes one field of the JSON object a stage must return.
type Field struct {
	Name     string
	Kind     string
	Required bool
}

// Input describes one upstream result included in the payload.
type Input struct {
	Stage string
	Label string
}

// Data is the template context.
type Data struct {
	ProjectID string
	Stage     string
	Fields    []Field
	Inputs    []Input
}

// ErrNoTemplate is returned when no template exists for a stage.
var ErrNoTemplate = eris.New("prompts: no template for stage")

// Render executes the template named after data.Stage.
func Render(data Data) (string, error) {
	t := templates.Lookup(data.Stage + ".tmpl")
	if t == nil {
		return "", eris.Wrapf(ErrNoTemplate, "%q", data.Stage)
	}
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", eris.Wrapf(err, "prompts: render %s", data.Stage)
	}
	return strings.TrimSpace(b.String()), nil
}

// Has reports whether a template exists for stage.
func Has(stage string) bool {
	return templates.Lookup(stage+".tmpl") != nil
}
