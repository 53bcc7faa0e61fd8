package export

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"vigil/internal/store"
)

var reportTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		return t.UTC().Format(layout)
	},
	"lower": strings.ToLower,
}).Parse(reportHTML))

// TemplateData holds data for report template rendering
type TemplateData struct {
	ID          string
	Title       string
	Status      string
	CreatedAt   time.Time
	Description string
	Location    string
	BlurRadius  int
	Anonymous   bool
	Contact     *store.Contact
	History     []store.HistoryEntry
	Media       []TemplateMedia
}

// TemplateMedia holds attachment data for the template
type TemplateMedia struct {
	Kind   string
	Name   string
	Ref    string
	Locked bool
}

// NewTemplateData projects r for rendering. Redacted output shows only the
// public location and drops contact details.
func NewTemplateData(r store.Report, redact bool) TemplateData {
	title := r.Category
	if title == "" {
		title = strings.Join(r.Checklist, ", ")
	}

	loc := r.ExactLocation
	if redact {
		loc = r.PublicLocation
	}

	data := TemplateData{
		ID:          r.ID,
		Title:       title,
		Status:      string(r.Status),
		CreatedAt:   r.CreatedAt,
		Description: r.Description,
		Location:    fmt.Sprintf("%.5f, %.5f", loc.Latitude, loc.Longitude),
		BlurRadius:  r.BlurRadius,
		Anonymous:   r.Anonymous,
		History:     r.History,
	}
	if !redact {
		data.Contact = r.Contact
	}
	for _, m := range r.Media {
		data.Media = append(data.Media, TemplateMedia{Kind: string(m.Kind), Name: m.Name, Ref: m.Ref, Locked: m.Locked})
	}
	return data
}

// RenderReportHTML renders the report template with provided data
func RenderReportHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const reportHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}} ({{.ID}})</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .status { text-transform: uppercase; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; }
    td, th { border-bottom: 1px solid #ddd; padding: 0.3rem; text-align: left; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">{{.ID}} | <span class="status status-{{lower .Status}}">{{.Status}}</span> | {{formatDate .CreatedAt "Jan 2, 2006 15:04 MST"}}</div>
  <p>{{.Description}}</p>
  <h2>Location</h2>
  <p>{{.Location}}{{if .BlurRadius}} (public radius {{.BlurRadius}} m){{end}}</p>
  {{if .Contact}}
  <h2>Contact</h2>
  <p>{{.Contact.Phone}} {{.Contact.Email}}{{if .Contact.WantsCallback}} (callback requested{{if .Contact.PreferredTime}}, {{.Contact.PreferredTime}}{{end}}){{end}}</p>
  {{else if .Anonymous}}
  <p><em>Submitted anonymously</em></p>
  {{end}}
  {{if .Media}}
  <h2>Media</h2>
  <ul>
  {{range .Media}}<li>{{.Kind}}: {{.Name}} <code>{{.Ref}}</code>{{if .Locked}} (withheld){{end}}</li>
  {{end}}</ul>
  {{end}}
  <h2>History</h2>
  <table>
  {{range .History}}<tr><td>{{.State}}</td><td>{{formatDate .Timestamp "2006-01-02 15:04:05 MST"}}</td></tr>
  {{end}}</table>
</body>
</html>`
