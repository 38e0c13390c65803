package notify

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/db"
)

type Template string

const (
	TemplateBoard             Template = "board"
	TemplateAlight            Template = "alight"
	TemplateIncidentChecked   Template = "incident_checked"
	TemplateIncidentEmergency Template = "incident_emergency"
	TemplateIncidentResolved  Template = "incident_resolved"
	// TemplateStudentSwitchChecked marks a student-button incident as checked.
	// It is internal and never reaches a channel.
	TemplateStudentSwitchChecked Template = "student_switch_checked"
)

// Params fill a template. At is rendered in the dispatcher's location.
type Params struct {
	StudentName string
	EventKind   string
	DriverName  string
	TriggerType string
	Details     string
	At          time.Time
}

type view struct {
	Params
	When string
}

var templates = map[Template]*template.Template{
	TemplateBoard: parse(TemplateBoard,
		`{{.StudentName}} boarded the school bus at {{.When}}. Driver: {{.DriverName}}.`),
	TemplateAlight: parse(TemplateAlight,
		`{{.StudentName}} got off the school bus at {{.When}}. Driver: {{.DriverName}}.`),
	TemplateIncidentChecked: parse(TemplateIncidentChecked,
		`Bus alert ({{.TriggerType}}) for {{.StudentName}} was checked by driver {{.DriverName}} at {{.When}}. No action needed.`),
	TemplateIncidentEmergency: parse(TemplateIncidentEmergency,
		`EMERGENCY on the bus carrying {{.StudentName}}: driver {{.DriverName}} confirmed an emergency ({{.TriggerType}}) at {{.When}}.{{if .Details}} {{.Details}}{{end}}`),
	TemplateIncidentResolved: parse(TemplateIncidentResolved,
		`The bus carrying {{.StudentName}} is back to normal as of {{.When}}. Driver: {{.DriverName}}.`),
	TemplateStudentSwitchChecked: parse(TemplateStudentSwitchChecked,
		`{{.StudentName}} pressed the bus switch; checked at {{.When}}.`),
}

func parse(name Template, text string) *template.Template {
	return template.Must(template.New(string(name)).Option("missingkey=error").Parse(text))
}

// Dispatching reports whether messages of class t are delivered at all.
func Dispatching(t Template) bool {
	return t != TemplateStudentSwitchChecked
}

func Render(t Template, p Params, loc *time.Location) (string, error) {
	tmpl, ok := templates[t]
	if !ok {
		return "", fmt.Errorf("unknown template %q", t)
	}
	if loc == nil {
		loc = time.UTC
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, view{Params: p, When: p.At.In(loc).Format("02/01/2006 15:04")}); err != nil {
		return "", fmt.Errorf("render %s: %w", t, err)
	}
	return buf.String(), nil
}

// ForEvent picks the attendance template for an event kind.
func ForEvent(kind db.EventType) Template {
	if kind == db.EventAlight {
		return TemplateAlight
	}
	return TemplateBoard
}
