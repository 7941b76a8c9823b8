// Package display holds the page state shown to the user and pushes changes
// to connected clients.
package display

import (
	"context"
	"strings"

	"github.com/loqalabs/loqa-intake/internal/extract"
)

// Target names a toggleable element of the page.
type Target string

const (
	SpeakNow    Target = "speakNowMessage"
	Processing  Target = "processing"
	InfoPanel   Target = "infoContainer"
	StartButton Target = "startSpeakingButton"
	StopButton  Target = "stopSpeakingButton"
)

// Fields are the five display slots, already rendered as text.
type Fields struct {
	FullName string `json:"fullName"`
	Age      string `json:"age"`
	Role     string `json:"role"`
	Country  string `json:"country"`
	Skills   string `json:"skills"`
}

// Alert is a blocking message for the user.
type Alert struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Update is one batch of changes to the page.
type Update struct {
	SessionID   string   `json:"session_id,omitempty"`
	State       string   `json:"state,omitempty"`
	Show        []Target `json:"show,omitempty"`
	Hide        []Target `json:"hide,omitempty"`
	EnableStart *bool    `json:"enable_start,omitempty"`
	Fields      *Fields  `json:"fields,omitempty"`
	Alert       *Alert   `json:"alert,omitempty"`
}

// Empty reports whether u changes nothing.
func (u Update) Empty() bool {
	return u.State == "" && len(u.Show) == 0 && len(u.Hide) == 0 && u.EnableStart == nil && u.Fields == nil && u.Alert == nil
}

// View is the full page state.
type View struct {
	SessionID    string          `json:"session_id,omitempty"`
	State        string          `json:"state"`
	Visible      map[Target]bool `json:"visible"`
	StartEnabled bool            `json:"start_enabled"`
	Fields       Fields          `json:"fields"`
	Alert        *Alert          `json:"alert,omitempty"`
}

// InitialView matches the page before media is granted: only the disabled
// start control and the stop control are visible.
func InitialView() View {
	return View{
		State: "idle",
		Visible: map[Target]bool{
			SpeakNow:    false,
			Processing:  false,
			InfoPanel:   false,
			StartButton: true,
			StopButton:  true,
		},
	}
}

// Apply folds u into v.
func (v *View) Apply(u Update) {
	if v.Visible == nil {
		v.Visible = make(map[Target]bool)
	}
	if u.SessionID != "" {
		v.SessionID = u.SessionID
	}
	if u.State != "" {
		v.State = u.State
	}
	for _, t := range u.Show {
		v.Visible[t] = true
	}
	for _, t := range u.Hide {
		v.Visible[t] = false
	}
	if u.EnableStart != nil {
		v.StartEnabled = *u.EnableStart
	}
	if u.Fields != nil {
		v.Fields = *u.Fields
	}
	if u.Alert != nil {
		alert := *u.Alert
		v.Alert = &alert
	}
}

// Clone returns a deep copy of v.
func (v View) Clone() View {
	out := v
	out.Visible = make(map[Target]bool, len(v.Visible))
	for k, val := range v.Visible {
		out.Visible[k] = val
	}
	if v.Alert != nil {
		alert := *v.Alert
		out.Alert = &alert
	}
	return out
}

// Render turns an extraction result into slot text. Unknown scalars render
// as the literal "null"; skills are joined with ", ".
func Render(res extract.Result) Fields {
	age := "null"
	if res.Age != nil {
		age = res.Age.String()
	}
	return Fields{
		FullName: textOrNull(res.FullName),
		Age:      age,
		Role:     textOrNull(res.Role),
		Country:  textOrNull(res.Country),
		Skills:   strings.Join(res.Skills, ", "),
	}
}

func textOrNull(s *string) string {
	if s == nil {
		return "null"
	}
	return *s
}

// Sink receives page updates.
type Sink interface {
	Apply(ctx context.Context, u Update) error
}
