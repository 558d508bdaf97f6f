// Package prompt builds the model input for one conversational turn.
//
// The system instruction is a text/template rendered over a structured
// Context. Templates are parsed with missingkey=error so a persona that
// references a field the context does not carry fails at render time; the
// assembler then falls back to the persona's plain base text instead of
// sending a half-filled instruction to the model.
package prompt

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/user/pion-call-gateway/internal/directory"
	"github.com/user/pion-call-gateway/internal/inference"
	"github.com/user/pion-call-gateway/internal/session"
)

const localTimeLayout = "Monday, January 2, 2006 at 3:04 PM MST"

const defaultTemplate = `You are {{.AgentName}}, a phone assistant for {{.Company}}.

COMMUNICATION STYLE:
- You are speaking on a phone call. Keep answers short, one or two sentences.
- Never read out lists, markdown or emojis.
- Speak only in English.

CALLER:
{{- if .Caller.Known}}
- Name: {{.Caller.Name}}
{{- with .Caller.Balance}}
- Account balance: {{.}}
{{- end}}
{{- with .Caller.AccountStatus}}
- Account status: {{.}}
{{- end}}
- Greet the caller by name and answer account questions from these details only.
{{- else}}
- The caller is not in our records. Help with general questions and do not invent account details.
{{- end}}

CONTEXT:
- Caller's local date and time: {{.LocalTime}}
- Caller's timezone: {{.Timezone}}
{{- with .Caller.Region}}
- Caller's country: {{.}}
{{- end}}`

// Persona is the deployment's agent identity.
type Persona struct {
	AgentName string
	Company   string
	// Template is the system instruction template. Empty uses the built-in one.
	Template string
	// Extra carries deployment specific values for custom templates, reached
	// as {{.Extra.key}}.
	Extra map[string]string
}

// Base is the instruction used when the template cannot be rendered.
func (p Persona) Base() string {
	return "You are " + p.AgentName + ", a phone assistant for " + p.Company +
		". Keep answers short and never invent account details."
}

// personaFile is the YAML persona layout. Empty fields keep the values
// passed to LoadPersona.
type personaFile struct {
	AgentName string            `yaml:"agent_name"`
	Company   string            `yaml:"company"`
	Template  string            `yaml:"template"`
	Extra     map[string]string `yaml:"extra"`
}

// LoadPersona reads a persona from path. A .yaml or .yml file may override the
// agent name and company and carry extra template values; any other file is
// the template itself. An empty path yields the built-in template.
func LoadPersona(agentName, company, path string) (Persona, error) {
	p := Persona{AgentName: agentName, Company: company}
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return p, errors.Wrapf(err, "read persona %s", path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var f personaFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return p, errors.Wrapf(err, "parse persona %s", path)
		}
		if f.AgentName != "" {
			p.AgentName = f.AgentName
		}
		if f.Company != "" {
			p.Company = f.Company
		}
		p.Template = f.Template
		p.Extra = f.Extra
	default:
		p.Template = string(data)
	}
	return p, nil
}

// Caller is the caller section of a prompt context.
type Caller struct {
	Known         bool
	Name          string
	Balance       string
	AccountStatus string
	PhoneNumber   string
	Region        string
}

// Context is everything a system instruction may reference.
type Context struct {
	AgentName string
	Company   string
	Caller    Caller
	LocalTime string
	Timezone  string
	Extra     map[string]string
}

// NewContext derives a prompt context from a resolved profile. now is shown
// in the caller's own timezone.
func NewContext(p Persona, profile directory.CustomerProfile, now time.Time) Context {
	tz := profile.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn().Err(err).Str("timezone", tz).Msg("unknown timezone, using UTC")
		tz, loc = "UTC", time.UTC
	}
	extra := p.Extra
	if extra == nil {
		extra = map[string]string{}
	}
	return Context{
		AgentName: p.AgentName,
		Company:   p.Company,
		Caller: Caller{
			Known:         !profile.Anonymous,
			Name:          profile.Name,
			Balance:       profile.Balance,
			AccountStatus: profile.AccountStatus,
			PhoneNumber:   profile.CallerID,
			Region:        profile.Region,
		},
		LocalTime: now.In(loc).Format(localTimeLayout),
		Timezone:  tz,
		Extra:     extra,
	}
}

// Assembler renders system instructions for one persona.
type Assembler struct {
	persona Persona
	tmpl    *template.Template
}

func NewAssembler(p Persona) (*Assembler, error) {
	text := p.Template
	if strings.TrimSpace(text) == "" {
		text = defaultTemplate
	}
	tmpl, err := template.New("persona").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, errors.Wrap(err, "parse persona template")
	}
	return &Assembler{persona: p, tmpl: tmpl}, nil
}

// Render executes the template and reports failures.
func (a *Assembler) Render(c Context) (string, error) {
	var buf bytes.Buffer
	if err := a.tmpl.Execute(&buf, c); err != nil {
		return "", errors.Wrap(err, "render persona")
	}
	return strings.TrimSpace(buf.String()), nil
}

// Assemble returns the system instruction for c, or the persona's base text
// when rendering fails.
func (a *Assembler) Assemble(c Context) string {
	out, err := a.Render(c)
	if err != nil {
		log.Warn().Err(err).Msg("persona template failed, using base persona")
		return a.persona.Base()
	}
	return out
}

// BuildMessages lays out one inference request: the system instruction, the
// prior turns in their stored order, then the new caller utterance.
func BuildMessages(system string, history []session.Turn, callerText string) []inference.Message {
	msgs := make([]inference.Message, 0, len(history)+2)
	msgs = append(msgs, inference.Message{Role: inference.RoleSystem, Content: system})
	for _, t := range history {
		role := inference.RoleUser
		if t.Role == session.RoleAgent {
			role = inference.RoleAssistant
		}
		msgs = append(msgs, inference.Message{Role: role, Content: t.Content})
	}
	return append(msgs, inference.Message{Role: inference.RoleUser, Content: callerText})
}
