package engine

import (
	"bytes"
	"sync"
	"text/template"

	"github.com/rs/zerolog"

	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/model"
)

const defaultTemplate = `{{ if .Event.Symbol }}{{ .Event.Symbol }} {{ end }}{{ .Event.Key }}
{{- range .Match.Reasons }}
- {{ . }}
{{- end }}`

// templateData is what rule templates render against.
type templateData struct {
	Rule  model.Rule
	Event model.Event
	Match model.MatchResult
}

type renderer struct {
	fallback *template.Template

	mu    sync.Mutex
	cache map[string]*template.Template
}

func newRenderer() *renderer {
	return &renderer{
		fallback: template.Must(template.New("default").Parse(defaultTemplate)),
		cache:    make(map[string]*template.Template),
	}
}

func (r *renderer) lookup(src string) (*template.Template, error) {
	if src == "" {
		return r.fallback, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.cache[src]; ok {
		return t, nil
	}
	t, err := template.New("rule").Option("missingkey=zero").Parse(src)
	if err != nil {
		return nil, err
	}
	r.cache[src] = t
	return t, nil
}

func (r *renderer) message(rule model.Rule, ev model.Event, match model.MatchResult, log zerolog.Logger) model.Message {
	data := templateData{Rule: rule, Event: ev, Match: match}

	var buf bytes.Buffer
	tmpl, err := r.lookup(rule.MessageTemplate)
	if err == nil {
		err = tmpl.Execute(&buf, data)
	}
	if err != nil {
		log.Warn().Err(err).Msg("message template failed, using default")
		buf.Reset()
		_ = r.fallback.Execute(&buf, data)
	}

	title := rule.Name
	if title == "" {
		title = rule.ID
	}
	priority := rule.Priority
	if priority == "" {
		priority = model.PriorityNormal
	}
	return model.Message{
		Title:    title,
		Text:     buf.String(),
		Priority: priority,
		Tags: map[string]string{
			"rule_id":    rule.ID,
			"event_kind": string(ev.Kind),
			"event_key":  ev.Key,
		},
	}
}
