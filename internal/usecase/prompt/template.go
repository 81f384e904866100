// Package prompt renders agent system prompts from {{NAME}} templates.
package prompt

import (
	"fmt"
	"slices"
	"strings"

	"squadron/internal/domain"
)

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

type options struct {
	strict bool
}

// Option configures Render.
type Option func(*options)

// Strict makes Render fail with domain.ErrTemplateRender when a placeholder
// has no matching variable. The default passes such placeholders through
// unchanged.
func Strict() Option {
	return func(o *options) { o.strict = true }
}

// WithStrict is Strict driven by a flag, for config plumbing.
func WithStrict(strict bool) Option {
	return func(o *options) { o.strict = strict }
}

// Render replaces every {{NAME}} in tmpl with the matching variable.
// Sequence values are joined with newlines. Substituted text is never
// scanned again, so values may safely contain braces. Render is pure and
// safe for concurrent use.
func Render(tmpl string, vars domain.PromptVariables, opts ...Option) (string, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	var (
		b       strings.Builder
		missing []string
	)
	b.Grow(len(tmpl))

	rest := tmpl
	for {
		start := strings.Index(rest, openDelim)
		if start < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		after := rest[start+len(openDelim):]

		end := strings.Index(after, closeDelim)
		if end < 0 {
			b.WriteString(rest[start:])
			break
		}
		raw := after[:end]
		name, ok := placeholderName(raw)
		if !ok {
			// Not a placeholder; emit the opening delimiter and resume
			// scanning right after it so "{{{{X}}" still finds {{X}}.
			b.WriteString(openDelim)
			rest = after
			continue
		}

		token := rest[start : start+len(openDelim)+end+len(closeDelim)]
		if v, found := vars[name]; found {
			b.WriteString(v.String())
		} else {
			if o.strict && !slices.Contains(missing, name) {
				missing = append(missing, name)
			}
			b.WriteString(token)
		}
		rest = after[end+len(closeDelim):]
	}

	if len(missing) > 0 {
		return "", domain.NewDomainError("prompt.Render", domain.ErrTemplateRender,
			fmt.Sprintf("missing variables: %s", strings.Join(missing, ", ")))
	}
	return b.String(), nil
}

// MustRender is Render for templates known at compile time.
func MustRender(tmpl string, vars domain.PromptVariables) string {
	out, err := Render(tmpl, vars)
	if err != nil {
		panic(err)
	}
	return out
}

// Placeholders lists the distinct placeholder names in tmpl in order of
// first appearance.
func Placeholders(tmpl string) []string {
	var names []string
	rest := tmpl
	for {
		start := strings.Index(rest, openDelim)
		if start < 0 {
			return names
		}
		after := rest[start+len(openDelim):]
		end := strings.Index(after, closeDelim)
		if end < 0 {
			return names
		}
		name, ok := placeholderName(after[:end])
		if !ok {
			rest = after
			continue
		}
		if !slices.Contains(names, name) {
			names = append(names, name)
		}
		rest = after[end+len(closeDelim):]
	}
}

// placeholderName validates the text between the delimiters. Surrounding
// spaces are allowed; the name itself is [A-Za-z0-9_]+.
func placeholderName(raw string) (string, bool) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		default:
			return "", false
		}
	}
	return name, true
}

// Template is a prompt template together with its variables.
type Template struct {
	Text      string
	Variables domain.PromptVariables
}

// New copies vars so later changes by the caller do not leak in.
func New(text string, vars domain.PromptVariables) Template {
	return Template{Text: text, Variables: vars.Clone()}
}

// Render renders the template with its own variables.
func (t Template) Render(opts ...Option) (string, error) {
	return Render(t.Text, t.Variables, opts...)
}

// Missing returns the placeholders that have no variable bound.
func (t Template) Missing() []string {
	var out []string
	for _, name := range Placeholders(t.Text) {
		if _, ok := t.Variables[name]; !ok {
			out = append(out, name)
		}
	}
	return out
}
