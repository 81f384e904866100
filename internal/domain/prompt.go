package domain

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// PromptValue is a template variable: either a single string or an ordered
// list of strings that renders one item per line.
type PromptValue struct {
	text  string
	lines []string
	list  bool
}

// Text returns a scalar prompt value.
func Text(s string) PromptValue { return PromptValue{text: s} }

// Lines returns a sequence prompt value.
func Lines(items ...string) PromptValue {
	return PromptValue{lines: slices.Clone(items), list: true}
}

// IsList reports whether the value is a sequence.
func (v PromptValue) IsList() bool { return v.list }

// String renders the value, joining sequences with newlines.
func (v PromptValue) String() string {
	if v.list {
		return strings.Join(v.lines, "\n")
	}
	return v.text
}

// Items returns a copy of the sequence items, or the scalar as a single item.
func (v PromptValue) Items() []string {
	if v.list {
		return slices.Clone(v.lines)
	}
	return []string{v.text}
}

// UnmarshalYAML accepts either a scalar or a sequence of scalars.
func (v *PromptValue) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*v = Text(node.Value)
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return fmt.Errorf("prompt variable: %w", err)
		}
		*v = Lines(items...)
		return nil
	default:
		return fmt.Errorf("prompt variable: line %d: expected string or list of strings", node.Line)
	}
}

// MarshalYAML mirrors UnmarshalYAML.
func (v PromptValue) MarshalYAML() (any, error) {
	if v.list {
		return v.lines, nil
	}
	return v.text, nil
}

// PromptVariables maps placeholder names to values.
type PromptVariables map[string]PromptValue

// Clone returns a copy that shares no sequence storage with the receiver.
func (p PromptVariables) Clone() PromptVariables {
	if p == nil {
		return nil
	}
	out := make(PromptVariables, len(p))
	for k, v := range p {
		if v.list {
			v.lines = slices.Clone(v.lines)
		}
		out[k] = v
	}
	return out
}

// Names returns the variable names in sorted order.
func (p PromptVariables) Names() []string {
	return slices.Sorted(maps.Keys(p))
}
