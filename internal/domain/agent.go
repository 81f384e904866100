package domain

import (
	"fmt"
	"slices"
	"strings"
)

// AgentDescriptor is the routing metadata of a registered agent. The registry
// keeps its own copy, so a descriptor is immutable once registered.
type AgentDescriptor struct {
	ID                 string   `json:"id" yaml:"id"`
	Name               string   `json:"name" yaml:"name"`
	Description        string   `json:"description" yaml:"description"`
	Capabilities       []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	StreamingSupported bool     `json:"streaming_supported" yaml:"streaming"`
}

// NewAgentDescriptor normalizes capability tags (trimmed, lower-cased,
// de-duplicated, sorted) and validates the descriptor.
func NewAgentDescriptor(id, name, description string, capabilities []string, streaming bool) (AgentDescriptor, error) {
	d := AgentDescriptor{
		ID:                 strings.TrimSpace(id),
		Name:               strings.TrimSpace(name),
		Description:        strings.TrimSpace(description),
		Capabilities:       normalizeTags(capabilities),
		StreamingSupported: streaming,
	}
	if err := d.Validate(); err != nil {
		return AgentDescriptor{}, err
	}
	return d, nil
}

// Validate checks the fields the router depends on.
func (d AgentDescriptor) Validate() error {
	if d.ID == "" {
		return NewDomainError("AgentDescriptor.Validate", ErrInvalidInput, "id is required")
	}
	if strings.ContainsAny(d.ID, " \t\n") {
		return NewDomainError("AgentDescriptor.Validate", ErrInvalidInput, fmt.Sprintf("id %q contains whitespace", d.ID))
	}
	if d.Name == "" {
		return NewDomainError("AgentDescriptor.Validate", ErrInvalidInput, fmt.Sprintf("agent %q: name is required", d.ID))
	}
	return nil
}

// Clone returns a deep copy.
func (d AgentDescriptor) Clone() AgentDescriptor {
	d.Capabilities = slices.Clone(d.Capabilities)
	return d
}

// HasCapability reports whether the descriptor carries the given tag.
func (d AgentDescriptor) HasCapability(tag string) bool {
	return slices.Contains(d.Capabilities, strings.ToLower(strings.TrimSpace(tag)))
}

func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
