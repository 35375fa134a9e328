// Package hooks provides the run-scoped registry that attaches
// capture-and-perturb callbacks to named locations in a model's forward
// computation. A Registry belongs to exactly one sampling pass and is
// never shared across concurrent runs.
package hooks

import (
	"fmt"
	"strconv"
	"strings"
)

// Component identifies which sub-block of a transformer layer a hook
// observes.
type Component string

const (
	ComponentAttention   Component = "attention"
	ComponentFeedForward Component = "feed_forward"
	ComponentPreNorm     Component = "pre_norm"
	ComponentPostNorm    Component = "post_norm"
)

// Valid reports whether c is a known component kind.
func (c Component) Valid() bool {
	switch c {
	case ComponentAttention, ComponentFeedForward, ComponentPreNorm, ComponentPostNorm:
		return true
	}
	return false
}

// ParseComponent maps a string to a Component, accepting hyphenated
// spellings from spec files.
func ParseComponent(s string) (Component, error) {
	c := Component(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !c.Valid() {
		return "", fmt.Errorf("unknown component kind %q", s)
	}
	return c, nil
}

// HookPoint identifies a model location by layer index and component.
// Immutable value; usable as a map key.
type HookPoint struct {
	LayerIndex int
	Component  Component
}

// String renders the point in the "layer{i}.{component}" key form.
func (p HookPoint) String() string {
	return "layer" + strconv.Itoa(p.LayerIndex) + "." + string(p.Component)
}

// ParseHookPoint parses the "layer{i}.{component}" key form.
func ParseHookPoint(s string) (HookPoint, error) {
	rest, ok := strings.CutPrefix(s, "layer")
	if !ok {
		return HookPoint{}, fmt.Errorf("hook point %q: missing layer prefix", s)
	}
	idxStr, compStr, ok := strings.Cut(rest, ".")
	if !ok {
		return HookPoint{}, fmt.Errorf("hook point %q: missing component", s)
	}
	idx, err := strconv.Atoi(idxStr)
	if err != nil {
		return HookPoint{}, fmt.Errorf("hook point %q: bad layer index: %w", s, err)
	}
	comp, err := ParseComponent(compStr)
	if err != nil {
		return HookPoint{}, fmt.Errorf("hook point %q: %w", s, err)
	}
	return HookPoint{LayerIndex: idx, Component: comp}, nil
}
