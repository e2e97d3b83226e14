package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// RuleFile is one YAML rule document: an ordered list of directives.
// Ordering is meaningful twice over: chain children attach to the rule
// declared right before them, and enable/disable directives replay in
// declaration order when the context closes.
type RuleFile struct {
	Directives []DirectiveSpec `yaml:"directives"`
}

// DirectiveSpec is one directive. Exactly one of its fields may be set.
type DirectiveSpec struct {
	Rule          *RuleSpec    `yaml:"rule"`
	RuleExt       *RuleExtSpec `yaml:"ruleExt"`
	StreamInspect *StreamSpec  `yaml:"streamInspect"`
	Action        *ActionSpec  `yaml:"action"`
	Marker        *MarkerSpec  `yaml:"marker"`
	Enable        string       `yaml:"enable"`
	Disable       string       `yaml:"disable"`

	line int
}

// UnmarshalYAML records the document line so rule diagnostics can point at
// the directive that declared them.
func (d *DirectiveSpec) UnmarshalYAML(node *yaml.Node) error {
	type plain DirectiveSpec
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*d = DirectiveSpec(p)
	d.line = node.Line
	return nil
}

// Line returns the directive's line in its rule file.
func (d *DirectiveSpec) Line() int { return d.line }

func (d *DirectiveSpec) kindCount() int {
	n := 0
	if d.Rule != nil {
		n++
	}
	if d.RuleExt != nil {
		n++
	}
	if d.StreamInspect != nil {
		n++
	}
	if d.Action != nil {
		n++
	}
	if d.Marker != nil {
		n++
	}
	if d.Enable != "" {
		n++
	}
	if d.Disable != "" {
		n++
	}
	return n
}

// RuleSpec declares an inspection rule: target expressions, one operator
// token and the modifier words.
//
// The operator token is either "@name param" or a bare regular expression
// (implicit rx); a leading "!" inverts the result. Modifiers are
// name[:value] words; a word that is no known modifier is tried as an
// action, with "!" marking a false action and "+" an auxiliary one.
type RuleSpec struct {
	Targets   []string `yaml:"targets"`
	Op        string   `yaml:"op"`
	Modifiers []string `yaml:"modifiers"`
}

// RuleExtSpec declares an externally driven rule: "driver-tag:location"
// plus the usual modifiers.
type RuleExtSpec struct {
	Driver    string   `yaml:"driver"`
	Modifiers []string `yaml:"modifiers"`
}

// StreamSpec declares a stream inspection rule. Stream rules take no
// targets, no transformations and no chains; the phase's data field is the
// implicit target.
type StreamSpec struct {
	Phase     string   `yaml:"phase"`
	Op        string   `yaml:"op"`
	Modifiers []string `yaml:"modifiers"`
}

// ActionSpec declares an action-only rule. It runs a nop operator against
// a placeholder target, so its true actions fire whenever the rule does.
type ActionSpec struct {
	Modifiers []string `yaml:"modifiers"`
}

// MarkerSpec declares a permanently-non-matching placeholder rule, a named
// fixed point for enable directives and ordering.
type MarkerSpec struct {
	ID    string `yaml:"id"`
	Phase string `yaml:"phase"`
	Rev   uint16 `yaml:"rev"`
}

func (d *DirectiveSpec) validate() error {
	switch n := d.kindCount(); {
	case n == 0:
		return fmt.Errorf("directive sets none of rule, ruleExt, streamInspect, action, marker, enable, disable")
	case n > 1:
		return fmt.Errorf("directive sets %d kinds, want exactly one", n)
	}
	return nil
}
