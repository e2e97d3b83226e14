package rules

import (
	"fmt"
	"strings"

	"github.com/palisade/palisade/internal/phases"
	"github.com/palisade/palisade/internal/waferr"
)

type Flag uint16

const (
	// FlagValid is cleared when a rule or its chain fails construction.
	// Invalid rules never reach phase lists.
	FlagValid Flag = 1 << iota

	// FlagEnabled is the rule's default enablement, before directives.
	FlagEnabled

	// FlagChainParent marks a rule the next declared rule chains to.
	FlagChainParent

	// FlagChainChild marks a rule reachable only through its parent.
	FlagChainChild

	// FlagExternal marks driver-backed rules with no declared targets.
	FlagExternal

	// FlagActionOnly marks rules declared without targets; they carry a
	// synthetic placeholder target.
	FlagActionOnly

	// FlagMainContextOnly keeps a rule out of site contexts.
	FlagMainContextOnly

	// FlagForceEnable lets a rule survive a disable-ALL directive.
	FlagForceEnable

	// FlagMarker marks placeholder rules that never match.
	FlagMarker

	// FlagStream marks rules bound to stream phases.
	FlagStream
)

// Meta is the identifying metadata of a rule.
type Meta struct {
	ID         string
	FullID     string
	ChainID    string
	Msg        string
	LogData    string
	Tags       []string
	Phase      phases.ID
	Severity   uint8
	Confidence uint8
	Revision   uint16
	File       string
	Line       int
}

// Target is one inspected field expression with its transformation pipeline.
type Target struct {
	Expr  string
	Field string
	Tfns  []Transform
}

// SyntheticTargetName is the placeholder target injected into action-only
// rules. It never resolves in the var store.
const SyntheticTargetName = "NULL"

// Rule is one inspection rule. Rules live in the arena of the context that
// declared them; chain links are arena indices so a chain can only point at
// rules that already exist, which rules out cycles.
type Rule struct {
	Meta      Meta
	PhaseDesc *phases.Descriptor
	Op        *OperatorInstance

	Targets      []*Target
	TrueActions  []*ActionInstance
	FalseActions []*ActionInstance

	Ctx   *Context
	Flags Flag

	index       int
	chainedFrom int
	chainedTo   int
}

func (r *Rule) Has(f Flag) bool { return r.Flags&f != 0 }

func (r *Rule) set(f Flag)   { r.Flags |= f }
func (r *Rule) clear(f Flag) { r.Flags &^= f }

// ChainedFrom returns the parent link, nil for chain roots.
func (r *Rule) ChainedFrom() *Rule { return r.Ctx.ruleAt(r.chainedFrom) }

// ChainedTo returns the child link, nil for the last rule of a chain.
func (r *Rule) ChainedTo() *Rule { return r.Ctx.ruleAt(r.chainedTo) }

// chainDepth counts ancestors; 0 for a chain root.
func (r *Rule) chainDepth() int {
	depth := 0
	for cur := r.ChainedFrom(); cur != nil; cur = cur.ChainedFrom() {
		depth++
	}
	return depth
}

// matchesID reports whether id names this rule or any rule chained below it.
func (r *Rule) matchesID(id string) bool {
	for cur := r; cur != nil; cur = cur.ChainedTo() {
		if cur.Meta.ID == id {
			return true
		}
	}
	return false
}

// matchesTag reports whether this rule or any rule chained below it carries
// the tag.
func (r *Rule) matchesTag(tag string) bool {
	for cur := r; cur != nil; cur = cur.ChainedTo() {
		for _, t := range cur.Meta.Tags {
			if t == tag {
				return true
			}
		}
	}
	return false
}

// SetPhase binds the rule to a concrete phase. Rebinding an already bound
// rule to a different phase is rejected.
func (r *Rule) SetPhase(p phases.ID) error {
	if r.Meta.Phase != phases.None {
		if r.Meta.Phase == p {
			return nil
		}
		return fmt.Errorf("%w: rule phase already bound to %s", waferr.ErrInvalid, r.Meta.Phase)
	}
	desc, err := phases.Lookup(p, r.Has(FlagStream))
	if err != nil {
		return err
	}
	r.Meta.Phase = p
	r.PhaseDesc = desc
	return nil
}

// SetOperator resolves and binds the rule's operator instance. The capture
// flag needs a capture-capable operator.
func (r *Rule) SetOperator(name, param string, invert, capture bool) error {
	op, err := r.Ctx.Reg.Operators.Create(name, param)
	if err != nil {
		return err
	}
	if capture {
		if _, ok := op.(CaptureOperator); !ok || op.Capabilities()&OpCapCapture == 0 {
			return fmt.Errorf("%w: operator %q cannot capture", waferr.ErrNotImpl, name)
		}
	}
	r.Op = &OperatorInstance{Op: op, Param: param, Invert: invert, Capture: capture}
	return nil
}

// SetExternalOperator binds a driver-supplied operator and marks the rule
// external.
func (r *Rule) SetExternalOperator(op Operator, param string) {
	r.Op = &OperatorInstance{Op: op, Param: param}
	r.set(FlagExternal)
}

// AddTarget appends a target expression with its transformation pipeline.
// Transformation names resolve against the registry; stream phases take no
// targets at all.
func (r *Rule) AddTarget(expr string, tfnNames ...string) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return fmt.Errorf("%w: empty target", waferr.ErrInvalid)
	}
	if len(tfnNames) > 0 && !r.PhaseDesc.AllowTransforms {
		return fmt.Errorf("%w: phase %s does not allow transformations", waferr.ErrInvalid, r.PhaseDesc.Name)
	}
	t := &Target{Expr: expr, Field: expr}
	for _, name := range tfnNames {
		tfn, err := r.Ctx.Reg.Transforms.Lookup(name)
		if err != nil {
			return err
		}
		t.Tfns = append(t.Tfns, tfn)
	}
	r.Targets = append(r.Targets, t)
	return nil
}

type ActionList int

const (
	ListTrue ActionList = iota
	ListFalse
	// ListAux actions run on either outcome; they are appended to both
	// lists so each leaf evaluation runs them exactly once.
	ListAux
)

func (r *Rule) AddAction(inst *ActionInstance, list ActionList) error {
	if inst == nil || inst.Act == nil {
		return fmt.Errorf("%w: nil action", waferr.ErrInvalid)
	}
	switch list {
	case ListTrue:
		r.TrueActions = append(r.TrueActions, inst)
	case ListFalse:
		r.FalseActions = append(r.FalseActions, inst)
	case ListAux:
		r.TrueActions = append(r.TrueActions, inst)
		r.FalseActions = append(r.FalseActions, inst)
	default:
		return fmt.Errorf("%w: action list %d", waferr.ErrInvalid, list)
	}
	return nil
}

// SetChain marks this rule as a chain parent: the next rule declared in the
// same context becomes its child.
func (r *Rule) SetChain() error {
	if !r.PhaseDesc.AllowChains {
		return fmt.Errorf("%w: phase %s does not allow chains", waferr.ErrInvalid, r.PhaseDesc.Name)
	}
	r.set(FlagChainParent)
	return nil
}
