package rules

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/palisade/palisade/internal/phases"
	"github.com/palisade/palisade/internal/waferr"
)

type MatchType int

const (
	MatchAll MatchType = iota
	MatchID
	MatchTag
)

func (m MatchType) String() string {
	switch m {
	case MatchAll:
		return "all"
	case MatchID:
		return "id"
	case MatchTag:
		return "tag"
	}
	return "unknown"
}

// Directive is one recorded enable or disable request. Directives are only
// replayed when the context closes.
type Directive struct {
	Match   MatchType
	Pattern string
	File    string
	Line    int
}

func (d Directive) String() string {
	where := fmt.Sprintf("%s:%d", d.File, d.Line)
	if d.Match == MatchAll {
		return fmt.Sprintf("all (%s)", where)
	}
	return fmt.Sprintf("%s:%s (%s)", d.Match, d.Pattern, where)
}

// Context owns the rules declared in one configuration scope: the main
// context, or one site. Site contexts inherit the main context's rules at
// close time. After Close a context is immutable and safe for concurrent
// readers.
type Context struct {
	Name   string
	SiteID string
	Main   bool
	Parent *Context
	Reg    *Registries

	log *zap.Logger

	rules    []*Rule
	byID     map[string]*Rule
	enables  []Directive
	disables []Directive
	resolved [phases.Count][]*Rule
	final    []Enablement

	// previous is the arena index of the last registered rule, the anchor
	// for chain construction. -1 before any rule registers.
	previous int

	closed bool
}

// NewMainContext creates the root context every site context inherits from.
func NewMainContext(reg *Registries, logger *zap.Logger) *Context {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Context{Name: "main", Main: true, Reg: reg, log: logger, previous: -1}
	c.InitRuleSet()
	return c
}

// NewSiteContext creates a per-site context layered over main.
func NewSiteContext(main *Context, siteID string) (*Context, error) {
	if main == nil || !main.Main {
		return nil, fmt.Errorf("%w: site context needs the main context as parent", waferr.ErrInvalid)
	}
	if siteID == "" {
		return nil, fmt.Errorf("%w: site context needs an id", waferr.ErrInvalid)
	}
	c := &Context{
		Name:     "site " + siteID,
		SiteID:   siteID,
		Parent:   main,
		Reg:      main.Reg,
		log:      main.log,
		previous: -1,
	}
	c.InitRuleSet()
	return c, nil
}

// InitRuleSet prepares the context's rule storage. Idempotent.
func (c *Context) InitRuleSet() {
	if c.byID == nil {
		c.byID = make(map[string]*Rule)
	}
}

func (c *Context) Closed() bool { return c.closed }

func (c *Context) ruleAt(idx int) *Rule {
	if c == nil || idx < 0 || idx >= len(c.rules) {
		return nil
	}
	return c.rules[idx]
}

// NewRule allocates a rule in this context's arena. When the previously
// registered rule is flagged as a chain parent, the new rule is linked as its
// child and inherits phase and chain id.
func (c *Context) NewRule(file string, line int, stream bool) (*Rule, error) {
	if c.closed {
		return nil, fmt.Errorf("%w: context %s is closed", waferr.ErrInvalid, c.Name)
	}
	r := &Rule{
		Meta:        Meta{File: file, Line: line, Phase: phases.None},
		PhaseDesc:   phases.Generic(stream),
		Ctx:         c,
		Flags:       FlagValid | FlagEnabled,
		index:       -1,
		chainedFrom: -1,
		chainedTo:   -1,
	}
	if stream {
		r.set(FlagStream)
	}
	if prev := c.ruleAt(c.previous); prev != nil && prev.Has(FlagChainParent) {
		if prev.Has(FlagStream) != stream {
			return nil, fmt.Errorf("%w: chain cannot mix stream and standard rules", waferr.ErrInvalid)
		}
		r.set(FlagChainChild)
		r.chainedFrom = prev.index
		r.Meta.Phase = prev.Meta.Phase
		r.PhaseDesc = prev.PhaseDesc
		if prev.Has(FlagChainChild) {
			r.Meta.ChainID = prev.Meta.ChainID
		} else {
			r.Meta.ChainID = prev.Meta.ID
		}
	}
	return r, nil
}

// Register validates a constructed rule and inserts it into the context.
func (c *Context) Register(r *Rule) error {
	if c.closed {
		return fmt.Errorf("%w: context %s is closed", waferr.ErrInvalid, c.Name)
	}
	if r == nil || r.Ctx != c {
		return fmt.Errorf("%w: rule does not belong to context %s", waferr.ErrInvalid, c.Name)
	}

	// Phase must be concrete and agree with the rule's stream-ness.
	if r.Meta.Phase == phases.None {
		return c.registerFailed(r, fmt.Errorf("%w: rule %s:%d has no phase", waferr.ErrInvalid, r.Meta.File, r.Meta.Line))
	}
	desc, err := phases.Lookup(r.Meta.Phase, r.Has(FlagStream))
	if err != nil {
		return c.registerFailed(r, err)
	}
	r.PhaseDesc = desc

	if r.Op == nil || r.Op.Op == nil {
		return c.registerFailed(r, fmt.Errorf("%w: rule %s:%d has no operator", waferr.ErrInvalid, r.Meta.File, r.Meta.Line))
	}
	if desc.RequireStreamOp && r.Op.Op.Capabilities()&OpCapStream == 0 {
		return c.registerFailed(r, fmt.Errorf("%w: operator %q cannot run on stream phase %s", waferr.ErrInvalid, r.Op.Op.Name(), desc.Name))
	}

	// Targets: action-only rules get the synthetic placeholder, stream
	// rules inspect their phase's data field, external rules run without
	// any.
	if len(r.Targets) == 0 {
		switch {
		case r.Has(FlagActionOnly):
			r.Targets = append(r.Targets, &Target{Expr: SyntheticTargetName, Field: SyntheticTargetName})
		case r.Has(FlagExternal):
		case desc.Stream:
			r.Targets = append(r.Targets, &Target{Expr: desc.DataField, Field: desc.DataField})
		default:
			return c.registerFailed(r, fmt.Errorf("%w: rule %s:%d has no targets", waferr.ErrInvalid, r.Meta.File, r.Meta.Line))
		}
	}

	chained := r.Has(FlagChainChild)
	if r.Meta.ID == "" && !chained {
		return c.registerFailed(r, fmt.Errorf("%w: rule %s:%d has no id", waferr.ErrInvalid, r.Meta.File, r.Meta.Line))
	}

	if chained {
		parent := r.ChainedFrom()
		if parent == nil || !parent.Has(FlagValid) {
			return c.registerFailed(r, fmt.Errorf("%w: chain parent of rule %s:%d is invalid", waferr.ErrInvalid, r.Meta.File, r.Meta.Line))
		}
		if r.Meta.ChainID == "" {
			return c.registerFailed(r, fmt.Errorf("%w: chained rule %s:%d has no chain id", waferr.ErrInvalid, r.Meta.File, r.Meta.Line))
		}
		if r.Meta.ID == "" {
			r.Meta.ID = fmt.Sprintf("%s/%d", r.Meta.ChainID, r.chainDepth())
		}
	}

	if c.Main {
		r.Meta.FullID = "main/" + r.Meta.ID
	} else {
		r.Meta.FullID = "site/" + c.SiteID + "/" + r.Meta.ID
	}

	// Same id in the same context: a strictly greater revision supersedes
	// in place, anything else is a duplicate.
	if existing, ok := c.byID[r.Meta.ID]; ok {
		if r.Meta.Revision <= existing.Meta.Revision {
			return fmt.Errorf("%w: rule %q rev %d (have rev %d)",
				waferr.ErrExists, r.Meta.ID, r.Meta.Revision, existing.Meta.Revision)
		}
		r.index = existing.index
		c.rules[existing.index] = r
		c.byID[r.Meta.ID] = r
		c.previous = r.index
		c.log.Debug("rule superseded",
			zap.String("rule", r.Meta.FullID),
			zap.Uint16("rev", r.Meta.Revision),
		)
		return nil
	}

	r.index = len(c.rules)
	c.rules = append(c.rules, r)
	c.byID[r.Meta.ID] = r
	if chained {
		r.ChainedFrom().chainedTo = r.index
	}
	c.previous = r.index
	return nil
}

// registerFailed invalidates the rule (and its chain, when linked) before
// reporting the error.
func (c *Context) registerFailed(r *Rule, err error) error {
	c.ChainInvalidate(r)
	return err
}

// ChainInvalidate clears the valid flag on a rule and every rule linked
// above and below it.
func (c *Context) ChainInvalidate(r *Rule) {
	if r == nil {
		return
	}
	r.clear(FlagValid)
	for cur := r.ChainedFrom(); cur != nil; cur = cur.ChainedFrom() {
		cur.clear(FlagValid)
	}
	for cur := r.ChainedTo(); cur != nil; cur = cur.ChainedTo() {
		cur.clear(FlagValid)
	}
}

// LookupRule finds a rule by id, chain children included.
func (c *Context) LookupRule(id string) (*Rule, error) {
	r, ok := c.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: rule %q in context %s", waferr.ErrNoEnt, id, c.Name)
	}
	return r, nil
}

// Enable records an enable directive for replay at close.
func (c *Context) Enable(m MatchType, pattern, file string, line int) error {
	return c.addDirective(&c.enables, m, pattern, file, line)
}

// Disable records a disable directive for replay at close.
func (c *Context) Disable(m MatchType, pattern, file string, line int) error {
	return c.addDirective(&c.disables, m, pattern, file, line)
}

func (c *Context) addDirective(list *[]Directive, m MatchType, pattern, file string, line int) error {
	if c.closed {
		return fmt.Errorf("%w: context %s is closed", waferr.ErrInvalid, c.Name)
	}
	switch m {
	case MatchAll:
		if pattern != "" {
			return fmt.Errorf("%w: ALL directive takes no pattern", waferr.ErrInvalid)
		}
	case MatchID, MatchTag:
		if pattern == "" {
			return fmt.Errorf("%w: %s directive needs a pattern", waferr.ErrInvalid, m)
		}
	default:
		return fmt.Errorf("%w: match type %d", waferr.ErrInvalid, m)
	}
	*list = append(*list, Directive{Match: m, Pattern: pattern, File: file, Line: line})
	return nil
}

// PhaseRules returns the resolved execution list for a phase. Empty until
// the context closes.
func (c *Context) PhaseRules(p phases.ID) []*Rule {
	if p <= phases.None || p >= phases.Count {
		return nil
	}
	return c.resolved[p]
}

// Enablements returns the final working set with provenance, for
// inspection tooling. Empty until the context closes.
func (c *Context) Enablements() []Enablement {
	return c.final
}
