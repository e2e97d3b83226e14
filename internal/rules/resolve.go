package rules

import (
	"go.uber.org/zap"
)

// Enablement is one entry of the close-time working set: a candidate rule,
// whether it runs, and where that decision came from.
type Enablement struct {
	Rule    *Rule
	Enabled bool
	Reason  string
}

// Close resolves the context's effective rule set and freezes it. Directive
// replay happens in three passes over an immutable working set: ALL
// disables, then enables in declaration order, then targeted disables. The
// pass order is deliberate and user visible: a later enable cannot bring
// back a rule hit by a targeted disable. Closing twice is a no-op.
func (c *Context) Close() error {
	if c.closed {
		return nil
	}
	ws := c.baseWorkingSet()
	ws = applyDisableAll(ws, c.disables)
	ws = applyEnables(ws, c.enables, c.log, c.Name)
	ws = applyTargetedDisables(ws, c.disables, c.log, c.Name)
	c.distribute(ws)
	c.final = ws
	c.closed = true
	return nil
}

// baseWorkingSet builds the candidate list: inherited main-context rules
// first (a site-local rule with the same id shadows the main one), then the
// context's own declarations. Chain children never appear; they are reached
// through their chain root. The seen set is rebuilt from scratch on every
// close, so no mark survives from a previous resolution.
func (c *Context) baseWorkingSet() []Enablement {
	var ws []Enablement
	seen := make(map[*Rule]bool)

	if !c.Main && c.Parent != nil {
		for _, mr := range c.Parent.rules {
			if mr.Has(FlagChainChild) || mr.Has(FlagMainContextOnly) {
				continue
			}
			chosen := mr
			reason := "default (main)"
			if local, ok := c.byID[mr.Meta.ID]; ok && !local.Has(FlagChainChild) {
				chosen = local
				reason = "default (site override)"
			}
			seen[chosen] = true
			ws = append(ws, Enablement{Rule: chosen, Enabled: chosen.Has(FlagEnabled), Reason: reason})
		}
	}

	for _, r := range c.rules {
		if r.Has(FlagChainChild) || seen[r] {
			continue
		}
		ws = append(ws, Enablement{Rule: r, Enabled: r.Has(FlagEnabled), Reason: "default"})
	}
	return ws
}

func cloneSet(in []Enablement) []Enablement {
	out := make([]Enablement, len(in))
	copy(out, in)
	return out
}

// applyDisableAll applies only the ALL-match disable directives. Force
// enabled rules (markers) survive.
func applyDisableAll(in []Enablement, disables []Directive) []Enablement {
	out := cloneSet(in)
	for _, d := range disables {
		if d.Match != MatchAll {
			continue
		}
		for i := range out {
			if out[i].Rule.Has(FlagForceEnable) {
				continue
			}
			out[i].Enabled = false
			out[i].Reason = "disable " + d.String()
		}
	}
	return out
}

// applyEnables replays enable directives in declaration order. An id match
// stops at the first hit; a tag match enables every rule carrying the tag.
// Matching considers chain children, so enabling a child id enables its
// whole chain. A directive matching nothing is a warning, not an error.
func applyEnables(in []Enablement, enables []Directive, log *zap.Logger, ctxName string) []Enablement {
	out := cloneSet(in)
	for _, d := range enables {
		matched := false
		for i := range out {
			hit := false
			switch d.Match {
			case MatchAll:
				hit = true
			case MatchID:
				hit = out[i].Rule.matchesID(d.Pattern)
			case MatchTag:
				hit = out[i].Rule.matchesTag(d.Pattern)
			}
			if !hit {
				continue
			}
			out[i].Enabled = true
			out[i].Reason = "enable " + d.String()
			matched = true
			if d.Match == MatchID {
				break
			}
		}
		if !matched {
			log.Warn("enable matched no rules",
				zap.String("context", ctxName),
				zap.String("directive", d.String()),
			)
		}
	}
	return out
}

// applyTargetedDisables replays id and tag disables after all enables. ALL
// disables were consumed by the first pass.
func applyTargetedDisables(in []Enablement, disables []Directive, log *zap.Logger, ctxName string) []Enablement {
	out := cloneSet(in)
	for _, d := range disables {
		if d.Match == MatchAll {
			continue
		}
		matched := false
		for i := range out {
			hit := false
			switch d.Match {
			case MatchID:
				hit = out[i].Rule.matchesID(d.Pattern)
			case MatchTag:
				hit = out[i].Rule.matchesTag(d.Pattern)
			}
			if !hit {
				continue
			}
			out[i].Enabled = false
			out[i].Reason = "disable " + d.String()
			matched = true
			if d.Match == MatchID {
				break
			}
		}
		if !matched {
			log.Warn("disable matched no rules",
				zap.String("context", ctxName),
				zap.String("directive", d.String()),
			)
		}
	}
	return out
}

// distribute fills the per-phase execution lists from the final working
// set, preserving declaration order. Invalid rules are dropped with a
// warning; they were invalidated during construction and cannot run.
func (c *Context) distribute(ws []Enablement) {
	for _, e := range ws {
		if !e.Enabled {
			continue
		}
		r := e.Rule
		if !r.Has(FlagValid) {
			c.log.Warn("skipping invalid rule",
				zap.String("context", c.Name),
				zap.String("rule", r.Meta.FullID),
			)
			continue
		}
		c.resolved[r.Meta.Phase] = append(c.resolved[r.Meta.Phase], r)
	}
}
