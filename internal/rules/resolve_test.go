package rules

import (
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/palisade/palisade/internal/phases"
)

func observedContext(t *testing.T) (*Context, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.WarnLevel)
	reg := NewRegistries(zap.NewNop())
	return NewMainContext(reg, zap.New(core)), logs
}

func taggedRule(t *testing.T, c *Context, id string, phase phases.ID, tags ...string) *Rule {
	t.Helper()
	r := buildRule(t, c, id, phase)
	r.Meta.Tags = tags
	register(t, c, r)
	return r
}

func phaseIDs(list []*Rule) []string {
	out := make([]string, 0, len(list))
	for _, r := range list {
		out = append(out, r.Meta.ID)
	}
	return out
}

func TestDisableAllThenEnableByTag(t *testing.T) {
	c, _ := observedContext(t)
	taggedRule(t, c, "sqli-1", phases.RequestHeader, "sqli")
	taggedRule(t, c, "xss-1", phases.RequestHeader, "xss")
	taggedRule(t, c, "sqli-2", phases.RequestBody, "sqli")

	if err := c.Disable(MatchAll, "", "waf.conf", 10); err != nil {
		t.Fatalf("disable all: %v", err)
	}
	if err := c.Enable(MatchTag, "sqli", "waf.conf", 11); err != nil {
		t.Fatalf("enable tag: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got := phaseIDs(c.PhaseRules(phases.RequestHeader))
	if len(got) != 1 || got[0] != "sqli-1" {
		t.Fatalf("request header rules: %v", got)
	}
	got = phaseIDs(c.PhaseRules(phases.RequestBody))
	if len(got) != 1 || got[0] != "sqli-2" {
		t.Fatalf("request body rules: %v", got)
	}
}

func TestEnableCannotOverrideTargetedDisable(t *testing.T) {
	c, _ := observedContext(t)
	taggedRule(t, c, "r1", phases.RequestHeader)

	// Declaration order says enable wins, replay order says the targeted
	// disable does. The replay order is the contract.
	if err := c.Disable(MatchID, "r1", "waf.conf", 5); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if err := c.Enable(MatchID, "r1", "waf.conf", 6); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := c.PhaseRules(phases.RequestHeader); len(got) != 0 {
		t.Fatalf("rule should stay disabled, got %v", phaseIDs(got))
	}
}

func TestEnableAfterDisableAllWins(t *testing.T) {
	c, _ := observedContext(t)
	taggedRule(t, c, "r1", phases.RequestHeader)

	if err := c.Enable(MatchID, "r1", "waf.conf", 5); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := c.Disable(MatchAll, "", "waf.conf", 6); err != nil {
		t.Fatalf("disable all: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// ALL-disable is replayed before enables regardless of declaration
	// order, so the enable still lands.
	if got := c.PhaseRules(phases.RequestHeader); len(got) != 1 {
		t.Fatalf("rule should be enabled, got %v", phaseIDs(got))
	}
}

func TestEnableByChildIDEnablesChain(t *testing.T) {
	c, _ := observedContext(t)

	r1 := buildRule(t, c, "cx", phases.RequestBody)
	r1.Meta.Tags = []string{"chain"}
	_ = r1.SetChain()
	register(t, c, r1)

	r2, _ := c.NewRule("waf.conf", 2, false)
	r2.Op = &OperatorInstance{Op: stubOp{name: "true", result: 1}}
	_ = r2.AddTarget("A")
	r2.Meta.Tags = []string{"child-tag"}
	register(t, c, r2)

	_ = c.Disable(MatchAll, "", "waf.conf", 10)
	_ = c.Enable(MatchID, "cx/1", "waf.conf", 11)

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	got := phaseIDs(c.PhaseRules(phases.RequestBody))
	if len(got) != 1 || got[0] != "cx" {
		t.Fatalf("expected chain root enabled via child id, got %v", got)
	}
}

func TestDisableByChildTagDisablesChain(t *testing.T) {
	c, _ := observedContext(t)

	r1 := buildRule(t, c, "cx", phases.RequestBody)
	_ = r1.SetChain()
	register(t, c, r1)

	r2, _ := c.NewRule("waf.conf", 2, false)
	r2.Op = &OperatorInstance{Op: stubOp{name: "true", result: 1}}
	_ = r2.AddTarget("A")
	r2.Meta.Tags = []string{"noisy"}
	register(t, c, r2)

	_ = c.Disable(MatchTag, "noisy", "waf.conf", 10)
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := c.PhaseRules(phases.RequestBody); len(got) != 0 {
		t.Fatalf("chain should be disabled via child tag, got %v", phaseIDs(got))
	}
}

func TestDirectiveMatchingNothingWarns(t *testing.T) {
	c, logs := observedContext(t)
	taggedRule(t, c, "r1", phases.RequestHeader)

	_ = c.Enable(MatchID, "ghost", "waf.conf", 42)
	if err := c.Close(); err != nil {
		t.Fatalf("close must tolerate unmatched directives: %v", err)
	}

	found := false
	for _, e := range logs.All() {
		if e.Message == "enable matched no rules" {
			if d, ok := e.ContextMap()["directive"].(string); ok && strings.Contains(d, "waf.conf:42") {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("expected warning naming the directive location")
	}

	if got := c.PhaseRules(phases.RequestHeader); len(got) != 1 {
		t.Fatalf("unmatched directive must not change the set, got %v", phaseIDs(got))
	}
}

func TestSiteInheritsAndAppends(t *testing.T) {
	main, _ := observedContext(t)
	taggedRule(t, main, "m1", phases.RequestHeader)
	taggedRule(t, main, "m2", phases.RequestHeader)

	site, err := NewSiteContext(main, "shop")
	if err != nil {
		t.Fatalf("site context: %v", err)
	}
	s1 := buildRule(t, site, "s1", phases.RequestHeader)
	register(t, site, s1)

	if err := site.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got := phaseIDs(site.PhaseRules(phases.RequestHeader))
	want := []string{"m1", "m2", "s1"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if s1.Meta.FullID != "site/shop/s1" {
		t.Fatalf("site full id %q", s1.Meta.FullID)
	}
}

func TestSiteOverridesMainById(t *testing.T) {
	main, _ := observedContext(t)
	taggedRule(t, main, "r1", phases.RequestHeader)

	site, _ := NewSiteContext(main, "shop")
	override := buildRule(t, site, "r1", phases.RequestHeader)
	register(t, site, override)

	if err := site.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	list := site.PhaseRules(phases.RequestHeader)
	if len(list) != 1 {
		t.Fatalf("override must not duplicate, got %v", phaseIDs(list))
	}
	if list[0] != override {
		t.Fatalf("main rule used instead of site override")
	}
	if list[0].Meta.FullID != "site/shop/r1" {
		t.Fatalf("unexpected full id %q", list[0].Meta.FullID)
	}
}

func TestMainOnlyRuleExcludedFromSites(t *testing.T) {
	main, _ := observedContext(t)
	r := buildRule(t, main, "admin-only", phases.RequestHeader)
	r.set(FlagMainContextOnly)
	register(t, main, r)

	site, _ := NewSiteContext(main, "shop")
	if err := site.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := site.PhaseRules(phases.RequestHeader); len(got) != 0 {
		t.Fatalf("main-only rule leaked into site, got %v", phaseIDs(got))
	}

	if err := main.Close(); err != nil {
		t.Fatalf("close main: %v", err)
	}
	if got := main.PhaseRules(phases.RequestHeader); len(got) != 1 {
		t.Fatalf("main context should keep the rule, got %v", phaseIDs(got))
	}
}

func TestForceEnabledSurvivesDisableAll(t *testing.T) {
	c, _ := observedContext(t)
	marker := buildRule(t, c, "marker-1", phases.RequestHeader)
	marker.set(FlagForceEnable | FlagMarker)
	register(t, c, marker)
	taggedRule(t, c, "plain", phases.RequestHeader)

	_ = c.Disable(MatchAll, "", "waf.conf", 3)
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got := phaseIDs(c.PhaseRules(phases.RequestHeader))
	if len(got) != 1 || got[0] != "marker-1" {
		t.Fatalf("only the marker should survive disable-all, got %v", got)
	}
}

func TestForceEnabledStillHitByTargetedDisable(t *testing.T) {
	c, _ := observedContext(t)
	marker := buildRule(t, c, "marker-1", phases.RequestHeader)
	marker.set(FlagForceEnable | FlagMarker)
	register(t, c, marker)

	_ = c.Disable(MatchID, "marker-1", "waf.conf", 3)
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := c.PhaseRules(phases.RequestHeader); len(got) != 0 {
		t.Fatalf("targeted disable should hit markers, got %v", phaseIDs(got))
	}
}

func TestEnablementProvenance(t *testing.T) {
	c, _ := observedContext(t)
	taggedRule(t, c, "r1", phases.RequestHeader, "sqli")
	_ = c.Disable(MatchAll, "", "waf.conf", 10)
	_ = c.Enable(MatchTag, "sqli", "waf.conf", 11)
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	final := c.Enablements()
	if len(final) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(final))
	}
	if !final[0].Enabled {
		t.Fatalf("rule should be enabled")
	}
	if !strings.Contains(final[0].Reason, "tag:sqli") || !strings.Contains(final[0].Reason, "waf.conf:11") {
		t.Fatalf("provenance should name the winning directive, got %q", final[0].Reason)
	}
}
