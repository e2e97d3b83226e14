package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/palisade/palisade/internal/config"
	"github.com/palisade/palisade/internal/phases"
	"github.com/palisade/palisade/internal/rules"
)

func newRulesCmd() *cobra.Command {
	var configPath string
	var site string

	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Print the resolved rule set of each context",
		Long: "Loads the configured rule files, resolves every context and prints\n" +
			"the per-phase rule lists together with each rule's enablement and\n" +
			"the directive that decided it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			logger := zap.NewNop()
			contexts, err := config.BuildContexts(cfg, newRegistries(logger), logger)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if site != "" {
				sc, ok := contexts.Sites[site]
				if !ok {
					return fmt.Errorf("unknown site %q", site)
				}
				dumpContext(out, "site "+site, sc)
				return nil
			}

			dumpContext(out, "main", contexts.Main)
			ids := make([]string, 0, len(contexts.Sites))
			for id := range contexts.Sites {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				fmt.Fprintln(out)
				dumpContext(out, "site "+id, contexts.Sites[id])
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().StringVar(&site, "site", "", "Dump a single site context")

	return cmd
}

func dumpContext(w io.Writer, name string, rctx *rules.Context) {
	enablements := rctx.Enablements()
	fmt.Fprintf(w, "context %s (%d rules)\n", name, len(enablements))

	for p := phases.RequestHeader; p < phases.Count; p++ {
		list := rctx.PhaseRules(p)
		if len(list) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n%s\n", p)
		for _, r := range list {
			writeRule(w, r)
		}
	}

	fmt.Fprintf(w, "\nenablement\n")
	for _, e := range enablements {
		state := "enabled "
		if !e.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(w, "  %-28s %s  %s\n", e.Rule.Meta.FullID, state, e.Reason)
	}
}

func writeRule(w io.Writer, r *rules.Rule) {
	fmt.Fprintf(w, "  %s\n", ruleLine(r))
	indent := "  "
	for c := r.ChainedTo(); c != nil; c = c.ChainedTo() {
		indent += "  "
		fmt.Fprintf(w, "%s=> %s\n", indent, ruleLine(c))
	}
}

func ruleLine(r *rules.Rule) string {
	var b strings.Builder
	b.WriteString(r.Meta.ID)
	if r.Meta.Revision > 0 {
		fmt.Fprintf(&b, " rev:%d", r.Meta.Revision)
	}
	if r.Has(rules.FlagMarker) {
		b.WriteString("  marker")
		return b.String()
	}
	fmt.Fprintf(&b, "  %s", operatorDesc(r.Op))
	fmt.Fprintf(&b, "  [%s]", targetsDesc(r.Targets))
	if acts := actionsDesc(r); acts != "" {
		fmt.Fprintf(&b, "  actions: %s", acts)
	}
	if len(r.Meta.Tags) > 0 {
		fmt.Fprintf(&b, "  tags: %s", strings.Join(r.Meta.Tags, ","))
	}
	if fl := flagsDesc(r); fl != "" {
		fmt.Fprintf(&b, "  (%s)", fl)
	}
	if r.Meta.File != "" {
		fmt.Fprintf(&b, "  %s:%d", r.Meta.File, r.Meta.Line)
	}
	return b.String()
}

func operatorDesc(op *rules.OperatorInstance) string {
	if op == nil || op.Op == nil {
		return "@none"
	}
	var b strings.Builder
	if op.Invert {
		b.WriteString("!")
	}
	b.WriteString("@" + op.Op.Name())
	if op.Param != "" {
		fmt.Fprintf(&b, " %q", op.Param)
	}
	if op.Capture {
		b.WriteString(" capture")
	}
	return b.String()
}

func targetsDesc(targets []*rules.Target) string {
	parts := make([]string, 0, len(targets))
	for _, t := range targets {
		s := t.Expr
		for _, tfn := range t.Tfns {
			s += "|t:" + tfn.Name()
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, ", ")
}

// actionsDesc lists match actions first and miss actions behind an else:
// prefix. Unconditional actions sit in both lists as the same instance and
// are printed once.
func actionsDesc(r *rules.Rule) string {
	var parts []string
	seen := make(map[*rules.ActionInstance]bool, len(r.TrueActions))
	for _, inst := range r.TrueActions {
		seen[inst] = true
		parts = append(parts, actionDesc(inst))
	}
	for _, inst := range r.FalseActions {
		if seen[inst] {
			continue
		}
		parts = append(parts, "else:"+actionDesc(inst))
	}
	return strings.Join(parts, ", ")
}

func actionDesc(inst *rules.ActionInstance) string {
	s := inst.Act.Name()
	if inst.Param != "" {
		s += ":" + inst.Param
	}
	return s
}

func flagsDesc(r *rules.Rule) string {
	var fl []string
	if r.Has(rules.FlagActionOnly) {
		fl = append(fl, "action-only")
	}
	if r.Has(rules.FlagExternal) {
		fl = append(fl, "external")
	}
	if r.Has(rules.FlagStream) {
		fl = append(fl, "stream")
	}
	if r.Has(rules.FlagForceEnable) {
		fl = append(fl, "force-enable")
	}
	if r.Has(rules.FlagMainContextOnly) {
		fl = append(fl, "main-only")
	}
	return strings.Join(fl, ",")
}
