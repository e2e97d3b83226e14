package config

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/palisade/palisade/internal/phases"
	"github.com/palisade/palisade/internal/rules"
	"github.com/palisade/palisade/internal/waferr"
)

// applyRuleFile replays a rule document's directives into a context, in
// declaration order. The first failing directive aborts the load; only an
// unknown action name inside a modifier list is tolerated.
func applyRuleFile(ctx *rules.Context, rf *RuleFile, path string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for i := range rf.Directives {
		d := &rf.Directives[i]
		if err := applyDirective(ctx, d, path, logger); err != nil {
			return fmt.Errorf("%s:%d: %w", path, d.line, err)
		}
	}
	return nil
}

func applyDirective(ctx *rules.Context, d *DirectiveSpec, path string, logger *zap.Logger) error {
	switch {
	case d.Rule != nil:
		return applyRule(ctx, d.Rule, path, d.line, logger)
	case d.RuleExt != nil:
		return applyRuleExt(ctx, d.RuleExt, path, d.line, logger)
	case d.StreamInspect != nil:
		return applyStream(ctx, d.StreamInspect, path, d.line, logger)
	case d.Action != nil:
		return applyAction(ctx, d.Action, path, d.line, logger)
	case d.Marker != nil:
		return applyMarker(ctx, d.Marker, path, d.line)
	case d.Enable != "":
		m, pattern, err := parseSelector(d.Enable)
		if err != nil {
			return err
		}
		return ctx.Enable(m, pattern, path, d.line)
	case d.Disable != "":
		m, pattern, err := parseSelector(d.Disable)
		if err != nil {
			return err
		}
		return ctx.Disable(m, pattern, path, d.line)
	}
	return fmt.Errorf("%w: empty directive", waferr.ErrInvalid)
}

// parseSelector reads an enable/disable selector: "all", "id:<x>" or
// "tag:<x>".
func parseSelector(s string) (rules.MatchType, string, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "all") {
		return rules.MatchAll, "", nil
	}
	kind, pattern, ok := strings.Cut(s, ":")
	if ok {
		pattern = strings.TrimSpace(pattern)
		switch strings.ToLower(strings.TrimSpace(kind)) {
		case "id":
			return rules.MatchID, pattern, nil
		case "tag":
			return rules.MatchTag, pattern, nil
		}
	}
	return 0, "", fmt.Errorf("%w: selector %q, want all, id:<id> or tag:<tag>", waferr.ErrInvalid, s)
}

// parseOperator splits an operator token. A leading "!" inverts the
// result; "@name param" names an operator explicitly; any other token is a
// pattern for the implicit rx operator.
func parseOperator(tok string) (name, param string, invert bool, err error) {
	tok = strings.TrimSpace(tok)
	if strings.HasPrefix(tok, "!") {
		invert = true
		tok = strings.TrimSpace(strings.TrimPrefix(tok, "!"))
	}
	if tok == "" {
		return "", "", false, fmt.Errorf("%w: empty operator token", waferr.ErrInvalid)
	}
	if tok[0] != '@' {
		return "rx", tok, invert, nil
	}
	name, param, _ = strings.Cut(tok[1:], " ")
	if name == "" {
		return "", "", false, fmt.Errorf("%w: operator token %q", waferr.ErrInvalid, tok)
	}
	return name, strings.TrimSpace(param), invert, nil
}

type actionWord struct {
	name  string
	param string
	list  rules.ActionList
}

// ruleMods is what a modifier walk produces besides direct metadata
// writes: things that can only bind once the operator or targets exist.
type ruleMods struct {
	tfns    []string
	chain   bool
	capture bool
	actions []actionWord
}

// applyModifiers walks the name[:value] words. Known modifier names write
// rule metadata; a "!" or "+" prefix marks the word as a false or
// auxiliary action; every other word is collected as a true action.
func applyModifiers(r *rules.Rule, words []string) (ruleMods, error) {
	var m ruleMods
	for _, w := range words {
		word := strings.TrimSpace(w)
		if word == "" {
			continue
		}

		if word[0] == '!' || word[0] == '+' {
			list := rules.ListFalse
			if word[0] == '+' {
				list = rules.ListAux
			}
			name, value, _ := strings.Cut(word[1:], ":")
			if name == "" {
				return m, fmt.Errorf("%w: modifier %q has no action name", waferr.ErrInvalid, word)
			}
			m.actions = append(m.actions, actionWord{name: name, param: value, list: list})
			continue
		}

		name, value, _ := strings.Cut(word, ":")
		switch name {
		case "id":
			if value == "" {
				return m, fmt.Errorf("%w: id needs a value", waferr.ErrInvalid)
			}
			r.Meta.ID = value
		case "rev":
			n, err := strconv.ParseUint(value, 10, 16)
			if err != nil {
				return m, fmt.Errorf("%w: rev %q", waferr.ErrInvalid, value)
			}
			r.Meta.Revision = uint16(n)
		case "phase":
			desc, err := phases.ByName(value)
			if err != nil {
				return m, err
			}
			if err := r.SetPhase(desc.Phase); err != nil {
				return m, err
			}
		case "msg":
			r.Meta.Msg = value
		case "logdata":
			r.Meta.LogData = value
		case "tag":
			if value == "" {
				return m, fmt.Errorf("%w: tag needs a value", waferr.ErrInvalid)
			}
			r.Meta.Tags = append(r.Meta.Tags, value)
		case "severity":
			n, err := strconv.ParseUint(value, 10, 8)
			if err != nil {
				return m, fmt.Errorf("%w: severity %q", waferr.ErrInvalid, value)
			}
			r.Meta.Severity = uint8(n)
		case "confidence":
			n, err := strconv.ParseUint(value, 10, 8)
			if err != nil {
				return m, fmt.Errorf("%w: confidence %q", waferr.ErrInvalid, value)
			}
			r.Meta.Confidence = uint8(n)
		case "chain":
			m.chain = true
		case "capture":
			m.capture = true
		case "t":
			if value == "" {
				return m, fmt.Errorf("%w: t needs a transformation name", waferr.ErrInvalid)
			}
			m.tfns = append(m.tfns, value)
		default:
			m.actions = append(m.actions, actionWord{name: name, param: value, list: rules.ListTrue})
		}
	}
	return m, nil
}

// bindActions resolves collected action words against the registry. An
// unknown name is logged and dropped; a known action rejecting its
// parameter aborts the rule.
func bindActions(ctx *rules.Context, r *rules.Rule, words []actionWord, logger *zap.Logger, file string, line int) error {
	for _, w := range words {
		if !ctx.Reg.Actions.Known(w.name) {
			logger.Warn("unknown action ignored",
				zap.String("action", w.name),
				zap.String("file", file),
				zap.Int("line", line),
			)
			continue
		}
		inst, err := ctx.Reg.Actions.Create(w.name, w.param)
		if err != nil {
			return err
		}
		if err := r.AddAction(inst, w.list); err != nil {
			return err
		}
	}
	return nil
}

func applyRule(ctx *rules.Context, spec *RuleSpec, file string, line int, logger *zap.Logger) error {
	r, err := ctx.NewRule(file, line, false)
	if err != nil {
		return err
	}
	fail := func(err error) error {
		ctx.ChainInvalidate(r)
		return err
	}

	mods, err := applyModifiers(r, spec.Modifiers)
	if err != nil {
		return fail(err)
	}
	opName, opParam, invert, err := parseOperator(spec.Op)
	if err != nil {
		return fail(err)
	}
	if err := r.SetOperator(opName, opParam, invert, mods.capture); err != nil {
		return fail(err)
	}
	for _, tgt := range spec.Targets {
		if err := r.AddTarget(tgt, mods.tfns...); err != nil {
			return fail(err)
		}
	}
	if err := bindActions(ctx, r, mods.actions, logger, file, line); err != nil {
		return fail(err)
	}
	if mods.chain {
		if err := r.SetChain(); err != nil {
			return fail(err)
		}
	}
	return ctx.Register(r)
}

func applyRuleExt(ctx *rules.Context, spec *RuleExtSpec, file string, line int, logger *zap.Logger) error {
	r, err := ctx.NewRule(file, line, false)
	if err != nil {
		return err
	}
	fail := func(err error) error {
		ctx.ChainInvalidate(r)
		return err
	}

	tag, location, ok := strings.Cut(spec.Driver, ":")
	if !ok || tag == "" || location == "" {
		return fail(fmt.Errorf("%w: ruleExt driver %q, want tag:location", waferr.ErrInvalid, spec.Driver))
	}
	drv, err := ctx.Reg.Drivers.Lookup(tag)
	if err != nil {
		return fail(err)
	}
	op, err := drv.LoadRule(location)
	if err != nil {
		return fail(err)
	}
	r.SetExternalOperator(op, location)

	mods, err := applyModifiers(r, spec.Modifiers)
	if err != nil {
		return fail(err)
	}
	if len(mods.tfns) > 0 {
		return fail(fmt.Errorf("%w: external rules take no transformations", waferr.ErrInvalid))
	}
	if mods.capture {
		if _, okc := op.(rules.CaptureOperator); !okc || op.Capabilities()&rules.OpCapCapture == 0 {
			return fail(fmt.Errorf("%w: operator %q cannot capture", waferr.ErrNotImpl, op.Name()))
		}
		r.Op.Capture = true
	}
	if err := bindActions(ctx, r, mods.actions, logger, file, line); err != nil {
		return fail(err)
	}
	if mods.chain {
		if err := r.SetChain(); err != nil {
			return fail(err)
		}
	}
	return ctx.Register(r)
}

func applyStream(ctx *rules.Context, spec *StreamSpec, file string, line int, logger *zap.Logger) error {
	r, err := ctx.NewRule(file, line, true)
	if err != nil {
		return err
	}
	fail := func(err error) error {
		ctx.ChainInvalidate(r)
		return err
	}

	desc, err := phases.ByName(spec.Phase)
	if err != nil {
		return fail(err)
	}
	if !desc.Stream {
		return fail(fmt.Errorf("%w: streamInspect needs a stream phase, not %s", waferr.ErrInvalid, desc.Name))
	}
	if err := r.SetPhase(desc.Phase); err != nil {
		return fail(err)
	}

	mods, err := applyModifiers(r, spec.Modifiers)
	if err != nil {
		return fail(err)
	}
	if len(mods.tfns) > 0 {
		return fail(fmt.Errorf("%w: stream rules take no transformations", waferr.ErrInvalid))
	}
	if mods.chain {
		return fail(fmt.Errorf("%w: stream rules cannot chain", waferr.ErrInvalid))
	}
	opName, opParam, invert, err := parseOperator(spec.Op)
	if err != nil {
		return fail(err)
	}
	if err := r.SetOperator(opName, opParam, invert, mods.capture); err != nil {
		return fail(err)
	}
	if err := bindActions(ctx, r, mods.actions, logger, file, line); err != nil {
		return fail(err)
	}
	return ctx.Register(r)
}

func applyAction(ctx *rules.Context, spec *ActionSpec, file string, line int, logger *zap.Logger) error {
	r, err := ctx.NewRule(file, line, false)
	if err != nil {
		return err
	}
	fail := func(err error) error {
		ctx.ChainInvalidate(r)
		return err
	}

	r.Flags |= rules.FlagActionOnly
	mods, err := applyModifiers(r, spec.Modifiers)
	if err != nil {
		return fail(err)
	}
	if len(mods.tfns) > 0 {
		return fail(fmt.Errorf("%w: action-only rules take no transformations", waferr.ErrInvalid))
	}
	if err := r.SetOperator("nop", "", false, mods.capture); err != nil {
		return fail(err)
	}
	if err := bindActions(ctx, r, mods.actions, logger, file, line); err != nil {
		return fail(err)
	}
	if mods.chain {
		if err := r.SetChain(); err != nil {
			return fail(err)
		}
	}
	return ctx.Register(r)
}

func applyMarker(ctx *rules.Context, spec *MarkerSpec, file string, line int) error {
	r, err := ctx.NewRule(file, line, false)
	if err != nil {
		return err
	}
	fail := func(err error) error {
		ctx.ChainInvalidate(r)
		return err
	}

	if spec.ID == "" {
		return fail(fmt.Errorf("%w: marker needs an id", waferr.ErrInvalid))
	}
	desc, err := phases.ByName(spec.Phase)
	if err != nil {
		return fail(err)
	}
	if err := r.SetPhase(desc.Phase); err != nil {
		return fail(err)
	}
	r.Meta.ID = spec.ID
	r.Meta.Revision = spec.Rev
	r.Flags |= rules.FlagMarker | rules.FlagForceEnable | rules.FlagActionOnly
	if err := r.SetOperator("false", "", false, false); err != nil {
		return fail(err)
	}
	return ctx.Register(r)
}
