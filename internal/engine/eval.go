package engine

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/palisade/palisade/internal/field"
	"github.com/palisade/palisade/internal/rulelog"
	"github.com/palisade/palisade/internal/rules"
	"github.com/palisade/palisade/internal/waferr"
)

// evalRule evaluates one rule and, when it matched, the rule chained to it.
// The chain budget is consumed one link at a time; a chain longer than the
// budget is an error at the link that exceeds it. The rule's result is the
// last evaluated link's result.
func (e *Engine) evalRule(tx *rules.Tx, r *rules.Rule, chainBudget int) (int, error) {
	if chainBudget <= 0 {
		return 0, fmt.Errorf("%w: chain recursion limit reached at rule %s", waferr.ErrOther, r.Meta.FullID)
	}

	exec := tx.Trace.NewExec(r.Meta.ID, r.Meta.FullID, r.PhaseDesc.Name, int(r.Meta.Revision))

	var result int
	var err error
	if r.Has(rules.FlagExternal) {
		result, err = e.evalExternal(tx, r, exec)
	} else {
		result = e.evalTargets(tx, r, exec)
	}
	exec.Emit()
	if err != nil {
		return result, err
	}

	if result != 0 {
		if next := r.ChainedTo(); next != nil {
			return e.evalRule(tx, next, chainBudget-1)
		}
	}
	return result, nil
}

// evalExternal invokes a driver-backed rule's operator once with no value.
// No synthetic fields are published; actions still run on the result.
func (e *Engine) evalExternal(tx *rules.Tx, r *rules.Rule, exec *rulelog.ExecLog) (int, error) {
	rec := exec.AddTarget("-", nil)

	raw, opErr := e.invokeOperator(tx, r, nil)
	result := applyInvert(r.Op, raw)
	rrec := rec.AddResult(nil, raw, result, opErr)
	if opErr != nil {
		exec.SetOperatorStatus(opErr)
		return 0, fmt.Errorf("external rule %s: %w", r.Meta.FullID, opErr)
	}

	e.runActions(tx, r, result, rrec)
	return result, nil
}

// evalTargets walks the rule's targets. Per-target failures are contained:
// they are logged, recorded, and the walk moves on. The rule result is the
// OR across targets, sticky once nonzero.
func (e *Engine) evalTargets(tx *rules.Tx, r *rules.Rule, exec *rulelog.ExecLog) int {
	agg := 0
	for _, tgt := range r.Targets {
		agg |= e.evalTarget(tx, r, tgt, exec)
	}
	return agg
}

func (e *Engine) evalTarget(tx *rules.Tx, r *rules.Rule, tgt *rules.Target, exec *rulelog.ExecLog) int {
	value, err := tx.Vars.Select(tgt.Field)
	if err != nil {
		if !waferr.IsNoEnt(err) {
			rec := exec.AddTarget(tgt.Expr, nil)
			rec.SetStatus(err)
			e.log.Error("target fetch failed",
				zap.String("tx", tx.ID),
				zap.String("rule", r.Meta.FullID),
				zap.String("target", tgt.Expr),
				zap.Error(err),
			)
			return 0
		}
		if r.Op.Op.Capabilities()&rules.OpCapAllowNull == 0 {
			e.log.Debug("target absent, skipped",
				zap.String("tx", tx.ID),
				zap.String("rule", r.Meta.FullID),
				zap.String("target", tgt.Expr),
			)
			return 0
		}
		value = nil
	}

	rec := exec.AddTarget(tgt.Expr, value)

	// The transformation pipeline is a strict sequence: each step feeds
	// the next, the first failure aborts this target. A step returning no
	// value at all is an engine error distinct from a failing step.
	transformed := value
	tfnApplied := false
	for _, tfn := range tgt.Tfns {
		if transformed == nil {
			break
		}
		out, terr := tfn.Apply(tx, transformed)
		rec.AddTransform(tfn.Name(), transformed, out, terr)
		if terr != nil {
			rec.SetStatus(terr)
			e.log.Error("transformation failed",
				zap.String("tx", tx.ID),
				zap.String("rule", r.Meta.FullID),
				zap.String("target", tgt.Expr),
				zap.String("tfn", tfn.Name()),
				zap.Error(terr),
			)
			return 0
		}
		if out == nil {
			nerr := fmt.Errorf("%w: transformation %q produced no value", waferr.ErrOther, tfn.Name())
			rec.SetStatus(nerr)
			e.log.Error("transformation produced no value",
				zap.String("tx", tx.ID),
				zap.String("rule", r.Meta.FullID),
				zap.String("tfn", tfn.Name()),
			)
			return 0
		}
		transformed = out
		tfnApplied = true
	}
	rec.SetFinal(transformed)

	te := &targetEval{rule: r, target: tgt, rec: rec, tfnFinal: transformed, tfnApplied: tfnApplied}
	root, _, _ := strings.Cut(tgt.Field, ":")
	return e.evalValue(tx, te, transformed, MaxListRecursion, []string{root})
}

// targetEval carries the per-target evaluation state shared by every leaf
// under that target.
type targetEval struct {
	rule       *rules.Rule
	target     *rules.Target
	rec        *rulelog.TargetRec
	tfnFinal   *field.Value
	tfnApplied bool
}

// evalValue descends list values recursively. The budget is checked on
// entering each list level; element failures are recorded and the walk
// continues with the remaining elements. The result ORs the element
// results.
func (e *Engine) evalValue(tx *rules.Tx, te *targetEval, v *field.Value, budget int, path []string) int {
	if v != nil && v.Kind == field.KindList {
		if budget <= 0 {
			err := fmt.Errorf("%w: list recursion limit reached in target %s", waferr.ErrOther, te.target.Expr)
			te.rec.SetStatus(err)
			e.log.Error("list recursion limit reached",
				zap.String("tx", tx.ID),
				zap.String("rule", te.rule.Meta.FullID),
				zap.String("target", te.target.Expr),
			)
			return 0
		}
		agg := 0
		for _, m := range v.Members() {
			sub := path
			if m.Name != "" {
				sub = append(path[:len(path):len(path)], m.Name)
			}
			agg |= e.evalValue(tx, te, m, budget-1, sub)
		}
		return agg
	}
	return e.evalLeaf(tx, te, v, path)
}

// evalLeaf runs the operator against one scalar value and executes the
// matching action list. The synthetic FIELD* variables exist only between
// here and the end of those actions.
func (e *Engine) evalLeaf(tx *rules.Tx, te *targetEval, v *field.Value, path []string) int {
	e.publishSynthetic(tx, te, v, path)
	defer e.removeSynthetic(tx)

	raw, opErr := e.invokeOperator(tx, te.rule, v)
	result := applyInvert(te.rule.Op, raw)
	rrec := te.rec.AddResult(v, raw, result, opErr)
	if opErr != nil {
		e.log.Error("operator failed",
			zap.String("tx", tx.ID),
			zap.String("rule", te.rule.Meta.FullID),
			zap.String("operator", te.rule.Op.Op.Name()),
			zap.Error(opErr),
		)
		return 0
	}

	e.runActions(tx, te.rule, result, rrec)
	return result
}

// invokeOperator runs the rule's operator over one value. Capture happens
// on the raw result, before any invert.
func (e *Engine) invokeOperator(tx *rules.Tx, r *rules.Rule, v *field.Value) (int, error) {
	if !r.Op.Capture {
		return r.Op.Op.Execute(tx, v)
	}
	cop, ok := r.Op.Op.(rules.CaptureOperator)
	if !ok {
		return 0, fmt.Errorf("%w: operator %q cannot capture", waferr.ErrNotImpl, r.Op.Op.Name())
	}
	raw, groups, err := cop.ExecuteCapture(tx, v)
	if err == nil && raw != 0 {
		tx.SetCapture(groups)
	}
	return raw, err
}

// applyInvert flips the boolean sense of a raw operator result when the
// instance asks for it. The raw result is what gets logged.
func applyInvert(op *rules.OperatorInstance, raw int) int {
	if op == nil || !op.Invert {
		return raw
	}
	if raw != 0 {
		return 0
	}
	return 1
}

// runActions executes the true or false list for a result. Action errors
// are recorded and do not stop the remaining actions. Events created by the
// actions are attached to the result record.
func (e *Engine) runActions(tx *rules.Tx, r *rules.Rule, result int, rrec *rulelog.ResultRec) {
	acts := r.FalseActions
	if result != 0 {
		acts = r.TrueActions
	}
	for _, a := range acts {
		before := len(tx.Events)
		aerr := a.Act.Execute(tx, r, result)
		rrec.AddAction(a.Act.Name(), aerr)
		if aerr != nil {
			e.log.Error("action failed",
				zap.String("tx", tx.ID),
				zap.String("rule", r.Meta.FullID),
				zap.String("action", a.Act.Name()),
				zap.Error(aerr),
			)
		}
		for _, ev := range tx.Events[before:] {
			rrec.AddEvent(ev.Msg, string(ev.Kind), ev.Severity)
		}
	}
}

func (e *Engine) publishSynthetic(tx *rules.Tx, te *targetEval, v *field.Value, path []string) {
	_ = tx.Vars.Set(field.String(field.SyntheticFieldTarget, te.target.Expr))
	if v != nil {
		_ = tx.Vars.Set(v.WithName(field.SyntheticField))
		_ = tx.Vars.Set(field.String(field.SyntheticFieldName, v.Name))
		full := strings.Join(compactPath(path), ":")
		_ = tx.Vars.Set(field.String(field.SyntheticFieldNameFull, full))
	}
	if te.tfnApplied && te.tfnFinal != nil {
		_ = tx.Vars.Set(te.tfnFinal.WithName(field.SyntheticFieldTfn))
	}
}

func (e *Engine) removeSynthetic(tx *rules.Tx) {
	tx.Vars.Remove(field.SyntheticField)
	tx.Vars.Remove(field.SyntheticFieldTfn)
	tx.Vars.Remove(field.SyntheticFieldTarget)
	tx.Vars.Remove(field.SyntheticFieldName)
	tx.Vars.Remove(field.SyntheticFieldNameFull)
}

func compactPath(path []string) []string {
	out := path[:0:0]
	for _, p := range path {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
