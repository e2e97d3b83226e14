package rulelog

import (
	"go.uber.org/zap"

	"github.com/palisade/palisade/internal/field"
)

// ExecLog accumulates the trace of one rule evaluation. Records are built up
// through explicit handles and emitted in one pass at the end, which is where
// result filtering happens.
type ExecLog struct {
	tx *TxLog

	ruleID   string
	fullID   string
	phase    string
	revision int

	targets  []*TargetRec
	opStatus error

	execCount  int
	trueCount  int
	falseCount int
	errCount   int
	actCount   int
	eventCount int
}

// TargetRec traces one target of a rule: the original value, the
// transformation pipeline, and the per-leaf results.
type TargetRec struct {
	exec *ExecLog

	expr     string
	original *field.Value
	final    *field.Value
	status   error

	tfns    []tfnRec
	results []*ResultRec
}

type tfnRec struct {
	name   string
	in     *field.Value
	out    *field.Value
	status error
}

// ResultRec traces one leaf operator invocation: the value under test, the
// raw operator result, the post-invert result the rule acted on, and the
// actions and events that followed.
type ResultRec struct {
	exec *ExecLog

	value  *field.Value
	raw    int
	result int
	status error

	actions []actRec
	events  []eventRec
}

type actRec struct {
	name   string
	status error
}

type eventRec struct {
	msg      string
	kind     string
	severity uint8
}

// NewExec opens a rule trace. Nil-safe; returns nil when the transaction
// trace is disabled.
func (t *TxLog) NewExec(ruleID, fullID, phase string, revision int) *ExecLog {
	if t == nil {
		return nil
	}
	return &ExecLog{tx: t, ruleID: ruleID, fullID: fullID, phase: phase, revision: revision}
}

// SetOperatorStatus records a rule-level operator failure. The error count
// is left to the result records; this only feeds the rule end line and the
// error filter.
func (e *ExecLog) SetOperatorStatus(err error) {
	if e == nil {
		return
	}
	e.opStatus = err
}

// AddTarget opens a target record.
func (e *ExecLog) AddTarget(expr string, original *field.Value) *TargetRec {
	if e == nil {
		return nil
	}
	g := &TargetRec{exec: e, expr: expr, original: original}
	e.targets = append(e.targets, g)
	return g
}

// AddTransform records one transformation step.
func (g *TargetRec) AddTransform(name string, in, out *field.Value, err error) {
	if g == nil {
		return
	}
	g.tfns = append(g.tfns, tfnRec{name: name, in: in, out: out, status: err})
	if err != nil {
		g.exec.errCount++
	}
}

// SetFinal records the value that left the transformation pipeline.
func (g *TargetRec) SetFinal(v *field.Value) {
	if g == nil {
		return
	}
	g.final = v
}

// SetStatus records a target-level failure (fetch error, aborted pipeline,
// exhausted recursion budget).
func (g *TargetRec) SetStatus(err error) {
	if g == nil {
		return
	}
	g.status = err
	if err != nil {
		g.exec.errCount++
	}
}

// AddResult records one leaf operator invocation. raw is the operator's own
// result, result the post-invert value the rule acted on.
func (g *TargetRec) AddResult(value *field.Value, raw, result int, err error) *ResultRec {
	if g == nil {
		return nil
	}
	r := &ResultRec{exec: g.exec, value: value, raw: raw, result: result, status: err}
	g.results = append(g.results, r)
	g.exec.execCount++
	switch {
	case err != nil:
		g.exec.errCount++
	case result != 0:
		g.exec.trueCount++
	default:
		g.exec.falseCount++
	}
	return r
}

// AddAction records one executed action.
func (r *ResultRec) AddAction(name string, err error) {
	if r == nil {
		return
	}
	r.actions = append(r.actions, actRec{name: name, status: err})
	r.exec.actCount++
	if err != nil {
		r.exec.errCount++
	}
}

// AddEvent records one event created while handling this result.
func (r *ResultRec) AddEvent(msg, kind string, severity uint8) {
	if r == nil {
		return
	}
	r.events = append(r.events, eventRec{msg: msg, kind: kind, severity: severity})
	r.exec.eventCount++
}

func (e *ExecLog) filter() Filter {
	return e.tx.filter
}

func (r *ResultRec) passes(f Filter) bool {
	switch f {
	case FilterAll, FilterExecuted:
		return true
	case FilterActionable:
		return len(r.actions) > 0
	case FilterErrors:
		return r.status != nil
	case FilterTrue:
		return r.result != 0
	case FilterFalse:
		return r.result == 0 && r.status == nil
	}
	return true
}

func (g *TargetRec) passes(f Filter) bool {
	if f == FilterErrors && g.status != nil {
		return true
	}
	for _, r := range g.results {
		if r.passes(f) {
			return true
		}
	}
	return false
}

func (e *ExecLog) passes() bool {
	f := e.filter()
	if f == FilterErrors && e.opStatus != nil {
		return true
	}
	for _, g := range e.targets {
		if g.passes(f) {
			return true
		}
	}
	return false
}

func errString(err error) string {
	if err == nil {
		return "ok"
	}
	return err.Error()
}

// Emit writes the accumulated trace, applying the result filter bottom-up.
// Nil-safe.
func (e *ExecLog) Emit() {
	if e == nil || e.tx == nil {
		return
	}
	if !e.passes() {
		return
	}
	t := e.tx
	t.emitted++
	f := e.filter()

	if t.parts&PartRule != 0 {
		t.logger.Info("rule start",
			zap.String("tx", t.txID),
			zap.String("rule", e.fullID),
			zap.String("phase", e.phase),
			zap.Int("rev", e.revision),
		)
	}
	for _, g := range e.targets {
		if !g.passes(f) {
			continue
		}
		if t.parts&PartTarget != 0 {
			t.logger.Info("target",
				zap.String("tx", t.txID),
				zap.String("rule", e.fullID),
				zap.String("target", g.expr),
				zap.String("original", render(g.original)),
				zap.String("final", render(g.final)),
				zap.String("status", errString(g.status)),
			)
		}
		if t.parts&PartTransform != 0 {
			for _, tf := range g.tfns {
				t.logger.Info("tfn",
					zap.String("tx", t.txID),
					zap.String("rule", e.fullID),
					zap.String("target", g.expr),
					zap.String("tfn", tf.name),
					zap.String("in", render(tf.in)),
					zap.String("out", render(tf.out)),
					zap.String("status", errString(tf.status)),
				)
			}
		}
		for _, r := range g.results {
			if !r.passes(f) {
				continue
			}
			if t.parts&PartOperator != 0 {
				t.logger.Info("operator",
					zap.String("tx", t.txID),
					zap.String("rule", e.fullID),
					zap.String("target", g.expr),
					zap.String("value", render(r.value)),
					zap.Int("raw", r.raw),
					zap.Int("result", r.result),
					zap.String("status", errString(r.status)),
				)
			}
			if t.parts&PartAction != 0 {
				for _, a := range r.actions {
					t.logger.Info("action",
						zap.String("tx", t.txID),
						zap.String("rule", e.fullID),
						zap.String("action", a.name),
						zap.String("status", errString(a.status)),
					)
				}
			}
			if t.parts&PartEvent != 0 {
				for _, ev := range r.events {
					t.logger.Info("event",
						zap.String("tx", t.txID),
						zap.String("rule", e.fullID),
						zap.String("kind", ev.kind),
						zap.Uint8("severity", ev.severity),
						zap.String("msg", clip(ev.msg)),
					)
				}
			}
		}
	}
	if t.parts&PartRule != 0 {
		t.logger.Info("rule end",
			zap.String("tx", t.txID),
			zap.String("rule", e.fullID),
			zap.Int("exec", e.execCount),
			zap.Int("true", e.trueCount),
			zap.Int("false", e.falseCount),
			zap.Int("errors", e.errCount),
			zap.Int("actions", e.actCount),
			zap.Int("events", e.eventCount),
			zap.String("status", errString(e.opStatus)),
		)
	}
}
