package engine

import (
	"errors"
	"fmt"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/palisade/palisade/internal/field"
	"github.com/palisade/palisade/internal/phases"
	"github.com/palisade/palisade/internal/rulelog"
	"github.com/palisade/palisade/internal/rules"
	"github.com/palisade/palisade/internal/waferr"
)

// probe is an operator that records every value it was handed.
type probe struct {
	name string
	caps rules.OpCap
	ret  int
	err  error
	vals []*field.Value
}

func (p *probe) Name() string              { return p.name }
func (p *probe) Capabilities() rules.OpCap { return p.caps }

func (p *probe) Execute(_ *rules.Tx, v *field.Value) (int, error) {
	p.vals = append(p.vals, v)
	return p.ret, p.err
}

// opFunc adapts a closure into an operator for test-specific behavior.
type opFunc struct {
	name string
	caps rules.OpCap
	fn   func(tx *rules.Tx, v *field.Value) (int, error)
}

func (o *opFunc) Name() string              { return o.name }
func (o *opFunc) Capabilities() rules.OpCap { return o.caps }

func (o *opFunc) Execute(tx *rules.Tx, v *field.Value) (int, error) {
	return o.fn(tx, v)
}

type actFunc struct {
	name string
	fn   func(tx *rules.Tx, r *rules.Rule, result int) error
}

func (a *actFunc) Name() string { return a.name }

func (a *actFunc) Execute(tx *rules.Tx, r *rules.Rule, result int) error {
	return a.fn(tx, r, result)
}

type tfnFunc struct {
	name string
	fn   func(tx *rules.Tx, v *field.Value) (*field.Value, error)
}

func (f *tfnFunc) Name() string { return f.name }

func (f *tfnFunc) Apply(tx *rules.Tx, v *field.Value) (*field.Value, error) {
	return f.fn(tx, v)
}

type fakeServer struct {
	calls    int
	statuses []int
	err      error
}

func (s *fakeServer) ReportBlock(tx *rules.Tx) error {
	s.calls++
	s.statuses = append(s.statuses, tx.BlockStatus)
	return s.err
}

// counter is an action that counts its executions.
func counter(name string, n *int) *actFunc {
	return &actFunc{name: name, fn: func(*rules.Tx, *rules.Rule, int) error {
		*n++
		return nil
	}}
}

func flagAction(name string, f rules.TxFlag) *actFunc {
	return &actFunc{name: name, fn: func(tx *rules.Tx, _ *rules.Rule, _ int) error {
		tx.Set(f)
		return nil
	}}
}

type harness struct {
	t   *testing.T
	reg *rules.Registries
	ctx *rules.Context
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg := rules.NewRegistries(nil)
	return &harness{t: t, reg: reg, ctx: rules.NewMainContext(reg, zap.NewNop())}
}

func (h *harness) rule(id string, p phases.ID, op rules.Operator, targets ...string) *rules.Rule {
	h.t.Helper()
	r, err := h.ctx.NewRule("engine_test.conf", 1, false)
	if err != nil {
		h.t.Fatalf("new rule: %v", err)
	}
	if err := r.SetPhase(p); err != nil {
		h.t.Fatalf("set phase: %v", err)
	}
	r.Meta.ID = id
	r.Op = &rules.OperatorInstance{Op: op}
	for _, tgt := range targets {
		if err := r.AddTarget(tgt); err != nil {
			h.t.Fatalf("add target %q: %v", tgt, err)
		}
	}
	return r
}

func (h *harness) streamRule(id string, p phases.ID, op rules.Operator) *rules.Rule {
	h.t.Helper()
	r, err := h.ctx.NewRule("engine_test.conf", 1, true)
	if err != nil {
		h.t.Fatalf("new stream rule: %v", err)
	}
	if err := r.SetPhase(p); err != nil {
		h.t.Fatalf("set phase: %v", err)
	}
	r.Meta.ID = id
	r.Op = &rules.OperatorInstance{Op: op}
	return r
}

func (h *harness) register(r *rules.Rule) *rules.Rule {
	h.t.Helper()
	if err := h.ctx.Register(r); err != nil {
		h.t.Fatalf("register %q: %v", r.Meta.ID, err)
	}
	return r
}

// add builds and registers a plain rule in one step.
func (h *harness) add(id string, p phases.ID, op rules.Operator, targets ...string) *rules.Rule {
	h.t.Helper()
	return h.register(h.rule(id, p, op, targets...))
}

func (h *harness) newTx(cfg rules.TxConfig) *rules.Tx {
	h.t.Helper()
	if !h.ctx.Closed() {
		if err := h.ctx.Close(); err != nil {
			h.t.Fatalf("close context: %v", err)
		}
	}
	tx, err := rules.NewTx(h.ctx, cfg)
	if err != nil {
		h.t.Fatalf("new tx: %v", err)
	}
	return tx
}

func trueAction(t *testing.T, r *rules.Rule, a rules.Action) {
	t.Helper()
	if err := r.AddAction(&rules.ActionInstance{Act: a}, rules.ListTrue); err != nil {
		t.Fatalf("add action: %v", err)
	}
}

func falseAction(t *testing.T, r *rules.Rule, a rules.Action) {
	t.Helper()
	if err := r.AddAction(&rules.ActionInstance{Act: a}, rules.ListFalse); err != nil {
		t.Fatalf("add action: %v", err)
	}
}

func TestPhaseIsolation(t *testing.T) {
	h := newHarness(t)
	p1 := &probe{name: "p1", ret: 1}
	p2 := &probe{name: "p2", ret: 1}
	h.add("r1", phases.RequestHeader, p1, "REQUEST_METHOD")
	h.add("r2", phases.ResponseBody, p2, "REQUEST_METHOD")

	tx := h.newTx(rules.TxConfig{})
	if err := tx.Vars.Set(field.String("REQUEST_METHOD", "GET")); err != nil {
		t.Fatalf("set var: %v", err)
	}

	e := New(nil)
	if err := e.RunPhase(tx, phases.RequestHeader); err != nil {
		t.Fatalf("run phase: %v", err)
	}
	if len(p1.vals) != 1 || len(p2.vals) != 0 {
		t.Fatalf("after request header: p1=%d p2=%d invocations", len(p1.vals), len(p2.vals))
	}

	if err := e.RunPhase(tx, phases.ResponseBody); err != nil {
		t.Fatalf("run phase: %v", err)
	}
	if len(p2.vals) != 1 {
		t.Fatalf("p2 invoked %d times in response body", len(p2.vals))
	}
}

func TestRunAllPhaseOrder(t *testing.T) {
	h := newHarness(t)
	var order []phases.ID
	for i, p := range phases.Standard() {
		op := &opFunc{name: "trace", fn: func(tx *rules.Tx, _ *field.Value) (int, error) {
			order = append(order, tx.CurPhase)
			return 0, nil
		}}
		h.add(fmt.Sprintf("r%d", i), p, op, "REQUEST_METHOD")
	}

	tx := h.newTx(rules.TxConfig{})
	if err := tx.Vars.Set(field.String("REQUEST_METHOD", "GET")); err != nil {
		t.Fatalf("set var: %v", err)
	}
	if err := New(nil).RunAll(tx); err != nil {
		t.Fatalf("run all: %v", err)
	}

	want := phases.Standard()
	if len(order) != len(want) {
		t.Fatalf("ran %d phases, want %d", len(order), len(want))
	}
	for i, p := range want {
		if order[i] != p {
			t.Fatalf("phase %d was %s, want %s", i, order[i], p)
		}
	}
}

func TestChainShortCircuit(t *testing.T) {
	h := newHarness(t)
	parent := &probe{name: "parent", ret: 0}
	child := &probe{name: "child", ret: 1}
	var parentFalse, childTrue int

	r1 := h.rule("cx", phases.RequestHeader, parent, "REQUEST_METHOD")
	falseAction(t, r1, counter("mark", &parentFalse))
	if err := r1.SetChain(); err != nil {
		t.Fatalf("set chain: %v", err)
	}
	h.register(r1)

	r2 := h.rule("", phases.RequestHeader, child, "REQUEST_METHOD")
	trueAction(t, r2, counter("mark", &childTrue))
	h.register(r2)

	tx := h.newTx(rules.TxConfig{})
	if err := tx.Vars.Set(field.String("REQUEST_METHOD", "GET")); err != nil {
		t.Fatalf("set var: %v", err)
	}
	if err := New(nil).RunPhase(tx, phases.RequestHeader); err != nil {
		t.Fatalf("run phase: %v", err)
	}

	if len(parent.vals) != 1 {
		t.Fatalf("parent invoked %d times", len(parent.vals))
	}
	if len(child.vals) != 0 {
		t.Fatalf("child invoked %d times after false parent", len(child.vals))
	}
	if parentFalse != 1 {
		t.Fatalf("parent false actions ran %d times", parentFalse)
	}
	if childTrue != 0 {
		t.Fatalf("child actions ran %d times", childTrue)
	}
}

func TestChainContinuesOnMatch(t *testing.T) {
	h := newHarness(t)
	parent := &probe{name: "parent", ret: 1}
	child := &probe{name: "child", ret: 1}

	r1 := h.rule("cx", phases.RequestHeader, parent, "REQUEST_METHOD")
	if err := r1.SetChain(); err != nil {
		t.Fatalf("set chain: %v", err)
	}
	h.register(r1)
	h.register(h.rule("", phases.RequestHeader, child, "REQUEST_METHOD"))

	tx := h.newTx(rules.TxConfig{})
	if err := tx.Vars.Set(field.String("REQUEST_METHOD", "GET")); err != nil {
		t.Fatalf("set var: %v", err)
	}
	if err := New(nil).RunPhase(tx, phases.RequestHeader); err != nil {
		t.Fatalf("run phase: %v", err)
	}

	if len(parent.vals) != 1 || len(child.vals) != 1 {
		t.Fatalf("parent=%d child=%d invocations", len(parent.vals), len(child.vals))
	}
}

// buildChain registers a chain of n rules sharing one counting operator and
// returns the chain root.
func buildChain(t *testing.T, h *harness, n int, hits *int) *rules.Rule {
	t.Helper()
	op := &opFunc{name: "count", fn: func(*rules.Tx, *field.Value) (int, error) {
		*hits++
		return 1, nil
	}}
	root := h.rule("cx", phases.RequestHeader, op, "REQUEST_METHOD")
	cur := root
	for i := 1; i < n; i++ {
		if err := cur.SetChain(); err != nil {
			t.Fatalf("set chain: %v", err)
		}
		h.register(cur)
		cur = h.rule("", phases.RequestHeader, op, "REQUEST_METHOD")
	}
	h.register(cur)
	return root
}

func TestChainRecursionBudget(t *testing.T) {
	t.Run("at limit", func(t *testing.T) {
		h := newHarness(t)
		hits := 0
		root := buildChain(t, h, MaxChainRecursion, &hits)

		tx := h.newTx(rules.TxConfig{})
		if err := tx.Vars.Set(field.String("REQUEST_METHOD", "GET")); err != nil {
			t.Fatalf("set var: %v", err)
		}
		res, err := New(nil).evalRule(tx, root, MaxChainRecursion)
		if err != nil {
			t.Fatalf("chain of %d links failed: %v", MaxChainRecursion, err)
		}
		if res == 0 {
			t.Fatal("chain result was 0")
		}
		if hits != MaxChainRecursion {
			t.Fatalf("evaluated %d links, want %d", hits, MaxChainRecursion)
		}
	})

	t.Run("over limit", func(t *testing.T) {
		h := newHarness(t)
		hits := 0
		root := buildChain(t, h, MaxChainRecursion+1, &hits)

		tx := h.newTx(rules.TxConfig{})
		if err := tx.Vars.Set(field.String("REQUEST_METHOD", "GET")); err != nil {
			t.Fatalf("set var: %v", err)
		}
		if _, err := New(nil).evalRule(tx, root, MaxChainRecursion); err == nil {
			t.Fatalf("chain of %d links did not fail", MaxChainRecursion+1)
		}
		if hits != MaxChainRecursion {
			t.Fatalf("evaluated %d links before failing, want %d", hits, MaxChainRecursion)
		}
	})
}

// nest wraps leaf in depth levels of list, outermost named NEST.
func nest(depth int, leaf *field.Value) *field.Value {
	v := leaf
	for i := 0; i < depth; i++ {
		v = field.List("NEST", v)
	}
	return v
}

func TestListRecursionBudget(t *testing.T) {
	t.Run("at limit", func(t *testing.T) {
		h := newHarness(t)
		p := &probe{name: "p", ret: 1}
		h.add("r1", phases.RequestHeader, p, "NEST")

		tx := h.newTx(rules.TxConfig{})
		if err := tx.Vars.Set(nest(MaxListRecursion, field.String("leaf", "x"))); err != nil {
			t.Fatalf("set var: %v", err)
		}
		if err := New(nil).RunPhase(tx, phases.RequestHeader); err != nil {
			t.Fatalf("run phase: %v", err)
		}
		if len(p.vals) != 1 {
			t.Fatalf("leaf under %d list levels evaluated %d times", MaxListRecursion, len(p.vals))
		}
	})

	t.Run("over limit", func(t *testing.T) {
		h := newHarness(t)
		p := &probe{name: "p", ret: 1}
		h.add("r1", phases.RequestHeader, p, "NEST")

		core, logs := observer.New(zapcore.ErrorLevel)
		tx := h.newTx(rules.TxConfig{})
		if err := tx.Vars.Set(nest(MaxListRecursion+1, field.String("leaf", "x"))); err != nil {
			t.Fatalf("set var: %v", err)
		}
		if err := New(zap.New(core)).RunPhase(tx, phases.RequestHeader); err != nil {
			t.Fatalf("run phase: %v", err)
		}
		if len(p.vals) != 0 {
			t.Fatalf("leaf under %d list levels evaluated %d times", MaxListRecursion+1, len(p.vals))
		}
		if logs.FilterMessage("list recursion limit reached").Len() != 1 {
			t.Fatal("limit breach was not logged")
		}
	})
}

func TestMultiValueTarget(t *testing.T) {
	h := newHarness(t)
	hits := 0
	matched := 0
	op := &opFunc{name: "is2", fn: func(_ *rules.Tx, v *field.Value) (int, error) {
		hits++
		if v.AsString() == "2" {
			return 1, nil
		}
		return 0, nil
	}}
	r := h.rule("r1", phases.RequestHeader, op, "ARGS")
	trueAction(t, r, counter("mark", &matched))
	h.register(r)

	tx := h.newTx(rules.TxConfig{})
	args := field.List("ARGS",
		field.String("a", "1"),
		field.String("b", "2"),
		field.String("c", "3"),
	)
	if err := tx.Vars.Set(args); err != nil {
		t.Fatalf("set var: %v", err)
	}
	if err := New(nil).RunPhase(tx, phases.RequestHeader); err != nil {
		t.Fatalf("run phase: %v", err)
	}

	if hits != 3 {
		t.Fatalf("operator ran %d times over a 3 element list", hits)
	}
	if matched != 1 {
		t.Fatalf("true actions ran %d times, want 1", matched)
	}
}

func TestSyntheticFieldsDuringLeaf(t *testing.T) {
	h := newHarness(t)
	h.reg.Transforms.Register(&tfnFunc{name: "mark", fn: func(_ *rules.Tx, v *field.Value) (*field.Value, error) {
		return field.String(v.Name, v.AsString()+"!"), nil
	}})

	seen := map[string]string{}
	op := &opFunc{name: "snap", fn: func(tx *rules.Tx, _ *field.Value) (int, error) {
		for _, name := range []string{
			field.SyntheticField,
			field.SyntheticFieldTfn,
			field.SyntheticFieldTarget,
			field.SyntheticFieldName,
			field.SyntheticFieldNameFull,
		} {
			if v, err := tx.Vars.Get(name); err == nil {
				seen[name] = v.AsString()
			}
		}
		return 1, nil
	}}
	inAction := ""
	r, err := h.ctx.NewRule("engine_test.conf", 1, false)
	if err != nil {
		t.Fatalf("new rule: %v", err)
	}
	if err := r.SetPhase(phases.RequestHeader); err != nil {
		t.Fatalf("set phase: %v", err)
	}
	r.Meta.ID = "r1"
	r.Op = &rules.OperatorInstance{Op: op}
	if err := r.AddTarget("REQUEST_URI", "mark"); err != nil {
		t.Fatalf("add target: %v", err)
	}
	trueAction(t, r, &actFunc{name: "peek", fn: func(tx *rules.Tx, _ *rules.Rule, _ int) error {
		if v, err := tx.Vars.Get(field.SyntheticField); err == nil {
			inAction = v.AsString()
		}
		return nil
	}})
	h.register(r)

	tx := h.newTx(rules.TxConfig{})
	if err := tx.Vars.Set(field.String("REQUEST_URI", "/a")); err != nil {
		t.Fatalf("set var: %v", err)
	}
	if err := New(nil).RunPhase(tx, phases.RequestHeader); err != nil {
		t.Fatalf("run phase: %v", err)
	}

	want := map[string]string{
		field.SyntheticField:         "/a!",
		field.SyntheticFieldTfn:      "/a!",
		field.SyntheticFieldTarget:   "REQUEST_URI",
		field.SyntheticFieldName:     "REQUEST_URI",
		field.SyntheticFieldNameFull: "REQUEST_URI",
	}
	for name, w := range want {
		if seen[name] != w {
			t.Fatalf("%s = %q during operator, want %q", name, seen[name], w)
		}
	}
	if inAction != "/a!" {
		t.Fatalf("FIELD = %q during action, want %q", inAction, "/a!")
	}

	// All synthetic fields are gone once the leaf is done.
	for name := range want {
		if _, err := tx.Vars.Get(name); !waferr.IsNoEnt(err) {
			t.Fatalf("%s still present after the phase: %v", name, err)
		}
	}
}

func TestSyntheticFieldPathInCollection(t *testing.T) {
	h := newHarness(t)
	var name, full string
	tfnPresent := false
	op := &opFunc{name: "snap", fn: func(tx *rules.Tx, _ *field.Value) (int, error) {
		if v, err := tx.Vars.Get(field.SyntheticFieldName); err == nil {
			name = v.AsString()
		}
		if v, err := tx.Vars.Get(field.SyntheticFieldNameFull); err == nil {
			full = v.AsString()
		}
		if _, err := tx.Vars.Get(field.SyntheticFieldTfn); err == nil {
			tfnPresent = true
		}
		return 0, nil
	}}
	h.add("r1", phases.RequestHeader, op, "ARGS:q")

	tx := h.newTx(rules.TxConfig{})
	if err := tx.Vars.Set(field.List("ARGS", field.String("q", "x"))); err != nil {
		t.Fatalf("set var: %v", err)
	}
	if err := New(nil).RunPhase(tx, phases.RequestHeader); err != nil {
		t.Fatalf("run phase: %v", err)
	}

	if name != "q" {
		t.Fatalf("FIELD_NAME = %q, want q", name)
	}
	if full != "ARGS:q" {
		t.Fatalf("FIELD_NAME_FULL = %q, want ARGS:q", full)
	}
	if tfnPresent {
		t.Fatal("FIELD_TFN present without a transformation pipeline")
	}
}

func TestTransformPipelineOrder(t *testing.T) {
	h := newHarness(t)
	appendTfn := func(s string) *tfnFunc {
		return &tfnFunc{name: "append" + s, fn: func(_ *rules.Tx, v *field.Value) (*field.Value, error) {
			return field.String(v.Name, v.AsString()+s), nil
		}}
	}
	h.reg.Transforms.Register(appendTfn("a"))
	h.reg.Transforms.Register(appendTfn("b"))

	p := &probe{name: "p", ret: 1}
	r := h.rule("r1", phases.RequestHeader, p)
	if err := r.AddTarget("REQUEST_URI", "appenda", "appendb"); err != nil {
		t.Fatalf("add target: %v", err)
	}
	h.register(r)

	tx := h.newTx(rules.TxConfig{})
	if err := tx.Vars.Set(field.String("REQUEST_URI", "/x")); err != nil {
		t.Fatalf("set var: %v", err)
	}
	if err := New(nil).RunPhase(tx, phases.RequestHeader); err != nil {
		t.Fatalf("run phase: %v", err)
	}

	if len(p.vals) != 1 || p.vals[0].AsString() != "/xab" {
		t.Fatalf("operator saw %q, want %q", p.vals[0].AsString(), "/xab")
	}
	// The pipeline works on a copy; the stored field is untouched.
	v, err := tx.Vars.Get("REQUEST_URI")
	if err != nil || v.AsString() != "/x" {
		t.Fatalf("stored field is %q after pipeline, want %q", v.AsString(), "/x")
	}
}

func TestTransformErrorAbortsTargetOnly(t *testing.T) {
	h := newHarness(t)
	h.reg.Transforms.Register(&tfnFunc{name: "boom", fn: func(_ *rules.Tx, _ *field.Value) (*field.Value, error) {
		return nil, errors.New("bad input")
	}})

	p := &probe{name: "p", ret: 1}
	r := h.rule("r1", phases.RequestHeader, p)
	if err := r.AddTarget("REQUEST_URI", "boom"); err != nil {
		t.Fatalf("add target: %v", err)
	}
	if err := r.AddTarget("REQUEST_METHOD"); err != nil {
		t.Fatalf("add target: %v", err)
	}
	h.register(r)

	tx := h.newTx(rules.TxConfig{})
	if err := tx.Vars.Set(field.String("REQUEST_URI", "/x")); err != nil {
		t.Fatalf("set var: %v", err)
	}
	if err := tx.Vars.Set(field.String("REQUEST_METHOD", "GET")); err != nil {
		t.Fatalf("set var: %v", err)
	}
	if err := New(nil).RunPhase(tx, phases.RequestHeader); err != nil {
		t.Fatalf("run phase: %v", err)
	}

	if len(p.vals) != 1 || p.vals[0].AsString() != "GET" {
		t.Fatalf("operator invocations %v, want the clean target only", len(p.vals))
	}
}

func TestOperatorErrorContainment(t *testing.T) {
	h := newHarness(t)
	bad := &opFunc{name: "bad", fn: func(_ *rules.Tx, v *field.Value) (int, error) {
		if v.AsString() == "boom" {
			return 0, errors.New("operator exploded")
		}
		return 1, nil
	}}
	ran := 0
	r1 := h.rule("r1", phases.RequestHeader, bad, "ARGS")
	trueAction(t, r1, counter("mark", &ran))
	h.register(r1)

	next := &probe{name: "next", ret: 1}
	h.add("r2", phases.RequestHeader, next, "REQUEST_METHOD")

	tx := h.newTx(rules.TxConfig{})
	if err := tx.Vars.Set(field.List("ARGS",
		field.String("a", "boom"),
		field.String("b", "fine"),
	)); err != nil {
		t.Fatalf("set var: %v", err)
	}
	if err := tx.Vars.Set(field.String("REQUEST_METHOD", "GET")); err != nil {
		t.Fatalf("set var: %v", err)
	}
	if err := New(nil).RunPhase(tx, phases.RequestHeader); err != nil {
		t.Fatalf("run phase: %v", err)
	}

	// The failing element did not stop its siblings, and the failing rule
	// did not stop the phase walk.
	if ran != 1 {
		t.Fatalf("actions after element error ran %d times, want 1", ran)
	}
	if len(next.vals) != 1 {
		t.Fatalf("next rule invoked %d times", len(next.vals))
	}
}

func TestInvertedOperator(t *testing.T) {
	h := newHarness(t)
	var onTrue, onFalse int
	r := h.rule("r1", phases.RequestHeader, &probe{name: "no", ret: 0}, "REQUEST_METHOD")
	r.Op.Invert = true
	trueAction(t, r, counter("t", &onTrue))
	falseAction(t, r, counter("f", &onFalse))
	h.register(r)

	tx := h.newTx(rules.TxConfig{})
	if err := tx.Vars.Set(field.String("REQUEST_METHOD", "GET")); err != nil {
		t.Fatalf("set var: %v", err)
	}
	if err := New(nil).RunPhase(tx, phases.RequestHeader); err != nil {
		t.Fatalf("run phase: %v", err)
	}

	if onTrue != 1 || onFalse != 0 {
		t.Fatalf("inverted miss ran true=%d false=%d actions", onTrue, onFalse)
	}
}

func TestAbsentTarget(t *testing.T) {
	t.Run("skipped without null capability", func(t *testing.T) {
		h := newHarness(t)
		p := &probe{name: "p", ret: 1}
		h.add("r1", phases.RequestHeader, p, "MISSING")

		tx := h.newTx(rules.TxConfig{})
		if err := New(nil).RunPhase(tx, phases.RequestHeader); err != nil {
			t.Fatalf("run phase: %v", err)
		}
		if len(p.vals) != 0 {
			t.Fatalf("operator ran %d times against an absent target", len(p.vals))
		}
	})

	t.Run("nil value with null capability", func(t *testing.T) {
		h := newHarness(t)
		p := &probe{name: "p", caps: rules.OpCapAllowNull, ret: 1}
		h.add("r1", phases.RequestHeader, p, "MISSING")

		tx := h.newTx(rules.TxConfig{})
		if err := New(nil).RunPhase(tx, phases.RequestHeader); err != nil {
			t.Fatalf("run phase: %v", err)
		}
		if len(p.vals) != 1 || p.vals[0] != nil {
			t.Fatalf("operator got %v, want one nil invocation", p.vals)
		}
	})
}

func TestActionOnlyRule(t *testing.T) {
	h := newHarness(t)
	ran := 0
	r := h.rule("r1", phases.RequestHeader, &probe{name: "always", caps: rules.OpCapAllowNull, ret: 1})
	r.Flags |= rules.FlagActionOnly
	trueAction(t, r, counter("mark", &ran))
	h.register(r)

	tx := h.newTx(rules.TxConfig{})
	if err := New(nil).RunPhase(tx, phases.RequestHeader); err != nil {
		t.Fatalf("run phase: %v", err)
	}
	if ran != 1 {
		t.Fatalf("action-only rule ran its actions %d times", ran)
	}
}

func TestExternalRule(t *testing.T) {
	h := newHarness(t)
	ran := 0
	fieldSeen := false
	op := &opFunc{name: "ext", fn: func(tx *rules.Tx, v *field.Value) (int, error) {
		if v != nil {
			t.Errorf("external operator got a value: %v", v)
		}
		if _, err := tx.Vars.Get(field.SyntheticField); err == nil {
			fieldSeen = true
		}
		ran++
		return 1, nil
	}}

	r, err := h.ctx.NewRule("engine_test.conf", 1, false)
	if err != nil {
		t.Fatalf("new rule: %v", err)
	}
	if err := r.SetPhase(phases.RequestHeader); err != nil {
		t.Fatalf("set phase: %v", err)
	}
	r.Meta.ID = "r1"
	r.SetExternalOperator(op, "ruleset.ext")
	acted := 0
	trueAction(t, r, counter("mark", &acted))
	h.register(r)

	tx := h.newTx(rules.TxConfig{})
	if err := New(nil).RunPhase(tx, phases.RequestHeader); err != nil {
		t.Fatalf("run phase: %v", err)
	}

	if ran != 1 {
		t.Fatalf("external operator ran %d times", ran)
	}
	if acted != 1 {
		t.Fatalf("external rule actions ran %d times", acted)
	}
	if fieldSeen {
		t.Fatal("synthetic FIELD published for an external rule")
	}
}

func TestImmediateBlockStopsWalk(t *testing.T) {
	h := newHarness(t)
	streq := &opFunc{name: "streq", fn: func(_ *rules.Tx, v *field.Value) (int, error) {
		if v.AsString() == "evil.example" {
			return 1, nil
		}
		return 0, nil
	}}
	r1 := h.rule("block-host", phases.RequestHeader, streq, "REQUEST_HEADERS:Host")
	trueAction(t, r1, flagAction("block", rules.TxFlagBlockImmediate))
	h.register(r1)

	later := &probe{name: "later", ret: 1}
	h.add("r2", phases.RequestHeader, later, "REQUEST_HEADERS:Host")

	srv := &fakeServer{}
	tx := h.newTx(rules.TxConfig{Server: srv})
	if err := tx.Vars.Set(field.List("REQUEST_HEADERS",
		field.String("Host", "evil.example"),
	)); err != nil {
		t.Fatalf("set var: %v", err)
	}
	if err := New(nil).RunPhase(tx, phases.RequestHeader); err != nil {
		t.Fatalf("run phase: %v", err)
	}

	if srv.calls != 1 {
		t.Fatalf("server reported %d times, want 1", srv.calls)
	}
	if srv.statuses[0] != rules.DefaultBlockStatus {
		t.Fatalf("block status %d, want %d", srv.statuses[0], rules.DefaultBlockStatus)
	}
	if !tx.BlockReported() {
		t.Fatal("block not marked reported")
	}
	if len(later.vals) != 0 {
		t.Fatalf("rule after the block ran %d times", len(later.vals))
	}
}

func TestReportedBlockSkipsToPostprocess(t *testing.T) {
	h := newHarness(t)
	r1 := h.rule("r1", phases.RequestHeader, &probe{name: "hit", ret: 1}, "REQUEST_METHOD")
	trueAction(t, r1, flagAction("block", rules.TxFlagBlockImmediate))
	h.register(r1)

	mid := &probe{name: "mid", ret: 1}
	h.add("r2", phases.ResponseBody, mid, "REQUEST_METHOD")
	post := &probe{name: "post", ret: 1}
	h.add("r3", phases.Postprocess, post, "REQUEST_METHOD")

	srv := &fakeServer{}
	tx := h.newTx(rules.TxConfig{Server: srv})
	if err := tx.Vars.Set(field.String("REQUEST_METHOD", "GET")); err != nil {
		t.Fatalf("set var: %v", err)
	}
	if err := New(nil).RunAll(tx); err != nil {
		t.Fatalf("run all: %v", err)
	}

	if srv.calls != 1 {
		t.Fatalf("server reported %d times, want 1", srv.calls)
	}
	if len(mid.vals) != 0 {
		t.Fatalf("later phase rule ran %d times after the reported block", len(mid.vals))
	}
	if len(post.vals) != 1 {
		t.Fatalf("postprocess ran %d times, want 1", len(post.vals))
	}
}

func TestPhaseBlockReportsAtPhaseEnd(t *testing.T) {
	h := newHarness(t)
	r1 := h.rule("r1", phases.RequestHeader, &probe{name: "hit", ret: 1}, "REQUEST_METHOD")
	trueAction(t, r1, &actFunc{name: "block", fn: func(tx *rules.Tx, _ *rules.Rule, _ int) error {
		tx.Set(rules.TxFlagBlockPhase)
		tx.BlockStatus = 503
		return nil
	}})
	h.register(r1)

	later := &probe{name: "later", ret: 1}
	h.add("r2", phases.RequestHeader, later, "REQUEST_METHOD")

	srv := &fakeServer{}
	tx := h.newTx(rules.TxConfig{Server: srv})
	if err := tx.Vars.Set(field.String("REQUEST_METHOD", "GET")); err != nil {
		t.Fatalf("set var: %v", err)
	}
	if err := New(nil).RunPhase(tx, phases.RequestHeader); err != nil {
		t.Fatalf("run phase: %v", err)
	}

	// Phase blocking lets the rest of the phase run first.
	if len(later.vals) != 1 {
		t.Fatalf("rule after phase block ran %d times, want 1", len(later.vals))
	}
	if srv.calls != 1 {
		t.Fatalf("server reported %d times, want 1", srv.calls)
	}
	if srv.statuses[0] != 503 {
		t.Fatalf("block status %d, want 503", srv.statuses[0])
	}
}

func TestAdvisoryBlockNeverReports(t *testing.T) {
	h := newHarness(t)
	r1 := h.rule("r1", phases.RequestHeader, &probe{name: "hit", ret: 1}, "REQUEST_METHOD")
	trueAction(t, r1, flagAction("block", rules.TxFlagBlockAdvisory))
	h.register(r1)

	srv := &fakeServer{}
	tx := h.newTx(rules.TxConfig{Server: srv})
	if err := tx.Vars.Set(field.String("REQUEST_METHOD", "GET")); err != nil {
		t.Fatalf("set var: %v", err)
	}
	if err := New(nil).RunPhase(tx, phases.RequestHeader); err != nil {
		t.Fatalf("run phase: %v", err)
	}

	if srv.calls != 0 {
		t.Fatalf("advisory block reported %d times", srv.calls)
	}
	if !tx.Blocking() {
		t.Fatal("advisory block flag not set")
	}
}

func TestDeclinedBlockReport(t *testing.T) {
	h := newHarness(t)
	r1 := h.rule("r1", phases.RequestHeader, &probe{name: "hit", ret: 1}, "REQUEST_METHOD")
	trueAction(t, r1, flagAction("block", rules.TxFlagBlockImmediate))
	h.register(r1)

	later := &probe{name: "later", ret: 1}
	h.add("r2", phases.RequestHeader, later, "REQUEST_METHOD")

	srv := &fakeServer{err: fmt.Errorf("response already started: %w", waferr.ErrDeclined)}
	tx := h.newTx(rules.TxConfig{Server: srv})
	if err := tx.Vars.Set(field.String("REQUEST_METHOD", "GET")); err != nil {
		t.Fatalf("set var: %v", err)
	}
	if err := New(nil).RunPhase(tx, phases.RequestHeader); err != nil {
		t.Fatalf("run phase: %v", err)
	}

	// A declined report stays advisory: the walk continues and the engine
	// retries after each remaining rule.
	if len(later.vals) != 1 {
		t.Fatalf("rule after declined block ran %d times, want 1", len(later.vals))
	}
	if tx.BlockReported() {
		t.Fatal("declined block marked reported")
	}
	if srv.calls != 2 {
		t.Fatalf("server asked %d times, want 2", srv.calls)
	}
}

func TestBlockWithoutServerCapability(t *testing.T) {
	h := newHarness(t)
	r1 := h.rule("r1", phases.RequestHeader, &probe{name: "hit", ret: 1}, "REQUEST_METHOD")
	trueAction(t, r1, flagAction("block", rules.TxFlagBlockImmediate))
	h.register(r1)

	later := &probe{name: "later", ret: 1}
	h.add("r2", phases.RequestHeader, later, "REQUEST_METHOD")

	tx := h.newTx(rules.TxConfig{})
	if err := tx.Vars.Set(field.String("REQUEST_METHOD", "GET")); err != nil {
		t.Fatalf("set var: %v", err)
	}
	if err := New(nil).RunPhase(tx, phases.RequestHeader); err != nil {
		t.Fatalf("run phase: %v", err)
	}

	if tx.BlockReported() {
		t.Fatal("block marked reported with no server capability")
	}
	if len(later.vals) != 1 {
		t.Fatalf("walk stopped without a server capability")
	}
}

func TestAllowAllSkipsToPostprocess(t *testing.T) {
	h := newHarness(t)
	r1 := h.rule("r1", phases.RequestHeader, &probe{name: "hit", ret: 1}, "REQUEST_METHOD")
	trueAction(t, r1, flagAction("allow", rules.TxFlagAllowAll))
	h.register(r1)

	samePhase := &probe{name: "same", ret: 1}
	h.add("r2", phases.RequestHeader, samePhase, "REQUEST_METHOD")
	mid := &probe{name: "mid", ret: 1}
	h.add("r3", phases.ResponseBody, mid, "REQUEST_METHOD")
	post := &probe{name: "post", ret: 1}
	h.add("r4", phases.Postprocess, post, "REQUEST_METHOD")

	tx := h.newTx(rules.TxConfig{})
	if err := tx.Vars.Set(field.String("REQUEST_METHOD", "GET")); err != nil {
		t.Fatalf("set var: %v", err)
	}
	if err := New(nil).RunAll(tx); err != nil {
		t.Fatalf("run all: %v", err)
	}

	if len(samePhase.vals) != 0 {
		t.Fatalf("rule after allow in the same phase ran %d times", len(samePhase.vals))
	}
	if len(mid.vals) != 0 {
		t.Fatalf("later phase rule ran %d times after allow all", len(mid.vals))
	}
	if len(post.vals) != 1 {
		t.Fatalf("postprocess ran %d times, want 1", len(post.vals))
	}
}

func TestAllowRequestSkipsRequestPhasesOnly(t *testing.T) {
	h := newHarness(t)
	r1 := h.rule("r1", phases.RequestHeader, &probe{name: "hit", ret: 1}, "REQUEST_METHOD")
	trueAction(t, r1, flagAction("allow", rules.TxFlagAllowRequest))
	h.register(r1)

	reqBody := &probe{name: "req", ret: 1}
	h.add("r2", phases.RequestBody, reqBody, "REQUEST_METHOD")
	respHeader := &probe{name: "resp", ret: 1}
	h.add("r3", phases.ResponseHeader, respHeader, "REQUEST_METHOD")

	tx := h.newTx(rules.TxConfig{})
	if err := tx.Vars.Set(field.String("REQUEST_METHOD", "GET")); err != nil {
		t.Fatalf("set var: %v", err)
	}
	if err := New(nil).RunAll(tx); err != nil {
		t.Fatalf("run all: %v", err)
	}

	if len(reqBody.vals) != 0 {
		t.Fatalf("request body rule ran %d times after allow request", len(reqBody.vals))
	}
	if len(respHeader.vals) != 1 {
		t.Fatalf("response header rule ran %d times, want 1", len(respHeader.vals))
	}
}

func TestAllowPhaseClearedByNextPhase(t *testing.T) {
	h := newHarness(t)
	r1 := h.rule("r1", phases.RequestHeader, &probe{name: "hit", ret: 1}, "REQUEST_METHOD")
	trueAction(t, r1, &actFunc{name: "allow", fn: func(tx *rules.Tx, _ *rules.Rule, _ int) error {
		tx.Set(rules.TxFlagAllowPhase)
		tx.AllowPhaseFor = tx.CurPhase
		return nil
	}})
	h.register(r1)

	samePhase := &probe{name: "same", ret: 1}
	h.add("r2", phases.RequestHeader, samePhase, "REQUEST_METHOD")
	nextPhase := &probe{name: "next", ret: 1}
	h.add("r3", phases.RequestBody, nextPhase, "REQUEST_METHOD")

	tx := h.newTx(rules.TxConfig{})
	if err := tx.Vars.Set(field.String("REQUEST_METHOD", "GET")); err != nil {
		t.Fatalf("set var: %v", err)
	}
	e := New(nil)
	if err := e.RunPhase(tx, phases.RequestHeader); err != nil {
		t.Fatalf("run phase: %v", err)
	}
	if len(samePhase.vals) != 0 {
		t.Fatalf("rule after allow phase ran %d times", len(samePhase.vals))
	}

	if err := e.RunPhase(tx, phases.RequestBody); err != nil {
		t.Fatalf("run phase: %v", err)
	}
	if len(nextPhase.vals) != 1 {
		t.Fatalf("next phase rule ran %d times, want 1", len(nextPhase.vals))
	}
	if tx.Has(rules.TxFlagAllowPhase) {
		t.Fatal("allow phase flag survived into the next phase")
	}
}

func TestStreamImplicitTarget(t *testing.T) {
	h := newHarness(t)
	p := &probe{name: "scan", caps: rules.OpCapStream, ret: 0}
	h.register(h.streamRule("s1", phases.StreamRequestBody, p))

	tx := h.newTx(rules.TxConfig{})
	e := New(nil)
	for _, chunk := range []string{"chunk-1", "chunk-2"} {
		if err := tx.Vars.Set(field.Bytes("STREAM_REQUEST_BODY", []byte(chunk))); err != nil {
			t.Fatalf("set chunk: %v", err)
		}
		if err := e.RunStream(tx, phases.StreamRequestBody); err != nil {
			t.Fatalf("run stream: %v", err)
		}
	}

	if len(p.vals) != 2 {
		t.Fatalf("stream operator ran %d times, want 2", len(p.vals))
	}
	if p.vals[0].AsString() != "chunk-1" || p.vals[1].AsString() != "chunk-2" {
		t.Fatalf("stream operator saw %q and %q", p.vals[0].AsString(), p.vals[1].AsString())
	}
}

func TestAllowPhaseHoldsAcrossStreamChunks(t *testing.T) {
	h := newHarness(t)
	hits := 0
	first := &opFunc{name: "first", caps: rules.OpCapStream, fn: func(*rules.Tx, *field.Value) (int, error) {
		hits++
		return 1, nil
	}}
	r1 := h.streamRule("s1", phases.StreamRequestBody, first)
	trueAction(t, r1, &actFunc{name: "allow", fn: func(tx *rules.Tx, _ *rules.Rule, _ int) error {
		tx.Set(rules.TxFlagAllowPhase)
		tx.AllowPhaseFor = tx.CurPhase
		return nil
	}})
	h.register(r1)

	tail := &probe{name: "tail", caps: rules.OpCapStream, ret: 1}
	h.register(h.streamRule("s2", phases.StreamRequestBody, tail))

	body := &probe{name: "body", ret: 1}
	h.add("r3", phases.RequestBody, body, "REQUEST_METHOD")

	tx := h.newTx(rules.TxConfig{})
	if err := tx.Vars.Set(field.String("REQUEST_METHOD", "GET")); err != nil {
		t.Fatalf("set var: %v", err)
	}
	e := New(nil)
	for _, chunk := range []string{"chunk-1", "chunk-2"} {
		if err := tx.Vars.Set(field.Bytes("STREAM_REQUEST_BODY", []byte(chunk))); err != nil {
			t.Fatalf("set chunk: %v", err)
		}
		if err := e.RunStream(tx, phases.StreamRequestBody); err != nil {
			t.Fatalf("run stream: %v", err)
		}
	}

	// The allow held for the second chunk of the same phase.
	if hits != 1 {
		t.Fatalf("allowing rule ran %d times across chunks, want 1", hits)
	}
	if len(tail.vals) != 0 {
		t.Fatalf("rule after allow ran %d times", len(tail.vals))
	}

	// A different phase clears it.
	if err := e.RunPhase(tx, phases.RequestBody); err != nil {
		t.Fatalf("run phase: %v", err)
	}
	if len(body.vals) != 1 {
		t.Fatalf("request body rule ran %d times, want 1", len(body.vals))
	}
}

func TestTraceParity(t *testing.T) {
	build := func(h *harness) *int {
		hits := new(int)
		op := &opFunc{name: "is2", fn: func(_ *rules.Tx, v *field.Value) (int, error) {
			*hits++
			if v.AsString() == "2" {
				return 1, nil
			}
			return 0, nil
		}}
		r := h.rule("r1", phases.RequestHeader, op, "ARGS")
		trueAction(h.t, r, &actFunc{name: "note", fn: func(tx *rules.Tx, r *rules.Rule, _ int) error {
			tx.AddEvent(rules.Event{RuleID: r.Meta.FullID, Kind: rules.EventAlert, Msg: "matched", Severity: 3})
			return nil
		}})
		h.register(r)
		return hits
	}
	vars := func(tx *rules.Tx) {
		if err := tx.Vars.Set(field.List("ARGS",
			field.String("a", "1"),
			field.String("b", "2"),
		)); err != nil {
			t.Fatalf("set var: %v", err)
		}
	}

	quietH := newHarness(t)
	quiet := build(quietH)
	quietTx := quietH.newTx(rules.TxConfig{})
	vars(quietTx)
	if err := New(nil).RunPhase(quietTx, phases.RequestHeader); err != nil {
		t.Fatalf("run phase: %v", err)
	}

	tracedH := newHarness(t)
	traced := build(tracedH)
	core, logs := observer.New(zapcore.InfoLevel)
	trace := rulelog.NewTx("tx-1", rulelog.PartAll, rulelog.FilterAll, zap.New(core))
	tracedTx := tracedH.newTx(rules.TxConfig{Trace: trace})
	vars(tracedTx)
	if err := New(nil).RunPhase(tracedTx, phases.RequestHeader); err != nil {
		t.Fatalf("run phase: %v", err)
	}

	// Tracing changes nothing about evaluation.
	if *quiet != *traced {
		t.Fatalf("quiet ran %d evaluations, traced %d", *quiet, *traced)
	}
	if len(quietTx.Events) != 1 || len(tracedTx.Events) != 1 {
		t.Fatalf("events quiet=%d traced=%d, want 1 each", len(quietTx.Events), len(tracedTx.Events))
	}

	var got []string
	for _, entry := range logs.All() {
		got = append(got, entry.Message)
	}
	want := []string{
		"phase start",
		"rule start",
		"target",
		"operator",
		"operator",
		"action",
		"event",
		"rule end",
		"phase end",
	}
	if len(got) != len(want) {
		t.Fatalf("trace lines %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("trace line %d is %q, want %q", i, got[i], want[i])
		}
	}
}

// captureOp reports fixed submatch groups alongside its result.
type captureOp struct {
	ret    int
	groups []string
}

func (o *captureOp) Name() string              { return "cap" }
func (o *captureOp) Capabilities() rules.OpCap { return rules.OpCapCapture }

func (o *captureOp) Execute(_ *rules.Tx, _ *field.Value) (int, error) {
	return o.ret, nil
}

func (o *captureOp) ExecuteCapture(_ *rules.Tx, _ *field.Value) (int, []string, error) {
	return o.ret, o.groups, nil
}

func TestCapturePublishesGroups(t *testing.T) {
	h := newHarness(t)
	r := h.rule("r1", phases.RequestHeader, &captureOp{ret: 1, groups: []string{"full", "part"}}, "REQUEST_URI")
	r.Op.Capture = true
	h.register(r)

	tx := h.newTx(rules.TxConfig{})
	if err := tx.Vars.Set(field.String("REQUEST_URI", "/x")); err != nil {
		t.Fatalf("set var: %v", err)
	}
	if err := New(nil).RunPhase(tx, phases.RequestHeader); err != nil {
		t.Fatalf("run phase: %v", err)
	}

	col, err := tx.Vars.Get(field.CollCapture)
	if err != nil {
		t.Fatalf("capture collection: %v", err)
	}
	members := col.Members()
	if len(members) != 2 {
		t.Fatalf("captured %d groups, want 2", len(members))
	}
	if members[0].Name != "0" || members[0].AsString() != "full" {
		t.Fatalf("group 0 is %s=%q", members[0].Name, members[0].AsString())
	}
	if members[1].Name != "1" || members[1].AsString() != "part" {
		t.Fatalf("group 1 is %s=%q", members[1].Name, members[1].AsString())
	}
}

func TestNoCaptureOnMiss(t *testing.T) {
	h := newHarness(t)
	r := h.rule("r1", phases.RequestHeader, &captureOp{ret: 0, groups: []string{"never"}}, "REQUEST_URI")
	r.Op.Capture = true
	h.register(r)

	tx := h.newTx(rules.TxConfig{})
	if err := tx.Vars.Set(field.String("REQUEST_URI", "/x")); err != nil {
		t.Fatalf("set var: %v", err)
	}
	if err := New(nil).RunPhase(tx, phases.RequestHeader); err != nil {
		t.Fatalf("run phase: %v", err)
	}

	if _, err := tx.Vars.Get(field.CollCapture); !waferr.IsNoEnt(err) {
		t.Fatalf("capture collection after a miss: %v", err)
	}
}

func TestActionErrorDoesNotStopList(t *testing.T) {
	h := newHarness(t)
	ran := 0
	r := h.rule("r1", phases.RequestHeader, &probe{name: "hit", ret: 1}, "REQUEST_METHOD")
	trueAction(t, r, &actFunc{name: "bad", fn: func(*rules.Tx, *rules.Rule, int) error {
		return errors.New("action exploded")
	}})
	trueAction(t, r, counter("good", &ran))
	h.register(r)

	tx := h.newTx(rules.TxConfig{})
	if err := tx.Vars.Set(field.String("REQUEST_METHOD", "GET")); err != nil {
		t.Fatalf("set var: %v", err)
	}
	if err := New(nil).RunPhase(tx, phases.RequestHeader); err != nil {
		t.Fatalf("run phase: %v", err)
	}

	if ran != 1 {
		t.Fatalf("action after a failing action ran %d times, want 1", ran)
	}
}
