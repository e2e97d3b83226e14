package actions

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/palisade/palisade/internal/field"
	"github.com/palisade/palisade/internal/rules"
	"github.com/palisade/palisade/internal/waferr"
)

type setvarOp int

const (
	opAssign setvarOp = iota
	opAdd
	opSub
)

// setvarAction writes a transaction variable. The parameter splits into a
// variable reference, an operator and a value template:
//
//	setvar:TX:score+=5    adds 5, creating the member at zero
//	setvar:TX:host=%{REQUEST_HEADERS:Host}    assigns the expansion
//	setvar:THREAT-=1      subtracts on a plain field
//
// The reference is either a bare field name or COLLECTION:key.
type setvarAction struct {
	coll string
	key  string
	op   setvarOp
	expr string
}

func newSetvar(param string) (rules.Action, error) {
	eq := strings.IndexByte(param, '=')
	if eq <= 0 {
		return nil, fmt.Errorf("%w: setvar needs NAME=value, got %q", waferr.ErrInvalid, param)
	}
	name := param[:eq]
	expr := param[eq+1:]
	op := opAssign
	switch name[len(name)-1] {
	case '+':
		op = opAdd
		name = name[:len(name)-1]
	case '-':
		op = opSub
		name = name[:len(name)-1]
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: setvar needs a variable name in %q", waferr.ErrInvalid, param)
	}
	coll, key, _ := strings.Cut(name, ":")
	return &setvarAction{coll: coll, key: key, op: op, expr: expr}, nil
}

func (a *setvarAction) Name() string { return "setvar" }

func (a *setvarAction) Execute(tx *rules.Tx, _ *rules.Rule, _ int) error {
	leaf := a.coll
	if a.key != "" {
		leaf = a.key
	}
	val := field.Expand(tx.Vars, a.expr)

	var out *field.Value
	if a.op == opAssign {
		out = field.String(leaf, val)
	} else {
		delta, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err != nil {
			return fmt.Errorf("%w: setvar delta %q is not numeric", waferr.ErrInvalid, val)
		}
		cur, err := a.current(tx)
		if err != nil {
			return err
		}
		if a.op == opSub {
			delta = -delta
		}
		out = field.Number(leaf, cur+delta)
	}

	if a.key != "" {
		return setMember(tx.Vars, a.coll, out)
	}
	return tx.Vars.Set(out)
}

// current reads the variable's numeric value, treating an absent variable
// as zero.
func (a *setvarAction) current(tx *rules.Tx) (int64, error) {
	sel := a.coll
	if a.key != "" {
		sel = a.coll + ":" + a.key
	}
	v, err := tx.Vars.Select(sel)
	if err != nil {
		if waferr.IsNoEnt(err) {
			return 0, nil
		}
		return 0, err
	}
	if v.Kind == field.KindList {
		members := v.Members()
		if len(members) == 0 {
			return 0, nil
		}
		v = members[len(members)-1]
	}
	return v.AsNumber()
}

// setflagAction raises or clears a transaction flag by name. Names outside
// the built-in flag set live as FLAGS collection members, where checkflag
// finds them again.
type setflagAction struct {
	name  string
	clear bool
}

func newSetflag(param string) (rules.Action, error) {
	clear := strings.HasPrefix(param, "!")
	name := strings.TrimSpace(strings.TrimPrefix(param, "!"))
	if name == "" {
		return nil, fmt.Errorf("%w: setflag needs a flag name", waferr.ErrInvalid)
	}
	return &setflagAction{name: name, clear: clear}, nil
}

func (a *setflagAction) Name() string { return "setflag" }

func (a *setflagAction) Execute(tx *rules.Tx, _ *rules.Rule, _ int) error {
	if f, ok := rules.NamedFlag(a.name); ok {
		if a.clear {
			tx.Clear(f)
		} else {
			tx.Set(f)
		}
		return nil
	}
	if a.clear {
		return removeMember(tx.Vars, field.CollFlags, a.name)
	}
	return setMember(tx.Vars, field.CollFlags, field.Number(a.name, 1))
}

// delVarAction removes a variable or one collection member. Removing what
// is not there is a no-op.
type delVarAction struct {
	coll string
	key  string
}

func newDelVar(param string) (rules.Action, error) {
	name := strings.TrimSpace(param)
	if name == "" {
		return nil, fmt.Errorf("%w: delVar needs a variable name", waferr.ErrInvalid)
	}
	coll, key, _ := strings.Cut(name, ":")
	return &delVarAction{coll: coll, key: key}, nil
}

func (a *delVarAction) Name() string { return "delVar" }

func (a *delVarAction) Execute(tx *rules.Tx, _ *rules.Rule, _ int) error {
	if a.key == "" {
		tx.Vars.Remove(a.coll)
		return nil
	}
	return removeMember(tx.Vars, a.coll, a.key)
}
