package operators

import (
	"fmt"
	"strings"

	"github.com/palisade/palisade/internal/field"
	"github.com/palisade/palisade/internal/rules"
	"github.com/palisade/palisade/internal/waferr"
)

// existsOp reports whether the target resolved at all. It tolerates absent
// fields so a miss turns into a false result instead of a skip.
type existsOp struct{}

func newExists(string) (rules.Operator, error) {
	return existsOp{}, nil
}

func (existsOp) Name() string              { return "exists" }
func (existsOp) Capabilities() rules.OpCap { return rules.OpCapAllowNull }

func (existsOp) Execute(_ *rules.Tx, v *field.Value) (int, error) {
	if v != nil {
		return 1, nil
	}
	return 0, nil
}

// checkFlagOp tests a transaction flag by name, ignoring the value.
type checkFlagOp struct {
	flag string
}

func newCheckFlag(param string) (rules.Operator, error) {
	flag := strings.TrimSpace(param)
	if flag == "" {
		return nil, fmt.Errorf("%w: checkflag needs a flag name", waferr.ErrInvalid)
	}
	return &checkFlagOp{flag: flag}, nil
}

func (o *checkFlagOp) Name() string              { return "checkflag" }
func (o *checkFlagOp) Capabilities() rules.OpCap { return rules.OpCapAllowNull }

func (o *checkFlagOp) Execute(tx *rules.Tx, _ *field.Value) (int, error) {
	set, err := tx.FlagNamed(o.flag)
	if err != nil {
		return 0, err
	}
	if set {
		return 1, nil
	}
	return 0, nil
}

// constOp returns a fixed result no matter the input. Backs true, false
// and nop.
type constOp struct {
	name string
	ret  int
}

func constFactory(name string, ret int) rules.OperatorFactory {
	op := constOp{name: name, ret: ret}
	return func(string) (rules.Operator, error) { return op, nil }
}

func (o constOp) Name() string { return o.name }

func (o constOp) Capabilities() rules.OpCap {
	return rules.OpCapAllowNull | rules.OpCapStream
}

func (o constOp) Execute(*rules.Tx, *field.Value) (int, error) {
	return o.ret, nil
}
