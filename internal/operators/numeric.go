package operators

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/palisade/palisade/internal/field"
	"github.com/palisade/palisade/internal/rules"
	"github.com/palisade/palisade/internal/waferr"
)

// numericOp compares the value, coerced to an integer, against a fixed
// operand. Coercion failures are operator errors, not misses.
type numericOp struct {
	name string
	want int64
	cmp  func(have, want int64) bool
}

func numericFactory(name string, cmp func(have, want int64) bool) rules.OperatorFactory {
	return func(param string) (rules.Operator, error) {
		n, err := strconv.ParseInt(strings.TrimSpace(param), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s needs an integer parameter, got %q", waferr.ErrInvalid, name, param)
		}
		return &numericOp{name: name, want: n, cmp: cmp}, nil
	}
}

func (o *numericOp) Name() string              { return o.name }
func (o *numericOp) Capabilities() rules.OpCap { return 0 }

func (o *numericOp) Execute(_ *rules.Tx, v *field.Value) (int, error) {
	have, err := v.AsNumber()
	if err != nil {
		return 0, err
	}
	if o.cmp(have, o.want) {
		return 1, nil
	}
	return 0, nil
}
