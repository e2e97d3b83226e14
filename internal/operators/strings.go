package operators

import (
	"fmt"
	"strings"

	"github.com/palisade/palisade/internal/field"
	"github.com/palisade/palisade/internal/rules"
	"github.com/palisade/palisade/internal/waferr"
)

// streqOp is byte-exact string equality.
type streqOp struct {
	want string
}

func newStreq(param string) (rules.Operator, error) {
	return &streqOp{want: param}, nil
}

func (o *streqOp) Name() string              { return "streq" }
func (o *streqOp) Capabilities() rules.OpCap { return rules.OpCapStream }

func (o *streqOp) Execute(_ *rules.Tx, v *field.Value) (int, error) {
	if v.AsString() == o.want {
		return 1, nil
	}
	return 0, nil
}

type containsOp struct {
	needle string
}

func newContains(param string) (rules.Operator, error) {
	if param == "" {
		return nil, fmt.Errorf("%w: contains needs a non-empty parameter", waferr.ErrInvalid)
	}
	return &containsOp{needle: param}, nil
}

func (o *containsOp) Name() string              { return "contains" }
func (o *containsOp) Capabilities() rules.OpCap { return rules.OpCapStream }

func (o *containsOp) Execute(_ *rules.Tx, v *field.Value) (int, error) {
	if strings.Contains(v.AsString(), o.needle) {
		return 1, nil
	}
	return 0, nil
}

// matchOp tests exact membership in a fixed word set.
type matchOp struct {
	words map[string]struct{}
}

func newMatch(param string) (rules.Operator, error) {
	words := make(map[string]struct{})
	for _, w := range strings.Fields(param) {
		words[w] = struct{}{}
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("%w: match needs at least one word", waferr.ErrInvalid)
	}
	return &matchOp{words: words}, nil
}

func (o *matchOp) Name() string              { return "match" }
func (o *matchOp) Capabilities() rules.OpCap { return 0 }

func (o *matchOp) Execute(_ *rules.Tx, v *field.Value) (int, error) {
	if _, ok := o.words[v.AsString()]; ok {
		return 1, nil
	}
	return 0, nil
}
