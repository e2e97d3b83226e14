package operators

import (
	"fmt"
	"regexp"

	"github.com/palisade/palisade/internal/field"
	"github.com/palisade/palisade/internal/rules"
	"github.com/palisade/palisade/internal/waferr"
)

// rxOp matches a compiled RE2 pattern against the value's text form.
type rxOp struct {
	re *regexp.Regexp
}

func newRx(param string) (rules.Operator, error) {
	re, err := regexp.Compile(param)
	if err != nil {
		return nil, fmt.Errorf("%w: rx pattern: %v", waferr.ErrInvalid, err)
	}
	return &rxOp{re: re}, nil
}

func (o *rxOp) Name() string { return "rx" }

func (o *rxOp) Capabilities() rules.OpCap {
	return rules.OpCapCapture | rules.OpCapStream
}

func (o *rxOp) Execute(_ *rules.Tx, v *field.Value) (int, error) {
	if o.re.MatchString(v.AsString()) {
		return 1, nil
	}
	return 0, nil
}

// ExecuteCapture reports the whole match as group 0 followed by any
// submatches.
func (o *rxOp) ExecuteCapture(_ *rules.Tx, v *field.Value) (int, []string, error) {
	m := o.re.FindStringSubmatch(v.AsString())
	if m == nil {
		return 0, nil, nil
	}
	return 1, m, nil
}
