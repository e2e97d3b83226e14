package transforms

import (
	"github.com/palisade/palisade/internal/field"
	"github.com/palisade/palisade/internal/rules"
)

// The shape transformations replace the value wholesale instead of mapping
// members, so they implement rules.Transform directly.

// lengthTfn yields the byte length of the value. For lists that is the sum
// of the member lengths.
type lengthTfn struct{}

func (lengthTfn) Name() string { return "length" }

func (lengthTfn) Apply(_ *rules.Tx, v *field.Value) (*field.Value, error) {
	return field.Number(valueName(v), int64(byteLen(v))), nil
}

func byteLen(v *field.Value) int {
	if v == nil || v.Kind == field.KindNil {
		return 0
	}
	if v.Kind == field.KindList {
		total := 0
		for _, m := range v.Members() {
			total += byteLen(m)
		}
		return total
	}
	return len(v.AsString())
}

// countTfn yields the number of members: zero for nil, one for any scalar,
// the member count for lists.
type countTfn struct{}

func (countTfn) Name() string { return "count" }

func (countTfn) Apply(_ *rules.Tx, v *field.Value) (*field.Value, error) {
	n := 0
	switch {
	case v == nil || v.Kind == field.KindNil:
	case v.Kind == field.KindList:
		n = len(v.Members())
	default:
		n = 1
	}
	return field.Number(valueName(v), int64(n)), nil
}

// nameTfn replaces the value with its own field name.
type nameTfn struct{}

func (nameTfn) Name() string { return "name" }

func (nameTfn) Apply(_ *rules.Tx, v *field.Value) (*field.Value, error) {
	return field.String(valueName(v), valueName(v)), nil
}

func valueName(v *field.Value) string {
	if v == nil {
		return ""
	}
	return v.Name
}
