package field

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/palisade/palisade/internal/waferr"
)

type Kind int

const (
	KindNil Kind = iota
	KindNumber
	KindFloat
	KindString
	KindBytes
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindNumber:
		return "number"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindList:
		return "list"
	}
	return "unknown"
}

// Value is a named tagged variant. The zero Value is a nil field with no name.
type Value struct {
	Name string
	Kind Kind

	num  int64
	flt  float64
	str  string
	raw  []byte
	list []*Value
}

func Nil(name string) *Value {
	return &Value{Name: name, Kind: KindNil}
}

func Number(name string, v int64) *Value {
	return &Value{Name: name, Kind: KindNumber, num: v}
}

func Float(name string, v float64) *Value {
	return &Value{Name: name, Kind: KindFloat, flt: v}
}

func String(name, v string) *Value {
	return &Value{Name: name, Kind: KindString, str: v}
}

func Bytes(name string, v []byte) *Value {
	return &Value{Name: name, Kind: KindBytes, raw: v}
}

func List(name string, members ...*Value) *Value {
	return &Value{Name: name, Kind: KindList, list: members}
}

func (v *Value) Num() int64        { return v.num }
func (v *Value) Flt() float64      { return v.flt }
func (v *Value) Str() string       { return v.str }
func (v *Value) Raw() []byte       { return v.raw }
func (v *Value) Members() []*Value { return v.list }

// Append adds a member to a list value.
func (v *Value) Append(m *Value) error {
	if v.Kind != KindList {
		return fmt.Errorf("%w: append to %s field %q", waferr.ErrInvalid, v.Kind, v.Name)
	}
	v.list = append(v.list, m)
	return nil
}

// AsString renders any value as text. Lists render as comma-joined members,
// nil renders empty.
func (v *Value) AsString() string {
	if v == nil {
		return ""
	}
	switch v.Kind {
	case KindNumber:
		return strconv.FormatInt(v.num, 10)
	case KindFloat:
		return strconv.FormatFloat(v.flt, 'g', -1, 64)
	case KindString:
		return v.str
	case KindBytes:
		return string(v.raw)
	case KindList:
		parts := make([]string, 0, len(v.list))
		for _, m := range v.list {
			parts = append(parts, m.AsString())
		}
		return strings.Join(parts, ",")
	}
	return ""
}

// AsBytes renders scalar values as raw bytes.
func (v *Value) AsBytes() ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: nil value", waferr.ErrInvalid)
	}
	switch v.Kind {
	case KindBytes:
		return v.raw, nil
	case KindString:
		return []byte(v.str), nil
	case KindNumber, KindFloat:
		return []byte(v.AsString()), nil
	}
	return nil, fmt.Errorf("%w: %s field %q has no byte form", waferr.ErrInvalid, v.Kind, v.Name)
}

// AsNumber coerces scalar values to an integer. Strings and bytes are parsed
// after trimming whitespace.
func (v *Value) AsNumber() (int64, error) {
	if v == nil {
		return 0, fmt.Errorf("%w: nil value", waferr.ErrInvalid)
	}
	switch v.Kind {
	case KindNumber:
		return v.num, nil
	case KindFloat:
		return int64(v.flt), nil
	case KindString, KindBytes:
		s := strings.TrimSpace(v.AsString())
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: field %q value %q is not numeric", waferr.ErrInvalid, v.Name, s)
		}
		return n, nil
	}
	return 0, fmt.Errorf("%w: %s field %q has no numeric form", waferr.ErrInvalid, v.Kind, v.Name)
}

// AsFloat coerces scalar values to a float.
func (v *Value) AsFloat() (float64, error) {
	if v == nil {
		return 0, fmt.Errorf("%w: nil value", waferr.ErrInvalid)
	}
	switch v.Kind {
	case KindFloat:
		return v.flt, nil
	case KindNumber:
		return float64(v.num), nil
	case KindString, KindBytes:
		s := strings.TrimSpace(v.AsString())
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: field %q value %q is not numeric", waferr.ErrInvalid, v.Name, s)
		}
		return f, nil
	}
	return 0, fmt.Errorf("%w: %s field %q has no numeric form", waferr.ErrInvalid, v.Kind, v.Name)
}

// Clone returns a deep copy. Mutating the copy never touches the original.
func (v *Value) Clone() *Value {
	if v == nil {
		return nil
	}
	out := &Value{Name: v.Name, Kind: v.Kind, num: v.num, flt: v.flt, str: v.str}
	if v.raw != nil {
		out.raw = append([]byte(nil), v.raw...)
	}
	if v.list != nil {
		out.list = make([]*Value, len(v.list))
		for i, m := range v.list {
			out.list[i] = m.Clone()
		}
	}
	return out
}

// WithName returns a shallow copy carrying a different name.
func (v *Value) WithName(name string) *Value {
	if v == nil {
		return nil
	}
	out := *v
	out.Name = name
	return &out
}
