// Package transforms provides the built-in transformations applied to
// target values before an operator runs.
//
// A transformation never mutates its input; it returns a fresh value or an
// error. Scalar transformations lift over list values by mapping every
// member, so a List in is a List out.
package transforms

import (
	"fmt"
	"html"
	"strings"

	"github.com/palisade/palisade/internal/field"
	"github.com/palisade/palisade/internal/rules"
)

// RegisterCore installs the built-in transformation set into a registry
// bundle.
func RegisterCore(reg *rules.Registries) {
	reg.Transforms.Register(textTfn("lowercase", strings.ToLower))
	reg.Transforms.Register(textTfn("uppercase", strings.ToUpper))
	reg.Transforms.Register(textTfn("trim", strings.TrimSpace))
	reg.Transforms.Register(textTfn("trimLeft", trimLeft))
	reg.Transforms.Register(textTfn("trimRight", trimRight))
	reg.Transforms.Register(textTfn("removeWhitespace", removeWhitespace))
	reg.Transforms.Register(textTfn("compressWhitespace", compressWhitespace))

	reg.Transforms.Register(textTfn("urlDecode", urlDecode))
	reg.Transforms.Register(textTfn("htmlEntityDecode", html.UnescapeString))
	reg.Transforms.Register(textTfn("normalizePath", normalizePath))

	reg.Transforms.Register(byteTfn("removeNulls", removeNulls))
	reg.Transforms.Register(byteTfn("hexDecode", hexDecode))
	reg.Transforms.Register(newHexEncode())
	reg.Transforms.Register(byteTfn("b64Decode", b64Decode))

	reg.Transforms.Register(byteTfn("md5", md5Sum))
	reg.Transforms.Register(byteTfn("sha1", sha1Sum))

	reg.Transforms.Register(lengthTfn{})
	reg.Transforms.Register(countTfn{})
	reg.Transforms.Register(nameTfn{})
}

// scalarTfn wraps a scalar rewrite and lifts it over lists, member by
// member. Nil values pass through untouched.
type scalarTfn struct {
	name string
	fn   func(tx *rules.Tx, v *field.Value) (*field.Value, error)
}

func (t *scalarTfn) Name() string { return t.name }

func (t *scalarTfn) Apply(tx *rules.Tx, v *field.Value) (*field.Value, error) {
	if v == nil || v.Kind == field.KindNil {
		return v, nil
	}
	if v.Kind != field.KindList {
		return t.fn(tx, v)
	}
	members := v.Members()
	mapped := make([]*field.Value, 0, len(members))
	for _, m := range members {
		out, err := t.Apply(tx, m)
		if err != nil {
			return nil, fmt.Errorf("member %q: %w", m.Name, err)
		}
		mapped = append(mapped, out)
	}
	return field.List(v.Name, mapped...), nil
}

// textTfn builds a scalar transformation over the value's text form. The
// output is a string value carrying the input's name.
func textTfn(name string, fn func(string) string) rules.Transform {
	return &scalarTfn{name: name, fn: func(_ *rules.Tx, v *field.Value) (*field.Value, error) {
		return field.String(v.Name, fn(v.AsString())), nil
	}}
}

// byteTfn builds a scalar transformation over the value's byte form. The
// output is a bytes value carrying the input's name.
func byteTfn(name string, fn func([]byte) ([]byte, error)) rules.Transform {
	return &scalarTfn{name: name, fn: func(_ *rules.Tx, v *field.Value) (*field.Value, error) {
		in, err := v.AsBytes()
		if err != nil {
			return nil, err
		}
		out, err := fn(in)
		if err != nil {
			return nil, err
		}
		return field.Bytes(v.Name, out), nil
	}}
}
