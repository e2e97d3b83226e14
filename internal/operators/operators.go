// Package operators provides the built-in rule operators.
//
// Operators compile from their literal parameter at configuration time and
// stay immutable afterwards, so one instance can serve any number of
// concurrent transactions.
package operators

import (
	"github.com/palisade/palisade/internal/rules"
)

// RegisterCore installs the built-in operator set into a registry bundle.
func RegisterCore(reg *rules.Registries) {
	reg.Operators.Register("rx", newRx)
	reg.Operators.Register("streq", newStreq)
	reg.Operators.Register("contains", newContains)
	reg.Operators.Register("match", newMatch)
	reg.Operators.Register("pm", newPm)

	reg.Operators.Register("eq", numericFactory("eq", func(have, want int64) bool { return have == want }))
	reg.Operators.Register("ne", numericFactory("ne", func(have, want int64) bool { return have != want }))
	reg.Operators.Register("gt", numericFactory("gt", func(have, want int64) bool { return have > want }))
	reg.Operators.Register("lt", numericFactory("lt", func(have, want int64) bool { return have < want }))
	reg.Operators.Register("ge", numericFactory("ge", func(have, want int64) bool { return have >= want }))
	reg.Operators.Register("le", numericFactory("le", func(have, want int64) bool { return have <= want }))

	reg.Operators.Register("ipmatch", newIPMatch)
	reg.Operators.Register("geoMatch", newGeoMatch)

	reg.Operators.Register("exists", newExists)
	reg.Operators.Register("checkflag", newCheckFlag)
	reg.Operators.Register("true", constFactory("true", 1))
	reg.Operators.Register("false", constFactory("false", 0))
	reg.Operators.Register("nop", constFactory("nop", 1))
}
