package field

import "strings"

// Expand substitutes %{NAME} references in tpl against the store. NAME may
// use the COLLECTION:key selector form. Unresolvable references expand to
// the empty string; a trailing unterminated %{ is kept verbatim.
func Expand(s *Store, tpl string) string {
	if !strings.Contains(tpl, "%{") {
		return tpl
	}
	var b strings.Builder
	b.Grow(len(tpl))
	for {
		i := strings.Index(tpl, "%{")
		if i < 0 {
			b.WriteString(tpl)
			return b.String()
		}
		b.WriteString(tpl[:i])
		rest := tpl[i+2:]
		j := strings.IndexByte(rest, '}')
		if j < 0 {
			b.WriteString(tpl[i:])
			return b.String()
		}
		name := rest[:j]
		if s != nil && name != "" {
			if v, err := s.Select(name); err == nil {
				b.WriteString(v.AsString())
			}
		}
		tpl = rest[j+1:]
	}
}
