package operators

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/phemmer/go-iptrie"

	"github.com/palisade/palisade/internal/field"
	"github.com/palisade/palisade/internal/rules"
	"github.com/palisade/palisade/internal/waferr"
)

// ipMatchOp tests membership in a set of addresses and CIDR ranges. The set
// is a prefix trie, so lookup cost does not grow with the entry count.
type ipMatchOp struct {
	set *iptrie.Trie
}

func newIPMatch(param string) (rules.Operator, error) {
	set := iptrie.NewTrie()
	entries := 0
	for _, tok := range strings.FieldsFunc(param, func(r rune) bool { return r == ' ' || r == ',' || r == '\t' }) {
		if strings.Contains(tok, "/") {
			prefix, err := netip.ParsePrefix(tok)
			if err != nil {
				return nil, fmt.Errorf("%w: ipmatch entry %q: %v", waferr.ErrInvalid, tok, err)
			}
			set.Insert(prefix, struct{}{})
		} else {
			addr, err := netip.ParseAddr(tok)
			if err != nil {
				return nil, fmt.Errorf("%w: ipmatch entry %q: %v", waferr.ErrInvalid, tok, err)
			}
			set.Insert(netip.PrefixFrom(addr, addr.BitLen()), struct{}{})
		}
		entries++
	}
	if entries == 0 {
		return nil, fmt.Errorf("%w: ipmatch needs at least one address or range", waferr.ErrInvalid)
	}
	return &ipMatchOp{set: set}, nil
}

func (o *ipMatchOp) Name() string              { return "ipmatch" }
func (o *ipMatchOp) Capabilities() rules.OpCap { return 0 }

func (o *ipMatchOp) Execute(_ *rules.Tx, v *field.Value) (int, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(v.AsString()))
	if err != nil {
		return 0, fmt.Errorf("%w: ipmatch input %q is not an address", waferr.ErrInvalid, v.AsString())
	}
	if o.set.Find(addr) != nil {
		return 1, nil
	}
	return 0, nil
}
