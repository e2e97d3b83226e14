package operators

import (
	"fmt"
	"net"
	"strings"

	"github.com/oschwald/maxminddb-golang"

	"github.com/palisade/palisade/internal/field"
	"github.com/palisade/palisade/internal/rules"
	"github.com/palisade/palisade/internal/waferr"
)

// geoRecord is the slice of the MaxMind country schema we read.
type geoRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// geoMatchOp resolves the value as an address and tests its country code
// against a fixed set. Parameter form: <db-path>;<cc>[,<cc>...].
type geoMatchOp struct {
	db   *maxminddb.Reader
	want map[string]struct{}
}

func newGeoMatch(param string) (rules.Operator, error) {
	path, list, ok := strings.Cut(param, ";")
	if !ok {
		return nil, fmt.Errorf("%w: geoMatch parameter form is <db-path>;<cc,...>", waferr.ErrInvalid)
	}
	want := make(map[string]struct{})
	for _, cc := range strings.Split(list, ",") {
		cc = strings.ToUpper(strings.TrimSpace(cc))
		if cc != "" {
			want[cc] = struct{}{}
		}
	}
	if len(want) == 0 {
		return nil, fmt.Errorf("%w: geoMatch needs at least one country code", waferr.ErrInvalid)
	}
	db, err := maxminddb.Open(strings.TrimSpace(path))
	if err != nil {
		return nil, fmt.Errorf("geoMatch database: %w", err)
	}
	return &geoMatchOp{db: db, want: want}, nil
}

func (o *geoMatchOp) Name() string              { return "geoMatch" }
func (o *geoMatchOp) Capabilities() rules.OpCap { return 0 }

func (o *geoMatchOp) Execute(_ *rules.Tx, v *field.Value) (int, error) {
	ip := net.ParseIP(strings.TrimSpace(v.AsString()))
	if ip == nil {
		return 0, fmt.Errorf("%w: geoMatch input %q is not an address", waferr.ErrInvalid, v.AsString())
	}
	var rec geoRecord
	if err := o.db.Lookup(ip, &rec); err != nil {
		return 0, fmt.Errorf("geoMatch lookup: %w", err)
	}
	if rec.Country.ISOCode == "" {
		return 0, nil
	}
	if _, ok := o.want[rec.Country.ISOCode]; ok {
		return 1, nil
	}
	return 0, nil
}
