package transforms

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"

	"github.com/palisade/palisade/internal/field"
	"github.com/palisade/palisade/internal/rules"
	"github.com/palisade/palisade/internal/waferr"
)

// urlDecode decodes one layer of percent encoding, query style, so plus
// signs become spaces. Malformed escapes leave the input unchanged rather
// than failing the target, otherwise a stray percent sign would shield the
// rest of the value from inspection.
func urlDecode(s string) string {
	decoded, err := url.QueryUnescape(s)
	if err != nil {
		return s
	}
	return decoded
}

func removeNulls(b []byte) ([]byte, error) {
	if !bytes.ContainsRune(b, 0) {
		return b, nil
	}
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if c == 0 {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func hexDecode(b []byte) ([]byte, error) {
	out, err := hex.DecodeString(string(b))
	if err != nil {
		return nil, fmt.Errorf("%w: hexDecode: %v", waferr.ErrInvalid, err)
	}
	return out, nil
}

// b64Decode accepts both padded and raw standard encoding.
func b64Decode(b []byte) ([]byte, error) {
	out, err := base64.StdEncoding.DecodeString(string(b))
	if err == nil {
		return out, nil
	}
	out, rerr := base64.RawStdEncoding.DecodeString(string(b))
	if rerr == nil {
		return out, nil
	}
	return nil, fmt.Errorf("%w: b64Decode: %v", waferr.ErrInvalid, err)
}

func newHexEncode() rules.Transform {
	return &scalarTfn{name: "hexEncode", fn: func(_ *rules.Tx, v *field.Value) (*field.Value, error) {
		in, err := v.AsBytes()
		if err != nil {
			return nil, err
		}
		return field.String(v.Name, hex.EncodeToString(in)), nil
	}}
}
