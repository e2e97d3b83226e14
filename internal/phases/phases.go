package phases

import (
	"fmt"
	"strings"

	"github.com/palisade/palisade/internal/waferr"
)

// ID numbers phases in execution order. Standard and stream phases share one
// number space so per-phase rule lists can be indexed directly.
type ID int

const (
	None ID = iota
	RequestHeader
	RequestBody
	ResponseHeader
	ResponseBody
	Postprocess
	StreamRequestHeader
	StreamRequestBody
	StreamResponseHeader
	StreamResponseBody
	Count
)

type Category int

const (
	CategoryNone Category = iota
	CategoryRequest
	CategoryResponse
	CategoryPostprocess
)

// Descriptor describes one phase. The table below is immutable; callers only
// ever hold pointers into it.
type Descriptor struct {
	Phase    ID
	Name     string
	Stream   bool
	Category Category

	// AllowChains and AllowTransforms gate what rule configuration may
	// attach to rules bound to this phase.
	AllowChains     bool
	AllowTransforms bool

	// RequireStreamOp forces operators on this phase to be stream capable.
	RequireStreamOp bool

	// DataField names the implicit target of stream rules. Empty for
	// standard phases.
	DataField string
}

var table = [...]Descriptor{
	{Phase: None, Name: "generic", AllowChains: true, AllowTransforms: true},
	{Phase: RequestHeader, Name: "REQUEST_HEADER", Category: CategoryRequest, AllowChains: true, AllowTransforms: true},
	{Phase: RequestBody, Name: "REQUEST_BODY", Category: CategoryRequest, AllowChains: true, AllowTransforms: true},
	{Phase: ResponseHeader, Name: "RESPONSE_HEADER", Category: CategoryResponse, AllowChains: true, AllowTransforms: true},
	{Phase: ResponseBody, Name: "RESPONSE_BODY", Category: CategoryResponse, AllowChains: true, AllowTransforms: true},
	{Phase: Postprocess, Name: "POSTPROCESS", Category: CategoryPostprocess, AllowChains: true, AllowTransforms: true},
	{Phase: StreamRequestHeader, Name: "REQUEST_HEADER_STREAM", Stream: true, Category: CategoryRequest, RequireStreamOp: true, DataField: "STREAM_REQUEST_HEADERS"},
	{Phase: StreamRequestBody, Name: "REQUEST_BODY_STREAM", Stream: true, Category: CategoryRequest, RequireStreamOp: true, DataField: "STREAM_REQUEST_BODY"},
	{Phase: StreamResponseHeader, Name: "RESPONSE_HEADER_STREAM", Stream: true, Category: CategoryResponse, RequireStreamOp: true, DataField: "STREAM_RESPONSE_HEADERS"},
	{Phase: StreamResponseBody, Name: "RESPONSE_BODY_STREAM", Stream: true, Category: CategoryResponse, RequireStreamOp: true, DataField: "STREAM_RESPONSE_BODY"},
}

// genericStream is the placeholder descriptor rules are born with when they
// are declared as stream rules but have no phase yet.
var genericStream = Descriptor{Phase: None, Name: "generic stream", Stream: true, RequireStreamOp: true}

// Generic returns the placeholder descriptor for a rule whose phase is not
// yet known.
func Generic(stream bool) *Descriptor {
	if stream {
		return &genericStream
	}
	return &table[None]
}

// Lookup resolves a phase id, checking that the caller's stream expectation
// matches the descriptor.
func Lookup(id ID, stream bool) (*Descriptor, error) {
	if id <= None || id >= Count {
		return nil, fmt.Errorf("%w: phase %d", waferr.ErrInvalid, id)
	}
	d := &table[id]
	if d.Stream != stream {
		return nil, fmt.Errorf("%w: phase %s stream mismatch", waferr.ErrInvalid, d.Name)
	}
	return d, nil
}

// ByID resolves a phase id regardless of stream-ness.
func ByID(id ID) (*Descriptor, error) {
	if id <= None || id >= Count {
		return nil, fmt.Errorf("%w: phase %d", waferr.ErrInvalid, id)
	}
	return &table[id], nil
}

// ByName resolves a phase by its directive name. The short aliases REQUEST
// and RESPONSE name the body phases.
func ByName(name string) (*Descriptor, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	switch n {
	case "REQUEST":
		n = "REQUEST_BODY"
	case "RESPONSE":
		n = "RESPONSE_BODY"
	}
	for i := int(None) + 1; i < int(Count); i++ {
		if table[i].Name == n {
			return &table[i], nil
		}
	}
	return nil, fmt.Errorf("%w: phase %q", waferr.ErrNoEnt, name)
}

// Standard lists the non-stream phases in execution order.
func Standard() []ID {
	return []ID{RequestHeader, RequestBody, ResponseHeader, ResponseBody, Postprocess}
}

func (id ID) String() string {
	if id > None && id < Count {
		return table[id].Name
	}
	if id == None {
		return "NONE"
	}
	return fmt.Sprintf("phase(%d)", int(id))
}
