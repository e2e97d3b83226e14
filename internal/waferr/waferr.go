// Package waferr defines the sentinel errors shared across the rule engine.
//
// Operations return one of these sentinels, usually wrapped with context via
// fmt.Errorf and %w, so call sites can classify failures with errors.Is. The
// split matters at runtime: ErrDeclined and ErrNoEnt are advisory in most
// paths (logged and tolerated), while ErrInvalid and ErrExists abort the
// operation that raised them.
package waferr

import "errors"

var (
	// ErrInvalid reports bad arguments or an object in the wrong state,
	// such as registering a rule without an operator.
	ErrInvalid = errors.New("invalid argument")

	// ErrNoEnt reports a lookup miss: unknown operator, transformation,
	// action, driver tag, rule id, or a field absent from the var store.
	ErrNoEnt = errors.New("entity does not exist")

	// ErrExists reports a duplicate: registering a rule whose id is already
	// present at the same or a higher revision.
	ErrExists = errors.New("already exists")

	// ErrDeclined reports that a capability refused the request. Callers
	// treat it as advisory, not fatal.
	ErrDeclined = errors.New("declined")

	// ErrNotImpl reports a capability the callee does not provide, such as
	// capture on an operator that cannot capture.
	ErrNotImpl = errors.New("not implemented")

	// ErrOther is the catch-all for failures with no better class.
	ErrOther = errors.New("unspecified error")
)

// IsInvalid reports whether err classifies as ErrInvalid.
func IsInvalid(err error) bool { return errors.Is(err, ErrInvalid) }

// IsNoEnt reports whether err classifies as ErrNoEnt.
func IsNoEnt(err error) bool { return errors.Is(err, ErrNoEnt) }

// IsExists reports whether err classifies as ErrExists.
func IsExists(err error) bool { return errors.Is(err, ErrExists) }

// IsDeclined reports whether err classifies as ErrDeclined.
func IsDeclined(err error) bool { return errors.Is(err, ErrDeclined) }

// IsNotImpl reports whether err classifies as ErrNotImpl.
func IsNotImpl(err error) bool { return errors.Is(err, ErrNotImpl) }
