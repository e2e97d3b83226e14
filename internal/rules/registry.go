package rules

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/palisade/palisade/internal/field"
	"github.com/palisade/palisade/internal/waferr"
)

// OpCap flags what an operator can do. Registration and phase binding check
// these at config time so execution never has to.
type OpCap uint8

const (
	// OpCapAllowNull lets the operator run against an absent field. Without
	// it, a missing target is skipped.
	OpCapAllowNull OpCap = 1 << iota

	// OpCapStream permits binding to stream phases.
	OpCapStream

	// OpCapCapture means the operator can fill the CAPTURE collection.
	OpCapCapture
)

// Operator evaluates one value and returns a numeric result, nonzero meaning
// matched. value is nil when the target was absent and the operator allows
// null.
type Operator interface {
	Name() string
	Capabilities() OpCap
	Execute(tx *Tx, value *field.Value) (int, error)
}

// CaptureOperator is the optional extension for operators that can report
// submatch groups. When a rule asks for capture the engine calls
// ExecuteCapture instead of Execute and publishes the groups on a match.
type CaptureOperator interface {
	Operator
	ExecuteCapture(tx *Tx, value *field.Value) (int, []string, error)
}

// OperatorFactory compiles an operator from its literal parameter. Compile
// errors surface at config load, not at request time.
type OperatorFactory func(param string) (Operator, error)

// OperatorInstance is an operator bound into one rule.
type OperatorInstance struct {
	Op      Operator
	Param   string
	Invert  bool
	Capture bool
}

// Transform rewrites a value. Implementations never mutate the input.
type Transform interface {
	Name() string
	Apply(tx *Tx, v *field.Value) (*field.Value, error)
}

// Action runs after a leaf evaluation. result is the post-invert result the
// rule acted on.
type Action interface {
	Name() string
	Execute(tx *Tx, r *Rule, result int) error
}

type ActionFactory func(param string) (Action, error)

// ActionInstance is an action bound into a rule's true or false list.
type ActionInstance struct {
	Act   Action
	Param string
}

// Driver loads externally defined rules. LoadRule returns the operator that
// embodies the external rule body.
type Driver interface {
	Tag() string
	LoadRule(param string) (Operator, error)
}

type OperatorRegistry struct {
	log     *zap.Logger
	entries map[string]OperatorFactory
}

type TransformRegistry struct {
	log     *zap.Logger
	entries map[string]Transform
}

type ActionRegistry struct {
	log     *zap.Logger
	entries map[string]ActionFactory
}

type DriverRegistry struct {
	log     *zap.Logger
	entries map[string]Driver
}

// Registries bundles everything rule construction resolves names against.
type Registries struct {
	Operators  *OperatorRegistry
	Transforms *TransformRegistry
	Actions    *ActionRegistry
	Drivers    *DriverRegistry
}

func NewRegistries(logger *zap.Logger) *Registries {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registries{
		Operators:  &OperatorRegistry{log: logger, entries: make(map[string]OperatorFactory)},
		Transforms: &TransformRegistry{log: logger, entries: make(map[string]Transform)},
		Actions:    &ActionRegistry{log: logger, entries: make(map[string]ActionFactory)},
		Drivers:    &DriverRegistry{log: logger, entries: make(map[string]Driver)},
	}
}

func regKey(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// Register adds an operator factory. Re-registering a name replaces the
// previous factory, last one wins.
func (r *OperatorRegistry) Register(name string, f OperatorFactory) {
	k := regKey(name)
	if _, dup := r.entries[k]; dup {
		r.log.Debug("operator replaced", zap.String("operator", k))
	}
	r.entries[k] = f
}

// Create compiles an operator instance for param.
func (r *OperatorRegistry) Create(name, param string) (Operator, error) {
	f, ok := r.entries[regKey(name)]
	if !ok {
		return nil, fmt.Errorf("%w: operator %q", waferr.ErrNoEnt, name)
	}
	op, err := f(param)
	if err != nil {
		return nil, fmt.Errorf("operator %q: %w", name, err)
	}
	return op, nil
}

func (r *TransformRegistry) Register(t Transform) {
	k := regKey(t.Name())
	if _, dup := r.entries[k]; dup {
		r.log.Debug("transformation replaced", zap.String("tfn", k))
	}
	r.entries[k] = t
}

func (r *TransformRegistry) Lookup(name string) (Transform, error) {
	t, ok := r.entries[regKey(name)]
	if !ok {
		return nil, fmt.Errorf("%w: transformation %q", waferr.ErrNoEnt, name)
	}
	return t, nil
}

func (r *ActionRegistry) Register(name string, f ActionFactory) {
	k := regKey(name)
	if _, dup := r.entries[k]; dup {
		r.log.Debug("action replaced", zap.String("action", k))
	}
	r.entries[k] = f
}

func (r *ActionRegistry) Create(name, param string) (*ActionInstance, error) {
	f, ok := r.entries[regKey(name)]
	if !ok {
		return nil, fmt.Errorf("%w: action %q", waferr.ErrNoEnt, name)
	}
	act, err := f(param)
	if err != nil {
		return nil, fmt.Errorf("action %q: %w", name, err)
	}
	return &ActionInstance{Act: act, Param: param}, nil
}

// Known reports whether an action name is registered, without creating an
// instance. The directive layer uses it to tell unknown modifiers from
// actions with bad parameters.
func (r *ActionRegistry) Known(name string) bool {
	_, ok := r.entries[regKey(name)]
	return ok
}

func (r *DriverRegistry) Register(d Driver) {
	k := regKey(d.Tag())
	if _, dup := r.entries[k]; dup {
		r.log.Debug("driver replaced", zap.String("driver", k))
	}
	r.entries[k] = d
}

func (r *DriverRegistry) Lookup(tag string) (Driver, error) {
	d, ok := r.entries[regKey(tag)]
	if !ok {
		return nil, fmt.Errorf("%w: driver %q", waferr.ErrNoEnt, tag)
	}
	return d, nil
}
