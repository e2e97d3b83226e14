package rules

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/palisade/palisade/internal/field"
	"github.com/palisade/palisade/internal/phases"
	"github.com/palisade/palisade/internal/rulelog"
	"github.com/palisade/palisade/internal/waferr"
)

type TxFlag uint16

const (
	// TxFlagAllowAll skips every remaining phase except postprocess.
	TxFlagAllowAll TxFlag = 1 << iota

	// TxFlagAllowRequest skips the remaining request-category phases.
	TxFlagAllowRequest

	// TxFlagAllowPhase skips the rest of the phase it was set in. Consumed
	// when that phase is skipped or left behind.
	TxFlagAllowPhase

	// TxFlagBlockAdvisory records intent to block without enforcement.
	TxFlagBlockAdvisory

	// TxFlagBlockPhase requests one block report at the end of the phase.
	TxFlagBlockPhase

	// TxFlagBlockImmediate requests a block report mid-walk.
	TxFlagBlockImmediate

	// TxFlagSuspicious is a plain marker flag for rules to set and test.
	TxFlagSuspicious

	// txFlagBlockReported notes that the server already produced the error
	// response, so the end-of-phase check does not report twice.
	txFlagBlockReported
)

// DefaultBlockStatus is the response status used when no status action ran.
const DefaultBlockStatus = 403

type EventKind string

const (
	EventObservation EventKind = "observation"
	EventAlert       EventKind = "alert"
)

// Event is one security observation produced by an event action.
type Event struct {
	RuleID     string
	Kind       EventKind
	Msg        string
	Data       string
	Tags       []string
	Severity   uint8
	Confidence uint8
}

// Server is the capability the engine reports blocks through. ErrDeclined
// means the server cannot honor the report (response already in flight);
// the engine treats that as advisory and keeps going.
type Server interface {
	ReportBlock(tx *Tx) error
}

// Tx is the execution state of one transaction. A Tx is confined to a
// single goroutine; the context it runs against is closed and read-only.
type Tx struct {
	ID    string
	Ctx   *Context
	Vars  *field.Store
	Log   *zap.Logger
	Trace *rulelog.TxLog

	Flags       TxFlag
	BlockStatus int

	// BlockMode is the flag an unqualified block action sets.
	BlockMode TxFlag

	// CurPhase is the phase currently executing, and AllowPhaseFor the
	// phase an allow-phase flag was set in.
	CurPhase      phases.ID
	AllowPhaseFor phases.ID

	Events []Event

	Server    Server
	StartedAt time.Time
}

// TxConfig carries the optional collaborators of a transaction.
type TxConfig struct {
	Server      Server
	Trace       *rulelog.TxLog
	Logger      *zap.Logger
	BlockStatus int
	BlockMode   TxFlag
}

// NewTx opens a transaction against a closed context.
func NewTx(rctx *Context, cfg TxConfig) (*Tx, error) {
	if rctx == nil || !rctx.Closed() {
		return nil, fmt.Errorf("%w: transaction needs a closed context", waferr.ErrInvalid)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	status := cfg.BlockStatus
	if status == 0 {
		status = DefaultBlockStatus
	}
	mode := cfg.BlockMode
	if mode == 0 {
		mode = TxFlagBlockAdvisory
	}
	return &Tx{
		ID:          uuid.NewString(),
		Ctx:         rctx,
		Vars:        field.NewStore(),
		Log:         logger,
		Trace:       cfg.Trace,
		BlockStatus: status,
		BlockMode:   mode,
		Server:      cfg.Server,
		StartedAt:   time.Now(),
	}, nil
}

func (t *Tx) Has(f TxFlag) bool { return t.Flags&f != 0 }
func (t *Tx) Set(f TxFlag)      { t.Flags |= f }
func (t *Tx) Clear(f TxFlag)    { t.Flags &^= f }

// Blocking reports whether any block flag is set.
func (t *Tx) Blocking() bool {
	return t.Has(TxFlagBlockAdvisory | TxFlagBlockPhase | TxFlagBlockImmediate)
}

// BlockReported reports whether the server already produced the error
// response for this transaction.
func (t *Tx) BlockReported() bool { return t.Has(txFlagBlockReported) }

// MarkBlockReported records that the server produced the error response, so
// later phase-end checks do not report again.
func (t *Tx) MarkBlockReported() { t.Set(txFlagBlockReported) }

var namedFlags = map[string]TxFlag{
	"suspicious":      TxFlagSuspicious,
	"block":           TxFlagBlockAdvisory,
	"block_advisory":  TxFlagBlockAdvisory,
	"block_phase":     TxFlagBlockPhase,
	"block_immediate": TxFlagBlockImmediate,
	"allow_all":       TxFlagAllowAll,
	"allow_request":   TxFlagAllowRequest,
	"allow_phase":     TxFlagAllowPhase,
}

// NamedFlag resolves a directive name to its transaction flag.
func NamedFlag(name string) (TxFlag, bool) {
	f, ok := namedFlags[name]
	return f, ok
}

// FlagNamed tests a transaction flag by its directive name. Unknown names
// fall back to the FLAGS collection, so setflag-created markers are visible
// to checkflag.
func (t *Tx) FlagNamed(name string) (bool, error) {
	if f, ok := namedFlags[name]; ok {
		return t.Has(f), nil
	}
	v, err := t.Vars.Select(field.CollFlags + ":" + name)
	if err != nil {
		if waferr.IsNoEnt(err) {
			return false, nil
		}
		return false, err
	}
	for _, m := range v.Members() {
		if n, err := m.AsNumber(); err == nil && n != 0 {
			return true, nil
		}
	}
	return false, nil
}

// AddEvent appends an event to the transaction.
func (t *Tx) AddEvent(ev Event) {
	t.Events = append(t.Events, ev)
}

// SetCapture replaces the CAPTURE collection with up to ten numbered
// members.
func (t *Tx) SetCapture(groups []string) {
	capture := field.List(field.CollCapture)
	for i, g := range groups {
		if i > 9 {
			break
		}
		_ = capture.Append(field.String(strconv.Itoa(i), g))
	}
	_ = t.Vars.Set(capture)
}
