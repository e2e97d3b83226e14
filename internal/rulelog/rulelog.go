package rulelog

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/palisade/palisade/internal/field"
)

// Part selects which record kinds a transaction's execution trace emits.
type Part uint16

const (
	PartRule Part = 1 << iota
	PartTarget
	PartTransform
	PartOperator
	PartAction
	PartEvent
	PartAudit
	PartTiming

	PartAll = PartRule | PartTarget | PartTransform | PartOperator |
		PartAction | PartEvent | PartAudit | PartTiming
)

var partNames = map[string]Part{
	"rule":      PartRule,
	"target":    PartTarget,
	"transform": PartTransform,
	"operator":  PartOperator,
	"action":    PartAction,
	"event":     PartEvent,
	"audit":     PartAudit,
	"timing":    PartTiming,
	"all":       PartAll,
}

// ParseParts folds part names into a flag set. Unknown names are reported
// back so config validation can complain.
func ParseParts(names []string) (Part, []string) {
	var p Part
	var unknown []string
	for _, n := range names {
		f, ok := partNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			unknown = append(unknown, n)
			continue
		}
		p |= f
	}
	return p, unknown
}

// Filter narrows which recorded results are emitted. Filtering is applied
// bottom-up: targets with no surviving results are dropped, rules with no
// surviving targets likewise (except under FilterErrors, where rule and
// target level errors keep their records alive).
type Filter int

const (
	FilterAll Filter = iota
	FilterActionable
	FilterExecuted
	FilterErrors
	FilterTrue
	FilterFalse
)

var filterNames = map[string]Filter{
	"all":        FilterAll,
	"actionable": FilterActionable,
	"executed":   FilterExecuted,
	"errors":     FilterErrors,
	"true":       FilterTrue,
	"false":      FilterFalse,
}

func ParseFilter(name string) (Filter, bool) {
	f, ok := filterNames[strings.ToLower(strings.TrimSpace(name))]
	return f, ok
}

const maxLoggedValue = 128

func clip(s string) string {
	if len(s) <= maxLoggedValue {
		return s
	}
	return s[:maxLoggedValue] + "..."
}

func render(v *field.Value) string {
	if v == nil {
		return ""
	}
	return clip(v.AsString())
}

// TxLog is the per-transaction trace root. A nil *TxLog is a valid disabled
// logger: every recording operation on it, and on the handles derived from
// it, is a no-op. The engine must behave identically either way.
type TxLog struct {
	logger *zap.Logger
	parts  Part
	filter Filter

	txID    string
	phase   string
	start   time.Time
	emitted int
}

// NewTx opens a trace for one transaction. Returns nil when no parts are
// enabled, which disables all downstream recording.
func NewTx(txID string, parts Part, filter Filter, logger *zap.Logger) *TxLog {
	if parts == 0 || logger == nil {
		return nil
	}
	return &TxLog{
		logger: logger,
		parts:  parts,
		filter: filter,
		txID:   txID,
		start:  time.Now(),
	}
}

func (t *TxLog) Enabled(p Part) bool {
	return t != nil && t.parts&p != 0
}

// PhaseStart records entry into a phase. Emits a timing marker when enabled.
func (t *TxLog) PhaseStart(phase string) {
	if t == nil {
		return
	}
	t.phase = phase
	if t.parts&PartTiming != 0 {
		t.logger.Info("phase start",
			zap.String("tx", t.txID),
			zap.String("phase", phase),
		)
	}
}

func (t *TxLog) PhaseEnd(phase string, elapsed time.Duration) {
	if t == nil || t.parts&PartTiming == 0 {
		return
	}
	t.logger.Info("phase end",
		zap.String("tx", t.txID),
		zap.String("phase", phase),
		zap.Duration("elapsed", elapsed),
	)
}

// End closes the transaction trace. With the audit part enabled, a
// transaction that emitted no rule records leaves an empty-tx marker so the
// trace still proves the transaction was seen.
func (t *TxLog) End() {
	if t == nil {
		return
	}
	if t.parts&PartAudit != 0 && t.emitted == 0 {
		t.logger.Info("empty tx",
			zap.String("tx", t.txID),
			zap.Duration("elapsed", time.Since(t.start)),
		)
	}
}
