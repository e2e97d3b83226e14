package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/palisade/palisade/internal/phases"
	"github.com/palisade/palisade/internal/rules"
	"github.com/palisade/palisade/internal/waferr"
)

// Recursion budgets. Both are explicit parameters threaded through the
// evaluation, never globals: the list budget bounds descent into nested list
// values within one target, the chain budget bounds the length of a rule
// chain. They are independent of each other.
const (
	MaxListRecursion  = 5
	MaxChainRecursion = 10
)

// Engine drives rule execution over closed contexts. It holds no per
// transaction state; one Engine serves any number of concurrent
// transactions as long as each Tx stays on its own goroutine.
type Engine struct {
	log *zap.Logger
}

func New(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{log: logger.Named("engine")}
}

// RunAll executes the standard phases in order. Stream phases are driven
// separately by whoever feeds the data.
func (e *Engine) RunAll(tx *rules.Tx) error {
	for _, p := range phases.Standard() {
		if err := e.RunPhase(tx, p); err != nil {
			return err
		}
	}
	return nil
}

// RunPhase executes one standard phase.
func (e *Engine) RunPhase(tx *rules.Tx, p phases.ID) error {
	return e.run(tx, p, false)
}

// RunStream executes one stream phase. Callers invoke it once per data
// chunk after updating the phase's data field.
func (e *Engine) RunStream(tx *rules.Tx, p phases.ID) error {
	return e.run(tx, p, true)
}

func (e *Engine) run(tx *rules.Tx, p phases.ID, stream bool) error {
	desc, err := phases.Lookup(p, stream)
	if err != nil {
		return err
	}

	// Once a block has been reported the response is already on the wire.
	// Only postprocess still runs after that.
	if tx.BlockReported() && desc.Phase != phases.Postprocess {
		return nil
	}

	// A phase arriving out of order is worth a notice but the walk still
	// happens; the server integration owns sequencing.
	if !stream && tx.CurPhase != phases.None && desc.Phase < tx.CurPhase {
		e.log.Warn("phase arrived out of order",
			zap.String("tx", tx.ID),
			zap.Stringer("have", tx.CurPhase),
			zap.Stringer("got", desc.Phase),
		)
	}
	tx.CurPhase = desc.Phase

	tx.Trace.PhaseStart(desc.Name)
	start := time.Now()
	defer func() {
		tx.Trace.PhaseEnd(desc.Name, time.Since(start))
	}()

	if e.skipByAllow(tx, desc) {
		return nil
	}

	for _, r := range tx.Ctx.PhaseRules(desc.Phase) {
		// A rule earlier in this walk may have allowed the rest of the
		// phase or the whole transaction.
		if e.skipByAllow(tx, desc) {
			break
		}

		// Markers are enablement anchors, not rules to evaluate.
		if r.Has(rules.FlagMarker) {
			continue
		}

		if _, err := e.evalRule(tx, r, MaxChainRecursion); err != nil {
			e.log.Error("rule evaluation failed",
				zap.String("tx", tx.ID),
				zap.String("rule", r.Meta.FullID),
				zap.Error(err),
			)
		}

		if tx.Has(rules.TxFlagBlockImmediate) && !tx.BlockReported() {
			if e.reportBlock(tx) {
				break
			}
		}
	}

	if tx.Has(rules.TxFlagBlockPhase) && !tx.BlockReported() {
		e.reportBlock(tx)
	}
	return nil
}

// skipByAllow applies the allow flags. Postprocess is exempt: it always
// runs. An allow-phase flag holds for repeated invocations of the phase it
// was set in (stream chunks) and is cleared by the first different phase.
func (e *Engine) skipByAllow(tx *rules.Tx, desc *phases.Descriptor) bool {
	if desc.Phase == phases.Postprocess {
		return false
	}
	if tx.Has(rules.TxFlagAllowAll) {
		return true
	}
	if tx.Has(rules.TxFlagAllowRequest) && desc.Category == phases.CategoryRequest {
		return true
	}
	if tx.Has(rules.TxFlagAllowPhase) {
		if tx.AllowPhaseFor == desc.Phase {
			return true
		}
		tx.Clear(rules.TxFlagAllowPhase)
		tx.AllowPhaseFor = phases.None
	}
	return false
}

// reportBlock asks the server capability to produce the error response.
// Returns true when the response is in flight and the phase walk should
// stop. A declined or missing capability is advisory.
func (e *Engine) reportBlock(tx *rules.Tx) bool {
	if tx.Server == nil {
		e.log.Debug("no server capability, block stays advisory", zap.String("tx", tx.ID))
		return false
	}
	err := tx.Server.ReportBlock(tx)
	switch {
	case err == nil:
		tx.MarkBlockReported()
		return true
	case waferr.IsDeclined(err):
		e.log.Warn("server declined block report",
			zap.String("tx", tx.ID),
			zap.Int("status", tx.BlockStatus),
		)
	default:
		e.log.Error("block report failed",
			zap.String("tx", tx.ID),
			zap.Error(err),
		)
	}
	return false
}
