package actions

import (
	"fmt"

	"github.com/palisade/palisade/internal/field"
	"github.com/palisade/palisade/internal/rules"
	"github.com/palisade/palisade/internal/waferr"
)

// eventAction records a security observation built from the rule's
// metadata. Message and log data expand %{...} references against the
// transaction variables at the moment the action runs.
type eventAction struct {
	kind rules.EventKind
}

func newEvent(param string) (rules.Action, error) {
	switch param {
	case "", "observation":
		return &eventAction{kind: rules.EventObservation}, nil
	case "alert":
		return &eventAction{kind: rules.EventAlert}, nil
	}
	return nil, fmt.Errorf("%w: event kind %q", waferr.ErrInvalid, param)
}

func (a *eventAction) Name() string { return "event" }

func (a *eventAction) Execute(tx *rules.Tx, r *rules.Rule, _ int) error {
	tx.AddEvent(rules.Event{
		RuleID:     r.Meta.FullID,
		Kind:       a.kind,
		Msg:        field.Expand(tx.Vars, r.Meta.Msg),
		Data:       field.Expand(tx.Vars, r.Meta.LogData),
		Tags:       append([]string(nil), r.Meta.Tags...),
		Severity:   r.Meta.Severity,
		Confidence: r.Meta.Confidence,
	})
	return nil
}
