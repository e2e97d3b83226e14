package actions

import (
	"fmt"
	"strconv"

	"github.com/palisade/palisade/internal/field"
	"github.com/palisade/palisade/internal/rules"
	"github.com/palisade/palisade/internal/waferr"
)

// blockAction raises one of the block flags. With no parameter it defers to
// the transaction's configured default mode.
type blockAction struct {
	flag rules.TxFlag
}

func newBlock(param string) (rules.Action, error) {
	switch param {
	case "":
		return &blockAction{}, nil
	case "advisory":
		return &blockAction{flag: rules.TxFlagBlockAdvisory}, nil
	case "phase":
		return &blockAction{flag: rules.TxFlagBlockPhase}, nil
	case "immediate":
		return &blockAction{flag: rules.TxFlagBlockImmediate}, nil
	}
	return nil, fmt.Errorf("%w: block mode %q", waferr.ErrInvalid, param)
}

func (a *blockAction) Name() string { return "block" }

func (a *blockAction) Execute(tx *rules.Tx, _ *rules.Rule, _ int) error {
	flag := a.flag
	if flag == 0 {
		flag = tx.BlockMode
	}
	tx.Set(flag)
	if flag == rules.TxFlagBlockAdvisory {
		return setMember(tx.Vars, field.CollFlags, field.Number(field.FlagBlock, 1))
	}
	return nil
}

// allowAction waves the transaction through at one of three scopes.
type allowAction struct {
	flag rules.TxFlag
}

func newAllow(param string) (rules.Action, error) {
	switch param {
	case "", "all":
		return &allowAction{flag: rules.TxFlagAllowAll}, nil
	case "request":
		return &allowAction{flag: rules.TxFlagAllowRequest}, nil
	case "phase":
		return &allowAction{flag: rules.TxFlagAllowPhase}, nil
	}
	return nil, fmt.Errorf("%w: allow scope %q", waferr.ErrInvalid, param)
}

func (a *allowAction) Name() string { return "allow" }

func (a *allowAction) Execute(tx *rules.Tx, _ *rules.Rule, _ int) error {
	tx.Set(a.flag)
	if a.flag == rules.TxFlagAllowPhase {
		tx.AllowPhaseFor = tx.CurPhase
	}
	return nil
}

// statusAction picks the response status a later block report will use.
type statusAction struct {
	code int
}

func newStatus(param string) (rules.Action, error) {
	code, err := strconv.Atoi(param)
	if err != nil || code < 100 || code > 599 {
		return nil, fmt.Errorf("%w: status %q", waferr.ErrInvalid, param)
	}
	return &statusAction{code: code}, nil
}

func (a *statusAction) Name() string { return "status" }

func (a *statusAction) Execute(tx *rules.Tx, _ *rules.Rule, _ int) error {
	tx.BlockStatus = a.code
	return nil
}
