// Package actions provides the built-in rule actions.
//
// Actions compile from their literal parameter at configuration time. An
// action failing at request time is logged by the engine and never stops
// the sibling actions in the same list.
package actions

import (
	"fmt"
	"strings"

	"github.com/palisade/palisade/internal/field"
	"github.com/palisade/palisade/internal/rules"
	"github.com/palisade/palisade/internal/waferr"
)

// RegisterCore installs the built-in action set into a registry bundle.
func RegisterCore(reg *rules.Registries) {
	reg.Actions.Register("block", newBlock)
	reg.Actions.Register("allow", newAllow)
	reg.Actions.Register("status", newStatus)
	reg.Actions.Register("setvar", newSetvar)
	reg.Actions.Register("setflag", newSetflag)
	reg.Actions.Register("event", newEvent)
	reg.Actions.Register("delVar", newDelVar)
}

// setMember replaces every member named m.Name in the collection with m,
// creating the collection when absent.
func setMember(vars *field.Store, coll string, m *field.Value) error {
	cur, err := vars.Get(coll)
	if err != nil {
		if !waferr.IsNoEnt(err) {
			return err
		}
		return vars.Set(field.List(coll, m))
	}
	if cur.Kind != field.KindList {
		return fmt.Errorf("%w: %q is a %s field, not a collection", waferr.ErrInvalid, coll, cur.Kind)
	}
	kept := make([]*field.Value, 0, len(cur.Members())+1)
	for _, member := range cur.Members() {
		if strings.EqualFold(member.Name, m.Name) {
			continue
		}
		kept = append(kept, member)
	}
	kept = append(kept, m)
	return vars.Set(field.List(cur.Name, kept...))
}

// removeMember drops every member named key from the collection. Absent
// collections and absent members are not errors.
func removeMember(vars *field.Store, coll, key string) error {
	cur, err := vars.Get(coll)
	if err != nil {
		if waferr.IsNoEnt(err) {
			return nil
		}
		return err
	}
	if cur.Kind != field.KindList {
		return fmt.Errorf("%w: %q is a %s field, not a collection", waferr.ErrInvalid, coll, cur.Kind)
	}
	kept := make([]*field.Value, 0, len(cur.Members()))
	for _, member := range cur.Members() {
		if strings.EqualFold(member.Name, key) {
			continue
		}
		kept = append(kept, member)
	}
	return vars.Set(field.List(cur.Name, kept...))
}
