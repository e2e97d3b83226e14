package field

import (
	"fmt"
	"strings"

	"github.com/palisade/palisade/internal/waferr"
)

// Store holds the named fields of one transaction. Lookups are
// case-insensitive; values keep the name they were set with.
type Store struct {
	fields map[string]*Value
}

func NewStore() *Store {
	return &Store{fields: make(map[string]*Value)}
}

func storeKey(name string) string { return strings.ToLower(name) }

// Set adds or replaces a field under v.Name.
func (s *Store) Set(v *Value) error {
	if v == nil || v.Name == "" {
		return fmt.Errorf("%w: field needs a name", waferr.ErrInvalid)
	}
	s.fields[storeKey(v.Name)] = v
	return nil
}

// Get returns the field stored under name, without selector handling.
func (s *Store) Get(name string) (*Value, error) {
	v, ok := s.fields[storeKey(name)]
	if !ok {
		return nil, fmt.Errorf("%w: field %q", waferr.ErrNoEnt, name)
	}
	return v, nil
}

// Remove drops a field. Removing an absent field is not an error.
func (s *Store) Remove(name string) {
	delete(s.fields, storeKey(name))
}

// Add appends member to the list field named collection, creating the
// collection when absent.
func (s *Store) Add(collection string, member *Value) error {
	v, err := s.Get(collection)
	if err != nil {
		v = List(collection)
		if err := s.Set(v); err != nil {
			return err
		}
	}
	return v.Append(member)
}

// Select resolves a target expression: either a plain field name or
// "COLLECTION:key". The selector form matches list members by name,
// case-insensitively, and yields them as a list named key. An absent field or
// an empty selection is a lookup miss.
func (s *Store) Select(expr string) (*Value, error) {
	name, key, hasKey := strings.Cut(expr, ":")
	v, err := s.Get(name)
	if err != nil {
		return nil, err
	}
	if !hasKey {
		return v, nil
	}
	if v.Kind != KindList {
		return nil, fmt.Errorf("%w: %q selects into %s field %q", waferr.ErrInvalid, expr, v.Kind, name)
	}
	var matches []*Value
	for _, m := range v.Members() {
		if strings.EqualFold(m.Name, key) {
			matches = append(matches, m)
		}
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: no member %q in %q", waferr.ErrNoEnt, key, name)
	}
	return List(key, matches...), nil
}

// Names returns the stored field names, unordered.
func (s *Store) Names() []string {
	out := make([]string, 0, len(s.fields))
	for _, v := range s.fields {
		out = append(out, v.Name)
	}
	return out
}
