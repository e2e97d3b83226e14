package operators

import (
	"errors"
	"fmt"
	"strings"

	"github.com/palisade/palisade/internal/field"
	"github.com/palisade/palisade/internal/rules"
	"github.com/palisade/palisade/internal/waferr"
)

// pmOp matches any of a fixed set of substrings, case-insensitively, in a
// single pass over the input.
type pmOp struct {
	m *ahoMatcher
}

func newPm(param string) (rules.Operator, error) {
	patterns := strings.Fields(param)
	if len(patterns) == 0 {
		return nil, fmt.Errorf("%w: pm needs at least one pattern", waferr.ErrInvalid)
	}
	m, err := newAhoMatcher(patterns)
	if err != nil {
		return nil, fmt.Errorf("%w: pm: %v", waferr.ErrInvalid, err)
	}
	return &pmOp{m: m}, nil
}

func (o *pmOp) Name() string { return "pm" }

func (o *pmOp) Capabilities() rules.OpCap {
	return rules.OpCapCapture | rules.OpCapStream
}

func (o *pmOp) Execute(_ *rules.Tx, v *field.Value) (int, error) {
	if ok, _ := o.m.match(v.AsString()); ok {
		return 1, nil
	}
	return 0, nil
}

// ExecuteCapture reports the first pattern found as group 0.
func (o *pmOp) ExecuteCapture(_ *rules.Tx, v *field.Value) (int, []string, error) {
	ok, hit := o.m.match(v.AsString())
	if !ok {
		return 0, nil, nil
	}
	return 1, []string{hit}, nil
}

// ahoMatcher is an Aho-Corasick automaton over lowercased bytes. Patterns
// are folded at build time, input bytes at match time.
type ahoMatcher struct {
	nodes []ahoNode
}

type ahoNode struct {
	next map[byte]int
	fail int
	out  []string
}

func lowerByte(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}

func newAhoMatcher(patterns []string) (*ahoMatcher, error) {
	nodes := []ahoNode{{next: map[byte]int{}}}
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		current := 0
		for i := 0; i < len(pattern); i++ {
			b := lowerByte(pattern[i])
			next, ok := nodes[current].next[b]
			if !ok {
				nodes = append(nodes, ahoNode{next: map[byte]int{}})
				next = len(nodes) - 1
				nodes[current].next[b] = next
			}
			current = next
		}
		nodes[current].out = append(nodes[current].out, pattern)
	}
	if len(nodes) == 1 {
		return nil, errors.New("no non-empty patterns")
	}

	queue := make([]int, 0, len(nodes))
	for _, next := range nodes[0].next {
		queue = append(queue, next)
	}
	for len(queue) > 0 {
		state := queue[0]
		queue = queue[1:]

		for b, next := range nodes[state].next {
			fail := nodes[state].fail
			for fail != 0 {
				if _, ok := nodes[fail].next[b]; ok {
					break
				}
				fail = nodes[fail].fail
			}
			if target, ok := nodes[fail].next[b]; ok && target != next {
				nodes[next].fail = target
			}
			nodes[next].out = append(nodes[next].out, nodes[nodes[next].fail].out...)
			queue = append(queue, next)
		}
	}

	return &ahoMatcher{nodes: nodes}, nil
}

// match scans input and returns the first pattern hit.
func (m *ahoMatcher) match(input string) (bool, string) {
	state := 0
	for i := 0; i < len(input); i++ {
		b := lowerByte(input[i])
		for state != 0 {
			if _, ok := m.nodes[state].next[b]; ok {
				break
			}
			state = m.nodes[state].fail
		}
		if next, ok := m.nodes[state].next[b]; ok {
			state = next
		}
		if len(m.nodes[state].out) > 0 {
			return true, m.nodes[state].out[0]
		}
	}
	return false, ""
}
