package seccomp

import (
	"fmt"
	"strings"
)

// Op compares a syscall argument against a constant
type Op int

// Comparison operators. Arguments are compared as unsigned 64-bit values.
// OpBitsSet matches when any bit of the value is set, OpBitsNotSet when none
// is.
const (
	OpEqual Op = iota + 1
	OpNotEqual
	OpLess
	OpLessOrEqual
	OpGreater
	OpGreaterOrEqual
	OpBitsSet
	OpBitsNotSet
)

var opNames = map[Op]string{
	OpEqual:          "==",
	OpNotEqual:       "!=",
	OpLess:           "<",
	OpLessOrEqual:    "<=",
	OpGreater:        ">",
	OpGreaterOrEqual: ">=",
	OpBitsSet:        "&",
	OpBitsNotSet:     "&^",
}

func (o Op) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Condition restricts a rule to calls whose argument Arg satisfies Op Value
type Condition struct {
	Arg   int
	Op    Op
	Value uint64
}

// Match evaluates the condition against the syscall arguments
func (c Condition) Match(args [6]uint64) bool {
	if c.Arg < 0 || c.Arg >= len(args) {
		return false
	}
	a := args[c.Arg]
	switch c.Op {
	case OpEqual:
		return a == c.Value
	case OpNotEqual:
		return a != c.Value
	case OpLess:
		return a < c.Value
	case OpLessOrEqual:
		return a <= c.Value
	case OpGreater:
		return a > c.Value
	case OpGreaterOrEqual:
		return a >= c.Value
	case OpBitsSet:
		return a&c.Value != 0
	case OpBitsNotSet:
		return a&c.Value == 0
	}
	return false
}

func (c Condition) String() string {
	return fmt.Sprintf("arg%d %v %#x", c.Arg, c.Op, c.Value)
}

// Rule applies Action to the listed syscalls when all Conditions hold
type Rule struct {
	Names      []string
	Conditions []Condition
	Action     Action
}

func (r Rule) matches(name string, args [6]uint64) bool {
	found := false
	for _, n := range r.Names {
		if n == name {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	for _, c := range r.Conditions {
		if !c.Match(args) {
			return false
		}
	}
	return true
}

// Policy is an ordered rule list. The first matching rule decides, Default
// applies when none matches.
type Policy struct {
	Default Action
	Rules   []Rule
}

// Classify returns the action the policy assigns to the syscall name called
// with args
func (p *Policy) Classify(name string, args [6]uint64) Action {
	for _, r := range p.Rules {
		if r.matches(name, args) {
			return r.Action
		}
	}
	return p.Default
}

// Names returns every syscall name referenced by the policy, in rule order
// and without duplicates
func (p *Policy) Names() []string {
	seen := make(map[string]bool)
	var ret []string
	for _, r := range p.Rules {
		for _, n := range r.Names {
			if !seen[n] {
				seen[n] = true
				ret = append(ret, n)
			}
		}
	}
	return ret
}

// Validate checks every rule has a valid action and every condition a valid
// operator and argument index
func (p *Policy) Validate() error {
	if err := validAction(p.Default); err != nil {
		return fmt.Errorf("default action: %w", err)
	}
	for i, r := range p.Rules {
		if len(r.Names) == 0 {
			return fmt.Errorf("rule %d: no syscall names", i)
		}
		if err := validAction(r.Action); err != nil {
			return fmt.Errorf("rule %d (%s): %w", i, strings.Join(r.Names, ","), err)
		}
		for _, c := range r.Conditions {
			if _, ok := opNames[c.Op]; !ok || c.Arg < 0 || c.Arg > 5 {
				return fmt.Errorf("rule %d: invalid condition %v", i, c)
			}
		}
	}
	return nil
}

func validAction(a Action) error {
	if a.Action() < ActionAllow || a.Action() > ActionKill {
		return fmt.Errorf("invalid action %v", a)
	}
	return nil
}
