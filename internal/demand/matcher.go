// ============================================================================
// Demand Matcher
// ============================================================================
//
// Package: internal/demand
// File: matcher.go
// Purpose: Evaluates a job's demands against an agent's advertised capabilities.
//
// Semantics:
//   - A demand set matches iff every demand holds (conjunction). Empty set matches.
//   - Equals / NotEqual: string comparison of the capability value. A missing
//     key fails both operators.
//   - Match: the value is an RE2 pattern that must match the whole capability
//     value. Missing key or invalid pattern fails.
//   - Exists: "" or "true" requires the key to be present, "false" requires it
//     to be absent. Anything else never matches.
//
// Matching is total: malformed demands evaluate to false, never panic.
//
// ============================================================================

package demand

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/ChuLiYu/edge-orchestrator/pkg/types"
)

// Matcher evaluates demands. The zero value is case-sensitive and ready to use.
type Matcher struct {
	// CaseInsensitive folds case for Equals, NotEqual and Match.
	CaseInsensitive bool

	patterns sync.Map // pattern source -> *regexp.Regexp, or error
}

var defaultMatcher = &Matcher{}

// Matches evaluates demands against capabilities with case-sensitive semantics.
func Matches(demands []types.Demand, capabilities map[string]string) bool {
	return defaultMatcher.Matches(demands, capabilities)
}

// Matches reports whether every demand holds against capabilities.
func (m *Matcher) Matches(demands []types.Demand, capabilities map[string]string) bool {
	ok := true
	for _, d := range demands {
		// Evaluate every demand; the result does not depend on order.
		if !m.holds(d, capabilities) {
			ok = false
		}
	}
	return ok
}

func (m *Matcher) holds(d types.Demand, capabilities map[string]string) bool {
	if d.Key == "" {
		return false
	}
	value, present := capabilities[d.Key]

	switch d.Operator {
	case types.OpEquals:
		return present && m.equal(value, d.Value)
	case types.OpNotEqual:
		return present && !m.equal(value, d.Value)
	case types.OpMatch:
		if !present {
			return false
		}
		re, err := m.compile(d.Value)
		if err != nil {
			return false
		}
		return re.MatchString(value)
	case types.OpExists:
		switch strings.ToLower(d.Value) {
		case "", "true":
			return present
		case "false":
			return !present
		default:
			return false
		}
	default:
		return false
	}
}

func (m *Matcher) equal(a, b string) bool {
	if m.CaseInsensitive {
		return strings.EqualFold(a, b)
	}
	return a == b
}

func (m *Matcher) compile(pattern string) (*regexp.Regexp, error) {
	if cached, ok := m.patterns.Load(pattern); ok {
		if re, ok := cached.(*regexp.Regexp); ok {
			return re, nil
		}
		return nil, cached.(error)
	}

	// Compile the raw pattern first so wrapping cannot repair a broken one.
	_, err := regexp.Compile(pattern)
	if err != nil {
		m.patterns.Store(pattern, err)
		return nil, err
	}
	src := "^(?:" + pattern + ")$"
	if m.CaseInsensitive {
		src = "(?i)" + src
	}
	re, err := regexp.Compile(src)
	if err != nil {
		m.patterns.Store(pattern, err)
		return nil, err
	}
	m.patterns.Store(pattern, re)
	return re, nil
}

// Validate rejects demands that can never be evaluated meaningfully.
func Validate(demands []types.Demand) error {
	for i, d := range demands {
		if strings.TrimSpace(d.Key) == "" {
			return fmt.Errorf("%w: demand %d has an empty key", types.ErrValidation, i)
		}
		switch d.Operator {
		case types.OpEquals, types.OpNotEqual:
		case types.OpMatch:
			if _, err := regexp.Compile(d.Value); err != nil {
				return fmt.Errorf("%w: demand %q has an invalid pattern: %v", types.ErrValidation, d.Key, err)
			}
		case types.OpExists:
			switch strings.ToLower(d.Value) {
			case "", "true", "false":
			default:
				return fmt.Errorf("%w: demand %q exists value must be true or false, got %q", types.ErrValidation, d.Key, d.Value)
			}
		default:
			return fmt.Errorf("%w: demand %q has unknown operator %q", types.ErrValidation, d.Key, d.Operator)
		}
	}
	return nil
}
