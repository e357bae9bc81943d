package pheromone

import (
	"fmt"
	"strings"
)

// Filter is one field__op=value query clause. Op defaults to "eq" when
// the field name carries no "__operator" suffix, matching the
// reference store's rightmost "__" split.
type Filter struct {
	Field string
	Op    string
	Value any
}

var supportedOps = map[string]bool{
	"eq": true, "ne": true, "lt": true, "lte": true, "gt": true, "gte": true, "in": true,
}

// ParseFilter splits a "field" or "field__op" key on its rightmost
// "__" and validates the operator.
func ParseFilter(key string, value any) (Filter, error) {
	field := key
	op := "eq"
	if idx := strings.LastIndex(key, "__"); idx >= 0 {
		field = key[:idx]
		op = key[idx+2:]
	}
	if !supportedOps[op] {
		return Filter{}, fmt.Errorf("pheromone: query: unsupported operator %q", op)
	}
	return Filter{Field: field, Op: op, Value: value}, nil
}

// Matches reports whether entry satisfies every filter (AND semantics).
func Matches(entry Entry, filters []Filter) (bool, error) {
	for _, f := range filters {
		ok, err := matchesOne(entry, f)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func matchesOne(entry Entry, f Filter) (bool, error) {
	stored, present := entry[f.Field]
	switch f.Op {
	case "eq":
		return present && equalValues(stored, f.Value), nil
	case "ne":
		return !present || !equalValues(stored, f.Value), nil
	case "in":
		values, ok := f.Value.([]any)
		if !ok {
			return false, fmt.Errorf("pheromone: query: %q requires a list value", "in")
		}
		for _, v := range values {
			if equalValues(stored, v) {
				return true, nil
			}
		}
		return false, nil
	case "lt", "lte", "gt", "gte":
		return compareNumeric(stored, f.Value, f.Op)
	default:
		return false, fmt.Errorf("pheromone: query: unsupported operator %q", f.Op)
	}
}

func equalValues(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

// compareNumeric returns false (not an error) when the stored field is
// missing or non-numeric, matching the reference store's
// _compare_numeric behavior of treating such rows as non-matches
// rather than raising.
func compareNumeric(stored, want any, op string) (bool, error) {
	s, sok := asFloat(stored)
	w, wok := asFloat(want)
	if !wok {
		return false, fmt.Errorf("pheromone: query: %q requires a numeric value", op)
	}
	if !sok {
		return false, nil
	}
	switch op {
	case "lt":
		return s < w, nil
	case "lte":
		return s <= w, nil
	case "gt":
		return s > w, nil
	case "gte":
		return s >= w, nil
	default:
		return false, fmt.Errorf("pheromone: query: unsupported operator %q", op)
	}
}
