// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package plan

import (
	"regexp"
	"sort"
)

// refRegex matches {{key}} references. Keys are step ids, dots, dashes and
// underscores, e.g. {{step_1.output}} or {{btc_price}}.
var refRegex = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_][A-Za-z0-9_.\-]*)\s*\}\}`)

// References returns the distinct keys referenced in s, in order of first use.
func References(s string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range refRegex.FindAllStringSubmatch(s, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// collectReferences walks a parameter tree and returns every referenced key,
// sorted.
func collectReferences(v interface{}) []string {
	seen := map[string]bool{}
	var walk func(interface{})
	walk = func(v interface{}) {
		switch x := v.(type) {
		case string:
			for _, k := range References(x) {
				seen[k] = true
			}
		case map[string]interface{}:
			for _, e := range x {
				walk(e)
			}
		case []interface{}:
			for _, e := range x {
				walk(e)
			}
		case []string:
			for _, e := range x {
				walk(e)
			}
		}
	}
	walk(v)

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Expand replaces every {{key}} in s using lookup. The first lookup error
// is returned.
func Expand(s string, lookup func(key string) (string, error)) (string, error) {
	var firstErr error
	out := refRegex.ReplaceAllStringFunc(s, func(m string) string {
		if firstErr != nil {
			return m
		}
		key := refRegex.FindStringSubmatch(m)[1]
		val, err := lookup(key)
		if err != nil {
			firstErr = err
			return m
		}
		return val
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// ExpandParams returns a deep copy of params with every string expanded.
func ExpandParams(params map[string]interface{}, lookup func(key string) (string, error)) (map[string]interface{}, error) {
	out, err := expandValue(params, lookup)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return map[string]interface{}{}, nil
	}
	return out.(map[string]interface{}), nil
}

func expandValue(v interface{}, lookup func(string) (string, error)) (interface{}, error) {
	switch x := v.(type) {
	case string:
		return Expand(x, lookup)
	case map[string]interface{}:
		if x == nil {
			return nil, nil
		}
		m := make(map[string]interface{}, len(x))
		for k, e := range x {
			ev, err := expandValue(e, lookup)
			if err != nil {
				return nil, err
			}
			m[k] = ev
		}
		return m, nil
	case []interface{}:
		s := make([]interface{}, len(x))
		for i, e := range x {
			ev, err := expandValue(e, lookup)
			if err != nil {
				return nil, err
			}
			s[i] = ev
		}
		return s, nil
	case []string:
		s := make([]string, len(x))
		for i, e := range x {
			ev, err := Expand(e, lookup)
			if err != nil {
				return nil, err
			}
			s[i] = ev
		}
		return s, nil
	default:
		return v, nil
	}
}
