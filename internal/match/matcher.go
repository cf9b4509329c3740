// Package match implements Ant-style URL pattern matching for policy-rule
// resolution:
//
//	*       matches any single path segment (never crosses /)
//	**      matches zero or more segments
//	{name}  captures a single segment into the variable map
//
// A `*` may also appear inside a segment (/api/v*/users). Literals match
// case-sensitively.
package match

import (
	"sort"
	"strings"

	"github.com/limitgate/backend/internal/core"
)

// ValidatePattern checks pattern well-formedness: leading slash, no empty
// segments, and braces that form exactly one {name} per braced segment.
func ValidatePattern(pattern string) error {
	if !strings.HasPrefix(pattern, "/") {
		return core.E(core.KindInvalidInput, "pattern must start with /")
	}
	if pattern == "/" {
		return nil
	}
	for _, seg := range splitPath(pattern) {
		if seg == "" {
			return core.E(core.KindInvalidInput, "pattern contains an empty segment")
		}
		if strings.ContainsAny(seg, "{}") {
			if !strings.HasPrefix(seg, "{") || !strings.HasSuffix(seg, "}") {
				return core.E(core.KindInvalidInput, "unbalanced braces in segment %q", seg)
			}
			name := seg[1 : len(seg)-1]
			if name == "" || strings.ContainsAny(name, "{}/") {
				return core.E(core.KindInvalidInput, "invalid variable segment %q", seg)
			}
		}
	}
	return nil
}

// Match reports whether path matches pattern and returns captured {name}
// variables. A non-match always returns an empty, non-nil map.
func Match(pattern, path string) (bool, map[string]string) {
	vars := make(map[string]string)
	if ValidatePattern(pattern) != nil {
		return false, vars
	}
	ok := matchSegments(splitPath(pattern), splitPath(path), vars)
	if !ok {
		return false, map[string]string{}
	}
	return true, vars
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func matchSegments(pat, segs []string, vars map[string]string) bool {
	if len(pat) == 0 {
		return len(segs) == 0
	}
	if pat[0] == "**" {
		if len(pat) == 1 {
			return true
		}
		// Try consuming 0..len(segs) segments; keep captures from the
		// first branch that succeeds and discard the rest.
		for i := 0; i <= len(segs); i++ {
			scratch := make(map[string]string, len(vars))
			for k, v := range vars {
				scratch[k] = v
			}
			if matchSegments(pat[1:], segs[i:], scratch) {
				for k, v := range scratch {
					vars[k] = v
				}
				return true
			}
		}
		return false
	}
	if len(segs) == 0 {
		return false
	}
	if !matchSegment(pat[0], segs[0], vars) {
		return false
	}
	return matchSegments(pat[1:], segs[1:], vars)
}

func matchSegment(pat, seg string, vars map[string]string) bool {
	if strings.HasPrefix(pat, "{") && strings.HasSuffix(pat, "}") {
		vars[pat[1:len(pat)-1]] = seg
		return true
	}
	return globSegment(pat, seg)
}

// globSegment matches a single segment where `*` spans any run of
// characters within the segment.
func globSegment(pat, seg string) bool {
	if pat == "" {
		return seg == ""
	}
	if pat[0] == '*' {
		for i := 0; i <= len(seg); i++ {
			if globSegment(pat[1:], seg[i:]) {
				return true
			}
		}
		return false
	}
	if seg == "" || pat[0] != seg[0] {
		return false
	}
	return globSegment(pat[1:], seg[1:])
}

// SortRules orders rules for evaluation: priority descending, ties broken
// by creation time ascending (stable insertion order).
func SortRules(rules []core.PolicyRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].CreatedAt.Before(rules[j].CreatedAt)
	})
}

// SelectRule returns the first enabled rule whose pattern matches path and
// whose method set admits method. Rules must already be sorted.
func SelectRule(rules []core.PolicyRule, path, method string) *core.PolicyRule {
	for i := range rules {
		r := &rules[i]
		if !r.Enabled {
			continue
		}
		if !r.MatchesMethod(method) {
			continue
		}
		if ok, _ := Match(r.ResourcePattern, path); ok {
			return r
		}
	}
	return nil
}
