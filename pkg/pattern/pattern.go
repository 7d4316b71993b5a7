// Package pattern implements the glob rule matching used to classify
// project files as ignored or static.
//
// Rules are evaluated in order. A plain rule can only turn matching on, and
// a rule prefixed with `!` can only turn it off, so the last rule that could
// have changed the outcome determines the result. Patterns support `?` (one
// character), `[abc]` (one character from the set), `*` (any run excluding
// `/`), and `**` (any run including `/`).
package pattern

import (
	"strings"

	"github.com/tandem-dev/tandem/pkg/errors"
)

// Match evaluates path against the ordered rule list. Paths are rooted at
// the project tree and start with a slash; exactly one leading character is
// stripped before matching so that rules are written relative to the root.
func Match(path string, rules []string) bool {
	if path != "" {
		path = path[1:]
	}

	matched := false
	for _, rule := range rules {
		negate := strings.HasPrefix(rule, "!")
		if negate {
			rule = rule[1:]
		}

		// A plain rule can't turn matching off, and a negated rule can't
		// turn it on, so skip rules that couldn't change the outcome.
		if matched != negate {
			continue
		}
		if matchRule(path, rule) {
			matched = !matched
		}
	}
	return matched
}

// Validate checks that every rule in the list is well formed. Malformed
// rules are configuration errors and fail the operation that consumed them.
func Validate(rules []string) error {
	for _, rule := range rules {
		body := strings.TrimPrefix(rule, "!")
		if body == "" {
			return errors.NewFriendlyError("rule %q has no pattern", rule)
		}

		for i := 0; i < len(body); i++ {
			if body[i] != '[' {
				continue
			}
			end := strings.IndexByte(body[i:], ']')
			if end < 0 {
				return errors.NewFriendlyError(
					"rule %q has an unterminated character set", rule)
			}
			i += end
		}
	}
	return nil
}

// matchRule reports whether the whole pattern consumes the whole name.
func matchRule(name, rule string) bool {
	if rule == "" {
		return name == ""
	}

	switch rule[0] {
	case '*':
		rest := rule[1:]
		double := strings.HasPrefix(rest, "*")
		if double {
			rest = rest[1:]
		}

		// Try ending the run here before extending it by one character.
		if matchRule(name, rest) {
			return true
		}
		if name == "" {
			return false
		}
		if !double && name[0] == '/' {
			return false
		}
		return matchRule(name[1:], rule)

	case '?':
		return name != "" && matchRule(name[1:], rule[1:])

	case '[':
		end := strings.IndexByte(rule, ']')
		if end < 0 || name == "" {
			return false
		}
		if strings.IndexByte(rule[1:end], name[0]) < 0 {
			return false
		}
		return matchRule(name[1:], rule[end+1:])

	default:
		return name != "" && name[0] == rule[0] && matchRule(name[1:], rule[1:])
	}
}
