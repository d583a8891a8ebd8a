// Package filter implements the block rule matching engine.
package filter

import (
	"fmt"
	"iter"
	"regexp"
	"strconv"

	"island/internal/model"
)

// Matcher is a block rule with its pattern compiled.
type Matcher struct {
	Rule model.BlockRule
	// Fallback is set when the pattern failed to compile and the raw
	// pattern is matched literally instead.
	Fallback bool
	re       *regexp.Regexp
}

// Compile builds the matcher for a rule. A pattern that does not compile
// is matched as a case-sensitive literal; Compile never fails.
func Compile(rule model.BlockRule) Matcher {
	expr := rule.Pattern
	if !rule.IsRegex {
		expr = regexp.QuoteMeta(expr)
	}
	// The bare pattern is checked first so that wrapping it cannot turn
	// an unbalanced pattern into a valid one.
	if _, err := regexp.Compile(expr); err != nil {
		return Matcher{Rule: rule, Fallback: true, re: regexp.MustCompile(wrap(regexp.QuoteMeta(rule.Pattern), rule.MatchEntire))}
	}
	expr = wrap(expr, rule.MatchEntire)
	if rule.CaseInsensitive {
		expr = "(?i)" + expr
	}
	return Matcher{Rule: rule, re: regexp.MustCompile(expr)}
}

func wrap(expr string, entire bool) string {
	if entire {
		return `^(?:` + expr + `)$`
	}
	return expr
}

// Match reports whether the post is hit by the rule.
// Disabled rules never match.
func (m Matcher) Match(p model.Post) bool {
	if !m.Rule.Enabled {
		return false
	}
	switch m.Rule.Target {
	case model.TargetUID:
		return m.re.MatchString(p.UID)
	case model.TargetContent:
		return m.re.MatchString(p.Content)
	case model.TargetSection:
		return m.re.MatchString(p.Section)
	case model.TargetThreadID:
		return m.re.MatchString(strconv.FormatInt(p.ID, 10))
	default:
		for _, field := range fields(p) {
			if m.re.MatchString(field) {
				return true
			}
		}
		return false
	}
}

// Matches checks a single post against a single rule.
func Matches(p model.Post, rule model.BlockRule) bool {
	return Compile(rule).Match(p)
}

// CompileAll compiles every rule in order.
func CompileAll(rules []model.BlockRule) []Matcher {
	matchers := make([]Matcher, 0, len(rules))
	for _, r := range rules {
		matchers = append(matchers, Compile(r))
	}
	return matchers
}

// Blocked reports whether any matcher hits the post.
func Blocked(p model.Post, matchers []Matcher) bool {
	for _, m := range matchers {
		if m.Match(p) {
			return true
		}
	}
	return false
}

// Apply lazily drops every post hit by at least one matcher, keeping the
// relative order of the rest.
func Apply(posts iter.Seq[model.Post], matchers []Matcher) iter.Seq[model.Post] {
	return func(yield func(model.Post) bool) {
		for p := range posts {
			if Blocked(p, matchers) {
				continue
			}
			if !yield(p) {
				return
			}
		}
	}
}

// ValidateRegex checks whether a pattern is a valid regular expression.
func ValidateRegex(pattern string) error {
	if _, err := regexp.Compile(pattern); err != nil {
		return fmt.Errorf("invalid regex: %w", err)
	}
	return nil
}

func fields(p model.Post) []string {
	return []string{p.UID, p.Content, p.Section, strconv.FormatInt(p.ID, 10)}
}
