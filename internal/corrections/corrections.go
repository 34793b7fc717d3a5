// Package corrections applies a doctor's literal find/replace rules to
// transcript text.
package corrections

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Rule is one before/after pair. Matching is case-insensitive and whole-word.
type Rule struct {
	Before string `json:"before"`
	After  string `json:"after"`
}

type compiledRule struct {
	re    *regexp.Regexp
	after string
}

// Corrector is an immutable, compiled rule list. It holds no mutable state
// and is safe for concurrent use.
type Corrector struct {
	rules []compiledRule
}

// Compile filters out rules with an empty side and builds one pattern per
// rule, preserving list order.
func Compile(rules []Rule) *Corrector {
	c := &Corrector{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		if strings.TrimSpace(r.Before) == "" || strings.TrimSpace(r.After) == "" {
			continue
		}
		c.rules = append(c.rules, compiledRule{re: wordPattern(r.Before), after: r.After})
	}
	return c
}

// Len returns the number of usable rules.
func (c *Corrector) Len() int {
	return len(c.rules)
}

// Apply runs every rule in order. Later rules see the output of earlier ones.
func (c *Corrector) Apply(text string) string {
	out := text
	for _, r := range c.rules {
		out = r.re.ReplaceAllLiteralString(out, r.after)
	}
	return out
}

// Apply is a convenience for one-off use of a rule list.
func Apply(text string, rules []Rule) string {
	return Compile(rules).Apply(text)
}

// wordPattern escapes before and anchors it on word boundaries. A boundary is
// only required on an edge that is itself a word character, so rules ending in
// punctuation (e.g. "C.O.P.D.") still match before whitespace.
func wordPattern(before string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("(?i)")
	first, _ := utf8.DecodeRuneInString(before)
	last, _ := utf8.DecodeLastRuneInString(before)
	if isWordRune(first) {
		b.WriteString(`\b`)
	}
	b.WriteString(regexp.QuoteMeta(before))
	if isWordRune(last) {
		b.WriteString(`\b`)
	}
	return regexp.MustCompile(b.String())
}

// isWordRune mirrors RE2's ASCII \w class.
func isWordRune(r rune) bool {
	return r == '_' || (r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)))
}
