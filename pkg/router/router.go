// Package router picks an upstream name for a connection from its SNI.
package router

import (
	"fmt"
	"strings"
)

const (
	// NoServerName is the rule pattern that matches connections without SNI.
	NoServerName = ""
	// Wildcard prefixes a pattern that matches any subdomain of the rest.
	Wildcard = "*."
	// CatchAll matches every connection that carries an SNI.
	CatchAll = "*"
)

// Rule maps an SNI pattern to an upstream name.
type Rule struct {
	Pattern string
	Target  string
}

func (r Rule) String() string {
	return fmt.Sprintf("%q -> %q", r.Pattern, r.Target)
}

// Router matches rules in the order given; the first match wins. When
// several wildcard rules could match, the earliest listed one is used,
// not the most specific.
type Router struct {
	rules         []compiledRule
	defaultTarget string
}

type compiledRule struct {
	kind   ruleKind
	suffix string
	target string
}

type ruleKind int

const (
	exactRule ruleKind = iota
	wildcardRule
	catchAllRule
	noServerNameRule
)

// New compiles rules. Patterns are case-insensitive; a trailing dot is
// ignored.
func New(rules []Rule, defaultTarget string) (*Router, error) {
	r := &Router{defaultTarget: defaultTarget}
	for _, rule := range rules {
		if rule.Target == "" {
			return nil, fmt.Errorf("rule %s: empty target", rule)
		}
		pattern := normalize(rule.Pattern)
		cr := compiledRule{target: rule.Target}
		switch {
		case pattern == NoServerName:
			cr.kind = noServerNameRule
		case pattern == CatchAll:
			cr.kind = catchAllRule
		case strings.HasPrefix(pattern, Wildcard):
			cr.kind = wildcardRule
			// keep the leading dot so "*.example.com" does not match "badexample.com"
			cr.suffix = pattern[1:]
			if len(cr.suffix) < 2 {
				return nil, fmt.Errorf("rule %s: wildcard without domain", rule)
			}
		case strings.Contains(pattern, "*"):
			return nil, fmt.Errorf("rule %s: wildcard is only allowed as the first label", rule)
		default:
			cr.kind = exactRule
			cr.suffix = pattern
		}
		r.rules = append(r.rules, cr)
	}
	return r, nil
}

// Match returns the upstream name for serverName. An empty serverName
// means the client sent no SNI.
func (r *Router) Match(serverName string) string {
	name := normalize(serverName)
	for _, rule := range r.rules {
		if rule.matches(name) {
			return rule.target
		}
	}
	return r.defaultTarget
}

func (cr compiledRule) matches(name string) bool {
	switch cr.kind {
	case noServerNameRule:
		return name == ""
	case catchAllRule:
		return name != ""
	case wildcardRule:
		return len(name) > len(cr.suffix) && strings.HasSuffix(name, cr.suffix)
	default:
		return name != "" && name == cr.suffix
	}
}

func normalize(s string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), ".")
}
