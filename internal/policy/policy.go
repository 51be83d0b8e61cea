// Package policy answers whether a connection may own a given name. The
// registry never consults policy itself; the request layer asks before
// calling into it.
package policy

import "strings"

// Checker is the ownership oracle.
type Checker interface {
	// CanOwn reports whether the connection identified by privileged
	// status may own name.
	CanOwn(privileged bool, name string) bool
}

// AllowAll permits every ownership request.
type AllowAll struct{}

func (AllowAll) CanOwn(bool, string) bool { return true }

// PrefixChecker restricts unprivileged connections to names under the
// configured prefixes. A rule matches the exact name or any name below it
// (rule "com.example" covers "com.example" and "com.example.Service").
// Privileged connections bypass the rules.
type PrefixChecker struct {
	rules []string
}

// NewPrefixChecker builds a checker from rule prefixes. With no rules the
// result behaves like AllowAll.
func NewPrefixChecker(rules []string) Checker {
	if len(rules) == 0 {
		return AllowAll{}
	}
	return &PrefixChecker{rules: rules}
}

func (p *PrefixChecker) CanOwn(privileged bool, name string) bool {
	if privileged {
		return true
	}
	for _, rule := range p.rules {
		if name == rule || strings.HasPrefix(name, rule+".") {
			return true
		}
	}
	return false
}
