// Package feedback classifies QA findings for the bounded auto-fix loop: a
// failing evaluation may stay in flight when every blocking finding is
// something an agent can fix mechanically.
package feedback

import (
	"strings"

	"github.com/devgodzilla/devgodzilla/internal/domain/qa"
)

// Category buckets a finding by the kind of follow-up it needs.
type Category string

const (
	CategoryLint     Category = "lint"
	CategoryFormat   Category = "format"
	CategoryTest     Category = "test"
	CategoryType     Category = "type"
	CategorySecurity Category = "security"
	CategoryOther    Category = "other"
)

// gateCategories maps gate id prefixes onto finding categories. Gate ids are
// stable ("lint", "format", "tests", ...), so a prefix match covers
// language-suffixed variants like "lint-python".
var gateCategories = []struct {
	prefix   string
	category Category
}{
	{"lint", CategoryLint},
	{"format", CategoryFormat},
	{"test", CategoryTest},
	{"type", CategoryType},
	{"coverage", CategoryTest},
	{"security", CategorySecurity},
}

// Classify derives the category of a finding from its gate id.
func Classify(f *qa.Finding) Category {
	id := strings.ToLower(f.GateID)
	for _, gc := range gateCategories {
		if strings.HasPrefix(id, gc.prefix) {
			return gc.category
		}
	}
	return CategoryOther
}

// AutoFixable reports whether a single finding is mechanically fixable: only
// lint and format findings qualify, and only when the gate identified the
// violated rule.
func AutoFixable(f *qa.Finding) bool {
	if f.RuleID == "" {
		return false
	}
	switch Classify(f) {
	case CategoryLint, CategoryFormat:
		return true
	}
	return false
}

// AllBlockingAutoFixable reports whether every blocking finding in the set is
// auto-fixable. A set with no blocking findings returns false: there is
// nothing for the fixer to do, so the failure needs a human.
func AllBlockingAutoFixable(findings []qa.Finding) bool {
	blocking := 0
	for i := range findings {
		if !findings[i].Blocking() {
			continue
		}
		blocking++
		if !AutoFixable(&findings[i]) {
			return false
		}
	}
	return blocking > 0
}
