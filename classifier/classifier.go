// Package classifier assigns a two-level category to a free-text purchase
// order line description. Classification is rule based and deterministic:
// the same description always yields the same labels.
package classifier

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	UncategorizedL1 = "UNCATEGORIZED_L1"
	UncategorizedL2 = "UNCATEGORIZED_L2"

	DimensionalPrefix  = "DIMENSIONAL_"
	DimensionalProduct = "DIMENSIONAL_PRODUCT"
	IdentifiedCodes    = "IDENTIFIED_CODES"

	maxCodeLength = 20
)

// Rule names the rule that produced a classification.
type Rule string

const (
	RuleEmpty         Rule = "empty"
	RuleGrammage      Rule = "grammage"
	RulePrefix        Rule = "prefix"
	RuleDimensional   Rule = "dimensional"
	RuleCode          Rule = "code"
	RuleFirstWord     Rule = "first_word"
	RuleUncategorized Rule = "uncategorized"
)

// Result is the outcome of Classify. Level1 and Level2 are never empty.
type Result struct {
	Level1 string `json:"level1"`
	Level2 string `json:"level2"`
	Rule   Rule   `json:"rule"`
}

var (
	grammagePattern  = regexp.MustCompile(`(?i)^(.+?\s+\d+GSM)\s*/\s*(.*)`)
	dimensionPattern = regexp.MustCompile(`(?i)^\d+(\.\d+)?\s*[X*]\s*\d+(\.\d+)?(\s*[X*]\s*\d+(\.\d+)?)?\s*([A-Z]{2,})?$`)

	// case-sensitive: lower-case codes fall through to the first-word rule
	codePattern = regexp.MustCompile(`^[A-Z0-9-]+$`)

	// fixed-prefix categories, tried in this order
	prefixCategories = []string{"MASTER CARTON", "PLYWOOD", "INK", "TONER"}
)

// Classify maps a description to its level-1 and level-2 labels. The first
// matching rule wins; rules are tried in a fixed order.
func Classify(description string) Result {
	desc := strings.TrimSpace(description)
	if desc == "" {
		return Result{Level1: UncategorizedL1, Level2: UncategorizedL2, Rule: RuleEmpty}
	}
	upper := strings.ToUpper(desc)

	if m := grammagePattern.FindStringSubmatch(desc); m != nil {
		return Result{Level1: strings.ToUpper(strings.TrimSpace(m[1])), Level2: upper, Rule: RuleGrammage}
	}

	for _, prefix := range prefixCategories {
		if strings.HasPrefix(upper, prefix+" ") {
			return Result{Level1: prefix, Level2: upper, Rule: RulePrefix}
		}
	}

	if m := dimensionPattern.FindStringSubmatch(desc); m != nil {
		level1 := DimensionalProduct
		if unit := m[5]; unit != "" {
			level1 = DimensionalPrefix + strings.ToUpper(unit)
		}
		return Result{Level1: level1, Level2: upper, Rule: RuleDimensional}
	}

	if len(desc) < maxCodeLength && codePattern.MatchString(desc) {
		return Result{Level1: IdentifiedCodes, Level2: upper, Rule: RuleCode}
	}

	first := strings.ToUpper(strings.Fields(desc)[0])
	if utf8.RuneCountInString(first) > 2 && !isDigits(first) {
		return Result{Level1: first, Level2: upper, Rule: RuleFirstWord}
	}
	return Result{Level1: UncategorizedL1, Level2: upper, Rule: RuleUncategorized}
}

func isDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}
