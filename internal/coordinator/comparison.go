package coordinator

import (
	"regexp"
	"strings"
)

// ComparisonParts is a comparison request split into its groups.
type ComparisonParts struct {
	Target          string
	ExplicitControl string
	Focus           string
}

var (
	comparisonSeparator = regexp.MustCompile(`(?i)\s+(?:vs\.?|versus|compared (?:with|to))\s+|\s*对比\s*|\s*相比\s*`)
	leadingCompare      = regexp.MustCompile(`(?i)^(?:please\s+)?(?:compare|analy[sz]e|segment|对比|比较|分析)\s*:?\s*`)
	clauseBreak         = regexp.MustCompile(`\s*[,，;；]\s*`)
)

// SplitComparison extracts the target group, an explicit counterpart and an
// analysis focus from a comparison request. "customers under 25 vs customers
// over 50, compare product holding rate" yields target "customers under 25",
// control "customers over 50" and focus "compare product holding rate".
// Without a separator the whole request (minus a trailing clause) is the
// target and ExplicitControl is empty.
func SplitComparison(text string) ComparisonParts {
	text = strings.TrimSpace(text)
	body, focus := splitFocus(text)

	loc := comparisonSeparator.FindStringIndex(body)
	if loc == nil {
		return ComparisonParts{Target: trimGroup(body), Focus: focus}
	}
	target := trimGroup(body[:loc[0]])
	control := trimGroup(body[loc[1]:])
	if target == "" {
		return ComparisonParts{Target: control, Focus: focus}
	}
	return ComparisonParts{Target: target, ExplicitControl: control, Focus: focus}
}

func splitFocus(text string) (string, string) {
	loc := clauseBreak.FindStringIndex(text)
	if loc == nil {
		return text, ""
	}
	return text[:loc[0]], strings.TrimSpace(text[loc[1]:])
}

func trimGroup(s string) string {
	s = leadingCompare.ReplaceAllString(strings.TrimSpace(s), "")
	return strings.Trim(strings.TrimSpace(s), ".?!。？！")
}
