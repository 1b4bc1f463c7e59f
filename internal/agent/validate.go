package agent

import (
	"regexp"
	"strings"
)

// Validator checks a handler artifact against an output format.
type Validator interface {
	Check(artifact string) (ok bool, problems []string)
}

type ValidatorFunc func(artifact string) (bool, []string)

func (f ValidatorFunc) Check(artifact string) (bool, []string) { return f(artifact) }

var headingRe = regexp.MustCompile(`(?m)^#+\s+`)

// NonEmpty accepts any output with non-whitespace content.
var NonEmpty = ValidatorFunc(func(artifact string) (bool, []string) {
	if strings.TrimSpace(artifact) == "" {
		return false, []string{"output is empty"}
	}
	return true, nil
})

// IssueFormat checks a planned issue description.
var IssueFormat = ValidatorFunc(func(content string) (bool, []string) {
	if strings.TrimSpace(content) == "" {
		return false, []string{"issue content is empty"}
	}
	var problems []string
	lower := strings.ToLower(content)
	if !strings.Contains(lower, "acceptance criteria") {
		problems = append(problems, "missing 'Acceptance Criteria' section")
	}
	if lineCount(content) < 3 {
		problems = append(problems, "issue description too brief (minimum 3 lines)")
	}
	if (strings.Contains(lower, "code") || strings.Contains(lower, "implementation")) && !strings.Contains(content, "```") {
		problems = append(problems, "code examples should be in fenced code blocks")
	}
	if !headingRe.MatchString(content) {
		problems = append(problems, "missing markdown headings")
	}
	return len(problems) == 0, problems
})

// PRFormat checks a pull request description.
var PRFormat = ValidatorFunc(func(content string) (bool, []string) {
	if strings.TrimSpace(content) == "" {
		return false, []string{"PR description is empty"}
	}
	var problems []string
	lower := strings.ToLower(content)
	if !hasSection(lower, "description") {
		problems = append(problems, "missing Description section")
	}
	if !hasSection(lower, "changes") && !hasSection(lower, "what") {
		problems = append(problems, "missing Changes section")
	}
	if !hasSection(lower, "test") {
		problems = append(problems, "missing Testing section")
	}
	if lineCount(content) < 5 {
		problems = append(problems, "PR description too brief")
	}
	if !strings.Contains(content, "`") {
		problems = append(problems, "no code references found")
	}
	return len(problems) == 0, problems
})

// ReviewFormat checks a review or verification report.
var ReviewFormat = ValidatorFunc(func(content string) (bool, []string) {
	if strings.TrimSpace(content) == "" {
		return false, []string{"review content is empty"}
	}
	var problems []string
	lower := strings.ToLower(content)
	if !containsAny(lower, "looks good", "approve", "request", "change") {
		problems = append(problems, "missing clear assessment or approval decision")
	}
	if !containsAny(lower, "function", "method", "line", "code", "variable", "issue") {
		problems = append(problems, "missing specific code comments")
	}
	if lineCount(content) < 3 {
		problems = append(problems, "review too brief")
	}
	if !containsAny(lower, "change", "fix", "update", "refactor", "improve") {
		problems = append(problems, "review lacks actionable feedback")
	}
	return len(problems) == 0, problems
})

// DefaultValidator returns the output format expected from a role.
func DefaultValidator(role Role) Validator {
	switch role {
	case Planner:
		return IssueFormat
	case Engineer:
		return PRFormat
	case Reviewer, QA:
		return ReviewFormat
	default:
		return NonEmpty
	}
}

func hasSection(lower, name string) bool {
	return strings.Contains(lower, "# "+name) || strings.Contains(lower, "## "+name)
}

func lineCount(s string) int {
	return len(strings.Split(strings.TrimSpace(s), "\n"))
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
