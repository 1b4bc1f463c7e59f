// Package scoring turns a handler result into a scorecard and a verdict.
// Every function here is deterministic: the same result always yields the
// same card.
package scoring

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"sprintline/internal/agent"
	"sprintline/internal/domain"
)

const DefaultMaxChanges = 20

// Warning describes an input the gate had to correct.
type Warning struct {
	Field   string
	Message string
}

func (w Warning) String() string {
	return w.Field + ": " + w.Message
}

// Gate evaluates handler output. MaxChanges is the per-issue artifact
// budget used for scope control.
type Gate struct {
	MaxChanges int
}

var (
	fileRefRe   = regexp.MustCompile(`\b[\w./-]+\.(go|py|ts|tsx|js|jsx|md|ya?ml|json|sql|java|kt|swift|rb|rs|proto|sh)\b`)
	lineRefRe   = regexp.MustCompile(`(?i)\bline\s+\d+`)
	inlineRe    = regexp.MustCompile("`[^`\n]+`")
	checklistRe = regexp.MustCompile(`(?m)^\s*(- \[[ xX]\]|\d+\.\s|[-*]\s)`)
	actionVerbs = []string{"add", "change", "create", "fix", "implement", "refactor", "remove", "replace", "test", "update", "verify"}
	riskTerms   = []string{"risk", "rollback", "edge case", "regression", "security", "backward", "compatib", "migration", "fallback", "tradeoff", "trade-off", "failure"}
)

// Evaluate scores a result. Claimed dimensions, when present, are trusted
// after clamping; otherwise the card is derived from the output.
func (g Gate) Evaluate(res agent.Result) (domain.Scorecard, []Warning) {
	if res.Claimed != nil {
		return clamp(*res.Claimed)
	}
	if strings.TrimSpace(res.Output) == "" {
		return domain.Scorecard{}, []Warning{{Field: "output", Message: "empty output scored as zero"}}
	}
	return domain.Scorecard{Dimensions: domain.Dimensions{
		ScopeControl:        g.scope(res.Artifacts),
		BehaviorFidelity:    fidelity(res.ValidationErrors),
		EvidenceOrientation: evidence(res.Output),
		Actionability:       actionability(res.Output),
		RiskAwareness:       riskAwareness(res.Output),
	}}, nil
}

// Interpret maps a scorecard onto a disposition by its total alone.
func Interpret(card domain.Scorecard) domain.Interpretation {
	return domain.InterpretTotal(card.Total())
}

// Verdict is the disposition the controller acts on. Output that failed
// format validation is always sent back for a patch.
func Verdict(res agent.Result, card domain.Scorecard) domain.Interpretation {
	if !res.Valid() {
		return domain.Patch
	}
	return Interpret(card)
}

func clamp(d domain.Dimensions) (domain.Scorecard, []Warning) {
	var warnings []Warning
	fix := func(name string, v *int) {
		switch {
		case *v < 0:
			warnings = append(warnings, Warning{Field: name, Message: fmt.Sprintf("clamped %d to 0", *v)})
			*v = 0
		case *v > domain.MaxDimension:
			warnings = append(warnings, Warning{Field: name, Message: fmt.Sprintf("clamped %d to %d", *v, domain.MaxDimension)})
			*v = domain.MaxDimension
		}
	}
	fix("scope_control", &d.ScopeControl)
	fix("behavior_fidelity", &d.BehaviorFidelity)
	fix("evidence_orientation", &d.EvidenceOrientation)
	fix("actionability", &d.Actionability)
	fix("risk_awareness", &d.RiskAwareness)
	return domain.Scorecard{Dimensions: d}, warnings
}

func (g Gate) scope(artifacts []string) int {
	budget := g.MaxChanges
	if budget <= 0 {
		budget = DefaultMaxChanges
	}
	n := len(dedupe(artifacts))
	switch {
	case n*2 <= budget:
		return 2
	case n <= budget:
		return 1
	default:
		return 0
	}
}

func fidelity(problems []string) int {
	switch n := len(problems); {
	case n == 0:
		return 2
	case n <= 2:
		return 1
	default:
		return 0
	}
}

func evidence(out string) int {
	n := strings.Count(out, "```")/2 + len(inlineRe.FindAllString(out, -1)) + len(fileRefRe.FindAllString(out, -1)) + len(lineRefRe.FindAllString(out, -1))
	switch {
	case n >= 3:
		return 2
	case n >= 1:
		return 1
	default:
		return 0
	}
}

func actionability(out string) int {
	lower := strings.ToLower(out)
	steps := checklistRe.MatchString(out)
	verbs := false
	for _, v := range actionVerbs {
		if strings.Contains(lower, v) {
			verbs = true
			break
		}
	}
	switch {
	case steps && verbs:
		return 2
	case steps || verbs:
		return 1
	default:
		return 0
	}
}

func riskAwareness(out string) int {
	lower := strings.ToLower(out)
	hits := 0
	for _, term := range riskTerms {
		if strings.Contains(lower, term) {
			hits++
		}
	}
	switch {
	case hits >= 2:
		return 2
	case hits == 1:
		return 1
	default:
		return 0
	}
}

// DefaultRecycle partitions a result's artifacts when the handler offers
// no partition of its own: promoted work is kept, patched work reused and
// anti-pattern work banned.
func DefaultRecycle(res agent.Result, card domain.Scorecard) domain.RecycleOutput {
	arts := dedupe(res.Artifacts)
	switch Interpret(card) {
	case domain.Promote:
		return domain.RecycleOutput{Kept: arts}
	case domain.Patch:
		return domain.RecycleOutput{Reused: arts}
	default:
		return domain.RecycleOutput{Banned: arts}
	}
}

// NormalizeRecycle de-duplicates and sorts the three sets and makes them
// disjoint. An artifact listed in several sets keeps the strongest claim:
// banned, then kept, then reused.
func NormalizeRecycle(in domain.RecycleOutput) (domain.RecycleOutput, []Warning) {
	var warnings []Warning
	banned := dedupe(in.Banned)
	taken := map[string]string{}
	for _, a := range banned {
		taken[a] = "banned"
	}
	filter := func(name string, set []string) []string {
		var out []string
		for _, a := range dedupe(set) {
			if owner, ok := taken[a]; ok {
				warnings = append(warnings, Warning{Field: "recycle." + name, Message: fmt.Sprintf("%s already %s", a, owner)})
				continue
			}
			taken[a] = name
			out = append(out, a)
		}
		return out
	}
	kept := filter("kept", in.Kept)
	reused := filter("reused", in.Reused)
	return domain.RecycleOutput{Kept: nonNil(kept), Reused: nonNil(reused), Banned: nonNil(banned)}, warnings
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
