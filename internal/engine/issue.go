package engine

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"sprintline/internal/agent"
	"sprintline/internal/config"
	"sprintline/internal/domain"
	"sprintline/internal/events"
	"sprintline/internal/notify"
	"sprintline/internal/policy"
	"sprintline/internal/repo"
	"sprintline/internal/scoring"
)

// Cycle record actions written by the issue loop.
const (
	ActionAssign        = "assign"
	ActionSubmit        = "submit"
	ActionSubmitInvalid = "submit:invalid"
	ActionPromote       = "promote"
	ActionPatch         = "patch"
	ActionApprove       = "approve"
	ActionEscalate      = "escalate"
)

// Escalation reasons, also used as metric labels.
const (
	EscalateReviewLimit = "review_limit"
	EscalateQALimit     = "qa_limit"
	EscalateAntiPattern = "anti_pattern"
)

const excerptLen = 4000

// runIssue advances one issue a single hand-off at a time until it is done
// or escalated. The next step is always derived from the stored status.
func (e Engine) runIssue(ctx context.Context, ep domain.Epic, issueID string) error {
	ctx, span := e.tracer().Start(ctx, "issue", trace.WithAttributes(
		attribute.String("sprintline.epic_id", ep.ID),
		attribute.String("sprintline.issue_id", issueID),
	))
	defer span.End()
	for {
		if err := e.checkStop(ctx, ep.ID); err != nil {
			return err
		}
		is, err := read(ctx, e, "load issue", func(ctx context.Context) (domain.Issue, error) {
			return e.Repo.GetIssue(ctx, ep.ID, issueID)
		})
		if err != nil {
			return err
		}
		if is.Terminal() {
			span.SetAttributes(attribute.String("sprintline.status", is.Status))
			return nil
		}
		switch is.Status {
		case domain.IssuePending:
			err = e.assign(ctx, ep, is)
		case domain.IssueInProgress:
			err = e.produce(ctx, ep, is)
		case domain.IssueReview:
			err = e.verify(ctx, ep, is, agent.Reviewer)
		case domain.IssueQA:
			if is.AssignedAgent == string(agent.Architect) {
				err = e.verify(ctx, ep, is, agent.Architect)
			} else {
				err = e.verify(ctx, ep, is, agent.QA)
			}
		default:
			err = fmt.Errorf("issue %s: unknown status %q", is.ID, is.Status)
		}
		if err != nil {
			return err
		}
	}
}

func (e Engine) handoff(ctx context.Context, epicID, issueID, role string, h repo.Handoff) (domain.Issue, error) {
	h.Role = role
	type recorded struct {
		is  domain.Issue
		rec domain.CycleRecord
	}
	out, err := write(ctx, e, "hand-off", func(ctx context.Context) (recorded, error) {
		is, rec, err := e.Repo.RecordHandoff(ctx, epicID, issueID, h)
		return recorded{is, rec}, err
	})
	is, rec := out.is, out.rec
	if err != nil {
		return is, fmt.Errorf("hand-off %s -> %s on %s: %w", h.Cycle.FromRole, h.Cycle.ToRole, issueID, err)
	}
	e.Metrics.Handoff(role)
	e.log().Debug("hand-off",
		zap.String("epic_id", epicID), zap.String("issue_id", issueID), zap.Int("seq", rec.Seq),
		zap.String("from", rec.FromRole), zap.String("to", rec.ToRole), zap.String("action", rec.Action),
		zap.String("status", is.Status), zap.Int("review_cycle_count", is.ReviewCycles), zap.Int("qa_cycle_count", is.QACycles))
	return is, nil
}

func (e Engine) assign(ctx context.Context, ep domain.Epic, is domain.Issue) error {
	status, engineer := domain.IssueInProgress, string(agent.Engineer)
	_, err := e.handoff(ctx, ep.ID, is.ID, events.ControllerRoleTag, repo.Handoff{
		Patch: domain.IssuePatch{Status: &status, AssignedAgent: &engineer},
		Cycle: domain.Cycle{FromRole: events.ControllerRoleTag, ToRole: engineer, Action: ActionAssign, Result: is.Title},
	})
	return err
}

// produce runs the engineer and submits the work for review. Every
// submission starts a review attempt, so an issue with no review budget
// left escalates before the engineer is called.
func (e Engine) produce(ctx context.Context, ep domain.Epic, is domain.Issue) error {
	if !e.review().CanStart(is.ReviewCycles) {
		return e.escalate(ctx, ep, is, string(agent.Engineer), EscalateReviewLimit,
			fmt.Sprintf("review round-trip limit reached (%d/%d)", is.ReviewCycles, maxOf(e.review())), nil)
	}
	c := agent.Context{
		EpicID:       ep.ID,
		IssueID:      is.ID,
		Attempt:      countActions(is, string(agent.Engineer), ActionSubmit, ActionSubmitInvalid) + 1,
		Goal:         ep.Prompt,
		Instructions: issueInstructions(is),
	}
	if sub, ok := lastSubmission(is); ok {
		c.PriorOutput = sub.Result
	}
	if fb, ok := lastAction(is, ActionPatch); ok {
		c.ReviewKeynotes = keynotes(fb.Result)
		c.ErrorOutput = fb.Result
	}
	if is.Recycle != nil {
		c.Reusable = append(append([]string(nil), is.Recycle.Kept...), is.Recycle.Reused...)
		c.Banned = append([]string(nil), is.Recycle.Banned...)
	}
	res, err := e.call(ctx, agent.Engineer, c)
	if err != nil {
		return err
	}

	next, err := e.review().Next(is.ReviewCycles)
	if err != nil {
		return err
	}
	status, reviewer := domain.IssueReview, string(agent.Reviewer)
	patch := domain.IssuePatch{Status: &status, AssignedAgent: &reviewer, ReviewCycles: &next}
	if is.ExternalRef == "" && res.ExternalRef != "" {
		ref := res.ExternalRef
		patch.ExternalRef = &ref
	}
	action := ActionSubmit
	if !res.Valid() {
		action = ActionSubmitInvalid
	}
	_, err = e.handoff(ctx, ep.ID, is.ID, string(agent.Engineer), repo.Handoff{
		Patch:   patch,
		Cycle:   domain.Cycle{FromRole: string(agent.Engineer), ToRole: reviewer, Action: action, Result: submission(res)},
		Payload: events.EventPayload{"tokens": res.TokensUsed, "artifacts": res.Artifacts, "validation_errors": res.ValidationErrors},
	})
	return err
}

// verify runs a verifier (reviewer, qa, or the architect's final approval)
// and acts on the scoring gate's verdict.
func (e Engine) verify(ctx context.Context, ep domain.Epic, is domain.Issue, role agent.Role) error {
	c := agent.Context{
		EpicID:       ep.ID,
		IssueID:      is.ID,
		Goal:         ep.Prompt,
		Instructions: issueInstructions(is),
	}
	sub, hasSub := lastSubmission(is)
	if hasSub {
		c.PriorOutput = sub.Result
	}
	loop, count, limitReason := e.review(), is.ReviewCycles, EscalateReviewLimit
	c.Attempt = is.ReviewCycles
	if role != agent.Reviewer {
		loop, count, limitReason = e.qa(), is.QACycles, EscalateQALimit
		c.Attempt = is.QACycles
		if fb, ok := lastAction(is, ActionPromote); ok {
			c.ReviewKeynotes = keynotes(fb.Result)
		}
	}
	res, err := e.call(ctx, role, c)
	if err != nil {
		return err
	}

	h, _ := e.Registry.Get(role)
	if res.Claimed == nil {
		if s, ok := h.(agent.Scorer); ok {
			res.Claimed = s.Score(res)
		}
	}
	card, warnings := e.Gate.Evaluate(res)
	verdict := scoring.Verdict(res, card)
	if hasSub && sub.Action == ActionSubmitInvalid {
		verdict = domain.Patch
	}
	var recycle domain.RecycleOutput
	switch {
	case res.Recycle != nil:
		recycle = *res.Recycle
	default:
		subject := res
		if len(subject.Artifacts) == 0 && hasSub {
			subject.Artifacts = submittedArtifacts(sub.Result)
		}
		if r, ok := h.(agent.Recycler); ok {
			recycle = r.Recycle(subject, card)
		} else {
			recycle = scoring.DefaultRecycle(subject, card)
		}
	}
	recycle, rw := scoring.NormalizeRecycle(recycle)
	warnings = append(warnings, rw...)
	log := e.roleLog(role).With(zap.String("epic_id", ep.ID), zap.String("issue_id", is.ID))
	for _, w := range warnings {
		log.Warn("scoring", zap.String("field", w.Field), zap.String("warning", w.Message))
	}
	e.Metrics.Verdict(string(role), string(verdict))
	log.Info("verdict", zap.String("interpretation", string(verdict)), zap.Int("total", card.Total()), zap.Int("count", count))

	scored := scoredPatch{card: card, recycle: recycle, entry: &repo.ScoreEntry{Role: string(role), Card: card, Recycle: &recycle}}
	payload := events.EventPayload{"total": card.Total(), "interpretation": string(verdict), "tokens": res.TokensUsed}

	if verdict == domain.AntiPattern && e.Config.Orchestration.AntiPatternPolicy != config.AntiPatternCountCycle {
		return e.escalate(ctx, ep, is, string(role), EscalateAntiPattern,
			fmt.Sprintf("anti-pattern verdict from %s (score %d/10)", role, card.Total()), &scored)
	}
	if verdict != domain.Promote {
		if loop.Exhausted(count) {
			return e.escalate(ctx, ep, is, string(role), limitReason,
				fmt.Sprintf("%s round-trip limit reached (%d/%d)", loopName(role), count, maxOf(loop)), &scored)
		}
		status, engineer := domain.IssueInProgress, string(agent.Engineer)
		_, err := e.handoff(ctx, ep.ID, is.ID, string(role), repo.Handoff{
			Patch:   scored.apply(domain.IssuePatch{Status: &status, AssignedAgent: &engineer}),
			Cycle:   domain.Cycle{FromRole: string(role), ToRole: engineer, Action: ActionPatch, Result: feedback(res)},
			Score:   scored.entry,
			Payload: payload,
		})
		return err
	}

	switch role {
	case agent.Reviewer:
		next, err := e.qa().Next(is.QACycles)
		if err != nil {
			return e.escalate(ctx, ep, is, string(role), EscalateQALimit,
				fmt.Sprintf("qa round-trip limit reached (%d/%d)", is.QACycles, e.Config.Orchestration.MaxQACycles), &scored)
		}
		status, qa := domain.IssueQA, string(agent.QA)
		_, err = e.handoff(ctx, ep.ID, is.ID, string(role), repo.Handoff{
			Patch:   scored.apply(domain.IssuePatch{Status: &status, AssignedAgent: &qa, QACycles: &next}),
			Cycle:   domain.Cycle{FromRole: string(role), ToRole: qa, Action: ActionPromote, Result: feedback(res)},
			Score:   scored.entry,
			Payload: payload,
		})
		return err
	case agent.QA:
		status, architect := domain.IssueQA, string(agent.Architect)
		_, err := e.handoff(ctx, ep.ID, is.ID, string(role), repo.Handoff{
			Patch:   scored.apply(domain.IssuePatch{Status: &status, AssignedAgent: &architect}),
			Cycle:   domain.Cycle{FromRole: string(role), ToRole: architect, Action: ActionPromote, Result: feedback(res)},
			Score:   scored.entry,
			Payload: payload,
		})
		return err
	default:
		status, none := domain.IssueDone, ""
		_, err := e.handoff(ctx, ep.ID, is.ID, string(role), repo.Handoff{
			Patch:   scored.apply(domain.IssuePatch{Status: &status, AssignedAgent: &none}),
			Cycle:   domain.Cycle{FromRole: string(role), ToRole: events.ControllerRoleTag, Action: ActionApprove, Result: feedback(res)},
			Score:   scored.entry,
			Payload: payload,
		})
		return err
	}
}

type scoredPatch struct {
	card    domain.Scorecard
	recycle domain.RecycleOutput
	entry   *repo.ScoreEntry
}

func (s *scoredPatch) apply(p domain.IssuePatch) domain.IssuePatch {
	if s == nil {
		return p
	}
	card, rec := s.card, s.recycle
	p.LatestScore = &card
	p.Recycle = &rec
	return p
}

// escalate hands the issue to a human with the reason, the last scorecard
// and the full cycle history. Counters are left as they are.
func (e Engine) escalate(ctx context.Context, ep domain.Epic, is domain.Issue, from, kind, reason string, scored *scoredPatch) error {
	status := domain.IssueEscalated
	h := repo.Handoff{
		Patch:   scored.apply(domain.IssuePatch{Status: &status, EscalationReason: &reason}),
		Cycle:   domain.Cycle{FromRole: from, ToRole: "human", Action: ActionEscalate, Result: reason},
		Payload: events.EventPayload{"reason": reason, "kind": kind},
	}
	if scored != nil {
		h.Score = scored.entry
	}
	updated, err := e.handoff(ctx, ep.ID, is.ID, from, h)
	if err != nil {
		return err
	}
	e.Metrics.Escalation(kind)
	e.log().Warn("issue escalated", zap.String("epic_id", ep.ID), zap.String("issue_id", is.ID), zap.String("reason", reason),
		zap.Int("review_cycle_count", updated.ReviewCycles), zap.Int("qa_cycle_count", updated.QACycles))
	e.notify(ctx, notify.EscalationMessage(ep.ID, updated, reason, e.now()))
	return nil
}

func loopName(role agent.Role) string {
	if role == agent.Reviewer {
		return "review"
	}
	return "qa"
}

func maxOf(p policy.RoundTrip) int {
	if p.Max <= 0 {
		return policy.DefaultMaxCycles
	}
	return p.Max
}

func issueInstructions(is domain.Issue) string {
	if is.Title != "" {
		return is.ID + ": " + is.Title
	}
	return "Deliver issue " + is.ID
}

func lastSubmission(is domain.Issue) (domain.CycleRecord, bool) {
	for i := len(is.CycleHistory) - 1; i >= 0; i-- {
		rec := is.CycleHistory[i]
		if rec.FromRole == string(agent.Engineer) && (rec.Action == ActionSubmit || rec.Action == ActionSubmitInvalid) {
			return rec, true
		}
	}
	return domain.CycleRecord{}, false
}

func lastAction(is domain.Issue, action string) (domain.CycleRecord, bool) {
	for i := len(is.CycleHistory) - 1; i >= 0; i-- {
		if is.CycleHistory[i].Action == action {
			return is.CycleHistory[i], true
		}
	}
	return domain.CycleRecord{}, false
}

func countActions(is domain.Issue, from string, actions ...string) int {
	n := 0
	for _, rec := range is.CycleHistory {
		if rec.FromRole != from {
			continue
		}
		for _, a := range actions {
			if rec.Action == a {
				n++
				break
			}
		}
	}
	return n
}

func submission(res agent.Result) string {
	var b strings.Builder
	b.WriteString(excerpt(res.Output))
	if len(res.Artifacts) > 0 {
		b.WriteString("\n\n" + artifactsPrefix + strings.Join(res.Artifacts, ", "))
	}
	if len(res.ValidationErrors) > 0 {
		b.WriteString("\n\nvalidation errors:\n- " + strings.Join(res.ValidationErrors, "\n- "))
	}
	return b.String()
}

const artifactsPrefix = "artifacts: "

// submittedArtifacts reads back the artifact line written by submission.
func submittedArtifacts(result string) []string {
	for _, line := range strings.Split(result, "\n") {
		if rest, ok := strings.CutPrefix(line, artifactsPrefix); ok {
			return strings.Split(rest, ", ")
		}
	}
	return nil
}

func feedback(res agent.Result) string {
	out := excerpt(res.Output)
	if len(res.ValidationErrors) > 0 {
		out += "\n\nvalidation errors:\n- " + strings.Join(res.ValidationErrors, "\n- ")
	}
	return out
}

// keynotes pulls bullet lines out of verifier feedback.
func keynotes(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		for _, p := range []string{"- [ ] ", "- ", "* "} {
			if strings.HasPrefix(line, p) {
				if note := strings.TrimSpace(strings.TrimPrefix(line, p)); note != "" {
					out = append(out, note)
				}
				break
			}
		}
	}
	return out
}

func excerpt(s string) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= excerptLen {
		return s
	}
	return string(r[:excerptLen]) + "..."
}
