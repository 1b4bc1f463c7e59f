package engine

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sprintline/internal/agent"
	"sprintline/internal/domain"
	"sprintline/internal/notify"
	"sprintline/internal/repo"
)

func (e Engine) phaseSpan(ctx context.Context, ep domain.Epic, phase string) (context.Context, trace.Span) {
	return e.tracer().Start(ctx, "phase."+phase, trace.WithAttributes(attribute.String("sprintline.epic_id", ep.ID)))
}

func (e Engine) start(ctx context.Context, ep domain.Epic) error {
	status, phase := domain.EpicInProgress, domain.PhasePlanning
	if _, err := write(ctx, e, "start epic", func(ctx context.Context) (domain.Epic, error) {
		return e.Repo.UpdateEpic(ctx, ep.ID, repo.EpicUpdate{Status: &status, Phase: &phase})
	}); err != nil {
		return fmt.Errorf("start epic: %w", err)
	}
	e.Metrics.Phase(phase)
	return nil
}

// plan asks the planner for the initial issue set. Each artifact ref
// becomes an issue id, in order.
func (e Engine) plan(ctx context.Context, ep domain.Epic) error {
	ctx, span := e.phaseSpan(ctx, ep, domain.PhasePlanning)
	defer span.End()
	res, err := e.call(ctx, agent.Planner, agent.Context{
		EpicID:       ep.ID,
		Goal:         ep.Prompt,
		Instructions: "Break the goal into independently deliverable issues. List one issue id per artifact.",
	})
	if err != nil {
		return err
	}
	if len(res.ValidationErrors) > 0 {
		e.roleLog(agent.Planner).Warn("plan failed validation", zap.String("epic_id", ep.ID), zap.Strings("problems", res.ValidationErrors))
	}
	if err := e.addIssues(ctx, ep, res.Artifacts); err != nil {
		return err
	}
	if err := e.enterPhase(ctx, ep.ID, domain.PhaseDesigning); err != nil {
		return err
	}
	return e.checkStop(ctx, ep.ID)
}

// design lets the architect validate the set and append issues it finds
// missing. An epic leaving design with no issues cannot complete.
func (e Engine) design(ctx context.Context, ep domain.Epic) error {
	ctx, span := e.phaseSpan(ctx, ep, domain.PhaseDesigning)
	defer span.End()
	ids := make([]string, 0, len(ep.Issues))
	for _, is := range ep.Issues {
		ids = append(ids, is.ID)
	}
	res, err := e.call(ctx, agent.Architect, agent.Context{
		EpicID:       ep.ID,
		Goal:         ep.Prompt,
		Instructions: "Validate the planned issues against the goal. List any missing issue ids as artifacts.",
		Dependencies: ids,
	})
	if err != nil {
		return err
	}
	if err := e.addIssues(ctx, ep, res.Artifacts); err != nil {
		return err
	}
	cur, err := e.getEpic(ctx, ep.ID)
	if err != nil {
		return err
	}
	if len(cur.Issues) == 0 {
		return ErrNoIssues
	}
	if err := e.enterPhase(ctx, ep.ID, domain.PhaseIssueLoop); err != nil {
		return err
	}
	return e.checkStop(ctx, ep.ID)
}

func (e Engine) addIssues(ctx context.Context, ep domain.Epic, refs []string) error {
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		if _, ok := ep.Issue(ref); ok {
			continue
		}
		if _, err := write(ctx, e, "add issue", func(ctx context.Context) (domain.Issue, error) {
			return e.Repo.UpsertIssue(ctx, ep.ID, ref, domain.IssuePatch{})
		}); err != nil {
			return fmt.Errorf("add issue %s: %w", ref, err)
		}
	}
	return nil
}

// issueLoop drives non-terminal issues until none remain. With
// parallel_issues > 1 independent issues run concurrently; their writes
// still serialize on the epic.
func (e Engine) issueLoop(ctx context.Context, ep domain.Epic) error {
	ctx, span := e.phaseSpan(ctx, ep, domain.PhaseIssueLoop)
	defer span.End()
	if n := e.Config.Orchestration.ParallelIssues; n > 1 {
		if err := e.issuesParallel(ctx, ep.ID, n); err != nil {
			return err
		}
	} else {
		for {
			if err := e.checkStop(ctx, ep.ID); err != nil {
				return err
			}
			next, err := read(ctx, e, "next issue", func(ctx context.Context) (*domain.Issue, error) {
				return e.Repo.NextPendingIssue(ctx, ep.ID)
			})
			if err != nil {
				return err
			}
			if next == nil {
				break
			}
			if err := e.runIssue(ctx, ep, next.ID); err != nil {
				return err
			}
		}
	}
	if err := e.checkStop(ctx, ep.ID); err != nil {
		return err
	}
	return e.enterPhase(ctx, ep.ID, domain.PhaseCompleting)
}

func (e Engine) issuesParallel(ctx context.Context, epicID string, n int) error {
	for {
		if err := e.checkStop(ctx, epicID); err != nil {
			return err
		}
		pending, err := read(ctx, e, "pending issues", func(ctx context.Context) ([]domain.Issue, error) {
			return e.Repo.PendingIssues(ctx, epicID)
		})
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}
		ep, err := e.getEpic(ctx, epicID)
		if err != nil {
			return err
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(n)
		for _, is := range pending {
			g.Go(func() error {
				if err := e.checkStop(gctx, epicID); err != nil {
					return err
				}
				return e.runIssue(gctx, ep, is.ID)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
}

// complete finishes the epic once every issue is done. Escalated issues
// hold it here until a human resolves them; resolved-for-retry issues send
// it back to the issue loop.
func (e Engine) complete(ctx context.Context, ep domain.Epic) error {
	ctx, span := e.phaseSpan(ctx, ep, domain.PhaseCompleting)
	defer span.End()
	done, err := read(ctx, e, "epic complete", func(ctx context.Context) (bool, error) {
		return e.Repo.IsEpicComplete(ctx, ep.ID)
	})
	if err != nil {
		return err
	}
	if done {
		status, phase := domain.EpicComplete, domain.PhaseComplete
		if _, err := write(ctx, e, "complete epic", func(ctx context.Context) (domain.Epic, error) {
			return e.Repo.UpdateEpic(ctx, ep.ID, repo.EpicUpdate{Status: &status, Phase: &phase})
		}); err != nil {
			return fmt.Errorf("complete epic: %w", err)
		}
		e.Metrics.Phase(phase)
		e.log().Info("epic complete", zap.String("epic_id", ep.ID), zap.Int("issues", len(ep.Issues)))
		e.notify(ctx, notify.Message{Kind: notify.KindComplete, EpicID: ep.ID, Phase: phase, Reason: "all issues done"})
		return nil
	}
	var escalated []domain.Issue
	pending := 0
	for _, is := range ep.Issues {
		switch {
		case is.Status == domain.IssueEscalated:
			escalated = append(escalated, is)
		case !is.Terminal():
			pending++
		}
	}
	if pending > 0 {
		return e.enterPhase(ctx, ep.ID, domain.PhaseIssueLoop)
	}
	if len(escalated) == 0 {
		return ErrNoIssues
	}
	for _, is := range escalated {
		e.notify(ctx, notify.EscalationMessage(ep.ID, is, "awaiting resolution: "+is.EscalationReason, e.now()))
	}
	e.log().Warn("epic held for escalations", zap.String("epic_id", ep.ID), zap.Int("escalated", len(escalated)))
	return fmt.Errorf("%w: %d escalated issue(s)", ErrAwaitingResolution, len(escalated))
}
