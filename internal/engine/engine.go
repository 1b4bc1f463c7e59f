// Package engine drives epics through planning, design, the per-issue
// review loop and completion. All state lives in the store: the engine
// re-reads it before every decision and never holds a lock across a role
// handler call.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sprintline/internal/agent"
	"sprintline/internal/config"
	"sprintline/internal/domain"
	"sprintline/internal/events"
	"sprintline/internal/logging"
	"sprintline/internal/metrics"
	"sprintline/internal/notify"
	"sprintline/internal/policy"
	"sprintline/internal/repo"
	"sprintline/internal/scoring"
)

var (
	// ErrStopped is returned when an operator stop was observed at a phase
	// or issue boundary. The epic is left resumable.
	ErrStopped = errors.New("epic stopped by operator")
	// ErrAwaitingResolution is returned while escalated issues hold the
	// epic in completing.
	ErrAwaitingResolution = errors.New("epic awaiting escalation resolution")
	// ErrFailed is returned when driving an epic that is already failed.
	ErrFailed   = errors.New("epic failed")
	ErrNoIssues = errors.New("no issues planned")
)

const tracerName = "sprintline/internal/engine"

type Engine struct {
	Repo     *repo.Repo
	Registry *agent.Registry
	Config   *config.Config
	Sink     notify.Sink
	Log      *zap.Logger
	Roles    *logging.RoleLoggers
	Metrics  *metrics.Metrics
	Gate     scoring.Gate
	Retry    policy.Retry
	Tracer   trace.Tracer
	Now      func() time.Time
}

func New(r *repo.Repo, reg *agent.Registry, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		Repo:     r,
		Registry: reg,
		Config:   cfg,
		Log:      zap.NewNop(),
		Gate:     scoring.Gate{MaxChanges: cfg.Scoring.MaxChangesPerIssue},
		Retry: policy.Retry{
			MaxRetries:  cfg.Retry.MaxAttempts,
			InitialWait: cfg.Retry.InitialWait,
			MaxWait:     cfg.Retry.MaxWait,
			CallTimeout: cfg.Timeouts.Call,
		},
		Tracer: otel.Tracer(tracerName),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

func (e Engine) tracer() trace.Tracer {
	if e.Tracer != nil {
		return e.Tracer
	}
	return otel.Tracer(tracerName)
}

func (e Engine) notify(ctx context.Context, msg notify.Message) {
	if e.Sink == nil {
		return
	}
	if msg.TS == "" {
		msg.TS = e.now().UTC().Format(time.RFC3339)
	}
	e.Sink.Notify(ctx, msg)
}

func (e Engine) review() policy.RoundTrip {
	return policy.RoundTrip{Max: e.Config.Orchestration.MaxReviewCycles}
}

func (e Engine) qa() policy.RoundTrip {
	return policy.RoundTrip{Max: e.Config.Orchestration.MaxQACycles}
}

// Run creates the epic if needed and drives it from its persisted phase.
// An empty id gets a generated one.
func (e Engine) Run(ctx context.Context, epicID, prompt string) (domain.Epic, error) {
	if epicID == "" {
		epicID = uuid.NewString()
	}
	_, err := write(ctx, e, "create epic", func(ctx context.Context) (domain.Epic, error) {
		return e.Repo.CreateEpic(ctx, epicID, prompt)
	})
	if err != nil {
		return domain.Epic{}, fmt.Errorf("create epic: %w", err)
	}
	return e.drive(ctx, epicID)
}

// Resume continues an epic from its last committed state. A failed epic
// is reopened into designing when it has no issues or failed before the
// issue loop, otherwise into the issue loop. Planning never reruns once
// issues exist.
func (e Engine) Resume(ctx context.Context, epicID string) (domain.Epic, error) {
	ep, err := e.getEpic(ctx, epicID)
	if err != nil {
		return ep, err
	}
	if ep.StopRequested {
		if err := exec(ctx, e, "clear stop", func(ctx context.Context) error {
			return e.Repo.ClearStop(ctx, epicID, "resume")
		}); err != nil {
			return ep, err
		}
	}
	if ep.Status == domain.EpicFailed {
		phase, err := e.reopenPhase(ctx, ep)
		if err != nil {
			return ep, err
		}
		if _, err := write(ctx, e, "reopen epic", func(ctx context.Context) (domain.Epic, error) {
			return e.Repo.ReopenEpic(ctx, epicID, phase, "resume")
		}); err != nil {
			return ep, fmt.Errorf("reopen epic: %w", err)
		}
		e.Metrics.Phase(phase)
		e.log().Info("epic reopened", zap.String("epic_id", epicID), zap.String("phase", phase), zap.String("previous_error", ep.LastError))
	}
	return e.drive(ctx, epicID)
}

func (e Engine) reopenPhase(ctx context.Context, ep domain.Epic) (string, error) {
	if len(ep.Issues) == 0 {
		return domain.PhaseDesigning, nil
	}
	evts, err := read(ctx, e, "latest phase", func(ctx context.Context) ([]domain.Event, error) {
		return e.Repo.LatestEvents(ctx, repo.EventFilter{EpicID: ep.ID, Type: events.EpicPhase, Limit: 1})
	})
	if err != nil {
		return "", err
	}
	if len(evts) == 1 {
		var payload struct {
			Phase string `json:"phase"`
		}
		if err := json.Unmarshal([]byte(evts[0].Payload), &payload); err == nil {
			switch payload.Phase {
			case domain.PhasePlanning, domain.PhaseDesigning:
				return domain.PhaseDesigning, nil
			}
		}
	}
	return domain.PhaseIssueLoop, nil
}

// Request names one epic for RunAll.
type Request struct {
	EpicID string
	Prompt string
}

// Outcome is the result of one epic in RunAll.
type Outcome struct {
	EpicID string
	Epic   domain.Epic
	Err    error
}

// RunAll drives independent epics concurrently, at most
// orchestration.parallel_epics at a time. A failure in one epic never
// cancels the others.
func (e Engine) RunAll(ctx context.Context, reqs []Request) []Outcome {
	out := make([]Outcome, len(reqs))
	var g errgroup.Group
	if n := e.Config.Orchestration.ParallelEpics; n > 0 {
		g.SetLimit(n)
	}
	for i, req := range reqs {
		if req.EpicID == "" {
			req.EpicID = uuid.NewString()
		}
		g.Go(func() error {
			ep, err := e.Run(ctx, req.EpicID, req.Prompt)
			out[i] = Outcome{EpicID: req.EpicID, Epic: ep, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Stop sets the durable stop flag. The running controller observes it at
// the next phase or issue boundary.
func (e Engine) Stop(ctx context.Context, epicID, actor string) error {
	if actor == "" {
		actor = "operator"
	}
	return exec(ctx, e, "request stop", func(ctx context.Context) error {
		return e.Repo.RequestStop(ctx, epicID, actor)
	})
}

// Resolve applies a human decision to an escalated issue. The epic is not
// driven; call Resume to continue.
func (e Engine) Resolve(ctx context.Context, epicID, issueID, action, actor, note string) (domain.Issue, error) {
	if actor == "" {
		actor = "operator"
	}
	is, err := write(ctx, e, "resolve escalation", func(ctx context.Context) (domain.Issue, error) {
		return e.Repo.ResolveEscalation(ctx, epicID, issueID, action, actor, note)
	})
	if err != nil {
		return is, err
	}
	e.log().Info("escalation resolved", zap.String("epic_id", epicID), zap.String("issue_id", issueID), zap.String("action", action), zap.String("actor", actor))
	return is, nil
}

// drive advances the epic one phase at a time until it completes, fails,
// is stopped, or waits on a human.
func (e Engine) drive(ctx context.Context, epicID string) (domain.Epic, error) {
	for {
		ep, err := e.getEpic(ctx, epicID)
		if err != nil {
			if ctx.Err() != nil {
				return ep, ctx.Err()
			}
			return e.fail(ctx, epicID, fmt.Errorf("load epic: %w", err))
		}
		switch ep.Phase {
		case domain.PhaseComplete:
			return ep, nil
		case domain.PhaseFailed:
			return ep, fmt.Errorf("%w: %s", ErrFailed, ep.LastError)
		}
		if ep.StopRequested {
			return e.settle(ctx, ep, ErrStopped)
		}
		var stepErr error
		switch ep.Phase {
		case domain.PhasePending:
			stepErr = e.start(ctx, ep)
		case domain.PhasePlanning:
			stepErr = e.plan(ctx, ep)
		case domain.PhaseDesigning:
			stepErr = e.design(ctx, ep)
		case domain.PhaseIssueLoop:
			stepErr = e.issueLoop(ctx, ep)
		case domain.PhaseCompleting:
			stepErr = e.complete(ctx, ep)
		default:
			stepErr = fmt.Errorf("unknown phase %q", ep.Phase)
		}
		if stepErr != nil {
			return e.settle(ctx, ep, stepErr)
		}
	}
}

// settle maps a step error onto the epic: stops, holds and interruptions
// leave it resumable, anything else fails it.
func (e Engine) settle(ctx context.Context, ep domain.Epic, err error) (domain.Epic, error) {
	rctx := context.WithoutCancel(ctx)
	switch {
	case errors.Is(err, ErrStopped):
		e.log().Info("epic stopped", zap.String("epic_id", ep.ID), zap.String("phase", ep.Phase))
		e.notify(rctx, notify.Message{Kind: notify.KindStopped, EpicID: ep.ID, Phase: ep.Phase, Reason: "stop requested"})
		cur, gerr := e.getEpic(rctx, ep.ID)
		if gerr != nil {
			return ep, err
		}
		return cur, err
	case errors.Is(err, ErrAwaitingResolution):
		cur, gerr := e.getEpic(rctx, ep.ID)
		if gerr != nil {
			return ep, err
		}
		return cur, err
	case ctx.Err() != nil:
		e.log().Warn("epic interrupted", zap.String("epic_id", ep.ID), zap.String("phase", ep.Phase), zap.Error(ctx.Err()))
		return ep, ctx.Err()
	}
	return e.fail(ctx, ep.ID, err)
}

func (e Engine) fail(ctx context.Context, epicID string, cause error) (domain.Epic, error) {
	e.log().Error("epic failed", zap.String("epic_id", epicID), zap.Error(cause))
	ep, err := write(ctx, e, "fail epic", func(ctx context.Context) (domain.Epic, error) {
		return e.Repo.FailEpic(ctx, epicID, cause.Error())
	})
	if err != nil {
		e.log().Error("persist epic failure", zap.String("epic_id", epicID), zap.Error(err))
	}
	e.Metrics.Phase(domain.PhaseFailed)
	e.notify(context.WithoutCancel(ctx), notify.Message{Kind: notify.KindFailure, EpicID: epicID, Phase: ep.Phase, Reason: cause.Error()})
	return ep, fmt.Errorf("epic %s: %w", epicID, cause)
}

func (e Engine) enterPhase(ctx context.Context, epicID, phase string) error {
	if _, err := write(ctx, e, "enter "+phase, func(ctx context.Context) (domain.Epic, error) {
		return e.Repo.SetEpicPhase(ctx, epicID, phase)
	}); err != nil {
		return fmt.Errorf("enter %s: %w", phase, err)
	}
	e.Metrics.Phase(phase)
	e.log().Info("phase", zap.String("epic_id", epicID), zap.String("phase", phase))
	return nil
}

func (e Engine) checkStop(ctx context.Context, epicID string) error {
	stop, err := read(ctx, e, "stop flag", func(ctx context.Context) (bool, error) {
		return e.Repo.StopRequested(ctx, epicID)
	})
	if err != nil {
		return err
	}
	if stop {
		return ErrStopped
	}
	return nil
}

func (e Engine) getEpic(ctx context.Context, epicID string) (domain.Epic, error) {
	return read(ctx, e, "load epic", func(ctx context.Context) (domain.Epic, error) {
		return e.Repo.GetEpic(ctx, epicID)
	})
}
