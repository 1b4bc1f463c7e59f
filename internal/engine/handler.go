package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"sprintline/internal/agent"
	"sprintline/internal/events"
)

func (e Engine) roleLog(role agent.Role) *zap.Logger {
	if e.Roles != nil {
		if l, err := e.Roles.For(string(role)); err == nil {
			return l
		} else {
			e.log().Warn("open role log", zap.String("role", string(role)), zap.Error(err))
		}
	}
	return e.log().With(zap.String("role", string(role)))
}

// call invokes the role's handler under the transient-retry policy. The
// handler is looked up on every call so a missing registration surfaces as
// a structural error at the point it is needed.
func (e Engine) call(ctx context.Context, role agent.Role, c agent.Context) (agent.Result, error) {
	h, err := e.Registry.Get(role)
	if err != nil {
		return agent.Result{}, err
	}
	ctx, span := e.tracer().Start(ctx, "handler."+string(role), trace.WithAttributes(
		attribute.String("sprintline.epic_id", c.EpicID),
		attribute.String("sprintline.issue_id", c.IssueID),
		attribute.Int("sprintline.attempt", c.Attempt),
	))
	defer span.End()

	log := e.roleLog(role).With(zap.String("epic_id", c.EpicID), zap.String("issue_id", c.IssueID))
	retry := e.Retry
	retry.OnRetry = func(attempt int, wait time.Duration, cause error) {
		e.Metrics.Retry(string(role))
		log.Warn("transient handler failure", zap.Int("retry", attempt), zap.Duration("wait", wait), zap.Error(cause))
		span.AddEvent("retry", trace.WithAttributes(attribute.Int("retry", attempt), attribute.String("wait", wait.String())))
		if err := exec(ctx, e, "record retry", func(ctx context.Context) error {
			return e.Repo.RecordEvent(ctx, c.EpicID, c.IssueID, string(role), events.HandlerRetry, events.EventPayload{
				"retry": attempt, "wait_ms": wait.Milliseconds(), "error": cause.Error(),
			})
		}); err != nil {
			log.Warn("record retry event", zap.Error(err))
		}
	}

	start := time.Now()
	var res agent.Result
	err = retry.Do(ctx, func(ctx context.Context) error {
		r, err := h.Execute(ctx, c)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	elapsed := time.Since(start)
	if err != nil {
		outcome := "error"
		if errors.Is(err, context.Canceled) {
			outcome = "canceled"
		}
		e.Metrics.ObserveHandler(string(role), outcome, elapsed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("handler failed", zap.Duration("elapsed", elapsed), zap.Error(err))
		return agent.Result{}, fmt.Errorf("%s handler: %w", role, err)
	}
	e.Metrics.ObserveHandler(string(role), "ok", elapsed)
	span.SetAttributes(attribute.Int("sprintline.tokens", res.TokensUsed), attribute.Int("sprintline.artifacts", len(res.Artifacts)))
	log.Info("handler completed", zap.Duration("elapsed", elapsed), zap.Int("tokens", res.TokensUsed), zap.Int("artifacts", len(res.Artifacts)), zap.Strings("validation_errors", res.ValidationErrors))
	return res, nil
}
