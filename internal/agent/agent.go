// Package agent defines the role handler contract the controller
// dispatches to, and a registry mapping role ids to implementations.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"sprintline/internal/domain"
)

type Role string

const (
	Planner   Role = "planner"
	Architect Role = "architect"
	Engineer  Role = "engineer"
	Reviewer  Role = "reviewer"
	QA        Role = "qa"
)

// Roles lists every role the controller dispatches to, in pipeline order.
var Roles = []Role{Planner, Architect, Engineer, Reviewer, QA}

func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// Context is everything a handler is told about the task at hand.
type Context struct {
	EpicID         string
	IssueID        string
	Attempt        int
	Goal           string
	Instructions   string
	BehaviorSpec   string
	Touches        []string
	Dependencies   []string
	ReviewKeynotes []string
	// Reusable and Banned carry the last verifier's recycle partition:
	// artifacts worth building on and approaches not to repeat.
	Reusable    []string
	Banned      []string
	PriorOutput string
	ErrorOutput string
}

// Result is a handler's output. Artifacts are opaque refs (files, issue
// ids, PR numbers).
type Result struct {
	Output           string
	Artifacts        []string
	ExternalRef      string
	TokensUsed       int
	Claimed          *domain.Dimensions
	Recycle          *domain.RecycleOutput
	ValidationErrors []string
}

// Valid reports whether the output passed format validation.
func (r Result) Valid() bool {
	return len(r.ValidationErrors) == 0
}

type Handler interface {
	Execute(ctx context.Context, c Context) (Result, error)
}

// Scorer is implemented by handlers that grade their own output.
type Scorer interface {
	Score(res Result) *domain.Dimensions
}

// Recycler is implemented by handlers that partition artifacts after an
// evaluation.
type Recycler interface {
	Recycle(res Result, card domain.Scorecard) domain.RecycleOutput
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, c Context) (Result, error)

func (f HandlerFunc) Execute(ctx context.Context, c Context) (Result, error) {
	return f(ctx, c)
}

var ErrHandlerMissing = errors.New("no handler registered for role")

// Registry maps role ids to handlers. Populate it before handing it to the
// controller; lookups are read-only afterwards.
type Registry struct {
	handlers map[Role]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[Role]Handler{}}
}

func (r *Registry) Register(role Role, h Handler) {
	if r.handlers == nil {
		r.handlers = map[Role]Handler{}
	}
	r.handlers[role] = h
}

func (r *Registry) Get(role Role) (Handler, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrHandlerMissing, role)
	}
	h, ok := r.handlers[role]
	if !ok || h == nil {
		return nil, fmt.Errorf("%w: %s", ErrHandlerMissing, role)
	}
	return h, nil
}

// Registered returns the roles with a handler, sorted.
func (r *Registry) Registered() []Role {
	var out []Role
	for role := range r.handlers {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
