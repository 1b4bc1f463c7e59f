// Package auth resolves operator permissions from the roles configured
// under server.rbac.
package auth

import (
	"fmt"
	"sort"

	"sprintline/internal/config"
)

// Permissions checked by the operator API.
const (
	PermEpicRead          = "epic.read"
	PermEpicStop          = "epic.stop"
	PermEscalationResolve = "escalation.resolve"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Service maps role ids to their permission sets.
type Service struct {
	Roles map[string]config.RBACRole
}

func New(cfg *config.Config) Service {
	if cfg == nil {
		return Service{}
	}
	return Service{Roles: cfg.Server.RBAC.Roles}
}

// Permissions returns the union of direct grants and the permissions of
// every known role, sorted. Unknown roles grant nothing.
func (s Service) Permissions(roles, direct []string) []string {
	set := map[string]bool{}
	for _, p := range direct {
		if p != "" {
			set[p] = true
		}
	}
	for _, r := range roles {
		for _, p := range s.Roles[r].Permissions {
			set[p] = true
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (s Service) HasPermission(roles, direct []string, perm string) bool {
	for _, p := range s.Permissions(roles, direct) {
		if p == perm {
			return true
		}
	}
	return false
}

// Require returns ForbiddenError unless perm is granted.
func (s Service) Require(roles, direct []string, perm string) error {
	if s.HasPermission(roles, direct, perm) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}
