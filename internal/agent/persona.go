package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// PersonaLoader supplies the system prompt for a role.
type PersonaLoader interface {
	Persona(role Role) (string, error)
	Guardrails() string
}

// DirPersonas reads <Dir>/<role>.md and an optional <Dir>/guardrails.md.
type DirPersonas struct {
	Dir string
}

func (d DirPersonas) Persona(role Role) (string, error) {
	data, err := os.ReadFile(filepath.Join(d.Dir, string(role)+".md"))
	if err != nil {
		return "", fmt.Errorf("load persona %s: %w", role, err)
	}
	return string(data), nil
}

func (d DirPersonas) Guardrails() string {
	data, err := os.ReadFile(filepath.Join(d.Dir, "guardrails.md"))
	if err != nil {
		return ""
	}
	return string(data)
}

// StaticPersonas serves personas from memory.
type StaticPersonas map[Role]string

func (s StaticPersonas) Persona(role Role) (string, error) {
	p, ok := s[role]
	if !ok {
		return "", errors.New("persona not found: " + string(role))
	}
	return p, nil
}

func (s StaticPersonas) Guardrails() string { return "" }
