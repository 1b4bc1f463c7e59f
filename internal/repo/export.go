package repo

import (
	"context"
	"io"

	"gopkg.in/yaml.v3"

	"sprintline/internal/domain"
)

// Snapshot is the human-readable form of the whole store.
type Snapshot struct {
	Epics []domain.Epic `yaml:"epics"`
}

// ExportYAML writes every epic, its issues and cycle history as YAML.
func (r *Repo) ExportYAML(ctx context.Context, w io.Writer) error {
	epics, err := r.ListEpics(ctx)
	if err != nil {
		return err
	}
	if epics == nil {
		epics = []domain.Epic{}
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(Snapshot{Epics: epics}); err != nil {
		return err
	}
	return enc.Close()
}
