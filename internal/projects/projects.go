// Package projects keeps the named-project registry the operator switches
// between from chat. The selected pointer is advisory: a plan captures its
// project path at approval time and later pointer moves never retarget it.
package projects

import (
	"fmt"
	"sort"

	"github.com/basket/helmsman/internal/safety"
	"github.com/basket/helmsman/internal/statefile"
)

// Registry maps project names to absolute paths plus the currently selected
// name.
type Registry struct {
	Projects map[string]string `json:"projects"`
	Selected string            `json:"selected"`
}

type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) load() Registry {
	reg := Registry{Projects: map[string]string{}}
	statefile.LoadOr(s.path, &reg)
	if reg.Projects == nil {
		reg.Projects = map[string]string{}
	}
	return reg
}

// Add registers a project. The path must be absolute and clean.
func (s *Store) Add(name, path string) error {
	if res := safety.CheckProjectPath(path); res.Action == safety.ActionBlock {
		return fmt.Errorf("register project %q: %s", name, res.Reason)
	}
	reg := s.load()
	reg.Projects[name] = path
	if reg.Selected == "" {
		reg.Selected = name
	}
	return statefile.Save(s.path, reg)
}

// Use moves the selected pointer to name.
func (s *Store) Use(name string) error {
	reg := s.load()
	if _, ok := reg.Projects[name]; !ok {
		return fmt.Errorf("unknown project %q", name)
	}
	reg.Selected = name
	return statefile.Save(s.path, reg)
}

// SelectedPath returns the path of the currently selected project.
func (s *Store) SelectedPath() (string, error) {
	reg := s.load()
	if reg.Selected == "" {
		return "", fmt.Errorf("no project selected")
	}
	path, ok := reg.Projects[reg.Selected]
	if !ok {
		return "", fmt.Errorf("selected project %q missing from registry", reg.Selected)
	}
	return path, nil
}

// List returns project names in stable order, for status output.
func (s *Store) List() (names []string, selected string) {
	reg := s.load()
	for name := range reg.Projects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, reg.Selected
}
