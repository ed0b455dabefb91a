package plan

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/helmsman/internal/gitx"
	"github.com/basket/helmsman/internal/statefile"
)

// Marker is the plan-mode gate. While set, agent turns may only leave
// documentation changes behind; everything else is reverted after the turn.
type Marker struct {
	Enabled   bool      `json:"enabled"`
	EnabledAt time.Time `json:"enabled_at,omitempty"`
}

// MarkerStore persists the plan-mode gate as its own document, independent of
// the plan so a crash mid-turn cannot couple the two.
type MarkerStore struct {
	path string
}

func NewMarkerStore(path string) *MarkerStore {
	return &MarkerStore{path: path}
}

func (s *MarkerStore) Enabled() bool {
	var m Marker
	statefile.LoadOr(s.path, &m)
	return m.Enabled
}

func (s *MarkerStore) Set() error {
	return statefile.Save(s.path, Marker{Enabled: true, EnabledAt: time.Now().UTC()})
}

func (s *MarkerStore) Clear() error {
	return statefile.Remove(s.path)
}

// bare documentation filenames allowed without an extension
var bareDocNames = map[string]bool{
	"README":    true,
	"TODO":      true,
	"NOTES":     true,
	"CHANGELOG": true,
	"LICENSE":   true,
}

// planModeAllowed reports whether a planning turn may keep path.
func planModeAllowed(path string, allowedExts []string) bool {
	base := filepath.Base(path)
	ext := strings.ToLower(filepath.Ext(base))
	if ext == "" {
		return bareDocNames[base]
	}
	for _, allowed := range allowedExts {
		if ext == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

// EnforcePlanMode reverts every working-tree change in projectDir whose file
// falls outside the documentation allow-list: tracked files are restored from
// the index, untracked files are removed. It returns the paths it reverted
// so the controller can tell the operator what the turn tried to touch.
func EnforcePlanMode(ctx context.Context, projectDir string, allowedExts []string) ([]string, error) {
	files, err := gitx.Status(ctx, projectDir)
	if err != nil {
		return nil, fmt.Errorf("plan mode diff: %w", err)
	}

	var reverted []string
	for _, f := range files {
		if planModeAllowed(f.Path, allowedExts) {
			continue
		}
		if f.Untracked {
			if err := os.Remove(filepath.Join(projectDir, f.Path)); err != nil && !os.IsNotExist(err) {
				return reverted, fmt.Errorf("plan mode remove %s: %w", f.Path, err)
			}
		} else {
			if err := gitx.Restore(ctx, projectDir, f.Path); err != nil {
				return reverted, fmt.Errorf("plan mode restore %s: %w", f.Path, err)
			}
		}
		reverted = append(reverted, f.Path)
	}
	return reverted, nil
}
