// Package platform loads platform definitions and tracks which one is
// selected.
//
// A Registry starts unselected. Select moves it to the selected state and may
// be called any number of times; there is no way back to unselected. The
// registry holds no locks: callers that share one across goroutines must
// serialise access themselves.
package platform

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/tphummel/as7265x_bench/internal/command"
	"github.com/tphummel/as7265x_bench/internal/models"
)

// DefaultAddress is the AS7265x I2C device address.
const DefaultAddress = 0x49

// Registry owns the loaded platforms and the current selection.
type Registry struct {
	platforms map[string]*models.Platform
	ids       []string
	selected  *models.Platform
}

// Load reads every .json, .yaml and .yml file in dir. A single malformed
// record fails the whole load with a *ConfigParseError and no registry.
func Load(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read platform dir: %w", err)
	}

	var platforms []*models.Platform
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := decoders[strings.ToLower(filepath.Ext(e.Name()))]; !ok {
			continue
		}
		p, err := loadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		platforms = append(platforms, p)
	}
	return New(platforms...)
}

// New builds a registry from platforms, applying transport defaults and the
// same validation as Load. The registry keeps its own copies.
func New(platforms ...*models.Platform) (*Registry, error) {
	r := &Registry{platforms: make(map[string]*models.Platform, len(platforms))}
	for _, in := range platforms {
		p := *in
		p.Commands = maps.Clone(in.Commands)
		p.SetupInstructions = slices.Clone(in.SetupInstructions)
		p.Dependencies = cloneDependencies(in.Dependencies)
		applyDefaults(&p.Communication)

		if err := validate(&p); err != nil {
			err.File = p.Source
			return nil, err
		}
		if prev, dup := r.platforms[p.ID]; dup {
			return nil, &ConfigParseError{
				File:     p.Source,
				Platform: p.ID,
				Field:    "platform",
				Err:      fmt.Errorf("duplicate id, already defined by %s", sourceName(prev)),
			}
		}
		r.platforms[p.ID] = &p
		r.ids = append(r.ids, p.ID)
	}
	slices.Sort(r.ids)
	return r, nil
}

// cloneDependencies copies the nested maps and lists decoded from JSON or
// YAML so the caller's record can change without touching the registry.
func cloneDependencies(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return cloneDependencies(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return slices.Clone(v)
	default:
		return v
	}
}

func sourceName(p *models.Platform) string {
	if p.Source != "" {
		return p.Source
	}
	return "an earlier record"
}

// Len returns the number of loaded platforms.
func (r *Registry) Len() int { return len(r.ids) }

// Platforms returns the loaded platforms sorted by id.
func (r *Registry) Platforms() []*models.Platform {
	out := make([]*models.Platform, len(r.ids))
	for i, id := range r.ids {
		out[i] = r.platforms[id]
	}
	return out
}

// Get returns the platform with the given id.
func (r *Registry) Get(id string) (*models.Platform, error) {
	p, ok := r.platforms[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, id)
	}
	return p, nil
}

// Select makes id the current platform. On failure the previous selection is
// kept.
func (r *Registry) Select(id string) error {
	p, err := r.Get(id)
	if err != nil {
		return err
	}
	r.selected = p
	return nil
}

// Current returns the selected platform, or ErrNotSelected.
func (r *Registry) Current() (*models.Platform, error) {
	if r.selected == nil {
		return nil, ErrNotSelected
	}
	return r.selected, nil
}

// Selected returns the id of the current platform.
func (r *Registry) Selected() (id string, ok bool) {
	if r.selected == nil {
		return "", false
	}
	return r.selected.ID, true
}

// Defaults returns the parameters every command for p receives unless the
// caller overrides them: the platform's bus and the AS7265x address.
func Defaults(p *models.Platform) command.Params {
	return command.Params{
		"bus":  command.Int(p.I2CBus),
		"addr": command.Int(DefaultAddress),
	}
}

// GetCommand renders op for the selected platform. Render errors are
// returned unchanged.
func (r *Registry) GetCommand(op models.Operation, params command.Params) (string, error) {
	p, err := r.Current()
	if err != nil {
		return "", err
	}
	return Render(p, op, params)
}

// Render renders op for p with Defaults filled in.
func Render(p *models.Platform, op models.Operation, params command.Params) (string, error) {
	return command.Render(p, op, params.WithDefaults(Defaults(p)))
}
