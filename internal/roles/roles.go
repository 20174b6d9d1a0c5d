// Package roles loads agent role profiles: the named records that give
// each role (Architect, Engineer, Reviewer, Coroner, Prime, ...) its
// concurrency cap, default engine, timeout, and prompt template. Profiles
// resolve in three layers — built-in embedded defaults, per-project
// profile files in the roles directory, then config-file overrides — so
// a project can reshape one field without restating a whole profile.
package roles

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/monocod/internal/config"
	defaultroles "github.com/nugget/monocod/roles"
)

// Profile is one role's resolved configuration.
type Profile struct {
	Name           string `yaml:"name"`
	Engine         string `yaml:"engine"`
	Concurrency    int    `yaml:"concurrency"`
	TimeoutSec     int    `yaml:"timeout"`
	QueueDepth     int    `yaml:"queue_depth"`
	PromptTemplate string `yaml:"prompt_template"`
}

// Timeout returns the profile's wall-clock timeout as a duration,
// defaulting to 15 minutes when unset.
func (p Profile) Timeout() time.Duration {
	if p.TimeoutSec <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(p.TimeoutSec) * time.Second
}

// Registry holds the resolved name -> Profile mapping.
type Registry struct {
	profiles map[string]Profile
}

// Load resolves profiles from the three layers: embedded defaults,
// profile files in dir (missing dir is fine), then overrides from cfg.
func Load(dir string, cfg *config.Config) (*Registry, error) {
	r := &Registry{profiles: make(map[string]Profile)}

	if err := r.loadFS(defaultroles.FS, "."); err != nil {
		return nil, fmt.Errorf("roles: built-in profiles: %w", err)
	}
	if dir != "" {
		if err := r.loadDir(dir); err != nil {
			return nil, err
		}
	}
	if cfg != nil {
		r.applyConfig(cfg)
	}
	return r, nil
}

func (r *Registry) loadFS(fsys fs.FS, root string) error {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		data, err := fs.ReadFile(fsys, filepath.Join(root, e.Name()))
		if err != nil {
			return err
		}
		if err := r.addProfile(data, e.Name()); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil // No roles dir is fine
	}
	if err != nil {
		return fmt.Errorf("roles: read dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("roles: read %s: %w", e.Name(), err)
		}
		if err := r.addProfile(data, e.Name()); err != nil {
			return err
		}
	}
	return nil
}

// addProfile decodes one profile file and merges it over any profile of
// the same name from an earlier layer. Zero fields inherit the earlier
// layer's value.
func (r *Registry) addProfile(data []byte, source string) error {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("roles: parse %s: %w", source, err)
	}
	if p.Name == "" {
		return fmt.Errorf("roles: %s: profile has no name", source)
	}
	base := r.profiles[p.Name]
	r.profiles[p.Name] = merge(base, p)
	return nil
}

func merge(base, over Profile) Profile {
	out := base
	out.Name = over.Name
	if over.Engine != "" {
		out.Engine = over.Engine
	}
	if over.Concurrency != 0 {
		out.Concurrency = over.Concurrency
	}
	if over.TimeoutSec != 0 {
		out.TimeoutSec = over.TimeoutSec
	}
	if over.QueueDepth != 0 {
		out.QueueDepth = over.QueueDepth
	}
	if over.PromptTemplate != "" {
		out.PromptTemplate = over.PromptTemplate
	}
	return out
}

func (r *Registry) applyConfig(cfg *config.Config) {
	for name, rc := range cfg.Roles {
		p := r.profiles[name]
		if p.Name == "" {
			p.Name = name
		}
		if rc.Engine != "" {
			p.Engine = rc.Engine
		}
		if rc.Concurrency != 0 {
			p.Concurrency = rc.Concurrency
		}
		if rc.TimeoutSec != 0 {
			p.TimeoutSec = rc.TimeoutSec
		}
		if rc.QueueDepth != 0 {
			p.QueueDepth = rc.QueueDepth
		}
		r.profiles[name] = p
	}
	// An unset engine falls back to the config default so schedule
	// callers never see an empty engine name.
	for name, p := range r.profiles {
		if p.Engine == "" {
			p.Engine = cfg.Engines.Default
			r.profiles[name] = p
		}
	}
}

// Get returns the profile for a role. Unknown roles get a minimal
// profile (concurrency 1, default timeout) so ad-hoc roles can still be
// scheduled; ok reports whether the role had an explicit profile.
func (r *Registry) Get(name string) (Profile, bool) {
	p, ok := r.profiles[name]
	if !ok {
		return Profile{Name: name, Concurrency: 1}, false
	}
	if p.Concurrency <= 0 {
		p.Concurrency = 1
	}
	return p, true
}

// Names returns the registered role names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.profiles))
	for n := range r.profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
