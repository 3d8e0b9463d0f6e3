package provider

import (
	"fmt"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
)

type snapshot struct {
	order []string
	byID  map[string]Config
}

// Registry holds the provider configurations. Writers swap a complete
// snapshot, so a reader sees either the old or the new set of providers.
type Registry struct {
	current  atomic.Pointer[snapshot]
	validate *validator.Validate
}

func NewRegistry(configs ...Config) (*Registry, error) {
	r := &Registry{
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	if err := r.Replace(configs); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) Get(id string) (Config, error) {
	cfg, ok := r.current.Load().byID[id]
	if !ok {
		return Config{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cfg.clone(), nil
}

func (r *Registry) ListEnabled() []Config {
	s := r.current.Load()
	enabled := make([]Config, 0, len(s.order))
	for _, id := range s.order {
		if cfg := s.byID[id]; cfg.Enabled {
			enabled = append(enabled, cfg.clone())
		}
	}
	return enabled
}

func (r *Registry) List() []Config {
	s := r.current.Load()
	all := make([]Config, 0, len(s.order))
	for _, id := range s.order {
		all = append(all, s.byID[id].clone())
	}
	return all
}

// Replace validates all configs and installs them as the new provider set.
// Nothing is changed if any config is invalid.
func (r *Registry) Replace(configs []Config) error {
	next := &snapshot{
		order: make([]string, 0, len(configs)),
		byID:  make(map[string]Config, len(configs)),
	}
	for _, cfg := range configs {
		if err := r.validate.Struct(cfg); err != nil {
			return fmt.Errorf("invalid provider %q: %w", cfg.ID, err)
		}
		if _, dup := next.byID[cfg.ID]; dup {
			return fmt.Errorf("duplicate provider id %q", cfg.ID)
		}
		next.order = append(next.order, cfg.ID)
		next.byID[cfg.ID] = cfg.clone()
	}
	r.current.Store(next)
	return nil
}

// Update replaces or appends a single provider.
func (r *Registry) Update(cfg Config) error {
	for {
		prev := r.current.Load()
		configs := make([]Config, 0, len(prev.order)+1)
		replaced := false
		for _, id := range prev.order {
			if id == cfg.ID {
				configs = append(configs, cfg)
				replaced = true
				continue
			}
			configs = append(configs, prev.byID[id])
		}
		if !replaced {
			configs = append(configs, cfg)
		}
		next, err := r.build(configs)
		if err != nil {
			return err
		}
		if r.current.CompareAndSwap(prev, next) {
			return nil
		}
	}
}

// SetEnabled enables exactly the providers whose ids are listed.
func (r *Registry) SetEnabled(ids []string) error {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for {
		prev := r.current.Load()
		for id := range want {
			if _, ok := prev.byID[id]; !ok {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
		}
		configs := make([]Config, 0, len(prev.order))
		for _, id := range prev.order {
			cfg := prev.byID[id]
			cfg.Enabled = want[id]
			configs = append(configs, cfg)
		}
		next, err := r.build(configs)
		if err != nil {
			return err
		}
		if r.current.CompareAndSwap(prev, next) {
			return nil
		}
	}
}

func (r *Registry) build(configs []Config) (*snapshot, error) {
	tmp := &Registry{validate: r.validate}
	if err := tmp.Replace(configs); err != nil {
		return nil, err
	}
	return tmp.current.Load(), nil
}
