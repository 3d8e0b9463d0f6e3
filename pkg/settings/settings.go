// Package settings holds the administrator controlled login settings.
package settings

import (
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/gematik/zero-login/pkg/account"
	"github.com/gematik/zero-login/pkg/claims"
	"github.com/gematik/zero-login/pkg/provider"
)

type Settings struct {
	// ClientsEnabled lists the ids of the providers offered for login. If
	// nil, the enabled flag of each provider decides.
	ClientsEnabled []string `yaml:"clients_enabled"`

	// AlwaysSaveUserinfo refreshes the attributes of known users on every
	// login instead of only when the user is created.
	AlwaysSaveUserinfo bool `yaml:"always_save_userinfo"`

	// UserPictures allows the picture claim to be stored.
	UserPictures bool `yaml:"user_pictures"`

	UserinfoMapping claims.Table `yaml:"userinfo_mapping" validate:"dive"`
}

// Default returns the settings used when the configuration has none.
func Default() Settings {
	return Settings{
		UserinfoMapping: claims.DefaultTable(),
	}
}

func (s *Settings) RefreshPolicy() account.RefreshPolicy {
	if s.AlwaysSaveUserinfo {
		return account.RefreshAlways
	}
	return account.RefreshOnCreation
}

// Mapping returns the mapping table, without the picture attribute if user
// pictures are disabled.
func (s *Settings) Mapping() claims.Table {
	table := s.UserinfoMapping
	if table == nil {
		table = claims.DefaultTable()
	}
	if s.UserPictures {
		return table
	}
	return slices.DeleteFunc(slices.Clone(table), func(m claims.Mapping) bool {
		return m.Attribute == "picture"
	})
}

// Apply returns copies of configs with the providers listed in
// ClientsEnabled enabled and all others disabled. Every listed id must be
// configured.
func (s *Settings) Apply(configs []provider.Config) ([]provider.Config, error) {
	out := slices.Clone(configs)
	if s.ClientsEnabled == nil {
		return out, nil
	}
	for _, id := range s.ClientsEnabled {
		if !slices.ContainsFunc(out, func(c provider.Config) bool { return c.ID == id }) {
			return nil, fmt.Errorf("clients_enabled: %w: %s", provider.ErrNotFound, id)
		}
	}
	for i := range out {
		out[i].Enabled = slices.Contains(s.ClientsEnabled, out[i].ID)
	}
	return out, nil
}

// Store holds the current settings. Readers never see a partial update.
type Store struct {
	current atomic.Pointer[Settings]
}

func NewStore(s Settings) *Store {
	st := &Store{}
	st.Set(s)
	return st
}

func (st *Store) Get() *Settings {
	return st.current.Load()
}

func (st *Store) Set(s Settings) {
	s.ClientsEnabled = slices.Clone(s.ClientsEnabled)
	s.UserinfoMapping = slices.Clone(s.UserinfoMapping)
	st.current.Store(&s)
}

// RefreshPolicy reads the policy from the current settings, so a binder
// follows reloads.
func (st *Store) RefreshPolicy() account.RefreshPolicy {
	return st.Get().RefreshPolicy()
}
