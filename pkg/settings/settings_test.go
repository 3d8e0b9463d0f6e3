package settings_test

import (
	"testing"

	"github.com/gematik/zero-login/pkg/account"
	"github.com/gematik/zero-login/pkg/claims"
	"github.com/gematik/zero-login/pkg/provider"
	"github.com/gematik/zero-login/pkg/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestUnmarshal(t *testing.T) {
	data := `
clients_enabled: [google]
always_save_userinfo: true
user_pictures: false
userinfo_mapping:
  email: email
  picture: picture
  city: address.locality
`
	var s settings.Settings
	require.NoError(t, yaml.Unmarshal([]byte(data), &s))

	assert.Equal(t, []string{"google"}, s.ClientsEnabled)
	assert.Equal(t, account.RefreshAlways, s.RefreshPolicy())
	assert.Equal(t, claims.Table{
		{Attribute: "email", Claim: "email"},
		{Attribute: "city", Claim: "address.locality"},
	}, s.Mapping())
}

func TestDefault(t *testing.T) {
	s := settings.Default()
	assert.Equal(t, account.RefreshOnCreation, s.RefreshPolicy())
	assert.Equal(t, claims.DefaultTable(), s.Mapping())
}

func TestUserPicturesKeepsPicture(t *testing.T) {
	s := settings.Settings{
		UserPictures:    true,
		UserinfoMapping: claims.Table{{Attribute: "picture", Claim: "picture"}},
	}
	assert.Len(t, s.Mapping(), 1)
}

func TestApply(t *testing.T) {
	configs := []provider.Config{
		{ID: "google", Enabled: true},
		{ID: "entra", Enabled: true},
	}

	s := settings.Settings{ClientsEnabled: []string{"entra"}}
	applied, err := s.Apply(configs)
	require.NoError(t, err)
	assert.False(t, applied[0].Enabled)
	assert.True(t, applied[1].Enabled)
	assert.True(t, configs[0].Enabled, "input must not change")

	s = settings.Settings{ClientsEnabled: []string{"unknown"}}
	_, err = s.Apply(configs)
	assert.ErrorIs(t, err, provider.ErrNotFound)

	// nil keeps the flags of the providers
	applied, err = (&settings.Settings{}).Apply(configs)
	require.NoError(t, err)
	assert.True(t, applied[0].Enabled)
	assert.True(t, applied[1].Enabled)
}

func TestStoreSwapsAtomically(t *testing.T) {
	store := settings.NewStore(settings.Default())
	assert.Equal(t, account.RefreshOnCreation, store.RefreshPolicy())

	store.Set(settings.Settings{AlwaysSaveUserinfo: true})
	assert.Equal(t, account.RefreshAlways, store.RefreshPolicy())
	assert.True(t, store.Get().AlwaysSaveUserinfo)
}
