package accounts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"petnames/internal/bridge"
	"petnames/internal/config"
	"petnames/internal/messenger"
	"petnames/internal/names"
)

const (
	alice = "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"
	bob   = "0xfb6916095ca1df60bb79ce92ce3ea74c37c5d359"
)

func writeConfig(t *testing.T, path string, accounts string) {
	t.Helper()
	content := `
[address_book]
enabled = false

` + accounts
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}

func newLoader(t *testing.T, accounts string) (*config.Loader, string) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("PETNAMES_DATA_DIR", dir)
	path := filepath.Join(dir, "config.toml")
	writeConfig(t, path, accounts)

	l := config.NewLoader(path)
	_, err := l.Load()
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, path
}

func TestSourceEntries(t *testing.T) {
	l, _ := newLoader(t, `
[[accounts]]
address = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
name = " treasury "
chain_id = "1"

[[accounts]]
address = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
name = "ops"
`)

	entries, err := New(l).SourceEntries()
	require.NoError(t, err)
	assert.Equal(t, []names.Entry{
		{Value: alice, Name: names.Ptr("treasury"), Type: names.TypeEthereumAddress, SourceID: SourceID, Variation: "0x1"},
		{Value: bob, Name: names.Ptr("ops"), Type: names.TypeEthereumAddress, SourceID: SourceID, Variation: "*"},
	}, entries)
}

func TestNoConfigLoaded(t *testing.T) {
	entries, err := New(config.NewLoader(filepath.Join(t.TempDir(), "config.toml"))).SourceEntries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestIsNotAnUpdater(t *testing.T) {
	var src bridge.Source = New(nil)
	_, ok := src.(bridge.Updater)
	assert.False(t, ok)
}

func TestReloadSyncsBridge(t *testing.T) {
	l, path := newLoader(t, `
[[accounts]]
address = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
name = "treasury"
`)

	bus := messenger.New()
	ctrl := names.NewController(names.ControllerConfig{Messenger: bus})
	b := bridge.New(bridge.Config{SourceID: SourceID, Names: ctrl, Messenger: bus}, New(l))
	require.NoError(t, b.Init())

	got, ok := ctrl.State().Lookup(names.TypeEthereumAddress, alice, "*")
	require.True(t, ok)
	assert.Equal(t, "treasury", *got.Name)

	writeConfig(t, path, `
[[accounts]]
address = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
name = "cold wallet"

[[accounts]]
address = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
name = "ops"
chain_id = "0x89"
`)
	require.NoError(t, l.Reload())

	got, ok = ctrl.State().Lookup(names.TypeEthereumAddress, alice, "*")
	require.True(t, ok)
	assert.Equal(t, "cold wallet", *got.Name)
	got, ok = ctrl.State().Lookup(names.TypeEthereumAddress, bob, "0x89")
	require.True(t, ok)
	assert.Equal(t, "ops", *got.Name)

	// After Close, reloads no longer reach the store.
	b.Close()
	writeConfig(t, path, "")
	require.NoError(t, l.Reload())
	got, ok = ctrl.State().Lookup(names.TypeEthereumAddress, alice, "*")
	require.True(t, ok)
	assert.Equal(t, "cold wallet", *got.Name)
}
