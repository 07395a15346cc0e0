package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"petnames/internal/config"
	"petnames/internal/names"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	alice = "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"
	bob   = "0xfb6916095ca1df60bb79ce92ce3ea74c37c5d359"
)

type fixture struct {
	dir     string
	config  string
	book    string
	metrics string
	loader  *config.Loader
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("PETNAMES_DATA_DIR", dir)

	f := &fixture{
		dir:     dir,
		config:  filepath.Join(dir, "config.toml"),
		book:    filepath.Join(dir, "addressbook.yaml"),
		metrics: filepath.Join(dir, "metrics", "petnames.prom"),
	}
	cfg := config.DefaultConfig()
	cfg.AddressBook.DebounceMs = 20
	cfg.Metrics.Path = f.metrics
	cfg.Accounts = []config.AccountConfig{{Address: bob, Name: "ops"}}
	require.NoError(t, config.SaveConfig(cfg, f.config))
	require.NoError(t, os.WriteFile(f.book, []byte("entries:\n  - address: \""+alice+"\"\n    name: alice\n    chain_id: 1\n"), 0600))

	f.loader = config.NewLoader(f.config)
	_, err := f.loader.Load()
	require.NoError(t, err)
	return f
}

func lookup(a *App, value, variation string) string {
	e, ok := a.Names.State().Lookup(names.TypeEthereumAddress, value, variation)
	if !ok || e.Name == nil {
		return ""
	}
	return *e.Name
}

func TestSyncPullsEverySource(t *testing.T) {
	f := newFixture(t)
	a, err := New(f.loader, nil)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Sync())
	assert.Equal(t, "alice", lookup(a, alice, "0x1"))
	assert.Equal(t, "ops", lookup(a, bob, "*"))

	stats, err := a.Store.GetStats()
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Named)
	assert.EqualValues(t, 1, stats.BySource["addressbook"])
	assert.EqualValues(t, 1, stats.BySource["accounts"])
}

func TestNamesPersistAcrossRestarts(t *testing.T) {
	f := newFixture(t)
	a, err := New(f.loader, nil)
	require.NoError(t, err)
	require.NoError(t, a.Sync())
	require.NoError(t, a.Close())

	loader := config.NewLoader(f.config)
	_, err = loader.Load()
	require.NoError(t, err)
	b, err := New(loader, nil)
	require.NoError(t, err)
	defer b.Close()

	// Loaded from the store before any source runs.
	assert.Equal(t, "alice", lookup(b, alice, "0x1"))
	assert.Zero(t, b.Daemon.IntegrityFailures.Value())
}

func TestAddressBookDisabled(t *testing.T) {
	f := newFixture(t)
	cfg := f.loader.Config().Clone()
	cfg.AddressBook.Enabled = false
	require.NoError(t, config.SaveConfig(cfg, f.config))
	_, err := f.loader.Load()
	require.NoError(t, err)

	a, err := New(f.loader, nil)
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.Sync())

	assert.Nil(t, a.Book())
	assert.Equal(t, "", lookup(a, alice, "0x1"))
	assert.Equal(t, "ops", lookup(a, bob, "*"))
}

func TestReloadKeepsAddressBookName(t *testing.T) {
	f := newFixture(t)
	cfg := f.loader.Config().Clone()
	cfg.Accounts = append(cfg.Accounts, config.AccountConfig{Address: alice, Name: "acct", ChainID: "1"})
	require.NoError(t, config.SaveConfig(cfg, f.config))
	_, err := f.loader.Load()
	require.NoError(t, err)

	a, err := New(f.loader, nil)
	require.NoError(t, err)
	require.NoError(t, a.Sync())
	assert.Equal(t, "alice", lookup(a, alice, "0x1"))

	// An unrelated setting changes; the accounts bridge runs again.
	cfg = f.loader.Config().Clone()
	cfg.Logging.Level = "debug"
	require.NoError(t, config.SaveConfig(cfg, f.config))
	require.NoError(t, f.loader.Reload())

	assert.Equal(t, "alice", lookup(a, alice, "0x1"))
	rows, err := a.Book().Rows()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "alice", rows[0].Name)
	require.NoError(t, a.Close())

	// The address book still wins after a restart.
	loader := config.NewLoader(f.config)
	_, err = loader.Load()
	require.NoError(t, err)
	b, err := New(loader, nil)
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Sync())
	assert.Equal(t, "alice", lookup(b, alice, "0x1"))
}

func TestInvalidAddressBookFailsNew(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.book, []byte("entries: nope\n"), 0600))

	_, err := New(f.loader, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open address book")
	require.NoError(t, f.loader.Close())
}

func TestWriteMetrics(t *testing.T) {
	f := newFixture(t)
	a, err := New(f.loader, nil)
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.Sync())

	require.NoError(t, a.WriteMetrics(f.metrics))
	data, err := os.ReadFile(f.metrics)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, "petnames_names 2\n")
	assert.Contains(t, out, `petnames_bridge_syncs_total{direction="from_source",source="accounts"} 1`)
	assert.Contains(t, out, `petnames_bridge_syncs_total{direction="from_source",source="addressbook"} 1`)
}

func TestRunFollowsSources(t *testing.T) {
	f := newFixture(t)
	a, err := New(f.loader, nil)
	require.NoError(t, err)
	require.NoError(t, a.Sync())
	require.NoError(t, a.Watch())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// Local names reach the address book.
	require.NoError(t, a.Names.SetName(names.Entry{Value: bob, Name: names.Ptr("dave"), Type: names.TypeEthereumAddress, Variation: "0x89"}))
	data, err := os.ReadFile(f.book)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "dave"), string(data))

	// Edits to the address book reach the store.
	require.NoError(t, os.WriteFile(f.book, []byte("entries:\n  - address: \""+alice+"\"\n    name: carol\n    chain_id: 1\n"), 0600))
	require.Eventually(t, func() bool { return lookup(a, alice, "0x1") == "carol" }, 5*time.Second, 10*time.Millisecond)

	// Config reloads reach the accounts bridge.
	cfg := f.loader.Config().Clone()
	cfg.Accounts[0].Name = "operations"
	require.NoError(t, config.SaveConfig(cfg, f.config))
	require.Eventually(t, func() bool { return lookup(a, bob, "*") == "operations" }, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := os.Stat(f.metrics)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, a.Close())
}

func TestPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "petnamesd.pid")

	pid, running, err := ReadPID(path)
	require.NoError(t, err)
	assert.Zero(t, pid)
	assert.False(t, running)

	require.NoError(t, WritePID(path))
	pid, running, err = ReadPID(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, running)
}

func TestNewLogger(t *testing.T) {
	_, err := NewLogger(config.LoggingConfig{Level: "loud", Format: "text", Output: "stderr", MaxSizeMB: 1}, "test")
	assert.Error(t, err)

	l, err := NewLogger(config.DefaultConfig().Logging, "test")
	require.NoError(t, err)
	require.NoError(t, l.Close())
}
