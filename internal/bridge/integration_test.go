package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"petnames/internal/messenger"
	"petnames/internal/names"
)

const (
	addrA = "0xc0ffee254729296a45a3885639ac7e10f9d54979"
	addrB = "0x999999cf1046e68e36e1aa2e0e07105eddd1f08e"
)

// memorySource is a writable source that applies its own updates, the way a
// file-backed address book would.
type memorySource struct {
	entries  map[names.Key]names.Entry
	listener func() error
	updates  []update
}

func newMemorySource() *memorySource {
	return &memorySource{entries: make(map[names.Key]names.Entry)}
}

func (s *memorySource) SourceEntries() ([]names.Entry, error) {
	out := make([]names.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out, nil
}

func (s *memorySource) OnSourceChange(listener func() error) *messenger.Subscription {
	s.listener = listener
	return messenger.Func("memory", func() { s.listener = nil })
}

func (s *memorySource) UpdateSourceEntry(kind ChangeType, e names.Entry) error {
	s.updates = append(s.updates, update{kind, e})
	if kind == Deleted {
		delete(s.entries, e.Key())
		return nil
	}
	s.entries[e.Key()] = e
	return nil
}

func (s *memorySource) put(value, name string) error {
	e := names.Entry{Value: value, Name: names.Ptr(name), Type: names.TypeEthereumAddress, SourceID: "memory", Variation: "0x1"}
	s.entries[e.Key()] = e
	if s.listener == nil {
		return nil
	}
	return s.listener()
}

func newStack(t *testing.T, twoWay bool) (*names.Controller, *messenger.Messenger, *memorySource, *Bridge) {
	t.Helper()
	bus := messenger.New()
	ctrl := names.NewController(names.ControllerConfig{Messenger: bus})
	source := newMemorySource()
	b := New(Config{TwoWay: twoWay, SourceID: "memory", Names: ctrl, Messenger: bus}, source)
	require.NoError(t, b.Init())
	t.Cleanup(b.Close)
	return ctrl, bus, source, b
}

func TestRoundTripDoesNotEcho(t *testing.T) {
	ctrl, _, source, _ := newStack(t, true)

	// Source to store: the nested state change must not bounce back.
	require.NoError(t, source.put(addrA, "alice"))
	got, ok := ctrl.State().Lookup(names.TypeEthereumAddress, addrA, "0x1")
	require.True(t, ok)
	assert.Equal(t, "alice", *got.Name)
	assert.Empty(t, source.updates)

	// Store to source.
	require.NoError(t, ctrl.SetName(names.Entry{
		Value: addrB, Name: names.Ptr("bob"), Type: names.TypeEthereumAddress, Variation: "0x1",
	}))
	require.Len(t, source.updates, 1)
	assert.Equal(t, Added, source.updates[0].kind)
	assert.Equal(t, addrB, source.updates[0].entry.Value)

	// A local rename of a source-provided name goes back as an update.
	require.NoError(t, ctrl.SetName(names.Entry{
		Value: addrA, Name: names.Ptr("alice2"), Type: names.TypeEthereumAddress, SourceID: "memory", Variation: "0x1",
	}))
	require.Len(t, source.updates, 2)
	assert.Equal(t, Updated, source.updates[1].kind)
	assert.Equal(t, "alice2", source.entries[names.Key{Value: addrA, Variation: "0x1"}].NameOrEmpty())
}

func TestTwoWayLocalDeleteReachesSource(t *testing.T) {
	ctrl, _, source, _ := newStack(t, true)
	require.NoError(t, source.put(addrA, "alice"))

	require.NoError(t, ctrl.SetName(names.Entry{
		Value: addrA, Type: names.TypeEthereumAddress, Variation: "0x1",
	}))

	require.Len(t, source.updates, 1)
	assert.Equal(t, Deleted, source.updates[0].kind)
	assert.Empty(t, source.entries)
}

func TestTwoWaySourceDeleteClearsStore(t *testing.T) {
	ctrl, _, source, b := newStack(t, true)
	require.NoError(t, source.put(addrA, "alice"))

	delete(source.entries, names.Key{Value: addrA, Variation: "0x1"})
	require.NoError(t, b.SyncFromSource())

	assert.Empty(t, ctrl.Entries(names.TypeEthereumAddress))
	assert.Empty(t, source.updates)
}

func TestOneWayIgnoresLocalChanges(t *testing.T) {
	ctrl, bus, source, _ := newStack(t, false)

	require.NoError(t, ctrl.SetName(names.Entry{
		Value: addrB, Name: names.Ptr("bob"), Type: names.TypeEthereumAddress, Variation: "0x1",
	}))

	assert.Zero(t, bus.SubscriberCount(names.StateChangeEvent))
	assert.Empty(t, source.updates)
}

func TestCloseUnsubscribes(t *testing.T) {
	ctrl, bus, source, b := newStack(t, true)
	require.Equal(t, 1, bus.SubscriberCount(names.StateChangeEvent))

	b.Close()

	assert.Zero(t, bus.SubscriberCount(names.StateChangeEvent))
	assert.Nil(t, source.listener)
	require.NoError(t, ctrl.SetName(names.Entry{
		Value: addrB, Name: names.Ptr("bob"), Type: names.TypeEthereumAddress, Variation: "0x1",
	}))
	assert.Empty(t, source.updates)
}

func TestDiff(t *testing.T) {
	k1 := names.Key{Value: "0x1", Variation: "0x1"}
	k2 := names.Key{Value: "0x2", Variation: "0x1"}
	k3 := names.Key{Value: "0x3", Variation: "0x1"}
	e := func(k names.Key, name string) names.Entry {
		return names.Entry{Value: k.Value, Variation: k.Variation, Name: names.Ptr(name)}
	}

	previous := map[names.Key]names.Entry{k1: e(k1, "one"), k2: e(k2, "two")}
	current := map[names.Key]names.Entry{k2: e(k2, "deux"), k3: e(k3, "three")}

	changes := diff(previous, current)
	require.Len(t, changes, 3)
	assert.Equal(t, change{kind: Deleted, entry: e(k1, "one")}, changes[0])
	assert.Equal(t, change{kind: Updated, entry: e(k2, "deux")}, changes[1])
	assert.Equal(t, change{kind: Added, entry: e(k3, "three")}, changes[2])

	assert.Empty(t, diff(current, current))
}

type countingRecorder struct {
	from, to, deferred, changes, errs int
}

func (r *countingRecorder) SyncedFromSource(_ time.Duration, _ int, err error) {
	r.from++
	if err != nil {
		r.errs++
	}
}

func (r *countingRecorder) SyncedToSource(_ time.Duration, changes int, err error) {
	r.to++
	r.changes += changes
	if err != nil {
		r.errs++
	}
}

func (r *countingRecorder) SyncDeferred() { r.deferred++ }

func TestRecorderSeesEveryRun(t *testing.T) {
	bus := messenger.New()
	ctrl := names.NewController(names.ControllerConfig{Messenger: bus})
	source := newMemorySource()
	rec := &countingRecorder{}
	b := New(Config{TwoWay: true, SourceID: "memory", Names: ctrl, Messenger: bus, Metrics: rec}, source)
	require.NoError(t, b.Init())
	t.Cleanup(b.Close)
	assert.Equal(t, 1, rec.from)

	// The nested local-to-source request is deferred, then finds nothing
	// to push once the pull is done.
	require.NoError(t, source.put(addrA, "alice"))
	assert.Equal(t, 2, rec.from)
	assert.Equal(t, 1, rec.deferred)
	assert.Zero(t, rec.to)
	assert.Empty(t, source.updates)

	require.NoError(t, ctrl.SetName(names.Entry{
		Value: addrB, Name: names.Ptr("bob"), Type: names.TypeEthereumAddress, Variation: "0x1",
	}))
	assert.Equal(t, 1, rec.to)
	assert.Equal(t, 1, rec.changes)
	assert.Zero(t, rec.errs)
}

// blockingSource holds the first UpdateSourceEntry until release is closed.
type blockingSource struct {
	*memorySource
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSource) UpdateSourceEntry(kind ChangeType, e names.Entry) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	return s.memorySource.UpdateSourceEntry(kind, e)
}

func TestSourceChangeDuringLocalRunIsReplayed(t *testing.T) {
	bus := messenger.New()
	ctrl := names.NewController(names.ControllerConfig{Messenger: bus})
	source := &blockingSource{
		memorySource: newMemorySource(),
		entered:      make(chan struct{}, 1),
		release:      make(chan struct{}),
	}
	rec := &countingRecorder{}
	b := New(Config{TwoWay: true, SourceID: "memory", Names: ctrl, Messenger: bus, Metrics: rec}, source)
	require.NoError(t, b.Init())
	t.Cleanup(b.Close)

	done := make(chan error, 1)
	go func() {
		done <- ctrl.SetName(names.Entry{
			Value: addrB, Name: names.Ptr("bob"), Type: names.TypeEthereumAddress, Variation: "0x1",
		})
	}()
	<-source.entered

	// The source changes on this goroutine while the other one is writing
	// the local change back.
	require.NoError(t, source.put(addrA, "alice"))
	assert.Equal(t, 1, rec.deferred)
	_, ok := ctrl.State().Lookup(names.TypeEthereumAddress, addrA, "0x1")
	assert.False(t, ok)

	close(source.release)
	require.NoError(t, <-done)

	got, ok := ctrl.State().Lookup(names.TypeEthereumAddress, addrA, "0x1")
	require.True(t, ok)
	assert.Equal(t, "alice", *got.Name)
	assert.Equal(t, 2, rec.from)

	// Only the local change went to the source; the replayed pull did not
	// echo alice back.
	require.Len(t, source.updates, 1)
	assert.Equal(t, addrB, source.updates[0].entry.Value)
}

// Two bridges share one store: a yielding one-way source and a two-way one
// that owns the overlapping key.
func TestSharedKeyStaysWithTwoWayOwner(t *testing.T) {
	bus := messenger.New()
	ctrl := names.NewController(names.ControllerConfig{Messenger: bus})

	accounts := newMemorySource()
	acct := names.Entry{Value: addrA, Name: names.Ptr("acct"), Type: names.TypeEthereumAddress, SourceID: "accounts", Variation: "0x1"}
	accounts.entries[acct.Key()] = acct
	low := New(Config{SourceID: "accounts", Yield: true, Names: ctrl, Messenger: bus}, accounts)

	book := newMemorySource()
	high := New(Config{TwoWay: true, SourceID: "memory", Names: ctrl, Messenger: bus}, book)

	require.NoError(t, low.Init())
	t.Cleanup(low.Close)
	require.NoError(t, high.Init())
	t.Cleanup(high.Close)
	require.NoError(t, book.put(addrA, "book"))

	lookup := func() string {
		e, _ := ctrl.State().Lookup(names.TypeEthereumAddress, addrA, "0x1")
		if e.Name == nil {
			return ""
		}
		return *e.Name
	}
	require.Equal(t, "book", lookup())

	// An unchanged reload of the lower-priority source.
	require.NoError(t, accounts.listener())
	assert.Equal(t, "book", lookup())
	assert.Empty(t, book.updates)
	assert.Len(t, book.entries, 1)
}

func TestOwnerChangeIsNotPushedAsDeletion(t *testing.T) {
	ctrl, _, source, _ := newStack(t, true)
	require.NoError(t, source.put(addrA, "alice"))

	// Another source takes the key over.
	require.NoError(t, ctrl.SetName(names.Entry{
		Value: addrA, Name: names.Ptr("acct"), Type: names.TypeEthereumAddress, SourceID: "accounts", Variation: "0x1",
	}))

	assert.Empty(t, source.updates)
	assert.Len(t, source.entries, 1)
}
