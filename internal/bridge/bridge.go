// Package bridge keeps the name store and an external naming source in
// step.
//
// A Bridge always pulls the source into the store. Configured as two-way it
// also pushes local changes back to the source and deletes local names the
// source no longer has. The direction is fixed at construction.
package bridge

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"petnames/internal/logging"
	"petnames/internal/messenger"
	"petnames/internal/names"
)

// ErrUpdateNotImplemented is returned when a two-way bridge has to push a
// local change to a source that cannot accept one.
var ErrUpdateNotImplemented = errors.New("updateSourceEntry must be overridden for two-way bridges")

// ErrAlreadyInitialized is returned by a second call to Init.
var ErrAlreadyInitialized = errors.New("bridge already initialized")

// ChangeType classifies one difference between two snapshots.
type ChangeType int

const (
	Added ChangeType = iota
	Updated
	Deleted
)

func (c ChangeType) String() string {
	switch c {
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	default:
		return fmt.Sprintf("ChangeType(%d)", int(c))
	}
}

// Source is an external name registry. It must return only entries of the
// type the bridge manages.
type Source interface {
	SourceEntries() ([]names.Entry, error)
}

// ChangeNotifier is implemented by sources that can signal changes. The
// listener's error is returned to whoever invoked it.
type ChangeNotifier interface {
	OnSourceChange(listener func() error) *messenger.Subscription
}

// Updater is implemented by sources that accept changes. Two-way bridges
// need one.
type Updater interface {
	UpdateSourceEntry(change ChangeType, entry names.Entry) error
}

// NameController is the name store as seen by the bridge.
type NameController interface {
	State() names.State
	SetName(names.Entry) error
}

// Messenger is the notification bus as seen by the bridge.
type Messenger interface {
	Subscribe(event string, h messenger.Handler) *messenger.Subscription
}

// Recorder receives the outcome of every synchronization run.
type Recorder interface {
	SyncedFromSource(d time.Duration, deleted int, err error)
	SyncedToSource(d time.Duration, changes int, err error)
	SyncDeferred()
}

type nopRecorder struct{}

func (nopRecorder) SyncedFromSource(time.Duration, int, error) {}
func (nopRecorder) SyncedToSource(time.Duration, int, error)   {}
func (nopRecorder) SyncDeferred()                              {}

// Config configures a Bridge.
type Config struct {
	// TwoWay enables local-to-source propagation and source-driven deletion.
	TwoWay bool

	// Type is the entry type the bridge manages. Defaults to
	// names.TypeEthereumAddress.
	Type names.Type

	// SourceID, when set, limits what the bridge treats as its own local
	// entries to those tagged with this source id or with none. Names
	// another source put in the store are then neither deleted nor pushed.
	// Empty means every local entry of Type. Source entries without a
	// source id are stamped with it.
	SourceID string

	// Yield stops the bridge from overwriting a name the store attributes
	// to anything but SourceID, including names set locally. Used for
	// lower-priority sources.
	Yield bool

	Names     NameController
	Messenger Messenger
	Logger    *logging.Logger

	// Metrics is optional.
	Metrics Recorder
}

type direction uint8

const (
	sourceToLocal direction = 1 << iota
	localToSource
)

// Bridge reconciles one source with the name store.
type Bridge struct {
	twoWay bool
	typ    names.Type
	owner  string
	yield  bool
	names  NameController
	msgr   Messenger
	source Source
	log    *logging.Logger
	rec    Recorder

	initialized atomic.Bool

	// mu guards running and pending. A run requested while another is
	// active is recorded in pending and replayed by the active goroutine.
	mu      sync.Mutex
	running bool
	pending direction

	// previous is the local snapshot the next local-to-source run diffs
	// against. Only touched by the goroutine that is running.
	previous map[names.Key]names.Entry

	subs []*messenger.Subscription
}

// New creates a bridge for source. Call Init to start it.
func New(cfg Config, source Source) *Bridge {
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}
	typ := cfg.Type
	if typ == "" {
		typ = names.TypeEthereumAddress
	}
	var rec Recorder = nopRecorder{}
	if cfg.Metrics != nil {
		rec = cfg.Metrics
	}
	return &Bridge{
		twoWay:   cfg.TwoWay,
		typ:      typ,
		owner:    cfg.SourceID,
		yield:    cfg.Yield,
		names:    cfg.Names,
		msgr:     cfg.Messenger,
		source:   source,
		log:      log.WithComponent("bridge"),
		rec:      rec,
		previous: make(map[names.Key]names.Entry),
	}
}

// TwoWay reports the bridge direction.
func (b *Bridge) TwoWay() bool {
	return b.twoWay
}

// Init registers the source listener, pulls the source once and, for a
// two-way bridge, subscribes to name store changes.
func (b *Bridge) Init() error {
	if !b.initialized.CompareAndSwap(false, true) {
		return ErrAlreadyInitialized
	}

	if notifier, ok := b.source.(ChangeNotifier); ok {
		b.subs = append(b.subs, notifier.OnSourceChange(b.SyncFromSource))
	}

	if b.twoWay {
		b.previous = b.localEntries()
		b.subs = append(b.subs, b.msgr.Subscribe(names.StateChangeEvent, func(any) error {
			return b.SyncToSource()
		}))
	}

	b.log.Info("bridge initialized", "two_way", b.twoWay, "type", string(b.typ))
	return b.SyncFromSource()
}

// Close drops every subscription the bridge holds.
func (b *Bridge) Close() {
	for _, sub := range b.subs {
		sub.Unsubscribe()
	}
	b.subs = nil
}

// SyncFromSource writes every source entry into the name store and, for a
// two-way bridge, clears local names the source does not have. Called while
// another synchronization is running, it returns at once and the running
// goroutine pulls the source again when it is done.
func (b *Bridge) SyncFromSource() error {
	return b.run(sourceToLocal)
}

// SyncToSource pushes local changes made since the previous run to the
// source. A one-way bridge never calls it; calling it anyway does nothing.
// It is deferred like SyncFromSource.
func (b *Bridge) SyncToSource() error {
	if !b.twoWay {
		return nil
	}
	return b.run(localToSource)
}

// run performs d, or queues it when another run is active. The goroutine
// that holds the run replays queued directions before returning, local
// changes first so a later pull cannot absorb them. Errors of replayed runs
// are returned to that goroutine.
func (b *Bridge) run(d direction) error {
	b.mu.Lock()
	if b.running {
		b.pending |= d
		b.mu.Unlock()
		b.rec.SyncDeferred()
		return nil
	}
	b.running = true
	b.mu.Unlock()

	var errs []error
	next := d
	for next != 0 {
		if next&localToSource != 0 {
			errs = append(errs, b.pushLocal())
		}
		if next&sourceToLocal != 0 {
			errs = append(errs, b.pullSource())
		}

		b.mu.Lock()
		next = b.pending
		b.pending = 0
		if next == 0 {
			b.running = false
		}
		b.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (b *Bridge) pullSource() (err error) {
	start := time.Now()
	deleted := 0
	defer func() { b.rec.SyncedFromSource(time.Since(start), deleted, err) }()

	entries, err := b.source.SourceEntries()
	if err != nil {
		return fmt.Errorf("read source entries: %w", err)
	}

	var state names.State
	if b.yield {
		state = b.names.State()
	}

	present := make(map[names.Key]struct{}, len(entries))
	touched := make(map[names.Key]struct{}, len(entries))
	yielded := 0
	for _, e := range entries {
		e.Type = b.typ
		if e.SourceID == "" {
			e.SourceID = b.owner
		}
		key := b.key(e)
		present[key] = struct{}{}
		if b.yield && b.foreign(state, key) {
			yielded++
			continue
		}
		touched[key] = struct{}{}
		if err := b.names.SetName(e); err != nil {
			return fmt.Errorf("set name %s/%s: %w", e.Value, e.Variation, err)
		}
	}

	if b.twoWay {
		for key, local := range b.localEntries() {
			if _, ok := present[key]; ok {
				continue
			}
			touched[key] = struct{}{}
			if err := b.names.SetName(local.Tombstone()); err != nil {
				return fmt.Errorf("clear name %s/%s: %w", local.Value, local.Variation, err)
			}
			deleted++
		}

		// Writes that came from the source are not local changes. Keys
		// this run did not write keep their baseline.
		after := b.localEntries()
		for key := range touched {
			if e, ok := after[key]; ok {
				b.previous[key] = e
			} else {
				delete(b.previous, key)
			}
		}
	}

	b.log.Debug("synced from source", "entries", len(entries), "deleted", deleted, "yielded", yielded)
	return nil
}

func (b *Bridge) pushLocal() (err error) {
	current := b.localEntries()
	changes := diff(b.previous, current)

	// A key that left this bridge's scope but is still named belongs to
	// another source now. Nothing was deleted locally.
	if len(changes) > 0 {
		state := b.names.State()
		kept := changes[:0]
		for _, c := range changes {
			if c.kind == Deleted && b.named(state, b.key(c.entry)) {
				continue
			}
			kept = append(kept, c)
		}
		changes = kept
	}
	if len(changes) == 0 {
		b.previous = current
		return nil
	}

	start := time.Now()
	defer func() { b.rec.SyncedToSource(time.Since(start), len(changes), err) }()

	updater, ok := b.source.(Updater)
	if !ok {
		return ErrUpdateNotImplemented
	}

	for _, c := range changes {
		if err := updater.UpdateSourceEntry(c.kind, c.entry); err != nil {
			return fmt.Errorf("update source entry %s %s/%s: %w", c.kind, c.entry.Value, c.entry.Variation, err)
		}
	}

	b.previous = current
	b.log.Debug("synced to source", "changes", len(changes))
	return nil
}

// named reports whether the store holds a name for key, whoever owns it.
func (b *Bridge) named(state names.State, key names.Key) bool {
	e, ok := state.Lookup(b.typ, key.Value, key.Variation)
	return ok && e.Name != nil
}

// foreign reports whether key is named in the store by someone other than
// this bridge's source.
func (b *Bridge) foreign(state names.State, key names.Key) bool {
	e, ok := state.Lookup(b.typ, key.Value, key.Variation)
	if !ok || e.Name == nil {
		return false
	}
	return e.SourceID == nil || *e.SourceID != b.owner
}

// localEntries returns the named entries of the managed type, keyed the
// way the store keys them.
func (b *Bridge) localEntries() map[names.Key]names.Entry {
	entries := b.names.State().Entries(b.typ)
	out := make(map[names.Key]names.Entry, len(entries))
	for _, e := range entries {
		if b.owner != "" && e.SourceID != "" && e.SourceID != b.owner {
			continue
		}
		out[e.Key()] = e
	}
	return out
}

// key maps a source entry onto the store's key space.
func (b *Bridge) key(e names.Entry) names.Key {
	return names.Key{
		Value:     names.NormalizeValue(e.Type, e.Value),
		Variation: normalizeVariation(e.Variation),
	}
}
