// Package addrbook is a naming source backed by a user-edited address book
// file in YAML, TOML or JSON.
//
// The file is watched for changes. Each notification is gated on a BLAKE2b
// fingerprint of the file content, so saves that leave the content as it
// was, and the source's own write-backs, do not trigger a sync.
package addrbook

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/blake2b"

	"petnames/internal/bridge"
	"petnames/internal/logging"
	"petnames/internal/messenger"
	"petnames/internal/names"
)

// SourceID tags every entry this source produces.
const SourceID = "addressbook"

// DefaultDebounce is used when Options.Debounce is zero.
const DefaultDebounce = 200 * time.Millisecond

// ErrInvalidBook is returned when the file does not match the address book
// schema.
var ErrInvalidBook = errors.New("invalid address book")

// Options configures an AddressBook.
type Options struct {
	// Debounce is how long the file must be quiet before it is reread.
	Debounce time.Duration
	Logger   *logging.Logger
}

type listener struct {
	id uint64
	fn func() error
}

// AddressBook implements bridge.Source, bridge.ChangeNotifier and
// bridge.Updater over one file.
type AddressBook struct {
	path     string
	format   format
	debounce time.Duration
	log      *logging.Logger

	// mu serializes file access and guards fingerprint.
	mu          sync.Mutex
	fingerprint [blake2b.Size256]byte

	lmu       sync.Mutex
	listeners []listener
	nextID    uint64

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	errChan chan error
}

// Open returns an address book for path. A missing file is an empty book;
// an existing one must be valid.
func Open(path string, opts Options) (*AddressBook, error) {
	f, err := formatFor(path)
	if err != nil {
		return nil, err
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}

	b := &AddressBook{
		path:     path,
		format:   f,
		debounce: opts.Debounce,
		log:      log.WithComponent("addrbook"),
		done:     make(chan struct{}),
		errChan:  make(chan error, 1),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.readLocked(); err != nil {
		return nil, err
	}
	return b, nil
}

// Path returns the address book file.
func (b *AddressBook) Path() string {
	return b.path
}

// Rows returns the file's rows as written.
func (b *AddressBook) Rows() ([]Row, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	book, err := b.readLocked()
	if err != nil {
		return nil, err
	}
	return book.Entries, nil
}

// SourceEntries returns every row as an Ethereum address entry.
func (b *AddressBook) SourceEntries() ([]names.Entry, error) {
	rows, err := b.Rows()
	if err != nil {
		return nil, err
	}

	entries := make([]names.Entry, 0, len(rows))
	for i, row := range rows {
		variation, err := names.VariationForChain(string(row.ChainID))
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		entries = append(entries, names.Entry{
			Value:     names.NormalizeValue(names.TypeEthereumAddress, row.Address),
			Name:      names.Ptr(strings.TrimSpace(row.Name)),
			Type:      names.TypeEthereumAddress,
			SourceID:  SourceID,
			Variation: variation,
		})
	}
	return entries, nil
}

// UpdateSourceEntry writes a local change back to the file.
func (b *AddressBook) UpdateSourceEntry(change bridge.ChangeType, e names.Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	book, err := b.readLocked()
	if err != nil {
		return err
	}

	value := names.NormalizeValue(names.TypeEthereumAddress, e.Value)
	variation := e.Variation
	if variation == "" {
		variation = names.FallbackVariation
	}
	matches := func(row Row) bool {
		if names.NormalizeValue(names.TypeEthereumAddress, row.Address) != value {
			return false
		}
		v, err := names.VariationForChain(string(row.ChainID))
		return err == nil && v == variation
	}

	switch change {
	case bridge.Added, bridge.Updated:
		if e.Name == nil {
			return fmt.Errorf("%s entry %s/%s has no name", change, value, variation)
		}
		found := false
		for i := range book.Entries {
			if matches(book.Entries[i]) {
				book.Entries[i].Name = *e.Name
				found = true
			}
		}
		if !found {
			book.Entries = append(book.Entries, Row{
				Address: common.HexToAddress(value).Hex(),
				Name:    *e.Name,
				ChainID: chainIDFor(variation),
			})
		}

	case bridge.Deleted:
		kept := book.Entries[:0]
		for _, row := range book.Entries {
			if !matches(row) {
				kept = append(kept, row)
			}
		}
		if len(kept) == len(book.Entries) {
			return nil
		}
		book.Entries = kept

	default:
		return fmt.Errorf("unknown change %s", change)
	}

	if err := b.writeLocked(book); err != nil {
		return err
	}
	b.log.Debug("wrote address book", "change", change.String(), "address", value, "variation", variation)
	return nil
}

// OnSourceChange registers a listener called from the watch goroutine
// whenever the file content changes.
func (b *AddressBook) OnSourceChange(fn func() error) *messenger.Subscription {
	b.lmu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, listener{id: id, fn: fn})
	b.lmu.Unlock()

	return messenger.Func("addrbook:change", func() {
		b.lmu.Lock()
		defer b.lmu.Unlock()
		for i, l := range b.listeners {
			if l.id == id {
				b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
				return
			}
		}
	})
}

// Errors returns a channel for receiving errors that occur during watching.
func (b *AddressBook) Errors() <-chan error {
	return b.errChan
}

// Watch starts watching the file for changes.
func (b *AddressBook) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		watcher.Close()
		return fmt.Errorf("create address book directory: %w", err)
	}
	// Editors replace the file, so watch its directory.
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	b.watcher = watcher

	b.wg.Add(1)
	go b.watchLoop()

	b.log.Info("watching address book", "path", b.path)
	return nil
}

func (b *AddressBook) watchLoop() {
	defer b.wg.Done()

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	base := filepath.Base(b.path)
	for {
		select {
		case <-b.done:
			return

		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(b.debounce)
			} else {
				timer.Reset(b.debounce)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			changed, err := b.changed()
			if err != nil {
				b.report(err)
				continue
			}
			if changed {
				if err := b.notify(); err != nil {
					b.report(err)
				}
			}

		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.report(err)
		}
	}
}

// changed reports whether the file content differs from what was last
// read or written. A file that is gone is not a change; the next one to
// appear is compared as usual.
func (b *AddressBook) changed() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read address book: %w", err)
	}
	sum := blake2b.Sum256(data)
	if sum == b.fingerprint {
		return false, nil
	}
	b.fingerprint = sum
	return true, nil
}

func (b *AddressBook) notify() error {
	b.lmu.Lock()
	listeners := append([]listener(nil), b.listeners...)
	b.lmu.Unlock()

	b.log.Debug("address book changed", "listeners", len(listeners))
	var errs []error
	for _, l := range listeners {
		if err := l.fn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *AddressBook) report(err error) {
	b.log.Warn("address book watch error", "error", err)
	select {
	case b.errChan <- err:
	default:
	}
}

// Close stops the watcher and waits for the watch goroutine to exit.
func (b *AddressBook) Close() error {
	select {
	case <-b.done:
		return nil
	default:
		close(b.done)
	}

	var err error
	if b.watcher != nil {
		err = b.watcher.Close()
	}
	b.wg.Wait()
	return err
}

// readLocked reads and validates the file and records its fingerprint.
func (b *AddressBook) readLocked() (*Book, error) {
	data, err := os.ReadFile(b.path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read address book: %w", err)
	}
	book, err := decode(b.format, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.path, err)
	}
	b.fingerprint = blake2b.Sum256(data)
	return book, nil
}

// writeLocked replaces the file atomically.
func (b *AddressBook) writeLocked(book *Book) error {
	data, err := encode(b.format, book)
	if err != nil {
		return fmt.Errorf("encode address book: %w", err)
	}

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create address book directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".addrbook-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write address book: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync address book: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close address book: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return fmt.Errorf("chmod address book: %w", err)
	}
	if err := os.Rename(tmp.Name(), b.path); err != nil {
		return fmt.Errorf("replace address book: %w", err)
	}

	b.fingerprint = blake2b.Sum256(data)
	return nil
}

func chainIDFor(variation string) ChainID {
	if variation == names.FallbackVariation {
		return ""
	}
	return ChainID(variation)
}
