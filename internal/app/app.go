// Package app assembles the name store, its sources and their bridges from
// a configuration. petnamesd runs it; petnamectl uses it for one-shot syncs.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"petnames/internal/bridge"
	"petnames/internal/config"
	"petnames/internal/logging"
	"petnames/internal/messenger"
	"petnames/internal/metrics"
	"petnames/internal/names"
	"petnames/internal/source/accounts"
	"petnames/internal/source/addrbook"
	"petnames/internal/store"
)

// App owns every long-lived component.
type App struct {
	loader *config.Loader
	cfg    *config.Config
	log    *logging.Logger

	Store    *store.Store
	Names    *names.Controller
	Bus      *messenger.Messenger
	Registry *metrics.Registry
	Daemon   *metrics.DaemonMetrics

	book    *addrbook.AddressBook
	bridges []*bridge.Bridge
	subs    []*messenger.Subscription
}

// New opens the store and builds the bridges. loader must already hold a
// loaded configuration. Nothing is synchronized until Sync.
func New(loader *config.Loader, log *logging.Logger) (*App, error) {
	cfg := loader.Config()
	if cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	if log == nil {
		log = logging.Discard()
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	a := &App{
		loader:   loader,
		cfg:      cfg,
		log:      log.WithComponent("app"),
		Bus:      messenger.New(),
		Registry: metrics.NewRegistry("petnames"),
	}
	a.Daemon = metrics.NewDaemonMetrics(a.Registry)

	st, err := store.Open(config.ExpandPath(cfg.Storage.Path),
		store.WithBusyTimeout(time.Duration(cfg.Storage.BusyTimeoutMs)*time.Millisecond))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.Store = st

	bad, err := st.VerifyAll()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("verify store: %w", err)
	}
	a.Daemon.IntegrityFailures.Set(int64(len(bad)))
	for _, k := range bad {
		a.log.Warn("stored name failed integrity check", "row", k.String())
	}

	a.Names = names.NewController(names.ControllerConfig{
		Messenger: a.Bus,
		Persister: st,
		Logger:    log,
	})
	if err := a.Names.Load(); err != nil {
		st.Close()
		return nil, err
	}

	a.bridges = append(a.bridges, bridge.New(bridge.Config{
		SourceID:  accounts.SourceID,
		Yield:     true,
		Names:     a.Names,
		Messenger: a.Bus,
		Logger:    log.With("source", accounts.SourceID),
		Metrics:   metrics.NewBridgeMetrics(a.Registry, accounts.SourceID),
	}, accounts.New(loader)))

	if cfg.AddressBook.Enabled {
		book, err := addrbook.Open(config.ExpandPath(cfg.AddressBook.Path), addrbook.Options{
			Debounce: cfg.AddressBook.Debounce(),
			Logger:   log,
		})
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("open address book: %w", err)
		}
		a.book = book
		a.bridges = append(a.bridges, bridge.New(bridge.Config{
			TwoWay:    cfg.AddressBook.TwoWay,
			SourceID:  addrbook.SourceID,
			Names:     a.Names,
			Messenger: a.Bus,
			Logger:    log.With("source", addrbook.SourceID),
			Metrics:   metrics.NewBridgeMetrics(a.Registry, addrbook.SourceID),
		}, book))
	}

	a.subs = append(a.subs, loader.OnChange(func(next *config.Config) error {
		a.Daemon.ConfigReloads.Inc()
		a.warnRestartRequired(next)
		return nil
	}))

	return a, nil
}

// warnRestartRequired logs settings that only take effect on restart.
func (a *App) warnRestartRequired(next *config.Config) {
	switch {
	case next.Storage != a.cfg.Storage:
		a.log.Warn("storage settings changed; restart to apply")
	case next.AddressBook != a.cfg.AddressBook:
		a.log.Warn("address book settings changed; restart to apply")
	case next.Logging != a.cfg.Logging:
		a.log.Warn("logging settings changed; restart to apply")
	}
}

// Sync initializes every bridge, which pulls each source into the store
// once. The accounts bridge yields to names it does not own, so an address
// book entry for the same address and chain wins, now and on reload.
func (a *App) Sync() error {
	for _, b := range a.bridges {
		if err := b.Init(); err != nil {
			return fmt.Errorf("initial sync: %w", err)
		}
	}
	a.refreshGauges()
	return nil
}

// Book returns the address book source, or nil when it is disabled.
func (a *App) Book() *addrbook.AddressBook {
	return a.book
}

// Watch starts watching the configuration file and the address book.
func (a *App) Watch() error {
	if err := a.loader.Watch(); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	if a.book != nil {
		if err := a.book.Watch(); err != nil {
			return fmt.Errorf("watch address book: %w", err)
		}
	}
	return nil
}

// Run services the watchers started by Watch until ctx is done, logging
// their errors. It also rewrites the metrics snapshot when one is
// configured.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case err := <-a.loader.Errors():
				a.Daemon.ConfigErrors.Inc()
				a.log.Error("config reload failed", "error", err)
			}
		}
	})

	if a.book != nil {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case err := <-a.book.Errors():
					a.log.Error("address book sync failed", "error", err)
				}
			}
		})
	}

	if path := a.cfg.Metrics.Path; path != "" {
		interval := time.Duration(a.cfg.Metrics.IntervalSec) * time.Second
		g.Go(func() error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				if err := a.WriteMetrics(path); err != nil {
					a.log.Warn("write metrics", "error", err)
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	}

	a.log.Info("running", "bridges", len(a.bridges), "address_book", a.book != nil)
	return g.Wait()
}

// WriteMetrics refreshes the gauges and writes the snapshot to path.
func (a *App) WriteMetrics(path string) error {
	a.refreshGauges()
	return a.Registry.WriteFile(path)
}

func (a *App) refreshGauges() {
	a.Daemon.Tick()
	a.Daemon.Names.Set(int64(len(a.Names.Entries(names.TypeEthereumAddress))))
	if stats, err := a.Store.GetStats(); err == nil {
		a.Daemon.DatabaseSizeBytes.Set(stats.SizeBytes)
	}
}

// Close stops the watchers, drops the bridges and closes the store.
func (a *App) Close() error {
	for _, sub := range a.subs {
		sub.Unsubscribe()
	}
	for _, b := range a.bridges {
		b.Close()
	}

	var errs []error
	if a.book != nil {
		errs = append(errs, a.book.Close())
	}
	errs = append(errs, a.loader.Close(), a.Store.Close())
	return errors.Join(errs...)
}
