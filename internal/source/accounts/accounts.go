// Package accounts exposes the names declared under [[accounts]] in the
// configuration file as a read-only naming source.
package accounts

import (
	"fmt"
	"strings"

	"petnames/internal/config"
	"petnames/internal/messenger"
	"petnames/internal/names"
)

// SourceID tags every entry this source produces.
const SourceID = "accounts"

// ConfigProvider is the part of config.Loader the source reads.
type ConfigProvider interface {
	Config() *config.Config
	OnChange(cb func(*config.Config) error) *messenger.Subscription
}

// Source reads accounts from the current configuration. It has no
// UpdateSourceEntry, so it can only back a one-way bridge.
type Source struct {
	cfg ConfigProvider
}

// New returns a source over p.
func New(p ConfigProvider) *Source {
	return &Source{cfg: p}
}

// SourceEntries returns one entry per configured account.
func (s *Source) SourceEntries() ([]names.Entry, error) {
	cfg := s.cfg.Config()
	if cfg == nil {
		return nil, nil
	}

	entries := make([]names.Entry, 0, len(cfg.Accounts))
	for i, a := range cfg.Accounts {
		variation, err := names.VariationForChain(a.ChainID)
		if err != nil {
			return nil, fmt.Errorf("accounts[%d]: %w", i, err)
		}
		entries = append(entries, names.Entry{
			Value:     names.NormalizeValue(names.TypeEthereumAddress, a.Address),
			Name:      names.Ptr(strings.TrimSpace(a.Name)),
			Type:      names.TypeEthereumAddress,
			SourceID:  SourceID,
			Variation: variation,
		})
	}
	return entries, nil
}

// OnSourceChange calls listener after every successful config reload.
func (s *Source) OnSourceChange(listener func() error) *messenger.Subscription {
	return s.cfg.OnChange(func(*config.Config) error {
		return listener()
	})
}
