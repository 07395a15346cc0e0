package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"petnames/internal/app"
	"petnames/internal/bridge"
	"petnames/internal/config"
	"petnames/internal/names"
	"petnames/internal/source/addrbook"
	"petnames/internal/store"
)

func openStore(cfg *config.Config) (*store.Store, error) {
	path := config.ExpandPath(cfg.Storage.Path)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("no name database at %s; run petnamesd or 'petnamectl sync' first", path)
	}
	return store.Open(path)
}

type listedName struct {
	Address string `json:"address"`
	ChainID string `json:"chain_id"`
	Name    string `json:"name"`
	Source  string `json:"source,omitempty"`
}

func newListCmd(opts *options) *cobra.Command {
	var (
		chain  string
		source string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			variation := ""
			if chain != "" {
				if variation, err = names.VariationForChain(chain); err != nil {
					return err
				}
			}

			records, err := st.LoadNames()
			if err != nil {
				return err
			}
			var out []listedName
			for _, r := range records {
				if r.Entry.Name == nil {
					continue
				}
				if variation != "" && r.Variation != variation {
					continue
				}
				src := ""
				if r.Entry.SourceID != nil {
					src = *r.Entry.SourceID
				}
				if source != "" && src != source {
					continue
				}
				out = append(out, listedName{
					Address: common.HexToAddress(r.Value).Hex(),
					ChainID: r.Variation,
					Name:    *r.Entry.Name,
					Source:  src,
				})
			}

			w := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				if out == nil {
					out = []listedName{}
				}
				return enc.Encode(out)
			}
			if len(out) == 0 {
				fmt.Fprintln(w, "No names.")
				return nil
			}
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ADDRESS\tCHAIN\tNAME\tSOURCE")
			for _, n := range out {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", n.Address, n.ChainID, n.Name, n.Source)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&chain, "chain", "", "only names for this chain id (\"*\" for the fallback)")
	cmd.Flags().StringVar(&source, "source", "", "only names from this source")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

// openBook opens the configured address book for editing.
func openBook(opts *options) (*addrbook.AddressBook, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.AddressBook.Enabled {
		return nil, errors.New("the address book is disabled in the configuration")
	}
	return addrbook.Open(config.ExpandPath(cfg.AddressBook.Path), addrbook.Options{})
}

func entryFor(address, chain string) (names.Entry, error) {
	if !common.IsHexAddress(address) {
		return names.Entry{}, fmt.Errorf("not a hex address: %q", address)
	}
	variation, err := names.VariationForChain(chain)
	if err != nil {
		return names.Entry{}, err
	}
	return names.Entry{
		Value:     names.NormalizeValue(names.TypeEthereumAddress, address),
		Type:      names.TypeEthereumAddress,
		Variation: variation,
	}, nil
}

func newSetCmd(opts *options) *cobra.Command {
	var chain string
	cmd := &cobra.Command{
		Use:   "set <address> <name>",
		Short: "Name an address in the address book",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := entryFor(args[0], chain)
			if err != nil {
				return err
			}
			name := strings.TrimSpace(strings.Join(args[1:], " "))
			if name == "" {
				return errors.New("name must not be empty")
			}
			e.Name = names.Ptr(name)

			book, err := openBook(opts)
			if err != nil {
				return err
			}
			defer book.Close()
			if err := book.UpdateSourceEntry(bridge.Updated, e); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s) = %s\n", common.HexToAddress(e.Value).Hex(), e.Variation, name)
			return nil
		},
	}
	cmd.Flags().StringVar(&chain, "chain", "", "chain id, decimal or 0x hex (default: every chain)")
	return cmd
}

func newRmCmd(opts *options) *cobra.Command {
	var chain string
	cmd := &cobra.Command{
		Use:     "rm <address>",
		Aliases: []string{"remove"},
		Short:   "Remove an address from the address book",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := entryFor(args[0], chain)
			if err != nil {
				return err
			}
			book, err := openBook(opts)
			if err != nil {
				return err
			}
			defer book.Close()
			if err := book.UpdateSourceEntry(bridge.Deleted, e); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s (%s)\n", common.HexToAddress(e.Value).Hex(), e.Variation)
			return nil
		},
	}
	cmd.Flags().StringVar(&chain, "chain", "", "chain id, decimal or 0x hex (default: every chain)")
	return cmd
}

func newSyncCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Pull every source into the store once",
		Long: `sync runs the same initial synchronization petnamesd performs at
startup and exits. It refuses to run while petnamesd is running, since the
daemon would not see the changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.daemonRunning(); err != nil {
				return err
			}
			loader, err := opts.loader()
			if err != nil {
				return err
			}
			a, err := app.New(loader, nil)
			if err != nil {
				loader.Close()
				return err
			}
			if err := a.Sync(); err != nil {
				a.Close()
				return err
			}
			n := len(a.Names.Entries(names.TypeEthereumAddress))
			if err := a.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "synced; %d names\n", n)
			return nil
		},
	}
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon, configuration and store status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			fmt.Fprintln(w, "=== petnames Status ===")
			fmt.Fprintln(w)

			pid, running, err := app.ReadPID(opts.pidPath())
			switch {
			case err != nil:
				fmt.Fprintf(w, "Daemon: UNKNOWN (%v)\n", err)
			case pid == 0:
				fmt.Fprintln(w, "Daemon: NOT RUNNING")
			case running:
				fmt.Fprintf(w, "Daemon: RUNNING (PID %d)\n", pid)
			default:
				fmt.Fprintf(w, "Daemon: STALE PID FILE (PID %d not found)\n", pid)
			}
			fmt.Fprintln(w)

			fmt.Fprintln(w, "Configuration:")
			fmt.Fprintf(w, "  File:         %s\n", opts.path())
			issues := config.Check(cfg)
			if len(issues) == 0 {
				fmt.Fprintln(w, "  Valid:        yes")
			}
			for _, issue := range issues {
				level := "error"
				if issue.IsWarning() {
					level = "warning"
				}
				fmt.Fprintf(w, "  %-13s %s\n", level+":", issue.Error())
			}
			fmt.Fprintf(w, "  Accounts:     %d\n", len(cfg.Accounts))
			if cfg.AddressBook.Enabled {
				mode := "one-way"
				if cfg.AddressBook.TwoWay {
					mode = "two-way"
				}
				fmt.Fprintf(w, "  Address book: %s (%s)\n", cfg.AddressBook.Path, mode)
			} else {
				fmt.Fprintln(w, "  Address book: disabled")
			}
			fmt.Fprintln(w)

			fmt.Fprintln(w, "Database:")
			st, err := openStore(cfg)
			if err != nil {
				fmt.Fprintf(w, "  %v\n", err)
				return nil
			}
			defer st.Close()

			stats, err := st.GetStats()
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "  Path:         %s\n", st.Path())
			fmt.Fprintf(w, "  Size:         %s\n", formatBytes(stats.SizeBytes))
			fmt.Fprintf(w, "  Names:        %d (%d rows)\n", stats.Named, stats.Names)
			for _, src := range sortedKeys(stats.BySource) {
				label := src
				if label == "" {
					label = "(local)"
				}
				fmt.Fprintf(w, "    %-12s %d\n", label, stats.BySource[src])
			}
			if !stats.LastUpdated.IsZero() {
				fmt.Fprintf(w, "  Last update:  %s\n", stats.LastUpdated.Format("2006-01-02 15:04:05"))
			}

			ms, err := store.GetMigrationStatus(st.DB())
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "  Schema:       v%d (latest v%d)\n", ms.CurrentVersion, ms.LatestVersion)

			bad, err := st.VerifyAll()
			if err != nil {
				return err
			}
			if len(bad) == 0 {
				fmt.Fprintln(w, "  Integrity:    OK")
			} else {
				fmt.Fprintf(w, "  Integrity:    %d row(s) FAILED; run 'petnamectl verify'\n", len(bad))
			}
			return nil
		},
	}
}

func newVerifyCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check every stored row against its integrity hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := store.ValidateSchema(st.DB()); err != nil {
				return err
			}
			bad, err := st.VerifyAll()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, k := range bad {
				fmt.Fprintf(w, "FAILED %s\n", k)
			}
			if len(bad) > 0 {
				return fmt.Errorf("%d row(s) failed verification", len(bad))
			}
			fmt.Fprintln(w, "All rows verified.")
			return nil
		},
	}
}

func newMigrateCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Inspect or roll back the name database schema",
		Long: `migrate works on the schema as it is on disk. Every other command that
opens the database, and petnamesd, migrates it forward to the latest version
first, so roll back only right before starting an older petnamesd.`,
	}

	openDB := func() (*sql.DB, error) {
		cfg, err := opts.loadConfig()
		if err != nil {
			return nil, err
		}
		path := config.ExpandPath(cfg.Storage.Path)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("no name database at %s", path)
		}
		return store.OpenDB(path)
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "List applied and pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			ms, err := store.GetMigrationStatus(db)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Schema: v%d (latest v%d)\n", ms.CurrentVersion, ms.LatestVersion)
			for _, m := range ms.Applied {
				fmt.Fprintf(w, "  v%d  applied %s  %s\n", m.Version, m.AppliedAt.Format("2006-01-02 15:04:05"), m.Description)
			}
			for _, m := range ms.Pending {
				fmt.Fprintf(w, "  v%d  pending              %s\n", m.Version, m.Description)
			}
			return nil
		},
	}

	var force bool
	rollback := &cobra.Command{
		Use:   "rollback",
		Short: "Roll back the last applied migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.daemonRunning(); err != nil {
				return err
			}
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			ms, err := store.GetMigrationStatus(db)
			if err != nil {
				return err
			}
			if ms.CurrentVersion == 1 && !force {
				return errors.New("rolling back v1 drops every stored name; pass --force to do it anyway")
			}
			if err := store.RollbackMigration(db); err != nil {
				return err
			}
			after, err := store.GetMigrationStatus(db)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rolled back v%d; schema is now v%d\n", ms.CurrentVersion, after.CurrentVersion)
			return nil
		},
	}
	rollback.Flags().BoolVar(&force, "force", false, "allow rolling back the initial schema")

	cmd.AddCommand(status, rollback)
	return cmd
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
