// petnamesd keeps the petname store in step with its sources.
//
// It loads the configuration, pulls the configured accounts and the
// address book into the SQLite-backed store, then follows both files until
// it receives SIGINT or SIGTERM. With a two-way address book, local name
// changes are written back to the file.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"petnames/internal/app"
	"petnames/internal/config"
	"petnames/internal/logging"
)

var (
	configPath string
	pidPath    string
)

var rootCmd = &cobra.Command{
	Use:   "petnamesd",
	Short: "Petname synchronization daemon",
	Long: `petnamesd keeps the local petname store in step with the address book
file and the accounts declared in the configuration.

Configuration is read from --config (default: <data dir>/config.toml) and
reloaded when the file changes. PETNAMES_DATA_DIR overrides the data dir.`,
	SilenceUsage: true,
	Args:         cobra.NoArgs,
	RunE:         runDaemon,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.Flags().StringVar(&pidPath, "pid-file", "", "path to pid file (default: <data dir>/petnamesd.pid)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, configPath, pidPath)
}

// serve runs the daemon until ctx is done.
func serve(ctx context.Context, cfgPath, pidFile string) error {
	cfg, created, err := config.LoadOrCreate(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	for _, w := range config.Check(cfg).Warnings() {
		fmt.Fprintf(os.Stderr, "warning: %v\n", &w)
	}

	log, err := app.NewLogger(cfg.Logging, "petnamesd")
	if err != nil {
		return err
	}
	defer log.Close()
	log = log.With("instance", uuid.NewString())
	logging.SetDefault(log)

	if created {
		log.Info("wrote default configuration", "path", resolvedConfigPath(cfgPath))
	}

	// Refuse before touching the database a running daemon owns.
	if pidFile == "" {
		pidFile = app.PIDPath()
	}
	if pid, running, _ := app.ReadPID(pidFile); running && pid != os.Getpid() {
		return fmt.Errorf("petnamesd already running (pid %d)", pid)
	}
	if err := app.WritePID(pidFile); err != nil {
		return err
	}
	defer os.Remove(pidFile)

	loader := config.NewLoader(resolvedConfigPath(cfgPath))
	if _, err := loader.Load(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	a, err := app.New(loader, log)
	if err != nil {
		loader.Close()
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error("shutdown", "error", err)
		}
	}()

	if err := a.Sync(); err != nil {
		return err
	}
	if err := a.Watch(); err != nil {
		return err
	}

	log.Info("petnamesd started", "config", loader.Path(), "store", a.Store.Path())
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("petnamesd stopped")
	return nil
}

func resolvedConfigPath(p string) string {
	if p == "" {
		return config.ConfigPath()
	}
	return p
}
