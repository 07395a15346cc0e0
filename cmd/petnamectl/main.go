// petnamectl is the control CLI for petnamesd.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"petnames/internal/app"
	"petnames/internal/config"
)

type options struct {
	configPath string
	pidFile    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "petnamectl",
		Short: "Control utility for petnamesd",
		Long: `petnamectl inspects the petname store and edits the address book.

Names set or removed here are written to the address book file. A running
petnamesd picks them up; otherwise run 'petnamectl sync'.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config file (default: <data dir>/config.toml)")
	root.PersistentFlags().StringVar(&opts.pidFile, "pid-file", "", "pid file of petnamesd (default: <data dir>/petnamesd.pid)")

	root.AddCommand(
		newListCmd(opts),
		newSetCmd(opts),
		newRmCmd(opts),
		newSyncCmd(opts),
		newStatusCmd(opts),
		newVerifyCmd(opts),
		newMigrateCmd(opts),
	)
	return root
}

func (o *options) path() string {
	if o.configPath == "" {
		return config.ConfigPath()
	}
	return o.configPath
}

func (o *options) pidPath() string {
	if o.pidFile == "" {
		return app.PIDPath()
	}
	return o.pidFile
}

// daemonRunning fails when petnamesd holds the pid file.
func (o *options) daemonRunning() error {
	if pid, running, _ := app.ReadPID(o.pidPath()); running {
		return fmt.Errorf("petnamesd is running (pid %d); stop it first", pid)
	}
	return nil
}

// loadConfig reads the configuration without validating it, so inspection
// commands work against a config the daemon would reject.
func (o *options) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.path())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// loader returns a loader holding the validated configuration.
func (o *options) loader() (*config.Loader, error) {
	l := config.NewLoader(o.path())
	if _, err := l.Load(); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return l, nil
}
