package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"orgcal/internal/config"
	appLog "orgcal/internal/log"
	"orgcal/internal/store"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "0.1.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// rootOptions holds the flags shared by every subcommand.
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "orgcal",
		Short: "Organization calendar: recurring events, conflicts and reminders",
		Long: `orgcal keeps the calendars of several organizations: it expands
recurring events with their exceptions into a rolling window, flags
overlapping assignments and delivers reminders before events start.`,
		SilenceUsage: true,
		Version:      version,
	}
	root.SetVersionTemplate(`{{printf "orgcal version %s\n" .Version}}`)
	root.PersistentFlags().StringVar(&opts.configPath, "config", "orgcal.yaml", "Path to config file")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newExpandCmd(opts))
	root.AddCommand(newImportCmd(opts))
	root.AddCommand(newVersionCmd())
	return root
}

// loadConfig reads the config file and applies its log level.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	conf, err := config.Load(o.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", o.configPath)
		return nil, err
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	return conf, nil
}

func openStore(conf *config.Config) (*store.GormStore, error) {
	st, err := store.Open(conf.Database.Driver, conf.Database.DSN)
	if err != nil {
		appLog.Error("failed to open store", err, "driver", conf.Database.Driver)
		return nil, err
	}
	return st, nil
}

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			appLog.Info("signal received, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "orgcal version %s\n", version)
		},
	}
}
