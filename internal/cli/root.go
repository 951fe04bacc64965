package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/brandon/mail-syncback/internal/config"
	"github.com/brandon/mail-syncback/internal/store"
)

var (
	// version is set via ldflags at build time.
	version = "dev"
	cfgFile string

	// jsonFlag enables JSON output for listing commands.
	jsonFlag bool
)

// NewRootCmd builds the syncbackd command tree
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "syncbackd",
		Short:         "Mail syncback engine",
		Long:          "Replays local mailbox changes onto IMAP servers and supervises per-account sync.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(fmt.Sprintf("syncbackd %s\n", version))
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (YAML)")
	root.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")
	root.AddCommand(newRunCmd())
	root.AddCommand(newAccountCmd())
	root.AddCommand(newActionCmd())
	return root
}

// Execute runs the root command until it finishes or the process is signalled
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// env is what every command needs: validated config, a logger and the store
type env struct {
	cfg    *config.Config
	logger *logrus.Logger
	store  *store.Store
}

func (e *env) Close() {
	if err := e.store.Close(); err != nil {
		e.logger.WithError(err).Warn("Failed to close store")
	}
}

// setup loads and validates the configuration and opens the store
func setup() (*env, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logger: logger, store: st}, nil
}

// newLogger returns a JSON logger on stderr at the given level, falling back to info
func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stderr)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}
