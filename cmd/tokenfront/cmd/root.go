package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dgellow/tokenfront/internal/bus"
	"github.com/dgellow/tokenfront/internal/config"
	"github.com/dgellow/tokenfront/internal/host"
	"github.com/dgellow/tokenfront/internal/log"
	"github.com/dgellow/tokenfront/internal/manager"
	"github.com/dgellow/tokenfront/internal/storage"
)

var (
	configPath   string
	logLevel     string
	buildVersion = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "tokenfront",
	Short: "OAuth session client with PKCE login and automatic token refresh",
	Long: `tokenfront manages an authenticated session against an OAuth
authorization server: browser-based PKCE login, short-lived API credentials,
silent refresh, and sign-out. Session state is shared between tokenfront
processes through a state directory.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if logLevel != "" {
			return log.SetLogLevel(logLevel)
		}
		return nil
	},
}

func Execute(version string) error {
	buildVersion = version
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to JSON config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
}

// buildManager assembles the full stack for CLI commands: file-backed
// stores under the state dir and the file bus so concurrent tokenfront
// processes see each other's session changes.
func buildManager(nav host.Navigator) (*manager.Manager, *config.Config, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if logLevel == "" && cfg.LogLevel != "" {
		if err := log.SetLogLevel(cfg.LogLevel); err != nil {
			return nil, nil, nil, err
		}
	}

	durable, err := storage.NewFileStore(filepath.Join(cfg.StateDir, "session"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening session store: %w", err)
	}
	scratch, err := storage.NewFileStore(filepath.Join(cfg.StateDir, "flow"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening flow store: %w", err)
	}
	fileBus, err := bus.NewFileBus(filepath.Join(cfg.StateDir, "broadcast.jsonl"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening broadcast channel: %w", err)
	}

	opts := []manager.Option{
		manager.WithDurableStorage(durable),
		manager.WithScratchStorage(scratch),
		manager.WithBus(fileBus),
		manager.WithSessionWindow(cfg.SessionWindow.Value()),
		manager.WithHTTPTimeout(cfg.HTTPTimeout.Value()),
	}
	if nav != nil {
		opts = append(opts, manager.WithNavigator(nav))
	}

	m, err := manager.New(manager.Config{
		AuthBaseURL: cfg.AuthBaseURL,
		ClientID:    cfg.ClientID,
		RedirectURI: cfg.RedirectURI,
		Scope:       cfg.Scope,
		APIBaseURL:  cfg.APIBaseURL,
	}, opts...)
	if err != nil {
		fileBus.Close()
		return nil, nil, nil, err
	}

	cleanup := func() {
		m.Close()
		fileBus.Close()
	}
	return m, cfg, cleanup, nil
}
