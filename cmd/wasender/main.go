package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"wasender/internal/browser"
	"wasender/internal/config"
	"wasender/internal/dispatch"
	"wasender/internal/domain"
	"wasender/internal/logsink"
	"wasender/internal/session"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(logsink.NewHandler(slog.LevelInfo, os.Stdout))

	root := &cobra.Command{
		Use:          "wasender",
		Short:        "wasender: bulk WhatsApp Web sender",
		Long:         "wasender sends a templated message, images and an optional document to every row of a recipient sheet through WhatsApp Web.",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ~/.wasender/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(loginCmd())
	root.AddCommand(historyCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())

	if err := root.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode maps err to the process status. Inputs rejected before any
// recipient was processed give 2; an interrupt gives 130.
func exitCode(err error) int {
	switch {
	case domain.IsConfigurationError(err):
		return 2
	case dispatch.IsAbort(err):
		return 130
	default:
		return 1
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config file, falling back to defaults when the
// default file has not been created yet. An explicit --config must exist.
func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err == nil {
		return cfg, nil
	}
	if configPath == "" {
		if _, statErr := os.Stat(config.ExpandPath(cfgPath)); os.IsNotExist(statErr) {
			logger.Warn("config not found, using defaults", "path", cfgPath)
			cfg = config.Defaults()
			cfg.General.DataDir = config.ExpandPath(cfg.General.DataDir)
			cfg.General.LogFile = config.ExpandPath(cfg.General.LogFile)
			cfg.Browser.ProfileDir = config.ExpandPath(cfg.Browser.ProfileDir)
			cfg.Store.DBPath = config.ExpandPath(cfg.Store.DBPath)
			return cfg, nil
		}
	}
	return nil, fmt.Errorf("load config: %w", err)
}

// setupLogging points the global logger at the run log file and stdout.
// The returned func closes the file.
func setupLogging(cfg *config.Config) (func(), error) {
	level := logsink.ParseLevel(cfg.General.LogLevel)
	outs := []io.Writer{os.Stdout}
	closeFn := func() {}
	if cfg.General.LogFile != "" {
		f, err := logsink.EnsureFile(cfg.General.LogFile)
		if err != nil {
			return nil, err
		}
		outs = append(outs, f)
		closeFn = func() { f.Close() }
	}
	logger = slog.New(logsink.NewHandler(level, outs...))
	return closeFn, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newSurface(cfg *config.Config) (*browser.Surface, error) {
	sel, err := browser.WhatsAppSelectors().WithOverrides(cfg.Browser.Selectors)
	if err != nil {
		return nil, err
	}
	return browser.New(browser.Config{
		BaseURL:       cfg.Browser.BaseURL,
		ProfileDir:    cfg.Browser.ProfileDir,
		Headless:      cfg.Browser.Headless,
		PasteModifier: cfg.Browser.PasteModifier,
		Selectors:     sel,
		Logger:        logger.With("component", "browser"),
	})
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			dataDir := config.ExpandPath(cfg.General.DataDir)
			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "data_dir", dataDir)
			return nil
		},
	}
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Open the browser and link this device",
		Long:  "Opens a visible Chrome window with the persistent profile and waits until the QR code has been scanned. Later runs reuse the linked session.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			closeLog, err := setupLogging(cfg)
			if err != nil {
				return err
			}
			defer closeLog()

			cfg.Browser.Headless = false
			surface, err := newSurface(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			ctl := session.NewController(session.ControllerConfig{
				Surface: surface,
				Logger:  logger.With("component", "session"),
			})
			defer ctl.Close()

			if err := ctl.SignIn(ctx); err != nil {
				return err
			}
			logger.Info("device linked", "profile", cfg.Browser.ProfileDir)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. dispatch.confirmAttempts)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. dispatch.defaultCountryCode 44)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(config.ExpandPath(cfgPath), cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			paths := config.ListPaths(config.Sanitize(cfg))
			keys := make([]string, 0, len(paths))
			for k := range paths {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%s = %v\n", k, paths[k])
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "selectors",
		Short: "List the browser selector keys that can be overridden",
		Run: func(cmd *cobra.Command, args []string) {
			for _, k := range browser.SelectorKeys() {
				fmt.Println("browser.selectors." + k)
			}
		},
	})

	return cmd
}
