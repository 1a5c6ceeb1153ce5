package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"wasender/internal/clipboard"
	"wasender/internal/config"
	"wasender/internal/store"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your wasender installation",
		Long: `Verifies that the configuration, run log, run store, browser profile and
system clipboard are usable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			fmt.Printf("wasender doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var passed, failed, warned int

			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'wasender init' to create a default configuration.\n")
				return fmt.Errorf("config file missing")
			}
			printPass("Config file", cfgPath)
			passed++

			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				fmt.Printf("\n%d passed, 1 failed\n", passed)
				return fmt.Errorf("config invalid")
			}
			printPass("Config validation", "valid")
			passed++

			if err := checkWritableDir(filepath.Dir(cfg.General.LogFile)); err != nil {
				printFail("Log file", err.Error())
				failed++
			} else {
				printPass("Log file", cfg.General.LogFile)
				passed++
			}

			if cfg.Store.Enabled {
				if err := checkDatabase(cfg.Store.DBPath); err != nil {
					printFail("Run store", err.Error())
					failed++
				} else {
					printPass("Run store", cfg.Store.DBPath)
					passed++
				}
			} else {
				printWarn("Run store", "disabled, history will not be kept")
				warned++
			}

			if err := checkWritableDir(cfg.Browser.ProfileDir); err != nil {
				printFail("Browser profile", err.Error())
				failed++
			} else if _, err := os.Stat(filepath.Join(cfg.Browser.ProfileDir, "Default")); err != nil {
				printWarn("Browser profile", "no linked session yet, run 'wasender login'")
				warned++
			} else {
				printPass("Browser profile", cfg.Browser.ProfileDir)
				passed++
			}

			if _, err := clipboard.NewSystem(); err != nil {
				printWarn("Clipboard", "unavailable, images cannot be pasted: "+err.Error())
				warned++
			} else {
				printPass("Clipboard", "image writes supported")
				passed++
			}

			if cfg.Monitor.Enabled {
				addr := fmt.Sprintf("%s:%d", cfg.Monitor.Host, cfg.Monitor.Port)
				if err := checkPort(addr); err != nil {
					printWarn("Monitor port", fmt.Sprintf("%s may be in use: %v", addr, err))
					warned++
				} else {
					printPass("Monitor port", addr+" available")
					passed++
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before sending.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nwasender should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! wasender is ready to send.\n")
			}
			return nil
		},
	}
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("%s not writable: %w", dir, err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// checkDatabase opens the store (running migrations) and pings it.
func checkDatabase(dbPath string) error {
	st, err := store.Open(dbPath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := st.DB().PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := st.ListRuns(ctx, 1); err != nil {
		return fmt.Errorf("cannot read runs: %w", err)
	}
	return nil
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
