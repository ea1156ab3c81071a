package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"larkrelay/internal/config"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your larkrelay installation",
		Long: `Verifies that the configuration, agent CLI, history database, and
webhook port are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("larkrelay doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				failed++
				fmt.Printf("\nRun 'larkrelay init' to create a default configuration.\n")
				return nil
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				failed++
				fmt.Printf("\nResults: %d passed, %d failed\n", passed, failed)
				return nil
			}
			printPass("Config validation", "valid")
			passed++

			// 3. Agent CLI resolvable
			if path, err := exec.LookPath(cfg.Agent.Command); err != nil {
				printFail("Agent CLI", fmt.Sprintf("%s not found in PATH", cfg.Agent.Command))
				failed++
			} else {
				printPass("Agent CLI", path)
				passed++
			}

			// 4. Credentials present
			if cfg.Lark.AppID == "" || cfg.Lark.AppSecret == "" {
				printFail("Credentials", "lark.appId / lark.appSecret missing")
				failed++
			} else {
				printPass("Credentials", "configured")
				passed++
			}
			if cfg.Lark.EncryptKey == "" {
				printWarn("Encrypt key", "not set; events arrive unencrypted and unsigned")
				warned++
			} else {
				printPass("Encrypt key", "configured")
				passed++
			}

			// 5. History database writable
			if cfg.History.Enabled {
				if err := checkDatabase(cfg.History.DBPath); err != nil {
					printFail("History database", err.Error())
					failed++
				} else {
					printPass("History database", cfg.History.DBPath)
					passed++
				}
			}

			// 6. Webhook port
			if err := checkPort(cfg.Lark.WebhookPort); err != nil {
				printWarn("Webhook port", fmt.Sprintf("port %d may be in use: %v", cfg.Lark.WebhookPort, err))
				warned++
			} else {
				printPass("Webhook port", fmt.Sprintf(":%d available", cfg.Lark.WebhookPort))
				passed++
			}

			// 7. Log file writable
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running larkrelay.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nlarkrelay should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! larkrelay is ready to run.\n")
			}
			return nil
		},
	}
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}

	// Try a write.
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")

	return nil
}

func checkPort(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
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
