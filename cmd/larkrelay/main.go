package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"larkrelay/internal/agent"
	"larkrelay/internal/bus"
	"larkrelay/internal/channel"
	"larkrelay/internal/config"
	"larkrelay/internal/dedup"
	"larkrelay/internal/history"
	"larkrelay/internal/metrics"
	"larkrelay/internal/relay"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "larkrelay",
		Short: "larkrelay: relay Lark chat messages to a local agent CLI",
		Long:  "larkrelay receives Lark/Feishu message events over a webhook, runs each one through an external agent CLI, and posts the reply back to the chat.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.larkrelay/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(configCmd())
	root.AddCommand(historyCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			fmt.Println("Fill in lark.appId and lark.appSecret (or set APP_ID / APP_SECRET), then run 'larkrelay serve'.")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("larkrelay " + version)
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook server and relay loop",
		Long:  "Starts the Lark webhook server and the agent relay loop. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err = buildLogger(cfg.General)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messageBus := bus.New(cfg.Relay.BusBuffer, logger)
	defer messageBus.Close()
	events := bus.NewEventBus(logger)
	events.LogEvents(logger)

	var store *history.SQLiteStore
	if cfg.History.Enabled {
		store, err = history.NewSQLiteStore(cfg.History.DBPath, logger)
		if err != nil {
			return fmt.Errorf("history store: %w", err)
		}
		defer store.Close()
	}

	invoker := agent.NewCLIInvoker(agent.CLIConfig{
		Command:        cfg.Agent.Command,
		Session:        cfg.Agent.Session,
		TimeoutSeconds: cfg.Agent.TimeoutSeconds,
		Logger:         logger,
	})

	dispatcher := relay.NewDispatcher(relay.DispatcherConfig{
		Channel: "lark",
		Window: dedup.New(
			time.Duration(cfg.Dedup.TTLSeconds)*time.Second,
			cfg.Dedup.MaxEntries,
		),
		Bus:    messageBus,
		Events: events,
		Logger: logger,
	})

	loopCfg := relay.LoopConfig{
		Invoker:     invoker,
		Bus:         messageBus,
		Events:      events,
		Logger:      logger,
		Concurrency: cfg.Relay.MaxConcurrent,
	}
	if store != nil {
		loopCfg.History = store
	}
	loop := relay.NewLoop(loopCfg)

	larkCfg := channel.LarkConfig{
		AppID:             cfg.Lark.AppID,
		AppSecret:         cfg.Lark.AppSecret,
		EncryptKey:        cfg.Lark.EncryptKey,
		VerificationToken: cfg.Lark.VerificationToken,
		Domain:            cfg.Lark.Domain,
		Port:              cfg.Lark.WebhookPort,
		Path:              cfg.Lark.WebhookPath,
		ChunkLimit:        cfg.Lark.TextChunkLimit,
		Dispatcher:        dispatcher,
		Events:            events,
		Logger:            logger,
	}
	if cfg.Metrics.Enabled {
		larkCfg.MetricsPath = cfg.Metrics.Endpoint
		larkCfg.MetricsHandler = metrics.Collector.Handler()
	}
	larkCh := channel.NewLark(larkCfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return larkCh.Start(gctx, messageBus)
	})
	g.Go(func() error {
		loop.Run(gctx)
		return nil
	})
	if store != nil {
		g.Go(func() error {
			pruneHistory(gctx, store, cfg.History.RetentionDays)
			return nil
		})
	}

	logger.Info("larkrelay started. Press Ctrl+C to stop.",
		"version", version,
		"port", cfg.Lark.WebhookPort,
		"agent", cfg.Agent.Command,
	)

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// pruneHistory deletes exchanges past the retention window, once at startup
// and then daily.
func pruneHistory(ctx context.Context, store *history.SQLiteStore, retentionDays int) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	prune := func() {
		cutoff := time.Now().AddDate(0, 0, -retentionDays)
		if _, err := store.Prune(ctx, cutoff); err != nil && ctx.Err() == nil {
			logger.Warn("history prune failed", "err", err)
		}
	}

	prune()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

func buildLogger(cfg config.GeneralConfig) (*slog.Logger, error) {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", cfg.LogLevel)
	}

	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			return nil, fmt.Errorf("cannot create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("cannot open log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, f)
	}

	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})), nil
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. lark.webhookPort)",
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
		Short: "Set a config value (e.g. relay.maxConcurrent 8)",
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
			if err := config.Save(cfgPath, cfg); err != nil {
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
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Println(string(data))
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

	return cmd
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded exchanges",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "Show the most recent exchanges",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !cfg.History.Enabled {
				return fmt.Errorf("history is disabled in config")
			}
			store, err := history.NewSQLiteStore(cfg.History.DBPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			exchanges, err := store.ListRecent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(exchanges) == 0 {
				fmt.Println("No exchanges recorded.")
				return nil
			}
			for _, ex := range exchanges {
				status := "ok"
				if ex.IsError {
					status = "error"
				}
				fmt.Printf("%s  [%s]  chat=%s\n  > %s\n  < %s\n",
					ex.CreatedAt.Format(time.RFC3339), status, ex.ChatID,
					truncate(ex.Prompt, 120), truncate(ex.Reply, 120))
			}
			return nil
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "number of exchanges to show")
	cmd.AddCommand(list)

	return cmd
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
