// Command quillmaild is the entry point for the quillmail event-driven
// email automation daemon: it mirrors one IMAP account into a local
// store, watches for new mail via IDLE, and dispatches events to
// user-authored listener rules.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/corvidhollow/quillmail/internal/buildinfo"
	"github.com/corvidhollow/quillmail/internal/classify"
	"github.com/corvidhollow/quillmail/internal/config"
	"github.com/corvidhollow/quillmail/internal/dispatch"
	"github.com/corvidhollow/quillmail/internal/events"
	"github.com/corvidhollow/quillmail/internal/httpapi"
	"github.com/corvidhollow/quillmail/internal/imapclient"
	"github.com/corvidhollow/quillmail/internal/listeners"
	"github.com/corvidhollow/quillmail/internal/llm"
	"github.com/corvidhollow/quillmail/internal/scheduled"
	"github.com/corvidhollow/quillmail/internal/store"
	"github.com/corvidhollow/quillmail/internal/sync"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if flag.NArg() > 0 && flag.Arg(0) == "version" {
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfgPath, err := config.FindConfig(*configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("starting quillmail", "version", buildinfo.Version, "commit", buildinfo.GitCommit)
	logger.Info("config loaded",
		"path", cfgPath,
		"imap_host", cfg.IMAP.Host,
		"imap_folder", cfg.IMAP.Folder,
		"store_path", cfg.Store.Path,
		"listeners_dir", cfg.Listeners.Dir,
	)

	bus := events.New()

	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		logger.Error("failed to open mail store", "path", cfg.Store.Path, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	imap := imapclient.New(imapclient.Config{
		Host:     cfg.IMAP.Host,
		Port:     cfg.IMAP.Port,
		Username: cfg.IMAP.Username,
		Password: cfg.IMAP.Password,
		TLS:      true,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := imap.Connect(ctx); err != nil {
		logger.Error("failed to connect to IMAP server", "host", cfg.IMAP.Host, "error", err)
		os.Exit(1)
	}
	defer imap.Close()
	logger.Info("connected to IMAP server", "host", cfg.IMAP.Host, "port", cfg.IMAP.Port)

	imap.StartKeepalive(ctx)
	defer imap.StopKeepalive()

	if err := os.MkdirAll(cfg.Listeners.Dir, 0755); err != nil {
		logger.Error("failed to create listeners directory", "path", cfg.Listeners.Dir, "error", err)
		os.Exit(1)
	}

	registry := listeners.New(cfg.Listeners.Dir, logger, func(configs []listeners.Config) {
		bus.Publish(events.Event{
			Source: events.SourceListener,
			Kind:   events.KindListenersUpdate,
			Data:   map[string]any{"listeners": configs},
		})
	})
	if err := registry.LoadAll(); err != nil {
		logger.Error("failed to load listeners", "dir", cfg.Listeners.Dir, "error", err)
		os.Exit(1)
	}
	if cfg.Listeners.Watch {
		if err := registry.WatchForChanges(); err != nil {
			logger.Error("failed to watch listeners directory", "error", err)
			os.Exit(1)
		}
		defer registry.StopWatching()
	}

	anthropic := llm.NewAnthropicClient(cfg.LLM.APIKey, logger)
	gateway := classify.New(logger, anthropic, cfg.LLM.Timeout)

	dispatcher := dispatch.New(logger, registry, st, imap, gateway, bus)

	syncSvc := sync.New(logger, imap, st, dispatcher, bus)

	schedStore, err := scheduled.NewStore(cfg.Store.Path + ".scheduled")
	if err != nil {
		logger.Error("failed to open scheduled-task store", "error", err)
		os.Exit(1)
	}
	defer schedStore.Close()

	scheduler := scheduled.New(logger, schedStore, dispatcher)
	if err := scheduler.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	defer scheduler.Stop()

	imap.StartIdleMonitoring(ctx, cfg.IMAP.Folder, func(folder string, count uint32) {
		if _, err := syncSvc.SyncFromIdle(ctx, folder, count); err != nil {
			logger.Error("idle-triggered sync failed", "folder", folder, "error", err)
		}
	})
	defer imap.StopIdleMonitoring()
	logger.Info("IDLE watch started", "folder", cfg.IMAP.Folder)

	httpServer := httpapi.New(cfg.HTTP.Address, cfg.HTTP.Port, st, syncSvc, registry, dispatcher, bus, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
		_ = httpServer.Shutdown(context.Background())
	}()

	if err := httpServer.Start(ctx); err != nil {
		if ctx.Err() == nil {
			logger.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("quillmail stopped")
}
