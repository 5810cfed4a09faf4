package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgnsrekt/tab_relay/internal/config"
	"github.com/dgnsrekt/tab_relay/internal/events"
	"github.com/dgnsrekt/tab_relay/internal/hub"
	"github.com/dgnsrekt/tab_relay/internal/netutil"
	"github.com/dgnsrekt/tab_relay/internal/notify"
	"github.com/dgnsrekt/tab_relay/internal/recording"
	"github.com/dgnsrekt/tab_relay/internal/storage"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	cfg, err := config.LoadHub()
	if err != nil {
		slog.Error("failed to load hub config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}

	slog.Info("relay_hub config loaded",
		"bind_addr", cfg.BindAddr,
		"bind_fallback", cfg.BindFallback,
		"allow_remote", cfg.AllowRemote,
		"token_set", cfg.Token != "",
		"command_timeout", cfg.CommandTimeout,
		"stop_timeout", cfg.StopTimeout,
		"ping_interval", cfg.PingInterval,
		"recordings_dir", cfg.RecordingsDir,
		"journal_dir", cfg.JournalDir,
		"notify_set", cfg.NotifyURL != "",
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	if !netutil.IsLoopbackHost(netutil.BindHost(cfg.BindAddr)) && !cfg.AllowRemote {
		slog.Warn("bind address is not loopback; remote peers will be rejected", "bind_addr", cfg.BindAddr)
	}

	bindAddr, err := netutil.SelectBindAddr(cfg.BindAddr, cfg.BindFallback)
	if err != nil {
		slog.Error("failed to select bind address", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}

	store, err := recording.NewStore(cfg.RecordingsDir)
	if err != nil {
		slog.Error("failed to create recording store", "dir", cfg.RecordingsDir, "error", err)
		os.Exit(1)
	}

	journal := storage.OpenJournal(cfg.JournalDir, cfg.JournalMaxSizeMB)
	defer func() {
		if err := journal.Close(); err != nil {
			slog.Debug("journal close failed", "error", err)
		}
	}()

	opts := hub.OptionsFromConfig(cfg)
	opts.Store = store
	opts.Broker = events.NewBroker()
	opts.Journal = journal
	opts.Notifier = notify.New(cfg.NotifyURL, nil)
	h, err := hub.New(opts)
	if err != nil {
		slog.Error("failed to create hub", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{Addr: bindAddr, Handler: hub.NewHandler(h)}

	go func() {
		slog.Info("relay_hub listening",
			"addr", bindAddr,
			"agent", "ws://"+bindAddr+"/extension",
			"cdp", "ws://"+bindAddr+"/cdp",
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("relay_hub server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h.Shutdown(ctx)
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("relay_hub shutdown failed", "error", err)
	}
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll("logs", 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
